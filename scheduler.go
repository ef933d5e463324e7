package netcore

// scheduler.go holds the structs and methods that let protocol components
// ask for a function to be called after some delay of virtual time, and to
// take that request back again.
//
// Two implementations of the Scheduler interface are provided.  EvtScheduler
// hands every request to an evtm.EventManager, so that protocol timers are
// interleaved with all the other events of a simulation.  ManualScheduler keeps
// its own min-heap of pending requests and is advanced explicitly by its owner;
// tests and stand-alone tools use it when no event manager is running.
//
// Neither implementation removes a cancelled request from its queue.  Instead every
// request carries a TimerHandle, and the handle is checked when the request comes due.
// A handle that has been cancelled (or that belongs to an object that has been torn down)
// lets the event pass without calling anything.

import (
	"container/heap"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// TimerHandle is returned for every scheduled callback.  The callback runs only
// if the handle is still live at the time the event fires.
type TimerHandle struct {
	live bool    // false once cancelled or fired
	when float64 // virtual time (seconds) the callback is due
}

// Cancel invalidates the pending callback.  Cancelling a nil handle, or one
// whose callback has already run, does nothing.
func (th *TimerHandle) Cancel() {
	if th == nil {
		return
	}
	th.live = false
}

// Pending reports whether the callback is still waiting to run
func (th *TimerHandle) Pending() bool {
	return th != nil && th.live
}

// When returns the virtual time at which the callback is due
func (th *TimerHandle) When() float64 {
	if th == nil {
		return 0.0
	}
	return th.when
}

// Scheduler is the timer collaborator used by every timer-bearing component.
// Delays and times are expressed in seconds of virtual time.
type Scheduler interface {
	// ScheduleAfter arranges for fn to be called delay seconds from now
	ScheduleAfter(delay float64, fn func()) *TimerHandle

	// Now returns the current virtual time
	Now() float64
}

// EvtScheduler implements Scheduler on top of an evtm.EventManager
type EvtScheduler struct {
	evtMgr *evtm.EventManager
}

// CreateEvtScheduler is a constructor
func CreateEvtScheduler(evtMgr *evtm.EventManager) *EvtScheduler {
	return &EvtScheduler{evtMgr: evtMgr}
}

// EventManager returns the event manager the scheduler posts to
func (es *EvtScheduler) EventManager() *evtm.EventManager {
	return es.evtMgr
}

// ScheduleAfter posts an event whose context is the returned handle and whose
// data is the function to call
func (es *EvtScheduler) ScheduleAfter(delay float64, fn func()) *TimerHandle {
	if delay < 0.0 {
		delay = 0.0
	}
	th := &TimerHandle{live: true, when: es.evtMgr.CurrentSeconds() + delay}
	es.evtMgr.Schedule(th, fn, timerFired, vrtime.SecondsToTime(delay))
	return th
}

// Now returns the event manager's current time in seconds
func (es *EvtScheduler) Now() float64 {
	return es.evtMgr.CurrentSeconds()
}

// timerFired is the event handler for every callback posted by an EvtScheduler
func timerFired(evtMgr *evtm.EventManager, context any, data any) any {
	th := context.(*TimerHandle)

	// a cancelled handle means the owner no longer wants to hear about this event
	if !th.live {
		return nil
	}
	th.live = false

	fn := data.(func())
	fn()
	return nil
}

// pendingCall is a request held by a ManualScheduler
type pendingCall struct {
	th  *TimerHandle
	fn  func()
	seq int // order of arrival, breaks ties among calls due at the same time
}

// callHeap and its methods implement a min-priority heap on (due time, arrival order)
type callHeap []*pendingCall

func (h callHeap) Len() int { return len(h) }
func (h callHeap) Less(i, j int) bool {
	if h[i].th.when != h[j].th.when {
		return h[i].th.when < h[j].th.when
	}
	return h[i].seq < h[j].seq
}
func (h callHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *callHeap) Push(x any) {
	*h = append(*h, x.(*pendingCall))
}

func (h *callHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// ManualScheduler is a Scheduler whose clock moves only when its owner advances it
type ManualScheduler struct {
	now     float64
	seq     int
	pending callHeap
}

// CreateManualScheduler is a constructor.  The clock starts at zero.
func CreateManualScheduler() *ManualScheduler {
	ms := new(ManualScheduler)
	ms.pending = callHeap{}
	heap.Init(&ms.pending)
	return ms
}

// ScheduleAfter queues fn to run delay seconds after the current time
func (ms *ManualScheduler) ScheduleAfter(delay float64, fn func()) *TimerHandle {
	if delay < 0.0 {
		delay = 0.0
	}
	th := &TimerHandle{live: true, when: ms.now + delay}
	ms.seq += 1
	heap.Push(&ms.pending, &pendingCall{th: th, fn: fn, seq: ms.seq})
	return th
}

// Now returns the current time of the scheduler's clock
func (ms *ManualScheduler) Now() float64 {
	return ms.now
}

// Pending returns the number of live callbacks still queued
func (ms *ManualScheduler) Pending() int {
	cnt := 0
	for _, pc := range ms.pending {
		if pc.th.live {
			cnt += 1
		}
	}
	return cnt
}

// NextTime returns the due time of the earliest live callback, and false if there is none
func (ms *ManualScheduler) NextTime() (float64, bool) {
	ms.discardDead()
	if len(ms.pending) == 0 {
		return 0.0, false
	}
	return ms.pending[0].th.when, true
}

// discardDead pops cancelled calls off the top of the heap
func (ms *ManualScheduler) discardDead() {
	for len(ms.pending) > 0 && !ms.pending[0].th.live {
		heap.Pop(&ms.pending)
	}
}

// RunUntil executes, in time order, every callback due at or before time limit.
// Callbacks scheduled while running are executed too if they fall inside the limit.
// The clock is left at limit.  The number of callbacks executed is returned.
func (ms *ManualScheduler) RunUntil(limit float64) int {
	executed := 0
	for {
		ms.discardDead()
		if len(ms.pending) == 0 || ms.pending[0].th.when > limit {
			break
		}
		pc := heap.Pop(&ms.pending).(*pendingCall)
		ms.now = pc.th.when
		pc.th.live = false
		pc.fn()
		executed += 1
	}
	if limit > ms.now {
		ms.now = limit
	}
	return executed
}

// Advance moves the clock forward by delta seconds, running everything that comes due
func (ms *ManualScheduler) Advance(delta float64) int {
	return ms.RunUntil(ms.now + delta)
}

// Step runs the single earliest live callback, advancing the clock to its due time.
// It returns false if nothing is queued.
func (ms *ManualScheduler) Step() bool {
	ms.discardDead()
	if len(ms.pending) == 0 {
		return false
	}
	pc := heap.Pop(&ms.pending).(*pendingCall)
	ms.now = pc.th.when
	pc.th.live = false
	pc.fn()
	return true
}
