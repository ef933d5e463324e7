package wimax

// ul-sched-mbqos.go holds the mbqos scheduler, which keeps bandwidth requests as jobs in three
// queues of decreasing priority.  Polling opportunities always go in the high queue.  Requests
// of rtPS and nrtPS flows go in the intermediate queue and BE requests in the low queue.
// Before the queues are served two checks move work up into the high queue:
//
//   - an rtPS job whose deadline falls within three frames is split, and as much of it as
//     the frame can carry is promoted;
//   - rtPS and nrtPS flows that have not received their minimum reserved bandwidth in the
//     current window are promoted in ascending order of backlog - (granted - minReserved).
//
// A window timer closes the accounting window every WindowInterval seconds.

import (
	"math"
	"sort"

	"github.com/iti/netcore"
)

type jobPriority int

const (
	jobHigh jobPriority = iota
	jobIntermediate
	jobLow
)

type jobType int

const (
	jobUnicastPolling jobType = iota
	jobData
)

// ulJob is a unit of uplink work waiting in one of the queues
type ulJob struct {
	ssr      *SSRecord
	sf       *ServiceFlow
	st       SchedulingType
	typ      jobType
	size     uint32  // bytes, for data jobs
	deadline float64 // virtual time by which an rtPS job should be served
	release  float64 // when the request arrived
}

// priorityJob pairs an intermediate job with its minimum bandwidth rank
type priorityJob struct {
	job      *ulJob
	priority int64
}

type mbqosScheduler struct {
	schedBase
	high  []*ulJob
	inter []*ulJob
	low   []*ulJob

	windowTimer *netcore.TimerHandle
}

func createMBQoSScheduler(bs *BaseStation) *mbqosScheduler {
	mb := &mbqosScheduler{schedBase: createSchedBase(bs)}
	mb.high = make([]*ulJob, 0)
	mb.inter = make([]*ulJob, 0)
	mb.low = make([]*ulJob, 0)
	return mb
}

func (mb *mbqosScheduler) Name() string {
	return "mbqos"
}

// InitOnce opens the first accounting window
func (mb *mbqosScheduler) InitOnce() {
	mb.uplinkSchedWindowTimer()
}

func (mb *mbqosScheduler) Stop() {
	mb.windowTimer.Cancel()
}

// QueueLengths returns the number of jobs waiting at high, intermediate and low priority
func (mb *mbqosScheduler) QueueLengths() (int, int, int) {
	return len(mb.high), len(mb.inter), len(mb.low)
}

// minReservedBytes is what the flow's minimum reserved rate amounts to over one window
func (mb *mbqosScheduler) minReservedBytes(sf *ServiceFlow) int64 {
	return int64(math.Ceil(float64(sf.MinReservedTrafficRate) * mb.bs.cfg.WindowInterval / 8.0))
}

// uplinkSchedWindowTimer closes the accounting window.  A backlogged rtPS or nrtPS flow that
// fell short of its minimum carries the shortfall into the next window, bounded by its backlog;
// every other flow starts the window at zero.
func (mb *mbqosScheduler) uplinkSchedWindowTimer() {
	for _, ssr := range mb.bs.ssMgr.SSRecords() {
		for _, sf := range ssr.ServiceFlows(SchedAll) {
			if sf.Type != SchedRTPS && sf.Type != SchedNRTPS {
				continue
			}
			rec := sf.Record()
			minBw := mb.minReservedBytes(sf)
			if rec.Backlogged > 0 && rec.BwSinceLastExpiry < minBw {
				rec.BwSinceLastExpiry -= minBw
				if -rec.BwSinceLastExpiry > int64(rec.Backlogged) {
					rec.BwSinceLastExpiry = -int64(rec.Backlogged)
				}
			} else {
				rec.BwSinceLastExpiry = 0
			}
		}
	}
	mb.windowTimer = mb.bs.sched.ScheduleAfter(mb.bs.cfg.WindowInterval, mb.uplinkSchedWindowTimer)
}

func (mb *mbqosScheduler) enqueueJob(priority jobPriority, job *ulJob) {
	switch priority {
	case jobHigh:
		mb.high = append(mb.high, job)
	case jobIntermediate:
		mb.inter = append(mb.inter, job)
	case jobLow:
		mb.low = append(mb.low, job)
	}
}

// removeInter takes job out of the intermediate queue
func (mb *mbqosScheduler) removeInter(job *ulJob) {
	for idx, j := range mb.inter {
		if j == job {
			mb.inter = append(mb.inter[:idx], mb.inter[idx+1:]...)
			return
		}
	}
}

func (mb *mbqosScheduler) createPollJob(ssr *SSRecord, st SchedulingType) *ulJob {
	return &ulJob{ssr: ssr, sf: ssr.ServiceFlows(st)[0], st: st, typ: jobUnicastPolling}
}

// countSymbolsJob estimates the symbols a job will take: a polling opportunity if the flow's
// polling interval has passed, or the job's bytes under the station's burst profile
func (mb *mbqosScheduler) countSymbolsJob(job *ulJob) uint32 {
	if job.typ == jobUnicastPolling {
		if elapsedMs(mb.bs.sched.Now(), job.sf.Record().GrantTimeStamp) >= job.sf.UnsolicitedPollingInterval {
			return mb.bs.cfg.BwReqOppSize
		}
		return 0
	}
	return mb.bs.phy.NrSymbols(job.size, job.ssr.Modulation)
}

func (mb *mbqosScheduler) countSymbolsQueue(jobs []*ulJob) uint32 {
	symbols := uint32(0)
	for _, job := range jobs {
		symbols += mb.countSymbolsJob(job)
	}
	return symbols
}

// framesUntil returns how many frames remain until virtual time t
func (mb *mbqosScheduler) framesUntil(t float64) float64 {
	return (t - mb.bs.sched.Now()) / mb.bs.phy.FrameDuration()
}

func (mb *mbqosScheduler) Schedule() {
	// polls are made afresh every frame; data promoted earlier keeps its place
	kept := mb.high[:0]
	for _, job := range mb.high {
		if job.typ == jobData {
			kept = append(kept, job)
		}
	}
	mb.high = kept

	fb := mb.startSchedule()
	mb.allocateInitialRangingInterval(fb)
	mb.walkStations(fb, func(ssr *SSRecord, ie UlMapIE) {
		if fb.available == 0 {
			return
		}
		if ugs := ssr.ServiceFlows(SchedUGS); len(ugs) > 0 {
			due := ugs[0].Record().LastGrantTime + float64(ugs[0].UnsolicitedGrantInterval)/1000.0
			if mb.framesUntil(due) <= 1.0 {
				mb.serviceUnsolicitedGrants(fb, ssr, SchedUGS, ie, false, mb.serveRequest)
			}
		}
		for _, st := range []SchedulingType{SchedRTPS, SchedNRTPS, SchedBE} {
			if ssr.HasServiceFlow(st) {
				mb.enqueueJob(jobHigh, mb.createPollJob(ssr, st))
			}
		}
	})

	aux := fb.available
	used := mb.countSymbolsQueue(mb.high)
	if used >= aux {
		aux = 0
	} else {
		aux -= used
	}
	mb.checkDeadline(&aux)
	mb.checkMinimumBandwidth(&aux)

	for fb.available > 0 && len(mb.high) > 0 {
		job := mb.high[0]
		mb.high = mb.high[1:]
		ie := UlMapIE{CID: job.ssr.BasicCID, UIUC: UplinkBurstProfile(job.ssr.Modulation)}
		if job.typ == jobUnicastPolling {
			mb.serviceUnsolicitedGrants(fb, job.ssr, job.st, ie, false, mb.serveRequest)
		} else if rest := mb.serveJobBytes(fb, job, ie); rest != nil {
			mb.high = append([]*ulJob{rest}, mb.high...)
		}
	}
	mb.inter = mb.serveQueue(fb, mb.inter)
	mb.low = mb.serveQueue(fb, mb.low)

	mb.endSchedule(fb)
	mb.logger().Debug("uplink map built", "scheduler", mb.Name(), "allocations", len(mb.grants),
		"symbols", fb.next, "left", fb.available, "high", len(mb.high), "intermediate", len(mb.inter),
		"low", len(mb.low))
}

// serveQueue grants the requests of the jobs in order and returns the jobs left.  A job whose
// flow still has bandwidth outstanding stays at the head of the queue and ends the pass.
func (mb *mbqosScheduler) serveQueue(fb *frameBudget, jobs []*ulJob) []*ulJob {
	for fb.available > 0 && len(jobs) > 0 {
		job := jobs[0]
		ie := UlMapIE{CID: job.ssr.BasicCID, UIUC: UplinkBurstProfile(job.ssr.Modulation)}
		mb.serviceBandwidthRequests(fb, job.ssr, job.st, ie, mb.serveRequest)
		if job.sf.Record().Outstanding() > 0 {
			break
		}
		jobs = jobs[1:]
	}
	return jobs
}

// checkDeadline promotes the part of each rtPS job that fits in *available when the job's
// deadline is no more than three frames away
func (mb *mbqosScheduler) checkDeadline(available *uint32) {
	jobs := append([]*ulJob{}, mb.inter...)
	for _, job := range jobs {
		if *available == 0 {
			return
		}
		if job.st != SchedRTPS || mb.framesUntil(job.deadline) > 3.0 {
			continue
		}
		mt := job.ssr.Modulation
		size := min(job.size, mb.bs.phy.NrBytes(*available, mt))
		if size == 0 {
			continue
		}
		symbols := mb.bs.phy.NrSymbols(size, mt)
		promoted := *job
		promoted.size = size
		mb.enqueueJob(jobHigh, &promoted)
		job.size -= size
		if job.size == 0 {
			mb.removeInter(job)
		}
		*available -= symbols
	}
}

// checkMinimumBandwidth ranks the intermediate jobs of backlogged rtPS and nrtPS flows still short
// of their minimum in this window, and promotes them in rank order while *available lasts
func (mb *mbqosScheduler) checkMinimumBandwidth(available *uint32) {
	for _, ssr := range mb.bs.ssMgr.SSRecords() {
		for _, sf := range ssr.ServiceFlows(SchedAll) {
			if sf.Type == SchedRTPS || sf.Type == SchedNRTPS {
				rec := sf.Record()
				rec.backloggedTemp = int64(rec.Backlogged)
				rec.grantedTemp = rec.BwSinceLastExpiry
			}
		}
	}

	ranked := make([]priorityJob, 0)
	for _, job := range mb.inter {
		if job.st != SchedRTPS && job.st != SchedNRTPS {
			continue
		}
		rec := job.sf.Record()
		if rec.Backlogged == 0 {
			continue
		}
		minBw := mb.minReservedBytes(job.sf)
		if rec.grantedTemp >= minBw {
			continue
		}
		size := int64(rec.Outstanding())
		if size > 0 && job.sf.SduSize > 0 {
			size = int64(job.sf.SduSize)
		}
		priority := rec.backloggedTemp - (rec.grantedTemp - minBw)
		ranked = append(ranked, priorityJob{job: job, priority: priority})
		rec.grantedTemp += size
		rec.backloggedTemp -= size
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].priority != ranked[j].priority {
			return ranked[i].priority < ranked[j].priority
		}
		return ranked[i].job.sf.Record().Backlogged < ranked[j].job.sf.Record().Backlogged
	})

	for _, pj := range ranked {
		if *available == 0 {
			return
		}
		*available -= min(*available, mb.countSymbolsJob(pj.job))
		mb.removeInter(pj.job)
		mb.enqueueJob(jobHigh, pj.job)
	}
}

// serveJobBytes grants a promoted data job its bytes, cut to what is left of the frame.  The
// part that did not fit is returned as a job of its own, or nil.
func (mb *mbqosScheduler) serveJobBytes(fb *frameBudget, job *ulJob, ie UlMapIE) *ulJob {
	rec := job.sf.Record()
	if rec.RequestedBandwidth == 0 || job.size == 0 {
		return nil
	}
	mt := job.ssr.Modulation
	symbols := mb.bs.phy.NrSymbols(job.size, mt)
	bytes := job.size
	if symbols > fb.available {
		symbols = fb.available
		bytes = min(bytes, mb.bs.phy.NrBytes(symbols, mt))
	}
	mb.bookGrant(rec, bytes)
	mb.addAllocation(fb, ie, symbols, GrantData, job.sf.SFID, bytes)
	if bytes == job.size {
		return nil
	}
	rest := *job
	rest.size = job.size - bytes
	return &rest
}

// serveRequest grants flow sf its outstanding request if it fits
func (mb *mbqosScheduler) serveRequest(fb *frameBudget, sf *ServiceFlow, ie UlMapIE) bool {
	rec := sf.Record()
	if rec.Outstanding() == 0 {
		return true
	}
	mt, err := ModulationForBurstProfile(ie.UIUC)
	if err != nil {
		panic(err)
	}
	bytes, symbols := mb.grantSize(sf, mt)
	if fb.available < symbols {
		return false
	}
	mb.bookGrant(rec, bytes)
	mb.addAllocation(fb, ie, symbols, GrantData, sf.SFID, bytes)
	return true
}

// bookGrant records a data grant against the flow's window and backlog
func (mb *mbqosScheduler) bookGrant(rec *ServiceFlowRecord, bytes uint32) {
	rec.UpdateGrantedBandwidth(bytes)
	rec.BwSinceLastExpiry += int64(bytes)
	rec.DecreaseBacklogged(bytes)
	rec.LastGrantTime = mb.bs.sched.Now()
}

// SetupServiceFlow polls rtPS flows every 20 ms and nrtPS flows every second
func (mb *mbqosScheduler) SetupServiceFlow(ssr *SSRecord, sf *ServiceFlow) {
	switch sf.Type {
	case SchedUGS:
		mb.setupUGS(ssr, sf)
	case SchedRTPS:
		sf.UnsolicitedPollingInterval = 20
	case SchedNRTPS:
		sf.UnsolicitedPollingInterval = 1000
	case SchedBE:
	default:
		mb.setupBySduSize(ssr, sf)
	}
}

// pendingSize sums the bytes of sf's requests still waiting at intermediate priority
func (mb *mbqosScheduler) pendingSize(sf *ServiceFlow) uint32 {
	size := uint32(0)
	for _, job := range mb.inter {
		if job.sf == sf {
			size += job.size
		}
	}
	return size
}

// ProcessBandwidthRequest turns the part of a request not already queued into a job.  Its
// deadline is the flow's last grant plus its maximum latency.
func (mb *mbqosScheduler) ProcessBandwidthRequest(req BandwidthRequest, sf *ServiceFlow) {
	pending := mb.pendingSize(sf)
	if req.BR <= pending {
		return
	}
	ssr := mb.bs.ssMgr.SSRecord(sf.CID)
	now := mb.bs.sched.Now()
	job := &ulJob{ssr: ssr, sf: sf, st: sf.Type, typ: jobData, size: req.BR - pending, release: now,
		deadline: sf.Record().LastGrantTime + float64(sf.MaximumLatency)/1000.0}
	switch sf.Type {
	case SchedRTPS, SchedNRTPS:
		mb.enqueueJob(jobIntermediate, job)
	default:
		mb.enqueueJob(jobLow, job)
	}
}

// OnSetRequestedBandwidth leaves the record alone; demand is tracked by the queued jobs
func (mb *mbqosScheduler) OnSetRequestedBandwidth(rec *ServiceFlowRecord) {}
