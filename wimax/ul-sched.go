package wimax

// ul-sched.go holds the uplink scheduler interface, the frame walk the three schedulers share,
// and the simple scheduler.
//
// Each frame a scheduler partitions the uplink symbols among
//   - the broadcast initial ranging region, when its period has passed,
//   - invited ranging opportunities for stations still ranging,
//   - one grant per frame for a station's DSA exchange,
//   - periodic grants of UGS flows and polling opportunities of rtPS, nrtPS and BE flows,
//   - data grants answering bandwidth requests,
//
// and closes the map with a zero length end-of-map element whose start time is the number of
// symbols allocated.  Running out of symbols ends the pass over a class of flows; what is not
// served keeps its backlog for the next frame.

import (
	"fmt"
	"log/slog"
	"sort"
)

// GrantKind classifies an allocation by what it is for
type GrantKind string

const (
	GrantRanging        GrantKind = "ranging"
	GrantInvitedRanging GrantKind = "invited-ranging"
	GrantDSA            GrantKind = "dsa"
	GrantUGS            GrantKind = "ugs"
	GrantPoll           GrantKind = "poll"
	GrantData           GrantKind = "data"
	GrantEndOfMap       GrantKind = "end"
)

// Grant is an allocation together with what it serves: the service flow, when there is one,
// and the bytes granted for data
type Grant struct {
	IE    UlMapIE   `json:"ie" yaml:"ie"`
	Kind  GrantKind `json:"kind" yaml:"kind"`
	SFID  uint32    `json:"sfid" yaml:"sfid"`
	Bytes uint32    `json:"bytes" yaml:"bytes"`
}

// UplinkScheduler builds the uplink map of each frame
type UplinkScheduler interface {
	// Name returns "simple", "rtps" or "mbqos"
	Name() string

	// InitOnce is called when the base station starts
	InitOnce()

	// Schedule builds the allocations of the current frame
	Schedule()

	// Allocations returns the map built by the last Schedule, end-of-map element included
	Allocations() []UlMapIE

	// Grants returns the allocations of the last Schedule with what each one serves
	Grants() []Grant

	// CalculateAllocationStartTime returns the start of the uplink subframe in physical slots
	CalculateAllocationStartTime() uint32

	// ChannelDescriptorsToUpdate decides whether DCD and UCD messages go out this frame
	ChannelDescriptorsToUpdate() (sendDcd, sendUcd bool)

	// SetupServiceFlow derives a newly admitted flow's grant size and intervals
	SetupServiceFlow(ssr *SSRecord, sf *ServiceFlow)

	// ProcessBandwidthRequest sees every request after it has been booked to flow sf
	ProcessBandwidthRequest(req BandwidthRequest, sf *ServiceFlow)

	// OnSetRequestedBandwidth is called when an aggregate request replaces a flow's demand
	OnSetRequestedBandwidth(rec *ServiceFlowRecord)

	// Stop cancels any timer the scheduler runs
	Stop()
}

var schedulerMakers map[string]func(*BaseStation) UplinkScheduler = map[string]func(*BaseStation) UplinkScheduler{
	"simple": func(bs *BaseStation) UplinkScheduler { return createSimpleScheduler(bs) },
	"rtps":   func(bs *BaseStation) UplinkScheduler { return createRtpsScheduler(bs) },
	"mbqos":  func(bs *BaseStation) UplinkScheduler { return createMBQoSScheduler(bs) },
}

// SchedulerNames lists the uplink schedulers that can be selected
func SchedulerNames() []string {
	names := make([]string, 0, len(schedulerMakers))
	for name := range schedulerMakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// frameBudget tracks the symbols of one uplink map as they are given out
type frameBudget struct {
	next       uint32 // start of the next allocation
	available  uint32 // symbols not yet given out
	dsaGranted bool   // one DSA grant per frame
}

// schedBase holds the state and steps common to the uplink schedulers
type schedBase struct {
	bs     *BaseStation
	grants []Grant

	timeStampIrInterval    float64
	nrIrOppsAllocated      int
	isIrIntrvlAllocated    bool
	isInvIrIntrvlAllocated bool

	dcdTimeStamp float64
	ucdTimeStamp float64
}

func createSchedBase(bs *BaseStation) schedBase {
	now := bs.sched.Now()
	return schedBase{bs: bs, grants: make([]Grant, 0), dcdTimeStamp: now, ucdTimeStamp: now}
}

func (sb *schedBase) InitOnce() {}

func (sb *schedBase) Stop() {}

// Allocations returns the map built by the last Schedule
func (sb *schedBase) Allocations() []UlMapIE {
	ies := make([]UlMapIE, len(sb.grants))
	for idx, g := range sb.grants {
		ies[idx] = g.IE
	}
	return ies
}

func (sb *schedBase) Grants() []Grant {
	return sb.grants
}

// CalculateAllocationStartTime returns the downlink subframe plus the transmit/receive gap, in physical slots
func (sb *schedBase) CalculateAllocationStartTime() uint32 {
	return sb.bs.nrDlSymbols*sb.bs.phy.PsPerSymbol() + sb.bs.phy.TTG()
}

// ChannelDescriptorsToUpdate sends each descriptor on the first frame, when its interval has
// passed, and otherwise on a random draw with probability 1/5, then 1/4 on a second draw
func (sb *schedBase) ChannelDescriptorsToUpdate() (sendDcd, sendUcd bool) {
	rng := sb.bs.rng
	if rng.RandU01() < 0.2 || sb.bs.nrDcdSent == 0 {
		sendDcd = true
	}
	if rng.RandU01() < 0.2 || sb.bs.nrUcdSent == 0 {
		sendUcd = true
	}
	if !sendDcd && rng.RandU01() < 0.25 {
		sendDcd = true
	}
	if !sendUcd && rng.RandU01() < 0.25 {
		sendUcd = true
	}

	now := sb.bs.sched.Now()
	if now-sb.dcdTimeStamp > sb.bs.cfg.DcdInterval {
		sendDcd = true
		sb.dcdTimeStamp = now
	}
	if now-sb.ucdTimeStamp > sb.bs.cfg.UcdInterval {
		sendUcd = true
		sb.ucdTimeStamp = now
	}
	return sendDcd, sendUcd
}

// startSchedule clears the last map and returns the budget of the uplink subframe
func (sb *schedBase) startSchedule() *frameBudget {
	sb.grants = sb.grants[:0]
	sb.isIrIntrvlAllocated = false
	sb.isInvIrIntrvlAllocated = false
	return &frameBudget{available: sb.bs.nrUlSymbols}
}

// addAllocation places an allocation of size symbols at the next free symbol
func (sb *schedBase) addAllocation(fb *frameBudget, ie UlMapIE, size uint32, kind GrantKind, sfid, bytes uint32) {
	if size > fb.available {
		panic(fmt.Errorf("allocation of %d symbols exceeds the %d left", size, fb.available))
	}
	ie.StartTime = fb.next
	ie.Duration = size
	sb.grants = append(sb.grants, Grant{IE: ie, Kind: kind, SFID: sfid, Bytes: bytes})
	fb.next += size
	fb.available -= size
}

// endSchedule closes the map and sets the subframe split of the next frame
func (sb *schedBase) endSchedule(fb *frameBudget) {
	end := UlMapIE{CID: InitialRangingCID, UIUC: UIUCEndOfMap, StartTime: fb.next, Duration: 0}
	sb.grants = append(sb.grants, Grant{IE: end, Kind: GrantEndOfMap})
	sb.bs.bwMgr.SetSubframeRatio()
}

// rangingOpps returns the number of initial ranging opportunities to place in a region
func (sb *schedBase) rangingOpps() int {
	if sb.bs.cfg.RangingOpps > 0 {
		return sb.bs.cfg.RangingOpps
	}
	v := 2 + int(sb.bs.rng.RandU01()*8)
	if v > 9 {
		v = 9
	}
	return v
}

// allocateInitialRangingInterval opens the broadcast ranging region if its period will have
// passed by the end of this frame and the budget allows
func (sb *schedBase) allocateInitialRangingInterval(fb *frameBudget) {
	sb.nrIrOppsAllocated = sb.rangingOpps()
	size := uint32(sb.nrIrOppsAllocated) * sb.bs.cfg.RangReqOppSize
	now := sb.bs.sched.Now()
	if now-sb.timeStampIrInterval+sb.bs.phy.FrameDuration() > sb.bs.cfg.InitialRangingInterval && fb.available >= size {
		sb.isIrIntrvlAllocated = true
		ie := UlMapIE{CID: BroadcastCID, UIUC: UIUCInitialRanging}
		sb.addAllocation(fb, ie, size, GrantRanging, 0, 0)
		sb.timeStampIrInterval = now
	}
}

// walkStations takes the stations in registration order.  A station still ranging gets an
// invited ranging opportunity, a ranged station without flows gets the frame's DSA grant, and
// any other station is handed to serve with an element carrying its basic connection and burst
// profile.  The walk stops when a ranging or DSA grant no longer fits.
func (sb *schedBase) walkStations(fb *frameBudget, serve func(ssr *SSRecord, ie UlMapIE)) {
	for _, ssr := range sb.bs.ssMgr.SSRecords() {
		if ssr.IsBroadcast {
			continue
		}
		ie := UlMapIE{CID: ssr.BasicCID}
		if ssr.PollForRanging && ssr.RangingStatus == RangingContinue {
			ie.UIUC = UIUCInitialRanging
			size := sb.bs.cfg.RangReqOppSize
			sb.isInvIrIntrvlAllocated = true
			if fb.available < size {
				break
			}
			sb.addAllocation(fb, ie, size, GrantInvitedRanging, 0, 0)
			continue
		}

		ie.UIUC = UplinkBurstProfile(ssr.Modulation)
		if ssr.RangingStatus == RangingSuccess && !ssr.AreServiceFlowsAllocated {
			if fb.dsaGranted {
				continue
			}
			size := sb.bs.phy.NrSymbols(sb.bs.cfg.DsaReqSize, ssr.Modulation)
			if fb.available < size {
				break
			}
			sb.addAllocation(fb, ie, size, GrantDSA, 0, 0)
			fb.dsaGranted = true
			continue
		}
		serve(ssr, ie)
	}
}

// serviceUnsolicitedGrants gives each flow of type st its periodic allocation: the grant of a
// UGS flow, a polling opportunity otherwise.  Polls use the most robust burst profile.  When
// selfPoll is set an nrtPS flow whose minimum reserved rate went unmet over the last second is
// also granted its outstanding request.
func (sb *schedBase) serviceUnsolicitedGrants(fb *frameBudget, ssr *SSRecord, st SchedulingType, ie UlMapIE,
	selfPoll bool, serveRequest func(*frameBudget, *ServiceFlow, UlMapIE) bool) {

	now := sb.bs.sched.Now()
	for _, sf := range ssr.ServiceFlows(st) {
		size := sb.bs.bwMgr.CalculateAllocationSize(ssr, sf)

		if selfPoll && sf.Type == SchedNRTPS {
			rec := sf.Record()
			if now-rec.GrantTimeStamp > 1.0 && uint64(max(rec.BwSinceLastExpiry, 0))*8 < uint64(sf.MinReservedTrafficRate) {
				serveRequest(fb, sf, ie)
				rec.BwSinceLastExpiry = 0
				rec.GrantTimeStamp = now
			}
		}

		if fb.available < size {
			break
		}
		if size == 0 {
			continue
		}
		grant := ie
		kind := GrantUGS
		if sf.Type != SchedUGS {
			grant.UIUC = UIUCReqRegionFull
			kind = GrantPoll
		}
		sf.Record().LastGrantTime = now
		sb.addAllocation(fb, grant, size, kind, sf.SFID, 0)
	}
}

// serviceBandwidthRequests grants the outstanding requests of the station's flows of type st,
// stopping at the first that does not fit
func (sb *schedBase) serviceBandwidthRequests(fb *frameBudget, ssr *SSRecord, st SchedulingType, ie UlMapIE,
	serveRequest func(*frameBudget, *ServiceFlow, UlMapIE) bool) {

	for _, sf := range ssr.ServiceFlows(st) {
		if !serveRequest(fb, sf, ie) {
			break
		}
	}
}

// grantSize returns the bytes and symbols of a data grant for flow sf: one SDU when the flow
// has a fixed SDU size, else everything outstanding
func (sb *schedBase) grantSize(sf *ServiceFlow, mt ModulationType) (uint32, uint32) {
	bytes := sf.Record().Outstanding()
	if sf.SduSize > 0 {
		bytes = sf.SduSize
	}
	return bytes, sb.bs.phy.NrSymbols(bytes, mt)
}

// serveRequest grants flow sf its outstanding request if it fits.  It returns false only when
// there was something to grant and it did not fit.
func (sb *schedBase) serveRequest(fb *frameBudget, sf *ServiceFlow, ie UlMapIE) bool {
	rec := sf.Record()
	if rec.Outstanding() == 0 {
		return true
	}
	mt, err := ModulationForBurstProfile(ie.UIUC)
	if err != nil {
		panic(err)
	}
	bytes, symbols := sb.grantSize(sf, mt)
	if fb.available < symbols {
		return false
	}
	rec.UpdateGrantedBandwidth(bytes)
	if sf.Type == SchedNRTPS {
		rec.BwSinceLastExpiry = int64(bytes)
	}
	rec.LastGrantTime = sb.bs.sched.Now()
	sb.addAllocation(fb, ie, symbols, GrantData, sf.SFID, bytes)
	return true
}

// setupUGS sizes a UGS flow's grant to carry its minimum reserved rate each frame, and sets
// its grant interval to the whole frames its tolerated jitter spans
func (sb *schedBase) setupUGS(ssr *SSRecord, sf *ServiceFlow) {
	phy := sb.bs.phy
	mt := ssr.Modulation
	if sf.IsMulticast {
		mt = sf.Modulation
	}
	sf.Record().GrantSize = phy.NrSymbols(sb.bytesPerFrame(sf), mt)
	frameMs := phy.FrameDurationMs()
	delayNrFrames := uint32(1)
	if sf.ToleratedJitter > frameMs {
		delayNrFrames = sf.ToleratedJitter / frameMs
	}
	sf.UnsolicitedGrantInterval = delayNrFrames * frameMs
}

// bytesPerFrame is the share of a frame that carries the flow's minimum reserved rate
func (sb *schedBase) bytesPerFrame(sf *ServiceFlow) uint32 {
	return uint32(float64(sf.MinReservedTrafficRate)*sb.bs.phy.FrameDuration()) / 8
}

// setupBySduSize sets the flow's polling interval to the frames one SDU takes at its
// minimum reserved rate
func (sb *schedBase) setupBySduSize(ssr *SSRecord, sf *ServiceFlow) {
	switch sf.Type {
	case SchedUGS:
		sb.setupUGS(ssr, sf)
	case SchedRTPS:
		delayNrFrames := uint32(1)
		bpf := sb.bytesPerFrame(sf)
		if bpf > 0 && sf.SduSize > bpf {
			delayNrFrames = sf.SduSize / bpf
		}
		sf.UnsolicitedPollingInterval = delayNrFrames * sb.bs.phy.FrameDurationMs()
	case SchedNRTPS, SchedBE:
		// served on available bandwidth, with no real-time guarantee
	default:
		panic(fmt.Errorf("service flow %s has invalid scheduling type", sf))
	}
}

func (sb *schedBase) logger() *slog.Logger {
	return sb.bs.logger
}

// simpleScheduler serves every station in turn, each class of flow in strict priority
type simpleScheduler struct {
	schedBase
}

func createSimpleScheduler(bs *BaseStation) *simpleScheduler {
	return &simpleScheduler{schedBase: createSchedBase(bs)}
}

func (ss *simpleScheduler) Name() string {
	return "simple"
}

// Schedule walks the stations, giving each its periodic grants and polls and then its
// requested data, rtPS before nrtPS before BE
func (ss *simpleScheduler) Schedule() {
	fb := ss.startSchedule()
	ss.allocateInitialRangingInterval(fb)
	ss.walkStations(fb, func(ssr *SSRecord, ie UlMapIE) {
		ss.serviceUnsolicitedGrants(fb, ssr, SchedUGS, ie, true, ss.serveRequest)
		for _, st := range []SchedulingType{SchedRTPS, SchedNRTPS, SchedBE} {
			if fb.available > 0 {
				ss.serviceUnsolicitedGrants(fb, ssr, st, ie, true, ss.serveRequest)
			}
		}
		for _, st := range []SchedulingType{SchedRTPS, SchedNRTPS, SchedBE} {
			if fb.available > 0 {
				ss.serviceBandwidthRequests(fb, ssr, st, ie, ss.serveRequest)
			}
		}
	})
	ss.endSchedule(fb)
	ss.logger().Debug("uplink map built", "scheduler", ss.Name(), "allocations", len(ss.grants),
		"symbols", fb.next, "left", fb.available)
}

func (ss *simpleScheduler) SetupServiceFlow(ssr *SSRecord, sf *ServiceFlow) {
	ss.setupBySduSize(ssr, sf)
}

// ProcessBandwidthRequest has nothing to do; requests are served from the flow records
func (ss *simpleScheduler) ProcessBandwidthRequest(req BandwidthRequest, sf *ServiceFlow) {}

// OnSetRequestedBandwidth starts the granted count over when the demand is replaced
func (ss *simpleScheduler) OnSetRequestedBandwidth(rec *ServiceFlowRecord) {
	rec.GrantedBandwidth = 0
}
