package wimax

// ul-sched-rtps.go holds the rtPS scheduler.  It gives out periodic grants and polls station
// by station like the simple scheduler, but serves rtPS requests in a separate pass over all
// stations at once: when their total exceeds what is left of the frame every request is scaled
// down by the same ratio, so that stations late in the walk are not starved.  nrtPS and BE
// requests follow in a final pass.

import (
	"math"
)

type rtpsScheduler struct {
	schedBase
}

func createRtpsScheduler(bs *BaseStation) *rtpsScheduler {
	return &rtpsScheduler{schedBase: createSchedBase(bs)}
}

func (rs *rtpsScheduler) Name() string {
	return "rtps"
}

func (rs *rtpsScheduler) Schedule() {
	fb := rs.startSchedule()
	rs.allocateInitialRangingInterval(fb)
	rs.walkStations(fb, func(ssr *SSRecord, ie UlMapIE) {
		rs.serviceUnsolicitedGrants(fb, ssr, SchedUGS, ie, true, rs.serveRequest)
		for _, st := range []SchedulingType{SchedRTPS, SchedNRTPS, SchedBE} {
			if fb.available > 0 {
				rs.serviceUnsolicitedGrants(fb, ssr, st, ie, true, rs.serveRequest)
			}
		}
	})

	if fb.available > 0 {
		rs.scheduleRtpsConnections(fb)
	}

	if fb.available > 0 {
		for _, ssr := range rs.bs.ssMgr.SSRecords() {
			if ssr.IsBroadcast || !ssr.inService() {
				continue
			}
			ie := UlMapIE{CID: ssr.BasicCID, UIUC: UplinkBurstProfile(ssr.Modulation)}
			for _, st := range []SchedulingType{SchedNRTPS, SchedBE} {
				if fb.available > 0 {
					rs.serviceBandwidthRequests(fb, ssr, st, ie, rs.serveRequest)
				}
			}
		}
	}
	rs.endSchedule(fb)
	rs.logger().Debug("uplink map built", "scheduler", rs.Name(), "allocations", len(rs.grants),
		"symbols", fb.next, "left", fb.available)
}

// rtpsDemand is one rtPS flow's outstanding request, in symbols of its station's burst profile
type rtpsDemand struct {
	sf      *ServiceFlow
	ie      UlMapIE
	mt      ModulationType
	symbols uint32
}

// scaleDemands shrinks every demand by available/total, rounding down, until the total fits.
// One pass is enough since the rounded shares never add to more than available.
func scaleDemands(demands []rtpsDemand, available uint32) {
	total := uint32(0)
	for _, d := range demands {
		total += d.symbols
	}
	for total > available {
		ratio := float64(available) / float64(total)
		total = 0
		for idx := range demands {
			demands[idx].symbols = uint32(math.Floor(float64(demands[idx].symbols) * ratio))
			total += demands[idx].symbols
		}
	}
}

// scheduleRtpsConnections grants the outstanding rtPS requests of every station in service,
// scaled to fit what is left of the frame
func (rs *rtpsScheduler) scheduleRtpsConnections(fb *frameBudget) {
	demands := make([]rtpsDemand, 0)
	for _, ssr := range rs.bs.ssMgr.SSRecords() {
		if ssr.IsBroadcast || !ssr.inService() {
			continue
		}
		ie := UlMapIE{CID: ssr.BasicCID, UIUC: UplinkBurstProfile(ssr.Modulation)}
		for _, sf := range ssr.ServiceFlows(SchedRTPS) {
			outstanding := sf.Record().Outstanding()
			if outstanding == 0 {
				continue
			}
			demands = append(demands, rtpsDemand{sf: sf, ie: ie, mt: ssr.Modulation,
				symbols: rs.bs.phy.NrSymbols(outstanding, ssr.Modulation)})
		}
	}
	scaleDemands(demands, fb.available)

	now := rs.bs.sched.Now()
	for _, d := range demands {
		if d.symbols == 0 {
			continue
		}
		bytes := rs.bs.phy.NrBytes(d.symbols, d.mt)
		rec := d.sf.Record()
		if bytes >= rec.Outstanding() {
			// the whole request is covered; the flow starts over
			rec.GrantedBandwidth = 0
			rec.RequestedBandwidth = 0
		} else {
			rec.UpdateGrantedBandwidth(bytes)
		}
		rec.LastGrantTime = now
		rs.addAllocation(fb, d.ie, d.symbols, GrantData, d.sf.SFID, bytes)
	}
}

func (rs *rtpsScheduler) SetupServiceFlow(ssr *SSRecord, sf *ServiceFlow) {
	rs.setupBySduSize(ssr, sf)
}

func (rs *rtpsScheduler) ProcessBandwidthRequest(req BandwidthRequest, sf *ServiceFlow) {}

// OnSetRequestedBandwidth starts the granted count over when the demand is replaced
func (rs *rtpsScheduler) OnSetRequestedBandwidth(rec *ServiceFlowRecord) {
	rec.GrantedBandwidth = 0
}
