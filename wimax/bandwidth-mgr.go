package wimax

// bandwidth-mgr.go sizes the periodic allocations of each service flow, books the
// bandwidth requests stations send, and sets the split of each frame between the downlink and
// uplink subframes.

import (
	"fmt"
	"math"
)

// BwRequestType distinguishes a request adding to the outstanding demand from one replacing it
type BwRequestType int

const (
	BwRequestIncremental BwRequestType = iota
	BwRequestAggregate
)

// BandwidthRequest is the content of a bandwidth request header: the connection asking and
// the number of bytes it asks for
type BandwidthRequest struct {
	CID  CID
	Type BwRequestType
	BR   uint32
}

// BandwidthManager belongs to one base station
type BandwidthManager struct {
	bs *BaseStation
}

// elapsedMs returns the whole milliseconds between then and now
func elapsedMs(now, then float64) uint32 {
	d := now - then
	if d <= 0.0 {
		return 0
	}
	return uint32(math.Floor(d*1000.0 + 1e-6))
}

// CalculateAllocationSize returns the symbols to give flow sf of station ssr in this frame
// without a request: the grant of a UGS flow when its interval has passed, or a polling
// opportunity for the other services.  A station with a UGS flow is polled for its other flows
// only when it has set its poll-me bit.
func (bm *BandwidthManager) CalculateAllocationSize(ssr *SSRecord, sf *ServiceFlow) uint32 {
	if sf.Type != SchedUGS && ssr.HasServiceFlow(SchedUGS) && !ssr.PollMeBit {
		return 0
	}
	now := bm.bs.sched.Now()
	rec := sf.Record()
	switch sf.Type {
	case SchedUGS:
		if elapsedMs(now, rec.GrantTimeStamp) >= sf.UnsolicitedGrantInterval {
			rec.GrantTimeStamp = now
			return rec.GrantSize
		}
	case SchedRTPS:
		if elapsedMs(now, rec.GrantTimeStamp) >= sf.UnsolicitedPollingInterval {
			rec.GrantTimeStamp = now
			return bm.bs.cfg.BwReqOppSize
		}
	case SchedNRTPS, SchedBE:
		// served when bandwidth is left after UGS and rtPS, with no interval of their own
		return bm.bs.cfg.BwReqOppSize
	default:
		panic(fmt.Errorf("service flow %s has invalid scheduling type", sf))
	}
	return 0
}

// ProcessBandwidthRequest books a request against the flow it names and passes it on
// to the uplink scheduler
func (bm *BandwidthManager) ProcessBandwidthRequest(req BandwidthRequest) error {
	sf, _, err := bm.bs.ssMgr.Connection(req.CID)
	if err != nil {
		return err
	}
	rec := sf.Record()
	if req.Type == BwRequestIncremental {
		rec.UpdateRequestedBandwidth(req.BR)
	} else {
		rec.RequestedBandwidth = req.BR
		bm.bs.ulSched.OnSetRequestedBandwidth(rec)
	}
	bm.bs.ulSched.ProcessBandwidthRequest(req, sf)
	rec.IncreaseBacklogged(req.BR)
	return nil
}

// SetSubframeRatio sets the downlink and uplink symbols of the next frame.  The frame is
// split in half, less the transition gap that closes each half.
func (bm *BandwidthManager) SetSubframeRatio() {
	phy := bm.bs.phy
	half := phy.SymbolsPerFrame() / 2
	bm.bs.nrDlSymbols = half - phy.GapSymbols(phy.TTG())
	bm.bs.nrUlSymbols = half - phy.GapSymbols(phy.RTG())
}
