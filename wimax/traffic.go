package wimax

// traffic.go holds the traffic sources that drive a base station in simulation.  A source
// stands for the packets one service flow's subscriber station queues for the uplink.  Every
// packet arrival is announced to the base station with an incremental bandwidth request for
// the packet's size.  UGS flows are served on their grant interval without asking, so their
// arrivals are only counted.

import (
	"fmt"
	"math"

	"github.com/iti/netcore"
)

// TrafficModel selects the distribution of packet inter-arrival times
type TrafficModel string

const (
	TrafficExponential TrafficModel = "exp"
	TrafficConstant    TrafficModel = "const"
)

// ParseTrafficModel accepts the names the flow descriptors use
func ParseTrafficModel(name string) (TrafficModel, error) {
	switch name {
	case "expon", "exp", "exponential":
		return TrafficExponential, nil
	case "const", "constant":
		return TrafficConstant, nil
	}
	return TrafficExponential, fmt.Errorf("traffic model %q is not recognized", name)
}

// expRV returns a sample of an exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV draws an inter-arrival time at the rate params[0]
func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, params[0])
}

// sampleConst returns the inter-arrival time of the rate params[0], ignoring u01
func sampleConst(u01 float64, params []float64) float64 {
	return 1.0 / params[0]
}

// TrafficSource generates the packets of one service flow
type TrafficSource struct {
	bs *BaseStation
	sf *ServiceFlow

	model            TrafficModel
	meanInterarrival float64
	packetSize       uint32
	sample           func(float64, []float64) float64
	rng              RandomSource

	arrivals     int
	bytesOffered uint64
	timer        *netcore.TimerHandle
}

// CreateTrafficSource is a constructor.  meanInterarrival is in seconds, packetSize in bytes.
func CreateTrafficSource(bs *BaseStation, sf *ServiceFlow, model TrafficModel, meanInterarrival float64,
	packetSize uint32, rng RandomSource) (*TrafficSource, error) {

	if !(meanInterarrival > 0.0) {
		return nil, fmt.Errorf("flow %s: mean inter-arrival time %g must be positive", sf, meanInterarrival)
	}
	if packetSize == 0 {
		return nil, fmt.Errorf("flow %s: packet size must be positive", sf)
	}
	ts := &TrafficSource{bs: bs, sf: sf, model: model, meanInterarrival: meanInterarrival,
		packetSize: packetSize, rng: rng}
	switch model {
	case TrafficExponential:
		ts.sample = sampleExpRV
	case TrafficConstant:
		ts.sample = sampleConst
	default:
		return nil, fmt.Errorf("flow %s: traffic model %q is not recognized", sf, model)
	}
	return ts, nil
}

// Start schedules the first arrival one inter-arrival time from now
func (ts *TrafficSource) Start() {
	ts.Stop()
	ts.timer = ts.bs.sched.ScheduleAfter(ts.nextInterarrival(), ts.arrival)
}

// Stop cancels the next arrival
func (ts *TrafficSource) Stop() {
	ts.timer.Cancel()
}

func (ts *TrafficSource) nextInterarrival() float64 {
	return ts.sample(ts.rng.RandU01(), []float64{1.0 / ts.meanInterarrival})
}

func (ts *TrafficSource) arrival() {
	ts.arrivals += 1
	ts.bytesOffered += uint64(ts.packetSize)
	if ts.sf.Type != SchedUGS {
		req := BandwidthRequest{CID: ts.sf.CID, Type: BwRequestIncremental, BR: ts.packetSize}
		if err := ts.bs.ProcessBandwidthRequest(req); err != nil {
			ts.bs.logger.Warn("bandwidth request dropped", "flow", ts.sf.String(), "err", err)
		}
	}
	ts.timer = ts.bs.sched.ScheduleAfter(ts.nextInterarrival(), ts.arrival)
}

// Flow returns the service flow the source feeds
func (ts *TrafficSource) Flow() *ServiceFlow {
	return ts.sf
}

// Arrivals returns the number of packets generated
func (ts *TrafficSource) Arrivals() int {
	return ts.arrivals
}

// BytesOffered returns the bytes of all packets generated
func (ts *TrafficSource) BytesOffered() uint64 {
	return ts.bytesOffered
}
