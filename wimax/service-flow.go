package wimax

// service-flow.go holds the description of an uplink service flow, its QoS parameters, and
// the record of requested, granted and backlogged bandwidth the scheduler keeps for it.
// Byte counters change only by whole grants or whole bandwidth requests.

import (
	"fmt"
	"strings"

	"github.com/iti/netcore"
)

// SchedulingType is the uplink scheduling service of a flow
type SchedulingType int

const (
	SchedNone  SchedulingType = 0
	SchedBE    SchedulingType = 2
	SchedNRTPS SchedulingType = 3
	SchedRTPS  SchedulingType = 4
	SchedUGS   SchedulingType = 6
	SchedAll   SchedulingType = 255
)

var schedToStr map[SchedulingType]string = map[SchedulingType]string{SchedNone: "none",
	SchedBE: "BE", SchedNRTPS: "nrtPS", SchedRTPS: "rtPS", SchedUGS: "UGS", SchedAll: "all"}

func (st SchedulingType) String() string {
	str, present := schedToStr[st]
	if !present {
		return "undefined"
	}
	return str
}

// ParseSchedulingType accepts "UGS", "rtPS", "nrtPS" and "BE", ignoring case
func ParseSchedulingType(name string) (SchedulingType, error) {
	for _, st := range []SchedulingType{SchedUGS, SchedRTPS, SchedNRTPS, SchedBE} {
		if strings.EqualFold(st.String(), name) {
			return st, nil
		}
	}
	return SchedNone, fmt.Errorf("scheduling type %q is not recognized", name)
}

// CID is a 16 bit connection identifier
type CID uint16

const (
	InitialRangingCID CID = 0x0000
	BroadcastCID      CID = 0xFFFF
)

// ServiceFlow carries the QoS parameters of one uplink connection.  Rates are in bits per
// second and the latency, jitter and interval values in milliseconds.
type ServiceFlow struct {
	SFID uint32
	CID  CID
	Type SchedulingType

	MinReservedTrafficRate  uint32
	MaxSustainedTrafficRate uint32
	MaximumLatency          uint32
	ToleratedJitter         uint32

	// SduSize, when not zero, fixes the size in bytes of every data grant
	SduSize uint32

	// IsMulticast flows use Modulation rather than the modulation of their station
	IsMulticast bool
	Modulation  ModulationType

	// set up by the uplink scheduler when the flow is admitted
	UnsolicitedGrantInterval   uint32
	UnsolicitedPollingInterval uint32

	record *ServiceFlowRecord
}

// CreateServiceFlow is a constructor
func CreateServiceFlow(sfid uint32, cid CID, st SchedulingType) *ServiceFlow {
	sf := &ServiceFlow{SFID: sfid, CID: cid, Type: st}
	sf.record = new(ServiceFlowRecord)
	return sf
}

// Record returns the flow's bandwidth accounting
func (sf *ServiceFlow) Record() *ServiceFlowRecord {
	return sf.record
}

func (sf *ServiceFlow) String() string {
	return fmt.Sprintf("sfid=%d cid=%d %s", sf.SFID, sf.CID, sf.Type)
}

// ServiceFlowRecord tracks the bandwidth a flow has asked for and has been given.  Times are
// virtual times in seconds.
type ServiceFlowRecord struct {
	// GrantSize is the UGS grant, in symbols
	GrantSize uint32

	// GrantTimeStamp is when the flow was last polled or granted a periodic allocation
	GrantTimeStamp float64

	// LastGrantTime is when the flow last received any grant
	LastGrantTime float64

	RequestedBandwidth uint32
	GrantedBandwidth   uint32
	Backlogged         uint32

	// BwSinceLastExpiry counts bytes granted in the current window.  The window timer
	// may carry a deficit into the next window, so it can be negative.
	BwSinceLastExpiry int64

	// working copies used while ranking flows for minimum bandwidth
	backloggedTemp int64
	grantedTemp    int64
}

// Outstanding is the requested bandwidth not yet granted
func (sfr *ServiceFlowRecord) Outstanding() uint32 {
	if sfr.GrantedBandwidth >= sfr.RequestedBandwidth {
		return 0
	}
	return sfr.RequestedBandwidth - sfr.GrantedBandwidth
}

// UpdateRequestedBandwidth adds an incremental request
func (sfr *ServiceFlowRecord) UpdateRequestedBandwidth(bytes uint32) {
	sfr.RequestedBandwidth += bytes
}

// UpdateGrantedBandwidth adds a grant
func (sfr *ServiceFlowRecord) UpdateGrantedBandwidth(bytes uint32) {
	sfr.GrantedBandwidth += bytes
}

// IncreaseBacklogged adds newly queued bytes
func (sfr *ServiceFlowRecord) IncreaseBacklogged(bytes uint32) {
	sfr.Backlogged += bytes
}

// DecreaseBacklogged removes granted bytes, stopping at zero
func (sfr *ServiceFlowRecord) DecreaseBacklogged(bytes uint32) {
	if sfr.Backlogged < bytes {
		sfr.Backlogged = 0
		return
	}
	sfr.Backlogged -= bytes
}

// QoSParams are the traffic parameters a service flow is admitted with.  Rates are in bits per
// second, latency and jitter in milliseconds, the SDU size in bytes.
type QoSParams struct {
	MinReservedTrafficRate  uint32 `json:"minreservedtrafficrate" yaml:"minreservedtrafficrate"`
	MaxSustainedTrafficRate uint32 `json:"maxsustainedtrafficrate" yaml:"maxsustainedtrafficrate"`
	MaximumLatency          uint32 `json:"maximumlatency" yaml:"maximumlatency"`
	ToleratedJitter         uint32 `json:"toleratedjitter" yaml:"toleratedjitter"`
	SduSize                 uint32 `json:"sdusize" yaml:"sdusize"`
}

// ApplyParams sets QoS values from experiment parameters of a ServiceFlow object
func (qp *QoSParams) ApplyParams(params map[string]string) error {
	vals := []int{int(qp.MinReservedTrafficRate), int(qp.MaxSustainedTrafficRate), int(qp.MaximumLatency),
		int(qp.ToleratedJitter), int(qp.SduSize)}
	keys := []string{"minReservedTrafficRate", "maxSustainedTrafficRate", "maxLatency", "toleratedJitter", "sduSize"}
	errs := []error{}
	for idx, key := range keys {
		errs = append(errs, netcore.ParamInt(params, key, &vals[idx]))
	}
	if err := netcore.ReportErrs(errs); err != nil {
		return err
	}
	for idx, v := range vals {
		if v < 0 {
			return fmt.Errorf("service flow parameter %s is negative", keys[idx])
		}
	}
	qp.MinReservedTrafficRate, qp.MaxSustainedTrafficRate = uint32(vals[0]), uint32(vals[1])
	qp.MaximumLatency, qp.ToleratedJitter, qp.SduSize = uint32(vals[2]), uint32(vals[3]), uint32(vals[4])
	return nil
}

// apply copies the parameters onto flow sf
func (qp QoSParams) apply(sf *ServiceFlow) {
	sf.MinReservedTrafficRate = qp.MinReservedTrafficRate
	sf.MaxSustainedTrafficRate = qp.MaxSustainedTrafficRate
	sf.MaximumLatency = qp.MaximumLatency
	sf.ToleratedJitter = qp.ToleratedJitter
	sf.SduSize = qp.SduSize
}
