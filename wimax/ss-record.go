package wimax

// ss-record.go holds what the base station knows of each subscriber station: its
// connection ids, its burst profile, how far it has come through network entry, and the
// service flows it has set up.  The SSManager keeps the records in registration order,
// which is the order the uplink schedulers serve them in.

import (
	"fmt"
)

// RangingStatus tracks a station's initial ranging
type RangingStatus int

const (
	RangingContinue RangingStatus = iota
	RangingAbort
	RangingSuccess
)

var rangingToStr map[RangingStatus]string = map[RangingStatus]string{RangingContinue: "continue",
	RangingAbort: "abort", RangingSuccess: "success"}

func (rs RangingStatus) String() string {
	return rangingToStr[rs]
}

// SSRecord is the base station's view of one subscriber station
type SSRecord struct {
	Name       string
	BasicCID   CID
	PrimaryCID CID
	Modulation ModulationType

	RangingStatus  RangingStatus
	PollForRanging bool

	// AreServiceFlowsAllocated is set once the DSA exchange for the station's flows completes
	AreServiceFlowsAllocated bool

	// PollMeBit is set by a station with a UGS flow that wants to be polled for its other flows
	PollMeBit bool

	IsBroadcast bool

	flows []*ServiceFlow
}

// ServiceFlows returns the station's flows of scheduling type st, or all of them for SchedAll
func (ssr *SSRecord) ServiceFlows(st SchedulingType) []*ServiceFlow {
	if st == SchedAll {
		return ssr.flows
	}
	sfs := []*ServiceFlow{}
	for _, sf := range ssr.flows {
		if sf.Type == st {
			sfs = append(sfs, sf)
		}
	}
	return sfs
}

// HasServiceFlow reports whether the station has a flow of scheduling type st
func (ssr *SSRecord) HasServiceFlow(st SchedulingType) bool {
	for _, sf := range ssr.flows {
		if sf.Type == st {
			return true
		}
	}
	return false
}

// inService reports whether the station has finished ranging and set up its flows
func (ssr *SSRecord) inService() bool {
	return !ssr.PollForRanging && ssr.RangingStatus != RangingContinue && ssr.AreServiceFlowsAllocated
}

// SSManager holds the subscriber station records of a base station, and the connection
// table mapping transport connection ids to service flows
type SSManager struct {
	records  []*SSRecord
	byCID    map[CID]*SSRecord
	flows    map[CID]*ServiceFlow
	nxtBasic CID
	nxtPrim  CID
	nxtTrans CID
	nxtSFID  uint32
}

// CreateSSManager is a constructor
func CreateSSManager() *SSManager {
	ssm := new(SSManager)
	ssm.records = make([]*SSRecord, 0)
	ssm.byCID = make(map[CID]*SSRecord)
	ssm.flows = make(map[CID]*ServiceFlow)
	ssm.nxtBasic = 0x0001
	ssm.nxtPrim = 0x1001
	ssm.nxtTrans = 0x2001
	ssm.nxtSFID = 1
	return ssm
}

// CreateSSRecord registers a station.  It starts network entry waiting to be polled for ranging.
func (ssm *SSManager) CreateSSRecord(name string, mt ModulationType) (*SSRecord, error) {
	for _, ssr := range ssm.records {
		if ssr.Name == name {
			return nil, fmt.Errorf("subscriber station %s already registered", name)
		}
	}
	if ssm.nxtBasic >= 0x1001 {
		return nil, fmt.Errorf("no basic connection id left for subscriber station %s", name)
	}
	ssr := &SSRecord{Name: name, Modulation: mt, RangingStatus: RangingContinue, PollForRanging: true}
	ssr.BasicCID, ssr.PrimaryCID = ssm.nxtBasic, ssm.nxtPrim
	ssm.nxtBasic += 1
	ssm.nxtPrim += 1
	ssr.flows = make([]*ServiceFlow, 0)
	ssm.records = append(ssm.records, ssr)
	ssm.byCID[ssr.BasicCID] = ssr
	ssm.byCID[ssr.PrimaryCID] = ssr
	return ssr, nil
}

// AddServiceFlow gives the station a new uplink flow on a fresh transport connection
func (ssm *SSManager) AddServiceFlow(ssr *SSRecord, st SchedulingType) (*ServiceFlow, error) {
	if st != SchedUGS && st != SchedRTPS && st != SchedNRTPS && st != SchedBE {
		return nil, fmt.Errorf("subscriber station %s: invalid scheduling type %s", ssr.Name, st)
	}
	if ssm.nxtTrans >= BroadcastCID-1 {
		return nil, fmt.Errorf("no transport connection id left for subscriber station %s", ssr.Name)
	}
	sf := CreateServiceFlow(ssm.nxtSFID, ssm.nxtTrans, st)
	ssm.nxtSFID += 1
	ssm.nxtTrans += 1
	ssr.flows = append(ssr.flows, sf)
	ssm.byCID[sf.CID] = ssr
	ssm.flows[sf.CID] = sf
	return sf, nil
}

// SSRecords returns the records in registration order
func (ssm *SSManager) SSRecords() []*SSRecord {
	return ssm.records
}

// SSRecord returns the station owning connection cid, or nil
func (ssm *SSManager) SSRecord(cid CID) *SSRecord {
	return ssm.byCID[cid]
}

// Connection returns the service flow carried by transport connection cid
func (ssm *SSManager) Connection(cid CID) (*ServiceFlow, *SSRecord, error) {
	sf, present := ssm.flows[cid]
	if !present {
		return nil, nil, fmt.Errorf("connection %d: %w", cid, ErrUnknownConnection)
	}
	return sf, ssm.byCID[cid], nil
}

// NRegistered counts the stations whose ranging has succeeded
func (ssm *SSManager) NRegistered() int {
	n := 0
	for _, ssr := range ssm.records {
		if ssr.RangingStatus == RangingSuccess {
			n += 1
		}
	}
	return n
}
