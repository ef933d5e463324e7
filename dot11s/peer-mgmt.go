package dot11s

// peer-mgmt.go holds the peer management protocol of one mesh station.  The protocol owns
// the peer links of every mesh interface of the station, keeps track of when each neighbor
// was last heard and at what beacon interval, hands out association ids and link ids, and
// decides whether a new peering may be opened or accepted.  It is the meeting point of two
// flows of input: beacons heard on an interface (UpdatePeerBeaconTiming) and peer link
// management frames received on one (ReceivePeerLinkFrame).
//
// A link that has gone back to IDLE is not removed when it gets there; it is dropped the
// next time a lookup comes across it.

import (
	"io"
	"log/slog"
	"sort"

	"github.com/iti/evt/vrtime"
	"github.com/iti/netcore"
	"gopkg.in/yaml.v3"
)

// MeshInterface is the MAC layer of one mesh interface, as seen by the protocol
type MeshInterface interface {
	FrameSender

	// Address returns the interface's own address
	Address() Mac48

	// BeaconInfo returns the time the interface's next beacon is due and its beacon
	// interval, in seconds
	BeaconInfo() (float64, float64)

	// SetBeaconShift moves the interface's next beacon by shift seconds.  Zero leaves it alone.
	SetBeaconShift(shift float64)
}

// BeaconInfo is what the protocol remembers about a neighbor from its beacons
type BeaconInfo struct {
	// AID is the association id given to the neighbor
	AID uint16

	// ReferenceTBTT is the time the neighbor's last beacon arrived
	ReferenceTBTT float64

	BeaconInterval float64
}

// Statistics counts links over the life of the protocol
type Statistics struct {
	LinksTotal  int `json:"linkstotal" yaml:"linkstotal"`
	LinksOpened int `json:"linksopened" yaml:"linksopened"`
	LinksClosed int `json:"linksclosed" yaml:"linksclosed"`
}

// PeerLinkRecord is the trace record written when a link changes state or an Open is refused
type PeerLinkRecord struct {
	Interface uint32 `yaml:"interface"`
	Peer      string `yaml:"peer"`
	Event     string `yaml:"event"`
	Reason    string `yaml:"reason,omitempty"`
	From      string `yaml:"from"`
	To        string `yaml:"to"`
}

func (plr *PeerLinkRecord) TraceType() netcore.TraceRecordType {
	return netcore.PeerLinkType
}

func (plr *PeerLinkRecord) Serialize() string {
	return netcore.SerializeRecord(plr)
}

// PeerManagementProtocol manages the peer links of one mesh station
type PeerManagementProtocol struct {
	cfg     ProtocolConfig
	address Mac48
	meshID  string
	sched   netcore.Scheduler
	rng     RandomSource
	logger  *slog.Logger
	metrics *netcore.Collector
	trace   *netcore.TraceManager
	traceID int

	meshConfig MeshConfigurationElement

	plugins    map[uint32]MeshInterface
	peerLinks  map[uint32][]*PeerLink
	beaconInfo map[uint32]map[Mac48]*BeaconInfo

	// time and interval of the last beacon sent on each interface
	lastBeacon     map[uint32]float64
	beaconInterval map[uint32]float64

	lastAssocID         uint16
	lastLocalLinkID     uint16
	numberOfActivePeers int
	stats               Statistics

	statusCallback LinkStatusCallback
}

// CreatePeerManagementProtocol is a constructor.  address is the station's mesh point
// address.  rng drives beacon shifts; logger and metrics may be nil.
func CreatePeerManagementProtocol(address Mac48, meshID string, cfg ProtocolConfig, sched netcore.Scheduler,
	rng RandomSource, logger *slog.Logger, metrics *netcore.Collector) *PeerManagementProtocol {
	pmp := new(PeerManagementProtocol)
	pmp.cfg = cfg
	pmp.address = address
	pmp.meshID = meshID
	pmp.sched = sched
	pmp.rng = rng
	pmp.logger = netcore.LoggerOrDiscard(logger)
	pmp.metrics = metrics
	pmp.meshConfig = DefaultMeshConfiguration()
	pmp.plugins = make(map[uint32]MeshInterface)
	pmp.peerLinks = make(map[uint32][]*PeerLink)
	pmp.beaconInfo = make(map[uint32]map[Mac48]*BeaconInfo)
	pmp.lastBeacon = make(map[uint32]float64)
	pmp.beaconInterval = make(map[uint32]float64)
	pmp.lastAssocID = 0
	pmp.lastLocalLinkID = 1
	return pmp
}

// Install attaches a mesh interface to the protocol under the given index
func (pmp *PeerManagementProtocol) Install(ifIndex uint32, mi MeshInterface) {
	pmp.plugins[ifIndex] = mi
	pmp.peerLinks[ifIndex] = []*PeerLink{}
	pmp.beaconInfo[ifIndex] = make(map[Mac48]*BeaconInfo)
}

// SetTrace directs a trace record for every link transition to tm under the given object id
func (pmp *PeerManagementProtocol) SetTrace(tm *netcore.TraceManager, objID int) {
	pmp.trace = tm
	pmp.traceID = objID
	tm.AddName(objID, pmp.address.String(), "PeerManagementProtocol")
}

// SetPeerLinkStatusCallback installs the function told when any link comes up or goes down
func (pmp *PeerManagementProtocol) SetPeerLinkStatusCallback(cb LinkStatusCallback) {
	pmp.statusCallback = cb
}

// SetMeshConfiguration replaces the configuration advertised in our frames
func (pmp *PeerManagementProtocol) SetMeshConfiguration(conf MeshConfigurationElement) {
	pmp.meshConfig = conf
}

func (pmp *PeerManagementProtocol) Address() Mac48 { return pmp.address }
func (pmp *PeerManagementProtocol) MeshID() string { return pmp.meshID }
func (pmp *PeerManagementProtocol) MeshConfiguration() MeshConfigurationElement { return pmp.meshConfig }
func (pmp *PeerManagementProtocol) NumberOfActivePeers() int { return pmp.numberOfActivePeers }

// GetBeaconTimingElement builds the timing element advertised in the next beacon sent on
// the interface.  Neighbors not heard for three of their beacon intervals are forgotten.
func (pmp *PeerManagementProtocol) GetBeaconTimingElement(ifIndex uint32) BeaconTimingElement {
	bte := BeaconTimingElement{Units: []BeaconTimingUnit{}}
	beacons, present := pmp.beaconInfo[ifIndex]
	if !present {
		return bte
	}
	now := pmp.sched.Now()
	infos := []*BeaconInfo{}
	for peer, info := range beacons {
		if info.ReferenceTBTT+3*info.BeaconInterval < now {
			delete(beacons, peer)
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AID < infos[j].AID })
	for _, info := range infos {
		bte.AddNeighbour(uint8(info.AID), info.ReferenceTBTT, info.BeaconInterval)
	}
	return bte
}

// fillBeaconInfo refreshes what is known of the neighbor's beacons, giving it an
// association id the first time it is heard
func (pmp *PeerManagementProtocol) fillBeaconInfo(ifIndex uint32, peerAddr Mac48, receivingTime, beaconInterval float64) *BeaconInfo {
	beacons, present := pmp.beaconInfo[ifIndex]
	if !present {
		beacons = make(map[Mac48]*BeaconInfo)
		pmp.beaconInfo[ifIndex] = beacons
	}
	info, present := beacons[peerAddr]
	if !present {
		if pmp.lastAssocID == 0xff {
			pmp.lastAssocID = 0
		}
		info = &BeaconInfo{AID: pmp.lastAssocID}
		pmp.lastAssocID += 1
		beacons[peerAddr] = info
	}
	info.ReferenceTBTT = receivingTime
	info.BeaconInterval = beaconInterval
	return info
}

// PeerBeaconInfo returns what is known of the neighbor's beacons on the interface
func (pmp *PeerManagementProtocol) PeerBeaconInfo(ifIndex uint32, peerAddr Mac48) (BeaconInfo, bool) {
	info, present := pmp.beaconInfo[ifIndex][peerAddr]
	if !present {
		return BeaconInfo{}, false
	}
	return *info, true
}

// UpdatePeerBeaconTiming is called for every beacon heard on an interface.  A mesh beacon
// from a station we have no link with leads to a new link, opened actively if the station
// has room for another peer.
func (pmp *PeerManagementProtocol) UpdatePeerBeaconTiming(ifIndex uint32, meshBeacon bool, timing BeaconTimingElement,
	peerAddr Mac48, receivingTime, beaconInterval float64) {
	pmp.fillBeaconInfo(ifIndex, peerAddr, receivingTime, beaconInterval)
	if !meshBeacon {
		return
	}
	plugin, present := pmp.plugins[ifIndex]
	if !present {
		panic("beacon reported on an interface the peer management protocol does not know")
	}
	plugin.SetBeaconShift(pmp.GetNextBeaconShift(ifIndex))

	// our own interfaces may share a channel
	for _, mi := range pmp.plugins {
		if mi.Address() == peerAddr {
			return
		}
	}

	pl := pmp.FindPeerLink(ifIndex, peerAddr)
	if pl != nil {
		pl.SetBeaconTimingElement(timing)
		pl.SetBeaconInformation(receivingTime, beaconInterval)
		return
	}
	pl = pmp.InitiateLink(ifIndex, peerAddr, BroadcastMac48, receivingTime, beaconInterval)
	pl.SetBeaconTimingElement(timing)
	if pmp.ShouldSendOpen(ifIndex, peerAddr) {
		pl.OpenActive()
	}
}

// ReceivePeerLinkFrame dispatches a peer link management frame received on an interface to
// the link with the sender.  An Open from a station we have no link with creates one, and
// is accepted only if the admission check allows a new peering.
func (pmp *PeerManagementProtocol) ReceivePeerLinkFrame(ifIndex uint32, peerAddr, peerMeshPointAddr Mac48, aid uint16,
	pme PeerManagementElement, meshConfig MeshConfigurationElement) {
	pl := pmp.FindPeerLink(ifIndex, peerAddr)
	if pme.SubtypeIsOpen() {
		// the admission limit gates new peerings only; an Open on a link already past IDLE
		// is a retransmission the link itself answers
		accept, reason := true, ReasonReserved
		if pl == nil {
			accept, reason = pmp.ShouldAcceptOpen(ifIndex, peerAddr)
			pl = pmp.InitiateLink(ifIndex, peerAddr, peerMeshPointAddr, pmp.sched.Now(), 1.0)
		}
		if accept {
			pl.OpenPassive()
			pl.OpenAccept(pme.LocalLinkID, meshConfig, peerMeshPointAddr)
		} else {
			pmp.logger.Debug("open refused", "interface", ifIndex, "peer", peerAddr, "reason", reason)
			pl.OpenReject(pme.LocalLinkID, meshConfig, peerMeshPointAddr, reason)
		}
	}
	if pl == nil {
		return
	}
	switch pme.Subtype {
	case PeerConfirm:
		pl.ConfirmAccept(pme.LocalLinkID, pme.PeerLinkID, aid, meshConfig, peerMeshPointAddr)
	case PeerClose:
		pl.Close(pme.LocalLinkID, pme.PeerLinkID, pme.Reason)
	}
}

// ConfigurationMismatch cancels the link with a neighbor whose configuration is incompatible
// with ours
func (pmp *PeerManagementProtocol) ConfigurationMismatch(ifIndex uint32, peerAddr Mac48) {
	pl := pmp.FindPeerLink(ifIndex, peerAddr)
	if pl != nil {
		pl.CancelPeerLink(ReasonCapabilityPolicyViolation)
	}
}

// InitiateLink creates a link with the neighbor and adds it to the interface's list.  The
// link takes the next local link id, and the association id the neighbor was given when
// first heard.
func (pmp *PeerManagementProtocol) InitiateLink(ifIndex uint32, peerAddr, peerMeshPointAddr Mac48,
	lastBeacon, beaconInterval float64) *PeerLink {
	plugin, present := pmp.plugins[ifIndex]
	if !present {
		panic("link initiated on an interface the peer management protocol does not know")
	}
	info, present := pmp.beaconInfo[ifIndex][peerAddr]
	if !present {
		info = pmp.fillBeaconInfo(ifIndex, peerAddr, lastBeacon, beaconInterval)
	}

	// link id zero means the id is unknown, so it is never handed out
	if pmp.lastLocalLinkID == 0xff {
		pmp.lastLocalLinkID = 1
	}

	pl := CreatePeerLink(pmp.cfg.PeerLink, pmp.sched, plugin, pmp.logger)
	pl.SetInterface(ifIndex)
	pl.SetLocalLinkID(pmp.lastLocalLinkID)
	pmp.lastLocalLinkID += 1
	pl.SetLocalAID(info.AID)
	pl.SetPeerAddress(peerAddr)
	pl.SetPeerMeshPointAddress(peerMeshPointAddr)
	pl.SetLocalConfiguration(pmp.meshConfig)
	pl.SetBeaconInformation(lastBeacon, beaconInterval)
	pl.SetLinkStatusCallback(pmp.peerLinkStatus)
	pl.SetTransitionObserver(pmp.observeTransition)

	pmp.peerLinks[ifIndex] = append(pmp.peerLinks[ifIndex], pl)
	pmp.stats.LinksTotal += 1
	return pl
}

// FindPeerLink returns the link with the neighbor on the interface, or nil.  A link found
// in IDLE is dropped and nil returned.
func (pmp *PeerManagementProtocol) FindPeerLink(ifIndex uint32, peerAddr Mac48) *PeerLink {
	links := pmp.peerLinks[ifIndex]
	for idx, pl := range links {
		if pl.PeerAddress() != peerAddr {
			continue
		}
		if pl.LinkIsIdle() {
			pl.Teardown()
			pmp.peerLinks[ifIndex] = append(links[:idx], links[idx+1:]...)
			pmp.stats.LinksTotal -= 1
			return nil
		}
		return pl
	}
	return nil
}

// ShouldSendOpen is the admission check made before actively opening a link
func (pmp *PeerManagementProtocol) ShouldSendOpen(ifIndex uint32, peerAddr Mac48) bool {
	return pmp.numberOfActivePeers < pmp.cfg.MaxNumberOfPeerLinks
}

// ShouldAcceptOpen is the admission check made on a received Open.  A refusal comes
// with the reason to put in the Close.
func (pmp *PeerManagementProtocol) ShouldAcceptOpen(ifIndex uint32, peerAddr Mac48) (bool, ReasonCode) {
	if pmp.numberOfActivePeers >= pmp.cfg.MaxNumberOfPeerLinks {
		return false, ReasonMeshMaxPeers
	}
	return true, ReasonReserved
}

// GetNextBeaconShift computes the shift of the interface's next beacon that avoids a
// collision with a neighbor of one of its peers, zero if none is needed
func (pmp *PeerManagementProtocol) GetNextBeaconShift(ifIndex uint32) float64 {
	plugin, present := pmp.plugins[ifIndex]
	if !present {
		return 0.0
	}
	myNext, myInterval := plugin.BeaconInfo()
	timings := []BeaconTimingElement{}
	for _, pl := range pmp.peerLinks[ifIndex] {
		timings = append(timings, pl.BeaconTimingElement())
	}
	return NextBeaconShift(pmp.sched.Now(), myNext, myInterval, pmp.cfg.MaxBeaconShift, timings, pmp.rng)
}

// NotifyBeaconSent is called each time the interface sends a beacon.  With collision
// avoidance on, a check is scheduled for shortly before the next beacon is due.
func (pmp *PeerManagementProtocol) NotifyBeaconSent(ifIndex uint32, beaconInterval float64) {
	pmp.lastBeacon[ifIndex] = pmp.sched.Now()
	pmp.beaconInterval[ifIndex] = beaconInterval
	if !pmp.cfg.EnableBeaconCollisionAvoidance {
		return
	}
	delay := beaconInterval - TUToTime(int64(pmp.cfg.MaxBeaconShift+1))
	pmp.sched.ScheduleAfter(delay, func() { pmp.CheckBeaconCollisions(ifIndex) })
}

// CheckBeaconCollisions shifts the interface's next beacon if there is a sign that its
// beacons collide with others: it has no peers, a peer does not list it among the stations
// it hears, or a peer hears another station at a whole number of our intervals from us.
func (pmp *PeerManagementProtocol) CheckBeaconCollisions(ifIndex uint32) {
	if !pmp.cfg.EnableBeaconCollisionAvoidance {
		return
	}
	lastBeacon, present := pmp.lastBeacon[ifIndex]
	if !present {
		return
	}
	interval := pmp.beaconInterval[ifIndex]
	if TUToTime(int64(pmp.cfg.MaxBeaconShift)) > interval {
		panic("largest beacon shift exceeds the beacon interval")
	}
	links := pmp.peerLinks[ifIndex]
	if len(links) == 0 {
		pmp.ShiftOwnBeacon(ifIndex)
		return
	}
	myLast := EncodeLastBeacon(lastBeacon)
	for _, pl := range links {
		collide, heard := BeaconsCollide(pl.BeaconTimingElement(), pl.PeerAID(), myLast, TimeToTU(interval))
		if collide || !heard {
			pmp.ShiftOwnBeacon(ifIndex)
			return
		}
	}
}

// ShiftOwnBeacon moves the interface's next beacon by a random non-zero number of time units
func (pmp *PeerManagementProtocol) ShiftOwnBeacon(ifIndex uint32) {
	plugin, present := pmp.plugins[ifIndex]
	if !present {
		return
	}
	shift := OwnBeaconShift(pmp.cfg.MaxBeaconShift, pmp.rng)
	pmp.logger.Debug("shifting own beacon", "interface", ifIndex, "shift", shift)
	plugin.SetBeaconShift(shift)
}

// peerLinkStatus is the status callback of every link
func (pmp *PeerManagementProtocol) peerLinkStatus(ifIndex uint32, peerAddr, peerMeshPointAddr Mac48, up bool) {
	if up {
		pmp.stats.LinksOpened += 1
		pmp.numberOfActivePeers += 1
		pmp.logger.Debug("link opened", "interface", ifIndex, "peer", peerAddr, "meshpoint", peerMeshPointAddr)
	} else {
		pmp.stats.LinksClosed += 1
		pmp.numberOfActivePeers -= 1
		pmp.logger.Debug("link closed", "interface", ifIndex, "peer", peerAddr, "meshpoint", peerMeshPointAddr)
	}
	pmp.metrics.PeerLinkStatus(up, pmp.numberOfActivePeers)
	if pmp.statusCallback != nil {
		pmp.statusCallback(ifIndex, peerAddr, peerMeshPointAddr, up)
	}
}

// observeTransition traces state changes and refusals
func (pmp *PeerManagementProtocol) observeTransition(pl *PeerLink, evt PeerEvent, reason ReasonCode, from, to PeerState) {
	if !pmp.trace.Active() {
		return
	}
	if from == to && evt != EventOpenReject && evt != EventRequestReject {
		return
	}
	rec := &PeerLinkRecord{Interface: pl.Interface(), Peer: pl.PeerAddress().String(), Event: evt.String(),
		From: from.String(), To: to.String()}
	if evt == EventOpenReject || evt == EventConfirmReject || evt == EventRequestReject || evt == EventCancel {
		rec.Reason = reason.String()
	}
	pmp.trace.AddRecord(vrtime.SecondsToTime(pmp.sched.Now()), pmp.traceID, rec)
}

// GetPeerLinks returns every link the protocol holds, ordered by interface
func (pmp *PeerManagementProtocol) GetPeerLinks() []*PeerLink {
	rtn := []*PeerLink{}
	for _, ifIndex := range pmp.interfaces() {
		rtn = append(rtn, pmp.peerLinks[ifIndex]...)
	}
	return rtn
}

// GetActiveLinks returns the established links on the interface
func (pmp *PeerManagementProtocol) GetActiveLinks(ifIndex uint32) []*PeerLink {
	rtn := []*PeerLink{}
	for _, pl := range pmp.peerLinks[ifIndex] {
		if pl.LinkIsEstab() {
			rtn = append(rtn, pl)
		}
	}
	return rtn
}

// GetPeers returns the addresses of the neighbors with an established link on the interface
func (pmp *PeerManagementProtocol) GetPeers(ifIndex uint32) []Mac48 {
	rtn := []Mac48{}
	for _, pl := range pmp.GetActiveLinks(ifIndex) {
		rtn = append(rtn, pl.PeerAddress())
	}
	return rtn
}

// IsActiveLink is true if the link with the neighbor on the interface is established
func (pmp *PeerManagementProtocol) IsActiveLink(ifIndex uint32, peerAddr Mac48) bool {
	pl := pmp.FindPeerLink(ifIndex, peerAddr)
	return pl != nil && pl.LinkIsEstab()
}

// GetNumberOfLinks returns the number of established links
func (pmp *PeerManagementProtocol) GetNumberOfLinks() int {
	return pmp.numberOfActivePeers
}

// GetStatistics returns the link counts
func (pmp *PeerManagementProtocol) GetStatistics() Statistics {
	return pmp.stats
}

// ResetStats zeroes the counts of links opened and closed
func (pmp *PeerManagementProtocol) ResetStats() {
	pmp.stats.LinksOpened = 0
	pmp.stats.LinksClosed = 0
}

// Teardown cancels the timers of every link
func (pmp *PeerManagementProtocol) Teardown() {
	for _, pl := range pmp.GetPeerLinks() {
		pl.Teardown()
	}
}

func (pmp *PeerManagementProtocol) interfaces() []uint32 {
	ifs := []uint32{}
	for ifIndex := range pmp.plugins {
		ifs = append(ifs, ifIndex)
	}
	sort.Slice(ifs, func(i, j int) bool { return ifs[i] < ifs[j] })
	return ifs
}

// ProtocolReport is the snapshot written by Report
type ProtocolReport struct {
	Address     Mac48            `json:"address" yaml:"address"`
	ActivePeers int              `json:"activepeers" yaml:"activepeers"`
	Stats       Statistics       `json:"stats" yaml:"stats"`
	Links       []PeerLinkReport `json:"links" yaml:"links"`
}

// Snapshot gathers the statistics and the established links
func (pmp *PeerManagementProtocol) Snapshot() ProtocolReport {
	pr := ProtocolReport{Address: pmp.address, ActivePeers: pmp.numberOfActivePeers, Stats: pmp.stats,
		Links: []PeerLinkReport{}}
	for _, pl := range pmp.GetPeerLinks() {
		if plr, estab := pl.Report(); estab {
			pr.Links = append(pr.Links, plr)
		}
	}
	return pr
}

// Report writes the snapshot to w as yaml
func (pmp *PeerManagementProtocol) Report(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(pmp.Snapshot()); err != nil {
		return err
	}
	return enc.Close()
}
