package dot11s

// peer-link.go holds the state machine governing one peering relationship between a mesh
// interface and a neighbor interface.  A link leaves IDLE when it is told to open actively
// (we heard the neighbor's beacon) or when the neighbor's Open is accepted, and reaches
// ESTAB once each side has accepted the other's Open and received a Confirm for its own.
// A link that fails, is refused, or is closed passes through HOLDING on its way back to IDLE.
//
// Three timers keep the handshake moving.  The retry timer resends an Open that has not been
// answered, until MaxRetries resends have been made.  The confirm timer bounds the wait for
// the neighbor's Open once our own has been confirmed.  The holding timer bounds the stay in
// HOLDING.  At most one of the three is pending at a time.  A fourth timer, rearmed by every
// beacon heard from the neighbor, cancels the link when too many beacons in a row are lost.
//
// Frames are not built here; the link fills in the peering management element and hands it,
// along with the mesh configuration to advertise, to its FrameSender.

import (
	"fmt"
	"log/slog"

	"github.com/iti/netcore"
)

// PeerState is the state of a peer link
type PeerState int

const (
	Idle PeerState = iota
	OpenSent
	ConfirmReceived
	OpenReceived
	Established
	Holding
)

// NumPeerStates is the number of values PeerState takes
const NumPeerStates = 6

var stateToStr = []string{"IDLE", "OPN_SNT", "CNF_RCVD", "OPN_RCVD", "ESTAB", "HOLDING"}

func (ps PeerState) String() string {
	if ps < 0 || int(ps) >= len(stateToStr) {
		return "UNKNOWN"
	}
	return stateToStr[ps]
}

// PeerEvent is an input to the peer link state machine
type PeerEvent int

const (
	// EventCancel is a local request to cancel the link
	EventCancel PeerEvent = iota

	// EventPassiveOpen is a local request to listen for the neighbor's Open
	EventPassiveOpen

	// EventActiveOpen is a local request to open the link
	EventActiveOpen

	// EventCloseAccept is a Close received from the neighbor
	EventCloseAccept

	// EventOpenAccept is an acceptable Open received from the neighbor
	EventOpenAccept

	// EventOpenReject is an Open received from the neighbor that is refused
	EventOpenReject

	// EventRequestReject is a local refusal of a peering request
	EventRequestReject

	// EventConfirmAccept is an acceptable Confirm received from the neighbor
	EventConfirmAccept

	// EventConfirmReject is a Confirm received from the neighbor that is refused
	EventConfirmReject

	// EventRetryTimeout fires on the retry timer while resends remain
	EventRetryTimeout

	// EventRetryLimit fires on the retry timer once MaxRetries resends have been made
	EventRetryLimit

	// EventConfirmTimeout fires on the confirm timer
	EventConfirmTimeout

	// EventHoldingTimeout fires on the holding timer
	EventHoldingTimeout
)

// NumPeerEvents is the number of values PeerEvent takes
const NumPeerEvents = 13

var eventToStr = []string{"CNCL", "PASOPN", "ACTOPN", "CLS_ACPT", "OPN_ACPT", "OPN_RJCT", "REQ_RJCT",
	"CNF_ACPT", "CNF_RJCT", "TOR1", "TOR2", "TOC", "TOH"}

func (pe PeerEvent) String() string {
	if pe < 0 || int(pe) >= len(eventToStr) {
		return "UNKNOWN"
	}
	return eventToStr[pe]
}

// FrameSender transmits peer link management frames for one mesh interface.  A frame must
// not reach the peer before SendPeerLinkManagementFrame returns.
type FrameSender interface {
	SendPeerLinkManagementFrame(peerAddr, peerMeshPointAddr Mac48, aid uint16,
		pme PeerManagementElement, meshConfig MeshConfigurationElement)
}

// LinkStatusCallback is told when a link enters (up) or leaves the established state
type LinkStatusCallback func(ifIndex uint32, peerAddr, peerMeshPointAddr Mac48, up bool)

// TransitionObserver is told of every event the state machine consumes, with the states
// before and after.  from equals to when the event left the state alone.
type TransitionObserver func(pl *PeerLink, evt PeerEvent, reason ReasonCode, from, to PeerState)

// PeerLink is the state of one peering relationship
type PeerLink struct {
	cfg    PeerLinkConfig
	sched  netcore.Scheduler
	sender FrameSender
	logger *slog.Logger

	ifIndex           uint32
	peerAddr          Mac48
	peerMeshPointAddr Mac48
	localLinkID       uint16
	peerLinkID        uint16
	localAID          uint16
	peerAID           uint16

	lastBeacon     float64
	beaconInterval float64
	beaconTiming   BeaconTimingElement

	// configuration we advertise, and the one the peer advertised
	localConfig MeshConfigurationElement
	peerConfig  MeshConfigurationElement

	state        PeerState
	retryCounter int

	retryTimer      *netcore.TimerHandle
	holdingTimer    *netcore.TimerHandle
	confirmTimer    *netcore.TimerHandle
	beaconLossTimer *netcore.TimerHandle

	statusCallback LinkStatusCallback
	observer       TransitionObserver

	// set by Teardown, after which the link ignores everything
	tornDown bool
}

// CreatePeerLink is a constructor.  The link starts IDLE, with an unknown peer mesh point
// address and no peer link id.  logger may be nil.
func CreatePeerLink(cfg PeerLinkConfig, sched netcore.Scheduler, sender FrameSender, logger *slog.Logger) *PeerLink {
	pl := new(PeerLink)
	pl.cfg = cfg
	pl.sched = sched
	pl.sender = sender
	pl.logger = netcore.LoggerOrDiscard(logger)
	pl.peerMeshPointAddr = BroadcastMac48
	pl.localConfig = DefaultMeshConfiguration()
	pl.state = Idle
	return pl
}

// SetInterface records the index of the local interface the link runs over
func (pl *PeerLink) SetInterface(ifIndex uint32) {
	pl.ifIndex = ifIndex
}

// SetPeerAddress records the address of the neighbor interface
func (pl *PeerLink) SetPeerAddress(addr Mac48) {
	pl.peerAddr = addr
}

// SetPeerMeshPointAddress latches the neighbor's mesh point address.  The broadcast address
// leaves it unknown.
func (pl *PeerLink) SetPeerMeshPointAddress(addr Mac48) {
	pl.peerMeshPointAddr = addr
}

// SetLocalLinkID records the link id this side chose
func (pl *PeerLink) SetLocalLinkID(id uint16) {
	pl.localLinkID = id
}

// SetLocalAID records the association id this side gave the neighbor
func (pl *PeerLink) SetLocalAID(aid uint16) {
	pl.localAID = aid
}

// SetLocalConfiguration sets the mesh configuration advertised in our frames
func (pl *PeerLink) SetLocalConfiguration(conf MeshConfigurationElement) {
	pl.localConfig = conf
}

// SetLinkStatusCallback installs the function told when the link comes up or goes down
func (pl *PeerLink) SetLinkStatusCallback(cb LinkStatusCallback) {
	pl.statusCallback = cb
}

// SetTransitionObserver installs the function told of every event consumed
func (pl *PeerLink) SetTransitionObserver(obs TransitionObserver) {
	pl.observer = obs
}

// SetBeaconInformation records when the neighbor's last beacon arrived and its beacon
// interval, and rearms the beacon loss timer to fire after MaxBeaconLoss intervals of silence
func (pl *PeerLink) SetBeaconInformation(lastBeacon, beaconInterval float64) {
	if pl.tornDown {
		return
	}
	pl.lastBeacon = lastBeacon
	pl.beaconInterval = beaconInterval
	pl.beaconLossTimer.Cancel()
	delay := beaconInterval * float64(pl.cfg.MaxBeaconLoss)
	pl.beaconLossTimer = pl.sched.ScheduleAfter(delay, pl.beaconLoss)
}

// SetBeaconTimingElement stores the neighbor's most recent beacon timing report
func (pl *PeerLink) SetBeaconTimingElement(bte BeaconTimingElement) {
	pl.beaconTiming = bte
}

func (pl *PeerLink) Interface() uint32 { return pl.ifIndex }
func (pl *PeerLink) PeerAddress() Mac48 { return pl.peerAddr }
func (pl *PeerLink) PeerMeshPointAddress() Mac48 { return pl.peerMeshPointAddr }
func (pl *PeerLink) LocalLinkID() uint16 { return pl.localLinkID }
func (pl *PeerLink) PeerLinkID() uint16 { return pl.peerLinkID }
func (pl *PeerLink) LocalAID() uint16 { return pl.localAID }
func (pl *PeerLink) PeerAID() uint16 { return pl.peerAID }
func (pl *PeerLink) LastBeacon() float64 { return pl.lastBeacon }
func (pl *PeerLink) BeaconInterval() float64 { return pl.beaconInterval }
func (pl *PeerLink) BeaconTimingElement() BeaconTimingElement { return pl.beaconTiming }
func (pl *PeerLink) PeerConfiguration() MeshConfigurationElement { return pl.peerConfig }
func (pl *PeerLink) State() PeerState { return pl.state }
func (pl *PeerLink) RetryCounter() int { return pl.retryCounter }

// LinkIsEstab is true when the link is established
func (pl *PeerLink) LinkIsEstab() bool {
	return pl.state == Established
}

// LinkIsIdle is true when the link is in IDLE
func (pl *PeerLink) LinkIsIdle() bool {
	return pl.state == Idle
}

// PendingTimers returns the number of the retry, confirm and holding timers that are pending
func (pl *PeerLink) PendingTimers() int {
	cnt := 0
	for _, th := range []*netcore.TimerHandle{pl.retryTimer, pl.confirmTimer, pl.holdingTimer} {
		if th.Pending() {
			cnt += 1
		}
	}
	return cnt
}

// OpenActive asks the link to start the handshake by sending an Open
func (pl *PeerLink) OpenActive() {
	pl.stateMachine(EventActiveOpen, ReasonReserved)
}

// OpenPassive asks the link to wait for the neighbor's Open
func (pl *PeerLink) OpenPassive() {
	pl.stateMachine(EventPassiveOpen, ReasonReserved)
}

// CancelPeerLink tears the link down from above.  reason is carried in the Close sent,
// PEERING_CANCELLED if zero.
func (pl *PeerLink) CancelPeerLink(reason ReasonCode) {
	if reason == 0 {
		reason = ReasonPeeringCancelled
	}
	pl.stateMachine(EventCancel, reason)
}

// PeeringRequestReject refuses a peering request without changing state
func (pl *PeerLink) PeeringRequestReject() {
	pl.stateMachine(EventRequestReject, ReasonPeeringCancelled)
}

// acceptLinkIDs applies the pairing rule for frames carrying both ids.  peerLinkID, the id
// the neighbor believes we chose, must be ours when it is given.  localLinkID, the id the
// neighbor chose, is latched if we did not know it yet and must match otherwise.
func (pl *PeerLink) acceptLinkIDs(localLinkID, peerLinkID uint16, peerLinkIDOptional bool) bool {
	if peerLinkID != pl.localLinkID && (!peerLinkIDOptional || peerLinkID != 0) {
		return false
	}
	if pl.peerLinkID == 0 {
		pl.peerLinkID = localLinkID
	} else if pl.peerLinkID != localLinkID {
		return false
	}
	return true
}

// latchPeerMeshPoint records the neighbor's mesh point address on first contact.
// A different address on a later contact breaks the link's identity.
func (pl *PeerLink) latchPeerMeshPoint(peerMP Mac48) {
	if pl.peerMeshPointAddr.IsBroadcast() {
		pl.peerMeshPointAddr = peerMP
		return
	}
	if pl.peerMeshPointAddr != peerMP {
		panic(fmt.Errorf("peer link to %s: mesh point address %s does not match latched %s",
			pl.peerAddr, peerMP, pl.peerMeshPointAddr))
	}
}

// Close reports a Close from the neighbor.  It is ignored unless the link ids pair up.
func (pl *PeerLink) Close(localLinkID, peerLinkID uint16, reason ReasonCode) {
	if !pl.acceptLinkIDs(localLinkID, peerLinkID, true) {
		pl.logger.Debug("close ignored, link ids do not match", "peer", pl.peerAddr,
			"locallinkid", localLinkID, "peerlinkid", peerLinkID)
		return
	}
	pl.stateMachine(EventCloseAccept, reason)
}

// OpenAccept reports an acceptable Open from the neighbor
func (pl *PeerLink) OpenAccept(localLinkID uint16, conf MeshConfigurationElement, peerMP Mac48) {
	if pl.peerLinkID == 0 {
		pl.peerLinkID = localLinkID
	}
	pl.peerConfig = conf
	pl.latchPeerMeshPoint(peerMP)
	pl.stateMachine(EventOpenAccept, ReasonReserved)
}

// OpenReject reports an Open from the neighbor that is being refused for the reason given
func (pl *PeerLink) OpenReject(localLinkID uint16, conf MeshConfigurationElement, peerMP Mac48, reason ReasonCode) {
	if pl.peerLinkID == 0 {
		pl.peerLinkID = localLinkID
	}
	pl.peerConfig = conf
	pl.latchPeerMeshPoint(peerMP)
	pl.stateMachine(EventOpenReject, reason)
}

// ConfirmAccept reports an acceptable Confirm from the neighbor.  It is ignored unless the
// link ids pair up.  peerAID is the association id the neighbor gave us.
func (pl *PeerLink) ConfirmAccept(localLinkID, peerLinkID, peerAID uint16, conf MeshConfigurationElement, peerMP Mac48) {
	if !pl.acceptLinkIDs(localLinkID, peerLinkID, false) {
		pl.logger.Debug("confirm ignored, link ids do not match", "peer", pl.peerAddr,
			"locallinkid", localLinkID, "peerlinkid", peerLinkID)
		return
	}
	pl.peerConfig = conf
	pl.latchPeerMeshPoint(peerMP)
	pl.peerAID = peerAID
	pl.stateMachine(EventConfirmAccept, ReasonReserved)
}

// ConfirmReject reports a Confirm from the neighbor that is being refused
func (pl *PeerLink) ConfirmReject(localLinkID, peerLinkID, peerAID uint16, conf MeshConfigurationElement,
	peerMP Mac48, reason ReasonCode) {
	if !pl.acceptLinkIDs(localLinkID, peerLinkID, false) {
		return
	}
	pl.peerConfig = conf
	pl.latchPeerMeshPoint(peerMP)
	pl.peerAID = peerAID
	pl.stateMachine(EventConfirmReject, reason)
}

// Teardown cancels every pending timer.  The link ignores all input afterwards.
func (pl *PeerLink) Teardown() {
	pl.tornDown = true
	for _, th := range []*netcore.TimerHandle{pl.retryTimer, pl.holdingTimer, pl.confirmTimer, pl.beaconLossTimer} {
		th.Cancel()
	}
}

// stateMachine consumes one event
func (pl *PeerLink) stateMachine(evt PeerEvent, reason ReasonCode) {
	if pl.tornDown {
		return
	}
	from := pl.state
	wasEstab := from == Established

	switch pl.state {
	case Idle:
		switch evt {
		case EventRequestReject:
			pl.sendClose(reason)
		case EventActiveOpen:
			pl.state = OpenSent
			pl.sendOpen()
			pl.setRetryTimer()
		case EventOpenAccept:
			pl.state = OpenReceived
			pl.sendConfirm()
			pl.sendOpen()
			pl.setRetryTimer()
		}

	case OpenSent:
		switch evt {
		case EventRetryTimeout:
			pl.sendOpen()
			pl.retryCounter += 1
			pl.setRetryTimer()
		case EventConfirmAccept:
			pl.state = ConfirmReceived
			pl.clearRetryTimer()
			pl.setConfirmTimer()
		case EventOpenAccept:
			pl.state = OpenReceived
			pl.sendConfirm()
		case EventCloseAccept:
			pl.enterHolding(ReasonMeshCloseRcvd)
		case EventOpenReject, EventConfirmReject:
			pl.enterHolding(reason)
		case EventRetryLimit:
			pl.enterHolding(ReasonMeshMaxRetries)
		case EventCancel:
			pl.enterHolding(reason)
		}

	case ConfirmReceived:
		switch evt {
		case EventOpenAccept:
			pl.state = Established
			pl.clearConfirmTimer()
			pl.sendConfirm()
		case EventCloseAccept:
			pl.enterHolding(ReasonMeshCloseRcvd)
		case EventOpenReject, EventConfirmReject:
			pl.enterHolding(reason)
		case EventCancel:
			pl.enterHolding(reason)
		case EventConfirmTimeout:
			pl.enterHolding(ReasonMeshConfirmTimeout)
		}

	case OpenReceived:
		switch evt {
		case EventRetryTimeout:
			pl.sendOpen()
			pl.retryCounter += 1
			pl.setRetryTimer()
		case EventConfirmAccept:
			pl.state = Established
			pl.clearRetryTimer()
		case EventCloseAccept:
			pl.enterHolding(ReasonMeshCloseRcvd)
		case EventOpenReject, EventConfirmReject:
			pl.enterHolding(reason)
		case EventRetryLimit:
			pl.enterHolding(ReasonMeshMaxRetries)
		case EventCancel:
			pl.enterHolding(reason)
		}

	case Established:
		switch evt {
		case EventOpenAccept:
			// the neighbor may not have heard our Confirm
			pl.sendConfirm()
		case EventCloseAccept:
			pl.enterHolding(ReasonMeshCloseRcvd)
		case EventOpenReject, EventConfirmReject:
			pl.enterHolding(reason)
		case EventCancel:
			pl.enterHolding(reason)
		}

	case Holding:
		switch evt {
		case EventCloseAccept:
			pl.state = Idle
			pl.clearHoldingTimer()
		case EventHoldingTimeout:
			pl.state = Idle
		case EventOpenAccept, EventConfirmAccept:
			// the draft leaves the reason for this Close unspecified
			pl.sendClose(ReasonPeeringCancelled)
		case EventOpenReject, EventConfirmReject:
			pl.sendClose(reason)
		}
	}

	to := pl.state
	if from != to {
		pl.logger.Debug("peer link transition", "interface", pl.ifIndex, "peer", pl.peerAddr,
			"event", evt, "from", from, "to", to)
	}
	if pl.observer != nil {
		pl.observer(pl, evt, reason, from, to)
	}
	if to == Established && !wasEstab && pl.statusCallback != nil {
		pl.statusCallback(pl.ifIndex, pl.peerAddr, pl.peerMeshPointAddr, true)
	}
	if wasEstab && to != Established && pl.statusCallback != nil {
		pl.statusCallback(pl.ifIndex, pl.peerAddr, pl.peerMeshPointAddr, false)
	}
}

// enterHolding moves the link to HOLDING, closing it with the reason given.  The retry
// and confirm timers are stopped so that only the holding timer remains.
func (pl *PeerLink) enterHolding(reason ReasonCode) {
	pl.state = Holding
	pl.clearRetryTimer()
	pl.clearConfirmTimer()
	pl.sendClose(reason)
	pl.setHoldingTimer()
}

func (pl *PeerLink) clearRetryTimer() {
	pl.retryTimer.Cancel()
}

func (pl *PeerLink) clearConfirmTimer() {
	pl.confirmTimer.Cancel()
}

func (pl *PeerLink) clearHoldingTimer() {
	pl.holdingTimer.Cancel()
}

func (pl *PeerLink) setRetryTimer() {
	pl.retryTimer.Cancel()
	pl.retryTimer = pl.sched.ScheduleAfter(pl.cfg.RetryTimeout, pl.retryTimeout)
}

func (pl *PeerLink) setConfirmTimer() {
	pl.confirmTimer.Cancel()
	pl.confirmTimer = pl.sched.ScheduleAfter(pl.cfg.ConfirmTimeout, func() {
		pl.stateMachine(EventConfirmTimeout, ReasonMeshConfirmTimeout)
	})
}

func (pl *PeerLink) setHoldingTimer() {
	pl.holdingTimer.Cancel()
	pl.holdingTimer = pl.sched.ScheduleAfter(pl.cfg.HoldingTimeout, func() {
		pl.stateMachine(EventHoldingTimeout, ReasonReserved)
	})
}

// retryTimeout chooses between resending and giving up
func (pl *PeerLink) retryTimeout() {
	if pl.retryCounter < pl.cfg.MaxRetries {
		pl.stateMachine(EventRetryTimeout, ReasonReserved)
	} else {
		pl.stateMachine(EventRetryLimit, ReasonMeshMaxRetries)
	}
}

// beaconLoss cancels the link after MaxBeaconLoss beacons have been missed
func (pl *PeerLink) beaconLoss() {
	pl.logger.Debug("beacon loss", "interface", pl.ifIndex, "peer", pl.peerAddr)
	pl.stateMachine(EventCancel, ReasonPeeringCancelled)
}

func (pl *PeerLink) sendOpen() {
	pme := PeerManagementElement{Subtype: PeerOpen, LocalLinkID: pl.localLinkID}
	pl.sender.SendPeerLinkManagementFrame(pl.peerAddr, pl.peerMeshPointAddr, pl.localAID, pme, pl.localConfig)
}

func (pl *PeerLink) sendConfirm() {
	pme := PeerManagementElement{Subtype: PeerConfirm, LocalLinkID: pl.localLinkID, PeerLinkID: pl.peerLinkID}
	pl.sender.SendPeerLinkManagementFrame(pl.peerAddr, pl.peerMeshPointAddr, pl.localAID, pme, pl.localConfig)
}

func (pl *PeerLink) sendClose(reason ReasonCode) {
	pme := PeerManagementElement{Subtype: PeerClose, LocalLinkID: pl.localLinkID, PeerLinkID: pl.peerLinkID,
		Reason: reason}
	pl.sender.SendPeerLinkManagementFrame(pl.peerAddr, pl.peerMeshPointAddr, pl.localAID, pme, pl.localConfig)
}

// PeerLinkReport is the snapshot of an established link included in protocol reports
type PeerLinkReport struct {
	Interface      uint32  `json:"interface" yaml:"interface"`
	PeerAddress    Mac48   `json:"peeraddress" yaml:"peeraddress"`
	PeerMeshPoint  Mac48   `json:"peermeshpoint" yaml:"peermeshpoint"`
	LocalLinkID    uint16  `json:"locallinkid" yaml:"locallinkid"`
	PeerLinkID     uint16  `json:"peerlinkid" yaml:"peerlinkid"`
	LocalAID       uint16  `json:"localaid" yaml:"localaid"`
	PeerAID        uint16  `json:"peeraid" yaml:"peeraid"`
	LastBeacon     float64 `json:"lastbeacon" yaml:"lastbeacon"`
	BeaconInterval float64 `json:"beaconinterval" yaml:"beaconinterval"`
}

// Report returns a snapshot of the link, and false if it is not established
func (pl *PeerLink) Report() (PeerLinkReport, bool) {
	if pl.state != Established {
		return PeerLinkReport{}, false
	}
	return PeerLinkReport{Interface: pl.ifIndex, PeerAddress: pl.peerAddr, PeerMeshPoint: pl.peerMeshPointAddr,
		LocalLinkID: pl.localLinkID, PeerLinkID: pl.peerLinkID, LocalAID: pl.localAID, PeerAID: pl.peerAID,
		LastBeacon: pl.lastBeacon, BeaconInterval: pl.beaconInterval}, true
}
