package dot11s

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iti/netcore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentFrame struct {
	peer   Mac48
	peerMP Mac48
	aid    uint16
	pme    PeerManagementElement
}

// recordingSender keeps every frame a link asks to send
type recordingSender struct {
	frames []sentFrame
}

func (rs *recordingSender) SendPeerLinkManagementFrame(peerAddr, peerMeshPointAddr Mac48, aid uint16,
	pme PeerManagementElement, meshConfig MeshConfigurationElement) {
	rs.frames = append(rs.frames, sentFrame{peer: peerAddr, peerMP: peerMeshPointAddr, aid: aid, pme: pme})
}

func (rs *recordingSender) subtypes() []PeerSubtype {
	rtn := []PeerSubtype{}
	for _, f := range rs.frames {
		rtn = append(rtn, f.pme.Subtype)
	}
	return rtn
}

func (rs *recordingSender) last() sentFrame {
	return rs.frames[len(rs.frames)-1]
}

const (
	testLocalLinkID = 7
	testPeerLinkID  = 9
	testPeerAID     = 3
)

var (
	testPeer   = Mac48FromIndex(0x201)
	testPeerMP = Mac48FromIndex(0x200)
)

func newTestLink(sched netcore.Scheduler) (*PeerLink, *recordingSender) {
	rs := &recordingSender{}
	pl := CreatePeerLink(DefaultPeerLinkConfig(), sched, rs, nil)
	pl.SetPeerAddress(testPeer)
	pl.SetLocalLinkID(testLocalLinkID)
	return pl, rs
}

// driveTo brings a fresh link to the state given through the public operations
func driveTo(t *testing.T, pl *PeerLink, state PeerState) {
	t.Helper()
	conf := DefaultMeshConfiguration()
	switch state {
	case OpenSent:
		pl.OpenActive()
	case OpenReceived:
		pl.OpenAccept(testPeerLinkID, conf, testPeerMP)
	case ConfirmReceived:
		pl.OpenActive()
		pl.ConfirmAccept(testPeerLinkID, testLocalLinkID, testPeerAID, conf, testPeerMP)
	case Established:
		pl.OpenActive()
		pl.ConfirmAccept(testPeerLinkID, testLocalLinkID, testPeerAID, conf, testPeerMP)
		pl.OpenAccept(testPeerLinkID, conf, testPeerMP)
	case Holding:
		pl.OpenActive()
		pl.CancelPeerLink(0)
	}
	require.Equal(t, state, pl.State())
}

// transitions lists every event that moves a link out of its state
var transitions = map[PeerState]map[PeerEvent]PeerState{
	Idle: {
		EventActiveOpen: OpenSent,
		EventOpenAccept: OpenReceived,
	},
	OpenSent: {
		EventConfirmAccept: ConfirmReceived,
		EventOpenAccept:    OpenReceived,
		EventCloseAccept:   Holding,
		EventOpenReject:    Holding,
		EventConfirmReject: Holding,
		EventRetryLimit:    Holding,
		EventCancel:        Holding,
	},
	ConfirmReceived: {
		EventOpenAccept:     Established,
		EventCloseAccept:    Holding,
		EventOpenReject:     Holding,
		EventConfirmReject:  Holding,
		EventCancel:         Holding,
		EventConfirmTimeout: Holding,
	},
	OpenReceived: {
		EventConfirmAccept: Established,
		EventCloseAccept:   Holding,
		EventOpenReject:    Holding,
		EventConfirmReject: Holding,
		EventRetryLimit:    Holding,
		EventCancel:        Holding,
	},
	Established: {
		EventCloseAccept:   Holding,
		EventOpenReject:    Holding,
		EventConfirmReject: Holding,
		EventCancel:        Holding,
	},
	Holding: {
		EventCloseAccept:    Idle,
		EventHoldingTimeout: Idle,
	},
}

func TestStateEventClosure(t *testing.T) {
	for s := PeerState(0); s < NumPeerStates; s++ {
		for e := PeerEvent(0); e < NumPeerEvents; e++ {
			t.Run(s.String()+"/"+e.String(), func(t *testing.T) {
				sched := netcore.CreateManualScheduler()
				pl, _ := newTestLink(sched)
				driveTo(t, pl, s)

				pl.stateMachine(e, ReasonPeeringCancelled)

				want, moves := transitions[s][e]
				if !moves {
					want = s
				}
				assert.Equal(t, want, pl.State())
				assert.LessOrEqual(t, pl.PendingTimers(), 1, "at most one of the retry, confirm and holding timers")
				if pl.State() == Holding {
					assert.True(t, pl.holdingTimer.Pending())
					assert.False(t, pl.retryTimer.Pending())
					assert.False(t, pl.confirmTimer.Pending())
				}
			})
		}
	}
}

func TestActiveOpenSendsOpen(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	pl, rs := newTestLink(sched)
	pl.OpenActive()

	require.Len(t, rs.frames, 1)
	f := rs.frames[0]
	assert.Equal(t, PeerOpen, f.pme.Subtype)
	assert.Equal(t, uint16(testLocalLinkID), f.pme.LocalLinkID)
	assert.Equal(t, testPeer, f.peer)
	assert.True(t, f.peerMP.IsBroadcast())
	assert.True(t, pl.retryTimer.Pending())
}

func TestPassiveOpenAcceptSendsConfirmThenOpen(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	pl, rs := newTestLink(sched)
	pl.OpenPassive()
	assert.Equal(t, Idle, pl.State())
	assert.Empty(t, rs.frames)

	pl.OpenAccept(testPeerLinkID, DefaultMeshConfiguration(), testPeerMP)
	assert.Equal(t, OpenReceived, pl.State())
	assert.Equal(t, []PeerSubtype{PeerConfirm, PeerOpen}, rs.subtypes())
	assert.Equal(t, uint16(testPeerLinkID), rs.frames[0].pme.PeerLinkID)
	assert.Equal(t, testPeerMP, pl.PeerMeshPointAddress())
}

func TestRequestRejectInIdleSendsClose(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	pl, rs := newTestLink(sched)
	pl.PeeringRequestReject()
	assert.Equal(t, Idle, pl.State())
	require.Len(t, rs.frames, 1)
	assert.Equal(t, PeerClose, rs.frames[0].pme.Subtype)
	assert.Equal(t, ReasonPeeringCancelled, rs.frames[0].pme.Reason)
}

func TestRetryLimit(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	pl, rs := newTestLink(sched)
	pl.OpenActive()

	// every resend and the final give up come one retry timeout apart
	cfg := DefaultPeerLinkConfig()
	sched.RunUntil(float64(cfg.MaxRetries)*cfg.RetryTimeout + cfg.RetryTimeout/2)
	assert.Equal(t, OpenSent, pl.State())
	assert.Equal(t, cfg.MaxRetries, pl.RetryCounter())

	sched.Advance(cfg.RetryTimeout)
	assert.Equal(t, Holding, pl.State())
	opens := 0
	for _, st := range rs.subtypes() {
		if st == PeerOpen {
			opens += 1
		}
	}
	assert.Equal(t, cfg.MaxRetries+1, opens)
	assert.Equal(t, PeerClose, rs.last().pme.Subtype)
	assert.Equal(t, ReasonMeshMaxRetries, rs.last().pme.Reason)

	sched.Advance(cfg.HoldingTimeout)
	assert.Equal(t, Idle, pl.State())
	assert.Equal(t, 0, pl.PendingTimers())
}

func TestConfirmTimeout(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	pl, rs := newTestLink(sched)
	driveTo(t, pl, ConfirmReceived)
	assert.True(t, pl.confirmTimer.Pending())
	assert.False(t, pl.retryTimer.Pending())

	sched.Advance(DefaultPeerLinkConfig().ConfirmTimeout)
	assert.Equal(t, Holding, pl.State())
	assert.Equal(t, ReasonMeshConfirmTimeout, rs.last().pme.Reason)
}

func TestEstablishedStatusCallbacks(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	pl, rs := newTestLink(sched)
	ups, downs := 0, 0
	pl.SetLinkStatusCallback(func(ifIndex uint32, peerAddr, peerMP Mac48, up bool) {
		assert.Equal(t, testPeer, peerAddr)
		assert.Equal(t, testPeerMP, peerMP)
		if up {
			ups += 1
		} else {
			downs += 1
		}
	})
	driveTo(t, pl, Established)
	assert.Equal(t, 1, ups)
	assert.Equal(t, 0, pl.PendingTimers())
	assert.Equal(t, uint16(testPeerAID), pl.PeerAID())

	// a repeated Open is answered with a Confirm and changes nothing
	pl.OpenAccept(testPeerLinkID, DefaultMeshConfiguration(), testPeerMP)
	assert.Equal(t, Established, pl.State())
	assert.Equal(t, PeerConfirm, rs.last().pme.Subtype)
	assert.Equal(t, 1, ups)

	pl.Close(testPeerLinkID, testLocalLinkID, ReasonPeeringCancelled)
	assert.Equal(t, Holding, pl.State())
	assert.Equal(t, ReasonMeshCloseRcvd, rs.last().pme.Reason)
	assert.Equal(t, 1, downs)
}

func TestLinkIDGuard(t *testing.T) {
	conf := DefaultMeshConfiguration()

	t.Run("confirm with another local id", func(t *testing.T) {
		pl, _ := newTestLink(netcore.CreateManualScheduler())
		driveTo(t, pl, OpenSent)
		pl.ConfirmAccept(testPeerLinkID, testLocalLinkID+1, testPeerAID, conf, testPeerMP)
		assert.Equal(t, OpenSent, pl.State())
		assert.Equal(t, uint16(0), pl.PeerLinkID())
	})

	t.Run("confirm without a peer link id", func(t *testing.T) {
		pl, _ := newTestLink(netcore.CreateManualScheduler())
		driveTo(t, pl, OpenSent)
		pl.ConfirmAccept(testPeerLinkID, 0, testPeerAID, conf, testPeerMP)
		assert.Equal(t, OpenSent, pl.State())
	})

	t.Run("close from another link", func(t *testing.T) {
		pl, _ := newTestLink(netcore.CreateManualScheduler())
		driveTo(t, pl, Established)
		pl.Close(testPeerLinkID+1, testLocalLinkID, ReasonPeeringCancelled)
		assert.Equal(t, Established, pl.State())
		pl.Close(testPeerLinkID, testLocalLinkID+1, ReasonPeeringCancelled)
		assert.Equal(t, Established, pl.State())
	})

	t.Run("close may omit our id", func(t *testing.T) {
		pl, _ := newTestLink(netcore.CreateManualScheduler())
		driveTo(t, pl, Established)
		pl.Close(testPeerLinkID, 0, ReasonPeeringCancelled)
		assert.Equal(t, Holding, pl.State())
	})

	t.Run("peer id latched by the first confirm", func(t *testing.T) {
		pl, _ := newTestLink(netcore.CreateManualScheduler())
		driveTo(t, pl, ConfirmReceived)
		assert.Equal(t, uint16(testPeerLinkID), pl.PeerLinkID())
	})
}

func TestMeshPointMismatchPanics(t *testing.T) {
	pl, _ := newTestLink(netcore.CreateManualScheduler())
	driveTo(t, pl, OpenReceived)
	assert.Panics(t, func() {
		pl.ConfirmAccept(testPeerLinkID, testLocalLinkID, testPeerAID, DefaultMeshConfiguration(), Mac48FromIndex(0x300))
	})
}

func TestBeaconLossCancels(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	pl, rs := newTestLink(sched)
	driveTo(t, pl, Established)
	pl.SetBeaconInformation(sched.Now(), 0.1)

	// beacons heard in time keep the link up
	sched.Advance(0.15)
	pl.SetBeaconInformation(sched.Now(), 0.1)
	sched.Advance(0.15)
	assert.Equal(t, Established, pl.State())

	sched.Advance(0.06)
	assert.Equal(t, Holding, pl.State())
	assert.Equal(t, ReasonPeeringCancelled, rs.last().pme.Reason)
}

func TestCancelReasonCarried(t *testing.T) {
	pl, rs := newTestLink(netcore.CreateManualScheduler())
	driveTo(t, pl, Established)
	pl.CancelPeerLink(ReasonCapabilityPolicyViolation)
	assert.Equal(t, Holding, pl.State())
	assert.Equal(t, ReasonCapabilityPolicyViolation, rs.last().pme.Reason)
}

func TestTeardownSilencesLink(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	pl, rs := newTestLink(sched)
	driveTo(t, pl, OpenSent)
	pl.SetBeaconInformation(0.0, 0.1)
	pl.Teardown()
	assert.Equal(t, 0, pl.PendingTimers())
	assert.Equal(t, 0, sched.Pending())

	sent := len(rs.frames)
	pl.OpenAccept(testPeerLinkID, DefaultMeshConfiguration(), testPeerMP)
	assert.Equal(t, OpenSent, pl.State())
	assert.Len(t, rs.frames, sent)
}

func TestReportOnlyWhenEstablished(t *testing.T) {
	pl, _ := newTestLink(netcore.CreateManualScheduler())
	_, ok := pl.Report()
	assert.False(t, ok)

	driveTo(t, pl, Established)
	plr, ok := pl.Report()
	require.True(t, ok)
	assert.Equal(t, PeerLinkReport{PeerAddress: testPeer, PeerMeshPoint: testPeerMP, LocalLinkID: testLocalLinkID,
		PeerLinkID: testPeerLinkID, PeerAID: testPeerAID}, plr)
}
