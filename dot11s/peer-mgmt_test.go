package dot11s

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/iti/netcore"
)

// fakeInterface is a mesh interface that records what the protocol asks of it
type fakeInterface struct {
	*recordingSender
	addr     Mac48
	next     float64
	interval float64
	shifts   []float64
}

func (fi *fakeInterface) Address() Mac48 { return fi.addr }

func (fi *fakeInterface) BeaconInfo() (float64, float64) { return fi.next, fi.interval }

func (fi *fakeInterface) SetBeaconShift(shift float64) { fi.shifts = append(fi.shifts, shift) }

func newTestProtocol(t *testing.T, cfg ProtocolConfig) (*PeerManagementProtocol, *fakeInterface, *netcore.ManualScheduler) {
	t.Helper()
	sched := netcore.CreateManualScheduler()
	pmp := CreatePeerManagementProtocol(Mac48FromIndex(0x100), "mesh", cfg, sched,
		CreateRandomSource("pmp-"+t.Name()), nil, nil)
	fi := &fakeInterface{recordingSender: &recordingSender{}, addr: Mac48FromIndex(0x101),
		next: TUToTime(100), interval: TUToTime(100)}
	pmp.Install(0, fi)
	return pmp, fi, sched
}

func neighbor(n uint32) Mac48 {
	return Mac48FromIndex(n<<8 | 1)
}

func TestBeaconFromNewNeighborOpensLink(t *testing.T) {
	pmp, fi, _ := newTestProtocol(t, DefaultProtocolConfig())
	for n := uint32(2); n <= 4; n++ {
		pmp.UpdatePeerBeaconTiming(0, true, BeaconTimingElement{}, neighbor(n), 0.0, TUToTime(100))
	}
	links := pmp.GetPeerLinks()
	require.Len(t, links, 3)
	for idx, pl := range links {
		assert.Equal(t, OpenSent, pl.State())
		assert.Equal(t, uint16(idx), pl.LocalAID())
		assert.Equal(t, uint16(idx+1), pl.LocalLinkID())
		assert.True(t, pl.PeerMeshPointAddress().IsBroadcast())
	}
	assert.Equal(t, []PeerSubtype{PeerOpen, PeerOpen, PeerOpen}, fi.subtypes())
	assert.Equal(t, 3, pmp.GetStatistics().LinksTotal)

	// a second beacon refreshes the link already there
	pmp.UpdatePeerBeaconTiming(0, true, BeaconTimingElement{}, neighbor(2), 0.05, TUToTime(100))
	assert.Len(t, pmp.GetPeerLinks(), 3)
	assert.Equal(t, 0.05, pmp.FindPeerLink(0, neighbor(2)).LastBeacon())
}

func TestOwnInterfaceBeaconIgnored(t *testing.T) {
	pmp, fi, _ := newTestProtocol(t, DefaultProtocolConfig())
	pmp.UpdatePeerBeaconTiming(0, true, BeaconTimingElement{}, fi.addr, 0.0, TUToTime(100))
	assert.Empty(t, pmp.GetPeerLinks())
}

func TestNonMeshBeaconRecordsTimingOnly(t *testing.T) {
	pmp, _, _ := newTestProtocol(t, DefaultProtocolConfig())
	pmp.UpdatePeerBeaconTiming(0, false, BeaconTimingElement{}, neighbor(2), 0.25, TUToTime(100))
	assert.Empty(t, pmp.GetPeerLinks())
	info, ok := pmp.PeerBeaconInfo(0, neighbor(2))
	require.True(t, ok)
	assert.Equal(t, BeaconInfo{AID: 0, ReferenceTBTT: 0.25, BeaconInterval: TUToTime(100)}, info)
}

func TestIdentifierWrap(t *testing.T) {
	pmp, _, _ := newTestProtocol(t, DefaultProtocolConfig())
	pmp.lastAssocID = 0xff
	pmp.lastLocalLinkID = 0xff
	pl := pmp.InitiateLink(0, neighbor(2), BroadcastMac48, 0.0, TUToTime(100))
	assert.Equal(t, uint16(0), pl.LocalAID())
	assert.Equal(t, uint16(1), pl.LocalLinkID())

	pl = pmp.InitiateLink(0, neighbor(3), BroadcastMac48, 0.0, TUToTime(100))
	assert.Equal(t, uint16(1), pl.LocalAID())
	assert.Equal(t, uint16(2), pl.LocalLinkID())
}

func TestFindPeerLinkPurgesIdle(t *testing.T) {
	pmp, _, sched := newTestProtocol(t, DefaultProtocolConfig())
	pl := pmp.InitiateLink(0, neighbor(2), BroadcastMac48, 0.0, TUToTime(100))
	require.Len(t, pmp.GetPeerLinks(), 1)
	assert.True(t, pl.LinkIsIdle())
	assert.Equal(t, 1, sched.Pending(), "beacon loss timer")

	assert.Nil(t, pmp.FindPeerLink(0, neighbor(2)))
	assert.Empty(t, pmp.GetPeerLinks())
	assert.Equal(t, 0, pmp.GetStatistics().LinksTotal)
	assert.Equal(t, 0, sched.Pending())
	assert.Nil(t, pmp.FindPeerLink(0, neighbor(2)))
}

func TestAdmissionRejection(t *testing.T) {
	cfg := DefaultProtocolConfig()
	cfg.MaxNumberOfPeerLinks = 0
	pmp, fi, _ := newTestProtocol(t, cfg)
	tm := netcore.CreateTraceManager("admission", true)
	pmp.SetTrace(tm, 1)

	assert.False(t, pmp.ShouldSendOpen(0, neighbor(2)))
	accept, reason := pmp.ShouldAcceptOpen(0, neighbor(2))
	assert.False(t, accept)
	assert.Equal(t, ReasonMeshMaxPeers, reason)

	pmp.ReceivePeerLinkFrame(0, neighbor(2), Mac48FromIndex(0x200), 0,
		PeerManagementElement{Subtype: PeerOpen, LocalLinkID: 4}, DefaultMeshConfiguration())
	pl := pmp.GetPeerLinks()[0]
	assert.Equal(t, Idle, pl.State())
	assert.Equal(t, uint16(4), pl.PeerLinkID())
	assert.Empty(t, fi.frames)

	found := false
	for _, ti := range tm.Traces[1] {
		if strings.Contains(ti.TraceStr, "OPN_RJCT") && strings.Contains(ti.TraceStr, "MESH_MAX_PEERS") {
			found = true
		}
	}
	assert.True(t, found, "refusal traced with its reason")

	// a beacon creates the link but no Open goes out
	pmp.UpdatePeerBeaconTiming(0, true, BeaconTimingElement{}, neighbor(3), 0.0, TUToTime(100))
	assert.Equal(t, Idle, pmp.GetPeerLinks()[len(pmp.GetPeerLinks())-1].State())
	assert.Empty(t, fi.frames)
}

func TestConfigurationMismatchCancels(t *testing.T) {
	pmp, fi, _ := newTestProtocol(t, DefaultProtocolConfig())
	pmp.UpdatePeerBeaconTiming(0, true, BeaconTimingElement{}, neighbor(2), 0.0, TUToTime(100))
	pmp.ConfigurationMismatch(0, neighbor(2))
	assert.Equal(t, Holding, pmp.GetPeerLinks()[0].State())
	assert.Equal(t, PeerClose, fi.last().pme.Subtype)
	assert.Equal(t, ReasonCapabilityPolicyViolation, fi.last().pme.Reason)

	// nothing to cancel
	pmp.ConfigurationMismatch(0, neighbor(3))
	assert.Len(t, pmp.GetPeerLinks(), 1)
}

func TestBeaconTimingElementAgesOut(t *testing.T) {
	pmp, _, sched := newTestProtocol(t, DefaultProtocolConfig())
	interval := 0.1
	pmp.UpdatePeerBeaconTiming(0, false, BeaconTimingElement{}, neighbor(3), 0.3, interval)
	pmp.UpdatePeerBeaconTiming(0, false, BeaconTimingElement{}, neighbor(2), 0.0, interval)
	pmp.UpdatePeerBeaconTiming(0, false, BeaconTimingElement{}, neighbor(4), 0.2, interval)

	bte := pmp.GetBeaconTimingElement(0)
	require.Len(t, bte.Units, 3)
	for idx, unit := range bte.Units {
		assert.Equal(t, uint8(idx), unit.AID)
	}

	sched.RunUntil(0.35)
	bte = pmp.GetBeaconTimingElement(0)
	require.Len(t, bte.Units, 2)
	assert.Equal(t, uint8(0), bte.Units[0].AID)
	assert.Equal(t, EncodeLastBeacon(0.3), bte.Units[0].LastBeacon)
	assert.Equal(t, uint8(2), bte.Units[1].AID)
	_, ok := pmp.PeerBeaconInfo(0, neighbor(2))
	assert.False(t, ok)
}

func TestBeaconShiftOnNeighborCollision(t *testing.T) {
	pmp, fi, sched := newTestProtocol(t, DefaultProtocolConfig())
	sched.RunUntil(1.0)
	fi.next = TUToTime(1100)

	// the peer hears a station whose beacons fall on ours
	timing := neighborAt(9, 900, 100)
	pmp.UpdatePeerBeaconTiming(0, true, timing, neighbor(2), 1.0, TUToTime(100))
	pmp.UpdatePeerBeaconTiming(0, true, timing, neighbor(2), 1.0, TUToTime(100))
	require.Len(t, fi.shifts, 2)
	assert.Equal(t, 0.0, fi.shifts[0], "no link yet to report the collision")
	tu := math.Round(fi.shifts[1] / TU)
	assert.NotZero(t, tu)
	assert.LessOrEqual(t, math.Abs(tu), 15.0)
}

func TestCollisionCheckWithoutPeersShifts(t *testing.T) {
	pmp, fi, sched := newTestProtocol(t, DefaultProtocolConfig())
	pmp.NotifyBeaconSent(0, TUToTime(100))
	sched.Advance(TUToTime(100))
	require.Len(t, fi.shifts, 1)
	assert.NotZero(t, fi.shifts[0])

	cfg := DefaultProtocolConfig()
	cfg.EnableBeaconCollisionAvoidance = false
	pmp, fi, sched = newTestProtocol(t, cfg)
	pmp.NotifyBeaconSent(0, TUToTime(100))
	assert.Equal(t, 0, sched.Pending())
	pmp.CheckBeaconCollisions(0)
	assert.Empty(t, fi.shifts)
}

// loopback joins two protocols directly, delivering each frame as soon as the scheduler runs
type loopback struct {
	sched      netcore.Scheduler
	from, to   *PeerManagementProtocol
	fromAddr   Mac48
	next, intv float64
	sent       []PeerManagementElement
}

func (lb *loopback) Address() Mac48                 { return lb.fromAddr }
func (lb *loopback) BeaconInfo() (float64, float64) { return lb.next, lb.intv }
func (lb *loopback) SetBeaconShift(shift float64)   {}

func (lb *loopback) SendPeerLinkManagementFrame(peerAddr, peerMP Mac48, aid uint16,
	pme PeerManagementElement, conf MeshConfigurationElement) {
	lb.sent = append(lb.sent, pme)
	lb.sched.ScheduleAfter(0.0, func() {
		lb.to.ReceivePeerLinkFrame(0, lb.fromAddr, lb.from.Address(), aid, pme, conf)
	})
}

func TestHandshakeBetweenProtocols(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	cfg := DefaultProtocolConfig()
	a := CreatePeerManagementProtocol(Mac48FromIndex(0x100), "mesh", cfg, sched, CreateRandomSource("hs-a"), nil, nil)
	b := CreatePeerManagementProtocol(Mac48FromIndex(0x200), "mesh", cfg, sched, CreateRandomSource("hs-b"), nil, nil)
	aAddr, bAddr := Mac48FromIndex(0x101), Mac48FromIndex(0x201)
	a.Install(0, &loopback{sched: sched, from: a, to: b, fromAddr: aAddr, intv: TUToTime(100)})
	b.Install(0, &loopback{sched: sched, from: b, to: a, fromAddr: bAddr, intv: TUToTime(100)})

	ups := map[Mac48]int{}
	a.SetPeerLinkStatusCallback(func(_ uint32, peer, _ Mac48, up bool) {
		if up {
			ups[peer] += 1
		}
	})
	b.SetPeerLinkStatusCallback(func(_ uint32, peer, _ Mac48, up bool) {
		if up {
			ups[peer] += 1
		}
	})

	a.UpdatePeerBeaconTiming(0, true, BeaconTimingElement{}, bAddr, 0.0, TUToTime(100))
	sched.RunUntil(0.001)
	assert.True(t, a.IsActiveLink(0, bAddr))
	assert.True(t, b.IsActiveLink(0, aAddr))
	assert.Equal(t, map[Mac48]int{aAddr: 1, bAddr: 1}, ups)
	assert.Equal(t, 1, a.GetNumberOfLinks())
	assert.Equal(t, []Mac48{bAddr}, a.GetPeers(0))

	la, lb := a.FindPeerLink(0, bAddr), b.FindPeerLink(0, aAddr)
	assert.Equal(t, la.LocalLinkID(), lb.PeerLinkID())
	assert.Equal(t, lb.LocalLinkID(), la.PeerLinkID())
	assert.Equal(t, b.Address(), la.PeerMeshPointAddress())
	assert.Equal(t, a.Address(), lb.PeerMeshPointAddress())
	assert.Equal(t, la.LocalAID(), lb.PeerAID())
	assert.Equal(t, lb.LocalAID(), la.PeerAID())

	var buf bytes.Buffer
	require.NoError(t, a.Report(&buf))
	var report ProtocolReport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &report))
	assert.Equal(t, 1, report.ActivePeers)
	require.Len(t, report.Links, 1)
	assert.Equal(t, bAddr, report.Links[0].PeerAddress)

	la.CancelPeerLink(0)
	assert.False(t, a.IsActiveLink(0, bAddr))
	sched.RunUntil(0.002)
	assert.Equal(t, Idle, la.State())
	assert.Equal(t, Holding, lb.State())
	assert.False(t, b.IsActiveLink(0, aAddr))

	// the idle link is dropped by the lookup
	assert.Nil(t, a.FindPeerLink(0, bAddr))
	assert.Equal(t, Statistics{LinksOpened: 1, LinksClosed: 1}, a.GetStatistics())
	a.ResetStats()
	assert.Equal(t, Statistics{}, a.GetStatistics())

	a.Teardown()
	b.Teardown()
	assert.Equal(t, 0, sched.Pending())
}

func TestAdmissionAtLimitKeepsEstablishedLinks(t *testing.T) {
	sched := netcore.CreateManualScheduler()
	cfg := DefaultProtocolConfig()
	cfg.MaxNumberOfPeerLinks = 1
	a := CreatePeerManagementProtocol(Mac48FromIndex(0x100), "mesh", cfg, sched, CreateRandomSource("lim-a"), nil, nil)
	b := CreatePeerManagementProtocol(Mac48FromIndex(0x200), "mesh", cfg, sched, CreateRandomSource("lim-b"), nil, nil)
	aAddr, bAddr, cAddr := Mac48FromIndex(0x101), Mac48FromIndex(0x201), Mac48FromIndex(0x301)
	toB := &loopback{sched: sched, from: a, to: b, fromAddr: aAddr, intv: TUToTime(100)}
	a.Install(0, toB)
	b.Install(0, &loopback{sched: sched, from: b, to: a, fromAddr: bAddr, intv: TUToTime(100)})

	downs := 0
	a.SetPeerLinkStatusCallback(func(_ uint32, _, _ Mac48, up bool) {
		if !up {
			downs += 1
		}
	})

	a.UpdatePeerBeaconTiming(0, true, BeaconTimingElement{}, bAddr, 0.0, TUToTime(100))
	sched.RunUntil(0.001)
	la, lb := a.FindPeerLink(0, bAddr), b.FindPeerLink(0, aAddr)
	require.NotNil(t, la)
	require.NotNil(t, lb)
	require.Equal(t, Established, la.State())
	require.Equal(t, 1, a.NumberOfActivePeers())

	// b did not hear a's Confirm and opens again
	before := len(toB.sent)
	a.ReceivePeerLinkFrame(0, bAddr, b.Address(), 0,
		PeerManagementElement{Subtype: PeerOpen, LocalLinkID: lb.LocalLinkID()}, DefaultMeshConfiguration())
	sched.RunUntil(0.002)
	assert.Equal(t, Established, la.State())
	assert.Equal(t, Established, lb.State())
	assert.Equal(t, 1, a.NumberOfActivePeers())
	assert.Equal(t, 0, downs)
	require.Len(t, toB.sent, before+1)
	assert.Equal(t, PeerConfirm, toB.sent[before].Subtype)

	// a new station is still refused at the limit
	accept, reason := a.ShouldAcceptOpen(0, cAddr)
	assert.False(t, accept)
	assert.Equal(t, ReasonMeshMaxPeers, reason)
	before = len(toB.sent)
	a.ReceivePeerLinkFrame(0, cAddr, Mac48FromIndex(0x300), 0,
		PeerManagementElement{Subtype: PeerOpen, LocalLinkID: 9}, DefaultMeshConfiguration())
	assert.False(t, a.IsActiveLink(0, cAddr))
	assert.Len(t, toB.sent, before)
	assert.True(t, a.IsActiveLink(0, bAddr))
	assert.Equal(t, 1, a.NumberOfActivePeers())

	a.Teardown()
	b.Teardown()
	assert.Equal(t, 0, sched.Pending())
}
