package dot11s

// medium.go simulates the shared wireless channel that joins the mesh interfaces of a set of
// stations.  Every frame an interface sends is serialized, carried to each interface in
// range of the sender after the propagation delay, possibly lost along the way, and decoded
// again by the receiver before it reaches the receiver's peer management protocol.  Each
// interface also sends its beacons, one per beacon interval, on a schedule that the peer
// management protocol may shift to avoid collisions.
//
// Data frames carry a mesh header ahead of their payload, and are accepted only from
// stations the receiver has an established link with.

import (
	"fmt"
	"log/slog"

	"github.com/gopacket/gopacket"
	"github.com/iti/netcore"
)

// MediumConfig describes the channel and the beaconing of the interfaces on it
type MediumConfig struct {
	// MeshID is the mesh the stations on the medium belong to
	MeshID string `json:"meshid" yaml:"meshid"`

	// BeaconInterval is the time between beacons, in seconds
	BeaconInterval float64 `json:"beaconinterval" yaml:"beaconinterval"`

	// PropagationDelay is the time a frame takes to reach a receiver, in seconds
	PropagationDelay float64 `json:"propagationdelay" yaml:"propagationdelay"`

	// LossProbability is the chance that a frame is lost on its way to a receiver
	LossProbability float64 `json:"lossprobability" yaml:"lossprobability"`
}

// DefaultMediumConfig returns a lossless medium with beacons every 100 TU
func DefaultMediumConfig() MediumConfig {
	return MediumConfig{MeshID: "mesh", BeaconInterval: TUToTime(100), PropagationDelay: 1e-5}
}

// ApplyParams sets configuration values from experiment parameters of a Mesh object
func (mc *MediumConfig) ApplyParams(params map[string]string) error {
	errs := []error{
		netcore.ParamFloat(params, "beaconInterval", &mc.BeaconInterval),
		netcore.ParamFloat(params, "propagationDelay", &mc.PropagationDelay),
		netcore.ParamFloat(params, "lossProbability", &mc.LossProbability),
	}
	if err := netcore.ReportErrs(errs); err != nil {
		return err
	}
	if meshID, present := params["meshID"]; present {
		mc.MeshID = meshID
	}
	if mc.MeshID == "" {
		return fmt.Errorf("meshID is empty")
	}
	if mc.BeaconInterval <= 0.0 {
		return fmt.Errorf("beaconInterval %g must be positive", mc.BeaconInterval)
	}
	if mc.PropagationDelay < 0.0 {
		return fmt.Errorf("propagationDelay %g is negative", mc.PropagationDelay)
	}
	if !(mc.LossProbability >= 0.0 && mc.LossProbability <= 1.0) {
		return fmt.Errorf("lossProbability %g is outside [0, 1]", mc.LossProbability)
	}
	return nil
}

// frameKind tells the receiver which layer a frame body starts with
type frameKind int

const (
	beaconFrame frameKind = iota
	peerLinkFrame
	dataFrame
)

// transmission is a frame in flight, with the addressing a MAC header would carry
type transmission struct {
	kind      frameKind
	src       Mac48
	dst       Mac48
	meshPoint Mac48
	body      []byte
}

// MediumStats counts the frames the medium carried
type MediumStats struct {
	Sent      int `json:"sent" yaml:"sent"`
	Delivered int `json:"delivered" yaml:"delivered"`
	Lost      int `json:"lost" yaml:"lost"`
	Malformed int `json:"malformed" yaml:"malformed"`
}

// Medium is the shared channel
type Medium struct {
	cfg    MediumConfig
	sched  netcore.Scheduler
	rng    RandomSource
	logger *slog.Logger

	ports   []*MeshPort
	byAddr  map[Mac48]*MeshPort
	blocked map[[2]Mac48]bool
	stats   MediumStats
}

// CreateMedium is a constructor.  rng decides frame losses and may be nil for a lossless
// medium; logger may be nil.
func CreateMedium(cfg MediumConfig, sched netcore.Scheduler, rng RandomSource, logger *slog.Logger) *Medium {
	m := new(Medium)
	m.cfg = cfg
	m.sched = sched
	m.rng = rng
	m.logger = netcore.LoggerOrDiscard(logger)
	m.ports = []*MeshPort{}
	m.byAddr = make(map[Mac48]*MeshPort)
	m.blocked = make(map[[2]Mac48]bool)
	return m
}

// Config returns the medium's configuration
func (m *Medium) Config() MediumConfig {
	return m.cfg
}

// Stats returns the frame counts
func (m *Medium) Stats() MediumStats {
	return m.stats
}

// Attach creates an interface with the given address on the medium and installs it on the
// station's peer management protocol under ifIndex
func (m *Medium) Attach(pmp *PeerManagementProtocol, ifIndex uint32, addr Mac48) (*MeshPort, error) {
	if _, present := m.byAddr[addr]; present {
		return nil, fmt.Errorf("address %s is already attached to the medium", addr)
	}
	mp := &MeshPort{medium: m, pmp: pmp, ifIndex: ifIndex, addr: addr}
	mp.nextBeacon = m.sched.Now() + m.cfg.BeaconInterval
	m.ports = append(m.ports, mp)
	m.byAddr[addr] = mp
	pmp.Install(ifIndex, mp)
	return mp, nil
}

// Disconnect puts the two interfaces out of range of each other
func (m *Medium) Disconnect(a, b Mac48) {
	m.blocked[[2]Mac48{a, b}] = true
	m.blocked[[2]Mac48{b, a}] = true
}

// Reconnect undoes Disconnect
func (m *Medium) Reconnect(a, b Mac48) {
	delete(m.blocked, [2]Mac48{a, b})
	delete(m.blocked, [2]Mac48{b, a})
}

// InRange is true if a frame sent by a reaches b
func (m *Medium) InRange(a, b Mac48) bool {
	return a != b && !m.blocked[[2]Mac48{a, b}]
}

// transmit carries the frame to its destination, or to every interface in range when it
// is broadcast
func (m *Medium) transmit(tx *transmission) {
	m.stats.Sent += 1
	for _, rcvr := range m.ports {
		if !m.InRange(tx.src, rcvr.addr) {
			continue
		}
		if !tx.dst.IsBroadcast() && tx.dst != rcvr.addr {
			continue
		}
		if m.rng != nil && m.cfg.LossProbability > 0.0 && m.rng.RandU01() < m.cfg.LossProbability {
			m.stats.Lost += 1
			continue
		}
		port := rcvr
		m.sched.ScheduleAfter(m.cfg.PropagationDelay, func() { port.receive(tx) })
	}
}

// MeshPort is one mesh interface on the medium.  It is the MeshInterface of the peer
// management protocol it is installed on.
type MeshPort struct {
	medium  *Medium
	pmp     *PeerManagementProtocol
	ifIndex uint32
	addr    Mac48

	nextBeacon  float64
	beaconTimer *netcore.TimerHandle
	beaconing   bool

	seqNo        uint32
	beaconsSent  int
	beaconShifts int
	dataHandler  func(ifIndex uint32, src Mac48, mh *MeshHeader, payload []byte)
}

// Address returns the interface's address
func (mp *MeshPort) Address() Mac48 {
	return mp.addr
}

// BeaconInfo returns the time the next beacon is due and the beacon interval
func (mp *MeshPort) BeaconInfo() (float64, float64) {
	return mp.nextBeacon, mp.medium.cfg.BeaconInterval
}

// BeaconsSent returns the number of beacons sent so far
func (mp *MeshPort) BeaconsSent() int {
	return mp.beaconsSent
}

// BeaconShifts returns the number of times the beacon schedule was moved
func (mp *MeshPort) BeaconShifts() int {
	return mp.beaconShifts
}

// SetBeaconShift moves the next beacon by shift seconds.  A shift that would put the
// beacon at or before the present is not applied.
func (mp *MeshPort) SetBeaconShift(shift float64) {
	if shift == 0.0 {
		return
	}
	now := mp.medium.sched.Now()
	shifted := mp.nextBeacon + shift
	if shifted <= now {
		return
	}
	mp.beaconShifts += 1
	mp.nextBeacon = shifted
	if mp.beaconing {
		mp.beaconTimer.Cancel()
		mp.beaconTimer = mp.medium.sched.ScheduleAfter(shifted-now, mp.sendBeacon)
	}
}

// StartBeaconing schedules the first beacon offset seconds from now, and one every
// beacon interval after that
func (mp *MeshPort) StartBeaconing(offset float64) {
	mp.beaconing = true
	mp.nextBeacon = mp.medium.sched.Now() + offset
	mp.beaconTimer.Cancel()
	mp.beaconTimer = mp.medium.sched.ScheduleAfter(offset, mp.sendBeacon)
}

// StopBeaconing cancels the pending beacon
func (mp *MeshPort) StopBeaconing() {
	mp.beaconing = false
	mp.beaconTimer.Cancel()
}

// sendBeacon broadcasts a beacon carrying the protocol's timing element
func (mp *MeshPort) sendBeacon() {
	sched := mp.medium.sched
	interval := mp.medium.cfg.BeaconInterval
	conf := mp.pmp.MeshConfiguration()
	mb := &MeshBeacon{
		Timestamp:  uint64(micros(sched.Now())),
		Interval:   uint16(TimeToTU(interval)),
		Capability: conf.Capability.Bits(),
		MeshID:     mp.pmp.MeshID(),
		Config:     conf,
		Timing:     mp.pmp.GetBeaconTimingElement(mp.ifIndex),
	}
	body, err := serializeLayer(mb)
	if err != nil {
		panic(fmt.Errorf("serializing beacon: %w", err))
	}
	mp.beaconsSent += 1
	mp.medium.transmit(&transmission{kind: beaconFrame, src: mp.addr, dst: BroadcastMac48,
		meshPoint: mp.pmp.Address(), body: body})
	mp.pmp.NotifyBeaconSent(mp.ifIndex, interval)

	mp.nextBeacon = sched.Now() + interval
	mp.beaconTimer = sched.ScheduleAfter(interval, mp.sendBeacon)
}

// SendPeerLinkManagementFrame builds and transmits a peer link Open, Confirm or Close
func (mp *MeshPort) SendPeerLinkManagementFrame(peerAddr, peerMeshPointAddr Mac48, aid uint16,
	pme PeerManagementElement, meshConfig MeshConfigurationElement) {
	plf := CreatePeerLinkFrame(pme, aid, mp.pmp.MeshID(), meshConfig)
	body, err := serializeLayer(plf)
	if err != nil {
		panic(fmt.Errorf("serializing peer link %s frame: %w", pme.Subtype, err))
	}
	mp.pmp.metrics.PeerFrameSent(pme.Subtype.String())
	mp.medium.transmit(&transmission{kind: peerLinkFrame, src: mp.addr, dst: peerAddr,
		meshPoint: mp.pmp.Address(), body: body})
}

// SetDataHandler installs the function given the data frames accepted by the interface
func (mp *MeshPort) SetDataHandler(fn func(ifIndex uint32, src Mac48, mh *MeshHeader, payload []byte)) {
	mp.dataHandler = fn
}

// SendData transmits payload to a peer behind a mesh header.  The header's sequence number
// is filled in.  Only a peer with an established link may be sent to.
func (mp *MeshPort) SendData(peerAddr Mac48, mh MeshHeader, payload []byte) error {
	if !mp.pmp.IsActiveLink(mp.ifIndex, peerAddr) {
		return fmt.Errorf("no established link from %s to %s", mp.addr, peerAddr)
	}
	mp.seqNo += 1
	mh.SeqNo = mp.seqNo
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &mh, gopacket.Payload(payload)); err != nil {
		return err
	}
	mp.medium.transmit(&transmission{kind: dataFrame, src: mp.addr, dst: peerAddr,
		meshPoint: mp.pmp.Address(), body: buf.Bytes()})
	return nil
}

// receive decodes a frame that reached the interface and passes it up
func (mp *MeshPort) receive(tx *transmission) {
	m := mp.medium
	switch tx.kind {
	case beaconFrame:
		packet := gopacket.NewPacket(tx.body, LayerTypeMeshBeacon, gopacket.Default)
		if el := packet.ErrorLayer(); el != nil {
			m.malformed(tx, el.Error())
			return
		}
		mb := packet.Layer(LayerTypeMeshBeacon).(*MeshBeacon)
		m.stats.Delivered += 1
		isMesh := mb.IsMeshBeacon() && mb.MeshID == mp.pmp.MeshID()
		mp.pmp.UpdatePeerBeaconTiming(mp.ifIndex, isMesh, mb.Timing, tx.src, m.sched.Now(),
			TUToTime(int64(mb.Interval)))

	case peerLinkFrame:
		packet := gopacket.NewPacket(tx.body, LayerTypePeerLinkFrame, gopacket.Default)
		if el := packet.ErrorLayer(); el != nil {
			m.malformed(tx, el.Error())
			return
		}
		plf := packet.Layer(LayerTypePeerLinkFrame).(*PeerLinkFrame)
		m.stats.Delivered += 1
		if plf.Subtype != PeerClose {
			ours := mp.pmp.MeshConfiguration()
			if plf.MeshID != mp.pmp.MeshID() || !ours.Compatible(&plf.Config) {
				m.logger.Debug("configuration mismatch", "interface", mp.addr, "peer", tx.src)
				mp.pmp.ConfigurationMismatch(mp.ifIndex, tx.src)
				return
			}
		}
		mp.pmp.ReceivePeerLinkFrame(mp.ifIndex, tx.src, tx.meshPoint, plf.AID, plf.Management, plf.Config)

	case dataFrame:
		packet := gopacket.NewPacket(tx.body, LayerTypeMeshHeader, gopacket.Default)
		if el := packet.ErrorLayer(); el != nil {
			m.malformed(tx, el.Error())
			return
		}
		mh := packet.Layer(LayerTypeMeshHeader).(*MeshHeader)
		m.stats.Delivered += 1
		if !mp.pmp.IsActiveLink(mp.ifIndex, tx.src) {
			m.logger.Debug("data frame from a station without a link dropped", "interface", mp.addr, "src", tx.src)
			return
		}
		if mp.dataHandler != nil {
			mp.dataHandler(mp.ifIndex, tx.src, mh, mh.LayerPayload())
		}
	}
}

func (m *Medium) malformed(tx *transmission, err error) {
	m.stats.Malformed += 1
	m.logger.Warn("malformed frame dropped", "src", tx.src, "dst", tx.dst, "error", err)
}

// MeshStation is a mesh point with one interface on a medium
type MeshStation struct {
	Name string
	PMP  *PeerManagementProtocol
	Port *MeshPort
}

// AddStation creates a station numbered idx, with its protocol and one interface on the
// medium.  The mesh point address and the interface address are derived from idx.
func (m *Medium) AddStation(name string, idx uint32, cfg ProtocolConfig, rng RandomSource,
	logger *slog.Logger, metrics *netcore.Collector) (*MeshStation, error) {
	mpAddr := Mac48FromIndex(idx << 8)
	ifAddr := Mac48FromIndex(idx<<8 | 1)
	stationLogger := netcore.LoggerOrDiscard(logger).With("station", name)
	pmp := CreatePeerManagementProtocol(mpAddr, m.cfg.MeshID, cfg, m.sched, rng, stationLogger, metrics)
	port, err := m.Attach(pmp, 0, ifAddr)
	if err != nil {
		return nil, err
	}
	return &MeshStation{Name: name, PMP: pmp, Port: port}, nil
}
