package wimax

// bs.go holds the base station.  It registers subscriber stations and their service flows,
// books the bandwidth requests they send, and once per frame has its uplink scheduler build
// the uplink map, which it encodes and hands to the handler that lays out the frame.
//
// Network entry is driven from the maps the station builds: a station granted an invited
// ranging opportunity completes ranging, and a station granted its DSA allocation has its
// service flows in place from the next frame on.

import (
	"fmt"
	"log/slog"

	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"

	"github.com/iti/netcore"
)

// RandomSource supplies uniform variates on (0,1).  *rngstream.RngStream satisfies it.
type RandomSource interface {
	RandU01() float64
}

// CreateRandomSource returns the named random stream
func CreateRandomSource(name string) RandomSource {
	return rngstream.New(name)
}

// UlMapHandler receives the uplink map of each frame, both decoded and as it goes on the air
type UlMapHandler func(frame uint64, ulMap *UlMap, encoded []byte)

// UplinkRecord is the trace record written for every frame
type UplinkRecord struct {
	Station         string  `yaml:"station"`
	Frame           uint64  `yaml:"frame"`
	Scheduler       string  `yaml:"scheduler"`
	SendDcd         bool    `yaml:"senddcd"`
	SendUcd         bool    `yaml:"senducd"`
	AllocationStart uint32  `yaml:"allocationstart"`
	Symbols         uint32  `yaml:"symbols"`
	Grants          []Grant `yaml:"grants"`
}

func (ur *UplinkRecord) TraceType() netcore.TraceRecordType {
	return netcore.UplinkType
}

func (ur *UplinkRecord) Serialize() string {
	return netcore.SerializeRecord(ur)
}

// BaseStation schedules the uplink of the stations registered with it
type BaseStation struct {
	name    string
	cfg     BSConfig
	phy     *OfdmPhy
	sched   netcore.Scheduler
	rng     RandomSource
	logger  *slog.Logger
	metrics *netcore.Collector
	trace   *netcore.TraceManager
	traceID int

	ssMgr   *SSManager
	bwMgr   *BandwidthManager
	ulSched UplinkScheduler

	nrDlSymbols uint32
	nrUlSymbols uint32

	nrFrames     uint64
	nrDcdSent    int
	nrUcdSent    int
	nrRegistered int

	lastUlMap  *UlMap
	handler    UlMapHandler
	frameTimer *netcore.TimerHandle
	running    bool
}

// CreateBaseStation is a constructor.  rng drives the ranging opportunity counts and the
// channel descriptor decisions; logger and metrics may be nil.
func CreateBaseStation(name string, cfg BSConfig, sched netcore.Scheduler, rng RandomSource,
	logger *slog.Logger, metrics *netcore.Collector) (*BaseStation, error) {

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("base station %s: %w", name, err)
	}
	phy, err := CreateOfdmPhy(cfg.ChannelBandwidth, cfg.FrameDuration)
	if err != nil {
		return nil, fmt.Errorf("base station %s: %w", name, err)
	}
	bs := new(BaseStation)
	bs.name = name
	bs.cfg = cfg
	bs.phy = phy
	bs.sched = sched
	bs.rng = rng
	bs.logger = netcore.LoggerOrDiscard(logger).With("bs", name)
	bs.metrics = metrics
	bs.ssMgr = CreateSSManager()
	bs.bwMgr = &BandwidthManager{bs: bs}
	bs.ulSched = schedulerMakers[cfg.Scheduler](bs)
	bs.bwMgr.SetSubframeRatio()
	return bs, nil
}

// SetTrace directs a trace record for every frame to tm under the given object id
func (bs *BaseStation) SetTrace(tm *netcore.TraceManager, objID int) {
	bs.trace = tm
	bs.traceID = objID
	tm.AddName(objID, bs.name, "BaseStation")
}

// SetUlMapHandler names the function that receives each frame's uplink map
func (bs *BaseStation) SetUlMapHandler(handler UlMapHandler) {
	bs.handler = handler
}

func (bs *BaseStation) Name() string {
	return bs.name
}

func (bs *BaseStation) Config() BSConfig {
	return bs.cfg
}

func (bs *BaseStation) Phy() *OfdmPhy {
	return bs.phy
}

func (bs *BaseStation) SSManager() *SSManager {
	return bs.ssMgr
}

func (bs *BaseStation) BandwidthManager() *BandwidthManager {
	return bs.bwMgr
}

func (bs *BaseStation) UplinkScheduler() UplinkScheduler {
	return bs.ulSched
}

// UlSymbols returns the symbols of the next uplink subframe
func (bs *BaseStation) UlSymbols() uint32 {
	return bs.nrUlSymbols
}

// DlSymbols returns the symbols of the next downlink subframe
func (bs *BaseStation) DlSymbols() uint32 {
	return bs.nrDlSymbols
}

// Frames returns the number of frames built
func (bs *BaseStation) Frames() uint64 {
	return bs.nrFrames
}

// DescriptorsSent returns the number of DCD and UCD messages sent
func (bs *BaseStation) DescriptorsSent() (int, int) {
	return bs.nrDcdSent, bs.nrUcdSent
}

// LastUlMap returns the map of the last frame, or nil before the first
func (bs *BaseStation) LastUlMap() *UlMap {
	return bs.lastUlMap
}

// RegisterSS adds a subscriber station, which starts network entry in the next frame
func (bs *BaseStation) RegisterSS(name string, mt ModulationType) (*SSRecord, error) {
	if mt < ModulationBPSK12 || mt > ModulationQAM64_34 {
		return nil, fmt.Errorf("subscriber station %s: invalid modulation type %d", name, int(mt))
	}
	ssr, err := bs.ssMgr.CreateSSRecord(name, mt)
	if err != nil {
		return nil, err
	}
	bs.logger.Debug("subscriber station registered", "ss", name, "basic", ssr.BasicCID, "modulation", mt)
	return ssr, nil
}

// AddServiceFlow admits an uplink flow for station ssr and lets the scheduler derive its grant
// size and intervals
func (bs *BaseStation) AddServiceFlow(ssr *SSRecord, st SchedulingType, qos QoSParams) (*ServiceFlow, error) {
	sf, err := bs.ssMgr.AddServiceFlow(ssr, st)
	if err != nil {
		return nil, err
	}
	qos.apply(sf)
	bs.ulSched.SetupServiceFlow(ssr, sf)
	bs.logger.Debug("service flow admitted", "ss", ssr.Name, "flow", sf.String(),
		"grantInterval", sf.UnsolicitedGrantInterval, "pollingInterval", sf.UnsolicitedPollingInterval)
	return sf, nil
}

// ProcessBandwidthRequest books a bandwidth request received from a station
func (bs *BaseStation) ProcessBandwidthRequest(req BandwidthRequest) error {
	return bs.bwMgr.ProcessBandwidthRequest(req)
}

// Start schedules the first frame now
func (bs *BaseStation) Start() {
	if bs.running {
		return
	}
	bs.running = true
	bs.bwMgr.SetSubframeRatio()
	bs.ulSched.InitOnce()
	bs.frameTimer = bs.sched.ScheduleAfter(0.0, bs.startFrame)
	bs.logger.Info("base station started", "scheduler", bs.ulSched.Name(), "frameDuration", bs.cfg.FrameDuration,
		"ulSymbols", bs.nrUlSymbols)
}

// Stop cancels the frame timer and the scheduler's timers
func (bs *BaseStation) Stop() {
	if !bs.running {
		return
	}
	bs.running = false
	bs.frameTimer.Cancel()
	bs.ulSched.Stop()
}

func (bs *BaseStation) startFrame() {
	bs.BuildFrame()
	bs.frameTimer = bs.sched.ScheduleAfter(bs.phy.FrameDuration(), bs.startFrame)
}

// BuildFrame builds, encodes and delivers the uplink map of one frame
func (bs *BaseStation) BuildFrame() *UlMap {
	bs.nrFrames += 1

	sendDcd, sendUcd := bs.ulSched.ChannelDescriptorsToUpdate()
	if n := bs.ssMgr.NRegistered(); n != bs.nrRegistered {
		// stations that completed ranging need the descriptors
		sendDcd, sendUcd = true, true
		bs.nrRegistered = n
	}
	if sendDcd {
		bs.nrDcdSent += 1
	}
	if sendUcd {
		bs.nrUcdSent += 1
	}

	allocStart := bs.ulSched.CalculateAllocationStartTime()
	bs.ulSched.Schedule()
	grants := bs.ulSched.Grants()

	um := &UlMap{UcdCount: uint8(bs.nrUcdSent), AllocationStartTime: allocStart, IEs: bs.ulSched.Allocations()}
	bs.lastUlMap = um
	encoded, err := um.Bytes()
	if err != nil {
		bs.logger.Warn("uplink map not encoded", "frame", bs.nrFrames, "err", err)
	}

	symbols := uint32(0)
	bs.metrics.UplinkFrame()
	for _, g := range grants {
		if g.Kind == GrantEndOfMap {
			symbols = g.IE.StartTime
			continue
		}
		bs.metrics.UplinkAllocated(string(g.Kind), g.IE.Duration)
	}
	bs.advanceNetworkEntry(grants)
	bs.recordTrace(grants, sendDcd, sendUcd, allocStart, symbols)

	bs.logger.Debug("frame built", "frame", bs.nrFrames, "time", bs.sched.Now(), "allocations", len(grants),
		"symbols", symbols, "dcd", sendDcd, "ucd", sendUcd)
	if bs.handler != nil && err == nil {
		bs.handler(bs.nrFrames, um, encoded)
	}
	return um
}

// advanceNetworkEntry moves each station granted a ranging or DSA allocation to its next step
func (bs *BaseStation) advanceNetworkEntry(grants []Grant) {
	for _, g := range grants {
		switch g.Kind {
		case GrantInvitedRanging:
			ssr := bs.ssMgr.SSRecord(g.IE.CID)
			if ssr == nil {
				panic(fmt.Errorf("invited ranging granted to unknown connection %d", g.IE.CID))
			}
			ssr.RangingStatus = RangingSuccess
			ssr.PollForRanging = false
			bs.logger.Debug("ranging complete", "ss", ssr.Name)
		case GrantDSA:
			ssr := bs.ssMgr.SSRecord(g.IE.CID)
			if ssr == nil {
				panic(fmt.Errorf("dsa granted to unknown connection %d", g.IE.CID))
			}
			ssr.AreServiceFlowsAllocated = true
			bs.logger.Debug("service flows allocated", "ss", ssr.Name)
		}
	}
}

func (bs *BaseStation) recordTrace(grants []Grant, sendDcd, sendUcd bool, allocStart, symbols uint32) {
	if !bs.trace.Active() {
		return
	}
	rec := &UplinkRecord{Station: bs.name, Frame: bs.nrFrames, Scheduler: bs.ulSched.Name(), SendDcd: sendDcd,
		SendUcd: sendUcd, AllocationStart: allocStart, Symbols: symbols, Grants: append([]Grant{}, grants...)}
	bs.trace.AddRecord(vrtime.SecondsToTime(bs.sched.Now()), bs.traceID, rec)
}
