package wimax

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iti/netcore"
)

func sampleBSDesc(t *testing.T) *BSDesc {
	t.Helper()
	bsd := CreateBSDesc("bs")
	require.NoError(t, bsd.AddStation("s1", "QAM16-1/2"))
	require.NoError(t, bsd.AddStation("s2", "QPSK-3/4"))
	require.NoError(t, bsd.AddFlow(FlowDesc{Name: "voice", Station: "s1", Type: "UGS",
		QoS: QoSParams{MinReservedTrafficRate: 64000, ToleratedJitter: 20}, Model: "const",
		MeanInterarrival: 0.02, PacketSize: 80}))
	require.NoError(t, bsd.AddFlow(FlowDesc{Name: "video", Station: "s1", Type: "rtPS",
		QoS: QoSParams{MaximumLatency: 50}, Model: "exp", MeanInterarrival: 0.05, PacketSize: 200}))
	require.NoError(t, bsd.AddFlow(FlowDesc{Name: "bulk", Station: "s2", Type: "BE", Model: "const"}))
	return bsd
}

func TestBSDescRejects(t *testing.T) {
	bsd := sampleBSDesc(t)
	assert.Error(t, bsd.AddStation("s1", "BPSK-1/2"))
	assert.Error(t, bsd.AddStation("s3", "QAM1024"))
	assert.Error(t, bsd.AddFlow(FlowDesc{Name: "x", Station: "s9", Type: "BE", Model: "exp"}))
	assert.Error(t, bsd.AddFlow(FlowDesc{Name: "voice", Station: "s1", Type: "BE", Model: "exp"}))
	assert.Error(t, bsd.AddFlow(FlowDesc{Name: "x", Station: "s1", Type: "ertPS", Model: "exp"}))
	assert.Error(t, bsd.AddFlow(FlowDesc{Name: "x", Station: "s1", Type: "BE", Model: "pareto"}))
	assert.Len(t, bsd.Flows, 3)
}

func TestBSDescRoundTrip(t *testing.T) {
	bsd := sampleBSDesc(t)
	bsd.Config.Scheduler = "mbqos"
	dir := t.TempDir()
	for _, name := range []string{"bs.yaml", "bs.json"} {
		filename := filepath.Join(dir, name)
		require.NoError(t, bsd.WriteToFile(filename))
		back, err := ReadBSDesc(filename, filepath.Ext(name) == ".yaml", nil)
		require.NoError(t, err)
		if diff := cmp.Diff(bsd, back); diff != "" {
			t.Errorf("%s differs after reading back (-want +got):\n%s", name, diff)
		}
	}
	assert.Error(t, bsd.WriteToFile(filepath.Join(dir, "bs.txt")))
}

func TestReadBSDescDefaults(t *testing.T) {
	dict := []byte("name: cell\nconfig:\n  scheduler: rtps\nstations:\n  - name: a\n    modulation: BPSK-1/2\n")
	bsd, err := ReadBSDesc("cell.yaml", true, dict)
	require.NoError(t, err)
	assert.Equal(t, "rtps", bsd.Config.Scheduler)
	assert.Equal(t, 0.01, bsd.Config.FrameDuration)
	assert.Equal(t, uint32(64), bsd.Config.DsaReqSize)
	require.Len(t, bsd.Stations, 1)

	_, err = ReadBSDesc("cell.yaml", true, []byte("name: [unterminated"))
	assert.Error(t, err)
}

func TestBuildWithExperiment(t *testing.T) {
	bsd := sampleBSDesc(t)
	exp := netcore.CreateExpCfg("cell")
	require.NoError(t, exp.AddParameter("BaseStation", "*", "frameDuration", "0.005"))
	require.NoError(t, exp.AddParameter("BaseStation", "name%%bs", "trace", "true"))
	require.NoError(t, exp.AddParameter("BaseStation", "mbqos", "rangingOpps", "7"))
	require.NoError(t, exp.AddParameter("ServiceFlow", "rtPS", "sduSize", "100"))
	require.NoError(t, exp.AddParameter("ServiceFlow", "name%%bulk", "packetSize", "500"))
	require.NoError(t, exp.AddParameter("ServiceFlow", "name%%bulk", "meanInterarrival", "0.1"))

	sched := netcore.CreateManualScheduler()
	model, err := bsd.Build(exp, sched, "seed", nil, nil)
	require.NoError(t, err)
	assert.True(t, model.Trace)

	cfg := model.BS.Config()
	assert.Equal(t, 0.005, cfg.FrameDuration)
	assert.Equal(t, 0, cfg.RangingOpps, "the simple scheduler is not selected by the mbqos attribute")
	assert.Equal(t, uint32(5), model.BS.Phy().FrameDurationMs())

	ssrs := model.BS.SSManager().SSRecords()
	require.Len(t, ssrs, 2)
	assert.Equal(t, ModulationQAM16_12, ssrs[0].Modulation)
	video := ssrs[0].ServiceFlows(SchedRTPS)
	require.Len(t, video, 1)
	assert.Equal(t, uint32(100), video[0].SduSize)
	assert.Equal(t, uint32(50), video[0].MaximumLatency)
	voice := ssrs[0].ServiceFlows(SchedUGS)
	require.Len(t, voice, 1)
	assert.Equal(t, uint32(20), voice[0].UnsolicitedGrantInterval)

	require.Len(t, model.Sources, 3)
	bulk := model.Sources[2]
	assert.Equal(t, SchedBE, bulk.Flow().Type)
	assert.Equal(t, uint32(500), bulk.packetSize)
	assert.Equal(t, 0.1, bulk.meanInterarrival)

	model.Start()
	sched.RunUntil(0.4975)
	model.Stop()
	assert.Equal(t, 0, sched.Pending())
	assert.Equal(t, uint64(100), model.BS.Frames())
	assert.Equal(t, 24, model.Sources[0].Arrivals(), "constant source every 20 ms")
	assert.Equal(t, uint32(0), voice[0].Record().RequestedBandwidth)
	assert.Equal(t, uint64(4*500), bulk.BytesOffered())
}

func TestBuildWithoutExperiment(t *testing.T) {
	bsd := sampleBSDesc(t)
	model, err := bsd.Build(nil, netcore.CreateManualScheduler(), "seed", nil, nil)
	require.NoError(t, err)
	assert.False(t, model.Trace)
	assert.Len(t, model.Sources, 2, "the bulk flow offers no traffic")
}

func TestBuildRejects(t *testing.T) {
	bsd := sampleBSDesc(t)
	exp := netcore.CreateExpCfg("bad")
	require.NoError(t, exp.AddParameter("BaseStation", "*", "frameDuration", "0.003"))
	_, err := bsd.Build(exp, netcore.CreateManualScheduler(), "seed", nil, nil)
	assert.Error(t, err)

	exp = netcore.CreateExpCfg("bad")
	require.NoError(t, exp.AddParameter("ServiceFlow", "*", "sduSize", "lots"))
	_, err = bsd.Build(exp, netcore.CreateManualScheduler(), "seed", nil, nil)
	assert.Error(t, err)

	bsd = sampleBSDesc(t)
	bsd.Flows = append(bsd.Flows, FlowDesc{Name: "orphan", Station: "s9", Type: "BE", Model: "exp"})
	_, err = bsd.Build(nil, netcore.CreateManualScheduler(), "seed", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan")
}

func TestConstantTrafficSource(t *testing.T) {
	bs, sched := newTestBS(t, "simple")
	ssr := inServiceSS(t, bs, "ss", ModulationQPSK12)
	sf := addFlow(t, bs, ssr, SchedBE, QoSParams{})
	ts, err := CreateTrafficSource(bs, sf, TrafficConstant, 0.1, 100, CreateRandomSource("const"))
	require.NoError(t, err)

	ts.Start()
	sched.RunUntil(1.05)
	assert.Equal(t, 10, ts.Arrivals())
	assert.Equal(t, uint64(1000), ts.BytesOffered())
	assert.Equal(t, uint32(1000), sf.Record().RequestedBandwidth)
	assert.Equal(t, uint32(1000), sf.Record().Backlogged)
	assert.Same(t, sf, ts.Flow())

	ts.Stop()
	assert.Equal(t, 0, sched.Pending())
}

func TestUGSArrivalsAreCounted(t *testing.T) {
	bs, sched := newTestBS(t, "simple")
	ssr := inServiceSS(t, bs, "ss", ModulationQPSK12)
	sf := addFlow(t, bs, ssr, SchedUGS, QoSParams{MinReservedTrafficRate: 64000})
	ts, err := CreateTrafficSource(bs, sf, TrafficConstant, 0.02, 160, CreateRandomSource("ugs"))
	require.NoError(t, err)
	ts.Start()
	sched.RunUntil(0.21)
	ts.Stop()
	assert.Equal(t, 10, ts.Arrivals())
	assert.Equal(t, uint32(0), sf.Record().RequestedBandwidth)
}

func TestExponentialTrafficSource(t *testing.T) {
	bs, sched := newTestBS(t, "simple")
	ssr := inServiceSS(t, bs, "ss", ModulationQPSK12)
	sf := addFlow(t, bs, ssr, SchedNRTPS, QoSParams{})
	ts, err := CreateTrafficSource(bs, sf, TrafficExponential, 0.01, 50, CreateRandomSource("exp-"+t.Name()))
	require.NoError(t, err)
	ts.Start()
	sched.RunUntil(10.0)
	ts.Stop()
	assert.InDelta(t, 1000, ts.Arrivals(), 150)
	assert.Equal(t, uint32(50*ts.Arrivals()), sf.Record().RequestedBandwidth)

	assert.InDelta(t, math.Ln2/2.0, expRV(0.5, 2.0), 1e-12)
	assert.Equal(t, 0.0, expRV(0.0, 3.0))
}

func TestCreateTrafficSourceRejects(t *testing.T) {
	bs, _ := newTestBS(t, "simple")
	ssr := inServiceSS(t, bs, "ss", ModulationQPSK12)
	sf := addFlow(t, bs, ssr, SchedBE, QoSParams{})
	rng := CreateRandomSource("rej")
	_, err := CreateTrafficSource(bs, sf, TrafficConstant, 0.0, 100, rng)
	assert.Error(t, err)
	_, err = CreateTrafficSource(bs, sf, TrafficConstant, math.NaN(), 100, rng)
	assert.Error(t, err)
	_, err = CreateTrafficSource(bs, sf, TrafficConstant, 0.1, 0, rng)
	assert.Error(t, err)
	_, err = CreateTrafficSource(bs, sf, TrafficModel("pareto"), 0.1, 100, rng)
	assert.Error(t, err)

	for name, want := range map[string]TrafficModel{"expon": TrafficExponential, "exponential": TrafficExponential,
		"exp": TrafficExponential, "const": TrafficConstant, "constant": TrafficConstant} {
		got, err := ParseTrafficModel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err = ParseTrafficModel("")
	assert.Error(t, err)
}
