package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iti/netcore"
	"github.com/iti/netcore/spf"
	"github.com/iti/netcore/wimax"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newTestEnv(t *testing.T) *runEnv {
	t.Helper()
	metrics, err := netcore.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	return &runEnv{logger: netcore.DiscardLogger(), metrics: metrics, dump: true, closer: nopCloser{}}
}

// writeSquare writes four routers joined in a ring, r1-r2-r4-r3-r1, all metrics 1
func writeSquare(t *testing.T, dir string) string {
	t.Helper()
	tc := spf.CreateTopoCfg("square")
	for _, r := range [][2]string{{"r1", "1.1.1.1"}, {"r2", "2.2.2.2"}, {"r3", "3.3.3.3"}, {"r4", "4.4.4.4"}} {
		require.NoError(t, tc.AddRouter(r[0], r[1]))
	}
	require.NoError(t, tc.ConnectP2P("r1", "10.0.12.1", "r2", "10.0.12.2", 30, 1))
	require.NoError(t, tc.ConnectP2P("r1", "10.0.13.1", "r3", "10.0.13.3", 30, 1))
	require.NoError(t, tc.ConnectP2P("r2", "10.0.24.2", "r4", "10.0.24.4", 30, 1))
	require.NoError(t, tc.ConnectP2P("r3", "10.0.34.3", "r4", "10.0.34.4", 30, 1))
	filename := filepath.Join(dir, "square.yaml")
	require.NoError(t, tc.WriteToFile(filename))
	return filename
}

func TestRunSPF(t *testing.T) {
	dir := t.TempDir()
	topo := writeSquare(t, dir)
	env := newTestEnv(t)
	var out bytes.Buffer
	traceFile := filepath.Join(dir, "routes.yaml")
	require.NoError(t, runSPF(spfOpts{topo: topo, verify: true, trace: traceFile}, env, &out))
	require.NoError(t, env.finish(&out))

	text := out.String()
	for _, name := range []string{"r1", "r2", "r3", "r4"} {
		assert.Contains(t, text, "router "+name+" (")
	}
	assert.Contains(t, text, "verified 4 computations")
	assert.Contains(t, text, "spf_runs_total 4")
	_, err := os.Stat(traceFile)
	assert.NoError(t, err)

	out.Reset()
	require.NoError(t, runSPF(spfOpts{topo: topo, root: "r4"}, newTestEnv(t), &out))
	assert.Equal(t, 1, strings.Count(out.String(), "router "))
	assert.Contains(t, out.String(), "router r4 (4.4.4.4)")

	assert.Error(t, runSPF(spfOpts{topo: topo, root: "r9"}, newTestEnv(t), &out))
	assert.Error(t, runSPF(spfOpts{topo: filepath.Join(dir, "missing.yaml")}, newTestEnv(t), &out))
}

func TestRunSPFWithExperiment(t *testing.T) {
	dir := t.TempDir()
	topo := writeSquare(t, dir)
	exp := netcore.CreateExpCfg("bad")
	require.NoError(t, exp.AddParameter("Router", "*", "stubShortCircuit", "sometimes"))
	expFile := filepath.Join(dir, "exp.yaml")
	require.NoError(t, exp.WriteToFile(expFile))
	var out bytes.Buffer
	assert.Error(t, runSPF(spfOpts{topo: topo, exp: expFile}, newTestEnv(t), &out))
}

func TestRunMesh(t *testing.T) {
	env := newTestEnv(t)
	var out bytes.Buffer
	require.NoError(t, runMesh(meshOpts{nodes: 3, duration: 3.0, seed: "test"}, env, &out))
	require.NoError(t, env.finish(&out))

	text := out.String()
	assert.Equal(t, 3, strings.Count(text, "active peers 2"), text)
	assert.Contains(t, text, "mesh_active_peers 2")
	assert.Contains(t, text, "medium: ")

	assert.Error(t, runMesh(meshOpts{nodes: 0, duration: 1.0}, newTestEnv(t), &out))
	assert.Error(t, runMesh(meshOpts{nodes: 2, duration: 0.0}, newTestEnv(t), &out))
}

func TestRunMeshLossy(t *testing.T) {
	exp := netcore.CreateExpCfg("lossy")
	require.NoError(t, exp.AddParameter("Mesh", "*", "lossProbability", "1.0"))
	expFile := filepath.Join(t.TempDir(), "lossy.yaml")
	require.NoError(t, exp.WriteToFile(expFile))

	var out bytes.Buffer
	require.NoError(t, runMesh(meshOpts{nodes: 3, duration: 1.0, exp: expFile, seed: "test"}, newTestEnv(t), &out))
	text := out.String()
	assert.Equal(t, 3, strings.Count(text, "active peers 0"), text)
	assert.Contains(t, text, " 0 delivered,")
	assert.NotContains(t, text, " 0 lost,")

	bad := netcore.CreateExpCfg("bad")
	require.NoError(t, bad.AddParameter("Mesh", "*", "lossProbability", "2"))
	badFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, bad.WriteToFile(badFile))
	assert.Error(t, runMesh(meshOpts{nodes: 2, duration: 1.0, exp: badFile, seed: "test"}, newTestEnv(t), &out))
}

func TestRunUplink(t *testing.T) {
	dir := t.TempDir()
	bsd := wimax.CreateBSDesc("cell")
	require.NoError(t, bsd.AddStation("ss1", "QAM16-3/4"))
	require.NoError(t, bsd.AddFlow(wimax.FlowDesc{Name: "bulk", Station: "ss1", Type: "BE", Model: "const",
		MeanInterarrival: 0.02, PacketSize: 360}))
	filename := filepath.Join(dir, "cell.json")
	require.NoError(t, bsd.WriteToFile(filename))

	for _, scheduler := range wimax.SchedulerNames() {
		t.Run(scheduler, func(t *testing.T) {
			env := newTestEnv(t)
			var out bytes.Buffer
			traceFile := filepath.Join(t.TempDir(), "uplink.yaml")
			require.NoError(t, runUplink(uplinkOpts{bs: filename, frames: 20, scheduler: scheduler, seed: "test",
				trace: traceFile}, env, &out))
			require.NoError(t, env.finish(&out))

			text := out.String()
			assert.Contains(t, text, "scheduler "+scheduler+", frames 20,")
			assert.Contains(t, text, "station ss1")
			assert.Contains(t, text, "ranging success")
			assert.Contains(t, text, "wimax_uplink_frames_total 20")
			assert.Contains(t, text, "20 trace records written")
		})
	}

	var out bytes.Buffer
	assert.Error(t, runUplink(uplinkOpts{bs: filename, frames: 10, scheduler: "wfq"}, newTestEnv(t), &out))
	assert.Error(t, runUplink(uplinkOpts{bs: filename, frames: 0}, newTestEnv(t), &out))
}

func TestIsYAML(t *testing.T) {
	assert.True(t, isYAML("a/b.yaml"))
	assert.True(t, isYAML("b.yml"))
	assert.False(t, isYAML("b.json"))
	assert.False(t, isYAML("b"))
}
