package netcore

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.PeerLinkStatus(true, 1)
	c.PeerLinkStatus(true, 2)
	c.PeerLinkStatus(false, 1)
	c.PeerFrameSent("open")
	c.PeerFrameSent("open")
	c.PeerFrameSent("confirm")
	c.ObserveSPF(3 * time.Millisecond)
	c.RouteInstalled("network")
	c.UplinkFrame()
	c.UplinkAllocated("data", 40)
	c.UplinkAllocated("data", 2)

	var buf bytes.Buffer
	require.NoError(t, DumpMetrics(&buf, c.Gatherer()))
	out := buf.String()
	for _, line := range []string{
		"mesh_peer_links_opened_total 2",
		"mesh_peer_links_closed_total 1",
		"mesh_active_peers 1",
		`mesh_peer_link_frames_sent_total{subtype="open"} 2`,
		"spf_runs_total 1",
		"spf_computation_duration_seconds_count 1",
		`spf_routes_installed_total{kind="network"} 1`,
		"wimax_uplink_frames_total 1",
		`wimax_uplink_symbols_total{kind="data"} 42`,
	} {
		assert.Contains(t, out, line+"\n")
	}

	// a second collector on the same registry shares the registered metrics
	again, err := NewCollector(reg)
	require.NoError(t, err)
	again.UplinkFrame()
	buf.Reset()
	require.NoError(t, DumpMetrics(&buf, c.Gatherer()))
	assert.Contains(t, buf.String(), "wimax_uplink_frames_total 2\n")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.PeerLinkStatus(true, 1)
		c.PeerFrameSent("close")
		c.ObserveSPF(time.Second)
		c.RouteInstalled("host")
		c.UplinkFrame()
		c.UplinkAllocated("poll", 6)
	})
	assert.Nil(t, c.Gatherer())
	var buf bytes.Buffer
	assert.NoError(t, DumpMetrics(&buf, c.Gatherer()))
	assert.Empty(t, buf.String())
}
