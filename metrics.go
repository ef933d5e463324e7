package netcore

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the Prometheus metrics shared by the protocol components.
// Every method is safe on a nil *Collector, so components may be built without metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	PeerLinksOpened prometheus.Counter
	PeerLinksClosed prometheus.Counter
	ActivePeers     prometheus.Gauge
	PeerFramesSent  *prometheus.CounterVec

	SPFRuns         prometheus.Counter
	SPFDuration     prometheus.Histogram
	RoutesInstalled *prometheus.CounterVec

	UplinkFrames  prometheus.Counter
	UplinkSymbols *prometheus.CounterVec
}

// NewCollector registers the metrics against the provided registerer
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	c.PeerLinksOpened, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_peer_links_opened_total",
		Help: "Number of peer links that reached the established state.",
	}), "mesh_peer_links_opened_total")
	if err != nil {
		return nil, err
	}

	c.PeerLinksClosed, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_peer_links_closed_total",
		Help: "Number of established peer links that were closed.",
	}), "mesh_peer_links_closed_total")
	if err != nil {
		return nil, err
	}

	c.ActivePeers, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_active_peers",
		Help: "Number of peer links currently established.",
	}), "mesh_active_peers")
	if err != nil {
		return nil, err
	}

	c.PeerFramesSent, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_peer_link_frames_sent_total",
		Help: "Peer link management frames sent, by subtype.",
	}, []string{"subtype"}), "mesh_peer_link_frames_sent_total")
	if err != nil {
		return nil, err
	}

	c.SPFRuns, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spf_runs_total",
		Help: "Number of shortest path first computations performed.",
	}), "spf_runs_total")
	if err != nil {
		return nil, err
	}

	c.SPFDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spf_computation_duration_seconds",
		Help:    "Wall clock duration of shortest path first computations.",
		Buckets: []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "spf_computation_duration_seconds")
	if err != nil {
		return nil, err
	}

	c.RoutesInstalled, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spf_routes_installed_total",
		Help: "Routes installed into routing tables, by kind.",
	}, []string{"kind"}), "spf_routes_installed_total")
	if err != nil {
		return nil, err
	}

	c.UplinkFrames, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wimax_uplink_frames_total",
		Help: "Number of uplink maps built.",
	}), "wimax_uplink_frames_total")
	if err != nil {
		return nil, err
	}

	c.UplinkSymbols, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wimax_uplink_symbols_total",
		Help: "Uplink symbols allocated, by allocation kind.",
	}, []string{"kind"}), "wimax_uplink_symbols_total")
	if err != nil {
		return nil, err
	}

	return c, nil
}

// register adds the collector to reg, returning the one already registered under the same
// description if there is one
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// PeerLinkStatus records a peer link entering (true) or leaving (false) the established state
func (c *Collector) PeerLinkStatus(up bool, activePeers int) {
	if c == nil {
		return
	}
	if up {
		c.PeerLinksOpened.Inc()
	} else {
		c.PeerLinksClosed.Inc()
	}
	c.ActivePeers.Set(float64(activePeers))
}

// PeerFrameSent counts one peer link management frame of the given subtype
func (c *Collector) PeerFrameSent(subtype string) {
	if c == nil {
		return
	}
	c.PeerFramesSent.WithLabelValues(subtype).Inc()
}

// ObserveSPF records one shortest path computation and its duration
func (c *Collector) ObserveSPF(d time.Duration) {
	if c == nil {
		return
	}
	c.SPFRuns.Inc()
	c.SPFDuration.Observe(d.Seconds())
}

// RouteInstalled counts one route of the given kind (host, network, external, default)
func (c *Collector) RouteInstalled(kind string) {
	if c == nil {
		return
	}
	c.RoutesInstalled.WithLabelValues(kind).Inc()
}

// UplinkFrame counts one uplink map
func (c *Collector) UplinkFrame() {
	if c == nil {
		return
	}
	c.UplinkFrames.Inc()
}

// UplinkAllocated adds symbols allocated to the given kind of allocation
func (c *Collector) UplinkAllocated(kind string, symbols uint32) {
	if c == nil {
		return
	}
	c.UplinkSymbols.WithLabelValues(kind).Add(float64(symbols))
}

// DumpMetrics writes every gathered counter and gauge, one sample per line, sorted by name
func DumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	if g == nil {
		return nil
	}
	families, err := g.Gather()
	if err != nil {
		return err
	}

	lines := []string{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := []string{}
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, m.GetCounter().GetValue()))
			case m.GetGauge() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, m.GetGauge().GetValue()))
			case m.GetHistogram() != nil:
				lines = append(lines, fmt.Sprintf("%s_count %d", name, m.GetHistogram().GetSampleCount()))
				lines = append(lines, fmt.Sprintf("%s_sum %g", name, m.GetHistogram().GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
