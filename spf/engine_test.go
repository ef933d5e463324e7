package spf

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/iti/rngstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iti/netcore"
)

var exitComparer = cmp.Comparer(func(x, y NodeExit) bool { return x == y })

// squareTopo joins r1-r2-r4 and r1-r3-r4 with unit metrics, so r4 is reached from r1
// over two paths of equal cost
func squareTopo(t *testing.T) *TopoCfg {
	t.Helper()
	tc := CreateTopoCfg("square")
	for i := 1; i <= 4; i++ {
		require.NoError(t, tc.AddRouter(fmt.Sprintf("r%d", i), fmt.Sprintf("%d.%d.%d.%d", i, i, i, i)))
	}
	require.NoError(t, tc.ConnectP2P("r1", "10.0.12.1", "r2", "10.0.12.2", 30, 1))
	require.NoError(t, tc.ConnectP2P("r1", "10.0.13.1", "r3", "10.0.13.2", 30, 1))
	require.NoError(t, tc.ConnectP2P("r2", "10.0.24.1", "r4", "10.0.24.2", 30, 1))
	require.NoError(t, tc.ConnectP2P("r3", "10.0.34.1", "r4", "10.0.34.2", 30, 1))
	return tc
}

// lanTopo places r1, r2, r3 on one transit network with r1 as designated router, and has
// r3 advertise an external network
func lanTopo(t *testing.T) *TopoCfg {
	t.Helper()
	tc := CreateTopoCfg("lan")
	for i := 1; i <= 3; i++ {
		require.NoError(t, tc.AddRouter(fmt.Sprintf("r%d", i), fmt.Sprintf("%d.%d.%d.%d", i, i, i, i)))
	}
	require.NoError(t, tc.AddTransit("lan", 24, 10, []Attachment{
		{Router: "r1", Addr: "192.168.1.1"}, {Router: "r2", Addr: "192.168.1.2"}, {Router: "r3", Addr: "192.168.1.3"}}))
	require.NoError(t, tc.AddStub("r3", "172.20.0.1", 16, 5))
	require.NoError(t, tc.AddExternal("r3", "198.51.100.0", 24))
	return tc
}

func buildEngine(t *testing.T, tc *TopoCfg, cfg EngineConfig, metrics *netcore.Collector) (*Engine, []*Router) {
	t.Helper()
	routers, err := tc.Transform()
	require.NoError(t, err)
	eng := CreateEngine(cfg, Nodes(routers), nil, metrics)
	require.NoError(t, eng.BuildDatabase())
	return eng, routers
}

func TestEqualCostPaths(t *testing.T) {
	eng, routers := buildEngine(t, squareTopo(t), DefaultEngineConfig(), nil)
	r1 := FindRouter(routers, "r1")
	require.NotNil(t, r1)

	res, err := eng.Calculate(r1.ID)
	require.NoError(t, err)
	require.False(t, res.ShortCircuit)
	assert.Equal(t, addrs("1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"), res.Order)

	r4 := res.Vertices[addr("4.4.4.4")]
	assert.Equal(t, uint32(2), r4.Distance)
	want := []NodeExit{{NextHop: addr("10.0.12.2"), IfIndex: 0}, {NextHop: addr("10.0.13.2"), IfIndex: 1}}
	if diff := cmp.Diff(want, r4.Exits, exitComparer); diff != "" {
		t.Errorf("exits toward r4 (-want +got):\n%s", diff)
	}
	assert.ElementsMatch(t, addrs("2.2.2.2", "3.3.3.3"), r4.Parents)

	// a host address of r4 resolves to both next hops
	hops := []netip.Addr{}
	for _, re := range r1.Table.Lookup(addr("10.0.34.2")) {
		assert.Equal(t, HostRoute, re.Kind)
		hops = append(hops, re.NextHop)
	}
	assert.ElementsMatch(t, addrs("10.0.12.2", "10.0.13.2"), hops)

	// the subnet between r2 and r4 is reached through r2, and also through r4 over both exits
	stub := r1.Table.Lookup(addr("10.0.24.3"))
	require.Len(t, stub, 3)
	for _, re := range stub {
		assert.Equal(t, NetworkRoute, re.Kind)
		assert.Equal(t, addr("10.0.24.0"), re.Dest)
	}

	// r1's own address is reached as part of r2's stub network
	own := r1.Table.Lookup(addr("10.0.12.1"))
	require.Len(t, own, 1)
	assert.Equal(t, addr("10.0.12.2"), own[0].NextHop)
}

func TestTransitAndExternalRoutes(t *testing.T) {
	eng, routers := buildEngine(t, lanTopo(t), DefaultEngineConfig(), nil)
	r2 := FindRouter(routers, "r2")

	res, err := eng.Calculate(r2.ID)
	require.NoError(t, err)
	require.False(t, res.ShortCircuit, "a single transit link does not short-circuit")

	lan := res.Vertices[addr("192.168.1.1")]
	assert.Equal(t, VertexNetwork, lan.Type)
	assert.Equal(t, uint32(10), lan.Distance)

	// the network carries no cost of its own
	assert.Equal(t, uint32(10), res.Vertices[addr("3.3.3.3")].Distance)
	if diff := cmp.Diff([]NodeExit{{NextHop: addr("192.168.1.3"), IfIndex: 0}}, res.Vertices[addr("3.3.3.3")].Exits, exitComparer); diff != "" {
		t.Errorf("exits toward r3 (-want +got):\n%s", diff)
	}

	want := []RouteEntry{
		{Kind: NetworkRoute, Dest: addr("172.20.0.0"), Mask: MaskFromBits(16), NextHop: addr("192.168.1.3"), IfIndex: 0},
		{Kind: NetworkRoute, Dest: addr("192.168.1.0"), Mask: MaskFromBits(24), NextHop: ZeroAddr, IfIndex: 0},
		{Kind: ExternalRoute, Dest: addr("198.51.100.0"), Mask: MaskFromBits(24), NextHop: addr("192.168.1.3"), IfIndex: 0},
	}
	if diff := cmp.Diff(want, r2.Table.SortedRoutes(), cmp.Comparer(func(x, y RouteEntry) bool { return x == y })); diff != "" {
		t.Errorf("routes of r2 (-want +got):\n%s", diff)
	}

	// the advertising router installs no route to its own external network
	_, err = eng.Calculate(FindRouter(routers, "r3").ID)
	require.NoError(t, err)
	for _, re := range FindRouter(routers, "r3").Table.Routes() {
		assert.NotEqual(t, ExternalRoute, re.Kind)
	}
}

func TestStubShortCircuitAgrees(t *testing.T) {
	tc := CreateTopoCfg("line")
	for i := 1; i <= 3; i++ {
		require.NoError(t, tc.AddRouter(fmt.Sprintf("r%d", i), fmt.Sprintf("%d.%d.%d.%d", i, i, i, i)))
	}
	require.NoError(t, tc.ConnectP2P("r1", "10.0.12.1", "r2", "10.0.12.2", 30, 3))
	require.NoError(t, tc.ConnectP2P("r2", "10.0.23.1", "r3", "10.0.23.2", 30, 4))
	require.NoError(t, tc.AddStub("r1", "10.9.0.1", 24, 1))

	short, routers := buildEngine(t, tc, EngineConfig{StubShortCircuit: true}, nil)
	r1 := FindRouter(routers, "r1")
	res, err := short.Calculate(r1.ID)
	require.NoError(t, err)
	require.True(t, res.ShortCircuit)
	require.Equal(t, 1, r1.Table.NRoutes())
	dflt := r1.Table.Routes()[0]
	assert.Equal(t, ZeroAddr, dflt.Dest)
	assert.Equal(t, 0, MaskBits(dflt.Mask))

	full, routers := buildEngine(t, tc, EngineConfig{StubShortCircuit: false}, nil)
	res, err = full.Calculate(FindRouter(routers, "r1").ID)
	require.NoError(t, err)
	require.False(t, res.ShortCircuit)
	for _, id := range addrs("2.2.2.2", "3.3.3.3") {
		exits := res.Vertices[id].Exits
		require.Len(t, exits, 1)
		assert.Equal(t, dflt.NextHop, exits[0].NextHop)
		assert.Equal(t, dflt.IfIndex, exits[0].IfIndex)
	}
	assert.Equal(t, uint32(7), res.Vertices[addr("3.3.3.3")].Distance)
}

func TestIsolatedRouter(t *testing.T) {
	tc := CreateTopoCfg("alone")
	require.NoError(t, tc.AddRouter("r1", "1.1.1.1"))
	require.NoError(t, tc.AddStub("r1", "10.0.0.1", 24, 1))

	eng, routers := buildEngine(t, tc, DefaultEngineConfig(), nil)
	res, err := eng.Calculate(routers[0].ID)
	require.NoError(t, err)
	assert.True(t, res.ShortCircuit)
	assert.Equal(t, 0, routers[0].Table.NRoutes())
}

func TestCalculateErrors(t *testing.T) {
	eng, _ := buildEngine(t, squareTopo(t), DefaultEngineConfig(), nil)
	_, err := eng.Calculate(addr("9.9.9.9"))
	assert.Error(t, err)

	// a router whose LSAs were never gathered has no database entry
	eng.DeleteRoutes()
	_, err = eng.Calculate(addr("1.1.1.1"))
	assert.Error(t, err)
}

func TestMissingLSAPanics(t *testing.T) {
	r1 := CreateRouter("r1", addr("1.1.1.1"))
	r1.AddInterface("a", addr("10.0.0.1"), MaskFromBits(30))
	r1.AddInterface("b", addr("10.0.1.1"), MaskFromBits(30))
	lsa := CreateRouterLSA(r1.ID)
	lsa.AddLinkRecord(LinkRecord{Type: PointToPoint, LinkID: addr("2.2.2.2"), LinkData: addr("10.0.0.1"), Metric: 1})
	lsa.AddLinkRecord(LinkRecord{Type: PointToPoint, LinkID: addr("3.3.3.3"), LinkData: addr("10.0.1.1"), Metric: 1})
	r1.Advertise(lsa)

	eng := CreateEngine(DefaultEngineConfig(), Nodes([]*Router{r1}), nil, nil)
	require.NoError(t, eng.BuildDatabase())
	assert.Panics(t, func() { _, _ = eng.Calculate(r1.ID) })
}

func TestDuplicateAdvertisement(t *testing.T) {
	r1 := CreateRouter("r1", addr("1.1.1.1"))
	r1.Advertise(CreateRouterLSA(r1.ID))
	r2 := CreateRouter("r2", addr("1.1.1.1"))
	r2.Advertise(CreateRouterLSA(r2.ID))

	eng := CreateEngine(DefaultEngineConfig(), Nodes([]*Router{r1, r2}), nil, nil)
	assert.ErrorContains(t, eng.BuildDatabase(), "duplicate LSA")
}

func TestInitializeRoutesTracesAndCounts(t *testing.T) {
	collector, err := netcore.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	eng, routers := buildEngine(t, squareTopo(t), DefaultEngineConfig(), collector)

	tm := netcore.CreateTraceManager("spf", true)
	clock := netcore.CreateManualScheduler()
	eng.SetTrace(tm, 1, clock)

	results, err := eng.InitializeRoutes()
	require.NoError(t, err)
	require.Len(t, results, 4)

	installed := 0
	for _, rtr := range routers {
		installed += rtr.Table.NRoutes()
	}
	assert.Equal(t, installed, tm.Count())

	eng.DeleteRoutes()
	for _, rtr := range routers {
		assert.Equal(t, 0, rtr.Table.NRoutes())
	}
	assert.Equal(t, 0, eng.LSDB().Size())
}

// randomTopo builds a connected topology of n routers: a random spanning tree plus extra
// links, each with a random metric in [1,10]
func randomTopo(t *testing.T, rng *rngstream.RngStream, n, extra int) *TopoCfg {
	t.Helper()
	tc := CreateTopoCfg("random")
	for i := 0; i < n; i++ {
		require.NoError(t, tc.AddRouter(fmt.Sprintf("r%d", i), fmt.Sprintf("1.1.%d.%d", i/200, i%200+1)))
	}
	linked := make(map[[2]int]bool)
	subnet := 0
	connect := func(a, b int) {
		if a == b || linked[[2]int{a, b}] || linked[[2]int{b, a}] {
			return
		}
		linked[[2]int{a, b}] = true
		metric := 1 + int(rng.RandU01()*10)
		if metric > 10 {
			metric = 10
		}
		addrA := fmt.Sprintf("10.%d.%d.1", subnet/250, subnet%250)
		addrB := fmt.Sprintf("10.%d.%d.2", subnet/250, subnet%250)
		subnet += 1
		require.NoError(t, tc.ConnectP2P(fmt.Sprintf("r%d", a), addrA, fmt.Sprintf("r%d", b), addrB, 24, metric))
	}
	for i := 1; i < n; i++ {
		connect(i, int(rng.RandU01()*float64(i)))
	}
	for k := 0; k < extra; k++ {
		connect(int(rng.RandU01()*float64(n)), int(rng.RandU01()*float64(n)))
	}
	return tc
}

func TestDistancesMatchReference(t *testing.T) {
	rng := rngstream.New("spf-random-graphs")
	for trial := 0; trial < 10; trial++ {
		tc := randomTopo(t, rng, 8+trial*2, 2*trial+4)
		eng, routers := buildEngine(t, tc, EngineConfig{StubShortCircuit: false}, nil)
		ref := BuildReferenceGraph(eng.LSDB())

		for _, rtr := range routers {
			res, err := eng.Calculate(rtr.ID)
			require.NoError(t, err)

			got := make(map[netip.Addr]uint32)
			for id, vr := range res.Vertices {
				got[id] = vr.Distance
			}
			if diff := cmp.Diff(ref.Distances(rtr.ID), got, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
				t.Fatalf("trial %d root %s distances (-reference +computed):\n%s", trial, rtr.ID, diff)
			}
			for id, vr := range res.Vertices {
				if id == rtr.ID {
					continue
				}
				assert.NotZero(t, len(vr.Exits), "vertex %s has no exit from %s", id, rtr.ID)
			}
		}
	}
}

func TestReferencePath(t *testing.T) {
	eng, routers := buildEngine(t, squareTopo(t), DefaultEngineConfig(), nil)
	ref := BuildReferenceGraph(eng.LSDB())
	names := make(map[netip.Addr]string)
	for _, rtr := range routers {
		names[rtr.ID] = rtr.Name
	}
	path := ref.ShowPath(addr("1.1.1.1"), addr("4.4.4.4"), names)
	assert.Contains(t, []string{"r1,r2,r4", "r1,r3,r4"}, path)
	assert.Nil(t, ref.Route(addr("1.1.1.1"), addr("9.9.9.9")))
	assert.Equal(t, uint32(2), ReferenceDistances(eng.LSDB(), addr("1.1.1.1"))[addr("4.4.4.4")])
}
