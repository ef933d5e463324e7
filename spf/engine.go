package spf

// engine.go computes routes for a set of routers from the link state advertisements
// they originate.  The database is built once, by asking every router for its LSAs; then
// for every router a Dijkstra computation rooted at that router builds a shortest path tree
// over the routers and transit networks, installing routes in the router's table as each
// vertex joins the tree.  A second stage adds routes to stub networks hanging off the tree,
// and to AS-external destinations advertised by routers in the tree.
//
// Only the first hop off the root is ever computed directly.  Every vertex further away
// inherits the exit directions (next hop and outgoing interface) of the vertex it is reached
// through, and a vertex reached along more than one path of equal cost carries the union of
// the exit directions of those paths.

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/iti/evt/vrtime"
	"github.com/iti/netcore"
)

// Node is a router participating in the computation.  It originates LSAs and owns the
// routing table the computation writes to.
type Node interface {
	RouterID() netip.Addr

	// DiscoverLSAs (re)builds the router's advertisements and returns how many there are
	DiscoverLSAs() int

	// GetLSA returns a copy of the advertisement at position idx
	GetLSA(idx int) *LSA

	// InterfaceForPrefix returns the index of the interface whose address lies in the
	// same network as addr under mask, or -1
	InterfaceForPrefix(addr, mask netip.Addr) int

	RoutingTable() RoutingTable
}

// EngineConfig holds the parameters of the computation
type EngineConfig struct {
	// StubShortCircuit lets a router with a single link to another router install a
	// default route instead of running the full computation
	StubShortCircuit bool `json:"stubshortcircuit" yaml:"stubshortcircuit"`
}

// DefaultEngineConfig returns the configuration used unless one is supplied
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{StubShortCircuit: true}
}

// ApplyParams sets configuration values from experiment parameters
func (ec *EngineConfig) ApplyParams(params map[string]string) error {
	return netcore.ParamBool(params, "stubShortCircuit", &ec.StubShortCircuit)
}

// VertexResult records what the computation learned about one vertex
type VertexResult struct {
	Type     VertexType
	ID       netip.Addr
	Distance uint32
	Exits    []NodeExit
	Parents  []netip.Addr
}

// Result summarizes one computation, captured before its tree is released
type Result struct {
	Root netip.Addr

	// ShortCircuit is true when a default route was installed instead of running the full computation
	ShortCircuit bool

	// Order lists the vertex ids in the order the vertices joined the tree, root first
	Order []netip.Addr

	Vertices map[netip.Addr]VertexResult
}

// RouteRecord is the trace record written for every route installed
type RouteRecord struct {
	Root    string `yaml:"root"`
	Kind    string `yaml:"kind"`
	Dest    string `yaml:"dest"`
	Mask    string `yaml:"mask"`
	NextHop string `yaml:"nexthop"`
	IfIndex int    `yaml:"ifindex"`
}

func (rr *RouteRecord) TraceType() netcore.TraceRecordType {
	return netcore.RouteType
}

func (rr *RouteRecord) Serialize() string {
	return netcore.SerializeRecord(rr)
}

// Engine runs the computation over a set of nodes
type Engine struct {
	cfg     EngineConfig
	lsdb    *LSDB
	nodes   []Node
	byID    map[netip.Addr]Node
	nLSAs   map[netip.Addr]int
	logger  *slog.Logger
	metrics *netcore.Collector

	trace   *netcore.TraceManager
	traceID int
	clock   netcore.Scheduler

	// state of the computation in progress
	tree     *Tree
	root     int
	rootNode Node
}

// CreateEngine is a constructor.  logger and metrics may be nil.
func CreateEngine(cfg EngineConfig, nodes []Node, logger *slog.Logger, metrics *netcore.Collector) *Engine {
	eng := new(Engine)
	eng.cfg = cfg
	eng.lsdb = CreateLSDB()
	eng.nodes = append([]Node{}, nodes...)
	eng.byID = make(map[netip.Addr]Node)
	eng.nLSAs = make(map[netip.Addr]int)
	for _, node := range nodes {
		eng.byID[node.RouterID()] = node
	}
	eng.logger = netcore.LoggerOrDiscard(logger)
	eng.metrics = metrics
	eng.root = -1
	return eng
}

// SetTrace directs a trace record for every route installed to the trace manager, under
// the given object id.  clock, if not nil, supplies the time stamps.
func (eng *Engine) SetTrace(tm *netcore.TraceManager, objID int, clock netcore.Scheduler) {
	eng.trace = tm
	eng.traceID = objID
	eng.clock = clock
	tm.AddName(objID, "spf", "Engine")
}

// LSDB returns the database the engine computes over
func (eng *Engine) LSDB() *LSDB {
	return eng.lsdb
}

// UseLSDB replaces the engine's database, bypassing BuildDatabase
func (eng *Engine) UseLSDB(lsdb *LSDB) {
	eng.lsdb = lsdb
}

// BuildDatabase asks every node to discover its LSAs and gathers them into the database.
// All insertion failures are reported together.
func (eng *Engine) BuildDatabase() error {
	errs := []error{}
	for _, node := range eng.nodes {
		numLSAs := node.DiscoverLSAs()
		eng.nLSAs[node.RouterID()] = numLSAs
		eng.logger.Debug("discovered LSAs", "router", node.RouterID(), "count", numLSAs)

		for idx := 0; idx < numLSAs; idx++ {
			lsa := node.GetLSA(idx)
			if err := eng.lsdb.Insert(lsa.LinkStateID, lsa); err != nil {
				errs = append(errs, fmt.Errorf("router %s: %w", node.RouterID(), err))
			}
		}
	}
	return netcore.ReportErrs(errs)
}

// InitializeRoutes runs the computation rooted at every node that advertised LSAs
func (eng *Engine) InitializeRoutes() ([]*Result, error) {
	results := []*Result{}
	for _, node := range eng.nodes {
		if eng.nLSAs[node.RouterID()] == 0 {
			continue
		}
		res, err := eng.Calculate(node.RouterID())
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// DeleteRoutes empties every node's routing table and starts a fresh database
func (eng *Engine) DeleteRoutes() {
	for _, node := range eng.nodes {
		removed := node.RoutingTable().RemoveAll()
		eng.logger.Debug("deleted routes", "router", node.RouterID(), "count", removed)
	}
	eng.lsdb = CreateLSDB()
	eng.nLSAs = make(map[netip.Addr]int)
}

// Calculate runs the computation rooted at the router with the given id, writing routes
// to that router's table.  An error is returned if the root is unknown; a link record
// naming an LSA absent from the database panics.
func (eng *Engine) Calculate(rootID netip.Addr) (*Result, error) {
	rootNode, present := eng.byID[rootID]
	if !present {
		return nil, fmt.Errorf("router %s is not known to the engine", rootID)
	}
	rootLSA := eng.lsdb.GetLSA(rootID)
	if rootLSA == nil {
		return nil, fmt.Errorf("router %s has no LSA in the database", rootID)
	}

	started := time.Now()
	defer func() { eng.metrics.ObserveSPF(time.Since(started)) }()

	eng.lsdb.Initialize()

	eng.tree = CreateTree()
	eng.rootNode = rootNode
	candidate := CreateCandidateQueue(eng.tree)

	rootV := NewVertex(rootLSA)
	rootV.Distance = 0
	rootLSA.Status = InSPFTree
	eng.root = eng.tree.Add(rootV)

	result := &Result{Root: rootID, Order: []netip.Addr{rootID}, Vertices: make(map[netip.Addr]VertexResult)}
	result.Vertices[rootID] = eng.summarize(eng.root)

	defer func() {
		candidate.Clear()
		eng.tree.Release()
		eng.tree = nil
		eng.root = -1
		eng.rootNode = nil
	}()

	if eng.cfg.StubShortCircuit && eng.checkForStubNode(rootID) {
		result.ShortCircuit = true
		return result, nil
	}

	v := eng.root
	for {
		eng.spfNext(v, candidate)

		if candidate.Empty() {
			break
		}

		v, _ = candidate.Pop()
		vv := eng.tree.Vertex(v)
		vv.LSA.Status = InSPFTree
		eng.tree.AddToParents(v)

		summary := eng.summarize(v)
		result.Order = append(result.Order, summary.ID)
		result.Vertices[summary.ID] = summary

		switch vv.Type {
		case VertexRouter:
			eng.spfIntraAddRouter(vv)
		case VertexNetwork:
			eng.spfIntraAddTransit(vv)
		default:
			panic(fmt.Sprintf("illegal vertex type for %s", vv.ID))
		}
	}

	// second stage
	eng.spfProcessStubs(eng.root)
	for idx := 0; idx < eng.lsdb.GetNumExtLSAs(); idx++ {
		eng.tree.ClearVertexProcessed(eng.root)
		eng.processASExternals(eng.root, eng.lsdb.GetExtLSA(idx))
	}

	return result, nil
}

func (eng *Engine) summarize(idx int) VertexResult {
	v := eng.tree.Vertex(idx)
	vr := VertexResult{Type: v.Type, ID: v.ID, Distance: v.Distance, Exits: v.RootExitDirections(), Parents: []netip.Addr{}}
	for _, parent := range v.parents {
		vr.Parents = append(vr.Parents, eng.tree.Vertex(parent).ID)
	}
	return vr
}

// spfNext examines the links of vertex v, already in the tree, and updates the candidate
// queue with the vertices they reach
func (eng *Engine) spfNext(v int, candidate *CandidateQueue) {
	vv := eng.tree.Vertex(v)

	numRecords := 0
	switch vv.Type {
	case VertexRouter:
		numRecords = len(vv.LSA.Links)
	case VertexNetwork:
		numRecords = len(vv.LSA.AttachedRouters)
	}

	for idx := 0; idx < numRecords; idx++ {
		var wLSA *LSA
		var l *LinkRecord

		if vv.Type == VertexRouter {
			l = &vv.LSA.Links[idx]

			// stub networks are considered in the second stage
			if l.Type == StubNetwork {
				continue
			}
			if l.Type != PointToPoint && l.Type != TransitNetwork {
				panic(fmt.Sprintf("illegal link type %s in LSA of %s", l.Type, vv.ID))
			}
			wLSA = eng.lsdb.GetLSA(l.LinkID)
			if wLSA == nil {
				panic(fmt.Sprintf("LSA %s referenced by %s is missing from the database", l.LinkID, vv.ID))
			}
		} else {
			wLSA = eng.lsdb.GetLSAByLinkData(vv.LSA.AttachedRouters[idx])
			if wLSA == nil {
				continue
			}
		}

		// already in the tree means a shortest path is known
		if wLSA.Status == InSPFTree {
			continue
		}

		// a network carries no cost of its own
		distance := vv.Distance
		if vv.LSA.Type == RouterLSA {
			distance += uint32(l.Metric)
		}

		switch wLSA.Status {
		case NotExplored:
			w := NewVertex(wLSA)
			eng.spfNexthopCalculation(v, w, l, distance)
			wLSA.Status = SPFCandidate
			candidate.Push(eng.tree.Add(w))
			eng.logger.Debug("candidate", "root", eng.tree.Vertex(eng.root).ID, "vertex", w.ID, "distance", distance)

		case SPFCandidate:
			cw, found := candidate.Find(wLSA.LinkStateID)
			if !found {
				panic(fmt.Sprintf("candidate %s not in the candidate queue", wLSA.LinkStateID))
			}
			cwv := eng.tree.Vertex(cw)

			switch {
			case cwv.Distance < distance:
				// longer path, nothing to do

			case cwv.Distance == distance:
				// equal cost, merge the exits and parents of the path through v
				w := NewVertex(wLSA)
				eng.spfNexthopCalculation(v, w, l, distance)
				cwv.MergeRootExitDirections(w)
				cwv.MergeParent(w)
				eng.logger.Debug("equal cost path", "vertex", cwv.ID, "exits", cwv.NRootExitDirections())

			default:
				// shorter path, replace what the candidate holds
				eng.spfNexthopCalculation(v, cwv, l, distance)
				candidate.Reorder()
			}
		}
	}
}

// spfNexthopCalculation sets the distance, parent and exit directions of w, reached from v
// over link record l (nil when v is a network).
func (eng *Engine) spfNexthopCalculation(v int, w *Vertex, l *LinkRecord, distance uint32) {
	vv := eng.tree.Vertex(v)

	switch {
	case v == eng.root:
		if w.Type == VertexRouter {
			// the link record pointing from w back to the root carries the address
			// of w's interface on the link, which is the next hop
			linkRemote := eng.spfGetNextLink(w, vv, -1)
			if linkRemote == nil {
				panic(fmt.Sprintf("router %s has no link back to root %s", w.ID, vv.ID))
			}
			outIf := eng.findOutgoingInterfaceID(l.LinkData, HostMask)
			w.SetRootExitDirection(NodeExit{NextHop: linkRemote.LinkData, IfIndex: outIf})
		} else {
			// directly connected network, no next hop needed
			outIf := eng.findOutgoingInterfaceID(w.LSA.LinkStateID, w.LSA.NetworkMask)
			w.SetRootExitDirection(NodeExit{NextHop: ZeroAddr, IfIndex: outIf})
		}

	case vv.Type == VertexNetwork:
		parent, _ := vv.Parent(0)
		if parent == eng.root {
			// network directly attached to the root.  Each of w's links back to the network
			// names an address of w that is a next hop, reached over the network's interface.
			if w.Type != VertexRouter {
				panic(fmt.Sprintf("vertex %s reached from network %s is not a router", w.ID, vv.ID))
			}
			outIf := vv.RootExitDirection(0).IfIndex
			w.ClearRootExitDirections()
			for pos := eng.nextLinkPos(w, vv, -1); pos >= 0; pos = eng.nextLinkPos(w, vv, pos) {
				w.AddRootExitDirection(NodeExit{NextHop: w.LSA.Links[pos].LinkData, IfIndex: outIf})
			}
		} else {
			w.InheritAllRootExitDirections(vv)
		}

	default:
		w.InheritAllRootExitDirections(vv)
	}

	w.Distance = distance
	w.SetParent(v)
}

// nextLinkPos returns the position, after position prev, of the next link record of v
// whose link id names w, or -1
func (eng *Engine) nextLinkPos(v, w *Vertex, prev int) int {
	for pos := prev + 1; pos < len(v.LSA.Links); pos++ {
		if v.LSA.Links[pos].LinkID == w.ID {
			return pos
		}
	}
	return -1
}

// spfGetNextLink returns the first link record of v, after position prev, whose link id names w
func (eng *Engine) spfGetNextLink(v, w *Vertex, prev int) *LinkRecord {
	pos := eng.nextLinkPos(v, w, prev)
	if pos < 0 {
		return nil
	}
	return &v.LSA.Links[pos]
}

// findOutgoingInterfaceID returns the index of the root's interface in the network of
// addr under mask, or -1
func (eng *Engine) findOutgoingInterfaceID(addr, mask netip.Addr) int {
	return eng.rootNode.InterfaceForPrefix(addr, mask)
}

// checkForStubNode tests whether the root has at most one link to another router or
// to a transit network.  With none, nothing is installed.  With exactly one point-to-point
// link a default route toward the neighbor is installed.  In either case the full
// computation is unnecessary and true is returned.
func (eng *Engine) checkForStubNode(rootID netip.Addr) bool {
	rlsa := eng.lsdb.GetLSA(rootID)

	transits := 0
	var transitLink *LinkRecord
	for idx := range rlsa.Links {
		l := &rlsa.Links[idx]
		if l.Type == TransitNetwork || l.Type == PointToPoint {
			transits += 1
			transitLink = l
		}
	}

	if transits == 0 {
		eng.logger.Warn("router has no links to other routers", "router", rootID)
		return true
	}
	if transits > 1 || transitLink.Type != PointToPoint {
		return false
	}

	wLSA := eng.lsdb.GetLSA(transitLink.LinkID)
	if wLSA == nil {
		panic(fmt.Sprintf("LSA %s referenced by %s is missing from the database", transitLink.LinkID, rootID))
	}
	for _, lr := range wLSA.Links {
		if lr.Type != PointToPoint || lr.LinkID != rootID {
			continue
		}
		outIf := eng.findOutgoingInterfaceID(transitLink.LinkData, HostMask)
		eng.rootNode.RoutingTable().AddNetworkRouteTo(ZeroAddr, ZeroAddr, lr.LinkData, outIf)
		eng.recordRoute("default", ZeroAddr, ZeroAddr, lr.LinkData, outIf)
		eng.logger.Debug("stub router, default route installed", "router", rootID, "nexthop", lr.LinkData, "ifindex", outIf)
		return true
	}
	return false
}

// spfIntraAddRouter installs a host route to the local address of every point-to-point
// link of router vertex v, one per exit direction
func (eng *Engine) spfIntraAddRouter(v *Vertex) {
	table := eng.rootNode.RoutingTable()
	for _, lr := range v.LSA.Links {
		if lr.Type != PointToPoint {
			continue
		}
		for _, exit := range v.exits {
			if exit.IfIndex < 0 {
				eng.logger.Debug("no interface for host route", "dest", lr.LinkData, "nexthop", exit.NextHop)
				continue
			}
			table.AddHostRouteTo(lr.LinkData, exit.NextHop, exit.IfIndex)
			eng.recordRoute(HostRoute.String(), lr.LinkData, HostMask, exit.NextHop, exit.IfIndex)
		}
	}
}

// spfIntraAddTransit installs a route to transit network v, one per exit direction
func (eng *Engine) spfIntraAddTransit(v *Vertex) {
	table := eng.rootNode.RoutingTable()
	mask := v.LSA.NetworkMask
	network := CombineMask(v.LSA.LinkStateID, mask)
	for _, exit := range v.exits {
		if exit.IfIndex < 0 {
			eng.logger.Debug("no interface for network route", "dest", network, "nexthop", exit.NextHop)
			continue
		}
		table.AddNetworkRouteTo(network, mask, exit.NextHop, exit.IfIndex)
		eng.recordRoute(NetworkRoute.String(), network, mask, exit.NextHop, exit.IfIndex)
	}
}

// spfProcessStubs walks the tree below vertex v adding routes to the stub networks of routers
func (eng *Engine) spfProcessStubs(v int) {
	vv := eng.tree.Vertex(v)
	if vv.Type == VertexRouter {
		for idx := range vv.LSA.Links {
			l := &vv.LSA.Links[idx]
			if l.Type == StubNetwork {
				eng.spfIntraAddStub(l, vv)
			}
		}
	}
	for _, child := range vv.children {
		cv := eng.tree.Vertex(child)
		if !cv.IsVertexProcessed() {
			eng.spfProcessStubs(child)
			cv.SetVertexProcessed(true)
		}
	}
}

// spfIntraAddStub installs a route to the stub network of link l on router v, using the
// exits toward v.  Stub networks of the root itself need no route.
func (eng *Engine) spfIntraAddStub(l *LinkRecord, v *Vertex) {
	if v.ID == eng.tree.Vertex(eng.root).ID {
		return
	}
	table := eng.rootNode.RoutingTable()
	mask := l.LinkData
	network := CombineMask(l.LinkID, mask)
	for _, exit := range v.exits {
		if exit.IfIndex < 0 {
			eng.logger.Debug("no interface for stub route", "dest", network, "nexthop", exit.NextHop)
			continue
		}
		table.AddNetworkRouteTo(network, mask, exit.NextHop, exit.IfIndex)
		eng.recordRoute(NetworkRoute.String(), network, mask, exit.NextHop, exit.IfIndex)
	}
}

// processASExternals walks the tree below vertex v, adding the external route of extLSA
// when v is the router advertising it
func (eng *Engine) processASExternals(v int, extLSA *LSA) {
	vv := eng.tree.Vertex(v)
	if vv.Type == VertexRouter && vv.LSA.LinkStateID == extLSA.AdvertisingRouter {
		eng.spfAddASExternal(extLSA, vv)
	}
	for _, child := range vv.children {
		cv := eng.tree.Vertex(child)
		if !cv.IsVertexProcessed() {
			eng.processASExternals(child, extLSA)
			cv.SetVertexProcessed(true)
		}
	}
}

// spfAddASExternal installs a route to the external network of extLSA using the exits toward
// advertising router v.  A network the root advertises itself needs no route.
func (eng *Engine) spfAddASExternal(extLSA *LSA, v *Vertex) {
	if v.ID == eng.tree.Vertex(eng.root).ID {
		return
	}
	table := eng.rootNode.RoutingTable()
	mask := extLSA.NetworkMask
	network := CombineMask(extLSA.LinkStateID, mask)
	for _, exit := range v.exits {
		if exit.IfIndex < 0 {
			eng.logger.Debug("no interface for external route", "dest", network, "nexthop", exit.NextHop)
			continue
		}
		table.AddASExternalRouteTo(network, mask, exit.NextHop, exit.IfIndex)
		eng.recordRoute(ExternalRoute.String(), network, mask, exit.NextHop, exit.IfIndex)
	}
}

// recordRoute counts an installed route and traces it when tracing is on
func (eng *Engine) recordRoute(kind string, dest, mask, nextHop netip.Addr, ifIndex int) {
	eng.metrics.RouteInstalled(kind)
	if !eng.trace.Active() {
		return
	}
	now := 0.0
	if eng.clock != nil {
		now = eng.clock.Now()
	}
	rr := &RouteRecord{Root: eng.rootNode.RouterID().String(), Kind: kind, Dest: dest.String(),
		Mask: mask.String(), NextHop: nextHop.String(), IfIndex: ifIndex}
	eng.trace.AddRecord(vrtime.SecondsToTime(now), eng.traceID, rr)
}
