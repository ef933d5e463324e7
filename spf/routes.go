package spf

// routes.go builds an independent view of the link state database as a weighted directed
// graph in the form used by the gonum graph package, so that its built-in Dijkstra search
// can be used to check distances and to show paths.  Routers and transit networks are the
// graph's nodes.  A router's link to a neighbor or to a transit network is an edge weighted
// by the link's metric; the edge from a transit network to each attached router has weight 0.
//
// The shortest path tree computed from a root is cached, so that repeated queries from the
// same root are answered without running the search again.

import (
	"math"
	"net/netip"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// ReferenceGraph is the gonum rendition of an LSDB
type ReferenceGraph struct {
	graph    *simple.WeightedDirectedGraph
	idToNode map[netip.Addr]int64
	nodeToID map[int64]netip.Addr
	cachedSP map[int64]path.Shortest
}

// BuildReferenceGraph transforms the routers and networks of lsdb into a gonum graph
func BuildReferenceGraph(lsdb *LSDB) *ReferenceGraph {
	rg := new(ReferenceGraph)
	rg.graph = simple.NewWeightedDirectedGraph(0, math.Inf(1))
	rg.idToNode = make(map[netip.Addr]int64)
	rg.nodeToID = make(map[int64]netip.Addr)
	rg.cachedSP = make(map[int64]path.Shortest)

	for idx, id := range lsdb.IDs() {
		nodeID := int64(idx)
		rg.idToNode[id] = nodeID
		rg.nodeToID[nodeID] = id
		rg.graph.AddNode(simple.Node(nodeID))
	}

	for _, id := range lsdb.IDs() {
		lsa := lsdb.GetLSA(id)
		switch lsa.Type {
		case RouterLSA:
			for _, lr := range lsa.Links {
				if lr.Type != PointToPoint && lr.Type != TransitNetwork {
					continue
				}
				rg.addEdge(id, lr.LinkID, float64(lr.Metric))
			}
		case NetworkLSA:
			for _, attached := range lsa.AttachedRouters {
				rtr := lsdb.GetLSAByLinkData(attached)
				if rtr == nil {
					continue
				}
				rg.addEdge(id, rtr.LinkStateID, 0.0)
			}
		}
	}
	return rg
}

// addEdge represents the directed edge from -> to, keeping the smaller weight when
// more than one link joins the same pair
func (rg *ReferenceGraph) addEdge(from, to netip.Addr, weight float64) {
	fromNode, present := rg.idToNode[from]
	if !present {
		return
	}
	toNode, present := rg.idToNode[to]
	if !present || fromNode == toNode {
		return
	}
	if w, ok := rg.graph.Weight(fromNode, toNode); ok && w <= weight {
		return
	}
	rg.graph.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(fromNode), T: simple.Node(toNode), W: weight})
}

// getSPTree returns the shortest path tree rooted at node from, computing and caching it if need be
func (rg *ReferenceGraph) getSPTree(from int64) path.Shortest {
	spTree, present := rg.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(from), rg.graph)
	rg.cachedSP[from] = spTree
	return spTree
}

// Distances returns the distance from root to every vertex reachable from it.
// The map is empty if root is not in the graph.
func (rg *ReferenceGraph) Distances(root netip.Addr) map[netip.Addr]uint32 {
	rtn := make(map[netip.Addr]uint32)
	rootNode, present := rg.idToNode[root]
	if !present {
		return rtn
	}
	spTree := rg.getSPTree(rootNode)
	for nodeID, id := range rg.nodeToID {
		w := spTree.WeightTo(nodeID)
		if math.IsInf(w, 1) {
			continue
		}
		rtn[id] = uint32(w)
	}
	return rtn
}

// convertNodeSeq extracts the vertex ids from a sequence of graph nodes
func (rg *ReferenceGraph) convertNodeSeq(nsQ []graph.Node) []netip.Addr {
	rtn := []netip.Addr{}
	for _, node := range nsQ {
		rtn = append(rtn, rg.nodeToID[node.ID()])
	}
	return rtn
}

// Route returns one shortest path from src to dst as a list of vertex ids, both ends
// included, or nil if dst cannot be reached
func (rg *ReferenceGraph) Route(src, dst netip.Addr) []netip.Addr {
	srcNode, srcOK := rg.idToNode[src]
	dstNode, dstOK := rg.idToNode[dst]
	if !srcOK || !dstOK {
		return nil
	}
	nodeSeq, _ := rg.getSPTree(srcNode).To(dstNode)
	if len(nodeSeq) == 0 {
		return nil
	}
	return rg.convertNodeSeq(nodeSeq)
}

// ShowPath returns a string listing the vertices on a shortest path from src to dst,
// using names where idToName has one
func (rg *ReferenceGraph) ShowPath(src, dst netip.Addr, idToName map[netip.Addr]string) string {
	pathString := []string{}
	for _, id := range rg.Route(src, dst) {
		name, present := idToName[id]
		if !present {
			name = id.String()
		}
		pathString = append(pathString, name)
	}
	return strings.Join(pathString, ",")
}

// ReferenceDistances computes, with gonum's Dijkstra search, the distance from root
// to every vertex of lsdb reachable from it
func ReferenceDistances(lsdb *LSDB, root netip.Addr) map[netip.Addr]uint32 {
	return BuildReferenceGraph(lsdb).Distances(root)
}
