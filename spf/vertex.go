package spf

// vertex.go holds the vertices of a shortest path tree.  All the vertices built by
// one SPF computation live in one arena (a Tree), and refer to one another by their
// index in that arena.  Parent and child relations are index lists, which the Tree
// keeps consistent in both directions.  When the computation ends the arena is released
// as a whole.

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/exp/slices"
)

// VertexType distinguishes routers from transit networks in the tree
type VertexType int

const (
	VertexUnknown VertexType = iota
	VertexRouter
	VertexNetwork
)

func (vt VertexType) String() string {
	switch vt {
	case VertexRouter:
		return "router"
	case VertexNetwork:
		return "network"
	}
	return "unknown"
}

// SPFInfinity is the distance of a vertex that has not been reached
const SPFInfinity uint32 = 0xffffffff

// NodeExit is one way out of the root toward a vertex: the address of the next hop
// and the index of the root's outgoing interface
type NodeExit struct {
	NextHop netip.Addr
	IfIndex int
}

func (ne NodeExit) String() string {
	return fmt.Sprintf("(%s,%d)", ne.NextHop, ne.IfIndex)
}

func compareExits(a, b NodeExit) int {
	if c := a.NextHop.Compare(b.NextHop); c != 0 {
		return c
	}
	return a.IfIndex - b.IfIndex
}

// Vertex is a router or network in a shortest path tree
type Vertex struct {
	Type     VertexType
	ID       netip.Addr
	LSA      *LSA // shared with the LSDB, which owns it
	Distance uint32

	exits     []NodeExit
	parents   []int
	children  []int
	processed bool
}

// NewVertex builds a vertex around an LSA, taking its type and id from the LSA.
// The vertex is not placed in any arena.
func NewVertex(lsa *LSA) *Vertex {
	v := &Vertex{LSA: lsa, Distance: SPFInfinity}
	if lsa == nil {
		return v
	}
	v.ID = lsa.LinkStateID
	switch lsa.Type {
	case RouterLSA:
		v.Type = VertexRouter
	case NetworkLSA:
		v.Type = VertexNetwork
	}
	return v
}

// SetRootExitDirection discards any exits already recorded and records the one given
func (v *Vertex) SetRootExitDirection(exit NodeExit) {
	v.exits = []NodeExit{exit}
}

// AddRootExitDirection records one more exit, unless it is already known
func (v *Vertex) AddRootExitDirection(exit NodeExit) {
	if !slices.Contains(v.exits, exit) {
		v.exits = append(v.exits, exit)
	}
}

// ClearRootExitDirections forgets every recorded exit
func (v *Vertex) ClearRootExitDirections() {
	v.exits = v.exits[:0]
}

// MergeRootExitDirections adds the exits of other to those of v.  The merged list is
// sorted and holds no duplicates.
func (v *Vertex) MergeRootExitDirections(other *Vertex) {
	v.exits = append(v.exits, other.exits...)
	slices.SortFunc(v.exits, compareExits)
	v.exits = slices.Compact(v.exits)
}

// InheritAllRootExitDirections replaces the exits of v with copies of those of other
func (v *Vertex) InheritAllRootExitDirections(other *Vertex) {
	v.exits = append([]NodeExit{}, other.exits...)
}

// RootExitDirection returns the exit at position idx.  An index out of range is a programming error.
func (v *Vertex) RootExitDirection(idx int) NodeExit {
	if idx < 0 || idx >= len(v.exits) {
		panic(fmt.Sprintf("exit index %d out of range for vertex %s", idx, v.ID))
	}
	return v.exits[idx]
}

// RootExitDirections returns a copy of every recorded exit
func (v *Vertex) RootExitDirections() []NodeExit {
	return append([]NodeExit{}, v.exits...)
}

// NRootExitDirections returns the number of recorded exits
func (v *Vertex) NRootExitDirections() int {
	return len(v.exits)
}

// SetParent makes parent the only parent of v.  The parent's child list is not touched;
// Tree.AddToParents links the other direction once v is placed in the tree.
func (v *Vertex) SetParent(parent int) {
	v.parents = []int{parent}
}

// MergeParent adds the parents of other to those of v, without duplicates
func (v *Vertex) MergeParent(other *Vertex) {
	v.parents = append(v.parents, other.parents...)
	slices.Sort(v.parents)
	v.parents = slices.Compact(v.parents)
}

// Parent returns the index of the parent at position idx, and false if there is none
func (v *Vertex) Parent(idx int) (int, bool) {
	if idx < 0 || idx >= len(v.parents) {
		return -1, false
	}
	return v.parents[idx], true
}

// NParents returns the number of parents
func (v *Vertex) NParents() int {
	return len(v.parents)
}

// NChildren returns the number of children
func (v *Vertex) NChildren() int {
	return len(v.children)
}

// Child returns the index of the child at position idx
func (v *Vertex) Child(idx int) int {
	return v.children[idx]
}

// SetVertexProcessed sets the flag used by the tree walks of the second SPF stage
func (v *Vertex) SetVertexProcessed(value bool) {
	v.processed = value
}

// IsVertexProcessed returns the flag set by SetVertexProcessed
func (v *Vertex) IsVertexProcessed() bool {
	return v.processed
}

// Tree is the arena holding every vertex of one SPF computation
type Tree struct {
	vertices []*Vertex
}

// CreateTree is a constructor
func CreateTree() *Tree {
	return &Tree{vertices: make([]*Vertex, 0)}
}

// Add places v in the arena and returns its index
func (t *Tree) Add(v *Vertex) int {
	t.vertices = append(t.vertices, v)
	return len(t.vertices) - 1
}

// Vertex returns the vertex at index idx
func (t *Tree) Vertex(idx int) *Vertex {
	return t.vertices[idx]
}

// Size returns the number of vertices held
func (t *Tree) Size() int {
	return len(t.vertices)
}

// AddChild places child in the child list of parent, once
func (t *Tree) AddChild(parent, child int) int {
	pv := t.vertices[parent]
	if !slices.Contains(pv.children, child) {
		pv.children = append(pv.children, child)
	}
	return len(pv.children)
}

// AddToParents links vertex idx into the child list of every one of its parents
func (t *Tree) AddToParents(idx int) {
	for _, parent := range t.vertices[idx].parents {
		t.AddChild(parent, idx)
	}
}

// Detach removes vertex idx from the child list of each of its parents and from the parent
// list of each of its children, then clears its own lists
func (t *Tree) Detach(idx int) {
	v := t.vertices[idx]
	for _, parent := range v.parents {
		pv := t.vertices[parent]
		pv.children = slices.DeleteFunc(pv.children, func(c int) bool { return c == idx })
	}
	for _, child := range v.children {
		cv := t.vertices[child]
		cv.parents = slices.DeleteFunc(cv.parents, func(p int) bool { return p == idx })
	}
	v.parents = nil
	v.children = nil
}

// ClearVertexProcessed clears the processed flag on vertex idx and everything below it
func (t *Tree) ClearVertexProcessed(idx int) {
	v := t.vertices[idx]
	for _, child := range v.children {
		t.ClearVertexProcessed(child)
	}
	v.processed = false
}

// Release drops every vertex held.  LSAs referenced by the vertices are left alone.
func (t *Tree) Release() {
	for idx := range t.vertices {
		t.vertices[idx] = nil
	}
	t.vertices = t.vertices[:0]
}

// String lists the tree below vertex idx, one vertex per line, indented by depth
func (t *Tree) String(idx int) string {
	var sb strings.Builder
	visited := make(map[int]bool)
	var walk func(at, depth int)
	walk = func(at, depth int) {
		if visited[at] {
			return
		}
		visited[at] = true
		v := t.vertices[at]
		fmt.Fprintf(&sb, "%s%s %s dist %d exits %v\n", strings.Repeat("  ", depth), v.Type, v.ID, v.Distance, v.exits)
		for _, child := range v.children {
			walk(child, depth+1)
		}
	}
	walk(idx, 0)
	return sb.String()
}
