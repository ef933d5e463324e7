package spf

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/exp/slices"
)

// CandidateQueue holds the vertices reached but not yet placed in the shortest path tree,
// ordered by distance from the root, with networks ahead of routers at equal distance.
// It refers to vertices by their index in the tree's arena and does not own them.
type CandidateQueue struct {
	tree  *Tree
	items []int
}

// CreateCandidateQueue is a constructor
func CreateCandidateQueue(tree *Tree) *CandidateQueue {
	return &CandidateQueue{tree: tree, items: make([]int, 0)}
}

// compareVertices orders by distance, and at equal distance puts a network vertex
// ahead of a router vertex
func (cq *CandidateQueue) compareVertices(a, b int) int {
	va, vb := cq.tree.Vertex(a), cq.tree.Vertex(b)
	if va.Distance != vb.Distance {
		if va.Distance < vb.Distance {
			return -1
		}
		return 1
	}
	if va.Type == VertexNetwork && vb.Type == VertexRouter {
		return -1
	}
	if va.Type == VertexRouter && vb.Type == VertexNetwork {
		return 1
	}
	return 0
}

// Push inserts the vertex behind every element that does not order after it
func (cq *CandidateQueue) Push(idx int) {
	pos := len(cq.items)
	for i, item := range cq.items {
		if cq.compareVertices(idx, item) < 0 {
			pos = i
			break
		}
	}
	cq.items = slices.Insert(cq.items, pos, idx)
}

// Pop removes and returns the first vertex, and false if the queue is empty
func (cq *CandidateQueue) Pop() (int, bool) {
	if len(cq.items) == 0 {
		return -1, false
	}
	idx := cq.items[0]
	cq.items = cq.items[1:]
	return idx, true
}

// Top returns the first vertex without removing it, and false if the queue is empty
func (cq *CandidateQueue) Top() (int, bool) {
	if len(cq.items) == 0 {
		return -1, false
	}
	return cq.items[0], true
}

// Find returns the queued vertex whose id is addr, and false if there is none
func (cq *CandidateQueue) Find(addr netip.Addr) (int, bool) {
	for _, item := range cq.items {
		if cq.tree.Vertex(item).ID == addr {
			return item, true
		}
	}
	return -1, false
}

// Reorder re-sorts the queue after the distance of a queued vertex has changed
func (cq *CandidateQueue) Reorder() {
	slices.SortStableFunc(cq.items, cq.compareVertices)
}

// Clear empties the queue
func (cq *CandidateQueue) Clear() {
	cq.items = cq.items[:0]
}

// Size returns the number of queued vertices
func (cq *CandidateQueue) Size() int {
	return len(cq.items)
}

// Empty is true when nothing is queued
func (cq *CandidateQueue) Empty() bool {
	return len(cq.items) == 0
}

func (cq *CandidateQueue) String() string {
	parts := []string{}
	for _, item := range cq.items {
		v := cq.tree.Vertex(item)
		parts = append(parts, fmt.Sprintf("%s:%s:%d", v.Type, v.ID, v.Distance))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
