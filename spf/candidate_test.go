package spf

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func addrs(ss ...string) []netip.Addr {
	rtn := []netip.Addr{}
	for _, s := range ss {
		rtn = append(rtn, addr(s))
	}
	return rtn
}

// addVertex places a router or network vertex with the given distance in the tree
func addVertex(tree *Tree, id string, network bool, distance uint32) int {
	var lsa *LSA
	if network {
		lsa = CreateNetworkLSA(addr(id), MaskFromBits(24), addr(id), nil)
	} else {
		lsa = CreateRouterLSA(addr(id))
	}
	v := NewVertex(lsa)
	v.Distance = distance
	return tree.Add(v)
}

func popAll(t *testing.T, cq *CandidateQueue) []string {
	t.Helper()
	ids := []string{}
	for !cq.Empty() {
		idx, ok := cq.Pop()
		require.True(t, ok)
		ids = append(ids, cq.tree.Vertex(idx).ID.String())
	}
	return ids
}

func TestCandidateQueueOrder(t *testing.T) {
	tree := CreateTree()
	cq := CreateCandidateQueue(tree)

	cq.Push(addVertex(tree, "1.0.0.5", false, 5))
	cq.Push(addVertex(tree, "1.0.0.2", false, 2))
	cq.Push(addVertex(tree, "10.0.0.2", true, 2))
	cq.Push(addVertex(tree, "1.0.0.9", false, 9))
	cq.Push(addVertex(tree, "1.0.0.3", false, 2))
	cq.Push(addVertex(tree, "10.0.0.5", true, 5))

	require.Equal(t, 6, cq.Size())
	top, ok := cq.Top()
	require.True(t, ok)
	assert.Equal(t, addr("10.0.0.2"), tree.Vertex(top).ID)

	// networks ahead of routers at equal distance, routers of equal distance in push order
	assert.Equal(t, []string{"10.0.0.2", "1.0.0.2", "1.0.0.3", "10.0.0.5", "1.0.0.5", "1.0.0.9"}, popAll(t, cq))

	_, ok = cq.Pop()
	assert.False(t, ok)
	_, ok = cq.Top()
	assert.False(t, ok)
}

func TestCandidateQueueReorder(t *testing.T) {
	tree := CreateTree()
	cq := CreateCandidateQueue(tree)

	a := addVertex(tree, "1.0.0.1", false, 4)
	b := addVertex(tree, "1.0.0.2", false, 6)
	c := addVertex(tree, "1.0.0.3", false, 8)
	for _, idx := range []int{c, a, b} {
		cq.Push(idx)
	}

	found, ok := cq.Find(addr("1.0.0.3"))
	require.True(t, ok)
	require.Equal(t, c, found)
	_, ok = cq.Find(addr("9.9.9.9"))
	assert.False(t, ok)

	tree.Vertex(c).Distance = 1
	cq.Reorder()
	assert.Equal(t, []string{"1.0.0.3", "1.0.0.1", "1.0.0.2"}, popAll(t, cq))
}

func TestCandidateQueuePopIsMinimum(t *testing.T) {
	tree := CreateTree()
	cq := CreateCandidateQueue(tree)

	distances := []uint32{7, 3, 3, 11, 0, 5, 3, 8, 1, 5}
	for idx, d := range distances {
		id := netip.AddrFrom4([4]byte{1, 0, 0, byte(idx + 1)}).String()
		cq.Push(addVertex(tree, id, idx%3 == 0, d))
	}

	prev := -1
	prevNet := false
	for !cq.Empty() {
		idx, _ := cq.Pop()
		v := tree.Vertex(idx)
		require.GreaterOrEqual(t, int(v.Distance), prev)
		if int(v.Distance) == prev && !prevNet {
			require.Equal(t, VertexRouter, v.Type, "network popped after a router of equal distance")
		}
		prev = int(v.Distance)
		prevNet = v.Type == VertexNetwork
	}

	cq.Push(addVertex(tree, "2.0.0.1", false, 1))
	cq.Clear()
	assert.True(t, cq.Empty())
}
