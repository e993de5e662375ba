package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingRouteStableUnderUnchangedTopology(t *testing.T) {
	r := NewRing(160)
	r.Rebuild([]Node{{ID: "a:1"}, {ID: "b:1"}, {ID: "c:1"}})

	before := make(map[string]string)
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("entity-%d", i)
		n, ok := r.Route(id)
		require.True(t, ok)
		before[id] = n.ID
	}

	// Re-applying an identical node set must not move anything.
	r.Rebuild([]Node{{ID: "a:1"}, {ID: "b:1"}, {ID: "c:1"}})
	for id, node := range before {
		n, ok := r.Route(id)
		require.True(t, ok)
		require.Equal(t, node, n.ID)
	}
}

func TestRingRemoveAndReAddRestoresAssignment(t *testing.T) {
	r := NewRing(160)
	r.Rebuild([]Node{{ID: "a:1"}, {ID: "b:1"}, {ID: "c:1"}})

	n, ok := r.Route("entity-42")
	require.True(t, ok)
	original := n.ID

	r.Remove("c:1")
	n2, ok := r.Route("entity-42")
	require.True(t, ok)
	require.NotEqual(t, "c:1", n2.ID)

	r.Add(Node{ID: "c:1"})
	n3, ok := r.Route("entity-42")
	require.True(t, ok)
	require.Equal(t, original, n3.ID)
}

func TestRingAddSingleNodeMovesBoundedFraction(t *testing.T) {
	const n = 10000
	r := NewRing(160)
	r.Rebuild([]Node{{ID: "a:1"}, {ID: "b:1"}, {ID: "c:1"}})

	before := make(map[string]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("entity-%d", i)
		node, _ := r.Route(id)
		before[id] = node.ID
	}

	r.Add(Node{ID: "d:1"})

	moved := 0
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("entity-%d", i)
		node, _ := r.Route(id)
		if node.ID != before[id] {
			moved++
		}
	}

	// Adding a fourth node to three is expected to move ~1/4 of keys; allow generous
	// slack since virtual-node placement is hash-dependent, not uniform.
	frac := float64(moved) / float64(n)
	require.Greater(t, frac, 0.10)
	require.Less(t, frac, 0.45)
}

func TestRingRouteEmptyRing(t *testing.T) {
	r := NewRing(160)
	_, ok := r.Route("anything")
	require.False(t, ok)
}
