package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Roots of trees with one to eleven leaves
var (
	aRoot = []NodeIndex{0x00, 0x01, 0x03, 0x03, 0x07, 0x07, 0x07, 0x07, 0x0f, 0x0f, 0x0f}

	aN     = LeafCount(0x0b)
	aWidth = NodeCount(0x15)
)

func TestSizeProperties(t *testing.T) {
	for n := LeafCount(1); n < aN; n += 1 {
		require.Equal(t, aRoot[n-1], root(n))
	}

	require.Equal(t, aWidth, nodeWidth(aN))
	require.Equal(t, aN, leafWidth(aWidth))
	require.Equal(t, NodeCount(0), nodeWidth(0))
	require.Equal(t, LeafCount(0), leafWidth(0))

	require.Equal(t, LeafCount(1), leafSlots(1))
	require.Equal(t, LeafCount(4), leafSlots(3))
	require.Equal(t, LeafCount(16), leafSlots(aN))
}

func TestNodeRelations(t *testing.T) {
	n := LeafCount(4)

	require.Equal(t, uint(0), level(0))
	require.Equal(t, uint(1), level(1))
	require.Equal(t, uint(2), level(3))

	require.Equal(t, NodeIndex(1), left(3))
	require.Equal(t, NodeIndex(5), right(3, n))
	require.Equal(t, NodeIndex(0), left(1))
	require.Equal(t, NodeIndex(2), right(1, n))

	require.Equal(t, NodeIndex(1), parent(0, n))
	require.Equal(t, NodeIndex(3), parent(1, n))
	require.Equal(t, NodeIndex(3), parent(3, n))

	require.Equal(t, NodeIndex(2), sibling(0, n))
	require.Equal(t, NodeIndex(5), sibling(1, n))
	require.Equal(t, NodeIndex(3), sibling(3, n))

	// Unbalanced tree: node 7 would be the parent of 3 in a full tree but the
	// right subtree of 7 holds only leaf 4.
	n = LeafCount(5)
	require.Equal(t, NodeIndex(7), root(n))
	require.Equal(t, NodeIndex(8), right(7, n))
	require.Equal(t, NodeIndex(7), parent(8, n))
	require.Equal(t, NodeIndex(3), sibling(8, n))
}

func TestPaths(t *testing.T) {
	n := LeafCount(5)

	require.Equal(t, []NodeIndex{1, 3, 7}, dirpath(0, n))
	require.Equal(t, []NodeIndex{2, 5, 8}, copath(0, n))
	require.Equal(t, []NodeIndex{7}, dirpath(8, n))
	require.Equal(t, []NodeIndex{3}, copath(8, n))
	require.Empty(t, dirpath(root(n), n))
	require.Empty(t, copath(root(n), n))

	require.Empty(t, dirpath(0, 1))
}

func TestSubtreeAndAncestor(t *testing.T) {
	require.True(t, inSubtree(0, 3))
	require.True(t, inSubtree(4, 3))
	require.True(t, inSubtree(3, 3))
	require.False(t, inSubtree(8, 3))
	require.False(t, inSubtree(3, 1))

	require.Equal(t, NodeIndex(1), ancestor(0, 1))
	require.Equal(t, NodeIndex(3), ancestor(0, 3))
	require.Equal(t, NodeIndex(7), ancestor(1, 4))
	require.Equal(t, NodeIndex(4), ancestor(2, 2))

	require.Equal(t, NodeIndex(6), toNodeIndex(3))
	require.Equal(t, LeafIndex(3), toLeafIndex(6))
}
