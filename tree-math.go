package mls

// The below functions provide the index calculus for the tree structures used in MLS.
// They are premised on a "flat" representation of a balanced binary tree.  Leaf nodes
// are even-numbered nodes, with the n-th leaf at 2*n.  Intermediate nodes are held in
// odd-numbered nodes.  For example, an 8-leaf tree has the following structure:
//
//                          X
//              X                       X
//        X           X           X           X
//     X     X     X     X     X     X     X     X
//     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e
//
// The ratchet tree always holds a power-of-two number of leaves, but the
// functions below also handle arbitrary widths.  The basic rule is that the
// high-order bits of parent and child nodes have the following relation:
//
//    01x = <00x, 10x>

type LeafIndex uint32
type LeafCount uint32
type NodeIndex uint32
type NodeCount uint32

func toNodeIndex(leaf LeafIndex) NodeIndex {
	return NodeIndex(2 * leaf)
}

func toLeafIndex(node NodeIndex) LeafIndex {
	return LeafIndex(node >> 1)
}

// Position of the most significant 1 bit
func log2(x NodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k += 1
	}
	return k - 1
}

// Position of the least significant 0 bit
func level(x NodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k += 1
	}
	return k
}

// Number of nodes for a tree of size N
func nodeWidth(n LeafCount) NodeCount {
	if n == 0 {
		return 0
	}
	return NodeCount(2*(n-1) + 1)
}

// Number of leaves for a tree of width W
func leafWidth(w NodeCount) LeafCount {
	if w == 0 {
		return 0
	}
	return LeafCount((w-1)/2 + 1)
}

// Smallest power of two that is >= n
func leafSlots(n LeafCount) LeafCount {
	s := LeafCount(1)
	for s < n {
		s <<= 1
	}
	return s
}

// Index of the root of the tree with N leaves
func root(n LeafCount) NodeIndex {
	w := nodeWidth(n)
	return NodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func left(x NodeIndex) NodeIndex {
	if level(x) == 0 {
		return x
	}

	return x ^ (0x01 << (level(x) - 1))
}

// Right child of x
func right(x NodeIndex, n LeafCount) NodeIndex {
	if level(x) == 0 {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	r := x ^ (0x03 << (level(x) - 1))
	for r >= w {
		r = left(r)
	}
	return r
}

// Immediate parent of x; may not exist in tree
func parentStep(x NodeIndex) NodeIndex {
	// xy01 -> x011
	k := level(x)
	one := NodeIndex(1)
	return (x | (one << k)) & ^(one << (k + 1))
}

// Parent of x
func parent(x NodeIndex, n LeafCount) NodeIndex {
	// root's parent is itself
	if x == root(n) {
		return x
	}

	w := NodeIndex(nodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling of x
func sibling(x NodeIndex, n LeafCount) NodeIndex {
	p := parent(x, n)
	if x < p {
		return right(p, n)
	} else if x > p {
		return left(p)
	}

	// root's sibling is itself
	return p
}

// Direct path for x, ordered from x's parent up to and including the root
func dirpath(x NodeIndex, n LeafCount) []NodeIndex {
	d := []NodeIndex{}
	r := root(n)
	if x == r {
		return d
	}

	p := parent(x, n)
	for {
		d = append(d, p)
		if p == r {
			break
		}
		p = parent(p, n)
	}
	return d
}

// Copath for x, ordered from x's sibling up to the child of the root
func copath(x NodeIndex, n LeafCount) []NodeIndex {
	r := root(n)
	if x == r {
		return []NodeIndex{}
	}

	d := append([]NodeIndex{x}, dirpath(x, n)...)
	d = d[:len(d)-1]

	c := make([]NodeIndex, len(d))
	for i, y := range d {
		c[i] = sibling(y, n)
	}
	return c
}

// Whether node x is in the subtree rooted at y
func inSubtree(x, y NodeIndex) bool {
	lx, ly := level(x), level(y)
	return lx <= ly && (x>>(ly+1)) == (y>>(ly+1))
}

// Lowest common ancestor of two leaves
func ancestor(l, r LeafIndex) NodeIndex {
	ln, rn := toNodeIndex(l), toNodeIndex(r)
	if ln == rn {
		return ln
	}

	k := uint(0)
	for ln != rn {
		ln >>= 1
		rn >>= 1
		k += 1
	}

	prefix := ln << k
	stop := NodeIndex(1 << (k - 1))
	return prefix + (stop - 1)
}
