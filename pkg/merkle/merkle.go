// Package merkle implements the incremental merkle accumulator of the
// ledger.
//
// The tree is a fixed-size arena of hash slots addressed by index
// arithmetic: node 0 is the root, the children of node i are 2i+1 and
// 2i+2, and the leaves occupy the last LeafCapacity slots. Leaves are
// pushed left to right. When every leaf slot is used the accumulated root
// is copied into the leftmost leaf and the remaining leaves are reused, so
// the root of each tree generation depends on every hash pushed before it.
//
// A Tree is not safe for concurrent Push calls; it is meant to be driven by
// the single writer that appends blocks, in block order.
package merkle

import (
	"errors"

	"github.com/i5heu/ametsuchi/pkg/types"
)

var (
	ErrInvalidCapacity = errors.New("merkle: capacity must be at least 1")
	ErrNotInitialized  = errors.New("merkle: root requested before the first push")
)

// Tree is the accumulator. The zero value is not usable, create one with New.
type Tree struct {
	nodes   []types.Hash
	leaves  int
	current int // next free leaf slot
	root    int // slot holding the most recent root
	pushed  uint64
	last    types.Hash // most recently pushed leaf
}

// New creates a tree with room for capacity leaves, rounded up to the next
// power of two.
func New(capacity int) (*Tree, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	leaves := ceilPow2(capacity)
	t := &Tree{
		nodes:  make([]types.Hash, 2*leaves-1),
		leaves: leaves,
	}
	t.reset()
	return t, nil
}

func (t *Tree) reset() {
	for i := range t.nodes {
		t.nodes[i] = types.Hash{}
	}
	t.current = t.firstLeaf()
	t.root = t.current
	t.pushed = 0
	t.last = types.Hash{}
}

// LeafCapacity is the number of leaf slots of one tree generation.
func (t *Tree) LeafCapacity() int {
	return t.leaves
}

// Len is the number of hashes pushed since the tree was created.
func (t *Tree) Len() uint64 {
	return t.pushed
}

// Root returns the accumulated digest of everything pushed so far.
func (t *Tree) Root() (types.Hash, error) {
	if t.pushed == 0 {
		return types.Hash{}, ErrNotInitialized
	}
	return t.nodes[t.root], nil
}

// LastLeaf returns the hash pushed most recently.
func (t *Tree) LastLeaf() (types.Hash, error) {
	if t.pushed == 0 {
		return types.Hash{}, ErrNotInitialized
	}
	return t.last, nil
}

// Push appends one leaf hash and updates the root.
func (t *Tree) Push(h types.Hash) {
	defer func() {
		t.pushed++
		t.last = h
	}()

	if t.pushed == 0 {
		t.nodes[t.current] = h
		t.root = t.current
		t.current++
		return
	}

	if t.leaves == 1 {
		// A single slot has no second leaf to recycle into: the chained
		// root takes the left position and h the right one.
		t.nodes[0] = types.HashPair(t.nodes[0], h)
		t.root = 0
		return
	}

	if t.current == len(t.nodes) {
		// generation complete, chain its root into the next one
		t.nodes[t.firstLeaf()] = t.nodes[0]
		t.root = t.firstLeaf()
		t.current = t.firstLeaf() + 1
	}

	t.nodes[t.current] = h

	levels := 1 + log2(t.current-t.firstLeaf())
	node := t.current
	parent := parentOf(node)
	for i := 0; i < levels; i++ {
		left, right := leftOf(parent), rightOf(parent)
		if node == left {
			// no right sibling yet
			t.nodes[parent] = t.nodes[left]
		} else {
			t.nodes[parent] = types.HashPair(t.nodes[left], t.nodes[right])
		}
		t.root = parent

		node = parent
		parent = parentOf(parent)
	}

	t.current++
}

// cursorsFor returns the next free leaf slot and the root slot of a tree
// with the given leaf count after pushed pushes.
func cursorsFor(leaves int, pushed uint64) (current, root int) {
	first := leaves - 1
	if pushed == 0 {
		return first, first
	}
	if leaves == 1 {
		return 1, 0
	}

	// leaf slots in use by the current generation; after the first
	// generation slot 0 holds the chained root
	var used uint64
	if pushed <= uint64(leaves) {
		used = pushed
	} else {
		used = 2 + (pushed-uint64(leaves)-1)%uint64(leaves-1)
	}
	current = first + int(used)
	if used == 1 {
		return current, first
	}

	root = current - 1
	for i := 0; i < 1+log2(int(used)-1); i++ {
		root = parentOf(root)
	}
	return current, root
}

func (t *Tree) firstLeaf() int {
	return t.leaves - 1
}

func leftOf(parent int) int {
	return 2*parent + 1
}

func rightOf(parent int) int {
	return 2*parent + 2
}

func parentOf(node int) int {
	if node == 0 {
		return 0
	}
	return (node - 1) / 2
}

// log2 returns floor(log2(x)) for x >= 1.
func log2(x int) int {
	y := 0
	for x > 1 {
		x >>= 1
		y++
	}
	return y
}

func ceilPow2(x int) int {
	p := 1
	for p < x {
		p <<= 1
	}
	return p
}
