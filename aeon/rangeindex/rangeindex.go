// Package rangeindex is the ordered tree shared by every allocator and
// directory in an aeon volume. It stores disjoint [Low, High] ranges, or
// single hash keys with Low == High, ordered by Low.
//
// The Kind chosen at construction selects how a scalar key is matched:
//
//   - KindDir: exact match on the hash key; every node is a single key.
//   - KindBlock, KindInode: a key matches the node whose [Low, High]
//     contains it (below / inside / above).
//
// Indexes are not safe for concurrent use. Each one is owned by exactly one
// shard or directory, and that owner's lock guards it.
package rangeindex

import (
	"fmt"
	"math"

	"github.com/google/btree"

	"github.com/joshuapare/aeonkit/pkg/types"
)

// Kind selects the comparator semantics of an Index.
type Kind uint8

const (
	KindDir Kind = iota
	KindBlock
	KindInode
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindBlock:
		return "block"
	case KindInode:
		return "inode"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// degree is the B-tree fan-out. 32 keeps nodes within a couple of cache
// lines of pointers for the small trees a directory usually has.
const degree = 32

// Node is one range. Callers may read Low/High/Payload freely but must go
// through Resize to move the bounds of a linked node.
type Node[P any] struct {
	Low     uint64
	High    uint64
	Payload P
}

// Size is the number of units the node covers.
func (n *Node[P]) Size() uint64 { return n.High - n.Low + 1 }

// Contains reports whether key lies inside the node.
func (n *Node[P]) Contains(key uint64) bool { return key >= n.Low && key <= n.High }

func (n *Node[P]) String() string { return fmt.Sprintf("[%d, %d]", n.Low, n.High) }

// Index is an ordered set of disjoint ranges.
type Index[P any] struct {
	kind Kind
	tree *btree.BTreeG[*Node[P]]
}

// Ranges is an index whose ranges are their own value (block and inode trees).
type Ranges = Index[struct{}]

func less[P any](a, b *Node[P]) bool { return a.Low < b.Low }

// New returns an empty index of the given kind.
func New[P any](kind Kind) *Index[P] {
	return &Index[P]{kind: kind, tree: btree.NewG(degree, less[P])}
}

// NewRanges returns an empty payload-less index.
func NewRanges(kind Kind) *Ranges { return New[struct{}](kind) }

// Kind returns the comparator semantics.
func (x *Index[P]) Kind() Kind { return x.kind }

// Len returns the number of nodes.
func (x *Index[P]) Len() int { return x.tree.Len() }

// Insert links a new node. It fails with ErrDuplicateKey when the key (dir
// kind) or any unit of the range (block/inode kinds) is already present;
// existing nodes are never overwritten.
func (x *Index[P]) Insert(low, high uint64, payload P) (*Node[P], error) {
	if low > high {
		return nil, types.Errorf(types.ErrKindInvalidArgument, "rangeindex: inverted range [%d, %d]", low, high)
	}
	if x.kind == KindDir && low != high {
		return nil, types.Errorf(types.ErrKindInvalidArgument, "rangeindex: dir key must be a single value, got [%d, %d]", low, high)
	}
	if prev := x.floor(low); prev != nil && prev.High >= low {
		return nil, types.Errorf(types.ErrKindDuplicateKey, "rangeindex: %s [%d, %d] collides with %s", x.kind, low, high, prev)
	}
	if next := x.Seek(low); next != nil && next.Low <= high {
		return nil, types.Errorf(types.ErrKindDuplicateKey, "rangeindex: %s [%d, %d] collides with %s", x.kind, low, high, next)
	}
	n := &Node[P]{Low: low, High: high, Payload: payload}
	x.tree.ReplaceOrInsert(n)
	return n, nil
}

// Find returns the node matching key, or nil.
func (x *Index[P]) Find(key uint64) *Node[P] {
	if x.kind == KindDir {
		n, ok := x.tree.Get(&Node[P]{Low: key})
		if !ok {
			return nil
		}
		return n
	}
	if n := x.floor(key); n != nil && n.High >= key {
		return n
	}
	return nil
}

// Erase unlinks n. It reports false if n is not linked in this index.
func (x *Index[P]) Erase(n *Node[P]) bool {
	if n == nil {
		return false
	}
	got, ok := x.tree.Get(n)
	if !ok || got != n {
		return false
	}
	x.tree.Delete(n)
	return true
}

// First returns the lowest node, or nil when empty.
func (x *Index[P]) First() *Node[P] {
	n, _ := x.tree.Min()
	return n
}

// Last returns the highest node, or nil when empty.
func (x *Index[P]) Last() *Node[P] {
	n, _ := x.tree.Max()
	return n
}

// Next returns the node following n in order, or nil.
func (x *Index[P]) Next(n *Node[P]) *Node[P] {
	if n.Low == math.MaxUint64 {
		return nil
	}
	return x.Seek(n.Low + 1)
}

// Prev returns the node preceding n in order, or nil.
func (x *Index[P]) Prev(n *Node[P]) *Node[P] {
	if n.Low == 0 {
		return nil
	}
	return x.floor(n.Low - 1)
}

// Seek returns the first node whose Low is >= key, or nil.
func (x *Index[P]) Seek(key uint64) *Node[P] {
	var out *Node[P]
	x.tree.AscendGreaterOrEqual(&Node[P]{Low: key}, func(n *Node[P]) bool {
		out = n
		return false
	})
	return out
}

// floor returns the last node whose Low is <= key, or nil.
func (x *Index[P]) floor(key uint64) *Node[P] {
	var out *Node[P]
	x.tree.DescendLessOrEqual(&Node[P]{Low: key}, func(n *Node[P]) bool {
		out = n
		return false
	})
	return out
}

// Resize moves the bounds of a linked node in place. The new range must not
// reach into a neighbour; dir nodes cannot be resized.
func (x *Index[P]) Resize(n *Node[P], low, high uint64) error {
	if x.kind == KindDir {
		return types.Errorf(types.ErrKindInvalidArgument, "rangeindex: dir nodes are not resizable")
	}
	if low > high {
		return types.Errorf(types.ErrKindInvalidArgument, "rangeindex: inverted range [%d, %d]", low, high)
	}
	if prev := x.Prev(n); prev != nil && prev.High >= low {
		return types.Errorf(types.ErrKindDuplicateKey, "rangeindex: resize %s to [%d, %d] reaches %s", n, low, high, prev)
	}
	if next := x.Next(n); next != nil && next.Low <= high {
		return types.Errorf(types.ErrKindDuplicateKey, "rangeindex: resize %s to [%d, %d] reaches %s", n, low, high, next)
	}
	// Order against the neighbours is unchanged, so Low can be rewritten
	// without relinking.
	n.Low, n.High = low, high
	return nil
}

// Ascend calls fn for every node in order until fn returns false.
func (x *Index[P]) Ascend(fn func(*Node[P]) bool) {
	x.tree.Ascend(fn)
}

// AscendFrom calls fn for every node with Low >= key, in order, until fn
// returns false.
func (x *Index[P]) AscendFrom(key uint64, fn func(*Node[P]) bool) {
	x.tree.AscendGreaterOrEqual(&Node[P]{Low: key}, fn)
}

// Total sums Size over all nodes.
func (x *Index[P]) Total() uint64 {
	var t uint64
	x.tree.Ascend(func(n *Node[P]) bool {
		t += n.Size()
		return true
	})
	return t
}

// Clear drops every node.
func (x *Index[P]) Clear() { x.tree.Clear(false) }

// Check verifies that nodes are well formed, ordered and disjoint.
func (x *Index[P]) Check() error {
	var prev *Node[P]
	var err error
	x.tree.Ascend(func(n *Node[P]) bool {
		switch {
		case n.Low > n.High:
			err = types.Errorf(types.ErrKindCorrupt, "rangeindex: inverted node %s", n)
		case x.kind == KindDir && n.Low != n.High:
			err = types.Errorf(types.ErrKindCorrupt, "rangeindex: dir node %s spans a range", n)
		case prev != nil && prev.High >= n.Low:
			err = types.Errorf(types.ErrKindCorrupt, "rangeindex: %s overlaps %s", prev, n)
		}
		prev = n
		return err == nil
	})
	return err
}
