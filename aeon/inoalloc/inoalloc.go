// Package inoalloc assigns inode numbers from N independent shards.
//
// An external inode number encodes its shard: ino = internal*N + shard. Each
// shard keeps a rangeindex of its IN-USE internal numbers; the gaps between
// ranges are the free numbers. Internal number 0 is reserved in every shard,
// so the first range always starts at 0 and never disappears.
//
// Allocation always grows the first range by one. When that closes the gap
// to the next range the two are merged, which keeps the tree small under the
// common allocate-mostly workload. Free splits or trims whichever range
// holds the number.
package inoalloc

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/aeon/rangeindex"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/internal/logger"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// Counters mirror one shard's region-table entry.
type Counters struct {
	RangeHigh uint32 // high end of the first in-use range
	Allocated uint64 // numbers ever handed out
	InUse     uint64 // numbers currently in use, reserved 0 excluded
	Freed     uint64 // numbers returned
}

// CounterStore persists shard counters. It is called with the shard lock
// held, right after the tree changes.
type CounterStore interface {
	StoreCounters(shard int, c Counters)
}

// Options configures an Allocator.
type Options struct {
	Shards int
	// Highs gives the initial in-use range [0, Highs[i]] of each shard. Nil
	// starts every shard at [0, 0].
	Highs []uint32
	// MaxInternal bounds internal numbers; zero means format.MaxInternalIno.
	MaxInternal uint64
	Store       CounterStore
	Logger      *slog.Logger
}

// Allocator is the sharded inode-number manager. Safe for concurrent use.
type Allocator struct {
	shards      []*shard
	maxInternal uint64
	store       CounterStore
	log         *slog.Logger
}

type shard struct {
	id   int
	mu   sync.Mutex
	tree *rangeindex.Ranges
	c    Counters
}

// New builds the allocator with one in-use range per shard.
func New(opts Options) (*Allocator, error) {
	if opts.Shards < 1 || opts.Shards > format.MaxShards {
		return nil, types.Errorf(types.ErrKindInvalidArgument, "inoalloc: %d shards", opts.Shards)
	}
	if opts.Highs != nil && len(opts.Highs) != opts.Shards {
		return nil, types.Errorf(types.ErrKindInvalidArgument, "inoalloc: %d highs for %d shards", len(opts.Highs), opts.Shards)
	}
	a := &Allocator{
		shards:      make([]*shard, opts.Shards),
		maxInternal: opts.MaxInternal,
		store:       opts.Store,
		log:         logger.Or(opts.Logger).With("component", "inoalloc"),
	}
	if a.maxInternal == 0 {
		a.maxInternal = format.MaxInternalIno
	}
	for i := range a.shards {
		var high uint32
		if opts.Highs != nil {
			high = opts.Highs[i]
		}
		if uint64(high) > a.maxInternal {
			return nil, types.Errorf(types.ErrKindInvalidArgument, "inoalloc: shard %d high %d beyond %d", i, high, a.maxInternal)
		}
		s := &shard{id: i, tree: rangeindex.NewRanges(rangeindex.KindInode)}
		if _, err := s.tree.Insert(0, uint64(high), struct{}{}); err != nil {
			return nil, err
		}
		s.c = Counters{RangeHigh: high, InUse: uint64(high)}
		a.shards[i] = s
	}
	return a, nil
}

// Shards returns the shard count.
func (a *Allocator) Shards() int { return len(a.shards) }

// Split decodes an external number.
func (a *Allocator) Split(ino types.Ino) (shard int, internal uint64) {
	n := uint64(len(a.shards))
	return int(uint64(ino) % n), uint64(ino) / n
}

// Compose encodes an external number.
func (a *Allocator) Compose(shard int, internal uint64) types.Ino {
	return types.Ino(internal*uint64(len(a.shards)) + uint64(shard))
}

// TableSlot locates an internal number inside its shard's inode tables: the
// index of the table block in the shard's map and the record index in it.
func TableSlot(internal uint64) (tableIndex, record int) {
	return int(internal / format.InodesPerBlock), int(internal % format.InodesPerBlock)
}

// Address returns the record address of internal within table block
// tableBlock. No tree access is needed.
func Address(tableBlock, internal uint64) types.Addr {
	_, rec := TableSlot(internal)
	return aeon.BlockAddr(tableBlock) + types.Addr(rec<<format.InodeShift)
}

// Allocate hands out the next number of shard.
func (a *Allocator) Allocate(shardID int) (types.Ino, error) {
	if shardID < 0 || shardID >= len(a.shards) {
		return 0, types.Errorf(types.ErrKindInvalidArgument, "inoalloc: shard %d of %d", shardID, len(a.shards))
	}
	s := a.shards[shardID]
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.tree.First()
	if i == nil {
		return 0, types.Errorf(types.ErrKindCorrupt, "inoalloc: shard %d lost its reserved range", shardID)
	}
	fresh := i.High + 1
	next := s.tree.Next(i)
	switch {
	case fresh > a.maxInternal:
		a.log.Debug("inode numbers exhausted", "shard", shardID, "high", i.High)
		return 0, fmt.Errorf("inoalloc: shard %d: %w", shardID, types.ErrOutOfSpace)
	case next != nil && next.Low == fresh+1:
		nh := next.High
		s.tree.Erase(next)
		_ = s.tree.Resize(i, i.Low, nh)
	case next == nil || fresh < next.Low-1:
		_ = s.tree.Resize(i, i.Low, fresh)
	default:
		a.log.Debug("no room after first range", "shard", shardID, "high", i.High, "next", next.Low)
		return 0, fmt.Errorf("inoalloc: shard %d: %w", shardID, types.ErrOutOfSpace)
	}

	s.c.RangeHigh = uint32(i.High)
	s.c.Allocated++
	s.c.InUse++
	a.persist(s)
	return a.Compose(shardID, fresh), nil
}

// Free returns ino to its shard.
func (a *Allocator) Free(ino types.Ino) error {
	shardID, internal := a.Split(ino)
	if internal == 0 {
		return types.Errorf(types.ErrKindInvalidArgument, "inoalloc: ino %d is reserved", ino)
	}
	s := a.shards[shardID]
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.tree.Find(internal)
	if i == nil {
		return fmt.Errorf("inoalloc: ino %d: %w", ino, types.ErrNotFound)
	}
	switch {
	case internal == i.Low && internal == i.High:
		s.tree.Erase(i)
	case internal == i.Low:
		_ = s.tree.Resize(i, internal+1, i.High)
	case internal == i.High:
		_ = s.tree.Resize(i, i.Low, internal-1)
	default:
		tail := i.High
		_ = s.tree.Resize(i, i.Low, internal-1)
		if _, err := s.tree.Insert(internal+1, tail, struct{}{}); err != nil {
			return err
		}
	}

	s.c.RangeHigh = uint32(s.tree.First().High)
	s.c.Freed++
	s.c.InUse--
	a.persist(s)
	return nil
}

// InUse reports whether ino is currently allocated. Reserved numbers count
// as in use.
func (a *Allocator) InUse(ino types.Ino) bool {
	shardID, internal := a.Split(ino)
	s := a.shards[shardID]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Find(internal) != nil
}

// Rebuild replaces shard's state with the given in-use internal numbers (0
// is implied) and the persisted lifetime counters. Mount calls it once per
// shard after scanning the inode tables.
func (a *Allocator) Rebuild(shardID int, used []uint64, persisted Counters) error {
	if shardID < 0 || shardID >= len(a.shards) {
		return types.Errorf(types.ErrKindInvalidArgument, "inoalloc: shard %d of %d", shardID, len(a.shards))
	}
	used = slices.Clone(used)
	slices.Sort(used)
	used = slices.Compact(used)

	s := a.shards[shardID]
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree.Clear()
	lo, hi := uint64(0), uint64(0)
	var inUse uint64
	for _, n := range used {
		if n == 0 {
			continue
		}
		if n > a.maxInternal {
			return types.Errorf(types.ErrKindCorrupt, "inoalloc: shard %d internal %d beyond %d", shardID, n, a.maxInternal)
		}
		inUse++
		if n == hi+1 {
			hi = n
			continue
		}
		if _, err := s.tree.Insert(lo, hi, struct{}{}); err != nil {
			return err
		}
		lo, hi = n, n
	}
	if _, err := s.tree.Insert(lo, hi, struct{}{}); err != nil {
		return err
	}

	s.c = Counters{
		RangeHigh: uint32(s.tree.First().High),
		Allocated: persisted.Allocated,
		InUse:     inUse,
		Freed:     persisted.Freed,
	}
	a.persist(s)
	return nil
}

func (a *Allocator) persist(s *shard) {
	if a.store != nil {
		a.store.StoreCounters(s.id, s.c)
	}
}

// ShardStats is a point-in-time view of one shard.
type ShardStats struct {
	ID     int
	Ranges [][2]uint64
	Counters
}

// Stats snapshots every shard.
func (a *Allocator) Stats() []ShardStats {
	out := make([]ShardStats, len(a.shards))
	for i, s := range a.shards {
		s.mu.Lock()
		st := ShardStats{ID: s.id, Counters: s.c}
		s.tree.Ascend(func(n *rangeindex.Node[struct{}]) bool {
			st.Ranges = append(st.Ranges, [2]uint64{n.Low, n.High})
			return true
		})
		s.mu.Unlock()
		out[i] = st
	}
	return out
}

// Check verifies that every shard's ranges are ordered and disjoint, start
// at the reserved 0, and add up to the in-use counter.
func (a *Allocator) Check() error {
	for _, s := range a.shards {
		if err := a.checkShard(s); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) checkShard(s *shard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tree.Check(); err != nil {
		return fmt.Errorf("inoalloc: shard %d: %w", s.id, err)
	}
	first := s.tree.First()
	if first == nil || first.Low != 0 {
		return types.Errorf(types.ErrKindCorrupt, "inoalloc: shard %d lost its reserved range", s.id)
	}
	if got := s.tree.Total() - 1; got != s.c.InUse {
		return types.Errorf(types.ErrKindCorrupt, "inoalloc: shard %d counts %d in use, ranges hold %d", s.id, s.c.InUse, got)
	}
	if last := s.tree.Last(); last.High > a.maxInternal {
		return types.Errorf(types.ErrKindCorrupt, "inoalloc: shard %d range %s beyond %d", s.id, last, a.maxInternal)
	}
	return nil
}
