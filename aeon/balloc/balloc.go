package balloc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/aeonkit/aeon/rangeindex"
	"github.com/joshuapare/aeonkit/internal/logger"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// maxHops bounds how many times Allocate moves to another shard.
const maxHops = 2

// Options configures an Allocator.
type Options struct {
	// Shards is the number of independent shards (at least 1).
	Shards int
	// NumBlocks is the size of the managed block space [0, NumBlocks).
	NumBlocks uint64
	Logger    *slog.Logger
}

// Allocator is the sharded free-space manager. Safe for concurrent use.
type Allocator struct {
	shards   []*shard
	perShard uint64
	rr       atomic.Uint32
	log      *slog.Logger
}

type shard struct {
	id     int
	lo, hi uint64 // block_range_bounds, inclusive

	// free is only written under mu; it is atomic so candidate selection can
	// read every shard without taking their locks.
	free atomic.Uint64

	mu    sync.Mutex
	tree  *rangeindex.Ranges
	stats shardCounters
}

type shardCounters struct {
	allocRequests uint64
	allocBlocks   uint64
	freeRequests  uint64
	freedBlocks   uint64
	hopsIn        uint64
	failures      uint64
}

// New returns an allocator with every block of [0, NumBlocks) free. Each
// shard owns NumBlocks/Shards consecutive blocks; the last one also takes
// the remainder.
func New(opts Options) (*Allocator, error) {
	if opts.Shards < 1 {
		return nil, types.Errorf(types.ErrKindInvalidArgument, "balloc: %d shards", opts.Shards)
	}
	per := opts.NumBlocks / uint64(opts.Shards)
	if per == 0 {
		return nil, types.Errorf(types.ErrKindInvalidArgument,
			"balloc: %d blocks cannot feed %d shards", opts.NumBlocks, opts.Shards)
	}

	a := &Allocator{
		shards:   make([]*shard, opts.Shards),
		perShard: per,
		log:      logger.Or(opts.Logger).With("component", "balloc"),
	}
	for i := range a.shards {
		s := &shard{
			id:   i,
			lo:   uint64(i) * per,
			hi:   uint64(i+1)*per - 1,
			tree: rangeindex.NewRanges(rangeindex.KindBlock),
		}
		if i == opts.Shards-1 {
			s.hi = opts.NumBlocks - 1
		}
		if _, err := s.tree.Insert(s.lo, s.hi, struct{}{}); err != nil {
			return nil, err
		}
		s.free.Store(s.hi - s.lo + 1)
		a.shards[i] = s
	}
	return a, nil
}

// Shards returns the shard count.
func (a *Allocator) Shards() int { return len(a.shards) }

// ShardOf returns the shard owning blocknr.
func (a *Allocator) ShardOf(blocknr uint64) int {
	i := blocknr / a.perShard
	if i >= uint64(len(a.shards)) {
		return len(a.shards) - 1
	}
	return int(i)
}

// Allocate takes count units of type bt, starting from the shard hint
// (types.AnyShard lets the allocator choose). It returns the first block
// number and how many units were allocated; for normal blocks that may be
// fewer than count.
func (a *Allocator) Allocate(count uint64, bt types.BlockType, hint int) (blocknr, allocated uint64, err error) {
	if count == 0 {
		return 0, 0, types.Errorf(types.ErrKindInvalidArgument, "balloc: zero-length request")
	}
	if bt != types.BlockNormal && bt != types.BlockHuge {
		return 0, 0, types.Errorf(types.ErrKindInvalidArgument, "balloc: block type %d", bt)
	}
	need := count * bt.Blocks()
	if need/bt.Blocks() != count {
		return 0, 0, types.Errorf(types.ErrKindInvalidArgument, "balloc: request of %d %s blocks overflows", count, bt)
	}

	cur, err := a.pick(hint)
	if err != nil {
		return 0, 0, err
	}

	for hops := 0; ; hops++ {
		s := a.shards[cur]
		s.mu.Lock()
		if (s.free.Load() < need || s.tree.Len() == 0) && hops < maxHops {
			if next := a.mostFree(); next != cur {
				s.mu.Unlock()
				a.log.Debug("shard hop", "from", cur, "to", next, "need", need)
				cur = next
				continue
			}
		}

		blocknr, got := s.take(need, bt)
		if got == 0 {
			s.stats.failures++
			s.mu.Unlock()
			a.log.Debug("allocation failed", "shard", cur, "count", count, "type", bt)
			return 0, 0, fmt.Errorf("balloc: %d %s blocks: %w", count, bt, types.ErrOutOfSpace)
		}
		s.stats.allocRequests++
		s.stats.allocBlocks += got
		if hops > 0 {
			s.stats.hopsIn++
		}
		s.mu.Unlock()
		return blocknr, got / bt.Blocks(), nil
	}
}

func (a *Allocator) pick(hint int) (int, error) {
	switch {
	case hint == types.AnyShard:
		return int(a.rr.Add(1)-1) % len(a.shards), nil
	case hint < 0 || hint >= len(a.shards):
		return 0, types.Errorf(types.ErrKindInvalidArgument, "balloc: shard %d of %d", hint, len(a.shards))
	}
	return hint, nil
}

// mostFree returns the candidate shard for a hop. Ties go to the lowest id.
func (a *Allocator) mostFree() int {
	best, bestFree := 0, uint64(0)
	for i, s := range a.shards {
		if f := s.free.Load(); f > bestFree {
			best, bestFree = i, f
		}
	}
	return best
}

// take carves need blocks from the tree. Caller holds s.mu.
func (s *shard) take(need uint64, bt types.BlockType) (uint64, uint64) {
	for n := s.tree.First(); n != nil; n = s.tree.Next(n) {
		size := n.Size()
		if bt == types.BlockHuge && size < need {
			continue
		}
		if size <= need {
			low := n.Low
			s.tree.Erase(n)
			s.free.Add(^(size - 1))
			return low, size
		}
		low := n.Low
		// Shrinking from the low end cannot reach a neighbour.
		_ = s.tree.Resize(n, low+need, n.High)
		s.free.Add(^(need - 1))
		return low, need
	}
	return 0, 0
}

// Free returns count blocks starting at blocknr to shard (types.AnyShard
// derives it from blocknr). The range must lie within one shard and must not
// already be free.
func (a *Allocator) Free(blocknr, count uint64, shardID int) error {
	if count == 0 {
		return nil
	}
	last := blocknr + count - 1
	if last < blocknr {
		return types.Errorf(types.ErrKindInvalidArgument, "balloc: free [%d, +%d) overflows", blocknr, count)
	}
	if shardID == types.AnyShard {
		shardID = a.ShardOf(blocknr)
	}
	if shardID < 0 || shardID >= len(a.shards) {
		return types.Errorf(types.ErrKindInvalidArgument, "balloc: shard %d of %d", shardID, len(a.shards))
	}
	s := a.shards[shardID]
	if blocknr < s.lo || last > s.hi {
		return types.Errorf(types.ErrKindInvalidArgument,
			"balloc: free [%d, %d] outside shard %d [%d, %d]", blocknr, last, s.id, s.lo, s.hi)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertFree(blocknr, last); err != nil {
		a.log.Debug("double free", "shard", s.id, "blocknr", blocknr, "count", count)
		return fmt.Errorf("balloc: free [%d, %d]: %w", blocknr, last, err)
	}
	s.stats.freeRequests++
	s.stats.freedBlocks += count
	return nil
}

// insertFree links [low, high], merging with adjacent ranges. Caller holds s.mu.
func (s *shard) insertFree(low, high uint64) error {
	next := s.tree.Seek(low)
	var prev *rangeindex.Node[struct{}]
	if next != nil {
		prev = s.tree.Prev(next)
	} else {
		prev = s.tree.Last()
	}
	if (prev != nil && prev.High >= low) || (next != nil && next.Low <= high) {
		return types.Errorf(types.ErrKindDuplicateKey, "range already free")
	}

	mergePrev := prev != nil && prev.High+1 == low
	mergeNext := next != nil && high+1 == next.Low
	switch {
	case mergePrev && mergeNext:
		nh := next.High
		s.tree.Erase(next)
		_ = s.tree.Resize(prev, prev.Low, nh)
	case mergePrev:
		_ = s.tree.Resize(prev, prev.Low, high)
	case mergeNext:
		_ = s.tree.Resize(next, low, next.High)
	default:
		if _, err := s.tree.Insert(low, high, struct{}{}); err != nil {
			return err
		}
	}
	s.free.Add(high - low + 1)
	return nil
}

// Reserve removes [blocknr, blocknr+count) from the free space without
// counting it as an allocation. Mount uses it to replay metadata blocks
// found on media; Format uses it for the superblock and region tables. The
// range may span shards but every block in it must currently be free.
func (a *Allocator) Reserve(blocknr, count uint64) error {
	for count > 0 {
		s := a.shards[a.ShardOf(blocknr)]
		n := min(count, s.hi-blocknr+1)
		if err := s.reserve(blocknr, blocknr+n-1); err != nil {
			return fmt.Errorf("balloc: reserve [%d, +%d): %w", blocknr, n, err)
		}
		blocknr += n
		count -= n
	}
	return nil
}

func (s *shard) reserve(low, high uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.tree.Find(low)
	if n == nil || n.High < high {
		return types.Errorf(types.ErrKindCorrupt, "blocks not free in shard %d", s.id)
	}
	switch {
	case n.Low == low && n.High == high:
		s.tree.Erase(n)
	case n.Low == low:
		_ = s.tree.Resize(n, high+1, n.High)
	case n.High == high:
		_ = s.tree.Resize(n, n.Low, low-1)
	default:
		tail := n.High
		_ = s.tree.Resize(n, n.Low, low-1)
		if _, err := s.tree.Insert(high+1, tail, struct{}{}); err != nil {
			return err
		}
	}
	s.free.Add(^(high - low))
	return nil
}

// FreeBlocks returns the total free-block count across shards.
func (a *Allocator) FreeBlocks() uint64 {
	var t uint64
	for _, s := range a.shards {
		t += s.free.Load()
	}
	return t
}

// ShardStats is a point-in-time view of one shard.
type ShardStats struct {
	ID            int
	Low, High     uint64 // owned block numbers
	Free          uint64
	Nodes         int
	First, Last   [2]uint64 // lowest and highest free range, zero when none
	AllocRequests uint64
	AllocBlocks   uint64
	FreeRequests  uint64
	FreedBlocks   uint64
	HopsIn        uint64
	Failures      uint64
}

// Stats snapshots every shard, one lock at a time.
func (a *Allocator) Stats() []ShardStats {
	out := make([]ShardStats, len(a.shards))
	for i, s := range a.shards {
		s.mu.Lock()
		st := ShardStats{
			ID:            s.id,
			Low:           s.lo,
			High:          s.hi,
			Free:          s.free.Load(),
			Nodes:         s.tree.Len(),
			AllocRequests: s.stats.allocRequests,
			AllocBlocks:   s.stats.allocBlocks,
			FreeRequests:  s.stats.freeRequests,
			FreedBlocks:   s.stats.freedBlocks,
			HopsIn:        s.stats.hopsIn,
			Failures:      s.stats.failures,
		}
		if f := s.tree.First(); f != nil {
			st.First = [2]uint64{f.Low, f.High}
		}
		if l := s.tree.Last(); l != nil {
			st.Last = [2]uint64{l.Low, l.High}
		}
		s.mu.Unlock()
		out[i] = st
	}
	return out
}

// Check verifies every shard: ranges ordered, disjoint and inside the shard,
// and the free counter equal to the sum of range sizes.
func (a *Allocator) Check() error {
	for _, s := range a.shards {
		if err := s.check(); err != nil {
			return err
		}
	}
	return nil
}

func (s *shard) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tree.Check(); err != nil {
		return fmt.Errorf("balloc: shard %d: %w", s.id, err)
	}
	if f, l := s.tree.First(), s.tree.Last(); f != nil && (f.Low < s.lo || l.High > s.hi) {
		return types.Errorf(types.ErrKindCorrupt, "balloc: shard %d ranges leave [%d, %d]", s.id, s.lo, s.hi)
	}
	if sum, free := s.tree.Total(), s.free.Load(); sum != free {
		return types.Errorf(types.ErrKindCorrupt, "balloc: shard %d counts %d free blocks, ranges hold %d", s.id, free, sum)
	}
	return nil
}
