// Package dirty batches write-back of region metadata that does not have to
// be durable the moment it changes.
//
// Dentries, dentry maps and freshly initialised inodes are persisted inline
// by their writers because the order of those flushes is what makes the
// volume recoverable. Bookkeeping such as the per-shard region-table counters
// is different: mount rebuilds it from the inode tables anyway, so writers
// only Add the touched range here and the next Flush (FS.Sync, unmount)
// writes all of it back page-coalesced.
package dirty

import (
	"context"
	"slices"
	"sync"

	"github.com/joshuapare/aeonkit/pkg/types"
)

const (
	// defaultRangeCapacity is the pre-allocated capacity for dirty ranges.
	defaultRangeCapacity = 64

	// standardPageSize is the flush granularity.
	standardPageSize = 4096
)

// FlushMode controls how far Flush pushes data.
type FlushMode int

const (
	// FlushDataOnly writes back dirty pages only.
	FlushDataOnly FlushMode = iota
	// FlushFull additionally syncs the whole region and the file descriptor.
	FlushFull
)

// Range is a dirty byte range in region offsets.
type Range struct {
	Off uint64
	Len uint64
}

// Persister is the part of *aeon.Region the tracker needs.
type Persister interface {
	Persist(addr types.Addr, n int) error
	Sync() error
}

// Tracker accumulates dirty ranges and flushes them together. Safe for
// concurrent use.
type Tracker struct {
	p        Persister
	pageSize uint64

	mu     sync.Mutex
	ranges []Range
}

// NewTracker creates a tracker flushing through p.
func NewTracker(p Persister) *Tracker {
	return &Tracker{
		p:        p,
		ranges:   make([]Range, 0, defaultRangeCapacity),
		pageSize: standardPageSize,
	}
}

// Add records a dirty range. Zero-length ranges are ignored.
func (t *Tracker) Add(addr types.Addr, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.ranges = append(t.ranges, Range{Off: uint64(addr), Len: uint64(n)})
	t.mu.Unlock()
}

// Pending reports how many raw ranges wait for a flush.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ranges)
}

// Flush writes back every tracked range. On error the unflushed ranges stay
// tracked so a later Flush retries them.
func (t *Tracker) Flush(ctx context.Context, mode FlushMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	pending := t.ranges
	t.ranges = make([]Range, 0, defaultRangeCapacity)
	t.mu.Unlock()

	coalesced := coalesce(pending, t.pageSize)
	for i, r := range coalesced {
		if err := ctx.Err(); err != nil {
			t.requeue(coalesced[i:])
			return err
		}
		if err := t.p.Persist(types.Addr(r.Off), int(r.Len)); err != nil {
			t.requeue(coalesced[i:])
			return err
		}
	}

	if mode == FlushFull {
		return t.p.Sync()
	}
	return nil
}

func (t *Tracker) requeue(rs []Range) {
	t.mu.Lock()
	t.ranges = append(t.ranges, rs...)
	t.mu.Unlock()
}

// Reset drops all tracked ranges.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.ranges = t.ranges[:0]
	t.mu.Unlock()
}

// DebugCoalescedRanges returns what the next Flush would write back.
func (t *Tracker) DebugCoalescedRanges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	return coalesce(t.ranges, t.pageSize)
}

// coalesce page-aligns, sorts and merges overlapping or adjacent ranges.
func coalesce(ranges []Range, pageSize uint64) []Range {
	if len(ranges) == 0 {
		return nil
	}

	aligned := make([]Range, len(ranges))
	for i, r := range ranges {
		start := (r.Off / pageSize) * pageSize
		end := r.Off + r.Len
		if end%pageSize != 0 {
			end = ((end / pageSize) + 1) * pageSize
		}
		aligned[i] = Range{Off: start, Len: end - start}
	}

	slices.SortFunc(aligned, func(a, b Range) int {
		switch {
		case a.Off < b.Off:
			return -1
		case a.Off > b.Off:
			return 1
		}
		return 0
	})

	merged := make([]Range, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		if next.Off <= current.Off+current.Len {
			if end := next.Off + next.Len; end > current.Off+current.Len {
				current.Len = end - current.Off
			}
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}
