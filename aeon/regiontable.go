package aeon

import (
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// RegionTable is the per-shard persisted inode bookkeeping in block 1.
type RegionTable struct {
	buf []byte
}

// RegionTableAddr is the address of shard's entry.
func RegionTableAddr(shard int) types.Addr {
	return BlockAddr(format.RegionTableBlock) + types.Addr(shard*format.RegionTableSize)
}

// RegionTableAt returns the view for shard.
func (r *Region) RegionTableAt(shard int) (RegionTable, error) {
	if shard < 0 || shard >= format.MaxShards {
		return RegionTable{}, types.Errorf(types.ErrKindInvalidArgument, "region table: shard %d", shard)
	}
	b, err := r.Resolve(RegionTableAddr(shard), format.RegionTableSize)
	if err != nil {
		return RegionTable{}, err
	}
	return RegionTable{buf: b}, nil
}

// RangeHigh is the high end of the shard's first in-use inode range.
func (t RegionTable) RangeHigh() uint32 { return format.ReadU32(t.buf, format.RTRangeHighOffset) }

// Allocated counts inode numbers ever handed out on the shard.
func (t RegionTable) Allocated() uint64 { return format.ReadU64(t.buf, format.RTAllocatedOffset) }

// InodeAllocated counts inode numbers currently in use on the shard.
func (t RegionTable) InodeAllocated() uint64 {
	return format.ReadU64(t.buf, format.RTInodeAllocatedOffset)
}

// Freed counts inode numbers returned on the shard.
func (t RegionTable) Freed() uint64 { return format.ReadU64(t.buf, format.RTFreedOffset) }

// MapBlock is the block listing the shard's inode-table blocks.
func (t RegionTable) MapBlock() uint64 { return format.ReadU64(t.buf, format.RTMapBlockOffset) }

func (t RegionTable) Verify() bool { return format.Verify(t.buf, format.RTChecksumOffset) }

// SetCounters stores the allocator's counters and reseals.
func (t RegionTable) SetCounters(rangeHigh uint32, allocated, inUse, freed uint64) {
	format.PutU32(t.buf, format.RTRangeHighOffset, rangeHigh)
	format.PutU64(t.buf, format.RTAllocatedOffset, allocated)
	format.PutU64(t.buf, format.RTInodeAllocatedOffset, inUse)
	format.PutU64(t.buf, format.RTFreedOffset, freed)
	t.Seal()
}

func (t RegionTable) SetMapBlock(blocknr uint64) {
	format.PutU64(t.buf, format.RTMapBlockOffset, blocknr)
	t.Seal()
}

func (t RegionTable) Seal() { format.Seal(t.buf, format.RTChecksumOffset) }
