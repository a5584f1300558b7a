package aeon

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/joshuapare/aeonkit/internal/buf"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// Region is the persistent arena, backed by a shared mmap of an image file
// (unix) or by a plain byte slice (NewMemory, tests). Every on-media
// reference is an offset (types.Addr) into it.
//
// Region never grows: the volume geometry is fixed at format time.
type Region struct {
	f    *os.File
	data []byte
	size int64

	// persists counts Persist calls; memory regions have nothing to flush
	// so this is their only observable effect.
	persists atomic.Uint64
}

// NewMemory returns a zeroed, anonymous region of size bytes. Persist on it
// is an ordering point only.
func NewMemory(size int) *Region {
	return &Region{data: make([]byte, size), size: int64(size)}
}

// Bytes exposes the whole arena.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the arena length in bytes.
func (r *Region) Size() int64 { return r.size }

// Blocks returns how many whole blocks fit in the arena.
func (r *Region) Blocks() uint64 { return uint64(r.size) / format.BlockSize }

// FileBacked reports whether Persist reaches durable storage.
func (r *Region) FileBacked() bool { return r.f != nil }

// Persists returns how many Persist calls completed.
func (r *Region) Persists() uint64 { return r.persists.Load() }

// Resolve returns the n bytes at addr, or ErrBadAddress when the range leaves
// the arena. The slice aliases the region; writes through it are writes to
// the volume.
func (r *Region) Resolve(addr types.Addr, n int) ([]byte, error) {
	if n < 0 {
		return nil, types.Errorf(types.ErrKindBadAddress, "region: negative length %d", n)
	}
	b, ok := buf.Slice(r.data, uint64(addr), uint64(n))
	if !ok {
		return nil, types.Errorf(types.ErrKindBadAddress,
			"region: [%#x, +%d) outside arena of %d bytes", uint64(addr), n, r.size)
	}
	return b, nil
}

// BlockAddr converts a block number to its region address.
func BlockAddr(blocknr uint64) types.Addr {
	return types.Addr(blocknr << format.BlockShift)
}

// BlockOf returns the block number containing addr.
func BlockOf(addr types.Addr) uint64 {
	return uint64(addr) >> format.BlockShift
}

// Block resolves a whole block.
func (r *Region) Block(blocknr uint64) ([]byte, error) {
	if _, ok := buf.MulOverflowSafe(blocknr, format.BlockSize); !ok {
		return nil, types.Errorf(types.ErrKindBadAddress, "region: block %d overflows", blocknr)
	}
	return r.Resolve(BlockAddr(blocknr), format.BlockSize)
}

// ZeroBlock clears a block and persists it.
func (r *Region) ZeroBlock(blocknr uint64) error {
	b, err := r.Block(blocknr)
	if err != nil {
		return err
	}
	buf.Zero(b)
	return r.Persist(BlockAddr(blocknr), format.BlockSize)
}

// Persist makes the n bytes at addr durable and orders them before anything
// the caller does afterwards. Callers must Persist a record after filling it
// and before linking it into any index visible to other goroutines or to
// recovery.
func (r *Region) Persist(addr types.Addr, n int) error {
	if n <= 0 {
		r.persists.Add(1)
		return nil
	}
	end, err := buf.CheckRange(uint64(len(r.data)), uint64(addr), uint64(n))
	if err != nil {
		return types.Wrap(types.ErrKindBadAddress, err, "region: persist")
	}
	if r.f != nil {
		lo := buf.AlignDown(uint64(addr), pageSize)
		hi := buf.AlignUp(end, pageSize)
		if hi > uint64(len(r.data)) {
			hi = uint64(len(r.data))
		}
		if err := r.flush(lo, hi); err != nil {
			return fmt.Errorf("region: flush [%#x, %#x): %w", lo, hi, err)
		}
	}
	r.persists.Add(1)
	return nil
}

// Sync flushes the whole arena and, for file-backed regions, the file
// descriptor.
func (r *Region) Sync() error {
	if r.f == nil {
		r.persists.Add(1)
		return nil
	}
	if err := r.flush(0, uint64(len(r.data))); err != nil {
		return fmt.Errorf("region: sync: %w", err)
	}
	if err := r.datasync(); err != nil {
		return fmt.Errorf("region: fdatasync: %w", err)
	}
	r.persists.Add(1)
	return nil
}

// pageSize is the msync granularity.
const pageSize = 4096
