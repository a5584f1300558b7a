package dentry

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/internal/logger"
	"github.com/joshuapare/aeonkit/pkg/types"
)

const (
	// K is the number of slots per dentry block.
	K = format.DentriesPerBlock

	dotSlot    = 0
	dotDotSlot = 1
)

// BlockSource is the part of the block allocator a Manager uses.
type BlockSource interface {
	Allocate(count uint64, bt types.BlockType, hint int) (blocknr, allocated uint64, err error)
	Free(blocknr, count uint64, shard int) error
}

// Options configures a Manager.
type Options struct {
	Region *aeon.Region
	Blocks BlockSource
	// Shard is the allocation hint for new blocks, normally the shard of
	// the directory inode.
	Shard int
	// MaxBlocks bounds the chain; zero or anything above
	// format.MaxDentryBlocks means format.MaxDentryBlocks.
	MaxBlocks int
	Logger    *slog.Logger
}

// Manager tracks slot occupancy of one directory.
type Manager struct {
	r      *aeon.Region
	blocks BlockSource
	shard  int
	max    int
	log    *slog.Logger

	mapBlock uint64
	dmap     aeon.DentryMap

	list     []uint64       // dentry blocks in chain order
	index    map[uint64]int // block number -> position in list
	counts   []int          // valid records per block
	latest   int
	internal int
	valid    uint64

	invalid []types.Addr // LIFO
}

// New returns a Manager with no storage. Call Bootstrap for a new directory
// or Load for an existing one.
func New(opts Options) *Manager {
	limit := opts.MaxBlocks
	if limit <= 0 || limit > format.MaxDentryBlocks {
		limit = format.MaxDentryBlocks
	}
	return &Manager{
		r:      opts.Region,
		blocks: opts.Blocks,
		shard:  opts.Shard,
		max:    limit,
		log:    logger.Or(opts.Logger).With("component", "dentry"),
		index:  make(map[uint64]int),
	}
}

// MapBlock returns the dentry map block, 0 before Bootstrap/Load.
func (m *Manager) MapBlock() uint64 { return m.mapBlock }

// Blocks returns the dentry block numbers in chain order.
func (m *Manager) Blocks() []uint64 { return slices.Clone(m.list) }

// Valid returns the number of live records, "." and ".." included.
func (m *Manager) Valid() uint64 { return m.valid }

// InvalidSlots returns how many tombstoned slots wait for reuse.
func (m *Manager) InvalidSlots() int { return len(m.invalid) }

// Latest returns the position of the latest block and how many of its slots
// were handed out.
func (m *Manager) Latest() (block, used int) { return m.latest, m.internal }

// DotAddr is the "." record.
func (m *Manager) DotAddr() types.Addr { return aeon.SlotAddr(m.list[0], dotSlot) }

// DotDotAddr is the ".." record.
func (m *Manager) DotDotAddr() types.Addr { return aeon.SlotAddr(m.list[0], dotDotSlot) }

// Bootstrap gives an empty directory its storage: a map block and a first
// dentry block whose first two slots hold "." and "..". Nothing is left
// allocated on failure. The caller attaches the returned map block to the
// directory inode afterwards; until then the new blocks are unreachable
// from media.
func (m *Manager) Bootstrap(dot, dotdot aeon.DentryFields) (uint64, error) {
	if m.mapBlock != 0 {
		return 0, types.Errorf(types.ErrKindInvalidArgument, "dentry: directory already has map block %d", m.mapBlock)
	}
	mapBlock, err := m.allocBlock()
	if err != nil {
		return 0, fmt.Errorf("dentry: bootstrap map: %w", err)
	}
	first, err := m.allocBlock()
	if err != nil {
		m.release(mapBlock)
		return 0, fmt.Errorf("dentry: bootstrap first block: %w", err)
	}

	dot.Name, dotdot.Name = []byte("."), []byte("..")
	for slot, f := range []aeon.DentryFields{dot, dotdot} {
		addr := aeon.SlotAddr(first, slot)
		d, err := m.r.DentryAt(addr)
		if err == nil {
			err = d.Fill(addr, f)
		}
		if err != nil {
			m.release(mapBlock)
			m.release(first)
			return 0, fmt.Errorf("dentry: bootstrap %q: %w", f.Name, err)
		}
	}
	if err := m.setLinks(first, 0, 0); err != nil {
		m.release(mapBlock)
		m.release(first)
		return 0, err
	}
	if err := m.r.Persist(aeon.BlockAddr(first), format.BlockSize); err != nil {
		m.release(mapBlock)
		m.release(first)
		return 0, err
	}

	dmap, err := m.r.DentryMapAt(mapBlock)
	if err != nil {
		m.release(mapBlock)
		m.release(first)
		return 0, err
	}
	m.mapBlock, m.dmap = mapBlock, dmap
	m.list = []uint64{first}
	m.index = map[uint64]int{first: 0}
	m.counts = []int{format.BootstrapEntries}
	m.latest, m.internal = 0, format.BootstrapEntries
	m.valid = format.BootstrapEntries
	m.invalid = nil

	m.dmap.Init()
	m.dmap.SetBlock(0, first)
	if err := m.syncMap(); err != nil {
		m.reset()
		m.release(mapBlock)
		m.release(first)
		return 0, err
	}
	return mapBlock, nil
}

// GetSlot returns the address of a slot for a new record. The caller fills
// it through Fill; a slot that ends up unused goes back through Unget.
func (m *Manager) GetSlot() (types.Addr, error) {
	if m.mapBlock == 0 {
		return 0, types.Errorf(types.ErrKindInvalidArgument, "dentry: directory has no storage")
	}
	if n := len(m.invalid); n > 0 {
		addr := m.invalid[n-1]
		m.invalid = m.invalid[:n-1]
		return addr, nil
	}
	if m.internal < K {
		addr := aeon.SlotAddr(m.list[m.latest], m.internal)
		m.internal++
		if err := m.syncMap(); err != nil {
			m.internal--
			return 0, err
		}
		return addr, nil
	}
	return m.grow()
}

// grow appends a block to the chain and hands out its slot 0.
func (m *Manager) grow() (types.Addr, error) {
	if len(m.list) >= m.max {
		m.log.Debug("dentry chain full", "map", m.mapBlock, "blocks", len(m.list))
		return 0, fmt.Errorf("dentry: map %d holds %d blocks: %w", m.mapBlock, len(m.list), types.ErrTooManyLinks)
	}
	b, err := m.allocBlock()
	if err != nil {
		return 0, fmt.Errorf("dentry: grow: %w", err)
	}
	tail := m.list[len(m.list)-1]
	if err := m.setLinks(b, tail, 0); err != nil {
		m.release(b)
		return 0, err
	}

	m.list = append(m.list, b)
	m.index[b] = len(m.list) - 1
	m.counts = append(m.counts, 0)
	m.latest, m.internal = len(m.list)-1, 1
	m.dmap.SetBlock(m.latest, b)
	if err := m.syncMap(); err != nil {
		return 0, err
	}
	// The map is durable before the old tail points forward.
	prev, _ := m.links(tail)
	if err := m.setLinks(tail, prev, b); err != nil {
		return 0, err
	}
	return aeon.SlotAddr(b, 0), nil
}

// Fill writes a live record into a slot obtained from GetSlot and persists
// it. Only after Fill returns may the entry be indexed.
func (m *Manager) Fill(addr types.Addr, f aeon.DentryFields) error {
	pos, err := m.position(addr)
	if err != nil {
		return err
	}
	d, err := m.r.DentryAt(addr)
	if err != nil {
		return err
	}
	if d.Valid() {
		return types.Errorf(types.ErrKindInvalidArgument, "dentry: slot %#x is live", uint64(addr))
	}
	if err := d.Fill(addr, f); err != nil {
		return err
	}
	if err := m.r.Persist(addr, format.DentrySize); err != nil {
		return err
	}
	m.counts[pos]++
	m.valid++
	return m.syncMap()
}

// Unget returns a slot that GetSlot handed out but Fill never completed.
func (m *Manager) Unget(addr types.Addr) {
	m.invalid = append(m.invalid, addr)
}

// Release tombstones the record at addr and queues the slot for reuse.
func (m *Manager) Release(addr types.Addr) error {
	pos, err := m.position(addr)
	if err != nil {
		return err
	}
	if pos == 0 && (addr == m.DotAddr() || addr == m.DotDotAddr()) {
		return types.Errorf(types.ErrKindInvalidArgument, "dentry: %#x is a bootstrap entry", uint64(addr))
	}
	d, err := m.r.DentryAt(addr)
	if err != nil {
		return err
	}
	if !d.Valid() {
		return fmt.Errorf("dentry: release %#x: %w", uint64(addr), types.ErrNotFound)
	}
	d.Invalidate()
	if err := m.r.Persist(addr, format.DentrySize); err != nil {
		return err
	}
	m.invalid = append(m.invalid, addr)
	m.counts[pos]--
	m.valid--
	return m.syncMap()
}

// NameAt returns a copy of the name stored at addr after verifying the
// record checksum.
func (m *Manager) NameAt(addr types.Addr) ([]byte, error) {
	d, err := m.r.DentryAt(addr)
	if err != nil {
		return nil, err
	}
	if !d.Verify() {
		m.log.Debug("dentry checksum mismatch", "addr", addr)
		return nil, fmt.Errorf("dentry: %#x: %w", uint64(addr), types.ErrChecksumMismatch)
	}
	return slices.Clone(d.Name()), nil
}

// Reclaim returns every block after the first whose slots are all invalid.
// It reports how many blocks went back to the allocator.
func (m *Manager) Reclaim() (int, error) {
	freed := 0
	for pos := len(m.list) - 1; pos >= 1; pos-- {
		if m.counts[pos] != 0 {
			continue
		}
		b := m.list[pos]
		if err := m.confirmEmpty(b); err != nil {
			return freed, err
		}
		if err := m.unlink(pos); err != nil {
			return freed, err
		}
		if err := m.blocks.Free(b, 1, types.AnyShard); err != nil {
			return freed, fmt.Errorf("dentry: reclaim block %d: %w", b, err)
		}
		freed++
	}
	if freed > 0 {
		m.log.Debug("reclaimed dentry blocks", "map", m.mapBlock, "blocks", freed)
	}
	return freed, nil
}

// confirmEmpty cross-checks the incremental count against the slots.
func (m *Manager) confirmEmpty(b uint64) error {
	for i := range K {
		d, err := m.r.DentryAt(aeon.SlotAddr(b, i))
		if err != nil {
			return err
		}
		if d.Valid() {
			return types.Errorf(types.ErrKindCorrupt, "dentry: block %d counted empty but slot %d is live", b, i)
		}
	}
	return nil
}

// unlink drops list[pos] from the chain and the map.
func (m *Manager) unlink(pos int) error {
	b := m.list[pos]
	prev, next := m.links(b)
	if prev != 0 {
		pp, _ := m.links(prev)
		if err := m.setLinks(prev, pp, next); err != nil {
			return err
		}
	}
	if next != 0 {
		_, nn := m.links(next)
		if err := m.setLinks(next, prev, nn); err != nil {
			return err
		}
	}

	m.invalid = slices.DeleteFunc(m.invalid, func(a types.Addr) bool { return aeon.BlockOf(a) == b })
	m.list = slices.Delete(m.list, pos, pos+1)
	m.counts = slices.Delete(m.counts, pos, pos+1)
	delete(m.index, b)
	for i := pos; i < len(m.list); i++ {
		m.index[m.list[i]] = i
	}
	switch {
	case pos == m.latest:
		// Blocks before the latest one were always filled completely.
		m.latest, m.internal = len(m.list)-1, K
	case pos < m.latest:
		m.latest--
	}
	for i := pos; i <= len(m.list); i++ {
		var v uint64
		if i < len(m.list) {
			v = m.list[i]
		}
		m.dmap.SetBlock(i, v)
	}
	return m.syncMap()
}

// FreeAll returns every dentry block and the map block to the allocator and
// leaves the Manager without storage. The caller detaches the map from the
// inode first.
func (m *Manager) FreeAll() error {
	if m.mapBlock == 0 {
		return nil
	}
	var firstErr error
	for _, b := range m.list {
		if err := m.blocks.Free(b, 1, types.AnyShard); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dentry: free block %d: %w", b, err)
		}
	}
	if err := m.blocks.Free(m.mapBlock, 1, types.AnyShard); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("dentry: free map %d: %w", m.mapBlock, err)
	}
	m.reset()
	return firstErr
}

func (m *Manager) reset() {
	m.mapBlock, m.dmap = 0, aeon.DentryMap{}
	m.list, m.counts, m.invalid = nil, nil, nil
	m.index = make(map[uint64]int)
	m.latest, m.internal, m.valid = 0, 0, 0
}

// Load rebuilds the in-memory state from mapBlock, calling live for every
// valid record so the caller can index it. Records failing their checksum
// abort the load with ErrChecksumMismatch.
func (m *Manager) Load(mapBlock uint64, live func(addr types.Addr, d aeon.Dentry) error) error {
	dmap, err := m.r.DentryMapAt(mapBlock)
	if err != nil {
		return err
	}
	if err := dmap.Check(); err != nil {
		return fmt.Errorf("dentry: map %d: %w", mapBlock, err)
	}

	latest, internal := dmap.Latest(), dmap.Internal()
	if latest >= format.MaxDentryBlocks || internal > K {
		return types.Errorf(types.ErrKindCorrupt, "dentry: map %d state latest=%d internal=%d", mapBlock, latest, internal)
	}
	list := make([]uint64, 0, latest+1)
	for i := 0; i <= latest; i++ {
		b := dmap.Block(i)
		if b == 0 || b >= m.r.Blocks() {
			return types.Errorf(types.ErrKindCorrupt, "dentry: map %d entry %d names block %d", mapBlock, i, b)
		}
		list = append(list, b)
	}

	m.reset()
	m.mapBlock, m.dmap = mapBlock, dmap
	m.list = list
	m.counts = make([]int, len(list))
	m.latest, m.internal = latest, internal

	var prev uint64
	for pos, b := range list {
		m.index[b] = pos
		p, _ := m.links(b)
		if p != prev {
			m.reset()
			return types.Errorf(types.ErrKindCorrupt, "dentry: block %d links back to %d, chain says %d", b, p, prev)
		}
		prev = b

		used := K
		if pos == latest {
			used = internal
		}
		for i := range used {
			addr := aeon.SlotAddr(b, i)
			d, err := m.r.DentryAt(addr)
			if err != nil {
				m.reset()
				return err
			}
			if !d.Persisted() {
				m.invalid = append(m.invalid, addr)
				continue
			}
			if !d.Verify() || d.Self() != addr {
				m.log.Debug("dentry checksum mismatch on load", "addr", addr)
				m.reset()
				return fmt.Errorf("dentry: load %#x: %w", uint64(addr), types.ErrChecksumMismatch)
			}
			if !d.Valid() {
				m.invalid = append(m.invalid, addr)
				continue
			}
			if err := live(addr, d); err != nil {
				m.reset()
				return err
			}
			m.counts[pos]++
			m.valid++
		}
	}
	for _, addr := range []types.Addr{m.DotAddr(), m.DotDotAddr()} {
		if d, err := m.r.DentryAt(addr); err != nil || !d.Valid() {
			m.reset()
			return types.Errorf(types.ErrKindCorrupt, "dentry: map %d lacks bootstrap entry %#x", mapBlock, uint64(addr))
		}
	}
	if stored := dmap.ValidCount(); stored != m.valid {
		m.log.Warn("dentry map valid count repaired", "map", mapBlock, "stored", stored, "found", m.valid)
		return m.syncMap()
	}
	return nil
}

// position maps a slot address to its block's place in the chain.
func (m *Manager) position(addr types.Addr) (int, error) {
	pos, ok := m.index[aeon.BlockOf(addr)]
	if !ok || uint64(addr)%format.DentrySlotSize != 0 {
		return 0, types.Errorf(types.ErrKindInvalidArgument, "dentry: %#x is not a slot of map %d", uint64(addr), m.mapBlock)
	}
	return pos, nil
}

func (m *Manager) links(b uint64) (prev, next uint64) {
	d, err := m.r.DentryAt(aeon.SlotAddr(b, 0))
	if err != nil {
		return 0, 0
	}
	return d.PrevBlock(), d.NextBlock()
}

func (m *Manager) setLinks(b, prev, next uint64) error {
	addr := aeon.SlotAddr(b, 0)
	d, err := m.r.DentryAt(addr)
	if err != nil {
		return err
	}
	d.SetLinks(prev, next)
	return m.r.Persist(addr, format.DentrySize)
}

// syncMap stores the fill state and persists the map block.
func (m *Manager) syncMap() error {
	m.dmap.SetState(m.latest, m.internal, m.valid)
	return m.r.Persist(aeon.BlockAddr(m.mapBlock), format.BlockSize)
}

func (m *Manager) allocBlock() (uint64, error) {
	b, _, err := m.blocks.Allocate(1, types.BlockNormal, m.shard)
	if err != nil {
		return 0, err
	}
	if err := m.r.ZeroBlock(b); err != nil {
		m.release(b)
		return 0, err
	}
	return b, nil
}

// release frees b on an error path.
func (m *Manager) release(b uint64) {
	if err := m.blocks.Free(b, 1, types.AnyShard); err != nil {
		m.log.Warn("leaked block on rollback", "block", b, "err", err)
	}
}
