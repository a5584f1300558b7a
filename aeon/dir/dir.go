// Package dir ties one directory's dentry manager and name index together
// under a single lock, so a record is never indexed before it is filled and
// persisted, and never filled without being indexed once the lock drops.
package dir

import (
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/aeon/dentry"
	"github.com/joshuapare/aeonkit/aeon/dirindex"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/internal/logger"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// Options configures a Directory.
type Options struct {
	Region    *aeon.Region
	Blocks    dentry.BlockSource
	Ino       types.Ino
	InodeAddr types.Addr
	// Shard is the block-allocation hint for the directory's storage.
	Shard     int
	MaxBlocks int
	Logger    *slog.Logger
}

// Entry is one directory entry as seen by callers.
type Entry struct {
	Name string
	Ino  types.Ino
	Addr types.Addr // dentry record
	Hash uint64     // iteration cursor
}

// Directory is the in-memory side of one directory inode. Safe for
// concurrent use.
type Directory struct {
	ino       types.Ino
	inodeAddr types.Addr
	r         *aeon.Region
	log       *slog.Logger

	mu  sync.Mutex
	m   *dentry.Manager
	idx *dirindex.Index
}

// New returns a directory with no storage; Bootstrap or Load it next.
func New(opts Options) *Directory {
	d := &Directory{
		ino:       opts.Ino,
		inodeAddr: opts.InodeAddr,
		r:         opts.Region,
		log:       logger.Or(opts.Logger).With("component", "dir", "ino", opts.Ino),
		m: dentry.New(dentry.Options{
			Region:    opts.Region,
			Blocks:    opts.Blocks,
			Shard:     opts.Shard,
			MaxBlocks: opts.MaxBlocks,
			Logger:    opts.Logger,
		}),
	}
	d.idx = dirindex.New(d.m)
	return d
}

// Ino returns the directory's inode number.
func (d *Directory) Ino() types.Ino { return d.ino }

// Bootstrap creates the directory's storage with "." and "..". The caller
// attaches the returned map block to the inode.
func (d *Directory) Bootstrap(parent types.Ino, parentAddr types.Addr) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	mb, err := d.m.Bootstrap(
		aeon.DentryFields{Ino: d.ino, ParentAddr: d.inodeAddr, InodeAddr: d.inodeAddr},
		aeon.DentryFields{Ino: parent, ParentAddr: d.inodeAddr, InodeAddr: parentAddr},
	)
	if err != nil {
		return 0, err
	}
	if err := d.indexBootstrap(); err != nil {
		return 0, err
	}
	return mb, nil
}

func (d *Directory) indexBootstrap() error {
	for _, addr := range []types.Addr{d.m.DotAddr(), d.m.DotDotAddr()} {
		rec, err := d.r.DentryAt(addr)
		if err != nil {
			return err
		}
		if _, err := d.idx.Insert(rec.Name(), dirindex.Entry{Addr: addr, Ino: rec.Ino()}); err != nil {
			return err
		}
	}
	return nil
}

// Load rebuilds the directory from its map block, validating every record.
func (d *Directory) Load(mapBlock uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.idx.Clear()
	err := d.m.Load(mapBlock, func(addr types.Addr, rec aeon.Dentry) error {
		_, err := d.idx.Insert(rec.Name(), dirindex.Entry{Addr: addr, Ino: rec.Ino()})
		return err
	})
	if err != nil {
		d.idx.Clear()
		return fmt.Errorf("dir %d: load: %w", d.ino, err)
	}
	return nil
}

// MapBlock returns the dentry map block.
func (d *Directory) MapBlock() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m.MapBlock()
}

// Blocks returns the dentry blocks in chain order.
func (d *Directory) Blocks() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m.Blocks()
}

// Insert adds name -> ino and returns the record address.
func (d *Directory) Insert(name []byte, ino types.Ino, inodeAddr types.Addr) (types.Addr, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.idx.HasKey(name) {
		d.log.Debug("duplicate key", "name", string(name))
		return 0, fmt.Errorf("dir %d: insert %q: %w", d.ino, name, types.ErrDuplicateKey)
	}
	addr, err := d.m.GetSlot()
	if err != nil {
		return 0, fmt.Errorf("dir %d: insert %q: %w", d.ino, name, err)
	}
	fields := aeon.DentryFields{Ino: ino, ParentAddr: d.inodeAddr, InodeAddr: inodeAddr, Name: name}
	if err := d.m.Fill(addr, fields); err != nil {
		d.m.Unget(addr)
		return 0, fmt.Errorf("dir %d: insert %q: %w", d.ino, name, err)
	}
	if _, err := d.idx.Insert(name, dirindex.Entry{Addr: addr, Ino: ino}); err != nil {
		if rerr := d.m.Release(addr); rerr != nil {
			d.log.Warn("leaked dentry slot on rollback", "addr", addr, "err", rerr)
		}
		return 0, err
	}
	return addr, nil
}

// Find looks name up.
func (d *Directory) Find(name []byte) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.idx.Find(name)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: string(name), Ino: e.Ino, Addr: e.Addr, Hash: e.Hash}, nil
}

// Remove drops name and tombstones its record.
func (d *Directory) Remove(name []byte) (Entry, error) {
	if isDots(name) {
		return Entry{}, types.Errorf(types.ErrKindInvalidArgument, "dir %d: cannot remove %q", d.ino, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// Unindex first: lookups verify the stored name, which Release wipes.
	e, err := d.idx.Remove(name)
	if err != nil {
		return Entry{}, err
	}
	if err := d.m.Release(e.Addr); err != nil {
		if _, ierr := d.idx.Insert(name, dirindex.Entry{Addr: e.Addr, Ino: e.Ino}); ierr != nil {
			d.log.Warn("lost index entry on rollback", "name", string(name), "err", ierr)
		}
		return Entry{}, fmt.Errorf("dir %d: remove %q: %w", d.ino, name, err)
	}
	return Entry{Name: string(name), Ino: e.Ino, Addr: e.Addr, Hash: e.Hash}, nil
}

// Iterate yields entries in hash order from the first hash >= from
// (dirindex.Start for the beginning). The lock is taken per step, not
// across the whole walk; entries added concurrently may or may not appear.
// A record failing verification ends the walk with its error.
func (d *Directory) Iterate(from uint64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		key := from
		for {
			d.mu.Lock()
			e, ok := d.idx.Next(key)
			var name []byte
			var err error
			if ok {
				name, err = d.m.NameAt(e.Addr)
			}
			d.mu.Unlock()

			if !ok {
				return
			}
			if err != nil {
				yield(Entry{Addr: e.Addr, Hash: e.Hash}, err)
				return
			}
			if !yield(Entry{Name: string(name), Ino: e.Ino, Addr: e.Addr, Hash: e.Hash}, nil) {
				return
			}
			if e.Hash == ^uint64(0) {
				return
			}
			key = e.Hash + 1
		}
	}
}

// DeleteAll releases all of the directory's storage. The caller detaches
// the map from the inode before calling.
func (d *Directory) DeleteAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idx.Clear()
	return d.m.FreeAll()
}

// IsEmpty reports whether only "." and ".." are left.
func (d *Directory) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m.Valid() == format.BootstrapEntries
}

// Len returns the number of entries besides "." and "..".
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.m.Valid()) - format.BootstrapEntries
}

// DotDot returns the parent named by the ".." record.
func (d *Directory) DotDot() (types.Ino, types.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, err := d.verified(d.m.DotDotAddr())
	if err != nil {
		return 0, 0, err
	}
	return rec.Ino(), rec.InodeAddr(), nil
}

// SetParent points ".." at a new parent after a cross-directory move.
func (d *Directory) SetParent(parent types.Ino, parentAddr types.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.m.DotDotAddr()
	rec, err := d.verified(addr)
	if err != nil {
		return err
	}
	rec.SetIno(parent, parentAddr)
	if err := d.r.Persist(addr, format.DentrySize); err != nil {
		return err
	}
	return d.idx.Retarget([]byte(".."), parent)
}

// SetLink retargets an existing name at another inode (rename over an
// existing entry).
func (d *Directory) SetLink(name []byte, ino types.Ino, inodeAddr types.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.idx.Find(name)
	if err != nil {
		return err
	}
	rec, err := d.verified(e.Addr)
	if err != nil {
		return err
	}
	rec.SetIno(ino, inodeAddr)
	if err := d.r.Persist(e.Addr, format.DentrySize); err != nil {
		return err
	}
	return d.idx.Retarget(name, ino)
}

// Reclaim returns empty dentry blocks to the allocator.
func (d *Directory) Reclaim() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m.Reclaim()
}

// Check verifies every indexed record and that index and manager agree.
func (d *Directory) Check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idx.Check(); err != nil {
		return fmt.Errorf("dir %d: %w", d.ino, err)
	}
	if uint64(d.idx.Len()) != d.m.Valid() {
		return types.Errorf(types.ErrKindCorrupt, "dir %d: %d indexed, %d valid records", d.ino, d.idx.Len(), d.m.Valid())
	}
	for e := range d.idx.Iterate(dirindex.Start) {
		rec, err := d.verified(e.Addr)
		if err != nil {
			return err
		}
		if !rec.Valid() || rec.Ino() != e.Ino || dirindex.Hash(rec.Name()) != e.Hash {
			return types.Errorf(types.ErrKindCorrupt, "dir %d: index disagrees with record %s", d.ino, rec)
		}
	}
	return nil
}

func (d *Directory) verified(addr types.Addr) (aeon.Dentry, error) {
	rec, err := d.r.DentryAt(addr)
	if err != nil {
		return aeon.Dentry{}, err
	}
	if !rec.Verify() {
		d.log.Debug("dentry checksum mismatch", "addr", addr)
		return aeon.Dentry{}, fmt.Errorf("dir %d: record %#x: %w", d.ino, uint64(addr), types.ErrChecksumMismatch)
	}
	return rec, nil
}

// ValidateName rejects names no record can hold.
func ValidateName(name []byte) error {
	switch {
	case len(name) == 0:
		return types.Errorf(types.ErrKindInvalidArgument, "empty name")
	case len(name) > format.MaxNameLen:
		return types.Errorf(types.ErrKindInvalidArgument, "name of %d bytes exceeds %d", len(name), format.MaxNameLen)
	case isDots(name):
		return types.Errorf(types.ErrKindInvalidArgument, "name %q is reserved", name)
	}
	for _, c := range name {
		if c == '/' || c == 0 {
			return types.Errorf(types.ErrKindInvalidArgument, "name %q contains %q", name, c)
		}
	}
	return nil
}

func isDots(name []byte) bool {
	return string(name) == "." || string(name) == ".."
}
