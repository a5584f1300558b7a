package aeonfs

import (
	"fmt"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/aeon/inoalloc"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// AllocateBlocks takes count blocks of type bt, preferring shard hint
// (types.AnyShard lets the allocator choose). Normal requests may be
// satisfied partially; allocated says how many units were taken.
func (fs *FS) AllocateBlocks(count uint64, bt types.BlockType, hint int) (blocknr, allocated uint64, err error) {
	return fs.blocks.Allocate(count, bt, hint)
}

// FreeBlocks returns count blocks starting at blocknr.
func (fs *FS) FreeBlocks(blocknr, count uint64, shard int) error {
	return fs.blocks.Free(blocknr, count, shard)
}

// AllocateInodeNumber reserves an inode number on shard (types.AnyShard
// picks one round-robin). No record is written; numbers without a record
// do not survive a remount.
func (fs *FS) AllocateInodeNumber(shard int) (types.Ino, error) {
	if shard == types.AnyShard {
		shard = int(fs.rr.Add(1)-1) % fs.Shards()
	}
	return fs.inos.Allocate(shard)
}

// FreeInodeNumber returns ino to its shard.
func (fs *FS) FreeInodeNumber(ino types.Ino) error {
	return fs.inos.Free(ino)
}

// ResolveInodeAddress returns the address of ino's record. It fails with
// ErrNotFound when the inode table that would hold it does not exist yet.
func (fs *FS) ResolveInodeAddress(ino types.Ino) (types.Addr, error) {
	shard, internal, err := fs.split(ino)
	if err != nil {
		return 0, err
	}
	idx, _ := inoalloc.TableSlot(internal)
	fs.tableMu[shard].Lock()
	tb, err := fs.tableBlock(shard, idx)
	fs.tableMu[shard].Unlock()
	if err != nil {
		return 0, err
	}
	if tb == 0 {
		return 0, fmt.Errorf("aeonfs: ino %d: no inode table: %w", ino, types.ErrNotFound)
	}
	return inoalloc.Address(tb, internal), nil
}

func (fs *FS) split(ino types.Ino) (int, uint64, error) {
	shard, internal := fs.inos.Split(ino)
	if internal == 0 || internal > format.MaxInternalIno {
		return 0, 0, types.Errorf(types.ErrKindInvalidArgument, "aeonfs: ino %d out of range", ino)
	}
	return shard, internal, nil
}

// tableBlock reads entry idx of shard's map block. Caller holds tableMu[shard].
func (fs *FS) tableBlock(shard, idx int) (uint64, error) {
	mb, err := fs.r.Block(fs.maps[shard])
	if err != nil {
		return 0, err
	}
	return format.ReadU64(mb, idx*8), nil
}

// slotFor returns ino's record address, adding the inode table block that
// holds it when missing.
func (fs *FS) slotFor(ino types.Ino) (types.Addr, error) {
	shard, internal, err := fs.split(ino)
	if err != nil {
		return 0, err
	}
	idx, _ := inoalloc.TableSlot(internal)

	fs.tableMu[shard].Lock()
	defer fs.tableMu[shard].Unlock()
	tb, err := fs.tableBlock(shard, idx)
	if err != nil {
		return 0, err
	}
	if tb == 0 {
		tb, _, err = fs.blocks.Allocate(1, types.BlockNormal, shard)
		if err != nil {
			return 0, fmt.Errorf("aeonfs: inode table for shard %d: %w", shard, err)
		}
		if err := fs.r.ZeroBlock(tb); err != nil {
			_ = fs.blocks.Free(tb, 1, types.AnyShard)
			return 0, err
		}
		mb, _ := fs.r.Block(fs.maps[shard])
		format.PutU64(mb, idx*8, tb)
		if err := fs.r.Persist(aeon.BlockAddr(fs.maps[shard])+types.Addr(idx*8), 8); err != nil {
			return 0, err
		}
		fs.log.Debug("inode table added", "shard", shard, "index", idx, "block", tb)
	}
	return inoalloc.Address(tb, internal), nil
}

// inode returns a snapshot of ino's record after checking that it is live
// and intact. Changes go through update, which writes the live record.
func (fs *FS) inode(ino types.Ino) (aeon.Inode, error) {
	addr, err := fs.ResolveInodeAddress(ino)
	if err != nil {
		return aeon.Inode{}, err
	}
	live, err := fs.r.InodeAt(addr)
	if err != nil {
		return aeon.Inode{}, err
	}
	fs.recMu.RLock()
	n := live.Clone()
	fs.recMu.RUnlock()

	if !n.Valid() {
		return aeon.Inode{}, fmt.Errorf("aeonfs: ino %d: %w", ino, types.ErrNotFound)
	}
	if !n.Verify() {
		fs.log.Debug("inode checksum mismatch", "ino", ino, "addr", addr)
		return aeon.Inode{}, fmt.Errorf("aeonfs: ino %d: %w", ino, types.ErrChecksumMismatch)
	}
	if n.Ino() != ino || n.Addr() != addr {
		return aeon.Inode{}, types.Errorf(types.ErrKindCorrupt, "aeonfs: record %#x holds ino %d at %#x, want %d",
			uint64(addr), n.Ino(), uint64(n.Addr()), ino)
	}
	return n, nil
}

func (fs *FS) writeInode(addr types.Addr, f aeon.InodeFields) error {
	n, err := fs.r.InodeAt(addr)
	if err != nil {
		return err
	}
	fs.recMu.Lock()
	n.Init(f)
	fs.recMu.Unlock()
	return fs.r.Persist(addr, format.InodeSize)
}

// update applies fn to the live record behind snapshot n under recMu and
// persists it. fn sees the current bytes, not the snapshot's.
func (fs *FS) update(n aeon.Inode, fn func(aeon.Inode)) error {
	addr := n.Addr()
	live, err := fs.r.InodeAt(addr)
	if err != nil {
		return err
	}
	fs.recMu.Lock()
	fn(live)
	fs.recMu.Unlock()
	return fs.r.Persist(addr, format.InodeSize)
}

// CreateInode allocates a number and writes a fresh record whose parent is
// parent. Directories get their dentry storage on first use.
func (fs *FS) CreateInode(parent types.Ino, mode uint16) (types.Ino, types.Addr, error) {
	p, err := fs.inode(parent)
	if err != nil {
		return 0, 0, err
	}
	if !p.IsDir() {
		return 0, 0, types.Errorf(types.ErrKindInvalidArgument, "aeonfs: parent %d is not a directory", parent)
	}
	ino, err := fs.AllocateInodeNumber(types.AnyShard)
	if err != nil {
		return 0, 0, err
	}
	addr, err := fs.slotFor(ino)
	if err == nil {
		err = fs.writeInode(addr, aeon.InodeFields{
			Ino:       ino,
			Mode:      mode,
			ParentIno: parent,
			Self:      addr,
			PAddr:     p.Addr(),
		})
	}
	if err != nil {
		if ferr := fs.inos.Free(ino); ferr != nil {
			fs.log.Warn("leaked inode number on rollback", "ino", ino, "err", ferr)
		}
		return 0, 0, err
	}
	return ino, addr, nil
}

// RemoveInode releases ino: a directory's dentry storage is freed, the
// record is marked deleted and the number goes back to its shard. The
// caller has already removed every name pointing at it.
func (fs *FS) RemoveInode(ino types.Ino) error {
	if ino == fs.Root() {
		return types.Errorf(types.ErrKindInvalidArgument, "aeonfs: cannot remove the root inode")
	}
	n, err := fs.inode(ino)
	if err != nil {
		return err
	}
	if n.IsDir() {
		if err := fs.DirectoryDeleteAll(ino); err != nil {
			return err
		}
	}
	if err := fs.update(n, aeon.Inode.MarkDeleted); err != nil {
		return err
	}
	return fs.inos.Free(ino)
}

// Inode is a copy of the fields of one inode record.
type Inode struct {
	Ino        types.Ino  `json:"ino"`
	Mode       uint16     `json:"mode"`
	Links      uint16     `json:"links"`
	Parent     types.Ino  `json:"parent"`
	Addr       types.Addr `json:"addr"`
	DentryAddr types.Addr `json:"dentry_addr"`
	DirMap     uint64     `json:"dir_map,omitempty"`
	Size       uint64     `json:"size"`
}

// IsDir reports whether the inode is a directory.
func (i Inode) IsDir() bool { return i.Mode&format.ModeTypeMask == format.ModeDir }

// Stat returns ino's record.
func (fs *FS) Stat(ino types.Ino) (Inode, error) {
	n, err := fs.inode(ino)
	if err != nil {
		return Inode{}, err
	}
	return Inode{
		Ino:        n.Ino(),
		Mode:       n.Mode(),
		Links:      n.Links(),
		Parent:     n.ParentIno(),
		Addr:       n.Addr(),
		DentryAddr: n.DentryAddr(),
		DirMap:     n.DirMap(),
		Size:       n.Size(),
	}, nil
}

// DentryOf returns the address of the record naming ino, checking that the
// record is intact and still points back at ino.
func (fs *FS) DentryOf(ino types.Ino) (types.Addr, error) {
	n, err := fs.inode(ino)
	if err != nil {
		return 0, err
	}
	addr := n.DentryAddr()
	if addr == 0 {
		return 0, fmt.Errorf("aeonfs: ino %d has no dentry: %w", ino, types.ErrNotFound)
	}
	d, err := fs.r.DentryAt(addr)
	if err != nil {
		return 0, err
	}
	switch {
	case !d.Verify():
		return 0, fmt.Errorf("aeonfs: dentry %#x: %w", uint64(addr), types.ErrChecksumMismatch)
	case !d.Valid():
		return 0, fmt.Errorf("aeonfs: dentry %#x of ino %d was removed: %w", uint64(addr), ino, types.ErrNotFound)
	case d.Ino() != ino:
		return 0, types.Errorf(types.ErrKindCorrupt, "aeonfs: dentry %#x names ino %d, want %d", uint64(addr), d.Ino(), ino)
	}
	return addr, nil
}

func (fs *FS) adjustLinks(ino types.Ino, delta int) error {
	n, err := fs.inode(ino)
	if err != nil {
		return err
	}
	return fs.update(n, func(n aeon.Inode) { n.SetLinks(uint16(int(n.Links()) + delta)) })
}
