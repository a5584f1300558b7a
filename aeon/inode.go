package aeon

import (
	"slices"

	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// Inode is a zero-cost view over a 128-byte inode record. Only the fields the
// allocation core reads or maintains are exposed.
type Inode struct {
	buf []byte
}

// InodeAt returns the inode view at addr.
func (r *Region) InodeAt(addr types.Addr) (Inode, error) {
	if uint64(addr)%format.InodeSize != 0 {
		return Inode{}, types.Errorf(types.ErrKindBadAddress, "inode: %#x is not record aligned", uint64(addr))
	}
	b, err := r.Resolve(addr, format.InodeSize)
	if err != nil {
		return Inode{}, err
	}
	return Inode{buf: b}, nil
}

func (n Inode) Valid() bool   { return n.buf[format.InodeValidOffset] != 0 }
func (n Inode) Deleted() bool { return n.buf[format.InodeDeletedOffset] != 0 }

// New reports whether a directory still lacks its dentry map.
func (n Inode) New() bool { return n.buf[format.InodeNewOffset] != 0 }

func (n Inode) Mode() uint16  { return format.ReadU16(n.buf, format.InodeModeOffset) }
func (n Inode) IsDir() bool   { return n.Mode()&format.ModeTypeMask == format.ModeDir }
func (n Inode) Links() uint16 { return format.ReadU16(n.buf, format.InodeLinksOffset) }

func (n Inode) Ino() types.Ino { return types.Ino(format.ReadU32(n.buf, format.InodeInoOffset)) }

func (n Inode) ParentIno() types.Ino {
	return types.Ino(format.ReadU32(n.buf, format.InodeParentOffset))
}

func (n Inode) Addr() types.Addr  { return types.Addr(format.ReadU64(n.buf, format.InodeAddrOffset)) }
func (n Inode) PAddr() types.Addr { return types.Addr(format.ReadU64(n.buf, format.InodePAddrOffset)) }

// DentryAddr is the address of the entry that names this inode.
func (n Inode) DentryAddr() types.Addr {
	return types.Addr(format.ReadU64(n.buf, format.InodeDentryOffset))
}

// DirMap is the dentry map block of a directory, 0 when none.
func (n Inode) DirMap() uint64 { return format.ReadU64(n.buf, format.InodeDirMapOffset) }

func (n Inode) Size() uint64 { return format.ReadU64(n.buf, format.InodeSizeOffset) }

func (n Inode) Verify() bool { return format.Verify(n.buf, format.InodeChecksumOffset) }

// Clone copies the record out of the region. Setters on the copy do not
// reach the media.
func (n Inode) Clone() Inode { return Inode{buf: slices.Clone(n.buf)} }

// InodeFields initialises a fresh record.
type InodeFields struct {
	Ino       types.Ino
	Mode      uint16
	ParentIno types.Ino
	Self      types.Addr
	PAddr     types.Addr
}

// Init clears the record and writes a valid inode. Directories start with
// i_new set; their map is attached by the directory bootstrap.
func (n Inode) Init(f InodeFields) {
	clear(n.buf)
	n.buf[format.InodeValidOffset] = 1
	if f.Mode&format.ModeTypeMask == format.ModeDir {
		n.buf[format.InodeNewOffset] = 1
		format.PutU16(n.buf, format.InodeLinksOffset, 2)
	} else {
		format.PutU16(n.buf, format.InodeLinksOffset, 1)
	}
	format.PutU16(n.buf, format.InodeModeOffset, f.Mode)
	format.PutU32(n.buf, format.InodeInoOffset, uint32(f.Ino))
	format.PutU32(n.buf, format.InodeParentOffset, uint32(f.ParentIno))
	format.PutU64(n.buf, format.InodeAddrOffset, uint64(f.Self))
	format.PutU64(n.buf, format.InodePAddrOffset, uint64(f.PAddr))
	n.Seal()
}

// AttachDirMap records the dentry map and clears i_new.
func (n Inode) AttachDirMap(blocknr uint64) {
	format.PutU64(n.buf, format.InodeDirMapOffset, blocknr)
	n.buf[format.InodeNewOffset] = 0
	n.Seal()
}

// DetachDirMap forgets the dentry map and marks the directory new again.
func (n Inode) DetachDirMap() {
	format.PutU64(n.buf, format.InodeDirMapOffset, 0)
	n.buf[format.InodeNewOffset] = 1
	n.Seal()
}

func (n Inode) SetDentryAddr(addr types.Addr) {
	format.PutU64(n.buf, format.InodeDentryOffset, uint64(addr))
	n.Seal()
}

// SetParent records a new parent after a move.
func (n Inode) SetParent(ino types.Ino, addr types.Addr) {
	format.PutU32(n.buf, format.InodeParentOffset, uint32(ino))
	format.PutU64(n.buf, format.InodePAddrOffset, uint64(addr))
	n.Seal()
}

func (n Inode) SetLinks(v uint16) {
	format.PutU16(n.buf, format.InodeLinksOffset, v)
	n.Seal()
}

func (n Inode) SetSize(v uint64) {
	format.PutU64(n.buf, format.InodeSizeOffset, v)
	n.Seal()
}

// MarkDeleted flags the record as freed; the slot is reusable once the
// inode number is returned to the allocator.
func (n Inode) MarkDeleted() {
	n.buf[format.InodeValidOffset] = 0
	n.buf[format.InodeDeletedOffset] = 1
	n.Seal()
}

func (n Inode) Seal() { format.Seal(n.buf, format.InodeChecksumOffset) }
