package aeon

import (
	"bytes"
	"fmt"

	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// Dentry is a zero-cost view over one directory-entry record inside a dentry
// block. It does NOT own memory; it points into the region.
type Dentry struct {
	buf []byte // exactly one slot
}

// DentryAt returns the record view for the slot at addr.
func (r *Region) DentryAt(addr types.Addr) (Dentry, error) {
	if uint64(addr)%format.DentrySlotSize != 0 {
		return Dentry{}, types.Errorf(types.ErrKindBadAddress, "dentry: %#x is not slot aligned", uint64(addr))
	}
	b, err := r.Resolve(addr, format.DentrySlotSize)
	if err != nil {
		return Dentry{}, err
	}
	return Dentry{buf: b}, nil
}

// SlotAddr is the region address of slot i of a dentry block.
func SlotAddr(blocknr uint64, i int) types.Addr {
	return BlockAddr(blocknr) + types.Addr(i<<format.DentryShift)
}

// NameLen returns the stored name length.
func (d Dentry) NameLen() int { return int(d.buf[format.DentryNameLenOffset]) }

// Valid reports whether the record names a live entry.
func (d Dentry) Valid() bool { return d.buf[format.DentryValidOffset] != 0 }

// Persisted reports whether the record was fully written at least once.
func (d Dentry) Persisted() bool { return d.buf[format.DentryPersistedOffset] != 0 }

// Ino returns the inode number the entry names.
func (d Dentry) Ino() types.Ino { return types.Ino(format.ReadU32(d.buf, format.DentryInoOffset)) }

// ParentAddr returns the address of the containing directory's inode.
func (d Dentry) ParentAddr() types.Addr {
	return types.Addr(format.ReadU64(d.buf, format.DentryPAddrOffset))
}

// InodeAddr returns the address of the named inode.
func (d Dentry) InodeAddr() types.Addr {
	return types.Addr(format.ReadU64(d.buf, format.DentryInodeOffset))
}

// Self returns the address stored in the record (its own slot).
func (d Dentry) Self() types.Addr {
	return types.Addr(format.ReadU64(d.buf, format.DentrySelfOffset))
}

// Name returns the stored name. The slice aliases the region.
func (d Dentry) Name() []byte {
	n := d.NameLen()
	return d.buf[format.DentryNameOffset : format.DentryNameOffset+n : format.DentryNameOffset+n]
}

// NameEquals compares the stored name with name.
func (d Dentry) NameEquals(name []byte) bool { return bytes.Equal(d.Name(), name) }

// Checksum returns the stored CRC.
func (d Dentry) Checksum() uint32 { return format.ReadU32(d.buf, format.DentryChecksumOffset) }

// Verify recomputes the CRC over the record and compares it with the stored one.
func (d Dentry) Verify() bool { return format.Verify(d.buf, format.DentryChecksumOffset) }

// DentryFields is everything a caller fills in when writing a record.
type DentryFields struct {
	Ino        types.Ino
	ParentAddr types.Addr
	InodeAddr  types.Addr
	Name       []byte
}

// Fill writes a complete, valid record into the slot at self and seals it.
// The pad bytes are left alone so block links in slot 0 survive. The caller
// persists the slot afterwards.
func (d Dentry) Fill(self types.Addr, f DentryFields) error {
	if len(f.Name) == 0 || len(f.Name) > format.MaxNameLen {
		return types.Errorf(types.ErrKindInvalidArgument, "dentry: name length %d", len(f.Name))
	}
	d.buf[format.DentryNameLenOffset] = byte(len(f.Name))
	d.buf[format.DentryValidOffset] = 1
	d.buf[format.DentryPersistedOffset] = 1
	format.PutU32(d.buf, format.DentryInoOffset, uint32(f.Ino))
	format.PutU64(d.buf, format.DentryPAddrOffset, uint64(f.ParentAddr))
	format.PutU64(d.buf, format.DentryInodeOffset, uint64(f.InodeAddr))
	format.PutU64(d.buf, format.DentrySelfOffset, uint64(self))
	name := d.buf[format.DentryNameOffset : format.DentryNameOffset+format.DentryNameCap]
	n := copy(name, f.Name)
	clear(name[n:])
	d.Seal()
	return nil
}

// Invalidate tombstones the record: valid is cleared, the name is wiped and
// the CRC recomputed. The persisted flag stays set.
func (d Dentry) Invalidate() {
	d.buf[format.DentryValidOffset] = 0
	d.buf[format.DentryNameLenOffset] = 0
	clear(d.buf[format.DentryNameOffset : format.DentryNameOffset+format.DentryNameCap])
	d.Seal()
}

// SetIno rewrites the target of the entry (rename-over).
func (d Dentry) SetIno(ino types.Ino, inodeAddr types.Addr) {
	format.PutU32(d.buf, format.DentryInoOffset, uint32(ino))
	format.PutU64(d.buf, format.DentryInodeOffset, uint64(inodeAddr))
	d.Seal()
}

// SetParentAddr rewrites the parent address (".." after a cross-directory move).
func (d Dentry) SetParentAddr(addr types.Addr) {
	format.PutU64(d.buf, format.DentryPAddrOffset, uint64(addr))
	d.Seal()
}

// Seal recomputes the CRC.
func (d Dentry) Seal() { format.Seal(d.buf, format.DentryChecksumOffset) }

// Clear zeroes the record including the pad bytes.
func (d Dentry) Clear() { clear(d.buf[:format.DentrySize]) }

// PrevBlock and NextBlock are the block links kept in the pad of slot 0.
func (d Dentry) PrevBlock() uint64 { return format.ReadU64(d.buf, format.DentryPrevBlockOffset) }

func (d Dentry) NextBlock() uint64 { return format.ReadU64(d.buf, format.DentryNextBlockOffset) }

// SetLinks stores the chain links and reseals.
func (d Dentry) SetLinks(prev, next uint64) {
	format.PutU64(d.buf, format.DentryPrevBlockOffset, prev)
	format.PutU64(d.buf, format.DentryNextBlockOffset, next)
	d.Seal()
}

func (d Dentry) String() string {
	return fmt.Sprintf("dentry{%q ino=%d valid=%t self=%#x}", d.Name(), d.Ino(), d.Valid(), uint64(d.Self()))
}
