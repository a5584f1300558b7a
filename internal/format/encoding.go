package format

import (
	"encoding/binary"
	"fmt"
)

// Every multi-byte field on an aeon volume is little endian. These helpers
// take the containing slice plus a field offset so record views can read
// fields without first sub-slicing.
//
// The unchecked variants panic on a short buffer like any slice index would;
// record views only call them after validating the record length once.

// PutU16 writes v at off.
func PutU16(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
}

// PutU32 writes v at off.
func PutU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutU64 writes v at off.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU16 reads the field at off.
func ReadU16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

// ReadU32 reads the field at off.
func ReadU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// ReadU64 reads the field at off.
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// CheckedReadU32 reads a uint32 at off, failing with ErrTruncated instead of panicking.
func CheckedReadU32(b []byte, off int) (uint32, error) {
	if off < 0 || off+4 > len(b) {
		return 0, fmt.Errorf("u32 at %d: %w (len %d)", off, ErrTruncated, len(b))
	}
	return ReadU32(b, off), nil
}

// CheckedReadU64 reads a uint64 at off, failing with ErrTruncated instead of panicking.
func CheckedReadU64(b []byte, off int) (uint64, error) {
	if off < 0 || off+8 > len(b) {
		return 0, fmt.Errorf("u64 at %d: %w (len %d)", off, ErrTruncated, len(b))
	}
	return ReadU64(b, off), nil
}

// BoolByte encodes a flag byte.
func BoolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
