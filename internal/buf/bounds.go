// Package buf contains bounds-checking helpers for slicing the persistent
// region. Region offsets are unsigned 64-bit values while Go slices are
// indexed by int, so every conversion goes through here.
package buf

import (
	"fmt"
	"math"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow uint64.
func AddOverflowSafe(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}

// MulOverflowSafe multiplies a and b, returning ok = false when the result would overflow uint64.
// Used for blocknr * blockSize style address computations.
func MulOverflowSafe(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxUint64/b {
		return 0, false
	}
	return a * b, true
}

// CheckRange validates that n bytes starting at off fit in a buffer of
// length bufLen. It returns the end offset if valid, or an error describing
// the specific failure (overflow or out of bounds).
//
//	end, err := buf.CheckRange(uint64(len(data)), off, n)
//	if err != nil {
//	    return fmt.Errorf("region: %w", err)
//	}
func CheckRange(bufLen, off, n uint64) (uint64, error) {
	end, ok := AddOverflowSafe(off, n)
	if !ok {
		return 0, fmt.Errorf("overflow: off=%d + n=%d", off, n)
	}
	if end > bufLen {
		return 0, fmt.Errorf("bounds: end=%d > len=%d", end, bufLen)
	}
	if end > math.MaxInt {
		return 0, fmt.Errorf("bounds: end=%d exceeds addressable size", end)
	}
	return end, nil
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b).
func Slice(b []byte, off, n uint64) ([]byte, bool) {
	end, err := CheckRange(uint64(len(b)), off, n)
	if err != nil {
		return nil, false
	}
	return b[off:end:end], true
}

// Has reports whether b[off:off+n] is within bounds.
func Has(b []byte, off, n uint64) bool {
	_, err := CheckRange(uint64(len(b)), off, n)
	return err == nil
}

// AlignDown rounds v down to a multiple of align (a power of two).
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align (a power of two), saturating at
// the largest aligned value instead of wrapping.
func AlignUp(v, align uint64) uint64 {
	up, ok := AddOverflowSafe(v, align-1)
	if !ok {
		return AlignDown(math.MaxUint64, align)
	}
	return AlignDown(up, align)
}

// Zero clears b.
func Zero(b []byte) {
	clear(b)
}
