//go:build linux || freebsd

package aeon

import "golang.org/x/sys/unix"

// flush writes back [lo, hi) of the mapping. Linux accepts page-aligned
// sub-slices of a mapping.
func (r *Region) flush(lo, hi uint64) error {
	return unix.Msync(r.data[lo:hi], unix.MS_SYNC)
}

func (r *Region) datasync() error {
	return unix.Fdatasync(int(r.f.Fd()))
}
