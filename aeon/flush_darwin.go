//go:build darwin

package aeon

import "golang.org/x/sys/unix"

// flush writes back the whole mapping. Darwin's msync wants the address
// mmap returned, so sub-slices are not an option; only dirty pages are
// written either way.
func (r *Region) flush(_, _ uint64) error {
	return unix.Msync(r.data, unix.MS_SYNC)
}

// datasync uses F_FULLFSYNC; plain fsync on macOS stops at the drive cache.
func (r *Region) datasync() error {
	_, err := unix.FcntlInt(r.f.Fd(), unix.F_FULLFSYNC, 0)
	return err
}
