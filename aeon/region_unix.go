//go:build linux || darwin || freebsd

package aeon

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/aeonkit/internal/format"
)

// Create makes a zero-filled image of size bytes at path and maps it RW.
// size is rounded down to whole blocks. An existing file is truncated.
func Create(path string, size int64) (*Region, error) {
	size -= size % format.BlockSize
	if size < format.MinBlocks*format.BlockSize {
		return nil, fmt.Errorf("region: image of %d bytes is below the %d block minimum", size, format.MinBlocks)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("region: size image: %w", err)
	}
	return mapFile(f, size)
}

// Open maps an existing image RW so the volume can be mutated in place.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	sz := st.Size()
	if sz == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("empty image file: %s", path)
	}
	return mapFile(f, sz-sz%format.BlockSize)
}

func mapFile(f *os.File, size int64) (*Region, error) {
	data, err := unix.Mmap(
		int(f.Fd()),
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return &Region{f: f, data: data, size: size}, nil
}

// Close unmaps the arena and closes the image. Callers flush first; Close
// itself does not msync.
func (r *Region) Close() error {
	if r == nil {
		return errors.New("region: close of nil region")
	}
	var err error
	if r.f != nil {
		if r.data != nil {
			err = unix.Munmap(r.data)
		}
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
		r.f = nil
	}
	r.data = nil
	return err
}
