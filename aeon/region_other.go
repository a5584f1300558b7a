//go:build !linux && !darwin && !freebsd

package aeon

import (
	"fmt"
	"io"
	"os"

	"github.com/joshuapare/aeonkit/internal/format"
)

// Without a shared mapping the arena is a heap copy of the image, and
// Persist writes the touched pages back with WriteAt.

// Create makes a zero-filled image of size bytes at path.
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
	return &Region{f: f, data: make([]byte, size), size: size}, nil
}

// Open loads an existing image.
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
	sz := st.Size() - st.Size()%format.BlockSize
	if sz == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("empty image file: %s", path)
	}
	data := make([]byte, sz)
	if _, err := io.ReadFull(f, data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("region: read image: %w", err)
	}
	return &Region{f: f, data: data, size: sz}, nil
}

func (r *Region) flush(lo, hi uint64) error {
	_, err := r.f.WriteAt(r.data[lo:hi], int64(lo))
	return err
}

func (r *Region) datasync() error {
	return r.f.Sync()
}

// Close closes the image. Unflushed changes are lost.
func (r *Region) Close() error {
	var err error
	if r.f != nil {
		err = r.f.Close()
		r.f = nil
	}
	r.data = nil
	return err
}
