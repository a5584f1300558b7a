// Package dirindex is the in-memory name lookup of one directory: a
// rangeindex keyed by the BKDR hash of each entry name, pointing at the
// on-media dentry record.
//
// Two names with the same hash cannot both be indexed; the second insert
// fails with ErrDuplicateKey. Lookups re-read the stored name through a
// NameSource and only succeed on an exact match, so a colliding name is
// reported as absent instead of aliasing the other entry.
//
// The index is a cache. It is rebuilt from the dentry blocks whenever a
// directory is loaded and holds no state that is not on media. It is not
// safe for concurrent use; the owning directory's lock guards it.
package dirindex

import (
	"fmt"
	"iter"
	"math"

	"github.com/joshuapare/aeonkit/aeon/rangeindex"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// Start is the iteration cursor that begins at the first entry.
const Start uint64 = 0

// Entry is what the index stores per name.
type Entry struct {
	Hash uint64
	Addr types.Addr // dentry record
	Ino  types.Ino
}

// NameSource reads back the name stored in a dentry record.
type NameSource interface {
	NameAt(addr types.Addr) ([]byte, error)
}

// Index maps name hashes to dentry records.
type Index struct {
	tree  *rangeindex.Index[Entry]
	names NameSource
}

// New returns an empty index verifying names through names. A nil source
// disables verification and lookups match on hash alone.
func New(names NameSource) *Index {
	return &Index{tree: rangeindex.New[Entry](rangeindex.KindDir), names: names}
}

// Hash is the key a name is indexed under.
func Hash(name []byte) uint64 { return format.NameHash(name) }

// Len returns the number of indexed names.
func (x *Index) Len() int { return x.tree.Len() }

// Insert indexes name. The returned entry carries the computed hash.
func (x *Index) Insert(name []byte, e Entry) (Entry, error) {
	e.Hash = Hash(name)
	if _, err := x.tree.Insert(e.Hash, e.Hash, e); err != nil {
		return Entry{}, fmt.Errorf("dirindex: insert %q: %w", name, err)
	}
	return e, nil
}

// HasKey reports whether name's hash is taken, by name or by a collision.
func (x *Index) HasKey(name []byte) bool { return x.tree.Find(Hash(name)) != nil }

// Find returns the entry for name, ErrNotFound when absent, or
// ErrChecksumMismatch when the record backing the hash fails verification.
func (x *Index) Find(name []byte) (Entry, error) {
	n, err := x.lookup(name)
	if err != nil {
		return Entry{}, err
	}
	return n.Payload, nil
}

// Remove unindexes name and returns what it pointed to.
func (x *Index) Remove(name []byte) (Entry, error) {
	n, err := x.lookup(name)
	if err != nil {
		return Entry{}, err
	}
	x.tree.Erase(n)
	return n.Payload, nil
}

// Retarget points an indexed name at another inode.
func (x *Index) Retarget(name []byte, ino types.Ino) error {
	n, err := x.lookup(name)
	if err != nil {
		return err
	}
	n.Payload.Ino = ino
	return nil
}

func (x *Index) lookup(name []byte) (*rangeindex.Node[Entry], error) {
	h := Hash(name)
	n := x.tree.Find(h)
	if n == nil {
		return nil, fmt.Errorf("dirindex: %q: %w", name, types.ErrNotFound)
	}
	if x.names != nil {
		stored, err := x.names.NameAt(n.Payload.Addr)
		if err != nil {
			return nil, fmt.Errorf("dirindex: %q: %w", name, err)
		}
		if string(stored) != string(name) {
			return nil, fmt.Errorf("dirindex: %q (hash shared with %q): %w", name, stored, types.ErrNotFound)
		}
	}
	return n, nil
}

// Iterate yields entries in hash order starting at the first key >= from.
// Each step re-seeks past the last yielded key, so the sequence tolerates
// mutation between steps: entries inserted ahead of the cursor may or may
// not be seen, and removed ones are skipped.
func (x *Index) Iterate(from uint64) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		key := from
		for {
			n := x.tree.Seek(key)
			if n == nil || !yield(n.Payload) || n.Low == math.MaxUint64 {
				return
			}
			key = n.Low + 1
		}
	}
}

// Next returns the first entry with hash >= from. It is the single step of
// Iterate for callers that hold a lock between steps.
func (x *Index) Next(from uint64) (Entry, bool) {
	n := x.tree.Seek(from)
	if n == nil {
		return Entry{}, false
	}
	return n.Payload, true
}

// Clear drops every entry.
func (x *Index) Clear() { x.tree.Clear() }

// Check verifies the tree shape.
func (x *Index) Check() error { return x.tree.Check() }
