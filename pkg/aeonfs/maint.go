package aeonfs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/joshuapare/aeonkit/aeon/balloc"
	"github.com/joshuapare/aeonkit/aeon/dir"
	"github.com/joshuapare/aeonkit/aeon/dirindex"
	"github.com/joshuapare/aeonkit/aeon/inoalloc"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// Reclaim returns fully emptied dentry blocks of every loaded directory to
// the block allocator and reports how many were freed.
func (fs *FS) Reclaim() (int, error) {
	var total int
	for _, d := range fs.loadedDirs() {
		n, err := d.Reclaim()
		total += n
		if err != nil {
			return total, fmt.Errorf("aeonfs: reclaim directory %d: %w", d.Ino(), err)
		}
	}
	if total > 0 {
		fs.log.Debug("reclaimed dentry blocks", "blocks", total)
	}
	return total, nil
}

func (fs *FS) loadedDirs() []*dir.Directory {
	fs.dirsMu.Lock()
	defer fs.dirsMu.Unlock()
	out := make([]*dir.Directory, 0, len(fs.dirs))
	for _, d := range fs.dirs {
		out = append(out, d)
	}
	return out
}

// VerifyReport summarizes a Verify walk.
type VerifyReport struct {
	Directories int `json:"directories"`
	Entries     int `json:"entries"`
}

// Verify checks both allocators' invariants, then walks the tree from the
// root, loading every directory, checking its index against its records and
// verifying every inode it names.
func (fs *FS) Verify(ctx context.Context) (VerifyReport, error) {
	var rep VerifyReport
	if err := fs.blocks.Check(); err != nil {
		return rep, err
	}
	if err := fs.inos.Check(); err != nil {
		return rep, err
	}

	seen := map[types.Ino]bool{fs.Root(): true}
	queue := []types.Ino{fs.Root()}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ino := queue[0]
		queue = queue[1:]

		d, err := fs.dir(ino)
		if err != nil {
			return rep, err
		}
		if err := d.Check(); err != nil {
			return rep, err
		}
		rep.Directories++

		for e, err := range d.Iterate(dirindex.Start) {
			if err != nil {
				return rep, err
			}
			switch e.Name {
			case ".":
				if e.Ino != ino {
					return rep, types.Errorf(types.ErrKindCorrupt, "aeonfs: \".\" of %d names %d", ino, e.Ino)
				}
				continue
			case "..":
				continue
			}
			rep.Entries++
			n, err := fs.Stat(e.Ino)
			if err != nil {
				return rep, fmt.Errorf("aeonfs: entry %q of %d: %w", e.Name, ino, err)
			}
			if n.IsDir() && !seen[e.Ino] {
				seen[e.Ino] = true
				queue = append(queue, e.Ino)
			}
		}
	}
	return rep, nil
}

// Stats is a snapshot of volume and allocator state.
type Stats struct {
	UUID            uuid.UUID             `json:"uuid"`
	NumBlocks       uint64                `json:"num_blocks"`
	FreeBlocks      uint64                `json:"free_blocks"`
	Shards          int                   `json:"shards"`
	Root            types.Ino             `json:"root"`
	NFC             bool                  `json:"nfc"`
	MaxDentryBlocks int                   `json:"max_dentry_blocks"`
	LoadedDirs      int                   `json:"loaded_dirs"`
	PendingFlush    int                   `json:"pending_flush"`
	Persists        uint64                `json:"persists"`
	Blocks          []balloc.ShardStats   `json:"blocks"`
	Inodes          []inoalloc.ShardStats `json:"inodes"`
}

// Stats snapshots the volume. Shards are read one at a time, so the totals
// are not a consistent cut under concurrent mutation.
func (fs *FS) Stats() Stats {
	fs.dirsMu.Lock()
	loaded := len(fs.dirs)
	fs.dirsMu.Unlock()
	return Stats{
		UUID:            fs.UUID(),
		NumBlocks:       fs.sb.NumBlocks,
		FreeBlocks:      fs.blocks.FreeBlocks(),
		Shards:          fs.Shards(),
		Root:            fs.Root(),
		NFC:             fs.canonNFC(),
		MaxDentryBlocks: int(fs.sb.MaxDirBlocks),
		LoadedDirs:      loaded,
		PendingFlush:    fs.dirty.Pending(),
		Persists:        fs.r.Persists(),
		Blocks:          fs.blocks.Stats(),
		Inodes:          fs.inos.Stats(),
	}
}
