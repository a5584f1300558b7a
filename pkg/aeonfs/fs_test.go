package aeonfs

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/aeon/dirindex"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

const (
	testBlocks = 1024
	fileMode   = format.ModeRegular | 0o644
	dirMode    = format.ModeDir | 0o755
)

func newVolume(t *testing.T, opts Options) (*aeon.Region, *FS) {
	t.Helper()
	if opts.Shards == 0 {
		opts.Shards = 2
	}
	r := aeon.NewMemory(testBlocks * format.BlockSize)
	fs, err := Format(r, opts)
	require.NoError(t, err)
	return r, fs
}

func remount(t *testing.T, r *aeon.Region) *FS {
	t.Helper()
	fs, err := Mount(context.Background(), r, Options{})
	require.NoError(t, err)
	return fs
}

func names(t *testing.T, fs *FS, dirIno types.Ino) []string {
	t.Helper()
	var out []string
	for e, err := range fs.DirectoryIterate(dirIno, dirindex.Start) {
		require.NoError(t, err)
		out = append(out, e.Name)
	}
	return out
}

func Test_Format_Layout(t *testing.T) {
	r, fs := newVolume(t, Options{Shards: 2})

	assert.Equal(t, types.Ino(2), fs.Root(), "root is internal 1 of shard 0")
	assert.NotEqual(t, [16]byte{}, [16]byte(fs.UUID()))

	root, err := fs.Stat(fs.Root())
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.Equal(t, fs.Root(), root.Parent)
	assert.NotZero(t, root.DirMap)

	empty, err := fs.IsEmpty(fs.Root())
	require.NoError(t, err)
	assert.True(t, empty)
	parent, err := fs.DotDot(fs.Root())
	require.NoError(t, err)
	assert.Equal(t, fs.Root(), parent)
	assert.ElementsMatch(t, []string{".", ".."}, names(t, fs, fs.Root()))

	sb, err := format.DecodeSuperblock(r.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(fs.Root()), sb.RootIno)
	assert.Equal(t, uint64(root.Addr), sb.RootAddr)
	assert.Equal(t, uint64(testBlocks), sb.NumBlocks)

	// superblock, region tables, two map blocks, one inode table, the root's
	// dentry map and first dentry block
	assert.Equal(t, uint64(testBlocks-7), fs.Stats().FreeBlocks)
}

func Test_Format_RejectsBadOptions(t *testing.T) {
	r := aeon.NewMemory(testBlocks * format.BlockSize)
	_, err := Format(r, Options{Shards: 0})
	require.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = Format(r, Options{Shards: format.MaxShards + 1})
	require.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = Format(r, Options{Shards: 1, MaxDentryBlocks: format.MaxDentryBlocks + 1})
	require.ErrorIs(t, err, types.ErrInvalidArgument)

	tiny := aeon.NewMemory(16 * format.BlockSize)
	_, err = Format(tiny, Options{Shards: 1})
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func Test_FS_BlockAndInodeNumbers(t *testing.T) {
	_, fs := newVolume(t, Options{Shards: 2})
	free := fs.Stats().FreeBlocks

	b, n, err := fs.AllocateBlocks(4, types.BlockNormal, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	assert.GreaterOrEqual(t, b, uint64(testBlocks/2), "hint keeps the range in shard 1")
	assert.Equal(t, free-4, fs.Stats().FreeBlocks)
	require.NoError(t, fs.FreeBlocks(b, 4, types.AnyShard))
	assert.Equal(t, free, fs.Stats().FreeBlocks)
	require.ErrorIs(t, fs.FreeBlocks(b, 4, types.AnyShard), types.ErrDuplicateKey)

	ino, err := fs.AllocateInodeNumber(1)
	require.NoError(t, err)
	assert.Equal(t, types.Ino(3), ino, "internal 1 of shard 1")
	_, err = fs.ResolveInodeAddress(ino)
	require.ErrorIs(t, err, types.ErrNotFound, "shard 1 has no inode table yet")
	require.NoError(t, fs.FreeInodeNumber(ino))
	require.ErrorIs(t, fs.FreeInodeNumber(ino), types.ErrNotFound)
	require.ErrorIs(t, fs.FreeInodeNumber(0), types.ErrInvalidArgument)

	addr, err := fs.ResolveInodeAddress(fs.Root())
	require.NoError(t, err)
	root, err := fs.Stat(fs.Root())
	require.NoError(t, err)
	assert.Equal(t, root.Addr, addr)
}

func Test_FS_CreateFindRemove(t *testing.T) {
	_, fs := newVolume(t, Options{})
	root := fs.Root()

	f, err := fs.Create(root, "notes.txt", fileMode)
	require.NoError(t, err)
	d, err := fs.Create(root, "src", dirMode)
	require.NoError(t, err)

	e, err := fs.DirectoryFind(root, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, f, e.Ino)
	at, err := fs.DentryOf(f)
	require.NoError(t, err)
	assert.Equal(t, e.Addr, at)

	_, err = fs.Create(root, "notes.txt", fileMode)
	require.ErrorIs(t, err, types.ErrDuplicateKey)
	_, err = fs.Create(root, "a/b", fileMode)
	require.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = fs.Create(f, "x", fileMode)
	require.ErrorIs(t, err, types.ErrInvalidArgument, "files have no entries")

	parent, err := fs.DotDot(d)
	require.NoError(t, err)
	assert.Equal(t, root, parent)
	rs, err := fs.Stat(root)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), rs.Links)

	_, err = fs.Create(d, "main.go", fileMode)
	require.NoError(t, err)
	err = fs.Remove(root, "src")
	require.ErrorIs(t, err, types.ErrInvalidArgument, "directory not empty")

	require.NoError(t, fs.Remove(d, "main.go"))
	require.NoError(t, fs.Remove(root, "src"))
	require.NoError(t, fs.Remove(root, "notes.txt"))
	_, err = fs.Stat(f)
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = fs.DirectoryFind(root, "notes.txt")
	require.ErrorIs(t, err, types.ErrNotFound)
	rs, err = fs.Stat(root)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), rs.Links)

	require.ErrorIs(t, fs.Remove(root, ".."), types.ErrInvalidArgument)
	require.ErrorIs(t, fs.RemoveInode(root), types.ErrInvalidArgument)
	assert.ElementsMatch(t, []string{".", ".."}, names(t, fs, root))
}

func Test_FS_RemoveDirectoryFreesItsBlocks(t *testing.T) {
	_, fs := newVolume(t, Options{})
	_, err := fs.Create(fs.Root(), "tmp", dirMode)
	require.NoError(t, err)
	free := fs.Stats().FreeBlocks

	require.NoError(t, fs.Remove(fs.Root(), "tmp"))
	assert.Equal(t, free+2, fs.Stats().FreeBlocks, "dentry map and first dentry block")
}

func Test_FS_DirectoryDeleteAll(t *testing.T) {
	_, fs := newVolume(t, Options{})
	d, err := fs.Create(fs.Root(), "cache", dirMode)
	require.NoError(t, err)
	_, err = fs.Create(d, "a", fileMode)
	require.NoError(t, err)

	require.NoError(t, fs.DirectoryDeleteAll(d))
	st, err := fs.Stat(d)
	require.NoError(t, err)
	assert.Zero(t, st.DirMap)

	// Next use bootstraps fresh storage.
	empty, err := fs.IsEmpty(d)
	require.NoError(t, err)
	assert.True(t, empty)
	st, err = fs.Stat(d)
	require.NoError(t, err)
	assert.NotZero(t, st.DirMap)

	f, err := fs.Lookup("/cache/.")
	require.NoError(t, err)
	assert.Equal(t, d, f)
}

func Test_FS_Rename(t *testing.T) {
	_, fs := newVolume(t, Options{})
	root := fs.Root()
	a, err := fs.Create(root, "a", dirMode)
	require.NoError(t, err)
	b, err := fs.Create(root, "b", dirMode)
	require.NoError(t, err)
	f, err := fs.Create(a, "f", fileMode)
	require.NoError(t, err)

	t.Run("file across directories", func(t *testing.T) {
		require.NoError(t, fs.Rename(a, "f", b, "g"))
		_, err := fs.DirectoryFind(a, "f")
		require.ErrorIs(t, err, types.ErrNotFound)
		e, err := fs.DirectoryFind(b, "g")
		require.NoError(t, err)
		assert.Equal(t, f, e.Ino)
		at, err := fs.DentryOf(f)
		require.NoError(t, err)
		assert.Equal(t, e.Addr, at)
	})

	t.Run("directory reparented", func(t *testing.T) {
		sub, err := fs.Create(a, "sub", dirMode)
		require.NoError(t, err)
		require.NoError(t, fs.Rename(a, "sub", b, "sub"))

		parent, err := fs.DotDot(sub)
		require.NoError(t, err)
		assert.Equal(t, b, parent)
		st, err := fs.Stat(sub)
		require.NoError(t, err)
		assert.Equal(t, b, st.Parent)

		as, err := fs.Stat(a)
		require.NoError(t, err)
		bs, err := fs.Stat(b)
		require.NoError(t, err)
		assert.Equal(t, uint16(2), as.Links)
		assert.Equal(t, uint16(3), bs.Links)

		got, err := fs.Lookup("/b/sub/..")
		require.NoError(t, err)
		assert.Equal(t, b, got)
	})

	t.Run("into own subtree", func(t *testing.T) {
		sub, err := fs.Lookup("b/sub")
		require.NoError(t, err)
		err = fs.Rename(root, "b", sub, "loop")
		require.ErrorIs(t, err, types.ErrInvalidArgument)
	})

	t.Run("over existing file", func(t *testing.T) {
		x, err := fs.Create(a, "x", fileMode)
		require.NoError(t, err)
		y, err := fs.Create(a, "y", fileMode)
		require.NoError(t, err)

		require.NoError(t, fs.Rename(a, "x", a, "y"))
		e, err := fs.DirectoryFind(a, "y")
		require.NoError(t, err)
		assert.Equal(t, x, e.Ino)
		_, err = fs.DirectoryFind(a, "x")
		require.ErrorIs(t, err, types.ErrNotFound)
		_, err = fs.Stat(y)
		require.ErrorIs(t, err, types.ErrNotFound, "replaced inode is released")

		err = fs.Rename(a, "y", root, "b")
		require.ErrorIs(t, err, types.ErrInvalidArgument, "file over directory")
	})

	_, err = fs.Verify(context.Background())
	require.NoError(t, err)
}

func Test_FS_NameNormalization(t *testing.T) {
	const decomposed, composed = "e\u0301", "\u00e9"

	_, nfc := newVolume(t, Options{NFC: true})
	_, err := nfc.Create(nfc.Root(), decomposed, fileMode)
	require.NoError(t, err)
	_, err = nfc.DirectoryFind(nfc.Root(), composed)
	require.NoError(t, err)
	_, err = nfc.Create(nfc.Root(), composed, fileMode)
	require.ErrorIs(t, err, types.ErrDuplicateKey)
	assert.Contains(t, names(t, nfc, nfc.Root()), composed)
	assert.True(t, nfc.Stats().NFC)

	_, raw := newVolume(t, Options{})
	_, err = raw.Create(raw.Root(), decomposed, fileMode)
	require.NoError(t, err)
	_, err = raw.DirectoryFind(raw.Root(), composed)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func Test_Mount_RebuildsState(t *testing.T) {
	r, fs := newVolume(t, Options{Shards: 3})
	docs, err := fs.Create(fs.Root(), "docs", dirMode)
	require.NoError(t, err)
	var files []types.Ino
	for i := range 10 {
		ino, err := fs.Create(docs, fmt.Sprintf("page-%02d", i), fileMode)
		require.NoError(t, err)
		files = append(files, ino)
	}
	require.NoError(t, fs.Remove(docs, "page-03"))
	require.NoError(t, fs.Sync(context.Background()))
	before := fs.Stats()

	fs2 := remount(t, r)
	after := fs2.Stats()
	assert.Equal(t, before.UUID, after.UUID)
	assert.Equal(t, before.FreeBlocks, after.FreeBlocks, "every metadata block is reserved again")
	assert.Equal(t, 3, after.Shards)

	var inUse, persisted uint64
	for s, st := range after.Inodes {
		inUse += st.InUse
		rt, err := r.RegionTableAt(s)
		require.NoError(t, err)
		persisted += rt.InodeAllocated()
	}
	assert.Equal(t, uint64(11), inUse, "root, docs and nine pages")
	assert.Equal(t, inUse, persisted)

	e, err := fs2.DirectoryFind(docs, "page-07")
	require.NoError(t, err)
	assert.Equal(t, files[7], e.Ino)
	_, err = fs2.DirectoryFind(docs, "page-03")
	require.ErrorIs(t, err, types.ErrNotFound)

	fresh, err := fs2.Create(docs, "page-10", fileMode)
	require.NoError(t, err)
	assert.NotContains(t, files[:3], fresh)
	assert.NotContains(t, files[4:], fresh)

	rep, err := fs2.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Directories)
	assert.Equal(t, 11, rep.Entries)
}

func Test_Mount_DetectsCorruption(t *testing.T) {
	t.Run("unformatted", func(t *testing.T) {
		_, err := Mount(context.Background(), aeon.NewMemory(testBlocks*format.BlockSize), Options{})
		require.ErrorIs(t, err, types.ErrCorrupt)
	})

	t.Run("superblock", func(t *testing.T) {
		r, _ := newVolume(t, Options{})
		r.Bytes()[format.SBNumBlocksOffset] ^= 1
		_, err := Mount(context.Background(), r, Options{})
		require.ErrorIs(t, err, types.ErrChecksumMismatch)
	})

	t.Run("inode record", func(t *testing.T) {
		r, fs := newVolume(t, Options{})
		f, err := fs.Create(fs.Root(), "f", fileMode)
		require.NoError(t, err)
		st, err := fs.Stat(f)
		require.NoError(t, err)
		r.Bytes()[uint64(st.Addr)+format.InodeSizeOffset] ^= 0xFF
		_, err = Mount(context.Background(), r, Options{})
		require.ErrorIs(t, err, types.ErrChecksumMismatch)
	})

	t.Run("dentry record", func(t *testing.T) {
		r, fs := newVolume(t, Options{})
		d, err := fs.Create(fs.Root(), "d", dirMode)
		require.NoError(t, err)
		_, err = fs.Create(d, "victim", fileMode)
		require.NoError(t, err)
		e, err := fs.DirectoryFind(d, "victim")
		require.NoError(t, err)
		r.Bytes()[uint64(e.Addr)+format.DentryNameOffset] ^= 0x20

		fs2 := remount(t, r)
		_, err = fs2.DirectoryFind(d, "victim")
		require.ErrorIs(t, err, types.ErrChecksumMismatch)
		_, err = fs2.Verify(context.Background())
		require.ErrorIs(t, err, types.ErrChecksumMismatch)
	})
}

func Test_FS_ReclaimSurvivesRemount(t *testing.T) {
	r, fs := newVolume(t, Options{})
	d, err := fs.Create(fs.Root(), "spool", dirMode)
	require.NoError(t, err)
	// "." and ".." plus six names fill the first block; the next eight fill
	// the second.
	for i := range 20 {
		_, err := fs.Create(d, fmt.Sprintf("f%02d", i), fileMode)
		require.NoError(t, err)
	}
	for i := 6; i < 14; i++ {
		require.NoError(t, fs.Remove(d, fmt.Sprintf("f%02d", i)))
	}
	free := fs.Stats().FreeBlocks

	n, err := fs.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, free+1, fs.Stats().FreeBlocks)
	_, err = fs.DirectoryFind(d, "f19")
	require.NoError(t, err)

	fs2 := remount(t, r)
	assert.Equal(t, fs.Stats().FreeBlocks, fs2.Stats().FreeBlocks)
	for _, name := range []string{"f00", "f05", "f14", "f19"} {
		_, err := fs2.DirectoryFind(d, name)
		require.NoError(t, err, name)
	}
	_, err = fs2.Verify(context.Background())
	require.NoError(t, err)
}

func Test_FS_ConcurrentCreates(t *testing.T) {
	_, fs := newVolume(t, Options{Shards: 4})
	const dirs, perDir = 4, 30

	parents := make([]types.Ino, dirs)
	for i := range parents {
		ino, err := fs.Create(fs.Root(), fmt.Sprintf("d%d", i), dirMode)
		require.NoError(t, err)
		parents[i] = ino
	}

	var g errgroup.Group
	for i, p := range parents {
		g.Go(func() error {
			for j := range perDir {
				if _, err := fs.Create(p, fmt.Sprintf("w%d-%d", i, j), fileMode); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	rep, err := fs.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dirs+1, rep.Directories)
	assert.Equal(t, dirs+dirs*perDir, rep.Entries)
}

func Test_FS_ConcurrentMkdirRmdirSameParent(t *testing.T) {
	r, fs := newVolume(t, Options{Shards: 4})
	const workers, perWorker = 8, 10

	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for j := range perWorker {
				if _, err := fs.Create(fs.Root(), fmt.Sprintf("d%d-%d", w, j), dirMode); err != nil {
					return err
				}
			}
			for j := 0; j < perWorker; j += 2 {
				if err := fs.Remove(fs.Root(), fmt.Sprintf("d%d-%d", w, j)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	const kept = workers * perWorker / 2
	root, err := fs.Stat(fs.Root())
	require.NoError(t, err)
	assert.Equal(t, uint16(2+kept), root.Links, "one link per surviving subdirectory")

	rep, err := fs.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kept+1, rep.Directories)
	assert.Equal(t, kept, rep.Entries)
	require.NoError(t, fs.Sync(context.Background()))

	// First access after a remount loads every directory concurrently.
	fs2 := remount(t, r)
	var lg errgroup.Group
	for w := range workers {
		lg.Go(func() error {
			for j := 1; j < perWorker; j += 2 {
				e, err := fs2.DirectoryFind(fs2.Root(), fmt.Sprintf("d%d-%d", w, j))
				if err != nil {
					return err
				}
				empty, err := fs2.IsEmpty(e.Ino)
				if err != nil {
					return err
				}
				if !empty {
					return fmt.Errorf("d%d-%d is not empty", w, j)
				}
			}
			return nil
		})
	}
	require.NoError(t, lg.Wait())
	assert.Equal(t, kept+1, fs2.Stats().LoadedDirs)
}

func Test_Mount_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	r, err := aeon.Create(path, testBlocks*format.BlockSize)
	require.NoError(t, err)
	fs, err := Format(r, Options{Shards: 2})
	require.NoError(t, err)
	_, err = fs.Create(fs.Root(), "persisted", fileMode)
	require.NoError(t, err)
	require.NoError(t, fs.Close())
	require.NoError(t, r.Close())

	r, err = aeon.Open(path)
	require.NoError(t, err)
	defer r.Close()
	fs2 := remount(t, r)
	ino, err := fs2.Lookup("/persisted")
	require.NoError(t, err)
	st, err := fs2.Stat(ino)
	require.NoError(t, err)
	assert.False(t, st.IsDir())
}
