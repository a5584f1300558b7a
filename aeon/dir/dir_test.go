package dir

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/aeon/balloc"
	"github.com/joshuapare/aeonkit/aeon/dirindex"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

const (
	selfIno    = types.Ino(8)
	selfAddr   = types.Addr(0x3080)
	parentIno  = types.Ino(4)
	parentAddr = types.Addr(0x3000)
)

func setup(t *testing.T, maxBlocks int) (*aeon.Region, *balloc.Allocator, *Directory) {
	t.Helper()
	const blocks = 512
	r := aeon.NewMemory(blocks * format.BlockSize)
	ba, err := balloc.New(balloc.Options{Shards: 2, NumBlocks: blocks})
	require.NoError(t, err)
	require.NoError(t, ba.Reserve(0, format.ReservedBlocks))
	d := New(Options{Region: r, Blocks: ba, Ino: selfIno, InodeAddr: selfAddr, Shard: 1, MaxBlocks: maxBlocks})
	_, err = d.Bootstrap(parentIno, parentAddr)
	require.NoError(t, err)
	return r, ba, d
}

func Test_Directory_InsertFindRemove(t *testing.T) {
	_, _, d := setup(t, 0)
	assert.True(t, d.IsEmpty())

	addr, err := d.Insert([]byte("readme"), 20, 0x5000)
	require.NoError(t, err)
	e, err := d.Find([]byte("readme"))
	require.NoError(t, err)
	assert.Equal(t, addr, e.Addr)
	assert.Equal(t, types.Ino(20), e.Ino)
	assert.False(t, d.IsEmpty())
	assert.Equal(t, 1, d.Len())

	_, err = d.Insert([]byte("readme"), 21, 0x5080)
	require.ErrorIs(t, err, types.ErrDuplicateKey)

	removed, err := d.Remove([]byte("readme"))
	require.NoError(t, err)
	assert.Equal(t, addr, removed.Addr)
	_, err = d.Find([]byte("readme"))
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = d.Remove([]byte("readme"))
	require.ErrorIs(t, err, types.ErrNotFound)
	assert.True(t, d.IsEmpty())
	require.NoError(t, d.Check())
}

func Test_Directory_DotEntries(t *testing.T) {
	_, _, d := setup(t, 0)
	e, err := d.Find([]byte("."))
	require.NoError(t, err)
	assert.Equal(t, selfIno, e.Ino)

	ino, addr, err := d.DotDot()
	require.NoError(t, err)
	assert.Equal(t, parentIno, ino)
	assert.Equal(t, parentAddr, addr)

	require.NoError(t, d.SetParent(12, 0x6000))
	ino, addr, err = d.DotDot()
	require.NoError(t, err)
	assert.Equal(t, types.Ino(12), ino)
	assert.Equal(t, types.Addr(0x6000), addr)
	e, err = d.Find([]byte(".."))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(12), e.Ino)

	_, err = d.Remove([]byte(".."))
	require.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = d.Insert([]byte("."), 1, 0)
	require.ErrorIs(t, err, types.ErrInvalidArgument)
	require.NoError(t, d.Check())
}

func Test_Directory_RejectsBadNames(t *testing.T) {
	_, _, d := setup(t, 0)
	long := make([]byte, format.MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	for _, n := range [][]byte{nil, long, []byte("a/b"), {'a', 0}} {
		_, err := d.Insert(n, 1, 0)
		require.ErrorIs(t, err, types.ErrInvalidArgument, "%q", n)
	}
	_, err := d.Insert(long[:format.MaxNameLen], 1, 0)
	require.NoError(t, err)
}

func Test_Directory_GrowthAndTooManyLinks(t *testing.T) {
	_, _, d := setup(t, 3)
	capacity := 3*format.DentriesPerBlock - format.BootstrapEntries
	for i := range capacity {
		_, err := d.Insert([]byte(fmt.Sprintf("file-%03d", i)), types.Ino(100+i), 0)
		require.NoError(t, err)
	}
	assert.Len(t, d.Blocks(), 3)
	e, err := d.Find([]byte(fmt.Sprintf("file-%03d", capacity-1)))
	require.NoError(t, err)
	assert.Equal(t, d.Blocks()[2], aeon.BlockOf(e.Addr))

	_, err = d.Insert([]byte("one-too-many"), 1, 0)
	require.ErrorIs(t, err, types.ErrTooManyLinks)
	_, err = d.Find([]byte("one-too-many"))
	require.ErrorIs(t, err, types.ErrNotFound)
	require.NoError(t, d.Check())
}

func Test_Directory_SlotReuseAfterRemove(t *testing.T) {
	_, _, d := setup(t, 0)
	addr, err := d.Insert([]byte("old"), 30, 0)
	require.NoError(t, err)
	_, err = d.Insert([]byte("keep"), 31, 0)
	require.NoError(t, err)
	_, err = d.Remove([]byte("old"))
	require.NoError(t, err)

	again, err := d.Insert([]byte("new"), 32, 0)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func Test_Directory_RemoveThenReinsertSameName(t *testing.T) {
	_, _, d := setup(t, 0)
	first, err := d.Insert([]byte("a"), 40, 0)
	require.NoError(t, err)
	_, err = d.Remove([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, d.Check())

	_, err = d.Find([]byte("a"))
	require.ErrorIs(t, err, types.ErrNotFound)
	again, err := d.Insert([]byte("a"), 41, 0)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	e, err := d.Find([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(41), e.Ino)
	assert.Equal(t, 1, d.Len())
	require.NoError(t, d.Check())
}

func Test_Directory_Iterate(t *testing.T) {
	_, _, d := setup(t, 0)
	want := map[string]bool{".": true, "..": true}
	for i := range 12 {
		name := fmt.Sprintf("n%d", i)
		want[name] = true
		_, err := d.Insert([]byte(name), types.Ino(i+50), 0)
		require.NoError(t, err)
	}

	got := map[string]bool{}
	var cursor uint64
	for e, err := range d.Iterate(dirindex.Start) {
		require.NoError(t, err)
		got[e.Name] = true
		if len(got) == 5 {
			cursor = e.Hash + 1
			break
		}
	}
	for e, err := range d.Iterate(cursor) {
		require.NoError(t, err)
		assert.False(t, got[e.Name], "resumed walk repeats %q", e.Name)
		got[e.Name] = true
	}
	assert.Equal(t, want, got)
}

func Test_Directory_IterateReportsCorruption(t *testing.T) {
	r, _, d := setup(t, 0)
	addr, err := d.Insert([]byte("bad"), 9, 0)
	require.NoError(t, err)
	raw, err := r.Resolve(addr, format.DentrySize)
	require.NoError(t, err)
	raw[format.DentryInoOffset] ^= 1

	var sawErr error
	for _, err := range d.Iterate(dirindex.Start) {
		if err != nil {
			sawErr = err
		}
	}
	require.ErrorIs(t, sawErr, types.ErrChecksumMismatch)
	_, err = d.Find([]byte("bad"))
	require.ErrorIs(t, err, types.ErrChecksumMismatch)
	require.Error(t, d.Check())
}

func Test_Directory_SetLink(t *testing.T) {
	r, _, d := setup(t, 0)
	addr, err := d.Insert([]byte("target"), 40, 0x4000)
	require.NoError(t, err)
	require.NoError(t, d.SetLink([]byte("target"), 41, 0x4080))

	e, err := d.Find([]byte("target"))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(41), e.Ino)
	rec, err := r.DentryAt(addr)
	require.NoError(t, err)
	assert.Equal(t, types.Addr(0x4080), rec.InodeAddr())
	assert.True(t, rec.Verify())
	require.ErrorIs(t, d.SetLink([]byte("absent"), 1, 0), types.ErrNotFound)
}

func Test_Directory_LoadMatchesLive(t *testing.T) {
	r, ba, d := setup(t, 0)
	for i := range 20 {
		_, err := d.Insert([]byte(fmt.Sprintf("x%d", i)), types.Ino(i+1), 0)
		require.NoError(t, err)
	}
	_, err := d.Remove([]byte("x3"))
	require.NoError(t, err)

	re := New(Options{Region: r, Blocks: ba, Ino: selfIno, InodeAddr: selfAddr})
	require.NoError(t, re.Load(d.MapBlock()))
	assert.Equal(t, d.Len(), re.Len())
	e, err := re.Find([]byte("x19"))
	require.NoError(t, err)
	assert.Equal(t, types.Ino(20), e.Ino)
	_, err = re.Find([]byte("x3"))
	require.ErrorIs(t, err, types.ErrNotFound)
	require.NoError(t, re.Check())
}

func Test_Directory_DeleteAllAndReclaim(t *testing.T) {
	_, ba, d := setup(t, 0)
	before := ba.FreeBlocks()
	var names []string
	for i := range 30 {
		n := fmt.Sprintf("y%d", i)
		names = append(names, n)
		_, err := d.Insert([]byte(n), 1, 0)
		require.NoError(t, err)
	}
	for _, n := range names[6:22] {
		_, err := d.Remove([]byte(n))
		require.NoError(t, err)
	}
	freed, err := d.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, 2, freed)
	require.NoError(t, d.Check())

	require.NoError(t, d.DeleteAll())
	assert.Equal(t, before+2, ba.FreeBlocks(), "bootstrap blocks are returned too")
	require.NoError(t, ba.Check())
}

func Test_Directory_ConcurrentInsertRemove(t *testing.T) {
	_, ba, d := setup(t, 0)
	var g errgroup.Group
	var mu sync.Mutex
	kept := map[string]bool{}
	for w := range 6 {
		g.Go(func() error {
			for i := range 25 {
				name := []byte(fmt.Sprintf("w%d-%d", w, i))
				if _, err := d.Insert(name, types.Ino(w*100+i), 0); err != nil {
					return err
				}
				if i%3 == 0 {
					if _, err := d.Remove(name); err != nil {
						return err
					}
					continue
				}
				mu.Lock()
				kept[string(name)] = true
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, len(kept), d.Len())
	for n := range kept {
		_, err := d.Find([]byte(n))
		require.NoError(t, err, n)
	}
	require.NoError(t, d.Check())
	require.NoError(t, ba.Check())
}
