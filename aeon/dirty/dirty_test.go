package dirty

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/pkg/types"
)

type recordingPersister struct {
	persisted []Range
	syncs     int
	failAt    int
}

func (p *recordingPersister) Persist(addr types.Addr, n int) error {
	if p.failAt > 0 && len(p.persisted)+1 == p.failAt {
		return errors.New("flush failed")
	}
	p.persisted = append(p.persisted, Range{Off: uint64(addr), Len: uint64(n)})
	return nil
}

func (p *recordingPersister) Sync() error {
	p.syncs++
	return nil
}

func Test_DirtyTracker_PageAlignment(t *testing.T) {
	tr := NewTracker(&recordingPersister{})
	tr.Add(100, 200)

	got := tr.DebugCoalescedRanges()
	require.Len(t, got, 1)
	assert.Equal(t, Range{Off: 0, Len: 4096}, got[0])
}

func Test_DirtyTracker_Coalesce(t *testing.T) {
	tr := NewTracker(&recordingPersister{})
	tr.Add(8192+64, 64)
	tr.Add(4096, 10)
	tr.Add(4096+100, 10)
	tr.Add(5*4096, 4096)

	got := tr.DebugCoalescedRanges()
	assert.Equal(t, []Range{
		{Off: 4096, Len: 8192},
		{Off: 5 * 4096, Len: 4096},
	}, got)
}

func Test_DirtyTracker_FlushModes(t *testing.T) {
	p := &recordingPersister{}
	tr := NewTracker(p)
	tr.Add(4096, 64)
	tr.Add(0, 0)
	assert.Equal(t, 1, tr.Pending())

	require.NoError(t, tr.Flush(context.Background(), FlushDataOnly))
	assert.Equal(t, []Range{{Off: 4096, Len: 4096}}, p.persisted)
	assert.Zero(t, p.syncs)
	assert.Zero(t, tr.Pending())

	require.NoError(t, tr.Flush(context.Background(), FlushFull))
	assert.Equal(t, 1, p.syncs)
}

func Test_DirtyTracker_FailedFlushRequeues(t *testing.T) {
	p := &recordingPersister{failAt: 2}
	tr := NewTracker(p)
	tr.Add(0, 10)
	tr.Add(3*4096, 10)

	require.Error(t, tr.Flush(context.Background(), FlushDataOnly))
	assert.Equal(t, 1, tr.Pending())

	p.failAt = 0
	require.NoError(t, tr.Flush(context.Background(), FlushDataOnly))
	assert.Equal(t, []Range{{Off: 0, Len: 4096}, {Off: 3 * 4096, Len: 4096}}, p.persisted)
}

func Test_DirtyTracker_CancelledContext(t *testing.T) {
	tr := NewTracker(&recordingPersister{})
	tr.Add(0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tr.Flush(ctx, FlushDataOnly), context.Canceled)
	assert.Equal(t, 1, tr.Pending())
}

func Test_DirtyTracker_MemoryRegion(t *testing.T) {
	r := aeon.NewMemory(16 * 4096)
	tr := NewTracker(r)
	before := r.Persists()
	tr.Add(aeon.BlockAddr(1), 64)
	require.NoError(t, tr.Flush(context.Background(), FlushFull))
	assert.Equal(t, before+2, r.Persists())
}
