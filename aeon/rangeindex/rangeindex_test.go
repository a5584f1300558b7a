package rangeindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/aeonkit/pkg/types"
)

func collect[P any](x *Index[P]) [][2]uint64 {
	var out [][2]uint64
	for n := x.First(); n != nil; n = x.Next(n) {
		out = append(out, [2]uint64{n.Low, n.High})
	}
	return out
}

func Test_RangeIndex_FindByContainment(t *testing.T) {
	x := NewRanges(KindBlock)
	_, err := x.Insert(10, 19, struct{}{})
	require.NoError(t, err)
	_, err = x.Insert(40, 40, struct{}{})
	require.NoError(t, err)

	assert.Nil(t, x.Find(9))
	assert.Equal(t, uint64(10), x.Find(10).Low)
	assert.Equal(t, uint64(10), x.Find(19).Low)
	assert.Nil(t, x.Find(20))
	assert.Equal(t, uint64(40), x.Find(40).Low)
	assert.Nil(t, x.Find(41))
}

func Test_RangeIndex_RejectsOverlap(t *testing.T) {
	x := NewRanges(KindInode)
	_, err := x.Insert(10, 19, struct{}{})
	require.NoError(t, err)

	for _, r := range [][2]uint64{{10, 10}, {5, 10}, {19, 25}, {0, 100}, {12, 13}} {
		_, err := x.Insert(r[0], r[1], struct{}{})
		require.ErrorIs(t, err, types.ErrDuplicateKey, "range %v", r)
	}
	_, err = x.Insert(20, 20, struct{}{})
	require.NoError(t, err)
	_, err = x.Insert(3, 2, struct{}{})
	require.ErrorIs(t, err, types.ErrInvalidArgument)
	assert.Equal(t, 2, x.Len())
}

func Test_RangeIndex_DirExactKeys(t *testing.T) {
	x := New[string](KindDir)
	_, err := x.Insert(500, 500, "a")
	require.NoError(t, err)
	_, err = x.Insert(7, 7, "b")
	require.NoError(t, err)

	_, err = x.Insert(500, 500, "c")
	require.ErrorIs(t, err, types.ErrDuplicateKey)
	_, err = x.Insert(1, 2, "d")
	require.ErrorIs(t, err, types.ErrInvalidArgument)

	assert.Equal(t, "a", x.Find(500).Payload)
	assert.Nil(t, x.Find(499))
	assert.Nil(t, x.Find(501))
	require.Error(t, x.Resize(x.Find(7), 8, 8))
}

func Test_RangeIndex_OrderAndNavigation(t *testing.T) {
	x := NewRanges(KindBlock)
	for _, low := range []uint64{50, 10, 30, 0} {
		_, err := x.Insert(low, low+4, struct{}{})
		require.NoError(t, err)
	}
	assert.Equal(t, [][2]uint64{{0, 4}, {10, 14}, {30, 34}, {50, 54}}, collect(x))
	assert.Equal(t, uint64(50), x.Last().Low)
	assert.Equal(t, uint64(10), x.Prev(x.Find(30)).Low)
	assert.Nil(t, x.Prev(x.First()))
	assert.Nil(t, x.Next(x.Last()))
	assert.Equal(t, uint64(30), x.Seek(15).Low)
	assert.Nil(t, x.Seek(51))
	assert.Equal(t, uint64(20), x.Total())

	var lows []uint64
	x.AscendFrom(11, func(n *Node[struct{}]) bool {
		lows = append(lows, n.Low)
		return len(lows) < 2
	})
	assert.Equal(t, []uint64{30, 50}, lows)
	require.NoError(t, x.Check())
}

func Test_RangeIndex_EraseAndResize(t *testing.T) {
	x := NewRanges(KindBlock)
	a, _ := x.Insert(0, 9, struct{}{})
	b, _ := x.Insert(20, 29, struct{}{})

	require.NoError(t, x.Resize(a, 0, 19))
	require.ErrorIs(t, x.Resize(a, 0, 20), types.ErrDuplicateKey)
	require.NoError(t, x.Resize(b, 25, 29))
	assert.Equal(t, b, x.Find(27))
	assert.Nil(t, x.Find(21))

	stray := &Node[struct{}]{Low: 0, High: 19}
	assert.False(t, x.Erase(stray), "equal key but not the linked node")
	assert.True(t, x.Erase(a))
	assert.False(t, x.Erase(a))
	assert.Equal(t, [][2]uint64{{25, 29}}, collect(x))

	x.Clear()
	assert.Zero(t, x.Len())
	assert.Nil(t, x.First())
}

func Test_RangeIndex_ExtremeKeys(t *testing.T) {
	x := NewRanges(KindBlock)
	hi := ^uint64(0)
	n, err := x.Insert(hi-1, hi, struct{}{})
	require.NoError(t, err)
	assert.Nil(t, x.Next(n))
	assert.Equal(t, n, x.Find(hi))
	z, err := x.Insert(0, 0, struct{}{})
	require.NoError(t, err)
	assert.Nil(t, x.Prev(z))
}
