package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Error_IsMatchesKind(t *testing.T) {
	err := Errorf(ErrKindOutOfSpace, "shard %d exhausted", 3)
	wrapped := fmt.Errorf("allocate: %w", err)

	require.ErrorIs(t, wrapped, ErrOutOfSpace)
	assert.NotErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, "allocate: shard 3 exhausted", wrapped.Error())
}

func Test_Error_WrapKeepsCause(t *testing.T) {
	cause := errors.New("io failure")
	err := Wrap(ErrKindCorrupt, cause, "superblock")

	require.ErrorIs(t, err, ErrCorrupt)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "superblock: io failure", err.Error())
}

func Test_KindOf(t *testing.T) {
	kind, ok := KindOf(fmt.Errorf("x: %w", ErrTooManyLinks))
	require.True(t, ok)
	assert.Equal(t, ErrKindTooManyLinks, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)

	_, ok = KindOf(nil)
	assert.False(t, ok)
}

func Test_BlockType_Blocks(t *testing.T) {
	assert.Equal(t, uint64(1), BlockNormal.Blocks())
	assert.Equal(t, uint64(512), BlockHuge.Blocks())
	assert.Equal(t, "huge", BlockHuge.String())
}
