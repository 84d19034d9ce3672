package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "archives/2026-01-01", []byte("manifest bytes")))

	data, err := s.Get(ctx, "archives/2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, []byte("manifest bytes"), data)
}

func TestStore_Get_NotFound(t *testing.T) {
	s := New()

	_, err := s.Get(context.Background(), "blocks/deadbeef")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cubisterr.ErrNotFound))
}

func TestStore_PutIfAbsent_RejectsDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutIfAbsent(ctx, "blocks/aaaa", []byte("1")))

	err := s.PutIfAbsent(ctx, "blocks/aaaa", []byte("2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, cubisterr.ErrAlreadyExists))

	data, err := s.Get(ctx, "blocks/aaaa")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), data)
}

func TestStore_Put_Overwrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "metadata/blocks", []byte("v1")))
	require.NoError(t, s.Put(ctx, "metadata/blocks", []byte("v2")))

	data, err := s.Get(ctx, "metadata/blocks")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestStore_List_FiltersByPrefix(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "blocks/a1", []byte("x")))
	require.NoError(t, s.Put(ctx, "blocks/a2", []byte("y")))
	require.NoError(t, s.Put(ctx, "archives/run1", []byte("z")))

	keys, err := s.List(ctx, "blocks/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"blocks/a1", "blocks/a2"}, keys)
}

func TestStore_Delete(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "blocks/a1", []byte("x")))
	require.NoError(t, s.Delete(ctx, "blocks/a1"))

	_, err := s.Get(ctx, "blocks/a1")
	assert.True(t, errors.Is(err, cubisterr.ErrNotFound))
}

func TestStore_Delete_MissingKeyNoError(t *testing.T) {
	s := New()
	assert.NoError(t, s.Delete(context.Background(), "blocks/nope"))
}

func TestStore_OperationsAfterClose(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "blocks/a1")
	assert.Error(t, err)
}

func TestStore_GetReturnsIndependentCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	original := []byte("mutate me")
	require.NoError(t, s.Put(ctx, "k", original))

	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	data[0] = 'X'

	reread, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, byte('m'), reread[0])
}

func TestStore_ObjectCountAndTotalBytes(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", []byte("1234")))
	require.NoError(t, s.Put(ctx, "b", []byte("123")))

	assert.Equal(t, 2, s.ObjectCount())
	assert.EqualValues(t, 7, s.TotalBytes())
}
