package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	s, err := NewMemoryKVStore(10)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "missing")
	assert.Error(t, err)

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.Error(t, err)

	// Deleting an absent key is not an error.
	assert.NoError(t, s.Delete(ctx, "a"))
}

func TestMemoryLRUEviction(t *testing.T) {
	s, err := NewMemoryKVStore(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))

	// Touch "a" so "b" is the oldest.
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "c", []byte("3"), 0))
	assert.Equal(t, 2, s.Len())

	_, err = s.Get(ctx, "b")
	assert.Error(t, err)
	_, err = s.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestMemoryTTLExpiry(t *testing.T) {
	s, err := NewMemoryKVStore(10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 10*time.Millisecond))
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = s.Get(ctx, "a")
	assert.Error(t, err)

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCopiesValues(t *testing.T) {
	s, err := NewMemoryKVStore(10)
	require.NoError(t, err)
	ctx := context.Background()

	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "a", in, 0))
	in[0] = 'x'

	out, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	out[0] = 'y'
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryClose(t *testing.T) {
	s, err := NewMemoryKVStore(10)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, "a")
	assert.Error(t, err)
	assert.Error(t, s.Set(ctx, "a", []byte("1"), 0))
}

func TestMemoryRejectsZeroCapacity(t *testing.T) {
	_, err := NewMemoryKVStore(0)
	assert.Error(t, err)
}

func TestFactoryCreate(t *testing.T) {
	assert.True(t, IsTypeRegistered("memory"))
	assert.Contains(t, GetRegisteredTypes(), "memory")

	_, err := Create(KVStoreConfig{Type: "memory", MaxEntries: 0})
	assert.Error(t, err)

	_, err = Create(KVStoreConfig{Type: "bogus"})
	assert.Error(t, err)

	s, err := Create(KVStoreConfig{Type: "memory", MaxEntries: 5})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
