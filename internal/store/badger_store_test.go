package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := openBadgerStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	bs := s.(*BadgerStore)
	require.NoError(t, bs.Open(context.Background()))
	t.Cleanup(func() { _ = bs.Close() })
	return bs
}

func TestBadgerStorePutGetBeforeFlush(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateKeySpace(ctx, "ks1"))
	require.NoError(t, s.Put(ctx, []byte("ks1"), []byte("k1"), []byte("v1")))

	v, ok, err := s.Get(ctx, []byte("ks1"), []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestBadgerStoreFlushPersists(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateKeySpace(ctx, "ks1"))
	require.NoError(t, s.Put(ctx, []byte("ks1"), []byte("k1"), []byte("v1")))
	require.NoError(t, s.Flush(ctx))

	v, ok, err := s.Get(ctx, []byte("ks1"), []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestBadgerStoreDeleteTolerantOfMissing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateKeySpace(ctx, "ks1"))
	require.NoError(t, s.Delete(ctx, []byte("ks1"), []byte("missing")))
	require.NoError(t, s.Flush(ctx))
}

func TestBadgerStorePutThenDeleteReflectsImmediately(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateKeySpace(ctx, "ks1"))
	require.NoError(t, s.Put(ctx, []byte("ks1"), []byte("k1"), []byte("v1")))
	require.NoError(t, s.Delete(ctx, []byte("ks1"), []byte("k1")))

	_, ok, err := s.Get(ctx, []byte("ks1"), []byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBadgerStoreBackupRestore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateKeySpace(ctx, "ks1"))
	require.NoError(t, s.Put(ctx, []byte("ks1"), []byte("k1"), []byte("v1")))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Backup(ctx))
	require.NoError(t, s.DeleteAll(ctx))

	_, ok, err := s.Get(ctx, []byte("ks1"), []byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Restore(ctx))
	v, ok, err := s.Get(ctx, []byte("ks1"), []byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}
