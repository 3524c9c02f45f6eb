package index_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/southpaw-go/southpaw/internal/enginetest"
	"github.com/southpaw-go/southpaw/internal/index"
	"github.com/southpaw-go/southpaw/internal/keys"
)

func newTestIndex(t *testing.T) (*index.Index, *enginetest.FakeStore) {
	t.Helper()
	st := enginetest.NewFakeStore()
	require.NoError(t, st.Open(context.Background()))
	ix, err := index.New(context.Background(), st, "JK|caption|media_id")
	require.NoError(t, err)
	return ix, st
}

func TestAddIsIdempotentAndReversible(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)

	mediaID := keys.New([]byte("m1"))
	captionPK := keys.New([]byte("c1"))

	require.NoError(t, ix.Add(ctx, mediaID, captionPK))
	require.NoError(t, ix.Add(ctx, mediaID, captionPK)) // idempotent

	pks, err := ix.Get(ctx, mediaID)
	require.NoError(t, err)
	require.Equal(t, 1, pks.Len())
	require.True(t, pks.Contains(captionPK))

	filed, err := ix.ForeignKeysOf(ctx, captionPK)
	require.NoError(t, err)
	require.True(t, filed.Contains(mediaID))
}

func TestRemoveTolerantOfMissing(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)

	require.NoError(t, ix.Remove(ctx, keys.New([]byte("m1")), keys.New([]byte("c1"))))

	pks, err := ix.Get(ctx, keys.New([]byte("m1")))
	require.NoError(t, err)
	require.Equal(t, 0, pks.Len())
}

func TestRemoveClearsReverseSide(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)

	mediaID := keys.New([]byte("m1"))
	captionPK := keys.New([]byte("c1"))
	require.NoError(t, ix.Add(ctx, mediaID, captionPK))
	require.NoError(t, ix.Remove(ctx, mediaID, captionPK))

	filed, err := ix.ForeignKeysOf(ctx, captionPK)
	require.NoError(t, err)
	require.Equal(t, 0, filed.Len())
}

func TestVerifyFindsNoViolationsAfterNormalUse(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)

	m1, m2 := keys.New([]byte("m1")), keys.New([]byte("m2"))
	c1 := keys.New([]byte("c1"))
	require.NoError(t, ix.Add(ctx, m1, c1))
	require.NoError(t, ix.Remove(ctx, m1, c1))
	require.NoError(t, ix.Add(ctx, m2, c1))

	violations, err := ix.Verify(ctx, []keys.Key{m1, m2}, []keys.Key{c1})
	require.NoError(t, err)
	require.Empty(t, violations)
}

func TestReparentUpdatesBothSides(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex(t)

	m1, m2 := keys.New([]byte("m1")), keys.New([]byte("m2"))
	c1 := keys.New([]byte("c1"))

	require.NoError(t, ix.Add(ctx, m1, c1))
	require.NoError(t, ix.Remove(ctx, m1, c1))
	require.NoError(t, ix.Add(ctx, m2, c1))

	oldSet, err := ix.Get(ctx, m1)
	require.NoError(t, err)
	require.Equal(t, 0, oldSet.Len())

	newSet, err := ix.Get(ctx, m2)
	require.NoError(t, err)
	require.True(t, newSet.Contains(c1))
}
