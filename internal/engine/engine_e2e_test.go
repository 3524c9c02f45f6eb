package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/southpaw-go/southpaw/internal/enginetest"
	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/record"
	"github.com/southpaw-go/southpaw/internal/stream"
)

func pushTxnEnvelope(t *testing.T, f *enginetest.FakeSource, status, id string, ts time.Time, dcs ...stream.DataCollectionCount) {
	t.Helper()
	raw := make([]any, 0, len(dcs))
	for _, dc := range dcs {
		raw = append(raw, map[string]any{"data_collection": dc.DataCollection, "event_count": dc.EventCount})
	}
	rec := &record.Record{Fields: map[string]any{
		"status":           status,
		"id":               id,
		"data_collections": raw,
	}}
	f.Push(keys.New([]byte(id+"-"+status)), rec, ts)
}

func pushInTxn(t *testing.T, f *enginetest.FakeSource, pk string, fields map[string]any, ts time.Time, txnID string, totalOrder int64) {
	t.Helper()
	rec := &record.Record{Fields: fields, Txn: &record.TxnMetadata{ID: txnID, TotalOrder: totalOrder}}
	f.Push(keys.New([]byte(pk)), rec, ts)
}

// TestTransactionalGroupingDefersEmitUntilEnd covers spec.md §8's S6: no
// emit occurs between BEGIN and END, and the END that closes the
// transaction drains the union of affected root PKs in one shot.
func TestTransactionalGroupingDefersEmitUntilEnd(t *testing.T) {
	h := newHarness(t, mediaCaptionRelations)
	ts := time.Unix(5000, 0)

	pushTxnEnvelope(t, h.sources[stream.TxnStreamAlias], "BEGIN", "tx1", ts)
	pushInTxn(t, h.sources["media"], "m1", map[string]any{"id": "m1"}, ts, "tx1", 0)
	pushInTxn(t, h.sources["caption"], "c1", map[string]any{"id": "c1", "media_id": "m1"}, ts, "tx1", 1)
	pushTxnEnvelope(t, h.sources[stream.TxnStreamAlias], "END", "tx1", ts,
		stream.DataCollectionCount{DataCollection: "media", EventCount: 1},
		stream.DataCollectionCount{DataCollection: "caption", EventCount: 1},
	)

	h.eng.WithRunBudget(25 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Run(ctx))

	out := h.sinks["media_feed"].Writes[string(keys.New([]byte("m1")))]
	require.NotNil(t, out, "the single post-END drain should have emitted m1")
	require.Len(t, h.sinks["media_feed"].Order, 1, "m1 must be written once, by the post-END drain only")
	require.Len(t, out.Children["caption"], 1)
	require.Equal(t, "c1", out.Children["caption"][0].Record["id"])
}
