package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/southpaw-go/southpaw/internal/enginetest"
	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/record"
	"github.com/southpaw-go/southpaw/internal/scheduler"
	"github.com/southpaw-go/southpaw/internal/stream"
)

func identityResolver(dc string) (string, bool) { return dc, true }

func sources(aliases ...string) (map[string]stream.Source, map[string]*enginetest.FakeSource) {
	out := make(map[string]stream.Source, len(aliases)+1)
	fakes := make(map[string]*enginetest.FakeSource, len(aliases)+1)
	for _, a := range aliases {
		f := enginetest.NewFakeSource(a)
		out[a] = f
		fakes[a] = f
	}
	f := enginetest.NewFakeSource(stream.TxnStreamAlias)
	out[stream.TxnStreamAlias] = f
	fakes[stream.TxnStreamAlias] = f
	return out, fakes
}

func pushRecord(t *testing.T, f *enginetest.FakeSource, pk string, ts time.Time, txnID string, totalOrder int64) {
	t.Helper()
	rec := &record.Record{Fields: map[string]any{"id": pk}}
	if txnID != "" {
		rec.Txn = &record.TxnMetadata{ID: txnID, TotalOrder: totalOrder}
	}
	f.Push(keys.New([]byte(pk)), rec, ts)
}

func pushTxn(t *testing.T, f *enginetest.FakeSource, status, id string, ts time.Time, dcs ...stream.DataCollectionCount) {
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

func TestInterleavesByTimestampWhenNoOpenTxn(t *testing.T) {
	ctx := context.Background()
	srcs, fakes := sources("users", "orders")

	base := time.Unix(1000, 0)
	pushRecord(t, fakes["orders"], "o1", base.Add(2*time.Second), "", 0)
	pushRecord(t, fakes["users"], "u1", base.Add(1*time.Second), "", 0)

	sch, err := scheduler.New(srcs, identityResolver)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 2; i++ {
		ev, err := sch.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, scheduler.EventRecord, ev.Kind)
		order = append(order, ev.Alias)
	}
	require.Equal(t, []string{"users", "orders"}, order)
}

func TestIdleWhenNothingBuffered(t *testing.T) {
	ctx := context.Background()
	srcs, _ := sources("users")
	sch, err := scheduler.New(srcs, identityResolver)
	require.NoError(t, err)

	ev, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventNone, ev.Kind)
	require.True(t, sch.Idle())
}

func TestTransactionBeginPrioritizesMatchingRecords(t *testing.T) {
	ctx := context.Background()
	srcs, fakes := sources("users", "orders")

	ts := time.Unix(2000, 0)
	pushTxn(t, fakes[stream.TxnStreamAlias], "BEGIN", "tx1", ts)
	pushRecord(t, fakes["orders"], "o1", ts, "", 5) // not part of tx1, same timestamp
	pushRecord(t, fakes["users"], "u1", ts, "tx1", 1)
	pushTxn(t, fakes[stream.TxnStreamAlias], "END", "tx1", ts,
		stream.DataCollectionCount{DataCollection: "users", EventCount: 1})

	sch, err := scheduler.New(srcs, identityResolver)
	require.NoError(t, err)

	begin, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventTxnBegin, begin.Kind)
	require.Equal(t, "tx1", begin.TxnID)

	// The off-transaction "orders" record must not jump ahead of the
	// in-transaction "users" record, even though both share a timestamp.
	rec, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventRecord, rec.Kind)
	require.Equal(t, "users", rec.Alias)

	end, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventTxnEnd, end.Kind)
	require.Equal(t, "tx1", end.TxnID)

	after, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventRecord, after.Kind)
	require.Equal(t, "orders", after.Alias)
}

func TestEndWaitsForDeclaredEventCount(t *testing.T) {
	ctx := context.Background()
	srcs, fakes := sources("users")

	ts := time.Unix(3000, 0)
	pushTxn(t, fakes[stream.TxnStreamAlias], "BEGIN", "tx2", ts)
	pushTxn(t, fakes[stream.TxnStreamAlias], "END", "tx2", ts,
		stream.DataCollectionCount{DataCollection: "users", EventCount: 1})

	sch, err := scheduler.New(srcs, identityResolver)
	require.NoError(t, err)

	begin, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventTxnBegin, begin.Kind)

	// END is buffered but "users" has contributed zero events so far: must
	// not finalize yet.
	ev, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventNone, ev.Kind)

	pushRecord(t, fakes["users"], "u1", ts, "tx2", 1)

	rec, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventRecord, rec.Kind)

	end, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventTxnEnd, end.Kind)
}

func TestUnmatchedBeginWhileOpenIsFatal(t *testing.T) {
	ctx := context.Background()
	srcs, fakes := sources("users")

	ts := time.Unix(4000, 0)
	pushTxn(t, fakes[stream.TxnStreamAlias], "BEGIN", "tx3", ts)
	pushTxn(t, fakes[stream.TxnStreamAlias], "BEGIN", "tx4", ts.Add(time.Second))

	sch, err := scheduler.New(srcs, identityResolver)
	require.NoError(t, err)

	begin, err := sch.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.EventTxnBegin, begin.Kind)

	_, err = sch.Next(ctx)
	require.Error(t, err)
	require.ErrorAs(t, err, new(*scheduler.ProtocolError))
}

func TestNewRequiresTransactionsStream(t *testing.T) {
	_, err := scheduler.New(map[string]stream.Source{"users": enginetest.NewFakeSource("users")}, identityResolver)
	require.Error(t, err)
}
