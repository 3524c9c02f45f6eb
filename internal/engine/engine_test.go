package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/southpaw-go/southpaw/internal/config"
	"github.com/southpaw-go/southpaw/internal/engine"
	"github.com/southpaw-go/southpaw/internal/enginetest"
	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/record"
	"github.com/southpaw-go/southpaw/internal/relation"
	"github.com/southpaw-go/southpaw/internal/stream"
)

func identity(dc string) (string, bool) { return dc, true }

type harness struct {
	eng     *engine.Engine
	sources map[string]*enginetest.FakeSource
	sinks   map[string]*enginetest.FakeSink
}

func newHarness(t *testing.T, relationsJSON string, denormNames ...string) *harness {
	t.Helper()
	tree, err := relation.Load(strings.NewReader(relationsJSON))
	require.NoError(t, err)

	aliases := map[string]bool{}
	collectEntities(tree.Root, aliases)

	srcs := map[string]stream.Source{}
	fakes := map[string]*enginetest.FakeSource{}
	for alias := range aliases {
		f := enginetest.NewFakeSource(alias)
		srcs[alias] = f
		fakes[alias] = f
	}
	txn := enginetest.NewFakeSource(stream.TxnStreamAlias)
	srcs[stream.TxnStreamAlias] = txn
	fakes[stream.TxnStreamAlias] = txn

	sinks := map[string]*enginetest.FakeSink{tree.Root.DenormalizedName: enginetest.NewFakeSink()}

	cfg := config.Defaults()
	cfg.CreateRecordsTrigger = 1000
	cfg.TotalLagTrigger = 1000

	st := enginetest.NewFakeStore()
	require.NoError(t, st.Open(context.Background()))

	roots := []engine.Root{{Tree: tree, Sink: sinks[tree.Root.DenormalizedName]}}

	eng, err := engine.New(context.Background(), cfg, st, srcs, roots, identity, nil)
	require.NoError(t, err)

	return &harness{eng: eng, sources: fakes, sinks: sinks}
}

func collectEntities(r *relation.Relation, out map[string]bool) {
	out[r.Entity] = true
	for _, c := range r.Children {
		collectEntities(c, out)
	}
}

func push(t *testing.T, f *enginetest.FakeSource, pk string, fields map[string]any) {
	t.Helper()
	var rec *record.Record
	if fields != nil {
		rec = &record.Record{Fields: fields}
	} else {
		rec = &record.Record{}
	}
	f.Push(keys.New([]byte(pk)), rec, time.Now())
}

func runBriefly(t *testing.T, h *harness, budget time.Duration) {
	t.Helper()
	h.eng.WithRunBudget(budget)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Run(ctx))
}

const mediaOnlyRelations = `[{"Entity":"media","DenormalizedName":"media_feed"}]`

func TestSingleTableRootInsert(t *testing.T) {
	h := newHarness(t, mediaOnlyRelations)
	push(t, h.sources["media"], "m1", map[string]any{"id": "m1", "title": "A"})

	runBriefly(t, h, 30*time.Millisecond)

	out, ok := h.sinks["media_feed"].Writes[string(keys.New([]byte("m1")))]
	require.True(t, ok)
	require.Equal(t, "A", out.Record["title"])
	require.Empty(t, out.Children)
}

const mediaCaptionRelations = `[{"Entity":"media","DenormalizedName":"media_feed","Children":[
	{"Entity":"caption","JoinKey":"media_id","ParentKey":"id"}
]}]`

func TestChildInsertAfterParent(t *testing.T) {
	h := newHarness(t, mediaCaptionRelations)
	push(t, h.sources["media"], "m1", map[string]any{"id": "m1"})
	push(t, h.sources["caption"], "c1", map[string]any{"id": "c1", "media_id": "m1"})

	runBriefly(t, h, 30*time.Millisecond)

	out := h.sinks["media_feed"].Writes[string(keys.New([]byte("m1")))]
	require.NotNil(t, out)
	require.Len(t, out.Children["caption"], 1)
	require.Equal(t, "c1", out.Children["caption"][0].Record["id"])
}

func TestChildArrivesFirst(t *testing.T) {
	h := newHarness(t, mediaCaptionRelations)
	push(t, h.sources["caption"], "c1", map[string]any{"id": "c1", "media_id": "m1"})
	push(t, h.sources["media"], "m1", map[string]any{"id": "m1"})

	runBriefly(t, h, 30*time.Millisecond)

	out := h.sinks["media_feed"].Writes[string(keys.New([]byte("m1")))]
	require.NotNil(t, out)
	require.Len(t, out.Children["caption"], 1)
	require.Equal(t, "c1", out.Children["caption"][0].Record["id"])
}

func TestReparentChild(t *testing.T) {
	h := newHarness(t, mediaCaptionRelations)
	push(t, h.sources["media"], "m1", map[string]any{"id": "m1"})
	push(t, h.sources["caption"], "c1", map[string]any{"id": "c1", "media_id": "m1"})
	runBriefly(t, h, 20*time.Millisecond)

	push(t, h.sources["caption"], "c1", map[string]any{"id": "c1", "media_id": "m2"})
	push(t, h.sources["media"], "m2", map[string]any{"id": "m2"})
	runBriefly(t, h, 20*time.Millisecond)

	m1 := h.sinks["media_feed"].Writes[string(keys.New([]byte("m1")))]
	require.NotNil(t, m1)
	require.Empty(t, m1.Children["caption"])

	m2 := h.sinks["media_feed"].Writes[string(keys.New([]byte("m2")))]
	require.NotNil(t, m2)
	require.Len(t, m2.Children["caption"], 1)
	require.Equal(t, "c1", m2.Children["caption"][0].Record["id"])
}

func TestRootTombstoneIsNotResurrected(t *testing.T) {
	h := newHarness(t, mediaCaptionRelations)
	push(t, h.sources["media"], "m1", map[string]any{"id": "m1"})
	push(t, h.sources["caption"], "c1", map[string]any{"id": "c1", "media_id": "m1"})
	runBriefly(t, h, 20*time.Millisecond)
	require.NotNil(t, h.sinks["media_feed"].Writes[string(keys.New([]byte("m1")))])

	push(t, h.sources["media"], "m1", nil)
	runBriefly(t, h, 20*time.Millisecond)

	// Scrub severed the parent-index filing; a later unrelated caption
	// update referencing m1 must not resurrect it.
	push(t, h.sources["caption"], "c1", map[string]any{"id": "c1", "media_id": "m1"})
	runBriefly(t, h, 20*time.Millisecond)

	writesBefore := len(h.sinks["media_feed"].Order)
	push(t, h.sources["caption"], "c2", map[string]any{"id": "c2", "media_id": "m1"})
	runBriefly(t, h, 20*time.Millisecond)
	require.Equal(t, writesBefore, len(h.sinks["media_feed"].Order), "caption change must not re-emit a tombstoned root")
}
