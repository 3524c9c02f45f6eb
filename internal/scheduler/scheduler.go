// Package scheduler implements the merge-by-time scheduler of spec.md §4.3:
// a globally ordered interleaving of pending records across all configured
// input streams, honoring upstream transaction boundaries.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/southpaw-go/southpaw/internal/stream"
)

// EventKind distinguishes the three kinds of step the scheduler can
// produce.
type EventKind int

const (
	// EventNone means nothing was ready this step; the caller should sleep
	// briefly (spec.md §5 "short sleep ~5 ms") and call Next again.
	EventNone EventKind = iota
	// EventRecord carries one non-transaction change record.
	EventRecord
	// EventTxnBegin marks the start of an upstream transaction.
	EventTxnBegin
	// EventTxnEnd marks the end of an upstream transaction.
	EventTxnEnd
)

// Event is one unit of scheduler output.
type Event struct {
	Kind  EventKind
	Alias string // entity alias, set for EventRecord
	Rec   stream.ConsumerRecord
	TxnID string // set for EventTxnBegin/EventTxnEnd
}

// AliasResolver maps a transaction envelope's data_collections[].data_collection
// name to a configured stream alias, honoring the topics.prefixed open
// question (spec.md §9). Returns ok=false if the collection name does not
// correspond to any alias in this deployment.
type AliasResolver func(dataCollection string) (alias string, ok bool)

type streamState struct {
	alias  string
	source stream.Source
	buffer []stream.ConsumerRecord
}

type queueItem struct {
	alias string
	rec   stream.ConsumerRecord
}

// Scheduler is the merge-by-time driver. It is not safe for concurrent use
// (spec.md §5: a single driver owns it).
type Scheduler struct {
	states  map[string]*streamState
	toProbe map[string]bool
	pq      *itemHeap
	resolve AliasResolver

	currentTxn string
	txnCounts  map[string]int64 // alias -> events observed this txn
}

// New constructs a Scheduler over the given alias->Source map. The
// "transactions" alias (stream.TxnStreamAlias) must be present.
func New(sources map[string]stream.Source, resolve AliasResolver) (*Scheduler, error) {
	if _, ok := sources[stream.TxnStreamAlias]; !ok {
		return nil, fmt.Errorf("scheduler: missing required %q stream", stream.TxnStreamAlias)
	}
	s := &Scheduler{
		states:  make(map[string]*streamState, len(sources)),
		toProbe: make(map[string]bool, len(sources)),
		pq:      &itemHeap{},
		resolve: resolve,
	}
	for alias, src := range sources {
		s.states[alias] = &streamState{alias: alias, source: src}
		s.toProbe[alias] = true
	}
	heap.Init(s.pq)
	return s, nil
}

// ProtocolError marks a fatal protocol invariant violation (spec.md §7).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "scheduler: protocol violation: " + e.Reason }

// Idle reports whether the scheduler currently has nothing buffered and
// every stream is in the to-probe set (spec.md §4.6 "scheduler is idle").
func (s *Scheduler) Idle() bool {
	return s.pq.Len() == 0
}

// probe polls every stream currently in the to-probe set and, for any that
// yields at least one record, pushes its head onto the priority queue.
func (s *Scheduler) probe(ctx context.Context) error {
	for alias := range s.toProbe {
		st := s.states[alias]
		if len(st.buffer) == 0 {
			batch, err := st.source.ReadNext(ctx)
			if err != nil {
				return fmt.Errorf("scheduler: read %s: %w", alias, err)
			}
			st.buffer = batch
		}
		if len(st.buffer) > 0 {
			heap.Push(s.pq, &queueItem{alias: alias, rec: st.buffer[0]})
			delete(s.toProbe, alias)
		}
	}
	return nil
}

// advance drops the consumed head record of alias's buffer and, if another
// is buffered, re-queues it; else returns the stream to the to-probe set
// (spec.md §4.3 "After each pop...").
func (s *Scheduler) advance(alias string) {
	st := s.states[alias]
	st.buffer = st.buffer[1:]
	if len(st.buffer) > 0 {
		heap.Push(s.pq, &queueItem{alias: alias, rec: st.buffer[0]})
	} else {
		s.toProbe[alias] = true
	}
}

// Next produces the next scheduler event. Returns an EventNone event (not
// an error) when no record is currently ready anywhere.
func (s *Scheduler) Next(ctx context.Context) (Event, error) {
	if err := s.probe(ctx); err != nil {
		return Event{}, err
	}
	if s.pq.Len() == 0 {
		return Event{}, nil
	}

	top := s.pq.items[0]

	if top.alias == stream.TxnStreamAlias {
		return s.handleTxnTop(ctx, top)
	}
	return s.handleRecordTop(top)
}

func (s *Scheduler) handleTxnTop(_ context.Context, top *queueItem) (Event, error) {
	env, err := decodeTxnRecord(top.rec)
	if err != nil {
		return Event{}, err
	}

	switch env.Status {
	case "BEGIN":
		if s.currentTxn != "" {
			return Event{}, &ProtocolError{Reason: fmt.Sprintf("BEGIN %s while %s is open", env.ID, s.currentTxn)}
		}
		heap.Pop(s.pq)
		s.advance(top.alias)
		s.currentTxn = env.ID
		s.txnCounts = make(map[string]int64)
		s.pq.currentTxn = env.ID
		heap.Init(s.pq) // tie-break rule changes once current_txn is set (spec.md §4.3)
		return Event{Kind: EventTxnBegin, TxnID: env.ID}, nil

	case "END":
		if env.ID != s.currentTxn {
			return Event{}, &ProtocolError{Reason: fmt.Sprintf("END %s does not match open txn %s", env.ID, s.currentTxn)}
		}
		if !s.endSatisfied(env) {
			// Abort popping; caller loops back into Next(), which probes
			// the referenced aliases again before re-checking END.
			return Event{}, nil
		}
		heap.Pop(s.pq)
		s.advance(top.alias)
		s.currentTxn = ""
		s.txnCounts = nil
		s.pq.currentTxn = ""
		heap.Init(s.pq)
		return Event{Kind: EventTxnEnd, TxnID: env.ID}, nil

	default:
		return Event{}, &ProtocolError{Reason: fmt.Sprintf("unknown transaction status %q", env.Status)}
	}
}

// endSatisfied implements spec.md §4.3's END gating: every data_collections
// entry that maps to a configured alias still waiting to be probed must
// have met its declared event_count before END may be popped.
func (s *Scheduler) endSatisfied(env *stream.TxnEnvelope) bool {
	for _, dc := range env.DataCollections {
		alias, ok := s.resolve(dc.DataCollection)
		if !ok {
			continue // not part of this deployment
		}
		if !s.toProbe[alias] {
			continue // stream still has a buffered record ahead of END; it'll be drained first
		}
		if s.txnCounts[alias] < dc.EventCount {
			return false
		}
	}
	return true
}

func (s *Scheduler) handleRecordTop(top *queueItem) (Event, error) {
	txnID := recordTxnID(top.rec)

	if s.currentTxn != "" {
		if txnID != s.currentTxn {
			// Not yet matching the open transaction. The transactions
			// stream itself still has more to probe, so wait for it to
			// produce the matching BEGIN/END rather than popping this
			// record out of order; otherwise it's a fatal violation
			// (spec.md §7).
			if s.toProbe[stream.TxnStreamAlias] {
				return Event{}, nil
			}
			return Event{}, &ProtocolError{Reason: fmt.Sprintf("record on %s tagged txn %q but open txn is %q", top.alias, txnID, s.currentTxn)}
		}
		s.txnCounts[top.alias]++
	}

	heap.Pop(s.pq)
	alias := top.alias
	rec := top.rec
	s.advance(alias)
	return Event{Kind: EventRecord, Alias: alias, Rec: rec}, nil
}

func decodeTxnRecord(cr stream.ConsumerRecord) (*stream.TxnEnvelope, error) {
	if cr.Value.Empty() {
		return nil, &ProtocolError{Reason: "tombstone on transactions stream"}
	}
	return stream.DecodeTxnEnvelope(cr.Value.AsMap())
}

func recordTxnID(cr stream.ConsumerRecord) string {
	if cr.Value == nil || cr.Value.Txn == nil {
		return ""
	}
	return cr.Value.Txn.ID
}

// totalOrder resolves the tie-break ordinal for a queued item: BEGIN is -1,
// END is +inf, otherwise the record's own total_order (spec.md §4.3).
func totalOrder(item *queueItem) int64 {
	if item.alias == stream.TxnStreamAlias {
		env, err := decodeTxnRecord(item.rec)
		if err != nil {
			return 0
		}
		if env.Status == "BEGIN" {
			return -1
		}
		return math.MaxInt64
	}
	if item.rec.Value != nil && item.rec.Value.Txn != nil {
		return item.rec.Value.Txn.TotalOrder
	}
	return 0
}

// itemHeap implements container/heap.Interface. currentTxn mirrors the
// owning Scheduler's open-transaction id; Less consults it for the tie-break
// rule of spec.md §4.3. Callers must call heap.Init after currentTxn changes
// (handled in handleTxnTop), since container/heap does not re-sort on its
// own when the ordering relation itself changes.
type itemHeap struct {
	items      []*queueItem
	currentTxn string
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if !a.rec.Timestamp.Equal(b.rec.Timestamp) {
		return a.rec.Timestamp.Before(b.rec.Timestamp)
	}
	if h.currentTxn != "" {
		aCur := recordOrTxnID(a) == h.currentTxn
		bCur := recordOrTxnID(b) == h.currentTxn
		if aCur != bCur {
			return aCur
		}
	}
	return totalOrder(a) < totalOrder(b)
}

func recordOrTxnID(item *queueItem) string {
	if item.alias == stream.TxnStreamAlias {
		env, err := decodeTxnRecord(item.rec)
		if err != nil {
			return ""
		}
		return env.ID
	}
	return recordTxnID(item.rec)
}

func (h *itemHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *itemHeap) Push(x any) {
	h.items = append(h.items, x.(*queueItem))
}

func (h *itemHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// IdleSleep is the suspension duration used by the driver loop when Next
// returns EventNone (spec.md §5).
const IdleSleep = 5 * time.Millisecond
