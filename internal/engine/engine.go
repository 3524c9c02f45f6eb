// Package engine wires the relation tree, indices, pending sets, streams,
// and scheduler together into the join engine's driver loop (spec.md §4.4,
// §4.5, §4.6, §5 — roughly half the spec's own engineering budget).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/southpaw-go/southpaw/internal/config"
	"github.com/southpaw-go/southpaw/internal/index"
	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/metrics"
	"github.com/southpaw-go/southpaw/internal/relation"
	"github.com/southpaw-go/southpaw/internal/scheduler"
	"github.com/southpaw-go/southpaw/internal/store"
	"github.com/southpaw-go/southpaw/internal/stream"
)

// Root binds one denormalization tree to its output sink.
type Root struct {
	Tree *relation.Tree
	Sink stream.Sink
}

type rootState struct {
	root    *relation.Relation
	sink    stream.Sink
	pending *keys.Set
}

// Engine is the join engine's driver: it owns the merge-by-time scheduler,
// the reversible indices, the per-root pending sets, and the durability
// watches, and drives the probe/absorb/emit loop of spec.md §5.
type Engine struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	st      store.Store

	sources map[string]stream.Source
	roots   []*rootState

	sch *scheduler.Scheduler

	joinIndices   map[string]*index.Index
	parentIndices map[string]*index.Index

	currentTxn string

	commitWatch time.Time
	backupWatch time.Time
	runDeadline time.Time
	hasDeadline bool
}

// New constructs an Engine. sources is keyed by stream alias, which must
// match both the scheduler's alias space and every relation's Entity name;
// it must include the well-known "transactions" alias (stream.TxnStreamAlias).
func New(ctx context.Context, cfg *config.Config, st store.Store, sources map[string]stream.Source, roots []Root, resolve scheduler.AliasResolver, m *metrics.Metrics) (*Engine, error) {
	if m == nil {
		m = metrics.Noop()
	}
	sch, err := scheduler.New(sources, resolve)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if err := st.CreateKeySpace(ctx, store.MetadataKeySpace); err != nil {
		return nil, fmt.Errorf("engine: create metadata keyspace: %w", err)
	}

	e := &Engine{
		cfg:           cfg,
		metrics:       m,
		st:            st,
		sources:       sources,
		sch:           sch,
		joinIndices:   make(map[string]*index.Index),
		parentIndices: make(map[string]*index.Index),
		commitWatch:   now(),
		backupWatch:   now(),
	}

	for _, r := range roots {
		rs := &rootState{root: r.Tree.Root, sink: r.Sink}
		pending, err := e.loadPendingSet(ctx, r.Tree.Root.DenormalizedName)
		if err != nil {
			return nil, err
		}
		rs.pending = pending
		e.roots = append(e.roots, rs)
	}

	return e, nil
}

// now is indirected so tests could substitute a fake clock if ever needed;
// production always uses the wall clock.
var now = time.Now

// WithRunBudget bounds the driver loop to a fixed duration, matching the
// spec's runWatch test mode (spec.md §4.6 "runWatch driving a bounded run
// mode used for tests").
func (e *Engine) WithRunBudget(d time.Duration) {
	e.runDeadline = now().Add(d)
	e.hasDeadline = true
}

func (e *Engine) loadPendingSet(ctx context.Context, denormalizedName string) (*keys.Set, error) {
	key := pendingKey(denormalizedName)
	data, ok, err := e.st.Get(ctx, []byte(store.MetadataKeySpace), key)
	if err != nil {
		return nil, fmt.Errorf("engine: load pending set %s: %w", denormalizedName, err)
	}
	if !ok {
		return keys.NewSet(), nil
	}
	return keys.Unmarshal(data)
}

func pendingKey(denormalizedName string) []byte {
	return []byte("PK|" + denormalizedName)
}

func (e *Engine) getJoinIndex(ctx context.Context, child *relation.Relation) (*index.Index, error) {
	name := child.JoinIndexName()
	if ix, ok := e.joinIndices[name]; ok {
		return ix, nil
	}
	ix, err := index.New(ctx, e.st, name)
	if err != nil {
		return nil, err
	}
	e.joinIndices[name] = ix
	return ix, nil
}

func (e *Engine) getParentIndex(ctx context.Context, root, parent, child *relation.Relation) (*index.Index, error) {
	name := relation.ParentIndexName(root, parent, child)
	if ix, ok := e.parentIndices[name]; ok {
		return ix, nil
	}
	ix, err := index.New(ctx, e.st, name)
	if err != nil {
		return nil, err
	}
	e.parentIndices[name] = ix
	return ix, nil
}

// Run drives the probe/absorb/emit loop until ctx is cancelled or (with
// WithRunBudget) the run budget elapses, matching spec.md §5's single
// sequential driver. It commits and (if a deadline was set) backs up
// before returning on a clean stop.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			_ = e.commit(ctx)
			return ctx.Err()
		default:
		}

		if e.hasDeadline && !now().Before(e.runDeadline) {
			if err := e.commit(ctx); err != nil {
				return err
			}
			return e.backup(ctx)
		}

		ev, err := e.sch.Next(ctx)
		if err != nil {
			return err
		}

		switch ev.Kind {
		case scheduler.EventNone:
			if e.sch.Idle() {
				if err := e.onIdle(ctx); err != nil {
					return err
				}
			}
			time.Sleep(scheduler.IdleSleep)

		case scheduler.EventRecord:
			if err := e.absorb(ctx, ev.Alias, ev.Rec); err != nil {
				return err
			}
			e.metrics.RecordConsumed(ctx, ev.Alias, 1)
			if e.currentTxn == "" {
				if err := e.drainOverflow(ctx); err != nil {
					return err
				}
			}

		case scheduler.EventTxnBegin:
			e.currentTxn = ev.TxnID

		case scheduler.EventTxnEnd:
			e.currentTxn = ""
			if err := e.flushAllPending(ctx); err != nil {
				return err
			}
			if err := e.checkTriggers(ctx); err != nil {
				return err
			}
		}
	}
}

// onIdle implements spec.md §4.6's idle-flush ("when the idle scheduler
// observes total lag below total.lag.trigger") plus the periodic
// backup/commit trigger check, both gated on the scheduler being idle. The
// idle-flush is skipped while a transaction is open.
func (e *Engine) onIdle(ctx context.Context) error {
	total, err := e.totalLag(ctx)
	if err != nil {
		return err
	}
	if e.currentTxn == "" && total <= e.cfg.TotalLagTrigger {
		if err := e.flushAllPending(ctx); err != nil {
			return err
		}
	}
	return e.checkTriggers(ctx)
}

// drainOverflow implements spec.md §4.4's backpressure rule: when a root's
// pending set exceeds create.records.trigger and no transaction is open,
// emit immediately rather than waiting for a later trigger.
func (e *Engine) drainOverflow(ctx context.Context) error {
	for _, rs := range e.roots {
		if int64(rs.pending.Len()) > e.cfg.CreateRecordsTrigger {
			if err := e.emitPending(ctx, rs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) flushAllPending(ctx context.Context) error {
	for _, rs := range e.roots {
		if rs.pending.Len() == 0 {
			continue
		}
		if err := e.emitPending(ctx, rs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) totalLag(ctx context.Context) (int64, error) {
	lags := make(map[string]int64, len(e.sources))
	var total int64
	for alias, src := range e.sources {
		lag, err := src.Lag(ctx)
		if err != nil {
			return 0, fmt.Errorf("engine: lag %s: %w", alias, err)
		}
		lags[alias] = lag
		total += lag
	}
	for alias, lag := range lags {
		e.metrics.ObserveLag(ctx, alias, lag, total)
	}
	return total, nil
}
