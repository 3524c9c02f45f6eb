package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/southpaw-go/southpaw/internal/store"
)

// commit implements spec.md §4.6's commit step: flush all output sinks and
// indices concurrently (they touch disjoint keyspaces), persist each
// pending set, commit consumed positions on every input stream, then flush
// the state store itself so the whole touched set becomes durable in one
// atomic commit.
func (e *Engine) commit(ctx context.Context) error {
	start := now()

	g, gctx := errgroup.WithContext(ctx)
	for _, rs := range e.roots {
		rs := rs
		g.Go(func() error {
			if err := rs.sink.Flush(gctx); err != nil {
				return fmt.Errorf("engine: commit: flush sink %s: %w", rs.root.DenormalizedName, err)
			}
			return nil
		})
	}
	for _, ix := range e.joinIndices {
		ix := ix
		g.Go(func() error {
			if err := ix.Flush(gctx); err != nil {
				return fmt.Errorf("engine: commit: flush join index %s: %w", ix.Name(), err)
			}
			return nil
		})
	}
	for _, ix := range e.parentIndices {
		ix := ix
		g.Go(func() error {
			if err := ix.Flush(gctx); err != nil {
				return fmt.Errorf("engine: commit: flush parent index %s: %w", ix.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var totalPending int64
	for _, rs := range e.roots {
		totalPending += int64(rs.pending.Len())
	}
	for _, rs := range e.roots {
		if err := e.st.Put(ctx, []byte(store.MetadataKeySpace), pendingKey(rs.root.DenormalizedName), rs.pending.Marshal()); err != nil {
			return fmt.Errorf("engine: commit: persist pending set %s: %w", rs.root.DenormalizedName, err)
		}
		e.metrics.ObservePending(ctx, rs.root.DenormalizedName, int64(rs.pending.Len()), totalPending)
	}
	for alias, src := range e.sources {
		if err := src.Commit(ctx); err != nil {
			return fmt.Errorf("engine: commit: source %s: %w", alias, err)
		}
	}
	if err := e.st.Flush(ctx); err != nil {
		return fmt.Errorf("engine: commit: flush state: %w", err)
	}

	e.commitWatch = now()
	e.metrics.ObserveCommit(ctx, float64(now().Sub(start).Milliseconds()))
	return nil
}

// backup performs a commit, then snapshots the state store (spec.md §4.6).
func (e *Engine) backup(ctx context.Context) error {
	start := now()
	if err := e.commit(ctx); err != nil {
		return err
	}
	if err := e.st.Backup(ctx); err != nil {
		return fmt.Errorf("engine: backup: %w", err)
	}
	e.backupWatch = now()
	e.metrics.RecordBackupCreated(ctx)
	e.metrics.ObserveBackup(ctx, float64(now().Sub(start).Milliseconds()))
	return nil
}

// checkTriggers implements spec.md §4.6's backup/commit trigger check, run
// only at transaction boundaries or while the scheduler is idle.
func (e *Engine) checkTriggers(ctx context.Context) error {
	if e.cfg.BackupTimeS > 0 && now().Sub(e.backupWatch).Seconds() >= float64(e.cfg.BackupTimeS) {
		return e.backup(ctx)
	}
	if e.cfg.CommitTimeS > 0 && now().Sub(e.commitWatch).Seconds() >= float64(e.cfg.CommitTimeS) {
		return e.commit(ctx)
	}
	return nil
}
