package engine

import (
	"context"
	"fmt"

	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/relation"
	"github.com/southpaw-go/southpaw/internal/record"
)

// emitPending runs the denormalize/emit engine (spec.md §4.5) over every PK
// currently in rs's pending set, then clears it and flushes the sink.
func (e *Engine) emitPending(ctx context.Context, rs *rootState) error {
	for _, pk := range rs.pending.Keys() {
		if err := e.scrub(ctx, rs, pk); err != nil {
			return err
		}
		d, err := e.build(ctx, rs, rs.root, pk, pk)
		if err != nil {
			return err
		}
		if d == nil {
			continue // root tombstoned; scrub already severed its parent-index filings
		}
		if err := rs.sink.Write(ctx, pk, d); err != nil {
			return fmt.Errorf("engine: emit %s: %w", rs.root.DenormalizedName, err)
		}
		e.metrics.RecordCreated(ctx, rs.root.DenormalizedName)
	}
	rs.pending = keys.NewSet()
	if err := rs.sink.Flush(ctx); err != nil {
		return fmt.Errorf("engine: flush sink %s: %w", rs.root.DenormalizedName, err)
	}
	e.metrics.ObservePending(ctx, rs.root.DenormalizedName, 0, 0)
	return nil
}

// scrub removes every stale parent-index filing of rootPK across the whole
// subtree, step 1 of spec.md §4.5. The denormalize step below refiles
// whatever is still current.
func (e *Engine) scrub(ctx context.Context, rs *rootState, rootPK keys.Key) error {
	for _, edge := range relation.Edges(rs.root) {
		parentIdx, err := e.getParentIndex(ctx, rs.root, edge.Parent, edge.Child)
		if err != nil {
			return err
		}
		filed, err := parentIdx.ForeignKeysOf(ctx, rootPK)
		if err != nil {
			return err
		}
		for _, indexKey := range filed.Keys() {
			if err := parentIdx.Remove(ctx, indexKey, rootPK); err != nil {
				return err
			}
		}
	}
	return nil
}

// build recursively materializes the denormalized subtree rooted at node
// for the record at relationPK, refiling parent indices and recursing over
// each child's matching PKs in canonical byte order (spec.md §4.5 step 2).
func (e *Engine) build(ctx context.Context, rs *rootState, node *relation.Relation, relationPK, rootPK keys.Key) (*record.Denormalized, error) {
	src, ok := e.sources[node.Entity]
	if !ok {
		return nil, fmt.Errorf("engine: no source configured for entity %q", node.Entity)
	}
	rec, found, err := src.ReadByPK(ctx, relationPK)
	if err != nil {
		return nil, fmt.Errorf("engine: read %s by pk: %w", node.Entity, err)
	}
	if !found || rec.Empty() {
		return nil, nil
	}

	d := &record.Denormalized{Record: rec.AsMap(), Children: map[string][]*record.Denormalized{}}

	for _, child := range node.Children {
		if _, ok := d.Children[child.Entity]; !ok {
			d.Children[child.Entity] = []*record.Denormalized{}
		}
		newVal, newOK := fieldKey(rec.Get(child.ParentKey))
		if !newOK {
			continue
		}

		parentIdx, err := e.getParentIndex(ctx, rs.root, node, child)
		if err != nil {
			return nil, err
		}
		if err := parentIdx.Add(ctx, newVal, rootPK); err != nil {
			return nil, err
		}

		joinIdx, err := e.getJoinIndex(ctx, child)
		if err != nil {
			return nil, err
		}
		childPKs, err := joinIdx.Get(ctx, newVal)
		if err != nil {
			return nil, err
		}

		// childPKs.Keys() is already canonical-byte-order sorted, giving
		// deterministic emit order without a separate sort here.
		for _, childPK := range childPKs.Keys() {
			sub, err := e.build(ctx, rs, child, childPK, rootPK)
			if err != nil {
				return nil, err
			}
			if sub == nil {
				continue
			}
			d.AddChild(child.Entity, sub)
		}
	}

	return d, nil
}
