package engine

import (
	"context"
	"fmt"

	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/relation"
	"github.com/southpaw-go/southpaw/internal/stream"
)

// absorb implements change absorption (spec.md §4.4) for one non-transaction
// record popped from the scheduler: for every configured root relation it
// updates the join index and unions affected root PKs into the root's
// pending set.
func (e *Engine) absorb(ctx context.Context, alias string, cr stream.ConsumerRecord) error {
	pk := cr.Key

	for _, rs := range e.roots {
		if rs.root.Entity == alias {
			rs.pending.Add(pk)
			continue
		}

		parent, child, ok := relation.Find(rs.root, alias)
		if !ok {
			continue // entity unused by this root
		}

		newVal, newOK := fieldKey(cr.Value.Get(child.JoinKey))

		joinIdx, err := e.getJoinIndex(ctx, child)
		if err != nil {
			return err
		}
		parentIdx, err := e.getParentIndex(ctx, rs.root, parent, child)
		if err != nil {
			return err
		}

		oldVals, err := joinIdx.ForeignKeysOf(ctx, pk)
		if err != nil {
			return fmt.Errorf("engine: absorb %s: %w", alias, err)
		}

		for _, old := range oldVals.Keys() {
			if newOK && old.Equal(newVal) {
				continue
			}
			owed, err := parentIdx.Get(ctx, old)
			if err != nil {
				return err
			}
			rs.pending.Union(owed)
			if err := joinIdx.Remove(ctx, old, pk); err != nil {
				return err
			}
		}
		if newOK {
			owed, err := parentIdx.Get(ctx, newVal)
			if err != nil {
				return err
			}
			rs.pending.Union(owed)
			if err := joinIdx.Add(ctx, newVal, pk); err != nil {
				return err
			}
		}
	}
	return nil
}

// fieldKey converts a decoded record field value into the canonical key
// bytes used by indices. Returns ok=false for a nil/absent value (spec.md
// §4.4 "null" parent value).
func fieldKey(v any) (keys.Key, bool) {
	if v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case keys.Key:
		return t, true
	case []byte:
		return keys.New(t), true
	case string:
		return keys.New([]byte(t)), true
	default:
		return keys.New([]byte(fmt.Sprintf("%v", t))), true
	}
}
