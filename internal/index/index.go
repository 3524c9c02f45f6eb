// Package index implements the reversible foreign-key index described in
// spec.md §4.1: a forward map (index-key -> set of PKs) and a reverse map
// (PK -> set of index-keys currently filing it), kept in two keyspaces of a
// store.Store so updates and removals are O(1) given the target PK.
package index

import (
	"context"
	"fmt"

	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/store"
)

// Index is one reversible foreign-key index (a join index or a parent
// index — spec.md §3 "Indices").
type Index struct {
	name       string
	forwardKS  string
	reverseKS  string
	st         store.Store
}

// New returns an Index named name, backed by two keyspaces of st:
// "<name>#fwd" (index-key -> set of PKs) and "<name>#rev" (PK -> set of
// index-keys).
func New(ctx context.Context, st store.Store, name string) (*Index, error) {
	fwd := name + "#fwd"
	rev := name + "#rev"
	if err := st.CreateKeySpace(ctx, fwd); err != nil {
		return nil, fmt.Errorf("index %s: create forward keyspace: %w", name, err)
	}
	if err := st.CreateKeySpace(ctx, rev); err != nil {
		return nil, fmt.Errorf("index %s: create reverse keyspace: %w", name, err)
	}
	return &Index{name: name, forwardKS: fwd, reverseKS: rev, st: st}, nil
}

// Name returns the index's stable name.
func (ix *Index) Name() string { return ix.name }

func (ix *Index) readSet(ctx context.Context, ks string, k keys.Key) (*keys.Set, error) {
	data, ok, err := ix.st.Get(ctx, []byte(ks), k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return keys.NewSet(), nil
	}
	return keys.Unmarshal(data)
}

func (ix *Index) writeSet(ctx context.Context, ks string, k keys.Key, s *keys.Set) error {
	if s.Len() == 0 {
		return ix.st.Delete(ctx, []byte(ks), k)
	}
	return ix.st.Put(ctx, []byte(ks), k, s.Marshal())
}

// Add inserts pk under indexKey on both the forward and reverse halves.
// Idempotent (spec.md §4.1).
func (ix *Index) Add(ctx context.Context, indexKey, pk keys.Key) error {
	fwd, err := ix.readSet(ctx, ix.forwardKS, indexKey)
	if err != nil {
		return fmt.Errorf("index %s: add: read forward: %w", ix.name, err)
	}
	fwd.Add(pk)
	if err := ix.writeSet(ctx, ix.forwardKS, indexKey, fwd); err != nil {
		return fmt.Errorf("index %s: add: write forward: %w", ix.name, err)
	}

	rev, err := ix.readSet(ctx, ix.reverseKS, pk)
	if err != nil {
		return fmt.Errorf("index %s: add: read reverse: %w", ix.name, err)
	}
	rev.Add(indexKey)
	if err := ix.writeSet(ctx, ix.reverseKS, pk, rev); err != nil {
		return fmt.Errorf("index %s: add: write reverse: %w", ix.name, err)
	}
	return nil
}

// Remove deletes pk from under indexKey on both halves. Tolerant of a
// missing member (spec.md §4.1).
func (ix *Index) Remove(ctx context.Context, indexKey, pk keys.Key) error {
	fwd, err := ix.readSet(ctx, ix.forwardKS, indexKey)
	if err != nil {
		return fmt.Errorf("index %s: remove: read forward: %w", ix.name, err)
	}
	fwd.Remove(pk)
	if err := ix.writeSet(ctx, ix.forwardKS, indexKey, fwd); err != nil {
		return fmt.Errorf("index %s: remove: write forward: %w", ix.name, err)
	}

	rev, err := ix.readSet(ctx, ix.reverseKS, pk)
	if err != nil {
		return fmt.Errorf("index %s: remove: read reverse: %w", ix.name, err)
	}
	rev.Remove(indexKey)
	if err := ix.writeSet(ctx, ix.reverseKS, pk, rev); err != nil {
		return fmt.Errorf("index %s: remove: write reverse: %w", ix.name, err)
	}
	return nil
}

// Get returns the set of PKs currently filed under indexKey.
func (ix *Index) Get(ctx context.Context, indexKey keys.Key) (*keys.Set, error) {
	return ix.readSet(ctx, ix.forwardKS, indexKey)
}

// ForeignKeysOf returns the set of index-keys currently filing pk, used by
// the emit engine's scrub step (spec.md §4.5).
func (ix *Index) ForeignKeysOf(ctx context.Context, pk keys.Key) (*keys.Set, error) {
	return ix.readSet(ctx, ix.reverseKS, pk)
}

// Flush makes all buffered writes to both halves durable.
func (ix *Index) Flush(ctx context.Context) error {
	return ix.st.Flush(ctx, ix.forwardKS, ix.reverseKS)
}

// Violation describes a single forward/reverse invariant break found by
// Verify.
type Violation struct {
	IndexKey keys.Key
	PK       keys.Key
	Forward  bool // true: pk in forward[indexKey] but indexKey not in reverse[pk]
}

// Verify scans the forward and reverse halves and reports every pair that
// breaks the invariant "pk in forward[k] iff k in reverse[pk]" (spec.md §8
// property 1). fwdKeys/revKeys enumerate every key currently present in
// each half; callers typically obtain these via a store-level key scan (an
// operator tool, not on the engine's hot path).
func (ix *Index) Verify(ctx context.Context, fwdKeys, revKeys []keys.Key) ([]Violation, error) {
	var violations []Violation

	for _, ik := range fwdKeys {
		pks, err := ix.Get(ctx, ik)
		if err != nil {
			return nil, err
		}
		for _, pk := range pks.Keys() {
			filed, err := ix.ForeignKeysOf(ctx, pk)
			if err != nil {
				return nil, err
			}
			if !filed.Contains(ik) {
				violations = append(violations, Violation{IndexKey: ik, PK: pk, Forward: true})
			}
		}
	}

	for _, pk := range revKeys {
		iks, err := ix.ForeignKeysOf(ctx, pk)
		if err != nil {
			return nil, err
		}
		for _, ik := range iks.Keys() {
			pks, err := ix.Get(ctx, ik)
			if err != nil {
				return nil, err
			}
			if !pks.Contains(pk) {
				violations = append(violations, Violation{IndexKey: ik, PK: pk, Forward: false})
			}
		}
	}

	return violations, nil
}
