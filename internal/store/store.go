// Package store provides the durable embedded key-value state store the
// join engine uses for index keyspaces and pending-set persistence (spec.md
// §6 "State store"). The production backend is Badger; callers obtain one
// through a name-keyed registry of constructors (spec.md §9 "Reflection/
// dynamic class loading in source" design note) rather than importing the
// concrete backend directly.
package store

import "context"

// MetadataKeySpace is the reserved keyspace holding pending-set
// serializations under keys "PK|<denormalized_name>" (spec.md §6).
const MetadataKeySpace = "__southpaw.metadata"

// Store is the durability boundary for the engine: indices and pending sets
// all live in keyspaces of a single Store, and a single Flush must make the
// whole touched set durable for correct crash recovery (spec.md §5).
type Store interface {
	// CreateKeySpace registers (idempotently) a named keyspace.
	CreateKeySpace(ctx context.Context, name string) error

	// Get returns the value stored under key in keyspace ks, or (nil, false)
	// if absent.
	Get(ctx context.Context, ks, key []byte) ([]byte, bool, error)

	// Put writes a value, buffered until the next Flush.
	Put(ctx context.Context, ks, key, value []byte) error

	// Delete removes a key, buffered until the next Flush. Tolerant of a
	// missing key.
	Delete(ctx context.Context, ks, key []byte) error

	// Flush makes all buffered writes since the last Flush durable. If ks is
	// empty, every keyspace touched since the last flush is made durable in
	// one atomic commit (spec.md §5 "single state.flush() must make the
	// whole consistent snapshot durable").
	Flush(ctx context.Context, ks ...string) error

	// Backup takes a full durable snapshot of the store.
	Backup(ctx context.Context) error

	// Restore replaces the store's contents with the most recent backup.
	Restore(ctx context.Context) error

	// DeleteAll removes the store's on-disk data entirely.
	DeleteAll(ctx context.Context) error

	// DeleteBackups removes all retained backup snapshots.
	DeleteBackups(ctx context.Context) error

	// Open prepares the store for use.
	Open(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Scanner is an optional Store capability used by operator tooling (the CLI
// --verify-state action) to enumerate every key currently present in a
// keyspace, including buffered-but-unflushed writes.
type Scanner interface {
	ScanKeys(ctx context.Context, ks []byte) ([][]byte, error)
}

// Factory constructs a Store from a connection string (e.g. a directory
// path for Badger). Concrete backends register themselves in init() via
// Register, so package store never imports a backend directly — the
// registry is the re-architected stand-in for the source's reflection-based
// class loading (spec.md §9).
type Factory func(ctx context.Context, dsn string) (Store, error)

var registry = make(map[string]Factory)

// Register adds a named store backend constructor. Called from backend
// packages' init() functions.
func Register(name string, f Factory) {
	registry[name] = f
}

// New constructs the named backend against dsn.
func New(ctx context.Context, name, dsn string) (Store, error) {
	f, ok := registry[name]
	if !ok {
		return nil, &UnknownBackendError{Name: name}
	}
	return f(ctx, dsn)
}

// UnknownBackendError is returned by New for an unregistered backend name.
type UnknownBackendError struct {
	Name string
}

func (e *UnknownBackendError) Error() string {
	return "store: unknown backend " + e.Name
}
