package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
)

const backendBadger = "badger"

func init() {
	Register(backendBadger, openBadgerStore)
}

// badgerKeySpace is the in-memory write buffer for one keyspace: writes and
// deletes accumulate here until Flush commits them to Badger in a single
// transaction, matching spec.md §4.1's "writes are buffered and flushed
// batched" rule.
type badgerKeySpace struct {
	puts    map[string][]byte
	deletes map[string]struct{}
}

func newBadgerKeySpace() *badgerKeySpace {
	return &badgerKeySpace{puts: make(map[string][]byte), deletes: make(map[string]struct{})}
}

// BadgerStore is the production State store (spec.md §6), an embedded
// Badger database keyspaced by a leading "<ks>|" byte prefix on every key.
type BadgerStore struct {
	dir string
	db  *badger.DB

	mu         sync.Mutex
	keyspaces  map[string]*badgerKeySpace
	backupPath string
}

func openBadgerStore(_ context.Context, dsn string) (Store, error) {
	return &BadgerStore{
		dir:        dsn,
		keyspaces:  make(map[string]*badgerKeySpace),
		backupPath: filepath.Join(dsn, "backup.badger"),
	}, nil
}

// Open implements Store.
func (s *BadgerStore) Open(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("store: create data dir: %w", err)
	}
	opts := badger.DefaultOptions(s.dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("store: open badger: %w", err)
	}
	s.db = db
	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func namespaced(ks, key []byte) []byte {
	out := make([]byte, 0, len(ks)+1+len(key))
	out = append(out, ks...)
	out = append(out, '|')
	out = append(out, key...)
	return out
}

// CreateKeySpace implements Store.
func (s *BadgerStore) CreateKeySpace(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keyspaces[name]; !ok {
		s.keyspaces[name] = newBadgerKeySpace()
	}
	return nil
}

func (s *BadgerStore) keySpace(name string) *badgerKeySpace {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keyspaces[name]
	if !ok {
		ks = newBadgerKeySpace()
		s.keyspaces[name] = ks
	}
	return ks
}

// Get implements Store. It reflects any prior Put/Delete in this session
// even before the next Flush, per spec.md §4.1 "get() ... must reflect all
// prior add/remove in this session".
func (s *BadgerStore) Get(_ context.Context, ks, key []byte) ([]byte, bool, error) {
	kss := s.keySpace(string(ks))

	s.mu.Lock()
	if _, deleted := kss.deletes[string(key)]; deleted {
		s.mu.Unlock()
		return nil, false, nil
	}
	if v, ok := kss.puts[string(key)]; ok {
		s.mu.Unlock()
		return append([]byte(nil), v...), true, nil
	}
	s.mu.Unlock()

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(namespaced(ks, key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get: %w", err)
	}
	return value, true, nil
}

// Put implements Store. Buffered until Flush.
func (s *BadgerStore) Put(_ context.Context, ks, key, value []byte) error {
	kss := s.keySpace(string(ks))
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(kss.deletes, string(key))
	kss.puts[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete implements Store. Buffered until Flush; tolerant of a missing key.
func (s *BadgerStore) Delete(_ context.Context, ks, key []byte) error {
	kss := s.keySpace(string(ks))
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(kss.puts, string(key))
	kss.deletes[string(key)] = struct{}{}
	return nil
}

// Flush implements Store: commits every buffered write/delete across the
// named keyspaces (or all keyspaces if none are named) in a single atomic
// Badger transaction, then clears the buffers.
func (s *BadgerStore) Flush(ctx context.Context, names ...string) error {
	s.mu.Lock()
	if len(names) == 0 {
		for name := range s.keyspaces {
			names = append(names, name)
		}
	}
	type op struct {
		ks     string
		kss    *badgerKeySpace
		puts   map[string][]byte
		deletes map[string]struct{}
	}
	var ops []op
	for _, name := range names {
		kss, ok := s.keyspaces[name]
		if !ok || (len(kss.puts) == 0 && len(kss.deletes) == 0) {
			continue
		}
		ops = append(ops, op{ks: name, kss: kss, puts: kss.puts, deletes: kss.deletes})
	}
	s.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	commit := func() error {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, o := range ops {
			for k, v := range o.puts {
				if err := wb.Set(namespaced([]byte(o.ks), []byte(k)), v); err != nil {
					return err
				}
			}
			for k := range o.deletes {
				if err := wb.Delete(namespaced([]byte(o.ks), []byte(k))); err != nil {
					return err
				}
			}
		}
		return wb.Flush()
	}

	if err := retry(ctx, commit); err != nil {
		return fmt.Errorf("store: flush: %w", err)
	}

	s.mu.Lock()
	for _, o := range ops {
		o.kss.puts = make(map[string][]byte)
		o.kss.deletes = make(map[string]struct{})
	}
	s.mu.Unlock()
	return nil
}

// Backup implements Store: a full snapshot written to backupPath, consumed
// by Restore. Badger's Backup/Load pair is exactly spec.md §6's
// "backup()"/"restore()" contract.
func (s *BadgerStore) Backup(ctx context.Context) error {
	return retry(ctx, func() error {
		f, err := os.Create(s.backupPath)
		if err != nil {
			return fmt.Errorf("store: create backup file: %w", err)
		}
		defer f.Close()
		_, err = s.db.Backup(f, 0)
		return err
	})
}

// Restore implements Store.
func (s *BadgerStore) Restore(_ context.Context) error {
	f, err := os.Open(s.backupPath)
	if err != nil {
		return fmt.Errorf("store: open backup file: %w", err)
	}
	defer f.Close()
	if err := s.db.Load(f, 256); err != nil {
		return fmt.Errorf("store: restore: %w", err)
	}
	return nil
}

// DeleteAll implements Store.
func (s *BadgerStore) DeleteAll(_ context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("store: delete state: %w", err)
	}
	s.mu.Lock()
	s.keyspaces = make(map[string]*badgerKeySpace)
	s.mu.Unlock()
	return nil
}

// ScanKeys implements Scanner: every key currently visible in keyspace ks,
// merging committed Badger entries with the unflushed write buffer.
func (s *BadgerStore) ScanKeys(_ context.Context, ks []byte) ([][]byte, error) {
	seen := make(map[string][]byte)

	prefix := append(append([]byte{}, ks...), '|')
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			seen[string(k[len(prefix):])] = k[len(prefix):]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan keys: %w", err)
	}

	kss := s.keySpace(string(ks))
	s.mu.Lock()
	for k := range kss.puts {
		seen[k] = []byte(k)
	}
	for k := range kss.deletes {
		delete(seen, k)
	}
	s.mu.Unlock()

	out := make([][]byte, 0, len(seen))
	for k := range seen {
		out = append(out, []byte(k))
	}
	return out, nil
}

// DeleteBackups implements Store.
func (s *BadgerStore) DeleteBackups(_ context.Context) error {
	if err := os.Remove(s.backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete backups: %w", err)
	}
	return nil
}

// retry wraps a transient-I/O-prone operation in an exponential backoff,
// the same pattern the teacher uses around SQL-server calls in
// internal/storage/dolt/store.go's newServerRetryBackoff.
func retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
