// Package memkv is an in-memory key/value store used to exercise the
// fallbackkv facade in tests: a controllable stand-in for both a
// clustered backend and the standalone backend, without any real
// networking or consensus underneath.
package memkv

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kvmux/fallbackkv"
)

// ErrNotStarted is returned by CreateTransaction before Start or after
// Stop.
var ErrNotStarted = errors.New("memkv: not started")

// Store is a mutex-guarded in-memory key/value map satisfying both
// fallbackkv.StandaloneBackend and fallbackkv.ClusteredBackend.
type Store struct {
	mu      sync.Mutex
	data    map[string][]byte
	started bool
}

// New returns an unstarted Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Start implements fallbackkv.StandaloneBackend and
// fallbackkv.ClusteredBackend.
func (s *Store) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

// Stop implements fallbackkv.StandaloneBackend and
// fallbackkv.ClusteredBackend.
func (s *Store) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// CreateTransaction implements fallbackkv.StandaloneBackend and
// fallbackkv.ClusteredBackend.
func (s *Store) CreateTransaction(context.Context) (fallbackkv.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	snapshot := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	return &Tx{store: s, view: snapshot, writes: make(map[string][]byte), deletes: make(map[string]bool)}, nil
}

// CreateTransactionWithConsistency implements
// fallbackkv.ClusteredBackend. memkv has no quorum to speak of, so
// every consistency level behaves identically.
func (s *Store) CreateTransactionWithConsistency(ctx context.Context, _ fallbackkv.Consistency) (fallbackkv.Transaction, error) {
	return s.CreateTransaction(ctx)
}

// Len returns the number of keys currently committed to the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Keys returns a sorted snapshot of every key currently stored, for
// assertions in tests.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tx is a snapshot-isolated transaction over a Store: reads see the
// view taken when the transaction was opened, writes and deletes are
// buffered and applied atomically on Commit.
type Tx struct {
	store   *Store
	view    map[string][]byte
	writes  map[string][]byte
	deletes map[string]bool
	done    bool
}

// Get implements fallbackkv.Transaction.
func (t *Tx) Get(_ context.Context, key []byte) ([]byte, error) {
	k := string(key)
	if t.deletes[k] {
		return nil, nil
	}
	if v, ok := t.writes[k]; ok {
		return v, nil
	}
	return t.view[k], nil
}

// Put implements fallbackkv.Transaction.
func (t *Tx) Put(_ context.Context, key, value []byte) error {
	k := string(key)
	delete(t.deletes, k)
	v := append([]byte(nil), value...)
	t.writes[k] = v
	return nil
}

// Delete implements fallbackkv.Transaction.
func (t *Tx) Delete(_ context.Context, key []byte) error {
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = true
	return nil
}

// ForEach implements fallbackkv.Transaction, observing the
// transaction's own pending writes and deletes layered over its
// snapshot view.
func (t *Tx) ForEach(_ context.Context, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte, len(t.view)+len(t.writes))
	for k, v := range t.view {
		merged[k] = v
	}
	for k, v := range t.writes {
		merged[k] = v
	}
	for k := range t.deletes {
		delete(merged, k)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Commit implements fallbackkv.Transaction.
func (t *Tx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for k := range t.deletes {
		delete(t.store.data, k)
	}
	for k, v := range t.writes {
		t.store.data[k] = v
	}
	t.done = true
	return nil
}

// Rollback implements fallbackkv.Transaction.
func (t *Tx) Rollback(context.Context) error {
	t.done = true
	return nil
}
