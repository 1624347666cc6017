// Package memory is an in-process storage.Store used by tests and by the
// "memory" storage driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"msgarchive/internal/domain"
	"msgarchive/internal/storage"
)

// Store keeps rows in a map. The Fail* hooks inject errors for tests.
type Store struct {
	mu     sync.Mutex
	rows   map[string]domain.Record
	closed bool
	begun  int

	FailBegin  error
	FailCommit error
	FailInsert func(domain.Record) error
	FailDelete error
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{rows: make(map[string]domain.Record)}
}

func (s *Store) Begin(context.Context) (storage.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	if s.FailBegin != nil {
		return nil, s.FailBegin
	}
	s.begun++
	return &txn{store: s, pending: map[string]domain.Record{}}, nil
}

func (s *Store) Delete(_ context.Context, topic, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	if s.FailDelete != nil {
		return 0, s.FailDelete
	}
	r, ok := s.rows[id]
	if !ok || r.Topic != topic {
		return 0, nil
	}
	delete(s.rows, id)
	return 1, nil
}

func (s *Store) LatestID(_ context.Context, topic string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, storage.ErrClosed
	}
	latest := ""
	for id, r := range s.rows {
		if r.Topic == topic && id > latest {
			latest = id
		}
	}
	return latest, latest != "", nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Records returns the stored rows ordered by identifier.
func (s *Store) Records() []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Record, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Transactions returns how many transactions were started.
func (s *Store) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begun
}

// Put stores rec directly, bypassing transactions.
func (s *Store) Put(rec domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.ID] = rec
}

type txn struct {
	store   *Store
	pending map[string]domain.Record
	done    bool
}

func (t *txn) Insert(_ context.Context, rec domain.Record) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return fmt.Errorf("insert after commit or rollback")
	}
	if t.store.FailInsert != nil {
		if err := t.store.FailInsert(rec); err != nil {
			return err
		}
	}
	if _, ok := t.store.rows[rec.ID]; ok {
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, rec.ID)
	}
	if _, ok := t.pending[rec.ID]; ok {
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, rec.ID)
	}
	t.pending[rec.ID] = rec
	return nil
}

func (t *txn) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	if t.store.closed {
		return storage.ErrClosed
	}
	if t.store.FailCommit != nil {
		return t.store.FailCommit
	}
	for id, r := range t.pending {
		t.store.rows[id] = r
	}
	return nil
}

func (t *txn) Rollback() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.done = true
	t.pending = nil
	return nil
}
