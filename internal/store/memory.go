package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/amr-import-engine/internal/domain"
)

// MemoryStore is an in-memory persistence store with the same transactional
// contract as the postgres store. It backs tests and CLI dry-runs.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]*domain.IsolateUnit
	FailC bool // force commits to fail, for failure-path tests
	FailD bool // force deletes to fail
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*domain.IsolateUnit)}
}

// Begin opens a staged transaction; nothing is visible until Commit.
func (s *MemoryStore) Begin(ctx context.Context) (domain.StoreTx, error) {
	return &memoryTx{store: s, staged: make(map[string]*domain.IsolateUnit)}, nil
}

// DeleteByRowIDs removes exactly the given rows.
func (s *MemoryStore) DeleteByRowIDs(ctx context.Context, rowIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailD {
		return fmt.Errorf("simulated delete failure")
	}
	for _, id := range rowIDs {
		delete(s.rows, id)
	}
	return nil
}

// Get returns a committed unit by row id.
func (s *MemoryStore) Get(rowID string) (*domain.IsolateUnit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.rows[rowID]
	return u, ok
}

// Len reports the number of committed rows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type memoryTx struct {
	store  *MemoryStore
	staged map[string]*domain.IsolateUnit
	done   bool
}

func (t *memoryTx) WriteUnits(ctx context.Context, units []*domain.IsolateUnit) ([]string, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already closed")
	}
	ids := make([]string, 0, len(units))
	for _, u := range units {
		id := uuid.New().String()
		t.staged[id] = u
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	if t.store.FailC {
		return fmt.Errorf("simulated commit failure")
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, u := range t.staged {
		t.store.rows[id] = u
	}
	return nil
}

func (t *memoryTx) Abort(ctx context.Context) error {
	t.done = true
	t.staged = nil
	return nil
}
