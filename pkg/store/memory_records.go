package store

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// MemoryRecords is an in-memory RecordStore. Transactions stage their writes
// and apply them atomically on commit.
type MemoryRecords struct {
	mu     sync.RWMutex
	rows   map[int64]task.Record
	nextID int64
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{rows: make(map[int64]task.Record)}
}

func (s *MemoryRecords) Begin(ctx context.Context) (RecordTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{store: s, staged: make(map[int64]*task.Record)}, nil
}

func (s *MemoryRecords) Get(_ context.Context, id int64) (task.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return task.Record{}, task.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryRecords) List(_ context.Context, f task.Filter) ([]task.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.Record, 0, len(s.rows))
	for _, r := range s.rows {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b task.Record) int { return compareID(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryRecords) IDs(context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryRecords) Close() error { return nil }

func (s *MemoryRecords) allocID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

type memoryTx struct {
	store *MemoryRecords
	// staged holds pending writes; a nil value is a pending delete.
	staged map[int64]*task.Record
	done   bool
}

func (tx *memoryTx) lookup(id int64) (task.Record, bool) {
	if r, ok := tx.staged[id]; ok {
		if r == nil {
			return task.Record{}, false
		}
		return r.Clone(), true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	r, ok := tx.store.rows[id]
	return r.Clone(), ok
}

func (tx *memoryTx) Insert(_ context.Context, r task.Record) (int64, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	r = r.Clone()
	r.ID = tx.store.allocID()
	tx.staged[r.ID] = &r
	return r.ID, nil
}

func (tx *memoryTx) Get(_ context.Context, id int64) (task.Record, error) {
	if tx.done {
		return task.Record{}, ErrTxDone
	}
	r, ok := tx.lookup(id)
	if !ok {
		return task.Record{}, task.ErrNotFound
	}
	return r, nil
}

func (tx *memoryTx) Update(_ context.Context, r task.Record) error {
	if tx.done {
		return ErrTxDone
	}
	if _, ok := tx.lookup(r.ID); !ok {
		return task.ErrNotFound
	}
	r = r.Clone()
	tx.staged[r.ID] = &r
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, id int64) error {
	if tx.done {
		return ErrTxDone
	}
	if _, ok := tx.lookup(id); !ok {
		return task.ErrNotFound
	}
	tx.staged[id] = nil
	return nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for id, r := range tx.staged {
		if r == nil {
			delete(tx.store.rows, id)
			continue
		}
		tx.store.rows[id] = *r
	}
	return nil
}

func (tx *memoryTx) Rollback(context.Context) error {
	tx.done = true
	tx.staged = nil
	return nil
}

func compareID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
