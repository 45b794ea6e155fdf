package store

import (
	"context"
	"slices"
	"sync"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// MemoryVectors is an in-memory VectorIndex with exact cosine ranking.
type MemoryVectors struct {
	mu      sync.RWMutex
	entries map[int64]task.VectorEntry
}

func NewMemoryVectors() *MemoryVectors {
	return &MemoryVectors{entries: make(map[int64]task.VectorEntry)}
}

func (m *MemoryVectors) Upsert(ctx context.Context, e task.VectorEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Vector = slices.Clone(e.Vector)
	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryVectors) Get(_ context.Context, id int64) (task.VectorEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return task.VectorEntry{}, task.ErrNotFound
	}
	e.Vector = slices.Clone(e.Vector)
	return e, nil
}

func (m *MemoryVectors) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryVectors) Query(_ context.Context, vec []float32, k int) ([]task.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	out := make([]task.Neighbor, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, task.Neighbor{ID: id, Score: task.CosineSimilarity(vec, e.Vector)})
	}
	m.mu.RUnlock()
	return topK(out, k), nil
}

func (m *MemoryVectors) IDs(context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MemoryVectors) Close() error { return nil }

// topK orders neighbours by descending score, ties by ascending id, and keeps k.
func topK(ns []task.Neighbor, k int) []task.Neighbor {
	slices.SortFunc(ns, func(a, b task.Neighbor) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return compareID(a.ID, b.ID)
	})
	if len(ns) > k {
		ns = ns[:k]
	}
	return ns
}
