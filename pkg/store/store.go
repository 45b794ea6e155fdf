// Package store holds the relational record stores and vector indexes that
// back the task coordinator.
package store

import (
	"context"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// RecordStore is the relational source of truth for task records. Reads
// outside a transaction see committed state only.
type RecordStore interface {
	Begin(ctx context.Context) (RecordTx, error)
	Get(ctx context.Context, id int64) (task.Record, error)
	List(ctx context.Context, f task.Filter) ([]task.Record, error)
	IDs(ctx context.Context) ([]int64, error)
	Close() error
}

// RecordTx scopes a single create, patch or delete. Rollback after Commit is
// a no-op.
type RecordTx interface {
	// Insert assigns a fresh id, ignoring r.ID. Ids are never reused.
	Insert(ctx context.Context, r task.Record) (int64, error)
	Get(ctx context.Context, id int64) (task.Record, error)
	// Update replaces the row with r.ID; task.ErrNotFound when absent.
	Update(ctx context.Context, r task.Record) error
	// Delete removes the row; task.ErrNotFound when absent.
	Delete(ctx context.Context, id int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// VectorIndex stores one embedding per record id.
type VectorIndex interface {
	Upsert(ctx context.Context, e task.VectorEntry) error
	// Get returns task.ErrNotFound when no entry exists.
	Get(ctx context.Context, id int64) (task.VectorEntry, error)
	// Delete is idempotent: removing an absent entry is not an error.
	Delete(ctx context.Context, id int64) error
	// Query returns up to k neighbours by cosine similarity, best first.
	Query(ctx context.Context, vec []float32, k int) ([]task.Neighbor, error)
	IDs(ctx context.Context) ([]int64, error)
	Close() error
}
