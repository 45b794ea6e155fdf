// Package coordinator keeps the relational record store and the vector index
// in step. Each write runs as a small saga: the relational transaction scopes
// the operation and the vector write is compensated by hand on failure.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/go-taskagent/pkg/embed"
	"github.com/Protocol-Lattice/go-taskagent/pkg/schema"
	"github.com/Protocol-Lattice/go-taskagent/pkg/store"
	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

const (
	OpCreate = "create"
	OpPatch  = "patch"
	OpDelete = "delete"
)

type Options struct {
	Validator *schema.Validator
	Logger    *slog.Logger
	Now       func() time.Time
}

// Coordinator owns every write to both stores. It is safe for concurrent use;
// operations on the same id are serialised.
type Coordinator struct {
	records   store.RecordStore
	vectors   store.VectorIndex
	embedder  embed.Embedder
	validator *schema.Validator
	locks     *keyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

func New(records store.RecordStore, vectors store.VectorIndex, embedder embed.Embedder, opts Options) *Coordinator {
	if opts.Validator == nil {
		opts.Validator = schema.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		records:   records,
		vectors:   vectors,
		embedder:  embedder,
		validator: opts.Validator,
		locks:     newKeyedMutex(),
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

func (c *Coordinator) opLogger(op string) *slog.Logger {
	return c.logger.With("op", op, "op_id", uuid.NewString())
}

func (c *Coordinator) clock() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

// maxPatchAttempts bounds how often Patch restarts when the row changes
// between the unlocked read and the transaction.
const maxPatchAttempts = 3

// Create validates r and embeds its canonical text, then inserts the row,
// writes the vector entry and commits inside one relational transaction.
// Either both stores hold the record afterwards or neither does.
// Caller-supplied id and timestamps are ignored.
func (c *Coordinator) Create(ctx context.Context, r task.Record) (int64, error) {
	log := c.opLogger(OpCreate)

	rec, err := c.validator.ValidateRecord(r)
	if err != nil {
		return 0, err
	}
	// Embed before Begin: the store's write lock must not span the embedder.
	entry, err := c.embedEntry(ctx, rec)
	if err != nil {
		log.Warn("embedding failed, nothing written", "store", task.StoreVector, "err", err)
		return 0, &task.StoreWriteError{Store: task.StoreVector, Op: OpCreate, Err: err, RolledBack: true}
	}
	now := c.clock()
	rec.CreatedAt, rec.UpdatedAt = now, now

	tx, err := c.records.Begin(ctx)
	if err != nil {
		return 0, &task.StoreWriteError{Store: task.StoreRelational, Op: OpCreate, Err: err}
	}
	id, err := tx.Insert(ctx, rec)
	if err != nil {
		rbErr := tx.Rollback(ctx)
		return 0, &task.StoreWriteError{Store: task.StoreRelational, Op: OpCreate, Err: err, RolledBack: rbErr == nil, RollbackErr: rbErr}
	}
	log = log.With("id", id)

	entry.ID, entry.UpdatedAt = id, now
	if err := c.vectors.Upsert(ctx, entry); err != nil {
		rbErr := tx.Rollback(ctx)
		log.Warn("vector write failed, relational insert rolled back", "store", task.StoreVector, "err", err, "rollback_err", rbErr)
		return 0, &task.StoreWriteError{Store: task.StoreVector, Op: OpCreate, ID: id, Err: err, RolledBack: rbErr == nil, RollbackErr: rbErr}
	}

	if err := tx.Commit(ctx); err != nil {
		delErr := c.vectors.Delete(context.WithoutCancel(ctx), id)
		log.Error("relational commit failed after vector write", "store", task.StoreRelational, "err", err, "compensate_err", delErr)
		return 0, &task.StoreWriteError{Store: task.StoreRelational, Op: OpCreate, ID: id, Err: err, RolledBack: delErr == nil, RollbackErr: delErr}
	}
	log.Info("task created", "degraded", rec.Degraded)
	return id, nil
}

// Patch merges p onto the current record, re-validates the result and
// re-embeds only when the canonical text changed. UpdatedAt always advances.
// The merge and the embedding happen before the transaction opens; the row is
// re-read inside it and the patch restarts if another writer got there first.
func (c *Coordinator) Patch(ctx context.Context, id int64, p task.Patch) (task.Record, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	log := c.opLogger(OpPatch).With("id", id)

	for attempt := 1; ; attempt++ {
		rec, stale, err := c.patchOnce(ctx, id, p, log)
		if !stale {
			return rec, err
		}
		if attempt == maxPatchAttempts {
			log.Warn("record kept changing under patch", "attempts", attempt)
			return task.Record{}, &task.StoreWriteError{Store: task.StoreRelational, Op: OpPatch, ID: id, Err: errConcurrentWrite, RolledBack: true}
		}
	}
}

var errConcurrentWrite = errors.New("record modified concurrently")

func (c *Coordinator) patchOnce(ctx context.Context, id int64, p task.Patch, log *slog.Logger) (rec task.Record, stale bool, err error) {
	cur, err := c.records.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return task.Record{}, false, fmt.Errorf("patch %d: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return task.Record{}, false, &task.StoreWriteError{Store: task.StoreRelational, Op: OpPatch, ID: id, Err: err}
	}
	if p.Empty() {
		return cur, false, nil
	}

	merged, err := c.validator.Validate(p.Apply(cur))
	if err != nil {
		return task.Record{}, false, err
	}
	merged.ID, merged.RawText, merged.Degraded, merged.CreatedAt = cur.ID, cur.RawText, cur.Degraded, cur.CreatedAt

	contentChanged := task.CanonicalText(merged) != task.CanonicalText(cur)
	var entry task.VectorEntry
	if contentChanged {
		if entry, err = c.embedEntry(ctx, merged); err != nil {
			log.Warn("embedding failed, patch not applied", "store", task.StoreVector, "err", err)
			return task.Record{}, false, &task.StoreWriteError{Store: task.StoreVector, Op: OpPatch, ID: id, Err: err, RolledBack: true}
		}
	}

	tx, err := c.records.Begin(ctx)
	if err != nil {
		return task.Record{}, false, &task.StoreWriteError{Store: task.StoreRelational, Op: OpPatch, ID: id, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	fresh, err := tx.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return task.Record{}, false, fmt.Errorf("patch %d: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return task.Record{}, false, &task.StoreWriteError{Store: task.StoreRelational, Op: OpPatch, ID: id, Err: err}
	}
	if !fresh.UpdatedAt.Equal(cur.UpdatedAt) {
		return task.Record{}, true, nil
	}

	merged.UpdatedAt = c.advance(cur.UpdatedAt)
	if err := tx.Update(ctx, merged); err != nil {
		return task.Record{}, false, &task.StoreWriteError{Store: task.StoreRelational, Op: OpPatch, ID: id, Err: err, RolledBack: true}
	}

	var (
		prev      task.VectorEntry
		prevFound bool
	)
	if contentChanged {
		prev, err = c.vectors.Get(ctx, id)
		switch {
		case err == nil:
			prevFound = true
		case errors.Is(err, task.ErrNotFound):
			log.Warn("no vector entry to replace", "store", task.StoreVector)
		default:
			return task.Record{}, false, &task.StoreWriteError{Store: task.StoreVector, Op: OpPatch, ID: id, Err: err, RolledBack: true}
		}
		entry.ID, entry.UpdatedAt = id, merged.UpdatedAt
		if err := c.vectors.Upsert(ctx, entry); err != nil {
			log.Warn("vector write failed, patch rolled back", "store", task.StoreVector, "err", err)
			return task.Record{}, false, &task.StoreWriteError{Store: task.StoreVector, Op: OpPatch, ID: id, Err: err, RolledBack: true}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		committed = true // the transaction is finished either way
		var restoreErr error
		if contentChanged {
			restoreErr = c.restoreVector(context.WithoutCancel(ctx), id, prev, prevFound)
		}
		log.Error("relational commit failed", "store", task.StoreRelational, "err", err, "restore_err", restoreErr)
		return task.Record{}, false, &task.StoreWriteError{Store: task.StoreRelational, Op: OpPatch, ID: id, Err: err, RolledBack: restoreErr == nil, RollbackErr: restoreErr}
	}
	committed = true
	log.Info("task patched", "reembedded", contentChanged)
	return merged, false, nil
}

// Delete removes the vector entry first and the relational row second, so a
// failure in between leaves a row that cannot be found by search rather than
// a search hit that cannot be resolved.
func (c *Coordinator) Delete(ctx context.Context, id int64) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	log := c.opLogger(OpDelete).With("id", id)

	tx, err := c.records.Begin(ctx)
	if err != nil {
		return &task.StoreWriteError{Store: task.StoreRelational, Op: OpDelete, ID: id, Err: err}
	}
	if _, err := tx.Get(ctx, id); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, task.ErrNotFound) {
			return fmt.Errorf("delete %d: %w", id, task.ErrNotFound)
		}
		return &task.StoreWriteError{Store: task.StoreRelational, Op: OpDelete, ID: id, Err: err}
	}

	if err := c.vectors.Delete(ctx, id); err != nil {
		rbErr := tx.Rollback(ctx)
		return &task.StoreWriteError{Store: task.StoreVector, Op: OpDelete, ID: id, Err: err, RolledBack: rbErr == nil, RollbackErr: rbErr}
	}

	err = tx.Delete(ctx, id)
	if err == nil {
		err = tx.Commit(ctx)
	} else {
		_ = tx.Rollback(ctx)
	}
	if err == nil {
		log.Info("task deleted")
		return nil
	}

	log.Warn("relational delete failed after vector delete, retrying once", "store", task.StoreRelational, "err", err)
	retryErr := c.deleteRow(context.WithoutCancel(ctx), id)
	if retryErr == nil {
		log.Info("task deleted on retry")
		return nil
	}
	inc := &task.InconsistencyError{
		ID:     id,
		Op:     OpDelete,
		Detail: "vector entry removed but relational row remains",
		Err:    errors.Join(err, retryErr),
	}
	log.Error("store inconsistency", "err", inc)
	return inc
}

// Get reads the relational store only.
func (c *Coordinator) Get(ctx context.Context, id int64) (task.Record, error) {
	return c.records.Get(ctx, id)
}

// List returns committed records matching f in id order.
func (c *Coordinator) List(ctx context.Context, f task.Filter) ([]task.Record, error) {
	return c.records.List(ctx, f)
}

func (c *Coordinator) deleteRow(ctx context.Context, id int64) error {
	tx, err := c.records.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, id); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, task.ErrNotFound) {
			return nil
		}
		return err
	}
	return tx.Commit(ctx)
}

// embedEntry embeds the canonical text of r. The caller fills in ID and
// UpdatedAt.
func (c *Coordinator) embedEntry(ctx context.Context, r task.Record) (task.VectorEntry, error) {
	text := task.CanonicalText(r)
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return task.VectorEntry{}, fmt.Errorf("embed: %w", err)
	}
	if len(vec) == 0 {
		return task.VectorEntry{}, fmt.Errorf("embed: %w", embed.ErrEmptyEmbedding)
	}
	return task.VectorEntry{Vector: vec, Text: text}, nil
}

// writeVector embeds r and upserts it outside any transaction.
func (c *Coordinator) writeVector(ctx context.Context, r task.Record, at time.Time) error {
	entry, err := c.embedEntry(ctx, r)
	if err != nil {
		return err
	}
	entry.ID, entry.UpdatedAt = r.ID, at
	return c.vectors.Upsert(ctx, entry)
}

func (c *Coordinator) restoreVector(ctx context.Context, id int64, prev task.VectorEntry, found bool) error {
	if !found {
		return c.vectors.Delete(ctx, id)
	}
	return c.vectors.Upsert(ctx, prev)
}

// advance returns the current time, nudged forward when the clock has not
// moved past prev.
func (c *Coordinator) advance(prev time.Time) time.Time {
	next := c.clock()
	if !next.After(prev) {
		next = prev.Add(time.Microsecond)
	}
	return next
}
