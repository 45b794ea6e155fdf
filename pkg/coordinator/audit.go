package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/Protocol-Lattice/go-taskagent/pkg/concurrent"
	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// AuditReport compares the id sets of both stores.
type AuditReport struct {
	Records int `json:"records"`
	Vectors int `json:"vectors"`
	// MissingVectors are records with no vector entry.
	MissingVectors []int64 `json:"missing_vectors,omitempty"`
	// OrphanVectors are vector entries with no record.
	OrphanVectors []int64 `json:"orphan_vectors,omitempty"`
}

func (r AuditReport) Consistent() bool {
	return len(r.MissingVectors) == 0 && len(r.OrphanVectors) == 0
}

// Audit reports ids present in one store but not the other. Results are a
// snapshot; writes racing with the audit may show up as transient gaps.
func (c *Coordinator) Audit(ctx context.Context) (AuditReport, error) {
	recIDs, err := c.records.IDs(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("audit: list record ids: %w", err)
	}
	vecIDs, err := c.vectors.IDs(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("audit: list vector ids: %w", err)
	}
	recs, vecs := bitmapOf(recIDs), bitmapOf(vecIDs)
	return AuditReport{
		Records:        len(recIDs),
		Vectors:        len(vecIDs),
		MissingVectors: idsOf(roaring64.AndNot(recs, vecs)),
		OrphanVectors:  idsOf(roaring64.AndNot(vecs, recs)),
	}, nil
}

// Reconcile repairs the gaps named in report: missing vectors are re-embedded
// and orphan vectors removed. Each id is rechecked under its lock first.
func (c *Coordinator) Reconcile(ctx context.Context, report AuditReport) (fixed int, err error) {
	log := c.opLogger("reconcile")
	var errs []error
	for _, id := range report.MissingVectors {
		ok, e := c.repairMissing(ctx, id)
		if e != nil {
			errs = append(errs, fmt.Errorf("re-embed %d: %w", id, e))
			continue
		}
		if ok {
			fixed++
		}
	}
	for _, id := range report.OrphanVectors {
		ok, e := c.dropOrphan(ctx, id)
		if e != nil {
			errs = append(errs, fmt.Errorf("drop orphan %d: %w", id, e))
			continue
		}
		if ok {
			fixed++
		}
	}
	log.Info("reconcile finished", "fixed", fixed, "failed", len(errs))
	return fixed, errors.Join(errs...)
}

func (c *Coordinator) repairMissing(ctx context.Context, id int64) (bool, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	rec, err := c.records.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := c.vectors.Get(ctx, id); err == nil {
		return false, nil
	}
	return true, c.writeVector(ctx, rec, rec.UpdatedAt)
}

func (c *Coordinator) dropOrphan(ctx context.Context, id int64) (bool, error) {
	unlock := c.locks.Lock(id)
	defer unlock()
	_, err := c.records.Get(ctx, id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, task.ErrNotFound) {
		return false, err
	}
	return true, c.vectors.Delete(ctx, id)
}

// Purge deletes every record through the normal delete path and returns how
// many were removed.
func (c *Coordinator) Purge(ctx context.Context) (int, error) {
	ids, err := c.records.IDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	var (
		removed int
		errs    []error
	)
	for _, id := range ids {
		switch err := c.Delete(ctx, id); {
		case err == nil:
			removed++
		case errors.Is(err, task.ErrNotFound):
		default:
			errs = append(errs, err)
		}
	}
	c.opLogger("purge").Info("purge finished", "removed", removed, "failed", len(errs))
	return removed, errors.Join(errs...)
}

// Reindex re-embeds every record, for example after switching embedders.
func (c *Coordinator) Reindex(ctx context.Context, concurrency int) (int, error) {
	ids, err := c.records.IDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}
	err = concurrent.ParallelForEach(ctx, ids, func(ctx context.Context, id int64) error {
		unlock := c.locks.Lock(id)
		defer unlock()
		rec, err := c.records.Get(ctx, id)
		if errors.Is(err, task.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.writeVector(ctx, rec, rec.UpdatedAt); err != nil {
			return fmt.Errorf("reindex %d: %w", id, err)
		}
		return nil
	}, concurrency)
	c.opLogger("reindex").Info("reindex finished", "records", len(ids), "err", err)
	return len(ids), err
}

func bitmapOf(ids []int64) *roaring64.Bitmap {
	bm := roaring64.New()
	for _, id := range ids {
		if id > 0 {
			bm.Add(uint64(id))
		}
	}
	return bm
}

func idsOf(bm *roaring64.Bitmap) []int64 {
	if bm.IsEmpty() {
		return nil
	}
	out := make([]int64, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, int64(it.Next()))
	}
	return out
}
