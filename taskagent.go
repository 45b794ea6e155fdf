// Package taskagent turns free-text task descriptions into structured records,
// keeps them in a relational store and a vector index, and answers semantic
// queries over them.
package taskagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Protocol-Lattice/go-taskagent/pkg/backup"
	"github.com/Protocol-Lattice/go-taskagent/pkg/concurrent"
	"github.com/Protocol-Lattice/go-taskagent/pkg/coordinator"
	"github.com/Protocol-Lattice/go-taskagent/pkg/embed"
	"github.com/Protocol-Lattice/go-taskagent/pkg/extract"
	"github.com/Protocol-Lattice/go-taskagent/pkg/models"
	"github.com/Protocol-Lattice/go-taskagent/pkg/schema"
	"github.com/Protocol-Lattice/go-taskagent/pkg/search"
	"github.com/Protocol-Lattice/go-taskagent/pkg/store"
	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// ErrNoSnapshots is returned by snapshot operations when no blob store is configured.
var ErrNoSnapshots = errors.New("no snapshot store configured")

// Service is the entry point used by the CLI and embedding programs.
type Service struct {
	extractor *extract.Extractor
	coord     *coordinator.Coordinator
	engine    *search.Engine
	snapshots backup.BlobStore
	logger    *slog.Logger
	now       func() time.Time
	closers   []io.Closer
}

// Options configure a new Service.
type Options struct {
	Generator models.Generator
	Embedder  embed.Embedder
	Records   store.RecordStore
	Vectors   store.VectorIndex

	// Snapshots is optional; Snapshot and Restore fail without it.
	Snapshots backup.BlobStore
	Extract   extract.Options
	// RequirePriority makes a missing priority a validation failure.
	RequirePriority *bool
	Logger          *slog.Logger
	Now             func() time.Time
	// Closers are released by Close before the stores.
	Closers []io.Closer
}

// New creates a Service with the provided options.
func New(opts Options) (*Service, error) {
	if opts.Generator == nil {
		return nil, errors.New("taskagent requires a text generator")
	}
	if opts.Embedder == nil {
		return nil, errors.New("taskagent requires an embedder")
	}
	if opts.Records == nil || opts.Vectors == nil {
		return nil, errors.New("taskagent requires a record store and a vector index")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	validator := schema.New()
	if opts.RequirePriority != nil {
		validator.RequirePriority = *opts.RequirePriority
	}
	exOpts := opts.Extract
	if exOpts.Logger == nil {
		exOpts.Logger = logger
	}
	if exOpts.Now == nil {
		exOpts.Now = now
	}

	return &Service{
		extractor: extract.New(opts.Generator, validator, exOpts),
		coord: coordinator.New(opts.Records, opts.Vectors, opts.Embedder, coordinator.Options{
			Validator: validator,
			Logger:    logger,
			Now:       now,
		}),
		engine:    search.New(opts.Records, opts.Vectors, opts.Embedder, logger),
		snapshots: opts.Snapshots,
		logger:    logger,
		now:       now,
		closers:   append([]io.Closer{opts.Records, opts.Vectors}, opts.Closers...),
	}, nil
}

// Extract turns raw text into a validated record without persisting it. It
// never fails; a degraded fallback record is returned when the model cannot
// produce a valid one.
func (s *Service) Extract(ctx context.Context, raw string) task.Extraction {
	return s.extractor.Extract(ctx, raw)
}

// Ingest extracts raw text and stores the result.
func (s *Service) Ingest(ctx context.Context, raw string) (task.Record, task.Extraction, error) {
	ex := s.extractor.Extract(ctx, raw)
	id, err := s.coord.Create(ctx, ex.Record)
	if err != nil {
		return task.Record{}, ex, err
	}
	rec, err := s.coord.Get(ctx, id)
	if err != nil {
		return task.Record{}, ex, fmt.Errorf("reload created task %d: %w", id, err)
	}
	return rec, ex, nil
}

// IngestResult is one entry of an IngestBatch call.
type IngestResult struct {
	Record     task.Record
	Extraction task.Extraction
	Err        error
}

// IngestBatch ingests every text with at most concurrency calls in flight.
// Results keep input order; per-item failures are reported in each result.
func (s *Service) IngestBatch(ctx context.Context, texts []string, concurrency int) []IngestResult {
	out, _ := concurrent.ParallelMap(ctx, texts, func(ctx context.Context, raw string) (IngestResult, error) {
		rec, ex, err := s.Ingest(ctx, raw)
		return IngestResult{Record: rec, Extraction: ex, Err: err}, nil
	}, concurrency)
	for i := range out {
		if out[i].Err == nil && out[i].Record.ID == 0 {
			out[i].Err = ctx.Err()
		}
	}
	return out
}

func (s *Service) Create(ctx context.Context, r task.Record) (int64, error) {
	return s.coord.Create(ctx, r)
}

func (s *Service) Patch(ctx context.Context, id int64, p task.Patch) (task.Record, error) {
	return s.coord.Patch(ctx, id, p)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.coord.Delete(ctx, id)
}

func (s *Service) Get(ctx context.Context, id int64) (task.Record, error) {
	return s.coord.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f task.Filter) ([]task.Record, error) {
	return s.coord.List(ctx, f)
}

// Search ranks stored tasks by semantic similarity to query.
func (s *Service) Search(ctx context.Context, query string, f task.Filter, topK int) ([]task.Hit, error) {
	return s.engine.Search(ctx, query, f, topK)
}

func (s *Service) Audit(ctx context.Context) (coordinator.AuditReport, error) {
	return s.coord.Audit(ctx)
}

func (s *Service) Reconcile(ctx context.Context, report coordinator.AuditReport) (int, error) {
	return s.coord.Reconcile(ctx, report)
}

// Purge deletes every task.
func (s *Service) Purge(ctx context.Context) (int, error) {
	return s.coord.Purge(ctx)
}

func (s *Service) Reindex(ctx context.Context, concurrency int) (int, error) {
	return s.coord.Reindex(ctx, concurrency)
}

// Export writes a compressed snapshot of every task to w.
func (s *Service) Export(ctx context.Context, w io.Writer) (int, error) {
	return backup.Export(ctx, s.coord, w)
}

// Import re-creates every task from a snapshot read from r. Imported tasks get
// fresh ids.
func (s *Service) Import(ctx context.Context, r io.Reader) (int, error) {
	return backup.Import(ctx, s.coord, r, s.logger)
}

// Snapshot saves a timestamped snapshot to the configured blob store.
func (s *Service) Snapshot(ctx context.Context) (string, int, error) {
	if s.snapshots == nil {
		return "", 0, ErrNoSnapshots
	}
	name := backup.SnapshotName(s.now())
	n, err := backup.Save(ctx, s.coord, s.snapshots, name)
	if err != nil {
		return "", 0, err
	}
	s.logger.Info("snapshot saved", "op", "snapshot", "name", name, "records", n)
	return name, n, nil
}

// Restore imports the named snapshot, or the newest one when name is empty.
func (s *Service) Restore(ctx context.Context, name string) (int, error) {
	if s.snapshots == nil {
		return 0, ErrNoSnapshots
	}
	if name == "" {
		latest, err := backup.Latest(ctx, s.snapshots)
		if err != nil {
			return 0, fmt.Errorf("find latest snapshot: %w", err)
		}
		name = latest
	}
	return backup.Restore(ctx, s.coord, s.snapshots, name, s.logger)
}

// Close releases the stores and any extra resources handed to New.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if c := s.closers[i]; c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
