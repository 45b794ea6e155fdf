package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	taskagent "github.com/Protocol-Lattice/go-taskagent"
	"github.com/Protocol-Lattice/go-taskagent/pkg/backup"
	"github.com/Protocol-Lattice/go-taskagent/pkg/embed"
	"github.com/Protocol-Lattice/go-taskagent/pkg/extract"
	"github.com/Protocol-Lattice/go-taskagent/pkg/models"
	"github.com/Protocol-Lattice/go-taskagent/pkg/store"
)

// probeText is embedded once to learn the vector size for indexes that need it.
const probeText = "dimension probe"

// NewLogger builds a slog logger writing to w.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Build wires the configured providers and stores into a Service. Resources
// opened before a failure are closed again.
func Build(ctx context.Context, cfg *AppConfig, logger *slog.Logger) (svc *taskagent.Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	gen, err := buildGenerator(ctx, cfg.Generator)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	if c, ok := gen.(io.Closer); ok {
		closers = append(closers, c)
	}

	emb, err := embed.NewProvider(ctx, cfg.Embedder.Provider, cfg.Embedder.Model)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	if c, ok := emb.(io.Closer); ok {
		closers = append(closers, c)
	}
	if cfg.Embedder.CacheSize > 0 {
		ns := cfg.Embedder.Provider + "/" + cfg.Embedder.Model
		emb = embed.NewCached(emb, ns, cfg.Embedder.CacheSize, time.Duration(cfg.Embedder.CacheTTLSecs)*time.Second)
	}

	records, err := buildRecords(ctx, cfg.Records)
	if err != nil {
		return nil, fmt.Errorf("records: %w", err)
	}
	closers = append(closers, records)

	vectors, err := buildVectors(ctx, cfg.Vectors, emb)
	if err != nil {
		return nil, fmt.Errorf("vectors: %w", err)
	}
	closers = append(closers, vectors)

	snapshots, err := buildSnapshots(ctx, cfg.Snapshots)
	if err != nil {
		return nil, fmt.Errorf("snapshots: %w", err)
	}

	// The service closes records and vectors itself.
	extra := closers[:len(closers)-2]
	return taskagent.New(taskagent.Options{
		Generator: gen,
		Embedder:  emb,
		Records:   records,
		Vectors:   vectors,
		Snapshots: snapshots,
		Extract: extract.Options{
			MaxAttempts:    cfg.Extract.MaxAttempts,
			AttemptTimeout: time.Duration(cfg.Extract.AttemptTimeoutSecs) * time.Second,
			MaxInFlight:    cfg.Extract.MaxInFlight,
			RatePerSecond:  cfg.Extract.RatePerSecond,
			Burst:          cfg.Extract.Burst,
			Logger:         logger,
		},
		RequirePriority: cfg.Extract.RequirePriority,
		Logger:          logger,
		Closers:         extra,
	})
}

func buildGenerator(ctx context.Context, cfg GeneratorConfig) (models.Generator, error) {
	gen, err := models.NewProvider(ctx, cfg.Provider, cfg.Model, cfg.PromptPrefix)
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 || cfg.CachePath != "" {
		return &closingGenerator{
			Generator: models.NewCachedGenerator(gen, cfg.CacheSize, time.Duration(cfg.CacheTTLSecs)*time.Second, cfg.CachePath),
			inner:     gen,
		}, nil
	}
	return gen, nil
}

// closingGenerator keeps the wrapped provider closable behind a cache.
type closingGenerator struct {
	models.Generator
	inner models.Generator
}

func (g *closingGenerator) Close() error {
	if c, ok := g.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func buildRecords(ctx context.Context, cfg RecordsConfig) (store.RecordStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return store.NewMemoryRecords(), nil
	case "sqlite", "":
		return store.OpenSQLiteRecords(ctx, cfg.Path)
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, errors.New("postgres requires records.dsn")
		}
		ps, err := store.NewPostgresRecords(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := ps.CreateSchema(ctx, cfg.SchemaPath); err != nil {
			ps.Close()
			return nil, err
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unknown record driver %q", cfg.Driver)
	}
}

func buildVectors(ctx context.Context, cfg VectorsConfig, emb embed.Embedder) (store.VectorIndex, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory", "":
		return store.NewMemoryVectors(), nil
	case "qdrant":
		q := cfg.Qdrant
		return store.NewQdrantVectors(q.URL, q.Collection, q.APIKey), nil
	case "pgvector":
		if cfg.DSN == "" {
			return nil, errors.New("pgvector requires vectors.dsn or records.dsn")
		}
		pv, err := store.NewPgvectorIndex(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := pv.CreateSchema(ctx); err != nil {
			pv.Close()
			return nil, err
		}
		return pv, nil
	case "mongodb", "mongo":
		m := cfg.Mongo
		return store.NewMongoVectors(ctx, m.URI, m.Database, m.Collection)
	case "neo4j":
		n := cfg.Neo4j
		nv, err := store.OpenNeo4jVectors(ctx, n.URI, n.Username, n.Password, n.Database)
		if err != nil {
			return nil, err
		}
		probe, err := emb.Embed(ctx, probeText)
		if err == nil {
			err = nv.EnsureSchema(ctx, len(probe))
		}
		if err != nil {
			nv.Close()
			return nil, err
		}
		return nv, nil
	default:
		return nil, fmt.Errorf("unknown vector driver %q", cfg.Driver)
	}
}

func buildSnapshots(ctx context.Context, cfg SnapshotsConfig) (backup.BlobStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return nil, nil
	case "local":
		return backup.NewLocalStore(cfg.Dir), nil
	case "minio", "s3":
		if cfg.Minio == nil {
			return nil, errors.New("minio snapshots require snapshots.minio")
		}
		return backup.OpenMinio(ctx, *cfg.Minio)
	default:
		return nil, fmt.Errorf("unknown snapshot driver %q", cfg.Driver)
	}
}
