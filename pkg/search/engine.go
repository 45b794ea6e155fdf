// Package search answers natural-language queries against the vector index and
// joins the hits back to relational records.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Protocol-Lattice/go-taskagent/pkg/embed"
	"github.com/Protocol-Lattice/go-taskagent/pkg/store"
	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

const (
	DefaultTopK = 5
	// filterOverfetch widens the candidate pool when filters may discard hits.
	filterOverfetch = 3
	// queryEmbedTimeout bounds a shared query embedding; it does not follow
	// any single caller's context.
	queryEmbedTimeout = 30 * time.Second
)

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("search query is empty")

type Engine struct {
	records  store.RecordStore
	vectors  store.VectorIndex
	embedder embed.Embedder
	logger   *slog.Logger
	flight   singleflight.Group
}

func New(records store.RecordStore, vectors store.VectorIndex, embedder embed.Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{records: records, vectors: vectors, embedder: embedder, logger: logger}
}

// Search returns up to topK records ranked by cosine similarity to query,
// restricted to those matching f. Fewer than topK hits may come back when
// filters reject candidates. Vector hits with no relational row are logged and
// skipped.
func (e *Engine) Search(ctx context.Context, query string, f task.Filter, topK int) ([]task.Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	pool := topK
	if !f.IsZero() {
		pool = topK * filterOverfetch
	}

	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	neighbors, err := e.vectors.Query(ctx, vec, pool)
	if err != nil {
		return nil, fmt.Errorf("query vector index: %w", err)
	}

	hits := make([]task.Hit, 0, min(len(neighbors), topK))
	for _, n := range neighbors {
		rec, err := e.records.Get(ctx, n.ID)
		if errors.Is(err, task.ErrNotFound) {
			e.logger.Warn("vector entry has no record, skipping", "op", "search", "id", n.ID,
				"err", &task.InconsistencyError{ID: n.ID, Op: "search", Detail: "vector entry without relational row"})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load record %d: %w", n.ID, err)
		}
		if !f.Match(rec) {
			continue
		}
		hits = append(hits, task.Hit{Record: rec, Score: n.Score})
	}

	slices.SortStableFunc(hits, func(a, b task.Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// embedQuery collapses concurrent embeddings of the same query text. The
// shared call runs detached from the caller that started it, so one caller
// giving up does not fail the others; each caller still honours its own ctx.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	ch := e.flight.DoChan(query, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queryEmbedTimeout)
		defer cancel()
		return e.embedder.Embed(sctx, query)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("embed query: %w", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, fmt.Errorf("embed query: %w", res.Err)
	}
	vec := res.Val.([]float32)
	if len(vec) == 0 {
		return nil, fmt.Errorf("embed query: %w", embed.ErrEmptyEmbedding)
	}
	return slices.Clone(vec), nil
}
