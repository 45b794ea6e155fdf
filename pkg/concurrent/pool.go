// Package concurrent runs bounded fan-out work for batch ingestion and reindexing.
package concurrent

import (
	"context"
	"errors"
	"sync"
)

const defaultConcurrency = 4

// ParallelMap applies fn to every item with at most maxConcurrency calls in
// flight. Results keep the input order. Every item is attempted; the returned
// error joins all per-item failures.
func ParallelMap[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error), maxConcurrency int) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultConcurrency
	}

	results := make([]R, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrency)

	for i, item := range items {
		wg.Add(1)
		go func(idx int, val T) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
				results[idx], errs[idx] = fn(ctx, val)
			}
		}(i, item)
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// ParallelForEach is ParallelMap without results.
func ParallelForEach[T any](ctx context.Context, items []T, fn func(context.Context, T) error, maxConcurrency int) error {
	_, err := ParallelMap(ctx, items, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	}, maxConcurrency)
	return err
}
