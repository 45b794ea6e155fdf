package embed

import (
	"context"
	"slices"
	"time"

	"github.com/Protocol-Lattice/go-taskagent/pkg/cache"
)

// Cached memoises embeddings by text. Namespace keeps entries from different
// models apart when caches are shared.
type Cached struct {
	Embedder  Embedder
	Namespace string
	cache     *cache.LRU[[]float32]
}

func NewCached(e Embedder, namespace string, size int, ttl time.Duration) *Cached {
	return &Cached{Embedder: e, Namespace: namespace, cache: cache.New[[]float32](size, ttl)}
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.HashKey(c.Namespace, text)
	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v), nil
	}
	v, err := c.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, slices.Clone(v))
	return v, nil
}
