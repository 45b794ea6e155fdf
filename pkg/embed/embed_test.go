package embed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder(64)
	a, err := h.Embed(context.Background(), "Buy milk")
	require.NoError(t, err)
	b, err := h.Embed(context.Background(), "buy MILK!")
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, task.CosineSimilarity(a, b), 1e-6)
}

func TestHashEmbedderSharedWordsRankHigher(t *testing.T) {
	h := NewHashEmbedder(0)
	ctx := context.Background()
	q, _ := h.Embed(ctx, "milk")
	milk, _ := h.Embed(ctx, "Buy milk high priority | category: Errand | priority: High")
	report, _ := h.Embed(ctx, "Finish report | category: Work | priority: Medium")
	assert.Greater(t, task.CosineSimilarity(q, milk), task.CosineSimilarity(q, report))
}

func TestHashEmbedderEmptyText(t *testing.T) {
	v, err := NewHashEmbedder(8).Embed(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), v)
}

func TestCachedEmbedder(t *testing.T) {
	calls := 0
	inner := Func(func(_ context.Context, text string) ([]float32, error) {
		calls++
		if text == "bad" {
			return nil, errors.New("boom")
		}
		return []float32{1, 2, 3}, nil
	})
	c := NewCached(inner, "m", 8, time.Minute)
	ctx := context.Background()

	v, err := c.Embed(ctx, "x")
	require.NoError(t, err)
	v[0] = 99
	v2, err := c.Embed(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v2, "cached vectors must not alias caller slices")
	assert.Equal(t, 1, calls)

	_, err = c.Embed(ctx, "bad")
	require.Error(t, err)
	_, err = c.Embed(ctx, "bad")
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestNewProvider(t *testing.T) {
	e, err := NewProvider(context.Background(), "", "")
	require.NoError(t, err)
	assert.IsType(t, &HashEmbedder{}, e)

	_, err = NewProvider(context.Background(), "nope", "")
	require.Error(t, err)
}
