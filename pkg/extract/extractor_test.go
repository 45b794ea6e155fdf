package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-taskagent/pkg/models"
	"github.com/Protocol-Lattice/go-taskagent/pkg/schema"
	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

func newTestExtractor(gen models.Generator, opts Options) *Extractor {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) }
	}
	return New(gen, schema.New(), opts)
}

func TestExtractFirstAttemptValid(t *testing.T) {
	gen := models.NewScripted(`{"title":"Buy milk","priority":"High"}`)
	out := newTestExtractor(gen, Options{}).Extract(context.Background(), "buy milk, it's urgent")

	assert.False(t, out.Degraded)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "Buy milk", out.Record.Title)
	assert.Equal(t, task.PriorityHigh, out.Record.Priority)
	assert.Equal(t, task.StatusOpen, out.Record.Status)
	assert.Equal(t, "buy milk, it's urgent", out.Record.RawText)
	assert.False(t, out.Record.Degraded)
}

func TestExtractRetriesWithCorrectiveFeedback(t *testing.T) {
	gen := models.NewScripted(
		"I think this is a shopping task.",
		`{"title":"Buy milk","priority":"super"}`,
		`{"title":"Buy milk","priority":"Low"}`,
	)
	out := newTestExtractor(gen, Options{}).Extract(context.Background(), "milk")

	require.False(t, out.Degraded)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, out.Failures, 2)
	assert.Equal(t, task.PriorityLow, out.Record.Priority)

	prompts := gen.Prompts()
	require.Len(t, prompts, 3)
	assert.NotContains(t, prompts[0], "rejected")
	assert.Contains(t, prompts[1], "could not read a JSON object")
	assert.Contains(t, prompts[2], `priority: "super" is not one of`)
	assert.Contains(t, prompts[2], "attempt 1")
}

func TestExtractFallbackAfterRetries(t *testing.T) {
	gen := models.NewScripted()
	gen.Push(
		models.Reply{Err: errors.New("model offline")},
		models.Reply{Text: "not json"},
		models.Reply{Text: `{"priority":"High"}`},
	)
	raw := "  call the plumber about the leak  "
	out := newTestExtractor(gen, Options{}).Extract(context.Background(), raw)

	assert.True(t, out.Degraded)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, out.Failures, 3)
	assert.Equal(t, "call the plumber about the leak", out.Record.Title)
	assert.Equal(t, task.PriorityMedium, out.Record.Priority)
	assert.Equal(t, task.StatusOpen, out.Record.Status)
	assert.Equal(t, task.CategoryOther, out.Record.Category)
	assert.Nil(t, out.Record.DueDate)
	assert.Equal(t, raw, out.Record.RawText)
	assert.True(t, out.Record.Degraded)
}

func TestExtractEmptyInputFallback(t *testing.T) {
	out := newTestExtractor(models.NewScripted(), Options{MaxAttempts: 1}).Extract(context.Background(), "   ")
	assert.True(t, out.Degraded)
	assert.Equal(t, fallbackTitle, out.Record.Title)
}

func TestExtractAttemptTimeout(t *testing.T) {
	calls := 0
	hang := models.GeneratorFunc(func(ctx context.Context, _ string) (string, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return `{"title":"Water plants","priority":"Low"}`, nil
	})
	out := newTestExtractor(hang, Options{AttemptTimeout: 20 * time.Millisecond}).Extract(context.Background(), "water plants")

	require.False(t, out.Degraded)
	assert.Equal(t, 2, out.Attempts)
	require.Len(t, out.Failures, 1)
	assert.True(t, strings.Contains(out.Failures[0], "timed out"))
}

func TestExtractCanceledContextDegrades(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := models.NewScripted(`{"title":"x","priority":"High"}`)
	out := newTestExtractor(gen, Options{}).Extract(ctx, "x")
	assert.True(t, out.Degraded)
	assert.Empty(t, gen.Prompts())
}

func TestExtractRateLimited(t *testing.T) {
	gen := models.NewScripted(`{"title":"a","priority":"High"}`, `{"title":"b","priority":"High"}`)
	ex := newTestExtractor(gen, Options{RatePerSecond: 1000, Burst: 1})
	assert.False(t, ex.Extract(context.Background(), "a").Degraded)
	assert.False(t, ex.Extract(context.Background(), "b").Degraded)
}
