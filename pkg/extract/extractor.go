// Package extract turns free-text task descriptions into validated records
// using a text-generation model, with bounded corrective retries and a
// deterministic fallback.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Protocol-Lattice/go-taskagent/pkg/models"
	"github.com/Protocol-Lattice/go-taskagent/pkg/schema"
	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxInFlight    = 8

	fallbackTitle = "Untitled task"
)

// Options tunes an Extractor. Zero values select the defaults.
type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	// MaxInFlight bounds concurrent generation calls across callers.
	MaxInFlight int64
	// RatePerSecond throttles generation calls when positive.
	RatePerSecond float64
	Burst         int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Extractor drives generate → normalize → validate with corrective retries.
// It is safe for concurrent use.
type Extractor struct {
	gen        models.Generator
	normalizer *Normalizer
	validator  *schema.Validator

	maxAttempts    int
	attemptTimeout time.Duration
	sem            *semaphore.Weighted
	limiter        *rate.Limiter
	logger         *slog.Logger
	now            func() time.Time
}

func New(gen models.Generator, v *schema.Validator, opts Options) *Extractor {
	if v == nil {
		v = schema.New()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Extractor{
		gen:            gen,
		normalizer:     &Normalizer{Now: opts.Now},
		validator:      v,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
		sem:            semaphore.NewWeighted(opts.MaxInFlight),
		logger:         opts.Logger,
		now:            opts.Now,
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return e
}

// Extract never fails. When every attempt is rejected, or ctx ends, it
// returns a degraded fallback record built from rawText. The returned record
// has no id or timestamps; those are assigned on persistence.
func (e *Extractor) Extract(ctx context.Context, rawText string) task.Extraction {
	var (
		feedback []string
		attempts int
	)
	today := e.now().Format(task.DateLayout)

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			feedback = append(feedback, ctx.Err().Error())
			break
		}
		attempts = attempt
		prompt := buildPrompt(e.validator.Describe(), rawText, today, feedback)
		rec, err := e.attempt(ctx, prompt)
		if err == nil {
			rec.RawText = rawText
			e.logger.Debug("extraction succeeded", "attempt", attempt)
			return task.Extraction{Record: rec, Attempts: attempt, Failures: feedback}
		}
		e.logger.Warn("extraction attempt failed", "attempt", attempt, "err", err)
		feedback = append(feedback, describeFailure(err))
	}

	e.logger.Warn("extraction degraded to fallback", "attempts", attempts)
	return task.Extraction{
		Record:   Fallback(rawText),
		Degraded: true,
		Attempts: attempts,
		Failures: feedback,
	}
}

func (e *Extractor) attempt(ctx context.Context, prompt string) (task.Record, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return task.Record{}, err
	}
	defer e.sem.Release(1)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return task.Record{}, err
		}
	}

	actx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	out, err := e.gen.Generate(actx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return task.Record{}, fmt.Errorf("generation timed out after %s: %w", e.attemptTimeout, err)
		}
		return task.Record{}, fmt.Errorf("generation failed: %w", err)
	}
	cand, err := e.normalizer.Normalize(out)
	if err != nil {
		return task.Record{}, err
	}
	return e.validator.Validate(cand)
}

// describeFailure turns an attempt error into corrective feedback for the
// next prompt.
func describeFailure(err error) string {
	var (
		nerr *task.NormalizationError
		verr *task.ValidationError
	)
	switch {
	case errors.As(err, &verr):
		parts := make([]string, len(verr.Violations))
		for i, v := range verr.Violations {
			parts[i] = v.String()
		}
		return "schema violations: " + strings.Join(parts, "; ")
	case errors.As(err, &nerr):
		return "could not read a JSON object from your reply (" + nerr.Reason + ")"
	default:
		return err.Error()
	}
}

// Fallback is the deterministic minimal record used when extraction gives up.
func Fallback(rawText string) task.Record {
	title := strings.TrimSpace(rawText)
	if title == "" {
		title = fallbackTitle
	}
	return task.Record{
		Title:    title,
		Category: task.CategoryOther,
		Priority: task.PriorityMedium,
		Status:   task.StatusOpen,
		RawText:  rawText,
		Degraded: true,
	}
}
