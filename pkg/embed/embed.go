// Package embed adapts embedding providers to a single capability: given
// text, return a fixed-length vector.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Embedder is a pluggable text-embedding provider. Implementations must be
// deterministic for identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrEmptyEmbedding is returned when a provider answers without a vector.
var ErrEmptyEmbedding = errors.New("provider returned an empty embedding")

// Func adapts a plain function to Embedder.
type Func func(ctx context.Context, text string) ([]float32, error)

func (f Func) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

// NewProvider chooses an embedder by name. An empty name selects the offline
// hash embedder.
func NewProvider(ctx context.Context, provider, model string) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "hash", "offline":
		return NewHashEmbedder(0), nil
	case "openai":
		return ok(NewOpenAIEmbedder(model))
	case "google", "gemini", "vertex", "vertexai":
		return ok(NewGeminiEmbedder(ctx, model))
	case "ollama":
		return ok(NewOllamaEmbedder(model))
	case "fastembed":
		opts := defaultFastEmbedOptions()
		if model != "" {
			opts.Model = model
		}
		return ok(NewFastEmbedder(ctx, opts))
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", provider)
	}
}

// ok keeps a failed constructor from yielding a non-nil interface around a
// nil pointer.
func ok[E Embedder](e E, err error) (Embedder, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}
