//go:build fastembed

package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedder embeds task text in-process with a fastembed ONNX model. Task
// records and search queries both go through the query encoder so that they
// share one vector space.
type FastEmbedder struct {
	mu    sync.Mutex
	model *fastembed.FlagEmbedding
}

func defaultFastEmbedOptions() *FastEmbedOptions {
	return &FastEmbedOptions{Model: string(fastembed.BGESmallENV15), CacheDir: ".fastembed"}
}

func NewFastEmbedder(_ context.Context, opt *FastEmbedOptions) (*FastEmbedder, error) {
	if opt == nil {
		opt = defaultFastEmbedOptions()
	}
	model, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:     fastembed.EmbeddingModel(opt.Model),
		CacheDir:  opt.CacheDir,
		MaxLength: opt.MaxLength,
	})
	if err != nil {
		return nil, fmt.Errorf("load fastembed model %q: %w", opt.Model, err)
	}
	return &FastEmbedder{model: model}, nil
}

func (e *FastEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, errors.New("fastembed: embedder closed")
	}
	vec, err := e.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("fastembed: %w", err)
	}
	return vec, nil
}

// Close releases the ONNX session. Embed fails afterwards.
func (e *FastEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.model.Destroy()
		e.model = nil
	}
	return nil
}
