//go:build !fastembed

package embed

import (
	"context"
	"errors"
)

// FastEmbedder is unavailable without the fastembed build tag.
type FastEmbedder struct{}

func defaultFastEmbedOptions() *FastEmbedOptions { return &FastEmbedOptions{} }

func NewFastEmbedder(context.Context, *FastEmbedOptions) (*FastEmbedder, error) {
	return nil, errors.New("fastembed support not built; rebuild with -tags fastembed")
}

func (*FastEmbedder) Close() error { return nil }

func (*FastEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("fastembed support not built")
}
