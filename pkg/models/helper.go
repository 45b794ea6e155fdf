package models

import (
	"context"
	"fmt"
	"strings"
)

// NewProvider builds a generator for the named provider.
func NewProvider(ctx context.Context, provider, model, promptPrefix string) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		return NewOpenAIGenerator(model, promptPrefix), nil
	case "gemini", "google":
		return NewGeminiGenerator(ctx, model, promptPrefix)
	case "ollama":
		g, err := NewOllamaGenerator(model, promptPrefix)
		if err != nil {
			return nil, err
		}
		g.JSONMode = true
		return g, nil
	case "anthropic", "claude":
		return NewAnthropicGenerator(model, promptPrefix), nil
	case "offline", "scripted", "dummy":
		return NewScripted(), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
