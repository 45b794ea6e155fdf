package models

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// ---------------------------- Ollama -----------------------------------------

type OllamaGenerator struct {
	Client       *ollama.Client
	Model        string
	PromptPrefix string
	JSONMode     bool
}

// OllamaHost returns OLLAMA_HOST or the local default.
func OllamaHost() (*url.URL, error) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}
	return u, nil
}

func NewOllamaGenerator(model, promptPrefix string) (*OllamaGenerator, error) {
	u, err := OllamaHost()
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "qwen2.5:1.5b"
	}
	c := ollama.NewClient(u, &http.Client{Timeout: 90 * time.Second})
	return &OllamaGenerator{Client: c, Model: model, PromptPrefix: promptPrefix}, nil
}

func (o *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var text strings.Builder

	req := &ollama.GenerateRequest{
		Model:  o.Model,
		Prompt: withPrefix(o.PromptPrefix, prompt),
	}
	if o.JSONMode {
		req.Format = json.RawMessage(`"json"`)
	}

	if err := o.Client.Generate(ctx, req, func(gr ollama.GenerateResponse) error {
		text.WriteString(gr.Response)
		return nil
	}); err != nil {
		return "", err
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
