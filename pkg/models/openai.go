package models

import (
	"context"
	"os"

	"github.com/sashabaranov/go-openai"
)

type OpenAIGenerator struct {
	Client       *openai.Client
	Model        string
	PromptPrefix string
	// JSONMode asks the API to constrain output to a JSON object.
	JSONMode bool
}

func NewOpenAIGenerator(model, promptPrefix string) *OpenAIGenerator {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_KEY") // fallback
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIGenerator{Client: openai.NewClient(apiKey), Model: model, PromptPrefix: promptPrefix, JSONMode: true}
}

func (o *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.Model,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: withPrefix(o.PromptPrefix, prompt),
		}},
	}
	if o.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := o.Client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
