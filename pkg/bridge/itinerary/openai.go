package itinerary

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIGenerator asks a chat completion model for a JSON itinerary.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

type OpenAIOption func(*OpenAIGenerator)

func WithOpenAIModel(model string) OpenAIOption {
	return func(g *OpenAIGenerator) {
		if strings.TrimSpace(model) != "" {
			g.model = model
		}
	}
}

// NewOpenAIGenerator builds a generator. baseURL may be empty to use the
// public API.
func NewOpenAIGenerator(apiKey, baseURL string, opts ...OpenAIOption) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	g := &OpenAIGenerator{
		client:      openai.NewClientWithConfig(cfg),
		model:       DefaultOpenAIModel,
		temperature: 0.2,
		maxTokens:   2048,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *OpenAIGenerator) Generate(ctx context.Context, city string, days int) (*Itinerary, error) {
	if err := ValidateRequest(city, days); err != nil {
		return nil, err
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You plan trips and answer only with JSON."},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(city, days)},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %v", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", ErrGeneration)
	}

	it, err := parseModelOutput(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return finish(it, city, days)
}
