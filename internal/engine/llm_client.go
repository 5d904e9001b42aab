package engine

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/IAMD3/ykgen/internal/config"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultMaxTokens   = 2000
	defaultTemperature = 0.7
)

// ChatBackend is the LLM surface the pipeline consumes.
type ChatBackend interface {
	Complete(ctx context.Context, system, user string) (string, error)
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// Client wraps an OpenAI-compatible chat API. Every LLM call in the pipeline
// (story, characters, scenes, image prompts, adapter selection) goes through
// it; retry handling lives with the callers, not here.
type Client struct {
	api         *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewClient creates a client for the configured endpoint.
func NewClient(cfg config.LLMConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := float32(cfg.Temperature)
	if temperature == 0 {
		temperature = defaultTemperature
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

// Complete sends a plain chat completion and returns the response text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, nil)
}

// CompleteJSON sends a chat completion constrained to a JSON object response
// and returns the raw payload. Callers decode and validate it themselves so
// they can classify malformed answers.
func (c *Client) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	})
}

func (c *Client) complete(ctx context.Context, system, user string, format *openai.ChatCompletionResponseFormat) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: format,
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from model %s", c.model)
	}
	return resp.Choices[0].Message.Content, nil
}
