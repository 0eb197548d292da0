package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint, such
// as Groq's.
type OpenAIClient struct {
	name   string
	client *openai.Client
}

// NewOpenAIClient creates a client for the API rooted at baseURL, for example
// https://api.groq.com/openai/v1. Deadlines come from the request context.
func NewOpenAIClient(name, apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	return &OpenAIClient{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
	}
}

func (c *OpenAIClient) Name() string {
	return c.name
}

func (c *OpenAIClient) CreateChatCompletion(ctx context.Context, req Request) (Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Response{}, c.wrapError(err)
	}

	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%s: %w", c.name, ErrEmptyResponse)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return Response{}, fmt.Errorf("%s: %w", c.name, ErrEmptyResponse)
	}

	result := Response{
		Content:      content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if result.Model == "" {
		result.Model = req.Model
	}
	return result, nil
}

func (c *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s non-success status=%d: %w", c.name, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%s non-success status=%d: %w", c.name, reqErr.HTTPStatusCode, err)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Errorf("failed to parse %s response: %w", c.name, err)
	}
	return fmt.Errorf("%s request failed: %w", c.name, err)
}
