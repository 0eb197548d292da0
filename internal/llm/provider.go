package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the provider answers without any text.
var ErrEmptyResponse = errors.New("completion provider returned no content")

// Message is one role-tagged turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider produces one reply for an ordered list of messages. Implementations
// are shared across requests and must be safe for concurrent use.
type Provider interface {
	Name() string
	CreateChatCompletion(ctx context.Context, req Request) (Response, error)
}
