package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient adapts the Gemini chat API to Provider. The system message
// becomes the model's SystemInstruction and assistant turns use the "model"
// role.
type GeminiClient struct {
	client *genai.Client
}

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

func (c *GeminiClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *GeminiClient) Name() string {
	return "gemini"
}

func (c *GeminiClient) CreateChatCompletion(ctx context.Context, req Request) (Response, error) {
	system, history, err := toGeminiContents(req.Messages)
	if err != nil {
		return Response{}, err
	}

	model := c.client.GenerativeModel(req.Model)
	if system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	temp := float32(req.Temperature)
	maxTokens := int32(req.MaxTokens)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	chatSession := model.StartChat()
	last := history[len(history)-1]
	chatSession.History = history[:len(history)-1]

	resp, err := chatSession.SendMessage(ctx, last.Parts...)
	if err != nil {
		return Response{}, fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}
	if strings.TrimSpace(responseText.String()) == "" {
		return Response{}, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	result := Response{Content: responseText.String(), Model: req.Model}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

// toGeminiContents splits messages into the concatenated system text and the
// chat turns. The final turn must come from the user.
func toGeminiContents(messages []Message) (string, []*genai.Content, error) {
	var system []string
	var history []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant", "model":
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}

	if len(history) == 0 {
		return "", nil, fmt.Errorf("prompt history is empty for chat completion")
	}
	if history[len(history)-1].Role != "user" {
		return "", nil, fmt.Errorf("last message in history is not from 'user', cannot proceed with chat completion")
	}
	return strings.Join(system, "\n\n"), history, nil
}
