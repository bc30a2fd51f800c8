package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"watchtower/services/agent/internal/settings"
)

type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider returns a provider that reports ErrProviderNotConfigured when apiKey is empty.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	if strings.TrimSpace(apiKey) == "" {
		return &OpenAIProvider{}
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

func (p *OpenAIProvider) Name() string { return settings.ProviderOpenAI }

func (p *OpenAIProvider) Generate(ctx context.Context, systemPrompt, userPrompt string, config settings.ModelConfig) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("openai: %w", ErrProviderNotConfigured)
	}

	response, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       config.Model,
		MaxTokens:   config.MaxTokens,
		Temperature: float32(config.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return response.Choices[0].Message.Content, nil
}
