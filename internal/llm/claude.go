package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"watchtower/services/agent/internal/settings"
)

type ClaudeProvider struct {
	client *anthropic.Client
}

// NewClaudeProvider returns a provider that reports ErrProviderNotConfigured when apiKey is empty.
func NewClaudeProvider(apiKey string) *ClaudeProvider {
	if strings.TrimSpace(apiKey) == "" {
		return &ClaudeProvider{}
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ClaudeProvider{client: &client}
}

func (p *ClaudeProvider) Name() string { return settings.ProviderClaude }

func (p *ClaudeProvider) Generate(ctx context.Context, systemPrompt, userPrompt string, config settings.ModelConfig) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("claude: %w", ErrProviderNotConfigured)
	}

	response, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(config.Model),
		MaxTokens:   int64(config.MaxTokens),
		Temperature: anthropic.Float(config.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("anthropic returned no text content")
	}
	return text.String(), nil
}
