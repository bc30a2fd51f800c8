// Package llm turns incidents into structured fix plans using a configurable language model provider.
package llm

import (
	"context"
	"errors"

	"watchtower/services/agent/internal/settings"
)

var ErrProviderNotConfigured = errors.New("llm provider not configured")

// Provider generates a completion for one system/user prompt pair.
type Provider interface {
	Name() string
	Generate(ctx context.Context, systemPrompt, userPrompt string, config settings.ModelConfig) (string, error)
}
