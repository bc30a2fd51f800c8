// Package settings reads live agent configuration from an external key/value store on every call.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"watchtower/services/agent/internal/store"
)

const (
	KeyAutoFix           = "agent_auto_fix_enabled"
	KeyKillSwitch        = "agent_kill_switch"
	KeyMonitoringEnabled = "agent_monitoring_enabled"
	KeyActiveProvider    = "active_llm_provider"
	KeyModelConfig       = "llm_model_config"
)

const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// KV is raw JSON storage keyed by setting name. Get returns store.ErrNotFound for unset keys.
type KV interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
}

type ModelConfig struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

func DefaultModelConfigs() map[string]ModelConfig {
	return map[string]ModelConfig{
		ProviderClaude: {Model: "claude-3-5-sonnet-20241022", MaxTokens: 8192, Temperature: 0.7},
		ProviderOpenAI: {Model: "gpt-4-turbo-preview", MaxTokens: 4096, Temperature: 0.7},
	}
}

// ControlKey reports whether key belongs to the agent's own switches. Fix plans may not write these.
func ControlKey(key string) bool {
	switch strings.TrimSpace(key) {
	case KeyAutoFix, KeyKillSwitch, KeyMonitoringEnabled, KeyActiveProvider, KeyModelConfig:
		return true
	}
	return false
}

func ValidProvider(provider string) bool {
	return provider == ProviderClaude || provider == ProviderOpenAI
}

type enabledDoc struct {
	Enabled bool `json:"enabled"`
}

type providerDoc struct {
	Provider string `json:"provider"`
}

// Snapshot is the flag set shown on the status surface.
type Snapshot struct {
	AutoFixEnabled    bool                   `json:"auto_fix_enabled"`
	KillSwitch        bool                   `json:"kill_switch"`
	MonitoringEnabled bool                   `json:"monitoring_enabled"`
	ActiveProvider    string                 `json:"active_provider"`
	ModelConfigs      map[string]ModelConfig `json:"model_configs"`
}

// Settings never caches; every accessor reads through to the KV.
type Settings struct {
	kv KV
}

func New(kv KV) *Settings {
	return &Settings{kv: kv}
}

// AutoFixEnabled defaults to false when unset.
func (s *Settings) AutoFixEnabled(ctx context.Context) (bool, error) {
	return s.readEnabled(ctx, KeyAutoFix, false)
}

func (s *Settings) SetAutoFixEnabled(ctx context.Context, enabled bool) error {
	return s.write(ctx, KeyAutoFix, enabledDoc{Enabled: enabled})
}

// KillSwitchEngaged defaults to false when unset.
func (s *Settings) KillSwitchEngaged(ctx context.Context) (bool, error) {
	return s.readEnabled(ctx, KeyKillSwitch, false)
}

func (s *Settings) SetKillSwitch(ctx context.Context, engaged bool) error {
	return s.write(ctx, KeyKillSwitch, enabledDoc{Enabled: engaged})
}

// MonitoringEnabled defaults to true when unset.
func (s *Settings) MonitoringEnabled(ctx context.Context) (bool, error) {
	return s.readEnabled(ctx, KeyMonitoringEnabled, true)
}

func (s *Settings) SetMonitoringEnabled(ctx context.Context, enabled bool) error {
	return s.write(ctx, KeyMonitoringEnabled, enabledDoc{Enabled: enabled})
}

func (s *Settings) ActiveProvider(ctx context.Context) (string, error) {
	var doc providerDoc
	found, err := s.read(ctx, KeyActiveProvider, &doc)
	if err != nil {
		return ProviderClaude, err
	}
	provider := strings.ToLower(strings.TrimSpace(doc.Provider))
	if !found || !ValidProvider(provider) {
		return ProviderClaude, nil
	}
	return provider, nil
}

func (s *Settings) SetActiveProvider(ctx context.Context, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !ValidProvider(provider) {
		return fmt.Errorf("unknown llm provider %q", provider)
	}
	return s.write(ctx, KeyActiveProvider, providerDoc{Provider: provider})
}

// ModelConfigs merges stored overrides over the defaults.
func (s *Settings) ModelConfigs(ctx context.Context) (map[string]ModelConfig, error) {
	configs := DefaultModelConfigs()
	stored := map[string]ModelConfig{}
	found, err := s.read(ctx, KeyModelConfig, &stored)
	if err != nil {
		return configs, err
	}
	if !found {
		return configs, nil
	}
	for provider, override := range stored {
		base := configs[provider]
		if override.Model != "" {
			base.Model = override.Model
		}
		if override.MaxTokens > 0 {
			base.MaxTokens = override.MaxTokens
		}
		if override.Temperature > 0 {
			base.Temperature = override.Temperature
		}
		configs[provider] = base
	}
	return configs, nil
}

func (s *Settings) ModelConfig(ctx context.Context, provider string) (ModelConfig, error) {
	configs, err := s.ModelConfigs(ctx)
	if err != nil {
		return DefaultModelConfigs()[provider], err
	}
	config, ok := configs[provider]
	if !ok {
		return ModelConfig{}, fmt.Errorf("unknown llm provider %q", provider)
	}
	return config, nil
}

func (s *Settings) SetModelConfig(ctx context.Context, provider string, config ModelConfig) error {
	if !ValidProvider(provider) {
		return fmt.Errorf("unknown llm provider %q", provider)
	}
	if strings.TrimSpace(config.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if config.MaxTokens < 0 || config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("model parameters out of range")
	}

	configs, err := s.ModelConfigs(ctx)
	if err != nil {
		return err
	}
	current := configs[provider]
	current.Model = strings.TrimSpace(config.Model)
	if config.MaxTokens > 0 {
		current.MaxTokens = config.MaxTokens
	}
	if config.Temperature > 0 {
		current.Temperature = config.Temperature
	}
	configs[provider] = current
	return s.write(ctx, KeyModelConfig, configs)
}

// SetRaw stores an arbitrary JSON document under key.
func (s *Settings) SetRaw(ctx context.Context, key string, value any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("config key is required")
	}
	return s.write(ctx, key, value)
}

func (s *Settings) Snapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot
	var err error
	if snapshot.AutoFixEnabled, err = s.AutoFixEnabled(ctx); err != nil {
		return snapshot, err
	}
	if snapshot.KillSwitch, err = s.KillSwitchEngaged(ctx); err != nil {
		return snapshot, err
	}
	if snapshot.MonitoringEnabled, err = s.MonitoringEnabled(ctx); err != nil {
		return snapshot, err
	}
	if snapshot.ActiveProvider, err = s.ActiveProvider(ctx); err != nil {
		return snapshot, err
	}
	if snapshot.ModelConfigs, err = s.ModelConfigs(ctx); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// readEnabled accepts {"enabled": bool} or a bare boolean.
func (s *Settings) readEnabled(ctx context.Context, key string, fallback bool) (bool, error) {
	var raw json.RawMessage
	found, err := s.read(ctx, key, &raw)
	if err != nil {
		return fallback, err
	}
	if !found || string(raw) == "null" {
		return fallback, nil
	}
	var bare bool
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}
	var doc enabledDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fallback, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return doc.Enabled, nil
}

func (s *Settings) read(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read setting %s: %w", key, err)
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (s *Settings) write(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}
