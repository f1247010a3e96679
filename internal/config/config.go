package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Pivot configuration
type Config struct {
	// Boot-time agent defaults. Read once at startup and treated as
	// immutable; per-conversation swaps never write back here.
	Defaults DefaultsConfig `json:"defaults" mapstructure:"defaults"`

	// Provider credentials
	Providers map[string]ProviderConfig `json:"providers" mapstructure:"providers"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Conversation lifecycle
	Conversations ConversationsConfig `json:"conversations" mapstructure:"conversations"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// DefaultsConfig holds the boot defaults applied to new conversations
type DefaultsConfig struct {
	Model      string `json:"model" mapstructure:"model"`
	Provider   string `json:"provider" mapstructure:"provider"`
	BasePrompt string `json:"base_prompt" mapstructure:"base_prompt"`
	MaxTokens  int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// ProviderConfig holds credential resolution for one provider
type ProviderConfig struct {
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	APIKeyEnv string `json:"api_key_env" mapstructure:"api_key_env"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int           `json:"port" mapstructure:"port"`
	Host         string        `json:"host" mapstructure:"host"`
	SharedSecret string        `json:"shared_secret" mapstructure:"shared_secret"`
	TickInterval time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
}

// ConversationsConfig controls eviction of idle conversation state
type ConversationsConfig struct {
	IdleTTL       time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"`
	SweepSchedule string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Defaults: DefaultsConfig{
			Model:      "openai/gpt-4o-mini",
			BasePrompt: "You are a helpful assistant.",
			MaxTokens:  4096,
		},
		Providers: map[string]ProviderConfig{
			"openai":    {APIKeyEnv: "OPENAI_API_KEY"},
			"anthropic": {APIKeyEnv: "ANTHROPIC_API_KEY"},
		},
		Gateway: GatewayConfig{
			Port:         8741,
			Host:         "127.0.0.1",
			TickInterval: 30 * time.Second,
		},
		Conversations: ConversationsConfig{
			IdleTTL:       2 * time.Hour,
			SweepSchedule: "@every 10m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation with credentials masked
func (c *Config) String() string {
	masked := *c
	masked.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Providers[name] = p
	}
	masked.Gateway.SharedSecret = "***"

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}
