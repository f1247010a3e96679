package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for invalid values
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if strings.TrimSpace(cfg.Defaults.Model) == "" {
		return fmt.Errorf("defaults.model cannot be empty")
	}
	if cfg.Defaults.MaxTokens < 0 {
		return fmt.Errorf("defaults.max_tokens cannot be negative")
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", cfg.Gateway.Port)
	}

	if cfg.Conversations.IdleTTL < 0 {
		return fmt.Errorf("conversations.idle_ttl cannot be negative")
	}

	if cfg.Logging.Level != "" && !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}

	for name, p := range cfg.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("provider name cannot be empty")
		}
		if p.APIKey == "" && p.APIKeyEnv == "" {
			return fmt.Errorf("provider %q must set api_key or api_key_env", name)
		}
	}

	return nil
}
