package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.Defaults.Model)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoader_LoadsFileOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "pivot.json")
	content := `{
		"defaults": {"model": "claude-sonnet-4-20250514", "provider": "anthropic"},
		"gateway": {"port": 9000},
		"data_dir": "` + t.TempDir() + `"
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

	cfg, err := NewLoader(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Defaults.Model)
	assert.Equal(t, "anthropic", cfg.Defaults.Provider)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	// Defaults survive for keys the file does not set
	assert.Equal(t, "You are a helpful assistant.", cfg.Defaults.BasePrompt)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "pivot.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Defaults.Model = "gpt-4o"
	cfg.Defaults.Provider = "openai"
	cfg.Conversations.IdleTTL = 45 * time.Minute
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", loaded.Defaults.Model)
	assert.Equal(t, "openai", loaded.Defaults.Provider)
}
