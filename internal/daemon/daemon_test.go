package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/dimas/pivot/internal/config"
	"github.com/dimas/pivot/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.Port = 18741
	cfg.Gateway.SharedSecret = "test-secret"
	cfg.Providers = map[string]config.ProviderConfig{
		"openai":    {APIKey: "sk-test-key"},
		"anthropic": {APIKey: "sk-ant-test-key"},
	}

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)

	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t)

	assert.NotNil(t, d.states)
	assert.NotNil(t, d.transcripts)
	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.reconciler)
	assert.NotNil(t, d.tools)
	assert.NotNil(t, d.runner)
	assert.NotNil(t, d.sweeper)
	assert.NotNil(t, d.gatewayServer)
	assert.NotNil(t, d.lifecycle)
}

func TestNew_InvalidConfig(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	defer log.Close()

	cfg := config.DefaultConfig()
	cfg.Defaults.Model = ""

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t)

	require.NoError(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, d.Stop())

	status = d.Status()
	assert.False(t, status.Running)
}

func TestDaemonDoubleStart(t *testing.T) {
	d := createTestDaemon(t)

	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Error(t, d.Start())
}

func TestDaemonStopWithoutStart(t *testing.T) {
	d := createTestDaemon(t)
	assert.Error(t, d.Stop())
}

func TestDaemonStatus(t *testing.T) {
	d := createTestDaemon(t)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
}

func TestConversationBusy(t *testing.T) {
	d := createTestDaemon(t)

	assert.False(t, d.conversationBusy("conv-idle"))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = d.queue.Do(context.Background(), "conv-busy", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()

	<-started

	// The lane holds a turn, so the sweeper must not touch the
	// conversation even though the runner has not registered it yet.
	assert.True(t, d.conversationBusy("conv-busy"))

	close(release)
	<-done

	assert.Eventually(t, func() bool {
		return !d.conversationBusy("conv-busy")
	}, time.Second, 10*time.Millisecond)
}

func TestCredentialResolver(t *testing.T) {
	t.Run("should resolve a literal key", func(t *testing.T) {
		d := createTestDaemon(t)

		cred, err := d.credentialResolver()("openai")
		require.NoError(t, err)
		assert.Equal(t, "sk-test-key", cred.APIKey)
	})

	t.Run("should resolve from the environment", func(t *testing.T) {
		d := createTestDaemon(t)
		d.config.Providers["openai"] = config.ProviderConfig{APIKeyEnv: "PIVOT_TEST_OPENAI_KEY"}
		t.Setenv("PIVOT_TEST_OPENAI_KEY", "sk-env-key")

		cred, err := d.credentialResolver()("openai")
		require.NoError(t, err)
		assert.Equal(t, "sk-env-key", cred.APIKey)
	})

	t.Run("should fail on unset environment variable", func(t *testing.T) {
		d := createTestDaemon(t)
		d.config.Providers["openai"] = config.ProviderConfig{APIKeyEnv: "PIVOT_TEST_MISSING_KEY"}

		_, err := d.credentialResolver()("openai")
		assert.Error(t, err)
	})

	t.Run("should fail on unknown provider", func(t *testing.T) {
		d := createTestDaemon(t)

		_, err := d.credentialResolver()("gemini")
		assert.Error(t, err)
	})
}
