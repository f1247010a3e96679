package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManager(t *testing.T) {
	t.Run("should write and remove the PID file", func(t *testing.T) {
		d := createTestDaemon(t)
		lifecycle := NewLifecycleManager(d)

		require.NoError(t, lifecycle.Start())

		pidPath := filepath.Join(d.config.DataDir, "pivot.pid")
		data, err := os.ReadFile(pidPath)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

		require.NoError(t, lifecycle.Stop())
		_, err = os.Stat(pidPath)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("should report the running process", func(t *testing.T) {
		d := createTestDaemon(t)
		lifecycle := NewLifecycleManager(d)

		require.NoError(t, lifecycle.Start())
		defer lifecycle.Stop()

		pid, err := lifecycle.GetPID()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		assert.True(t, lifecycle.IsRunning())
	})

	t.Run("should tolerate a missing PID file on stop", func(t *testing.T) {
		d := createTestDaemon(t)
		lifecycle := NewLifecycleManager(d)

		assert.NoError(t, lifecycle.Stop())
		assert.False(t, lifecycle.IsRunning())
	})
}
