package convstate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_EvictsOnSchedule(t *testing.T) {
	store, err := NewStore(Defaults{Model: "openai/gpt-4o-mini"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = store.Snapshot("conv-idle")
	require.NoError(t, err)

	store.mu.Lock()
	store.states["conv-idle"].touchedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	sweeper := NewSweeper(store, 30*time.Minute, func(id string) bool { return false }, zerolog.Nop())
	require.NoError(t, sweeper.Start("@every 1s"))
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		return store.Len() == 0
	}, 3*time.Second, 100*time.Millisecond)
}

func TestSweeper_NotifiesOnEvict(t *testing.T) {
	store, err := NewStore(Defaults{Model: "openai/gpt-4o-mini"}, zerolog.Nop())
	require.NoError(t, err)

	_, err = store.Snapshot("conv-idle")
	require.NoError(t, err)

	store.mu.Lock()
	store.states["conv-idle"].touchedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	evicted := make(chan string, 1)
	sweeper := NewSweeper(store, 30*time.Minute, nil, zerolog.Nop())
	sweeper.OnEvict(func(id string) { evicted <- id })
	require.NoError(t, sweeper.Start("@every 1s"))
	defer sweeper.Stop()

	select {
	case id := <-evicted:
		assert.Equal(t, "conv-idle", id)
	case <-time.After(3 * time.Second):
		t.Fatal("eviction callback never fired")
	}
}

func TestSweeper_DisabledWithoutTTL(t *testing.T) {
	store, err := NewStore(Defaults{Model: "openai/gpt-4o-mini"}, zerolog.Nop())
	require.NoError(t, err)

	sweeper := NewSweeper(store, 0, nil, zerolog.Nop())
	require.NoError(t, sweeper.Start("@every 1s"))
	sweeper.Stop()
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	store, err := NewStore(Defaults{Model: "openai/gpt-4o-mini"}, zerolog.Nop())
	require.NoError(t, err)

	sweeper := NewSweeper(store, time.Hour, nil, zerolog.Nop())
	assert.Error(t, sweeper.Start("not a schedule"))
}
