package convstate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Defaults{Model: "openai/gpt-4o-mini", Provider: "openai"}, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestNewStore_RequiresDefaultModel(t *testing.T) {
	_, err := NewStore(Defaults{Model: "  "}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestSnapshot_LazyCreationWithDefaults(t *testing.T) {
	store := newTestStore(t)

	snap, err := store.Snapshot("c1")
	require.NoError(t, err)

	assert.Equal(t, "openai/gpt-4o-mini", snap.Model)
	assert.Equal(t, "openai", snap.Provider)
	assert.Empty(t, snap.PromptOverride)
	assert.Empty(t, snap.LastAppliedModel)
	assert.Equal(t, 1, store.Len())
}

func TestSetModel(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetModel("c1", "gpt-4o", "openai"))

	snap, err := store.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", snap.Model)
	assert.Equal(t, "openai", snap.Provider)
}

func TestSetModel_EmptyModelRejected(t *testing.T) {
	store := newTestStore(t)

	err := store.SetModel("c1", "   ", "openai")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	// State unchanged after a rejected swap
	snap, err := store.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", snap.Model)
}

func TestSetModel_EmptyConversationIDRejected(t *testing.T) {
	store := newTestStore(t)
	assert.ErrorIs(t, store.SetModel("", "gpt-4o", ""), ErrInvalidConfiguration)
}

func TestSetPrompt_EmptyStringClearsOverride(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetPrompt("c1", "You are a pirate."))
	snap, err := store.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, "You are a pirate.", snap.PromptOverride)

	require.NoError(t, store.SetPrompt("c1", ""))
	snap, err = store.Snapshot("c1")
	require.NoError(t, err)
	assert.Empty(t, snap.PromptOverride)
}

func TestMarkApplied_LagsUntilReconciliation(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetModel("c1", "gpt-4o", "openai"))

	snap, err := store.Snapshot("c1")
	require.NoError(t, err)
	assert.NotEqual(t, snap.Model, snap.LastAppliedModel)

	require.NoError(t, store.MarkApplied("c1", "gpt-4o"))
	snap, err = store.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, snap.Model, snap.LastAppliedModel)
}

func TestIsolation_AcrossConversations(t *testing.T) {
	store := newTestStore(t)

	before, err := store.Snapshot("b")
	require.NoError(t, err)

	require.NoError(t, store.SetModel("a", "claude-sonnet-4-20250514", "anthropic"))
	require.NoError(t, store.SetPrompt("a", "Answer in French."))

	after, err := store.Snapshot("b")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSnapshot_Idempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SetModel("c1", "gpt-4o", "openai"))

	first, err := store.Snapshot("c1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		snap, err := store.Snapshot("c1")
		require.NoError(t, err)
		assert.Equal(t, first, snap)
	}
}

func TestClose(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Snapshot("c1")
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	store.Close("c1")
	assert.Equal(t, 0, store.Len())

	// Closing twice is a no-op
	store.Close("c1")

	// Reopening starts from boot defaults again
	snap, err := store.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", snap.Model)
}

func TestSweep_EvictsIdleOnly(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Snapshot("idle")
	require.NoError(t, err)
	_, err = store.Snapshot("busy")
	require.NoError(t, err)
	_, err = store.Snapshot("fresh")
	require.NoError(t, err)

	// Age two entries past the TTL
	store.mu.Lock()
	store.states["idle"].touchedAt = time.Now().Add(-time.Hour)
	store.states["busy"].touchedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	evicted := store.Sweep(30*time.Minute, func(id string) bool { return id == "busy" })

	assert.Equal(t, []string{"idle"}, evicted)
	assert.ElementsMatch(t, []string{"busy", "fresh"}, store.List())
}

func TestSweep_DisabledTTL(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Snapshot("c1")
	require.NoError(t, err)

	assert.Empty(t, store.Sweep(0, nil))
	assert.Equal(t, 1, store.Len())
}
