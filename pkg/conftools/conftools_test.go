package conftools

import (
	"context"
	"testing"

	"github.com/dimas/pivot/internal/tracing"
	"github.com/dimas/pivot/pkg/agent"
	"github.com/dimas/pivot/pkg/convstate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *convstate.Store) {
	store, err := convstate.NewStore(convstate.Defaults{Model: "openai/gpt-4o-mini"}, zerolog.Nop())
	require.NoError(t, err)

	registry, err := NewRegistry(store, zerolog.Nop())
	require.NoError(t, err)

	return registry, store
}

func TestRegistry_Specs(t *testing.T) {
	registry, _ := newTestRegistry(t)
	executor := registry.ExecutorFor("conv-1")

	specs := executor.Specs()
	require.Len(t, specs, 3)

	names := []string{}
	for _, spec := range specs {
		names = append(names, spec.Name)
		assert.NotEmpty(t, spec.Description)
		assert.Equal(t, "object", spec.InputSchema["type"])
	}
	assert.ElementsMatch(t, []string{"set_model", "set_prompt", "get_config"}, names)
}

func TestExecutor_SetModel(t *testing.T) {
	registry, store := newTestRegistry(t)
	executor := registry.ExecutorFor("conv-1")

	result := executor.Execute(context.Background(), agent.ToolCall{
		ID:        "call-1",
		Name:      "set_model",
		Arguments: map[string]interface{}{"model": "anthropic/claude-sonnet-4-20250514"},
	})

	require.Empty(t, result.Error)
	assert.Contains(t, result.Output, "anthropic/claude-sonnet-4-20250514")

	snap, err := store.Snapshot("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", snap.Model)
	// Recording desired state only; nothing applied yet
	assert.Empty(t, snap.LastAppliedModel)
}

func TestExecutor_SetModelRejectsInvalidArguments(t *testing.T) {
	registry, store := newTestRegistry(t)
	executor := registry.ExecutorFor("conv-1")
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing model", map[string]interface{}{}},
		{"empty model", map[string]interface{}{"model": ""}},
		{"wrong type", map[string]interface{}{"model": 42}},
		{"unexpected field", map[string]interface{}{"model": "gpt-4o", "conversation_id": "conv-other"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := executor.Execute(ctx, agent.ToolCall{ID: "c", Name: "set_model", Arguments: tt.args})
			assert.NotEmpty(t, result.Error)
		})
	}

	snap, err := store.Snapshot("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", snap.Model)
}

func TestExecutor_SetPrompt(t *testing.T) {
	registry, store := newTestRegistry(t)
	executor := registry.ExecutorFor("conv-1")
	ctx := context.Background()

	result := executor.Execute(ctx, agent.ToolCall{
		ID:        "call-1",
		Name:      "set_prompt",
		Arguments: map[string]interface{}{"prompt": "You are a pirate."},
	})
	require.Empty(t, result.Error)

	snap, err := store.Snapshot("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "You are a pirate.", snap.PromptOverride)

	// Empty string clears the override
	result = executor.Execute(ctx, agent.ToolCall{
		ID:        "call-2",
		Name:      "set_prompt",
		Arguments: map[string]interface{}{"prompt": ""},
	})
	require.Empty(t, result.Error)
	assert.Contains(t, result.Output, "cleared")

	snap, err = store.Snapshot("conv-1")
	require.NoError(t, err)
	assert.Empty(t, snap.PromptOverride)
}

func TestExecutor_GetConfig(t *testing.T) {
	registry, store := newTestRegistry(t)
	executor := registry.ExecutorFor("conv-1")
	ctx := context.Background()

	result := executor.Execute(ctx, agent.ToolCall{ID: "call-1", Name: "get_config"})
	require.Empty(t, result.Error)
	assert.Contains(t, result.Output, "openai/gpt-4o-mini")
	assert.Contains(t, result.Output, "base instruction")

	// Idempotent: a second call reports the same state
	again := executor.Execute(ctx, agent.ToolCall{ID: "call-2", Name: "get_config"})
	assert.Equal(t, result.Output, again.Output)

	require.NoError(t, store.SetPrompt("conv-1", "Be brief."))
	result = executor.Execute(ctx, agent.ToolCall{ID: "call-3", Name: "get_config"})
	assert.Contains(t, result.Output, "Be brief.")
}

func TestExecutor_CrossConversationRejected(t *testing.T) {
	registry, store := newTestRegistry(t)
	executor := registry.ExecutorFor("conv-1")

	ctx := tracing.WithConversationID(context.Background(), "conv-other")
	result := executor.Execute(ctx, agent.ToolCall{
		ID:        "call-1",
		Name:      "set_model",
		Arguments: map[string]interface{}{"model": "openai/gpt-4o"},
	})

	assert.Contains(t, result.Error, "cross-conversation")

	for _, id := range []string{"conv-1", "conv-other"} {
		snap, err := store.Snapshot(id)
		require.NoError(t, err)
		assert.Equal(t, "openai/gpt-4o-mini", snap.Model, id)
	}
}

func TestExecutor_MutationsStayPartitioned(t *testing.T) {
	registry, store := newTestRegistry(t)
	ctx := context.Background()

	a := registry.ExecutorFor("conv-a")
	b := registry.ExecutorFor("conv-b")

	result := a.Execute(ctx, agent.ToolCall{
		ID:        "call-1",
		Name:      "set_model",
		Arguments: map[string]interface{}{"model": "openai/gpt-4o"},
	})
	require.Empty(t, result.Error)

	result = b.Execute(ctx, agent.ToolCall{ID: "call-2", Name: "get_config"})
	require.Empty(t, result.Error)
	assert.Contains(t, result.Output, "openai/gpt-4o-mini")
	assert.NotContains(t, result.Output, "openai/gpt-4o\n")

	snap, err := store.Snapshot("conv-b")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", snap.Model)
}

func TestExecutor_UnknownTool(t *testing.T) {
	registry, _ := newTestRegistry(t)
	executor := registry.ExecutorFor("conv-1")

	result := executor.Execute(context.Background(), agent.ToolCall{ID: "c", Name: "rm_rf"})
	assert.Contains(t, result.Error, "unknown tool")
}

func TestDescribe(t *testing.T) {
	out := Describe(convstate.Snapshot{
		Model:            "anthropic/claude-sonnet-4-20250514",
		PromptOverride:   "Be terse.",
		LastAppliedModel: "openai/gpt-4o-mini",
	})

	assert.Contains(t, out, "model: anthropic/claude-sonnet-4-20250514")
	assert.Contains(t, out, "provider: anthropic")
	assert.Contains(t, out, "prompt override: Be terse.")
	assert.Contains(t, out, "last applied model: openai/gpt-4o-mini")
}
