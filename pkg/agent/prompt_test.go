package agent

import (
	"testing"

	"github.com/dimas/pivot/pkg/convstate"
	"github.com/stretchr/testify/assert"
)

func TestResolvePrompt(t *testing.T) {
	base := "You are a helpful assistant."

	assert.Equal(t, base, ResolvePrompt(convstate.Snapshot{}, base))

	override := convstate.Snapshot{PromptOverride: "You are a pirate."}
	assert.Equal(t, "You are a pirate.", ResolvePrompt(override, base))

	// A cleared override falls back to base
	cleared := convstate.Snapshot{PromptOverride: ""}
	assert.Equal(t, base, ResolvePrompt(cleared, base))
}
