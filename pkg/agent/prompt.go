package agent

import "github.com/dimas/pivot/pkg/convstate"

// ResolvePrompt returns the effective system prompt for a conversation:
// the per-conversation override when one is set, otherwise the base
// instruction. Resolution happens on every call so a cleared override
// falls back to base at the very next turn.
func ResolvePrompt(snapshot convstate.Snapshot, base string) string {
	if snapshot.PromptOverride != "" {
		return snapshot.PromptOverride
	}
	return base
}
