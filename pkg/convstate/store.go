// Package convstate holds the per-conversation hot-swap configuration:
// which model, which provider, and which system-prompt override are in
// effect for each conversation. The store is the only mutable resource
// shared between the control channel, the configuration tools, and the
// reconciler; it is partitioned strictly by conversation ID.
package convstate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dimas/pivot/internal/observability"
	"github.com/rs/zerolog"
)

// ErrInvalidConfiguration is returned for malformed swap requests, such
// as an empty model identifier. The conversation state is left unchanged.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Defaults are the process-wide boot defaults applied when a conversation
// is first seen. They are read once at startup and never mutated by a
// per-conversation swap.
type Defaults struct {
	Model    string
	Provider string
}

// Snapshot is a point-in-time copy of one conversation's configuration.
type Snapshot struct {
	Model            string
	Provider         string
	PromptOverride   string
	LastAppliedModel string
}

// state is one conversation's entry. LastApplied lags Model only between
// a swap request and the next reconciliation.
type state struct {
	model          string
	provider       string
	promptOverride string
	lastApplied    string
	touchedAt      time.Time
}

// Store keeps conversation configuration keyed by conversation ID.
type Store struct {
	defaults Defaults
	logger   zerolog.Logger

	mu     sync.RWMutex
	states map[string]*state
}

// NewStore creates a store seeded with the given boot defaults.
func NewStore(defaults Defaults, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if strings.TrimSpace(defaults.Model) == "" {
		return nil, fmt.Errorf("%w: default model cannot be empty", ErrInvalidConfiguration)
	}

	return &Store{
		defaults: defaults,
		logger:   logger,
		states:   make(map[string]*state),
	}, nil
}

func validateConversationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: conversation id cannot be empty", ErrInvalidConfiguration)
	}
	return nil
}

// ensure returns the entry for id, creating it with boot defaults on
// first access. Caller must hold s.mu for writing.
func (s *Store) ensure(id string) *state {
	st, exists := s.states[id]
	if !exists {
		st = &state{
			model:       s.defaults.Model,
			provider:    s.defaults.Provider,
			lastApplied: "",
		}
		s.states[id] = st
		s.logger.Debug().Str("conversation_id", id).Str("model", st.model).Msg("Conversation state created")
		observability.SetActiveConversations(len(s.states))
	}
	st.touchedAt = time.Now()
	return st
}

// Snapshot returns a copy of the conversation's configuration, creating
// the entry with boot defaults if it does not exist yet.
func (s *Store) Snapshot(id string) (Snapshot, error) {
	if err := validateConversationID(id); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(id)
	return Snapshot{
		Model:            st.model,
		Provider:         st.provider,
		PromptOverride:   st.promptOverride,
		LastAppliedModel: st.lastApplied,
	}, nil
}

// SetModel records a model swap request for the conversation. An empty
// model is rejected; provider may be empty, in which case it is inferred
// from the model identifier at reconciliation time.
func (s *Store) SetModel(id, model, provider string) error {
	if err := validateConversationID(id); err != nil {
		return err
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("%w: model cannot be empty", ErrInvalidConfiguration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(id)
	st.model = model
	st.provider = strings.TrimSpace(provider)

	s.logger.Info().
		Str("conversation_id", id).
		Str("model", model).
		Str("provider", st.provider).
		Msg("Model swap requested")

	return nil
}

// SetPrompt records a system-prompt override. An empty string is a valid
// request meaning "clear the override, revert to the base instruction".
func (s *Store) SetPrompt(id, prompt string) error {
	if err := validateConversationID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(id)
	st.promptOverride = prompt

	s.logger.Info().
		Str("conversation_id", id).
		Bool("cleared", prompt == "").
		Msg("Prompt swap requested")

	return nil
}

// MarkApplied advances LastAppliedModel after the reconciler has bound
// the requested model into the live agent. Only the reconciler calls it.
func (s *Store) MarkApplied(id, model string) error {
	if err := validateConversationID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(id)
	st.lastApplied = model
	return nil
}

// Touch refreshes the conversation's idle timer without mutating
// configuration.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, exists := s.states[id]; exists {
		st.touchedAt = time.Now()
	}
}

// Close discards a conversation's state. Closing an unknown conversation
// is a no-op.
func (s *Store) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[id]; exists {
		delete(s.states, id)
		s.logger.Info().Str("conversation_id", id).Msg("Conversation state closed")
		observability.SetActiveConversations(len(s.states))
	}
}

// Len returns the number of conversations currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// List returns the IDs of all conversations currently held.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids
}

// Sweep evicts conversations idle for longer than ttl. A conversation
// reported busy by the callback is never evicted, so state cannot vanish
// under a turn in flight. Returns the ids of evicted conversations.
func (s *Store) Sweep(ttl time.Duration, busy func(id string) bool) []string {
	if ttl <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, st := range s.states {
		if st.touchedAt.After(cutoff) {
			continue
		}
		if busy != nil && busy(id) {
			continue
		}
		delete(s.states, id)
		evicted = append(evicted, id)
		s.logger.Debug().Str("conversation_id", id).Msg("Idle conversation state evicted")
	}

	if len(evicted) > 0 {
		observability.SetActiveConversations(len(s.states))
	}
	return evicted
}
