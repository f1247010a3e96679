package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dimas/pivot/internal/observability"
	"github.com/dimas/pivot/internal/tracing"
	"github.com/dimas/pivot/pkg/convstate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Binding is the live wiring of one conversation: the constructed
// client plus the model, provider, and instruction actually in effect.
// Bindings are owned by the reconciler; configuration tools only record
// desired state and never touch a binding directly.
type Binding struct {
	client      ModelClient
	model       string
	provider    string
	instruction string
}

// Client returns the bound model client.
func (b *Binding) Client() ModelClient { return b.client }

// Model returns the model id the binding was constructed for.
func (b *Binding) Model() string { return b.model }

// Provider returns the provider serving the binding.
func (b *Binding) Provider() string { return b.provider }

// Instruction returns the system prompt currently wired in.
func (b *Binding) Instruction() string { return b.instruction }

// Reconciler converges live bindings onto desired conversation
// configuration. It runs before every model invocation, so a swap
// requested mid-turn is picked up at the next message boundary.
type Reconciler struct {
	store       *convstate.Store
	factory     ClientFactory
	credentials CredentialResolver
	basePrompt  string
	logger      zerolog.Logger

	mu       sync.Mutex
	bindings map[string]*Binding
}

// NewReconciler creates a Reconciler over store. factory constructs
// clients and credentials resolves provider API keys at bind time.
func NewReconciler(store *convstate.Store, factory ClientFactory, credentials CredentialResolver, basePrompt string, logger zerolog.Logger) (*Reconciler, error) {
	observability.EnsureRegistered()

	if store == nil {
		return nil, fmt.Errorf("conversation state store is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	if credentials == nil {
		return nil, fmt.Errorf("credential resolver is required")
	}

	return &Reconciler{
		store:       store,
		factory:     factory,
		credentials: credentials,
		basePrompt:  basePrompt,
		logger:      logger,
		bindings:    make(map[string]*Binding),
	}, nil
}

// Reconcile compares the conversation's desired configuration against
// its live binding and rebinds on divergence. On model or provider
// change a new client is constructed and the binding reference swapped
// atomically; a prompt change only swaps the instruction text. A failed
// rebind returns ErrModelUnavailable and leaves the previous binding
// authoritative, while the desired model is retained so resubmitting
// the same turn retries the swap.
func (r *Reconciler) Reconcile(ctx context.Context, conversationID string) (*Binding, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"pivot.agent",
		"agent.reconcile",
		attribute.String("conversation_id", conversationID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	snapshot, err := r.store.Snapshot(conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordReconcile("error")
		return nil, err
	}

	provider, _ := ResolveTarget(snapshot.Model, snapshot.Provider)
	instruction := ResolvePrompt(snapshot, r.basePrompt)

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.bindings[conversationID]
	if current != nil && current.model == snapshot.Model && current.provider == provider {
		// Prompt swaps never require a new client.
		if current.instruction != instruction {
			current.instruction = instruction
			logger.Debug().Msg("Instruction swapped")
		}
		observability.RecordReconcile("noop")
		return current, nil
	}

	credential, err := r.credentials(provider)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordReconcile("error")
		return nil, fmt.Errorf("%w: resolving credential for %q: %v", ErrModelUnavailable, provider, err)
	}

	start := time.Now()
	client, err := r.factory.NewClient(snapshot.Model, provider, credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordReconcile("error")
		return nil, fmt.Errorf("%w: binding %q: %v", ErrModelUnavailable, snapshot.Model, err)
	}

	next := &Binding{
		client:      client,
		model:       snapshot.Model,
		provider:    provider,
		instruction: instruction,
	}
	r.bindings[conversationID] = next

	if err := r.store.MarkApplied(conversationID, snapshot.Model); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordReconcile("error")
		return nil, err
	}

	observability.RecordReconcile("rebind")
	observability.RecordRebind(time.Since(start))

	previous := ""
	if current != nil {
		previous = current.model
	}
	logger.Info().
		Str("model", snapshot.Model).
		Str("provider", provider).
		Str("previousModel", previous).
		Msg("Binding reconciled")

	return next, nil
}

// Binding returns the live binding for a conversation, or nil when
// nothing has been bound yet.
func (r *Reconciler) Binding(conversationID string) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[conversationID]
}

// Remove discards the live binding for a closed conversation.
func (r *Reconciler) Remove(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, conversationID)
}
