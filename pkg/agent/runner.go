package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dimas/pivot/internal/observability"
	"github.com/dimas/pivot/internal/tracing"
	"github.com/dimas/pivot/pkg/convstate"
	"github.com/dimas/pivot/pkg/transcript"
	"github.com/dimas/pivot/pkg/turnqueue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// maxToolRounds bounds the tool execution loop within one turn.
const maxToolRounds = 10

// ToolExecutor executes tool calls issued by the model during a turn.
type ToolExecutor interface {
	// Specs returns the tool definitions offered to the model.
	Specs() []ToolSpec

	// Execute runs a single tool call. The conversation id comes from
	// the context, never from model-generated arguments.
	Execute(ctx context.Context, call ToolCall) ToolResult
}

// ToolExecutorFactory produces a ToolExecutor bound to one conversation.
type ToolExecutorFactory interface {
	ExecutorFor(conversationID string) ToolExecutor
}

// Runner processes conversation turns. All work for one conversation is
// serialized through a turn queue lane; configuration application,
// reconciliation, and model dispatch run as a single lane task.
type Runner struct {
	states      *convstate.Store
	transcripts *transcript.Store
	queue       *turnqueue.Queue
	reconciler  *Reconciler
	tools       ToolExecutorFactory
	hub         *EventHub
	logger      zerolog.Logger
	maxTokens   int
	temperature float64
	maxRetries  int

	activeTurns map[string]context.CancelFunc
	turnsMu     sync.RWMutex
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	States      *convstate.Store
	Transcripts *transcript.Store
	Queue       *turnqueue.Queue
	Reconciler  *Reconciler
	Tools       ToolExecutorFactory
	Hub         *EventHub
	Logger      zerolog.Logger
	MaxTokens   int
	Temperature float64
	MaxRetries  int
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.States == nil {
		return nil, fmt.Errorf("conversation state store is required")
	}
	if cfg.Transcripts == nil {
		return nil, fmt.Errorf("transcript store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("turn queue is required")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool executor factory is required")
	}

	hub := cfg.Hub
	if hub == nil {
		hub = NewEventHub()
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Runner{
		states:      cfg.States,
		transcripts: cfg.Transcripts,
		queue:       cfg.Queue,
		reconciler:  cfg.Reconciler,
		tools:       cfg.Tools,
		hub:         hub,
		logger:      cfg.Logger,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxRetries:  maxRetries,
		activeTurns: make(map[string]context.CancelFunc),
	}, nil
}

// Hub returns the event hub carrying assistant stream fragments.
func (r *Runner) Hub() *EventHub {
	return r.hub
}

// Send processes one user message for a conversation, applying the
// request's configuration directive first when present. Blocks until
// the turn completes or fails.
func (r *Runner) Send(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithConversationID(ctx, req.ConversationID)
	ctx, span := tracing.StartSpan(
		ctx,
		"pivot.agent",
		"agent.send",
		attribute.String("conversation_id", req.ConversationID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if req.ConversationID == "" {
		return TurnResult{}, fmt.Errorf("conversation ID cannot be empty")
	}
	if req.Message == "" {
		return TurnResult{}, fmt.Errorf("message cannot be empty")
	}

	result, err := r.queue.Do(ctx, req.ConversationID, func(taskCtx context.Context) (interface{}, error) {
		return r.executeTurn(taskCtx, req)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Turn failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}

	return result.(TurnResult), nil
}

// ApplySwap records a configuration change for a conversation without
// running a turn. The change is serialized through the conversation's
// lane and takes effect at the next turn's reconciliation; no provider
// is contacted here.
func (r *Runner) ApplySwap(ctx context.Context, conversationID string, directive SwapDirective) (convstate.Snapshot, error) {
	if conversationID == "" {
		return convstate.Snapshot{}, fmt.Errorf("conversation ID cannot be empty")
	}

	result, err := r.queue.Do(ctx, conversationID, func(taskCtx context.Context) (interface{}, error) {
		if err := r.applyDirective(conversationID, directive); err != nil {
			return nil, err
		}
		return r.states.Snapshot(conversationID)
	})
	if err != nil {
		return convstate.Snapshot{}, err
	}

	return result.(convstate.Snapshot), nil
}

// Abort cancels the conversation's in-flight turn, if any. Queued turns
// are left alone; best effort only.
func (r *Runner) Abort(conversationID string) error {
	r.turnsMu.Lock()
	defer r.turnsMu.Unlock()

	cancel, exists := r.activeTurns[conversationID]
	if !exists {
		r.logger.Debug().Str("conversationId", conversationID).Msg("No active turn to abort")
		return nil
	}

	r.logger.Info().Str("conversationId", conversationID).Msg("Aborting turn")
	cancel()
	delete(r.activeTurns, conversationID)

	return nil
}

// IsRunning reports whether a turn is in flight for the conversation.
func (r *Runner) IsRunning(conversationID string) bool {
	r.turnsMu.RLock()
	defer r.turnsMu.RUnlock()

	_, exists := r.activeTurns[conversationID]
	return exists
}

// CloseConversation drops the conversation's live binding, state, and
// transcript.
func (r *Runner) CloseConversation(ctx context.Context, conversationID string) error {
	r.reconciler.Remove(conversationID)
	r.states.Close(conversationID)
	return r.transcripts.Delete(ctx, conversationID)
}

func (r *Runner) applyDirective(conversationID string, directive SwapDirective) error {
	if directive.Model != "" {
		if err := r.states.SetModel(conversationID, directive.Model, directive.Provider); err != nil {
			return err
		}
		observability.RecordSwapRequest("control", "model")
	}
	if directive.Prompt != nil {
		if err := r.states.SetPrompt(conversationID, *directive.Prompt); err != nil {
			return err
		}
		observability.RecordSwapRequest("control", "prompt")
	}
	return nil
}

// executeTurn runs inside the conversation's lane.
func (r *Runner) executeTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	ctx = tracing.WithConversationID(ctx, req.ConversationID)
	turnID := req.TurnID
	if turnID == "" {
		turnID = tracing.NewTurnID()
	}
	ctx = tracing.WithTurnID(ctx, turnID)
	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.turnsMu.Lock()
	r.activeTurns[req.ConversationID] = cancel
	r.turnsMu.Unlock()

	defer func() {
		r.turnsMu.Lock()
		delete(r.activeTurns, req.ConversationID)
		r.turnsMu.Unlock()
	}()

	// A directive riding on the message applies inside the same
	// serialized turn, before the message is processed.
	if req.Config != nil {
		if err := r.applyDirective(req.ConversationID, *req.Config); err != nil {
			r.publishFailure(req.ConversationID, turnID, err)
			return TurnResult{}, err
		}
	}

	r.states.Touch(req.ConversationID)

	history, err := r.transcripts.Load(execCtx, req.ConversationID)
	if err != nil {
		r.publishFailure(req.ConversationID, turnID, err)
		return TurnResult{}, fmt.Errorf("failed to load transcript: %w", err)
	}

	messages := r.buildMessages(history, req.Message)

	if err := r.transcripts.Append(execCtx, req.ConversationID, transcript.Message{
		Role:    "user",
		Content: req.Message,
	}); err != nil {
		r.publishFailure(req.ConversationID, turnID, err)
		return TurnResult{}, fmt.Errorf("failed to persist user message: %w", err)
	}

	executor := r.tools.ExecutorFor(req.ConversationID)
	result, err := r.runToolLoop(execCtx, req.ConversationID, turnID, messages, executor)
	if err != nil {
		observability.RecordTurn("unknown", time.Since(start), false)
		r.publishFailure(req.ConversationID, turnID, err)
		return TurnResult{}, err
	}

	if result.Aborted {
		observability.RecordTurn(result.Provider, time.Since(start), false)
		logger.Info().Msg("Turn aborted")
		result.ConversationID = req.ConversationID
		return result, nil
	}

	if err := r.transcripts.Append(execCtx, req.ConversationID, transcript.Message{
		Role:    "assistant",
		Content: result.Response,
		Model:   result.Model,
		Metadata: map[string]interface{}{
			"provider": result.Provider,
			"usage":    result.Usage,
		},
	}); err != nil {
		observability.RecordTurn(result.Provider, time.Since(start), false)
		r.publishFailure(req.ConversationID, turnID, err)
		return TurnResult{}, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	observability.RecordTurn(result.Provider, time.Since(start), true)
	logger.Debug().
		Str("model", result.Model).
		Dur("elapsed", time.Since(start)).
		Msg("Turn complete")

	result.ConversationID = req.ConversationID
	return result, nil
}

// runToolLoop drives reconcile -> invoke -> tool dispatch until the
// model produces a plain reply. Reconciling inside the loop means a
// configuration tool call takes effect before the very next invocation.
func (r *Runner) runToolLoop(ctx context.Context, conversationID, turnID string, messages []Message, executor ToolExecutor) (TurnResult, error) {
	allToolCalls := []ToolCall{}
	specs := executor.Specs()

	for round := 0; round < maxToolRounds; round++ {
		select {
		case <-ctx.Done():
			return TurnResult{Aborted: true}, nil
		default:
		}

		binding, err := r.reconciler.Reconcile(ctx, conversationID)
		if err != nil {
			return TurnResult{}, err
		}

		response, err := r.invokeWithRetry(ctx, binding, InvokeRequest{
			Messages:     messages,
			SystemPrompt: binding.Instruction(),
			Tools:        specs,
			MaxTokens:    r.maxTokens,
			Temperature:  r.temperature,
		})
		if err != nil {
			return TurnResult{}, err
		}

		if len(response.ToolCalls) == 0 {
			if response.Content != "" {
				r.hub.Publish(StreamEvent{
					ConversationID: conversationID,
					TurnID:         turnID,
					Text:           response.Content,
				})
			}
			r.hub.Publish(StreamEvent{
				ConversationID: conversationID,
				TurnID:         turnID,
				Final:          true,
			})
			return TurnResult{
				Response:  response.Content,
				Model:     binding.Model(),
				Provider:  binding.Provider(),
				ToolCalls: allToolCalls,
				Usage:     response.Usage,
			}, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, call := range response.ToolCalls {
			result := executor.Execute(ctx, call)

			content := result.Output
			if result.Error != "" {
				content = result.Error
			}
			messages = append(messages, Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: result.ToolCallID,
			})
		}

		allToolCalls = append(allToolCalls, response.ToolCalls...)
	}

	return TurnResult{}, fmt.Errorf("maximum tool rounds exceeded")
}

// invokeWithRetry calls the bound client with exponential backoff on
// transient failures.
func (r *Runner) invokeWithRetry(ctx context.Context, binding *Binding, request InvokeRequest) (*InvokeResponse, error) {
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		response, err := binding.Client().Invoke(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}

		if attempt == r.maxRetries-1 {
			break
		}

		// 1s, 2s, 4s
		delay := time.Duration(1<<attempt) * time.Second
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after transient error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
}

// buildMessages converts transcript history plus the incoming message
// into the provider-neutral message array, compacting when the history
// outgrows the context budget.
func (r *Runner) buildMessages(history []transcript.Entry, incoming string) []Message {
	messages := make([]Message, 0, len(history)+1)

	for _, entry := range history {
		messages = append(messages, Message{
			Role:    entry.Message.Role,
			Content: entry.Message.Content,
		})
	}

	messages = append(messages, Message{
		Role:    "user",
		Content: incoming,
	})

	return r.compactIfNeeded(messages)
}

func (r *Runner) compactIfNeeded(messages []Message) []Message {
	budget := r.maxTokens
	if budget <= 0 {
		budget = 4096
	}

	tokenCount := EstimateTokens(messages)
	if tokenCount <= budget {
		return messages
	}

	const recentCount = 20
	if len(messages) <= recentCount {
		return messages
	}

	r.logger.Info().
		Int("tokenCount", tokenCount).
		Int("budget", budget).
		Msg("Compacting context")

	older := len(messages) - recentCount
	compacted := []Message{{
		Role:    "system",
		Content: fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", older),
	}}
	return append(compacted, messages[older:]...)
}

func (r *Runner) publishFailure(conversationID, turnID string, err error) {
	r.hub.Publish(StreamEvent{
		ConversationID: conversationID,
		TurnID:         turnID,
		Final:          true,
		Err:            err.Error(),
	})
}
