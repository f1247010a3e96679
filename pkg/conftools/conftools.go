// Package conftools exposes the conversation's own configuration as
// tools the model can call mid-turn: set_model, set_prompt, and
// get_config. Tools record desired state only; the reconciler applies
// it before the next model invocation, so a swap the model requests is
// already in effect for its next reply within the same turn.
package conftools

import (
	"context"
	"fmt"
	"strings"

	"github.com/dimas/pivot/internal/observability"
	"github.com/dimas/pivot/internal/tracing"
	"github.com/dimas/pivot/pkg/agent"
	"github.com/dimas/pivot/pkg/convstate"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const (
	toolSetModel  = "set_model"
	toolSetPrompt = "set_prompt"
	toolGetConfig = "get_config"
)

// Registry holds the tool definitions and their compiled argument
// schemas, shared across conversations.
type Registry struct {
	store  *convstate.Store
	logger zerolog.Logger

	specs   []agent.ToolSpec
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry builds the registry over the conversation state store,
// compiling argument schemas once.
func NewRegistry(store *convstate.Store, logger zerolog.Logger) (*Registry, error) {
	observability.EnsureRegistered()

	if store == nil {
		return nil, fmt.Errorf("conversation state store is required")
	}

	r := &Registry{
		store:   store,
		logger:  logger,
		schemas: make(map[string]*gojsonschema.Schema),
	}

	r.specs = []agent.ToolSpec{
		{
			Name: toolSetModel,
			Description: "Switch this conversation to a different language model. " +
				"The change takes effect before your next reply.",
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]interface{}{
					"model": map[string]interface{}{
						"type":        "string",
						"minLength":   1,
						"description": "Model id, optionally provider-prefixed, e.g. openai/gpt-4o-mini",
					},
					"provider": map[string]interface{}{
						"type":        "string",
						"description": "Provider name when the model id carries no prefix",
					},
				},
				"required": []string{"model"},
			},
		},
		{
			Name: toolSetPrompt,
			Description: "Override this conversation's system prompt. " +
				"Pass an empty string to clear the override and revert to the base instruction.",
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]interface{}{
					"prompt": map[string]interface{}{
						"type":        "string",
						"description": "Replacement system prompt, or empty to clear",
					},
				},
				"required": []string{"prompt"},
			},
		},
		{
			Name:        toolGetConfig,
			Description: "Show this conversation's current model and prompt configuration.",
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           map[string]interface{}{},
			},
		},
	}

	for _, spec := range r.specs {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", spec.Name, err)
		}
		r.schemas[spec.Name] = schema
	}

	return r, nil
}

// ExecutorFor returns an executor bound to one conversation. The
// binding happens here, at construction; conversation identity never
// comes from model-generated arguments.
func (r *Registry) ExecutorFor(conversationID string) agent.ToolExecutor {
	return &Executor{registry: r, conversationID: conversationID}
}

// Executor dispatches configuration tool calls for a single
// conversation.
type Executor struct {
	registry       *Registry
	conversationID string
}

// ConversationID returns the conversation the executor is bound to.
func (e *Executor) ConversationID() string {
	return e.conversationID
}

// Specs returns the tool definitions offered to the model.
func (e *Executor) Specs() []agent.ToolSpec {
	return e.registry.specs
}

// Execute validates and dispatches one tool call. A call reaching an
// executor for a different conversation than the context carries is a
// programming error and fails with ErrCrossConversation.
func (e *Executor) Execute(ctx context.Context, call agent.ToolCall) agent.ToolResult {
	logger := tracing.LoggerFromContext(ctx, e.registry.logger).With().
		Str("tool", call.Name).
		Logger()

	if ctxID := tracing.GetConversationID(ctx); ctxID != "" && ctxID != e.conversationID {
		err := fmt.Errorf("%w: executor bound to %q, context carries %q",
			agent.ErrCrossConversation, e.conversationID, ctxID)
		logger.Error().Err(err).Msg("Rejected tool call")
		return agent.ToolResult{ToolCallID: call.ID, Error: err.Error()}
	}

	schema, ok := e.registry.schemas[call.Name]
	if !ok {
		return agent.ToolResult{ToolCallID: call.ID, Error: fmt.Sprintf("unknown tool: %s", call.Name)}
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArguments(schema, args); err != nil {
		logger.Warn().Err(err).Msg("Tool arguments rejected")
		return agent.ToolResult{ToolCallID: call.ID, Error: err.Error()}
	}

	var output string
	var err error
	switch call.Name {
	case toolSetModel:
		output, err = e.setModel(args)
	case toolSetPrompt:
		output, err = e.setPrompt(args)
	case toolGetConfig:
		output, err = e.getConfig()
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Tool call failed")
		return agent.ToolResult{ToolCallID: call.ID, Error: err.Error()}
	}

	logger.Debug().Msg("Tool call handled")
	return agent.ToolResult{ToolCallID: call.ID, Output: output}
}

func (e *Executor) setModel(args map[string]interface{}) (string, error) {
	model, _ := args["model"].(string)
	provider, _ := args["provider"].(string)

	if err := e.registry.store.SetModel(e.conversationID, model, provider); err != nil {
		return "", err
	}
	observability.RecordSwapRequest("tool", "model")

	return fmt.Sprintf("Model changed to %s. The change takes effect with the next reply.", model), nil
}

func (e *Executor) setPrompt(args map[string]interface{}) (string, error) {
	prompt, _ := args["prompt"].(string)

	if err := e.registry.store.SetPrompt(e.conversationID, prompt); err != nil {
		return "", err
	}
	observability.RecordSwapRequest("tool", "prompt")

	if prompt == "" {
		return "System prompt override cleared. Reverting to the base instruction.", nil
	}
	return "System prompt override set. The change takes effect with the next reply.", nil
}

func (e *Executor) getConfig() (string, error) {
	snapshot, err := e.registry.store.Snapshot(e.conversationID)
	if err != nil {
		return "", err
	}
	return Describe(snapshot), nil
}

// Describe renders a configuration snapshot as human-readable text.
func Describe(snapshot convstate.Snapshot) string {
	var b strings.Builder
	b.WriteString("Current configuration:\n")
	fmt.Fprintf(&b, "  model: %s\n", snapshot.Model)

	provider, _ := agent.ResolveTarget(snapshot.Model, snapshot.Provider)
	if provider != "" {
		fmt.Fprintf(&b, "  provider: %s\n", provider)
	}

	if snapshot.PromptOverride != "" {
		fmt.Fprintf(&b, "  prompt override: %s\n", snapshot.PromptOverride)
	} else {
		b.WriteString("  prompt override: (none, using base instruction)\n")
	}

	if snapshot.LastAppliedModel == "" {
		b.WriteString("  last applied model: (not yet applied)")
	} else {
		fmt.Fprintf(&b, "  last applied model: %s", snapshot.LastAppliedModel)
	}

	return b.String()
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		details := []string{}
		for _, resultErr := range result.Errors() {
			details = append(details, resultErr.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(details, "; "))
	}

	return nil
}
