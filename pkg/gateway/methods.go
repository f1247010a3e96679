package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/dimas/pivot/internal/tracing"
	"github.com/dimas/pivot/pkg/agent"
	"github.com/dimas/pivot/pkg/convstate"
)

// registerBuiltinMethods registers the conversation RPC surface.
func (s *Server) registerBuiltinMethods() {
	methods := map[string]RequestHandler{
		"chat.send":           s.handleChatSend,
		"config.get":          s.handleConfigGet,
		"config.set":          s.handleConfigSet,
		"conversations.list":  s.handleConversationsList,
		"conversations.get":   s.handleConversationsGet,
		"conversations.close": s.handleConversationsClose,
		"agent.abort":         s.handleAgentAbort,
	}

	for name, handler := range methods {
		if err := s.router.RegisterMethod(name, handler); err != nil {
			s.logger.Error().Err(err).Str("method", name).Msg("Failed to register RPC method")
		}
	}
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("parameter %s must be a non-empty string", key)
	}
	return value, nil
}

// parseDirective extracts a swap directive from a config object. The
// prompt key is tri-state: absent leaves the override alone, empty
// string clears it.
func parseDirective(raw map[string]interface{}) (agent.SwapDirective, error) {
	var directive agent.SwapDirective

	if model, ok := raw["model"]; ok {
		value, ok := model.(string)
		if !ok {
			return directive, fmt.Errorf("config.model must be a string")
		}
		directive.Model = value
	}
	if provider, ok := raw["provider"]; ok {
		value, ok := provider.(string)
		if !ok {
			return directive, fmt.Errorf("config.provider must be a string")
		}
		directive.Provider = value
	}
	if prompt, ok := raw["prompt"]; ok {
		value, ok := prompt.(string)
		if !ok {
			return directive, fmt.Errorf("config.prompt must be a string")
		}
		directive.Prompt = &value
	}

	return directive, nil
}

func snapshotPayload(snap convstate.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"model":            snap.Model,
		"provider":         snap.Provider,
		"prompt":           snap.PromptOverride,
		"lastAppliedModel": snap.LastAppliedModel,
	}
}

// handleChatSend processes one user message. When the request comes
// over WebSocket, assistant fragments stream back to the issuing
// client while the turn runs.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	conversationID, err := stringParam(params, "conversationId")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}

	req := agent.TurnRequest{
		ConversationID: conversationID,
		TurnID:         tracing.NewTurnID(),
		Message:        message,
	}

	if rawConfig, ok := params["config"]; ok {
		configMap, ok := rawConfig.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("config must be an object")
		}
		directive, err := parseDirective(configMap)
		if err != nil {
			return nil, err
		}
		req.Config = &directive
	}

	stopStreaming := s.streamToClient(ctx, conversationID, req.TurnID)
	defer stopStreaming()

	result, err := s.runner.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"conversationId": result.ConversationID,
		"response":       result.Response,
		"model":          result.Model,
		"provider":       result.Provider,
		"aborted":        result.Aborted,
		"usage":          result.Usage,
	}, nil
}

// streamToClient forwards assistant fragments for one turn to the
// client that issued the request. Concurrent sends on one conversation
// interleave on the hub, so fragments from other turns are skipped and
// only this turn's final fragment ends the forwarder. HTTP callers
// have no client ID and get no stream.
func (s *Server) streamToClient(ctx context.Context, conversationID, turnID string) func() {
	clientID := clientIDFromContext(ctx)
	if clientID == "" {
		return func() {}
	}

	events, cancel := s.runner.Hub().Subscribe(conversationID, 32)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for event := range events {
			if event.TurnID != turnID {
				continue
			}
			s.broadcaster.BroadcastToClient(clientID, EventMessage{
				Event:        "chat.fragment",
				Stream:       StreamTypeAssistant,
				Conversation: event.ConversationID,
				TurnID:       event.TurnID,
				Data: map[string]interface{}{
					"seq":   event.Seq,
					"text":  event.Text,
					"final": event.Final,
					"error": event.Err,
				},
			})
			if event.Final {
				return
			}
		}
	}()

	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func (s *Server) handleConfigGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	conversationID, err := stringParam(params, "conversationId")
	if err != nil {
		return nil, err
	}

	snap, err := s.states.Snapshot(conversationID)
	if err != nil {
		return nil, err
	}

	payload := snapshotPayload(snap)
	payload["conversationId"] = conversationID
	return payload, nil
}

// handleConfigSet updates desired configuration out of band. The new
// binding takes effect when the conversation's next turn reconciles.
func (s *Server) handleConfigSet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	conversationID, err := stringParam(params, "conversationId")
	if err != nil {
		return nil, err
	}

	rawConfig, ok := params["config"]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: config")
	}
	configMap, ok := rawConfig.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("config must be an object")
	}

	directive, err := parseDirective(configMap)
	if err != nil {
		return nil, err
	}
	if directive.Model == "" && directive.Prompt == nil {
		return nil, fmt.Errorf("config must set model or prompt")
	}

	snap, err := s.runner.ApplySwap(ctx, conversationID, directive)
	if err != nil {
		return nil, err
	}

	payload := snapshotPayload(snap)
	payload["conversationId"] = conversationID
	return payload, nil
}

func (s *Server) handleConversationsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	ids, err := s.transcripts.List()
	if err != nil {
		return nil, err
	}

	conversations := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		entry := map[string]interface{}{"conversationId": id}
		if info, err := s.transcripts.Info(ctx, id); err == nil {
			entry["messageCount"] = info["messageCount"]
			entry["lastModified"] = info["lastModified"]
		}
		conversations = append(conversations, entry)
	}

	return map[string]interface{}{
		"conversations": conversations,
		"count":         len(conversations),
	}, nil
}

func (s *Server) handleConversationsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	conversationID, err := stringParam(params, "conversationId")
	if err != nil {
		return nil, err
	}

	entries, err := s.transcripts.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	messages := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		msg := map[string]interface{}{
			"role":      entry.Message.Role,
			"content":   entry.Message.Content,
			"timestamp": entry.Message.Timestamp,
		}
		if entry.Message.Model != "" {
			msg["model"] = entry.Message.Model
		}
		messages = append(messages, msg)
	}

	return map[string]interface{}{
		"conversationId": conversationID,
		"messages":       messages,
		"count":          len(messages),
	}, nil
}

func (s *Server) handleConversationsClose(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	conversationID, err := stringParam(params, "conversationId")
	if err != nil {
		return nil, err
	}

	if err := s.runner.CloseConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"conversationId": conversationID,
		"closed":         true,
	}, nil
}

func (s *Server) handleAgentAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	conversationID, err := stringParam(params, "conversationId")
	if err != nil {
		return nil, err
	}

	if err := s.runner.Abort(conversationID); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"conversationId": conversationID,
		"aborted":        true,
	}, nil
}
