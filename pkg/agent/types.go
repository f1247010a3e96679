package agent

import "strings"

// Message is a conversation message in provider-neutral form.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResult is the outcome of executing a single tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ToolSpec describes a tool offered to the model. InputSchema is a full
// JSON Schema object.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// TokenUsage tracks token consumption for a single invocation.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Credential authenticates against a provider API.
type Credential struct {
	APIKey string `json:"api_key"`
}

// CredentialResolver resolves the credential for a provider at bind time.
type CredentialResolver func(provider string) (Credential, error)

// InvokeRequest is a single call to a bound model. The model itself is
// fixed at client construction, not per request.
type InvokeRequest struct {
	Messages     []Message
	SystemPrompt string
	Tools        []ToolSpec
	MaxTokens    int
	Temperature  float64
}

// InvokeResponse is the model's reply to a single invocation.
type InvokeResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// SwapDirective is a structured configuration change submitted alongside
// or instead of a message. Empty Model means no model change. A nil
// Prompt means no prompt change; a pointer to the empty string clears
// the override.
type SwapDirective struct {
	Model    string  `json:"model,omitempty"`
	Provider string  `json:"provider,omitempty"`
	Prompt   *string `json:"prompt,omitempty"`
}

// TurnRequest asks the runner to process one user message for a
// conversation, optionally applying a configuration swap first.
// TurnID lets the caller correlate stream fragments with this request;
// when empty the runner assigns one.
type TurnRequest struct {
	ConversationID string         `json:"conversation_id"`
	TurnID         string         `json:"turn_id,omitempty"`
	Message        string         `json:"message"`
	Config         *SwapDirective `json:"config,omitempty"`
}

// TurnResult is the outcome of one processed turn.
type TurnResult struct {
	ConversationID string      `json:"conversation_id"`
	Response       string      `json:"response"`
	Model          string      `json:"model"`
	Provider       string      `json:"provider"`
	ToolCalls      []ToolCall  `json:"tool_calls,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	Aborted        bool        `json:"aborted,omitempty"`
}

// IsRetryableError reports whether an invocation error is transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}

// EstimateTokens gives a rough token count for a message slice. One
// token per four characters is close enough for compaction decisions.
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	return (totalChars + 3) / 4
}
