package agent

import "errors"

var (
	// ErrModelUnavailable indicates a requested model could not be bound:
	// unknown provider, missing credential, or client construction failure.
	// The previous binding stays authoritative; the requested model is
	// retained so an identical resubmission retries the swap.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrCrossConversation indicates a configuration tool was asked to
	// act on a conversation other than the one it is bound to. This is a
	// programming error, not a recoverable condition.
	ErrCrossConversation = errors.New("cross-conversation access")
)
