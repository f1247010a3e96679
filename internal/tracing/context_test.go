package tracing

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithConversationID(ctx, "conv-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "turn-1", GetTurnID(ctx))
	assert.Equal(t, "conv-1", GetConversationID(ctx))
}

func TestGetFromEmptyContext(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetTurnID(ctx))
	assert.Empty(t, GetConversationID(ctx))
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	traceID := GetTraceID(ctx)
	assert.NotEmpty(t, traceID)

	// An existing trace ID is preserved
	ctx = NewRequestContext(ctx)
	assert.Equal(t, traceID, GetTraceID(ctx))
}

func TestNewRequestContextNil(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	ctx := NewRequestContext(nil)
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	base := zerolog.Nop()

	// Should not panic with nil context or empty fields
	_ = LoggerFromContext(nil, base)
	_ = LoggerFromContext(context.Background(), base)

	ctx := WithConversationID(context.Background(), "conv-9")
	_ = LoggerFromContext(ctx, base)
}

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewTurnID(), NewTurnID())
}
