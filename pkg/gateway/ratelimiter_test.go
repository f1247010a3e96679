package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_RequestsPerMinute(t *testing.T) {
	t.Run("should allow requests under the limit", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(3, 10)

		for i := 0; i < 3; i++ {
			allowed, _ := limiter.CheckRequestAllowed()
			assert.True(t, allowed)
			limiter.RecordRequestStart()
			limiter.RecordRequestEnd()
		}
	})

	t.Run("should reject requests over the limit", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(2, 10)

		for i := 0; i < 2; i++ {
			limiter.RecordRequestStart()
			limiter.RecordRequestEnd()
		}

		allowed, reason := limiter.CheckRequestAllowed()
		assert.False(t, allowed)
		assert.Equal(t, "rate limit exceeded", reason)
	})
}

func TestClientRateLimiter_Concurrency(t *testing.T) {
	t.Run("should reject when concurrency is saturated", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 2)

		limiter.RecordRequestStart()
		limiter.RecordRequestStart()

		allowed, reason := limiter.CheckRequestAllowed()
		assert.False(t, allowed)
		assert.Equal(t, "too many concurrent requests", reason)
	})

	t.Run("should allow again after a request ends", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 1)

		limiter.RecordRequestStart()
		limiter.RecordRequestEnd()

		allowed, _ := limiter.CheckRequestAllowed()
		assert.True(t, allowed)
	})

	t.Run("should not underflow the concurrent count", func(t *testing.T) {
		limiter := NewClientRateLimiter()

		limiter.RecordRequestEnd()
		_, concurrent := limiter.GetStats()
		assert.Equal(t, 0, concurrent)
	})
}

func TestClientRateLimiter_UpdateLimits(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(1, 10)

	limiter.RecordRequestStart()
	limiter.RecordRequestEnd()

	allowed, _ := limiter.CheckRequestAllowed()
	assert.False(t, allowed)

	limiter.UpdateLimits(10, 10)
	allowed, _ = limiter.CheckRequestAllowed()
	assert.True(t, allowed)
}

func TestClientRateLimiter_GetStats(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(10, 5)

	limiter.RecordRequestStart()
	limiter.RecordRequestStart()

	requests, concurrent := limiter.GetStats()
	assert.Equal(t, 2, requests)
	assert.Equal(t, 2, concurrent)
}
