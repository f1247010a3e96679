package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func computeHMAC(challenge, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should generate 32-byte challenge as hex", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)
		assert.Len(t, challenge, 64) // 32 bytes = 64 hex characters
	})

	t.Run("should generate unique challenges", func(t *testing.T) {
		challenge1, err1 := auth.GenerateChallenge()
		challenge2, err2 := auth.GenerateChallenge()

		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.NotEqual(t, challenge1, challenge2)
	})
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should verify valid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		valid := auth.VerifySignature(challenge, computeHMAC(challenge, "test-secret"))
		assert.True(t, valid)
	})

	t.Run("should reject invalid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		valid := auth.VerifySignature(challenge, "invalid-signature")
		assert.False(t, valid)
	})

	t.Run("should reject signature with wrong secret", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		wrongSignature := computeHMAC(challenge, "wrong-secret")
		valid := auth.VerifySignature(challenge, wrongSignature)
		assert.False(t, valid)
	})
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should succeed with valid signature", func(t *testing.T) {
		client := &Client{
			ID:        "test-client",
			Challenge: "test-challenge",
		}

		signature := computeHMAC("test-challenge", "test-secret")
		result := auth.HandleAuthResponse(client, signature)

		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.True(t, client.Authenticated)
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Equal(t, 0, client.AuthAttempts)
		assert.Empty(t, client.Challenge)
	})

	t.Run("should fail without a challenge", func(t *testing.T) {
		client := &Client{ID: "test-client"}

		result := auth.HandleAuthResponse(client, "anything")

		assert.False(t, result.Success)
		assert.Equal(t, "auth.failure", result.Event)
		assert.False(t, client.Authenticated)
	})

	t.Run("should count failed attempts", func(t *testing.T) {
		client := &Client{
			ID:        "test-client",
			Challenge: "test-challenge",
		}

		result := auth.HandleAuthResponse(client, "bad-signature")

		assert.False(t, result.Success)
		assert.Equal(t, "Invalid signature", result.Message)
		assert.Equal(t, 1, client.AuthAttempts)
	})

	t.Run("should lock out after max attempts", func(t *testing.T) {
		client := &Client{
			ID:        "test-client",
			Challenge: "test-challenge",
		}

		var result AuthResult
		for i := 0; i < maxAuthAttempts; i++ {
			result = auth.HandleAuthResponse(client, "bad-signature")
		}

		assert.False(t, result.Success)
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.Equal(t, maxAuthAttempts, client.AuthAttempts)
	})
}
