package brokererr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRPCClassification(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		message  string
		expected Kind
	}{
		{"auth range low", 10000, "invalid credentials", KindAuthentication},
		{"auth range high", 10999, "token expired", KindAuthentication},
		{"insufficient funds code", 10009, "not enough margin", KindInsufficientFunds},
		{"insufficient funds substring", 11044, "insufficient_funds", KindInsufficientFunds},
		{"rate limit code", 10028, "too many requests", KindRateLimit},
		{"rate limit substring", 0, "rate limit exceeded", KindRateLimit},
		{"invalid params", -32602, "bad argument: amount", KindInvalidParams},
		{"server internal", -32603, "internal error", KindServer},
		{"server generic", -32000, "server error", KindServer},
		{"http 500", 500, "internal server error", KindServer},
		{"http 502", 502, "bad gateway", KindServer},
		{"http 503", 503, "unavailable", KindServer},
		{"timeout substring", 0, "request timeout", KindTimeout},
		{"network substring", 0, "connection reset by peer", KindNetwork},
		{"unknown", 42, "something odd", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromRPC(tt.code, tt.message)
			assert.Equal(t, tt.expected, err.Kind)
			assert.Equal(t, tt.code, err.Code)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindNetwork, "conn refused")))
	assert.True(t, IsRetryable(New(KindTimeout, "timed out")))
	assert.True(t, IsRetryable(New(KindServer, "boom")))
	assert.True(t, IsRetryable(New(KindWebSocket, "closed")))

	assert.False(t, IsRetryable(New(KindInvalidParams, "bad amount")))
	assert.False(t, IsRetryable(New(KindAuthentication, "expired")))
	assert.False(t, IsRetryable(New(KindInsufficientFunds, "broke")))
	assert.False(t, IsRetryable(New(KindRateLimit, "slow down")))
	assert.False(t, IsRetryable(errors.New("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(KindRateLimit, "slow down")))
	assert.False(t, IsTransient(New(KindServer, "boom")))
}

func TestErrorWrappingAndDetails(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(KindWebSocket, cause, "write failed").
		WithDetail("required", 120.5).
		WithDetail("available", 80.0)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindWebSocket, KindOf(err))
	assert.Equal(t, 120.5, err.Details["required"])
	assert.Equal(t, 80.0, err.Details["available"])

	// Classification survives further wrapping.
	wrapped := fmt.Errorf("placing order: %w", err)
	assert.Equal(t, KindWebSocket, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindWebSocket))
}

func TestErrorString(t *testing.T) {
	withCode := FromRPC(10028, "too many requests")
	assert.Contains(t, withCode.Error(), "RATE_LIMIT")
	assert.Contains(t, withCode.Error(), "10028")

	noCode := New(KindAmountTooSmall, "below lot size")
	assert.Equal(t, "AMOUNT_TOO_SMALL: below lot size", noCode.Error())
}
