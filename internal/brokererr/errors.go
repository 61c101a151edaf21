// Package brokererr defines the normalized error taxonomy for broker and
// order-path failures. Every user-visible failure carries a stable Kind, a
// human message and, where applicable, structured details.
package brokererr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a stable machine-readable error category.
type Kind string

const (
	// Transport errors - recoverable at the RPC layer with backoff.
	KindNetwork   Kind = "NETWORK_ERROR"
	KindTimeout   Kind = "TIMEOUT_ERROR"
	KindWebSocket Kind = "WEBSOCKET_ERROR"

	// Protocol errors - surfaced, never retried.
	KindInvalidParams  Kind = "INVALID_PARAMS"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"

	// Trading rejections - surfaced as order rejections.
	KindInsufficientFunds     Kind = "INSUFFICIENT_FUNDS"
	KindInsufficientMargin    Kind = "INSUFFICIENT_MARGIN"
	KindLeverageExceeded      Kind = "LEVERAGE_EXCEEDED"
	KindAmountTooSmall        Kind = "AMOUNT_TOO_SMALL"
	KindPositionAlreadyExists Kind = "POSITION_ALREADY_EXISTS"

	// Throttling.
	KindRateLimit Kind = "RATE_LIMIT"

	// Server side.
	KindServer  Kind = "SERVER_ERROR"
	KindUnknown Kind = "UNKNOWN_ERROR"
)

// Error is a classified broker error.
type Error struct {
	Kind    Kind
	Message string
	Code    int                    // JSON-RPC or broker error code, 0 if none
	Details map[string]interface{} // structured context, e.g. {required, available}
	Err     error                  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error under the given kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCode attaches a broker error code.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// WithDetail attaches a structured detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the Kind of an error, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// FromRPC classifies a JSON-RPC error by broker code and message.
// Broker code ranges: 10000-10999 are authentication failures, 10009 is
// insufficient funds, 10028 is rate limiting, -32602 is invalid params.
func FromRPC(code int, message string) *Error {
	kind := classifyCode(code, message)
	return &Error{Kind: kind, Message: message, Code: code}
}

func classifyCode(code int, message string) Kind {
	lower := strings.ToLower(message)

	switch {
	case code == 10009 || strings.Contains(lower, "insufficient"):
		return KindInsufficientFunds
	case code == 10028 || strings.Contains(lower, "rate limit"):
		return KindRateLimit
	case code >= 10000 && code <= 10999:
		return KindAuthentication
	case code == -32602:
		return KindInvalidParams
	case code == -32000 || code == -32603 || code == 500 || code == 502 || code == 503:
		return KindServer
	}

	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return KindTimeout
	case strings.Contains(lower, "websocket"):
		return KindWebSocket
	case strings.Contains(lower, "network") || strings.Contains(lower, "connection"):
		return KindNetwork
	case strings.Contains(lower, "auth") || strings.Contains(lower, "token"):
		return KindAuthentication
	}

	return KindUnknown
}

// IsRetryable reports whether an error may be retried at the RPC layer.
// Only transport and server-side failures qualify; protocol and trading
// rejections never do.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindServer, KindWebSocket:
		return true
	default:
		return false
	}
}

// IsTransient reports whether an error is worth a single opportunistic retry
// outside the RPC layer (rate limiting that slipped past the token bucket).
func IsTransient(err error) bool {
	return KindOf(err) == KindRateLimit
}
