package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantbench/derivd/internal/brokererr"
)

// idempotentMethods are the read-only RPCs safe to retry at this layer.
// Mutating calls never retry here; retries on those are the caller's decision.
var idempotentMethods = map[string]bool{
	"public/ticker":                         true,
	"public/get_instruments":                true,
	"public/get_tradingview_chart_data":     true,
	"private/get_account_summary":           true,
	"private/get_positions":                 true,
	"private/get_open_orders_by_instrument": true,
	"private/get_user_trades_by_instrument": true,
}

// CallWithRetry performs Call, retrying idempotent read methods on transport
// and server-side failures with the reconnect backoff curve. Non-idempotent
// methods and non-retryable errors pass through after the first attempt.
func (s *Session) CallWithRetry(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	maxAttempts := s.cfg.MaxRPCRetries
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if !idempotentMethods[method] {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.cfg.ReconnectMaxBackoff)
			s.log.Warn().
				Err(lastErr).
				Str("method", method).
				Int("attempt", attempt+1).
				Int("max_attempts", maxAttempts).
				Dur("backoff", delay).
				Msg("Retrying RPC with backoff")

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := s.Call(ctx, method, params)
		if err == nil {
			if attempt > 0 {
				s.log.Info().Str("method", method).Int("attempt", attempt+1).Msg("RPC succeeded after retry")
			}
			return result, nil
		}

		lastErr = err
		if !brokererr.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", method, maxAttempts, lastErr)
}
