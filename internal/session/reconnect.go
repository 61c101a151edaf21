package session

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/quantbench/derivd/internal/metrics"
)

// backoffDelay computes the reconnect delay for attempt n (0-based):
// min(2^n * 1s, maxBackoff) with ±30% jitter.
func backoffDelay(attempt int, maxBackoff time.Duration) time.Duration {
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	base := time.Duration(math.Min(
		math.Pow(2, float64(attempt))*float64(time.Second),
		float64(maxBackoff),
	))

	jitter := 1 + (rand.Float64()*0.6 - 0.3)
	return time.Duration(float64(base) * jitter)
}

// reconnect re-establishes the session after socket loss: dial, re-auth,
// replay subscriptions. Gives up after the configured attempt cap and parks
// the session in StateError.
func (s *Session) reconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return // a reconnect is already running
	}
	defer s.reconnecting.Store(false)

	maxAttempts := s.cfg.ReconnectMaxAttempt
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	s.setState(StateConnecting)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if s.CurrentState() == StateStopped {
			return // deliberate disconnect raced with the reconnect
		}

		delay := backoffDelay(attempt, s.cfg.ReconnectMaxBackoff)
		s.log.Info().
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Msg("Reconnect attempt scheduled")
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.dialAndStart(ctx)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect attempt failed")
			metrics.SessionReconnectFailures.Inc()
			continue
		}

		if err := s.resubscribe(); err != nil {
			s.log.Warn().Err(err).Msg("Subscription replay failed, retrying connection")
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn != nil {
				s.teardownConn(conn)
			}
			continue
		}

		s.setState(StateActive)
		metrics.SessionReconnects.Inc()
		s.log.Info().Int("attempts_used", attempt+1).Msg("Session reconnected")
		return
	}

	s.log.Error().Int("attempts", maxAttempts).Msg("Reconnect attempts exhausted")
	s.setState(StateError)
}

// resubscribe replays the full active subscription set on a fresh connection.
func (s *Session) resubscribe() error {
	channels := s.activeChannels()
	if len(channels) == 0 {
		return nil
	}

	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := s.callOnce(ctx, "private/subscribe", map[string]interface{}{"channels": channels}); err != nil {
		return err
	}

	s.log.Info().Strs("channels", channels).Msg("Subscriptions replayed")
	return nil
}
