package session

import (
	"context"
	"time"
)

// heartbeatLoop emits public/test on the heartbeat interval and force-closes
// the socket when no frame has arrived within the stale window. The read loop
// stamps lastHeartbeat on every incoming frame, so any broker traffic counts
// as liveness.
func (s *Session) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	staleAfter := s.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if stale := time.Since(s.LastHeartbeat()); stale > staleAfter {
			s.log.Warn().
				Dur("since_last_frame", stale).
				Dur("stale_after", staleAfter).
				Msg("Connection stale, forcing reconnect")
			s.forceReconnect()
			return
		}

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		_, err := s.callOnce(pingCtx, "public/test", nil)
		cancel()
		if err != nil {
			// The stale check above decides whether the connection is dead;
			// one failed ping is not conclusive on its own.
			s.log.Debug().Err(err).Msg("Heartbeat ping failed")
		}
	}
}

// forceReconnect tears down the current socket so the reconnect path runs.
func (s *Session) forceReconnect() {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state == StateStopped || conn == nil {
		return
	}

	s.teardownConn(conn)
	go s.reconnect()
}
