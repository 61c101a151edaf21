package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quantbench/derivd/internal/brokererr"
)

// tokenState holds the broker-issued access tokens.
type tokenState struct {
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// authResult is the broker's public/auth response.
type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	TokenType    string `json:"token_type"`
}

// authenticate performs the client_credentials grant after socket open.
func (s *Session) authenticate(ctx context.Context) error {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	if creds.APIKey == "" {
		return brokererr.New(brokererr.KindAuthentication, "no credentials bound to session")
	}

	// Auth bypasses the public rate bucket deliberately: a reconnect storm
	// must not be starved of its own re-auth by queued market-data calls.
	raw, err := s.callOnce(ctx, "public/auth", map[string]interface{}{
		"grant_type":    "client_credentials",
		"client_id":     creds.APIKey,
		"client_secret": creds.APISecret,
	})
	if err != nil {
		return err
	}

	var res authResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return brokererr.Wrap(brokererr.KindAuthentication, err, "malformed auth response")
	}
	if res.AccessToken == "" {
		return brokererr.New(brokererr.KindAuthentication, "auth response carried no access token")
	}

	s.tokens.mu.Lock()
	s.tokens.accessToken = res.AccessToken
	s.tokens.refreshToken = res.RefreshToken
	s.tokens.expiresAt = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	s.tokens.mu.Unlock()

	s.log.Info().
		Int64("expires_in", res.ExpiresIn).
		Msg("Authenticated with broker")

	return nil
}

// refreshLoop refreshes the access token before it expires. Refresh fires at
// expiresAt minus the configured margin (default 60s).
func (s *Session) refreshLoop(ctx context.Context) {
	margin := s.cfg.TokenRefreshMargin
	if margin <= 0 {
		margin = 60 * time.Second
	}

	for {
		s.tokens.mu.Lock()
		expiresAt := s.tokens.expiresAt
		s.tokens.mu.Unlock()

		if expiresAt.IsZero() {
			return
		}

		wait := time.Until(expiresAt.Add(-margin))
		if wait < time.Second {
			wait = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := s.refreshToken(ctx); err != nil {
			s.log.Error().Err(err).Msg("Token refresh failed, forcing reconnect")
			s.forceReconnect()
			return
		}
	}
}

// refreshToken exchanges the refresh token for a new access token.
func (s *Session) refreshToken(ctx context.Context) error {
	s.tokens.mu.Lock()
	refresh := s.tokens.refreshToken
	s.tokens.mu.Unlock()

	if refresh == "" {
		return brokererr.New(brokererr.KindAuthentication, "no refresh token held")
	}

	raw, err := s.callOnce(ctx, "public/auth", map[string]interface{}{
		"grant_type":    "refresh_token",
		"refresh_token": refresh,
	})
	if err != nil {
		return err
	}

	var res authResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return brokererr.Wrap(brokererr.KindAuthentication, err, "malformed refresh response")
	}

	s.tokens.mu.Lock()
	s.tokens.accessToken = res.AccessToken
	if res.RefreshToken != "" {
		s.tokens.refreshToken = res.RefreshToken
	}
	s.tokens.expiresAt = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	s.tokens.mu.Unlock()

	s.log.Debug().Int64("expires_in", res.ExpiresIn).Msg("Access token refreshed")
	return nil
}
