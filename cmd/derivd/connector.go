package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/kv"
)

// brokerSession is the slice of session.Session the connector drives.
type brokerSession interface {
	Connect(ctx context.Context, endpoint string, creds config.Credentials) error
	Disconnect() error
	IsConnected() bool
	LastHeartbeat() time.Time
}

// sessionConnector binds the broker session to the control surface. It
// resolves credentials per environment and keeps the cross-restart
// manual-disconnect flag in step with operator intent.
type sessionConnector struct {
	session brokerSession
	cfg     config.SessionConfig
	creds   config.CredentialsProvider
	kv      *kv.Client
	flush   func()
	log     zerolog.Logger

	mu          sync.Mutex
	environment string
}

// newSessionConnector wires the connector. flush drops broker-side caches
// keyed by instrument name; it runs whenever the environment changes, since
// testnet and live can resolve the same name to different contracts.
func newSessionConnector(sess brokerSession, cfg config.SessionConfig, creds config.CredentialsProvider, kvClient *kv.Client, flush func(), log zerolog.Logger) *sessionConnector {
	return &sessionConnector{
		session: sess,
		cfg:     cfg,
		creds:   creds,
		kv:      kvClient,
		flush:   flush,
		log:     log,
	}
}

func (c *sessionConnector) Connect(ctx context.Context, environment string) error {
	creds, err := c.creds.Resolve(ctx, defaultUserID, brokerName, environment)
	if err != nil {
		return err
	}

	if err := c.session.Connect(ctx, c.cfg.EndpointFor(environment), creds); err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.environment
	c.environment = environment
	c.mu.Unlock()

	if previous != "" && previous != environment && c.flush != nil {
		c.log.Info().Str("from", previous).Str("to", environment).Msg("Environment switched, flushing instrument cache")
		c.flush()
	}

	if c.kv != nil {
		if err := c.kv.SetManualDisconnect(ctx, defaultUserID, brokerName, environment, false); err != nil {
			c.log.Warn().Err(err).Msg("Failed to clear manual disconnect flag")
		}
	}
	return nil
}

func (c *sessionConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	environment := c.environment
	c.mu.Unlock()

	if c.kv != nil && environment != "" {
		if err := c.kv.SetManualDisconnect(ctx, defaultUserID, brokerName, environment, true); err != nil {
			c.log.Warn().Err(err).Msg("Failed to set manual disconnect flag")
		}
	}
	return c.session.Disconnect()
}

func (c *sessionConnector) IsConnected() bool {
	return c.session.IsConnected()
}

func (c *sessionConnector) LastHeartbeat() time.Time {
	return c.session.LastHeartbeat()
}

// autoConnect re-establishes the session at boot unless the operator
// deliberately disconnected before the restart. Failure is not fatal; the
// operator can retry through POST /connect.
func (c *sessionConnector) autoConnect(ctx context.Context, appEnvironment string) {
	environment := "testnet"
	if appEnvironment == "production" {
		environment = "live"
	}

	if c.kv != nil {
		manual, err := c.kv.IsManualDisconnect(ctx, defaultUserID, brokerName, environment)
		if err != nil {
			c.log.Warn().Err(err).Msg("Could not read manual disconnect flag, skipping auto-connect")
			return
		}
		if manual {
			c.log.Info().Str("environment", environment).Msg("Manual disconnect flag set, staying offline")
			return
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := c.Connect(connectCtx, environment); err != nil {
		c.log.Warn().Err(err).Str("environment", environment).Msg("Auto-connect failed, connect via the API when ready")
		return
	}
	c.log.Info().Str("environment", environment).Msg("Session auto-connected")
}
