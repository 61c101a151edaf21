// Package kv stores small cross-restart flags in Redis: manual-disconnect
// markers that suppress auto-reconnect, and per-user entitlement tiers.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/config"
)

// DefaultTier applies when a user has no stored entitlement.
const DefaultTier = "free"

// Client wraps the Redis connection.
type Client struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New connects and pings Redis.
func New(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Client{
		rdb: rdb,
		log: config.NewLogger("kv"),
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func manualDisconnectKey(userID, brokerName, env string) string {
	return fmt.Sprintf("user:%s:broker:%s:env:%s:manualDisconnect", userID, brokerName, env)
}

func entitlementKey(userID string) string {
	return fmt.Sprintf("user:%s:entitlement", userID)
}

// SetManualDisconnect records or clears the flag that a user deliberately
// disconnected this broker session. The session layer refuses auto-reconnect
// while the flag is set.
func (c *Client) SetManualDisconnect(ctx context.Context, userID, brokerName, env string, on bool) error {
	key := manualDisconnectKey(userID, brokerName, env)
	var err error
	if on {
		err = c.rdb.Set(ctx, key, "1", 0).Err()
	} else {
		err = c.rdb.Del(ctx, key).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update manual disconnect flag: %w", err)
	}

	c.log.Info().
		Str("user_id", userID).
		Str("broker", brokerName).
		Str("env", env).
		Bool("on", on).
		Msg("Manual disconnect flag updated")
	return nil
}

// IsManualDisconnect reports whether the flag is set.
func (c *Client) IsManualDisconnect(ctx context.Context, userID, brokerName, env string) (bool, error) {
	val, err := c.rdb.Get(ctx, manualDisconnectKey(userID, brokerName, env)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read manual disconnect flag: %w", err)
	}
	return val == "1", nil
}

// SetEntitlement stores a user's tier.
func (c *Client) SetEntitlement(ctx context.Context, userID, tier string) error {
	if err := c.rdb.Set(ctx, entitlementKey(userID), tier, 0).Err(); err != nil {
		return fmt.Errorf("failed to store entitlement: %w", err)
	}
	return nil
}

// GetEntitlement returns a user's tier, defaulting to free.
func (c *Client) GetEntitlement(ctx context.Context, userID string) (string, error) {
	val, err := c.rdb.Get(ctx, entitlementKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return DefaultTier, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read entitlement: %w", err)
	}
	return val, nil
}
