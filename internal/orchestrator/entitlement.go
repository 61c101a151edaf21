package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/kv"
)

// Worker caps per tier.
var tierWorkers = map[string]int{
	"free":       1,
	"basic":      3,
	"pro":        10,
	"enterprise": 50,
}

// Entitlement is one user's admission grant.
type Entitlement struct {
	UserID     string     `json:"userId"`
	Tier       string     `json:"tier"`
	MaxWorkers int        `json:"maxWorkers"`
	IsActive   bool       `json:"isActive"`
	IsLifetime bool       `json:"isLifetime"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether a non-lifetime grant has passed its expiry.
func (e *Entitlement) Expired(now time.Time) bool {
	return !e.IsLifetime && e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// TierStore resolves a user's stored tier; kv.Client satisfies it.
type TierStore interface {
	GetEntitlement(ctx context.Context, userID string) (string, error)
	SetEntitlement(ctx context.Context, userID, tier string) error
}

// Entitlements is the admission table. Tiers are read through from the
// backing store on first resolve; grant metadata (expiry, active flag) lives
// here. Not self-locking, the orchestrator serializes access.
type Entitlements struct {
	store  TierStore // may be nil, then everyone starts free
	grants map[string]*Entitlement
	log    zerolog.Logger
}

// NewEntitlements builds the table over an optional tier store.
func NewEntitlements(store TierStore) *Entitlements {
	return &Entitlements{
		store:  store,
		grants: make(map[string]*Entitlement),
		log:    config.NewLogger("entitlement"),
	}
}

// Resolve returns the user's entitlement, creating an active default-tier
// grant on first sight.
func (e *Entitlements) Resolve(ctx context.Context, userID string) *Entitlement {
	if grant, ok := e.grants[userID]; ok {
		return grant
	}

	tier := kv.DefaultTier
	if e.store != nil {
		stored, err := e.store.GetEntitlement(ctx, userID)
		if err != nil {
			e.log.Warn().Err(err).Str("user_id", userID).Msg("Tier lookup failed, defaulting to free")
		} else {
			tier = stored
		}
	}

	grant := &Entitlement{
		UserID:     userID,
		Tier:       tier,
		MaxWorkers: workersForTier(tier),
		IsActive:   true,
		IsLifetime: tier == kv.DefaultTier, // the free tier never expires
	}
	e.grants[userID] = grant
	return grant
}

// Grant installs or replaces a user's entitlement and writes the tier
// through to the store.
func (e *Entitlements) Grant(ctx context.Context, userID, tier string, expiresAt *time.Time, lifetime bool) *Entitlement {
	grant := &Entitlement{
		UserID:     userID,
		Tier:       tier,
		MaxWorkers: workersForTier(tier),
		IsActive:   true,
		IsLifetime: lifetime,
		ExpiresAt:  expiresAt,
	}
	e.grants[userID] = grant

	if e.store != nil {
		if err := e.store.SetEntitlement(ctx, userID, tier); err != nil {
			e.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to persist tier")
		}
	}
	return grant
}

// DowngradeExpired flips expired non-lifetime grants to an inactive free
// tier and returns the affected users.
func (e *Entitlements) DowngradeExpired(ctx context.Context, now time.Time) []string {
	var affected []string
	for userID, grant := range e.grants {
		if !grant.Expired(now) {
			continue
		}
		grant.Tier = kv.DefaultTier
		grant.MaxWorkers = workersForTier(kv.DefaultTier)
		grant.IsActive = false
		grant.ExpiresAt = nil
		affected = append(affected, userID)

		if e.store != nil {
			if err := e.store.SetEntitlement(ctx, userID, kv.DefaultTier); err != nil {
				e.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to persist downgrade")
			}
		}
		e.log.Info().Str("user_id", userID).Msg("Entitlement expired, downgraded to free")
	}
	return affected
}

func workersForTier(tier string) int {
	if n, ok := tierWorkers[tier]; ok {
		return n
	}
	return tierWorkers[kv.DefaultTier]
}
