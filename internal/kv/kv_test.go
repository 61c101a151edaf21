package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestManualDisconnectFlag(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	on, err := client.IsManualDisconnect(ctx, "user-1", "deribit", "testnet")
	require.NoError(t, err)
	assert.False(t, on, "flag starts clear")

	require.NoError(t, client.SetManualDisconnect(ctx, "user-1", "deribit", "testnet", true))
	on, err = client.IsManualDisconnect(ctx, "user-1", "deribit", "testnet")
	require.NoError(t, err)
	assert.True(t, on)

	// Scoped per environment.
	on, err = client.IsManualDisconnect(ctx, "user-1", "deribit", "production")
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, client.SetManualDisconnect(ctx, "user-1", "deribit", "testnet", false))
	on, err = client.IsManualDisconnect(ctx, "user-1", "deribit", "testnet")
	require.NoError(t, err)
	assert.False(t, on)
}

func TestEntitlements(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	tier, err := client.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultTier, tier, "unknown user defaults to free")

	require.NoError(t, client.SetEntitlement(ctx, "user-1", "pro"))
	tier, err = client.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", tier)
}
