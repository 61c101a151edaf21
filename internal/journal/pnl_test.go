package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbench/derivd/internal/broker"
)

func longTrade() *Trade {
	return &Trade{
		ID:           "t1",
		Side:         "buy",
		Amount:       20,
		EntryPrice:   50000,
		StopPrice:    49900,
		TakePrice:    50200,
		EntryOrderID: "entry",
		SLOrderID:    "sl",
		TPOrderID:    "tp",
	}
}

func TestDeriveExitTakeProfitFill(t *testing.T) {
	trade := longTrade()
	fills := []broker.UserTrade{
		{OrderID: "entry", Side: broker.SideBuy, Price: 50000, Amount: 20, Fee: 5},
		{OrderID: "tp", Side: broker.SideSell, Price: 50200, Amount: 20, Fee: 5},
	}

	outcome := DeriveExit(trade, fills, 0)
	require.NotNil(t, outcome)

	assert.Equal(t, PnlSourceFills, outcome.PnlSource)
	assert.Equal(t, ExitTPHit, outcome.ExitReason)
	assert.Equal(t, 50200.0, outcome.ExitPrice)
	// (50200 - 50000) * 20 - 10 fees
	assert.InDelta(t, 3990.0, outcome.Pnl, 1e-9)
	assert.InDelta(t, 0.4, outcome.PnlPercent, 1e-9)
}

func TestDeriveExitStopFillShort(t *testing.T) {
	trade := longTrade()
	trade.Side = "sell"
	fills := []broker.UserTrade{
		{OrderID: "entry", Side: broker.SideSell, Price: 50000, Amount: 20, Fee: 2},
		{OrderID: "sl", Side: broker.SideBuy, Price: 50100, Amount: 20, Fee: 2},
	}

	outcome := DeriveExit(trade, fills, 0)
	require.NotNil(t, outcome)

	assert.Equal(t, ExitSLHit, outcome.ExitReason)
	// Short stopped out: (50000 - 50100) * 20 - 4 fees
	assert.InDelta(t, -2004.0, outcome.Pnl, 1e-9)
	assert.Less(t, outcome.PnlPercent, 0.0)
}

func TestDeriveExitManualClose(t *testing.T) {
	trade := longTrade()
	fills := []broker.UserTrade{
		{OrderID: "entry", Side: broker.SideBuy, Price: 50000, Amount: 20},
		{OrderID: "manual-close", Side: broker.SideSell, Price: 50050, Amount: 20},
	}

	outcome := DeriveExit(trade, fills, 0)
	require.NotNil(t, outcome)
	assert.Equal(t, ExitManual, outcome.ExitReason)
	assert.InDelta(t, 1000.0, outcome.Pnl, 1e-9)
}

func TestDeriveExitPartialFills(t *testing.T) {
	trade := longTrade()
	fills := []broker.UserTrade{
		{OrderID: "entry", Side: broker.SideBuy, Price: 50000, Amount: 10},
		{OrderID: "entry", Side: broker.SideBuy, Price: 50010, Amount: 10},
		{OrderID: "tp", Side: broker.SideSell, Price: 50200, Amount: 20},
	}

	outcome := DeriveExit(trade, fills, 0)
	require.NotNil(t, outcome)

	// VWAP entry 50005: (50200 - 50005) * 20
	assert.InDelta(t, 3900.0, outcome.Pnl, 1e-9)
	assert.Equal(t, ExitTPHit, outcome.ExitReason)
}

func TestDeriveExitFallsBackToEstimation(t *testing.T) {
	trade := longTrade()

	outcome := DeriveExit(trade, nil, 49900)
	require.NotNil(t, outcome)
	assert.Equal(t, PnlSourceEstimation, outcome.PnlSource)
	assert.Equal(t, ExitSLHit, outcome.ExitReason, "49900 sits on the stop")

	// (49900-50000)/50000 * 20 units
	assert.InDelta(t, -0.04, outcome.Pnl, 1e-9)
	assert.InDelta(t, -0.2, outcome.PnlPercent, 1e-9)
}

func TestEstimateExitAttributesNearerLevel(t *testing.T) {
	trade := longTrade()

	nearTake := EstimateExit(trade, 50190)
	assert.Equal(t, ExitTPHit, nearTake.ExitReason)

	nearStop := EstimateExit(trade, 49920)
	assert.Equal(t, ExitSLHit, nearStop.ExitReason)
}

func TestEstimateExitManualWithoutLevels(t *testing.T) {
	trade := longTrade()
	trade.StopPrice = 0
	trade.TakePrice = 0

	outcome := EstimateExit(trade, 50100)
	assert.Equal(t, ExitManual, outcome.ExitReason)
}

func TestEstimateExitShort(t *testing.T) {
	trade := longTrade()
	trade.Side = "sell"

	outcome := EstimateExit(trade, 49900)
	assert.Greater(t, outcome.Pnl, 0.0, "short profits when price falls")
	assert.Greater(t, outcome.PnlPercent, 0.0)
}
