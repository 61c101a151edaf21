package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/brokererr"
	"github.com/quantbench/derivd/internal/config"
)

type stubGuard struct {
	canOpen bool
}

func (g *stubGuard) CanOpenPosition() bool { return g.canOpen }

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		DefaultRiskPercent: 2,
		MaxLeverage:        50,
		WarnLeverage:       10,
	}
}

func setup() (*Validator, *broker.Mock, *stubGuard) {
	mock := broker.NewMock()
	guard := &stubGuard{canOpen: true}
	return New(mock, guard, testConfig()), mock, guard
}

func TestPreFlightAcceptsMarketOrder(t *testing.T) {
	v, _, _ := setup()

	result, err := v.PreFlight(context.Background(), Request{
		Instrument: "BTC-PERPETUAL",
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeMarket,
		Amount:     100,
	})
	require.NoError(t, err)

	assert.Equal(t, 100.0, result.Amount)
	assert.Equal(t, 5000000.0, result.Notional, "100 units at the 50000 mark")
	assert.Equal(t, 100000.0, result.RequiredMargin, "notional over 50x instrument leverage")
	assert.Equal(t, 50.0, result.Leverage)
}

func TestPreFlightRoundsAmountToLot(t *testing.T) {
	v, _, _ := setup()

	result, err := v.PreFlight(context.Background(), Request{
		Instrument: "BTC-PERPETUAL",
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeMarket,
		Amount:     27, // lot is 10
	})
	require.NoError(t, err)
	assert.Equal(t, 20.0, result.Amount)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "rounded to lot")
}

func TestPreFlightRoundsLimitPriceToTick(t *testing.T) {
	v, _, _ := setup()

	result, err := v.PreFlight(context.Background(), Request{
		Instrument: "BTC-PERPETUAL",
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeLimit,
		Amount:     10,
		Price:      49999.7, // tick is 0.5
	})
	require.NoError(t, err)
	assert.Equal(t, 49999.5, result.Price)
}

func TestPreFlightRejections(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(m *broker.Mock, g *stubGuard)
		req     Request
		kind    brokererr.Kind
	}{
		{
			name: "zero amount",
			req:  Request{Instrument: "BTC-PERPETUAL", Side: broker.SideBuy, Type: broker.OrderTypeMarket},
			kind: brokererr.KindInvalidParams,
		},
		{
			name: "invalid side",
			req:  Request{Instrument: "BTC-PERPETUAL", Side: "hold", Type: broker.OrderTypeMarket, Amount: 10},
			kind: brokererr.KindInvalidParams,
		},
		{
			name: "unknown instrument",
			req:  Request{Instrument: "DOGE-PERPETUAL", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Amount: 10},
			kind: brokererr.KindInvalidParams,
		},
		{
			name: "amount below minimum",
			req:  Request{Instrument: "BTC-PERPETUAL", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Amount: 5},
			kind: brokererr.KindAmountTooSmall,
		},
		{
			name: "limit without price",
			req:  Request{Instrument: "BTC-PERPETUAL", Side: broker.SideBuy, Type: broker.OrderTypeLimit, Amount: 10},
			kind: brokererr.KindInvalidParams,
		},
		{
			name: "insufficient margin",
			prepare: func(m *broker.Mock, g *stubGuard) {
				m.Summary.AvailableFunds = 100
				m.Summary.Equity = 1000000 // keep leverage below the cap
			},
			req:  Request{Instrument: "BTC-PERPETUAL", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Amount: 10},
			kind: brokererr.KindInsufficientMargin,
		},
		{
			name: "leverage above hard cap",
			prepare: func(m *broker.Mock, g *stubGuard) {
				m.Summary.Equity = 50000
				m.Summary.AvailableFunds = 200000
			},
			req:  Request{Instrument: "BTC-PERPETUAL", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Amount: 100},
			kind: brokererr.KindLeverageExceeded,
		},
		{
			name: "lifecycle blocks entry",
			prepare: func(m *broker.Mock, g *stubGuard) {
				g.canOpen = false
			},
			req:  Request{Instrument: "BTC-PERPETUAL", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Amount: 10},
			kind: brokererr.KindPositionAlreadyExists,
		},
		{
			name: "position already open",
			prepare: func(m *broker.Mock, g *stubGuard) {
				m.SetPosition("BTC-PERPETUAL", 100, 50000)
			},
			req:  Request{Instrument: "BTC-PERPETUAL", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Amount: 10},
			kind: brokererr.KindPositionAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, mock, guard := setup()
			if tt.prepare != nil {
				tt.prepare(mock, guard)
			}

			_, err := v.PreFlight(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, brokererr.KindOf(err))
		})
	}
}

func TestPreFlightWarnsOnHighLeverage(t *testing.T) {
	v, mock, _ := setup()
	mock.Summary.Equity = 100000
	mock.Summary.AvailableFunds = 100000

	// 40 units at 50000 = 2M notional = 20x on 100k equity.
	result, err := v.PreFlight(context.Background(), Request{
		Instrument: "BTC-PERPETUAL",
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeMarket,
		Amount:     40,
	})
	require.NoError(t, err)
	assert.Equal(t, 20.0, result.Leverage)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "warning threshold")
}
