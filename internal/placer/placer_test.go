package placer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/brokererr"
)

func bracketRequest() BracketRequest {
	return BracketRequest{
		Instrument:  "BTC-PERPETUAL",
		Side:        broker.SideBuy,
		Type:        broker.OrderTypeMarket,
		Amount:      20,
		StopTrigger: 49900,
		TakePrice:   50200,
	}
}

func TestPlaceBracketNative(t *testing.T) {
	mock := broker.NewMock()
	p := New(mock, nil)

	result, err := p.PlaceBracket(context.Background(), bracketRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, result.TransactionID)
	assert.NotEmpty(t, result.EntryOrderID)
	assert.NotEmpty(t, result.SLOrderID, "SL child resolved from open orders by label")
	assert.NotEmpty(t, result.TPOrderID, "TP child resolved from open orders by label")
	assert.Equal(t, 1, mock.CallCount("PlaceOrder"), "native path is a single placement")

	slOrder := mock.Orders[result.SLOrderID]
	assert.Equal(t, broker.SideSell, slOrder.Side)
	assert.True(t, slOrder.ReduceOnly)
	assert.Equal(t, 49900.0, slOrder.TriggerPrice)
	assert.Equal(t, EntryLabel(result.TransactionID)+"_sl", slOrder.Label)
}

func TestPlaceBracketSequential(t *testing.T) {
	mock := broker.NewMock()
	p := New(mock, nil, WithoutNativeOTOCO())

	result, err := p.PlaceBracket(context.Background(), bracketRequest())
	require.NoError(t, err)

	assert.Equal(t, 3, mock.CallCount("PlaceOrder"))
	assert.NotEmpty(t, result.EntryOrderID)
	assert.NotEmpty(t, result.SLOrderID)
	assert.NotEmpty(t, result.TPOrderID)
}

func TestSequentialRollbackOnStopFailure(t *testing.T) {
	mock := broker.NewMock()
	mock.HoldOrders = true
	failing := &failNthPlacement{Mock: mock, failAt: 2}
	p := New(failing, nil, WithoutNativeOTOCO())

	_, err := p.PlaceBracket(context.Background(), bracketRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop-loss")

	// The held entry order must have been cancelled.
	assert.Equal(t, 1, mock.CallCount("CancelOrder"))
	for _, order := range mock.Orders {
		assert.NotEqual(t, broker.OrderStateOpen, order.State, "no live orders may remain after rollback")
	}
}

func TestSequentialRollbackOnTakeFailure(t *testing.T) {
	mock := broker.NewMock()
	mock.HoldOrders = true
	failing := &failNthPlacement{Mock: mock, failAt: 3}
	p := New(failing, nil, WithoutNativeOTOCO())

	_, err := p.PlaceBracket(context.Background(), bracketRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "take-profit")
	assert.Equal(t, 2, mock.CallCount("CancelOrder"), "SL then entry cancelled in reverse order")
}

func TestSequentialOrphanOnFailedRollback(t *testing.T) {
	mock := broker.NewMock()
	mock.HoldOrders = true
	failing := &failNthPlacement{Mock: mock, failAt: 2}

	var orphanTx string
	var orphanIDs []string
	p := New(failing, nil, WithoutNativeOTOCO(), WithOrphanHandler(func(txID string, ids []string) {
		orphanTx = txID
		orphanIDs = ids
	}))

	mock.FailOn["CancelOrder"] = brokererr.New(brokererr.KindServer, "cancel refused")

	_, err := p.PlaceBracket(context.Background(), bracketRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop-loss", "original placement error survives rollback failure")
	assert.NotEmpty(t, orphanTx)
	assert.Len(t, orphanIDs, 1)
}

func TestEntryLabelGrammar(t *testing.T) {
	assert.Equal(t, "entry-abc123", EntryLabel("abc123"))

	tx, ok := IsProtectiveLabel("entry-abc123_sl")
	assert.True(t, ok)
	assert.Equal(t, "abc123", tx)

	tx, ok = IsProtectiveLabel("entry-abc123_tp")
	assert.True(t, ok)
	assert.Equal(t, "abc123", tx)

	_, ok = IsProtectiveLabel("entry-abc123")
	assert.False(t, ok, "bare entry label is not protective")

	_, ok = IsProtectiveLabel("manual-order")
	assert.False(t, ok)
}

// failNthPlacement wraps the mock and fails the nth PlaceOrder call.
type failNthPlacement struct {
	*broker.Mock
	calls  int
	failAt int
}

func (f *failNthPlacement) PlaceOrder(ctx context.Context, params broker.OrderParams) (*broker.OrderResult, error) {
	f.calls++
	if f.calls == f.failAt {
		return nil, brokererr.New(brokererr.KindServer, "injected placement failure")
	}
	return f.Mock.PlaceOrder(ctx, params)
}
