package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/lifecycle"
)

func setup(autoClose bool) (*Reconciler, *broker.Mock, *lifecycle.Manager) {
	mock := broker.NewMock()
	lm := lifecycle.NewManager(lifecycle.NewMemoryStore())
	r := New(mock, lm, config.ReconcilerConfig{AutoCloseUnknown: autoClose}, "USD")
	return r, mock, lm
}

func openPosition(t *testing.T, lm *lifecycle.Manager) {
	t.Helper()
	require.NoError(t, lm.Start("momentum", "BTC-PERPETUAL"))
	require.NoError(t, lm.Signal())
	require.NoError(t, lm.Entering())
	require.NoError(t, lm.Opened(50000, 20, "buy"))
}

func TestReconcileUnknownPositionWarnOnly(t *testing.T) {
	r, mock, _ := setup(false)
	mock.SetPosition("BTC-PERPETUAL", 100, 50000)

	require.NoError(t, r.Reconcile(context.Background()))

	pos, _ := mock.GetPosition(context.Background(), "BTC-PERPETUAL")
	assert.True(t, pos.IsOpen(), "warn-only policy must not close the position")
}

func TestReconcileUnknownPositionAutoClose(t *testing.T) {
	r, mock, _ := setup(true)
	mock.SetPosition("BTC-PERPETUAL", 100, 50000)

	require.NoError(t, r.Reconcile(context.Background()))

	pos, _ := mock.GetPosition(context.Background(), "BTC-PERPETUAL")
	assert.False(t, pos.IsOpen(), "auto-close policy closes unknown positions")
}

func TestReconcileStaleStateClosesViaNormalPath(t *testing.T) {
	r, _, lm := setup(false)
	openPosition(t, lm)
	// Broker is flat: the mock has no positions.

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, lifecycle.StateAnalyzing, lm.CurrentState())
}

func TestReconcileInstrumentMismatchDoesNotAct(t *testing.T) {
	r, mock, lm := setup(true)
	openPosition(t, lm)
	mock.SetPosition("ETH-PERPETUAL", 50, 3000)

	require.NoError(t, r.Reconcile(context.Background()))

	assert.Equal(t, lifecycle.StatePositionOpen, lm.CurrentState())
	pos, _ := mock.GetPosition(context.Background(), "ETH-PERPETUAL")
	assert.True(t, pos.IsOpen(), "mismatch is warn-only")
}

func TestReconcileMultiPositionGuard(t *testing.T) {
	r, mock, lm := setup(true)
	openPosition(t, lm)
	mock.SetPosition("BTC-PERPETUAL", 20, 50000)
	mock.SetPosition("ETH-PERPETUAL", 50, 3000)
	mock.SetPosition("SOL-PERPETUAL", 10, 150)

	require.NoError(t, r.Reconcile(context.Background()))

	btc, _ := mock.GetPosition(context.Background(), "BTC-PERPETUAL")
	eth, _ := mock.GetPosition(context.Background(), "ETH-PERPETUAL")
	sol, _ := mock.GetPosition(context.Background(), "SOL-PERPETUAL")
	assert.True(t, btc.IsOpen(), "the tracked instrument survives")
	assert.False(t, eth.IsOpen())
	assert.False(t, sol.IsOpen())
}

func TestSweepCancelsOrphanReduceOnly(t *testing.T) {
	r, mock, lm := setup(false)
	require.NoError(t, lm.Start("momentum", "BTC-PERPETUAL"))

	// Protective order with no position behind it.
	mock.AddOpenOrder(broker.Order{
		OrderID:    "orphan-1",
		Instrument: "BTC-PERPETUAL",
		Side:       broker.SideSell,
		Type:       broker.OrderTypeStopMarket,
		Amount:     20,
		ReduceOnly: true,
		Label:      "entry-abc123_sl",
	})

	require.NoError(t, r.SweepOrphans(context.Background()))
	assert.Equal(t, broker.OrderStateCancelled, mock.Orders["orphan-1"].State)
}

func TestSweepKeepsProtectiveOrdersWithPosition(t *testing.T) {
	r, mock, lm := setup(false)
	require.NoError(t, lm.Start("momentum", "BTC-PERPETUAL"))
	mock.SetPosition("BTC-PERPETUAL", 20, 50000)

	mock.AddOpenOrder(broker.Order{
		OrderID:    "sl-1",
		Instrument: "BTC-PERPETUAL",
		Side:       broker.SideSell,
		Type:       broker.OrderTypeStopMarket,
		Amount:     20,
		ReduceOnly: true,
		Label:      "entry-abc123_sl",
	})

	require.NoError(t, r.SweepOrphans(context.Background()))
	assert.Equal(t, broker.OrderStateOpen, mock.Orders["sl-1"].State)
}

func TestSweepKeepsProtectiveWithRestingEntry(t *testing.T) {
	r, mock, lm := setup(false)
	require.NoError(t, lm.Start("momentum", "BTC-PERPETUAL"))

	// An unfilled limit entry with its stop parked alongside. There is no
	// position yet, but the stop belongs to a live triplet and must survive.
	mock.AddOpenOrder(broker.Order{
		OrderID:    "entry-1",
		Instrument: "BTC-PERPETUAL",
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeLimit,
		Amount:     20,
		Price:      49000,
		Label:      "entry-abc123",
	})
	mock.AddOpenOrder(broker.Order{
		OrderID:    "sl-1",
		Instrument: "BTC-PERPETUAL",
		Side:       broker.SideSell,
		Type:       broker.OrderTypeStopMarket,
		Amount:     20,
		ReduceOnly: true,
		Label:      "entry-abc123_sl",
	})

	require.NoError(t, r.SweepOrphans(context.Background()))
	assert.Equal(t, broker.OrderStateOpen, mock.Orders["sl-1"].State, "stop of a resting entry is not an orphan")
	assert.Equal(t, broker.OrderStateOpen, mock.Orders["entry-1"].State)
	assert.Zero(t, mock.CallCount("CancelOrder"))
}

func TestSweepKeepsPlainEntryOrders(t *testing.T) {
	r, mock, lm := setup(false)
	require.NoError(t, lm.Start("momentum", "BTC-PERPETUAL"))

	mock.AddOpenOrder(broker.Order{
		OrderID:    "entry-1",
		Instrument: "BTC-PERPETUAL",
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeLimit,
		Amount:     20,
		Price:      49000,
		Label:      "entry-abc123",
	})

	require.NoError(t, r.SweepOrphans(context.Background()))
	assert.Equal(t, broker.OrderStateOpen, mock.Orders["entry-1"].State, "resting entries are not orphans")
}

func TestSweepIsIdempotent(t *testing.T) {
	r, mock, lm := setup(false)
	require.NoError(t, lm.Start("momentum", "BTC-PERPETUAL"))
	mock.AddOpenOrder(broker.Order{
		OrderID:    "orphan-1",
		Instrument: "BTC-PERPETUAL",
		ReduceOnly: true,
	})

	require.NoError(t, r.SweepOrphans(context.Background()))
	cancels := mock.CallCount("CancelOrder")
	require.NoError(t, r.SweepOrphans(context.Background()))
	assert.Equal(t, cancels, mock.CallCount("CancelOrder"), "second sweep has nothing to cancel")
}

func TestRepairStopLossPlacesMissingStop(t *testing.T) {
	r, mock, _ := setup(false)
	mock.SetPosition("BTC-PERPETUAL", 20, 50000)

	orderID, err := r.RepairStopLoss(context.Background(), "BTC-PERPETUAL", 49900)
	require.NoError(t, err)
	require.NotEmpty(t, orderID)

	order := mock.Orders[orderID]
	assert.Equal(t, broker.SideSell, order.Side)
	assert.Equal(t, broker.OrderTypeStopMarket, order.Type)
	assert.True(t, order.ReduceOnly)
	assert.Equal(t, 49900.0, order.TriggerPrice)
	assert.Equal(t, 20.0, order.Amount)
}

func TestRepairStopLossIdempotent(t *testing.T) {
	r, mock, _ := setup(false)
	mock.SetPosition("BTC-PERPETUAL", 20, 50000)

	first, err := r.RepairStopLoss(context.Background(), "BTC-PERPETUAL", 49900)
	require.NoError(t, err)

	second, err := r.RepairStopLoss(context.Background(), "BTC-PERPETUAL", 49900)
	require.NoError(t, err)
	assert.Equal(t, first, second, "existing stop returned unchanged")
	assert.Equal(t, 1, mock.CallCount("PlaceOrder"))
}

func TestRepairStopLossRequiresPosition(t *testing.T) {
	r, _, _ := setup(false)
	_, err := r.RepairStopLoss(context.Background(), "BTC-PERPETUAL", 49900)
	require.Error(t, err)
}
