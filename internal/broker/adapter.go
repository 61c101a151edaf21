// Package broker provides a typed adapter over the raw JSON-RPC session.
// Consumers work with domain types (Instrument, Order, Position) and never
// see wire payloads.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/brokererr"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/metrics"
)

// RPC is the transport surface the adapter needs from the session layer.
type RPC interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	CallWithRetry(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Broker is the typed trading surface. All mutating calls go through exactly
// one RPC attempt; reads retry on transient failures.
type Broker interface {
	GetBalance(ctx context.Context, currency string) (*AccountSummary, error)
	GetInstrument(ctx context.Context, name string) (*Instrument, error)
	GetTicker(ctx context.Context, name string) (*Ticker, error)
	GetChartData(ctx context.Context, name, resolution string, start, end time.Time) ([]Candle, error)
	PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllByInstrument(ctx context.Context, name string) (int, error)
	GetOpenOrders(ctx context.Context, name string) ([]Order, error)
	GetOpenPositions(ctx context.Context, currency string) ([]Position, error)
	GetPosition(ctx context.Context, name string) (*Position, error)
	HasOpenPosition(ctx context.Context, name string) (bool, error)
	ClosePosition(ctx context.Context, name string) (*OrderResult, error)
	GetUserTrades(ctx context.Context, name string, count int) ([]UserTrade, error)
}

// Adapter implements Broker over a JSON-RPC session.
type Adapter struct {
	rpc         RPC
	instruments *instrumentCache
	log         zerolog.Logger
}

var _ Broker = (*Adapter)(nil)

// NewAdapter builds an adapter with the given instrument cache TTL.
func NewAdapter(rpc RPC, instrumentTTL time.Duration) *Adapter {
	return &Adapter{
		rpc:         rpc,
		instruments: newInstrumentCache(instrumentTTL),
		log:         config.NewLogger("broker"),
	}
}

// FlushInstruments drops all cached instrument metadata. Called on
// environment switches, where the same name can map to different contracts.
func (a *Adapter) FlushInstruments() {
	a.instruments.clear()
	a.log.Debug().Msg("Instrument cache flushed")
}

func (a *Adapter) read(ctx context.Context, method string, params, out interface{}) error {
	raw, err := a.rpc.CallWithRetry(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return brokererr.Wrap(brokererr.KindServer, err, fmt.Sprintf("malformed %s response", method))
	}
	return nil
}

// GetBalance fetches the account summary for one currency.
func (a *Adapter) GetBalance(ctx context.Context, currency string) (*AccountSummary, error) {
	var summary AccountSummary
	err := a.read(ctx, "private/get_account_summary", map[string]interface{}{
		"currency": currency,
		"extended": true,
	}, &summary)
	if err != nil {
		return nil, fmt.Errorf("failed to get account summary: %w", err)
	}
	return &summary, nil
}

// GetInstrument fetches contract metadata, served from cache when fresh.
// Non-linear contracts are rejected here so sizing math never sees them.
func (a *Adapter) GetInstrument(ctx context.Context, name string) (*Instrument, error) {
	if instr, ok := a.instruments.get(name); ok {
		return &instr, nil
	}

	var instr Instrument
	err := a.read(ctx, "public/get_instrument", map[string]interface{}{
		"instrument_name": name,
	}, &instr)
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument %s: %w", name, err)
	}

	if !instr.IsLinear() {
		return nil, brokererr.Newf(brokererr.KindInvalidParams,
			"instrument %s has contract type %q, only linear contracts are supported", name, instr.ContractType)
	}

	a.instruments.put(instr)
	return &instr, nil
}

// GetTicker fetches the current market snapshot for one instrument.
func (a *Adapter) GetTicker(ctx context.Context, name string) (*Ticker, error) {
	var ticker Ticker
	err := a.read(ctx, "public/ticker", map[string]interface{}{
		"instrument_name": name,
	}, &ticker)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", name, err)
	}
	return &ticker, nil
}

// GetChartData fetches OHLCV candles in the given resolution (broker minutes
// notation, e.g. "1", "5", "60", "1D") over [start, end].
func (a *Adapter) GetChartData(ctx context.Context, name, resolution string, start, end time.Time) ([]Candle, error) {
	var data chartData
	err := a.read(ctx, "public/get_tradingview_chart_data", map[string]interface{}{
		"instrument_name": name,
		"resolution":      resolution,
		"start_timestamp": start.UnixMilli(),
		"end_timestamp":   end.UnixMilli(),
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to get chart data for %s: %w", name, err)
	}
	if data.Status == "no_data" {
		return nil, nil
	}

	n := len(data.Ticks)
	if len(data.Open) != n || len(data.High) != n || len(data.Low) != n || len(data.Close) != n {
		return nil, brokererr.New(brokererr.KindServer, "chart data arrays have mismatched lengths")
	}

	candles := make([]Candle, n)
	for i := 0; i < n; i++ {
		candles[i] = Candle{
			Timestamp: time.UnixMilli(data.Ticks[i]),
			Open:      data.Open[i],
			High:      data.High[i],
			Low:       data.Low[i],
			Close:     data.Close[i],
		}
		if i < len(data.Volume) {
			candles[i].Volume = data.Volume[i]
		}
	}
	return candles, nil
}

// PlaceOrder submits one order, optionally with OTOCO-linked protective
// children. Exactly one RPC attempt: placement is not idempotent and a
// timeout here may still have executed server-side.
func (a *Adapter) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error) {
	method := "private/buy"
	if params.Side == SideSell {
		method = "private/sell"
	}

	wire := map[string]interface{}{
		"instrument_name": params.Instrument,
		"amount":          params.Amount,
		"type":            string(params.Type),
	}
	if params.Price > 0 {
		wire["price"] = params.Price
	}
	if params.TriggerPrice > 0 {
		wire["trigger_price"] = params.TriggerPrice
		wire["trigger"] = "mark_price"
	}
	if params.Label != "" {
		wire["label"] = params.Label
	}
	if params.ReduceOnly {
		wire["reduce_only"] = true
	}
	if len(params.OtocoConfig) > 0 {
		children := make([]map[string]interface{}, 0, len(params.OtocoConfig))
		for _, child := range params.OtocoConfig {
			c := map[string]interface{}{
				"type":        string(child.Type),
				"amount":      child.Amount,
				"direction":   string(child.Direction),
				"reduce_only": child.ReduceOnly,
			}
			if child.Price > 0 {
				c["price"] = child.Price
			}
			if child.TriggerPrice > 0 {
				c["trigger_price"] = child.TriggerPrice
				c["trigger"] = "mark_price"
			}
			if child.Label != "" {
				c["label"] = child.Label
			}
			children = append(children, c)
		}
		wire["otoco_config"] = children
		wire["linked_order_type"] = "one_triggers_one_cancels_other"
		wire["trigger_fill_condition"] = "first_hit"
	}

	raw, err := a.rpc.Call(ctx, method, wire)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(string(brokererr.KindOf(err))).Inc()
		return nil, fmt.Errorf("failed to place %s %s order on %s: %w", params.Side, params.Type, params.Instrument, err)
	}

	var result OrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, brokererr.Wrap(brokererr.KindServer, err, "malformed order placement response")
	}

	metrics.OrdersPlaced.WithLabelValues(string(params.Side), string(params.Type)).Inc()
	a.log.Info().
		Str("order_id", result.Order.OrderID).
		Str("instrument", params.Instrument).
		Str("side", string(params.Side)).
		Str("type", string(params.Type)).
		Float64("amount", params.Amount).
		Bool("otoco", len(params.OtocoConfig) > 0).
		Msg("Order placed")
	return &result, nil
}

// CancelOrder cancels one order by id. Cancelling an already-gone order
// surfaces the broker error to the caller, who decides whether that is fine.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := a.rpc.Call(ctx, "private/cancel", map[string]interface{}{
		"order_id": orderID,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	a.log.Info().Str("order_id", orderID).Msg("Order cancelled")
	return nil
}

// CancelAllByInstrument cancels every open order on the instrument and
// returns how many were cancelled.
func (a *Adapter) CancelAllByInstrument(ctx context.Context, name string) (int, error) {
	raw, err := a.rpc.Call(ctx, "private/cancel_all_by_instrument", map[string]interface{}{
		"instrument_name": name,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel orders on %s: %w", name, err)
	}

	var count int
	if err := json.Unmarshal(raw, &count); err != nil {
		return 0, brokererr.Wrap(brokererr.KindServer, err, "malformed cancel_all response")
	}
	if count > 0 {
		a.log.Info().Str("instrument", name).Int("cancelled", count).Msg("Open orders cancelled")
	}
	return count, nil
}

// GetOpenOrders lists open orders for one instrument.
func (a *Adapter) GetOpenOrders(ctx context.Context, name string) ([]Order, error) {
	var orders []Order
	err := a.read(ctx, "private/get_open_orders_by_instrument", map[string]interface{}{
		"instrument_name": name,
	}, &orders)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders for %s: %w", name, err)
	}
	return orders, nil
}

// GetOpenPositions lists positions with exposure in one currency.
func (a *Adapter) GetOpenPositions(ctx context.Context, currency string) ([]Position, error) {
	var positions []Position
	err := a.read(ctx, "private/get_positions", map[string]interface{}{
		"currency": currency,
	}, &positions)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	open := positions[:0]
	for _, p := range positions {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open, nil
}

// GetPosition fetches the position on one instrument. A flat position is
// returned as a zero-size snapshot, not an error.
func (a *Adapter) GetPosition(ctx context.Context, name string) (*Position, error) {
	var position Position
	err := a.read(ctx, "private/get_position", map[string]interface{}{
		"instrument_name": name,
	}, &position)
	if err != nil {
		return nil, fmt.Errorf("failed to get position for %s: %w", name, err)
	}
	return &position, nil
}

// HasOpenPosition reports whether the instrument carries exposure.
func (a *Adapter) HasOpenPosition(ctx context.Context, name string) (bool, error) {
	position, err := a.GetPosition(ctx, name)
	if err != nil {
		return false, err
	}
	return position.IsOpen(), nil
}

// ClosePosition market-closes the full position on one instrument.
func (a *Adapter) ClosePosition(ctx context.Context, name string) (*OrderResult, error) {
	raw, err := a.rpc.Call(ctx, "private/close_position", map[string]interface{}{
		"instrument_name": name,
		"type":            "market",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close position on %s: %w", name, err)
	}

	var result OrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, brokererr.Wrap(brokererr.KindServer, err, "malformed close_position response")
	}

	a.log.Info().Str("instrument", name).Str("order_id", result.Order.OrderID).Msg("Position closed")
	return &result, nil
}

// GetUserTrades fetches the most recent executions on one instrument,
// newest first.
func (a *Adapter) GetUserTrades(ctx context.Context, name string, count int) ([]UserTrade, error) {
	if count <= 0 {
		count = 20
	}
	var result struct {
		Trades []UserTrade `json:"trades"`
	}
	err := a.read(ctx, "private/get_user_trades_by_instrument", map[string]interface{}{
		"instrument_name": name,
		"count":           count,
		"sorting":         "desc",
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades for %s: %w", name, err)
	}
	return result.Trades, nil
}
