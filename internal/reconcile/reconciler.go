// Package reconcile keeps broker reality and lifecycle state aligned. A
// periodic reconciler corrects divergence between the two, and an orphan
// sweeper cancels protective orders that lost their position.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/lifecycle"
	"github.com/quantbench/derivd/internal/metrics"
	"github.com/quantbench/derivd/internal/placer"
)

// Reconciler action labels for metrics.
const (
	actionCloseUnknown = "close_unknown_position"
	actionStaleReset   = "stale_state_closed"
	actionGuardClose   = "multi_position_close"
)

// Reconciler cross-checks broker positions and orders against lifecycle
// state on an interval.
type Reconciler struct {
	broker    broker.Broker
	lifecycle *lifecycle.Manager
	cfg       config.ReconcilerConfig
	currency  string
	log       zerolog.Logger
}

// New builds a reconciler. currency scopes the position fetch.
func New(b broker.Broker, lm *lifecycle.Manager, cfg config.ReconcilerConfig, currency string) *Reconciler {
	return &Reconciler{
		broker:    b,
		lifecycle: lm,
		cfg:       cfg,
		currency:  currency,
		log:       config.NewLogger("reconcile"),
	}
}

// Run executes the reconcile pass once at startup, then on the configured
// intervals until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	sweepInterval := r.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}

	if err := r.Reconcile(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Startup reconcile failed")
	}

	reconcileTicker := time.NewTicker(interval)
	sweepTicker := time.NewTicker(sweepInterval)
	defer reconcileTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileTicker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.log.Warn().Err(err).Msg("Reconcile pass failed")
			}
		case <-sweepTicker.C:
			if err := r.SweepOrphans(ctx); err != nil {
				r.log.Warn().Err(err).Msg("Orphan sweep failed")
			}
		}
	}
}

// Reconcile runs one broker-vs-state pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	metrics.ReconcileRuns.Inc()

	positions, err := r.broker.GetOpenPositions(ctx, r.currency)
	if err != nil {
		return fmt.Errorf("failed to fetch positions: %w", err)
	}

	state := r.lifecycle.Snapshot()
	hasPosition := len(positions) > 0

	switch {
	case hasPosition && (state.State == lifecycle.StateIdle || state.State == lifecycle.StateAnalyzing):
		r.handleUnknownPositions(ctx, positions, state)

	case !hasPosition && state.State == lifecycle.StatePositionOpen:
		r.handleStaleState(state)

	case hasPosition && state.State == lifecycle.StatePositionOpen:
		if positions[0].Instrument != state.Instrument {
			r.log.Warn().
				Str("state_instrument", state.Instrument).
				Str("broker_instrument", positions[0].Instrument).
				Msg("Position instrument does not match lifecycle state, not auto-acting")
		}
	}

	if len(positions) > 1 {
		r.handleMultiPosition(ctx, positions, state)
	}
	return nil
}

// handleUnknownPositions warns about exposure the engine does not know about
// and closes it when the policy allows.
func (r *Reconciler) handleUnknownPositions(ctx context.Context, positions []broker.Position, state lifecycle.StrategyState) {
	for _, pos := range positions {
		r.log.Warn().
			Str("instrument", pos.Instrument).
			Float64("size", pos.Size).
			Str("lifecycle_state", string(state.State)).
			Bool("auto_close", r.cfg.AutoCloseUnknown).
			Msg("Unknown position at broker")

		if !r.cfg.AutoCloseUnknown {
			continue
		}
		if _, err := r.broker.ClosePosition(ctx, pos.Instrument); err != nil {
			r.log.Error().Err(err).Str("instrument", pos.Instrument).Msg("Failed to close unknown position")
			continue
		}
		metrics.ReconcileActions.WithLabelValues(actionCloseUnknown).Inc()
	}
}

// handleStaleState walks POSITION_OPEN back to ANALYZING through the normal
// closed path when the broker shows no exposure.
func (r *Reconciler) handleStaleState(state lifecycle.StrategyState) {
	r.log.Warn().
		Str("instrument", state.Instrument).
		Msg("Lifecycle says position open but broker is flat, closing state")

	if err := r.lifecycle.Closing(); err != nil {
		r.log.Error().Err(err).Msg("Failed to transition stale state to CLOSING")
		return
	}
	if err := r.lifecycle.Closed(); err != nil {
		r.log.Error().Err(err).Msg("Failed to transition stale state to ANALYZING")
		return
	}
	metrics.ReconcileActions.WithLabelValues(actionStaleReset).Inc()
}

// handleMultiPosition enforces the single-position guard: all positions but
// the tracked one (or the first, when none is tracked) are closed when the
// policy allows.
func (r *Reconciler) handleMultiPosition(ctx context.Context, positions []broker.Position, state lifecycle.StrategyState) {
	r.log.Warn().Int("count", len(positions)).Msg("Multiple open positions violate the single-position guard")
	if !r.cfg.AutoCloseUnknown {
		return
	}

	keep := positions[0].Instrument
	if state.Instrument != "" {
		keep = state.Instrument
	}
	for _, pos := range positions {
		if pos.Instrument == keep {
			continue
		}
		if _, err := r.broker.ClosePosition(ctx, pos.Instrument); err != nil {
			r.log.Error().Err(err).Str("instrument", pos.Instrument).Msg("Failed to close extra position")
			continue
		}
		metrics.ReconcileActions.WithLabelValues(actionGuardClose).Inc()
	}
}

// SweepOrphans cancels protective orders whose position is gone.
func (r *Reconciler) SweepOrphans(ctx context.Context) error {
	positions, err := r.broker.GetOpenPositions(ctx, r.currency)
	if err != nil {
		return fmt.Errorf("failed to fetch positions: %w", err)
	}
	exposed := make(map[string]bool, len(positions))
	for _, pos := range positions {
		exposed[pos.Instrument] = true
	}

	instruments := r.candidateInstruments(positions)
	for _, instrument := range instruments {
		orders, err := r.broker.GetOpenOrders(ctx, instrument)
		if err != nil {
			r.log.Warn().Err(err).Str("instrument", instrument).Msg("Failed to list open orders for sweep")
			continue
		}
		openLabels := make(map[string]bool, len(orders))
		for _, order := range orders {
			if order.Label != "" {
				openLabels[order.Label] = true
			}
		}
		for _, order := range orders {
			if !r.isOrphan(order, exposed[order.Instrument], openLabels) {
				continue
			}
			metrics.OrphansDetected.Inc()
			r.log.Warn().
				Str("order_id", order.OrderID).
				Str("instrument", order.Instrument).
				Str("label", order.Label).
				Msg("Orphan protective order detected")

			if err := r.broker.CancelOrder(ctx, order.OrderID); err != nil {
				r.log.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to cancel orphan order")
				continue
			}
			metrics.OrphansCancelled.Inc()
		}
	}
	return nil
}

// isOrphan classifies one open order. An order participating in a live OCO is
// never an orphan: either its position still exists, or a sibling of its
// labelled triplet (the entry or the other protective leg) is still resting
// on the book, as with a stop parked next to an unfilled limit entry.
func (r *Reconciler) isOrphan(order broker.Order, hasPosition bool, openLabels map[string]bool) bool {
	if hasPosition {
		return false
	}
	if tx, protective := placer.IsProtectiveLabel(order.Label); protective {
		entry := placer.EntryLabel(tx)
		for _, sibling := range []string{entry, entry + "_sl", entry + "_tp"} {
			if sibling != order.Label && openLabels[sibling] {
				return false
			}
		}
		return true
	}
	return order.ReduceOnly
}

// candidateInstruments collects the instruments worth sweeping: everything
// with a position plus the lifecycle's tracked instrument.
func (r *Reconciler) candidateInstruments(positions []broker.Position) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, pos := range positions {
		add(pos.Instrument)
	}
	add(r.lifecycle.Snapshot().Instrument)
	return out
}

// RepairStopLoss re-places a missing protective stop for an open position at
// stopPrice (already tick-aligned by the caller). Idempotent: an existing
// stop is returned unchanged.
func (r *Reconciler) RepairStopLoss(ctx context.Context, instrument string, stopPrice float64) (string, error) {
	position, err := r.broker.GetPosition(ctx, instrument)
	if err != nil {
		return "", fmt.Errorf("failed to fetch position: %w", err)
	}
	if !position.IsOpen() {
		return "", fmt.Errorf("no open position on %s to protect", instrument)
	}

	orders, err := r.broker.GetOpenOrders(ctx, instrument)
	if err != nil {
		return "", fmt.Errorf("failed to list open orders: %w", err)
	}
	for _, order := range orders {
		if order.ReduceOnly && (order.Type == broker.OrderTypeStopMarket || order.Type == broker.OrderTypeStopLimit) {
			return order.OrderID, nil
		}
	}

	result, err := r.broker.PlaceOrder(ctx, broker.OrderParams{
		Instrument:   instrument,
		Side:         position.Side().Opposite(),
		Type:         broker.OrderTypeStopMarket,
		Amount:       position.AbsSize(),
		TriggerPrice: stopPrice,
		ReduceOnly:   true,
		Label:        "repair-sl",
	})
	if err != nil {
		return "", fmt.Errorf("failed to repair stop-loss: %w", err)
	}

	r.log.Info().
		Str("instrument", instrument).
		Str("order_id", result.Order.OrderID).
		Float64("stop_price", stopPrice).
		Msg("Protective stop repaired")
	return result.Order.OrderID, nil
}
