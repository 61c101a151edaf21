// Package placer turns a validated entry plus protective levels into broker
// orders. The preferred path is a single native OTOCO placement; exchanges
// without OTOCO get a sequential placement with reverse-order rollback.
package placer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/metrics"
	"github.com/quantbench/derivd/internal/risk"
)

// defaultTimeout bounds one whole bracket placement including rollback
// decisions.
const defaultTimeout = 5 * time.Second

// OrphanHandler is notified when rollback could not cancel every placed leg
// and live protective orders may remain at the broker.
type OrphanHandler func(transactionID string, orderIDs []string)

// Placer places entry orders with linked stop-loss and take-profit.
type Placer struct {
	broker  broker.Broker
	breaker *risk.Breaker

	// mu serializes placements per account so two brackets cannot interleave
	// their margin checks and legs.
	mu sync.Mutex

	nativeOTOCO bool
	timeout     time.Duration
	onOrphan    OrphanHandler
	log         zerolog.Logger
}

// Option configures a Placer.
type Option func(*Placer)

// WithoutNativeOTOCO forces the sequential fallback path.
func WithoutNativeOTOCO() Option {
	return func(p *Placer) { p.nativeOTOCO = false }
}

// WithTimeout overrides the overall placement timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Placer) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithOrphanHandler registers the orphan notification callback.
func WithOrphanHandler(h OrphanHandler) Option {
	return func(p *Placer) { p.onOrphan = h }
}

// New builds a placer. breaker may be nil to bypass circuit breaking.
func New(b broker.Broker, breaker *risk.Breaker, opts ...Option) *Placer {
	p := &Placer{
		broker:      b,
		breaker:     breaker,
		nativeOTOCO: true,
		timeout:     defaultTimeout,
		log:         config.NewLogger("placer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BracketRequest is a validated bracket: amount on the lot grid, prices on
// the tick grid, stop and take on the correct sides of the entry.
type BracketRequest struct {
	Instrument  string
	Side        broker.Side
	Type        broker.OrderType // market or limit entry
	Amount      float64
	Price       float64 // limit entries only
	StopTrigger float64
	TakePrice   float64
}

// BracketResult identifies the placed legs. SL and TP ids may be empty on
// the native path when the broker has not yet materialized the children.
type BracketResult struct {
	TransactionID string
	EntryOrderID  string
	SLOrderID     string
	TPOrderID     string
}

// EntryLabel returns the label grammar for a transaction's entry order.
func EntryLabel(transactionID string) string {
	return "entry-" + transactionID
}

// IsProtectiveLabel reports whether label belongs to a bracket's SL or TP leg
// and returns the owning transaction id.
func IsProtectiveLabel(label string) (txID string, ok bool) {
	if !strings.HasPrefix(label, "entry-") {
		return "", false
	}
	switch {
	case strings.HasSuffix(label, "_sl"):
		return strings.TrimSuffix(strings.TrimPrefix(label, "entry-"), "_sl"), true
	case strings.HasSuffix(label, "_tp"):
		return strings.TrimSuffix(strings.TrimPrefix(label, "entry-"), "_tp"), true
	default:
		return "", false
	}
}

// PlaceBracket places entry, stop-loss and take-profit as one logical
// operation. On any leg failure every placed leg is cancelled in reverse
// order; if a cancellation fails the orphan handler fires and the original
// placement error is returned.
func (p *Placer) PlaceBracket(ctx context.Context, req BracketRequest) (*BracketResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	txID := uuid.NewString()[:8]
	log := p.log.With().
		Str("tx_id", txID).
		Str("instrument", req.Instrument).
		Str("side", string(req.Side)).
		Float64("amount", req.Amount).
		Logger()

	var result *BracketResult
	var err error
	if p.nativeOTOCO {
		result, err = p.placeNative(ctx, txID, req, log)
	} else {
		result, err = p.placeSequential(ctx, txID, req, log)
	}
	if err != nil {
		return nil, err
	}

	metrics.BracketsPlaced.Inc()
	log.Info().
		Str("entry_order_id", result.EntryOrderID).
		Str("sl_order_id", result.SLOrderID).
		Str("tp_order_id", result.TPOrderID).
		Msg("Bracket placed")
	return result, nil
}

func (p *Placer) place(ctx context.Context, params broker.OrderParams) (*broker.OrderResult, error) {
	if p.breaker == nil {
		return p.broker.PlaceOrder(ctx, params)
	}
	var result *broker.OrderResult
	err := p.breaker.Execute(func() error {
		var placeErr error
		result, placeErr = p.broker.PlaceOrder(ctx, params)
		return placeErr
	})
	return result, err
}

// placeNative submits one OTOCO order; the broker guarantees atomicity and
// links SL and TP one-cancels-other on the entry fill.
func (p *Placer) placeNative(ctx context.Context, txID string, req BracketRequest, log zerolog.Logger) (*BracketResult, error) {
	exitSide := req.Side.Opposite()
	params := broker.OrderParams{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Amount:     req.Amount,
		Price:      req.Price,
		Label:      EntryLabel(txID),
		OtocoConfig: []broker.ChildOrderParams{
			{
				Type:         broker.OrderTypeStopMarket,
				Amount:       req.Amount,
				TriggerPrice: req.StopTrigger,
				Direction:    exitSide,
				ReduceOnly:   true,
				Label:        EntryLabel(txID) + "_sl",
			},
			{
				Type:         broker.OrderTypeTakeLimit,
				Amount:       req.Amount,
				Price:        req.TakePrice,
				TriggerPrice: req.TakePrice,
				Direction:    exitSide,
				ReduceOnly:   true,
				Label:        EntryLabel(txID) + "_tp",
			},
		},
	}

	placed, err := p.place(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to place OTOCO bracket: %w", err)
	}

	result := &BracketResult{
		TransactionID: txID,
		EntryOrderID:  placed.Order.OrderID,
	}

	// The children are broker-side; resolve their ids from the open orders
	// when available. Missing ids are not an error, the reconciler finds
	// them by label.
	if open, lookupErr := p.broker.GetOpenOrders(ctx, req.Instrument); lookupErr == nil {
		for _, order := range open {
			switch order.Label {
			case EntryLabel(txID) + "_sl":
				result.SLOrderID = order.OrderID
			case EntryLabel(txID) + "_tp":
				result.TPOrderID = order.OrderID
			}
		}
	} else {
		log.Debug().Err(lookupErr).Msg("Could not resolve OTOCO child order ids")
	}
	return result, nil
}

// placeSequential submits entry, SL and TP as three orders. A failure on any
// leg rolls back the placed legs in reverse order (tp, sl, entry).
func (p *Placer) placeSequential(ctx context.Context, txID string, req BracketRequest, log zerolog.Logger) (*BracketResult, error) {
	exitSide := req.Side.Opposite()
	result := &BracketResult{TransactionID: txID}

	var placedIDs []string // in placement order

	rollback := func(cause error) error {
		metrics.BracketRollbacks.Inc()
		// The placement context may already be dead; rollback runs on its
		// own budget.
		cancelCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		var orphans []string
		for i := len(placedIDs) - 1; i >= 0; i-- {
			if err := p.broker.CancelOrder(cancelCtx, placedIDs[i]); err != nil {
				log.Warn().Err(err).Str("order_id", placedIDs[i]).Msg("Rollback cancellation failed")
				orphans = append(orphans, placedIDs[i])
			}
		}
		if len(orphans) > 0 {
			metrics.OrphansDetected.Inc()
			log.Warn().Strs("order_ids", orphans).Msg("Orphan orders left after rollback")
			if p.onOrphan != nil {
				p.onOrphan(txID, orphans)
			}
		}
		return cause
	}

	entry, err := p.place(ctx, broker.OrderParams{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Amount:     req.Amount,
		Price:      req.Price,
		Label:      EntryLabel(txID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place entry: %w", err)
	}
	result.EntryOrderID = entry.Order.OrderID
	placedIDs = append(placedIDs, entry.Order.OrderID)

	sl, err := p.place(ctx, broker.OrderParams{
		Instrument:   req.Instrument,
		Side:         exitSide,
		Type:         broker.OrderTypeStopMarket,
		Amount:       req.Amount,
		TriggerPrice: req.StopTrigger,
		ReduceOnly:   true,
		Label:        EntryLabel(txID) + "_sl",
	})
	if err != nil {
		return nil, rollback(fmt.Errorf("failed to place stop-loss: %w", err))
	}
	result.SLOrderID = sl.Order.OrderID
	placedIDs = append(placedIDs, sl.Order.OrderID)

	tp, err := p.place(ctx, broker.OrderParams{
		Instrument:   req.Instrument,
		Side:         exitSide,
		Type:         broker.OrderTypeTakeLimit,
		Amount:       req.Amount,
		Price:        req.TakePrice,
		TriggerPrice: req.TakePrice,
		ReduceOnly:   true,
		Label:        EntryLabel(txID) + "_tp",
	})
	if err != nil {
		return nil, rollback(fmt.Errorf("failed to place take-profit: %w", err))
	}
	result.TPOrderID = tp.Order.OrderID

	return result, nil
}
