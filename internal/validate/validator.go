// Package validate runs pre-flight checks on entry orders: instrument
// constraints, margin, leverage and lifecycle position limits.
package validate

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/brokererr"
	"github.com/quantbench/derivd/internal/config"
)

// amountEpsilon is the relative adjustment above which lot rounding is
// surfaced as a warning instead of silently applied.
const amountEpsilon = 1e-6

// PositionGuard is the lifecycle surface the validator consults.
type PositionGuard interface {
	CanOpenPosition() bool
}

// Validator checks entry orders before placement.
type Validator struct {
	broker broker.Broker
	guard  PositionGuard
	cfg    config.RiskConfig
	log    zerolog.Logger
}

// New builds a validator.
func New(b broker.Broker, guard PositionGuard, cfg config.RiskConfig) *Validator {
	return &Validator{
		broker: b,
		guard:  guard,
		cfg:    cfg,
		log:    config.NewLogger("validate"),
	}
}

// Request is one candidate entry order.
type Request struct {
	Instrument string
	Side       broker.Side
	Type       broker.OrderType
	Amount     float64
	Price      float64 // required for limit orders
}

// Result is a validated, normalized order: amounts and prices are on the
// instrument grid and margin headroom is confirmed.
type Result struct {
	Instrument     *broker.Instrument
	Amount         float64
	Price          float64
	Notional       float64
	RequiredMargin float64
	Leverage       float64
	Warnings       []string
}

// PreFlight validates one entry order. Rejections carry taxonomy kinds so
// callers can distinguish deterministic refusals from transport faults.
func (v *Validator) PreFlight(ctx context.Context, req Request) (*Result, error) {
	if req.Amount <= 0 {
		return nil, brokererr.New(brokererr.KindInvalidParams, "order amount must be positive")
	}
	if req.Side != broker.SideBuy && req.Side != broker.SideSell {
		return nil, brokererr.Newf(brokererr.KindInvalidParams, "invalid side %q", req.Side)
	}

	instr, err := v.broker.GetInstrument(ctx, req.Instrument)
	if err != nil {
		return nil, err
	}

	result := &Result{Instrument: instr}

	result.Amount = roundDownToStep(req.Amount, instr.MinTradeAmount)
	if adj := math.Abs(req.Amount - result.Amount); adj > req.Amount*amountEpsilon {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"amount %.8f rounded to lot as %.8f", req.Amount, result.Amount))
	}
	if result.Amount < instr.MinTradeAmount {
		return nil, brokererr.Newf(brokererr.KindAmountTooSmall,
			"amount %.8f below minimum %.8f for %s", req.Amount, instr.MinTradeAmount, instr.Name)
	}

	refPrice, err := v.referencePrice(ctx, req, instr, result)
	if err != nil {
		return nil, err
	}

	summary, err := v.broker.GetBalance(ctx, instr.QuoteCurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance for validation: %w", err)
	}
	if summary.Equity <= 0 {
		return nil, brokererr.New(brokererr.KindInsufficientFunds, "account equity is not positive")
	}

	result.Notional = result.Amount * refPrice

	instrLeverage := instr.MaxLeverage
	if instrLeverage <= 0 {
		instrLeverage = 1
	}
	result.RequiredMargin = result.Notional / instrLeverage
	if summary.AvailableFunds < result.RequiredMargin {
		return nil, brokererr.Newf(brokererr.KindInsufficientMargin,
			"required margin %.2f exceeds available funds %.2f", result.RequiredMargin, summary.AvailableFunds)
	}

	result.Leverage = result.Notional / summary.Equity
	hardCap := v.cfg.MaxLeverage
	if hardCap <= 0 {
		hardCap = 50
	}
	if result.Leverage > hardCap {
		return nil, brokererr.Newf(brokererr.KindLeverageExceeded,
			"leverage %.2fx exceeds hard cap %.2fx", result.Leverage, hardCap)
	}
	if v.cfg.WarnLeverage > 0 && result.Leverage > v.cfg.WarnLeverage {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"leverage %.2fx above warning threshold %.2fx", result.Leverage, v.cfg.WarnLeverage))
		v.log.Warn().
			Str("instrument", instr.Name).
			Float64("leverage", result.Leverage).
			Msg("Order leverage above warning threshold")
	}

	if !v.guard.CanOpenPosition() {
		return nil, brokererr.New(brokererr.KindPositionAlreadyExists,
			"lifecycle does not permit opening a position now")
	}
	hasPosition, err := v.broker.HasOpenPosition(ctx, instr.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check open position: %w", err)
	}
	if hasPosition {
		return nil, brokererr.Newf(brokererr.KindPositionAlreadyExists,
			"position already open on %s", instr.Name)
	}

	return result, nil
}

// referencePrice resolves the price used for notional math: the rounded
// limit price, or the current mark for market orders.
func (v *Validator) referencePrice(ctx context.Context, req Request, instr *broker.Instrument, result *Result) (float64, error) {
	if req.Type == broker.OrderTypeLimit {
		if req.Price <= 0 {
			return 0, brokererr.New(brokererr.KindInvalidParams, "limit orders require a positive price")
		}
		result.Price = roundToTick(req.Price, instr.TickSize)
		if result.Price != req.Price {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"price %.8f rounded to tick as %.8f", req.Price, result.Price))
		}
		return result.Price, nil
	}

	ticker, err := v.broker.GetTicker(ctx, instr.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch ticker for validation: %w", err)
	}
	if ticker.MarkPrice > 0 {
		return ticker.MarkPrice, nil
	}
	return ticker.LastPrice, nil
}

func roundDownToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step+1e-9) * step
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
