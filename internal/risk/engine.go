// Package risk implements fixed-fractional position sizing, bracket price
// construction and the order-path circuit breaker.
package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/brokererr"
	"github.com/quantbench/derivd/internal/config"
)

// RiskMode selects how the risk value is interpreted.
type RiskMode string

const (
	RiskModePercent RiskMode = "percent" // value is a percentage of equity
	RiskModeFixed   RiskMode = "fixed"   // value is an absolute quote amount
)

// Engine sizes positions from account equity and stop distance.
type Engine struct {
	cfg config.RiskConfig
	log zerolog.Logger
}

// NewEngine builds a sizing engine from risk configuration.
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{
		cfg: cfg,
		log: config.NewLogger("risk"),
	}
}

// SizeRequest carries the inputs for one sizing decision.
type SizeRequest struct {
	Instrument *broker.Instrument
	Equity     float64
	EntryPrice float64
	StopPrice  float64
	Mode       RiskMode // defaults to percent
	Value      float64  // 0 in percent mode means the configured default
}

// SizeResult is a fully computed position size.
type SizeResult struct {
	Quantity   float64  // rounded down to the instrument lot
	RiskAmount float64  // equity at risk if the stop fills exactly
	Notional   float64  // Quantity * EntryPrice, in quote currency
	Leverage   float64  // Notional / Equity
	Warnings   []string // non-fatal findings (high leverage, scaled size)
}

// Size computes quantity so that a fill at the stop loses the requested risk
// amount: qty = riskAmount / |entry - stop|, floored to the lot. Sizes that
// would exceed the leverage cap are scaled down to the cap; only a size that
// then falls below the instrument minimum fails.
func (e *Engine) Size(req SizeRequest) (*SizeResult, error) {
	if req.Instrument == nil {
		return nil, brokererr.New(brokererr.KindInvalidParams, "instrument is required")
	}
	if !req.Instrument.IsLinear() {
		return nil, brokererr.Newf(brokererr.KindInvalidParams,
			"instrument %s has contract type %q, only linear contracts are supported",
			req.Instrument.Name, req.Instrument.ContractType)
	}
	if req.Equity <= 0 {
		return nil, brokererr.New(brokererr.KindInsufficientFunds, "account equity is not positive")
	}
	if req.EntryPrice <= 0 || req.StopPrice <= 0 {
		return nil, brokererr.New(brokererr.KindInvalidParams, "entry and stop prices must be positive")
	}

	stopDistance := math.Abs(req.EntryPrice - req.StopPrice)
	if stopDistance == 0 {
		return nil, brokererr.New(brokererr.KindInvalidParams, "stop price equals entry price")
	}

	riskAmount, err := e.riskAmount(req)
	if err != nil {
		return nil, err
	}

	lot := req.Instrument.MinTradeAmount
	rawQty := riskAmount / stopDistance
	qty := roundDownToStep(rawQty, lot)

	if qty < req.Instrument.MinTradeAmount || qty <= 0 {
		return nil, brokererr.Newf(brokererr.KindAmountTooSmall,
			"computed size %.8f below minimum %.8f for %s",
			rawQty, req.Instrument.MinTradeAmount, req.Instrument.Name)
	}

	var warnings []string

	maxLev := e.leverageCap(req.Instrument)
	maxQty := roundDownToStep(req.Equity*maxLev/req.EntryPrice, lot)
	if qty > maxQty {
		warnings = append(warnings, fmt.Sprintf(
			"size %.8f scaled down to %.8f to stay within %.0fx leverage", qty, maxQty, maxLev))
		qty = maxQty
		if qty < req.Instrument.MinTradeAmount || qty <= 0 {
			return nil, brokererr.Newf(brokererr.KindAmountTooSmall,
				"size below minimum %.8f after scaling to the leverage cap",
				req.Instrument.MinTradeAmount)
		}
	}

	notional := qty * req.EntryPrice
	leverage := notional / req.Equity

	if e.cfg.WarnLeverage > 0 && leverage > e.cfg.WarnLeverage {
		warnings = append(warnings, fmt.Sprintf(
			"leverage %.2fx above warning threshold %.2fx", leverage, e.cfg.WarnLeverage))
		e.log.Warn().
			Str("instrument", req.Instrument.Name).
			Float64("leverage", leverage).
			Float64("warn_threshold", e.cfg.WarnLeverage).
			Msg("Position leverage above warning threshold")
	}

	return &SizeResult{
		Quantity:   qty,
		RiskAmount: riskAmount,
		Notional:   notional,
		Leverage:   leverage,
		Warnings:   warnings,
	}, nil
}

func (e *Engine) riskAmount(req SizeRequest) (float64, error) {
	switch req.Mode {
	case RiskModeFixed:
		if req.Value <= 0 {
			return 0, brokererr.New(brokererr.KindInvalidParams, "fixed risk amount must be positive")
		}
		return req.Value, nil
	case RiskModePercent, "":
		pct := req.Value
		if pct == 0 {
			pct = e.cfg.DefaultRiskPercent
		}
		if pct <= 0 || pct > 100 {
			return 0, brokererr.Newf(brokererr.KindInvalidParams, "risk percent %.2f out of range (0, 100]", pct)
		}
		return req.Equity * pct / 100, nil
	default:
		return 0, brokererr.Newf(brokererr.KindInvalidParams, "unknown risk mode %q", req.Mode)
	}
}

func (e *Engine) leverageCap(instr *broker.Instrument) float64 {
	maxLev := e.cfg.MaxLeverage
	if maxLev <= 0 {
		maxLev = 50
	}
	if instr.MaxLeverage > 0 && instr.MaxLeverage < maxLev {
		maxLev = instr.MaxLeverage
	}
	return maxLev
}

// roundDownToStep floors value to a multiple of step. A zero step passes the
// value through unchanged.
func roundDownToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	steps := math.Floor(value/step + 1e-9)
	return steps * step
}

// roundToTick snaps price to the nearest tick.
func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
