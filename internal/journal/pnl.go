package journal

import (
	"math"

	"github.com/quantbench/derivd/internal/broker"
)

// ExitOutcome is a derived trade exit: price, realized PnL and attribution.
type ExitOutcome struct {
	ExitPrice  float64
	Pnl        float64
	PnlPercent float64
	ExitReason string
	PnlSource  string
}

// DeriveExit computes the exit from broker fill data when available, falling
// back to estimation from lastPrice otherwise. Fill data is authoritative:
// PnL comes from actual fill prices and fees, and the exit reason from which
// order id did the exiting.
func DeriveExit(trade *Trade, fills []broker.UserTrade, lastPrice float64) *ExitOutcome {
	if outcome := deriveFromFills(trade, fills); outcome != nil {
		return outcome
	}
	return EstimateExit(trade, lastPrice)
}

func deriveFromFills(trade *Trade, fills []broker.UserTrade) *ExitOutcome {
	var entryNotional, entryAmount float64
	var exitNotional, exitAmount float64
	var fees float64
	var slFilled, tpFilled bool

	for _, fill := range fills {
		fees += fill.Fee
		switch fill.OrderID {
		case trade.EntryOrderID:
			entryNotional += fill.Price * fill.Amount
			entryAmount += fill.Amount
		case trade.SLOrderID:
			if trade.SLOrderID != "" {
				exitNotional += fill.Price * fill.Amount
				exitAmount += fill.Amount
				slFilled = true
			}
		case trade.TPOrderID:
			if trade.TPOrderID != "" {
				exitNotional += fill.Price * fill.Amount
				exitAmount += fill.Amount
				tpFilled = true
			}
		default:
			// Unrelated order that still moved this instrument's position:
			// count fills opposite to the trade side as manual exits.
			if string(fill.Side) != trade.Side {
				exitNotional += fill.Price * fill.Amount
				exitAmount += fill.Amount
			}
		}
	}

	if entryAmount == 0 || exitAmount == 0 {
		return nil
	}

	sign := 1.0
	if trade.Side == string(broker.SideSell) {
		sign = -1
	}

	// Scale the entry leg to the exited amount so partial exits compare
	// like-for-like.
	entryPrice := entryNotional / entryAmount
	pnl := sign*(exitNotional-entryPrice*exitAmount) - fees

	reason := ExitManual
	switch {
	case slFilled:
		reason = ExitSLHit
	case tpFilled:
		reason = ExitTPHit
	}

	exitPrice := exitNotional / exitAmount
	var pnlPct float64
	if entryPrice > 0 {
		pnlPct = sign * (exitPrice - entryPrice) / entryPrice * 100
	}

	return &ExitOutcome{
		ExitPrice:  exitPrice,
		Pnl:        pnl,
		PnlPercent: pnlPct,
		ExitReason: reason,
		PnlSource:  PnlSourceFills,
	}
}

// EstimateExit approximates the exit when the broker exposes no per-fill
// data: PnL from the last price, reason by whichever protective level sits
// nearer to it.
func EstimateExit(trade *Trade, lastPrice float64) *ExitOutcome {
	sign := 1.0
	if trade.Side == string(broker.SideSell) {
		sign = -1
	}

	exitPrice := lastPrice
	if exitPrice <= 0 {
		exitPrice = trade.EntryPrice
	}

	var pnl, pnlPct float64
	if trade.EntryPrice > 0 {
		move := (exitPrice - trade.EntryPrice) / trade.EntryPrice
		pnl = sign * move * trade.Amount
		pnlPct = sign * move * 100
	}

	reason := ExitManual
	slDist := math.Inf(1)
	tpDist := math.Inf(1)
	if trade.StopPrice > 0 {
		slDist = math.Abs(exitPrice - trade.StopPrice)
	}
	if trade.TakePrice > 0 {
		tpDist = math.Abs(exitPrice - trade.TakePrice)
	}
	switch {
	case math.IsInf(slDist, 1) && math.IsInf(tpDist, 1):
		reason = ExitManual
	case slDist <= tpDist:
		reason = ExitSLHit
	default:
		reason = ExitTPHit
	}

	return &ExitOutcome{
		ExitPrice:  exitPrice,
		Pnl:        pnl,
		PnlPercent: pnlPct,
		ExitReason: reason,
		PnlSource:  PnlSourceEstimation,
	}
}
