package strategy

import (
	"fmt"
	"math"

	"github.com/quantbench/derivd/internal/broker"
)

func init() {
	Register("rsi-reversion", NewReversion)
}

// Reversion fades RSI extremes: long when RSI drops below the oversold band
// with price stretched under its SMA, short on the mirror image. It trades
// against the move, so the default stop is tighter than the momentum
// strategy's.
type Reversion struct {
	rsiPeriod  int
	smaPeriod  int
	oversold   float64
	overbought float64

	stopLossPct   float64
	takeProfitPct float64
	cooldownMin   int

	closes []float64
	last   float64
}

// NewReversion builds the strategy. Recognized params: rsi_period,
// sma_period, oversold, overbought, stop_loss_percent, take_profit_percent,
// cooldown_minutes.
func NewReversion(params map[string]float64) (Strategy, error) {
	r := &Reversion{
		rsiPeriod:     int(paramOr(params, "rsi_period", 14)),
		smaPeriod:     int(paramOr(params, "sma_period", 20)),
		oversold:      paramOr(params, "oversold", 30),
		overbought:    paramOr(params, "overbought", 70),
		stopLossPct:   paramOr(params, "stop_loss_percent", 0.75),
		takeProfitPct: paramOr(params, "take_profit_percent", 1.5),
		cooldownMin:   int(paramOr(params, "cooldown_minutes", 30)),
	}
	if r.rsiPeriod < 2 || r.smaPeriod < 2 {
		return nil, fmt.Errorf("invalid periods: rsi %d, sma %d", r.rsiPeriod, r.smaPeriod)
	}
	if r.oversold <= 0 || r.overbought >= 100 || r.oversold >= r.overbought {
		return nil, fmt.Errorf("invalid RSI bands: oversold %.1f, overbought %.1f", r.oversold, r.overbought)
	}
	if r.stopLossPct <= 0 || r.takeProfitPct <= 0 {
		return nil, fmt.Errorf("stop and take percentages must be positive")
	}
	return r, nil
}

func (r *Reversion) Name() string { return "rsi-reversion" }

// WarmupBars covers whichever of the SMA and the RSI seed is longer.
func (r *Reversion) WarmupBars() int {
	if r.smaPeriod > r.rsiPeriod {
		return r.smaPeriod + r.rsiPeriod
	}
	return r.rsiPeriod * 2
}

func (r *Reversion) OnCandle(candle broker.Candle) {
	r.closes = append(r.closes, candle.Close)
	r.last = candle.Close
	if maxBars := r.WarmupBars() * 4; len(r.closes) > maxBars {
		r.closes = r.closes[len(r.closes)-maxBars:]
	}
}

// OnTick updates the working price without creating a new bar.
func (r *Reversion) OnTick(price float64) {
	if price <= 0 {
		return
	}
	r.last = price
	if len(r.closes) > 0 {
		r.closes[len(r.closes)-1] = price
	}
}

func (r *Reversion) Evaluate() Signal {
	none := Signal{Type: SignalNone}
	if len(r.closes) < r.WarmupBars() {
		return none
	}

	rsi, ok := lastRSI(r.closes, r.rsiPeriod)
	if !ok {
		return none
	}
	sma, ok := lastSMA(r.closes, r.smaPeriod)
	if !ok || sma <= 0 {
		return none
	}

	deviationPct := (r.last - sma) / sma * 100
	indicators := map[string]float64{
		"rsi":       rsi,
		"sma":       sma,
		"deviation": deviationPct,
		"price":     r.last,
	}

	switch {
	case rsi < r.oversold && r.last < sma:
		return Signal{
			Type:       SignalLong,
			Strength:   bandStrength(r.oversold-rsi, r.oversold),
			Confidence: math.Min(100, math.Abs(deviationPct)*50),
			Reasons: []string{
				fmt.Sprintf("RSI %.1f below oversold %.1f", rsi, r.oversold),
				fmt.Sprintf("price %.2f stretched %.2f%% under SMA %.2f", r.last, deviationPct, sma),
			},
			Indicators: indicators,
		}
	case rsi > r.overbought && r.last > sma:
		return Signal{
			Type:       SignalShort,
			Strength:   bandStrength(rsi-r.overbought, 100-r.overbought),
			Confidence: math.Min(100, math.Abs(deviationPct)*50),
			Reasons: []string{
				fmt.Sprintf("RSI %.1f above overbought %.1f", rsi, r.overbought),
				fmt.Sprintf("price %.2f stretched %.2f%% over SMA %.2f", r.last, deviationPct, sma),
			},
			Indicators: indicators,
		}
	default:
		none.Indicators = indicators
		return none
	}
}

// bandStrength scales how far RSI pushed past its band onto 0..100. Touching
// the band scores 50; reaching the extreme scores 100.
func bandStrength(past, span float64) float64 {
	if span <= 0 {
		return 50
	}
	return math.Min(100, 50+past/span*50)
}

func (r *Reversion) RiskParams() RiskParams {
	return RiskParams{
		StopLossPercent:   r.stopLossPct,
		TakeProfitPercent: r.takeProfitPct,
		CooldownMinutes:   r.cooldownMin,
	}
}
