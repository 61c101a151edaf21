package strategy

import (
	"fmt"
	"math"

	"github.com/quantbench/derivd/internal/broker"
)

func init() {
	Register("ema-momentum", NewMomentum)
}

// Momentum trades EMA crossovers filtered by RSI: long when the fast EMA is
// above the slow EMA and RSI is not overbought, short on the mirror image.
type Momentum struct {
	fastPeriod int
	slowPeriod int
	rsiPeriod  int

	stopLossPct   float64
	takeProfitPct float64
	cooldownMin   int

	closes []float64
	last   float64
}

// NewMomentum builds the strategy. Recognized params: fast_period,
// slow_period, rsi_period, stop_loss_percent, take_profit_percent,
// cooldown_minutes.
func NewMomentum(params map[string]float64) (Strategy, error) {
	m := &Momentum{
		fastPeriod:    int(paramOr(params, "fast_period", 9)),
		slowPeriod:    int(paramOr(params, "slow_period", 21)),
		rsiPeriod:     int(paramOr(params, "rsi_period", 14)),
		stopLossPct:   paramOr(params, "stop_loss_percent", 1.0),
		takeProfitPct: paramOr(params, "take_profit_percent", 2.0),
		cooldownMin:   int(paramOr(params, "cooldown_minutes", 15)),
	}
	if m.fastPeriod < 1 || m.slowPeriod <= m.fastPeriod {
		return nil, fmt.Errorf("invalid EMA periods: fast %d must be >= 1 and < slow %d", m.fastPeriod, m.slowPeriod)
	}
	if m.rsiPeriod < 2 {
		return nil, fmt.Errorf("invalid RSI period %d", m.rsiPeriod)
	}
	if m.stopLossPct <= 0 || m.takeProfitPct <= 0 {
		return nil, fmt.Errorf("stop and take percentages must be positive")
	}
	return m, nil
}

func (m *Momentum) Name() string { return "ema-momentum" }

// WarmupBars covers the slow EMA plus the RSI seed.
func (m *Momentum) WarmupBars() int {
	return m.slowPeriod + m.rsiPeriod
}

func (m *Momentum) OnCandle(candle broker.Candle) {
	m.push(candle.Close)
}

// OnTick updates the working price without creating a new bar.
func (m *Momentum) OnTick(price float64) {
	if price <= 0 {
		return
	}
	m.last = price
	if len(m.closes) > 0 {
		m.closes[len(m.closes)-1] = price
	}
}

func (m *Momentum) push(close float64) {
	m.closes = append(m.closes, close)
	m.last = close
	// Keep a bounded window: warmup plus slack is all the EMAs need.
	if maxBars := m.WarmupBars() * 4; len(m.closes) > maxBars {
		m.closes = m.closes[len(m.closes)-maxBars:]
	}
}

func (m *Momentum) Evaluate() Signal {
	none := Signal{Type: SignalNone}
	if len(m.closes) < m.WarmupBars() {
		return none
	}

	fast, ok := lastEMA(m.closes, m.fastPeriod)
	if !ok {
		return none
	}
	slow, ok := lastEMA(m.closes, m.slowPeriod)
	if !ok {
		return none
	}
	rsi, ok := lastRSI(m.closes, m.rsiPeriod)
	if !ok {
		return none
	}

	indicators := map[string]float64{
		"ema_fast": fast,
		"ema_slow": slow,
		"rsi":      rsi,
		"price":    m.last,
	}

	gapPct := (fast - slow) / slow * 100
	strength := math.Min(100, math.Abs(gapPct)*200)

	switch {
	case fast > slow && rsi < 70:
		return Signal{
			Type:       SignalLong,
			Strength:   strength,
			Confidence: rsiConfidence(rsi, true),
			Reasons: []string{
				fmt.Sprintf("fast EMA %.2f above slow EMA %.2f", fast, slow),
				fmt.Sprintf("RSI %.1f below overbought", rsi),
			},
			Indicators: indicators,
		}
	case fast < slow && rsi > 30:
		return Signal{
			Type:       SignalShort,
			Strength:   strength,
			Confidence: rsiConfidence(rsi, false),
			Reasons: []string{
				fmt.Sprintf("fast EMA %.2f below slow EMA %.2f", fast, slow),
				fmt.Sprintf("RSI %.1f above oversold", rsi),
			},
			Indicators: indicators,
		}
	default:
		none.Indicators = indicators
		return none
	}
}

// rsiConfidence favours entries with RSI headroom before the exhaustion
// band: a long at RSI 40 is more credible than one at RSI 69.
func rsiConfidence(rsi float64, long bool) float64 {
	var headroom float64
	if long {
		headroom = (70 - rsi) / 40 // full confidence near RSI 30
	} else {
		headroom = (rsi - 30) / 40
	}
	return math.Max(0, math.Min(100, headroom*100))
}

func (m *Momentum) RiskParams() RiskParams {
	return RiskParams{
		StopLossPercent:   m.stopLossPct,
		TakeProfitPercent: m.takeProfitPct,
		CooldownMinutes:   m.cooldownMin,
	}
}
