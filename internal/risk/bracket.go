package risk

import (
	"math"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/brokererr"
)

// Bracket holds the three price levels of an entry with protective orders.
type Bracket struct {
	Side       broker.Side
	Quantity   float64
	EntryPrice float64
	StopPrice  float64
	TakePrice  float64
}

// StopDistance returns the absolute distance between entry and stop.
func (b *Bracket) StopDistance() float64 {
	return math.Abs(b.EntryPrice - b.StopPrice)
}

// RewardRiskRatio returns the take distance over the stop distance.
func (b *Bracket) RewardRiskRatio() float64 {
	sd := b.StopDistance()
	if sd == 0 {
		return 0
	}
	return math.Abs(b.TakePrice-b.EntryPrice) / sd
}

// BuildBracket derives the take-profit from the stop distance and the
// reward-risk ratio, snapping both protective prices to the tick. The stop
// must sit on the losing side of the entry for the given direction.
func BuildBracket(instr *broker.Instrument, side broker.Side, qty, entry, stop, rrRatio float64) (*Bracket, error) {
	if rrRatio <= 0 {
		return nil, brokererr.Newf(brokererr.KindInvalidParams, "reward-risk ratio %.2f must be positive", rrRatio)
	}

	stopDistance := math.Abs(entry - stop)
	if stopDistance == 0 {
		return nil, brokererr.New(brokererr.KindInvalidParams, "stop price equals entry price")
	}

	switch side {
	case broker.SideBuy:
		if stop >= entry {
			return nil, brokererr.Newf(brokererr.KindInvalidParams,
				"long stop %.2f must be below entry %.2f", stop, entry)
		}
	case broker.SideSell:
		if stop <= entry {
			return nil, brokererr.Newf(brokererr.KindInvalidParams,
				"short stop %.2f must be above entry %.2f", stop, entry)
		}
	default:
		return nil, brokererr.Newf(brokererr.KindInvalidParams, "invalid side %q", side)
	}

	take := entry + side.Sign()*rrRatio*stopDistance

	tick := instr.TickSize
	bracket := &Bracket{
		Side:       side,
		Quantity:   qty,
		EntryPrice: entry,
		StopPrice:  roundToTick(stop, tick),
		TakePrice:  roundToTick(take, tick),
	}

	// Tick rounding must not collapse a level onto the entry.
	if bracket.StopPrice == entry || bracket.TakePrice == entry {
		return nil, brokererr.New(brokererr.KindInvalidParams,
			"stop or take collapses onto entry after tick rounding")
	}
	return bracket, nil
}
