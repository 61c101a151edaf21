package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/brokererr"
)

func TestBuildBracketLong(t *testing.T) {
	bracket, err := BuildBracket(testInstrument(), broker.SideBuy, 20, 50000, 49900, 2)
	require.NoError(t, err)

	assert.Equal(t, 49900.0, bracket.StopPrice)
	assert.Equal(t, 50200.0, bracket.TakePrice, "take = entry + 2x stop distance")
	assert.Equal(t, 100.0, bracket.StopDistance())
	assert.InDelta(t, 2.0, bracket.RewardRiskRatio(), 1e-9)
}

func TestBuildBracketShort(t *testing.T) {
	bracket, err := BuildBracket(testInstrument(), broker.SideSell, 20, 50000, 50100, 1.5)
	require.NoError(t, err)

	assert.Equal(t, 50100.0, bracket.StopPrice)
	assert.Equal(t, 49850.0, bracket.TakePrice, "take = entry - 1.5x stop distance")
}

func TestBuildBracketSnapsToTick(t *testing.T) {
	bracket, err := BuildBracket(testInstrument(), broker.SideBuy, 20, 50000, 49899.8, 2)
	require.NoError(t, err)

	assert.Equal(t, 49900.0, bracket.StopPrice, "stop snaps to 0.5 tick")
	assert.Equal(t, 50200.5, bracket.TakePrice, "take 50200.4 snaps to 0.5 tick")
}

func TestBuildBracketRejections(t *testing.T) {
	instr := testInstrument()

	tests := []struct {
		name        string
		side        broker.Side
		entry, stop float64
		rr          float64
	}{
		{"long stop above entry", broker.SideBuy, 50000, 50100, 2},
		{"short stop below entry", broker.SideSell, 50000, 49900, 2},
		{"stop equals entry", broker.SideBuy, 50000, 50000, 2},
		{"zero reward-risk", broker.SideBuy, 50000, 49900, 0},
		{"negative reward-risk", broker.SideBuy, 50000, 49900, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildBracket(instr, tt.side, 20, tt.entry, tt.stop, tt.rr)
			require.Error(t, err)
			assert.Equal(t, brokererr.KindInvalidParams, brokererr.KindOf(err))
		})
	}
}

func TestBuildBracketRejectsCollapsedLevels(t *testing.T) {
	// Stop 0.2 below entry rounds back onto the entry with a 0.5 tick.
	_, err := BuildBracket(testInstrument(), broker.SideBuy, 20, 50000, 49999.8, 2)
	require.Error(t, err)
	assert.Equal(t, brokererr.KindInvalidParams, brokererr.KindOf(err))
}
