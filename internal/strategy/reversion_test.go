package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReversionRegistryLookup(t *testing.T) {
	s, err := New("rsi-reversion", nil)
	require.NoError(t, err)
	assert.Equal(t, "rsi-reversion", s.Name())
	assert.Contains(t, Names(), "rsi-reversion")
}

func TestReversionParamValidation(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]float64
	}{
		{"tiny rsi", map[string]float64{"rsi_period": 1}},
		{"tiny sma", map[string]float64{"sma_period": 1}},
		{"inverted bands", map[string]float64{"oversold": 70, "overbought": 30}},
		{"band out of range", map[string]float64{"overbought": 100}},
		{"zero take", map[string]float64{"take_profit_percent": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReversion(tt.params)
			require.Error(t, err)
		})
	}
}

func TestReversionNoSignalBeforeWarmup(t *testing.T) {
	s, err := New("rsi-reversion", nil)
	require.NoError(t, err)

	feedTrend(s, 50000, -10, s.WarmupBars()-1)
	assert.Equal(t, SignalNone, s.Evaluate().Type)
}

func TestReversionLongOnOversold(t *testing.T) {
	s, err := New("rsi-reversion", nil)
	require.NoError(t, err)

	// A flat base, then a persistent slide: RSI pins under the oversold band
	// and price falls well below its SMA.
	feedTrend(s, 50000, 0, s.WarmupBars())
	feedTrend(s, 50000, -40, 30)

	signal := s.Evaluate()
	assert.Equal(t, SignalLong, signal.Type)
	assert.GreaterOrEqual(t, signal.Strength, 50.0)
	assert.NotEmpty(t, signal.Reasons)
	assert.Less(t, signal.Indicators["rsi"], 30.0)
	assert.Less(t, signal.Indicators["price"], signal.Indicators["sma"])
}

func TestReversionShortOnOverbought(t *testing.T) {
	s, err := New("rsi-reversion", nil)
	require.NoError(t, err)

	feedTrend(s, 50000, 0, s.WarmupBars())
	feedTrend(s, 50000, 40, 30)

	signal := s.Evaluate()
	assert.Equal(t, SignalShort, signal.Type)
	assert.Greater(t, signal.Indicators["rsi"], 70.0)
	assert.Greater(t, signal.Indicators["price"], signal.Indicators["sma"])
}

func TestReversionNeutralInRange(t *testing.T) {
	s, err := New("rsi-reversion", nil)
	require.NoError(t, err)

	// Alternating bars hold RSI mid-band; no fade setup exists.
	feedZigzag(s, 50000, 30, 30, s.WarmupBars()+20)

	signal := s.Evaluate()
	assert.Equal(t, SignalNone, signal.Type)
	assert.NotNil(t, signal.Indicators)
}

func TestReversionRiskParams(t *testing.T) {
	s, err := New("rsi-reversion", nil)
	require.NoError(t, err)

	params := s.RiskParams()
	assert.Equal(t, 0.75, params.StopLossPercent)
	assert.Equal(t, 1.5, params.TakeProfitPercent)
	assert.Equal(t, 30, params.CooldownMinutes)
}
