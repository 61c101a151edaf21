package strategy

import (
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

// computeSeries pushes values through a channel-based indicator and collects
// the full output series.
func computeSeries(values []float64, compute func(<-chan float64) <-chan float64) []float64 {
	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	var out []float64
	for v := range compute(in) {
		out = append(out, v)
	}
	return out
}

// lastEMA returns the most recent EMA over values, or false when there is
// not enough history.
func lastEMA(values []float64, period int) (float64, bool) {
	if len(values) < period {
		return 0, false
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	series := computeSeries(values, func(in <-chan float64) <-chan float64 {
		return ema.Compute(in)
	})
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// lastSMA returns the most recent SMA over values, or false when there is
// not enough history.
func lastSMA(values []float64, period int) (float64, bool) {
	if len(values) < period {
		return 0, false
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	series := computeSeries(values, func(in <-chan float64) <-chan float64 {
		return sma.Compute(in)
	})
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// lastRSI returns the most recent RSI over values, or false when there is
// not enough history.
func lastRSI(values []float64, period int) (float64, bool) {
	if len(values) <= period {
		return 0, false
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	series := computeSeries(values, func(in <-chan float64) <-chan float64 {
		return rsi.Compute(in)
	})
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}
