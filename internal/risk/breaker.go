package risk

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quantbench/derivd/internal/brokererr"
	"github.com/quantbench/derivd/internal/config"
)

// Default breaker settings for the order placement path.
const (
	orderMinRequests     = 5
	orderFailureRatio    = 0.6
	orderOpenTimeout     = 30 * time.Second
	orderHalfOpenMaxReqs = 2
	orderCountInterval   = 10 * time.Second
)

type breakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	globalBreakerMetrics *breakerMetrics
	breakerMetricsOnce   sync.Once
)

func initBreakerMetrics() {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &breakerMetrics{
			state: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "derivd_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			}, []string{"service"}),
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "derivd_breaker_requests_total",
				Help: "Requests through the circuit breaker",
			}, []string{"service", "result"}),
		}
	})
}

// Breaker trips the order placement path after a burst of broker failures so
// a degraded broker does not eat a stream of half-placed brackets.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	metrics *breakerMetrics
	log     zerolog.Logger
}

// NewBreaker builds the order-path breaker with default thresholds.
func NewBreaker() *Breaker {
	initBreakerMetrics()

	b := &Breaker{
		metrics: globalBreakerMetrics,
		log:     config.NewLogger("breaker"),
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "orders",
		MaxRequests: orderHalfOpenMaxReqs,
		Interval:    orderCountInterval,
		Timeout:     orderOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= orderMinRequests && ratio >= orderFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	})
	return b
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	var value float64
	switch to {
	case gobreaker.StateOpen:
		value = 1
	case gobreaker.StateHalfOpen:
		value = 2
	}
	b.metrics.state.WithLabelValues("orders").Set(value)
	b.log.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Order breaker state changed")
}

// Execute runs fn through the breaker. Validation rejections do not count as
// breaker failures; only transport and server faults should trip it. An open
// breaker surfaces as a retryable SERVER_ERROR.
func (b *Breaker) Execute(fn func() error) error {
	result, err := b.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if brokererr.IsRetryable(err) || brokererr.Is(err, brokererr.KindUnknown) {
				return nil, err
			}
			// Deterministic rejections pass through without counting.
			return err, nil
		}
		return nil, nil
	})
	if err != nil {
		b.metrics.requests.WithLabelValues("orders", "failure").Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return brokererr.Wrap(brokererr.KindServer, err, "order path circuit breaker open")
		}
		return err
	}
	b.metrics.requests.WithLabelValues("orders", "success").Inc()
	if rejection, ok := result.(error); ok {
		return rejection
	}
	return nil
}

// State reports the current breaker state string.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
