// Package ratelimit throttles outbound broker RPCs with a token bucket per
// method class. Brokers budget public and private methods separately, so the
// two classes carry independent buckets.
package ratelimit

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantbench/derivd/internal/config"
)

// Class selects which bucket a method draws from.
type Class string

const (
	ClassPublic  Class = "public"
	ClassPrivate Class = "private"
)

// Limiter is a process-wide throttle for outbound RPCs.
type Limiter struct {
	public  *rate.Limiter
	private *rate.Limiter
	log     zerolog.Logger
}

// Config holds bucket parameters for one class.
type Config struct {
	Rate  float64 // tokens per second
	Burst int
}

// DefaultConfig returns the default bucket: 20 tokens/s with burst 20.
func DefaultConfig() Config {
	return Config{Rate: 20, Burst: 20}
}

// New creates a limiter with the given per-class buckets. Zero or negative
// parameters fall back to the defaults.
func New(public, private Config) *Limiter {
	return &Limiter{
		public:  newBucket(public),
		private: newBucket(private),
		log:     config.NewLogger("ratelimit"),
	}
}

func newBucket(cfg Config) *rate.Limiter {
	def := DefaultConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
}

// ClassOf maps a JSON-RPC method name to its bucket class.
func ClassOf(method string) Class {
	if strings.HasPrefix(method, "private/") {
		return ClassPrivate
	}
	return ClassPublic
}

// Throttle runs task once a token for the method's class is available. The
// task's result and error propagate unchanged; the only error introduced here
// is context cancellation while waiting.
func (l *Limiter) Throttle(ctx context.Context, method string, task func() error) error {
	if err := l.Wait(ctx, ClassOf(method)); err != nil {
		return err
	}
	return task()
}

// Wait blocks until a token is available for the given class.
func (l *Limiter) Wait(ctx context.Context, class Class) error {
	bucket := l.public
	if class == ClassPrivate {
		bucket = l.private
	}

	if bucket.Allow() {
		return nil
	}

	l.log.Debug().Str("class", string(class)).Msg("Rate limit reached, waiting for token")
	return bucket.Wait(ctx)
}
