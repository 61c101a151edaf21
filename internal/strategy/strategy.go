// Package strategy defines the capability surface the runner consumes and
// the built-in strategies behind it.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quantbench/derivd/internal/broker"
)

// SignalType is the direction a strategy proposes.
type SignalType string

const (
	SignalLong  SignalType = "long"
	SignalShort SignalType = "short"
	SignalNone  SignalType = "none"
)

// Signal is one evaluation outcome.
type Signal struct {
	Type       SignalType         `json:"type"`
	Strength   float64            `json:"strength"`   // 0..100
	Confidence float64            `json:"confidence"` // 0..100
	Reasons    []string           `json:"reasons"`
	Indicators map[string]float64 `json:"indicators"`
}

// RiskParams are the strategy's exit preferences.
type RiskParams struct {
	StopLossPercent   float64 `json:"stopLossPercent"`
	TakeProfitPercent float64 `json:"takeProfitPercent"`
	CooldownMinutes   int     `json:"cooldownMinutes"`
}

// Strategy is what the runner consumes. Implementations own their indicator
// state; the runner owns everything else.
type Strategy interface {
	Name() string
	WarmupBars() int
	OnCandle(candle broker.Candle)
	OnTick(price float64)
	Evaluate() Signal
	RiskParams() RiskParams
}

// Factory builds a fresh strategy instance from free-form parameters.
type Factory func(params map[string]float64) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a strategy factory under name. Panics on duplicates, which
// only happen from init-time programming errors.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = factory
}

// New instantiates a registered strategy.
func New(name string, params map[string]float64) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, Names())
	}
	return factory(params)
}

// Names lists registered strategies, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func paramOr(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
