package lifecycle

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/config"
)

// Manager is the singleton lifecycle state machine for one account.
// Transitions are serialized by an internal lock, persisted before commit,
// and announced synchronously to observers.
type Manager struct {
	mu        sync.Mutex
	state     StrategyState
	store     Store
	observers []Observer
	log       zerolog.Logger
}

// NewManager loads the persisted record, defaulting to IDLE when the record
// is missing or unreadable.
func NewManager(store Store) *Manager {
	m := &Manager{
		store: store,
		log:   config.NewLogger("lifecycle"),
	}

	loaded, err := store.Load()
	switch {
	case err != nil:
		m.log.Warn().Err(err).Msg("State record unreadable, starting from IDLE")
		m.state = StrategyState{State: StateIdle}
	case loaded == nil:
		m.state = StrategyState{State: StateIdle}
	default:
		m.state = *loaded
		m.log.Info().
			Str("state", string(loaded.State)).
			Str("strategy", loaded.StrategyName).
			Str("instrument", loaded.Instrument).
			Msg("Lifecycle state restored")
	}
	return m
}

// RegisterObserver adds a synchronous observer for committed transitions.
func (m *Manager) RegisterObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Snapshot returns a copy of the current record.
func (m *Manager) Snapshot() StrategyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentState returns the current phase.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.State
}

// CanStart reports whether a strategy may start now.
func (m *Manager) CanStart() bool {
	return m.CurrentState() == StateIdle
}

// CanOpenPosition reports whether order placement is permitted.
func (m *Manager) CanOpenPosition() bool {
	s := m.CurrentState()
	return s == StateAnalyzing || s == StateSignalDetected
}

// ShouldAnalyze reports whether market-data-driven signal generation should
// run. Signal generation pauses while a position is open or closing.
func (m *Manager) ShouldAnalyze() bool {
	return m.CurrentState() == StateAnalyzing
}

// apply validates event against the table, persists the mutated record, then
// commits and notifies. On a persistence failure the in-memory state is
// unchanged and the error is returned.
func (m *Manager) apply(event Event, mutate func(next *StrategyState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state.State

	var to State
	if event == EventReconcileReset {
		to = StateIdle
	} else {
		next, ok := transitions[from][event]
		if !ok {
			return &InvalidStateTransitionError{From: from, Event: event}
		}
		to = next
	}

	next := m.state
	next.State = to
	next.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(&next)
	}

	if err := m.store.Save(&next); err != nil {
		m.log.Error().Err(err).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Failed to persist lifecycle transition")
		return err
	}

	m.state = next
	m.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("event", string(event)).
		Msg("Lifecycle transition")

	change := StateChange{From: from, To: to, Event: event, Snapshot: next}
	for _, obs := range m.observers {
		obs(change)
	}
	return nil
}

// Start begins a strategy. Starting while any strategy is active fails with
// SingleStrategyViolationError; concurrent starts collapse to one winner.
func (m *Manager) Start(strategyName, instrument string) error {
	m.mu.Lock()
	if m.state.State != StateIdle {
		active := m.state.StrategyName
		m.mu.Unlock()
		return &SingleStrategyViolationError{Active: active, Requested: strategyName}
	}
	m.mu.Unlock()

	// A second starter can slip in between the check and apply; apply
	// revalidates under the lock, so the loser gets the violation below.
	err := m.apply(EventStart, func(next *StrategyState) {
		now := time.Now().UTC()
		next.StrategyName = strategyName
		next.Instrument = instrument
		next.StartedAt = &now
		next.PositionEntryPrice = 0
		next.PositionSize = 0
		next.PositionSide = ""
	})
	if _, invalid := err.(*InvalidStateTransitionError); invalid {
		return &SingleStrategyViolationError{Active: m.Snapshot().StrategyName, Requested: strategyName}
	}
	return err
}

// Signal marks a detected entry signal.
func (m *Manager) Signal() error {
	return m.apply(EventSignal, nil)
}

// Abandon drops a detected signal and resumes analysis.
func (m *Manager) Abandon() error {
	return m.apply(EventAbandon, nil)
}

// Entering marks the start of order placement.
func (m *Manager) Entering() error {
	return m.apply(EventEntering, nil)
}

// Opened records a filled entry.
func (m *Manager) Opened(entryPrice, size float64, side string) error {
	return m.apply(EventOpened, func(next *StrategyState) {
		next.PositionEntryPrice = entryPrice
		next.PositionSize = size
		next.PositionSide = side
	})
}

// EntryFailed returns to analysis after a failed placement.
func (m *Manager) EntryFailed() error {
	return m.apply(EventEntryFailed, nil)
}

// Closing marks the position exit in progress.
func (m *Manager) Closing() error {
	return m.apply(EventClosing, nil)
}

// Closed completes the exit and resumes analysis.
func (m *Manager) Closed() error {
	return m.apply(EventClosed, func(next *StrategyState) {
		next.PositionEntryPrice = 0
		next.PositionSize = 0
		next.PositionSide = ""
	})
}

// Stop ends the strategy from ANALYZING.
func (m *Manager) Stop() error {
	return m.apply(EventStop, func(next *StrategyState) {
		next.StrategyName = ""
		next.Instrument = ""
		next.StartedAt = nil
	})
}

// ReconcileReset force-resets to IDLE from any state. Reconciler use only.
func (m *Manager) ReconcileReset() error {
	return m.apply(EventReconcileReset, func(next *StrategyState) {
		next.StrategyName = ""
		next.Instrument = ""
		next.StartedAt = nil
		next.PositionEntryPrice = 0
		next.PositionSize = 0
		next.PositionSide = ""
	})
}
