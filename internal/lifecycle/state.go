// Package lifecycle implements the per-account strategy state machine. One
// strategy may be active at a time; every transition is persisted before
// observers run.
package lifecycle

import (
	"fmt"
	"time"
)

// State is a lifecycle phase.
type State string

const (
	StateIdle             State = "IDLE"
	StateAnalyzing        State = "ANALYZING"
	StateSignalDetected   State = "SIGNAL_DETECTED"
	StateEnteringPosition State = "ENTERING_POSITION"
	StatePositionOpen     State = "POSITION_OPEN"
	StateClosing          State = "CLOSING"
)

// Event is a transition trigger.
type Event string

const (
	EventStart          Event = "start"
	EventSignal         Event = "signal"
	EventStop           Event = "stop"
	EventEntering       Event = "entering"
	EventAbandon        Event = "abandon"
	EventOpened         Event = "opened"
	EventEntryFailed    Event = "entry_failed"
	EventClosing        Event = "closing"
	EventClosed         Event = "closed"
	EventReconcileReset Event = "reconcile_reset"
)

// transitions is the full state machine. Anything absent here is an
// InvalidStateTransitionError. reconcile_reset is handled separately since
// it applies from any state.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventStart: StateAnalyzing,
	},
	StateAnalyzing: {
		EventSignal: StateSignalDetected,
		EventStop:   StateIdle,
	},
	StateSignalDetected: {
		EventEntering: StateEnteringPosition,
		EventAbandon:  StateAnalyzing,
	},
	StateEnteringPosition: {
		EventOpened:      StatePositionOpen,
		EventEntryFailed: StateAnalyzing,
	},
	StatePositionOpen: {
		EventClosing: StateClosing,
	},
	StateClosing: {
		EventClosed: StateAnalyzing,
	},
}

// StrategyState is the durable lifecycle record, serialized after every
// transition.
type StrategyState struct {
	State              State             `json:"state"`
	StrategyName       string            `json:"strategyName,omitempty"`
	Instrument         string            `json:"instrument,omitempty"`
	StartedAt          *time.Time        `json:"startedAt,omitempty"`
	PositionEntryPrice float64           `json:"positionEntryPrice,omitempty"`
	PositionSize       float64           `json:"positionSize,omitempty"`
	PositionSide       string            `json:"positionSide,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// StateChange is delivered synchronously to observers after a committed
// transition.
type StateChange struct {
	From     State
	To       State
	Event    Event
	Snapshot StrategyState
}

// Observer receives committed state changes. Observers run under the
// transition lock; they must not call back into the manager.
type Observer func(change StateChange)

// SingleStrategyViolationError reports a start() while a strategy is active.
type SingleStrategyViolationError struct {
	Active    string
	Requested string
}

func (e *SingleStrategyViolationError) Error() string {
	return fmt.Sprintf("strategy %q is already active, cannot start %q", e.Active, e.Requested)
}

// InvalidStateTransitionError reports an event not permitted in the current
// state. These are programmer errors and are never auto-recovered.
type InvalidStateTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition: event %q in state %q", e.Event, e.From)
}
