// Package metrics exposes Prometheus collectors for the trading engine.
// Label sets are bounded: method names come from the fixed broker method
// list and reasons from the normalized error taxonomy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	SessionConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_session_connects_total",
		Help: "Successful broker session connections",
	})

	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_session_reconnects_total",
		Help: "Successful broker session reconnections",
	})

	SessionReconnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_session_reconnect_failures_total",
		Help: "Failed broker session reconnect attempts",
	})

	RPCTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_rpc_timeouts_total",
		Help: "RPC requests that hit the correlation timeout",
	})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "derivd_rpc_latency_seconds",
		Help:    "Round-trip latency of broker RPC calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Order path metrics
var (
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derivd_orders_placed_total",
		Help: "Orders accepted by the broker",
	}, []string{"side", "type"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derivd_orders_rejected_total",
		Help: "Orders rejected pre-flight or by the broker",
	}, []string{"reason"})

	BracketsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_brackets_placed_total",
		Help: "Complete entry+SL+TP brackets placed",
	})

	BracketRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_bracket_rollbacks_total",
		Help: "Partial brackets rolled back after a leg failure",
	})

	OrphansDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_orphans_detected_total",
		Help: "Orphan protective orders detected",
	})

	OrphansCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_orphans_cancelled_total",
		Help: "Orphan protective orders cancelled by the sweeper",
	})
)

// Reconciler metrics
var (
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_reconcile_runs_total",
		Help: "Reconciliation passes executed",
	})

	ReconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derivd_reconcile_actions_total",
		Help: "Corrective actions taken by the reconciler",
	}, []string{"action"})
)

// Runner and orchestrator metrics
var (
	ActiveRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derivd_active_runners",
		Help: "Strategy runners currently running",
	})

	QueuedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derivd_queued_jobs",
		Help: "Jobs waiting in the orchestrator queue",
	})

	SignalsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derivd_signals_evaluated_total",
		Help: "Strategy signals evaluated, by outcome",
	}, []string{"outcome"})

	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_ticks_dropped_total",
		Help: "Market ticks dropped under back-pressure",
	})
)

// Journal metrics
var (
	TradesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derivd_trades_opened_total",
		Help: "Trades recorded as opened in the journal",
	})

	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derivd_trades_closed_total",
		Help: "Trades recorded as closed, by exit reason",
	}, []string{"exit_reason"})

	TotalPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derivd_total_pnl",
		Help: "Cumulative realized profit and loss in quote currency",
	})
)

// Signal evaluation outcomes (bounded label set).
const (
	SignalOutcomeNone     = "none"
	SignalOutcomeBelowBar = "below_threshold"
	SignalOutcomeBlocked  = "lifecycle_blocked"
	SignalOutcomeEntered  = "entered"
	SignalOutcomeRejected = "rejected"
	SignalOutcomeCooldown = "cooldown"
)
