// Package runner drives one strategy instance: it warms the strategy up with
// history, feeds it live ticks, and turns qualifying signals into validated
// bracket placements. Exits are detected from order notifications and settled
// into the journal.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/events"
	"github.com/quantbench/derivd/internal/journal"
	"github.com/quantbench/derivd/internal/lifecycle"
	"github.com/quantbench/derivd/internal/metrics"
	"github.com/quantbench/derivd/internal/placer"
	"github.com/quantbench/derivd/internal/risk"
	"github.com/quantbench/derivd/internal/strategy"
	"github.com/quantbench/derivd/internal/validate"
)

const (
	defaultSignalThreshold = 50.0
	defaultResolution      = "1"

	// tickBuffer bounds the market data queue. Ticks beyond it displace the
	// oldest queued tick; order events are never dropped.
	tickBuffer  = 256
	orderBuffer = 64
)

// Config identifies the job and tunes the entry policy.
type Config struct {
	UserID       string
	JobID        string
	StrategyName string
	Instrument   string
	Params       map[string]float64

	SignalThreshold float64       // minimum signal strength, default 50
	Resolution      string        // warmup candle resolution in minutes, default "1"
	RiskMode        risk.RiskMode // sizing mode passed to the risk engine
	RiskValue       float64       // percent or fixed amount per RiskMode
}

// Deps are the collaborators a runner drives. Events may be nil.
type Deps struct {
	Broker    broker.Broker
	Lifecycle *lifecycle.Manager
	Journal   journal.Store
	Engine    *risk.Engine
	Validator *validate.Validator
	Placer    *placer.Placer
	Events    events.Publisher
	Feed      Feed
}

// activeTrade tracks the journal record and protective legs of the position
// the runner currently owns.
type activeTrade struct {
	tradeID    string
	txID       string
	slOrderID  string
	tpOrderID  string
	side       broker.Side
	entryPrice float64
}

// Runner is one strategy job. Create with New, drive with Run, end with Stop.
type Runner struct {
	cfg   Config
	deps  Deps
	strat strategy.Strategy
	log   zerolog.Logger

	ticks  chan float64
	orders chan broker.Order

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	flatten    bool
	lastSignal *strategy.Signal

	// loop-local state, touched only by Run's goroutine
	cooldownUntil time.Time
	active        *activeTrade
	lastPrice     float64
}

// New instantiates the strategy and builds a runner around it.
func New(cfg Config, deps Deps) (*Runner, error) {
	if cfg.Instrument == "" {
		return nil, fmt.Errorf("instrument is required")
	}
	if cfg.SignalThreshold <= 0 {
		cfg.SignalThreshold = defaultSignalThreshold
	}
	if cfg.Resolution == "" {
		cfg.Resolution = defaultResolution
	}

	strat, err := strategy.New(cfg.StrategyName, cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to build strategy: %w", err)
	}

	return &Runner{
		cfg:    cfg,
		deps:   deps,
		strat:  strat,
		log:    config.NewRunnerLogger(cfg.UserID, cfg.JobID, cfg.Instrument),
		ticks:  make(chan float64, tickBuffer),
		orders: make(chan broker.Order, orderBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Stop requests a cooperative shutdown. With flatten set the runner closes
// any open position on the way out. Safe to call more than once.
func (r *Runner) Stop(flatten bool) {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.flatten = flatten
		r.mu.Unlock()
		close(r.quit)
	})
}

// Done is closed when Run has finished its cleanup.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// LastSignal returns the most recent strategy evaluation, if any.
func (r *Runner) LastSignal() (strategy.Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSignal == nil {
		return strategy.Signal{}, false
	}
	return *r.lastSignal, true
}

// Run claims the lifecycle, warms the strategy up, then consumes market and
// order events until the context ends or Stop is called.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)

	if err := r.deps.Lifecycle.Start(r.cfg.StrategyName, r.cfg.Instrument); err != nil {
		return fmt.Errorf("failed to claim strategy lifecycle: %w", err)
	}

	metrics.ActiveRunners.Inc()
	defer metrics.ActiveRunners.Dec()

	if err := r.warmup(ctx); err != nil {
		r.fail(err)
		return err
	}

	if err := r.deps.Feed.Subscribe(ctx, r.cfg.Instrument, r.pushTick, r.pushOrder); err != nil {
		r.fail(err)
		return fmt.Errorf("failed to subscribe to market data: %w", err)
	}

	r.publishRunnerEvent("started")
	r.log.Info().Str("strategy", r.cfg.StrategyName).Msg("Runner started")

	defer r.cleanup()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.quit:
			return nil
		case order := <-r.orders:
			r.handleOrder(ctx, order)
		case price := <-r.ticks:
			r.handleTick(ctx, price)
		}
	}
}

// pushTick enqueues a tick, displacing the oldest queued tick when full.
func (r *Runner) pushTick(price float64) {
	for {
		select {
		case r.ticks <- price:
			return
		default:
			select {
			case <-r.ticks:
				metrics.TicksDropped.Inc()
			default:
			}
		}
	}
}

// pushOrder enqueues an order event. Order events carry fills and must not be
// dropped; the send blocks until the loop drains.
func (r *Runner) pushOrder(order broker.Order) {
	select {
	case r.orders <- order:
	case <-r.done:
	}
}

func (r *Runner) warmup(ctx context.Context) error {
	bars := r.strat.WarmupBars()
	if bars <= 0 {
		return nil
	}

	minutes, err := strconv.Atoi(r.cfg.Resolution)
	if err != nil || minutes <= 0 {
		minutes = 1
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(bars*minutes) * time.Minute)
	candles, err := r.deps.Broker.GetChartData(ctx, r.cfg.Instrument, r.cfg.Resolution, start, end)
	if err != nil {
		return fmt.Errorf("failed to fetch warmup candles: %w", err)
	}
	for _, candle := range candles {
		r.strat.OnCandle(candle)
	}
	if len(candles) > 0 {
		r.lastPrice = candles[len(candles)-1].Close
	}

	r.log.Info().Int("requested", bars).Int("received", len(candles)).Msg("Warmup complete")
	return nil
}

func (r *Runner) handleTick(ctx context.Context, price float64) {
	r.lastPrice = price

	if !r.deps.Lifecycle.ShouldAnalyze() {
		return
	}
	if time.Now().Before(r.cooldownUntil) {
		metrics.SignalsEvaluated.WithLabelValues(metrics.SignalOutcomeCooldown).Inc()
		return
	}

	r.strat.OnTick(price)
	sig := r.strat.Evaluate()
	r.mu.Lock()
	r.lastSignal = &sig
	r.mu.Unlock()

	switch {
	case sig.Type == strategy.SignalNone:
		metrics.SignalsEvaluated.WithLabelValues(metrics.SignalOutcomeNone).Inc()
	case sig.Strength < r.cfg.SignalThreshold:
		metrics.SignalsEvaluated.WithLabelValues(metrics.SignalOutcomeBelowBar).Inc()
	case !r.deps.Lifecycle.CanOpenPosition():
		metrics.SignalsEvaluated.WithLabelValues(metrics.SignalOutcomeBlocked).Inc()
	default:
		r.enter(ctx, sig, price)
	}
}

// enter runs the signal through sizing, validation and placement. Sizing and
// validation failures abandon the signal; placement failures after the
// ENTERING_POSITION transition mark the entry failed. Both set the cooldown.
func (r *Runner) enter(ctx context.Context, sig strategy.Signal, price float64) {
	if err := r.deps.Lifecycle.Signal(); err != nil {
		r.log.Warn().Err(err).Msg("Could not transition to signal detected")
		return
	}

	rp := r.strat.RiskParams()
	side := broker.SideBuy
	if sig.Type == strategy.SignalShort {
		side = broker.SideSell
	}

	log := r.log.With().
		Str("side", string(side)).
		Float64("price", price).
		Float64("strength", sig.Strength).
		Logger()
	log.Info().Strs("reasons", sig.Reasons).Msg("Signal qualified")

	bracket, amount, err := r.prepareEntry(ctx, side, price, rp)
	if err != nil {
		log.Warn().Err(err).Msg("Entry abandoned before placement")
		metrics.SignalsEvaluated.WithLabelValues(metrics.SignalOutcomeRejected).Inc()
		r.startCooldown(rp)
		if abandonErr := r.deps.Lifecycle.Abandon(); abandonErr != nil {
			log.Error().Err(abandonErr).Msg("Could not abandon signal")
		}
		return
	}

	if err := r.deps.Lifecycle.Entering(); err != nil {
		log.Error().Err(err).Msg("Could not transition to entering position")
		return
	}

	placed, err := r.deps.Placer.PlaceBracket(ctx, placer.BracketRequest{
		Instrument:  r.cfg.Instrument,
		Side:        side,
		Type:        broker.OrderTypeMarket,
		Amount:      amount,
		StopTrigger: bracket.StopPrice,
		TakePrice:   bracket.TakePrice,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Bracket placement failed")
		metrics.SignalsEvaluated.WithLabelValues(metrics.SignalOutcomeRejected).Inc()
		r.startCooldown(rp)
		if failErr := r.deps.Lifecycle.EntryFailed(); failErr != nil {
			log.Error().Err(failErr).Msg("Could not record entry failure")
		}
		return
	}

	if err := r.deps.Lifecycle.Opened(price, amount, string(side)); err != nil {
		log.Error().Err(err).Msg("Could not record open position")
	}

	r.active = &activeTrade{
		txID:       placed.TransactionID,
		slOrderID:  placed.SLOrderID,
		tpOrderID:  placed.TPOrderID,
		side:       side,
		entryPrice: price,
	}
	r.recordOpen(ctx, placed, side, amount, price, bracket)

	metrics.SignalsEvaluated.WithLabelValues(metrics.SignalOutcomeEntered).Inc()
	metrics.TradesOpened.Inc()
	log.Info().
		Str("tx_id", placed.TransactionID).
		Float64("amount", amount).
		Float64("stop", bracket.StopPrice).
		Float64("take", bracket.TakePrice).
		Msg("Position opened")
}

// prepareEntry sizes and validates the entry while the lifecycle still
// permits placement, returning the bracket prices and the final amount.
func (r *Runner) prepareEntry(ctx context.Context, side broker.Side, price float64, rp strategy.RiskParams) (*risk.Bracket, float64, error) {
	if rp.StopLossPercent <= 0 || rp.TakeProfitPercent <= 0 {
		return nil, 0, fmt.Errorf("strategy risk params missing stop or take percent")
	}

	instr, err := r.deps.Broker.GetInstrument(ctx, r.cfg.Instrument)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load instrument: %w", err)
	}
	summary, err := r.deps.Broker.GetBalance(ctx, instr.QuoteCurrency)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load account summary: %w", err)
	}

	stop := price * (1 - rp.StopLossPercent/100)
	if side == broker.SideSell {
		stop = price * (1 + rp.StopLossPercent/100)
	}

	sized, err := r.deps.Engine.Size(risk.SizeRequest{
		Instrument: instr,
		Equity:     summary.Equity,
		EntryPrice: price,
		StopPrice:  stop,
		Mode:       r.cfg.RiskMode,
		Value:      r.cfg.RiskValue,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("sizing rejected: %w", err)
	}

	bracket, err := risk.BuildBracket(instr, side, sized.Quantity, price, stop,
		rp.TakeProfitPercent/rp.StopLossPercent)
	if err != nil {
		return nil, 0, fmt.Errorf("bracket construction rejected: %w", err)
	}

	checked, err := r.deps.Validator.PreFlight(ctx, validate.Request{
		Instrument: r.cfg.Instrument,
		Side:       side,
		Type:       broker.OrderTypeMarket,
		Amount:     bracket.Quantity,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("pre-flight rejected: %w", err)
	}
	for _, warning := range append(sized.Warnings, checked.Warnings...) {
		r.log.Warn().Str("warning", warning).Msg("Entry warning")
	}
	return bracket, checked.Amount, nil
}

func (r *Runner) recordOpen(ctx context.Context, placed *placer.BracketResult, side broker.Side, amount, price float64, bracket *risk.Bracket) {
	tradeID, err := r.deps.Journal.OpenTrade(ctx, &journal.Trade{
		Strategy:      r.cfg.StrategyName,
		Instrument:    r.cfg.Instrument,
		Side:          string(side),
		Amount:        amount,
		EntryPrice:    price,
		StopPrice:     bracket.StopPrice,
		TakePrice:     bracket.TakePrice,
		TransactionID: placed.TransactionID,
		EntryOrderID:  placed.EntryOrderID,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to journal trade open")
		return
	}
	r.active.tradeID = tradeID

	if placed.SLOrderID != "" || placed.TPOrderID != "" {
		if err := r.deps.Journal.AttachOrderIDs(ctx, tradeID, placed.SLOrderID, placed.TPOrderID); err != nil {
			r.log.Warn().Err(err).Msg("Failed to attach protective order ids")
		}
	}
}

// handleOrder reacts to order-state notifications. A filled protective leg,
// or any fill that leaves the instrument flat, closes the tracked trade.
func (r *Runner) handleOrder(ctx context.Context, order broker.Order) {
	if r.active == nil || order.State != broker.OrderStateFilled {
		return
	}

	protective := order.OrderID == r.active.slOrderID || order.OrderID == r.active.tpOrderID
	if !protective {
		if txID, ok := placer.IsProtectiveLabel(order.Label); ok && txID == r.active.txID {
			protective = true
		}
	}
	if !protective {
		// An unrelated fill can still flatten us (manual close, reconciler).
		open, err := r.deps.Broker.HasOpenPosition(ctx, r.cfg.Instrument)
		if err != nil || open {
			return
		}
	}

	if order.Price > 0 {
		r.lastPrice = order.Price
	}
	r.settleExit(ctx)
}

// settleExit walks POSITION_OPEN through CLOSING to ANALYZING, derives the
// exit from fills, journals it and clears any surviving protective order.
func (r *Runner) settleExit(ctx context.Context) {
	if err := r.deps.Lifecycle.Closing(); err != nil {
		r.log.Warn().Err(err).Msg("Could not transition to closing")
		return
	}
	if err := r.deps.Lifecycle.Closed(); err != nil {
		r.log.Error().Err(err).Msg("Could not transition to analyzing after close")
	}

	active := r.active
	r.active = nil

	outcome := r.closeTrade(ctx, active)

	if cancelled, err := r.deps.Broker.CancelAllByInstrument(ctx, r.cfg.Instrument); err != nil {
		r.log.Warn().Err(err).Msg("Failed to cancel leftover protective orders")
	} else if cancelled > 0 {
		r.log.Info().Int("cancelled", cancelled).Msg("Cancelled leftover protective orders")
	}

	if outcome != nil {
		metrics.TradesClosed.WithLabelValues(outcome.ExitReason).Inc()
		metrics.TotalPnL.Add(outcome.Pnl)
		r.publishFill(outcome)
		r.log.Info().
			Str("exit_reason", outcome.ExitReason).
			Float64("pnl", outcome.Pnl).
			Str("pnl_source", outcome.PnlSource).
			Msg("Position closed")
	}
}

// closeTrade settles the journal record for the finished round trip.
func (r *Runner) closeTrade(ctx context.Context, active *activeTrade) *journal.ExitOutcome {
	if active == nil || active.tradeID == "" {
		return nil
	}
	trade, err := r.deps.Journal.GetTrade(ctx, active.tradeID)
	if err != nil {
		r.log.Error().Err(err).Str("trade_id", active.tradeID).Msg("Failed to load trade for exit settlement")
		return nil
	}

	fills, err := r.deps.Broker.GetUserTrades(ctx, r.cfg.Instrument, 100)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to fetch fills, estimating exit")
		fills = nil
	}

	outcome := journal.DeriveExit(trade, fills, r.lastPrice)
	if err := r.deps.Journal.CloseTrade(ctx, active.tradeID, journal.CloseRequest{
		ExitPrice:  outcome.ExitPrice,
		ExitReason: outcome.ExitReason,
		Pnl:        outcome.Pnl,
		PnlPercent: outcome.PnlPercent,
		PnlSource:  outcome.PnlSource,
	}); err != nil {
		r.log.Error().Err(err).Str("trade_id", active.tradeID).Msg("Failed to journal trade close")
	}
	return outcome
}

func (r *Runner) startCooldown(rp strategy.RiskParams) {
	if rp.CooldownMinutes <= 0 {
		return
	}
	r.cooldownUntil = time.Now().Add(time.Duration(rp.CooldownMinutes) * time.Minute)
	r.log.Info().Int("minutes", rp.CooldownMinutes).Msg("Cooldown started")
}

// cleanup releases subscriptions, cancels resting orders, optionally flattens
// and returns the lifecycle to IDLE. Runs on its own budget since the run
// context is usually already cancelled.
func (r *Runner) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.deps.Feed.Unsubscribe(ctx, r.cfg.Instrument); err != nil {
		r.log.Warn().Err(err).Msg("Failed to release market data subscription")
	}

	if cancelled, err := r.deps.Broker.CancelAllByInstrument(ctx, r.cfg.Instrument); err != nil {
		r.log.Warn().Err(err).Msg("Failed to cancel open orders on stop")
	} else if cancelled > 0 {
		r.log.Info().Int("cancelled", cancelled).Msg("Cancelled open orders on stop")
	}

	r.mu.Lock()
	flatten := r.flatten
	r.mu.Unlock()

	if r.deps.Lifecycle.CurrentState() == lifecycle.StatePositionOpen {
		if flatten {
			r.flattenPosition(ctx)
		} else {
			r.log.Warn().Msg("Stopping with a live position, leaving it unmanaged")
			if err := r.deps.Lifecycle.Closing(); err == nil {
				_ = r.deps.Lifecycle.Closed()
			}
			r.active = nil
		}
	}

	if err := r.deps.Lifecycle.Stop(); err != nil {
		r.log.Warn().Err(err).Msg("Could not return lifecycle to idle")
	}

	r.publishRunnerEvent("stopped")
	r.log.Info().Msg("Runner stopped")
}

// flattenPosition market-closes the instrument and settles the journal.
func (r *Runner) flattenPosition(ctx context.Context) {
	if err := r.deps.Lifecycle.Closing(); err != nil {
		r.log.Warn().Err(err).Msg("Could not transition to closing on flatten")
		return
	}
	if _, err := r.deps.Broker.ClosePosition(ctx, r.cfg.Instrument); err != nil {
		r.log.Error().Err(err).Msg("Failed to flatten position on stop")
	}
	if err := r.deps.Lifecycle.Closed(); err != nil {
		r.log.Warn().Err(err).Msg("Could not transition to analyzing after flatten")
	}

	if outcome := r.closeTrade(ctx, r.active); outcome != nil {
		metrics.TradesClosed.WithLabelValues(outcome.ExitReason).Inc()
		metrics.TotalPnL.Add(outcome.Pnl)
		r.publishFill(outcome)
	}
	r.active = nil
}

// fail abandons a startup that claimed the lifecycle but never reached the
// main loop.
func (r *Runner) fail(err error) {
	r.log.Error().Err(err).Msg("Runner startup failed")
	if stopErr := r.deps.Lifecycle.Stop(); stopErr != nil {
		r.log.Warn().Err(stopErr).Msg("Could not return lifecycle to idle after startup failure")
	}
}

func (r *Runner) publishRunnerEvent(status string) {
	if r.deps.Events == nil {
		return
	}
	err := r.deps.Events.Publish(r.cfg.UserID, events.TopicRunner, events.RunnerEvent{
		JobID:      r.cfg.JobID,
		Strategy:   r.cfg.StrategyName,
		Instrument: r.cfg.Instrument,
		Status:     status,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to publish runner event")
	}
}

func (r *Runner) publishFill(outcome *journal.ExitOutcome) {
	if r.deps.Events == nil {
		return
	}
	err := r.deps.Events.Publish(r.cfg.UserID, events.TopicFill, events.FillEvent{
		Instrument: r.cfg.Instrument,
		ExitReason: outcome.ExitReason,
		Pnl:        outcome.Pnl,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to publish fill event")
	}
}
