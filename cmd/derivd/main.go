// derivd is the trading engine daemon: one process carrying the broker
// session, strategy runners, reconciler, trade journal and the HTTP control
// surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantbench/derivd/internal/api"
	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/events"
	"github.com/quantbench/derivd/internal/journal"
	"github.com/quantbench/derivd/internal/kv"
	"github.com/quantbench/derivd/internal/lifecycle"
	"github.com/quantbench/derivd/internal/orchestrator"
	"github.com/quantbench/derivd/internal/placer"
	"github.com/quantbench/derivd/internal/ratelimit"
	"github.com/quantbench/derivd/internal/reconcile"
	"github.com/quantbench/derivd/internal/risk"
	"github.com/quantbench/derivd/internal/runner"
	"github.com/quantbench/derivd/internal/session"
	"github.com/quantbench/derivd/internal/validate"
)

// defaultUserID is the account this single-tenant deployment trades for.
// Multi-user callers override it per request via X-User-ID.
const defaultUserID = "local"

const brokerName = "deribit"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("main")
	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting derivd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("Engine exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Engine stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	creds, err := config.NewCredentialsProvider(cfg.Vault)
	if err != nil {
		return fmt.Errorf("failed to build credentials provider: %w", err)
	}

	limiter := ratelimit.New(
		ratelimit.Config{Rate: cfg.RateLimit.PublicRate, Burst: cfg.RateLimit.PublicBurst},
		ratelimit.Config{Rate: cfg.RateLimit.PrivateRate, Burst: cfg.RateLimit.PrivateBurst},
	)
	sess := session.New(cfg.Session, limiter)
	adapter := broker.NewAdapter(sess, time.Hour)

	stateStore, err := lifecycle.NewFileStore(filepath.Join(cfg.State.Dir, "strategy-state.json"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	manager := lifecycle.NewManager(stateStore)

	store, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer store.Close()

	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoSigs: true})
		if err != nil {
			return fmt.Errorf("failed to build embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			return fmt.Errorf("embedded NATS server did not become ready")
		}
		defer ns.Shutdown()
		natsURL = ns.ClientURL()
		log.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	}

	// The bus and the KV store are optional: without them the engine still
	// trades, it just loses external event fan-out and cross-restart flags.
	var bus *events.Bus
	if natsURL != "" {
		bus, err = events.Connect(natsURL)
		if err != nil {
			log.Warn().Err(err).Str("url", natsURL).Msg("Event bus unavailable, continuing without it")
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	var kvClient *kv.Client
	if cfg.Redis.Host != "" {
		kvClient, err = kv.New(ctx, cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.GetRedisAddr()).Msg("Redis unavailable, continuing without it")
			kvClient = nil
		} else {
			defer kvClient.Close()
		}
	}

	manager.RegisterObserver(func(change lifecycle.StateChange) {
		_ = bus.Publish(defaultUserID, events.TopicStateChange, events.StateChangeEvent{
			From:      string(change.From),
			To:        string(change.To),
			Strategy:  change.Snapshot.StrategyName,
			Timestamp: time.Now().UTC(),
		})
	})

	engine := risk.NewEngine(cfg.Risk)
	breaker := risk.NewBreaker()
	validator := validate.New(adapter, manager, cfg.Risk)
	bracketPlacer := placer.New(adapter, breaker, placer.WithOrphanHandler(func(txID string, orderIDs []string) {
		_ = bus.Publish(defaultUserID, events.TopicOrphan, events.OrphanEvent{
			TransactionID: txID,
			OrderIDs:      orderIDs,
			Timestamp:     time.Now().UTC(),
		})
	}))

	reconciler := reconcile.New(adapter, manager, cfg.Reconciler, "USD")

	feed := runner.NewSessionFeed(sess)
	factory := func(rc runner.Config) (orchestrator.RunnerHandle, error) {
		if rc.SignalThreshold == 0 {
			rc.SignalThreshold = cfg.Risk.SignalThreshold
		}
		r, err := runner.New(rc, runner.Deps{
			Broker:    adapter,
			Lifecycle: manager,
			Journal:   store,
			Engine:    engine,
			Validator: validator,
			Placer:    bracketPlacer,
			Events:    bus,
			Feed:      feed,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	var tiers orchestrator.TierStore
	if kvClient != nil {
		tiers = kvClient
	}
	orch := orchestrator.New(
		cfg.Orchestrator,
		orchestrator.NewMemoryQueue(),
		orchestrator.NewEntitlements(tiers),
		factory,
		bus,
	)

	connector := newSessionConnector(sess, cfg.Session, creds, kvClient, adapter.FlushInstruments, log)
	server := api.NewServer(cfg.API.GetAPIAddr(), api.Deps{
		Connector:   connector,
		Jobs:        orch,
		Lifecycle:   manager,
		Journal:     store,
		Broker:      adapter,
		Credentials: creds,
		Version:     cfg.App.Version,
	})

	connector.autoConnect(ctx, cfg.App.Environment)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if cfg.Monitoring.EnableMetrics && cfg.Monitoring.PrometheusPort > 0 {
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler: promhttp.Handler(),
		}
		g.Go(func() error {
			log.Info().Int("port", cfg.Monitoring.PrometheusPort).Msg("Serving Prometheus metrics")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	if sess.IsConnected() {
		if dErr := sess.Disconnect(); dErr != nil {
			log.Warn().Err(dErr).Msg("Session close failed during shutdown")
		}
	}
	return err
}

func openJournal(ctx context.Context, cfg config.JournalConfig) (journal.Store, error) {
	if cfg.Driver == "postgres" {
		store, err := journal.NewPostgresStore(ctx, cfg.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open journal store: %w", err)
		}
		return store, nil
	}
	return journal.NewMemoryStore(), nil
}
