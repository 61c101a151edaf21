// Package api is the HTTP control surface: health and readiness probes,
// session connect/disconnect, strategy job control, the killswitch and the
// trade journal, plus Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/quantbench/derivd/internal/broker"
	"github.com/quantbench/derivd/internal/brokererr"
	"github.com/quantbench/derivd/internal/config"
	"github.com/quantbench/derivd/internal/journal"
	"github.com/quantbench/derivd/internal/lifecycle"
	"github.com/quantbench/derivd/internal/orchestrator"
	"github.com/quantbench/derivd/internal/strategy"
)

var startTime = time.Now()

// Connector controls the broker websocket session.
type Connector interface {
	Connect(ctx context.Context, environment string) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	LastHeartbeat() time.Time
}

// JobControl is the orchestrator surface the API consumes.
type JobControl interface {
	StartRunner(ctx context.Context, req orchestrator.StartRequest) (string, error)
	StopRunner(ctx context.Context, req orchestrator.StopRequest) error
	GetStatus(userID string) orchestrator.Status
	Analysis(jobID string) (strategy.Signal, bool)
	StopAll()
}

// Deps are the engine components the API fronts. Connector, Broker and
// Credentials may be nil; the affected endpoints then degrade.
type Deps struct {
	Connector   Connector
	Jobs        JobControl
	Lifecycle   *lifecycle.Manager
	Journal     journal.Store
	Broker      broker.Broker
	Credentials config.CredentialsProvider
	Currency    string // killswitch position scan currency, default USD
	Version     string
}

// Server is the gin REST server.
type Server struct {
	router *gin.Engine
	server *http.Server
	deps   Deps
	addr   string
	log    zerolog.Logger
}

// NewServer builds the router and routes.
func NewServer(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	if deps.Currency == "" {
		deps.Currency = "USD"
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	log := config.NewLogger("api")
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		deps:   deps,
		addr:   addr,
		log:    log,
	}
	s.setupRoutes()
	return s
}

// Router exposes the handler, mostly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Stopping API server")
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	return nil
}

func loggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		event := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request")
	}
}

// statusForError maps taxonomy kinds onto HTTP statuses.
func statusForError(err error) int {
	switch brokererr.KindOf(err) {
	case brokererr.KindInvalidParams, brokererr.KindAmountTooSmall:
		return http.StatusBadRequest
	case brokererr.KindAuthentication:
		return http.StatusForbidden
	case brokererr.KindRateLimit:
		return http.StatusTooManyRequests
	case brokererr.KindInsufficientFunds, brokererr.KindInsufficientMargin,
		brokererr.KindLeverageExceeded, brokererr.KindPositionAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}
