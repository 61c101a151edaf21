package api

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantbench/derivd/internal/journal"
	"github.com/quantbench/derivd/internal/lifecycle"
	"github.com/quantbench/derivd/internal/orchestrator"
)

func (s *Server) userID(c *gin.Context, bodyUserID string) string {
	if bodyUserID != "" {
		return bodyUserID
	}
	if header := c.GetHeader("X-User-ID"); header != "" {
		return header
	}
	return "local"
}

func (s *Server) handleHealth(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	wsStatus := "not_configured"
	var lastHeartbeat time.Time
	if s.deps.Connector != nil {
		if s.deps.Connector.IsConnected() {
			wsStatus = "connected"
		} else {
			wsStatus = "disconnected"
		}
		lastHeartbeat = s.deps.Connector.LastHeartbeat()
	}

	active := 0
	total := 0
	if s.deps.Jobs != nil {
		stats := s.deps.Jobs.GetStatus("").QueueStats
		active = stats.Running
		total = stats.Total
	}

	status := "healthy"
	if wsStatus == "disconnected" {
		status = "degraded"
		// A dead socket while a strategy is live means we cannot manage the
		// position.
		if s.deps.Lifecycle != nil && s.deps.Lifecycle.CurrentState() != lifecycle.StateIdle {
			status = "unhealthy"
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"services": gin.H{
			"websocket": gin.H{
				"status":        wsStatus,
				"lastHeartbeat": lastHeartbeat,
			},
			"strategies": gin.H{
				"active": active,
				"total":  total,
			},
		},
		"system": gin.H{
			"goroutines": runtime.NumGoroutine(),
			"memory": gin.H{
				"alloc_mb": memStats.Alloc / 1024 / 1024,
				"sys_mb":   memStats.Sys / 1024 / 1024,
				"num_gc":   memStats.NumGC,
			},
		},
		"uptime":    time.Since(startTime).Seconds(),
		"version":   s.deps.Version,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	websocketReady := s.deps.Connector != nil && s.deps.Connector.IsConnected()
	stateReady := s.deps.Lifecycle != nil
	credentialsReady := s.deps.Credentials != nil && s.deps.Credentials.Ready(c.Request.Context())

	ready := websocketReady && stateReady && credentialsReady
	checks := gin.H{
		"websocket":          websocketReady,
		"stateManager":       stateReady,
		"credentialsManager": credentialsReady,
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"ready":     ready,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleConnect(c *gin.Context) {
	if s.deps.Connector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session not configured"})
		return
	}

	var req struct {
		Environment string `json:"environment"`
	}
	_ = c.ShouldBindJSON(&req) // body is optional
	if req.Environment == "" {
		req.Environment = "testnet"
	}

	if err := s.deps.Connector.Connect(c.Request.Context(), req.Environment); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected", "environment": req.Environment})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if s.deps.Connector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session not configured"})
		return
	}
	if err := s.deps.Connector.Disconnect(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (s *Server) handleStrategyStart(c *gin.Context) {
	var req struct {
		UserID       string             `json:"userId"`
		StrategyName string             `json:"strategyName"`
		Instrument   string             `json:"instrument"`
		Config       map[string]float64 `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	jobID, err := s.deps.Jobs.StartRunner(c.Request.Context(), orchestrator.StartRequest{
		UserID:       s.userID(c, req.UserID),
		StrategyName: req.StrategyName,
		Instrument:   req.Instrument,
		Params:       req.Config,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func (s *Server) handleStrategyStop(c *gin.Context) {
	var req struct {
		UserID           string `json:"userId"`
		WorkerID         string `json:"workerId"`
		FlattenPositions bool   `json:"flattenPositions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := s.deps.Jobs.StopRunner(c.Request.Context(), orchestrator.StopRequest{
		UserID:           s.userID(c, req.UserID),
		WorkerID:         req.WorkerID,
		FlattenPositions: req.FlattenPositions,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "workerId": req.WorkerID})
}

func (s *Server) handleStrategyStatus(c *gin.Context) {
	response := gin.H{}
	if s.deps.Lifecycle != nil {
		response["lifecycle"] = s.deps.Lifecycle.Snapshot()
	}
	if s.deps.Jobs != nil {
		status := s.deps.Jobs.GetStatus(c.Query("userId"))
		response["workers"] = status.Workers
		response["queueStats"] = status.QueueStats
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleStrategyAnalysis(c *gin.Context) {
	sig, ok := s.deps.Jobs.Analysis(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis available for this job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": c.Param("id"), "signal": sig})
}

func (s *Server) handleStrategyMetrics(c *gin.Context) {
	job := s.findJob(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}

	stats, err := s.deps.Journal.Stats(c.Request.Context(), journal.Filter{
		Strategy:   job.StrategyName,
		Instrument: job.Instrument,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": job.ID, "stats": stats})
}

func (s *Server) findJob(id string) *orchestrator.Job {
	for _, job := range s.deps.Jobs.GetStatus("").Workers {
		if job.ID == id {
			copied := job
			return &copied
		}
	}
	return nil
}

// handleKillswitch flattens everything: runners stop, resting orders are
// cancelled, positions are market-closed, open journal trades settle as
// killswitch exits and the lifecycle resets to IDLE. Safe to repeat.
func (s *Server) handleKillswitch(c *gin.Context) {
	ctx := c.Request.Context()

	if s.deps.Jobs != nil {
		s.deps.Jobs.StopAll()
	}

	positionsClosed := 0
	ordersCancelled := 0
	markPrices := make(map[string]float64)
	if s.deps.Broker != nil {
		positions, err := s.deps.Broker.GetOpenPositions(ctx, s.deps.Currency)
		if err != nil {
			abortWithError(c, err)
			return
		}
		for _, position := range positions {
			markPrices[position.Instrument] = position.MarkPrice
			if cancelled, err := s.deps.Broker.CancelAllByInstrument(ctx, position.Instrument); err == nil {
				ordersCancelled += cancelled
			}
			if _, err := s.deps.Broker.ClosePosition(ctx, position.Instrument); err != nil {
				s.log.Error().Err(err).Str("instrument", position.Instrument).Msg("Killswitch failed to close position")
				continue
			}
			positionsClosed++
		}
	}

	tradesClosed := 0
	if s.deps.Journal != nil {
		open, err := s.deps.Journal.Query(ctx, journal.Filter{Status: journal.StatusOpen})
		if err == nil {
			for i := range open {
				trade := open[i]
				outcome := journal.EstimateExit(&trade, markPrices[trade.Instrument])
				closeErr := s.deps.Journal.CloseTrade(ctx, trade.ID, journal.CloseRequest{
					ExitPrice:  outcome.ExitPrice,
					ExitReason: journal.ExitKillswitch,
					Pnl:        outcome.Pnl,
					PnlPercent: outcome.PnlPercent,
					PnlSource:  journal.PnlSourceEstimation,
				})
				if closeErr == nil {
					tradesClosed++
				}
			}
		}
	}

	if s.deps.Lifecycle != nil {
		if err := s.deps.Lifecycle.ReconcileReset(); err != nil {
			s.log.Error().Err(err).Msg("Killswitch failed to reset lifecycle")
		}
	}

	s.log.Warn().
		Int("positions_closed", positionsClosed).
		Int("orders_cancelled", ordersCancelled).
		Int("trades_closed", tradesClosed).
		Msg("Killswitch engaged")
	c.JSON(http.StatusOK, gin.H{
		"status":          "flattened",
		"positionsClosed": positionsClosed,
		"ordersCancelled": ordersCancelled,
		"tradesClosed":    tradesClosed,
	})
}

func (s *Server) handleTradeHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	trades, err := s.deps.Journal.Query(c.Request.Context(), journal.Filter{
		Strategy:   c.Query("strategy"),
		Instrument: c.Query("instrument"),
		Status:     c.Query("status"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if trades == nil {
		trades = []journal.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleTradeStats(c *gin.Context) {
	stats, err := s.deps.Journal.Stats(c.Request.Context(), journal.Filter{
		Strategy:   c.Query("strategy"),
		Instrument: c.Query("instrument"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleDeleteTrade(c *gin.Context) {
	err := s.deps.Journal.DeleteTrade(c.Request.Context(), c.Param("id"))
	if errors.Is(err, journal.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": c.Param("id")})
}
