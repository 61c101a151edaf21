package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/connect", s.handleConnect)
	s.router.POST("/disconnect", s.handleDisconnect)

	strategyGroup := s.router.Group("/strategy")
	{
		strategyGroup.POST("/start", s.handleStrategyStart)
		strategyGroup.POST("/stop", s.handleStrategyStop)
		strategyGroup.GET("/status", s.handleStrategyStatus)
		strategyGroup.GET("/analysis/:id", s.handleStrategyAnalysis)
		strategyGroup.GET("/metrics/:id", s.handleStrategyMetrics)
	}

	s.router.POST("/killswitch", s.handleKillswitch)

	trades := s.router.Group("/trades")
	{
		trades.GET("/history", s.handleTradeHistory)
		trades.GET("/stats", s.handleTradeStats)
		trades.DELETE("/:id", s.handleDeleteTrade)
	}
}
