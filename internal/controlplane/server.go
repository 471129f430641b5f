// Package controlplane 对外暴露只读状态 API 与少量运维操作。
package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/internal/gates"
	"github.com/tradebot/golive/internal/monitor"
	"github.com/tradebot/golive/internal/oms"
	"github.com/tradebot/golive/internal/paper"
	"github.com/tradebot/golive/internal/transition"
	"github.com/tradebot/golive/pkg/logger"
)

// Server 状态 API 服务
type Server struct {
	engine  *paper.Engine
	oms     *oms.Manager
	perf    *monitor.Monitor
	live    *monitor.LiveMonitor
	trans   *transition.Manager
	gateSys *gates.System

	srv *http.Server
}

// NewServer 创建状态 API 服务
func NewServer(engine *paper.Engine, manager *oms.Manager, perf *monitor.Monitor,
	live *monitor.LiveMonitor, trans *transition.Manager, gateSys *gates.System) *Server {
	return &Server{
		engine:  engine,
		oms:     manager,
		perf:    perf,
		live:    live,
		trans:   trans,
		gateSys: gateSys,
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)

	api := r.Group("/api/v1")
	{
		api.GET("/portfolio", s.handlePortfolio)
		api.GET("/performance", s.handlePerformance)
		api.GET("/alerts", s.handleAlerts)
		api.GET("/orders", s.handleOrders)
		api.DELETE("/orders/:id", s.handleCancelOrder)
		api.GET("/transition", s.handleTransition)
		api.POST("/transition/start", s.handleTransitionStart)
		api.POST("/transition/advance", s.handleTransitionAdvance)
		api.POST("/transition/rollback", s.handleTransitionRollback)
		api.POST("/transition/rollback-paper", s.handleTransitionRollbackPaper)
		api.POST("/transition/failures/reset", s.handleResetFailures)
		api.GET("/gates/progress", s.handleGateProgress)
		api.POST("/gates/validate", s.handleGateValidate)
	}
	return r
}

// Start 启动 HTTP 服务（非阻塞）
func (s *Server) Start(listen string) {
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("[api] listening on %s", listen)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[api] server error: %v", err)
		}
	}()
}

// Shutdown 优雅停机
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	check, ok := s.live.LastCheck()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "STARTING"})
		return
	}
	status := check.Status()
	code := http.StatusOK
	if status == "CRITICAL" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "check": check})
}

func (s *Server) handlePortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Summary())
}

func (s *Server) handlePerformance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"trading_days":     s.perf.TradingDays(),
		"sharpe_20d":       s.perf.RollingSharpe(20),
		"sharpe_60d":       s.perf.RollingSharpe(60),
		"sharpe_252d":      s.perf.RollingSharpe(252),
		"max_drawdown":     s.perf.MaxDrawdown(),
		"current_drawdown": s.perf.CurrentDrawdown(),
		"total_return":     s.perf.TotalReturn(),
		"mean_ic":          s.perf.MeanIC(),
		"uptime":           s.live.Uptime(),
		"execution":        s.oms.ExecutionSummary(),
		"snapshots":        s.live.Snapshots(),
	})
}

func (s *Server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.perf.Alerts()})
}

func (s *Server) handleOrders(c *gin.Context) {
	orders := s.oms.Orders()
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, gin.H{
			"order_id":        o.OrderID,
			"symbol":          o.Symbol,
			"side":            o.Side,
			"type":            o.Type,
			"quantity":        o.Quantity,
			"filled_quantity": o.FilledQuantity,
			"status":          o.Status,
			"broker":          o.Broker,
			"reason":          o.Reason,
			"submitted_at":    o.SubmittedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.oms.CancelOrder(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

func (s *Server) handleTransition(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"progress": s.trans.CurrentProgress(),
		"summary":  s.trans.Summary(),
		"events":   s.trans.Events(),
	})
}

// transitionOpRequest 转换操作请求体。nav 缺省取当前组合 NAV。
type transitionOpRequest struct {
	NAV    *float64 `json:"nav"`
	Reason string   `json:"reason"`
}

func (s *Server) bindTransitionOp(c *gin.Context) (transitionOpRequest, bool) {
	var body transitionOpRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return body, false
		}
	}
	return body, true
}

func (s *Server) opNAV(body transitionOpRequest) float64 {
	if body.NAV != nil {
		return *body.NAV
	}
	return s.engine.Summary().NAV
}

// handleTransitionStart 人工确认门槛通过后进入实盘第一阶段
func (s *Server) handleTransitionStart(c *gin.Context) {
	body, ok := s.bindTransitionOp(c)
	if !ok {
		return
	}
	s.trans.Start(s.opNAV(body))
	s.oms.SetPaperMode(false)
	c.JSON(http.StatusOK, gin.H{"progress": s.trans.CurrentProgress()})
}

func (s *Server) handleTransitionAdvance(c *gin.Context) {
	body, ok := s.bindTransitionOp(c)
	if !ok {
		return
	}
	if err := s.trans.AdvanceStage(s.opNAV(body)); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": s.trans.CurrentProgress()})
}

func (s *Server) handleTransitionRollback(c *gin.Context) {
	body, ok := s.bindTransitionOp(c)
	if !ok {
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "operator rollback"
	}
	s.trans.RollbackStage(s.opNAV(body), reason)
	if s.trans.InPaper() {
		// 第一阶段再降档会落回 paper，订单路由跟着切
		s.oms.SetPaperMode(true)
	}
	c.JSON(http.StatusOK, gin.H{"progress": s.trans.CurrentProgress()})
}

func (s *Server) handleTransitionRollbackPaper(c *gin.Context) {
	body, ok := s.bindTransitionOp(c)
	if !ok {
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "operator rollback to paper"
	}
	s.trans.RollbackToPaper(reason)
	s.oms.SetPaperMode(true)
	c.JSON(http.StatusOK, gin.H{"progress": s.trans.CurrentProgress()})
}

// handleResetFailures 故障计数只能由人工显式清零
func (s *Server) handleResetFailures(c *gin.Context) {
	s.trans.ResetSystemFailures()
	c.JSON(http.StatusOK, gin.H{"system_failures": s.trans.SystemFailures()})
}

func (s *Server) handleGateProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateSys.Progress())
}

func (s *Server) handleGateValidate(c *gin.Context) {
	var backtest *domain.BacktestResult
	if c.Request.ContentLength > 0 {
		var body domain.BacktestResult
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		backtest = &body
	}

	resp := gin.H{"report": s.gateSys.Validate()}
	if backtest != nil {
		resp["deviation"] = s.gateSys.CompareWithBacktest(*backtest)
	}
	c.JSON(http.StatusOK, resp)
}
