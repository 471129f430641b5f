package domain

import (
	"strings"
	"time"
)

// Position 持仓。由唯一一个 Portfolio 独占持有。
type Position struct {
	Symbol        string
	Quantity      float64 // 带符号数量（正 = 多头）
	AvgCost       float64 // 加权平均成本
	CurrentPrice  float64
	MarketValue   float64
	UnrealizedPnL float64
	RealizedPnL   float64
}

// Portfolio 组合状态。只被执行引擎和 NAV mark-to-market 修改。
type Portfolio struct {
	InitialCapital float64
	Cash           float64
	Positions      map[string]*Position
	NAV            float64
	PeakNAV        float64 // 历史高水位，单调不减（除非显式 ResetPeak）
	Weights        map[string]float64
	RealizedPnL    float64
	UnrealizedPnL  float64
	TradingDays    int
	StartDate      time.Time
}

// NewPortfolio 创建初始组合
func NewPortfolio(initialCapital float64) *Portfolio {
	return &Portfolio{
		InitialCapital: initialCapital,
		Cash:           initialCapital,
		Positions:      make(map[string]*Position),
		NAV:            initialCapital,
		PeakNAV:        initialCapital,
		Weights:        make(map[string]float64),
		StartDate:      time.Now(),
	}
}

// Drawdown 当前回撤 = (peak_nav − nav) / peak_nav，始终 ≥ 0
func (p *Portfolio) Drawdown() float64 {
	if p.PeakNAV == 0 {
		return 0
	}
	dd := (p.PeakNAV - p.NAV) / p.PeakNAV
	if dd < 0 {
		return 0
	}
	return dd
}

// UpdatePeak 抬升高水位（只升不降）
func (p *Portfolio) UpdatePeak() {
	if p.NAV > p.PeakNAV {
		p.PeakNAV = p.NAV
	}
}

// ResetPeak 显式重置高水位到当前 NAV（仅限运维操作）
func (p *Portfolio) ResetPeak() {
	p.PeakNAV = p.NAV
}

// PositionQuantity 返回某标的持仓数量（无持仓返回 0）
func (p *Portfolio) PositionQuantity(symbol string) float64 {
	if pos, ok := p.Positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

// MarkToMarket 按最新价格重算 NAV / 未实现盈亏 / 权重。
// weights 之和 ≤ 1，余量即现金权重（键 "CASH"）。
func (p *Portfolio) MarkToMarket(prices map[string]float64) float64 {
	positionValue := 0.0
	unrealized := 0.0

	for symbol, pos := range p.Positions {
		price, ok := prices[symbol]
		if !ok {
			price = pos.CurrentPrice
		}
		pos.CurrentPrice = price
		pos.MarketValue = pos.Quantity * price
		pos.UnrealizedPnL = (price - pos.AvgCost) * pos.Quantity
		positionValue += pos.MarketValue
		unrealized += pos.UnrealizedPnL
	}

	p.UnrealizedPnL = unrealized
	p.NAV = p.Cash + positionValue
	p.UpdatePeak()

	weights := make(map[string]float64, len(p.Positions)+1)
	if p.NAV > 0 {
		for symbol, pos := range p.Positions {
			weights[symbol] = pos.MarketValue / p.NAV
		}
		weights["CASH"] = p.Cash / p.NAV
	}
	p.Weights = weights

	return p.NAV
}

// PortfolioSummary 对外暴露的组合摘要
type PortfolioSummary struct {
	NAV           float64            `json:"nav"`
	Cash          float64            `json:"cash"`
	Positions     map[string]float64 `json:"positions"`
	Weights       map[string]float64 `json:"weights"`
	RealizedPnL   float64            `json:"realized_pnl"`
	UnrealizedPnL float64            `json:"unrealized_pnl"`
	Drawdown      float64            `json:"drawdown"`
	TradingDays   int                `json:"trading_days"`
	TotalTrades   int                `json:"total_trades"`
	PendingOrders int                `json:"pending_orders"`
}

// AccountInfo broker 账户信息
type AccountInfo struct {
	AccountID      string
	Cash           float64
	BuyingPower    float64
	PortfolioValue float64
	Positions      map[string]*Position
	Timestamp      time.Time
}

// BacktestResult 回测基准指标（仅供偏差报告消费）
type BacktestResult struct {
	SharpeRatio float64
	MaxDrawdown float64
	TotalReturn float64
}

// TransitionEvent 资金阶段转换审计事件（append-only）
type TransitionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"` // ADVANCE / ROLLBACK / EVALUATE / ROLLBACK_STAGE / ROLLBACK_TO_PAPER
	FromStage int       `json:"from_stage"`
	ToStage   int       `json:"to_stage"`
	Reason    string    `json:"reason"`
}

// HealthCheck 系统健康检查采样（不可变）
type HealthCheck struct {
	Timestamp         time.Time       `json:"timestamp"`
	APIResponseTimeMs float64         `json:"api_response_time_ms"`
	DataFreshnessMin  int             `json:"data_freshness_minutes"`
	BrokerConnections map[string]bool `json:"broker_connections"`
	Issues            []string        `json:"issues"`
}

// Status 根据 issues 判定健康状态
func (h *HealthCheck) Status() string {
	if len(h.Issues) == 0 {
		return "HEALTHY"
	}
	for _, issue := range h.Issues {
		if strings.Contains(strings.ToUpper(issue), "CRITICAL") {
			return "CRITICAL"
		}
	}
	return "WARNING"
}

// PerformanceSnapshot 绩效采样（不可变）
type PerformanceSnapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	NAV              float64   `json:"nav"`
	DailyReturn      float64   `json:"daily_return"`
	CumulativeReturn float64   `json:"cumulative_return"`
	Sharpe20D        float64   `json:"sharpe_20d"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	PositionsCount   int       `json:"positions_count"`
	DailyTrades      int       `json:"daily_trades"`
}
