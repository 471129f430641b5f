// Package paper 实现模拟交易引擎：真实信号、模拟执行。
//
// 执行路径复刻实盘的摩擦成本：滑点随订单金额和波动率放大、
// 延迟按订单类型区分（市价快、限价慢、TWAP 分片执行）、大单
// 可能部分成交。组合变更幂等，同一订单重复执行不会二次扣款。
package paper

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradebot/golive/internal/auditlog"
	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/config"
	"github.com/tradebot/golive/pkg/logger"
)

// Engine 模拟交易引擎
type Engine struct {
	cfg   config.PaperConfig
	audit *auditlog.Log // 可为 nil（测试）

	mu        sync.Mutex
	portfolio *domain.Portfolio
	pending   map[string]*domain.Order           // orderID -> 待执行订单
	executed  map[string]*domain.ExecutionResult // 幂等屏障：已执行订单不再变更组合
	trades    int
	dayTrades int

	rng *rand.Rand
	now func() time.Time
}

// Option 引擎可选参数
type Option func(*Engine)

// WithClock 注入时钟（测试）
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand 注入随机源（测试确定性）
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// NewEngine 创建模拟交易引擎
func NewEngine(cfg config.PaperConfig, audit *auditlog.Log, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		audit:     audit,
		portfolio: domain.NewPortfolio(cfg.InitialCapital),
		pending:   make(map[string]*domain.Order),
		executed:  make(map[string]*domain.ExecutionResult),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// slippageFraction 滑点模型（返回小数，非 bps）。
//
//	slippage = base + volatility×mult + max(0, notional−threshold)/10000 × impact_bps
//
// 方向由调用方按买卖侧决定。
func (e *Engine) slippageFraction(notional, volatility float64) float64 {
	s := e.cfg.Slippage
	frac := s.BaseBps / 10_000
	frac += volatility * s.VolMultiplier
	if excess := notional - s.SizeThreshold; excess > 0 {
		frac += (excess / 10_000) * s.ImpactPer10K / 10_000
	}
	return frac
}

// executionDelay 按订单类型取延迟：市价短、限价长、TWAP 按
// 分片间隔排第一片。大单按系数放大。
func (e *Engine) executionDelay(orderType domain.OrderType, notional float64) time.Duration {
	d := e.cfg.Delay
	var sec float64
	switch orderType {
	case domain.OrderTypeMarket:
		sec = d.MarketSeconds
	case domain.OrderTypeTWAP:
		sec = d.TWAPSliceSeconds
	default:
		sec = d.LimitSeconds
	}
	if notional > d.LargeOrder && d.LargeFactor > 0 {
		sec *= d.LargeFactor
	}
	return time.Duration(sec * float64(time.Second))
}

// SubmitOrder 提交模拟订单。订单进入 pending 队列并携带预期
// 执行时间，真正成交发生在 ProcessDue 或 ForceExecute。
func (e *Engine) SubmitOrder(order *domain.Order, refPrice, volatility float64) (*domain.Order, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if refPrice <= 0 {
		return nil, fmt.Errorf("order %s: reference price must be > 0", order.OrderID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	if _, dup := e.pending[order.OrderID]; dup {
		return nil, fmt.Errorf("order %s already pending", order.OrderID)
	}
	if _, done := e.executed[order.OrderID]; done {
		return nil, fmt.Errorf("order %s already executed", order.OrderID)
	}

	notional := order.Notional(refPrice)
	now := e.now()

	order.Status = domain.OrderStatusPending
	order.SubmittedAt = now
	order.ExpectedSlippage = e.slippageFraction(notional, volatility)
	order.ExecuteAfter = now.Add(e.executionDelay(order.Type, notional))
	e.pending[order.OrderID] = order

	logger.Infof("[paper] order queued: %s %s %.4f %s (slippage=%.4f%%, execute_after=%s)",
		order.Side, order.Symbol, order.Quantity, order.Type,
		order.ExpectedSlippage*100, order.ExecuteAfter.Format("15:04:05"))
	return order, nil
}

// ProcessDue 执行所有到期订单，返回执行结果
func (e *Engine) ProcessDue(prices, vols map[string]float64) []*domain.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var results []*domain.ExecutionResult
	for id, order := range e.pending {
		if order.ExecuteAfter.After(now) {
			continue
		}
		price, ok := prices[order.Symbol]
		if !ok {
			// 无行情先跳过，下个周期再试
			continue
		}
		res, done := e.executeLocked(order, price, vols[order.Symbol])
		results = append(results, res)
		if done {
			delete(e.pending, id)
		}
	}
	return results
}

// ForceExecute 立即执行指定订单（测试与收盘清算用）。
// TWAP 订单每次调用打一片，未打完时留在 pending。
func (e *Engine) ForceExecute(orderID string, price, volatility float64) (*domain.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.pending[orderID]
	if !ok {
		if res, done := e.executed[orderID]; done {
			// 幂等：重复执行返回首次结果，不再变更组合
			return res, nil
		}
		return nil, fmt.Errorf("order %s not pending", orderID)
	}
	res, done := e.executeLocked(order, price, volatility)
	if done {
		delete(e.pending, orderID)
	}
	return res, nil
}

// ForceExecuteAll 无视延迟清空整个 pending 队列，TWAP 逐片打完。
// 无行情的符号留在队列。收盘清算与停机前排空用。
func (e *Engine) ForceExecuteAll(prices, vols map[string]float64) []*domain.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []*domain.ExecutionResult
	for id, order := range e.pending {
		price, ok := prices[order.Symbol]
		if !ok {
			continue
		}
		for {
			res, done := e.executeLocked(order, price, vols[order.Symbol])
			results = append(results, res)
			if done {
				delete(e.pending, id)
				break
			}
		}
	}
	return results
}

// executeLocked 执行单笔订单或 TWAP 的下一片（调用方必须持有锁）。
// 返回订单是否已终结。终结后幂等屏障保证不再变更组合。
func (e *Engine) executeLocked(order *domain.Order, refPrice, volatility float64) (*domain.ExecutionResult, bool) {
	if res, done := e.executed[order.OrderID]; done {
		return res, true
	}

	now := e.now()
	res := &domain.ExecutionResult{
		OrderID:           order.OrderID,
		Symbol:            order.Symbol,
		Side:              order.Side,
		RequestedQuantity: order.Quantity,
		ExecutedAt:        now,
	}

	// 滑点方向：买单抬价、卖单压价
	slip := e.slippageFraction(order.Notional(refPrice), volatility)
	fillPrice := refPrice * (1 + slip)
	if order.Side == domain.SideSell {
		fillPrice = refPrice * (1 - slip)
	}
	// 限价约束：买不高于限价、卖不低于限价
	if order.LimitPrice != nil {
		if order.Side == domain.SideBuy && fillPrice > *order.LimitPrice {
			fillPrice = *order.LimitPrice
		}
		if order.Side == domain.SideSell && fillPrice < *order.LimitPrice {
			fillPrice = *order.LimitPrice
		}
	}
	res.FillPrice = fillPrice
	res.SlippageActual = slip

	qty := order.Quantity - order.FilledQuantity
	isTWAP := order.Type == domain.OrderTypeTWAP
	if isTWAP {
		// TWAP：每片 = 总量/片数，末片补余量
		n := e.cfg.Delay.TWAPSlices
		if n < 1 {
			n = 1
		}
		if slice := order.Quantity / float64(n); qty > slice {
			qty = slice
		}
	} else if e.cfg.PartialFillProb > 0 && e.rng.Float64() < e.cfg.PartialFillProb {
		// 部分成交：大单按概率只成交 50%-90%
		qty *= 0.5 + e.rng.Float64()*0.4
	}

	// 卖出数量不得超过持仓（不允许裸卖空）
	if order.Side == domain.SideSell {
		held := e.portfolio.PositionQuantity(order.Symbol)
		if held <= 0 {
			if order.FilledQuantity > 0 {
				res.Status = domain.OrderStatusPartial
				res.Message = fmt.Sprintf("position in %s exhausted", order.Symbol)
			} else {
				res.Status = domain.OrderStatusRejected
				res.Message = fmt.Sprintf("no position in %s to sell", order.Symbol)
			}
			e.finishLocked(order, res)
			return res, true
		}
		if qty > held {
			qty = held
		}
	}

	commission := domain.CommissionFor(qty, fillPrice, e.cfg.CommissionRate)

	// 买入资金校验：现金不足时按可用资金缩量，缩无可缩则拒单
	if order.Side == domain.SideBuy {
		cost := mulF(qty, fillPrice) + commission
		if cost > e.portfolio.Cash {
			// 留 1 分钱余量，吸收手续费取整误差
			affordable := ((e.portfolio.Cash - 0.01) / (1 + e.cfg.CommissionRate)) / fillPrice
			if affordable <= 0 {
				if order.FilledQuantity > 0 {
					res.Status = domain.OrderStatusPartial
					res.Message = "cash exhausted"
				} else {
					res.Status = domain.OrderStatusRejected
					res.Message = "insufficient cash"
				}
				e.finishLocked(order, res)
				return res, true
			}
			qty = affordable
			commission = domain.CommissionFor(qty, fillPrice, e.cfg.CommissionRate)
		}
	}

	res.FillQuantity = qty
	res.Commission = commission
	res.MarketImpact = slip * mulF(qty, fillPrice)

	filled := order.FilledQuantity + qty
	if isTWAP && filled < order.Quantity-1e-9 {
		// 还有后续分片：落进度、排下一片，订单留在 pending
		res.Status = domain.OrderStatusPartial
		e.applyFillLocked(order, res)
		e.progressTWAPLocked(order, res)
		logger.Infof("[paper] twap slice %s: %s %.4f %s @ %.4f (filled %.4f/%.4f)",
			order.OrderID, order.Side, res.FillQuantity, order.Symbol, res.FillPrice,
			order.FilledQuantity, order.Quantity)
		return res, false
	}
	if filled < order.Quantity-1e-9 {
		res.Status = domain.OrderStatusPartial
	} else {
		res.Status = domain.OrderStatusFilled
	}

	e.applyFillLocked(order, res)
	e.finishLocked(order, res)

	logger.Infof("[paper] executed %s: %s %.4f %s @ %.4f (slippage=%.4f%%, commission=%.2f, status=%s)",
		order.OrderID, order.Side, res.FillQuantity, order.Symbol, res.FillPrice,
		slip*100, res.Commission, res.Status)
	return res, true
}

func mulF(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Float64()
	return f
}

// applyFillLocked 将成交落到组合（调用方必须持有锁）
func (e *Engine) applyFillLocked(order *domain.Order, res *domain.ExecutionResult) {
	p := e.portfolio
	value := res.FillValue()

	if order.Side == domain.SideBuy {
		p.Cash -= value + res.Commission

		pos, ok := p.Positions[order.Symbol]
		if !ok {
			pos = &domain.Position{Symbol: order.Symbol}
			p.Positions[order.Symbol] = pos
		}
		newQty := pos.Quantity + res.FillQuantity
		pos.AvgCost = (pos.AvgCost*pos.Quantity + value) / newQty
		pos.Quantity = newQty
		pos.CurrentPrice = res.FillPrice
	} else {
		p.Cash += value - res.Commission

		pos := p.Positions[order.Symbol]
		realized := (res.FillPrice-pos.AvgCost)*res.FillQuantity - res.Commission
		pos.RealizedPnL += realized
		p.RealizedPnL += realized
		pos.Quantity -= res.FillQuantity
		pos.CurrentPrice = res.FillPrice
		if pos.Quantity <= 1e-9 {
			delete(p.Positions, order.Symbol)
		}
	}
	e.trades++
	e.dayTrades++
}

// progressTWAPLocked 累积 TWAP 分片进度并把下一片排期到
// 分片间隔之后。订单保持 pending，不进幂等屏障。
func (e *Engine) progressTWAPLocked(order *domain.Order, res *domain.ExecutionResult) {
	total := order.FilledQuantity + res.FillQuantity
	if total > 0 {
		order.FilledPrice = (order.FilledPrice*order.FilledQuantity + res.FillPrice*res.FillQuantity) / total
	}
	order.FilledQuantity = total
	order.Commission += res.Commission
	order.Status = domain.OrderStatusPartial
	order.ExecuteAfter = res.ExecutedAt.Add(time.Duration(e.cfg.Delay.TWAPSliceSeconds * float64(time.Second)))

	if e.audit != nil {
		e.audit.MustAppend(auditlog.KindOrder, res)
	}
}

// finishLocked 更新订单终态并落审计。成交量与均价在已有
// 分片进度上累积（非 TWAP 订单进度为零，等价于直接赋值）。
func (e *Engine) finishLocked(order *domain.Order, res *domain.ExecutionResult) {
	order.Status = res.Status
	total := order.FilledQuantity + res.FillQuantity
	if total > 0 {
		order.FilledPrice = (order.FilledPrice*order.FilledQuantity + res.FillPrice*res.FillQuantity) / total
	}
	order.FilledQuantity = total
	order.Commission += res.Commission
	t := res.ExecutedAt
	order.FilledAt = &t
	e.executed[order.OrderID] = res

	if e.audit != nil {
		e.audit.MustAppend(auditlog.KindOrder, res)
	}
}

// CancelOrder 撤销待执行订单
func (e *Engine) CancelOrder(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.pending[orderID]
	if !ok {
		return fmt.Errorf("order %s not pending", orderID)
	}
	order.Status = domain.OrderStatusCancelled
	delete(e.pending, orderID)
	logger.Infof("[paper] order cancelled: %s", orderID)
	return nil
}

// PendingOrder 查询待执行订单
func (e *Engine) PendingOrder(orderID string) (*domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.pending[orderID]
	return o, ok
}

// Result 查询执行结果（幂等屏障的只读视图）
func (e *Engine) Result(orderID string) (*domain.ExecutionResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.executed[orderID]
	return r, ok
}

// MarkToMarket 按最新价格重算 NAV
func (e *Engine) MarkToMarket(prices map[string]float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.portfolio.MarkToMarket(prices)
}

// CloseDay 收盘：交易日计数 +1，当日交易数清零，返回收盘 NAV
func (e *Engine) CloseDay(prices map[string]float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	nav := e.portfolio.MarkToMarket(prices)
	e.portfolio.TradingDays++
	e.dayTrades = 0
	return nav
}

// DayTrades 当日成交笔数（CloseDay 时清零）
func (e *Engine) DayTrades() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dayTrades
}

// Portfolio 组合只读快照
func (e *Engine) Portfolio() domain.Portfolio {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := *e.portfolio
	snap.Positions = make(map[string]*domain.Position, len(e.portfolio.Positions))
	for sym, pos := range e.portfolio.Positions {
		cp := *pos
		snap.Positions[sym] = &cp
	}
	return snap
}

// Summary 组合摘要
func (e *Engine) Summary() domain.PortfolioSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := make(map[string]float64, len(e.portfolio.Positions))
	for sym, pos := range e.portfolio.Positions {
		positions[sym] = pos.Quantity
	}
	return domain.PortfolioSummary{
		NAV:           e.portfolio.NAV,
		Cash:          e.portfolio.Cash,
		Positions:     positions,
		Weights:       e.portfolio.Weights,
		RealizedPnL:   e.portfolio.RealizedPnL,
		UnrealizedPnL: e.portfolio.UnrealizedPnL,
		Drawdown:      e.portfolio.Drawdown(),
		TradingDays:   e.portfolio.TradingDays,
		TotalTrades:   e.trades,
		PendingOrders: len(e.pending),
	}
}
