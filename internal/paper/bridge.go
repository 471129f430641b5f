package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradebot/golive/internal/broker"
	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/logger"
)

// PriceProvider 模拟执行所需的行情来源
type PriceProvider interface {
	Price(symbol string) (float64, error)
	Volatility(symbol string) float64
	// Snapshot 返回全量行情（ProcessDue 输入）
	Snapshot() (prices, vols map[string]float64)
}

// StaticPrices 静态行情表（测试与离线回放）
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]float64
	vols   map[string]float64
}

// NewStaticPrices 创建静态行情表
func NewStaticPrices() *StaticPrices {
	return &StaticPrices{
		prices: make(map[string]float64),
		vols:   make(map[string]float64),
	}
}

// Set 更新一条行情
func (s *StaticPrices) Set(symbol string, price, volatility float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	s.vols[symbol] = volatility
}

func (s *StaticPrices) Price(symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (s *StaticPrices) Volatility(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vols[symbol]
}

func (s *StaticPrices) Snapshot() (prices, vols map[string]float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prices = make(map[string]float64, len(s.prices))
	vols = make(map[string]float64, len(s.vols))
	for k, v := range s.prices {
		prices[k] = v
	}
	for k, v := range s.vols {
		vols[k] = v
	}
	return prices, vols
}

// Bridge 把模拟引擎适配成 broker.Adapter，OMS 路由时与实盘
// broker 等价使用，上层没有 paper/live 分支。
type Bridge struct {
	engine *Engine
	prices PriceProvider

	mu   sync.Mutex
	subs []broker.PositionCallback
}

var _ broker.Adapter = (*Bridge)(nil)

// NewBridge 创建 paper 引擎的 broker 适配
func NewBridge(engine *Engine, prices PriceProvider) *Bridge {
	return &Bridge{engine: engine, prices: prices}
}

func (b *Bridge) Name() string { return "paper" }

func (b *Bridge) Connect(ctx context.Context) error { return nil }

func (b *Bridge) Disconnect() error { return nil }

func (b *Bridge) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	p := b.engine.Portfolio()
	return &domain.AccountInfo{
		AccountID:      "paper",
		Cash:           p.Cash,
		BuyingPower:    p.Cash,
		PortfolioValue: p.NAV,
		Positions:      p.Positions,
		Timestamp:      time.Now(),
	}, nil
}

func (b *Bridge) SubmitOrder(ctx context.Context, order *domain.Order) (domain.OrderResponse, error) {
	price, err := b.prices.Price(order.Symbol)
	if err != nil {
		// 无行情 = transport 层问题，可重试
		return domain.OrderResponse{}, &broker.TransportError{Broker: b.Name(), Err: err}
	}

	queued, err := b.engine.SubmitOrder(order, price, b.prices.Volatility(order.Symbol))
	if err != nil {
		return domain.OrderResponse{
			Status:    domain.OrderStatusRejected,
			Message:   err.Error(),
			Timestamp: time.Now(),
		}, nil
	}

	return domain.OrderResponse{
		BrokerOrderID: queued.OrderID,
		Status:        domain.OrderStatusSubmitted,
		Timestamp:     time.Now(),
	}, nil
}

func (b *Bridge) OrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderResponse, error) {
	if o, ok := b.engine.PendingOrder(brokerOrderID); ok {
		return domain.OrderResponse{
			BrokerOrderID: brokerOrderID,
			Status:        o.Status,
			Timestamp:     time.Now(),
		}, nil
	}
	if res, ok := b.engine.Result(brokerOrderID); ok {
		return domain.OrderResponse{
			BrokerOrderID: brokerOrderID,
			Status:        res.Status,
			Message:       res.Message,
			Timestamp:     time.Now(),
		}, nil
	}
	return domain.OrderResponse{
		Status:    domain.OrderStatusRejected,
		Message:   "unknown order " + brokerOrderID,
		Timestamp: time.Now(),
	}, nil
}

func (b *Bridge) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return b.engine.CancelOrder(brokerOrderID)
}

func (b *Bridge) SubscribePositions(ctx context.Context, cb broker.PositionCallback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, cb)
	return nil
}

// Tick 驱动一轮到期订单执行并推送持仓快照。
// 由主循环周期性调用。
func (b *Bridge) Tick() []*domain.ExecutionResult {
	prices, vols := b.prices.Snapshot()
	results := b.engine.ProcessDue(prices, vols)
	if len(results) == 0 {
		return nil
	}

	p := b.engine.Portfolio()
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, cb := range subs {
		cb(p.Positions)
	}
	for _, res := range results {
		logger.Debugf("[paper] tick executed %s (%s)", res.OrderID, res.Status)
	}
	return results
}
