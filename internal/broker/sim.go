package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/logger"
)

// simAdapter 确定性的模拟 broker 实现。
//
// 不做网络访问：提交即全量成交（限价单按限价、市价单按参考价），
// 订单 ID 用 venue 前缀 + 递增计数器，方便测试断言和日志对账。
type simAdapter struct {
	venue     string
	mu        sync.Mutex
	connected bool
	counter   int
	orders    map[string]*domain.Order // brokerOrderID -> 快照
	cash      float64
	positions map[string]*domain.Position
	subs      []PositionCallback

	// RefPrice 市价单的成交参考价（缺省 100）
	refPrices map[string]float64
}

func newSimAdapter(venue string) *simAdapter {
	return &simAdapter{
		venue:     venue,
		orders:    make(map[string]*domain.Order),
		cash:      1_000_000,
		positions: make(map[string]*domain.Position),
		refPrices: make(map[string]float64),
	}
}

func (s *simAdapter) Name() string { return s.venue + "-sim" }

func (s *simAdapter) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	s.connected = true
	logger.Infof("[%s] simulated broker connected", s.Name())
	return nil
}

func (s *simAdapter) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// SetReferencePrice 设置市价单成交参考价（测试注入）
func (s *simAdapter) SetReferencePrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refPrices[symbol] = price
}

func (s *simAdapter) referencePrice(symbol string) float64 {
	if p, ok := s.refPrices[symbol]; ok {
		return p
	}
	return 100
}

func (s *simAdapter) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}

	positions := make(map[string]*domain.Position, len(s.positions))
	value := s.cash
	for sym, pos := range s.positions {
		cp := *pos
		positions[sym] = &cp
		value += pos.Quantity * s.referencePrice(sym)
	}
	return &domain.AccountInfo{
		AccountID:      strings.ToUpper(s.venue) + "-SIM",
		Cash:           s.cash,
		BuyingPower:    s.cash,
		PortfolioValue: value,
		Positions:      positions,
		Timestamp:      time.Now(),
	}, nil
}

func (s *simAdapter) SubmitOrder(ctx context.Context, order *domain.Order) (domain.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return domain.OrderResponse{}, &TransportError{Broker: s.Name(), Err: ErrNotConnected}
	}
	if err := order.Validate(); err != nil {
		// 参数非法 = broker 拒单，终态，不重试
		return domain.OrderResponse{
			Status:    domain.OrderStatusRejected,
			Message:   err.Error(),
			Timestamp: time.Now(),
		}, nil
	}

	s.counter++
	brokerOrderID := fmt.Sprintf("SIM-%s-%06d", strings.ToUpper(s.venue), s.counter)

	price := s.referencePrice(order.Symbol)
	if order.LimitPrice != nil {
		price = *order.LimitPrice
	}

	now := time.Now()
	snap := *order
	snap.Status = domain.OrderStatusFilled
	snap.FilledQuantity = order.Quantity
	snap.FilledPrice = price
	snap.FilledAt = &now
	s.orders[brokerOrderID] = &snap

	s.applyFill(order.Symbol, order.Side, order.Quantity, price)
	s.notifyLocked()

	return domain.OrderResponse{
		BrokerOrderID: brokerOrderID,
		Status:        domain.OrderStatusFilled,
		Timestamp:     now,
	}, nil
}

// applyFill 更新模拟账户（调用方必须持有锁）
func (s *simAdapter) applyFill(symbol string, side domain.Side, qty, price float64) {
	signed := qty
	if side == domain.SideSell {
		signed = -qty
	}
	s.cash -= signed * price

	pos, ok := s.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol}
		s.positions[symbol] = pos
	}
	newQty := pos.Quantity + signed
	if newQty != 0 && signed > 0 {
		pos.AvgCost = (pos.AvgCost*pos.Quantity + price*signed) / newQty
	}
	pos.Quantity = newQty
	pos.CurrentPrice = price
	pos.MarketValue = newQty * price
	if pos.Quantity == 0 {
		delete(s.positions, symbol)
	}
}

func (s *simAdapter) notifyLocked() {
	if len(s.subs) == 0 {
		return
	}
	snapshot := make(map[string]*domain.Position, len(s.positions))
	for sym, pos := range s.positions {
		cp := *pos
		snapshot[sym] = &cp
	}
	for _, cb := range s.subs {
		cb(snapshot)
	}
}

func (s *simAdapter) OrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return domain.OrderResponse{}, &TransportError{Broker: s.Name(), Err: ErrNotConnected}
	}
	snap, ok := s.orders[brokerOrderID]
	if !ok {
		return domain.OrderResponse{
			Status:    domain.OrderStatusRejected,
			Message:   "unknown order " + brokerOrderID,
			Timestamp: time.Now(),
		}, nil
	}
	return domain.OrderResponse{
		BrokerOrderID: brokerOrderID,
		Status:        snap.Status,
		Timestamp:     time.Now(),
	}, nil
}

func (s *simAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return &TransportError{Broker: s.Name(), Err: ErrNotConnected}
	}
	snap, ok := s.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%s: unknown order %s", s.Name(), brokerOrderID)
	}
	// 模拟实现里订单提交即成交，撤单只对非终态有效
	if snap.IsTerminal() {
		return fmt.Errorf("%s: order %s already %s", s.Name(), brokerOrderID, snap.Status)
	}
	snap.Status = domain.OrderStatusCancelled
	return nil
}

func (s *simAdapter) SubscribePositions(ctx context.Context, cb PositionCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.subs = append(s.subs, cb)
	return nil
}
