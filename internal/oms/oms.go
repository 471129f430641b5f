// Package oms 订单管理系统：路由、拆单、重试与全链路审计。
//
// 提交路径上的错误分两类处理：
//   - broker 拒单（参数、资金、风控）：终态 REJECTED，不重试
//   - transport 失败（连接、超时）：指数退避重试，重试耗尽
//     视为系统故障上报
package oms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradebot/golive/internal/archive"
	"github.com/tradebot/golive/internal/auditlog"
	"github.com/tradebot/golive/internal/broker"
	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/config"
	"github.com/tradebot/golive/pkg/logger"
)

// AlertFunc 告警回调（level: WARNING / CRITICAL）
type AlertFunc func(level, message string)

// FailureFunc 系统故障回调（重试耗尽时触发）
type FailureFunc func(reason string)

// tracked 在途订单的内部状态
type tracked struct {
	order         *domain.Order
	venue         string
	brokerOrderID string
	parentID      string // 拆单时指向父单，整单为空
	attempts      int
}

// Manager 订单管理系统
type Manager struct {
	cfg     config.OMSConfig
	brokers map[string]broker.Adapter
	audit   *auditlog.Log
	arch    *archive.Store // 可为 nil

	mu        sync.Mutex
	orders    map[string]*tracked
	paperMode bool

	onFailure FailureFunc
	alert     AlertFunc
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option Manager 可选参数
type Option func(*Manager)

// WithFailureHandler 设置系统故障回调
func WithFailureHandler(fn FailureFunc) Option {
	return func(m *Manager) { m.onFailure = fn }
}

// WithAlertFunc 设置告警回调
func WithAlertFunc(fn AlertFunc) Option {
	return func(m *Manager) { m.alert = fn }
}

// withSleep 注入退避等待（测试免等）
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// NewManager 创建订单管理系统
func NewManager(cfg config.OMSConfig, brokers map[string]broker.Adapter, audit *auditlog.Log, arch *archive.Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		brokers: brokers,
		audit:   audit,
		arch:    arch,
		orders:  make(map[string]*tracked),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// attemptRecord 单次提交尝试的审计记录
type attemptRecord struct {
	OrderID       string    `json:"order_id"`
	ParentID      string    `json:"parent_id,omitempty"`
	Venue         string    `json:"venue"`
	Attempt       int       `json:"attempt"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Status        string    `json:"status"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SubmitOrder 提交订单：路由 → 拆单 → 带重试提交每个子单。
// 返回实际提交的订单列表（未拆单时即原单）。
func (m *Manager) SubmitOrder(ctx context.Context, order *domain.Order, refPrice float64) ([]*domain.Order, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}

	venue := RouteSymbol(order.Symbol)
	m.mu.Lock()
	if m.paperMode {
		if _, ok := m.brokers["paper"]; ok {
			venue = "paper"
		}
	}
	m.mu.Unlock()
	adapter, ok := m.brokers[venue]
	if !ok {
		return nil, fmt.Errorf("no broker registered for venue %s (symbol %s)", venue, order.Symbol)
	}
	order.Broker = venue

	children := []*domain.Order{order}
	parentID := ""
	if m.ShouldSplit(order, refPrice) {
		children = m.SplitOrder(order, refPrice)
		parentID = order.OrderID
		logger.Infof("[oms] order %s split into %d slices (notional=%.0f)",
			order.OrderID, len(children), order.Notional(refPrice))
	}

	for _, child := range children {
		child.Broker = venue
		m.submitWithRetry(ctx, adapter, child, venue, parentID)
	}
	return children, nil
}

// submitWithRetry 带重试的单笔提交。
// transport 失败按 base×2^n 指数退避重试，broker 拒单立即终态。
func (m *Manager) submitWithRetry(ctx context.Context, adapter broker.Adapter, order *domain.Order, venue, parentID string) {
	tr := &tracked{order: order, venue: venue, parentID: parentID}
	m.mu.Lock()
	m.orders[order.OrderID] = tr
	m.mu.Unlock()

	order.SubmittedAt = time.Now()
	delay := m.cfg.RetryBaseDelay

	for attempt := 1; attempt <= m.cfg.MaxRetries+1; attempt++ {
		tr.attempts = attempt
		resp, err := adapter.SubmitOrder(ctx, order)

		rec := attemptRecord{
			OrderID:   order.OrderID,
			ParentID:  parentID,
			Venue:     venue,
			Attempt:   attempt,
			Symbol:    order.Symbol,
			Side:      string(order.Side),
			Quantity:  order.Quantity,
			Timestamp: time.Now(),
		}

		if err == nil {
			order.Status = resp.Status
			tr.brokerOrderID = resp.BrokerOrderID
			rec.Status = string(resp.Status)
			rec.BrokerOrderID = resp.BrokerOrderID
			if resp.Status == domain.OrderStatusRejected {
				rec.Error = resp.Message
				order.Reason = appendReason(order.Reason, resp.Message)
				logger.Warnf("[oms] order %s rejected by %s: %s", order.OrderID, venue, resp.Message)
			}
			m.audit.MustAppend(auditlog.KindOrder, rec)
			m.archiveIfTerminal(ctx, order)
			return
		}

		if !broker.IsTransport(err) {
			// 非 transport 错误不在重试范围内
			order.Status = domain.OrderStatusRejected
			order.Reason = appendReason(order.Reason, err.Error())
			rec.Status = string(domain.OrderStatusRejected)
			rec.Error = err.Error()
			m.audit.MustAppend(auditlog.KindOrder, rec)
			m.archiveIfTerminal(ctx, order)
			return
		}

		rec.Status = "RETRY"
		rec.Error = err.Error()
		m.audit.MustAppend(auditlog.KindOrder, rec)
		logger.Warnf("[oms] order %s attempt %d/%d failed: %v",
			order.OrderID, attempt, m.cfg.MaxRetries+1, err)

		if attempt == m.cfg.MaxRetries+1 {
			break
		}
		if err := m.sleep(ctx, delay); err != nil {
			order.Status = domain.OrderStatusCancelled
			order.Reason = appendReason(order.Reason, "submission cancelled: "+err.Error())
			m.archiveIfTerminal(ctx, order)
			return
		}
		delay *= 2
	}

	// 重试耗尽：系统故障
	order.Status = domain.OrderStatusRejected
	reason := fmt.Sprintf("transport failure after %d attempts", m.cfg.MaxRetries+1)
	order.Reason = appendReason(order.Reason, reason)
	m.archiveIfTerminal(ctx, order)

	msg := fmt.Sprintf("order %s (%s %s): %s", order.OrderID, order.Side, order.Symbol, reason)
	if m.alert != nil {
		m.alert("CRITICAL", msg)
	}
	if m.onFailure != nil {
		m.onFailure(msg)
	}
	logger.Errorf("[oms] %s", msg)
}

func appendReason(reason, extra string) string {
	if reason == "" {
		return extra
	}
	return reason + "; " + extra
}

// archiveIfTerminal 终态订单落归档库
func (m *Manager) archiveIfTerminal(ctx context.Context, order *domain.Order) {
	if m.arch == nil || !order.IsTerminal() {
		return
	}
	if err := m.arch.SaveOrder(ctx, order); err != nil {
		logger.Errorf("[oms] archive order %s failed: %v", order.OrderID, err)
	}
}

// SetPaperMode 切换 paper 模式。开启后所有订单路由到 paper
// 引擎，资金转换回退到 paper 时由运维调用。
func (m *Manager) SetPaperMode(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paperMode = on
}

// RefreshStatuses 轮询在途订单状态，返回发生变化的订单
func (m *Manager) RefreshStatuses(ctx context.Context) []*domain.Order {
	m.mu.Lock()
	var inflight []*tracked
	for _, tr := range m.orders {
		if !tr.order.IsTerminal() && tr.brokerOrderID != "" {
			inflight = append(inflight, tr)
		}
	}
	m.mu.Unlock()

	var changed []*domain.Order
	for _, tr := range inflight {
		adapter := m.brokers[tr.venue]
		resp, err := adapter.OrderStatus(ctx, tr.brokerOrderID)
		if err != nil {
			logger.Warnf("[oms] status poll for %s failed: %v", tr.order.OrderID, err)
			continue
		}
		if resp.Status == tr.order.Status {
			continue
		}
		tr.order.Status = resp.Status
		changed = append(changed, tr.order)
		m.archiveIfTerminal(ctx, tr.order)
	}
	return changed
}

// CancelOrder 撤销在途订单
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	tr, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if tr.order.IsTerminal() {
		return fmt.Errorf("order %s already %s", orderID, tr.order.Status)
	}

	adapter := m.brokers[tr.venue]
	if err := adapter.CancelOrder(ctx, tr.brokerOrderID); err != nil {
		return err
	}
	tr.order.Status = domain.OrderStatusCancelled
	m.archiveIfTerminal(ctx, tr.order)
	return nil
}

// Order 按 ID 查询
func (m *Manager) Order(orderID string) (*domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	return tr.order, true
}

// Orders 所有已知订单快照
func (m *Manager) Orders() []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Order, 0, len(m.orders))
	for _, tr := range m.orders {
		out = append(out, tr.order)
	}
	return out
}

// Summary 执行统计
type Summary struct {
	Total    int     `json:"total"`
	Filled   int     `json:"filled"`
	Rejected int     `json:"rejected"`
	Pending  int     `json:"pending"`
	FillRate float64 `json:"fill_rate"`
}

// ExecutionSummary 汇总成交率等统计
func (m *Manager) ExecutionSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{Total: len(m.orders)}
	for _, tr := range m.orders {
		switch tr.order.Status {
		case domain.OrderStatusFilled, domain.OrderStatusPartial:
			s.Filled++
		case domain.OrderStatusRejected:
			s.Rejected++
		default:
			if !tr.order.IsTerminal() {
				s.Pending++
			}
		}
	}
	if s.Total > 0 {
		s.FillRate = float64(s.Filled) / float64(s.Total)
	}
	return s
}

// AllAccountInfo 并发拉取所有 broker 的账户信息
func (m *Manager) AllAccountInfo(ctx context.Context) map[string]*domain.AccountInfo {
	type result struct {
		venue string
		info  *domain.AccountInfo
	}

	ch := make(chan result, len(m.brokers))
	var wg sync.WaitGroup
	for venue, adapter := range m.brokers {
		wg.Add(1)
		go func(venue string, adapter broker.Adapter) {
			defer wg.Done()
			info, err := adapter.AccountInfo(ctx)
			if err != nil {
				logger.Warnf("[oms] account info from %s failed: %v", venue, err)
				return
			}
			ch <- result{venue: venue, info: info}
		}(venue, adapter)
	}
	wg.Wait()
	close(ch)

	out := make(map[string]*domain.AccountInfo, len(m.brokers))
	for r := range ch {
		out[r.venue] = r.info
	}
	return out
}
