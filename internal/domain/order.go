package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
	OrderTypeTWAP      OrderType = "TWAP"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// Order 订单领域模型
type Order struct {
	OrderID          string      // 订单 ID
	Symbol           string      // 标的
	Side             Side        // 方向
	Quantity         float64     // 原始数量（requested quantity）
	Type             OrderType   // 类型
	LimitPrice       *float64    // 限价（LIMIT/STOP_LIMIT 必填）
	StopPrice        *float64    // 止损触发价（可选）
	Status           OrderStatus // 状态
	SubmittedAt      time.Time   // 提交时间
	FilledAt         *time.Time  // 成交时间（可选）
	FilledQuantity   float64     // 已成交数量
	FilledPrice      float64     // 成交均价
	Commission       float64     // 手续费
	Broker           string      // 路由到的 broker
	Reason           string      // 下单原因（自由文本，审计用）
	ExpectedSlippage float64     // 预期滑点（小数，仅 paper 路径填充）
	ExecuteAfter     time.Time   // 预期执行时间（仅 paper 路径填充）
}

// Validate 校验订单参数。配置类错误在提交前快速失败，不做静默兜底。
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("order %s: symbol is empty", o.OrderID)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("order %s: side must be BUY or SELL, got %q", o.OrderID, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity must be > 0, got %v", o.OrderID, o.Quantity)
	}
	switch o.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit, OrderTypeTWAP:
	default:
		return fmt.Errorf("order %s: unknown order type %q", o.OrderID, o.Type)
	}
	// 不变式：LIMIT ⇒ limit_price 已设置
	if (o.Type == OrderTypeLimit || o.Type == OrderTypeStopLimit) && o.LimitPrice == nil {
		return fmt.Errorf("order %s: limit price required for %s orders", o.OrderID, o.Type)
	}
	return nil
}

// IsTerminal 检查订单是否处于最终状态
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Notional 计算订单名义价值（数量 × 参考价）。
// 金额计算走 decimal，避免大数量 × 价格时的浮点误差。
func (o *Order) Notional(referencePrice float64) float64 {
	n := decimal.NewFromFloat(o.Quantity).Mul(decimal.NewFromFloat(referencePrice))
	f, _ := n.Float64()
	return f
}

// OrderResponse broker 提交订单后的应答
type OrderResponse struct {
	BrokerOrderID string      // broker 侧订单 ID
	Status        OrderStatus // broker 返回的状态
	Message       string      // 附加信息（拒单原因等）
	Timestamp     time.Time
}

// ExecutionResult 单次提交或模拟成交的执行结果
type ExecutionResult struct {
	OrderID           string
	BrokerOrderID     string
	Symbol            string
	Side              Side
	RequestedQuantity float64
	FillQuantity      float64
	FillPrice         float64
	SlippageActual    float64 // 实际滑点（小数）
	Commission        float64
	MarketImpact      float64
	Status            OrderStatus // FILLED / PARTIAL / REJECTED
	ExecutedAt        time.Time
	Message           string
}

// FillValue 成交金额
func (r *ExecutionResult) FillValue() float64 {
	v := decimal.NewFromFloat(r.FillQuantity).Mul(decimal.NewFromFloat(r.FillPrice))
	f, _ := v.Float64()
	return f
}

// CommissionFor 按固定费率计算手续费（四舍五入到分）
func CommissionFor(quantity, price, rate float64) float64 {
	c := decimal.NewFromFloat(quantity).
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromFloat(rate)).
		Round(2)
	f, _ := c.Float64()
	return f
}
