package oms

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradebot/golive/internal/domain"
)

// ShouldSplit 订单名义金额超过拆单阈值时返回 true
func (m *Manager) ShouldSplit(order *domain.Order, refPrice float64) bool {
	return order.Notional(refPrice) > m.cfg.SplitCeiling
}

// SplitOrder 把大单拆成至多 MaxSlices 个子单。
//
// 片数 = min(max_slices, value/ceiling + 1)。片数封顶后单片可以
// 超过阈值（软上限），避免巨单拆出数百个碎片。
// 子单一律转为限价单，限价在参考价上偏移 slice_bias_bps 个基点：
// 买单上浮保证成交、卖单下压，控制拆单后的执行价格。
func (m *Manager) SplitOrder(order *domain.Order, refPrice float64) []*domain.Order {
	value := order.Notional(refPrice)
	n := int(value/m.cfg.SplitCeiling) + 1
	if n > m.cfg.MaxSlices {
		n = m.cfg.MaxSlices
	}
	if n <= 1 {
		return []*domain.Order{order}
	}

	// 用 decimal 切数量，最后一片补齐余量，保证子单之和等于父单
	total := decimal.NewFromFloat(order.Quantity)
	per := total.Div(decimal.NewFromInt(int64(n))).Round(8)

	bias := m.cfg.SliceBiasBps / 10_000
	limit := refPrice * (1 + bias)
	if order.Side == domain.SideSell {
		limit = refPrice * (1 - bias)
	}

	slices := make([]*domain.Order, 0, n)
	allocated := decimal.Zero
	for i := 0; i < n; i++ {
		qty := per
		if i == n-1 {
			qty = total.Sub(allocated)
		}
		allocated = allocated.Add(qty)

		child := *order
		child.OrderID = uuid.NewString()
		qf, _ := qty.Float64()
		child.Quantity = qf
		child.Reason = fmt.Sprintf("%s (slice %d/%d)", order.Reason, i+1, n)
		child.Type = domain.OrderTypeLimit
		price := limit
		child.LimitPrice = &price
		slices = append(slices, &child)
	}
	return slices
}
