package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/logger"
	"github.com/tradebot/golive/pkg/ratelimit"
	sdkhttp "github.com/tradebot/golive/pkg/sdk/http"
)

const ibkrDefaultGateway = "https://localhost:5000/v1/api"

// ibkrAdapter Interactive Brokers Client Portal 适配器（兜底路由）。
//
// 走本地 Client Portal Gateway 的 REST 接口，认证由 gateway
// 自己维护（浏览器登录 + session keepalive），这里只消费。
type ibkrAdapter struct {
	cfg       VenueConfig
	client    *sdkhttp.Client
	limiter   ratelimit.RateLimiter
	connected bool
	accountID string
}

func newIBKRAdapter(cfg VenueConfig) *ibkrAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ibkrDefaultGateway
	}
	return &ibkrAdapter{
		cfg:     cfg,
		client:  sdkhttp.NewClient(baseURL),
		limiter: ratelimit.NewTokenBucket(10, 10), // gateway: 10 req/s
	}
}

func (i *ibkrAdapter) Name() string { return VenueIBKR }

type ibkrAccountList struct {
	Accounts []string `json:"accounts"`
}

func (i *ibkrAdapter) Connect(ctx context.Context) error {
	if i.connected {
		return nil
	}
	var list ibkrAccountList
	resp, err := i.client.DoRequest(ctx, http.MethodGet, "/portfolio/accounts", nil, &list)
	if err != nil {
		return &TransportError{Broker: VenueIBKR, Err: err}
	}
	if !resp.IsSuccess() {
		// gateway 明确拒绝（未登录等）：不是 transport 故障
		return sdkhttp.ParseHTTPError(resp, nil)
	}
	if len(list.Accounts) == 0 {
		return fmt.Errorf("ibkr: gateway returned no accounts")
	}
	i.accountID = list.Accounts[0]
	i.connected = true
	logger.Infof("[ibkr] connected, account=%s", i.accountID)
	return nil
}

func (i *ibkrAdapter) Disconnect() error {
	i.connected = false
	return nil
}

type ibkrSummary struct {
	AvailableFunds struct {
		Amount float64 `json:"amount"`
	} `json:"availablefunds"`
	NetLiquidation struct {
		Amount float64 `json:"amount"`
	} `json:"netliquidation"`
	BuyingPower struct {
		Amount float64 `json:"amount"`
	} `json:"buyingpower"`
}

type ibkrPosition struct {
	Ticker       string  `json:"ticker"`
	Position     float64 `json:"position"`
	AvgCost      float64 `json:"avgCost"`
	MktPrice     float64 `json:"mktPrice"`
	MktValue     float64 `json:"mktValue"`
	UnrealizedPL float64 `json:"unrealizedPnl"`
}

func (i *ibkrAdapter) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	if !i.connected {
		return nil, ErrNotConnected
	}
	if err := i.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var summary ibkrSummary
	endpoint := "/portfolio/" + i.accountID + "/summary"
	resp, err := i.client.DoRequest(ctx, http.MethodGet, endpoint, nil, &summary)
	if err != nil {
		return nil, &TransportError{Broker: VenueIBKR, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, sdkhttp.ParseHTTPError(resp, nil)
	}

	var raw []ibkrPosition
	resp, err = i.client.DoRequest(ctx, http.MethodGet, "/portfolio/"+i.accountID+"/positions/0", nil, &raw)
	if err != nil {
		return nil, &TransportError{Broker: VenueIBKR, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, sdkhttp.ParseHTTPError(resp, nil)
	}

	positions := make(map[string]*domain.Position, len(raw))
	for _, p := range raw {
		positions[p.Ticker] = &domain.Position{
			Symbol:        p.Ticker,
			Quantity:      p.Position,
			AvgCost:       p.AvgCost,
			CurrentPrice:  p.MktPrice,
			MarketValue:   p.MktValue,
			UnrealizedPnL: p.UnrealizedPL,
		}
	}

	return &domain.AccountInfo{
		AccountID:      i.accountID,
		Cash:           summary.AvailableFunds.Amount,
		BuyingPower:    summary.BuyingPower.Amount,
		PortfolioValue: summary.NetLiquidation.Amount,
		Positions:      positions,
		Timestamp:      time.Now(),
	}, nil
}

type ibkrOrderReply struct {
	OrderID     string `json:"order_id"`
	OrderStatus string `json:"order_status"`
}

func mapIBKRStatus(status string) domain.OrderStatus {
	switch status {
	case "Submitted", "PreSubmitted", "PendingSubmit":
		return domain.OrderStatusSubmitted
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled", "PendingCancel":
		return domain.OrderStatusCancelled
	case "Inactive":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusSubmitted
	}
}

func (i *ibkrAdapter) SubmitOrder(ctx context.Context, order *domain.Order) (domain.OrderResponse, error) {
	if !i.connected {
		return domain.OrderResponse{}, &TransportError{Broker: VenueIBKR, Err: ErrNotConnected}
	}
	if err := i.limiter.Wait(ctx); err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueIBKR, Err: err}
	}

	ibOrder := map[string]any{
		"ticker":    order.Symbol,
		"secType":   "STK",
		"orderType": map[domain.OrderType]string{
			domain.OrderTypeMarket:    "MKT",
			domain.OrderTypeLimit:     "LMT",
			domain.OrderTypeStop:      "STP",
			domain.OrderTypeStopLimit: "STOP_LIMIT",
			domain.OrderTypeTWAP:      "MKT",
		}[order.Type],
		"side":     string(order.Side),
		"quantity": order.Quantity,
		"tif":      "DAY",
	}
	if order.LimitPrice != nil {
		ibOrder["price"] = *order.LimitPrice
	}
	if order.StopPrice != nil {
		ibOrder["auxPrice"] = *order.StopPrice
	}
	body := map[string]any{"orders": []any{ibOrder}}

	var replies []ibkrOrderReply
	endpoint := "/iserver/account/" + i.accountID + "/orders"
	resp, err := i.client.DoRequest(ctx, http.MethodPost, endpoint, &sdkhttp.RequestOptions{Data: body}, &replies)
	if err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueIBKR, Err: err}
	}
	if !resp.IsSuccess() || len(replies) == 0 {
		return domain.OrderResponse{
			Status:    domain.OrderStatusRejected,
			Message:   sdkhttp.ParseHTTPError(resp, fmt.Errorf("empty order reply")).Error(),
			Timestamp: time.Now(),
		}, nil
	}

	return domain.OrderResponse{
		BrokerOrderID: replies[0].OrderID,
		Status:        mapIBKRStatus(replies[0].OrderStatus),
		Timestamp:     time.Now(),
	}, nil
}

type ibkrOrderStatus struct {
	OrderStatus string `json:"order_status"`
}

func (i *ibkrAdapter) OrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderResponse, error) {
	if !i.connected {
		return domain.OrderResponse{}, &TransportError{Broker: VenueIBKR, Err: ErrNotConnected}
	}
	if err := i.limiter.Wait(ctx); err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueIBKR, Err: err}
	}

	var out ibkrOrderStatus
	resp, err := i.client.DoRequest(ctx, http.MethodGet, "/iserver/account/order/status/"+brokerOrderID, nil, &out)
	if err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueIBKR, Err: err}
	}
	if !resp.IsSuccess() {
		return domain.OrderResponse{
			Status:    domain.OrderStatusRejected,
			Message:   sdkhttp.ParseHTTPError(resp, nil).Error(),
			Timestamp: time.Now(),
		}, nil
	}

	return domain.OrderResponse{
		BrokerOrderID: brokerOrderID,
		Status:        mapIBKRStatus(out.OrderStatus),
		Timestamp:     time.Now(),
	}, nil
}

func (i *ibkrAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if !i.connected {
		return &TransportError{Broker: VenueIBKR, Err: ErrNotConnected}
	}
	if err := i.limiter.Wait(ctx); err != nil {
		return &TransportError{Broker: VenueIBKR, Err: err}
	}
	endpoint := "/iserver/account/" + i.accountID + "/order/" + brokerOrderID
	resp, err := i.client.DoRequest(ctx, http.MethodDelete, endpoint, nil, nil)
	if err != nil {
		return &TransportError{Broker: VenueIBKR, Err: err}
	}
	return sdkhttp.ParseHTTPError(resp, nil)
}

// SubscribePositions gateway 没有稳定的推送接口，轮询实现
func (i *ibkrAdapter) SubscribePositions(ctx context.Context, cb PositionCallback) error {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := i.AccountInfo(ctx)
				if err != nil {
					logger.Warnf("[ibkr] position poll failed: %v", err)
					continue
				}
				cb(info.Positions)
			}
		}
	}()
	return nil
}
