package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/logger"
	"github.com/tradebot/golive/pkg/ratelimit"
	sdkhttp "github.com/tradebot/golive/pkg/sdk/http"
)

const (
	alpacaLiveURL  = "https://api.alpaca.markets"
	alpacaPaperURL = "https://paper-api.alpaca.markets"
)

// alpacaAdapter Alpaca Trading API v2 适配器（美股 ETF 路由目标）。
type alpacaAdapter struct {
	cfg       VenueConfig
	client    *sdkhttp.Client
	limiter   ratelimit.RateLimiter
	connected bool
}

func newAlpacaAdapter(cfg VenueConfig) *alpacaAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = alpacaLiveURL
		if cfg.Paper {
			baseURL = alpacaPaperURL
		}
	}
	client := sdkhttp.NewClient(baseURL).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey)

	return &alpacaAdapter{
		cfg:     cfg,
		client:  client,
		limiter: ratelimit.NewTokenBucket(200, 3), // Alpaca: 200 req/min
	}
}

func (a *alpacaAdapter) Name() string { return VenueAlpaca }

// Connect 校验凭证可用（GET /v2/account）。幂等。
func (a *alpacaAdapter) Connect(ctx context.Context) error {
	if a.connected {
		return nil
	}
	if a.cfg.APIKey == "" || a.cfg.SecretKey == "" {
		return fmt.Errorf("alpaca: api key / secret not configured")
	}
	if _, err := a.AccountInfo(ctx); err != nil {
		return err
	}
	a.connected = true
	logger.Infof("[alpaca] connected (paper=%v)", a.cfg.Paper)
	return nil
}

func (a *alpacaAdapter) Disconnect() error {
	a.connected = false
	return nil
}

type alpacaAccount struct {
	AccountNumber  string `json:"account_number"`
	Cash           string `json:"cash"`
	BuyingPower    string `json:"buying_power"`
	PortfolioValue string `json:"portfolio_value"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type alpacaOrder struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func (a *alpacaAdapter) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var acct alpacaAccount
	resp, err := a.client.DoRequest(ctx, http.MethodGet, "/v2/account", nil, &acct)
	if err != nil {
		return nil, &TransportError{Broker: VenueAlpaca, Err: err}
	}
	if !resp.IsSuccess() {
		// 401/403 等拒绝是终态，不包成 transport 错误触发重试
		return nil, sdkhttp.ParseHTTPError(resp, nil)
	}

	var raw []alpacaPosition
	resp, err = a.client.DoRequest(ctx, http.MethodGet, "/v2/positions", nil, &raw)
	if err != nil {
		return nil, &TransportError{Broker: VenueAlpaca, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, sdkhttp.ParseHTTPError(resp, nil)
	}

	positions := make(map[string]*domain.Position, len(raw))
	for _, p := range raw {
		positions[p.Symbol] = &domain.Position{
			Symbol:        p.Symbol,
			Quantity:      parseF(p.Qty),
			AvgCost:       parseF(p.AvgEntryPrice),
			CurrentPrice:  parseF(p.CurrentPrice),
			MarketValue:   parseF(p.MarketValue),
			UnrealizedPnL: parseF(p.UnrealizedPL),
		}
	}

	return &domain.AccountInfo{
		AccountID:      acct.AccountNumber,
		Cash:           parseF(acct.Cash),
		BuyingPower:    parseF(acct.BuyingPower),
		PortfolioValue: parseF(acct.PortfolioValue),
		Positions:      positions,
		Timestamp:      time.Now(),
	}, nil
}

// mapAlpacaStatus 映射 Alpaca 订单状态到领域状态
func mapAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "new", "accepted", "pending_new":
		return domain.OrderStatusSubmitted
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartial
	case "canceled", "pending_cancel":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusSubmitted
	}
}

func (a *alpacaAdapter) SubmitOrder(ctx context.Context, order *domain.Order) (domain.OrderResponse, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueAlpaca, Err: err}
	}

	body := map[string]any{
		"symbol":        order.Symbol,
		"qty":           strconv.FormatFloat(order.Quantity, 'f', -1, 64),
		"side":          strings.ToLower(string(order.Side)),
		"type":          strings.ToLower(string(order.Type)),
		"time_in_force": "day",
	}
	if order.LimitPrice != nil {
		body["limit_price"] = strconv.FormatFloat(*order.LimitPrice, 'f', 2, 64)
	}
	if order.StopPrice != nil {
		body["stop_price"] = strconv.FormatFloat(*order.StopPrice, 'f', 2, 64)
	}

	var out alpacaOrder
	resp, err := a.client.DoRequest(ctx, http.MethodPost, "/v2/orders", &sdkhttp.RequestOptions{Data: body}, &out)
	if err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueAlpaca, Err: err}
	}
	if !resp.IsSuccess() {
		// 4xx/5xx 拒单：终态，交给 OMS 标记 REJECTED
		return domain.OrderResponse{
			Status:    domain.OrderStatusRejected,
			Message:   sdkhttp.ParseHTTPError(resp, nil).Error(),
			Timestamp: time.Now(),
		}, nil
	}

	return domain.OrderResponse{
		BrokerOrderID: out.ID,
		Status:        mapAlpacaStatus(out.Status),
		Timestamp:     time.Now(),
	}, nil
}

func (a *alpacaAdapter) OrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderResponse, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueAlpaca, Err: err}
	}

	var out alpacaOrder
	resp, err := a.client.DoRequest(ctx, http.MethodGet, "/v2/orders/"+brokerOrderID, nil, &out)
	if err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueAlpaca, Err: err}
	}
	if !resp.IsSuccess() {
		return domain.OrderResponse{
			Status:    domain.OrderStatusRejected,
			Message:   sdkhttp.ParseHTTPError(resp, nil).Error(),
			Timestamp: time.Now(),
		}, nil
	}

	return domain.OrderResponse{
		BrokerOrderID: out.ID,
		Status:        mapAlpacaStatus(out.Status),
		Timestamp:     time.Now(),
	}, nil
}

func (a *alpacaAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return &TransportError{Broker: VenueAlpaca, Err: err}
	}
	resp, err := a.client.DoRequest(ctx, http.MethodDelete, "/v2/orders/"+brokerOrderID, nil, nil)
	if err != nil {
		return &TransportError{Broker: VenueAlpaca, Err: err}
	}
	return sdkhttp.ParseHTTPError(resp, nil)
}

// SubscribePositions Alpaca 无推送流可用，按轮询实现
func (a *alpacaAdapter) SubscribePositions(ctx context.Context, cb PositionCallback) error {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := a.AccountInfo(ctx)
				if err != nil {
					logger.Warnf("[alpaca] position poll failed: %v", err)
					continue
				}
				cb(info.Positions)
			}
		}
	}()
	return nil
}
