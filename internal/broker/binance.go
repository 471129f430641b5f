package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/logger"
	"github.com/tradebot/golive/pkg/ratelimit"
	sdkhttp "github.com/tradebot/golive/pkg/sdk/http"
)

const (
	binanceLiveURL    = "https://api.binance.com"
	binanceTestnetURL = "https://testnet.binance.vision"
	binanceLiveWS     = "wss://stream.binance.com:9443/ws"
	binanceTestnetWS  = "wss://stream.testnet.binance.vision/ws"
)

// binanceAdapter Binance Spot API 适配器（加密货币路由目标）。
//
// 签名接口走 HMAC-SHA256（query string + secret），持仓推送
// 通过 user-data stream（listenKey + websocket）实现。
type binanceAdapter struct {
	cfg       VenueConfig
	client    *sdkhttp.Client
	limiter   ratelimit.RateLimiter
	connected bool

	wsURL     string
	listenKey string
	wsConn    *websocket.Conn
}

func newBinanceAdapter(cfg VenueConfig) *binanceAdapter {
	baseURL := cfg.BaseURL
	wsURL := binanceLiveWS
	if baseURL == "" {
		baseURL = binanceLiveURL
		if cfg.Testnet {
			baseURL = binanceTestnetURL
		}
	}
	if cfg.Testnet {
		wsURL = binanceTestnetWS
	}
	client := sdkhttp.NewClient(baseURL).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)

	return &binanceAdapter{
		cfg:     cfg,
		client:  client,
		limiter: ratelimit.NewTokenBucket(1200, 20), // 1200 weight/min
		wsURL:   wsURL,
	}
}

func (b *binanceAdapter) Name() string { return VenueBinance }

// sign 对 query string 做 HMAC-SHA256 签名
func (b *binanceAdapter) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.cfg.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedParams 附加 timestamp + signature
func (b *binanceAdapter) signedParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	out["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)

	values := url.Values{}
	for k, v := range out {
		values.Set(k, v)
	}
	out["signature"] = b.sign(values.Encode())
	return out
}

func (b *binanceAdapter) Connect(ctx context.Context) error {
	if b.connected {
		return nil
	}
	if b.cfg.APIKey == "" || b.cfg.SecretKey == "" {
		return fmt.Errorf("binance: api key / secret not configured")
	}
	if _, err := b.AccountInfo(ctx); err != nil {
		return err
	}
	b.connected = true
	logger.Infof("[binance] connected (testnet=%v)", b.cfg.Testnet)
	return nil
}

func (b *binanceAdapter) Disconnect() error {
	b.connected = false
	if b.wsConn != nil {
		_ = b.wsConn.Close()
		b.wsConn = nil
	}
	return nil
}

type binanceBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type binanceAccount struct {
	Balances []binanceBalance `json:"balances"`
}

type binanceOrderResp struct {
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (b *binanceAdapter) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var acct binanceAccount
	resp, err := b.client.DoRequest(ctx, http.MethodGet, "/api/v3/account",
		&sdkhttp.RequestOptions{Params: b.signedParams(nil)}, &acct)
	if err != nil {
		return nil, &TransportError{Broker: VenueBinance, Err: err}
	}
	if !resp.IsSuccess() {
		// 签名/权限错误是终态拒绝，不走 transport 重试
		return nil, sdkhttp.ParseHTTPError(resp, nil)
	}

	positions := make(map[string]*domain.Position)
	cash := 0.0
	for _, bal := range acct.Balances {
		qty := parseF(bal.Free) + parseF(bal.Locked)
		if qty == 0 {
			continue
		}
		if bal.Asset == "USDT" || bal.Asset == "USDC" {
			cash += qty
			continue
		}
		positions[bal.Asset] = &domain.Position{
			Symbol:   bal.Asset,
			Quantity: qty,
		}
	}

	return &domain.AccountInfo{
		AccountID: "binance-spot",
		Cash:      cash,
		Positions: positions,
		Timestamp: time.Now(),
	}, nil
}

// binanceSymbol 转换内部标的到 Binance 交易对（BTC-USD -> BTCUSDT）
func binanceSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, suffix := range []string{"-USD", "/USD", "-USDT", "/USDT"} {
		s = strings.TrimSuffix(s, suffix)
	}
	if strings.HasSuffix(s, "USDT") {
		return s
	}
	return s + "USDT"
}

func mapBinanceStatus(status string) domain.OrderStatus {
	switch status {
	case "NEW":
		return domain.OrderStatusSubmitted
	case "FILLED":
		return domain.OrderStatusFilled
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartial
	case "CANCELED", "PENDING_CANCEL":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusSubmitted
	}
}

func (b *binanceAdapter) SubmitOrder(ctx context.Context, order *domain.Order) (domain.OrderResponse, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueBinance, Err: err}
	}

	params := map[string]string{
		"symbol":   binanceSymbol(order.Symbol),
		"side":     string(order.Side),
		"type":     string(order.Type),
		"quantity": strconv.FormatFloat(order.Quantity, 'f', -1, 64),
	}
	if order.Type == domain.OrderTypeLimit {
		params["timeInForce"] = "GTC"
		params["price"] = strconv.FormatFloat(*order.LimitPrice, 'f', -1, 64)
	}

	var out binanceOrderResp
	resp, err := b.client.DoRequest(ctx, http.MethodPost, "/api/v3/order",
		&sdkhttp.RequestOptions{Params: b.signedParams(params)}, &out)
	if err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueBinance, Err: err}
	}
	if !resp.IsSuccess() {
		return domain.OrderResponse{
			Status:    domain.OrderStatusRejected,
			Message:   sdkhttp.ParseHTTPError(resp, nil).Error(),
			Timestamp: time.Now(),
		}, nil
	}

	// 查询与撤单需要 symbol，broker 订单 ID 约定为 "orderId:symbol"
	return domain.OrderResponse{
		BrokerOrderID: fmt.Sprintf("%d:%s", out.OrderID, order.Symbol),
		Status:        mapBinanceStatus(out.Status),
		Timestamp:     time.Now(),
	}, nil
}

func (b *binanceAdapter) OrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderResponse, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueBinance, Err: err}
	}

	// 订单查询需要 symbol，brokerOrderID 约定为 "orderId:symbol"
	id, symbol, ok := strings.Cut(brokerOrderID, ":")
	params := map[string]string{"orderId": id}
	if ok {
		params["symbol"] = binanceSymbol(symbol)
	}

	var out binanceOrderResp
	resp, err := b.client.DoRequest(ctx, http.MethodGet, "/api/v3/order",
		&sdkhttp.RequestOptions{Params: b.signedParams(params)}, &out)
	if err != nil {
		return domain.OrderResponse{}, &TransportError{Broker: VenueBinance, Err: err}
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
		Status:        mapBinanceStatus(out.Status),
		Timestamp:     time.Now(),
	}, nil
}

func (b *binanceAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &TransportError{Broker: VenueBinance, Err: err}
	}
	id, symbol, _ := strings.Cut(brokerOrderID, ":")
	params := map[string]string{
		"symbol":  binanceSymbol(symbol),
		"orderId": id,
	}
	resp, err := b.client.DoRequest(ctx, http.MethodDelete, "/api/v3/order",
		&sdkhttp.RequestOptions{Params: b.signedParams(params)}, nil)
	if err != nil {
		return &TransportError{Broker: VenueBinance, Err: err}
	}
	return sdkhttp.ParseHTTPError(resp, nil)
}

type binanceListenKey struct {
	ListenKey string `json:"listenKey"`
}

// outboundAccountPosition user-data stream 的账户更新事件
type binanceAccountEvent struct {
	EventType string           `json:"e"`
	Balances  []binanceBalance `json:"B"`
}

// SubscribePositions 通过 user-data stream 订阅账户变动。
// listenKey 每 30 分钟续期一次（Binance 要求 < 60 分钟）。
func (b *binanceAdapter) SubscribePositions(ctx context.Context, cb PositionCallback) error {
	var lk binanceListenKey
	resp, err := b.client.DoRequest(ctx, http.MethodPost, "/api/v3/userDataStream", nil, &lk)
	if err != nil {
		return &TransportError{Broker: VenueBinance, Err: err}
	}
	if !resp.IsSuccess() {
		return sdkhttp.ParseHTTPError(resp, nil)
	}
	b.listenKey = lk.ListenKey

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL+"/"+b.listenKey, nil)
	if err != nil {
		return &TransportError{Broker: VenueBinance, Err: err}
	}
	b.wsConn = conn

	// 续期协程
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				params := map[string]string{"listenKey": b.listenKey}
				resp, err := b.client.DoRequest(ctx, http.MethodPut, "/api/v3/userDataStream",
					&sdkhttp.RequestOptions{Params: params}, nil)
				if err := sdkhttp.ParseHTTPError(resp, err); err != nil {
					logger.Warnf("[binance] listenKey keepalive failed: %v", err)
				}
			}
		}
	}()

	// 读取协程
	go func() {
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Warnf("[binance] user-data stream closed: %v", err)
				return
			}
			var ev binanceAccountEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			if ev.EventType != "outboundAccountPosition" {
				continue
			}
			positions := make(map[string]*domain.Position)
			for _, bal := range ev.Balances {
				qty := parseF(bal.Free) + parseF(bal.Locked)
				if qty == 0 || bal.Asset == "USDT" || bal.Asset == "USDC" {
					continue
				}
				positions[bal.Asset] = &domain.Position{Symbol: bal.Asset, Quantity: qty}
			}
			cb(positions)
		}
	}()

	return nil
}
