package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/tradebot/golive/internal/domain"
)

// PositionCallback 持仓推送回调
type PositionCallback func(positions map[string]*domain.Position)

// Adapter 统一的 broker 适配器接口。
//
// 每个 venue 提供 live 和 simulated 两个实现（同一接口），通过
// 工厂按名字 + Simulated 开关选择，热路径里没有 demo/live 分支。
//
// 约定：
//   - Connect 幂等，重复调用直接返回成功
//   - broker 侧拒单通过 OrderResponse{Status: REJECTED} 返回，不是 error
//   - error 只表示 transport/连接层失败（可重试），用 *TransportError 包装
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	AccountInfo(ctx context.Context) (*domain.AccountInfo, error)
	SubmitOrder(ctx context.Context, order *domain.Order) (domain.OrderResponse, error)
	OrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderResponse, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	SubscribePositions(ctx context.Context, cb PositionCallback) error
}

// TransportError 连接/超时类失败（可重试）。
// broker 侧拒单永远不会包装成 TransportError。
type TransportError struct {
	Broker string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Broker, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport 判断是否为可重试的 transport 错误
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ErrNotConnected 适配器未连接
var ErrNotConnected = errors.New("broker not connected")

// 支持的 venue 名称
const (
	VenueAlpaca  = "alpaca"
	VenueBinance = "binance"
	VenueIBKR    = "ibkr"
)

// VenueConfig 单个 venue 的配置
type VenueConfig struct {
	Simulated bool   // true 时使用模拟实现（无网络访问）
	APIKey    string
	SecretKey string
	BaseURL   string // 为空则按 venue + Paper/Testnet 选默认值
	Paper     bool   // alpaca: paper-api 端点
	Testnet   bool   // binance: testnet 端点
}

// New 按名字创建 broker 适配器。
// 未知 venue 返回错误（配置错误快速失败，不做静默兜底）。
func New(venue string, cfg VenueConfig) (Adapter, error) {
	if cfg.Simulated {
		switch venue {
		case VenueAlpaca, VenueBinance, VenueIBKR:
			return newSimAdapter(venue), nil
		default:
			return nil, fmt.Errorf("unknown broker venue: %q", venue)
		}
	}

	switch venue {
	case VenueAlpaca:
		return newAlpacaAdapter(cfg), nil
	case VenueBinance:
		return newBinanceAdapter(cfg), nil
	case VenueIBKR:
		return newIBKRAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unknown broker venue: %q", venue)
	}
}
