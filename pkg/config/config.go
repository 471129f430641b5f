package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// BrokerConfig 单个 venue 的 broker 配置。
// 凭证留空时从环境变量回填（见 applyEnv）。
type BrokerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Simulated bool   `yaml:"simulated"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
	Paper     bool   `yaml:"paper"`   // alpaca
	Testnet   bool   `yaml:"testnet"` // binance
}

// OMSConfig 订单管理配置
type OMSConfig struct {
	SplitCeiling   float64       `yaml:"split_ceiling"`    // 单笔超过该金额触发拆单
	MaxSlices      int           `yaml:"max_slices"`       // 软上限
	SliceBiasBps   float64       `yaml:"slice_bias_bps"`   // 限价子单价格偏移
	MaxRetries     int           `yaml:"max_retries"`      // transport 失败重试次数
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"` // 首次重试延迟
	StatusInterval time.Duration `yaml:"status_interval"`  // 在途订单轮询间隔
}

// SlippageConfig 滑点模型参数
type SlippageConfig struct {
	BaseBps       float64 `yaml:"base_bps"`       // 基础滑点（basis points）
	VolMultiplier float64 `yaml:"vol_multiplier"` // 波动率乘数
	SizeThreshold float64 `yaml:"size_threshold"` // 冲击起算金额
	ImpactPer10K  float64 `yaml:"impact_per_10k"` // 每超出 1 万美元的冲击 bps
}

// DelayConfig 执行延迟模型参数（按订单类型区分）
type DelayConfig struct {
	MarketSeconds    float64 `yaml:"market_seconds"`     // 市价单延迟
	LimitSeconds     float64 `yaml:"limit_seconds"`      // 限价/止损单延迟
	TWAPSliceSeconds float64 `yaml:"twap_slice_seconds"` // TWAP 分片间隔
	TWAPSlices       int     `yaml:"twap_slices"`        // TWAP 分片数
	LargeOrder       float64 `yaml:"large_order"`        // 大单金额阈值
	LargeFactor      float64 `yaml:"large_factor"`       // 大单延迟放大系数
}

// PaperConfig 模拟交易引擎配置
type PaperConfig struct {
	InitialCapital  float64        `yaml:"initial_capital"`
	CommissionRate  float64        `yaml:"commission_rate"`
	PartialFillProb float64        `yaml:"partial_fill_prob"` // 部分成交概率
	Slippage        SlippageConfig `yaml:"slippage"`
	Delay           DelayConfig    `yaml:"delay"`
}

// StageConfig 资金转换的单个阶段
type StageConfig struct {
	CapitalPct   float64 `yaml:"capital_pct"`    // 分配比例（0-1]
	MinDays      int     `yaml:"min_days"`       // 最短停留天数（0 = 无限制）
	MaxLossPct   float64 `yaml:"max_loss_pct"`   // 阶段最大亏损比例
	WaiveLossCap bool    `yaml:"waive_loss_cap"` // true 时不检查亏损上限（终段）
}

// TransitionConfig 资金转换管理配置
type TransitionConfig struct {
	TotalCapital     float64       `yaml:"total_capital"`
	Stages           []StageConfig `yaml:"stages"` // 为空则使用默认四阶段
	DailyLossEval    float64       `yaml:"daily_loss_eval"`    // 单日亏损触发 EVALUATE
	DrawdownRollback float64       `yaml:"drawdown_rollback"`  // 回撤触发 ROLLBACK_STAGE
	MaxSystemFails   int           `yaml:"max_system_fails"`   // 超过触发 ROLLBACK_TO_PAPER
}

// MonitorConfig 绩效监控配置
type MonitorConfig struct {
	SharpeWindows    []int   `yaml:"sharpe_windows"`     // 滚动 Sharpe 窗口
	DailyLossWarn    float64 `yaml:"daily_loss_warn"`    // 单日亏损告警阈值
	DrawdownWarn     float64 `yaml:"drawdown_warn"`      // 回撤告警阈值
	SharpeFloor      float64 `yaml:"sharpe_floor"`       // 滚动 Sharpe 低于该值告警
	ICAlertThreshold float64 `yaml:"ic_alert_threshold"` // IC 低于该值告警
	ICWindow         int     `yaml:"ic_window"`          // 滚动 IC 窗口（采样次数）
	KSAlertThreshold float64 `yaml:"ks_alert_threshold"` // KS 统计量高于该值告警
}

// GatesConfig 上线门槛配置
type GatesConfig struct {
	MinDays        int     `yaml:"min_days"`
	MinSharpe      float64 `yaml:"min_sharpe"`
	MaxDrawdown    float64 `yaml:"max_drawdown"`
	MinUptime      float64 `yaml:"min_uptime"`
	MinIC          float64 `yaml:"min_ic"`
	SharpeDevTol   float64 `yaml:"sharpe_dev_tol"` // 偏差报告：Sharpe 相对偏差容忍
	DrawdownDevTol float64 `yaml:"drawdown_dev_tol"`
	ReturnDevTol   float64 `yaml:"return_dev_tol"`
}

// ServerConfig 状态 API 配置
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig 持久化配置
type StorageConfig struct {
	AuditDir    string `yaml:"audit_dir"`    // badger 审计日志目录
	ArchivePath string `yaml:"archive_path"` // sqlite 终态订单归档
}

// Config 全局配置
type Config struct {
	Log        LogConfig               `yaml:"log"`
	Brokers    map[string]BrokerConfig `yaml:"brokers"`
	OMS        OMSConfig               `yaml:"oms"`
	Paper      PaperConfig             `yaml:"paper"`
	Transition TransitionConfig        `yaml:"transition"`
	Monitor    MonitorConfig           `yaml:"monitor"`
	Gates      GatesConfig             `yaml:"gates"`
	Server     ServerConfig            `yaml:"server"`
	Storage    StorageConfig           `yaml:"storage"`
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			OutputFile: "logs/bot.log",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
		},
		Brokers: map[string]BrokerConfig{
			"alpaca":  {Enabled: true, Simulated: true, Paper: true},
			"binance": {Enabled: true, Simulated: true, Testnet: true},
			"ibkr":    {Enabled: true, Simulated: true},
		},
		OMS: OMSConfig{
			SplitCeiling:   50_000,
			MaxSlices:      5,
			SliceBiasBps:   5,
			MaxRetries:     3,
			RetryBaseDelay: 5 * time.Second,
			StatusInterval: 10 * time.Second,
		},
		Paper: PaperConfig{
			InitialCapital:  100_000,
			CommissionRate:  0.001,
			PartialFillProb: 0.1,
			Slippage: SlippageConfig{
				BaseBps:       5,
				VolMultiplier: 0.1,
				SizeThreshold: 10_000,
				ImpactPer10K:  1,
			},
			Delay: DelayConfig{
				MarketSeconds:    1,
				LimitSeconds:     5,
				TWAPSliceSeconds: 60,
				TWAPSlices:       5,
				LargeOrder:       50_000,
				LargeFactor:      2,
			},
		},
		Transition: TransitionConfig{
			TotalCapital:     1_000_000,
			DailyLossEval:    0.03,
			DrawdownRollback: 0.10,
			MaxSystemFails:   2,
		},
		Monitor: MonitorConfig{
			SharpeWindows:    []int{20, 60, 252},
			DailyLossWarn:    0.02,
			DrawdownWarn:     0.10,
			SharpeFloor:      0.5,
			ICAlertThreshold: 0.0,
			ICWindow:         10,
			KSAlertThreshold: 0.1,
		},
		Gates: GatesConfig{
			MinDays:        63,
			MinSharpe:      0.5,
			MaxDrawdown:    0.15,
			MinUptime:      0.999,
			MinIC:          0.02,
			SharpeDevTol:   0.3,
			DrawdownDevTol: 0.05,
			ReturnDevTol:   0.05,
		},
		Server:  ServerConfig{Listen: ":8080"},
		Storage: StorageConfig{AuditDir: "data/audit", ArchivePath: "data/orders.db"},
	}
}

// Load 从 YAML 文件加载配置，文件不存在时返回默认配置。
// 凭证类字段允许用环境变量覆盖（部署时不落盘）。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 用环境变量回填凭证（只在配置文件留空时生效）
func (c *Config) applyEnv() {
	envKeys := map[string][2]string{
		"alpaca":  {"ALPACA_API_KEY", "ALPACA_SECRET_KEY"},
		"binance": {"BINANCE_API_KEY", "BINANCE_SECRET_KEY"},
	}
	for venue, keys := range envKeys {
		bc, ok := c.Brokers[venue]
		if !ok {
			continue
		}
		if bc.APIKey == "" {
			bc.APIKey = os.Getenv(keys[0])
		}
		if bc.SecretKey == "" {
			bc.SecretKey = os.Getenv(keys[1])
		}
		c.Brokers[venue] = bc
	}
}

// Validate 配置校验。配置错误启动时快速失败。
func (c *Config) Validate() error {
	if c.Paper.InitialCapital <= 0 {
		return fmt.Errorf("paper.initial_capital must be > 0")
	}
	if c.Paper.CommissionRate < 0 {
		return fmt.Errorf("paper.commission_rate must be >= 0")
	}
	if c.Paper.Slippage.BaseBps < 0 {
		return fmt.Errorf("paper.slippage.base_bps must be >= 0")
	}
	if c.Paper.Delay.TWAPSlices < 1 {
		return fmt.Errorf("paper.delay.twap_slices must be >= 1")
	}
	if c.Paper.Delay.TWAPSliceSeconds < 0 {
		return fmt.Errorf("paper.delay.twap_slice_seconds must be >= 0")
	}
	if c.OMS.SplitCeiling <= 0 {
		return fmt.Errorf("oms.split_ceiling must be > 0")
	}
	if c.OMS.MaxSlices < 1 {
		return fmt.Errorf("oms.max_slices must be >= 1")
	}
	if c.OMS.MaxRetries < 0 {
		return fmt.Errorf("oms.max_retries must be >= 0")
	}
	if c.Transition.TotalCapital <= 0 {
		return fmt.Errorf("transition.total_capital must be > 0")
	}
	for i, st := range c.Transition.Stages {
		if st.CapitalPct <= 0 || st.CapitalPct > 1 {
			return fmt.Errorf("transition.stages[%d].capital_pct must be in (0, 1]", i)
		}
	}
	for _, w := range c.Monitor.SharpeWindows {
		if w < 2 {
			return fmt.Errorf("monitor.sharpe_windows entries must be >= 2")
		}
	}
	if c.Gates.MinDays <= 0 {
		return fmt.Errorf("gates.min_days must be > 0")
	}
	for venue := range c.Brokers {
		switch venue {
		case "alpaca", "binance", "ibkr":
		default:
			return fmt.Errorf("unknown broker venue in config: %q", venue)
		}
	}
	return nil
}
