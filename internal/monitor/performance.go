// Package monitor 绩效监控：滚动 Sharpe、回撤、信号质量（IC）与
// 特征漂移（KS），指标越界时产生分级告警。
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradebot/golive/internal/auditlog"
	"github.com/tradebot/golive/pkg/config"
	"github.com/tradebot/golive/pkg/logger"
)

// Alert 分级告警
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // WARNING / CRITICAL
	Kind      string    `json:"kind"`  // daily_loss / drawdown / ic / ks_drift
	Message   string    `json:"message"`
}

// ICPoint 一次信号质量采样
type ICPoint struct {
	Timestamp time.Time `json:"timestamp"`
	IC        float64   `json:"ic"`
	Samples   int       `json:"samples"`
	Quality   string    `json:"quality"` // EXCELLENT / GOOD / ACCEPTABLE / WEAK / NEGATIVE
}

// KSDriftPoint 一次特征漂移采样
type KSDriftPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Statistic  float64   `json:"statistic"`
	DriftLevel string    `json:"drift_level"` // NORMAL / WARNING / CRITICAL
}

// Monitor 绩效监控器
type Monitor struct {
	cfg   config.MonitorConfig
	audit *auditlog.Log // 可为 nil

	mu        sync.Mutex
	navs      []float64
	returns   []float64
	dates     []time.Time
	reference []float64 // KS 基准分布
	icHistory []ICPoint
	ksHistory []KSDriftPoint
	alerts    []Alert
	sink      func(Alert)
}

// New 创建绩效监控器
func New(cfg config.MonitorConfig, audit *auditlog.Log) *Monitor {
	return &Monitor{cfg: cfg, audit: audit}
}

// SetAlertSink 设置告警回调（在 RecordDay 调用栈内同步触发）
func (m *Monitor) SetAlertSink(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = fn
}

// RecordDay 记录一个交易日的收盘 NAV，返回当日收益
func (m *Monitor) RecordDay(date time.Time, nav float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ret := 0.0
	if n := len(m.navs); n > 0 && m.navs[n-1] > 0 {
		ret = nav/m.navs[n-1] - 1
	}
	m.navs = append(m.navs, nav)
	m.dates = append(m.dates, date)
	if len(m.navs) > 1 {
		m.returns = append(m.returns, ret)
	}

	if ret < -m.cfg.DailyLossWarn {
		level := "WARNING"
		if ret < -2*m.cfg.DailyLossWarn {
			level = "CRITICAL"
		}
		m.raiseLocked(level, "daily_loss",
			fmt.Sprintf("daily return %.2f%% breached -%.2f%% threshold", ret*100, m.cfg.DailyLossWarn*100))
	}
	if dd := m.currentDrawdownLocked(); dd > m.cfg.DrawdownWarn {
		m.raiseLocked("WARNING", "drawdown",
			fmt.Sprintf("drawdown %.2f%% breached %.2f%% threshold", dd*100, m.cfg.DrawdownWarn*100))
	}
	// Sharpe 地板：20 日以上历史才有意义
	if len(m.returns) >= 20 {
		if s := m.rollingSharpeLocked(20); s < m.cfg.SharpeFloor {
			m.raiseLocked("WARNING", "sharpe",
				fmt.Sprintf("20d sharpe %.2f below floor %.2f", s, m.cfg.SharpeFloor))
		}
	}
	return ret
}

// RollingSharpe 最近 window 日的年化 Sharpe。
// 样本不足窗口长度时返回 0（预热期不给误导性读数）。
func (m *Monitor) RollingSharpe(window int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollingSharpeLocked(window)
}

func (m *Monitor) rollingSharpeLocked(window int) float64 {
	if len(m.returns) < window {
		return 0
	}
	return annualizedSharpe(m.returns[len(m.returns)-window:])
}

// BestSharpe 按配置窗口从长到短取第一个非零读数。
// 上线门槛校验用：优先信最长窗口。
func (m *Monitor) BestSharpe() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	windows := append([]int(nil), m.cfg.SharpeWindows...)
	// 从长到短
	for i := 0; i < len(windows); i++ {
		for j := i + 1; j < len(windows); j++ {
			if windows[j] > windows[i] {
				windows[i], windows[j] = windows[j], windows[i]
			}
		}
	}
	for _, w := range windows {
		if s := m.rollingSharpeLocked(w); s != 0 {
			return s
		}
	}
	return 0
}

// MaxDrawdown 全历史最大回撤
func (m *Monitor) MaxDrawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maxDrawdownOf(m.navs)
}

// CurrentDrawdown 距历史高点的当前回撤
func (m *Monitor) CurrentDrawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentDrawdownLocked()
}

func (m *Monitor) currentDrawdownLocked() float64 {
	if len(m.navs) == 0 {
		return 0
	}
	peak := m.navs[0]
	for _, nav := range m.navs {
		if nav > peak {
			peak = nav
		}
	}
	if peak <= 0 {
		return 0
	}
	dd := (peak - m.navs[len(m.navs)-1]) / peak
	if dd < 0 {
		return 0
	}
	return dd
}

// TotalReturn 自起点的累计收益
func (m *Monitor) TotalReturn() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.navs) < 2 || m.navs[0] <= 0 {
		return 0
	}
	return m.navs[len(m.navs)-1]/m.navs[0] - 1
}

// TradingDays 已记录交易日数
func (m *Monitor) TradingDays() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.navs)
}

// TrackIC 记录一次信号质量采样：预测值与实际收益的相关系数
func (m *Monitor) TrackIC(predictions, actuals []float64) ICPoint {
	ic := pearson(predictions, actuals)

	quality := "NEGATIVE"
	switch {
	case ic >= 0.10:
		quality = "EXCELLENT"
	case ic >= 0.05:
		quality = "GOOD"
	case ic >= 0.02:
		quality = "ACCEPTABLE"
	case ic >= 0:
		quality = "WEAK"
	}

	point := ICPoint{
		Timestamp: time.Now(),
		IC:        ic,
		Samples:   len(predictions),
		Quality:   quality,
	}

	m.mu.Lock()
	m.icHistory = append(m.icHistory, point)
	if ic < m.cfg.ICAlertThreshold {
		m.raiseLocked("WARNING", "ic",
			fmt.Sprintf("IC %.4f below threshold %.4f", ic, m.cfg.ICAlertThreshold))
	}
	// 滚动均值整体塌掉比单点更严重
	if w := m.cfg.ICWindow; w > 0 && len(m.icHistory) >= w {
		if rolling := m.rollingICLocked(w); rolling < m.cfg.ICAlertThreshold {
			m.raiseLocked("CRITICAL", "ic",
				fmt.Sprintf("rolling IC %.4f over last %d samples below threshold %.4f",
					rolling, w, m.cfg.ICAlertThreshold))
		}
	}
	m.mu.Unlock()
	return point
}

// MeanIC 全历史 IC 均值
func (m *Monitor) MeanIC() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.icHistory) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range m.icHistory {
		sum += p.IC
	}
	return sum / float64(len(m.icHistory))
}

// RollingIC 最近 window 次采样的 IC 均值。
// 样本不足窗口长度时返回 0。
func (m *Monitor) RollingIC(window int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.icHistory) < window {
		return 0
	}
	return m.rollingICLocked(window)
}

func (m *Monitor) rollingICLocked(window int) float64 {
	if window <= 0 || len(m.icHistory) < window {
		return 0
	}
	sum := 0.0
	for _, p := range m.icHistory[len(m.icHistory)-window:] {
		sum += p.IC
	}
	return sum / float64(window)
}

// SetReferenceDistribution 设置漂移检测的基准分布（训练期特征）
func (m *Monitor) SetReferenceDistribution(values []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reference = append([]float64(nil), values...)
}

// TrackKSDrift 当前特征分布对基准分布的 KS 漂移检测
func (m *Monitor) TrackKSDrift(current []float64) KSDriftPoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	stat := ksStatistic(m.reference, current)
	level := "NORMAL"
	switch {
	case stat >= 0.2:
		level = "CRITICAL"
	case stat >= 0.1:
		level = "WARNING"
	}

	point := KSDriftPoint{Timestamp: time.Now(), Statistic: stat, DriftLevel: level}
	m.ksHistory = append(m.ksHistory, point)
	if stat > m.cfg.KSAlertThreshold {
		m.raiseLocked("WARNING", "ks_drift",
			fmt.Sprintf("KS statistic %.4f above threshold %.4f", stat, m.cfg.KSAlertThreshold))
	}
	return point
}

// raiseLocked 产生告警（调用方必须持有锁）
func (m *Monitor) raiseLocked(level, kind, message string) {
	a := Alert{Timestamp: time.Now(), Level: level, Kind: kind, Message: message}
	m.alerts = append(m.alerts, a)
	logger.Warnf("[monitor] %s %s: %s", level, kind, message)
	if m.audit != nil {
		m.audit.MustAppend(auditlog.KindAlert, a)
	}
	if m.sink != nil {
		m.sink(a)
	}
}

// Raise 外部组件（OMS 等）上报的告警走同一条通道
func (m *Monitor) Raise(level, kind, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raiseLocked(level, kind, message)
}

// Alerts 告警历史快照
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// ICHistory IC 采样历史快照
func (m *Monitor) ICHistory() []ICPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ICPoint(nil), m.icHistory...)
}

// KSHistory KS 采样历史快照
func (m *Monitor) KSHistory() []KSDriftPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]KSDriftPoint(nil), m.ksHistory...)
}
