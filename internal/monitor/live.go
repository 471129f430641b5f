package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/logger"
)

// 健康检查阈值
const (
	staleDataLimit  = 60 * time.Minute
	slowAPILimit    = 2 * time.Second
	retrainICWindow = 10
	retrainICFloor  = 0.02
)

// LiveMonitor 实盘运行状态监控：健康检查、绩效快照、再训练信号。
type LiveMonitor struct {
	perf *Monitor

	mu        sync.Mutex
	checks    []domain.HealthCheck
	healthy   int
	snapshots []domain.PerformanceSnapshot
}

// NewLiveMonitor 创建实盘监控器
func NewLiveMonitor(perf *Monitor) *LiveMonitor {
	return &LiveMonitor{perf: perf}
}

// RunHealthCheck 采样一次系统健康状态。
// connections 为各 broker 的连接状态，dataAge 为行情数据年龄。
func (l *LiveMonitor) RunHealthCheck(connections map[string]bool, dataAge, apiLatency time.Duration) domain.HealthCheck {
	check := domain.HealthCheck{
		Timestamp:         time.Now(),
		APIResponseTimeMs: float64(apiLatency) / float64(time.Millisecond),
		DataFreshnessMin:  int(dataAge / time.Minute),
		BrokerConnections: connections,
	}

	for venue, ok := range connections {
		if !ok {
			check.Issues = append(check.Issues, fmt.Sprintf("CRITICAL: broker %s disconnected", venue))
		}
	}
	if dataAge > staleDataLimit {
		check.Issues = append(check.Issues, fmt.Sprintf("market data stale: %d minutes old", check.DataFreshnessMin))
	}
	if apiLatency > slowAPILimit {
		check.Issues = append(check.Issues, fmt.Sprintf("API slow: %.0fms", check.APIResponseTimeMs))
	}

	l.mu.Lock()
	l.checks = append(l.checks, check)
	if check.Status() == "HEALTHY" {
		l.healthy++
	}
	l.mu.Unlock()

	if st := check.Status(); st != "HEALTHY" {
		level := "WARNING"
		if st == "CRITICAL" {
			level = "CRITICAL"
		}
		l.perf.Raise(level, "health", fmt.Sprintf("health check %s: %v", st, check.Issues))
	}
	return check
}

// Uptime 健康检查通过率（门槛校验的 uptime 口径）
func (l *LiveMonitor) Uptime() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.checks) == 0 {
		return 1
	}
	return float64(l.healthy) / float64(len(l.checks))
}

// LastCheck 最近一次健康检查
func (l *LiveMonitor) LastCheck() (domain.HealthCheck, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.checks) == 0 {
		return domain.HealthCheck{}, false
	}
	return l.checks[len(l.checks)-1], true
}

// TakeSnapshot 记录一次绩效快照
func (l *LiveMonitor) TakeSnapshot(nav, dailyReturn float64, positions, dailyTrades int) domain.PerformanceSnapshot {
	snap := domain.PerformanceSnapshot{
		Timestamp:        time.Now(),
		NAV:              nav,
		DailyReturn:      dailyReturn,
		CumulativeReturn: l.perf.TotalReturn(),
		Sharpe20D:        l.perf.RollingSharpe(20),
		MaxDrawdown:      l.perf.MaxDrawdown(),
		PositionsCount:   positions,
		DailyTrades:      dailyTrades,
	}
	l.mu.Lock()
	l.snapshots = append(l.snapshots, snap)
	l.mu.Unlock()
	return snap
}

// Snapshots 快照历史
func (l *LiveMonitor) Snapshots() []domain.PerformanceSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.PerformanceSnapshot(nil), l.snapshots...)
}

// ShouldRetrain 判断模型是否需要再训练：
// 连续 10 次 IC 低于下限，或最近一次漂移检测达到 CRITICAL。
func (l *LiveMonitor) ShouldRetrain() (bool, string) {
	ics := l.perf.ICHistory()
	if len(ics) >= retrainICWindow {
		allBelow := true
		for _, p := range ics[len(ics)-retrainICWindow:] {
			if p.IC >= retrainICFloor {
				allBelow = false
				break
			}
		}
		if allBelow {
			return true, fmt.Sprintf("last %d IC readings below %.2f", retrainICWindow, retrainICFloor)
		}
	}

	ks := l.perf.KSHistory()
	if len(ks) > 0 && ks[len(ks)-1].DriftLevel == "CRITICAL" {
		return true, fmt.Sprintf("feature drift CRITICAL (ks=%.4f)", ks[len(ks)-1].Statistic)
	}
	return false, ""
}

// LogDailyReport 收盘日志汇总
func (l *LiveMonitor) LogDailyReport() {
	logger.Infof("[monitor] daily report: days=%d sharpe20=%.2f maxdd=%.2f%% uptime=%.3f%% meanIC=%.4f",
		l.perf.TradingDays(), l.perf.RollingSharpe(20), l.perf.MaxDrawdown()*100,
		l.Uptime()*100, l.perf.MeanIC())
}
