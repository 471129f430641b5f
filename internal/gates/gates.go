// Package gates 上线门槛校验：paper 阶段的运行记录必须整体达标
// 才允许进入实盘资金转换，另附 live 与回测的偏差报告。
package gates

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradebot/golive/internal/auditlog"
	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/internal/monitor"
	"github.com/tradebot/golive/pkg/config"
	"github.com/tradebot/golive/pkg/logger"
)

// 风控校验级别 1-4：单笔限额 / 组合集中度 / 回撤熔断 / 人工复核
const (
	RiskLevelOrder = iota + 1
	RiskLevelConcentration
	RiskLevelCircuitBreaker
	RiskLevelManualReview
	riskLevelCount = 4
)

// Check 单项门槛结果
type Check struct {
	Name     string  `json:"name"`
	Required string  `json:"required"`
	Actual   string  `json:"actual"`
	Value    float64 `json:"value"`
	Passed   bool    `json:"passed"`
}

// Report 门槛校验报告。Passed 为全部单项的合取，
// Warnings 逐项说明未达标原因。
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
	Passed    bool      `json:"passed"`
	PassRate  float64   `json:"pass_rate"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// System 门槛校验系统
type System struct {
	cfg   config.GatesConfig
	perf  *monitor.Monitor
	live  *monitor.LiveMonitor
	audit *auditlog.Log // 可为 nil

	mu         sync.Mutex
	riskChecks map[int]bool
}

// New 创建门槛校验系统
func New(cfg config.GatesConfig, perf *monitor.Monitor, live *monitor.LiveMonitor, audit *auditlog.Log) *System {
	return &System{
		cfg:        cfg,
		perf:       perf,
		live:       live,
		audit:      audit,
		riskChecks: make(map[int]bool),
	}
}

// RecordRiskCheck 记录某一级风控校验结果（级别 1-4）。
// 门槛只要求每一级都被触发过，校验结果留作报表。
func (s *System) RecordRiskCheck(level int, passed bool) error {
	if level < RiskLevelOrder || level > riskLevelCount {
		return fmt.Errorf("risk level %d out of range [1, %d]", level, riskLevelCount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskChecks[level] = passed
	return nil
}

// Validate 执行全部门槛校验。
// Sharpe 取最长的非零窗口读数：短窗口的读数只在长窗口
// 尚无数据时作为替代。
func (s *System) Validate() Report {
	s.mu.Lock()
	triggered := 0
	for level := RiskLevelOrder; level <= riskLevelCount; level++ {
		if _, ok := s.riskChecks[level]; ok {
			triggered++
		}
	}
	s.mu.Unlock()
	riskPassed := triggered == riskLevelCount

	days := s.perf.TradingDays()
	sharpe := s.perf.BestSharpe()
	maxDD := s.perf.MaxDrawdown()
	uptime := s.live.Uptime()
	meanIC := s.perf.MeanIC()

	report := Report{Timestamp: time.Now()}
	report.Checks = []Check{
		{
			Name:     "trading_days",
			Required: fmt.Sprintf(">= %d", s.cfg.MinDays),
			Actual:   fmt.Sprintf("%d", days),
			Value:    float64(days),
			Passed:   days >= s.cfg.MinDays,
		},
		{
			Name:     "sharpe_ratio",
			Required: fmt.Sprintf("> %.2f", s.cfg.MinSharpe),
			Actual:   fmt.Sprintf("%.2f", sharpe),
			Value:    sharpe,
			Passed:   sharpe > s.cfg.MinSharpe,
		},
		{
			Name:     "max_drawdown",
			Required: fmt.Sprintf("< %.1f%%", s.cfg.MaxDrawdown*100),
			Actual:   fmt.Sprintf("%.1f%%", maxDD*100),
			Value:    maxDD,
			Passed:   maxDD < s.cfg.MaxDrawdown,
		},
		{
			Name:     "uptime",
			Required: fmt.Sprintf(">= %.1f%%", s.cfg.MinUptime*100),
			Actual:   fmt.Sprintf("%.2f%%", uptime*100),
			Value:    uptime,
			Passed:   uptime >= s.cfg.MinUptime,
		},
		{
			Name:     "risk_controls",
			Required: fmt.Sprintf("levels 1-%d triggered", riskLevelCount),
			Actual:   fmt.Sprintf("%d/%d triggered", triggered, riskLevelCount),
			Value:    float64(triggered),
			Passed:   riskPassed,
		},
		{
			Name:     "information_coefficient",
			Required: fmt.Sprintf("> %.3f", s.cfg.MinIC),
			Actual:   fmt.Sprintf("%.4f", meanIC),
			Value:    meanIC,
			Passed:   meanIC > s.cfg.MinIC,
		},
	}

	passed := 0
	report.Passed = true
	for _, c := range report.Checks {
		if c.Passed {
			passed++
		} else {
			report.Passed = false
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s is %s, required %s", c.Name, c.Actual, c.Required))
		}
	}
	report.PassRate = float64(passed) / float64(len(report.Checks))

	if s.audit != nil {
		s.audit.MustAppend(auditlog.KindGate, report)
	}
	logger.Infof("[gates] validation: passed=%v (%d/%d)", report.Passed, passed, len(report.Checks))
	return report
}

// GateProgress 各门槛完成进度（0-1），未达标项 < 1
type GateProgress struct {
	Days    float64 `json:"days"`
	Sharpe  float64 `json:"sharpe"`
	Uptime  float64 `json:"uptime"`
	IC      float64 `json:"ic"`
	Overall float64 `json:"overall"`
}

func ratio(actual, required float64) float64 {
	if required <= 0 {
		return 1
	}
	r := actual / required
	if r > 1 {
		r = 1
	}
	if r < 0 {
		r = 0
	}
	return r
}

// Progress 距离门槛达标的进度快照
func (s *System) Progress() GateProgress {
	p := GateProgress{
		Days:   ratio(float64(s.perf.TradingDays()), float64(s.cfg.MinDays)),
		Sharpe: ratio(s.perf.BestSharpe(), s.cfg.MinSharpe),
		Uptime: ratio(s.live.Uptime(), s.cfg.MinUptime),
		IC:     ratio(s.perf.MeanIC(), s.cfg.MinIC),
	}
	p.Overall = (p.Days + p.Sharpe + p.Uptime + p.IC) / 4
	return p
}

// Deviation 单项 live vs 回测偏差
type Deviation struct {
	Metric    string  `json:"metric"`
	Backtest  float64 `json:"backtest"`
	Live      float64 `json:"live"`
	Deviation float64 `json:"deviation"`
	Tolerance float64 `json:"tolerance"`
}

// DeviationReport live 表现与回测基准的偏差报告。
// Acceptable 为 false 时说明策略在真实摩擦下明显走样。
type DeviationReport struct {
	Timestamp  time.Time   `json:"timestamp"`
	Deviations []Deviation `json:"deviations"`
	Acceptable bool        `json:"acceptable"`
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// CompareWithBacktest 生成偏差报告：
// Sharpe 看相对偏差，回撤与收益看绝对偏差。
func (s *System) CompareWithBacktest(backtest domain.BacktestResult) DeviationReport {
	liveSharpe := s.perf.BestSharpe()
	liveDD := s.perf.MaxDrawdown()
	liveReturn := s.perf.TotalReturn()

	report := DeviationReport{Timestamp: time.Now(), Acceptable: true}

	sharpeDev := 0.0
	if backtest.SharpeRatio != 0 {
		sharpeDev = absF(liveSharpe-backtest.SharpeRatio) / absF(backtest.SharpeRatio)
	}
	report.Deviations = append(report.Deviations, Deviation{
		Metric: "sharpe_ratio", Backtest: backtest.SharpeRatio, Live: liveSharpe,
		Deviation: sharpeDev, Tolerance: s.cfg.SharpeDevTol,
	})

	ddDev := absF(liveDD - backtest.MaxDrawdown)
	report.Deviations = append(report.Deviations, Deviation{
		Metric: "max_drawdown", Backtest: backtest.MaxDrawdown, Live: liveDD,
		Deviation: ddDev, Tolerance: s.cfg.DrawdownDevTol,
	})

	retDev := absF(liveReturn - backtest.TotalReturn)
	report.Deviations = append(report.Deviations, Deviation{
		Metric: "total_return", Backtest: backtest.TotalReturn, Live: liveReturn,
		Deviation: retDev, Tolerance: s.cfg.ReturnDevTol,
	})

	for _, d := range report.Deviations {
		if d.Deviation > d.Tolerance {
			report.Acceptable = false
		}
	}

	if s.audit != nil {
		s.audit.MustAppend(auditlog.KindGate, report)
	}
	return report
}
