// Package transition 管理 paper → live 的分阶段资金转换。
//
// 资金按阶段逐步放大（10% → 25% → 50% → 100%），每阶段有最短
// 停留时间和亏损上限。触发器只产生建议动作，降档与回退 paper
// 由人工确认后显式调用，不自动执行。
package transition

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradebot/golive/internal/auditlog"
	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/config"
	"github.com/tradebot/golive/pkg/logger"
)

// 触发器建议动作
const (
	ActionNone            = ""
	ActionEvaluate        = "EVALUATE"
	ActionRollbackStage   = "ROLLBACK_STAGE"
	ActionRollbackToPaper = "ROLLBACK_TO_PAPER"
	actionAdvance         = "ADVANCE"
	actionStart           = "START"
)

// DefaultStages 默认四阶段：比例 / 最短停留天数 / 阶段亏损上限
func DefaultStages() []config.StageConfig {
	return []config.StageConfig{
		{CapitalPct: 0.10, MinDays: 28, MaxLossPct: 0.05},
		{CapitalPct: 0.25, MinDays: 28, MaxLossPct: 0.05},
		{CapitalPct: 0.50, MinDays: 14, MaxLossPct: 0.05},
		{CapitalPct: 1.00, MinDays: 0, MaxLossPct: 0.10},
	}
}

// Manager 资金转换状态机
type Manager struct {
	cfg    config.TransitionConfig
	stages []config.StageConfig
	audit  *auditlog.Log // 可为 nil

	mu            sync.Mutex
	inPaper       bool
	stageIdx      int
	stageStart    time.Time
	stageStartNAV float64
	failures      int
	events        []domain.TransitionEvent

	now func() time.Time
}

// Option Manager 可选参数
type Option func(*Manager)

// WithClock 注入时钟（测试）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建资金转换管理器。初始处于 paper 状态。
func NewManager(cfg config.TransitionConfig, audit *auditlog.Log, opts ...Option) *Manager {
	stages := cfg.Stages
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	m := &Manager{
		cfg:     cfg,
		stages:  stages,
		audit:   audit,
		inPaper: true,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start 从 paper 进入第一阶段
func (m *Manager) Start(nav float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inPaper {
		return
	}
	m.inPaper = false
	m.stageIdx = 0
	m.stageStart = m.now()
	m.stageStartNAV = nav
	m.recordLocked(actionStart, -1, 0, "validation gates passed, entering live stage 1")
}

// InPaper 当前是否处于 paper 状态
func (m *Manager) InPaper() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inPaper
}

// CurrentStage 当前阶段序号（paper 时为 -1）与配置
func (m *Manager) CurrentStage() (int, config.StageConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inPaper {
		return -1, config.StageConfig{}
	}
	return m.stageIdx, m.stages[m.stageIdx]
}

// CurrentAllocation 当前阶段可用资金（paper 时为 0）
func (m *Manager) CurrentAllocation() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inPaper {
		return 0
	}
	return m.cfg.TotalCapital * m.stages[m.stageIdx].CapitalPct
}

// stageLossLocked 当前阶段亏损比例（盈利为负）
func (m *Manager) stageLossLocked(nav float64) float64 {
	if m.stageStartNAV <= 0 {
		return 0
	}
	return (m.stageStartNAV - nav) / m.stageStartNAV
}

// CanAdvance 检查是否满足晋级条件：停留天数已满且阶段亏损
// 未超上限（盈利视为通过）。返回不满足时的原因。
func (m *Manager) CanAdvance(nav float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inPaper {
		return false, "still in paper trading"
	}
	if m.stageIdx == len(m.stages)-1 {
		return false, "already at final stage"
	}

	st := m.stages[m.stageIdx]
	days := int(m.now().Sub(m.stageStart).Hours() / 24)
	if days < st.MinDays {
		return false, fmt.Sprintf("stage %d needs %d more days", m.stageIdx+1, st.MinDays-days)
	}
	if !st.WaiveLossCap {
		if loss := m.stageLossLocked(nav); loss > st.MaxLossPct {
			return false, fmt.Sprintf("stage loss %.2f%% exceeds %.2f%% cap", loss*100, st.MaxLossPct*100)
		}
	}
	return true, ""
}

// AdvanceStage 晋级到下一阶段。条件不满足时返回错误。
func (m *Manager) AdvanceStage(nav float64) error {
	if ok, reason := m.CanAdvance(nav); !ok {
		return fmt.Errorf("cannot advance: %s", reason)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.stageIdx
	m.stageIdx++
	m.stageStart = m.now()
	m.stageStartNAV = nav
	m.recordLocked(actionAdvance, from, m.stageIdx,
		fmt.Sprintf("advanced to %.0f%% capital", m.stages[m.stageIdx].CapitalPct*100))
	return nil
}

// RollbackStage 降一个阶段；已在第一阶段时回退到 paper。
// 由人工在触发器建议后显式调用。
func (m *Manager) RollbackStage(nav float64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inPaper {
		return
	}
	from := m.stageIdx
	if m.stageIdx == 0 {
		m.inPaper = true
		m.recordLocked(ActionRollbackToPaper, from, -1, reason)
		return
	}
	m.stageIdx--
	m.stageStart = m.now()
	m.stageStartNAV = nav
	m.recordLocked(ActionRollbackStage, from, m.stageIdx, reason)
}

// RollbackToPaper 直接回退到 paper 状态（系统性故障）
func (m *Manager) RollbackToPaper(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inPaper {
		return
	}
	from := m.stageIdx
	m.inPaper = true
	m.recordLocked(ActionRollbackToPaper, from, -1, reason)
}

// RecordSystemFailure 记录一次系统故障（OMS 重试耗尽等）
func (m *Manager) RecordSystemFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	logger.Warnf("[transition] system failure %d: %s", m.failures, reason)
}

// ResetSystemFailures 人工处理后清零故障计数
func (m *Manager) ResetSystemFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
}

// SystemFailures 当前故障计数
func (m *Manager) SystemFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// CheckRollbackTriggers 按优先级评估回退触发器，返回建议动作：
//
//	系统故障次数达到上限  → ROLLBACK_TO_PAPER
//	回撤超限              → ROLLBACK_STAGE
//	单日亏损超限          → EVALUATE
//
// 只产生建议并落审计，不自动改变阶段。
func (m *Manager) CheckRollbackTriggers(dailyReturn, drawdown float64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inPaper {
		return ActionNone
	}

	action := ActionNone
	reason := ""
	switch {
	case m.failures >= m.cfg.MaxSystemFails:
		action = ActionRollbackToPaper
		reason = fmt.Sprintf("%d system failures reached limit of %d", m.failures, m.cfg.MaxSystemFails)
	case drawdown > m.cfg.DrawdownRollback:
		action = ActionRollbackStage
		reason = fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", drawdown*100, m.cfg.DrawdownRollback*100)
	case dailyReturn < -m.cfg.DailyLossEval:
		action = ActionEvaluate
		reason = fmt.Sprintf("daily loss %.2f%% exceeds %.2f%%", -dailyReturn*100, m.cfg.DailyLossEval*100)
	}

	if action != ActionNone {
		m.recordLocked(action, m.stageIdx, m.stageIdx, reason)
		logger.Warnf("[transition] trigger: %s (%s)", action, reason)
	}
	return action
}

// recordLocked 落一条转换事件（调用方必须持有锁）
func (m *Manager) recordLocked(action string, from, to int, reason string) {
	ev := domain.TransitionEvent{
		Timestamp: m.now(),
		Action:    action,
		FromStage: from,
		ToStage:   to,
		Reason:    reason,
	}
	m.events = append(m.events, ev)
	if m.audit != nil {
		m.audit.MustAppend(auditlog.KindTransition, ev)
	}
}

// Events 转换事件历史
func (m *Manager) Events() []domain.TransitionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TransitionEvent(nil), m.events...)
}

// Progress 当前阶段进度
type Progress struct {
	InPaper    bool    `json:"in_paper"`
	Stage      int     `json:"stage"` // 1 起始；paper 时为 0
	Stages     int     `json:"stages"`
	CapitalPct float64 `json:"capital_pct"`
	Allocation float64 `json:"allocation"`
	DaysIn     int     `json:"days_in_stage"`
	MinDays    int     `json:"min_days"`
	Failures   int     `json:"system_failures"`
}

// CurrentProgress 阶段进度快照
func (m *Manager) CurrentProgress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := Progress{
		InPaper:  m.inPaper,
		Stages:   len(m.stages),
		Failures: m.failures,
	}
	if m.inPaper {
		return p
	}
	st := m.stages[m.stageIdx]
	p.Stage = m.stageIdx + 1
	p.CapitalPct = st.CapitalPct
	p.Allocation = m.cfg.TotalCapital * st.CapitalPct
	p.DaysIn = int(m.now().Sub(m.stageStart).Hours() / 24)
	p.MinDays = st.MinDays
	return p
}

// Summary 人读汇总
func (m *Manager) Summary() string {
	p := m.CurrentProgress()
	if p.InPaper {
		return fmt.Sprintf("paper trading (system failures: %d)", p.Failures)
	}
	return fmt.Sprintf("stage %d/%d: %.0f%% capital (%.0f), day %d/%d, failures %d",
		p.Stage, p.Stages, p.CapitalPct*100, p.Allocation, p.DaysIn, p.MinDays, p.Failures)
}
