package transition

import (
	"strings"
	"testing"
	"time"

	"github.com/tradebot/golive/pkg/config"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	m := NewManager(config.Default().Transition, nil, WithClock(c.now))
	return m, c
}

func TestStartLeavesPaper(t *testing.T) {
	m, _ := newTestManager(t)
	if !m.InPaper() {
		t.Fatal("new manager must start in paper")
	}
	if m.CurrentAllocation() != 0 {
		t.Errorf("paper allocation = %v, want 0", m.CurrentAllocation())
	}

	m.Start(100_000)
	if m.InPaper() {
		t.Fatal("still in paper after Start")
	}
	idx, st := m.CurrentStage()
	if idx != 0 || st.CapitalPct != 0.10 {
		t.Errorf("stage = %d (%.2f)", idx, st.CapitalPct)
	}
	// 100 万总资金 × 10%
	if got := m.CurrentAllocation(); got != 100_000 {
		t.Errorf("allocation = %v, want 100000", got)
	}
}

func TestCanAdvanceAfterProfitableStage(t *testing.T) {
	m, c := newTestManager(t)
	m.Start(100_000)

	// 停留时间未满
	if ok, reason := m.CanAdvance(105_000); ok {
		t.Fatal("advanced before min days")
	} else if !strings.Contains(reason, "days") {
		t.Errorf("reason = %q", reason)
	}

	// 28 天后、NAV 100k → 105k：盈利通过亏损检查
	c.t = c.t.AddDate(0, 0, 29)
	if ok, reason := m.CanAdvance(105_000); !ok {
		t.Fatalf("expected advance allowed, got %q", reason)
	}
	if err := m.AdvanceStage(105_000); err != nil {
		t.Fatal(err)
	}
	idx, st := m.CurrentStage()
	if idx != 1 || st.CapitalPct != 0.25 {
		t.Errorf("stage = %d (%.2f)", idx, st.CapitalPct)
	}
}

func TestCannotAdvanceAfterExcessLoss(t *testing.T) {
	m, c := newTestManager(t)
	m.Start(100_000)
	c.t = c.t.AddDate(0, 0, 29)

	// 阶段亏损 6% 超过 5% 上限
	ok, reason := m.CanAdvance(94_000)
	if ok {
		t.Fatal("advance allowed despite 6% stage loss")
	}
	if !strings.Contains(reason, "loss") {
		t.Errorf("reason = %q", reason)
	}
}

func TestFinalStageCannotAdvance(t *testing.T) {
	m, c := newTestManager(t)
	m.Start(100_000)
	for i := 0; i < 3; i++ {
		c.t = c.t.AddDate(0, 0, 30)
		if err := m.AdvanceStage(100_000); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	idx, st := m.CurrentStage()
	if idx != 3 || st.CapitalPct != 1.0 {
		t.Fatalf("stage = %d (%.2f)", idx, st.CapitalPct)
	}
	if ok, _ := m.CanAdvance(100_000); ok {
		t.Error("final stage must not advance")
	}
}

func TestSystemFailuresTriggerRollbackToPaper(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start(100_000)

	m.RecordSystemFailure("order submission failed")
	// 1 次未达上限
	if action := m.CheckRollbackTriggers(0, 0); action != ActionNone {
		t.Fatalf("action below limit = %q, want none", action)
	}

	// 达到上限（2 次）即触发
	m.RecordSystemFailure("order submission failed")
	if action := m.CheckRollbackTriggers(0, 0); action != ActionRollbackToPaper {
		t.Fatalf("action = %q, want ROLLBACK_TO_PAPER", action)
	}

	// 触发器只建议，不自动回退
	if m.InPaper() {
		t.Fatal("trigger must not auto-rollback")
	}
	m.RollbackToPaper("3 system failures")
	if !m.InPaper() {
		t.Fatal("explicit rollback failed")
	}
}

func TestDrawdownAndDailyLossTriggers(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start(100_000)

	if action := m.CheckRollbackTriggers(-0.01, 0.05); action != ActionNone {
		t.Errorf("benign day action = %q", action)
	}
	// 单日 −4% → EVALUATE
	if action := m.CheckRollbackTriggers(-0.04, 0.05); action != ActionEvaluate {
		t.Errorf("action = %q, want EVALUATE", action)
	}
	// 回撤 12% → ROLLBACK_STAGE（优先于单日亏损）
	if action := m.CheckRollbackTriggers(-0.04, 0.12); action != ActionRollbackStage {
		t.Errorf("action = %q, want ROLLBACK_STAGE", action)
	}
}

func TestRollbackStageSteps(t *testing.T) {
	m, c := newTestManager(t)
	m.Start(100_000)
	c.t = c.t.AddDate(0, 0, 30)
	if err := m.AdvanceStage(102_000); err != nil {
		t.Fatal(err)
	}

	m.RollbackStage(98_000, "drawdown breach")
	idx, _ := m.CurrentStage()
	if idx != 0 {
		t.Fatalf("stage after rollback = %d, want 0", idx)
	}

	// 第一阶段再降档 → 回到 paper
	m.RollbackStage(97_000, "second breach")
	if !m.InPaper() {
		t.Fatal("expected rollback to paper from stage 1")
	}
}

func TestEventsAreRecorded(t *testing.T) {
	m, c := newTestManager(t)
	m.Start(100_000)
	c.t = c.t.AddDate(0, 0, 30)
	if err := m.AdvanceStage(105_000); err != nil {
		t.Fatal(err)
	}
	m.RollbackStage(100_000, "test")

	events := m.Events()
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	wantActions := []string{"START", "ADVANCE", "ROLLBACK_STAGE"}
	for i, ev := range events {
		if ev.Action != wantActions[i] {
			t.Errorf("event %d action = %s, want %s", i, ev.Action, wantActions[i])
		}
	}
}

func TestProgressAndSummary(t *testing.T) {
	m, c := newTestManager(t)

	p := m.CurrentProgress()
	if !p.InPaper || p.Stage != 0 {
		t.Errorf("paper progress = %+v", p)
	}

	m.Start(100_000)
	c.t = c.t.AddDate(0, 0, 10)
	p = m.CurrentProgress()
	if p.Stage != 1 || p.DaysIn != 10 || p.MinDays != 28 {
		t.Errorf("progress = %+v", p)
	}
	if !strings.Contains(m.Summary(), "stage 1/4") {
		t.Errorf("summary = %q", m.Summary())
	}
}
