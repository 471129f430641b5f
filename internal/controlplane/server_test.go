package controlplane

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tradebot/golive/internal/auditlog"
	"github.com/tradebot/golive/internal/broker"
	"github.com/tradebot/golive/internal/gates"
	"github.com/tradebot/golive/internal/monitor"
	"github.com/tradebot/golive/internal/oms"
	"github.com/tradebot/golive/internal/paper"
	"github.com/tradebot/golive/internal/transition"
	"github.com/tradebot/golive/pkg/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()

	engine := paper.NewEngine(cfg.Paper, nil)
	perf := monitor.New(cfg.Monitor, nil)
	live := monitor.NewLiveMonitor(perf)
	trans := transition.NewManager(cfg.Transition, nil)
	gateSys := gates.New(cfg.Gates, perf, live, nil)

	sim, err := broker.New(broker.VenueAlpaca, broker.VenueConfig{Simulated: true})
	if err != nil {
		t.Fatal(err)
	}
	brokers := map[string]broker.Adapter{broker.VenueAlpaca: sim}

	audit, err := auditlog.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = audit.Close() })
	manager := oms.NewManager(cfg.OMS, brokers, audit, nil)

	return NewServer(engine, manager, perf, live, trans, gateSys)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.router().ServeHTTP(w, req)
	return w
}

func TestPortfolioEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/api/v1/portfolio")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["nav"].(float64) != 100_000 {
		t.Errorf("nav = %v", body["nav"])
	}
}

func TestPerformanceEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/api/v1/performance")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sharpe_20d") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHealthzStates(t *testing.T) {
	s := newTestServer(t)

	// 尚未采样
	w := get(t, s, "/healthz")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "STARTING") {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}

	// CRITICAL 返回 503
	s.live.RunHealthCheck(map[string]bool{"alpaca": false}, time.Minute, time.Millisecond)
	w = get(t, s, "/healthz")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("critical health code = %d, want 503", w.Code)
	}
}

func TestGateEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, "/api/v1/gates/progress")
	if w.Code != http.StatusOK {
		t.Fatalf("progress status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/gates/validate",
		strings.NewReader(`{"SharpeRatio": 1.2, "MaxDrawdown": 0.08, "TotalReturn": 0.15}`))
	req.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	s.router().ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("validate status = %d: %s", w2.Code, w2.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w2.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["report"]; !ok {
		t.Error("missing report")
	}
	if _, ok := body["deviation"]; !ok {
		t.Error("missing deviation")
	}
}

func TestTransitionEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.trans.Start(100_000)

	w := get(t, s, "/api/v1/transition")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "stage 1/4") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func post(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.router().ServeHTTP(w, req)
	return w
}

func TestTransitionOpsEndpoints(t *testing.T) {
	s := newTestServer(t)

	// start：离开 paper，OMS 切实盘路由
	w := post(t, s, "/api/v1/transition/start", `{"nav": 100000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}
	if s.trans.InPaper() {
		t.Fatal("still in paper after start")
	}

	// 停留天数未满，advance 被拒
	w = post(t, s, "/api/v1/transition/advance", `{"nav": 105000}`)
	if w.Code != http.StatusConflict {
		t.Errorf("advance status = %d, want 409", w.Code)
	}

	// 故障清零
	s.trans.RecordSystemFailure("test")
	w = post(t, s, "/api/v1/transition/failures/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d", w.Code)
	}
	if s.trans.SystemFailures() != 0 {
		t.Errorf("failures = %d after reset", s.trans.SystemFailures())
	}

	// rollback-paper：回到 paper
	w = post(t, s, "/api/v1/transition/rollback-paper", `{"reason": "drill"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("rollback-paper status = %d", w.Code)
	}
	if !s.trans.InPaper() {
		t.Fatal("not in paper after rollback-paper")
	}
}

func TestTransitionRollbackStageEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.trans.Start(100_000)

	// 第一阶段降档 → 直接回 paper
	w := post(t, s, "/api/v1/transition/rollback", `{"nav": 98000, "reason": "drawdown breach"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("rollback status = %d: %s", w.Code, w.Body.String())
	}
	if !s.trans.InPaper() {
		t.Fatal("stage-1 rollback should land in paper")
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/orders/nope", nil)
	s.router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
