package paper

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/pkg/config"
)

func testCfg() config.PaperConfig {
	cfg := config.Default().Paper
	cfg.PartialFillProb = 0 // 确定性
	return cfg
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestEngine(t *testing.T, cfg config.PaperConfig) (*Engine, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	e := NewEngine(cfg, nil, WithClock(c.now), WithRand(rand.New(rand.NewSource(1))))
	return e, c
}

func almostEqual(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestSlippageModel(t *testing.T) {
	e, _ := newTestEngine(t, testCfg())

	// 小单零波动：只有基础滑点 5bps
	if got := e.slippageFraction(100, 0); !almostEqual(got, 0.0005, 1e-12) {
		t.Errorf("base slippage = %v, want 0.0005", got)
	}

	// 3 万美元、2% 波动：0.0005 + 0.02×0.1 + 2×1bps = 0.0027
	if got := e.slippageFraction(30_000, 0.02); !almostEqual(got, 0.0027, 1e-12) {
		t.Errorf("slippage = %v, want 0.0027", got)
	}

	// 高波动不封顶：60% 波动 → 0.0005 + 0.6×0.1 = 0.0605
	if got := e.slippageFraction(100, 0.6); !almostEqual(got, 0.0605, 1e-12) {
		t.Errorf("high-vol slippage = %v, want 0.0605", got)
	}

	// 巨单 + 极端波动线性累加：0.0005 + 0.1 + 99×1bps = 0.1104
	if got := e.slippageFraction(1_000_000, 1.0); !almostEqual(got, 0.1104, 1e-12) {
		t.Errorf("slippage = %v, want 0.1104", got)
	}
}

func TestSlippageDirection(t *testing.T) {
	e, c := newTestEngine(t, testCfg())

	buy, err := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeMarket,
	}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(time.Hour)
	resBuy, err := e.ForceExecute(buy.OrderID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if resBuy.FillPrice <= 100 {
		t.Errorf("buy fill price = %v, want > reference", resBuy.FillPrice)
	}

	sell, err := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideSell, Quantity: 5, Type: domain.OrderTypeMarket,
	}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	resSell, err := e.ForceExecute(sell.OrderID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if resSell.FillPrice >= 100 {
		t.Errorf("sell fill price = %v, want < reference", resSell.FillPrice)
	}
}

func TestExecutionIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, testCfg())

	o, err := e.SubmitOrder(&domain.Order{
		Symbol: "GLD", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeMarket,
	}, 200, 0)
	if err != nil {
		t.Fatal(err)
	}

	first, err := e.ForceExecute(o.OrderID, 200, 0)
	if err != nil {
		t.Fatal(err)
	}
	cashAfter := e.Portfolio().Cash

	// 重复执行返回首次结果，组合不再变化
	second, err := e.ForceExecute(o.OrderID, 999, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("repeated execution returned a different result")
	}
	if got := e.Portfolio().Cash; got != cashAfter {
		t.Errorf("cash mutated on repeat: %v -> %v", cashAfter, got)
	}
	if e.Summary().TotalTrades != 1 {
		t.Errorf("trades = %d, want 1", e.Summary().TotalTrades)
	}
}

func TestSellClampedToPosition(t *testing.T) {
	e, _ := newTestEngine(t, testCfg())

	buy, _ := e.SubmitOrder(&domain.Order{
		Symbol: "QQQ", Side: domain.SideBuy, Quantity: 40, Type: domain.OrderTypeMarket,
	}, 100, 0)
	if _, err := e.ForceExecute(buy.OrderID, 100, 0); err != nil {
		t.Fatal(err)
	}

	sell, _ := e.SubmitOrder(&domain.Order{
		Symbol: "QQQ", Side: domain.SideSell, Quantity: 100, Type: domain.OrderTypeMarket,
	}, 100, 0)
	res, err := e.ForceExecute(sell.OrderID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.OrderStatusPartial {
		t.Errorf("status = %s, want PARTIAL", res.Status)
	}
	if res.FillQuantity != 40 {
		t.Errorf("fill quantity = %v, want 40", res.FillQuantity)
	}
	p := e.Portfolio()
	if got := p.PositionQuantity("QQQ"); got != 0 {
		t.Errorf("residual position = %v", got)
	}
}

func TestSellWithoutPositionRejected(t *testing.T) {
	e, _ := newTestEngine(t, testCfg())

	sell, _ := e.SubmitOrder(&domain.Order{
		Symbol: "TLT", Side: domain.SideSell, Quantity: 10, Type: domain.OrderTypeMarket,
	}, 100, 0)
	res, err := e.ForceExecute(sell.OrderID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.OrderStatusRejected {
		t.Errorf("status = %s, want REJECTED", res.Status)
	}
	if res.FillQuantity != 0 {
		t.Errorf("fill quantity = %v, want 0", res.FillQuantity)
	}
}

func TestBuyScaledDownWhenCashShort(t *testing.T) {
	cfg := testCfg()
	cfg.InitialCapital = 1_000
	e, _ := newTestEngine(t, cfg)

	o, _ := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 100, Type: domain.OrderTypeMarket,
	}, 100, 0)
	res, err := e.ForceExecute(o.OrderID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.OrderStatusPartial {
		t.Errorf("status = %s, want PARTIAL", res.Status)
	}
	if res.FillQuantity >= 10 || res.FillQuantity <= 0 {
		t.Errorf("fill quantity = %v", res.FillQuantity)
	}
	if cash := e.Portfolio().Cash; cash < -1e-6 {
		t.Errorf("cash went negative: %v", cash)
	}
}

func TestProcessDueHonorsDelay(t *testing.T) {
	e, c := newTestEngine(t, testCfg())

	o, err := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeMarket,
	}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}

	prices := map[string]float64{"SPY": 100}
	vols := map[string]float64{"SPY": 0}

	// 未到执行时间
	if got := e.ProcessDue(prices, vols); len(got) != 0 {
		t.Fatalf("executed %d orders before delay elapsed", len(got))
	}

	c.t = o.ExecuteAfter.Add(time.Millisecond)
	got := e.ProcessDue(prices, vols)
	if len(got) != 1 {
		t.Fatalf("executed %d orders, want 1", len(got))
	}
	if got[0].Status != domain.OrderStatusFilled {
		t.Errorf("status = %s", got[0].Status)
	}
	if e.Summary().PendingOrders != 0 {
		t.Errorf("pending = %d", e.Summary().PendingOrders)
	}
}

func TestDelayVariesByOrderType(t *testing.T) {
	cfg := testCfg()
	e, _ := newTestEngine(t, cfg)

	market := e.executionDelay(domain.OrderTypeMarket, 1_000)
	limit := e.executionDelay(domain.OrderTypeLimit, 1_000)
	twap := e.executionDelay(domain.OrderTypeTWAP, 1_000)

	if market != time.Duration(cfg.Delay.MarketSeconds*float64(time.Second)) {
		t.Errorf("market delay = %v, want %vs", market, cfg.Delay.MarketSeconds)
	}
	if limit <= market {
		t.Errorf("limit delay %v not above market %v", limit, market)
	}
	if twap != time.Duration(cfg.Delay.TWAPSliceSeconds*float64(time.Second)) {
		t.Errorf("twap slice delay = %v, want %vs", twap, cfg.Delay.TWAPSliceSeconds)
	}

	// 大单延迟放大
	large := e.executionDelay(domain.OrderTypeMarket, cfg.Delay.LargeOrder*10)
	if large != time.Duration(cfg.Delay.MarketSeconds*cfg.Delay.LargeFactor*float64(time.Second)) {
		t.Errorf("large delay = %v, want amplified by %v", large, cfg.Delay.LargeFactor)
	}
}

func TestTWAPExecutesInSlices(t *testing.T) {
	cfg := testCfg()
	cfg.Delay.TWAPSlices = 4
	e, _ := newTestEngine(t, cfg)

	o, err := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 100, Type: domain.OrderTypeTWAP,
	}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}

	// 每片 25，前三片后订单仍在 pending
	for i := 0; i < 3; i++ {
		res, err := e.ForceExecute(o.OrderID, 100, 0)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != domain.OrderStatusPartial {
			t.Fatalf("slice %d status = %s, want PARTIAL", i+1, res.Status)
		}
		if !almostEqual(res.FillQuantity, 25, 1e-9) {
			t.Errorf("slice %d quantity = %v, want 25", i+1, res.FillQuantity)
		}
		if _, pending := e.PendingOrder(o.OrderID); !pending {
			t.Fatalf("order left pending queue after slice %d", i+1)
		}
	}

	// 末片终结订单
	res, err := e.ForceExecute(o.OrderID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.OrderStatusFilled {
		t.Errorf("final status = %s, want FILLED", res.Status)
	}
	if !almostEqual(o.FilledQuantity, 100, 1e-9) {
		t.Errorf("cumulative fill = %v, want 100", o.FilledQuantity)
	}
	if _, pending := e.PendingOrder(o.OrderID); pending {
		t.Error("order still pending after final slice")
	}

	p := e.Portfolio()
	if got := p.PositionQuantity("SPY"); !almostEqual(got, 100, 1e-9) {
		t.Errorf("position = %v, want 100", got)
	}
}

func TestTWAPSlicePacing(t *testing.T) {
	cfg := testCfg()
	cfg.Delay.TWAPSlices = 2
	cfg.Delay.TWAPSliceSeconds = 60
	e, c := newTestEngine(t, cfg)

	o, err := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeTWAP,
	}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}

	prices := map[string]float64{"SPY": 100}
	vols := map[string]float64{"SPY": 0}

	// 第一片在一个分片间隔后到期
	c.t = o.ExecuteAfter.Add(time.Millisecond)
	if got := e.ProcessDue(prices, vols); len(got) != 1 {
		t.Fatalf("first slice: executed %d", len(got))
	}
	// 第二片要再等一个间隔
	if got := e.ProcessDue(prices, vols); len(got) != 0 {
		t.Fatalf("second slice ran before its interval")
	}
	c.t = c.t.Add(61 * time.Second)
	got := e.ProcessDue(prices, vols)
	if len(got) != 1 || got[0].Status != domain.OrderStatusFilled {
		t.Fatalf("second slice results = %+v", got)
	}
}

func TestForceExecuteAllDrainsPending(t *testing.T) {
	cfg := testCfg()
	cfg.Delay.TWAPSlices = 3
	e, _ := newTestEngine(t, cfg)

	if _, err := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeMarket,
	}, 100, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitOrder(&domain.Order{
		Symbol: "GLD", Side: domain.SideBuy, Quantity: 9, Type: domain.OrderTypeTWAP,
	}, 200, 0); err != nil {
		t.Fatal(err)
	}

	prices := map[string]float64{"SPY": 100, "GLD": 200}
	vols := map[string]float64{"SPY": 0, "GLD": 0}
	results := e.ForceExecuteAll(prices, vols)

	// 市价单 1 次 + TWAP 3 片
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	if e.Summary().PendingOrders != 0 {
		t.Errorf("pending = %d, want 0", e.Summary().PendingOrders)
	}
	p := e.Portfolio()
	if got := p.PositionQuantity("GLD"); !almostEqual(got, 9, 1e-9) {
		t.Errorf("GLD position = %v, want 9", got)
	}
}

func TestCancelPendingOrder(t *testing.T) {
	e, _ := newTestEngine(t, testCfg())

	o, _ := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeMarket,
	}, 100, 0)
	if err := e.CancelOrder(o.OrderID); err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s", o.Status)
	}
	if err := e.CancelOrder(o.OrderID); err == nil {
		t.Error("expected error cancelling twice")
	}
}

func TestCommissionAndRealizedPnL(t *testing.T) {
	cfg := testCfg()
	cfg.Slippage = config.SlippageConfig{} // 关闭滑点，校验精确数字
	e, _ := newTestEngine(t, cfg)

	buy, _ := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeMarket,
	}, 100, 0)
	resBuy, err := e.ForceExecute(buy.OrderID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	// 10 × 100 × 0.001 = 1.00
	if resBuy.Commission != 1 {
		t.Errorf("buy commission = %v, want 1", resBuy.Commission)
	}

	sell, _ := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideSell, Quantity: 10, Type: domain.OrderTypeMarket,
	}, 110, 0)
	resSell, err := e.ForceExecute(sell.OrderID, 110, 0)
	if err != nil {
		t.Fatal(err)
	}
	// 实现盈亏 = (110−100)×10 − 1.10 = 98.90
	p := e.Portfolio()
	if !almostEqual(p.RealizedPnL, 98.9, 1e-9) {
		t.Errorf("realized pnl = %v, want 98.9", p.RealizedPnL)
	}
	_ = resSell
}

func TestMarkToMarketAndDrawdown(t *testing.T) {
	cfg := testCfg()
	cfg.Slippage = config.SlippageConfig{}
	e, _ := newTestEngine(t, cfg)

	buy, _ := e.SubmitOrder(&domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 100, Type: domain.OrderTypeMarket,
	}, 100, 0)
	if _, err := e.ForceExecute(buy.OrderID, 100, 0); err != nil {
		t.Fatal(err)
	}

	navUp := e.MarkToMarket(map[string]float64{"SPY": 110})
	navDown := e.MarkToMarket(map[string]float64{"SPY": 90})
	if navUp <= navDown {
		t.Fatalf("nav up %v <= nav down %v", navUp, navDown)
	}

	p := e.Portfolio()
	wantDD := (navUp - navDown) / navUp
	if !almostEqual(p.Drawdown(), wantDD, 1e-9) {
		t.Errorf("drawdown = %v, want %v", p.Drawdown(), wantDD)
	}
	// 高水位单调：下跌不降 peak
	if p.PeakNAV != navUp {
		t.Errorf("peak = %v, want %v", p.PeakNAV, navUp)
	}
}
