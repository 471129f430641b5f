package main

import (
	"testing"

	"github.com/tradebot/golive/internal/domain"
	"github.com/tradebot/golive/internal/gates"
	"github.com/tradebot/golive/internal/monitor"
	"github.com/tradebot/golive/internal/paper"
	"github.com/tradebot/golive/internal/transition"
	"github.com/tradebot/golive/pkg/config"
)

// 日终流水线要真正喂出 NAV 历史，否则回撤触发器永远是 0
func TestCloseTradingDayFeedsMonitor(t *testing.T) {
	cfg := config.Default()
	engine := paper.NewEngine(cfg.Paper, nil)
	prices := paper.NewStaticPrices()
	perf := monitor.New(cfg.Monitor, nil)
	live := monitor.NewLiveMonitor(perf)
	trans := transition.NewManager(cfg.Transition, nil)
	gateSys := gates.New(cfg.Gates, perf, live, nil)

	// 建仓后压低价格，制造亏损日
	prices.Set("SPY", 100, 0.01)
	o, err := engine.SubmitOrder(&domain.Order{
		OrderID:  "d-1",
		Symbol:   "SPY",
		Side:     domain.SideBuy,
		Quantity: 100,
		Type:     domain.OrderTypeMarket,
	}, 100, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.ForceExecute(o.OrderID, 100, 0.01); err != nil {
		t.Fatal(err)
	}

	closeTradingDay(engine, prices, perf, live, trans, gateSys)
	if perf.TradingDays() != 1 {
		t.Fatalf("trading days = %d, want 1", perf.TradingDays())
	}

	prices.Set("SPY", 90, 0.01)
	ret := closeTradingDay(engine, prices, perf, live, trans, gateSys)
	if ret >= 0 {
		t.Fatalf("daily return = %v, want negative after price drop", ret)
	}
	if perf.CurrentDrawdown() <= 0 {
		t.Errorf("drawdown = %v, want > 0", perf.CurrentDrawdown())
	}
	if got := len(live.Snapshots()); got != 2 {
		t.Errorf("snapshots = %d, want 2", got)
	}
}
