package paper

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/tradebot/golive/internal/broker"
	"github.com/tradebot/golive/internal/domain"
)

func TestBridgeSubmitAndStatus(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	e := NewEngine(testCfg(), nil, WithClock(c.now), WithRand(rand.New(rand.NewSource(1))))

	prices := NewStaticPrices()
	prices.Set("SPY", 450, 0.01)
	b := NewBridge(e, prices)

	resp, err := b.SubmitOrder(ctx, &domain.Order{
		Symbol: "SPY", Side: domain.SideBuy, Quantity: 10, Type: domain.OrderTypeMarket,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != domain.OrderStatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", resp.Status)
	}

	st, err := b.OrderStatus(ctx, resp.BrokerOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.OrderStatusPending {
		t.Errorf("pending status = %s", st.Status)
	}

	// 推进时钟后 Tick 应当成交
	c.t = c.t.Add(time.Minute)
	results := b.Tick()
	if len(results) != 1 {
		t.Fatalf("tick executed %d, want 1", len(results))
	}

	st, err = b.OrderStatus(ctx, resp.BrokerOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.OrderStatusFilled {
		t.Errorf("final status = %s", st.Status)
	}
}

func TestBridgeMissingPriceIsTransport(t *testing.T) {
	e := NewEngine(testCfg(), nil)
	b := NewBridge(e, NewStaticPrices())

	_, err := b.SubmitOrder(context.Background(), &domain.Order{
		Symbol: "XYZ", Side: domain.SideBuy, Quantity: 1, Type: domain.OrderTypeMarket,
	})
	if !broker.IsTransport(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
}

func TestBridgePositionCallbackOnTick(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	e := NewEngine(testCfg(), nil, WithClock(c.now), WithRand(rand.New(rand.NewSource(1))))
	prices := NewStaticPrices()
	prices.Set("GLD", 200, 0)
	b := NewBridge(e, prices)

	var got map[string]*domain.Position
	if err := b.SubscribePositions(context.Background(), func(p map[string]*domain.Position) { got = p }); err != nil {
		t.Fatal(err)
	}

	if _, err := b.SubmitOrder(context.Background(), &domain.Order{
		Symbol: "GLD", Side: domain.SideBuy, Quantity: 5, Type: domain.OrderTypeMarket,
	}); err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(time.Minute)
	b.Tick()

	if got == nil || got["GLD"] == nil || got["GLD"].Quantity != 5 {
		t.Errorf("callback snapshot = %+v", got)
	}
}
