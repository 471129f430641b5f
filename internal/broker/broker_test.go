package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tradebot/golive/internal/domain"
)

func TestFactoryUnknownVenue(t *testing.T) {
	if _, err := New("kraken", VenueConfig{Simulated: true}); err == nil {
		t.Fatal("expected error for unknown venue")
	}
	if _, err := New("kraken", VenueConfig{}); err == nil {
		t.Fatal("expected error for unknown live venue")
	}
}

func TestFactorySimulated(t *testing.T) {
	for _, venue := range []string{VenueAlpaca, VenueBinance, VenueIBKR} {
		a, err := New(venue, VenueConfig{Simulated: true})
		if err != nil {
			t.Fatalf("New(%s): %v", venue, err)
		}
		if a.Name() != venue+"-sim" {
			t.Errorf("Name() = %q, want %q", a.Name(), venue+"-sim")
		}
	}
}

func TestSimSubmitAndFill(t *testing.T) {
	ctx := context.Background()
	sim := newSimAdapter(VenueAlpaca)
	if err := sim.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	sim.SetReferencePrice("SPY", 450)

	resp, err := sim.SubmitOrder(ctx, &domain.Order{
		OrderID:  "o-1",
		Symbol:   "SPY",
		Side:     domain.SideBuy,
		Quantity: 10,
		Type:     domain.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if resp.Status != domain.OrderStatusFilled {
		t.Fatalf("status = %s, want FILLED", resp.Status)
	}
	if resp.BrokerOrderID != "SIM-ALPACA-000001" {
		t.Errorf("broker order id = %q", resp.BrokerOrderID)
	}

	info, err := sim.AccountInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Cash; got != 1_000_000-10*450 {
		t.Errorf("cash after fill = %v", got)
	}
	pos, ok := info.Positions["SPY"]
	if !ok || pos.Quantity != 10 {
		t.Errorf("position = %+v", pos)
	}

	// 状态查询返回已缓存的终态
	st, err := sim.OrderStatus(ctx, resp.BrokerOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != domain.OrderStatusFilled {
		t.Errorf("OrderStatus = %s", st.Status)
	}
}

func TestSimRejectsInvalidOrder(t *testing.T) {
	ctx := context.Background()
	sim := newSimAdapter(VenueBinance)
	if err := sim.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	resp, err := sim.SubmitOrder(ctx, &domain.Order{
		OrderID:  "o-bad",
		Symbol:   "BTC-USD",
		Side:     domain.SideBuy,
		Quantity: 1,
		Type:     domain.OrderTypeLimit, // 缺 limit price
	})
	if err != nil {
		t.Fatalf("rejection must not be a transport error, got %v", err)
	}
	if resp.Status != domain.OrderStatusRejected {
		t.Fatalf("status = %s, want REJECTED", resp.Status)
	}
}

func TestSimNotConnectedIsTransport(t *testing.T) {
	sim := newSimAdapter(VenueIBKR)
	_, err := sim.SubmitOrder(context.Background(), &domain.Order{
		OrderID:  "o-2",
		Symbol:   "EWJ",
		Side:     domain.SideBuy,
		Quantity: 5,
		Type:     domain.OrderTypeMarket,
	})
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestSimPositionCallback(t *testing.T) {
	ctx := context.Background()
	sim := newSimAdapter(VenueAlpaca)
	if err := sim.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	var got map[string]*domain.Position
	if err := sim.SubscribePositions(ctx, func(p map[string]*domain.Position) { got = p }); err != nil {
		t.Fatal(err)
	}

	_, err := sim.SubmitOrder(ctx, &domain.Order{
		OrderID:  "o-3",
		Symbol:   "GLD",
		Side:     domain.SideBuy,
		Quantity: 3,
		Type:     domain.OrderTypeMarket,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got["GLD"] == nil || got["GLD"].Quantity != 3 {
		t.Errorf("callback snapshot = %+v", got)
	}
}

func TestAlpacaAuthRejectionNotTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"forbidden"}`))
	}))
	defer srv.Close()

	a := newAlpacaAdapter(VenueConfig{APIKey: "k", SecretKey: "s", BaseURL: srv.URL})
	_, err := a.AccountInfo(context.Background())
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	// 凭证被拒是终态，不允许 OMS 当 transport 故障重试
	if IsTransport(err) {
		t.Fatalf("auth rejection classified as transport: %v", err)
	}
}

func TestAlpacaUnreachableIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // 立即关掉，制造连接失败

	a := newAlpacaAdapter(VenueConfig{APIKey: "k", SecretKey: "s", BaseURL: srv.URL})
	_, err := a.AccountInfo(context.Background())
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestBinanceSymbolMapping(t *testing.T) {
	cases := map[string]string{
		"BTC-USD":  "BTCUSDT",
		"ETH/USD":  "ETHUSDT",
		"SOL-USDT": "SOLUSDT",
		"BTCUSDT":  "BTCUSDT",
		"DOGE":     "DOGEUSDT",
	}
	for in, want := range cases {
		if got := binanceSymbol(in); got != want {
			t.Errorf("binanceSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusMappings(t *testing.T) {
	if mapAlpacaStatus("partially_filled") != domain.OrderStatusPartial {
		t.Error("alpaca partially_filled")
	}
	if mapAlpacaStatus("rejected") != domain.OrderStatusRejected {
		t.Error("alpaca rejected")
	}
	if mapBinanceStatus("FILLED") != domain.OrderStatusFilled {
		t.Error("binance FILLED")
	}
	if mapIBKRStatus("Inactive") != domain.OrderStatusRejected {
		t.Error("ibkr Inactive")
	}
}
