package archive

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradebot/golive/internal/domain"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func terminalOrder(id string) *domain.Order {
	now := time.Now().Truncate(time.Second)
	return &domain.Order{
		OrderID:        id,
		Symbol:         "SPY",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeMarket,
		Quantity:       10,
		FilledQuantity: 10,
		FilledPrice:    450.25,
		Commission:     4.5,
		Status:         domain.OrderStatusFilled,
		Broker:         "alpaca",
		Reason:         "rebalance",
		SubmittedAt:    now,
		FilledAt:       &now,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	in := terminalOrder("o-1")
	require.NoError(t, s.SaveOrder(ctx, in))

	out, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, in.Symbol, out.Symbol)
	assert.Equal(t, in.FilledPrice, out.FilledPrice)
	assert.Equal(t, in.Status, out.Status)
	assert.NotNil(t, out.FilledAt, "filled_at lost in round trip")
}

func TestSaveRejectsNonTerminal(t *testing.T) {
	s := openMem(t)
	o := terminalOrder("o-2")
	o.Status = domain.OrderStatusSubmitted
	assert.Error(t, s.SaveOrder(context.Background(), o))
}

func TestSaveIsIdempotent(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	o := terminalOrder("o-3")
	require.NoError(t, s.SaveOrder(ctx, o))
	o.FilledPrice = 451
	require.NoError(t, s.SaveOrder(ctx, o))

	got, err := s.GetOrder(ctx, "o-3")
	require.NoError(t, err)
	assert.Equal(t, 451.0, got.FilledPrice, "upsert should update in place")

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.OrderStatusFilled])
}

func TestGetMissingOrder(t *testing.T) {
	s := openMem(t)
	_, err := s.GetOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListBySymbol(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		o := terminalOrder(id)
		o.SubmittedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveOrder(ctx, o))
	}
	other := terminalOrder("d")
	other.Symbol = "GLD"
	require.NoError(t, s.SaveOrder(ctx, other))

	got, err := s.ListBySymbol(ctx, "SPY", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// 最新在前
	assert.Equal(t, "c", got[0].OrderID)
}
