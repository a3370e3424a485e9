package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"connector_go/internal/domain"
)

func newTestStore(t *testing.T) *OrderStore {
	t.Helper()
	store, err := NewOrderStore(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func storedOrder(id string, ts int64) *domain.Order {
	return domain.NewOrder(domain.OrderParams{
		ClientOrderID: id,
		TradingPair:   "BTC-USDT",
		TradeType:     domain.TradeTypeBuy,
		OrderType:     domain.OrderTypeLimit,
		Price:         decimal.NewFromInt(50000),
		Amount:        decimal.NewFromInt(1),
	}, ts)
}

func TestOrderStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	live := storedOrder("c-live", 1000)
	live.UpdateState(domain.StateOpen, 1100)
	live.RecordExchangeOrderID("x-1")
	live.ApplyFill(domain.Fill{
		TradeID:       "t-1",
		BaseAmount:    decimal.NewFromFloat(0.4),
		QuoteAmount:   decimal.NewFromInt(20000),
		Price:         decimal.NewFromInt(50000),
		FillUnixMilli: 1200,
	}, decimal.Zero)

	done := storedOrder("c-done", 1000)
	done.UpdateState(domain.StateFilled, 1300)

	if err := store.SaveOrder(ctx, live); err != nil {
		t.Fatalf("Failed to save live order: %v", err)
	}
	if err := store.SaveOrder(ctx, done); err != nil {
		t.Fatalf("Failed to save done order: %v", err)
	}

	loaded, err := store.LoadActiveOrders(ctx)
	if err != nil {
		t.Fatalf("Failed to load orders: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 active order, got %d", len(loaded))
	}

	got := loaded[0]
	if got.ClientOrderID != "c-live" || got.ExchangeOrderID != "x-1" {
		t.Errorf("loaded ids = %q/%q", got.ClientOrderID, got.ExchangeOrderID)
	}
	if got.CurrentState != domain.StatePartiallyFilled {
		t.Errorf("state = %s, want PARTIALLY_FILLED", got.CurrentState)
	}
	if !got.ExecutedAmountBase.Equal(decimal.NewFromFloat(0.4)) {
		t.Errorf("executed base = %s, want 0.4", got.ExecutedAmountBase)
	}
	if !got.HasFill("t-1") {
		t.Error("fill record lost across the round trip")
	}
}

func TestOrderStore_UpsertReplacesSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o := storedOrder("c-1", 1000)
	if err := store.SaveOrder(ctx, o); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	o.UpdateState(domain.StateCanceled, 2000)
	if err := store.SaveOrder(ctx, o); err != nil {
		t.Fatalf("Failed to re-save: %v", err)
	}

	loaded, err := store.LoadActiveOrders(ctx)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("terminal snapshot still listed as active: %+v", loaded)
	}
}

func TestOrderStore_PruneDone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	oldDone := storedOrder("c-old", 1000)
	oldDone.UpdateState(domain.StateFilled, 1000)
	newDone := storedOrder("c-new", 1000)
	newDone.UpdateState(domain.StateFilled, 5000)
	live := storedOrder("c-live", 500)

	for _, o := range []*domain.Order{oldDone, newDone, live} {
		if err := store.SaveOrder(ctx, o); err != nil {
			t.Fatalf("Failed to save %s: %v", o.ClientOrderID, err)
		}
	}

	pruned, err := store.PruneDone(ctx, 3000)
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1 (only the old terminal order)", pruned)
	}

	// The live order is never pruned, however old.
	loaded, err := store.LoadActiveOrders(ctx)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ClientOrderID != "c-live" {
		t.Errorf("active orders = %+v", loaded)
	}
}
