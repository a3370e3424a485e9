package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestOrder() *Order {
	return NewOrder(OrderParams{
		ClientOrderID: "c-1",
		TradingPair:   "BTC-USDT",
		TradeType:     TradeTypeBuy,
		OrderType:     OrderTypeLimit,
		Price:         decimal.NewFromInt(50000),
		Amount:        decimal.NewFromInt(2),
	}, 1000)
}

func fill(tradeID string, base, quote int64) Fill {
	return Fill{
		TradeID:       tradeID,
		BaseAmount:    decimal.NewFromInt(base),
		QuoteAmount:   decimal.NewFromInt(quote),
		Price:         decimal.NewFromInt(quote).Div(decimal.NewFromInt(base)),
		Fee:           TradeFee{Asset: "USDT", Amount: decimal.NewFromInt(1)},
		FillUnixMilli: 2000,
	}
}

func TestOrderState_IsTerminal(t *testing.T) {
	tests := []struct {
		state OrderState
		want  bool
	}{
		{StatePendingCreate, false},
		{StateOpen, false},
		{StatePartiallyFilled, false},
		{StatePendingCancel, false},
		{StateFilled, true},
		{StateCanceled, true},
		{StateFailed, true},
		{StateExpired, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrder_UpdateState(t *testing.T) {
	t.Run("Forward Progression", func(t *testing.T) {
		o := newTestOrder()
		for _, s := range []OrderState{StateOpen, StatePartiallyFilled, StatePendingCancel, StateCanceled} {
			if !o.UpdateState(s, 2000) {
				t.Fatalf("transition to %s rejected", s)
			}
		}
	})

	t.Run("Stale Update Rejected", func(t *testing.T) {
		o := newTestOrder()
		o.UpdateState(StatePartiallyFilled, 2000)
		if o.UpdateState(StateOpen, 2100) {
			t.Error("OPEN after PARTIALLY_FILLED should be rejected")
		}
		if o.CurrentState != StatePartiallyFilled {
			t.Errorf("state = %s, want PARTIALLY_FILLED", o.CurrentState)
		}
	})

	t.Run("Stale Poll After Terminal", func(t *testing.T) {
		o := newTestOrder()
		o.UpdateState(StateFilled, 2000)
		if o.UpdateState(StateOpen, 2100) {
			t.Error("OPEN after FILLED should be rejected")
		}
		if o.UpdateState(StateCanceled, 2200) {
			t.Error("terminal state must not be overwritten by another terminal")
		}
		if o.CurrentState != StateFilled {
			t.Errorf("state = %s, want FILLED", o.CurrentState)
		}
	})

	t.Run("Terminal From Any Live State", func(t *testing.T) {
		o := newTestOrder()
		if !o.UpdateState(StateExpired, 2000) {
			t.Error("EXPIRED from PENDING_CREATE should be accepted")
		}
	})
}

func TestOrder_ApplyFill(t *testing.T) {
	t.Run("Idempotent By Trade ID", func(t *testing.T) {
		o := newTestOrder()
		if applied, _ := o.ApplyFill(fill("t1", 1, 50000), decimal.Zero); !applied {
			t.Fatal("first fill should apply")
		}
		if applied, _ := o.ApplyFill(fill("t1", 1, 50000), decimal.Zero); applied {
			t.Error("duplicate trade id must be a no-op")
		}
		if !o.ExecutedAmountBase.Equal(decimal.NewFromInt(1)) {
			t.Errorf("executed base = %s, want 1", o.ExecutedAmountBase)
		}
	})

	t.Run("Partial Then Complete", func(t *testing.T) {
		o := newTestOrder()
		o.ApplyFill(fill("t1", 1, 50000), decimal.Zero)
		if o.CurrentState != StatePartiallyFilled {
			t.Errorf("state = %s, want PARTIALLY_FILLED", o.CurrentState)
		}
		_, completed := o.ApplyFill(fill("t2", 1, 50000), decimal.Zero)
		if !completed {
			t.Error("second fill should complete the order")
		}
		if o.CurrentState != StateFilled {
			t.Errorf("state = %s, want FILLED", o.CurrentState)
		}
	})

	t.Run("Completion Emitted Exactly Once", func(t *testing.T) {
		o := newTestOrder()
		_, completed := o.ApplyFill(fill("t1", 2, 100000), decimal.Zero)
		if !completed {
			t.Fatal("full fill should complete")
		}
		if o.MarkCompletionEmitted() {
			t.Error("completion must not be emitted twice")
		}
	})

	t.Run("Tolerance Band", func(t *testing.T) {
		o := newTestOrder()
		// 1% tolerance: 1.98 of 2 counts as complete.
		tol := decimal.NewFromFloat(0.01)
		_, completed := o.ApplyFill(Fill{
			TradeID:    "t1",
			BaseAmount: decimal.NewFromFloat(1.98),
		}, tol)
		if !completed {
			t.Error("fill within tolerance should complete the order")
		}
	})

	t.Run("No Mutation After Terminal", func(t *testing.T) {
		o := newTestOrder()
		o.UpdateState(StateCanceled, 2000)
		if applied, _ := o.ApplyFill(fill("t9", 1, 50000), decimal.Zero); applied {
			t.Error("fill on terminal order must be dropped")
		}
	})
}

// Applying the same update set in any interleaving must converge to the same
// terminal snapshot.
func TestOrder_ConvergenceUnderReordering(t *testing.T) {
	fills := []Fill{fill("t1", 1, 50000), fill("t2", 1, 50000)}
	states := []OrderState{StateOpen, StateFilled}

	type op struct {
		f *Fill
		s OrderState
	}
	ops := []op{{f: &fills[0]}, {f: &fills[1]}, {s: states[0]}, {s: states[1]}}

	var perms [][]int
	var permute func(cur []int, rest []int)
	permute = func(cur []int, rest []int) {
		if len(rest) == 0 {
			perms = append(perms, append([]int(nil), cur...))
			return
		}
		for i := range rest {
			next := append(append([]int(nil), rest[:i]...), rest[i+1:]...)
			permute(append(cur, rest[i]), next)
		}
	}
	permute(nil, []int{0, 1, 2, 3})

	for _, perm := range perms {
		o := newTestOrder()
		for _, idx := range perm {
			if ops[idx].f != nil {
				o.ApplyFill(*ops[idx].f, decimal.Zero)
			} else {
				o.UpdateState(ops[idx].s, 2000)
			}
		}
		if o.CurrentState != StateFilled {
			t.Fatalf("perm %v: state = %s, want FILLED", perm, o.CurrentState)
		}
		if !o.ExecutedAmountBase.Equal(decimal.NewFromInt(2)) {
			t.Fatalf("perm %v: executed base = %s, want 2", perm, o.ExecutedAmountBase)
		}
		if len(o.Fills()) != 2 {
			t.Fatalf("perm %v: fills = %d, want 2", perm, len(o.Fills()))
		}
	}
}

func TestOrder_JSONRoundTrip(t *testing.T) {
	o := newTestOrder()
	o.RecordExchangeOrderID("x-77")
	o.ApplyFill(fill("t1", 1, 50000), decimal.Zero)
	o.ApplyFill(fill("t2", 1, 50000), decimal.Zero)

	data, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored Order
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if restored.ClientOrderID != o.ClientOrderID ||
		restored.ExchangeOrderID != "x-77" ||
		restored.CurrentState != StateFilled ||
		!restored.ExecutedAmountBase.Equal(o.ExecutedAmountBase) ||
		!restored.ExecutedAmountQuote.Equal(o.ExecutedAmountQuote) ||
		len(restored.Fills()) != 2 {
		t.Errorf("round trip lost fields: %+v", restored)
	}
	if restored.MarkCompletionEmitted() {
		t.Error("completion flag must survive the round trip")
	}
}
