package domain

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// TradeType is the direction of an order.
type TradeType string

const (
	TradeTypeBuy  TradeType = "BUY"
	TradeTypeSell TradeType = "SELL"
)

// OrderType is the execution style requested by the caller.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
	OrderTypeRange      OrderType = "RANGE" // LP range position
)

// IsLimitKind reports whether the order rests at a caller-set price.
func (t OrderType) IsLimitKind() bool {
	return t == OrderTypeLimit || t == OrderTypeLimitMaker || t == OrderTypeRange
}

// OrderState is a node in the order lifecycle state machine.
type OrderState string

const (
	StatePendingCreate   OrderState = "PENDING_CREATE"
	StateOpen            OrderState = "OPEN"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StatePendingCancel   OrderState = "PENDING_CANCEL"
	StateFilled          OrderState = "FILLED"
	StateCanceled        OrderState = "CANCELED"
	StateFailed          OrderState = "FAILED"
	StateExpired         OrderState = "EXPIRED"
)

// IsTerminal reports whether no further mutation is permitted in this state.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateFailed, StateExpired:
		return true
	}
	return false
}

// rank orders the non-terminal states along the progression
// PENDING_CREATE < OPEN < PARTIALLY_FILLED < PENDING_CANCEL.
// A stale poll result can never move an order backwards along this chain.
func (s OrderState) rank() int {
	switch s {
	case StatePendingCreate:
		return 0
	case StateOpen:
		return 1
	case StatePartiallyFilled:
		return 2
	case StatePendingCancel:
		return 3
	default:
		return 4 // terminal
	}
}

// TradeFee is the fee charged on a single fill.
type TradeFee struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Fill is one venue-reported execution, unique per trade id.
type Fill struct {
	TradeID       string          `json:"trade_id"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	QuoteAmount   decimal.Decimal `json:"quote_amount"`
	Price         decimal.Decimal `json:"price"`
	Fee           TradeFee        `json:"fee"`
	FillUnixMilli int64           `json:"fill_ts"`
}

// OrderParams carries the immutable terms for a new order.
type OrderParams struct {
	ClientOrderID string
	TradingPair   string
	TradeType     TradeType
	OrderType     OrderType
	Price         decimal.Decimal
	Amount        decimal.Decimal
}

// Order is the locally-consistent view of one in-flight order.
// Identity and terms are immutable after creation; accounting fields are
// mutated exclusively by the tracker, which serializes access per order.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string // assigned by the venue, may arrive late or never

	TradingPair       string
	TradeType         TradeType
	OrderType         OrderType
	Price             decimal.Decimal
	Amount            decimal.Decimal
	CreationUnixMilli int64

	CurrentState        OrderState
	ExecutedAmountBase  decimal.Decimal
	ExecutedAmountQuote decimal.Decimal
	LastUpdateUnixMilli int64

	fills             map[string]Fill
	completionEmitted bool
}

// NewOrder creates a tracked order in PENDING_CREATE.
func NewOrder(p OrderParams, nowUnixMilli int64) *Order {
	return &Order{
		ClientOrderID:       p.ClientOrderID,
		TradingPair:         p.TradingPair,
		TradeType:           p.TradeType,
		OrderType:           p.OrderType,
		Price:               p.Price,
		Amount:              p.Amount,
		CreationUnixMilli:   nowUnixMilli,
		CurrentState:        StatePendingCreate,
		ExecutedAmountBase:  decimal.Zero,
		ExecutedAmountQuote: decimal.Zero,
		LastUpdateUnixMilli: nowUnixMilli,
		fills:               make(map[string]Fill),
	}
}

// IsDone reports whether the order reached a terminal state.
func (o *Order) IsDone() bool { return o.CurrentState.IsTerminal() }

// IsOpen reports whether the order is live on the venue.
func (o *Order) IsOpen() bool {
	switch o.CurrentState {
	case StateOpen, StatePartiallyFilled, StatePendingCancel:
		return true
	}
	return false
}

// RecordExchangeOrderID stores the venue id on first sight from either
// channel. A later conflicting id is ignored.
func (o *Order) RecordExchangeOrderID(id string) {
	if o.ExchangeOrderID == "" && id != "" {
		o.ExchangeOrderID = id
	}
}

// UpdateState applies the monotonic transition rule. A transition is accepted
// only if the new state is not behind the current state in the progression
// rank, or it is a terminal state arriving while the order is still live.
// Returns false for rejected (stale or post-terminal) transitions.
func (o *Order) UpdateState(next OrderState, tsUnixMilli int64) bool {
	if o.CurrentState.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		o.CurrentState = next
		o.touch(tsUnixMilli)
		return true
	}
	if next != o.CurrentState && next.rank() <= o.CurrentState.rank() {
		return false
	}
	o.CurrentState = next
	o.touch(tsUnixMilli)
	return true
}

// ApplyFill inserts a fill keyed by trade id and recomputes the executed
// amounts as the sum over the fill map. A duplicate trade id is a no-op,
// since both polling and streaming can deliver the same fill.
//
// tolerance is the fraction of Amount that may remain unfilled for the order
// to still count as complete (zero by default). Returns whether the fill was
// applied and whether it completed the order; completion is reported at most
// once per order.
func (o *Order) ApplyFill(f Fill, tolerance decimal.Decimal) (applied, completed bool) {
	if o.CurrentState.IsTerminal() {
		return false, false
	}
	if _, dup := o.fills[f.TradeID]; dup {
		return false, false
	}
	o.fills[f.TradeID] = f
	o.recomputeExecuted()
	o.touch(f.FillUnixMilli)

	threshold := o.Amount.Mul(decimal.NewFromInt(1).Sub(tolerance))
	if o.Amount.IsPositive() && o.ExecutedAmountBase.GreaterThanOrEqual(threshold) {
		o.CurrentState = StateFilled
	} else if o.CurrentState.rank() < StatePartiallyFilled.rank() {
		o.CurrentState = StatePartiallyFilled
	}
	return true, o.CurrentState == StateFilled && o.markCompletionEmitted()
}

// MarkCompletionEmitted flags the one-shot completion notification for orders
// that reach FILLED through an order update rather than a fill. Returns false
// if the notification was already emitted.
func (o *Order) MarkCompletionEmitted() bool {
	if o.CurrentState != StateFilled {
		return false
	}
	return o.markCompletionEmitted()
}

func (o *Order) markCompletionEmitted() bool {
	if o.completionEmitted {
		return false
	}
	o.completionEmitted = true
	return true
}

func (o *Order) recomputeExecuted() {
	base, quote := decimal.Zero, decimal.Zero
	for _, f := range o.fills {
		base = base.Add(f.BaseAmount)
		quote = quote.Add(f.QuoteAmount)
	}
	o.ExecutedAmountBase = base
	o.ExecutedAmountQuote = quote
}

func (o *Order) touch(tsUnixMilli int64) {
	if tsUnixMilli > o.LastUpdateUnixMilli {
		o.LastUpdateUnixMilli = tsUnixMilli
	}
}

// HasFill reports whether a trade id has already been accounted for.
func (o *Order) HasFill(tradeID string) bool {
	_, ok := o.fills[tradeID]
	return ok
}

// Fills returns the recorded fills sorted by trade id.
func (o *Order) Fills() []Fill {
	out := make([]Fill, 0, len(o.fills))
	for _, f := range o.fills {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out
}

// Copy returns a deep snapshot safe for external readers.
func (o *Order) Copy() *Order {
	dup := *o
	dup.fills = make(map[string]Fill, len(o.fills))
	for k, v := range o.fills {
		dup.fills[k] = v
	}
	return &dup
}

// orderJSON is the persisted shape; it round-trips every field, including
// the fill map and the completion flag.
type orderJSON struct {
	ClientOrderID       string          `json:"client_order_id"`
	ExchangeOrderID     string          `json:"exchange_order_id,omitempty"`
	TradingPair         string          `json:"trading_pair"`
	TradeType           TradeType       `json:"trade_type"`
	OrderType           OrderType       `json:"order_type"`
	Price               decimal.Decimal `json:"price"`
	Amount              decimal.Decimal `json:"amount"`
	CreationUnixMilli   int64           `json:"creation_ts"`
	CurrentState        OrderState      `json:"current_state"`
	ExecutedAmountBase  decimal.Decimal `json:"executed_amount_base"`
	ExecutedAmountQuote decimal.Decimal `json:"executed_amount_quote"`
	LastUpdateUnixMilli int64           `json:"last_update_ts"`
	Fills               map[string]Fill `json:"order_fills"`
	CompletionEmitted   bool            `json:"completion_emitted"`
}

// MarshalJSON implements json.Marshaler.
func (o *Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderJSON{
		ClientOrderID:       o.ClientOrderID,
		ExchangeOrderID:     o.ExchangeOrderID,
		TradingPair:         o.TradingPair,
		TradeType:           o.TradeType,
		OrderType:           o.OrderType,
		Price:               o.Price,
		Amount:              o.Amount,
		CreationUnixMilli:   o.CreationUnixMilli,
		CurrentState:        o.CurrentState,
		ExecutedAmountBase:  o.ExecutedAmountBase,
		ExecutedAmountQuote: o.ExecutedAmountQuote,
		LastUpdateUnixMilli: o.LastUpdateUnixMilli,
		Fills:               o.fills,
		CompletionEmitted:   o.completionEmitted,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Order) UnmarshalJSON(data []byte) error {
	var w orderJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode order: %w", err)
	}
	o.ClientOrderID = w.ClientOrderID
	o.ExchangeOrderID = w.ExchangeOrderID
	o.TradingPair = w.TradingPair
	o.TradeType = w.TradeType
	o.OrderType = w.OrderType
	o.Price = w.Price
	o.Amount = w.Amount
	o.CreationUnixMilli = w.CreationUnixMilli
	o.CurrentState = w.CurrentState
	o.ExecutedAmountBase = w.ExecutedAmountBase
	o.ExecutedAmountQuote = w.ExecutedAmountQuote
	o.LastUpdateUnixMilli = w.LastUpdateUnixMilli
	o.fills = w.Fills
	if o.fills == nil {
		o.fills = make(map[string]Fill)
	}
	o.completionEmitted = w.CompletionEmitted
	return nil
}
