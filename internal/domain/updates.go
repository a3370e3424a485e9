package domain

import "github.com/shopspring/decimal"

// OrderUpdate is a venue-reported state change, produced by wire-format
// collaborators from either the REST poll or the push channel.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string // optional; push channels sometimes only know this
	NewState        OrderState
	UpdateUnixMilli int64
}

// TradeUpdate is a venue-reported execution of an order.
type TradeUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradeID         string
	FillBaseAmount  decimal.Decimal
	FillQuoteAmount decimal.Decimal
	FillPrice       decimal.Decimal
	Fee             TradeFee
	FillUnixMilli   int64
}

// Fill converts the update into the order-level fill record.
func (t TradeUpdate) Fill() Fill {
	return Fill{
		TradeID:       t.TradeID,
		BaseAmount:    t.FillBaseAmount,
		QuoteAmount:   t.FillQuoteAmount,
		Price:         t.FillPrice,
		Fee:           t.Fee,
		FillUnixMilli: t.FillUnixMilli,
	}
}

// CancellationResult is the per-order outcome of a cancel-all sweep.
// Success false means the cancel was not confirmed within the deadline;
// the order remains tracked.
type CancellationResult struct {
	ClientOrderID string
	Success       bool
	Err           error
}

// OrderEventType labels notifications on the tracker's event channel.
type OrderEventType string

const (
	EventOrderCreated   OrderEventType = "ORDER_CREATED"
	EventOrderFilled    OrderEventType = "ORDER_FILLED"    // one fill applied
	EventOrderCompleted OrderEventType = "ORDER_COMPLETED" // fully filled, once
	EventOrderCanceled  OrderEventType = "ORDER_CANCELED"
	EventOrderFailed    OrderEventType = "ORDER_FAILED"
	EventOrderExpired   OrderEventType = "ORDER_EXPIRED"
)

// OrderEvent is the single uniform notification shape observed by the
// strategy layer, regardless of venue type or failure cause.
type OrderEvent struct {
	Type          OrderEventType
	ClientOrderID string
	Order         *Order // snapshot; nil for failures of never-tracked ids
	Fill          *Fill  // set for EventOrderFilled
	TsUnixMilli   int64
}
