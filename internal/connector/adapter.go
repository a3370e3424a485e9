package connector

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"connector_go/internal/domain"
)

// ErrOrderNotFound is returned by FetchOrderStatus when the venue reports
// that the order does not exist. The facade feeds it into the tracker's
// lost-order quarantine instead of failing the order outright.
var ErrOrderNotFound = errors.New("order not found on venue")

// ParsedMessage is the venue-neutral content of one push frame. A frame the
// adapter does not care about parses to the zero value.
type ParsedMessage struct {
	OrderUpdates []domain.OrderUpdate
	TradeUpdates []domain.TradeUpdate
}

// Adapter is the capability interface every venue integration implements.
// Adapters own wire formats and signing; they produce and consume only the
// neutral update shapes, so the core never branches on venue identity.
type Adapter interface {
	Name() string

	// Push channel.
	StreamURL() string
	Subscribe(ctx context.Context, conn *websocket.Conn) error
	Ping(ctx context.Context, conn *websocket.Conn) error
	ParseMessage(msg []byte) (ParsedMessage, error)

	// Order submission.
	PlaceOrder(ctx context.Context, o *domain.Order) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, o *domain.Order) error

	// REST poll. Returns ErrOrderNotFound when the venue does not know the
	// order.
	FetchOrderStatus(ctx context.Context, o *domain.Order) (domain.OrderUpdate, []domain.TradeUpdate, error)
}
