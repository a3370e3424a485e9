// Package binance adapts the Binance spot API to the connector's neutral
// update shapes. It is the reference venue integration: everything
// exchange-specific (payloads, status names, error codes) stays in here.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"connector_go/internal/connector"
	"connector_go/internal/domain"
)

const (
	streamBase = "wss://stream.binance.com:9443/ws/"

	// Binance error code for "Order does not exist."
	codeOrderNotFound = -2013
)

// Adapter implements connector.Adapter for Binance spot.
type Adapter struct {
	client    *binance.Client
	listenKey string
}

// NewAdapter creates the adapter. The listen key must be obtained before the
// push channel can be used; PrepareStream does that.
func NewAdapter(apiKey, secretKey string) *Adapter {
	return &Adapter{client: binance.NewClient(apiKey, secretKey)}
}

// Name implements connector.Adapter.
func (a *Adapter) Name() string { return "binance" }

// PrepareStream obtains the user-data listen key that scopes the push
// channel to this account.
func (a *Adapter) PrepareStream(ctx context.Context) error {
	key, err := a.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}
	a.listenKey = key
	return nil
}

// StreamURL implements connector.Adapter.
func (a *Adapter) StreamURL() string {
	if a.listenKey == "" {
		return ""
	}
	return streamBase + a.listenKey
}

// Subscribe implements connector.Adapter. The user-data stream is already
// scoped by the listen key; no subscription frame is needed.
func (a *Adapter) Subscribe(ctx context.Context, conn *websocket.Conn) error {
	return nil
}

// Ping implements connector.Adapter. Binance expects the listen key to be
// kept alive server-side; the frame-level ping is handled by the worker.
func (a *Adapter) Ping(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return err
	}
	return a.client.NewKeepaliveUserStreamService().ListenKey(a.listenKey).Do(ctx)
}

// executionReport is the user-stream order event payload.
type executionReport struct {
	EventType       string      `json:"e"`
	EventTime       int64       `json:"E"`
	ClientOrderID   string      `json:"c"`
	OrigClientID    string      `json:"C"` // set on cancels, carries the original id
	OrderID         int64       `json:"i"`
	OrderStatus     string      `json:"X"`
	TradeID         int64       `json:"t"`
	LastFilledQty   json.Number `json:"l"`
	LastFilledPrice json.Number `json:"L"`
	LastQuoteQty    json.Number `json:"Y"`
	Commission      json.Number `json:"n"`
	CommissionAsset string      `json:"N"`
	TransactTime    int64       `json:"T"`
}

// ParseMessage implements connector.Adapter. Frames other than execution
// reports parse to an empty message.
func (a *Adapter) ParseMessage(msg []byte) (connector.ParsedMessage, error) {
	var report executionReport
	if err := json.Unmarshal(msg, &report); err != nil {
		return connector.ParsedMessage{}, fmt.Errorf("decode user stream frame: %w", err)
	}
	if report.EventType != "executionReport" {
		return connector.ParsedMessage{}, nil
	}

	clientID := report.ClientOrderID
	if report.OrigClientID != "" {
		clientID = report.OrigClientID
	}
	exchangeID := strconv.FormatInt(report.OrderID, 10)

	parsed := connector.ParsedMessage{}
	if report.TradeID > 0 {
		parsed.TradeUpdates = append(parsed.TradeUpdates, domain.TradeUpdate{
			ClientOrderID:   clientID,
			ExchangeOrderID: exchangeID,
			TradeID:         strconv.FormatInt(report.TradeID, 10),
			FillBaseAmount:  decimalFromNumber(report.LastFilledQty),
			FillQuoteAmount: decimalFromNumber(report.LastQuoteQty),
			FillPrice:       decimalFromNumber(report.LastFilledPrice),
			Fee: domain.TradeFee{
				Asset:  report.CommissionAsset,
				Amount: decimalFromNumber(report.Commission),
			},
			FillUnixMilli: report.TransactTime,
		})
	}
	if state, ok := stateFromStatus(report.OrderStatus); ok {
		parsed.OrderUpdates = append(parsed.OrderUpdates, domain.OrderUpdate{
			ClientOrderID:   clientID,
			ExchangeOrderID: exchangeID,
			NewState:        state,
			UpdateUnixMilli: report.TransactTime,
		})
	}
	return parsed, nil
}

// PlaceOrder implements connector.Adapter.
func (a *Adapter) PlaceOrder(ctx context.Context, o *domain.Order) (string, error) {
	orderType, err := orderTypeFor(o.OrderType)
	if err != nil {
		return "", err
	}

	svc := a.client.NewCreateOrderService().
		Symbol(venueSymbol(o.TradingPair)).
		Side(sideFor(o.TradeType)).
		Type(orderType).
		Quantity(o.Amount.String()).
		NewClientOrderID(o.ClientOrderID)

	if o.OrderType != domain.OrderTypeMarket {
		svc = svc.Price(o.Price.String())
	}
	if o.OrderType == domain.OrderTypeLimit {
		svc = svc.TimeInForce(binance.TimeInForceTypeGTC)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

// CancelOrder implements connector.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, o *domain.Order) error {
	_, err := a.client.NewCancelOrderService().
		Symbol(venueSymbol(o.TradingPair)).
		OrigClientOrderID(o.ClientOrderID).
		Do(ctx)
	if isNotFound(err) {
		return fmt.Errorf("cancel %s: %w", o.ClientOrderID, connector.ErrOrderNotFound)
	}
	return err
}

// FetchOrderStatus implements connector.Adapter.
func (a *Adapter) FetchOrderStatus(ctx context.Context, o *domain.Order) (domain.OrderUpdate, []domain.TradeUpdate, error) {
	res, err := a.client.NewGetOrderService().
		Symbol(venueSymbol(o.TradingPair)).
		OrigClientOrderID(o.ClientOrderID).
		Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return domain.OrderUpdate{}, nil, fmt.Errorf("status %s: %w", o.ClientOrderID, connector.ErrOrderNotFound)
		}
		return domain.OrderUpdate{}, nil, err
	}

	state, ok := stateFromStatus(string(res.Status))
	if !ok {
		return domain.OrderUpdate{}, nil, fmt.Errorf("unknown order status %q", res.Status)
	}
	update := domain.OrderUpdate{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		NewState:        state,
		UpdateUnixMilli: res.UpdateTime,
	}

	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	if !executed.IsPositive() {
		return update, nil, nil
	}

	trades, err := a.client.NewListTradesService().
		Symbol(venueSymbol(o.TradingPair)).
		OrderId(res.OrderID).
		Do(ctx)
	if err != nil {
		// The state update alone is still useful; fills will arrive on the
		// next poll or through the push channel.
		return update, nil, nil
	}

	updates := make([]domain.TradeUpdate, 0, len(trades))
	for _, tr := range trades {
		updates = append(updates, domain.TradeUpdate{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
			TradeID:         strconv.FormatInt(tr.ID, 10),
			FillBaseAmount:  decimalFromString(tr.Quantity),
			FillQuoteAmount: decimalFromString(tr.QuoteQuantity),
			FillPrice:       decimalFromString(tr.Price),
			Fee: domain.TradeFee{
				Asset:  tr.CommissionAsset,
				Amount: decimalFromString(tr.Commission),
			},
			FillUnixMilli: tr.Time,
		})
	}
	return update, updates, nil
}

func stateFromStatus(status string) (domain.OrderState, bool) {
	switch status {
	case "NEW":
		return domain.StateOpen, true
	case "PARTIALLY_FILLED":
		return domain.StatePartiallyFilled, true
	case "FILLED":
		return domain.StateFilled, true
	case "PENDING_CANCEL":
		return domain.StatePendingCancel, true
	case "CANCELED":
		return domain.StateCanceled, true
	case "REJECTED":
		return domain.StateFailed, true
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.StateExpired, true
	}
	return "", false
}

func sideFor(t domain.TradeType) binance.SideType {
	if t == domain.TradeTypeSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func orderTypeFor(t domain.OrderType) (binance.OrderType, error) {
	switch t {
	case domain.OrderTypeLimit:
		return binance.OrderTypeLimit, nil
	case domain.OrderTypeMarket:
		return binance.OrderTypeMarket, nil
	case domain.OrderTypeLimitMaker:
		return binance.OrderTypeLimitMaker, nil
	case domain.OrderTypeStopLoss:
		return binance.OrderTypeStopLoss, nil
	case domain.OrderTypeTakeProfit:
		return binance.OrderTypeTakeProfit, nil
	}
	return "", fmt.Errorf("order type %s not supported on binance spot", t)
}

// venueSymbol converts "BTC-USDT" into the venue's "BTCUSDT".
func venueSymbol(pair string) string {
	return strings.ReplaceAll(pair, "-", "")
}

func isNotFound(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeOrderNotFound
	}
	return false
}

func decimalFromNumber(n json.Number) decimal.Decimal {
	return decimalFromString(n.String())
}

func decimalFromString(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
