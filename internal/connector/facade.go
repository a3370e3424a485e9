// Package connector wires the REST polling task and the push listener into
// the order tracker and owns their lifecycles. It is the only surface the
// strategy layer talks to.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"connector_go/internal/domain"
	"connector_go/internal/gateway"
	"connector_go/internal/infra"
	"connector_go/internal/tracker"
)

// LimitIDs names the throttler limits each outbound call consumes.
type LimitIDs struct {
	Place  string
	Cancel string
	Status string
}

// Facade glues one venue adapter, the tracker, the throttler and the optional
// gateway retry engine into a single connector instance.
type Facade struct {
	adapter   Adapter
	tracker   *tracker.OrderTracker
	throttler *infra.Throttler
	breaker   *infra.CircuitBreaker
	engine    *gateway.RetryEngine // nil for pure exchange connectors
	limitIDs  LimitIDs

	pollInterval time.Duration
	clock        infra.Clock
	logger       *slog.Logger

	ws     *infra.BaseWSWorker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFacade creates a connector facade. engine may be nil; clock and logger
// may be nil.
func NewFacade(adapter Adapter, trk *tracker.OrderTracker, throttler *infra.Throttler,
	engine *gateway.RetryEngine, limitIDs LimitIDs, pollInterval time.Duration,
	clock infra.Clock, logger *slog.Logger) *Facade {

	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if clock == nil {
		clock = infra.RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{
		adapter:      adapter,
		tracker:      trk,
		throttler:    throttler,
		breaker:      infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig(adapter.Name()), logger),
		engine:       engine,
		limitIDs:     limitIDs,
		pollInterval: pollInterval,
		clock:        clock,
		logger:       logger,
	}
	f.ws = infra.NewBaseWSWorker(&wsHandler{facade: f}, logger)
	return f
}

// Start launches the tracker janitor, the push listener and the polling loop.
func (f *Facade) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.tracker.Start(ctx)
	if f.adapter.StreamURL() != "" {
		f.ws.Start(ctx)
	}
	f.wg.Add(1)
	go f.pollLoop(ctx)
}

// Stop terminates all tasks and waits for them.
func (f *Facade) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.adapter.StreamURL() != "" {
		f.ws.Stop()
	}
	f.wg.Wait()
	f.tracker.Stop()
}

// Tracker exposes the read-only status surface (in-flight orders, events).
func (f *Facade) Tracker() *tracker.OrderTracker { return f.tracker }

// PlaceOrder tracks a new order and submits it to the venue. A venue
// rejection fails the order immediately and is surfaced once through the
// event channel.
func (f *Facade) PlaceOrder(ctx context.Context, p domain.OrderParams) (*domain.Order, error) {
	if p.ClientOrderID == "" {
		p.ClientOrderID = uuid.NewString()
	}

	o, err := f.tracker.StartTracking(p)
	if err != nil {
		return nil, err
	}

	permit, err := f.acquire(ctx, f.limitIDs.Place)
	if err != nil {
		// Quota was never exercised; the order never reached the venue.
		f.tracker.ApplyOrderUpdate(domain.OrderUpdate{
			ClientOrderID:   p.ClientOrderID,
			NewState:        domain.StateFailed,
			UpdateUnixMilli: f.clock.Now().UnixMilli(),
		})
		return nil, err
	}

	exchangeID, err := f.adapter.PlaceOrder(ctx, o)
	permit.Release()
	if err != nil {
		f.tracker.ApplyOrderUpdate(domain.OrderUpdate{
			ClientOrderID:   p.ClientOrderID,
			NewState:        domain.StateFailed,
			UpdateUnixMilli: f.clock.Now().UnixMilli(),
		})
		return nil, fmt.Errorf("place order %s: %w", p.ClientOrderID, err)
	}

	f.tracker.ApplyOrderUpdate(domain.OrderUpdate{
		ClientOrderID:   p.ClientOrderID,
		ExchangeOrderID: exchangeID,
		NewState:        domain.StateOpen,
		UpdateUnixMilli: f.clock.Now().UnixMilli(),
	})
	return f.tracker.Get(p.ClientOrderID), nil
}

// CancelOrder requests cancellation. Cancellation is advisory: the order
// stays tracked until the venue confirms through either channel.
func (f *Facade) CancelOrder(ctx context.Context, clientOrderID string) error {
	o := f.tracker.Get(clientOrderID)
	if o == nil {
		return fmt.Errorf("cancel: unknown order %s", clientOrderID)
	}
	if o.IsDone() {
		return nil
	}

	permit, err := f.acquire(ctx, f.limitIDs.Cancel)
	if err != nil {
		return err
	}
	err = f.adapter.CancelOrder(ctx, o)
	permit.Release()
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", clientOrderID, err)
	}

	f.tracker.ApplyOrderUpdate(domain.OrderUpdate{
		ClientOrderID:   clientOrderID,
		NewState:        domain.StatePendingCancel,
		UpdateUnixMilli: f.clock.Now().UnixMilli(),
	})
	return nil
}

// CancelAll issues cancel requests for every open order concurrently, bounded
// by timeout. Orders not confirmed canceled within the deadline are reported
// with Success false and remain tracked.
func (f *Facade) CancelAll(ctx context.Context, timeout time.Duration) []domain.CancellationResult {
	open := f.tracker.InFlightOrders()
	sort.Slice(open, func(i, j int) bool { return open[i].ClientOrderID < open[j].ClientOrderID })

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]domain.CancellationResult, len(open))
	var wg sync.WaitGroup
	for i, o := range open {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = f.cancelAndConfirm(ctx, id)
		}(i, o.ClientOrderID)
	}
	wg.Wait()

	var errs *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", r.ClientOrderID, r.Err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		f.logger.Warn("cancel all finished with errors", "err", err)
	}
	return results
}

func (f *Facade) cancelAndConfirm(ctx context.Context, clientOrderID string) domain.CancellationResult {
	res := domain.CancellationResult{ClientOrderID: clientOrderID}

	if err := f.CancelOrder(ctx, clientOrderID); err != nil {
		res.Err = err
		return res
	}

	// Wait for the venue confirmation to arrive through either channel.
	for {
		if o := f.tracker.Get(clientOrderID); o == nil || o.IsDone() {
			res.Success = true
			return res
		}
		select {
		case <-ctx.Done():
			return res // advisory: not confirmed, order stays tracked
		case <-f.clock.After(100 * time.Millisecond):
		}
	}
}

// ExecuteTransaction submits a gateway transaction through the retry engine.
// The outcome arrives asynchronously as order state transitions, so callers
// use the same polling contract as for exchange orders.
func (f *Facade) ExecuteTransaction(ctx context.Context, chain, network, connectorName, method string,
	params gateway.TxParams, orderID string) error {

	if f.engine == nil {
		return fmt.Errorf("connector %s has no gateway engine", f.adapter.Name())
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.engine.ExecuteTransaction(ctx, chain, network, connectorName, method, params, orderID); err != nil {
			f.logger.Warn("gateway transaction finished with error",
				"order_id", orderID, "err", err)
		}
	}()
	return nil
}

// pollLoop reconciles every in-flight order against the venue's REST view.
// Transient remote errors are absorbed by the circuit breaker and backoff;
// they never fail orders by themselves.
func (f *Facade) pollLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !f.breaker.Allow() {
			f.logger.Debug("status poll skipped, circuit open", "venue", f.adapter.Name())
			continue
		}

		if ok := f.pollOnce(ctx); ok {
			f.breaker.RecordSuccess()
			failures = 0
			continue
		}
		f.breaker.RecordFailure()
		failures++
		select {
		case <-ctx.Done():
			return
		case <-f.clock.After(infra.CalculateBackoff(failures - 1)):
		}
	}
}

// pollOnce fetches the venue status of each in-flight order. Returns false
// when a transient error occurred.
func (f *Facade) pollOnce(ctx context.Context) bool {
	healthy := true
	for _, o := range f.tracker.InFlightOrders() {
		permit, err := f.acquire(ctx, f.limitIDs.Status)
		if err != nil {
			return healthy // context done; report what we have
		}
		update, trades, err := f.adapter.FetchOrderStatus(ctx, o)
		if err != nil {
			permit.Release()
			if ctx.Err() != nil {
				return healthy
			}
			if errors.Is(err, ErrOrderNotFound) {
				// The venue answered; the order is missing, not the venue.
				f.tracker.ProcessOrderNotFound(o.ClientOrderID)
				continue
			}
			f.logger.Warn("status poll failed", "client_order_id", o.ClientOrderID, "err", err)
			healthy = false
			continue
		}
		permit.Release()

		for _, tu := range trades {
			f.tracker.ApplyTradeUpdate(tu)
		}
		f.tracker.ApplyOrderUpdate(update)
	}
	return healthy
}

func (f *Facade) acquire(ctx context.Context, limitID string) (*infra.ScopedPermit, error) {
	if f.throttler == nil || limitID == "" {
		return &infra.ScopedPermit{}, nil
	}
	return f.throttler.Acquire(ctx, limitID)
}

// wsHandler adapts the venue adapter to the websocket worker and feeds every
// parsed frame into the tracker.
type wsHandler struct {
	facade *Facade
}

func (h *wsHandler) ID() string     { return h.facade.adapter.Name() }
func (h *wsHandler) GetURL() string { return h.facade.adapter.StreamURL() }

func (h *wsHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	return h.facade.adapter.Subscribe(ctx, conn)
}

func (h *wsHandler) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return h.facade.adapter.Ping(ctx, conn)
}

func (h *wsHandler) OnMessage(ctx context.Context, msg []byte) {
	parsed, err := h.facade.adapter.ParseMessage(msg)
	if err != nil {
		h.facade.logger.Warn("push frame dropped", "venue", h.facade.adapter.Name(), "err", err)
		return
	}
	for _, tu := range parsed.TradeUpdates {
		h.facade.tracker.ApplyTradeUpdate(tu)
	}
	for _, ou := range parsed.OrderUpdates {
		h.facade.tracker.ApplyOrderUpdate(ou)
	}
}
