// Package tracker owns the authoritative in-flight order set. Both the REST
// polling task and the push listener feed it; the merge rules (monotonic
// state, idempotent fills) make the two channels safe to interleave.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"connector_go/internal/domain"
	"connector_go/internal/infra"
)

// Config carries the tracker's tunables with their observed defaults.
type Config struct {
	// LostOrderLimit bounds how many times an order may be reported unknown
	// before the tracker gives up on it.
	LostOrderLimit int
	// EvictionGrace keeps terminal orders around so duplicate late updates
	// are recognized and discarded instead of mis-applied to a reused id.
	EvictionGrace time.Duration
	// TradeBufferGrace covers the race where a fill push arrives before the
	// creation response is processed.
	TradeBufferGrace time.Duration
	// FillTolerance is the fraction of the order amount that may remain
	// unfilled for the order to still count as complete.
	FillTolerance decimal.Decimal
	// EventBuffer is the capacity of the notification channel.
	EventBuffer int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LostOrderLimit:   3,
		EvictionGrace:    60 * time.Second,
		TradeBufferGrace: 3 * time.Second,
		FillTolerance:    decimal.Zero,
		EventBuffer:      256,
	}
}

type cachedOrder struct {
	order  *domain.Order
	doneAt time.Time
}

type bufferedTrade struct {
	update domain.TradeUpdate
	retry  time.Time
}

// OrderTracker is the single source of truth for order state. All mutation
// goes through ApplyOrderUpdate/ApplyTradeUpdate; updates for the same order
// are applied in arrival order under one lock.
type OrderTracker struct {
	cfg     Config
	clock   infra.Clock
	logger  *slog.Logger
	metrics *infra.Metrics

	mu           sync.Mutex
	active       map[string]*domain.Order
	cached       map[string]cachedOrder // terminal, within the eviction grace
	byExchangeID map[string]string
	notFound     map[string]int
	buffered     []bufferedTrade

	events chan domain.OrderEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrderTracker creates a tracker. clock, logger and metrics may be nil.
func NewOrderTracker(cfg Config, clock infra.Clock, logger *slog.Logger, metrics *infra.Metrics) *OrderTracker {
	if cfg.LostOrderLimit <= 0 {
		cfg.LostOrderLimit = 3
	}
	if cfg.EvictionGrace <= 0 {
		cfg.EvictionGrace = 60 * time.Second
	}
	if cfg.TradeBufferGrace <= 0 {
		cfg.TradeBufferGrace = 3 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if clock == nil {
		clock = infra.RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderTracker{
		cfg:          cfg,
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
		active:       make(map[string]*domain.Order),
		cached:       make(map[string]cachedOrder),
		byExchangeID: make(map[string]string),
		notFound:     make(map[string]int),
		events:       make(chan domain.OrderEvent, cfg.EventBuffer),
	}
}

// Start launches the janitor task that retries buffered trades and evicts
// terminal orders after the grace period.
func (t *OrderTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.janitorLoop(ctx)
}

// Stop terminates the janitor.
func (t *OrderTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Events returns the uniform notification channel observed by the strategy
// layer. Failures arrive on the same channel as fills and cancels.
func (t *OrderTracker) Events() <-chan domain.OrderEvent {
	return t.events
}

// StartTracking inserts a new order in PENDING_CREATE.
// Re-tracking an id that is still live (or terminal but not yet evicted) is a
// caller bug and raises DuplicateOrderError.
func (t *OrderTracker) StartTracking(p domain.OrderParams) (*domain.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.active[p.ClientOrderID]; exists {
		return nil, &domain.DuplicateOrderError{ClientOrderID: p.ClientOrderID}
	}
	if _, exists := t.cached[p.ClientOrderID]; exists {
		return nil, &domain.DuplicateOrderError{ClientOrderID: p.ClientOrderID}
	}

	now := t.clock.Now()
	o := domain.NewOrder(p, now.UnixMilli())
	t.active[p.ClientOrderID] = o
	if t.metrics != nil {
		t.metrics.OrdersTracked.Inc()
	}
	t.emit(domain.OrderEvent{
		Type:          domain.EventOrderCreated,
		ClientOrderID: o.ClientOrderID,
		Order:         o.Copy(),
		TsUnixMilli:   now.UnixMilli(),
	})
	t.flushBufferedLocked(p.ClientOrderID)
	return o.Copy(), nil
}

// RestoreOrder re-admits a persisted order. Terminal orders are never
// re-admitted; they already reached their outcome.
func (t *OrderTracker) RestoreOrder(o *domain.Order) bool {
	if o == nil || o.IsDone() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.active[o.ClientOrderID]; exists {
		return false
	}
	dup := o.Copy()
	t.active[dup.ClientOrderID] = dup
	if dup.ExchangeOrderID != "" {
		t.byExchangeID[dup.ExchangeOrderID] = dup.ClientOrderID
	}
	return true
}

// Get returns a snapshot of an order, or nil when unknown. Terminal orders
// remain visible until evicted.
func (t *OrderTracker) Get(clientOrderID string) *domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.active[clientOrderID]; ok {
		return o.Copy()
	}
	if c, ok := t.cached[clientOrderID]; ok {
		return c.order.Copy()
	}
	return nil
}

// InFlightOrders returns snapshots of every non-terminal order.
func (t *OrderTracker) InFlightOrders() []*domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.Order, 0, len(t.active))
	for _, o := range t.active {
		out = append(out, o.Copy())
	}
	return out
}

// LimitOrders returns the in-flight orders that rest at a caller-set price.
func (t *OrderTracker) LimitOrders() []*domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.Order, 0, len(t.active))
	for _, o := range t.active {
		if o.OrderType.IsLimitKind() {
			out = append(out, o.Copy())
		}
	}
	return out
}

// ApplyOrderUpdate merges one state change from either channel. Malformed
// updates are logged and dropped; an update for an id the tracker does not
// know feeds the lost-order quarantine.
func (t *OrderTracker) ApplyOrderUpdate(u domain.OrderUpdate) {
	if u.ClientOrderID == "" && u.ExchangeOrderID == "" {
		t.logger.Warn("order update without any id dropped", "state", string(u.NewState))
		return
	}
	if u.NewState == "" {
		t.logger.Warn("order update without state dropped", "client_order_id", u.ClientOrderID)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.lookupActiveLocked(u.ClientOrderID, u.ExchangeOrderID)
	if o == nil {
		if c, ok := t.lookupCachedLocked(u.ClientOrderID, u.ExchangeOrderID); ok {
			t.logger.Debug("update for terminal order dropped",
				"client_order_id", c.order.ClientOrderID, "state", string(u.NewState))
			return
		}
		t.noteNotFoundLocked(u.ClientOrderID)
		return
	}

	delete(t.notFound, o.ClientOrderID)
	t.registerExchangeIDLocked(o, u.ExchangeOrderID)

	if !o.UpdateState(u.NewState, u.UpdateUnixMilli) {
		if t.metrics != nil {
			t.metrics.StaleUpdatesRejected.Inc()
		}
		t.logger.Debug("stale order update rejected",
			"client_order_id", o.ClientOrderID,
			"current", string(o.CurrentState), "got", string(u.NewState))
		return
	}
	if o.IsDone() {
		t.finalizeLocked(o)
	}
}

// ApplyTradeUpdate merges one fill from either channel. Duplicate trade ids
// are no-ops. A fill for an unknown order is buffered one grace window and
// retried once, then dropped with a warning.
func (t *OrderTracker) ApplyTradeUpdate(u domain.TradeUpdate) {
	if u.TradeID == "" {
		t.logger.Warn("trade update without trade id dropped", "client_order_id", u.ClientOrderID)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyTradeLocked(u, true)
}

// applyTradeLocked returns false when the order is unknown. buffer controls
// whether an unknown order queues the update for one retry.
func (t *OrderTracker) applyTradeLocked(u domain.TradeUpdate, buffer bool) bool {
	o := t.lookupActiveLocked(u.ClientOrderID, u.ExchangeOrderID)
	if o == nil {
		if c, ok := t.lookupCachedLocked(u.ClientOrderID, u.ExchangeOrderID); ok {
			if c.order.HasFill(u.TradeID) {
				if t.metrics != nil {
					t.metrics.DuplicateFillsDropped.Inc()
				}
				t.logger.Debug("duplicate fill for terminal order dropped",
					"client_order_id", c.order.ClientOrderID, "trade_id", u.TradeID)
			} else {
				t.logger.Warn("fill for terminal order dropped",
					"client_order_id", c.order.ClientOrderID, "trade_id", u.TradeID)
			}
			return true
		}
		if buffer {
			t.buffered = append(t.buffered, bufferedTrade{
				update: u,
				retry:  t.clock.Now().Add(t.cfg.TradeBufferGrace),
			})
		}
		return false
	}

	t.registerExchangeIDLocked(o, u.ExchangeOrderID)

	fill := u.Fill()
	applied, completed := o.ApplyFill(fill, t.cfg.FillTolerance)
	if !applied {
		if t.metrics != nil {
			t.metrics.DuplicateFillsDropped.Inc()
		}
		t.logger.Debug("duplicate fill dropped",
			"client_order_id", o.ClientOrderID, "trade_id", u.TradeID)
		return true
	}

	if t.metrics != nil {
		t.metrics.FillsApplied.Inc()
	}
	t.emit(domain.OrderEvent{
		Type:          domain.EventOrderFilled,
		ClientOrderID: o.ClientOrderID,
		Order:         o.Copy(),
		Fill:          &fill,
		TsUnixMilli:   u.FillUnixMilli,
	})
	if completed {
		t.emit(domain.OrderEvent{
			Type:          domain.EventOrderCompleted,
			ClientOrderID: o.ClientOrderID,
			Order:         o.Copy(),
			TsUnixMilli:   u.FillUnixMilli,
		})
	}
	if o.IsDone() {
		t.removeToCache(o)
	}
	return true
}

// ProcessOrderNotFound records a venue "order does not exist" answer for a
// tracked order, distinguishing "not yet visible" from "truly gone".
func (t *OrderTracker) ProcessOrderNotFound(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.noteNotFoundLocked(clientOrderID)
}

// noteNotFoundLocked bounds how long the tracker waits for a lost order.
// Once the counter exceeds the limit, a FAILED transition is synthesized and
// reported through the normal event path.
func (t *OrderTracker) noteNotFoundLocked(clientOrderID string) {
	if clientOrderID == "" {
		return
	}
	t.notFound[clientOrderID]++
	count := t.notFound[clientOrderID]
	if count <= t.cfg.LostOrderLimit {
		t.logger.Debug("order not found yet",
			"client_order_id", clientOrderID, "count", count, "limit", t.cfg.LostOrderLimit)
		return
	}

	delete(t.notFound, clientOrderID)
	if t.metrics != nil {
		t.metrics.LostOrdersFailed.Inc()
	}
	t.logger.Warn("lost order marked as failed",
		"client_order_id", clientOrderID, "not_found_count", count)

	now := t.clock.Now().UnixMilli()
	if o, ok := t.active[clientOrderID]; ok {
		o.UpdateState(domain.StateFailed, now)
		t.finalizeLocked(o)
		return
	}
	// Never echoed back by the venue at all: report the failure without an
	// order snapshot.
	t.emit(domain.OrderEvent{
		Type:          domain.EventOrderFailed,
		ClientOrderID: clientOrderID,
		TsUnixMilli:   now,
	})
}

// finalizeLocked reports a terminal transition once and parks the order in
// the eviction cache.
func (t *OrderTracker) finalizeLocked(o *domain.Order) {
	now := t.clock.Now().UnixMilli()
	switch o.CurrentState {
	case domain.StateFilled:
		if o.MarkCompletionEmitted() {
			t.emit(domain.OrderEvent{
				Type:          domain.EventOrderCompleted,
				ClientOrderID: o.ClientOrderID,
				Order:         o.Copy(),
				TsUnixMilli:   now,
			})
		}
	case domain.StateCanceled:
		t.emit(domain.OrderEvent{
			Type:          domain.EventOrderCanceled,
			ClientOrderID: o.ClientOrderID,
			Order:         o.Copy(),
			TsUnixMilli:   now,
		})
	case domain.StateFailed:
		t.emit(domain.OrderEvent{
			Type:          domain.EventOrderFailed,
			ClientOrderID: o.ClientOrderID,
			Order:         o.Copy(),
			TsUnixMilli:   now,
		})
	case domain.StateExpired:
		t.emit(domain.OrderEvent{
			Type:          domain.EventOrderExpired,
			ClientOrderID: o.ClientOrderID,
			Order:         o.Copy(),
			TsUnixMilli:   now,
		})
	}
	t.removeToCache(o)
}

func (t *OrderTracker) removeToCache(o *domain.Order) {
	delete(t.active, o.ClientOrderID)
	t.cached[o.ClientOrderID] = cachedOrder{order: o, doneAt: t.clock.Now()}
}

func (t *OrderTracker) registerExchangeIDLocked(o *domain.Order, exchangeOrderID string) {
	if exchangeOrderID == "" {
		return
	}
	o.RecordExchangeOrderID(exchangeOrderID)
	t.byExchangeID[o.ExchangeOrderID] = o.ClientOrderID
}

func (t *OrderTracker) lookupActiveLocked(clientOrderID, exchangeOrderID string) *domain.Order {
	if clientOrderID != "" {
		if o, ok := t.active[clientOrderID]; ok {
			return o
		}
	}
	if exchangeOrderID != "" {
		if cid, ok := t.byExchangeID[exchangeOrderID]; ok {
			if o, ok := t.active[cid]; ok {
				return o
			}
		}
	}
	return nil
}

func (t *OrderTracker) lookupCachedLocked(clientOrderID, exchangeOrderID string) (cachedOrder, bool) {
	if clientOrderID != "" {
		if c, ok := t.cached[clientOrderID]; ok {
			return c, true
		}
	}
	if exchangeOrderID != "" {
		if cid, ok := t.byExchangeID[exchangeOrderID]; ok {
			if c, ok := t.cached[cid]; ok {
				return c, true
			}
		}
	}
	return cachedOrder{}, false
}

// flushBufferedLocked applies any buffered fills that were waiting for this
// order to appear.
func (t *OrderTracker) flushBufferedLocked(clientOrderID string) {
	kept := t.buffered[:0]
	for _, b := range t.buffered {
		if b.update.ClientOrderID == clientOrderID {
			t.applyTradeLocked(b.update, false)
			continue
		}
		kept = append(kept, b)
	}
	t.buffered = kept
}

func (t *OrderTracker) janitorLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep retries expired buffered trades once and evicts terminal orders past
// the grace period.
func (t *OrderTracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	kept := t.buffered[:0]
	for _, b := range t.buffered {
		if now.Before(b.retry) {
			kept = append(kept, b)
			continue
		}
		if !t.applyTradeLocked(b.update, false) {
			t.logger.Warn("buffered trade update dropped, order never appeared",
				"client_order_id", b.update.ClientOrderID,
				"trade_id", b.update.TradeID)
		}
	}
	t.buffered = kept

	for id, c := range t.cached {
		if now.Sub(c.doneAt) >= t.cfg.EvictionGrace {
			if c.order.ExchangeOrderID != "" {
				delete(t.byExchangeID, c.order.ExchangeOrderID)
			}
			delete(t.cached, id)
		}
	}
}

// emit never blocks the update path; a full channel drops the notification
// with a warning.
func (t *OrderTracker) emit(ev domain.OrderEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event channel full, notification dropped",
			"type", string(ev.Type), "client_order_id", ev.ClientOrderID)
	}
}
