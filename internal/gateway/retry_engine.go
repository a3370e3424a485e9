// Package gateway submits blockchain transactions whose success depends on a
// fee guess. An underpriced fee never confirms rather than failing, so the
// engine escalates the fee under a bounded retry loop and reports terminal
// results through the same order states every other venue uses.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"connector_go/internal/domain"
	"connector_go/internal/infra"
)

// Config carries the retry knobs with their chain-config defaults.
type Config struct {
	RetryCount          int           // retries after the first attempt
	RetryInterval       time.Duration // pause between confirmation polls and attempts
	RetryFeeMultiplier  float64
	GasEstimateInterval time.Duration // fee estimate cache lifetime
	MinFee              float64       // total native-currency bound
	MaxFee              float64
	DefaultComputeUnits uint64
	ConfirmTimeout      time.Duration // per-attempt confirmation deadline
	ThrottlerLimitID    string        // empty disables admission control
}

// DefaultConfig returns the observed chain-config defaults.
func DefaultConfig() Config {
	return Config{
		RetryCount:          3,
		RetryInterval:       2 * time.Second,
		RetryFeeMultiplier:  2.0,
		GasEstimateInterval: 60 * time.Second,
		MinFee:              0.0001,
		MaxFee:              0.01,
		ConfirmTimeout:      60 * time.Second,
	}
}

// OrderUpdater receives the engine's state transitions; the tracker satisfies
// it, so gateway orders share the strategy layer's polling contract.
type OrderUpdater interface {
	ApplyOrderUpdate(domain.OrderUpdate)
}

type feeEstimate struct {
	feePerComputeUnit uint64
	fetchedAt         time.Time
}

// RetryEngine drives ESTIMATING_FEE -> SUBMITTING -> POLLING_CONFIRMATION ->
// {CONFIRMED | RETRY | EXHAUSTED} for one logical transaction per order.
type RetryEngine struct {
	cfg       Config
	client    Client
	updater   OrderUpdater
	throttler *infra.Throttler
	clock     infra.Clock
	logger    *slog.Logger
	metrics   *infra.Metrics

	mu       sync.Mutex
	feeCache map[string]feeEstimate        // keyed by chain:network
	cuCache  map[string]uint64             // keyed by method:connector:network
	pending  map[string]PendingTransaction // one active per order
}

// NewRetryEngine creates an engine. throttler, clock, logger and metrics may
// be nil.
func NewRetryEngine(cfg Config, client Client, updater OrderUpdater,
	throttler *infra.Throttler, clock infra.Clock, logger *slog.Logger, metrics *infra.Metrics) *RetryEngine {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.RetryFeeMultiplier < 1 {
		cfg.RetryFeeMultiplier = 2.0
	}
	if cfg.GasEstimateInterval <= 0 {
		cfg.GasEstimateInterval = 60 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if clock == nil {
		clock = infra.RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryEngine{
		cfg:       cfg,
		client:    client,
		updater:   updater,
		throttler: throttler,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		feeCache:  make(map[string]feeEstimate),
		cuCache:   make(map[string]uint64),
		pending:   make(map[string]PendingTransaction),
	}
}

// Pending returns the active attempt for an order, if any.
func (e *RetryEngine) Pending(orderID string) (PendingTransaction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[orderID]
	return p, ok
}

// ExecuteTransaction runs the full attempt loop for one order and reports the
// outcome through order state transitions. It returns only when the
// transaction is confirmed, exhausted, or the context is done.
func (e *RetryEngine) ExecuteTransaction(ctx context.Context, chain, network, connector, method string,
	params TxParams, orderID string) error {

	computeUnits := e.computeUnitsFor(method, connector, network)
	if computeUnits == 0 {
		e.failOrder(orderID)
		return fmt.Errorf("no compute units available for %s on %s:%s", method, connector, network)
	}

	estimated := e.estimateFee(ctx, chain, network)
	minPerCU, maxPerCU := e.feeBounds(chain, computeUnits)
	fee := clamp(estimated, minPerCU, maxPerCU)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			fee = clamp(scaleFee(fee, e.cfg.RetryFeeMultiplier), minPerCU, maxPerCU)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clock.After(e.cfg.RetryInterval):
			}
		}

		e.logger.Info("submitting transaction attempt",
			"order_id", orderID, "attempt", attempt+1,
			"fee_per_cu", fee, "compute_units", computeUnits,
			"chain", chain, "method", method)

		res, err := e.submit(ctx, chain, network, connector, method, params, fee, computeUnits)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			e.countAttempt(chain, "submit_error")
			e.logger.Warn("transaction attempt failed",
				"order_id", orderID, "attempt", attempt+1, "err", err)
			continue
		}

		e.recordPending(orderID, attempt+1, fee, computeUnits, res.Signature)
		e.countAttempt(chain, "submitted")
		e.updater.ApplyOrderUpdate(domain.OrderUpdate{
			ClientOrderID:   orderID,
			ExchangeOrderID: res.Signature,
			NewState:        domain.StateOpen,
			UpdateUnixMilli: e.clock.Now().UnixMilli(),
		})

		confirmed := res.Confirmed
		if !confirmed {
			confirmed, err = e.awaitConfirmation(ctx, chain, network, res.Signature)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				lastErr = err
			}
		}
		if confirmed {
			e.onConfirmed(chain, network, connector, method, orderID, computeUnits)
			return nil
		}
		lastErr = fmt.Errorf("transaction %s failed to confirm", res.Signature)
		e.countAttempt(chain, "unconfirmed")
	}

	e.countAttempt(chain, "exhausted")
	e.logger.Error("transaction retries exhausted",
		"order_id", orderID, "attempts", e.cfg.RetryCount+1, "err", lastErr)
	e.failOrder(orderID)
	if lastErr == nil {
		lastErr = fmt.Errorf("max retries exceeded")
	}
	return lastErr
}

func (e *RetryEngine) submit(ctx context.Context, chain, network, connector, method string,
	params TxParams, fee, computeUnits uint64) (SubmitResult, error) {

	permit, err := e.acquire(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	defer permit.Release()
	return e.client.Submit(ctx, chain, network, connector, method, params, fee, computeUnits)
}

// awaitConfirmation polls the signature at the retry interval until the venue
// reports a terminal answer or the per-attempt deadline passes. A deadline
// expiry is a negative answer, not an error; a late confirmation would flow
// in through the normal update path and is harmless.
func (e *RetryEngine) awaitConfirmation(ctx context.Context, chain, network, signature string) (bool, error) {
	deadline := e.clock.Now().Add(e.cfg.ConfirmTimeout)
	for e.clock.Now().Before(deadline) {
		permit, err := e.acquire(ctx)
		if err != nil {
			return false, err
		}
		res, err := e.client.Poll(ctx, chain, network, signature)
		permit.Release()
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			e.logger.Debug("confirmation poll error", "signature", signature, "err", err)
		} else if res.Confirmed {
			return true, nil
		} else if res.Failed {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-e.clock.After(e.cfg.RetryInterval):
		}
	}
	return false, nil
}

func (e *RetryEngine) acquire(ctx context.Context) (*infra.ScopedPermit, error) {
	if e.throttler == nil || e.cfg.ThrottlerLimitID == "" {
		return &infra.ScopedPermit{}, nil
	}
	return e.throttler.Acquire(ctx, e.cfg.ThrottlerLimitID)
}

func (e *RetryEngine) onConfirmed(chain, network, connector, method, orderID string, computeUnits uint64) {
	e.countAttempt(chain, "confirmed")

	// First observed success pins the compute units for this operation kind;
	// later orders of the same kind skip the guesswork. The fee rate itself
	// stays market-driven and is still re-estimated per cache interval.
	e.mu.Lock()
	e.cuCache[cuKey(method, connector, network)] = computeUnits
	e.mu.Unlock()

	e.logger.Info("transaction confirmed", "order_id", orderID, "chain", chain)
	e.updater.ApplyOrderUpdate(domain.OrderUpdate{
		ClientOrderID:   orderID,
		NewState:        domain.StateFilled,
		UpdateUnixMilli: e.clock.Now().UnixMilli(),
	})
}

func (e *RetryEngine) failOrder(orderID string) {
	e.updater.ApplyOrderUpdate(domain.OrderUpdate{
		ClientOrderID:   orderID,
		NewState:        domain.StateFailed,
		UpdateUnixMilli: e.clock.Now().UnixMilli(),
	})
}

func (e *RetryEngine) recordPending(orderID string, attempt int, fee, computeUnits uint64, signature string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[orderID] = PendingTransaction{
		OrderID:            orderID,
		AttemptNumber:      attempt,
		FeePerComputeUnit:  fee,
		ComputeUnits:       computeUnits,
		SubmittedSignature: signature,
		SubmittedAt:        e.clock.Now(),
	}
}

// estimateFee returns the cached fee-per-compute-unit for the chain, querying
// the venue only when the cache entry aged out. An estimate failure returns
// zero; the caller clamps it up to the minimum bound.
func (e *RetryEngine) estimateFee(ctx context.Context, chain, network string) uint64 {
	key := chain + ":" + network

	e.mu.Lock()
	if cached, ok := e.feeCache[key]; ok && e.clock.Now().Sub(cached.fetchedAt) < e.cfg.GasEstimateInterval {
		e.mu.Unlock()
		return cached.feePerComputeUnit
	}
	e.mu.Unlock()

	fee, err := e.client.EstimateFee(ctx, chain, network)
	if err != nil {
		e.logger.Warn("failed to estimate fee", "chain", chain, "network", network, "err", err)
		return 0
	}

	e.mu.Lock()
	e.feeCache[key] = feeEstimate{feePerComputeUnit: fee, fetchedAt: e.clock.Now()}
	e.mu.Unlock()
	return fee
}

func (e *RetryEngine) computeUnitsFor(method, connector, network string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cu, ok := e.cuCache[cuKey(method, connector, network)]; ok && cu > 0 {
		return cu
	}
	return e.cfg.DefaultComputeUnits
}

// feeBounds converts the total native-currency fee bounds into per-compute-
// unit values. Solana prices in microlamports per CU; EVM chains in gwei.
func (e *RetryEngine) feeBounds(chain string, computeUnits uint64) (uint64, uint64) {
	if chain == "solana" {
		return uint64(e.cfg.MinFee * 1e9 * 1e6 / float64(computeUnits)),
			uint64(e.cfg.MaxFee * 1e9 * 1e6 / float64(computeUnits))
	}
	return uint64(e.cfg.MinFee * 1e9), uint64(e.cfg.MaxFee * 1e9)
}

func cuKey(method, connector, network string) string {
	return method + ":" + connector + ":" + network
}

func scaleFee(fee uint64, multiplier float64) uint64 {
	return uint64(float64(fee) * multiplier)
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *RetryEngine) countAttempt(chain, outcome string) {
	if e.metrics != nil {
		e.metrics.TxAttempts.WithLabelValues(chain, outcome).Inc()
	}
}
