// Package app orchestrates the connector startup sequence.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"connector_go/internal/connector"
	"connector_go/internal/connector/binance"
	"connector_go/internal/gateway"
	"connector_go/internal/infra"
	"connector_go/internal/storage"
	"connector_go/internal/tracker"

	"github.com/shopspring/decimal"
)

// Bootstrap wires one connector instance from configuration.
type Bootstrap struct {
	Config     *infra.Config
	Registry   *prometheus.Registry
	OrderStore *storage.OrderStore
	Facade     *connector.Facade
}

// NewBootstrap creates a new Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config, sets up logging, storage and the connector stack.
func (b *Bootstrap) Initialize(configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	b.Registry = prometheus.NewRegistry()
	metrics := infra.NewMetrics(b.Registry)

	store, err := storage.NewOrderStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.OrderStore = store
	slog.Info("order store initialized (WAL-mode)", "path", cfg.Storage.Path)

	clock := infra.RealClock()
	throttler := infra.NewThrottler(cfg.RateLimitSet(), clock, logger, metrics)

	trk := tracker.NewOrderTracker(tracker.Config{
		LostOrderLimit:   cfg.Tracker.LostOrderLimit,
		EvictionGrace:    time.Duration(cfg.Tracker.EvictionGraceSec) * time.Second,
		TradeBufferGrace: time.Duration(cfg.Tracker.TradeBufferSec) * time.Second,
		FillTolerance:    decimal.New(int64(cfg.Tracker.FillToleranceBips), -4),
	}, clock, logger, metrics)

	adapter := binance.NewAdapter(cfg.Venue.AccessKey, cfg.Venue.SecretKey)

	var engine *gateway.RetryEngine
	if cfg.Gateway.BaseURL != "" {
		engine = gateway.NewRetryEngine(gateway.Config{
			RetryCount:          cfg.Gateway.RetryCount,
			RetryInterval:       time.Duration(cfg.Gateway.RetryIntervalSec) * time.Second,
			RetryFeeMultiplier:  cfg.Gateway.RetryFeeMultiplier,
			GasEstimateInterval: time.Duration(cfg.Gateway.GasEstimateIntervalSec) * time.Second,
			MinFee:              cfg.Gateway.MinFee,
			MaxFee:              cfg.Gateway.MaxFee,
			DefaultComputeUnits: cfg.Gateway.DefaultComputeUnits,
			ConfirmTimeout:      time.Duration(cfg.Gateway.ConfirmTimeoutSec) * time.Second,
			ThrottlerLimitID:    "gateway",
		}, gateway.NewHTTPClient(cfg.Gateway.BaseURL), trk, throttler, clock, logger, metrics)
	}

	b.Facade = connector.NewFacade(adapter, trk, throttler, engine,
		connector.LimitIDs{Place: "orders", Cancel: "orders", Status: "status"},
		time.Duration(cfg.Polling.IntervalSec)*time.Second, clock, logger)

	return nil
}

// RestoreOrders re-admits persisted in-flight orders into the tracker.
func (b *Bootstrap) RestoreOrders(ctx context.Context) error {
	orders, err := b.OrderStore.LoadActiveOrders(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, o := range orders {
		if b.Facade.Tracker().RestoreOrder(o) {
			restored++
		}
	}
	slog.Info("orders restored from store", "restored", restored, "persisted", len(orders))
	return nil
}

// PersistEvents consumes tracker events and snapshots every touched order
// until the context is done. It is the single writer to the order store.
func (b *Bootstrap) PersistEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.Facade.Tracker().Events():
			if ev.Order == nil {
				continue
			}
			if err := b.OrderStore.SaveOrder(ctx, ev.Order); err != nil {
				slog.Warn("failed to persist order",
					"client_order_id", ev.ClientOrderID, "err", err)
			}
		}
	}
}
