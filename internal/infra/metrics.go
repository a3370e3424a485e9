package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the connector's prometheus collectors. A single instance is
// wired at startup and passed down; components treat a nil *Metrics as "not
// collected".
type Metrics struct {
	OrdersTracked         prometheus.Counter
	FillsApplied          prometheus.Counter
	DuplicateFillsDropped prometheus.Counter
	LostOrdersFailed      prometheus.Counter
	StaleUpdatesRejected  prometheus.Counter
	TxAttempts            *prometheus.CounterVec
	ThrottlerWaitSeconds  *prometheus.HistogramVec
}

// NewMetrics registers the connector collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_orders_tracked_total",
			Help: "Orders admitted into the tracker.",
		}),
		FillsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_fills_applied_total",
			Help: "Trade updates applied to tracked orders.",
		}),
		DuplicateFillsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_duplicate_fills_dropped_total",
			Help: "Trade updates dropped because the trade id was already accounted for.",
		}),
		LostOrdersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_lost_orders_failed_total",
			Help: "Orders failed after the venue repeatedly reported them unknown.",
		}),
		StaleUpdatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_stale_updates_rejected_total",
			Help: "Order updates rejected by the monotonic state rule.",
		}),
		TxAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_tx_attempts_total",
			Help: "Gateway transaction submissions by chain and outcome.",
		}, []string{"chain", "outcome"}),
		ThrottlerWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connector_throttler_wait_seconds",
			Help:    "Time spent waiting for rate-limit admission.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"limit_id"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.OrdersTracked,
			m.FillsApplied,
			m.DuplicateFillsDropped,
			m.LostOrdersFailed,
			m.StaleUpdatesRejected,
			m.TxAttempts,
			m.ThrottlerWaitSeconds,
		)
	}
	return m
}
