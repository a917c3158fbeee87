package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. Each instance owns its own
// registry so several nodes can live in one test binary.
type Metrics struct {
	reg *prometheus.Registry

	LockGrants      prometheus.Counter
	LockQueueDepth  prometheus.Gauge
	LockLeaseExpiry prometheus.Counter
	LockWait        prometheus.Histogram

	OrdersApplied     *prometheus.CounterVec // label path: local|replicated
	OrdersRejected    prometheus.Counter
	Trades            prometheus.Counter
	BroadcastFailures prometheus.Counter
	OutOfOrder        prometheus.Counter
	SubmitErrors      *prometheus.CounterVec // label class: invalid|lock_timeout|lock_unavailable|fatal
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		LockGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replex", Subsystem: "lock", Name: "grants_total",
			Help: "Lock grants handed out, immediate or after queueing.",
		}),
		LockQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replex", Subsystem: "lock", Name: "queue_depth",
			Help: "Requests waiting for the lock.",
		}),
		LockLeaseExpiry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replex", Subsystem: "lock", Name: "lease_expired_total",
			Help: "Grants force-released because the holder never released.",
		}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replex", Subsystem: "exchange", Name: "lock_wait_seconds",
			Help:    "Time a node waited for the cluster lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		OrdersApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replex", Subsystem: "exchange", Name: "orders_applied_total",
			Help: "Orders applied to the local book.",
		}, []string{"path"}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replex", Subsystem: "exchange", Name: "orders_rejected_total",
			Help: "Orders rejected as invalid.",
		}),
		Trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replex", Subsystem: "exchange", Name: "trades_total",
			Help: "Trades executed by the local matching engine.",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replex", Subsystem: "exchange", Name: "broadcast_failures_total",
			Help: "Peers that failed to acknowledge an orderAdded broadcast.",
		}),
		OutOfOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replex", Subsystem: "exchange", Name: "out_of_order_total",
			Help: "Replicated orders received with a sequence at or below the last applied one.",
		}),
		SubmitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replex", Subsystem: "exchange", Name: "submit_errors_total",
			Help: "Failed order submissions by error class.",
		}, []string{"class"}),
	}
	m.reg.MustRegister(
		m.LockGrants, m.LockQueueDepth, m.LockLeaseExpiry, m.LockWait,
		m.OrdersApplied, m.OrdersRejected, m.Trades, m.BroadcastFailures,
		m.OutOfOrder, m.SubmitErrors,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
