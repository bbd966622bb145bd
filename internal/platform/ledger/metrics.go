package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	transfersTotal        *prometheus.CounterVec
	transferDuration      prometheus.Histogram
	outboxDeliveredTotal  prometheus.Counter
	outboxFailedTotal     prometheus.Counter
	outboxDeadTotal       prometheus.Counter
	pruneRunsTotal        *prometheus.CounterVec
	pruneDeletedTotal     prometheus.Counter
	pruneLastDeleted      prometheus.Gauge
	pruneLastRunUnix      prometheus.Gauge
	reconcileDriftCurrent prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		transfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "engine",
				Name:      "transfers_total",
				Help:      "Transfer executions partitioned by outcome.",
			},
			[]string{"result"},
		),
		transferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "open_ledger",
				Subsystem: "engine",
				Name:      "transfer_duration_seconds",
				Help:      "Wall time of ExecuteTransfer including lock waits.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		outboxDeliveredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "outbox",
				Name:      "delivered_total",
				Help:      "Outbox events delivered to the transport.",
			},
		),
		outboxFailedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "outbox",
				Name:      "delivery_failures_total",
				Help:      "Outbox delivery attempts that failed.",
			},
		),
		outboxDeadTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "outbox",
				Name:      "dead_lettered_total",
				Help:      "Outbox events routed to the dead-letter state.",
			},
		),
		pruneRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "idempotency",
				Name:      "prune_runs_total",
				Help:      "Total prune runs partitioned by result.",
			},
			[]string{"result"},
		),
		pruneDeletedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "idempotency",
				Name:      "prune_deleted_total",
				Help:      "Total number of expired idempotency keys deleted.",
			},
		),
		pruneLastDeleted: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_ledger",
				Subsystem: "idempotency",
				Name:      "prune_last_deleted",
				Help:      "Keys deleted in the most recent prune run.",
			},
		),
		pruneLastRunUnix: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_ledger",
				Subsystem: "idempotency",
				Name:      "prune_last_run_unix",
				Help:      "Unix time of the most recent prune run.",
			},
		),
		reconcileDriftCurrent: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_ledger",
				Subsystem: "reconcile",
				Name:      "drift_accounts",
				Help:      "Accounts flagged by the most recent reconciliation sweep.",
			},
		),
	}
}

func (m *Metrics) ObserveTransfer(result string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) TransferTimer() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.transferDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ObserveOutboxDelivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.outboxDeliveredTotal.Inc()
		return
	}
	m.outboxFailedTotal.Inc()
}

func (m *Metrics) ObserveOutboxDeadLetter() {
	if m == nil {
		return
	}
	m.outboxDeadTotal.Inc()
}

func (m *Metrics) ObserveIdempotencyPrune(deleted int64, err error) {
	if m == nil {
		return
	}
	m.pruneLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	m.pruneLastDeleted.Set(float64(deleted))
	if err != nil {
		m.pruneRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.pruneRunsTotal.WithLabelValues("success").Inc()
	if deleted > 0 {
		m.pruneDeletedTotal.Add(float64(deleted))
	}
}

func (m *Metrics) SetReconcileDrift(n int) {
	if m == nil {
		return
	}
	m.reconcileDriftCurrent.Set(float64(n))
}
