// Package metrics holds the prometheus collectors for the engine, the
// durability log and the background jobs. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "market"

type Metrics struct {
	registry *prometheus.Registry

	orders      *prometheus.CounterVec
	trades      *prometheus.CounterVec
	tradedQty   *prometheus.CounterVec
	cancels     *prometheus.CounterVec
	appendDur   prometheus.Histogram
	appendErrs  prometheus.Counter
	sequence    prometheus.Gauge
	halted      prometheus.Gauge
	snapshotSeq prometheus.Gauge
	snapshotDur prometheus.Histogram
	published   *prometheus.CounterVec
	projected   prometheus.Counter
}

// New registers every collector on a fresh registry, alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total",
			Help: "Order submissions by instrument and outcome.",
		}, []string{"instrument", "outcome"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Trades executed by instrument.",
		}, []string{"instrument"}),
		tradedQty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "traded_quantity_total",
			Help: "Quantity executed by instrument.",
		}, []string{"instrument"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cancels_total",
			Help: "Cancel requests by instrument and outcome.",
		}, []string{"instrument", "outcome"}),
		appendDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "log", Name: "append_seconds",
			Help:    "Durability log append latency.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
		appendErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "log", Name: "append_errors_total",
			Help: "Failed durability log appends.",
		}),
		sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sequence",
			Help: "Last durable sequence number.",
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "instruments_halted",
			Help: "Instruments halted by a consistency violation.",
		}),
		snapshotSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "sequence",
			Help: "Sequence of the latest saved snapshot.",
		}),
		snapshotDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "duration_seconds",
			Help:    "Time to capture and save a snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_trades_total",
			Help: "Trades published downstream by sink.",
		}, []string{"sink"}),
		projected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "projected_events_total",
			Help: "Log events projected into the schema store.",
		}),
	}
	reg.MustRegister(m.orders, m.trades, m.tradedQty, m.cancels, m.appendDur, m.appendErrs,
		m.sequence, m.halted, m.snapshotSeq, m.snapshotDur, m.published, m.projected)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Order(instrument, outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(instrument, outcome).Inc()
}

func (m *Metrics) Trade(instrument string, qty int64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(instrument).Inc()
	m.tradedQty.WithLabelValues(instrument).Add(float64(qty))
}

func (m *Metrics) Cancel(instrument, outcome string) {
	if m == nil {
		return
	}
	m.cancels.WithLabelValues(instrument, outcome).Inc()
}

// Append matches the sequencer's observer signature.
func (m *Metrics) Append(seq uint64, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.appendDur.Observe(took.Seconds())
	if err != nil {
		m.appendErrs.Inc()
		return
	}
	m.sequence.Set(float64(seq))
}

func (m *Metrics) Sequence(seq uint64) {
	if m == nil {
		return
	}
	m.sequence.Set(float64(seq))
}

func (m *Metrics) Halted(n int) {
	if m == nil {
		return
	}
	m.halted.Set(float64(n))
}

func (m *Metrics) Snapshot(seq uint64, took time.Duration) {
	if m == nil {
		return
	}
	m.snapshotSeq.Set(float64(seq))
	m.snapshotDur.Observe(took.Seconds())
}

func (m *Metrics) Published(sink string, n int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(sink).Add(float64(n))
}

func (m *Metrics) Projected(n int) {
	if m == nil {
		return
	}
	m.projected.Add(float64(n))
}
