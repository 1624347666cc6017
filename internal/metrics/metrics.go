// Package metrics holds the Prometheus collectors of the archive pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes.
const (
	OutcomePersist  = "persist"
	OutcomeExcluded = "excluded"
	OutcomeDelete   = "delete"
	OutcomeDegraded = "degraded"
	OutcomeDropped  = "dropped"
)

// Delete outcomes.
const (
	DeleteByID     = "by_id"
	DeleteByLatest = "by_latest"
	DeleteMissing  = "missing"
	DeleteError    = "error"
)

type Metrics struct {
	Events       *prometheus.CounterVec
	Deletes      *prometheus.CounterVec
	RowsInserted prometheus.Counter
	RowFailures  prometheus.Counter
	TxFailures   prometheus.Counter
	BatchRows    prometheus.Histogram
	QueueDepth   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgarchive_events_total",
			Help: "Inbound events by routing outcome",
		}, []string{"outcome"}),
		Deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgarchive_deletes_total",
			Help: "Retained-clear deletions by resolution path",
		}, []string{"result"}),
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgarchive_rows_inserted_total",
			Help: "Rows committed by the flush worker",
		}),
		RowFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgarchive_row_failures_total",
			Help: "Rows rejected inside a flush transaction",
		}),
		TxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgarchive_tx_failures_total",
			Help: "Flush transactions that failed to begin or commit",
		}),
		BatchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "msgarchive_batch_rows",
			Help:    "Rows per flushed batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 4096, 10000},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msgarchive_queue_depth",
			Help: "Entries waiting for the next flush",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.Deletes, m.RowsInserted, m.RowFailures, m.TxFailures, m.BatchRows, m.QueueDepth)
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) Event(outcome string) { m.Events.WithLabelValues(outcome).Inc() }

func (m *Metrics) Delete(result string) { m.Deletes.WithLabelValues(result).Inc() }

// Handler serves the registry the collectors were registered with, or the
// default gatherer.
func (m *Metrics) Handler() http.Handler {
	g := m.gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
