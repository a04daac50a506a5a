// Package metrics exposes the sync core's counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeTransient = "transient"
	OutcomeRejected  = "rejected"
	OutcomeDiscarded = "discarded"
)

// Recorder is what the reconciler reports into.
type Recorder interface {
	RecordOperation(opType, outcome string)
	RecordDrain(d time.Duration)
	RecordFullSync(ok bool)
	RecordConflicts(n int)
}

// Collector is the Prometheus-backed [Recorder].
type Collector struct {
	operations    *prometheus.CounterVec
	drainDuration prometheus.Histogram
	fullSyncs     *prometheus.CounterVec
	conflicts     prometheus.Counter
}

var _ Recorder = (*Collector)(nil)

// NewCollector registers the sync metrics with reg. pending feeds the gauge of
// changes waiting to reach the backend.
func NewCollector(reg prometheus.Registerer, pending func() int) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dolate_operations_total",
			Help: "Replayed operations by type and outcome",
		}, []string{"type", "outcome"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dolate_drain_duration_seconds",
			Help:    "Time spent draining the operation queue",
			Buckets: prometheus.DefBuckets,
		}),
		fullSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dolate_full_syncs_total",
			Help: "Full syncs by result",
		}, []string{"result"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dolate_conflicts_detected_total",
			Help: "Conflicts found between local and server copies",
		}),
	}

	reg.MustRegister(
		c.operations,
		c.drainDuration,
		c.fullSyncs,
		c.conflicts,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dolate_pending_changes",
			Help: "Operations waiting in either sublog",
		}, func() float64 { return float64(pending()) }),
	)

	return c
}

func (c *Collector) RecordOperation(opType, outcome string) {
	c.operations.WithLabelValues(opType, outcome).Inc()
}

func (c *Collector) RecordDrain(d time.Duration) {
	c.drainDuration.Observe(d.Seconds())
}

func (c *Collector) RecordFullSync(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.fullSyncs.WithLabelValues(result).Inc()
}

func (c *Collector) RecordConflicts(n int) {
	c.conflicts.Add(float64(n))
}

// Handler serves the registry for scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop drops everything. Useful when nobody is scraping.
type Nop struct{}

func (Nop) RecordOperation(string, string) {}
func (Nop) RecordDrain(time.Duration)      {}
func (Nop) RecordFullSync(bool)            {}
func (Nop) RecordConflicts(int)            {}
