package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transfa"

// BatchMetrics instruments the hold coordinator and the details retrier. A nil
// *BatchMetrics is valid and records nothing.
type BatchMetrics struct {
	Batches         *prometheus.CounterVec
	DetailsAttempts *prometheus.CounterVec
	HoldDuration    prometheus.Histogram
	BatchSize       prometheus.Histogram
}

func NewBatchMetrics(reg prometheus.Registerer) *BatchMetrics {
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment_batch",
		Name:      "batches_total",
		Help:      "Payment batches processed, by outcome.",
	}, []string{"outcome"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment_batch",
		Name:      "details_attempts_total",
		Help:      "Payment details lookup attempts, by result.",
	}, []string{"result"})
	hold := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "payment_batch",
		Name:      "hold_duration_seconds",
		Help:      "Time the primary transaction stayed open per batch.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})
	size := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "payment_batch",
		Name:      "batch_size",
		Help:      "Number of payment refs per batch.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(batches, attempts, hold, size)
	return &BatchMetrics{
		Batches:         batches,
		DetailsAttempts: attempts,
		HoldDuration:    hold,
		BatchSize:       size,
	}
}

func (m *BatchMetrics) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	m.DetailsAttempts.WithLabelValues(result).Inc()
}

// ObserveBatch records one finished batch. heldFor is zero when no transaction was opened.
func (m *BatchMetrics) ObserveBatch(outcome string, size int, heldFor time.Duration) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(outcome).Inc()
	m.BatchSize.Observe(float64(size))
	if heldFor > 0 {
		m.HoldDuration.Observe(heldFor.Seconds())
	}
}

// Handler serves the metrics gathered by g, or the default registry when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
