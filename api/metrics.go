// metrics.go - Prometheus counters for the scheduling engine.
//
// Registered on the default registry and served from /metrics by the
// router. Counters only; latency histograms can come from standard chi
// middleware when needed.
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's operation counters.
type Metrics struct {
	Cancellations     *prometheus.CounterVec
	Bookings          prometheus.Counter
	SlotFullRejects   prometheus.Counter
	InvoicesGenerated prometheus.Counter
}

// NewMetrics registers the counters on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Cancellations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "flexclub_cancellations_total",
			Help: "Cancellations recorded, by source.",
		}, []string{"source"}),
		Bookings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flexclub_vacancy_bookings_total",
			Help: "Vacancy seats claimed.",
		}),
		SlotFullRejects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flexclub_slot_full_rejections_total",
			Help: "Booking attempts rejected because the vacancy was full.",
		}),
		InvoicesGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "flexclub_invoices_generated_total",
			Help: "Invoice rows written by reconciliation runs.",
		}),
	}
}
