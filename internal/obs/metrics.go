package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors exported by the service.
type Metrics struct {
	// Outcomes counts finished ProcessReservation calls by result and
	// failure stage ("none" on success).
	Outcomes *prometheus.CounterVec
	// Allocations counts ticket number blocks by the path that produced
	// them: cache or database.
	Allocations *prometheus.CounterVec
	// Refunds counts refund attempts by result.  A failed refund is an
	// operational alert condition.
	Refunds *prometheus.CounterVec
	// PaymentLatency observes gateway round trips, including retries.
	PaymentLatency prometheus.Histogram
	// Expired counts reservations expired by the sweeper.
	Expired prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "fulfillment",
			Name:      "reservations_total",
			Help:      "Processed reservations by result and failure stage.",
		}, []string{"result", "stage"}),
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "fulfillment",
			Name:      "ticket_allocations_total",
			Help:      "Ticket number blocks allocated, by source.",
		}, []string{"source"}),
		Refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "fulfillment",
			Name:      "refunds_total",
			Help:      "Refund attempts after failed fulfillment, by result.",
		}, []string{"result"}),
		PaymentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lottery",
			Subsystem: "payment",
			Name:      "request_duration_seconds",
			Help:      "Payment gateway request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "fulfillment",
			Name:      "swept_expired_total",
			Help:      "Pending reservations expired by the sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Outcomes, m.Allocations, m.Refunds, m.PaymentLatency, m.Expired)
	}
	return m
}
