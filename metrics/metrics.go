package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks escrow platform activity. Counters cover the business
// transitions; the histogram covers HTTP handler latency.
type Metrics struct {
	EscrowsCreated  prometheus.Counter
	FundsDeposited  prometheus.Counter
	FundsReleased   prometheus.Counter
	DisputesRaised  prometheus.Counter
	DisputesSettled prometheus.Counter
	Refunds         prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

// New registers all platform metrics on reg; nil means the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EscrowsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrowflow_escrows_created_total",
			Help: "Total number of escrow records created",
		}),
		FundsDeposited: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrowflow_deposits_total",
			Help: "Total number of successful deposits",
		}),
		FundsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrowflow_releases_total",
			Help: "Total number of successful releases",
		}),
		DisputesRaised: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrowflow_disputes_raised_total",
			Help: "Total number of disputes raised",
		}),
		DisputesSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrowflow_disputes_settled_total",
			Help: "Total number of disputes resolved by an arbiter",
		}),
		Refunds: factory.NewCounter(prometheus.CounterOpts{
			Name: "escrowflow_refunds_total",
			Help: "Total number of administrative refunds",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrowflow_http_request_duration_seconds",
			Help:    "HTTP handler latency by route and status class",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "status"}),
	}
}

// ObserveRequest records one handler invocation.
func (m *Metrics) ObserveRequest(route, status string, start time.Time) {
	m.RequestDuration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())
}
