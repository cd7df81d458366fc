package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lodging"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	availabilityChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_checks_total",
			Help:      "Availability checks by result (free, taken, stale, error).",
		},
		[]string{"result"},
	)

	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiration_probes_total",
			Help:      "Expiration probes by kind (periodic, deadline) and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_transitions_total",
			Help:      "Applied reservation transitions by target status and origin.",
		},
		[]string{"status", "origin"},
	)

	activeSchedulers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_schedulers",
			Help:      "Reservations with a live deadline scheduler.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, availabilityChecks, probes, transitions, activeSchedulers)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncAvailabilityCheck(result string) {
	availabilityChecks.WithLabelValues(result).Inc()
}

func IncProbe(kind, outcome string) {
	probes.WithLabelValues(kind, outcome).Inc()
}

func IncTransition(status, origin string) {
	transitions.WithLabelValues(status, origin).Inc()
}

// SetActiveSchedulers reports the number of attached reservations.
func SetActiveSchedulers(n int) {
	activeSchedulers.Set(float64(n))
}
