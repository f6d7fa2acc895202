package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for lifecycle operations, the job queue and
// registration endpoint traffic. A nil *Metrics is a no-op.
type Metrics struct {
	LifecycleOperations *prometheus.CounterVec
	JobsProcessed       *prometheus.CounterVec
	JobsRecovered       prometheus.Counter
	RegistrationCalls   *prometheus.CounterVec
	RegistrationLatency *prometheus.HistogramVec
	AuditWriteFailures  prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LifecycleOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pidline_lifecycle_operations_total",
			Help: "Lifecycle operations by action and outcome kind",
		}, []string{"action", "outcome"}),

		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pidline_jobs_processed_total",
			Help: "Jobs processed by the worker by action and resulting status",
		}, []string{"action", "status"}),

		JobsRecovered: f.NewCounter(prometheus.CounterOpts{
			Name: "pidline_jobs_recovered_total",
			Help: "Processing jobs returned to the queue after their lease expired",
		}),

		RegistrationCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pidline_registration_requests_total",
			Help: "Requests sent to the registration endpoint by method and status class",
		}, []string{"method", "status"}),

		RegistrationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pidline_registration_request_duration_seconds",
			Help:    "Latency of registration endpoint requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),

		AuditWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pidline_action_log_write_failures_total",
			Help: "Action log entries that could not be written",
		}),
	}
}

func (m *Metrics) IncOperation(action, outcome string) {
	if m != nil {
		m.LifecycleOperations.WithLabelValues(action, outcome).Inc()
	}
}

func (m *Metrics) IncJob(action, status string) {
	if m != nil {
		m.JobsProcessed.WithLabelValues(action, status).Inc()
	}
}

func (m *Metrics) AddRecovered(n int) {
	if m != nil && n > 0 {
		m.JobsRecovered.Add(float64(n))
	}
}

// ObserveRegistration records one registration endpoint request. status is
// the HTTP status, 0 for transport failures.
func (m *Metrics) ObserveRegistration(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RegistrationCalls.WithLabelValues(method, statusClass(status)).Inc()
	m.RegistrationLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) IncAuditFailure() {
	if m != nil {
		m.AuditWriteFailures.Inc()
	}
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
