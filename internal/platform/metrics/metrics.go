package metrics

import "github.com/prometheus/client_golang/prometheus"

// ClinicMetrics exposes counters for the appointment lifecycle and the
// encounter artifacts written against it.
type ClinicMetrics struct {
	bookingWarnings *prometheus.CounterVec
	bookings        prometheus.Counter
	transitions     *prometheus.CounterVec
	reschedules     prometheus.Counter
	finalizations   prometheus.Counter
	artifacts       *prometheus.CounterVec
	blobBytes       prometheus.Histogram
}

func NewClinicMetrics(reg prometheus.Registerer) *ClinicMetrics {
	m := &ClinicMetrics{
		bookingWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "booking_warnings_total",
			Help:      "Bookings held back by an unacknowledged warning",
		}, []string{"kind"}),
		bookings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Appointments created",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "status_transitions_total",
			Help:      "Appointment status transitions by outcome",
		}, []string{"from", "to", "outcome"}),
		reschedules: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "reschedules_total",
			Help:      "Reschedules that moved the appointment slot",
		}),
		finalizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "encounter",
			Name:      "finalizations_total",
			Help:      "Appointments finalized with a diagnosis",
		}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "encounter",
			Name:      "artifacts_written_total",
			Help:      "Clinical artifacts written by kind and operation",
		}, []string{"kind", "op"}),
		blobBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "encounter",
			Name:      "exam_result_bytes",
			Help:      "Size of uploaded exam result files",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8),
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingWarnings, m.bookings, m.transitions, m.reschedules,
		m.finalizations, m.artifacts, m.blobBytes)
	return m
}

func (m *ClinicMetrics) ObserveBookingWarning(kind string) {
	if m == nil {
		return
	}
	m.bookingWarnings.WithLabelValues(kind).Inc()
}

func (m *ClinicMetrics) ObserveBooking() {
	if m == nil {
		return
	}
	m.bookings.Inc()
}

func (m *ClinicMetrics) ObserveTransition(from, to string, accepted bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.transitions.WithLabelValues(from, to, outcome).Inc()
}

func (m *ClinicMetrics) ObserveReschedule() {
	if m == nil {
		return
	}
	m.reschedules.Inc()
}

func (m *ClinicMetrics) ObserveFinalization() {
	if m == nil {
		return
	}
	m.finalizations.Inc()
}

func (m *ClinicMetrics) ObserveArtifact(kind, op string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(kind, op).Inc()
}

func (m *ClinicMetrics) ObserveExamResultSize(bytes int64) {
	if m == nil {
		return
	}
	m.blobBytes.Observe(float64(bytes))
}
