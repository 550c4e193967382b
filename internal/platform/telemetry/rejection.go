package telemetry

import "github.com/prometheus/client_golang/prometheus"

// RejectionMetrics counts workflow outcomes. The zero value is not usable;
// obtain one from Provider.Rejections or NewRejectionMetrics.
type RejectionMetrics struct {
	rejections  *prometheus.CounterVec
	refused     *prometheus.CounterVec
	escalations prometheus.Counter
	samples     *prometheus.CounterVec
}

func newRejectionMetrics() *RejectionMetrics {
	return &RejectionMetrics{
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rejection",
			Name:      "total",
			Help:      "Accepted result rejections by follow-up action.",
		}, []string{"action"}),
		refused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rejection",
			Name:      "refused_total",
			Help:      "Rejections refused by the server, by reason.",
		}, []string{"reason"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rejection",
			Name:      "escalations_total",
			Help:      "Tests escalated after all follow-up attempts were exhausted.",
		}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rejection",
			Name:      "samples_total",
			Help:      "Whole-sample rejections by whether recollection was required.",
		}, []string{"recollection"}),
	}
}

// NewRejectionMetrics registers a fresh set of counters on reg.
func NewRejectionMetrics(reg prometheus.Registerer) *RejectionMetrics {
	m := newRejectionMetrics()
	m.register(reg)
	return m
}

func (m *RejectionMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.rejections, m.refused, m.escalations, m.samples)
}

// Rejected counts an accepted rejection.
func (m *RejectionMetrics) Rejected(action string) {
	m.rejections.WithLabelValues(action).Inc()
}

// Refused counts a rejection the server would not perform.
func (m *RejectionMetrics) Refused(reason string) {
	m.refused.WithLabelValues(reason).Inc()
}

// Escalated counts a test that ran out of follow-up actions.
func (m *RejectionMetrics) Escalated() {
	m.escalations.Inc()
}

// SampleRejected counts a whole-sample rejection.
func (m *RejectionMetrics) SampleRejected(recollection bool) {
	label := "false"
	if recollection {
		label = "true"
	}
	m.samples.WithLabelValues(label).Inc()
}
