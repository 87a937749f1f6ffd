package metrics

import "github.com/prometheus/client_golang/prometheus"

// ArchiveMetrics tracks the closure and proof archival state machine.
type ArchiveMetrics struct {
	transitions *prometheus.CounterVec
	proofs      prometheus.Counter
}

func NewArchiveMetrics(reg prometheus.Registerer) *ArchiveMetrics {
	if reg == nil {
		return &ArchiveMetrics{}
	}
	m := &ArchiveMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_transitions_total",
			Help:      "Archive entry transitions by resulting status (pending, archived, failed).",
		}, []string{"status"}),
		proofs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_proofs_attached_total",
			Help:      "Proof references newly attached to archive entries.",
		}),
	}
	reg.MustRegister(m.transitions, m.proofs)
	return m
}

func (m *ArchiveMetrics) IncTransition(status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *ArchiveMetrics) AddProofs(n int) {
	if m == nil || m.proofs == nil || n <= 0 {
		return
	}
	m.proofs.Add(float64(n))
}
