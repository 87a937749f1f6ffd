package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics covers intake rejections and engine commits.
type LedgerMetrics struct {
	applied   *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	duration  prometheus.Histogram
	committed prometheus.Counter
	retries   prometheus.Counter
	audits    *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger metrics on the provided registerer. A
// nil registerer yields a no-op recorder.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	m := &LedgerMetrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "donations_applied_total",
			Help:      "Donation events applied by outcome (committed, duplicate).",
		}, []string{"outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "donations_rejected_total",
			Help:      "Donation events rejected by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "donation_apply_duration_seconds",
			Help:      "Time spent applying a donation event, including queueing on the campaign gate.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_amount_committed_total",
			Help:      "Sum of committed donation amounts in the smallest currency unit.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_storage_retries_total",
			Help:      "Transient storage failures that were retried.",
		}),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_audits_total",
			Help:      "Aggregate audits by result (consistent, drift, repaired).",
		}, []string{"result"}),
	}
	reg.MustRegister(m.applied, m.rejected, m.duration, m.committed, m.retries, m.audits)
	return m
}

func (m *LedgerMetrics) ObserveApplied(outcome string, amount int64, took time.Duration) {
	if m == nil || m.applied == nil {
		return
	}
	m.applied.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.duration.Observe(took.Seconds())
	if outcome == "committed" && amount > 0 {
		m.committed.Add(float64(amount))
	}
}

func (m *LedgerMetrics) IncRejected(reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *LedgerMetrics) IncRetry() {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Inc()
}

func (m *LedgerMetrics) IncAudit(result string) {
	if m == nil || m.audits == nil {
		return
	}
	m.audits.WithLabelValues(normalizeLabel(result)).Inc()
}
