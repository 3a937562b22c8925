// Package metrics exposes Prometheus instruments for the credit ledger and
// the balance auditor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kiteflow/credit-engine/credit"
)

const namespace = "credit_engine"

// Metrics implements credit.Recorder and holds the auditor gauges.
type Metrics struct {
	creditsIssued   *prometheus.CounterVec
	issuanceSkipped *prometheus.CounterVec
	orphansAttached prometheus.Counter
	creditsDeleted  prometheus.Counter
	negativeSeen    prometheus.Counter

	negativeBalances  prometheus.Gauge
	orphanedAppts     prometheus.Gauge
	activeCredits     prometheus.Gauge
	auditRuns         *prometheus.CounterVec
	auditDuration     prometheus.Histogram
	lastAuditUnixTime prometheus.Gauge
}

var _ credit.Recorder = (*Metrics)(nil)

// New registers every instrument on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		creditsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_issued_total",
			Help:      "Credits issued, by unit.",
		}, []string{"unit"}),
		issuanceSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issuance_skipped_total",
			Help:      "Order-items that produced no new credit, by outcome.",
		}, []string{"status"}),
		orphansAttached: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_attached_total",
			Help:      "Appointments linked to a credit by orphan reconciliation.",
		}),
		creditsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_deleted_total",
			Help:      "Credits removed by order cancellation.",
		}),
		negativeSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negative_balance_reads_total",
			Help:      "Balance reads that returned a negative available amount.",
		}),
		negativeBalances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "negative_balances",
			Help:      "Credits with a negative balance at the last audit.",
		}),
		orphanedAppts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "orphaned_appointments",
			Help:      "Consuming appointments without a credit at the last audit.",
		}),
		activeCredits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "credits",
			Help:      "Credits inspected by the last audit.",
		}),
		auditRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "runs_total",
			Help:      "Auditor runs, by result.",
		}, []string{"result"}),
		auditDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "duration_seconds",
			Help:      "Auditor run duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		lastAuditUnixTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful audit.",
		}),
	}
}

// =============================================================================
// credit.Recorder
// =============================================================================

func (m *Metrics) CreditIssued(unit credit.Unit) {
	m.creditsIssued.WithLabelValues(string(unit)).Inc()
}

func (m *Metrics) IssuanceSkipped(status credit.IssueStatus) {
	m.issuanceSkipped.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) OrphansAttached(n int) { m.orphansAttached.Add(float64(n)) }
func (m *Metrics) CreditsDeleted(n int) { m.creditsDeleted.Add(float64(n)) }
func (m *Metrics) NegativeBalance(credit.Balance) { m.negativeSeen.Inc() }

// =============================================================================
// AUDITOR
// =============================================================================

// AuditResult is what one auditor sweep found.
type AuditResult struct {
	Credits  int
	Negative int
	Orphans  int
}

// ObserveAudit records a finished sweep. A non-nil err only bumps the
// failure counter; gauges keep their previous values.
func (m *Metrics) ObserveAudit(r AuditResult, took time.Duration, err error) {
	m.auditDuration.Observe(took.Seconds())
	if err != nil {
		m.auditRuns.WithLabelValues("error").Inc()
		return
	}
	m.auditRuns.WithLabelValues("ok").Inc()
	m.activeCredits.Set(float64(r.Credits))
	m.negativeBalances.Set(float64(r.Negative))
	m.orphanedAppts.Set(float64(r.Orphans))
	m.lastAuditUnixTime.SetToCurrentTime()
}
