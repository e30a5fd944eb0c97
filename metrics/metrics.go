/*
Package metrics exposes Prometheus instrumentation for the premium engine.

PURPOSE:
  Central registry of every counter, gauge, and histogram the engine emits.
  Services and the API layer record through this struct; the HTTP server
  serves the standard /metrics endpoint.

NAMING:
  All metrics carry the premium_engine_ prefix. Counters end in _total,
  durations are histograms in seconds.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all instrumentation for the engine. Construct once with
// New and share across services.
type Metrics struct {
	CalculationsTotal *prometheus.CounterVec // by source: policy, override
	CalculationErrors prometheus.Counter
	BulkRecalcSkipped prometheus.Counter

	InvoiceTransitions *prometheus.CounterVec // by to-state
	PostingAttempts    prometheus.Counter
	PostingFailures    prometheus.Counter

	PenaltiesApplied   prometheus.Counter
	PenaltiesEscalated prometheus.Counter
	PenaltiesWaived    prometheus.Counter
	SweepDuration      prometheus.Histogram

	PaymentsIngested  prometheus.Counter
	PaymentsParked    prometheus.Counter
	Reconciliations   *prometheus.CounterVec // by outcome state
	UnmatchedPayments prometheus.Gauge
	OverdueInvoices   prometheus.Gauge
}

// New registers all engine metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CalculationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premium_engine_calculations_total",
			Help: "Premium calculations performed, by result source.",
		}, []string{"source"}),
		CalculationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "premium_engine_calculation_errors_total",
			Help: "Premium calculation requests that failed.",
		}),
		BulkRecalcSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "premium_engine_bulk_recalc_skipped_total",
			Help: "Institutions skipped during bulk recalculation due to pinned overrides.",
		}),

		InvoiceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premium_engine_invoice_transitions_total",
			Help: "Invoice state transitions, labelled by the target state.",
		}, []string{"state"}),
		PostingAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "premium_engine_posting_attempts_total",
			Help: "Attempts to post an invoice to the accounting system.",
		}),
		PostingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "premium_engine_posting_failures_total",
			Help: "Invoice postings that exhausted all retries.",
		}),

		PenaltiesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "premium_engine_penalties_applied_total",
			Help: "Penalties applied to overdue invoices.",
		}),
		PenaltiesEscalated: factory.NewCounter(prometheus.CounterOpts{
			Name: "premium_engine_penalties_escalated_total",
			Help: "Penalties recomputed at a higher escalation step.",
		}),
		PenaltiesWaived: factory.NewCounter(prometheus.CounterOpts{
			Name: "premium_engine_penalties_waived_total",
			Help: "Penalties waived by operators.",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "premium_engine_penalty_sweep_duration_seconds",
			Help:    "Wall time of the daily penalty sweep.",
			Buckets: prometheus.DefBuckets,
		}),

		PaymentsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "premium_engine_payments_ingested_total",
			Help: "Payment events accepted from the banking feed.",
		}),
		PaymentsParked: factory.NewCounter(prometheus.CounterOpts{
			Name: "premium_engine_payments_parked_total",
			Help: "Payment events parked because no invoice matched.",
		}),
		Reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premium_engine_reconciliations_total",
			Help: "Reconciliation attempts, labelled by outcome state.",
		}, []string{"state"}),
		UnmatchedPayments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "premium_engine_unmatched_payments",
			Help: "Parked payments currently awaiting operator attention.",
		}),
		OverdueInvoices: factory.NewGauge(prometheus.GaugeOpts{
			Name: "premium_engine_overdue_invoices",
			Help: "Invoices currently in the overdue state.",
		}),
	}
}
