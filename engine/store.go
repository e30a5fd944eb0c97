/*
store.go - Persistence interfaces for engine records

PURPOSE:
  Defines the interface between the lifecycle services and the database.
  Four record families are engine-owned (calculation results, invoices,
  penalties, reconciliations + raw payments); institutions are a read-only
  mirror of the directory feed.

HISTORY PRESERVATION:
  Calculation results, reconciliation attempts, payments, and audit entries
  are append-friendly: superseding or correcting appends a new record and
  links the old one. Invoices and penalties are the only mutable records,
  and every update carries an optimistic version check - a stale write
  fails with ErrConcurrentModification instead of clobbering state.

IMPLEMENTATIONS:
  - store/sqlite: production store
  - engine/store:  in-memory store for tests and dev

SEE ALSO:
  - keylock.go: per-(institution, period) mutual exclusion above the store
*/
package engine

import "context"

// =============================================================================
// RESULT STORE - Append-only calculation history
// =============================================================================

// ResultStore persists calculation results. Append-only: recalculation
// writes a new record and marks the previous one superseded.
type ResultStore interface {
	// AppendResult persists a new result and, when prior is non-empty,
	// marks that record superseded by the new one. Atomic.
	AppendResult(ctx context.Context, result CalculationResult, prior ResultID) error

	// CurrentResult returns the non-superseded result for the key, or
	// nil when none exists.
	CurrentResult(ctx context.Context, institutionID InstitutionID, period Period) (*CalculationResult, error)

	// ResultsByPeriod returns current results for every institution in a period.
	ResultsByPeriod(ctx context.Context, period Period) ([]CalculationResult, error)

	// ResultHistory returns all results for the key, oldest first,
	// including superseded ones.
	ResultHistory(ctx context.Context, institutionID InstitutionID, period Period) ([]CalculationResult, error)
}

// =============================================================================
// INVOICE STORE
// =============================================================================

type InvoiceStore interface {
	InsertInvoice(ctx context.Context, inv Invoice) error

	// UpdateInvoice writes the record if inv.Version matches the stored
	// version, then bumps it. Stale versions fail with
	// ErrConcurrentModification.
	UpdateInvoice(ctx context.Context, inv Invoice) error

	Invoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	// ActiveInvoice returns the single non-cancelled invoice for the key,
	// or nil. This is the uniqueness invariant's lookup.
	ActiveInvoice(ctx context.Context, institutionID InstitutionID, period Period) (*Invoice, error)

	// ActiveInvoiceByCode is ActiveInvoice keyed by institution code, used
	// by payment matching.
	ActiveInvoiceByCode(ctx context.Context, code string, period Period) (*Invoice, error)

	// InvoicesByState returns invoices in any of the given states.
	InvoicesByState(ctx context.Context, states ...InvoiceState) ([]Invoice, error)

	// OpenInvoicesByCode returns Sent/Overdue invoices for an institution
	// code, used when a payment event carries no invoice id or period.
	OpenInvoicesByCode(ctx context.Context, code string) ([]Invoice, error)
}

// =============================================================================
// PENALTY STORE
// =============================================================================

type PenaltyStore interface {
	InsertPenalty(ctx context.Context, p Penalty) error

	// UpdatePenalty uses the same optimistic version discipline as
	// UpdateInvoice.
	UpdatePenalty(ctx context.Context, p Penalty) error

	Penalty(ctx context.Context, id PenaltyID) (*Penalty, error)

	// ActivePenalty returns the applied, non-waived penalty for an
	// invoice, or nil. At most one exists.
	ActivePenalty(ctx context.Context, invoiceID InvoiceID) (*Penalty, error)

	// PenaltiesByInvoice returns all penalties ever recorded for an
	// invoice, waived ones included. Waiving preserves history.
	PenaltiesByInvoice(ctx context.Context, invoiceID InvoiceID) ([]Penalty, error)
}

// =============================================================================
// RECONCILIATION + PAYMENT STORES
// =============================================================================

type ReconciliationStore interface {
	// AppendReconciliation persists a new attempt and clears the current
	// flag on any previous attempt for the invoice. Atomic.
	AppendReconciliation(ctx context.Context, rec Reconciliation) error

	// UpdateReconciliation changes state on an existing attempt (dispute,
	// resolve) with an optimistic version check.
	UpdateReconciliation(ctx context.Context, rec Reconciliation) error

	Reconciliation(ctx context.Context, id ReconciliationID) (*Reconciliation, error)

	// CurrentReconciliation returns the current attempt for an invoice, or nil.
	CurrentReconciliation(ctx context.Context, invoiceID InvoiceID) (*Reconciliation, error)

	ReconciliationsByState(ctx context.Context, states ...ReconciliationState) ([]Reconciliation, error)
}

type PaymentStore interface {
	InsertPayment(ctx context.Context, p Payment) error

	// AttachPayment links a parked payment to an invoice once matched.
	AttachPayment(ctx context.Context, id PaymentID, invoiceID InvoiceID) error

	// PaymentsByInvoice returns all payments matched to an invoice,
	// oldest first. Reconciliation aggregates these.
	PaymentsByInvoice(ctx context.Context, invoiceID InvoiceID) ([]Payment, error)

	// UnmatchedPayments returns parked payments awaiting operator attention.
	UnmatchedPayments(ctx context.Context) ([]Payment, error)
}

// =============================================================================
// DIRECTORY - Read-only institution feed
// =============================================================================

// Directory serves institution records mirrored from the external
// directory feed. The engine never writes through this interface.
type Directory interface {
	Institution(ctx context.Context, id InstitutionID) (*Institution, error)
	InstitutionByCode(ctx context.Context, code string) (*Institution, error)
	ListInstitutions(ctx context.Context) ([]Institution, error)
}

// =============================================================================
// STORE - Everything a full deployment persists
// =============================================================================

// Store bundles all persistence interfaces. The sqlite and memory stores
// implement the whole set; services depend only on the slices they use.
type Store interface {
	ResultStore
	InvoiceStore
	PenaltyStore
	ReconciliationStore
	PaymentStore
	Directory
	AuditLog
}
