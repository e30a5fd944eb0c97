package engine

import "context"

// =============================================================================
// AUDIT LOG - Append-only record of who did what when
// =============================================================================

// AuditEntry records an operator or system action against an engine record.
// Waivers and overrides are only valid with a reason and actor, and those
// land here alongside the state change itself.
type AuditEntry struct {
	ID            string
	At            Date
	ActorID       string // who performed the action; "system" for sweeps
	Action        AuditAction
	EntityKind    string // "invoice", "penalty", "reconciliation", "calculation"
	EntityID      string
	InstitutionID InstitutionID
	Detail        map[string]string // action-specific data
}

type AuditAction string

const (
	AuditCalculated        AuditAction = "premium_calculated"
	AuditOverrideApplied   AuditAction = "override_applied"
	AuditOverrideCleared   AuditAction = "override_cleared"
	AuditInvoiceGenerated  AuditAction = "invoice_generated"
	AuditInvoiceSent       AuditAction = "invoice_sent"
	AuditInvoiceCancelled  AuditAction = "invoice_cancelled"
	AuditInvoiceSuperseded AuditAction = "invoice_superseded"
	AuditInvoiceOverdue    AuditAction = "invoice_overdue"
	AuditInvoicePosted     AuditAction = "invoice_posted"
	AuditPenaltyApplied    AuditAction = "penalty_applied"
	AuditPenaltyEscalated  AuditAction = "penalty_escalated"
	AuditPenaltyWaived     AuditAction = "penalty_waived"
	AuditReminderRequested AuditAction = "reminder_requested"
	AuditPaymentIngested   AuditAction = "payment_ingested"
	AuditPaymentParked     AuditAction = "payment_parked"
	AuditReconciled        AuditAction = "reconciled"
	AuditVarianceFound     AuditAction = "variance_found"
	AuditDisputed          AuditAction = "disputed"
	AuditDisputeResolved   AuditAction = "dispute_resolved"
)

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	InstitutionID *InstitutionID
	EntityKind    *string
	EntityID      *string
	ActorID       *string
	Actions       []AuditAction
}
