/*
reconcile.go - Payment matching, variance, settlement

PURPOSE:
  Ingests reported payments, matches each to exactly one invoice, and
  reconciles the cumulative received amount against the amount owed
  (invoice premium plus any currently applied penalty).

MATCHING:
  A payment event carries {institutionCode, invoiceID?, amount, date}.
  With an invoice id, the match is direct. Without one, the engine looks
  up the institution's open invoice for the event's period, or - when no
  period is given - its single open invoice. Anything ambiguous or
  unmatchable is parked for operator attention and surfaced as a
  PaymentIngestError; payments are never dropped.

RECONCILIATION:
  Partial payments aggregate: every run recomputes against the cumulative
  received amount, so out-of-order and split payments converge.

    totalPayable = invoice.amount + activePenalty.amount (if any)
    variance     = received - totalPayable

  variance == 0 -> Reconciled, and the invoice settles to Paid.
  Otherwise   -> Variance, with variancePercentage recorded.

  Each run appends a new reconciliation attempt; exactly one attempt is
  current per invoice, and prior attempts stay for audit.

DISPUTES:
  Dispute moves a Variance attempt to Disputed and freezes automatic
  matching for that invoice until an operator resolves it, which appends
  a fresh Pending attempt.
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT - Raw ingested event
// =============================================================================

// PaymentEvent is the shape reported by the payment ingestion feed.
type PaymentEvent struct {
	InstitutionCode string
	InvoiceID       InvoiceID // optional
	Period          *Period   // optional
	Amount          Money
	Date            Date
}

// Payment is a stored payment, possibly not yet matched to an invoice.
type Payment struct {
	ID              PaymentID
	InstitutionCode string
	InvoiceID       InvoiceID // empty while parked
	Amount          Money
	Date            Date
	ReceivedAt      time.Time
	ParkReason      string // why the payment is unmatched, for operators
}

func (p *Payment) Matched() bool { return p.InvoiceID != "" }

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconciliationState string

const (
	ReconPending    ReconciliationState = "pending"
	ReconReconciled ReconciliationState = "reconciled"
	ReconVariance   ReconciliationState = "variance"
	ReconDisputed   ReconciliationState = "disputed"
)

// Reconciliation is one matching attempt for an invoice. Attempts append;
// the latest carries Current == true.
type Reconciliation struct {
	ID        ReconciliationID
	InvoiceID InvoiceID

	TotalPayable  Money // invoice amount + active penalty at evaluation time
	PaymentAmount Money // cumulative received
	PaymentDate   Date  // date of the latest contributing payment

	Variance    Money
	VariancePct decimal.Decimal // variance / totalPayable * 100

	State        ReconciliationState
	Notes        string
	ReconciledBy string
	ReconciledAt time.Time

	Current bool
	Version int
}

// =============================================================================
// RECONCILIATION SERVICE
// =============================================================================

type ReconciliationService struct {
	Store    Store
	Invoices *InvoiceService
	Locks    *KeyLock
}

func NewReconciliationService(store Store, invoices *InvoiceService, locks *KeyLock) *ReconciliationService {
	return &ReconciliationService{Store: store, Invoices: invoices, Locks: locks}
}

// IngestPayment stores a reported payment and, when it can be matched,
// immediately reconciles the invoice against the cumulative received
// amount. Unmatched payments are parked and returned with an IngestError.
func (s *ReconciliationService) IngestPayment(ctx context.Context, evt PaymentEvent) (*Payment, *Reconciliation, error) {
	if evt.Amount.IsNegative() || evt.Amount.IsZero() {
		return nil, nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if evt.InstitutionCode == "" && evt.InvoiceID == "" {
		return nil, nil, &ValidationError{Field: "institution_code", Message: "required when invoice_id is absent"}
	}

	payment := Payment{
		ID:              PaymentID(uuid.NewString()),
		InstitutionCode: evt.InstitutionCode,
		Amount:          evt.Amount,
		Date:            evt.Date,
		ReceivedAt:      time.Now().UTC(),
	}

	inv, matchErr := s.match(ctx, evt)
	if matchErr != nil {
		payment.ParkReason = matchErr.Error()
		if err := s.Store.InsertPayment(ctx, payment); err != nil {
			return nil, nil, err
		}
		s.auditPayment(ctx, AuditPaymentParked, payment, "")
		return &payment, nil, &IngestError{
			PaymentID:       payment.ID,
			InstitutionCode: evt.InstitutionCode,
			Reason:          matchErr.Error(),
		}
	}

	payment.InvoiceID = inv.ID
	if err := s.Store.InsertPayment(ctx, payment); err != nil {
		return nil, nil, err
	}
	s.auditPayment(ctx, AuditPaymentIngested, payment, string(inv.InstitutionID))

	rec, err := s.Reconcile(ctx, inv.ID, "system")
	if err != nil {
		// The payment is stored; reconciliation can be re-driven later.
		return &payment, nil, err
	}
	return &payment, rec, nil
}

// match resolves the event to exactly one invoice.
func (s *ReconciliationService) match(ctx context.Context, evt PaymentEvent) (*Invoice, error) {
	if evt.InvoiceID != "" {
		inv, err := s.Store.Invoice(ctx, evt.InvoiceID)
		if err != nil {
			return nil, err
		}
		if inv == nil {
			return nil, fmt.Errorf("invoice %s not found", evt.InvoiceID)
		}
		if inv.State == InvoiceCancelled {
			return nil, fmt.Errorf("invoice %s is cancelled", evt.InvoiceID)
		}
		return inv, nil
	}

	if evt.Period != nil {
		inv, err := s.Store.ActiveInvoiceByCode(ctx, evt.InstitutionCode, *evt.Period)
		if err != nil {
			return nil, err
		}
		if inv == nil {
			return nil, fmt.Errorf("no invoice for %s in %s", evt.InstitutionCode, evt.Period)
		}
		return inv, nil
	}

	open, err := s.Store.OpenInvoicesByCode(ctx, evt.InstitutionCode)
	if err != nil {
		return nil, err
	}
	switch len(open) {
	case 0:
		return nil, fmt.Errorf("no open invoice for %s", evt.InstitutionCode)
	case 1:
		return &open[0], nil
	default:
		return nil, fmt.Errorf("ambiguous: %d open invoices for %s", len(open), evt.InstitutionCode)
	}
}

// Reconcile evaluates an invoice against all payments received so far.
// Disputed invoices are frozen until resolved.
func (s *ReconciliationService) Reconcile(ctx context.Context, invoiceID InvoiceID, actor string) (*Reconciliation, error) {
	inv, err := s.Store.Invoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, &NotFoundError{Kind: "invoice", ID: string(invoiceID)}
	}

	defer s.Locks.Lock(inv.InstitutionID, inv.Period)()

	inv, err = s.Store.Invoice(ctx, invoiceID) // reload under lock
	if err != nil || inv == nil {
		return nil, err
	}
	if inv.State == InvoiceDraft || inv.State == InvoiceCancelled {
		return nil, &StateError{Kind: "invoice", ID: string(invoiceID), From: string(inv.State), Action: "reconcile"}
	}

	current, err := s.Store.CurrentReconciliation(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.State == ReconDisputed {
		return nil, &StateError{Kind: "reconciliation", ID: string(current.ID), From: string(current.State), Action: "reconcile over"}
	}

	totalPayable := inv.Amount
	penalty, err := s.Store.ActivePenalty(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if penalty != nil {
		totalPayable = penalty.TotalPayable
	}

	payments, err := s.Store.PaymentsByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	received := ZeroMoney()
	var lastDate Date
	for _, p := range payments {
		received = received.Add(p.Amount)
		if lastDate.IsZero() || p.Date.After(lastDate) {
			lastDate = p.Date
		}
	}

	variance := received.Sub(totalPayable)
	rec := Reconciliation{
		ID:            ReconciliationID(uuid.NewString()),
		InvoiceID:     invoiceID,
		TotalPayable:  totalPayable,
		PaymentAmount: received,
		PaymentDate:   lastDate,
		Variance:      variance,
		ReconciledBy:  actor,
		ReconciledAt:  time.Now().UTC(),
		Current:       true,
		Version:       1,
	}

	if variance.IsZero() {
		rec.State = ReconReconciled
	} else {
		rec.State = ReconVariance
		if !totalPayable.IsZero() {
			rec.VariancePct = variance.Value.
				Div(totalPayable.Value).
				Mul(decimal.NewFromInt(100)).
				Round(2)
		}
	}

	if err := s.Store.AppendReconciliation(ctx, rec); err != nil {
		return nil, err
	}

	if rec.State == ReconReconciled {
		if _, err := s.Invoices.MarkPaid(ctx, invoiceID); err != nil {
			return nil, err
		}
		s.auditRecon(ctx, AuditReconciled, actor, rec, inv.InstitutionID, nil)
	} else {
		s.auditRecon(ctx, AuditVarianceFound, actor, rec, inv.InstitutionID, map[string]string{
			"variance":     variance.String(),
			"variance_pct": rec.VariancePct.String(),
		})
	}
	return &rec, nil
}

// Dispute moves a Variance attempt to Disputed, freezing automatic
// matching for its invoice until resolved.
func (s *ReconciliationService) Dispute(ctx context.Context, id ReconciliationID, actor, notes string) (*Reconciliation, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != ReconVariance {
		return nil, &StateError{Kind: "reconciliation", ID: string(id), From: string(rec.State), Action: "dispute"}
	}

	rec.State = ReconDisputed
	rec.Notes = notes
	rec.ReconciledBy = actor
	if err := s.Store.UpdateReconciliation(ctx, *rec); err != nil {
		return nil, err
	}
	rec.Version++

	inv, _ := s.Store.Invoice(ctx, rec.InvoiceID)
	var instID InstitutionID
	if inv != nil {
		instID = inv.InstitutionID
	}
	s.auditRecon(ctx, AuditDisputed, actor, *rec, instID, map[string]string{"notes": notes})
	return rec, nil
}

// Resolve closes a dispute and re-runs matching with a fresh attempt.
func (s *ReconciliationService) Resolve(ctx context.Context, id ReconciliationID, actor, notes string) (*Reconciliation, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != ReconDisputed {
		return nil, &StateError{Kind: "reconciliation", ID: string(id), From: string(rec.State), Action: "resolve"}
	}

	rec.State = ReconVariance // unfreeze; the fresh attempt below becomes current
	rec.Notes = notes
	if err := s.Store.UpdateReconciliation(ctx, *rec); err != nil {
		return nil, err
	}

	inv, _ := s.Store.Invoice(ctx, rec.InvoiceID)
	var instID InstitutionID
	if inv != nil {
		instID = inv.InstitutionID
	}
	s.auditRecon(ctx, AuditDisputeResolved, actor, *rec, instID, map[string]string{"notes": notes})

	return s.Reconcile(ctx, rec.InvoiceID, actor)
}

func (s *ReconciliationService) load(ctx context.Context, id ReconciliationID) (*Reconciliation, error) {
	rec, err := s.Store.Reconciliation(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &NotFoundError{Kind: "reconciliation", ID: string(id)}
	}
	return rec, nil
}

func (s *ReconciliationService) auditPayment(ctx context.Context, action AuditAction, p Payment, instID string) {
	_ = s.Store.AppendAudit(ctx, AuditEntry{
		ID:            uuid.NewString(),
		At:            Today(),
		ActorID:       "system",
		Action:        action,
		EntityKind:    "payment",
		EntityID:      string(p.ID),
		InstitutionID: InstitutionID(instID),
		Detail: map[string]string{
			"amount": p.Amount.String(),
			"code":   p.InstitutionCode,
		},
	})
}

func (s *ReconciliationService) auditRecon(ctx context.Context, action AuditAction, actor string, rec Reconciliation, instID InstitutionID, detail map[string]string) {
	_ = s.Store.AppendAudit(ctx, AuditEntry{
		ID:            uuid.NewString(),
		At:            Today(),
		ActorID:       actor,
		Action:        action,
		EntityKind:    "reconciliation",
		EntityID:      string(rec.ID),
		InstitutionID: instID,
		Detail:        detail,
	})
}
