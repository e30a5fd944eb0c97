/*
invoice.go - Billing document lifecycle

PURPOSE:
  Turns a calculation result into an invoice and carries it through
  Draft -> Sent -> {Paid | Overdue | Cancelled}. Exactly one non-cancelled
  invoice exists per (institution, period); reissuing requires explicit
  supersession, which cancels the original and links the replacement.

STATE MACHINE:
  Draft ──send──▶ Sent ──full settlement──▶ Paid
    │               │
    │               ├──past due, unsettled──▶ Overdue ──▶ Paid
    │               │
    └──cancel──────┴──cancel / supersede──▶ Cancelled

  Overdue is reached automatically by the sweep once now > dueDate with no
  full-value reconciliation; it is never a caller action. Paid is driven by
  the reconciliation engine, never set directly.

EVENTS:
  Every state change appends an audit entry and notifies registered
  listeners. The penalty sweep and metrics hang off these notifications.

SEE ALSO:
  - posting.go: idempotent accounting posting with retry
  - penalty.go: surcharges once an invoice is overdue
  - reconcile.go: settlement and the transition to Paid
*/
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceState string

const (
	InvoiceDraft     InvoiceState = "draft"
	InvoiceSent      InvoiceState = "sent"
	InvoicePaid      InvoiceState = "paid"
	InvoiceOverdue   InvoiceState = "overdue"
	InvoiceCancelled InvoiceState = "cancelled"
)

// PostingState tracks the at-most-once handoff to the accounting system.
type PostingState string

const (
	PostingNone    PostingState = "none"    // never attempted
	PostingPending PostingState = "pending" // attempted, transient failure, will retry
	PostingPosted  PostingState = "posted"  // done; further calls are no-ops
)

// Invoice is the billing document for one institution and period.
// The amount is premium only; penalties ride on their own record.
//
// SentAt is set only once the invoice leaves Draft - a Draft invoice has
// no sent date by construction.
type Invoice struct {
	ID              InvoiceID
	InstitutionID   InstitutionID
	InstitutionCode string
	Period          Period
	ResultID        ResultID
	Amount          Money
	DueDate         Date
	State           InvoiceState

	Posting         PostingState
	PostingAttempts int
	PostingError    string
	PostedAt        *time.Time

	CreatedAt time.Time
	SentAt    *time.Time

	// Supersession links. A reissued invoice points back at the cancelled
	// original, and the original forward at its replacement.
	Supersedes   InvoiceID
	SupersededBy InvoiceID

	// Optimistic concurrency: bumped by the store on every update.
	Version int
}

// Open reports whether the invoice still awaits settlement.
func (i *Invoice) Open() bool {
	return i.State == InvoiceSent || i.State == InvoiceOverdue
}

// =============================================================================
// INVOICE EVENTS
// =============================================================================

// InvoiceEvent is emitted on every state change.
type InvoiceEvent struct {
	InvoiceID     InvoiceID
	InstitutionID InstitutionID
	Period        Period
	From, To      InvoiceState
	At            time.Time
}

type InvoiceListener func(InvoiceEvent)

// =============================================================================
// INVOICE SERVICE
// =============================================================================

// InvoiceService owns the invoice lifecycle.
type InvoiceService struct {
	Store InvoiceStore
	Audit AuditLog
	Locks *KeyLock

	listeners []InvoiceListener
}

func NewInvoiceService(store Store, locks *KeyLock) *InvoiceService {
	return &InvoiceService{Store: store, Audit: store, Locks: locks}
}

// Subscribe registers a listener for invoice state changes. Not safe to
// call concurrently with lifecycle operations; wire listeners at startup.
func (s *InvoiceService) Subscribe(l InvoiceListener) {
	s.listeners = append(s.listeners, l)
}

// Generate creates a Draft invoice from a calculation result. Fails with
// ConflictError if a non-cancelled invoice already exists for the key.
func (s *InvoiceService) Generate(ctx context.Context, result CalculationResult, code string, dueDate Date) (*Invoice, error) {
	if dueDate.IsZero() {
		return nil, &ValidationError{Field: "due_date", Message: "required"}
	}
	if result.Premium.IsNegative() {
		return nil, &ValidationError{Field: "amount", Message: "must not be negative"}
	}

	defer s.Locks.Lock(result.InstitutionID, result.Period)()

	existing, err := s.Store.ActiveInvoice(ctx, result.InstitutionID, result.Period)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &ConflictError{
			Kind:       "invoice",
			ExistingID: string(existing.ID),
			Key:        string(result.InstitutionID) + "/" + result.Period.String(),
		}
	}

	inv := Invoice{
		ID:              InvoiceID(uuid.NewString()),
		InstitutionID:   result.InstitutionID,
		InstitutionCode: code,
		Period:          result.Period,
		ResultID:        result.ID,
		Amount:          result.Premium,
		DueDate:         dueDate,
		State:           InvoiceDraft,
		Posting:         PostingNone,
		CreatedAt:       time.Now().UTC(),
		Version:         1,
	}
	if err := s.Store.InsertInvoice(ctx, inv); err != nil {
		return nil, err
	}

	s.audit(ctx, AuditInvoiceGenerated, "system", inv, map[string]string{
		"amount":   inv.Amount.String(),
		"due_date": dueDate.String(),
	})
	return &inv, nil
}

// GenerateAll generates invoices for every current calculation result in a
// period, collecting per-institution failures.
func (s *InvoiceService) GenerateAll(ctx context.Context, results []CalculationResult, codeFor func(InstitutionID) string, dueDate Date) *BulkReport {
	report := &BulkReport{Failures: make(map[InstitutionID]string)}
	for _, result := range results {
		report.Period = result.Period
		if _, err := s.Generate(ctx, result, codeFor(result.InstitutionID), dueDate); err != nil {
			if errors.Is(err, ErrConflict) {
				// Existing invoice for the key; nothing to do.
				report.Skipped = append(report.Skipped, result.InstitutionID)
				continue
			}
			report.Failures[result.InstitutionID] = err.Error()
			continue
		}
		report.Processed++
	}
	return report
}

// Send transitions Draft -> Sent and stamps the sent date. Any other
// starting state fails with StateError; reissuing a Sent invoice goes
// through Supersede instead.
func (s *InvoiceService) Send(ctx context.Context, id InvoiceID) (*Invoice, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	defer s.Locks.Lock(inv.InstitutionID, inv.Period)()

	inv, err = s.load(ctx, id) // reload under lock
	if err != nil {
		return nil, err
	}
	if inv.State != InvoiceDraft {
		return nil, &StateError{Kind: "invoice", ID: string(id), From: string(inv.State), Action: "send"}
	}

	now := time.Now().UTC()
	from := inv.State
	inv.State = InvoiceSent
	inv.SentAt = &now
	if err := s.Store.UpdateInvoice(ctx, *inv); err != nil {
		return nil, err
	}
	inv.Version++

	s.notify(*inv, from)
	s.audit(ctx, AuditInvoiceSent, "system", *inv, nil)
	return inv, nil
}

// Cancel transitions Draft or Sent to Cancelled. Settled or already
// cancelled invoices cannot be cancelled.
func (s *InvoiceService) Cancel(ctx context.Context, id InvoiceID, reason, actor string) (*Invoice, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	defer s.Locks.Lock(inv.InstitutionID, inv.Period)()

	inv, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.State != InvoiceDraft && inv.State != InvoiceSent {
		return nil, &StateError{Kind: "invoice", ID: string(id), From: string(inv.State), Action: "cancel"}
	}

	from := inv.State
	inv.State = InvoiceCancelled
	if err := s.Store.UpdateInvoice(ctx, *inv); err != nil {
		return nil, err
	}
	inv.Version++

	s.notify(*inv, from)
	s.audit(ctx, AuditInvoiceCancelled, actor, *inv, map[string]string{"reason": reason})
	return inv, nil
}

// Supersede reissues a Sent or Overdue invoice: the original is cancelled
// and a new Draft for the same amount is created, linked both ways.
func (s *InvoiceService) Supersede(ctx context.Context, id InvoiceID, newDueDate Date, actor string) (*Invoice, error) {
	orig, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	defer s.Locks.Lock(orig.InstitutionID, orig.Period)()

	orig, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.State != InvoiceSent && orig.State != InvoiceOverdue {
		return nil, &StateError{Kind: "invoice", ID: string(id), From: string(orig.State), Action: "supersede"}
	}

	replacement := Invoice{
		ID:              InvoiceID(uuid.NewString()),
		InstitutionID:   orig.InstitutionID,
		InstitutionCode: orig.InstitutionCode,
		Period:          orig.Period,
		ResultID:        orig.ResultID,
		Amount:          orig.Amount,
		DueDate:         newDueDate,
		State:           InvoiceDraft,
		Posting:         PostingNone,
		CreatedAt:       time.Now().UTC(),
		Supersedes:      orig.ID,
		Version:         1,
	}

	from := orig.State
	orig.State = InvoiceCancelled
	orig.SupersededBy = replacement.ID
	if err := s.Store.UpdateInvoice(ctx, *orig); err != nil {
		return nil, err
	}
	if err := s.Store.InsertInvoice(ctx, replacement); err != nil {
		return nil, err
	}

	s.notify(*orig, from)
	s.audit(ctx, AuditInvoiceSuperseded, actor, *orig, map[string]string{
		"replacement": string(replacement.ID),
	})
	return &replacement, nil
}

// MarkOverdue sweeps Sent invoices past their due date into Overdue.
// Re-running at any cadence is safe: already-overdue invoices are left
// alone and settled invoices are never touched.
func (s *InvoiceService) MarkOverdue(ctx context.Context, asOf Date) (int, error) {
	sent, err := s.Store.InvoicesByState(ctx, InvoiceSent)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, inv := range sent {
		if !asOf.After(inv.DueDate) {
			continue
		}

		err := func() error {
			defer s.Locks.Lock(inv.InstitutionID, inv.Period)()

			cur, err := s.load(ctx, inv.ID)
			if err != nil {
				return err
			}
			if cur.State != InvoiceSent || !asOf.After(cur.DueDate) {
				return nil // settled or superseded since listing
			}

			from := cur.State
			cur.State = InvoiceOverdue
			if err := s.Store.UpdateInvoice(ctx, *cur); err != nil {
				return err
			}
			cur.Version++
			marked++

			s.notify(*cur, from)
			s.audit(ctx, AuditInvoiceOverdue, "system", *cur, map[string]string{
				"as_of": asOf.String(),
			})
			return nil
		}()
		if err != nil {
			return marked, err
		}
	}
	return marked, nil
}

// MarkPaid is reconciliation's hook: transitions an open invoice to Paid.
func (s *InvoiceService) MarkPaid(ctx context.Context, id InvoiceID) (*Invoice, error) {
	inv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inv.Open() {
		return nil, &StateError{Kind: "invoice", ID: string(id), From: string(inv.State), Action: "settle"}
	}

	from := inv.State
	inv.State = InvoicePaid
	if err := s.Store.UpdateInvoice(ctx, *inv); err != nil {
		return nil, err
	}
	inv.Version++

	s.notify(*inv, from)
	return inv, nil
}

func (s *InvoiceService) load(ctx context.Context, id InvoiceID) (*Invoice, error) {
	inv, err := s.Store.Invoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, &NotFoundError{Kind: "invoice", ID: string(id)}
	}
	return inv, nil
}

func (s *InvoiceService) notify(inv Invoice, from InvoiceState) {
	evt := InvoiceEvent{
		InvoiceID:     inv.ID,
		InstitutionID: inv.InstitutionID,
		Period:        inv.Period,
		From:          from,
		To:            inv.State,
		At:            time.Now().UTC(),
	}
	for _, l := range s.listeners {
		l(evt)
	}
}

func (s *InvoiceService) audit(ctx context.Context, action AuditAction, actor string, inv Invoice, detail map[string]string) {
	if s.Audit == nil {
		return
	}
	_ = s.Audit.AppendAudit(ctx, AuditEntry{
		ID:            uuid.NewString(),
		At:            Today(),
		ActorID:       actor,
		Action:        action,
		EntityKind:    "invoice",
		EntityID:      string(inv.ID),
		InstitutionID: inv.InstitutionID,
		Detail:        detail,
	})
}
