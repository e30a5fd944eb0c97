/*
penalty.go - Late-payment surcharges

PURPOSE:
  Evaluates overdue invoices against a grace/escalation policy and attaches
  an escalating surcharge. The sweep is a repeatable batch job: re-running
  it against an invoice whose days-overdue bucket has not advanced changes
  nothing, and escalation always recomputes from the invoice amount, never
  from a previous penalty total.

POLICY:
  Penalty accrues once daysOverdue reaches the grace period, then escalates
  per overdue step up to a hard ceiling:

    steps = (daysOverdue - gracePeriodDays) / stepDays
    rate  = min(baseRate + escalationRate * steps, maxRate)

  penaltyAmount = invoice.amount * rate (round half-even)
  totalPayable  = invoice.amount + penaltyAmount

STATES per invoice:
  NotApplicable -> Applied -> {Waived | cleared on full payment}

  At most one active (non-waived) penalty exists per invoice; escalation
  updates it in place under a version check instead of stacking records.
  Waiving zeroes the amounts but keeps the record - history survives.

SEE ALSO:
  - reconcile.go: folds the active penalty into the amount owed
*/
package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PENALTY POLICY
// =============================================================================

type PenaltyPolicy struct {
	GracePeriodDays int
	BaseRate        decimal.Decimal
	EscalationRate  decimal.Decimal // added per step beyond grace
	StepDays        int             // overdue step size, e.g. every 5 days
	MaxRate         decimal.Decimal // hard ceiling
}

// Assessment is the pure outcome of evaluating a policy against an
// overdue invoice.
type Assessment struct {
	DaysOverdue  int
	Steps        int
	Rate         decimal.Decimal
	Amount       Money
	TotalPayable Money
}

// Applies reports whether a penalty accrues at the given days overdue.
// Accrual starts once daysOverdue reaches the grace period.
func (p PenaltyPolicy) Applies(daysOverdue int) bool {
	return daysOverdue >= p.GracePeriodDays && daysOverdue > 0
}

// Assess evaluates the policy against an invoice amount. Only meaningful
// when Applies(daysOverdue) is true.
func (p PenaltyPolicy) Assess(invoiceAmount Money, daysOverdue int) Assessment {
	stepDays := p.StepDays
	if stepDays <= 0 {
		stepDays = 1
	}
	steps := (daysOverdue - p.GracePeriodDays) / stepDays

	rate := p.BaseRate.Add(p.EscalationRate.Mul(decimal.NewFromInt(int64(steps))))
	if !p.MaxRate.IsZero() && rate.GreaterThan(p.MaxRate) {
		rate = p.MaxRate
	}

	amount := invoiceAmount.MulRate(rate)
	return Assessment{
		DaysOverdue:  daysOverdue,
		Steps:        steps,
		Rate:         rate,
		Amount:       amount,
		TotalPayable: invoiceAmount.Add(amount),
	}
}

// =============================================================================
// PENALTY
// =============================================================================

type PenaltyState string

const (
	PenaltyNotApplicable PenaltyState = "not_applicable"
	PenaltyApplied       PenaltyState = "applied"
	PenaltyWaived        PenaltyState = "waived"
)

// Penalty is a surcharge attached to one overdue invoice.
type Penalty struct {
	ID        PenaltyID
	InvoiceID InvoiceID

	DaysOverdue  int // snapshot at last evaluation
	Steps        int // escalation bucket; sweep is a no-op while unchanged
	Rate         decimal.Decimal
	Amount       Money
	TotalPayable Money // invoice amount + penalty amount

	State     PenaltyState
	AppliedAt time.Time
	AppliedBy string

	WaivedAt    *time.Time
	WaivedBy    string
	WaiveReason string

	ReminderCount int

	Version int
}

// =============================================================================
// PENALTY SERVICE
// =============================================================================

type PenaltyService struct {
	Penalties PenaltyStore
	Invoices  InvoiceStore
	Audit     AuditLog
	Locks     *KeyLock
	Policy    PenaltyPolicy
}

func NewPenaltyService(store Store, locks *KeyLock, policy PenaltyPolicy) *PenaltyService {
	return &PenaltyService{Penalties: store, Invoices: store, Audit: store, Locks: locks, Policy: policy}
}

// SweepReport collects per-invoice outcomes of one sweep run.
type SweepReport struct {
	AsOf      Date
	Evaluated int
	Applied   int
	Escalated int
	Unchanged int
	Failures  map[InvoiceID]string
}

// Sweep evaluates every unsettled invoice as of the given date. Safe to
// re-run at any cadence: invoices whose bucket has not advanced are
// untouched. One invoice's failure never aborts the rest.
func (s *PenaltyService) Sweep(ctx context.Context, asOf Date) (*SweepReport, error) {
	report := &SweepReport{AsOf: asOf, Failures: make(map[InvoiceID]string)}

	invoices, err := s.Invoices.InvoicesByState(ctx, InvoiceSent, InvoiceOverdue)
	if err != nil {
		return nil, err
	}

	for _, inv := range invoices {
		report.Evaluated++
		outcome, err := s.SweepInvoice(ctx, inv.ID, asOf)
		if err != nil {
			report.Failures[inv.ID] = err.Error()
			continue
		}
		switch outcome {
		case SweepApplied:
			report.Applied++
		case SweepEscalated:
			report.Escalated++
		default:
			report.Unchanged++
		}
	}
	return report, nil
}

type SweepOutcome int

const (
	SweepUnchanged SweepOutcome = iota
	SweepApplied
	SweepEscalated
)

// SweepInvoice evaluates one invoice. Exported for on-demand evaluation
// through the operator surface.
func (s *PenaltyService) SweepInvoice(ctx context.Context, id InvoiceID, asOf Date) (SweepOutcome, error) {
	inv, err := s.Invoices.Invoice(ctx, id)
	if err != nil {
		return SweepUnchanged, err
	}
	if inv == nil {
		return SweepUnchanged, &NotFoundError{Kind: "invoice", ID: string(id)}
	}

	defer s.Locks.Lock(inv.InstitutionID, inv.Period)()

	inv, err = s.Invoices.Invoice(ctx, id) // reload under lock
	if err != nil || inv == nil {
		return SweepUnchanged, err
	}
	if !inv.Open() {
		return SweepUnchanged, nil // paid or cancelled since listing
	}

	daysOverdue := DaysBetween(inv.DueDate, asOf)
	if daysOverdue < 0 {
		daysOverdue = 0
	}

	active, err := s.Penalties.ActivePenalty(ctx, inv.ID)
	if err != nil {
		return SweepUnchanged, err
	}

	if !s.Policy.Applies(daysOverdue) {
		// Within grace: nothing accrues, and nothing to unwind.
		return SweepUnchanged, nil
	}

	assessment := s.Policy.Assess(inv.Amount, daysOverdue)

	if active == nil {
		p := Penalty{
			ID:           PenaltyID(uuid.NewString()),
			InvoiceID:    inv.ID,
			DaysOverdue:  assessment.DaysOverdue,
			Steps:        assessment.Steps,
			Rate:         assessment.Rate,
			Amount:       assessment.Amount,
			TotalPayable: assessment.TotalPayable,
			State:        PenaltyApplied,
			AppliedAt:    time.Now().UTC(),
			AppliedBy:    "system",
			Version:      1,
		}
		if err := s.Penalties.InsertPenalty(ctx, p); err != nil {
			return SweepUnchanged, err
		}
		s.audit(ctx, AuditPenaltyApplied, "system", p, inv.InstitutionID, map[string]string{
			"days_overdue": strconv.Itoa(assessment.DaysOverdue),
			"rate":         assessment.Rate.String(),
			"amount":       assessment.Amount.String(),
		})
		return SweepApplied, nil
	}

	// Idempotence: same bucket means nothing to do. Escalation recomputes
	// from the invoice amount, so a repeated sweep cannot compound.
	if active.Steps == assessment.Steps {
		return SweepUnchanged, nil
	}

	active.DaysOverdue = assessment.DaysOverdue
	active.Steps = assessment.Steps
	active.Rate = assessment.Rate
	active.Amount = assessment.Amount
	active.TotalPayable = assessment.TotalPayable
	if err := s.Penalties.UpdatePenalty(ctx, *active); err != nil {
		return SweepUnchanged, err
	}

	s.audit(ctx, AuditPenaltyEscalated, "system", *active, inv.InstitutionID, map[string]string{
		"rate":   assessment.Rate.String(),
		"amount": assessment.Amount.String(),
	})
	return SweepEscalated, nil
}

// Waive zeroes the penalty with a mandatory reason and actor. The record
// survives in Waived state; the invoice's own state is untouched, and a
// later sweep may apply a fresh penalty if the invoice stays unpaid.
func (s *PenaltyService) Waive(ctx context.Context, id PenaltyID, reason, actor string) (*Penalty, error) {
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "waiver requires a justification"}
	}
	if actor == "" {
		return nil, &ValidationError{Field: "actor", Message: "waiver requires an actor"}
	}

	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	inv, err := s.Invoices.Invoice(ctx, p.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, &NotFoundError{Kind: "invoice", ID: string(p.InvoiceID)}
	}

	defer s.Locks.Lock(inv.InstitutionID, inv.Period)()

	p, err = s.load(ctx, id) // reload under lock
	if err != nil {
		return nil, err
	}
	if p.State != PenaltyApplied {
		return nil, &StateError{Kind: "penalty", ID: string(id), From: string(p.State), Action: "waive"}
	}

	now := time.Now().UTC()
	p.Amount = ZeroMoney()
	p.TotalPayable = inv.Amount
	p.State = PenaltyWaived
	p.WaivedAt = &now
	p.WaivedBy = actor
	p.WaiveReason = reason
	if err := s.Penalties.UpdatePenalty(ctx, *p); err != nil {
		return nil, err
	}
	p.Version++

	s.audit(ctx, AuditPenaltyWaived, actor, *p, inv.InstitutionID, map[string]string{
		"reason": reason,
	})
	return p, nil
}

// RequestReminder records that a payment reminder was requested for the
// invoice behind this penalty. Delivery is someone else's problem; the
// engine only counts requests.
func (s *PenaltyService) RequestReminder(ctx context.Context, id PenaltyID, actor string) (*Penalty, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State != PenaltyApplied {
		return nil, &StateError{Kind: "penalty", ID: string(id), From: string(p.State), Action: "remind"}
	}

	p.ReminderCount++
	if err := s.Penalties.UpdatePenalty(ctx, *p); err != nil {
		return nil, err
	}
	p.Version++

	inv, _ := s.Invoices.Invoice(ctx, p.InvoiceID)
	var instID InstitutionID
	if inv != nil {
		instID = inv.InstitutionID
	}
	s.audit(ctx, AuditReminderRequested, actor, *p, instID, nil)
	return p, nil
}

func (s *PenaltyService) load(ctx context.Context, id PenaltyID) (*Penalty, error) {
	p, err := s.Penalties.Penalty(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Kind: "penalty", ID: string(id)}
	}
	return p, nil
}

func (s *PenaltyService) audit(ctx context.Context, action AuditAction, actor string, p Penalty, instID InstitutionID, detail map[string]string) {
	if s.Audit == nil {
		return
	}
	_ = s.Audit.AppendAudit(ctx, AuditEntry{
		ID:            uuid.NewString(),
		At:            Today(),
		ActorID:       actor,
		Action:        action,
		EntityKind:    "penalty",
		EntityID:      string(p.ID),
		InstitutionID: instID,
		Detail:        detail,
	})
}
