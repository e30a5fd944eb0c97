/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND RATES:
  Amounts and rates are serialized as decimal strings, never floats.
  Clients parse them with their own decimal library.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/premium-engine/engine"
)

// ErrorResponse is the shape of every error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// INSTITUTIONS
// =============================================================================

type InstitutionDTO struct {
	ID              string `json:"id"`
	Code            string `json:"code"`
	Name            string `json:"name"`
	InsuredDeposits string `json:"insured_deposits"`
	RiskScore       string `json:"risk_score"`
}

func toInstitutionDTO(inst engine.Institution) InstitutionDTO {
	return InstitutionDTO{
		ID:              string(inst.ID),
		Code:            inst.Code,
		Name:            inst.Name,
		InsuredDeposits: inst.InsuredDeposits.String(),
		RiskScore:       inst.RiskScore.String(),
	}
}

// =============================================================================
// PREMIUM CALCULATION
// =============================================================================

type CalculateRequest struct {
	InstitutionID string `json:"institution_id"`
	Period        string `json:"period"`
}

type RecalculateRequest struct {
	Period string `json:"period"`
}

type OverrideRequest struct {
	InstitutionID string `json:"institution_id"`
	Period        string `json:"period"`
	Rate          string `json:"rate"`
	Reason        string `json:"reason"`
	Actor         string `json:"actor"`
}

type ClearOverrideRequest struct {
	InstitutionID string `json:"institution_id"`
	Period        string `json:"period"`
	Actor         string `json:"actor"`
}

type ResultDTO struct {
	ID             string `json:"id"`
	InstitutionID  string `json:"institution_id"`
	Period         string `json:"period"`
	Rate           string `json:"rate"`
	Premium        string `json:"premium"`
	Source         string `json:"source"`
	OverrideReason string `json:"override_reason,omitempty"`
	OverrideActor  string `json:"override_actor,omitempty"`
	SupersededBy   string `json:"superseded_by,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toResultDTO(r engine.CalculationResult) ResultDTO {
	return ResultDTO{
		ID:             string(r.ID),
		InstitutionID:  string(r.InstitutionID),
		Period:         r.Period.String(),
		Rate:           r.Rate.String(),
		Premium:        r.Premium.String(),
		Source:         string(r.Source),
		OverrideReason: r.OverrideReason,
		OverrideActor:  r.OverrideActor,
		SupersededBy:   string(r.SupersededBy),
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
	}
}

// BulkReportDTO summarizes a bulk recalculation or generation run.
type BulkReportDTO struct {
	Period    string            `json:"period"`
	Processed int               `json:"processed"`
	Skipped   []string          `json:"skipped,omitempty"`
	Failures  map[string]string `json:"failures,omitempty"`
}

func toBulkReportDTO(r *engine.BulkReport) BulkReportDTO {
	dto := BulkReportDTO{
		Period:    r.Period.String(),
		Processed: r.Processed,
	}
	for _, id := range r.Skipped {
		dto.Skipped = append(dto.Skipped, string(id))
	}
	if len(r.Failures) > 0 {
		dto.Failures = make(map[string]string, len(r.Failures))
		for id, msg := range r.Failures {
			dto.Failures[string(id)] = msg
		}
	}
	return dto
}

// =============================================================================
// INVOICES
// =============================================================================

type GenerateInvoiceRequest struct {
	InstitutionID string `json:"institution_id,omitempty"` // empty = all
	Period        string `json:"period"`
	DueDate       string `json:"due_date"`
}

type CancelInvoiceRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type SupersedeInvoiceRequest struct {
	DueDate string `json:"due_date"`
	Actor   string `json:"actor"`
}

type InvoiceDTO struct {
	ID              string `json:"id"`
	InstitutionID   string `json:"institution_id"`
	InstitutionCode string `json:"institution_code"`
	Period          string `json:"period"`
	ResultID        string `json:"result_id,omitempty"`
	Amount          string `json:"amount"`
	DueDate         string `json:"due_date"`
	State           string `json:"state"`
	Posting         string `json:"posting"`
	PostingAttempts int    `json:"posting_attempts,omitempty"`
	PostingError    string `json:"posting_error,omitempty"`
	PostedAt        string `json:"posted_at,omitempty"`
	CreatedAt       string `json:"created_at"`
	SentAt          string `json:"sent_at,omitempty"`
	Supersedes      string `json:"supersedes,omitempty"`
	SupersededBy    string `json:"superseded_by,omitempty"`
}

func toInvoiceDTO(inv engine.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:              string(inv.ID),
		InstitutionID:   string(inv.InstitutionID),
		InstitutionCode: inv.InstitutionCode,
		Period:          inv.Period.String(),
		ResultID:        string(inv.ResultID),
		Amount:          inv.Amount.String(),
		DueDate:         inv.DueDate.String(),
		State:           string(inv.State),
		Posting:         string(inv.Posting),
		PostingAttempts: inv.PostingAttempts,
		PostingError:    inv.PostingError,
		CreatedAt:       inv.CreatedAt.Format(time.RFC3339),
		Supersedes:      string(inv.Supersedes),
		SupersededBy:    string(inv.SupersededBy),
	}
	if inv.PostedAt != nil {
		dto.PostedAt = inv.PostedAt.Format(time.RFC3339)
	}
	if inv.SentAt != nil {
		dto.SentAt = inv.SentAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// PENALTIES
// =============================================================================

type SweepRequest struct {
	AsOf string `json:"as_of,omitempty"` // empty = today
}

type WaivePenaltyRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type ReminderRequest struct {
	Actor string `json:"actor"`
}

type PenaltyDTO struct {
	ID            string `json:"id"`
	InvoiceID     string `json:"invoice_id"`
	DaysOverdue   int    `json:"days_overdue"`
	Steps         int    `json:"steps"`
	Rate          string `json:"rate"`
	Amount        string `json:"amount"`
	TotalPayable  string `json:"total_payable"`
	State         string `json:"state"`
	AppliedAt     string `json:"applied_at"`
	AppliedBy     string `json:"applied_by"`
	WaivedAt      string `json:"waived_at,omitempty"`
	WaivedBy      string `json:"waived_by,omitempty"`
	WaiveReason   string `json:"waive_reason,omitempty"`
	ReminderCount int    `json:"reminder_count"`
}

func toPenaltyDTO(p engine.Penalty) PenaltyDTO {
	dto := PenaltyDTO{
		ID:            string(p.ID),
		InvoiceID:     string(p.InvoiceID),
		DaysOverdue:   p.DaysOverdue,
		Steps:         p.Steps,
		Rate:          p.Rate.String(),
		Amount:        p.Amount.String(),
		TotalPayable:  p.TotalPayable.String(),
		State:         string(p.State),
		AppliedAt:     p.AppliedAt.Format(time.RFC3339),
		AppliedBy:     p.AppliedBy,
		WaivedBy:      p.WaivedBy,
		WaiveReason:   p.WaiveReason,
		ReminderCount: p.ReminderCount,
	}
	if p.WaivedAt != nil {
		dto.WaivedAt = p.WaivedAt.Format(time.RFC3339)
	}
	return dto
}

type SweepReportDTO struct {
	AsOf      string            `json:"as_of"`
	Evaluated int               `json:"evaluated"`
	Applied   int               `json:"applied"`
	Escalated int               `json:"escalated"`
	Unchanged int               `json:"unchanged"`
	Failures  map[string]string `json:"failures,omitempty"`
}

func toSweepReportDTO(r *engine.SweepReport) SweepReportDTO {
	dto := SweepReportDTO{
		AsOf:      r.AsOf.String(),
		Evaluated: r.Evaluated,
		Applied:   r.Applied,
		Escalated: r.Escalated,
		Unchanged: r.Unchanged,
	}
	if len(r.Failures) > 0 {
		dto.Failures = make(map[string]string, len(r.Failures))
		for id, msg := range r.Failures {
			dto.Failures[string(id)] = msg
		}
	}
	return dto
}

// =============================================================================
// PAYMENTS + RECONCILIATION
// =============================================================================

type PaymentRequest struct {
	InstitutionCode string `json:"institution_code"`
	InvoiceID       string `json:"invoice_id,omitempty"`
	Period          string `json:"period,omitempty"`
	Amount          string `json:"amount"`
	Date            string `json:"date"`
}

type PaymentDTO struct {
	ID              string `json:"id"`
	InstitutionCode string `json:"institution_code"`
	InvoiceID       string `json:"invoice_id,omitempty"`
	Amount          string `json:"amount"`
	Date            string `json:"date"`
	ReceivedAt      string `json:"received_at"`
	ParkReason      string `json:"park_reason,omitempty"`
}

func toPaymentDTO(p engine.Payment) PaymentDTO {
	return PaymentDTO{
		ID:              string(p.ID),
		InstitutionCode: p.InstitutionCode,
		InvoiceID:       string(p.InvoiceID),
		Amount:          p.Amount.String(),
		Date:            p.Date.String(),
		ReceivedAt:      p.ReceivedAt.Format(time.RFC3339),
		ParkReason:      p.ParkReason,
	}
}

type ReconcileRequest struct {
	Actor string `json:"actor"`
}

type DisputeRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

type ReconciliationDTO struct {
	ID            string `json:"id"`
	InvoiceID     string `json:"invoice_id"`
	TotalPayable  string `json:"total_payable"`
	PaymentAmount string `json:"payment_amount"`
	PaymentDate   string `json:"payment_date,omitempty"`
	Variance      string `json:"variance"`
	VariancePct   string `json:"variance_pct"`
	State         string `json:"state"`
	Notes         string `json:"notes,omitempty"`
	ReconciledBy  string `json:"reconciled_by,omitempty"`
	ReconciledAt  string `json:"reconciled_at"`
	Current       bool   `json:"current"`
}

func toReconciliationDTO(rec engine.Reconciliation) ReconciliationDTO {
	dto := ReconciliationDTO{
		ID:            string(rec.ID),
		InvoiceID:     string(rec.InvoiceID),
		TotalPayable:  rec.TotalPayable.String(),
		PaymentAmount: rec.PaymentAmount.String(),
		Variance:      rec.Variance.String(),
		VariancePct:   rec.VariancePct.String(),
		State:         string(rec.State),
		Notes:         rec.Notes,
		ReconciledBy:  rec.ReconciledBy,
		ReconciledAt:  rec.ReconciledAt.Format(time.RFC3339),
		Current:       rec.Current,
	}
	if !rec.PaymentDate.IsZero() {
		dto.PaymentDate = rec.PaymentDate.String()
	}
	return dto
}

// IngestResponse reports what happened to an ingested payment.
type IngestResponse struct {
	Payment        PaymentDTO         `json:"payment"`
	Reconciliation *ReconciliationDTO `json:"reconciliation,omitempty"`
	Parked         bool               `json:"parked"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID            string            `json:"id"`
	At            string            `json:"at"`
	ActorID       string            `json:"actor_id"`
	Action        string            `json:"action"`
	EntityKind    string            `json:"entity_kind"`
	EntityID      string            `json:"entity_id"`
	InstitutionID string            `json:"institution_id,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
}

func toAuditEntryDTO(e engine.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:            string(e.ID),
		At:            e.At.String(),
		ActorID:       e.ActorID,
		Action:        string(e.Action),
		EntityKind:    e.EntityKind,
		EntityID:      e.EntityID,
		InstitutionID: string(e.InstitutionID),
		Detail:        e.Detail,
	}
}
