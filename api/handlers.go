/*
handlers.go - HTTP API handlers for the premium lifecycle engine

PURPOSE:
  Exposes the premium engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine services.

ENDPOINTS:
  Institutions:
    GET    /api/institutions                List member institutions
    GET    /api/institutions/{id}           Get institution details

  Premiums:
    POST   /api/premiums/calculate          Calculate one institution
    POST   /api/premiums/recalculate        Bulk recalculate a period
    POST   /api/premiums/override           Apply a manual rate override
    POST   /api/premiums/override/clear     Clear an override and recompute
    GET    /api/premiums/{period}           Current results for a period
    GET    /api/premiums/{period}/history   Full history for one institution

  Invoices:
    POST   /api/invoices/generate           Generate draft invoice(s)
    GET    /api/invoices                    List by state
    GET    /api/invoices/{id}               Get invoice
    POST   /api/invoices/{id}/send          Issue a draft invoice
    POST   /api/invoices/{id}/cancel        Cancel an invoice
    POST   /api/invoices/{id}/supersede     Cancel and reissue
    POST   /api/invoices/{id}/post          Post to accounting
    GET    /api/invoices/{id}/penalties     Penalty history
    GET    /api/invoices/{id}/reconciliation Current matching attempt
    GET    /api/invoices/{id}/payments      Matched payments

  Penalties:
    POST   /api/penalties/{id}/waive        Waive a penalty
    POST   /api/penalties/{id}/remind       Request a payment reminder

  Payments:
    POST   /api/payments                    Ingest a payment event
    GET    /api/payments/unmatched          Parked payments

  Reconciliations:
    GET    /api/reconciliations             List by state
    POST   /api/reconciliations/{id}/dispute Dispute a variance
    POST   /api/reconciliations/{id}/resolve Resolve a dispute

  Admin:
    POST   /api/admin/overdue-sweep         Mark due invoices overdue
    POST   /api/admin/penalty-sweep         Run the penalty sweep
    POST   /api/admin/posting-retry         Retry pending postings
    GET    /api/admin/audit                 Query the audit log

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Record not found
  - 409: Conflict (duplicate invoice, stale version, bad state)
  - 502: Accounting system unreachable after retries
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.
  The actor field in request bodies is trusted as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/premium-engine/engine"
	"github.com/warp/premium-engine/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store          engine.Store
	Calculator     *engine.Calculator
	Invoices       *engine.InvoiceService
	Posting        *engine.PostingService
	Penalties      *engine.PenaltyService
	Reconciliation *engine.ReconciliationService

	// Policy in force for premium calculations.
	Policy engine.PremiumPolicy

	// Metrics may be nil in tests.
	Metrics *metrics.Metrics
}

// =============================================================================
// INSTITUTION HANDLERS
// =============================================================================

// ListInstitutions returns all member institutions.
func (h *Handler) ListInstitutions(w http.ResponseWriter, r *http.Request) {
	institutions, err := h.Store.ListInstitutions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list institutions", err)
		return
	}

	dtos := make([]InstitutionDTO, len(institutions))
	for i, inst := range institutions {
		dtos[i] = toInstitutionDTO(inst)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInstitution returns a single institution.
func (h *Handler) GetInstitution(w http.ResponseWriter, r *http.Request) {
	id := engine.InstitutionID(chi.URLParam(r, "id"))
	inst, err := h.Store.Institution(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load institution", err)
		return
	}
	if inst == nil {
		writeError(w, http.StatusNotFound, "Institution not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toInstitutionDTO(*inst))
}

// =============================================================================
// PREMIUM HANDLERS
// =============================================================================

// Calculate resolves the premium for one institution and period.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := engine.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	result, err := h.Calculator.Calculate(r.Context(), engine.InstitutionID(req.InstitutionID), period, h.Policy)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.CalculationErrors.Inc()
		}
		writeEngineError(w, "Calculation failed", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.CalculationsTotal.WithLabelValues(string(result.Source)).Inc()
	}
	writeJSON(w, http.StatusOK, toResultDTO(*result))
}

// Recalculate recomputes every institution for a period. Overridden
// results are skipped, never replaced.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := engine.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	report, err := h.Calculator.RecalculateAll(r.Context(), period, h.Policy)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.CalculationErrors.Inc()
		}
		writeEngineError(w, "Bulk recalculation failed", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.BulkRecalcSkipped.Add(float64(len(report.Skipped)))
	}
	writeJSON(w, http.StatusOK, toBulkReportDTO(report))
}

// ApplyOverride pins a manual rate for one institution and period.
func (h *Handler) ApplyOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := engine.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rate", err)
		return
	}

	result, err := h.Calculator.Override(r.Context(), engine.InstitutionID(req.InstitutionID), period, rate, req.Reason, req.Actor)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.CalculationErrors.Inc()
		}
		writeEngineError(w, "Override failed", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.CalculationsTotal.WithLabelValues(string(result.Source)).Inc()
	}
	writeJSON(w, http.StatusOK, toResultDTO(*result))
}

// ClearOverride removes the pin and recomputes from the active policy.
func (h *Handler) ClearOverride(w http.ResponseWriter, r *http.Request) {
	var req ClearOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := engine.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	result, err := h.Calculator.ClearOverride(r.Context(), engine.InstitutionID(req.InstitutionID), period, h.Policy, req.Actor)
	if err != nil {
		writeEngineError(w, "Clear override failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(*result))
}

// ListResults returns current calculation results for a period.
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	period, err := engine.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	results, err := h.Store.ResultsByPeriod(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list results", err)
		return
	}
	dtos := make([]ResultDTO, len(results))
	for i, res := range results {
		dtos[i] = toResultDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResultHistory returns the full calculation history for one institution,
// superseded results included.
func (h *Handler) ResultHistory(w http.ResponseWriter, r *http.Request) {
	period, err := engine.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	instID := engine.InstitutionID(r.URL.Query().Get("institution_id"))
	if instID == "" {
		writeError(w, http.StatusBadRequest, "institution_id query parameter is required", nil)
		return
	}

	history, err := h.Store.ResultHistory(r.Context(), instID, period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history", err)
		return
	}
	dtos := make([]ResultDTO, len(history))
	for i, res := range history {
		dtos[i] = toResultDTO(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// GenerateInvoices creates draft invoices from current calculation results.
// Body with an institution_id generates one invoice; without, the whole
// period.
func (h *Handler) GenerateInvoices(w http.ResponseWriter, r *http.Request) {
	var req GenerateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := engine.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	dueDate, err := engine.ParseDate(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due date", err)
		return
	}

	ctx := r.Context()
	if req.InstitutionID != "" {
		instID := engine.InstitutionID(req.InstitutionID)
		result, err := h.Store.CurrentResult(ctx, instID, period)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load result", err)
			return
		}
		if result == nil {
			writeError(w, http.StatusNotFound, "No calculation result for institution and period", nil)
			return
		}
		inst, err := h.Store.Institution(ctx, instID)
		if err != nil || inst == nil {
			writeError(w, http.StatusNotFound, "Institution not found", err)
			return
		}

		inv, err := h.Invoices.Generate(ctx, *result, inst.Code, dueDate)
		if err != nil {
			writeEngineError(w, "Invoice generation failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
		return
	}

	results, err := h.Store.ResultsByPeriod(ctx, period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load results", err)
		return
	}
	institutions, err := h.Store.ListInstitutions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list institutions", err)
		return
	}
	codes := make(map[engine.InstitutionID]string, len(institutions))
	for _, inst := range institutions {
		codes[inst.ID] = inst.Code
	}

	report := h.Invoices.GenerateAll(ctx, results, func(id engine.InstitutionID) string {
		return codes[id]
	}, dueDate)
	writeJSON(w, http.StatusOK, toBulkReportDTO(report))
}

// ListInvoices returns invoices filtered by state.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	var states []engine.InvoiceState
	if s := r.URL.Query().Get("state"); s != "" {
		states = append(states, engine.InvoiceState(s))
	} else {
		states = []engine.InvoiceState{
			engine.InvoiceDraft, engine.InvoiceSent, engine.InvoicePaid,
			engine.InvoiceOverdue, engine.InvoiceCancelled,
		}
	}

	invoices, err := h.Store.InvoicesByState(r.Context(), states...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}
	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns a single invoice.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Store.Invoice(r.Context(), engine.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load invoice", err)
		return
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, "Invoice not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// SendInvoice issues a draft invoice to the institution.
func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Send(r.Context(), engine.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Send failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// CancelInvoice cancels an invoice with a reason.
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	var req CancelInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inv, err := h.Invoices.Cancel(r.Context(), engine.InvoiceID(chi.URLParam(r, "id")), req.Reason, req.Actor)
	if err != nil {
		writeEngineError(w, "Cancel failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// SupersedeInvoice cancels an invoice and reissues a linked draft.
func (h *Handler) SupersedeInvoice(w http.ResponseWriter, r *http.Request) {
	var req SupersedeInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	dueDate, err := engine.ParseDate(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due date", err)
		return
	}

	inv, err := h.Invoices.Supersede(r.Context(), engine.InvoiceID(chi.URLParam(r, "id")), dueDate, req.Actor)
	if err != nil {
		writeEngineError(w, "Supersede failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

// PostInvoice pushes an invoice to the accounting system. Idempotent:
// posting an already-posted invoice is a no-op.
func (h *Handler) PostInvoice(w http.ResponseWriter, r *http.Request) {
	id := engine.InvoiceID(chi.URLParam(r, "id"))
	if h.Metrics != nil {
		h.Metrics.PostingAttempts.Inc()
	}
	if err := h.Posting.Post(r.Context(), id); err != nil {
		if h.Metrics != nil && errors.Is(err, engine.ErrExternalPosting) {
			h.Metrics.PostingFailures.Inc()
		}
		writeEngineError(w, "Posting failed", err)
		return
	}

	inv, err := h.Store.Invoice(r.Context(), id)
	if err != nil || inv == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// InvoicePenalties returns all penalties ever recorded for an invoice.
func (h *Handler) InvoicePenalties(w http.ResponseWriter, r *http.Request) {
	penalties, err := h.Store.PenaltiesByInvoice(r.Context(), engine.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list penalties", err)
		return
	}
	dtos := make([]PenaltyDTO, len(penalties))
	for i, p := range penalties {
		dtos[i] = toPenaltyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// InvoiceReconciliation returns the current matching attempt for an invoice.
func (h *Handler) InvoiceReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.CurrentReconciliation(r.Context(), engine.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load reconciliation", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "No reconciliation for invoice", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(*rec))
}

// InvoicePayments returns the payments matched to an invoice.
func (h *Handler) InvoicePayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Store.PaymentsByInvoice(r.Context(), engine.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PENALTY HANDLERS
// =============================================================================

// WaivePenalty waives a penalty. Reason and actor are mandatory.
func (h *Handler) WaivePenalty(w http.ResponseWriter, r *http.Request) {
	var req WaivePenaltyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Penalties.Waive(r.Context(), engine.PenaltyID(chi.URLParam(r, "id")), req.Reason, req.Actor)
	if err != nil {
		writeEngineError(w, "Waive failed", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.PenaltiesWaived.Inc()
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(*p))
}

// RequestReminder records a payment reminder against a penalty.
func (h *Handler) RequestReminder(w http.ResponseWriter, r *http.Request) {
	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Penalties.RequestReminder(r.Context(), engine.PenaltyID(chi.URLParam(r, "id")), req.Actor)
	if err != nil {
		writeEngineError(w, "Reminder failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(*p))
}

// =============================================================================
// PAYMENT + RECONCILIATION HANDLERS
// =============================================================================

// IngestPayment accepts a payment event from the banking feed. Unmatched
// payments are parked, not rejected.
func (h *Handler) IngestPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := engine.ParseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	date, err := engine.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	evt := engine.PaymentEvent{
		InstitutionCode: req.InstitutionCode,
		InvoiceID:       engine.InvoiceID(req.InvoiceID),
		Amount:          amount,
		Date:            date,
	}
	if req.Period != "" {
		period, err := engine.ParsePeriod(req.Period)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period", err)
			return
		}
		evt.Period = &period
	}

	payment, rec, err := h.Reconciliation.IngestPayment(r.Context(), evt)
	if err != nil && !errors.Is(err, engine.ErrPaymentIngest) {
		writeEngineError(w, "Payment ingestion failed", err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.PaymentsIngested.Inc()
		if payment != nil && !payment.Matched() {
			h.Metrics.PaymentsParked.Inc()
		}
		if rec != nil {
			h.Metrics.Reconciliations.WithLabelValues(string(rec.State)).Inc()
		}
	}

	resp := IngestResponse{
		Payment: toPaymentDTO(*payment),
		Parked:  !payment.Matched(),
	}
	if rec != nil {
		dto := toReconciliationDTO(*rec)
		resp.Reconciliation = &dto
	}
	status := http.StatusCreated
	if resp.Parked {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// UnmatchedPayments lists parked payments awaiting operator attention.
func (h *Handler) UnmatchedPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Store.UnmatchedPayments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListReconciliations returns matching attempts filtered by state.
func (h *Handler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	var states []engine.ReconciliationState
	if s := r.URL.Query().Get("state"); s != "" {
		states = append(states, engine.ReconciliationState(s))
	} else {
		states = []engine.ReconciliationState{
			engine.ReconPending, engine.ReconReconciled,
			engine.ReconVariance, engine.ReconDisputed,
		}
	}

	recs, err := h.Store.ReconciliationsByState(r.Context(), states...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list reconciliations", err)
		return
	}
	dtos := make([]ReconciliationDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toReconciliationDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReconcileInvoice re-runs matching for an invoice against every payment
// received so far. Ingest stores payments even when the automatic
// reconciliation attempt fails, so operators use this to re-drive a
// stranded invoice.
func (h *Handler) ReconcileInvoice(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	rec, err := h.Reconciliation.Reconcile(r.Context(), engine.InvoiceID(chi.URLParam(r, "id")), req.Actor)
	if err != nil {
		writeEngineError(w, "Reconcile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(*rec))
}

// DisputeReconciliation moves a variance to disputed, freezing automatic
// matching for the invoice.
func (h *Handler) DisputeReconciliation(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Reconciliation.Dispute(r.Context(), engine.ReconciliationID(chi.URLParam(r, "id")), req.Actor, req.Notes)
	if err != nil {
		writeEngineError(w, "Dispute failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(*rec))
}

// ResolveReconciliation closes a dispute and re-runs matching.
func (h *Handler) ResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Reconciliation.Resolve(r.Context(), engine.ReconciliationID(chi.URLParam(r, "id")), req.Actor, req.Notes)
	if err != nil {
		writeEngineError(w, "Resolve failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(*rec))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// OverdueSweep transitions past-due sent invoices to overdue.
func (h *Handler) OverdueSweep(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.parseAsOf(w, r)
	if !ok {
		return
	}

	n, err := h.Invoices.MarkOverdue(r.Context(), asOf)
	if err != nil {
		writeEngineError(w, "Overdue sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"as_of": asOf.String(), "marked_overdue": n})
}

// PenaltySweep evaluates penalties for every unsettled invoice.
func (h *Handler) PenaltySweep(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.parseAsOf(w, r)
	if !ok {
		return
	}

	report, err := h.Penalties.Sweep(r.Context(), asOf)
	if err != nil {
		writeEngineError(w, "Penalty sweep failed", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.PenaltiesApplied.Add(float64(report.Applied))
		h.Metrics.PenaltiesEscalated.Add(float64(report.Escalated))
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// PostingRetry re-attempts invoices stuck in posting-pending.
func (h *Handler) PostingRetry(w http.ResponseWriter, r *http.Request) {
	posted, failed, err := h.Posting.RetryPending(r.Context())
	if err != nil {
		writeEngineError(w, "Posting retry failed", err)
		return
	}
	failures := make([]string, len(failed))
	for i, id := range failed {
		failures[i] = string(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"posted": posted, "failed": failures})
}

// QueryAudit returns audit entries matching the query parameters.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	var filter engine.AuditFilter
	q := r.URL.Query()
	if v := q.Get("institution_id"); v != "" {
		id := engine.InstitutionID(v)
		filter.InstitutionID = &id
	}
	if v := q.Get("entity_kind"); v != "" {
		filter.EntityKind = &v
	}
	if v := q.Get("entity_id"); v != "" {
		filter.EntityID = &v
	}
	if v := q.Get("actor_id"); v != "" {
		filter.ActorID = &v
	}
	if v := q.Get("action"); v != "" {
		filter.Actions = []engine.AuditAction{engine.AuditAction(v)}
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// parseAsOf reads the optional as_of date from a sweep request body.
// Defaults to today.
func (h *Handler) parseAsOf(w http.ResponseWriter, r *http.Request) (engine.Date, bool) {
	var req SweepRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return engine.Date{}, false
		}
	}
	if req.AsOf == "" {
		return engine.Today(), true
	}
	asOf, err := engine.ParseDate(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return engine.Date{}, false
	}
	return asOf, true
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine sentinel errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, engine.ErrConflict),
		errors.Is(err, engine.ErrState),
		errors.Is(err, engine.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, engine.ErrExternalPosting):
		writeError(w, http.StatusBadGateway, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
