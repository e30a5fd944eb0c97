/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates institutions, runs the
	calculator, and walks invoices through the lifecycle far enough to
	demonstrate a specific feature.

AVAILABLE SCENARIOS:

	quarterly-cycle:  Calculate, invoice, and settle a full quarter
	late-payer:       Overdue invoice with an applied penalty
	underpayment:     Partial payment with a recorded variance
	waived-penalty:   Applied penalty waived by an operator
	parked-payment:   Payment that matches no invoice

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Upsert demo institutions
 3. Calculate premiums for the current quarter
 4. Generate and send invoices
 5. Optionally ingest payments, run sweeps, waive penalties

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "late-payer"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	The store must support Reset and UpsertInstitution (the sqlite store
	does); otherwise loading returns 501.

SEE ALSO:
  - factory/policy.go: JSON policy presets the scenarios could be driven by
  - store/sqlite/seed.go: Reset and the dev seed data
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/premium-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "quarterly-cycle",
		Name:        "Quarterly Cycle",
		Description: "Premiums calculated and invoiced for three institutions; one settles in full",
		Category:    "lifecycle",
	},
	{
		ID:          "late-payer",
		Name:        "Late Payer",
		Description: "Invoice ten days overdue with a 5% penalty applied",
		Category:    "penalties",
	},
	{
		ID:          "underpayment",
		Name:        "Underpayment",
		Description: "Partial payment leaving a negative variance on the reconciliation",
		Category:    "reconciliation",
	},
	{
		ID:          "waived-penalty",
		Name:        "Waived Penalty",
		Description: "Applied penalty waived by an operator with an audit trail",
		Category:    "penalties",
	},
	{
		ID:          "parked-payment",
		Name:        "Parked Payment",
		Description: "Payment from an unknown institution parked for operator attention",
		Category:    "reconciliation",
	},
}

// scenarioStore is the dev-only store surface scenarios need beyond
// engine.Store.
type scenarioStore interface {
	Reset(ctx context.Context) error
	UpsertInstitution(ctx context.Context, inst engine.Institution) error
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the database and loads the named scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	store, ok := h.Store.(scenarioStore)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support scenario loading", nil)
		return
	}

	ctx := r.Context()
	if err := store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "quarterly-cycle":
		err = h.loadQuarterlyCycle(ctx, store)
	case "late-payer":
		err = h.loadLatePayer(ctx, store)
	case "underpayment":
		err = h.loadUnderpayment(ctx, store)
	case "waived-penalty":
		err = h.loadWaivedPenalty(ctx, store)
	case "parked-payment":
		err = h.loadParkedPayment(ctx, store)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"scenario_id": req.ScenarioID,
		"status":      "loaded",
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func demoInstitutions() []engine.Institution {
	return []engine.Institution{
		{
			ID:              "inst-first-national",
			Code:            "FNB-001",
			Name:            "First National Bank",
			InsuredDeposits: engine.MustParseMoney("2890400000"),
			RiskScore:       decimal.NewFromFloat(2.8),
		},
		{
			ID:              "inst-harbor-savings",
			Code:            "HSB-014",
			Name:            "Harbor Savings Bank",
			InsuredDeposits: engine.MustParseMoney("412750000"),
			RiskScore:       decimal.NewFromFloat(1.2),
		},
		{
			ID:              "inst-meridian-trust",
			Code:            "MTC-027",
			Name:            "Meridian Trust Company",
			InsuredDeposits: engine.MustParseMoney("1204000000"),
			RiskScore:       decimal.NewFromFloat(3.9),
		},
	}
}

// seedAndInvoice calculates the current quarter for every demo institution
// and returns the sent invoices, due the given number of days from today.
func (h *Handler) seedAndInvoice(ctx context.Context, store scenarioStore, dueInDays int) ([]engine.Invoice, error) {
	period := engine.PeriodFor(engine.Today())
	dueDate := engine.Today().AddDays(dueInDays)

	var invoices []engine.Invoice
	for _, inst := range demoInstitutions() {
		if err := store.UpsertInstitution(ctx, inst); err != nil {
			return nil, err
		}
		result, err := h.Calculator.Calculate(ctx, inst.ID, period, h.Policy)
		if err != nil {
			return nil, err
		}
		inv, err := h.Invoices.Generate(ctx, *result, inst.Code, dueDate)
		if err != nil {
			return nil, err
		}
		sent, err := h.Invoices.Send(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *sent)
	}
	return invoices, nil
}

// loadQuarterlyCycle: three invoiced institutions, the first paid in full.
func (h *Handler) loadQuarterlyCycle(ctx context.Context, store scenarioStore) error {
	invoices, err := h.seedAndInvoice(ctx, store, 30)
	if err != nil {
		return err
	}

	_, _, err = h.Reconciliation.IngestPayment(ctx, engine.PaymentEvent{
		InstitutionCode: invoices[0].InstitutionCode,
		InvoiceID:       invoices[0].ID,
		Amount:          invoices[0].Amount,
		Date:            engine.Today(),
	})
	return err
}

// loadLatePayer: invoices ten days overdue, penalty sweep applied.
func (h *Handler) loadLatePayer(ctx context.Context, store scenarioStore) error {
	if _, err := h.seedAndInvoice(ctx, store, -10); err != nil {
		return err
	}
	if _, err := h.Invoices.MarkOverdue(ctx, engine.Today()); err != nil {
		return err
	}
	_, err := h.Penalties.Sweep(ctx, engine.Today())
	return err
}

// loadUnderpayment: first institution pays 90% of what it owes.
func (h *Handler) loadUnderpayment(ctx context.Context, store scenarioStore) error {
	invoices, err := h.seedAndInvoice(ctx, store, 30)
	if err != nil {
		return err
	}

	partial := invoices[0].Amount.MulRate(decimal.NewFromFloat(0.9))
	_, _, err = h.Reconciliation.IngestPayment(ctx, engine.PaymentEvent{
		InstitutionCode: invoices[0].InstitutionCode,
		InvoiceID:       invoices[0].ID,
		Amount:          partial,
		Date:            engine.Today(),
	})
	return err
}

// loadWaivedPenalty: late payer plus an operator waiver on the first penalty.
func (h *Handler) loadWaivedPenalty(ctx context.Context, store scenarioStore) error {
	invoices, err := h.seedAndInvoice(ctx, store, -10)
	if err != nil {
		return err
	}
	if _, err := h.Invoices.MarkOverdue(ctx, engine.Today()); err != nil {
		return err
	}
	if _, err := h.Penalties.Sweep(ctx, engine.Today()); err != nil {
		return err
	}

	p, err := h.Store.ActivePenalty(ctx, invoices[0].ID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("expected an applied penalty on %s", invoices[0].ID)
	}
	_, err = h.Penalties.Waive(ctx, p.ID, "demo: hardship forbearance", "demo-operator")
	return err
}

// loadParkedPayment: a payment nothing matches, parked for operators.
func (h *Handler) loadParkedPayment(ctx context.Context, store scenarioStore) error {
	if _, err := h.seedAndInvoice(ctx, store, 30); err != nil {
		return err
	}

	_, _, err := h.Reconciliation.IngestPayment(ctx, engine.PaymentEvent{
		InstitutionCode: "UNKNOWN-999",
		Amount:          engine.MustParseMoney("75000.00"),
		Date:            engine.Today(),
	})
	if err != nil && !errors.Is(err, engine.ErrPaymentIngest) {
		return err
	}
	return nil
}
