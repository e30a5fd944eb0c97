package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/premium-engine/engine"
	"github.com/warp/premium-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedInstitution(t *testing.T, store *sqlite.Store) engine.Institution {
	t.Helper()
	inst := engine.Institution{
		ID:              "inst-1",
		Code:            "FNB-001",
		Name:            "First National Bank",
		InsuredDeposits: engine.MustParseMoney("2890400000"),
		RiskScore:       decimal.RequireFromString("2.8"),
	}
	require.NoError(t, store.UpsertInstitution(context.Background(), inst))
	return inst
}

func q3() engine.Period { return engine.NewPeriod(2025, 3) }

func testInvoice(id engine.InvoiceID) engine.Invoice {
	return engine.Invoice{
		ID:              id,
		InstitutionID:   "inst-1",
		InstitutionCode: "FNB-001",
		Period:          q3(),
		ResultID:        "result-1",
		Amount:          engine.MustParseMoney("3641904.00"),
		DueDate:         engine.NewDate(2025, time.October, 31),
		State:           engine.InvoiceDraft,
		Posting:         engine.PostingNone,
		CreatedAt:       time.Now().UTC(),
		Version:         1,
	}
}

// =============================================================================
// INSTITUTION TESTS
// =============================================================================

func TestInstitutionRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seeded := seedInstitution(t, store)

	byID, err := store.Institution(ctx, seeded.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "FNB-001", byID.Code)
	assert.Equal(t, "2890400000.00", byID.InsuredDeposits.String())
	assert.True(t, byID.RiskScore.Equal(decimal.RequireFromString("2.8")))

	byCode, err := store.InstitutionByCode(ctx, "FNB-001")
	require.NoError(t, err)
	require.NotNil(t, byCode)
	assert.Equal(t, seeded.ID, byCode.ID)

	missing, err := store.Institution(ctx, "inst-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertInstitutionOverwrites(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	inst := seedInstitution(t, store)

	inst.RiskScore = decimal.RequireFromString("3.5")
	require.NoError(t, store.UpsertInstitution(ctx, inst))

	reloaded, err := store.Institution(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.RiskScore.Equal(decimal.RequireFromString("3.5")))

	all, err := store.ListInstitutions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// CALCULATION RESULT TESTS
// =============================================================================

func TestAppendResultKeepsHistory(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)

	first := engine.CalculationResult{
		ID:            "result-1",
		InstitutionID: "inst-1",
		Period:        q3(),
		Rate:          decimal.RequireFromString("0.00126"),
		Premium:       engine.MustParseMoney("3641904.00"),
		Source:        engine.SourcePolicy,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.AppendResult(ctx, first, ""))

	second := first
	second.ID = "result-2"
	second.Premium = engine.MustParseMoney("3700000.00")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, store.AppendResult(ctx, second, first.ID))

	current, err := store.CurrentResult(ctx, "inst-1", q3())
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, engine.ResultID("result-2"), current.ID)
	assert.Equal(t, "3700000.00", current.Premium.String())

	history, err := store.ResultHistory(ctx, "inst-1", q3())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, engine.ResultID("result-2"), history[0].SupersededBy,
		"superseded result should link forward")

	byPeriod, err := store.ResultsByPeriod(ctx, q3())
	require.NoError(t, err)
	assert.Len(t, byPeriod, 1, "only the current result per institution")
}

// =============================================================================
// INVOICE TESTS
// =============================================================================

func TestInvoiceRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)

	inv := testInvoice("inv-1")
	require.NoError(t, store.InsertInvoice(ctx, inv))

	got, err := store.Invoice(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, engine.InvoiceDraft, got.State)
	assert.Equal(t, "3641904.00", got.Amount.String())
	assert.Equal(t, "2025-10-31", got.DueDate.String())
	assert.Nil(t, got.SentAt)
	assert.Equal(t, 1, got.Version)
}

func TestUpdateInvoiceVersionCheck(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)

	inv := testInvoice("inv-1")
	require.NoError(t, store.InsertInvoice(ctx, inv))

	now := time.Now().UTC()
	inv.State = engine.InvoiceSent
	inv.SentAt = &now
	require.NoError(t, store.UpdateInvoice(ctx, inv))

	reloaded, err := store.Invoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, engine.InvoiceSent, reloaded.State)
	assert.NotNil(t, reloaded.SentAt)
	assert.Equal(t, 2, reloaded.Version)

	// A writer holding the stale version loses.
	stale := inv // still version 1
	stale.State = engine.InvoiceCancelled
	err = store.UpdateInvoice(ctx, stale)
	assert.True(t, errors.Is(err, engine.ErrConcurrentModification))

	missing := testInvoice("inv-404")
	err = store.UpdateInvoice(ctx, missing)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestActiveInvoiceUniqueness(t *testing.T) {
	// The database enforces one non-cancelled invoice per
	// (institution, period); a second insert surfaces as a conflict.
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)

	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1")))

	err := store.InsertInvoice(ctx, testInvoice("inv-2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrConflict))

	// Cancelling frees the slot.
	inv, _ := store.Invoice(ctx, "inv-1")
	inv.State = engine.InvoiceCancelled
	require.NoError(t, store.UpdateInvoice(ctx, *inv))
	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-2")))

	active, err := store.ActiveInvoice(ctx, "inst-1", q3())
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, engine.InvoiceID("inv-2"), active.ID)

	byCode, err := store.ActiveInvoiceByCode(ctx, "FNB-001", q3())
	require.NoError(t, err)
	require.NotNil(t, byCode)
	assert.Equal(t, engine.InvoiceID("inv-2"), byCode.ID)
}

func TestInvoicesByState(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)

	draft := testInvoice("inv-1")
	require.NoError(t, store.InsertInvoice(ctx, draft))

	sent := testInvoice("inv-2")
	sent.Period = engine.NewPeriod(2025, 4)
	sent.State = engine.InvoiceSent
	now := time.Now().UTC()
	sent.SentAt = &now
	require.NoError(t, store.InsertInvoice(ctx, sent))

	got, err := store.InvoicesByState(ctx, engine.InvoiceSent)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, engine.InvoiceID("inv-2"), got[0].ID)

	both, err := store.InvoicesByState(ctx, engine.InvoiceDraft, engine.InvoiceSent)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	open, err := store.OpenInvoicesByCode(ctx, "FNB-001")
	require.NoError(t, err)
	assert.Len(t, open, 1, "drafts are not open for payment")
}

// =============================================================================
// PENALTY TESTS
// =============================================================================

func TestPenaltyRoundTripAndActiveUniqueness(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)
	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1")))

	p := engine.Penalty{
		ID:           "pen-1",
		InvoiceID:    "inv-1",
		DaysOverdue:  5,
		Steps:        0,
		Rate:         decimal.RequireFromString("0.05"),
		Amount:       engine.MustParseMoney("182095.20"),
		TotalPayable: engine.MustParseMoney("3823999.20"),
		State:        engine.PenaltyApplied,
		AppliedAt:    time.Now().UTC(),
		AppliedBy:    "system",
		Version:      1,
	}
	require.NoError(t, store.InsertPenalty(ctx, p))

	active, err := store.ActivePenalty(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "182095.20", active.Amount.String())
	assert.True(t, active.Rate.Equal(decimal.RequireFromString("0.05")))

	dup := p
	dup.ID = "pen-2"
	err = store.InsertPenalty(ctx, dup)
	assert.True(t, errors.Is(err, engine.ErrConflict),
		"second applied penalty for the invoice must be rejected")

	// Waiving releases the active slot but keeps the record.
	now := time.Now().UTC()
	p.State = engine.PenaltyWaived
	p.WaivedAt = &now
	p.WaivedBy = "analyst-7"
	p.WaiveReason = "forbearance"
	require.NoError(t, store.UpdatePenalty(ctx, p))

	active, err = store.ActivePenalty(ctx, "inv-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	all, err := store.PenaltiesByInvoice(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "analyst-7", all[0].WaivedBy)
	require.NotNil(t, all[0].WaivedAt)
}

func TestUpdatePenaltyVersionCheck(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)
	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1")))

	p := engine.Penalty{
		ID:        "pen-1",
		InvoiceID: "inv-1",
		Rate:      decimal.RequireFromString("0.05"),
		Amount:    engine.MustParseMoney("100.00"),
		State:     engine.PenaltyApplied,
		AppliedAt: time.Now().UTC(),
		Version:   1,
	}
	require.NoError(t, store.InsertPenalty(ctx, p))
	require.NoError(t, store.UpdatePenalty(ctx, p)) // bumps to 2

	err := store.UpdatePenalty(ctx, p) // still claims version 1
	assert.True(t, errors.Is(err, engine.ErrConcurrentModification))
}

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func TestAppendReconciliationRetiresPrior(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)
	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1")))

	first := engine.Reconciliation{
		ID:            "rec-1",
		InvoiceID:     "inv-1",
		TotalPayable:  engine.MustParseMoney("1000.00"),
		PaymentAmount: engine.MustParseMoney("600.00"),
		PaymentDate:   engine.NewDate(2025, time.October, 10),
		Variance:      engine.MustParseMoney("-400.00"),
		VariancePct:   decimal.RequireFromString("-40"),
		State:         engine.ReconVariance,
		ReconciledBy:  "system",
		ReconciledAt:  time.Now().UTC(),
		Current:       true,
		Version:       1,
	}
	require.NoError(t, store.AppendReconciliation(ctx, first))

	second := first
	second.ID = "rec-2"
	second.PaymentAmount = engine.MustParseMoney("1000.00")
	second.Variance = engine.MustParseMoney("0.00")
	second.State = engine.ReconReconciled
	require.NoError(t, store.AppendReconciliation(ctx, second))

	current, err := store.CurrentReconciliation(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, engine.ReconciliationID("rec-2"), current.ID)

	retired, err := store.Reconciliation(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, retired)
	assert.False(t, retired.Current)
	assert.Equal(t, "-40", retired.VariancePct.String())

	// State filters only see current attempts.
	variances, err := store.ReconciliationsByState(ctx, engine.ReconVariance)
	require.NoError(t, err)
	assert.Empty(t, variances)

	reconciled, err := store.ReconciliationsByState(ctx, engine.ReconReconciled)
	require.NoError(t, err)
	require.Len(t, reconciled, 1)
	assert.Equal(t, engine.ReconciliationID("rec-2"), reconciled[0].ID)
}

func TestUpdateReconciliationVersionCheck(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)
	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1")))

	rec := engine.Reconciliation{
		ID:            "rec-1",
		InvoiceID:     "inv-1",
		TotalPayable:  engine.MustParseMoney("1000.00"),
		PaymentAmount: engine.MustParseMoney("600.00"),
		Variance:      engine.MustParseMoney("-400.00"),
		State:         engine.ReconVariance,
		ReconciledAt:  time.Now().UTC(),
		Current:       true,
		Version:       1,
	}
	require.NoError(t, store.AppendReconciliation(ctx, rec))

	rec.State = engine.ReconDisputed
	rec.Notes = "institution disputes the shortfall"
	require.NoError(t, store.UpdateReconciliation(ctx, rec))

	reloaded, err := store.Reconciliation(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, engine.ReconDisputed, reloaded.State)
	assert.Equal(t, 2, reloaded.Version)

	err = store.UpdateReconciliation(ctx, rec) // stale version 1
	assert.True(t, errors.Is(err, engine.ErrConcurrentModification))
}

// =============================================================================
// PAYMENT TESTS
// =============================================================================

func TestPaymentsAndParking(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedInstitution(t, store)
	require.NoError(t, store.InsertInvoice(ctx, testInvoice("inv-1")))

	matched := engine.Payment{
		ID:              "pay-1",
		InstitutionCode: "FNB-001",
		InvoiceID:       "inv-1",
		Amount:          engine.MustParseMoney("600.00"),
		Date:            engine.NewDate(2025, time.October, 10),
		ReceivedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.InsertPayment(ctx, matched))

	parked := engine.Payment{
		ID:              "pay-2",
		InstitutionCode: "GHOST-404",
		Amount:          engine.MustParseMoney("50.00"),
		Date:            engine.NewDate(2025, time.October, 11),
		ReceivedAt:      time.Now().UTC(),
		ParkReason:      "no open invoice for GHOST-404",
	}
	require.NoError(t, store.InsertPayment(ctx, parked))

	byInvoice, err := store.PaymentsByInvoice(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, byInvoice, 1)
	assert.Equal(t, "600.00", byInvoice[0].Amount.String())

	unmatched, err := store.UnmatchedPayments(ctx)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, engine.PaymentID("pay-2"), unmatched[0].ID)
	assert.Equal(t, "no open invoice for GHOST-404", unmatched[0].ParkReason)

	// Operator attaches the parked payment to an invoice.
	require.NoError(t, store.AttachPayment(ctx, "pay-2", "inv-1"))
	unmatched, err = store.UnmatchedPayments(ctx)
	require.NoError(t, err)
	assert.Empty(t, unmatched)
}

// =============================================================================
// AUDIT TESTS
// =============================================================================

func TestQueryAuditFilters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	entries := []engine.AuditEntry{
		{
			ID: "a-1", At: engine.NewDate(2025, time.October, 1), ActorID: "system",
			Action: engine.AuditInvoiceSent, EntityKind: "invoice", EntityID: "inv-1",
			InstitutionID: "inst-1",
		},
		{
			ID: "a-2", At: engine.NewDate(2025, time.November, 5), ActorID: "system",
			Action: engine.AuditPenaltyApplied, EntityKind: "penalty", EntityID: "pen-1",
			InstitutionID: "inst-1", Detail: map[string]string{"rate": "0.05"},
		},
		{
			ID: "a-3", At: engine.NewDate(2025, time.November, 6), ActorID: "analyst-7",
			Action: engine.AuditPenaltyWaived, EntityKind: "penalty", EntityID: "pen-1",
			InstitutionID: "inst-2",
		},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendAudit(ctx, e))
	}

	kind := "penalty"
	penalties, err := store.QueryAudit(ctx, engine.AuditFilter{EntityKind: &kind})
	require.NoError(t, err)
	assert.Len(t, penalties, 2)

	actor := "analyst-7"
	byActor, err := store.QueryAudit(ctx, engine.AuditFilter{ActorID: &actor})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, engine.AuditPenaltyWaived, byActor[0].Action)

	inst := engine.InstitutionID("inst-1")
	byInst, err := store.QueryAudit(ctx, engine.AuditFilter{
		InstitutionID: &inst,
		Actions:       []engine.AuditAction{engine.AuditPenaltyApplied},
	})
	require.NoError(t, err)
	require.Len(t, byInst, 1)
	assert.Equal(t, "0.05", byInst[0].Detail["rate"])
}
