package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/premium-engine/engine"
	memstore "github.com/warp/premium-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type reconFixture struct {
	store     *memstore.Memory
	invoices  *engine.InvoiceService
	penalties *engine.PenaltyService
	recon     *engine.ReconciliationService
	invoiceID engine.InvoiceID
}

// newReconFixture builds a sent invoice for the given amount, due
// 2025-10-31, ready for payment matching.
func newReconFixture(t *testing.T, amount string) *reconFixture {
	t.Helper()

	store := memstore.NewMemory()
	store.SeedInstitutions(engine.Institution{
		ID:              "inst-1",
		Code:            "FNB-001",
		Name:            "First National Bank",
		InsuredDeposits: engine.MustParseMoney("2890400000"),
		RiskScore:       decimal.RequireFromString("2.8"),
	})
	locks := engine.NewKeyLock()
	invoices := engine.NewInvoiceService(store, locks)

	ctx := context.Background()
	inv, err := invoices.Generate(ctx, testResult("inst-1", amount), "FNB-001", due(2025, 10, 31))
	require.NoError(t, err)
	_, err = invoices.Send(ctx, inv.ID)
	require.NoError(t, err)

	return &reconFixture{
		store:     store,
		invoices:  invoices,
		penalties: engine.NewPenaltyService(store, locks, standardPenaltyPolicy()),
		recon:     engine.NewReconciliationService(store, invoices, locks),
		invoiceID: inv.ID,
	}
}

func (f *reconFixture) pay(t *testing.T, amount string, date engine.Date) (*engine.Payment, *engine.Reconciliation, error) {
	t.Helper()
	return f.recon.IngestPayment(context.Background(), engine.PaymentEvent{
		InstitutionCode: "FNB-001",
		Amount:          engine.MustParseMoney(amount),
		Date:            date,
	})
}

// =============================================================================
// MATCHING + SETTLEMENT TESTS
// =============================================================================

func TestIngest_ExactPaymentSettlesInvoice(t *testing.T) {
	// GIVEN: A sent invoice for 1,000,000.00
	// WHEN: A payment for the full amount arrives
	// THEN: The attempt reconciles and the invoice settles to Paid

	f := newReconFixture(t, "1000000.00")

	payment, rec, err := f.pay(t, "1000000.00", due(2025, 10, 20))
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, f.invoiceID, payment.InvoiceID)
	assert.Equal(t, engine.ReconReconciled, rec.State)
	assert.True(t, rec.Variance.IsZero())
	assert.True(t, rec.Current)

	inv, err := f.store.Invoice(context.Background(), f.invoiceID)
	require.NoError(t, err)
	assert.Equal(t, engine.InvoicePaid, inv.State)
}

func TestIngest_PartialPaymentsAggregate(t *testing.T) {
	// GIVEN: A 1,000,000.00 invoice paid in two installments
	// WHEN: The first arrives
	// THEN: Variance of -400,000.00
	// WHEN: The second arrives
	// THEN: Cumulative amount reconciles and the first attempt is retired

	f := newReconFixture(t, "1000000.00")
	ctx := context.Background()

	_, first, err := f.pay(t, "600000.00", due(2025, 10, 10))
	require.NoError(t, err)
	assert.Equal(t, engine.ReconVariance, first.State)
	assert.Equal(t, "-400000.00", first.Variance.String())

	_, second, err := f.pay(t, "400000.00", due(2025, 10, 20))
	require.NoError(t, err)
	assert.Equal(t, engine.ReconReconciled, second.State)
	assert.Equal(t, "1000000.00", second.PaymentAmount.String())

	current, err := f.store.CurrentReconciliation(ctx, f.invoiceID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)

	retired, err := f.store.Reconciliation(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, retired.Current, "prior attempt should be retired, not deleted")
}

func TestIngest_UnderpaymentRecordsVariancePercentage(t *testing.T) {
	// 1,400,000.00 against 1,430,000.00 owed: 30,000.00 short, -2.1%.
	f := newReconFixture(t, "1430000.00")

	_, rec, err := f.pay(t, "1400000.00", due(2025, 10, 25))
	require.NoError(t, err)

	assert.Equal(t, engine.ReconVariance, rec.State)
	assert.Equal(t, "-30000.00", rec.Variance.String())
	assert.Equal(t, "-2.1", rec.VariancePct.String())
	assert.Equal(t, "1430000.00", rec.TotalPayable.String())
}

func TestIngest_PenaltyFoldsIntoTotalPayable(t *testing.T) {
	// An applied penalty raises the amount owed: paying only the invoice
	// amount leaves a variance equal to the penalty.
	f := newReconFixture(t, "1000000.00")
	ctx := context.Background()

	_, err := f.invoices.MarkOverdue(ctx, due(2025, 11, 1))
	require.NoError(t, err)
	_, err = f.penalties.Sweep(ctx, due(2025, 11, 5)) // 5% penalty applies
	require.NoError(t, err)

	_, rec, err := f.pay(t, "1000000.00", due(2025, 11, 6))
	require.NoError(t, err)

	assert.Equal(t, engine.ReconVariance, rec.State)
	assert.Equal(t, "1050000.00", rec.TotalPayable.String())
	assert.Equal(t, "-50000.00", rec.Variance.String())
}

// =============================================================================
// PARKING TESTS
// =============================================================================

func TestIngest_NoOpenInvoiceParksPayment(t *testing.T) {
	f := newReconFixture(t, "1000000.00")
	ctx := context.Background()

	payment, rec, err := f.recon.IngestPayment(ctx, engine.PaymentEvent{
		InstitutionCode: "GHOST-404",
		Amount:          engine.MustParseMoney("5000.00"),
		Date:            due(2025, 10, 20),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrPaymentIngest))
	assert.Nil(t, rec)

	// The payment itself is never dropped.
	require.NotNil(t, payment)
	assert.False(t, payment.Matched())
	assert.NotEmpty(t, payment.ParkReason)

	parked, err := f.store.UnmatchedPayments(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, payment.ID, parked[0].ID)
}

func TestIngest_AmbiguousMatchParksPayment(t *testing.T) {
	// Two open invoices for the same institution and no invoice id or
	// period on the event: the engine refuses to guess.
	f := newReconFixture(t, "1000000.00")
	ctx := context.Background()

	second, err := f.invoices.Generate(ctx, engine.CalculationResult{
		ID:            "result-q4",
		InstitutionID: "inst-1",
		Period:        engine.Period{Year: 2025, Quarter: 4},
		Rate:          decimal.RequireFromString("0.00126"),
		Premium:       engine.MustParseMoney("900000.00"),
		Source:        engine.SourcePolicy,
	}, "FNB-001", due(2026, 1, 31))
	require.NoError(t, err)
	_, err = f.invoices.Send(ctx, second.ID)
	require.NoError(t, err)

	payment, _, err := f.pay(t, "1000000.00", due(2025, 10, 20))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrPaymentIngest))
	assert.Contains(t, payment.ParkReason, "ambiguous")

	// Scoping the event to a period disambiguates.
	q4 := engine.Period{Year: 2025, Quarter: 4}
	matched, rec, err := f.recon.IngestPayment(ctx, engine.PaymentEvent{
		InstitutionCode: "FNB-001",
		Period:          &q4,
		Amount:          engine.MustParseMoney("900000.00"),
		Date:            due(2025, 10, 21),
	})
	require.NoError(t, err)
	assert.Equal(t, second.ID, matched.InvoiceID)
	assert.Equal(t, engine.ReconReconciled, rec.State)
}

func TestIngest_RejectsNonPositiveAmount(t *testing.T) {
	f := newReconFixture(t, "1000000.00")

	_, _, err := f.pay(t, "0.00", due(2025, 10, 20))
	assert.True(t, errors.Is(err, engine.ErrValidation))

	_, _, err = f.pay(t, "-50.00", due(2025, 10, 20))
	assert.True(t, errors.Is(err, engine.ErrValidation))
}

// =============================================================================
// DISPUTE TESTS
// =============================================================================

func TestDispute_FreezesMatchingUntilResolved(t *testing.T) {
	// GIVEN: A variance attempt under dispute
	// WHEN: A payment arrives for the invoice
	// THEN: Reconciliation is frozen; the payment is stored but no new
	//       attempt appends
	// WHEN: The dispute is resolved
	// THEN: A fresh attempt reconciles against everything received

	f := newReconFixture(t, "1000000.00")
	ctx := context.Background()

	_, rec, err := f.pay(t, "600000.00", due(2025, 10, 10))
	require.NoError(t, err)
	require.Equal(t, engine.ReconVariance, rec.State)

	disputed, err := f.recon.Dispute(ctx, rec.ID, "analyst-7", "institution claims wire of 1,000,000 sent")
	require.NoError(t, err)
	assert.Equal(t, engine.ReconDisputed, disputed.State)

	_, blocked, err := f.pay(t, "400000.00", due(2025, 10, 20))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrState))
	assert.Nil(t, blocked)

	resolved, err := f.recon.Resolve(ctx, rec.ID, "analyst-7", "bank confirmed split wires")
	require.NoError(t, err)
	assert.Equal(t, engine.ReconReconciled, resolved.State)
	assert.Equal(t, "1000000.00", resolved.PaymentAmount.String())

	inv, _ := f.store.Invoice(ctx, f.invoiceID)
	assert.Equal(t, engine.InvoicePaid, inv.State)
}

func TestDispute_OnlyVarianceAttemptsDisputable(t *testing.T) {
	f := newReconFixture(t, "1000000.00")
	ctx := context.Background()

	_, rec, err := f.pay(t, "1000000.00", due(2025, 10, 20))
	require.NoError(t, err)
	require.Equal(t, engine.ReconReconciled, rec.State)

	_, err = f.recon.Dispute(ctx, rec.ID, "analyst-7", "no grounds")
	assert.True(t, errors.Is(err, engine.ErrState))
}

func TestResolve_RequiresDisputedState(t *testing.T) {
	f := newReconFixture(t, "1000000.00")

	_, rec, err := f.pay(t, "600000.00", due(2025, 10, 10))
	require.NoError(t, err)

	_, err = f.recon.Resolve(context.Background(), rec.ID, "analyst-7", "nothing to resolve")
	assert.True(t, errors.Is(err, engine.ErrState))
}
