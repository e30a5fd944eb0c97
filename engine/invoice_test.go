package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/premium-engine/engine"
	memstore "github.com/warp/premium-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newInvoiceService(t *testing.T) (*engine.InvoiceService, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	store.SeedInstitutions(engine.Institution{
		ID:              "inst-1",
		Code:            "FNB-001",
		Name:            "First National Bank",
		InsuredDeposits: engine.MustParseMoney("2890400000"),
		RiskScore:       decimal.RequireFromString("2.8"),
	})
	return engine.NewInvoiceService(store, engine.NewKeyLock()), store
}

func testResult(institutionID engine.InstitutionID, amount string) engine.CalculationResult {
	return engine.CalculationResult{
		ID:            engine.ResultID("result-" + string(institutionID)),
		InstitutionID: institutionID,
		Period:        q3(),
		Rate:          decimal.RequireFromString("0.00126"),
		Premium:       engine.MustParseMoney(amount),
		Source:        engine.SourcePolicy,
	}
}

func due(y, m, d int) engine.Date { return engine.NewDate(y, time.Month(m), d) }

// =============================================================================
// GENERATION + UNIQUENESS TESTS
// =============================================================================

func TestGenerate_DraftWithoutSentDate(t *testing.T) {
	svc, _ := newInvoiceService(t)

	inv, err := svc.Generate(context.Background(), testResult("inst-1", "3641904.00"), "FNB-001", due(2025, 10, 31))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if inv.State != engine.InvoiceDraft {
		t.Errorf("expected draft, got %s", inv.State)
	}
	if inv.SentAt != nil {
		t.Error("draft invoice must not carry a sent date")
	}
	if inv.Amount.String() != "3641904.00" {
		t.Errorf("amount = %s", inv.Amount)
	}
}

func TestGenerate_SecondInvoiceForKeyRejected(t *testing.T) {
	// GIVEN: An invoice already exists for (institution, period)
	// WHEN: Generating again
	// THEN: ConflictError naming the existing invoice

	svc, _ := newInvoiceService(t)
	ctx := context.Background()

	first, err := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	_, err = svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict *engine.ConflictError
	if !errors.As(err, &conflict) || conflict.ExistingID != string(first.ID) {
		t.Errorf("conflict should name the existing invoice: %v", err)
	}
}

func TestGenerate_AllowedAgainAfterCancellation(t *testing.T) {
	svc, _ := newInvoiceService(t)
	ctx := context.Background()

	first, err := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Cancel(ctx, first.ID, "wrong amount", "analyst-7"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := svc.Generate(ctx, testResult("inst-1", "120.00"), "FNB-001", due(2025, 11, 15)); err != nil {
		t.Fatalf("generate after cancel: %v", err)
	}
}

func TestGenerateAll_SkipsOnlyDuplicates(t *testing.T) {
	// GIVEN: One institution already invoiced, one fresh, one with a
	//        result that cannot produce an invoice
	// WHEN: Running bulk generation
	// THEN: Only the duplicate counts as skipped; the bad result is a failure

	svc, store := newInvoiceService(t)
	ctx := context.Background()
	store.SeedInstitutions(engine.Institution{ID: "inst-2", Code: "HSB-014"})

	if _, err := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31)); err != nil {
		t.Fatalf("generate: %v", err)
	}

	bad := testResult("inst-2", "500.00")
	bad.Premium = engine.MustParseMoney("500.00").Neg()

	report := svc.GenerateAll(ctx, []engine.CalculationResult{
		testResult("inst-1", "100.00"),
		bad,
	}, func(engine.InstitutionID) string { return "X" }, due(2025, 10, 31))

	if len(report.Skipped) != 1 || report.Skipped[0] != "inst-1" {
		t.Fatalf("skipped = %v, want [inst-1]", report.Skipped)
	}
	if _, ok := report.Failures["inst-2"]; !ok {
		t.Fatalf("failures = %v, want inst-2 recorded", report.Failures)
	}
	if report.Processed != 0 {
		t.Fatalf("processed = %d, want 0", report.Processed)
	}
}

// =============================================================================
// STATE MACHINE TESTS
// =============================================================================

func TestSend_OnlyFromDraft(t *testing.T) {
	svc, _ := newInvoiceService(t)
	ctx := context.Background()

	inv, _ := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))

	sent, err := svc.Send(ctx, inv.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.State != engine.InvoiceSent || sent.SentAt == nil {
		t.Errorf("expected sent with timestamp, got %s", sent.State)
	}

	// Sending again is a state violation, not a silent no-op.
	if _, err := svc.Send(ctx, inv.ID); !errors.Is(err, engine.ErrState) {
		t.Errorf("expected state error on double send, got %v", err)
	}
}

func TestCancel_RejectedForSettledInvoice(t *testing.T) {
	svc, _ := newInvoiceService(t)
	ctx := context.Background()

	inv, _ := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	svc.Send(ctx, inv.ID)
	if _, err := svc.MarkPaid(ctx, inv.ID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	if _, err := svc.Cancel(ctx, inv.ID, "too late", "analyst-7"); !errors.Is(err, engine.ErrState) {
		t.Errorf("expected state error, got %v", err)
	}
}

func TestSupersede_LinksBothWays(t *testing.T) {
	// GIVEN: A sent invoice
	// WHEN: Superseding with a new due date
	// THEN: Original is cancelled and linked forward; replacement is a
	//       draft linked back, same amount

	svc, store := newInvoiceService(t)
	ctx := context.Background()

	orig, _ := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	svc.Send(ctx, orig.ID)

	replacement, err := svc.Supersede(ctx, orig.ID, due(2025, 12, 15), "analyst-7")
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}

	reloaded, _ := store.Invoice(ctx, orig.ID)
	if reloaded.State != engine.InvoiceCancelled {
		t.Errorf("original should be cancelled, got %s", reloaded.State)
	}
	if reloaded.SupersededBy != replacement.ID {
		t.Error("original should link to replacement")
	}
	if replacement.Supersedes != orig.ID {
		t.Error("replacement should link back to original")
	}
	if replacement.State != engine.InvoiceDraft {
		t.Errorf("replacement should be a draft, got %s", replacement.State)
	}
	if !replacement.Amount.Equal(orig.Amount) {
		t.Errorf("replacement amount %s != original %s", replacement.Amount, orig.Amount)
	}
}

func TestSupersede_RejectedForDraft(t *testing.T) {
	svc, _ := newInvoiceService(t)
	ctx := context.Background()

	inv, _ := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	if _, err := svc.Supersede(ctx, inv.ID, due(2025, 12, 15), "analyst-7"); !errors.Is(err, engine.ErrState) {
		t.Errorf("expected state error, got %v", err)
	}
}

// =============================================================================
// OVERDUE SWEEP TESTS
// =============================================================================

func TestMarkOverdue_SweepIsIdempotent(t *testing.T) {
	svc, store := newInvoiceService(t)
	ctx := context.Background()

	inv, _ := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	svc.Send(ctx, inv.ID)

	// On the due date itself the invoice is not yet overdue.
	n, err := svc.MarkOverdue(ctx, due(2025, 10, 31))
	if err != nil {
		t.Fatalf("mark overdue: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 on due date, marked %d", n)
	}

	n, _ = svc.MarkOverdue(ctx, due(2025, 11, 1))
	if n != 1 {
		t.Errorf("expected 1 marked, got %d", n)
	}

	// Re-running the sweep finds nothing left in Sent.
	n, _ = svc.MarkOverdue(ctx, due(2025, 11, 2))
	if n != 0 {
		t.Errorf("sweep re-run should be a no-op, marked %d", n)
	}

	reloaded, _ := store.Invoice(ctx, inv.ID)
	if reloaded.State != engine.InvoiceOverdue {
		t.Errorf("expected overdue, got %s", reloaded.State)
	}
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestSubscribe_ObservesTransitions(t *testing.T) {
	svc, _ := newInvoiceService(t)
	ctx := context.Background()

	var transitions []engine.InvoiceState
	svc.Subscribe(func(e engine.InvoiceEvent) {
		transitions = append(transitions, e.To)
	})

	inv, _ := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	svc.Send(ctx, inv.ID)
	svc.MarkPaid(ctx, inv.ID)

	want := []engine.InvoiceState{engine.InvoiceSent, engine.InvoicePaid}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(transitions))
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

// =============================================================================
// POSTING TESTS
// =============================================================================

// flakyPoster fails a fixed number of times before succeeding.
type flakyPoster struct {
	failures int
	calls    int
}

func (p *flakyPoster) PostInvoice(ctx context.Context, invoiceID engine.InvoiceID, code string, amount engine.Money, period engine.Period) error {
	p.calls++
	if p.calls <= p.failures {
		return fmt.Errorf("accounting unavailable (call %d)", p.calls)
	}
	return nil
}

func TestPost_RetriesThenSucceeds(t *testing.T) {
	svc, store := newInvoiceService(t)
	ctx := context.Background()

	inv, _ := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	svc.Send(ctx, inv.ID)

	poster := &flakyPoster{failures: 2}
	posting := engine.NewPostingService(store, poster)
	posting.MaxAttempts = 3
	posting.InitialInterval = 1 // effectively immediate

	if err := posting.Post(ctx, inv.ID); err != nil {
		t.Fatalf("post: %v", err)
	}
	if poster.calls != 3 {
		t.Errorf("expected 3 calls, got %d", poster.calls)
	}

	reloaded, _ := store.Invoice(ctx, inv.ID)
	if reloaded.Posting != engine.PostingPosted {
		t.Errorf("expected posted, got %s", reloaded.Posting)
	}

	// Posting again must not touch the downstream system.
	if err := posting.Post(ctx, inv.ID); err != nil {
		t.Fatalf("repost: %v", err)
	}
	if poster.calls != 3 {
		t.Errorf("repost should be a no-op, calls = %d", poster.calls)
	}
}

func TestPost_ExhaustedRetriesLeavePendingState(t *testing.T) {
	svc, store := newInvoiceService(t)
	ctx := context.Background()

	inv, _ := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))
	svc.Send(ctx, inv.ID)

	poster := &flakyPoster{failures: 10}
	posting := engine.NewPostingService(store, poster)
	posting.MaxAttempts = 3
	posting.InitialInterval = 1

	err := posting.Post(ctx, inv.ID)
	if !errors.Is(err, engine.ErrExternalPosting) {
		t.Fatalf("expected posting error, got %v", err)
	}

	reloaded, _ := store.Invoice(ctx, inv.ID)
	if reloaded.Posting != engine.PostingPending {
		t.Errorf("expected pending, got %s", reloaded.Posting)
	}
	if reloaded.PostingAttempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", reloaded.PostingAttempts)
	}
	if reloaded.PostingError == "" {
		t.Error("last error should be recorded on the invoice")
	}

	// RetryPending drives it home once the downstream recovers.
	poster.failures = 0
	posted, failed, err := posting.RetryPending(ctx)
	if err != nil {
		t.Fatalf("retry pending: %v", err)
	}
	if posted != 1 || len(failed) != 0 {
		t.Errorf("expected 1 posted 0 failed, got %d/%d", posted, len(failed))
	}
}

func TestPost_RejectedForDraft(t *testing.T) {
	svc, store := newInvoiceService(t)
	ctx := context.Background()

	inv, _ := svc.Generate(ctx, testResult("inst-1", "100.00"), "FNB-001", due(2025, 10, 31))

	posting := engine.NewPostingService(store, &flakyPoster{})
	if err := posting.Post(ctx, inv.ID); !errors.Is(err, engine.ErrState) {
		t.Errorf("expected state error for draft, got %v", err)
	}
}
