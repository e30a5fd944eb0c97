/*
posting.go - Idempotent handoff of invoices to the accounting system

PURPOSE:
  Emits one posting per invoice to the downstream accounting system.
  Posting is at-most-once: repeated calls after a first success are no-ops.
  Transient downstream failures leave the invoice in a pending-post state
  with its attempt count and last error queryable; retries use bounded
  exponential backoff and the failure is surfaced as a PostingError once
  the bound is exhausted - never silently dropped.

SEE ALSO:
  - api/scheduler.go: periodic RetryPending driver
*/
package engine

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// =============================================================================
// ACCOUNTING POSTER - Downstream interface
// =============================================================================

// AccountingPoster is the accounting system's ingest endpoint. Implementations
// must be idempotent by invoice id.
type AccountingPoster interface {
	PostInvoice(ctx context.Context, invoiceID InvoiceID, institutionCode string, amount Money, period Period) error
}

// =============================================================================
// POSTING SERVICE
// =============================================================================

type PostingService struct {
	Store  InvoiceStore
	Poster AccountingPoster
	Audit  AuditLog

	// MaxAttempts bounds retries within one Post call. Zero means 3.
	MaxAttempts uint

	// InitialInterval seeds the exponential backoff. Zero means 100ms.
	InitialInterval time.Duration
}

func NewPostingService(store Store, poster AccountingPoster) *PostingService {
	return &PostingService{Store: store, Poster: poster, Audit: store}
}

// Post sends the invoice to accounting. No-op if already posted. Retries
// transient failures with exponential backoff up to MaxAttempts, then
// records the failure on the invoice and returns a PostingError.
func (s *PostingService) Post(ctx context.Context, id InvoiceID) error {
	inv, err := s.Store.Invoice(ctx, id)
	if err != nil {
		return err
	}
	if inv == nil {
		return &NotFoundError{Kind: "invoice", ID: string(id)}
	}
	if inv.Posting == PostingPosted {
		return nil // at-most-once
	}
	if inv.State == InvoiceDraft || inv.State == InvoiceCancelled {
		return &StateError{Kind: "invoice", ID: string(id), From: string(inv.State), Action: "post"}
	}

	maxAttempts := s.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	bo := backoff.NewExponentialBackOff()
	if s.InitialInterval > 0 {
		bo.InitialInterval = s.InitialInterval
	}

	attempts := 0
	post := func() error {
		attempts++
		return s.Poster.PostInvoice(ctx, inv.ID, inv.InstitutionCode, inv.Amount, inv.Period)
	}

	postErr := backoff.Retry(post, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx))

	inv.PostingAttempts += attempts
	if postErr != nil {
		// Leave pending so the periodic retry picks it up.
		inv.Posting = PostingPending
		inv.PostingError = postErr.Error()
		if err := s.Store.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		return &PostingError{InvoiceID: inv.ID, Attempts: inv.PostingAttempts, Last: postErr}
	}

	now := time.Now().UTC()
	inv.Posting = PostingPosted
	inv.PostingError = ""
	inv.PostedAt = &now
	if err := s.Store.UpdateInvoice(ctx, *inv); err != nil {
		return err
	}

	if s.Audit != nil {
		_ = s.Audit.AppendAudit(ctx, AuditEntry{
			ID:            uuid.NewString(),
			At:            Today(),
			ActorID:       "system",
			Action:        AuditInvoicePosted,
			EntityKind:    "invoice",
			EntityID:      string(inv.ID),
			InstitutionID: inv.InstitutionID,
			Detail:        map[string]string{"attempts": strconv.Itoa(inv.PostingAttempts)},
		})
	}
	return nil
}

// RetryPending re-drives invoices stuck in pending post. Returns how many
// were posted and which are still failing.
func (s *PostingService) RetryPending(ctx context.Context) (posted int, failed []InvoiceID, err error) {
	invoices, err := s.Store.InvoicesByState(ctx, InvoiceSent, InvoiceOverdue, InvoicePaid)
	if err != nil {
		return 0, nil, err
	}
	for _, inv := range invoices {
		if inv.Posting != PostingPending {
			continue
		}
		if err := s.Post(ctx, inv.ID); err != nil {
			failed = append(failed, inv.ID)
			continue
		}
		posted++
	}
	return posted, failed, nil
}


// =============================================================================
// LOG POSTER - Dev stand-in
// =============================================================================

// LogPoster writes postings to the log instead of calling a real
// accounting system. Used in development and demos.
type LogPoster struct{}

func (LogPoster) PostInvoice(ctx context.Context, invoiceID InvoiceID, institutionCode string, amount Money, period Period) error {
	log.Printf("[Posting] Invoice %s: %s for %s in %s", invoiceID, amount, institutionCode, period)
	return nil
}
