/*
errors.go - Centralized error types for the premium engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The taxonomy distinguishes caller mistakes (validation, conflicts,
  illegal transitions) from downstream failures (accounting posting,
  payment ingestion), because they propagate differently: caller errors
  return synchronously, downstream errors are retried with backoff and
  then surfaced on the affected record.

ERROR CATEGORIES:
  1. Validation errors - malformed/out-of-range inputs
  2. Conflict errors   - duplicate invoice or active penalty
  3. State errors      - transition not permitted from current state
  4. Not-found errors  - unknown institution/invoice/penalty id
  5. External errors   - accounting/payment systems, retried then surfaced

USAGE:
  if errors.Is(err, engine.ErrConflict) { ... }

  var stErr *engine.StateError
  if errors.As(err, &stErr) { ... }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or out-of-range inputs:
	// negative deposits, risk score outside its scale, a negative rate.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a write would violate a uniqueness
	// invariant: a second non-cancelled invoice for a period, or a second
	// active penalty on an invoice.
	ErrConflict = errors.New("conflicting record exists")

	// ErrState is returned when a transition is not permitted from the
	// record's current state, e.g. sending an already-sent invoice.
	ErrState = errors.New("transition not permitted")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrExternalPosting is returned once accounting-posting retries are
	// exhausted. The invoice keeps its pending/failed posting state.
	ErrExternalPosting = errors.New("accounting posting failed")

	// ErrPaymentIngest is returned when a reported payment cannot be
	// matched to an invoice. The payment is parked, never dropped.
	ErrPaymentIngest = errors.New("payment ingestion failed")

	// ErrConcurrentModification is returned when an optimistic version
	// check detects a stale write. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports which input failed validation and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports the existing record that blocks a write.
type ConflictError struct {
	Kind       string // "invoice", "penalty"
	ExistingID string
	Key        string // human-readable uniqueness key, e.g. "inst-001/2025-Q1"
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists for %s (id: %s)", e.Kind, e.Key, e.ExistingID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// StateError reports an illegal lifecycle transition.
type StateError struct {
	Kind   string // "invoice", "penalty", "reconciliation"
	ID     string
	From   string // current state
	Action string // attempted action
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Action, e.Kind, e.ID, e.From)
}

func (e *StateError) Unwrap() error { return ErrState }

// NotFoundError reports a missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PostingError reports an exhausted accounting posting attempt. The invoice
// record keeps the attempt count and last error for operator queries.
type PostingError struct {
	InvoiceID InvoiceID
	Attempts  int
	Last      error
}

func (e *PostingError) Error() string {
	return fmt.Sprintf("posting invoice %s failed after %d attempts: %v", e.InvoiceID, e.Attempts, e.Last)
}

func (e *PostingError) Unwrap() error { return ErrExternalPosting }

// IngestError reports a payment that could not be matched to an invoice.
type IngestError struct {
	PaymentID       PaymentID
	InstitutionCode string
	Reason          string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("payment %s from %s not ingested: %s", e.PaymentID, e.InstitutionCode, e.Reason)
}

func (e *IngestError) Unwrap() error { return ErrPaymentIngest }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrState)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
