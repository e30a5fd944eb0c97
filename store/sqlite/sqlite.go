/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements engine.Store using SQLite. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  institutions:        Read-only mirror of the institution directory feed
  calculation_results: Append-only premium calculation history
  invoices:            Billing documents (versioned updates)
  penalties:           Late-payment surcharges (versioned updates)
  reconciliations:     Append-only matching attempts, one current per invoice
  payments:            Raw ingested payment events, including parked ones
  audit_log:           Append-only operator and system action trail

APPEND-ONLY ENFORCEMENT:
  calculation_results, payments, and audit_log take no destructive updates:
  supersession appends a new row and flips the link column on the old one.
  Invoices, penalties, and reconciliation states are the only mutable rows,
  and every UPDATE carries a version predicate - a stale write affects zero
  rows and surfaces ErrConcurrentModification to the caller.

INDEXES:
  Critical indexes for correctness and performance:
  - idx_results_current:  exactly one non-superseded result per key
  - idx_invoices_active:  enforces one non-cancelled invoice per key
  - idx_penalties_active: at most one applied penalty per invoice
  - idx_recons_invoice:   current-attempt lookup (hot path)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/premium.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/premium-engine/engine"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ engine.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Institutions (read-only directory mirror)
	CREATE TABLE IF NOT EXISTS institutions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		insured_deposits TEXT NOT NULL,
		risk_score TEXT NOT NULL
	);

	-- Calculation results (append-only; superseded_by links history)
	CREATE TABLE IF NOT EXISTS calculation_results (
		id TEXT PRIMARY KEY,
		institution_id TEXT NOT NULL REFERENCES institutions(id),
		period TEXT NOT NULL,
		rate TEXT NOT NULL,
		premium TEXT NOT NULL,
		source TEXT NOT NULL,
		override_reason TEXT,
		override_actor TEXT,
		superseded_by TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_key
		ON calculation_results(institution_id, period);

	-- Exactly one non-superseded result per (institution, period)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_results_current
		ON calculation_results(institution_id, period)
		WHERE superseded_by IS NULL OR superseded_by = '';

	-- Invoices (versioned)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		institution_id TEXT NOT NULL REFERENCES institutions(id),
		institution_code TEXT NOT NULL,
		period TEXT NOT NULL,
		result_id TEXT,
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		state TEXT NOT NULL,
		posting TEXT NOT NULL,
		posting_attempts INTEGER NOT NULL DEFAULT 0,
		posting_error TEXT,
		posted_at TEXT,
		created_at TEXT NOT NULL,
		sent_at TEXT,
		supersedes TEXT,
		superseded_by TEXT,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_key
		ON invoices(institution_id, period);
	CREATE INDEX IF NOT EXISTS idx_invoices_state
		ON invoices(state);

	-- CRITICAL: one non-cancelled invoice per (institution, period)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_active
		ON invoices(institution_id, period)
		WHERE state != 'cancelled';

	-- Penalties (versioned)
	CREATE TABLE IF NOT EXISTS penalties (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		days_overdue INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		rate TEXT NOT NULL,
		amount TEXT NOT NULL,
		total_payable TEXT NOT NULL,
		state TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		applied_by TEXT NOT NULL,
		waived_at TEXT,
		waived_by TEXT,
		waive_reason TEXT,
		reminder_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_penalties_invoice
		ON penalties(invoice_id);

	-- At most one applied penalty per invoice
	CREATE UNIQUE INDEX IF NOT EXISTS idx_penalties_active
		ON penalties(invoice_id)
		WHERE state = 'applied';

	-- Reconciliation attempts (append-only; one current per invoice)
	CREATE TABLE IF NOT EXISTS reconciliations (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		total_payable TEXT NOT NULL,
		payment_amount TEXT NOT NULL,
		payment_date TEXT,
		variance TEXT NOT NULL,
		variance_pct TEXT NOT NULL,
		state TEXT NOT NULL,
		notes TEXT,
		reconciled_by TEXT,
		reconciled_at TEXT NOT NULL,
		current INTEGER NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_recons_invoice
		ON reconciliations(invoice_id);
	CREATE INDEX IF NOT EXISTS idx_recons_state
		ON reconciliations(state);

	-- Raw payment events (parked payments have empty invoice_id)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		institution_code TEXT NOT NULL,
		invoice_id TEXT,
		amount TEXT NOT NULL,
		payment_date TEXT,
		received_at TEXT NOT NULL,
		park_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		institution_id TEXT,
		detail_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_kind, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_institution
		ON audit_log(institution_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

func moneyOf(s string) engine.Money {
	return engine.MustParseMoney(s)
}

func decOf(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func periodOf(s string) engine.Period {
	p, _ := engine.ParsePeriod(s)
	return p
}

func dateOf(s string) engine.Date {
	if s == "" {
		return engine.Date{}
	}
	d, _ := engine.ParseDate(s)
	return d
}

func timeOf(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func timePtrOf(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := timeOf(s.String)
	return &t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtDate(d engine.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

// =============================================================================
// DIRECTORY
// =============================================================================

// UpsertInstitution mirrors one directory feed record. This is the feed's
// write path, not part of the engine-facing interface.
func (s *Store) UpsertInstitution(ctx context.Context, inst engine.Institution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO institutions (id, code, name, insured_deposits, risk_score)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			insured_deposits = excluded.insured_deposits,
			risk_score = excluded.risk_score`,
		inst.ID, inst.Code, inst.Name, inst.InsuredDeposits.Value.String(), inst.RiskScore.String())
	return err
}

func scanInstitution(row *sql.Row) (*engine.Institution, error) {
	var inst engine.Institution
	var deposits, risk string
	err := row.Scan(&inst.ID, &inst.Code, &inst.Name, &deposits, &risk)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	inst.InsuredDeposits = moneyOf(deposits)
	inst.RiskScore = decOf(risk)
	return &inst, nil
}

func (s *Store) Institution(ctx context.Context, id engine.InstitutionID) (*engine.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, code, name, insured_deposits, risk_score FROM institutions WHERE id = ?`, id)
	return scanInstitution(row)
}

func (s *Store) InstitutionByCode(ctx context.Context, code string) (*engine.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, code, name, insured_deposits, risk_score FROM institutions WHERE code = ?`, code)
	return scanInstitution(row)
}

func (s *Store) ListInstitutions(ctx context.Context) ([]engine.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, name, insured_deposits, risk_score FROM institutions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Institution
	for rows.Next() {
		var inst engine.Institution
		var deposits, risk string
		if err := rows.Scan(&inst.ID, &inst.Code, &inst.Name, &deposits, &risk); err != nil {
			return nil, err
		}
		inst.InsuredDeposits = moneyOf(deposits)
		inst.RiskScore = decOf(risk)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// =============================================================================
// CALCULATION RESULTS
// =============================================================================

const resultColumns = `id, institution_id, period, rate, premium, source,
	override_reason, override_actor, superseded_by, created_at`

func (s *Store) AppendResult(ctx context.Context, result engine.CalculationResult, prior engine.ResultID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Supersession link must flip before the unique current-index admits
	// the new row.
	if prior != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE calculation_results SET superseded_by = ? WHERE id = ?`,
			result.ID, prior); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calculation_results
			(id, institution_id, period, rate, premium, source,
			 override_reason, override_actor, superseded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		result.ID, result.InstitutionID, result.Period.String(),
		result.Rate.String(), result.Premium.Value.String(), result.Source,
		result.OverrideReason, result.OverrideActor,
		result.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanResult(scan func(dest ...any) error) (engine.CalculationResult, error) {
	var r engine.CalculationResult
	var period, rate, premium, createdAt string
	var overrideReason, overrideActor, supersededBy sql.NullString
	err := scan(&r.ID, &r.InstitutionID, &period, &rate, &premium, &r.Source,
		&overrideReason, &overrideActor, &supersededBy, &createdAt)
	if err != nil {
		return r, err
	}
	r.Period = periodOf(period)
	r.Rate = decOf(rate)
	r.Premium = moneyOf(premium)
	r.OverrideReason = overrideReason.String
	r.OverrideActor = overrideActor.String
	r.SupersededBy = engine.ResultID(supersededBy.String)
	r.CreatedAt = timeOf(createdAt)
	return r, nil
}

func (s *Store) CurrentResult(ctx context.Context, institutionID engine.InstitutionID, period engine.Period) (*engine.CalculationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM calculation_results
		 WHERE institution_id = ? AND period = ?
		   AND (superseded_by IS NULL OR superseded_by = '')`,
		institutionID, period.String())
	r, err := scanResult(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ResultsByPeriod(ctx context.Context, period engine.Period) ([]engine.CalculationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM calculation_results
		 WHERE period = ? AND (superseded_by IS NULL OR superseded_by = '')
		 ORDER BY institution_id`, period.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectResults(rows)
}

func (s *Store) ResultHistory(ctx context.Context, institutionID engine.InstitutionID, period engine.Period) ([]engine.CalculationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM calculation_results
		 WHERE institution_id = ? AND period = ?
		 ORDER BY created_at`, institutionID, period.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectResults(rows)
}

func collectResults(rows *sql.Rows) ([]engine.CalculationResult, error) {
	var out []engine.CalculationResult
	for rows.Next() {
		r, err := scanResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, institution_id, institution_code, period, result_id,
	amount, due_date, state, posting, posting_attempts, posting_error, posted_at,
	created_at, sent_at, supersedes, superseded_by, version`

func (s *Store) InsertInvoice(ctx context.Context, inv engine.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.InstitutionID, inv.InstitutionCode, inv.Period.String(), inv.ResultID,
		inv.Amount.Value.String(), inv.DueDate.String(), inv.State,
		inv.Posting, inv.PostingAttempts, inv.PostingError, fmtTimePtr(inv.PostedAt),
		inv.CreatedAt.UTC().Format(time.RFC3339Nano), fmtTimePtr(inv.SentAt),
		inv.Supersedes, inv.SupersededBy, inv.Version)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &engine.ConflictError{
			Kind: "invoice",
			Key:  string(inv.InstitutionID) + "/" + inv.Period.String(),
		}
	}
	return err
}

func (s *Store) UpdateInvoice(ctx context.Context, inv engine.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET
			state = ?, posting = ?, posting_attempts = ?, posting_error = ?,
			posted_at = ?, sent_at = ?, superseded_by = ?, due_date = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		inv.State, inv.Posting, inv.PostingAttempts, inv.PostingError,
		fmtTimePtr(inv.PostedAt), fmtTimePtr(inv.SentAt), inv.SupersededBy,
		inv.DueDate.String(), inv.ID, inv.Version)
	if err != nil {
		return err
	}
	return s.checkVersioned(ctx, res, "invoices", string(inv.ID))
}

// checkVersioned disambiguates a zero-row versioned UPDATE: the row is
// either missing or someone else got there first.
func (s *Store) checkVersioned(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM `+table+` WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return engine.ErrNotFound
	}
	return engine.ErrConcurrentModification
}

func scanInvoice(scan func(dest ...any) error) (engine.Invoice, error) {
	var inv engine.Invoice
	var period, amount, dueDate, createdAt string
	var resultID, postingError, supersedes, supersededBy sql.NullString
	var postedAt, sentAt sql.NullString
	err := scan(&inv.ID, &inv.InstitutionID, &inv.InstitutionCode, &period, &resultID,
		&amount, &dueDate, &inv.State, &inv.Posting, &inv.PostingAttempts,
		&postingError, &postedAt, &createdAt, &sentAt, &supersedes, &supersededBy, &inv.Version)
	if err != nil {
		return inv, err
	}
	inv.Period = periodOf(period)
	inv.ResultID = engine.ResultID(resultID.String)
	inv.Amount = moneyOf(amount)
	inv.DueDate = dateOf(dueDate)
	inv.PostingError = postingError.String
	inv.PostedAt = timePtrOf(postedAt)
	inv.CreatedAt = timeOf(createdAt)
	inv.SentAt = timePtrOf(sentAt)
	inv.Supersedes = engine.InvoiceID(supersedes.String)
	inv.SupersededBy = engine.InvoiceID(supersededBy.String)
	return inv, nil
}

func (s *Store) queryInvoice(ctx context.Context, where string, args ...any) (*engine.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE `+where, args...)
	inv, err := scanInvoice(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) Invoice(ctx context.Context, id engine.InvoiceID) (*engine.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryInvoice(ctx, `id = ?`, id)
}

func (s *Store) ActiveInvoice(ctx context.Context, institutionID engine.InstitutionID, period engine.Period) (*engine.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryInvoice(ctx,
		`institution_id = ? AND period = ? AND state != 'cancelled'`,
		institutionID, period.String())
}

func (s *Store) ActiveInvoiceByCode(ctx context.Context, code string, period engine.Period) (*engine.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryInvoice(ctx,
		`institution_code = ? AND period = ? AND state != 'cancelled'`,
		code, period.String())
}

func (s *Store) queryInvoices(ctx context.Context, where string, args ...any) ([]engine.Invoice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) InvoicesByState(ctx context.Context, states ...engine.InvoiceState) ([]engine.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = st
	}
	return s.queryInvoices(ctx, `state IN (`+strings.Join(placeholders, ",")+`)`, args...)
}

func (s *Store) OpenInvoicesByCode(ctx context.Context, code string) ([]engine.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryInvoices(ctx, `institution_code = ? AND state IN ('sent', 'overdue')`, code)
}

// =============================================================================
// PENALTIES
// =============================================================================

const penaltyColumns = `id, invoice_id, days_overdue, steps, rate, amount,
	total_payable, state, applied_at, applied_by, waived_at, waived_by,
	waive_reason, reminder_count, version`

func (s *Store) InsertPenalty(ctx context.Context, p engine.Penalty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO penalties (`+penaltyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.InvoiceID, p.DaysOverdue, p.Steps, p.Rate.String(),
		p.Amount.Value.String(), p.TotalPayable.Value.String(), p.State,
		p.AppliedAt.UTC().Format(time.RFC3339Nano), p.AppliedBy,
		fmtTimePtr(p.WaivedAt), p.WaivedBy, p.WaiveReason, p.ReminderCount, p.Version)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &engine.ConflictError{Kind: "penalty", Key: string(p.InvoiceID)}
	}
	return err
}

func (s *Store) UpdatePenalty(ctx context.Context, p engine.Penalty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE penalties SET
			days_overdue = ?, steps = ?, rate = ?, amount = ?, total_payable = ?,
			state = ?, waived_at = ?, waived_by = ?, waive_reason = ?,
			reminder_count = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		p.DaysOverdue, p.Steps, p.Rate.String(), p.Amount.Value.String(),
		p.TotalPayable.Value.String(), p.State, fmtTimePtr(p.WaivedAt),
		p.WaivedBy, p.WaiveReason, p.ReminderCount, p.ID, p.Version)
	if err != nil {
		return err
	}
	return s.checkVersioned(ctx, res, "penalties", string(p.ID))
}

func scanPenalty(scan func(dest ...any) error) (engine.Penalty, error) {
	var p engine.Penalty
	var rate, amount, totalPayable, appliedAt string
	var waivedAt, waivedBy, waiveReason sql.NullString
	err := scan(&p.ID, &p.InvoiceID, &p.DaysOverdue, &p.Steps, &rate, &amount,
		&totalPayable, &p.State, &appliedAt, &p.AppliedBy,
		&waivedAt, &waivedBy, &waiveReason, &p.ReminderCount, &p.Version)
	if err != nil {
		return p, err
	}
	p.Rate = decOf(rate)
	p.Amount = moneyOf(amount)
	p.TotalPayable = moneyOf(totalPayable)
	p.AppliedAt = timeOf(appliedAt)
	p.WaivedAt = timePtrOf(waivedAt)
	p.WaivedBy = waivedBy.String
	p.WaiveReason = waiveReason.String
	return p, nil
}

func (s *Store) Penalty(ctx context.Context, id engine.PenaltyID) (*engine.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+penaltyColumns+` FROM penalties WHERE id = ?`, id)
	p, err := scanPenalty(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ActivePenalty(ctx context.Context, invoiceID engine.InvoiceID) (*engine.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+penaltyColumns+` FROM penalties
		 WHERE invoice_id = ? AND state = 'applied'`, invoiceID)
	p, err := scanPenalty(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PenaltiesByInvoice(ctx context.Context, invoiceID engine.InvoiceID) ([]engine.Penalty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+penaltyColumns+` FROM penalties WHERE invoice_id = ? ORDER BY applied_at`,
		invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Penalty
	for rows.Next() {
		p, err := scanPenalty(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILIATIONS
// =============================================================================

const reconColumns = `id, invoice_id, total_payable, payment_amount, payment_date,
	variance, variance_pct, state, notes, reconciled_by, reconciled_at, current, version`

func (s *Store) AppendReconciliation(ctx context.Context, rec engine.Reconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE reconciliations SET current = 0 WHERE invoice_id = ? AND current = 1`,
		rec.InvoiceID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconciliations (`+reconColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		rec.ID, rec.InvoiceID, rec.TotalPayable.Value.String(),
		rec.PaymentAmount.Value.String(), fmtDate(rec.PaymentDate),
		rec.Variance.Value.String(), rec.VariancePct.String(), rec.State,
		rec.Notes, rec.ReconciledBy,
		rec.ReconciledAt.UTC().Format(time.RFC3339Nano), rec.Version)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdateReconciliation(ctx context.Context, rec engine.Reconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliations SET
			state = ?, notes = ?, reconciled_by = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		rec.State, rec.Notes, rec.ReconciledBy, rec.ID, rec.Version)
	if err != nil {
		return err
	}
	return s.checkVersioned(ctx, res, "reconciliations", string(rec.ID))
}

func scanRecon(scan func(dest ...any) error) (engine.Reconciliation, error) {
	var rec engine.Reconciliation
	var totalPayable, paymentAmount, variance, variancePct, reconciledAt string
	var paymentDate, notes, reconciledBy sql.NullString
	var current int
	err := scan(&rec.ID, &rec.InvoiceID, &totalPayable, &paymentAmount, &paymentDate,
		&variance, &variancePct, &rec.State, &notes, &reconciledBy, &reconciledAt,
		&current, &rec.Version)
	if err != nil {
		return rec, err
	}
	rec.TotalPayable = moneyOf(totalPayable)
	rec.PaymentAmount = moneyOf(paymentAmount)
	rec.PaymentDate = dateOf(paymentDate.String)
	rec.Variance = moneyOf(variance)
	rec.VariancePct = decOf(variancePct)
	rec.Notes = notes.String
	rec.ReconciledBy = reconciledBy.String
	rec.ReconciledAt = timeOf(reconciledAt)
	rec.Current = current == 1
	return rec, nil
}

func (s *Store) Reconciliation(ctx context.Context, id engine.ReconciliationID) (*engine.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reconColumns+` FROM reconciliations WHERE id = ?`, id)
	rec, err := scanRecon(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CurrentReconciliation(ctx context.Context, invoiceID engine.InvoiceID) (*engine.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reconColumns+` FROM reconciliations
		 WHERE invoice_id = ? AND current = 1`, invoiceID)
	rec, err := scanRecon(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ReconciliationsByState(ctx context.Context, states ...engine.ReconciliationState) ([]engine.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reconColumns+` FROM reconciliations
		 WHERE state IN (`+strings.Join(placeholders, ",")+`) AND current = 1
		 ORDER BY reconciled_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Reconciliation
	for rows.Next() {
		rec, err := scanRecon(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) InsertPayment(ctx context.Context, p engine.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments
			(id, institution_code, invoice_id, amount, payment_date, received_at, park_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.InstitutionCode, p.InvoiceID, p.Amount.Value.String(),
		fmtDate(p.Date), p.ReceivedAt.UTC().Format(time.RFC3339Nano), p.ParkReason)
	return err
}

func (s *Store) AttachPayment(ctx context.Context, id engine.PaymentID, invoiceID engine.InvoiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET invoice_id = ?, park_reason = '' WHERE id = ?`, invoiceID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func scanPayment(scan func(dest ...any) error) (engine.Payment, error) {
	var p engine.Payment
	var amount, receivedAt string
	var invoiceID, paymentDate, parkReason sql.NullString
	err := scan(&p.ID, &p.InstitutionCode, &invoiceID, &amount, &paymentDate,
		&receivedAt, &parkReason)
	if err != nil {
		return p, err
	}
	p.InvoiceID = engine.InvoiceID(invoiceID.String)
	p.Amount = moneyOf(amount)
	p.Date = dateOf(paymentDate.String)
	p.ReceivedAt = timeOf(receivedAt)
	p.ParkReason = parkReason.String
	return p, nil
}

func (s *Store) queryPayments(ctx context.Context, where string, args ...any) ([]engine.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, institution_code, invoice_id, amount, payment_date, received_at, park_reason
		FROM payments WHERE `+where+` ORDER BY received_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Payment
	for rows.Next() {
		p, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PaymentsByInvoice(ctx context.Context, invoiceID engine.InvoiceID) ([]engine.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPayments(ctx, `invoice_id = ?`, invoiceID)
}

func (s *Store) UnmatchedPayments(ctx context.Context) ([]engine.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPayments(ctx, `invoice_id IS NULL OR invoice_id = ''`)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry engine.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detail []byte
	if entry.Detail != nil {
		detail, _ = json.Marshal(entry.Detail)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log
			(id, at, actor_id, action, entity_kind, entity_id, institution_id, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.At.String(), entry.ActorID, entry.Action,
		entry.EntityKind, entry.EntityID, entry.InstitutionID, string(detail))
	return err
}

func (s *Store) QueryAudit(ctx context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"1 = 1"}
	var args []any
	if filter.InstitutionID != nil {
		where = append(where, "institution_id = ?")
		args = append(args, *filter.InstitutionID)
	}
	if filter.EntityKind != nil {
		where = append(where, "entity_kind = ?")
		args = append(args, *filter.EntityKind)
	}
	if filter.EntityID != nil {
		where = append(where, "entity_id = ?")
		args = append(args, *filter.EntityID)
	}
	if filter.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(placeholders, ",")+")")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, actor_id, action, entity_kind, entity_id, institution_id, detail_json
		FROM audit_log WHERE `+strings.Join(where, " AND ")+` ORDER BY at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.AuditEntry
	for rows.Next() {
		var e engine.AuditEntry
		var at string
		var instID, detailJSON sql.NullString
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.EntityKind,
			&e.EntityID, &instID, &detailJSON); err != nil {
			return nil, err
		}
		e.At = dateOf(at)
		e.InstitutionID = engine.InstitutionID(instID.String)
		if detailJSON.String != "" {
			_ = json.Unmarshal([]byte(detailJSON.String), &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
