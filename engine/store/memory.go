// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/premium-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements engine.Store with maps behind an RWMutex. Snapshot
// reads copy records, so callers never observe a half-updated total.
type Memory struct {
	mu sync.RWMutex

	institutions map[engine.InstitutionID]engine.Institution
	results      map[engine.ResultID]engine.CalculationResult
	invoices     map[engine.InvoiceID]engine.Invoice
	penalties    map[engine.PenaltyID]engine.Penalty
	recons       map[engine.ReconciliationID]engine.Reconciliation
	payments     map[engine.PaymentID]engine.Payment
	audit        []engine.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		institutions: make(map[engine.InstitutionID]engine.Institution),
		results:      make(map[engine.ResultID]engine.CalculationResult),
		invoices:     make(map[engine.InvoiceID]engine.Invoice),
		penalties:    make(map[engine.PenaltyID]engine.Penalty),
		recons:       make(map[engine.ReconciliationID]engine.Reconciliation),
		payments:     make(map[engine.PaymentID]engine.Payment),
	}
}

var _ engine.Store = (*Memory)(nil)

// =============================================================================
// DIRECTORY (read side; SeedInstitutions is a test/dev hook, not engine API)
// =============================================================================

// SeedInstitutions loads directory records. Stands in for the external feed.
func (m *Memory) SeedInstitutions(institutions ...engine.Institution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range institutions {
		m.institutions[inst.ID] = inst
	}
}

func (m *Memory) Institution(_ context.Context, id engine.InstitutionID) (*engine.Institution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.institutions[id]; ok {
		return &inst, nil
	}
	return nil, nil
}

func (m *Memory) InstitutionByCode(_ context.Context, code string) (*engine.Institution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.institutions {
		if inst.Code == code {
			inst := inst
			return &inst, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListInstitutions(_ context.Context) ([]engine.Institution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Institution, 0, len(m.institutions))
	for _, inst := range m.institutions {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// RESULTS - Append-only with supersession links
// =============================================================================

func (m *Memory) AppendResult(_ context.Context, result engine.CalculationResult, prior engine.ResultID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior != "" {
		old, ok := m.results[prior]
		if ok {
			old.SupersededBy = result.ID
			m.results[prior] = old
		}
	}
	m.results[result.ID] = result
	return nil
}

func (m *Memory) CurrentResult(_ context.Context, institutionID engine.InstitutionID, period engine.Period) (*engine.CalculationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.results {
		if r.InstitutionID == institutionID && r.Period == period && r.SupersededBy == "" {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (m *Memory) ResultsByPeriod(_ context.Context, period engine.Period) ([]engine.CalculationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.CalculationResult
	for _, r := range m.results {
		if r.Period == period && r.SupersededBy == "" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstitutionID < out[j].InstitutionID })
	return out, nil
}

func (m *Memory) ResultHistory(_ context.Context, institutionID engine.InstitutionID, period engine.Period) ([]engine.CalculationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.CalculationResult
	for _, r := range m.results {
		if r.InstitutionID == institutionID && r.Period == period {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// INVOICES - Optimistic version check on update
// =============================================================================

func (m *Memory) InsertInvoice(_ context.Context, inv engine.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.invoices[inv.ID]; exists {
		return engine.ErrConflict
	}
	m.invoices[inv.ID] = inv
	return nil
}

func (m *Memory) UpdateInvoice(_ context.Context, inv engine.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.invoices[inv.ID]
	if !exists {
		return engine.ErrNotFound
	}
	if cur.Version != inv.Version {
		return engine.ErrConcurrentModification
	}
	inv.Version++
	m.invoices[inv.ID] = inv
	return nil
}

func (m *Memory) Invoice(_ context.Context, id engine.InvoiceID) (*engine.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inv, ok := m.invoices[id]; ok {
		return &inv, nil
	}
	return nil, nil
}

func (m *Memory) ActiveInvoice(_ context.Context, institutionID engine.InstitutionID, period engine.Period) (*engine.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inv := range m.invoices {
		if inv.InstitutionID == institutionID && inv.Period == period && inv.State != engine.InvoiceCancelled {
			inv := inv
			return &inv, nil
		}
	}
	return nil, nil
}

func (m *Memory) ActiveInvoiceByCode(_ context.Context, code string, period engine.Period) (*engine.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inv := range m.invoices {
		if inv.InstitutionCode == code && inv.Period == period && inv.State != engine.InvoiceCancelled {
			inv := inv
			return &inv, nil
		}
	}
	return nil, nil
}

func (m *Memory) InvoicesByState(_ context.Context, states ...engine.InvoiceState) ([]engine.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Invoice
	for _, inv := range m.invoices {
		for _, st := range states {
			if inv.State == st {
				out = append(out, inv)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) OpenInvoicesByCode(_ context.Context, code string) ([]engine.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Invoice
	for _, inv := range m.invoices {
		if inv.InstitutionCode == code && (inv.State == engine.InvoiceSent || inv.State == engine.InvoiceOverdue) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// PENALTIES
// =============================================================================

func (m *Memory) InsertPenalty(_ context.Context, p engine.Penalty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.penalties {
		if existing.InvoiceID == p.InvoiceID && existing.State == engine.PenaltyApplied {
			return &engine.ConflictError{Kind: "penalty", ExistingID: string(existing.ID), Key: string(p.InvoiceID)}
		}
	}
	m.penalties[p.ID] = p
	return nil
}

func (m *Memory) UpdatePenalty(_ context.Context, p engine.Penalty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.penalties[p.ID]
	if !exists {
		return engine.ErrNotFound
	}
	if cur.Version != p.Version {
		return engine.ErrConcurrentModification
	}
	p.Version++
	m.penalties[p.ID] = p
	return nil
}

func (m *Memory) Penalty(_ context.Context, id engine.PenaltyID) (*engine.Penalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.penalties[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *Memory) ActivePenalty(_ context.Context, invoiceID engine.InvoiceID) (*engine.Penalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.penalties {
		if p.InvoiceID == invoiceID && p.State == engine.PenaltyApplied {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (m *Memory) PenaltiesByInvoice(_ context.Context, invoiceID engine.InvoiceID) ([]engine.Penalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Penalty
	for _, p := range m.penalties {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out, nil
}

// =============================================================================
// RECONCILIATIONS - Append attempts, single current per invoice
// =============================================================================

func (m *Memory) AppendReconciliation(_ context.Context, rec engine.Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.recons {
		if existing.InvoiceID == rec.InvoiceID && existing.Current {
			existing.Current = false
			m.recons[id] = existing
		}
	}
	rec.Current = true
	m.recons[rec.ID] = rec
	return nil
}

func (m *Memory) UpdateReconciliation(_ context.Context, rec engine.Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.recons[rec.ID]
	if !exists {
		return engine.ErrNotFound
	}
	if cur.Version != rec.Version {
		return engine.ErrConcurrentModification
	}
	rec.Version++
	m.recons[rec.ID] = rec
	return nil
}

func (m *Memory) Reconciliation(_ context.Context, id engine.ReconciliationID) (*engine.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.recons[id]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *Memory) CurrentReconciliation(_ context.Context, invoiceID engine.InvoiceID) (*engine.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.recons {
		if rec.InvoiceID == invoiceID && rec.Current {
			rec := rec
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *Memory) ReconciliationsByState(_ context.Context, states ...engine.ReconciliationState) ([]engine.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Reconciliation
	for _, rec := range m.recons {
		for _, st := range states {
			if rec.State == st {
				out = append(out, rec)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReconciledAt.Before(out[j].ReconciledAt) })
	return out, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) InsertPayment(_ context.Context, p engine.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) AttachPayment(_ context.Context, id engine.PaymentID, invoiceID engine.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, exists := m.payments[id]
	if !exists {
		return engine.ErrNotFound
	}
	p.InvoiceID = invoiceID
	p.ParkReason = ""
	m.payments[id] = p
	return nil
}

func (m *Memory) PaymentsByInvoice(_ context.Context, invoiceID engine.InvoiceID) ([]engine.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *Memory) UnmatchedPayments(_ context.Context) ([]engine.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Payment
	for _, p := range m.payments {
		if !p.Matched() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// =============================================================================
// AUDIT LOG - Append-only
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry engine.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.AuditEntry
	for _, e := range m.audit {
		if filter.InstitutionID != nil && e.InstitutionID != *filter.InstitutionID {
			continue
		}
		if filter.EntityKind != nil && e.EntityKind != *filter.EntityKind {
			continue
		}
		if filter.EntityID != nil && e.EntityID != *filter.EntityID {
			continue
		}
		if filter.ActorID != nil && e.ActorID != *filter.ActorID {
			continue
		}
		if len(filter.Actions) > 0 {
			matched := false
			for _, a := range filter.Actions {
				if e.Action == a {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}
