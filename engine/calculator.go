/*
calculator.go - Premium rate resolution and bulk recalculation

PURPOSE:
  Turns (institution, policy) into a resolved rate and premium amount.
  The arithmetic itself is pure (ResolveRate, ComputePremium); the
  Calculator service wraps it with override handling, supersession of
  prior results, and per-institution failure collection for bulk runs.

RATE RESOLUTION:
  FlatRate:   rate = policy.BaseRate
  RiskBased:  rate = policy.BaseRate * policy.RiskMultiplier
                     * (institution.RiskScore / policy.MaxRiskScore)
  The resolved rate is clamped to [0, policy.MaxRate]. The premium is
  deposits * rate, rounded half-even to the smallest currency unit.

OVERRIDES:
  Override pins a manually chosen rate for one (institution, period) with
  a mandatory reason and actor. A pinned result survives every subsequent
  bulk recalculation - bulk runs skip it and report it as skipped - until
  ClearOverride recomputes from policy. Recalculation never silently
  discards an override.

SEE ALSO:
  - invoice.go: Invoices are generated from calculation results
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PURE COMPUTATION
// =============================================================================

// ResolveRate derives the premium rate for an institution under a policy.
// Fails with ValidationError on negative deposits, a risk score outside
// [0, MaxRiskScore], or a negative resolved rate. The returned rate is
// clamped to [0, policy.MaxRate].
func ResolveRate(inst Institution, policy PremiumPolicy) (decimal.Decimal, error) {
	if inst.InsuredDeposits.IsNegative() {
		return decimal.Zero, &ValidationError{Field: "insured_deposits", Message: "must not be negative"}
	}
	if inst.RiskScore.IsNegative() {
		return decimal.Zero, &ValidationError{Field: "risk_score", Message: "must not be negative"}
	}
	if policy.Kind == PolicyRiskBased && inst.RiskScore.GreaterThan(policy.MaxRiskScore) {
		return decimal.Zero, &ValidationError{
			Field:   "risk_score",
			Message: fmt.Sprintf("%s exceeds scale ceiling %s", inst.RiskScore, policy.MaxRiskScore),
		}
	}

	var rate decimal.Decimal
	switch policy.Kind {
	case PolicyFlatRate:
		rate = policy.BaseRate
	case PolicyRiskBased:
		if policy.MaxRiskScore.IsZero() {
			return decimal.Zero, &ValidationError{Field: "max_risk_score", Message: "must be positive for risk-based policies"}
		}
		rate = policy.BaseRate.
			Mul(policy.RiskMultiplier).
			Mul(inst.RiskScore.Div(policy.MaxRiskScore))
	default:
		return decimal.Zero, &ValidationError{Field: "policy_kind", Message: fmt.Sprintf("unknown kind %q", policy.Kind)}
	}

	if rate.IsNegative() {
		return decimal.Zero, &ValidationError{Field: "rate", Message: "resolved rate is negative"}
	}
	if !policy.MaxRate.IsZero() && rate.GreaterThan(policy.MaxRate) {
		rate = policy.MaxRate
	}
	return rate, nil
}

// ComputePremium applies a resolved rate to the deposit base, rounding
// half-even to the minor currency unit.
func ComputePremium(deposits Money, rate decimal.Decimal) Money {
	return deposits.MulRate(rate)
}

// =============================================================================
// CALCULATOR SERVICE
// =============================================================================

// Calculator resolves premiums and maintains the append-only result history.
type Calculator struct {
	Results   ResultStore
	Directory Directory
	Audit     AuditLog
	Locks     *KeyLock
}

func NewCalculator(store Store, locks *KeyLock) *Calculator {
	return &Calculator{Results: store, Directory: store, Audit: store, Locks: locks}
}

// Calculate resolves the premium for one institution and appends the result,
// superseding any prior non-overridden result for the key. A result pinned
// by an override is returned as-is; use ClearOverride first to recompute.
func (c *Calculator) Calculate(ctx context.Context, institutionID InstitutionID, period Period, policy PremiumPolicy) (*CalculationResult, error) {
	defer c.Locks.Lock(institutionID, period)()
	return c.calculateLocked(ctx, institutionID, period, policy)
}

func (c *Calculator) calculateLocked(ctx context.Context, institutionID InstitutionID, period Period, policy PremiumPolicy) (*CalculationResult, error) {
	inst, err := c.Directory.Institution(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, &NotFoundError{Kind: "institution", ID: string(institutionID)}
	}

	prior, err := c.Results.CurrentResult(ctx, institutionID, period)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.Overridden() {
		// Pinned: recalculation must never discard an override.
		return prior, nil
	}

	rate, err := ResolveRate(*inst, policy)
	if err != nil {
		return nil, err
	}

	result := CalculationResult{
		ID:            ResultID(uuid.NewString()),
		InstitutionID: institutionID,
		Period:        period,
		Rate:          rate,
		Premium:       ComputePremium(inst.InsuredDeposits, rate),
		Source:        SourcePolicy,
		CreatedAt:     time.Now().UTC(),
	}

	var priorID ResultID
	if prior != nil {
		priorID = prior.ID
	}
	if err := c.Results.AppendResult(ctx, result, priorID); err != nil {
		return nil, err
	}

	c.audit(ctx, AuditCalculated, "system", result, map[string]string{
		"rate":    rate.String(),
		"premium": result.Premium.String(),
	})
	return &result, nil
}

// Override replaces the resolved rate for one institution and period with a
// manually chosen one. The resulting record is pinned: bulk recalculation
// skips it until ClearOverride.
func (c *Calculator) Override(ctx context.Context, institutionID InstitutionID, period Period, rate decimal.Decimal, reason, actor string) (*CalculationResult, error) {
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "override requires a justification"}
	}
	if actor == "" {
		return nil, &ValidationError{Field: "actor", Message: "override requires an actor"}
	}
	if rate.IsNegative() {
		return nil, &ValidationError{Field: "rate", Message: "must not be negative"}
	}

	defer c.Locks.Lock(institutionID, period)()

	inst, err := c.Directory.Institution(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, &NotFoundError{Kind: "institution", ID: string(institutionID)}
	}

	prior, err := c.Results.CurrentResult(ctx, institutionID, period)
	if err != nil {
		return nil, err
	}

	result := CalculationResult{
		ID:             ResultID(uuid.NewString()),
		InstitutionID:  institutionID,
		Period:         period,
		Rate:           rate,
		Premium:        ComputePremium(inst.InsuredDeposits, rate),
		Source:         SourceOverride,
		OverrideReason: reason,
		OverrideActor:  actor,
		CreatedAt:      time.Now().UTC(),
	}

	var priorID ResultID
	if prior != nil {
		priorID = prior.ID
	}
	if err := c.Results.AppendResult(ctx, result, priorID); err != nil {
		return nil, err
	}

	c.audit(ctx, AuditOverrideApplied, actor, result, map[string]string{
		"rate":   rate.String(),
		"reason": reason,
	})
	return &result, nil
}

// ClearOverride removes the pin and recomputes from policy.
func (c *Calculator) ClearOverride(ctx context.Context, institutionID InstitutionID, period Period, policy PremiumPolicy, actor string) (*CalculationResult, error) {
	defer c.Locks.Lock(institutionID, period)()

	prior, err := c.Results.CurrentResult(ctx, institutionID, period)
	if err != nil {
		return nil, err
	}
	if prior == nil || !prior.Overridden() {
		return nil, &StateError{Kind: "calculation", ID: string(institutionID) + "/" + period.String(), From: "policy", Action: "clear override on"}
	}

	inst, err := c.Directory.Institution(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, &NotFoundError{Kind: "institution", ID: string(institutionID)}
	}

	rate, err := ResolveRate(*inst, policy)
	if err != nil {
		return nil, err
	}

	result := CalculationResult{
		ID:            ResultID(uuid.NewString()),
		InstitutionID: institutionID,
		Period:        period,
		Rate:          rate,
		Premium:       ComputePremium(inst.InsuredDeposits, rate),
		Source:        SourcePolicy,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.Results.AppendResult(ctx, result, prior.ID); err != nil {
		return nil, err
	}

	c.audit(ctx, AuditOverrideCleared, actor, result, nil)
	return &result, nil
}

// =============================================================================
// BULK RECALCULATION
// =============================================================================

// BulkReport collects per-institution outcomes of a bulk run. One
// institution's failure never aborts the rest of the batch.
type BulkReport struct {
	Period    Period
	Processed int
	Skipped   []InstitutionID          // pinned by override
	Failures  map[InstitutionID]string // institution -> last error
}

func (r *BulkReport) Failed() bool { return len(r.Failures) > 0 }

// RecalculateAll recomputes premiums for every institution in the directory.
// Overridden results are skipped and reported, never replaced.
func (c *Calculator) RecalculateAll(ctx context.Context, period Period, policy PremiumPolicy) (*BulkReport, error) {
	institutions, err := c.Directory.ListInstitutions(ctx)
	if err != nil {
		return nil, err
	}

	report := &BulkReport{Period: period, Failures: make(map[InstitutionID]string)}
	for _, inst := range institutions {
		func() {
			defer c.Locks.Lock(inst.ID, period)()

			prior, err := c.Results.CurrentResult(ctx, inst.ID, period)
			if err != nil {
				report.Failures[inst.ID] = err.Error()
				return
			}
			if prior != nil && prior.Overridden() {
				report.Skipped = append(report.Skipped, inst.ID)
				return
			}
			if _, err := c.calculateLocked(ctx, inst.ID, period, policy); err != nil {
				report.Failures[inst.ID] = err.Error()
				return
			}
			report.Processed++
		}()
	}
	return report, nil
}

func (c *Calculator) audit(ctx context.Context, action AuditAction, actor string, result CalculationResult, detail map[string]string) {
	if c.Audit == nil {
		return
	}
	_ = c.Audit.AppendAudit(ctx, AuditEntry{
		ID:            uuid.NewString(),
		At:            Today(),
		ActorID:       actor,
		Action:        action,
		EntityKind:    "calculation",
		EntityID:      string(result.ID),
		InstitutionID: result.InstitutionID,
		Detail:        detail,
	})
}
