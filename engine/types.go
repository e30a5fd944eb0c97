/*
Package engine implements the premium lifecycle engine.

PURPOSE:
  This package contains the domain types and services that carry a
  reporting-period deposit figure through the full premium lifecycle:
  calculation, invoicing, late-payment penalties, and reconciliation of
  reported payments against the amount owed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A currency amount backed by decimal.Decimal (banker's rounding)
  - Institution: A member bank subject to premium assessment (read-only input)
  - PremiumPolicy: The ruleset deriving a rate from deposits and risk
  - CalculationResult: One resolved rate + premium for (institution, period)

DESIGN PRINCIPLES:
  1. Precision: All money and rates use decimal.Decimal, never float64
  2. Supersession: Results are never mutated; recalculation appends a new
     record and links the old one for audit
  3. Type Safety: Strong ID types prevent mixing institution/invoice ids
  4. External ownership: Institution and PremiumPolicy records are owned by
     the directory and regulator config; the engine only reads them

SEE ALSO:
  - calculator.go: Rate resolution and premium computation
  - invoice.go: Billing document lifecycle
  - penalty.go: Late-payment surcharges
  - reconcile.go: Payment matching and variance
*/
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Currency amount with banker's rounding
// =============================================================================

// Money is an amount in the billing currency. Values are carried at full
// decimal precision; Round snaps to the smallest currency unit using
// round-half-even, which is what premium and penalty amounts are stored as.
type Money struct {
	Value decimal.Decimal
}

// MinorUnits is the number of fractional digits in the billing currency.
const MinorUnits = 2

func NewMoney(value float64) Money      { return Money{Value: decimal.NewFromFloat(value)} }
func NewMoneyFromInt(value int64) Money { return Money{Value: decimal.NewFromInt(value)} }
func ZeroMoney() Money                  { return Money{Value: decimal.Zero} }

// ParseMoney parses a decimal string amount.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ZeroMoney(), fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Money{Value: d}, nil
}

// MustParseMoney parses a decimal string, returning zero on malformed input.
func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ZeroMoney()
	}
	return Money{Value: d}
}

func (m Money) Add(o Money) Money        { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money        { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money               { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool             { return m.Value.IsZero() }
func (m Money) IsNegative() bool         { return m.Value.IsNegative() }
func (m Money) IsPositive() bool         { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool       { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool    { return m.Value.LessThan(o.Value) }
func (m Money) String() string           { return m.Value.StringFixed(MinorUnits) }

// MulRate multiplies by a rate and rounds half-even to the minor unit.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(rate).RoundBank(MinorUnits)}
}

// Round snaps to the minor unit using round-half-even.
func (m Money) Round() Money {
	return Money{Value: m.Value.RoundBank(MinorUnits)}
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InstitutionID string
type ResultID string
type InvoiceID string
type PenaltyID string
type ReconciliationID string
type PaymentID string

// =============================================================================
// INSTITUTION - Read-only input from the directory feed
// =============================================================================

// Institution is a member bank as reported by the institution directory for
// a period. The engine never writes these records.
type Institution struct {
	ID              InstitutionID
	Code            string
	Name            string
	InsuredDeposits Money
	RiskScore       decimal.Decimal // bounded [0, policy.MaxRiskScore]
}

// =============================================================================
// PREMIUM POLICY - How the rate is derived
// =============================================================================

type PolicyKind string

const (
	PolicyFlatRate  PolicyKind = "flat_rate"
	PolicyRiskBased PolicyKind = "risk_based"
)

// PremiumPolicy is the active rate configuration. At most one policy is
// active at a point in time; amendments apply prospectively, so the policy
// a period's invoices were generated against never changes under them.
type PremiumPolicy struct {
	ID             string
	Kind           PolicyKind
	BaseRate       decimal.Decimal
	RiskMultiplier decimal.Decimal
	MaxRiskScore   decimal.Decimal // risk-score ceiling, e.g. 5
	MaxRate        decimal.Decimal // hard ceiling on the resolved rate
	EffectiveAt    Date
	Active         bool
}

// =============================================================================
// CALCULATION RESULT - Resolved rate + premium for (institution, period)
// =============================================================================

type ResultSource string

const (
	SourcePolicy   ResultSource = "policy"
	SourceOverride ResultSource = "override"
)

// CalculationResult records one premium calculation. Results are append-only:
// recalculation supersedes the previous record rather than mutating it, and
// an overridden result is pinned until the override is explicitly cleared.
type CalculationResult struct {
	ID            ResultID
	InstitutionID InstitutionID
	Period        Period
	Rate          decimal.Decimal
	Premium       Money
	Source        ResultSource

	// Populated when Source == SourceOverride
	OverrideReason string
	OverrideActor  string

	// Set on the OLD record when a newer result replaces it
	SupersededBy ResultID

	CreatedAt time.Time
}

// Overridden reports whether this result is pinned by a manual override.
func (r *CalculationResult) Overridden() bool {
	return r.Source == SourceOverride
}
