/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts JSON policy definitions into engine.PremiumPolicy and
  engine.PenaltyPolicy values. This enables policy configuration without
  code changes - supervision staff can define rate schedules in JSON, and
  the factory creates the proper Go structs.

WHY JSON?
  - Non-developers can modify rate schedules
  - Easy integration with an admin UI
  - Version control for policy definitions
  - Database storage of policy configs

JSON SCHEMA:
  {
    "id": "risk-based-2025",
    "name": "Risk-Based Premium 2025",
    "kind": "risk_based",
    "base_rate": "0.0015",
    "risk_multiplier": "1.5",
    "max_risk_score": "5",
    "max_rate": "0.01",
    "penalty": {
      "grace_period_days": 5,
      "base_rate": "0.05",
      "escalation_rate": "0.01",
      "step_days": 30,
      "max_rate": "0.15"
    }
  }

  All rates are decimal strings, never floats.

KEY FEATURES:
  - Validates rate strings and ranges
  - Sets sensible defaults (flat kind, 30 day penalty steps)
  - Round trips back to JSON for the admin surface

USAGE:
  factory := NewPolicyFactory()

  // From JSON string
  def, err := factory.ParsePolicy(jsonStr)

  // From a preset (recommended)
  def, err := factory.ParsePolicy(factory.RiskBasedJSON("risk-based-2025", "0.0015"))

  premium := def.Premium   // engine.PremiumPolicy
  penalty := def.Penalty   // engine.PenaltyPolicy

SEE ALSO:
  - engine/types.go: PremiumPolicy definition
  - engine/penalty.go: PenaltyPolicy definition
  - api/scenarios.go: Demo scenarios built from presets
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/premium-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a premium policy with its
// attached penalty schedule.
type PolicyJSON struct {
	ID             string       `json:"id"`
	Name           string       `json:"name,omitempty"`
	Kind           string       `json:"kind"` // flat, risk_based
	BaseRate       string       `json:"base_rate"`
	RiskMultiplier string       `json:"risk_multiplier,omitempty"`
	MaxRiskScore   string       `json:"max_risk_score,omitempty"`
	MaxRate        string       `json:"max_rate,omitempty"`
	EffectiveAt    string       `json:"effective_at,omitempty"` // YYYY-MM-DD
	Penalty        *PenaltyJSON `json:"penalty,omitempty"`
}

// PenaltyJSON represents the late-payment surcharge schedule.
type PenaltyJSON struct {
	GracePeriodDays int    `json:"grace_period_days"`
	BaseRate        string `json:"base_rate"`
	EscalationRate  string `json:"escalation_rate,omitempty"`
	StepDays        int    `json:"step_days,omitempty"`
	MaxRate         string `json:"max_rate,omitempty"`
}

// PolicyDefinition is the parsed result: a premium policy plus the
// penalty schedule that rides with it.
type PolicyDefinition struct {
	Premium engine.PremiumPolicy
	Penalty engine.PenaltyPolicy
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON string into a PolicyDefinition.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*PolicyDefinition, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PolicyJSON to a PolicyDefinition.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*PolicyDefinition, error) {
	if pj.ID == "" {
		return nil, fmt.Errorf("policy id is required")
	}

	kind, err := parseKind(pj.Kind)
	if err != nil {
		return nil, err
	}

	premium := engine.PremiumPolicy{
		ID:     pj.ID,
		Kind:   kind,
		Active: true,
	}
	if premium.BaseRate, err = parseRate("base_rate", pj.BaseRate, true); err != nil {
		return nil, err
	}
	if premium.MaxRate, err = parseRate("max_rate", pj.MaxRate, false); err != nil {
		return nil, err
	}

	if kind == engine.PolicyRiskBased {
		if premium.RiskMultiplier, err = parseRate("risk_multiplier", pj.RiskMultiplier, true); err != nil {
			return nil, err
		}
		if premium.MaxRiskScore, err = parseRate("max_risk_score", pj.MaxRiskScore, true); err != nil {
			return nil, err
		}
	}

	if pj.EffectiveAt != "" {
		if premium.EffectiveAt, err = engine.ParseDate(pj.EffectiveAt); err != nil {
			return nil, err
		}
	}

	def := &PolicyDefinition{Premium: premium}
	if pj.Penalty != nil {
		if def.Penalty, err = parsePenalty(*pj.Penalty); err != nil {
			return nil, err
		}
	}
	return def, nil
}

// ToJSON converts a PolicyDefinition back to its JSON representation.
func (f *PolicyFactory) ToJSON(def PolicyDefinition) PolicyJSON {
	pj := PolicyJSON{
		ID:       def.Premium.ID,
		Kind:     string(def.Premium.Kind),
		BaseRate: def.Premium.BaseRate.String(),
	}
	if !def.Premium.MaxRate.IsZero() {
		pj.MaxRate = def.Premium.MaxRate.String()
	}
	if def.Premium.Kind == engine.PolicyRiskBased {
		pj.RiskMultiplier = def.Premium.RiskMultiplier.String()
		pj.MaxRiskScore = def.Premium.MaxRiskScore.String()
	}
	if !def.Premium.EffectiveAt.IsZero() {
		pj.EffectiveAt = def.Premium.EffectiveAt.String()
	}
	if def.Penalty.GracePeriodDays > 0 || !def.Penalty.BaseRate.IsZero() {
		pj.Penalty = &PenaltyJSON{
			GracePeriodDays: def.Penalty.GracePeriodDays,
			BaseRate:        def.Penalty.BaseRate.String(),
			EscalationRate:  def.Penalty.EscalationRate.String(),
			StepDays:        def.Penalty.StepDays,
			MaxRate:         def.Penalty.MaxRate.String(),
		}
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseKind(s string) (engine.PolicyKind, error) {
	switch s {
	case "", "flat", "flat_rate":
		return engine.PolicyFlatRate, nil
	case "risk_based":
		return engine.PolicyRiskBased, nil
	default:
		return "", fmt.Errorf("unknown policy kind %q", s)
	}
}

func parseRate(field, s string, required bool) (decimal.Decimal, error) {
	if s == "" {
		if required {
			return decimal.Zero, fmt.Errorf("%s is required", field)
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func parsePenalty(pj PenaltyJSON) (engine.PenaltyPolicy, error) {
	var p engine.PenaltyPolicy
	var err error

	if pj.GracePeriodDays < 0 {
		return p, fmt.Errorf("grace_period_days must not be negative")
	}
	p.GracePeriodDays = pj.GracePeriodDays

	if p.BaseRate, err = parseRate("penalty.base_rate", pj.BaseRate, true); err != nil {
		return p, err
	}
	if p.EscalationRate, err = parseRate("penalty.escalation_rate", pj.EscalationRate, false); err != nil {
		return p, err
	}
	if p.MaxRate, err = parseRate("penalty.max_rate", pj.MaxRate, false); err != nil {
		return p, err
	}

	p.StepDays = pj.StepDays
	if p.StepDays == 0 {
		p.StepDays = 30
	}
	return p, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// RiskBasedJSON returns the standard risk-based definition with the usual
// 5% / +1% per 30 days penalty schedule.
func RiskBasedJSON(id, baseRate string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"kind": "risk_based",
		"base_rate": %q,
		"risk_multiplier": "1.5",
		"max_risk_score": "5",
		"max_rate": "0.01",
		"penalty": {
			"grace_period_days": 5,
			"base_rate": "0.05",
			"escalation_rate": "0.01",
			"step_days": 30,
			"max_rate": "0.15"
		}
	}`, id, baseRate)
}

// FlatRateJSON returns a flat definition: one rate for every institution,
// same penalty schedule.
func FlatRateJSON(id, rate string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"kind": "flat",
		"base_rate": %q,
		"penalty": {
			"grace_period_days": 5,
			"base_rate": "0.05",
			"escalation_rate": "0.01",
			"step_days": 30,
			"max_rate": "0.15"
		}
	}`, id, rate)
}
