/*
policy_test.go - Tests for JSON policy parsing
*/
package factory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/premium-engine/engine"
	"github.com/warp/premium-engine/factory"
)

func TestParsePolicy_RiskBased(t *testing.T) {
	f := factory.NewPolicyFactory()

	def, err := f.ParsePolicy(`{
		"id": "risk-based-2025",
		"name": "Risk-Based Premium 2025",
		"kind": "risk_based",
		"base_rate": "0.0015",
		"risk_multiplier": "1.5",
		"max_risk_score": "5",
		"max_rate": "0.01",
		"effective_at": "2025-01-01",
		"penalty": {
			"grace_period_days": 5,
			"base_rate": "0.05",
			"escalation_rate": "0.01",
			"step_days": 30,
			"max_rate": "0.15"
		}
	}`)
	require.NoError(t, err)

	assert.Equal(t, "risk-based-2025", def.Premium.ID)
	assert.Equal(t, engine.PolicyRiskBased, def.Premium.Kind)
	assert.Equal(t, "0.0015", def.Premium.BaseRate.String())
	assert.Equal(t, "1.5", def.Premium.RiskMultiplier.String())
	assert.Equal(t, "5", def.Premium.MaxRiskScore.String())
	assert.Equal(t, "0.01", def.Premium.MaxRate.String())
	assert.Equal(t, "2025-01-01", def.Premium.EffectiveAt.String())
	assert.True(t, def.Premium.Active)

	assert.Equal(t, 5, def.Penalty.GracePeriodDays)
	assert.Equal(t, "0.05", def.Penalty.BaseRate.String())
	assert.Equal(t, "0.01", def.Penalty.EscalationRate.String())
	assert.Equal(t, 30, def.Penalty.StepDays)
	assert.Equal(t, "0.15", def.Penalty.MaxRate.String())
}

func TestParsePolicy_FlatDefaults(t *testing.T) {
	f := factory.NewPolicyFactory()

	// Kind omitted defaults to flat; penalty step defaults to 30 days.
	def, err := f.ParsePolicy(`{
		"id": "flat-2025",
		"base_rate": "0.002",
		"penalty": {"grace_period_days": 10, "base_rate": "0.04"}
	}`)
	require.NoError(t, err)

	assert.Equal(t, engine.PolicyFlatRate, def.Premium.Kind)
	assert.Equal(t, "0.002", def.Premium.BaseRate.String())
	assert.Equal(t, 30, def.Penalty.StepDays)
	assert.True(t, def.Penalty.EscalationRate.IsZero())
}

func TestParsePolicy_Errors(t *testing.T) {
	f := factory.NewPolicyFactory()

	tests := []struct {
		name string
		json string
	}{
		{"malformed JSON", `{not json`},
		{"missing id", `{"base_rate": "0.002"}`},
		{"unknown kind", `{"id": "p", "kind": "progressive", "base_rate": "0.002"}`},
		{"missing base rate", `{"id": "p", "kind": "flat"}`},
		{"non-numeric rate", `{"id": "p", "base_rate": "cheap"}`},
		{"negative rate", `{"id": "p", "base_rate": "-0.002"}`},
		{"risk kind without multiplier", `{"id": "p", "kind": "risk_based", "base_rate": "0.0015", "max_risk_score": "5"}`},
		{"bad effective date", `{"id": "p", "base_rate": "0.002", "effective_at": "01/02/2025"}`},
		{"negative grace period", `{"id": "p", "base_rate": "0.002", "penalty": {"grace_period_days": -1, "base_rate": "0.05"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePolicy(tt.json)
			assert.Error(t, err)
		})
	}
}

func TestPresetsParse(t *testing.T) {
	f := factory.NewPolicyFactory()

	risk, err := f.ParsePolicy(factory.RiskBasedJSON("risk-std", "0.0015"))
	require.NoError(t, err)
	assert.Equal(t, engine.PolicyRiskBased, risk.Premium.Kind)
	assert.Equal(t, "0.15", risk.Penalty.MaxRate.String())

	flat, err := f.ParsePolicy(factory.FlatRateJSON("flat-std", "0.002"))
	require.NoError(t, err)
	assert.Equal(t, engine.PolicyFlatRate, flat.Premium.Kind)
	assert.Equal(t, "0.002", flat.Premium.BaseRate.String())
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := factory.NewPolicyFactory()

	def, err := f.ParsePolicy(factory.RiskBasedJSON("risk-std", "0.0015"))
	require.NoError(t, err)

	pj := f.ToJSON(*def)
	assert.Equal(t, "risk-std", pj.ID)
	assert.Equal(t, "risk_based", pj.Kind)
	require.NotNil(t, pj.Penalty)
	assert.Equal(t, 5, pj.Penalty.GracePeriodDays)

	again, err := f.FromJSON(pj)
	require.NoError(t, err)
	assert.True(t, again.Premium.BaseRate.Equal(def.Premium.BaseRate))
	assert.True(t, again.Penalty.MaxRate.Equal(def.Penalty.MaxRate))
}
