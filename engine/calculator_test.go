package engine_test

import (
	"context"
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

func riskBasedPolicy() engine.PremiumPolicy {
	return engine.PremiumPolicy{
		Kind:           engine.PolicyRiskBased,
		BaseRate:       decimal.RequireFromString("0.0015"),
		RiskMultiplier: decimal.RequireFromString("1.5"),
		MaxRiskScore:   decimal.RequireFromString("5"),
		MaxRate:        decimal.RequireFromString("0.01"),
		Active:         true,
	}
}

func newCalculator(t *testing.T, institutions ...engine.Institution) (*engine.Calculator, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	store.SeedInstitutions(institutions...)
	return engine.NewCalculator(store, engine.NewKeyLock()), store
}

func q3() engine.Period { return engine.Period{Year: 2025, Quarter: 3} }

// =============================================================================
// RATE RESOLUTION TESTS
// =============================================================================

func TestCalculate_RiskBasedRate(t *testing.T) {
	// GIVEN: Deposits of 2,890,400,000 and risk score 2.8 on a 0-5 scale
	// WHEN: Calculating with base rate 0.0015 and multiplier 1.5
	// THEN: Rate = 0.0015 * 1.5 * (2.8/5) = 0.00126
	//       Premium = 2,890,400,000 * 0.00126 = 3,641,904.00

	inst := engine.Institution{
		ID:              "inst-1",
		Code:            "FNB-001",
		Name:            "First National Bank",
		InsuredDeposits: engine.MustParseMoney("2890400000"),
		RiskScore:       decimal.RequireFromString("2.8"),
	}
	calc, _ := newCalculator(t, inst)

	result, err := calc.Calculate(context.Background(), "inst-1", q3(), riskBasedPolicy())
	require.NoError(t, err)

	assert.True(t, result.Rate.Equal(decimal.RequireFromString("0.00126")),
		"rate = %s", result.Rate)
	assert.Equal(t, "3641904.00", result.Premium.String())
	assert.Equal(t, engine.SourcePolicy, result.Source)
}

func TestCalculate_FlatRate(t *testing.T) {
	inst := engine.Institution{
		ID:              "inst-1",
		Code:            "HSB-014",
		InsuredDeposits: engine.MustParseMoney("1000000"),
		RiskScore:       decimal.RequireFromString("4.9"),
	}
	calc, _ := newCalculator(t, inst)

	policy := riskBasedPolicy()
	policy.Kind = engine.PolicyFlatRate

	result, err := calc.Calculate(context.Background(), "inst-1", q3(), policy)
	require.NoError(t, err)

	// Flat rate ignores the risk score entirely.
	assert.True(t, result.Rate.Equal(decimal.RequireFromString("0.0015")))
	assert.Equal(t, "1500.00", result.Premium.String())
}

func TestCalculate_RateClampedToCeiling(t *testing.T) {
	// GIVEN: A risk score that resolves above the policy's max rate
	// THEN: The rate is clamped, not rejected

	inst := engine.Institution{
		ID:              "inst-1",
		Code:            "ACB-041",
		InsuredDeposits: engine.MustParseMoney("1000000"),
		RiskScore:       decimal.RequireFromString("5"),
	}
	calc, _ := newCalculator(t, inst)

	policy := riskBasedPolicy()
	policy.BaseRate = decimal.RequireFromString("0.02") // 0.02*1.5*1 = 0.03 > ceiling

	result, err := calc.Calculate(context.Background(), "inst-1", q3(), policy)
	require.NoError(t, err)
	assert.True(t, result.Rate.Equal(policy.MaxRate), "rate = %s", result.Rate)
}

func TestCalculate_ValidationFailures(t *testing.T) {
	calc, _ := newCalculator(t,
		engine.Institution{
			ID:              "negative-deposits",
			InsuredDeposits: engine.MustParseMoney("-5"),
			RiskScore:       decimal.RequireFromString("1"),
		},
		engine.Institution{
			ID:              "risk-out-of-range",
			InsuredDeposits: engine.MustParseMoney("1000"),
			RiskScore:       decimal.RequireFromString("7.2"),
		},
	)

	for _, id := range []engine.InstitutionID{"negative-deposits", "risk-out-of-range"} {
		_, err := calc.Calculate(context.Background(), id, q3(), riskBasedPolicy())
		assert.ErrorIs(t, err, engine.ErrValidation, "institution %s", id)
	}

	_, err := calc.Calculate(context.Background(), "no-such-institution", q3(), riskBasedPolicy())
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestCalculate_ZeroDepositsProduceZeroPremium(t *testing.T) {
	calc, _ := newCalculator(t, engine.Institution{
		ID:              "inst-1",
		InsuredDeposits: engine.ZeroMoney(),
		RiskScore:       decimal.RequireFromString("3"),
	})

	result, err := calc.Calculate(context.Background(), "inst-1", q3(), riskBasedPolicy())
	require.NoError(t, err)
	assert.True(t, result.Premium.IsZero())
}

// =============================================================================
// RESULT HISTORY TESTS
// =============================================================================

func TestCalculate_RecalculationSupersedes(t *testing.T) {
	// GIVEN: An existing result for the key
	// WHEN: Recalculating
	// THEN: The old record survives in history, marked superseded

	calc, store := newCalculator(t, engine.Institution{
		ID:              "inst-1",
		InsuredDeposits: engine.MustParseMoney("1000000"),
		RiskScore:       decimal.RequireFromString("2"),
	})
	ctx := context.Background()

	first, err := calc.Calculate(ctx, "inst-1", q3(), riskBasedPolicy())
	require.NoError(t, err)
	second, err := calc.Calculate(ctx, "inst-1", q3(), riskBasedPolicy())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	history, err := store.ResultHistory(ctx, "inst-1", q3())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].SupersededBy)
	assert.Empty(t, history[1].SupersededBy)

	current, err := store.CurrentResult(ctx, "inst-1", q3())
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
}

// =============================================================================
// OVERRIDE TESTS
// =============================================================================

func TestOverride_PinsResult(t *testing.T) {
	calc, _ := newCalculator(t, engine.Institution{
		ID:              "inst-1",
		InsuredDeposits: engine.MustParseMoney("1000000"),
		RiskScore:       decimal.RequireFromString("2"),
	})
	ctx := context.Background()

	_, err := calc.Calculate(ctx, "inst-1", q3(), riskBasedPolicy())
	require.NoError(t, err)

	pinned, err := calc.Override(ctx, "inst-1", q3(),
		decimal.RequireFromString("0.002"), "regulator directive 44-B", "analyst-7")
	require.NoError(t, err)
	assert.Equal(t, engine.SourceOverride, pinned.Source)
	assert.Equal(t, "2000.00", pinned.Premium.String())

	// Recalculating must return the pinned result untouched.
	again, err := calc.Calculate(ctx, "inst-1", q3(), riskBasedPolicy())
	require.NoError(t, err)
	assert.Equal(t, pinned.ID, again.ID)
}

func TestOverride_RequiresReasonAndActor(t *testing.T) {
	calc, _ := newCalculator(t, engine.Institution{
		ID:              "inst-1",
		InsuredDeposits: engine.MustParseMoney("1000"),
		RiskScore:       decimal.RequireFromString("1"),
	})
	rate := decimal.RequireFromString("0.002")

	_, err := calc.Override(context.Background(), "inst-1", q3(), rate, "", "analyst-7")
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = calc.Override(context.Background(), "inst-1", q3(), rate, "directive", "")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestClearOverride_RecomputesFromPolicy(t *testing.T) {
	calc, _ := newCalculator(t, engine.Institution{
		ID:              "inst-1",
		InsuredDeposits: engine.MustParseMoney("1000000"),
		RiskScore:       decimal.RequireFromString("2"),
	})
	ctx := context.Background()

	_, err := calc.Override(ctx, "inst-1", q3(),
		decimal.RequireFromString("0.002"), "directive", "analyst-7")
	require.NoError(t, err)

	cleared, err := calc.ClearOverride(ctx, "inst-1", q3(), riskBasedPolicy(), "analyst-7")
	require.NoError(t, err)
	assert.Equal(t, engine.SourcePolicy, cleared.Source)
	// 0.0015 * 1.5 * (2/5) = 0.0009
	assert.True(t, cleared.Rate.Equal(decimal.RequireFromString("0.0009")))

	// No override left to clear.
	_, err = calc.ClearOverride(ctx, "inst-1", q3(), riskBasedPolicy(), "analyst-7")
	assert.ErrorIs(t, err, engine.ErrState)
}

// =============================================================================
// BULK RECALCULATION TESTS
// =============================================================================

func TestRecalculateAll_SkipsOverriddenAndCollectsFailures(t *testing.T) {
	// GIVEN: Three institutions - one normal, one overridden, one invalid
	// WHEN: Bulk recalculating the period
	// THEN: One processed, one skipped, one failure; no aborted batch

	calc, _ := newCalculator(t,
		engine.Institution{
			ID:              "inst-ok",
			InsuredDeposits: engine.MustParseMoney("1000000"),
			RiskScore:       decimal.RequireFromString("2"),
		},
		engine.Institution{
			ID:              "inst-pinned",
			InsuredDeposits: engine.MustParseMoney("2000000"),
			RiskScore:       decimal.RequireFromString("3"),
		},
		engine.Institution{
			ID:              "inst-bad",
			InsuredDeposits: engine.MustParseMoney("-1"),
			RiskScore:       decimal.RequireFromString("1"),
		},
	)
	ctx := context.Background()

	_, err := calc.Override(ctx, "inst-pinned", q3(),
		decimal.RequireFromString("0.005"), "directive", "analyst-7")
	require.NoError(t, err)

	report, err := calc.RecalculateAll(ctx, q3(), riskBasedPolicy())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, []engine.InstitutionID{"inst-pinned"}, report.Skipped)
	assert.Contains(t, report.Failures, engine.InstitutionID("inst-bad"))
	assert.True(t, report.Failed())
}
