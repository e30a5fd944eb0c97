package sqlite

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"github.com/warp/premium-engine/engine"
)

// Seed loads a small set of member institutions for local development.
// Safe to call repeatedly: records are upserted by id.
func (s *Store) Seed(ctx context.Context) error {
	institutions := []engine.Institution{
		{
			ID:              "inst-first-national",
			Code:            "FNB-001",
			Name:            "First National Bank",
			InsuredDeposits: engine.MustParseMoney("2890400000"),
			RiskScore:       decimal.NewFromFloat(2.8),
		},
		{
			ID:              "inst-harbor-savings",
			Code:            "HSB-014",
			Name:            "Harbor Savings Bank",
			InsuredDeposits: engine.MustParseMoney("412750000"),
			RiskScore:       decimal.NewFromFloat(1.2),
		},
		{
			ID:              "inst-meridian-trust",
			Code:            "MTC-027",
			Name:            "Meridian Trust Company",
			InsuredDeposits: engine.MustParseMoney("1204000000"),
			RiskScore:       decimal.NewFromFloat(3.9),
		},
		{
			ID:              "inst-cooperative-cu",
			Code:            "CCU-033",
			Name:            "Cooperative Credit Union",
			InsuredDeposits: engine.MustParseMoney("98600000"),
			RiskScore:       decimal.NewFromFloat(0.7),
		},
		{
			ID:              "inst-atlas-commercial",
			Code:            "ACB-041",
			Name:            "Atlas Commercial Bank",
			InsuredDeposits: engine.MustParseMoney("5610000000"),
			RiskScore:       decimal.NewFromFloat(4.6),
		},
	}

	for _, inst := range institutions {
		if err := s.UpsertInstitution(ctx, inst); err != nil {
			return fmt.Errorf("failed to seed institution %s: %w", inst.Code, err)
		}
	}

	log.Printf("[Seed] Loaded %d institutions", len(institutions))
	return nil
}

// Reset clears every table. Demo scenario loaders call this before
// populating their own data; never wire it into a production path.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"audit_log", "payments", "reconciliations", "penalties",
		"invoices", "calculation_results", "institutions",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
