package risk

import (
	"testing"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func riskPortfolio() *types.Portfolio {
	return &types.Portfolio{
		Account:     "acct-1",
		TotalValue:  decimal.NewFromInt(100000),
		CashBalance: decimal.NewFromInt(10000),
		Positions: []types.Position{
			{Ticker: "NVDA", CurrentWeight: 0.08, MarketValue: decimal.NewFromInt(8000)},
			{Ticker: "AAPL", CurrentWeight: 0.82, MarketValue: decimal.NewFromInt(82000)},
		},
	}
}

func findViolation(violations []Violation, rule string) *Violation {
	for i := range violations {
		if violations[i].Rule == rule {
			return &violations[i]
		}
	}
	return nil
}

func findTickerViolation(violations []Violation, rule, ticker string) *Violation {
	for i := range violations {
		if violations[i].Rule == rule && violations[i].Ticker == ticker {
			return &violations[i]
		}
	}
	return nil
}

func TestValidateMaxPositionSize(t *testing.T) {
	// max_position_size=0.10 with a trade bringing NVDA to 0.15.
	v := NewValidator(zap.NewNop())
	cfg := types.DefaultClientConfig("c1")
	cfg.MaxPositionSize = 0.10
	cfg.MinCashBalance = decimal.Zero

	trades := []types.Trade{{
		Symbol:         "NVDA",
		Action:         types.SideBuy,
		EstimatedValue: decimal.NewFromInt(7000), // 0.08 -> 0.15
	}}
	targets := map[string]float64{"NVDA": 0.15, "AAPL": 0.82}

	violations := v.Validate(riskPortfolio(), trades, targets, cfg)

	viol := findTickerViolation(violations, RuleMaxPositionSize, "NVDA")
	if viol == nil {
		t.Fatalf("expected NVDA max_position_size violation, got %v", violations)
	}
	if viol.Limit != 0.10 {
		t.Errorf("expected limit 0.10, got %f", viol.Limit)
	}
	if viol.Proposed < 0.1499 || viol.Proposed > 0.1501 {
		t.Errorf("expected proposed ~0.15, got %f", viol.Proposed)
	}
	// AAPL already exceeds the cap too; it must be reported independently.
	if findTickerViolation(violations, RuleMaxPositionSize, "AAPL") == nil {
		t.Error("expected AAPL position size violation as well")
	}
}

func TestValidateMinCashBalance(t *testing.T) {
	v := NewValidator(zap.NewNop())
	cfg := types.DefaultClientConfig("c1")
	cfg.MaxPositionSize = 1.0
	cfg.MinCashBalance = decimal.NewFromInt(5000)

	trades := []types.Trade{{
		Symbol:         "NVDA",
		Action:         types.SideBuy,
		EstimatedValue: decimal.NewFromInt(7000), // leaves $3,000 cash
	}}

	violations := v.Validate(riskPortfolio(), trades, map[string]float64{"NVDA": 0.15}, cfg)
	viol := findViolation(violations, RuleMinCashBalance)
	if viol == nil {
		t.Fatalf("expected min_cash_balance violation, got %v", violations)
	}
	if viol.Proposed != 3000 {
		t.Errorf("expected proposed cash 3000, got %f", viol.Proposed)
	}
}

func TestValidateSellFreesCash(t *testing.T) {
	v := NewValidator(zap.NewNop())
	cfg := types.DefaultClientConfig("c1")
	cfg.MaxPositionSize = 1.0
	cfg.MinCashBalance = decimal.NewFromInt(5000)

	trades := []types.Trade{
		{Symbol: "AAPL", Action: types.SideSell, EstimatedValue: decimal.NewFromInt(10000)},
		{Symbol: "NVDA", Action: types.SideBuy, EstimatedValue: decimal.NewFromInt(12000)},
	}
	targets := map[string]float64{"AAPL": 0.72, "NVDA": 0.20}

	violations := v.Validate(riskPortfolio(), trades, targets, cfg)
	if viol := findViolation(violations, RuleMinCashBalance); viol != nil {
		t.Errorf("sell proceeds should cover the buy: %v", viol)
	}
}

func TestValidateMaxPositions(t *testing.T) {
	v := NewValidator(zap.NewNop())
	cfg := types.DefaultClientConfig("c1")
	cfg.MaxPositionSize = 1.0
	cfg.MaxPositions = 2
	cfg.MinCashBalance = decimal.Zero

	trades := []types.Trade{{
		Symbol:         "MSFT",
		Action:         types.SideBuy,
		EstimatedValue: decimal.NewFromInt(5000),
	}}

	violations := v.Validate(riskPortfolio(), trades, map[string]float64{"MSFT": 0.05}, cfg)
	viol := findViolation(violations, RuleMaxPositions)
	if viol == nil {
		t.Fatalf("expected max_positions violation, got %v", violations)
	}
	if viol.Proposed != 3 {
		t.Errorf("expected proposed count 3, got %f", viol.Proposed)
	}
}

func TestValidateDriftDirection(t *testing.T) {
	v := NewValidator(zap.NewNop())
	cfg := types.DefaultClientConfig("c1")
	cfg.MaxPositionSize = 1.0
	cfg.MinCashBalance = decimal.Zero

	// NVDA is at 0.08 with target 0.05; buying more widens the drift.
	trades := []types.Trade{{
		Symbol:         "NVDA",
		Action:         types.SideBuy,
		EstimatedValue: decimal.NewFromInt(4000),
	}}
	targets := map[string]float64{"NVDA": 0.05, "AAPL": 0.82}

	violations := v.Validate(riskPortfolio(), trades, targets, cfg)
	if findViolation(violations, RuleDriftDirection) == nil {
		t.Fatalf("expected drift_direction violation, got %v", violations)
	}
}

func TestValidateCleanPass(t *testing.T) {
	v := NewValidator(zap.NewNop())
	cfg := types.DefaultClientConfig("c1")
	cfg.MaxPositionSize = 0.90
	cfg.MinCashBalance = decimal.NewFromInt(1000)

	trades := []types.Trade{
		{Symbol: "AAPL", Action: types.SideSell, EstimatedValue: decimal.NewFromInt(5000)},
	}
	targets := map[string]float64{"AAPL": 0.75, "NVDA": 0.08}

	violations := v.Validate(riskPortfolio(), trades, targets, cfg)
	if len(violations) != 0 {
		t.Errorf("expected clean pass, got %v", violations)
	}
}
