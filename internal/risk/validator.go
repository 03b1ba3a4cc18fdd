// Package risk validates proposed trade sets against a client's risk
// configuration. The validator is stateless: it is invoked as a gate before
// every transition to approved or executed, and returns the exact violated
// constraints, never a generic failure.
package risk

import (
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Violation rule names.
const (
	RuleMaxPositionSize = "max_position_size"
	RuleMaxPositions    = "max_positions"
	RuleMinCashBalance  = "min_cash_balance"
	RuleDriftDirection  = "drift_direction"
)

// Violation describes one broken constraint.
type Violation struct {
	Rule     string  `json:"rule"`
	Ticker   string  `json:"ticker,omitempty"`
	Limit    float64 `json:"limit"`
	Proposed float64 `json:"proposed"`
	Message  string  `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Rule, v.Message)
}

// Validator runs the risk checks.
type Validator struct {
	logger *zap.Logger
}

// NewValidator creates a risk validator.
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{logger: logger.Named("risk")}
}

// Validate checks a proposed trade set against the client's limits. An empty
// slice means pass.
func (v *Validator) Validate(portfolio *types.Portfolio, trades []types.Trade, targets map[string]float64, cfg types.ClientConfig) []Violation {
	var violations []Violation

	postWeights, postCash := v.simulate(portfolio, trades)

	// Per-position size cap, in deterministic ticker order.
	tickers := make([]string, 0, len(postWeights))
	for ticker := range postWeights {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	for _, ticker := range tickers {
		weight := postWeights[ticker]
		if weight > cfg.MaxPositionSize {
			violations = append(violations, Violation{
				Rule:     RuleMaxPositionSize,
				Ticker:   ticker,
				Limit:    cfg.MaxPositionSize,
				Proposed: weight,
				Message: fmt.Sprintf("%s post-trade weight %.4f exceeds limit %.4f",
					ticker, weight, cfg.MaxPositionSize),
			})
		}
	}

	// Total position count.
	count := 0
	for _, weight := range postWeights {
		if weight > 0 {
			count++
		}
	}
	if count > cfg.MaxPositions {
		violations = append(violations, Violation{
			Rule:     RuleMaxPositions,
			Limit:    float64(cfg.MaxPositions),
			Proposed: float64(count),
			Message:  fmt.Sprintf("post-trade position count %d exceeds limit %d", count, cfg.MaxPositions),
		})
	}

	// Cash reserve floor.
	if postCash.LessThan(cfg.MinCashBalance) {
		cash, _ := postCash.Float64()
		limit, _ := cfg.MinCashBalance.Float64()
		violations = append(violations, Violation{
			Rule:     RuleMinCashBalance,
			Limit:    limit,
			Proposed: cash,
			Message: fmt.Sprintf("post-trade cash %s below minimum %s",
				postCash.StringFixed(2), cfg.MinCashBalance.StringFixed(2)),
		})
	}

	// Drift sanity: each trade must move its ticker's weight toward target,
	// cross-checked against the same drift measure the analyzer uses.
	if targets != nil {
		violations = append(violations, v.checkDriftDirection(portfolio, trades, postWeights, targets)...)
	}

	if len(violations) > 0 {
		v.logger.Warn("risk violations detected",
			zap.String("account", portfolio.Account),
			zap.Int("count", len(violations)))
	}
	return violations
}

// simulate applies the trades to the portfolio snapshot and returns post-trade
// weights per ticker and the post-trade cash balance. Total portfolio value is
// held fixed: every buy is funded from cash and every sell returns to cash.
func (v *Validator) simulate(portfolio *types.Portfolio, trades []types.Trade) (map[string]float64, decimal.Decimal) {
	weights := make(map[string]float64, len(portfolio.Positions))
	for _, pos := range portfolio.Positions {
		weights[pos.Ticker] = pos.CurrentWeight
	}

	cash := portfolio.CashBalance
	for _, t := range trades {
		var deltaW float64
		if !portfolio.TotalValue.IsZero() {
			deltaW, _ = t.EstimatedValue.Div(portfolio.TotalValue).Float64()
		}
		switch t.Action {
		case types.SideBuy:
			weights[t.Symbol] += deltaW
			cash = cash.Sub(t.EstimatedValue)
		case types.SideSell:
			weights[t.Symbol] -= deltaW
			if weights[t.Symbol] < 0 {
				weights[t.Symbol] = 0
			}
			cash = cash.Add(t.EstimatedValue)
		}
	}
	return weights, cash
}

// checkDriftDirection flags trades whose own dollar size pushes the ticker's
// weight further from target than it started.
func (v *Validator) checkDriftDirection(portfolio *types.Portfolio, trades []types.Trade, postWeights map[string]float64, targets map[string]float64) []Violation {
	var violations []Violation
	for _, t := range trades {
		target, ok := targets[t.Symbol]
		if !ok && t.Action == types.SideSell {
			// Selling out of a ticker with no target is always toward zero.
			target = 0
			ok = true
		}
		if !ok {
			continue
		}

		var before float64
		if pos := portfolio.Position(t.Symbol); pos != nil {
			before = pos.CurrentWeight
		}
		after := postWeights[t.Symbol]

		driftBefore := math.Abs(before - target)
		driftAfter := math.Abs(after - target)
		if driftAfter > driftBefore+1e-9 {
			violations = append(violations, Violation{
				Rule:     RuleDriftDirection,
				Ticker:   t.Symbol,
				Limit:    driftBefore,
				Proposed: driftAfter,
				Message: fmt.Sprintf("%s %s widens drift from %.4f to %.4f",
					t.Action, t.Symbol, driftBefore, driftAfter),
			})
		}
	}
	return violations
}
