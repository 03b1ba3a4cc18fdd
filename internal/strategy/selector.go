// Package strategy maps a market regime and recent per-strategy performance
// to one active strategy per day.
package strategy

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// Score weights: Sharpe dominates, outperformance vs benchmark second,
// drawdown penalizes.
const (
	sharpeWeight   = 0.5
	outperfWeight  = 0.3
	drawdownWeight = 0.2
)

// Config configures the selector.
type Config struct {
	// Eligibility maps a regime label to the strategies allowed in it.
	// Labels not present fall through to the per-trend entry ("bull",
	// "bear", "sideways") and then to the fallback strategy.
	Eligibility map[string][]string

	// Fallback is selected with confidence 0 when no strategy is eligible.
	Fallback string
}

// DefaultConfig returns the static regime -> eligible-strategies table.
func DefaultConfig() Config {
	return Config{
		Eligibility: map[string][]string{
			"bull":     {"momentum", "growth", "balanced"},
			"bear":     {"defensive", "dividend", "balanced"},
			"sideways": {"balanced", "dividend", "mean_reversion"},

			// Volatility-specific overrides.
			"bull_extreme_vol":     {"balanced", "defensive"},
			"bear_extreme_vol":     {"defensive"},
			"sideways_extreme_vol": {"defensive", "balanced"},
		},
		Fallback: "balanced",
	}
}

// Selector ranks eligible strategies by weighted performance.
type Selector struct {
	logger *zap.Logger
	config Config
}

// NewSelector creates a new strategy selector.
func NewSelector(logger *zap.Logger, config Config) *Selector {
	return &Selector{
		logger: logger.Named("strategy"),
		config: config,
	}
}

// scored pairs a strategy with its composite score.
type scored struct {
	perf  types.StrategyPerformance
	score float64
}

// Select picks the strategy for a day given the regime and trailing-30-day
// performance. When no strategy is eligible for the regime it falls back to
// the configured default with confidence 0 and Degraded set.
func (s *Selector) Select(date time.Time, regime types.MarketRegimeRecord, performance []types.StrategyPerformance) types.StrategySelection {
	eligible := s.eligibleFor(regime)

	candidates := make([]scored, 0, len(performance))
	for _, p := range performance {
		if !contains(eligible, p.Strategy) {
			continue
		}
		candidates = append(candidates, scored{perf: p, score: compositeScore(p)})
	}

	if len(candidates) == 0 {
		s.logger.Warn("degraded strategy selection: no eligible strategy for regime",
			zap.String("regime", regime.RegimeLabel),
			zap.String("fallback", s.config.Fallback))
		return types.StrategySelection{
			Date:                date,
			SelectedStrategy:    s.config.Fallback,
			SelectionConfidence: 0,
			MarketRegime:        regime.RegimeLabel,
			RecentPerformance:   performance,
			Degraded:            true,
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	top := candidates[0]
	confidence := 1.0
	if len(candidates) > 1 {
		confidence = scoreMargin(top.score, candidates[1].score)
	}

	s.logger.Info("strategy selected",
		zap.Time("date", date),
		zap.String("strategy", top.perf.Strategy),
		zap.Float64("score", top.score),
		zap.Float64("confidence", confidence))

	return types.StrategySelection{
		Date:                date,
		SelectedStrategy:    top.perf.Strategy,
		SelectionConfidence: confidence,
		MarketRegime:        regime.RegimeLabel,
		RecentPerformance:   performance,
	}
}

// eligibleFor resolves the eligibility list for a regime, preferring the full
// label over the bare trend.
func (s *Selector) eligibleFor(regime types.MarketRegimeRecord) []string {
	if list, ok := s.config.Eligibility[regime.RegimeLabel]; ok {
		return list
	}
	if list, ok := s.config.Eligibility[string(regime.TrendRegime)]; ok {
		return list
	}
	return nil
}

// compositeScore ranks a strategy: 0.5*sharpe + 0.3*outperformance - 0.2*drawdown.
func compositeScore(p types.StrategyPerformance) float64 {
	outperf := p.Return - p.BenchmarkReturn
	return sharpeWeight*p.Sharpe + outperfWeight*outperf - drawdownWeight*math.Abs(p.MaxDrawdown)
}

// scoreMargin normalizes the gap between the top two scores to [0,1].
func scoreMargin(top, second float64) float64 {
	denom := math.Abs(top) + math.Abs(second)
	if denom == 0 {
		return 0
	}
	margin := (top - second) / denom
	if margin < 0 {
		return 0
	}
	if margin > 1 {
		return 1
	}
	return margin
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
