// Package health combines drift, underperformer count, and concentration
// into a single 0-100 portfolio health score.
package health

import (
	"math"
	"sort"

	"github.com/atlas-desktop/portfolio-engine/internal/drift"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// Score deduction caps and multipliers.
const (
	driftPenaltyCap   = 40.0
	driftMultiplier   = 400.0
	underperfCap      = 30.0
	underperfPerCount = 3.0
	concPenaltyCap    = 20.0
	concMultiplier    = 200.0

	rebalanceScoreFloor = 80.0

	// minMaterialWeight is the weight below which a low-scoring holding is
	// too small to count as an underperformer.
	minMaterialWeight = 0.01
)

// Scorer computes health scores.
type Scorer struct {
	logger *zap.Logger
}

// NewScorer creates a health scorer.
func NewScorer(logger *zap.Logger) *Scorer {
	return &Scorer{logger: logger.Named("health")}
}

// Score computes the health score and rebalance flag from a drift report and
// the portfolio context. Starts at 100 and subtracts capped penalties.
func (s *Scorer) Score(report drift.Report, underperformerCount int, maxConcentration float64, cfg types.ClientConfig) (float64, bool) {
	score := 100.0
	score -= math.Min(driftPenaltyCap, report.AvgDrift*driftMultiplier)
	score -= math.Min(underperfCap, float64(underperformerCount)*underperfPerCount)

	excessConc := math.Max(0, maxConcentration-cfg.MaxPositionSize)
	score -= math.Min(concPenaltyCap, excessConc*concMultiplier)

	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	needsRebalance := score < rebalanceScoreFloor || report.CountExceeding > 0

	s.logger.Debug("health scored",
		zap.Float64("score", score),
		zap.Int("underperformers", underperformerCount),
		zap.Bool("needsRebalance", needsRebalance))

	return score, needsRebalance
}

// CountUnderperformers counts held positions whose model score sits in the
// bottom decile of the scored universe while their weight is non-trivial.
func CountUnderperformers(positions []types.Position, scores map[string]float64) int {
	if len(scores) == 0 {
		return 0
	}

	all := make([]float64, 0, len(scores))
	for _, sc := range scores {
		all = append(all, sc)
	}
	sort.Float64s(all)
	cutoff := all[len(all)/10] // bottom-decile boundary

	count := 0
	for _, pos := range positions {
		sc, ok := scores[pos.Ticker]
		if !ok {
			continue
		}
		if sc <= cutoff && pos.CurrentWeight >= minMaterialWeight {
			count++
		}
	}
	return count
}

// MaxConcentration returns the largest single-position weight.
func MaxConcentration(positions []types.Position) float64 {
	max := 0.0
	for _, pos := range positions {
		if pos.CurrentWeight > max {
			max = pos.CurrentWeight
		}
	}
	return max
}
