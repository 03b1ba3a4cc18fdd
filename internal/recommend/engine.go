// Package recommend generates ranked swap and tax-loss-harvest proposals
// with cost/benefit quantification. It runs only when the health scorer has
// flagged a portfolio for rebalancing.
package recommend

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes recommendation generation.
type Config struct {
	// UnderperformerPercentile: held positions scored at or below this
	// percentile of the universe are swap-out candidates.
	UnderperformerPercentile float64

	// HighPriorityNetBenefit: net benefit above this (dollars) with
	// confident scores is ranked high.
	HighPriorityNetBenefit decimal.Decimal

	// MediumPriorityNetBenefit: net benefit above this is at least medium.
	MediumPriorityNetBenefit decimal.Decimal

	// HighConfidenceScore: both legs must score at least this strongly
	// (buy) / weakly (sell gap) for high priority.
	HighConfidenceScore float64

	// AdjacentSectors maps each sector to the sectors a replacement buy may
	// come from, in addition to the incumbent's own sector.
	AdjacentSectors map[string][]string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		UnderperformerPercentile: 0.25,
		HighPriorityNetBenefit:   decimal.NewFromInt(500),
		MediumPriorityNetBenefit: decimal.NewFromInt(100),
		HighConfidenceScore:      0.7,
		AdjacentSectors: map[string][]string{
			"technology":       {"communication_services"},
			"financials":       {"real_estate"},
			"consumer_disc":    {"consumer_staples"},
			"consumer_staples": {"consumer_disc"},
			"energy":           {"utilities", "materials"},
			"healthcare":       {"consumer_staples"},
		},
	}
}

// Candidate is a scored ticker from the model universe that could replace a
// held position.
type Candidate struct {
	Ticker string
	Score  float64
	Sector string
	Price  decimal.Decimal
}

// Input carries everything one recommendation run needs.
type Input struct {
	Portfolio    *types.Portfolio
	Scores       map[string]float64 // model score per held ticker
	Candidates   []Candidate        // scored universe, may include held tickers
	RecentTrades []types.RecentTrade
	AsOf         time.Time
}

// Engine generates recommendations.
type Engine struct {
	logger *zap.Logger
	config Config
}

// NewEngine creates a recommendation engine.
func NewEngine(logger *zap.Logger, config Config) *Engine {
	return &Engine{
		logger: logger.Named("recommend"),
		config: config,
	}
}

// Generate produces both recommendation streams for one account.
func (e *Engine) Generate(in Input, cfg types.ClientConfig) types.Recommendations {
	recs := types.Recommendations{
		Account:     in.Portfolio.Account,
		Swaps:       e.generateSwaps(in, cfg),
		TaxHarvests: e.generateHarvests(in, cfg),
		GeneratedAt: in.AsOf,
	}

	e.logger.Info("recommendations generated",
		zap.String("account", in.Portfolio.Account),
		zap.Int("swaps", len(recs.Swaps)),
		zap.Int("harvests", len(recs.TaxHarvests)))

	return recs
}

// generateSwaps proposes replacing underperforming holdings with the best
// scoring candidate from the same or an adjacent sector. Candidates with
// non-positive net benefit are discarded.
func (e *Engine) generateSwaps(in Input, cfg types.ClientConfig) []types.SwapRecommendation {
	cutoff := e.scoreCutoff(in.Candidates)
	sectorWeights := currentSectorWeights(in.Portfolio)

	var swaps []types.SwapRecommendation
	for _, pos := range in.Portfolio.Positions {
		score, scored := in.Scores[pos.Ticker]
		if !scored || score > cutoff {
			continue
		}
		// Holding-period gate against over-trading.
		if pos.DaysHeld < cfg.MinHoldingDays {
			continue
		}

		best := e.bestReplacement(pos, score, in, cfg, sectorWeights)
		if best == nil {
			continue
		}
		swaps = append(swaps, *best)
	}

	sort.Slice(swaps, func(i, j int) bool {
		return swaps[i].NetBenefit.GreaterThan(swaps[j].NetBenefit)
	})
	return swaps
}

// bestReplacement finds the highest-scoring eligible candidate for one
// incumbent and prices the swap, or returns nil when no candidate clears the
// net-benefit bar.
func (e *Engine) bestReplacement(pos types.Position, sellScore float64, in Input, cfg types.ClientConfig, sectorWeights map[string]float64) *types.SwapRecommendation {
	var best *Candidate
	for i := range in.Candidates {
		cand := &in.Candidates[i]
		if cand.Ticker == pos.Ticker {
			continue
		}
		if !e.sectorEligible(pos.Sector, cand.Sector) {
			continue
		}
		// Already held at weight: only an under-weighted holding may be
		// bought further.
		if held := in.Portfolio.Position(cand.Ticker); held != nil && held.CurrentWeight >= held.TargetWeight {
			continue
		}
		if exceedsSectorLimit(cand.Sector, pos, sectorWeights, cfg) {
			continue
		}
		if best == nil || cand.Score > best.Score {
			best = cand
		}
	}
	if best == nil {
		return nil
	}

	improvement := decimal.NewFromFloat(best.Score - sellScore).Mul(pos.MarketValue)
	taxImpact := realizedGainTax(pos, cfg)
	txCost := roundTripCost(pos.MarketValue, cfg)
	netBenefit := improvement.Sub(taxImpact).Sub(txCost)

	if !netBenefit.IsPositive() {
		return nil
	}

	return &types.SwapRecommendation{
		SellTicker:          pos.Ticker,
		BuyTicker:           best.Ticker,
		Reason:              fmt.Sprintf("model score %.2f vs %.2f for %s", best.Score, sellScore, pos.Ticker),
		ExpectedImprovement: improvement,
		SellScore:           sellScore,
		BuyScore:            best.Score,
		TaxImpact:           taxImpact,
		TransactionCost:     txCost,
		NetBenefit:          netBenefit,
		Priority:            e.priority(netBenefit, sellScore, best.Score),
	}
}

// generateHarvests proposes realizing losses whose tax benefit clears the
// round-trip transaction cost. Wash-sale exposure is flagged, never silently
// dropped: the caller must check the flag against trade history before acting.
func (e *Engine) generateHarvests(in Input, cfg types.ClientConfig) []types.TaxHarvestOpportunity {
	rate := decimal.NewFromFloat(cfg.MarginalTaxRate)

	var opps []types.TaxHarvestOpportunity
	for _, pos := range in.Portfolio.Positions {
		if !pos.UnrealizedGainLoss.IsNegative() {
			continue
		}

		benefit := pos.UnrealizedGainLoss.Abs().Mul(rate)
		cost := roundTripCost(pos.MarketValue, cfg)
		if !benefit.GreaterThan(cost) {
			continue
		}

		opp := types.TaxHarvestOpportunity{
			Ticker:         pos.Ticker,
			UnrealizedLoss: pos.UnrealizedGainLoss,
			TaxBenefit:     benefit,
			MarketValue:    pos.MarketValue,
			Recommendation: fmt.Sprintf("harvest %s loss for %s estimated tax benefit",
				pos.UnrealizedGainLoss.Abs().StringFixed(2), benefit.StringFixed(2)),
		}

		if until, risky := washSaleWindow(pos.Ticker, in.RecentTrades, in.AsOf, cfg); risky {
			opp.WashSaleRisk = true
			opp.WashSaleBlocked = &until
		}

		opps = append(opps, opp)
	}

	sort.Slice(opps, func(i, j int) bool {
		return opps[i].TaxBenefit.GreaterThan(opps[j].TaxBenefit)
	})
	return opps
}

// washSaleWindow reports whether the ticker was bought within the wash-sale
// window before asOf, and when the window clears.
func washSaleWindow(ticker string, trades []types.RecentTrade, asOf time.Time, cfg types.ClientConfig) (time.Time, bool) {
	window := time.Duration(cfg.WashSaleWindowDays) * 24 * time.Hour
	var latest time.Time
	for _, tr := range trades {
		if tr.Symbol != ticker || tr.Action != types.SideBuy {
			continue
		}
		if asOf.Sub(tr.Date) < window && tr.Date.After(latest) {
			latest = tr.Date
		}
	}
	if latest.IsZero() {
		return time.Time{}, false
	}
	return latest.Add(window), true
}

// scoreCutoff returns the score at the underperformer percentile of the
// candidate universe.
func (e *Engine) scoreCutoff(candidates []Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = c.Score
	}
	sort.Float64s(scores)
	idx := int(e.config.UnderperformerPercentile * float64(len(scores)-1))
	return scores[idx]
}

func (e *Engine) sectorEligible(incumbent, candidate string) bool {
	if incumbent == candidate {
		return true
	}
	for _, adj := range e.config.AdjacentSectors[incumbent] {
		if adj == candidate {
			return true
		}
	}
	return false
}

// exceedsSectorLimit checks whether moving the incumbent's weight into the
// candidate's sector would breach the client's sector cap.
func exceedsSectorLimit(candSector string, pos types.Position, sectorWeights map[string]float64, cfg types.ClientConfig) bool {
	limit, ok := cfg.SectorLimits[candSector]
	if !ok {
		return false
	}
	if candSector == pos.Sector {
		// The weight stays inside the sector; exposure is unchanged.
		return sectorWeights[candSector] > limit
	}
	return sectorWeights[candSector]+pos.CurrentWeight > limit
}

func currentSectorWeights(p *types.Portfolio) map[string]float64 {
	weights := make(map[string]float64)
	for _, pos := range p.Positions {
		weights[pos.Sector] += pos.CurrentWeight
	}
	return weights
}

// realizedGainTax returns the tax owed if the position were sold today.
// Zero at a loss; long-term rate after a year.
func realizedGainTax(pos types.Position, cfg types.ClientConfig) decimal.Decimal {
	if !pos.UnrealizedGainLoss.IsPositive() {
		return decimal.Zero
	}
	rate := cfg.MarginalTaxRate
	if pos.DaysHeld >= 365 {
		rate = cfg.LongTermTaxRate
	}
	return pos.UnrealizedGainLoss.Mul(decimal.NewFromFloat(rate))
}

// roundTripCost estimates slippage and commission on both legs of a swap.
func roundTripCost(value decimal.Decimal, cfg types.ClientConfig) decimal.Decimal {
	perLeg := value.Mul(decimal.NewFromInt(cfg.TransactionCostBps)).Div(decimal.NewFromInt(10000))
	return perLeg.Mul(decimal.NewFromInt(2))
}

func (e *Engine) priority(netBenefit decimal.Decimal, sellScore, buyScore float64) types.Priority {
	switch {
	case netBenefit.GreaterThan(e.config.HighPriorityNetBenefit) && buyScore >= e.config.HighConfidenceScore:
		return types.PriorityHigh
	case netBenefit.GreaterThan(e.config.MediumPriorityNetBenefit):
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}
