// Package drift compares current vs. target position weights and produces
// the per-position and aggregate drift metrics that gate rebalancing.
package drift

import (
	"math"
	"sort"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// Report is the aggregate output of one drift analysis.
type Report struct {
	Entries           []types.DriftEntry `json:"entries"`
	MaxDrift          float64            `json:"maxDrift"`
	AvgDrift          float64            `json:"avgDrift"`
	PortfolioDrift    float64            `json:"portfolioDrift"`
	CountExceeding    int                `json:"countExceeding"`
	TriggersRebalance bool               `json:"triggersRebalance"`
}

// Analyzer computes drift reports.
type Analyzer struct {
	logger *zap.Logger
}

// NewAnalyzer creates a drift analyzer.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger.Named("drift")}
}

// Analyze produces one DriftEntry per ticker present in either the portfolio
// or the target allocation. Tickers in the target but unheld get entries with
// current weight 0.
//
// Portfolio-level drift is sum(|current-target|)/2: every unit of
// over-allocation is matched by a unit of under-allocation elsewhere, so the
// raw sum double-counts.
func (a *Analyzer) Analyze(portfolio *types.Portfolio, targets map[string]float64, cfg types.ClientConfig) Report {
	seen := make(map[string]bool, len(portfolio.Positions))

	var entries []types.DriftEntry
	for _, pos := range portfolio.Positions {
		seen[pos.Ticker] = true
		entries = append(entries, a.entry(pos.Ticker, pos.CurrentWeight, targets[pos.Ticker], cfg))
	}

	// Target tickers not currently held.
	var missing []string
	for ticker := range targets {
		if !seen[ticker] {
			missing = append(missing, ticker)
		}
	}
	sort.Strings(missing)
	for _, ticker := range missing {
		entries = append(entries, a.entry(ticker, 0, targets[ticker], cfg))
	}

	report := Report{Entries: entries}
	var sum float64
	for _, e := range entries {
		sum += e.Drift
		if e.Drift > report.MaxDrift {
			report.MaxDrift = e.Drift
		}
		if e.ExceedsThreshold {
			report.CountExceeding++
		}
	}
	if len(entries) > 0 {
		report.AvgDrift = sum / float64(len(entries))
	}
	report.PortfolioDrift = sum / 2
	report.TriggersRebalance = report.PortfolioDrift > cfg.PortfolioDriftThreshold ||
		report.CountExceeding > 0

	a.logger.Debug("drift analyzed",
		zap.String("account", portfolio.Account),
		zap.Float64("portfolioDrift", report.PortfolioDrift),
		zap.Int("countExceeding", report.CountExceeding))

	return report
}

func (a *Analyzer) entry(ticker string, current, target float64, cfg types.ClientConfig) types.DriftEntry {
	d := math.Abs(current - target)
	return types.DriftEntry{
		Ticker:           ticker,
		CurrentWeight:    current,
		TargetWeight:     target,
		Drift:            d,
		ExceedsThreshold: d > cfg.PositionDriftThreshold,
	}
}
