// Package regime classifies daily market indicators into a discrete regime
// label with a confidence score. Classification is rule-based threshold
// bucketing: volatility regime from percentile bands of realized volatility,
// trend regime from the fast-vs-slow moving-average spread.
package regime

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrInsufficientData is returned when fewer than the minimum lookback window
// of indicator history exists. Callers fall back to the previous day's
// regime; classification failure never blocks the pipeline.
var ErrInsufficientData = errors.New("regime: insufficient indicator history")

// Indicators is one day's bundle of raw market indicators.
type Indicators struct {
	Date           time.Time `json:"date"`
	VIX            float64   `json:"vix"`
	RealizedVol    float64   `json:"realizedVol"` // annualized
	FastMA         float64   `json:"fastMA"`
	SlowMA         float64   `json:"slowMA"`
	AdvanceDecline float64   `json:"advanceDecline"` // breadth ratio
	YieldCurve     float64   `json:"yieldCurve"`     // 10y-2y slope
}

// Config configures the classifier's bands and windows.
type Config struct {
	MinLookback       int     // minimum days of history required
	LowVolPercentile  float64 // below this percentile of realized vol: low
	HighVolPercentile float64 // above: high
	ExtremePercentile float64 // above: extreme
	TrendThreshold    float64 // |spread| above this is a trend
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinLookback:       60,
		LowVolPercentile:  0.25,
		HighVolPercentile: 0.75,
		ExtremePercentile: 0.95,
		TrendThreshold:    0.02,
	}
}

// Classifier turns indicator history into MarketRegimeRecords.
type Classifier struct {
	logger *zap.Logger
	config Config
}

// NewClassifier creates a new regime classifier.
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	return &Classifier{
		logger: logger.Named("regime"),
		config: config,
	}
}

// Classify produces the regime record for the last day in history. History
// must be in chronological order; the final element is "today".
func (c *Classifier) Classify(date time.Time, history []Indicators) (types.MarketRegimeRecord, error) {
	if len(history) < c.config.MinLookback {
		return types.MarketRegimeRecord{}, fmt.Errorf("%w: have %d days, need %d",
			ErrInsufficientData, len(history), c.config.MinLookback)
	}

	today := history[len(history)-1]

	volRegime, volConf := c.classifyVolatility(today.RealizedVol, history)
	trendRegime, trendConf := c.classifyTrend(today.FastMA, today.SlowMA)

	// Overall confidence is gated by the least certain dimension: sitting
	// close to either band boundary drags the whole classification down.
	confidence := math.Min(volConf, trendConf)

	record := types.MarketRegimeRecord{
		Date:             date,
		VolatilityRegime: volRegime,
		TrendRegime:      trendRegime,
		RegimeLabel:      Label(trendRegime, volRegime),
		RegimeConfidence: confidence,
	}

	c.logger.Debug("classified regime",
		zap.Time("date", date),
		zap.String("label", record.RegimeLabel),
		zap.Float64("confidence", confidence))

	return record, nil
}

// Label builds the canonical regime label, e.g. "bull_low_vol".
func Label(trend types.TrendRegime, vol types.VolatilityRegime) string {
	return fmt.Sprintf("%s_%s_vol", trend, vol)
}

// classifyVolatility buckets today's realized vol against the historical
// percentile bands and scores confidence by distance from the nearest band
// boundary.
func (c *Classifier) classifyVolatility(realizedVol float64, history []Indicators) (types.VolatilityRegime, float64) {
	vols := make([]float64, len(history))
	for i, h := range history {
		vols[i] = h.RealizedVol
	}
	sort.Float64s(vols)

	low := percentile(vols, c.config.LowVolPercentile)
	high := percentile(vols, c.config.HighVolPercentile)
	extreme := percentile(vols, c.config.ExtremePercentile)

	var regime types.VolatilityRegime
	var dist, bandWidth float64

	switch {
	case realizedVol >= extreme:
		regime = types.VolExtreme
		dist = realizedVol - extreme
		bandWidth = extreme - high
	case realizedVol >= high:
		regime = types.VolHigh
		dist = math.Min(realizedVol-high, extreme-realizedVol)
		bandWidth = extreme - high
	case realizedVol >= low:
		regime = types.VolMedium
		dist = math.Min(realizedVol-low, high-realizedVol)
		bandWidth = high - low
	default:
		regime = types.VolLow
		dist = low - realizedVol
		bandWidth = low
	}

	return regime, boundaryConfidence(dist, bandWidth)
}

// classifyTrend buckets the fast-vs-slow MA spread.
func (c *Classifier) classifyTrend(fastMA, slowMA float64) (types.TrendRegime, float64) {
	if slowMA == 0 {
		return types.TrendSideways, 0
	}
	spread := (fastMA - slowMA) / slowMA
	th := c.config.TrendThreshold

	var regime types.TrendRegime
	var dist float64

	switch {
	case spread > th:
		regime = types.TrendBull
		dist = spread - th
	case spread < -th:
		regime = types.TrendBear
		dist = -spread - th
	default:
		regime = types.TrendSideways
		dist = th - math.Abs(spread)
	}

	return regime, boundaryConfidence(dist, th)
}

// boundaryConfidence maps distance from the nearest band boundary to [0,1].
// At the boundary confidence is 0.5; it approaches 1 deep inside a band.
func boundaryConfidence(dist, bandWidth float64) float64 {
	if bandWidth <= 0 {
		return 0.5
	}
	conf := 0.5 + 0.5*math.Min(1, dist/(bandWidth/2))
	if conf > 1 {
		conf = 1
	}
	return conf
}

// percentile returns the value at fraction p of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
