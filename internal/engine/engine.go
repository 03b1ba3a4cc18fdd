// Package engine is the facade over the analysis pipeline and the batch
// lifecycle. It is the only layer the API and the scheduler talk to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/portfolio-engine/internal/batch"
	"github.com/atlas-desktop/portfolio-engine/internal/drift"
	"github.com/atlas-desktop/portfolio-engine/internal/health"
	"github.com/atlas-desktop/portfolio-engine/internal/metrics"
	"github.com/atlas-desktop/portfolio-engine/internal/recommend"
	"github.com/atlas-desktop/portfolio-engine/internal/regime"
	"github.com/atlas-desktop/portfolio-engine/internal/services"
	"github.com/atlas-desktop/portfolio-engine/internal/store"
	"github.com/atlas-desktop/portfolio-engine/internal/strategy"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// ErrNoRegime is returned when neither fresh indicators nor a prior record
// can supply a regime for a date.
var ErrNoRegime = errors.New("engine: no regime available")

// Params bundles the engine's collaborators.
type Params struct {
	Store      store.Store
	Allocation services.AllocationService
	Pricing    services.PricingService
	Batches    *batch.Manager
	Metrics    *metrics.Metrics
}

// Engine wires the analysis components over shared services and storage.
type Engine struct {
	logger      *zap.Logger
	classifier  *regime.Classifier
	selector    *strategy.Selector
	drift       *drift.Analyzer
	scorer      *health.Scorer
	recommender *recommend.Engine
	batches     *batch.Manager
	store       store.Store
	allocation  services.AllocationService
	pricing     services.PricingService
	metrics     *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]types.ClientConfig
}

// New creates an engine with default analysis settings.
func New(logger *zap.Logger, params Params) *Engine {
	return &Engine{
		logger:      logger.Named("engine"),
		classifier:  regime.NewClassifier(logger, regime.DefaultConfig()),
		selector:    strategy.NewSelector(logger, strategy.DefaultConfig()),
		drift:       drift.NewAnalyzer(logger),
		scorer:      health.NewScorer(logger),
		recommender: recommend.NewEngine(logger, recommend.DefaultConfig()),
		batches:     params.Batches,
		store:       params.Store,
		allocation:  params.Allocation,
		pricing:     params.Pricing,
		metrics:     params.Metrics,
		clients:     make(map[string]types.ClientConfig),
	}
}

// SetClientConfig installs per-client overrides.
func (e *Engine) SetClientConfig(cfg types.ClientConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[cfg.ClientID] = cfg
}

// ConfigFor returns the client's config, or platform defaults.
func (e *Engine) ConfigFor(clientID string) types.ClientConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cfg, ok := e.clients[clientID]; ok {
		return cfg
	}
	return types.DefaultClientConfig(clientID)
}

// ClassifyRegime classifies and persists the regime for date. When history
// is too short, the previous day's record is carried forward instead; the
// pipeline never stalls on missing indicators.
func (e *Engine) ClassifyRegime(ctx context.Context, date time.Time, history []regime.Indicators) (types.MarketRegimeRecord, error) {
	record, err := e.classifier.Classify(date, history)
	if errors.Is(err, regime.ErrInsufficientData) {
		prior, perr := e.store.LatestRegimeBefore(ctx, date)
		if perr != nil {
			return types.MarketRegimeRecord{}, fmt.Errorf("%w: %v, no prior record", ErrNoRegime, err)
		}
		e.logger.Warn("carrying regime forward",
			zap.Time("date", date),
			zap.Time("priorDate", prior.Date),
			zap.String("label", prior.RegimeLabel))
		record = prior
		record.Date = date
	} else if err != nil {
		return types.MarketRegimeRecord{}, err
	}

	if err := e.store.SaveRegime(ctx, record); err != nil {
		return types.MarketRegimeRecord{}, err
	}
	return record, nil
}

// GetRegime returns the record for date, falling back to the latest prior.
func (e *Engine) GetRegime(ctx context.Context, date time.Time) (types.MarketRegimeRecord, error) {
	record, err := e.store.GetRegime(ctx, date)
	if errors.Is(err, store.ErrNotFound) {
		record, err = e.store.LatestRegimeBefore(ctx, date)
		if errors.Is(err, store.ErrNotFound) {
			return types.MarketRegimeRecord{}, ErrNoRegime
		}
	}
	return record, err
}

// SelectStrategy picks and persists the strategy for date based on the
// stored regime and the supplied trailing performance.
func (e *Engine) SelectStrategy(ctx context.Context, date time.Time, performance []types.StrategyPerformance) (types.StrategySelection, error) {
	record, err := e.GetRegime(ctx, date)
	if err != nil {
		return types.StrategySelection{}, err
	}

	selection := e.selector.Select(date, record, performance)
	if err := e.store.SaveSelection(ctx, selection); err != nil {
		return types.StrategySelection{}, err
	}
	return selection, nil
}

// AnalyzeHealth produces the full health report for one account under the
// given strategy's target allocation.
func (e *Engine) AnalyzeHealth(ctx context.Context, clientID, account, strategyName string) (*types.HealthReport, error) {
	cfg := e.ConfigFor(clientID)

	portfolio, err := e.pricing.GetCurrentPositions(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("positions for %s: %w", account, err)
	}
	targets, err := e.allocation.GetTargetAllocation(ctx, clientID, strategyName)
	if err != nil {
		return nil, fmt.Errorf("allocation for %s/%s: %w", clientID, strategyName, err)
	}

	scores := make(map[string]float64, len(portfolio.Positions))
	for _, pos := range portfolio.Positions {
		score, err := e.allocation.GetScore(ctx, pos.Ticker)
		if err != nil {
			continue // unscored tickers are skipped, not fatal
		}
		scores[pos.Ticker] = score
	}

	report := e.drift.Analyze(portfolio, targets, cfg)
	underperformers := health.CountUnderperformers(portfolio.Positions, scores)
	concentration := health.MaxConcentration(portfolio.Positions)
	score, needsRebalance := e.scorer.Score(report, underperformers, concentration, cfg)

	e.metrics.AnalysisCompleted(account, score)

	return &types.HealthReport{
		Account:             account,
		DriftEntries:        report.Entries,
		MaxDrift:            report.MaxDrift,
		AvgDrift:            report.AvgDrift,
		PortfolioDrift:      report.PortfolioDrift,
		CountExceeding:      report.CountExceeding,
		UnderperformerCount: underperformers,
		MaxConcentration:    concentration,
		HealthScore:         score,
		NeedsRebalance:      needsRebalance,
		GeneratedAt:         time.Now().UTC(),
	}, nil
}

// GenerateRecommendations produces swap and tax-harvest recommendations for
// one account against the scored model universe.
func (e *Engine) GenerateRecommendations(ctx context.Context, clientID, account string, recentTrades []types.RecentTrade) (types.Recommendations, error) {
	cfg := e.ConfigFor(clientID)

	portfolio, err := e.pricing.GetCurrentPositions(ctx, account)
	if err != nil {
		return types.Recommendations{}, fmt.Errorf("positions for %s: %w", account, err)
	}
	universe, err := e.allocation.GetUniverse(ctx)
	if err != nil {
		return types.Recommendations{}, fmt.Errorf("scored universe: %w", err)
	}

	scores := make(map[string]float64, len(universe))
	candidates := make([]recommend.Candidate, len(universe))
	for i, st := range universe {
		scores[st.Ticker] = st.Score
		candidates[i] = recommend.Candidate{
			Ticker: st.Ticker,
			Score:  st.Score,
			Sector: st.Sector,
			Price:  st.Price,
		}
	}

	return e.recommender.Generate(recommend.Input{
		Portfolio:    portfolio,
		Scores:       scores,
		Candidates:   candidates,
		RecentTrades: recentTrades,
		AsOf:         time.Now().UTC(),
	}, cfg), nil
}

// CreateBatchRequest describes one rebalance proposal. The target comes from
// exactly one source, checked in order: an explicit allocation, accepted swap
// recommendations, or the strategy's current model allocation.
type CreateBatchRequest struct {
	ClientID         string
	Account          string
	Strategy         string
	TargetAllocation map[string]float64
	Swaps            []types.SwapRecommendation
}

// CreateBatch builds a pending batch moving the account onto the requested
// target allocation.
func (e *Engine) CreateBatch(ctx context.Context, req CreateBatchRequest) (*types.OrderBatch, error) {
	cfg := e.ConfigFor(req.ClientID)

	portfolio, err := e.pricing.GetCurrentPositions(ctx, req.Account)
	if err != nil {
		return nil, fmt.Errorf("positions for %s: %w", req.Account, err)
	}

	targets := req.TargetAllocation
	switch {
	case len(targets) > 0:
	case len(req.Swaps) > 0:
		targets = targetsFromSwaps(portfolio, req.Swaps)
	default:
		targets, err = e.allocation.GetTargetAllocation(ctx, req.ClientID, req.Strategy)
		if err != nil {
			return nil, fmt.Errorf("allocation for %s/%s: %w", req.ClientID, req.Strategy, err)
		}
	}

	b, err := e.batches.Create(ctx, req.ClientID, req.Strategy, portfolio, targets, cfg)
	if err != nil {
		return nil, err
	}
	e.metrics.BatchTransition(string(b.Status))
	return b, nil
}

// targetsFromSwaps turns accepted swap recommendations into a target
// allocation: each sell ticker's current weight moves onto its buy ticker,
// every other holding keeps its weight.
func targetsFromSwaps(portfolio *types.Portfolio, swaps []types.SwapRecommendation) map[string]float64 {
	targets := make(map[string]float64, len(portfolio.Positions)+len(swaps))
	for _, pos := range portfolio.Positions {
		targets[pos.Ticker] = pos.CurrentWeight
	}
	for _, swap := range swaps {
		targets[swap.BuyTicker] += targets[swap.SellTicker]
		targets[swap.SellTicker] = 0
	}
	return targets
}

// ApproveBatch runs the risk gate and approves.
func (e *Engine) ApproveBatch(ctx context.Context, clientID, batchID string) (*types.OrderBatch, error) {
	b, err := e.batches.Approve(ctx, batchID, e.ConfigFor(clientID))
	if err != nil {
		e.countViolations(err)
		return nil, err
	}
	e.metrics.BatchTransition(string(b.Status))
	return b, nil
}

// RejectBatch terminates a pending batch.
func (e *Engine) RejectBatch(ctx context.Context, batchID, reason string) (*types.OrderBatch, error) {
	b, err := e.batches.Reject(ctx, batchID, reason)
	if err != nil {
		return nil, err
	}
	e.metrics.BatchTransition(string(b.Status))
	return b, nil
}

// DryRunBatch validates a batch at current market without submitting.
func (e *Engine) DryRunBatch(ctx context.Context, clientID, batchID string) (*batch.DryRunResult, error) {
	result, err := e.batches.DryRun(ctx, batchID, e.ConfigFor(clientID))
	if err != nil {
		return nil, err
	}
	for _, v := range result.Violations {
		e.metrics.RiskViolation(v.Rule)
	}
	return result, nil
}

// ExecuteBatch submits an approved batch to the brokerage.
func (e *Engine) ExecuteBatch(ctx context.Context, clientID, batchID string, recentTrades []types.RecentTrade, overrideWashSale bool) (*types.OrderBatch, error) {
	b, err := e.batches.Execute(ctx, batchID, e.ConfigFor(clientID), recentTrades, overrideWashSale)
	if err != nil {
		e.countViolations(err)
		return nil, err
	}
	e.metrics.BatchTransition(string(b.Status))
	for _, r := range b.ExecutionResults {
		e.metrics.OrderSubmitted(string(r.Action), string(r.Status))
	}
	return b, nil
}

// GetBatch loads one batch.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*types.OrderBatch, error) {
	return e.batches.Get(ctx, batchID)
}

// ListBatches returns an account's batches, newest first.
func (e *Engine) ListBatches(ctx context.Context, account string, limit int) ([]*types.OrderBatch, error) {
	return e.batches.List(ctx, account, limit)
}

func (e *Engine) countViolations(err error) {
	var verr *batch.ValidationError
	if errors.As(err, &verr) {
		for _, v := range verr.Violations {
			e.metrics.RiskViolation(v.Rule)
		}
	}
}
