// Package batch manages the order-batch lifecycle: creation from a target
// allocation, human approval or rejection, dry-run validation, and execution
// against the brokerage.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/portfolio-engine/internal/risk"
	"github.com/atlas-desktop/portfolio-engine/internal/services"
	"github.com/atlas-desktop/portfolio-engine/internal/store"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// ErrInvalidTransition is returned when an operation is called on a batch
// whose current status does not permit it.
var ErrInvalidTransition = errors.New("batch: invalid transition")

// ErrNoTrades is returned when a target allocation produces no trades above
// the minimum trade value.
var ErrNoTrades = errors.New("batch: allocation produces no trades")

// ValidationError carries the risk violations that blocked a transition. The
// batch itself is left in its prior status.
type ValidationError struct {
	Violations []risk.Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("batch: risk validation failed: %s", strings.Join(msgs, "; "))
}

// WashSaleError blocks execution when a sell would repurchase-window-collide
// with a recent buy. Execution can proceed with an explicit override.
type WashSaleError struct {
	Symbols []string
}

func (e *WashSaleError) Error() string {
	return fmt.Sprintf("batch: wash sale risk on %s", strings.Join(e.Symbols, ", "))
}

// DryRunResult is the outcome of a dry-run validation pass.
type DryRunResult struct {
	BatchID    string           `json:"batchId"`
	Valid      bool             `json:"valid"`
	Violations []risk.Violation `json:"violations,omitempty"`
	Trades     []types.Trade    `json:"trades"` // repriced at current market
	AsOf       time.Time        `json:"asOf"`
}

// Config holds batch manager settings.
type Config struct {
	OrderType string // order type submitted to the broker
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{OrderType: "market"}
}

// Manager owns all order-batch state transitions. Every transition is a
// conditional update against the store, so two concurrent callers cannot
// both move the same batch.
type Manager struct {
	logger    *zap.Logger
	config    Config
	store     store.BatchStore
	pricing   services.PricingService
	execution services.ExecutionService
	validator *risk.Validator
	now       func() time.Time
}

// NewManager creates a batch lifecycle manager.
func NewManager(logger *zap.Logger, config Config, st store.BatchStore, pricing services.PricingService, execution services.ExecutionService, validator *risk.Validator) *Manager {
	return &Manager{
		logger:    logger.Named("batch"),
		config:    config,
		store:     st,
		pricing:   pricing,
		execution: execution,
		validator: validator,
		now:       time.Now,
	}
}

// Create computes the trades that move portfolio to targets and persists a
// new batch in pending approval. Returns store.ErrConcurrentBatch when the
// (client, account) pair already has an open batch.
func (m *Manager) Create(ctx context.Context, clientID, strategy string, portfolio *types.Portfolio, targets map[string]float64, cfg types.ClientConfig) (*types.OrderBatch, error) {
	trades, err := m.computeTrades(ctx, portfolio, targets, cfg)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrNoTrades
	}

	now := m.now().UTC()
	b := &types.OrderBatch{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		Account:          portfolio.Account,
		Strategy:         strategy,
		Status:           types.BatchStatusPendingApproval,
		CreatedAt:        now,
		UpdatedAt:        now,
		CurrentPortfolio: portfolio,
		TargetAllocation: targets,
		Trades:           trades,
	}
	if err := m.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}

	m.logger.Info("batch created",
		zap.String("batchId", b.ID),
		zap.String("account", b.Account),
		zap.String("strategy", strategy),
		zap.Int("trades", len(trades)))
	return b, nil
}

// Approve moves a batch to approved after a risk check against its stored
// snapshot. Allowed from pending approval and dry-run validated.
func (m *Manager) Approve(ctx context.Context, batchID string, cfg types.ClientConfig) (*types.OrderBatch, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != types.BatchStatusPendingApproval && b.Status != types.BatchStatusDryRunValidated {
		return nil, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, b.Status)
	}

	if violations := m.validator.Validate(b.CurrentPortfolio, b.Trades, b.TargetAllocation, cfg); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	prev := b.Status
	b.Status = types.BatchStatusApproved
	b.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateBatch(ctx, b, prev); err != nil {
		return nil, err
	}

	m.logger.Info("batch approved", zap.String("batchId", b.ID))
	return b, nil
}

// Reject terminates a batch with a reason. Only a batch still pending
// approval can be rejected.
func (m *Manager) Reject(ctx context.Context, batchID, reason string) (*types.OrderBatch, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != types.BatchStatusPendingApproval {
		return nil, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, b.Status)
	}

	prev := b.Status
	b.Status = types.BatchStatusRejected
	b.RejectReason = reason
	b.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateBatch(ctx, b, prev); err != nil {
		return nil, err
	}

	m.logger.Info("batch rejected",
		zap.String("batchId", b.ID),
		zap.String("reason", reason))
	return b, nil
}

// DryRun reprices the batch's trades at current market and runs the risk
// validator without submitting anything. A clean pass marks the batch
// dry-run validated; an approved batch gives up its approval and must be
// re-approved before it can execute.
func (m *Manager) DryRun(ctx context.Context, batchID string, cfg types.ClientConfig) (*DryRunResult, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case types.BatchStatusPendingApproval, types.BatchStatusApproved, types.BatchStatusDryRunValidated:
	default:
		return nil, fmt.Errorf("%w: dry run from %s", ErrInvalidTransition, b.Status)
	}

	portfolio, err := m.pricing.GetCurrentPositions(ctx, b.Account)
	if err != nil {
		return nil, fmt.Errorf("refresh positions for %s: %w", b.Account, err)
	}
	trades, err := m.reprice(ctx, b.Trades)
	if err != nil {
		return nil, err
	}

	violations := m.validator.Validate(portfolio, trades, b.TargetAllocation, cfg)
	result := &DryRunResult{
		BatchID:    b.ID,
		Valid:      len(violations) == 0,
		Violations: violations,
		Trades:     trades,
		AsOf:       m.now().UTC(),
	}

	if result.Valid && b.Status != types.BatchStatusDryRunValidated {
		prev := b.Status
		b.Status = types.BatchStatusDryRunValidated
		b.UpdatedAt = result.AsOf
		if err := m.store.UpdateBatch(ctx, b, prev); err != nil {
			return nil, err
		}
	}

	m.logger.Info("batch dry run",
		zap.String("batchId", b.ID),
		zap.Bool("valid", result.Valid),
		zap.Int("violations", len(violations)))
	return result, nil
}

// Execute submits an approved batch to the brokerage. Risk is re-validated
// against fresh positions first; stale approvals do not skip the gate. Sells
// go out before buys so proceeds can fund purchases. The batch always ends
// executed; per-trade failures are recorded, not retried.
func (m *Manager) Execute(ctx context.Context, batchID string, cfg types.ClientConfig, recentTrades []types.RecentTrade, overrideWashSale bool) (*types.OrderBatch, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != types.BatchStatusApproved {
		return nil, fmt.Errorf("%w: execute from %s", ErrInvalidTransition, b.Status)
	}

	portfolio, err := m.pricing.GetCurrentPositions(ctx, b.Account)
	if err != nil {
		return nil, fmt.Errorf("refresh positions for %s: %w", b.Account, err)
	}
	if violations := m.validator.Validate(portfolio, b.Trades, b.TargetAllocation, cfg); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	if !overrideWashSale {
		if blocked := washSaleConflicts(b.Trades, recentTrades, cfg.WashSaleWindowDays, m.now().UTC()); len(blocked) > 0 {
			return nil, &WashSaleError{Symbols: blocked}
		}
	}

	// Claim the batch. The conditional update makes execution non-reentrant:
	// a second caller sees a stale status and stops here.
	b.Status = types.BatchStatusExecuting
	b.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateBatch(ctx, b, types.BatchStatusApproved); err != nil {
		return nil, err
	}

	b.ExecutionResults = m.submitAll(ctx, b)

	b.Status = types.BatchStatusExecuted
	b.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateBatch(ctx, b, types.BatchStatusExecuting); err != nil {
		return nil, err
	}

	m.logger.Info("batch executed",
		zap.String("batchId", b.ID),
		zap.Bool("fullySucceeded", b.FullySucceeded()),
		zap.Int("trades", len(b.Trades)))
	return b, nil
}

// Get loads one batch.
func (m *Manager) Get(ctx context.Context, batchID string) (*types.OrderBatch, error) {
	return m.store.GetBatch(ctx, batchID)
}

// List returns an account's batches, newest first.
func (m *Manager) List(ctx context.Context, account string, limit int) ([]*types.OrderBatch, error) {
	return m.store.ListBatches(ctx, account, limit)
}

// submitAll sends every trade to the broker, sells first, and records one
// result per trade. Cancellation marks the unsent remainder cancelled.
func (m *Manager) submitAll(ctx context.Context, b *types.OrderBatch) []types.ExecutionResult {
	ordered := orderForExecution(b.Trades)
	results := make([]types.ExecutionResult, 0, len(ordered))

	for i, trade := range ordered {
		if ctx.Err() != nil {
			for _, rest := range ordered[i:] {
				results = append(results, types.ExecutionResult{
					Symbol:      rest.Symbol,
					Action:      rest.Action,
					Status:      types.TradeStatusCancelled,
					RequestID:   uuid.NewString(),
					Error:       ctx.Err().Error(),
					SubmittedAt: m.now().UTC(),
				})
			}
			break
		}

		req := services.OrderRequest{
			RequestID: uuid.NewString(),
			Account:   b.Account,
			Symbol:    trade.Symbol,
			Side:      trade.Action,
			Quantity:  trade.Quantity,
			OrderType: m.config.OrderType,
		}
		result := types.ExecutionResult{
			Symbol:      trade.Symbol,
			Action:      trade.Action,
			RequestID:   req.RequestID,
			SubmittedAt: m.now().UTC(),
		}

		resp, err := m.execution.SubmitOrder(ctx, req)
		if err != nil {
			result.Status = types.TradeStatusRejected
			result.Error = err.Error()
			m.logger.Warn("order submission failed",
				zap.String("batchId", b.ID),
				zap.String("symbol", trade.Symbol),
				zap.Error(err))
		} else {
			result.Status = resp.Status
			result.BrokerOrderID = resp.OrderID
			result.FillPrice = resp.FillPrice
			result.FilledQty = resp.FilledQty
		}
		results = append(results, result)
	}
	return results
}

// computeTrades derives the share deltas that move portfolio onto targets.
// Positions absent from targets are sold down to zero. Deltas worth less
// than the minimum trade value are dropped.
func (m *Manager) computeTrades(ctx context.Context, portfolio *types.Portfolio, targets map[string]float64, cfg types.ClientConfig) ([]types.Trade, error) {
	tickers := make(map[string]bool, len(targets)+len(portfolio.Positions))
	for t := range targets {
		tickers[t] = true
	}
	for _, pos := range portfolio.Positions {
		tickers[pos.Ticker] = true
	}
	ordered := make([]string, 0, len(tickers))
	for t := range tickers {
		ordered = append(ordered, t)
	}
	sort.Strings(ordered)

	var trades []types.Trade
	for _, ticker := range ordered {
		current := decimal.Zero
		price := decimal.Zero
		if pos := portfolio.Position(ticker); pos != nil {
			current = pos.Quantity
			price = pos.CurrentPrice
		}
		if price.IsZero() {
			p, err := m.pricing.GetLastPrice(ctx, ticker)
			if err != nil {
				return nil, fmt.Errorf("price %s: %w", ticker, err)
			}
			price = p
		}

		targetValue := portfolio.TotalValue.Mul(decimal.NewFromFloat(targets[ticker]))
		targetQty := targetValue.Div(price).RoundDown(0)
		delta := targetQty.Sub(current)
		if delta.IsZero() {
			continue
		}

		value := delta.Abs().Mul(price)
		if value.LessThan(cfg.MinTradeValue) {
			continue
		}

		action := types.SideBuy
		if delta.IsNegative() {
			action = types.SideSell
		}
		trades = append(trades, types.Trade{
			Symbol:          ticker,
			Action:          action,
			Quantity:        delta.Abs(),
			CurrentQuantity: current,
			TargetQuantity:  targetQty,
			EstimatedPrice:  price,
			EstimatedValue:  value,
			Reason:          fmt.Sprintf("rebalance to %.1f%% target", targets[ticker]*100),
		})
	}
	return trades, nil
}

// reprice refreshes each trade's estimated price and value at current market.
func (m *Manager) reprice(ctx context.Context, trades []types.Trade) ([]types.Trade, error) {
	out := make([]types.Trade, len(trades))
	for i, trade := range trades {
		price, err := m.pricing.GetLastPrice(ctx, trade.Symbol)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", trade.Symbol, err)
		}
		trade.EstimatedPrice = price
		trade.EstimatedValue = trade.Quantity.Mul(price)
		out[i] = trade
	}
	return out, nil
}

// orderForExecution returns sells before buys, each group sorted by symbol.
func orderForExecution(trades []types.Trade) []types.Trade {
	out := make([]types.Trade, len(trades))
	copy(out, trades)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action == types.SideSell
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// washSaleConflicts returns the symbols whose sells fall inside the wash-sale
// window of a recent buy.
func washSaleConflicts(trades []types.Trade, recent []types.RecentTrade, windowDays int, now time.Time) []string {
	if windowDays <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -windowDays)
	lastBuy := make(map[string]time.Time)
	for _, rt := range recent {
		if rt.Action != types.SideBuy || rt.Date.Before(cutoff) {
			continue
		}
		if rt.Date.After(lastBuy[rt.Symbol]) {
			lastBuy[rt.Symbol] = rt.Date
		}
	}

	var blocked []string
	for _, trade := range trades {
		if trade.Action != types.SideSell {
			continue
		}
		if _, ok := lastBuy[trade.Symbol]; ok {
			blocked = append(blocked, trade.Symbol)
		}
	}
	sort.Strings(blocked)
	return blocked
}
