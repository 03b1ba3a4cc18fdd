package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/portfolio-engine/internal/store"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(zap.NewNop(), filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBatch(id, clientID, account string) *types.OrderBatch {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &types.OrderBatch{
		ID:        id,
		ClientID:  clientID,
		Account:   account,
		Strategy:  "balanced",
		Status:    types.BatchStatusPendingApproval,
		CreatedAt: now,
		UpdatedAt: now,
		CurrentPortfolio: &types.Portfolio{
			Account:     account,
			CashBalance: decimal.NewFromInt(5000),
			TotalValue:  decimal.NewFromInt(100000),
			AsOf:        now,
			Positions: []types.Position{
				{Ticker: "AAPL", Quantity: decimal.NewFromInt(100),
					CurrentPrice: decimal.NewFromInt(190), MarketValue: decimal.NewFromInt(19000),
					CurrentWeight: 0.19, TargetWeight: 0.15, Sector: "technology"},
			},
		},
		TargetAllocation: map[string]float64{"AAPL": 0.15, "MSFT": 0.15},
		Trades: []types.Trade{
			{Symbol: "AAPL", Action: types.SideSell, Quantity: decimal.NewFromInt(20),
				EstimatedPrice: decimal.NewFromInt(190), EstimatedValue: decimal.NewFromInt(3800)},
		},
	}
}

func TestCreateAndGetBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := testBatch("batch-1", "client-1", "acct-1")
	require.NoError(t, s.CreateBatch(ctx, b))

	got, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, types.BatchStatusPendingApproval, got.Status)
	require.Len(t, got.Trades, 1)
	assert.Equal(t, types.SideSell, got.Trades[0].Action)
	assert.True(t, got.Trades[0].Quantity.Equal(decimal.NewFromInt(20)))
	require.NotNil(t, got.CurrentPortfolio)
	assert.Equal(t, 0.15, got.TargetAllocation["MSFT"])
}

func TestGetBatchNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrBatchNotFound)
}

func TestSecondOpenBatchRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBatch(ctx, testBatch("batch-1", "client-1", "acct-1")))

	err := s.CreateBatch(ctx, testBatch("batch-2", "client-1", "acct-1"))
	assert.ErrorIs(t, err, store.ErrConcurrentBatch)

	// Different account for the same client is fine.
	require.NoError(t, s.CreateBatch(ctx, testBatch("batch-3", "client-1", "acct-2")))
}

func TestTerminalBatchFreesSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := testBatch("batch-1", "client-1", "acct-1")
	require.NoError(t, s.CreateBatch(ctx, b))

	b.Status = types.BatchStatusRejected
	b.RejectReason = "client declined"
	b.UpdatedAt = b.UpdatedAt.Add(time.Minute)
	require.NoError(t, s.UpdateBatch(ctx, b, types.BatchStatusPendingApproval))

	require.NoError(t, s.CreateBatch(ctx, testBatch("batch-2", "client-1", "acct-1")))
}

func TestUpdateBatchStaleStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := testBatch("batch-1", "client-1", "acct-1")
	require.NoError(t, s.CreateBatch(ctx, b))

	b.Status = types.BatchStatusApproved
	require.NoError(t, s.UpdateBatch(ctx, b, types.BatchStatusPendingApproval))

	// Second transition from the same expected status must fail.
	b2 := testBatch("batch-1", "client-1", "acct-1")
	b2.Status = types.BatchStatusRejected
	err := s.UpdateBatch(ctx, b2, types.BatchStatusPendingApproval)
	assert.ErrorIs(t, err, store.ErrStaleStatus)

	got, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusApproved, got.Status)
}

func TestUpdateBatchPersistsResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := testBatch("batch-1", "client-1", "acct-1")
	require.NoError(t, s.CreateBatch(ctx, b))

	b.Status = types.BatchStatusExecuted
	b.ExecutionResults = []types.ExecutionResult{
		{Symbol: "AAPL", Action: types.SideSell, Status: types.TradeStatusFilled,
			FilledQty: decimal.NewFromInt(20), FillPrice: decimal.NewFromFloat(189.5),
			BrokerOrderID: "bo-1", RequestID: "req-1",
			SubmittedAt: time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)},
	}
	require.NoError(t, s.UpdateBatch(ctx, b, types.BatchStatusPendingApproval))

	got, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, got.ExecutionResults, 1)
	assert.Equal(t, "bo-1", got.ExecutionResults[0].BrokerOrderID)
	assert.Equal(t, types.TradeStatusFilled, got.ExecutionResults[0].Status)
}

func TestListBatchesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testBatch("batch-1", "client-1", "acct-1")
	require.NoError(t, s.CreateBatch(ctx, first))
	first.Status = types.BatchStatusRejected
	require.NoError(t, s.UpdateBatch(ctx, first, types.BatchStatusPendingApproval))

	second := testBatch("batch-2", "client-1", "acct-1")
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	require.NoError(t, s.CreateBatch(ctx, second))

	batches, err := s.ListBatches(ctx, "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "batch-2", batches[0].ID)
	assert.Equal(t, "batch-1", batches[1].ID)
}

func TestRegimeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	rec := types.MarketRegimeRecord{
		Date:             day,
		VolatilityRegime: types.VolLow,
		TrendRegime:      types.TrendBull,
		RegimeLabel:      "bull_low_vol",
		RegimeConfidence: 0.85,
	}
	require.NoError(t, s.SaveRegime(ctx, rec))

	got, err := s.GetRegime(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, rec.RegimeLabel, got.RegimeLabel)
	assert.Equal(t, rec.VolatilityRegime, got.VolatilityRegime)
	assert.InDelta(t, 0.85, got.RegimeConfidence, 1e-9)

	// Records are immutable; same-date insert must fail.
	assert.ErrorIs(t, s.SaveRegime(ctx, rec), store.ErrDuplicateDate)

	_, err = s.GetRegime(ctx, day.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLatestRegimeBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i, label := range []string{"bull_low_vol", "bull_medium_vol", "sideways_high_vol"} {
		require.NoError(t, s.SaveRegime(ctx, types.MarketRegimeRecord{
			Date:             base.AddDate(0, 0, i),
			VolatilityRegime: types.VolMedium,
			TrendRegime:      types.TrendBull,
			RegimeLabel:      label,
			RegimeConfidence: 0.7,
		}))
	}

	got, err := s.LatestRegimeBefore(ctx, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, "bull_medium_vol", got.RegimeLabel)

	_, err = s.LatestRegimeBefore(ctx, base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSelectionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	sel := types.StrategySelection{
		Date:                day,
		SelectedStrategy:    "momentum",
		SelectionConfidence: 0.62,
		MarketRegime:        "bull_low_vol",
		RecentPerformance: []types.StrategyPerformance{
			{Strategy: "momentum", Return: 0.08, BenchmarkReturn: 0.05, Sharpe: 1.4, MaxDrawdown: -0.06},
		},
		Degraded: false,
	}
	require.NoError(t, s.SaveSelection(ctx, sel))

	got, err := s.GetSelection(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, "momentum", got.SelectedStrategy)
	require.Len(t, got.RecentPerformance, 1)
	assert.InDelta(t, 1.4, got.RecentPerformance[0].Sharpe, 1e-9)
	assert.False(t, got.Degraded)

	// One selection per day.
	assert.ErrorIs(t, s.SaveSelection(ctx, sel), store.ErrDuplicateDate)

	_, err = s.GetSelection(ctx, day.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, store.ErrNotFound)
}
