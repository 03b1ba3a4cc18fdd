package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/portfolio-engine/internal/batch"
	"github.com/atlas-desktop/portfolio-engine/internal/config"
	"github.com/atlas-desktop/portfolio-engine/internal/engine"
	"github.com/atlas-desktop/portfolio-engine/internal/regime"
	"github.com/atlas-desktop/portfolio-engine/internal/risk"
	"github.com/atlas-desktop/portfolio-engine/internal/services"
	"github.com/atlas-desktop/portfolio-engine/internal/store/sqlite"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zap.NewNop()

	st, err := sqlite.Open(logger, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pricing := services.NewStaticPricing()
	allocation := services.NewStaticAllocation()
	paper := services.NewPaperExecution(logger, services.PaperExecutionConfig{}, pricing)
	batches := batch.NewManager(logger, batch.DefaultConfig(), st, pricing, paper, risk.NewValidator(logger))

	eng := engine.New(logger, engine.Params{
		Store:      st,
		Allocation: allocation,
		Pricing:    pricing,
		Batches:    batches,
	})

	cfg := types.DefaultClientConfig("client-1")
	cfg.MaxPositionSize = 0.30
	eng.SetClientConfig(cfg)

	pricing.SetPortfolio("acct-1", &types.Portfolio{
		Account:     "acct-1",
		CashBalance: decimal.NewFromInt(60000),
		TotalValue:  decimal.NewFromInt(100000),
		AsOf:        time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Positions: []types.Position{
			{Ticker: "AAPL", Quantity: decimal.NewFromInt(100),
				CurrentPrice: decimal.NewFromInt(200), MarketValue: decimal.NewFromInt(20000),
				CurrentWeight: 0.20, TargetWeight: 0.15, Sector: "technology"},
			{Ticker: "MSFT", Quantity: decimal.NewFromInt(50),
				CurrentPrice: decimal.NewFromInt(400), MarketValue: decimal.NewFromInt(20000),
				CurrentWeight: 0.20, TargetWeight: 0.25, Sector: "technology"},
		},
	})
	pricing.SetPrice("AAPL", decimal.NewFromInt(200))
	pricing.SetPrice("MSFT", decimal.NewFromInt(400))
	allocation.SetAllocation("client-1", "balanced", map[string]float64{"AAPL": 0.15, "MSFT": 0.25})
	allocation.SetUniverse([]services.ScoredTicker{
		{Ticker: "AAPL", Score: 0.3, Sector: "technology", Price: decimal.NewFromInt(200)},
		{Ticker: "MSFT", Score: 0.6, Sector: "technology", Price: decimal.NewFromInt(400)},
	})

	return NewServer(logger, config.ServerConfig{}, eng, nil, nil)
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBatch(t *testing.T, w *httptest.ResponseRecorder) types.OrderBatch {
	t.Helper()
	var b types.OrderBatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	return b
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	create := map[string]string{"clientId": "client-1", "account": "acct-1", "strategy": "balanced"}

	w := doRequest(t, s, "POST", "/api/v1/batches", create)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decodeBatch(t, w)
	assert.Equal(t, types.BatchStatusPendingApproval, b.Status)

	// A second open batch for the same account conflicts.
	w = doRequest(t, s, "POST", "/api/v1/batches", create)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(t, s, "POST", fmt.Sprintf("/api/v1/batches/%s/approve", b.ID),
		map[string]string{"clientId": "client-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.BatchStatusApproved, decodeBatch(t, w).Status)

	w = doRequest(t, s, "POST", fmt.Sprintf("/api/v1/batches/%s/execute", b.ID),
		map[string]interface{}{"clientId": "client-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	executed := decodeBatch(t, w)
	assert.Equal(t, types.BatchStatusExecuted, executed.Status)
	assert.Len(t, executed.ExecutionResults, 2)

	w = doRequest(t, s, "GET", "/api/v1/accounts/acct-1/batches", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestCreateBatchWithExplicitAllocation(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/api/v1/batches", map[string]interface{}{
		"clientId": "client-1", "account": "acct-1", "strategy": "balanced",
		"targetAllocation": map[string]float64{"AAPL": 0, "MSFT": 0.40},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	b := decodeBatch(t, w)
	require.Len(t, b.Trades, 2)
	bySymbol := make(map[string]types.Trade, len(b.Trades))
	for _, tr := range b.Trades {
		bySymbol[tr.Symbol] = tr
	}
	assert.Equal(t, types.SideSell, bySymbol["AAPL"].Action)
	assert.True(t, bySymbol["AAPL"].Quantity.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, types.SideBuy, bySymbol["MSFT"].Action)
	assert.True(t, bySymbol["MSFT"].Quantity.Equal(decimal.NewFromInt(50)))
}

func TestApproveRiskViolationReturns422(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/api/v1/batches",
		map[string]string{"clientId": "client-1", "account": "acct-1", "strategy": "balanced"})
	require.Equal(t, http.StatusCreated, w.Code)
	b := decodeBatch(t, w)

	// client-tight has no overrides, so the default 10% position cap applies.
	w = doRequest(t, s, "POST", fmt.Sprintf("/api/v1/batches/%s/approve", b.ID),
		map[string]string{"clientId": "client-tight"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp struct {
		Violations []risk.Violation `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Violations)
}

func TestExecuteBeforeApproveConflicts(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/api/v1/batches",
		map[string]string{"clientId": "client-1", "account": "acct-1", "strategy": "balanced"})
	require.Equal(t, http.StatusCreated, w.Code)
	b := decodeBatch(t, w)

	w = doRequest(t, s, "POST", fmt.Sprintf("/api/v1/batches/%s/execute", b.ID),
		map[string]interface{}{"clientId": "client-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetBatchNotFound(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, "GET", "/api/v1/batches/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRejectRequiresReason(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/api/v1/batches",
		map[string]string{"clientId": "client-1", "account": "acct-1", "strategy": "balanced"})
	require.Equal(t, http.StatusCreated, w.Code)
	b := decodeBatch(t, w)

	w = doRequest(t, s, "POST", fmt.Sprintf("/api/v1/batches/%s/reject", b.ID),
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, "POST", fmt.Sprintf("/api/v1/batches/%s/reject", b.ID),
		map[string]string{"reason": "client declined"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.BatchStatusRejected, decodeBatch(t, w).Status)
}

func TestRegimeEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "GET", "/api/v1/regime/2026-03-02", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	history := make([]regime.Indicators, 70)
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range history {
		history[i] = regime.Indicators{
			Date:        base.AddDate(0, 0, i),
			RealizedVol: 0.10 + 0.002*float64(i),
			FastMA:      110,
			SlowMA:      100,
		}
	}
	w = doRequest(t, s, "POST", "/api/v1/regime/classify",
		map[string]interface{}{"date": "2026-03-02", "history": history})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var record types.MarketRegimeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, types.TrendBull, record.TrendRegime)

	w = doRequest(t, s, "GET", "/api/v1/regime/2026-03-02", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Regime records are append-only; re-classifying a stored date conflicts.
	w = doRequest(t, s, "POST", "/api/v1/regime/classify",
		map[string]interface{}{"date": "2026-03-02", "history": history})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestDryRunOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/api/v1/batches",
		map[string]string{"clientId": "client-1", "account": "acct-1", "strategy": "balanced"})
	require.Equal(t, http.StatusCreated, w.Code)
	b := decodeBatch(t, w)

	w = doRequest(t, s, "POST", fmt.Sprintf("/api/v1/batches/%s/dry-run", b.ID),
		map[string]string{"clientId": "client-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result batch.DryRunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Valid)
}

func TestRecommendationsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/api/v1/recommendations",
		map[string]string{"clientId": "client-1", "account": "acct-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var recs types.Recommendations
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	assert.Equal(t, "acct-1", recs.Account)
}
