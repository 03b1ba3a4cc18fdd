// Package types provides shared type definitions for the portfolio engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// BatchStatus represents the lifecycle state of an order batch.
type BatchStatus string

const (
	BatchStatusPendingApproval BatchStatus = "pending_approval"
	BatchStatusApproved        BatchStatus = "approved"
	BatchStatusRejected        BatchStatus = "rejected"
	BatchStatusDryRunValidated BatchStatus = "dry_run_validated"
	BatchStatusExecuting       BatchStatus = "executing"
	BatchStatusExecuted        BatchStatus = "executed"
)

// IsTerminal reports whether a batch in this status can never change again.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusExecuted || s == BatchStatusRejected
}

// TradeStatus represents the state of a single trade within a batch.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusSubmitted TradeStatus = "submitted"
	TradeStatusFilled    TradeStatus = "filled"
	TradeStatusPartial   TradeStatus = "partial"
	TradeStatusRejected  TradeStatus = "rejected"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// IsTerminal reports whether a trade has reached a final state.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeStatusFilled, TradeStatusPartial, TradeStatusRejected, TradeStatusCancelled:
		return true
	}
	return false
}

// VolatilityRegime buckets realized volatility.
type VolatilityRegime string

const (
	VolLow     VolatilityRegime = "low"
	VolMedium  VolatilityRegime = "medium"
	VolHigh    VolatilityRegime = "high"
	VolExtreme VolatilityRegime = "extreme"
)

// TrendRegime buckets the market trend.
type TrendRegime string

const (
	TrendBull     TrendRegime = "bull"
	TrendBear     TrendRegime = "bear"
	TrendSideways TrendRegime = "sideways"
)

// Priority ranks a recommendation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Position is an immutable snapshot of one holding, owned by the analysis
// run that computed it.
type Position struct {
	Ticker             string          `json:"ticker"`
	Quantity           decimal.Decimal `json:"quantity"`
	CurrentPrice       decimal.Decimal `json:"currentPrice"`
	MarketValue        decimal.Decimal `json:"marketValue"`
	CurrentWeight      float64         `json:"currentWeight"`
	TargetWeight       float64         `json:"targetWeight"`
	CostBasis          decimal.Decimal `json:"costBasis"`
	UnrealizedGainLoss decimal.Decimal `json:"unrealizedGainLoss"`
	DaysHeld           int             `json:"daysHeld"`
	Sector             string          `json:"sector"`
}

// Portfolio is the snapshot an analysis run or batch works against.
type Portfolio struct {
	Account     string          `json:"account"`
	Positions   []Position      `json:"positions"`
	CashBalance decimal.Decimal `json:"cashBalance"`
	TotalValue  decimal.Decimal `json:"totalValue"`
	AsOf        time.Time       `json:"asOf"`
}

// CashWeight returns cash as a fraction of total portfolio value.
func (p *Portfolio) CashWeight() float64 {
	if p.TotalValue.IsZero() {
		return 0
	}
	w, _ := p.CashBalance.Div(p.TotalValue).Float64()
	return w
}

// Position returns the position for a ticker, or nil if not held.
func (p *Portfolio) Position(ticker string) *Position {
	for i := range p.Positions {
		if p.Positions[i].Ticker == ticker {
			return &p.Positions[i]
		}
	}
	return nil
}

// DriftEntry is the per-position output of the drift analyzer. Derived,
// read-only, one per position per analysis run.
type DriftEntry struct {
	Ticker           string  `json:"ticker"`
	CurrentWeight    float64 `json:"currentWeight"`
	TargetWeight     float64 `json:"targetWeight"`
	Drift            float64 `json:"drift"`
	ExceedsThreshold bool    `json:"exceedsThreshold"`
}

// MarketRegimeRecord is the append-only daily regime classification.
// Never mutated after creation.
type MarketRegimeRecord struct {
	Date             time.Time        `json:"date"`
	VolatilityRegime VolatilityRegime `json:"volatilityRegime"`
	TrendRegime      TrendRegime      `json:"trendRegime"`
	RegimeLabel      string           `json:"regimeLabel"`
	RegimeConfidence float64          `json:"regimeConfidence"`
}

// StrategyPerformance is a trailing performance snapshot for one strategy.
type StrategyPerformance struct {
	Strategy        string  `json:"strategy"`
	Return          float64 `json:"return"`
	BenchmarkReturn float64 `json:"benchmarkReturn"`
	Sharpe          float64 `json:"sharpe"`
	MaxDrawdown     float64 `json:"maxDrawdown"`
	WinRate         float64 `json:"winRate"`
}

// StrategySelection is the immutable daily strategy pick.
type StrategySelection struct {
	Date                time.Time             `json:"date"`
	SelectedStrategy    string                `json:"selectedStrategy"`
	SelectionConfidence float64               `json:"selectionConfidence"`
	MarketRegime        string                `json:"marketRegime"`
	RecentPerformance   []StrategyPerformance `json:"recentPerformance"`
	Degraded            bool                  `json:"degraded"`
}

// SwapRecommendation proposes selling one held ticker and buying another.
// Transient; generated per analysis run.
type SwapRecommendation struct {
	SellTicker          string          `json:"sellTicker"`
	BuyTicker           string          `json:"buyTicker"`
	Reason              string          `json:"reason"`
	ExpectedImprovement decimal.Decimal `json:"expectedImprovement"`
	SellScore           float64         `json:"sellScore"`
	BuyScore            float64         `json:"buyScore"`
	TaxImpact           decimal.Decimal `json:"taxImpact"`
	TransactionCost     decimal.Decimal `json:"transactionCost"`
	NetBenefit          decimal.Decimal `json:"netBenefit"`
	Priority            Priority        `json:"priority"`
}

// TaxHarvestOpportunity proposes realizing a loss for its tax deduction.
type TaxHarvestOpportunity struct {
	Ticker         string          `json:"ticker"`
	UnrealizedLoss decimal.Decimal `json:"unrealizedLoss"`
	TaxBenefit     decimal.Decimal `json:"taxBenefit"`
	MarketValue    decimal.Decimal `json:"marketValue"`
	Recommendation string          `json:"recommendation"`

	// WashSaleRisk is set when the ticker was bought inside the wash-sale
	// window; the loss would be disallowed if harvested and re-bought. The
	// caller must clear this against trade history before acting.
	WashSaleRisk    bool       `json:"washSaleRisk"`
	WashSaleBlocked *time.Time `json:"washSaleBlockedUntil,omitempty"`
}

// Trade is one leg of an order batch. It never exists outside a batch.
type Trade struct {
	Symbol          string          `json:"symbol"`
	Action          Side            `json:"action"`
	Quantity        decimal.Decimal `json:"quantity"`
	CurrentQuantity decimal.Decimal `json:"currentQuantity"`
	TargetQuantity  decimal.Decimal `json:"targetQuantity"`
	EstimatedValue  decimal.Decimal `json:"estimatedValue"`
	EstimatedPrice  decimal.Decimal `json:"estimatedPrice"`
	Reason          string          `json:"reason"`
}

// ExecutionResult records the outcome of one trade submission.
type ExecutionResult struct {
	Symbol        string          `json:"symbol"`
	Action        Side            `json:"action"`
	Status        TradeStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	FillPrice     decimal.Decimal `json:"fillPrice"`
	BrokerOrderID string          `json:"brokerOrderId,omitempty"`
	RequestID     string          `json:"requestId"`
	Error         string          `json:"error,omitempty"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// OrderBatch is the unit of work for one proposed rebalance. Mutated only
// through the lifecycle manager's defined transitions; terminal batches are
// immutable.
type OrderBatch struct {
	ID               string             `json:"id"`
	ClientID         string             `json:"clientId"`
	Account          string             `json:"account"`
	Strategy         string             `json:"strategy"`
	Status           BatchStatus        `json:"status"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	CurrentPortfolio *Portfolio         `json:"currentPortfolio"`
	TargetAllocation map[string]float64 `json:"targetAllocation"`
	Trades           []Trade            `json:"trades"`
	ExecutionResults []ExecutionResult  `json:"executionResults,omitempty"`
	RejectReason     string             `json:"rejectReason,omitempty"`
}

// FullySucceeded reports whether every trade in an executed batch filled
// completely. A false return on an executed batch means partial execution.
func (b *OrderBatch) FullySucceeded() bool {
	if b.Status != BatchStatusExecuted {
		return false
	}
	for _, r := range b.ExecutionResults {
		if r.Status != TradeStatusFilled {
			return false
		}
	}
	return true
}

// HealthReport is the output of a per-account health analysis.
type HealthReport struct {
	Account             string       `json:"account"`
	DriftEntries        []DriftEntry `json:"driftEntries"`
	MaxDrift            float64      `json:"maxDrift"`
	AvgDrift            float64      `json:"avgDrift"`
	PortfolioDrift      float64      `json:"portfolioDrift"`
	CountExceeding      int          `json:"countExceeding"`
	UnderperformerCount int          `json:"underperformerCount"`
	MaxConcentration    float64      `json:"maxConcentration"`
	HealthScore         float64      `json:"healthScore"`
	NeedsRebalance      bool         `json:"needsRebalance"`
	GeneratedAt         time.Time    `json:"generatedAt"`
}

// Recommendations bundles the two recommendation streams for one run.
type Recommendations struct {
	Account     string                  `json:"account"`
	Swaps       []SwapRecommendation    `json:"swaps"`
	TaxHarvests []TaxHarvestOpportunity `json:"taxHarvests"`
	GeneratedAt time.Time               `json:"generatedAt"`
}
