// Package services defines the external collaborators the engine consumes:
// the prediction/allocation service, the positions/pricing service, and the
// brokerage execution service. The engine never talks to a broker or a model
// directly; it only sees these interfaces.
package services

import (
	"context"
	"errors"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no last price is known for a ticker.
// Callers treat it as recoverable and fall back to last-known-good values.
var ErrPriceUnavailable = errors.New("services: price unavailable")

// AllocationService supplies model outputs: target weights per strategy and
// per-ticker return scores.
type AllocationService interface {
	GetTargetAllocation(ctx context.Context, clientID, strategy string) (map[string]float64, error)
	GetScore(ctx context.Context, ticker string) (float64, error)
	GetUniverse(ctx context.Context) ([]ScoredTicker, error)
}

// ScoredTicker is one entry of the scored model universe.
type ScoredTicker struct {
	Ticker string          `json:"ticker"`
	Score  float64         `json:"score"`
	Sector string          `json:"sector"`
	Price  decimal.Decimal `json:"price"`
}

// PricingService supplies brokerage positions and last prices.
type PricingService interface {
	GetCurrentPositions(ctx context.Context, account string) (*types.Portfolio, error)
	GetLastPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// OrderRequest is one order submission. RequestID is client-supplied so the
// execution service can deduplicate retries.
type OrderRequest struct {
	RequestID string          `json:"requestId"`
	Account   string          `json:"account"`
	Symbol    string          `json:"symbol"`
	Side      types.Side      `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	OrderType string          `json:"orderType"`
}

// OrderResponse is the broker's acknowledgment of one order.
type OrderResponse struct {
	OrderID   string            `json:"orderId"`
	Status    types.TradeStatus `json:"status"`
	FillPrice decimal.Decimal   `json:"fillPrice"`
	FilledQty decimal.Decimal   `json:"filledQty"`
}

// ExecutionService submits orders to the brokerage. Implementations must be
// idempotent under retry with the same request id.
type ExecutionService interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
}
