// Package types provides configuration types for the portfolio engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClientConfig holds the per-client thresholds and limits every analysis and
// validation step runs against.
type ClientConfig struct {
	ClientID string `json:"clientId"`

	// Drift thresholds
	PositionDriftThreshold  float64 `json:"positionDriftThreshold"`  // per-position, fraction
	PortfolioDriftThreshold float64 `json:"portfolioDriftThreshold"` // aggregate, fraction

	// Risk limits
	MaxPositionSize float64         `json:"maxPositionSize"` // max weight per position
	MaxPositions    int             `json:"maxPositions"`
	MinCashBalance  decimal.Decimal `json:"minCashBalance"`

	// Trading behavior
	MinHoldingDays     int             `json:"minHoldingDays"`
	TransactionCostBps int64           `json:"transactionCostBps"` // per leg
	MinTradeValue      decimal.Decimal `json:"minTradeValue"`

	// Tax
	MarginalTaxRate    float64 `json:"marginalTaxRate"`
	LongTermTaxRate    float64 `json:"longTermTaxRate"`
	WashSaleWindowDays int     `json:"washSaleWindowDays"`

	// Sector constraints: max weight per sector, empty = unconstrained.
	SectorLimits map[string]float64 `json:"sectorLimits,omitempty"`
}

// DefaultClientConfig returns the platform defaults applied when a client has
// no explicit overrides.
func DefaultClientConfig(clientID string) ClientConfig {
	return ClientConfig{
		ClientID:                clientID,
		PositionDriftThreshold:  0.03,
		PortfolioDriftThreshold: 0.05,
		MaxPositionSize:         0.10,
		MaxPositions:            50,
		MinCashBalance:          decimal.NewFromInt(500),
		MinHoldingDays:          30,
		TransactionCostBps:      10,
		MinTradeValue:           decimal.NewFromInt(100),
		MarginalTaxRate:         0.24,
		LongTermTaxRate:         0.15,
		WashSaleWindowDays:      30,
	}
}

// RecentTrade is the slice of trade history the wash-sale check needs.
type RecentTrade struct {
	Symbol string    `json:"symbol"`
	Action Side      `json:"action"`
	Date   time.Time `json:"date"`
}
