package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperExecutionConfig configures the paper broker.
type PaperExecutionConfig struct {
	SlippageBps int64 // applied against the order: buys fill higher, sells lower
}

// PaperExecution is an in-memory ExecutionService that fills orders at the
// last known price with configurable slippage. Used in paper-trading mode and
// in tests. Submissions are idempotent by request id.
type PaperExecution struct {
	logger  *zap.Logger
	config  PaperExecutionConfig
	pricing PricingService

	mu        sync.Mutex
	responses map[string]OrderResponse // by request id

	// RejectSymbols forces per-symbol rejections, for failure-path tests.
	RejectSymbols map[string]bool
}

// NewPaperExecution creates a paper execution service.
func NewPaperExecution(logger *zap.Logger, config PaperExecutionConfig, pricing PricingService) *PaperExecution {
	return &PaperExecution{
		logger:        logger.Named("paper-exec"),
		config:        config,
		pricing:       pricing,
		responses:     make(map[string]OrderResponse),
		RejectSymbols: make(map[string]bool),
	}
}

// SubmitOrder fills the order at last price adjusted for slippage. Replayed
// request ids return the original response without a second fill.
func (p *PaperExecution) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if resp, ok := p.responses[req.RequestID]; ok {
		return resp, nil
	}

	if p.RejectSymbols[req.Symbol] {
		resp := OrderResponse{
			OrderID: uuid.NewString(),
			Status:  types.TradeStatusRejected,
		}
		p.responses[req.RequestID] = resp
		return resp, nil
	}

	price, err := p.pricing.GetLastPrice(ctx, req.Symbol)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("paper fill for %s: %w", req.Symbol, err)
	}

	slip := price.Mul(decimal.NewFromInt(p.config.SlippageBps)).Div(decimal.NewFromInt(10000))
	fill := price
	switch req.Side {
	case types.SideBuy:
		fill = price.Add(slip)
	case types.SideSell:
		fill = price.Sub(slip)
	}

	resp := OrderResponse{
		OrderID:   uuid.NewString(),
		Status:    types.TradeStatusFilled,
		FillPrice: fill,
		FilledQty: req.Quantity,
	}
	p.responses[req.RequestID] = resp

	p.logger.Debug("paper order filled",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("fill", fill.String()))

	return resp, nil
}
