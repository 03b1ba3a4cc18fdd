package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// StaticPricing is an in-memory PricingService backed by fixed snapshots.
// Used in paper mode and tests; production deployments plug in the real
// brokerage adapter.
type StaticPricing struct {
	mu         sync.RWMutex
	portfolios map[string]*types.Portfolio
	prices     map[string]decimal.Decimal
}

// NewStaticPricing creates an empty static pricing service.
func NewStaticPricing() *StaticPricing {
	return &StaticPricing{
		portfolios: make(map[string]*types.Portfolio),
		prices:     make(map[string]decimal.Decimal),
	}
}

// SetPortfolio installs the snapshot returned for an account.
func (s *StaticPricing) SetPortfolio(account string, p *types.Portfolio) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolios[account] = p
}

// SetPrice installs the last price for a ticker.
func (s *StaticPricing) SetPrice(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = price
}

func (s *StaticPricing) GetCurrentPositions(ctx context.Context, account string) (*types.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.portfolios[account]
	if !ok {
		return nil, fmt.Errorf("no positions for account %s", account)
	}
	return p, nil
}

func (s *StaticPricing) GetLastPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, ticker)
	}
	return price, nil
}

// StaticAllocation is an in-memory AllocationService.
type StaticAllocation struct {
	mu          sync.RWMutex
	allocations map[string]map[string]float64 // key: clientID/strategy
	universe    []ScoredTicker
}

// NewStaticAllocation creates an empty static allocation service.
func NewStaticAllocation() *StaticAllocation {
	return &StaticAllocation{
		allocations: make(map[string]map[string]float64),
	}
}

// SetAllocation installs a target allocation for a client/strategy pair.
func (s *StaticAllocation) SetAllocation(clientID, strategy string, alloc map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[clientID+"/"+strategy] = alloc
}

// SetUniverse installs the scored universe.
func (s *StaticAllocation) SetUniverse(universe []ScoredTicker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.universe = universe
}

func (s *StaticAllocation) GetTargetAllocation(ctx context.Context, clientID, strategy string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alloc, ok := s.allocations[clientID+"/"+strategy]
	if !ok {
		return nil, fmt.Errorf("no allocation for client %s strategy %s", clientID, strategy)
	}
	return alloc, nil
}

func (s *StaticAllocation) GetScore(ctx context.Context, ticker string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.universe {
		if st.Ticker == ticker {
			return st.Score, nil
		}
	}
	return 0, fmt.Errorf("no score for ticker %s", ticker)
}

func (s *StaticAllocation) GetUniverse(ctx context.Context) ([]ScoredTicker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScoredTicker, len(s.universe))
	copy(out, s.universe)
	return out, nil
}
