package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// StaticOracle serves prices from a fixed in-memory table. Used for
// testing and development; unknown assets map to ErrUnavailable.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates a static oracle seeded with the given prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	s := &StaticOracle{prices: make(map[string]decimal.Decimal, len(prices))}
	for id, p := range prices {
		s.prices[id] = p
	}
	return s
}

func (s *StaticOracle) GetPrice(_ context.Context, assetID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[assetID]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnavailable, assetID)
	}
	return p, nil
}

// SetPrice updates or adds a price, for tests that move the market.
func (s *StaticOracle) SetPrice(assetID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[assetID] = price
}

// RemovePrice delists an asset, for tests that simulate oracle gaps.
func (s *StaticOracle) RemovePrice(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, assetID)
}
