package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/cnop/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	balances     map[string]*model.CashBalance
	holdings     map[string]*model.AssetHolding // keyed username/assetID
	transactions []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*model.CashBalance),
		holdings: make(map[string]*model.AssetHolding),
	}
}

func holdingMapKey(username, assetID string) string {
	return username + "/" + assetID
}

func (s *MemoryStore) GetBalance(_ context.Context, username string) (*model.CashBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[username]
	if !ok {
		// Unknown users have an implicit zero balance at version 0.
		return &model.CashBalance{Username: username, Amount: decimal.Zero}, nil
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, username, assetID string) (*model.AssetHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingMapKey(username, assetID)]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", username, assetID, ErrNotFound)
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, username string, includeZero bool) ([]model.AssetHolding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holdings []model.AssetHolding
	for _, h := range s.holdings {
		if h.Username != username {
			continue
		}
		if h.Quantity.IsZero() && !includeZero {
			continue
		}
		holdings = append(holdings, *h)
	}
	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].AssetID < holdings[j].AssetID
	})
	return holdings, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, username string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.Username == username {
			result = append(result, tx)
		}
	}
	return result, nil
}

// Apply validates both version checks before mutating anything, so a
// conflict leaves the store untouched.
func (s *MemoryStore) Apply(_ context.Context, cs ChangeSet) error {
	if cs.Balance == nil || cs.Transaction == nil {
		return fmt.Errorf("store: change set requires balance and transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.balances[cs.Balance.Username]; ok {
		if current.Version != cs.Balance.Version {
			return fmt.Errorf("balance %s: %w", cs.Balance.Username, ErrVersionConflict)
		}
	} else if cs.Balance.Version != 0 {
		return fmt.Errorf("balance %s: %w", cs.Balance.Username, ErrVersionConflict)
	}

	if cs.Holding != nil {
		key := holdingMapKey(cs.Holding.Username, cs.Holding.AssetID)
		if current, ok := s.holdings[key]; ok {
			if current.Version != cs.Holding.Version {
				return fmt.Errorf("holding %s: %w", key, ErrVersionConflict)
			}
		} else if cs.Holding.Version != 0 {
			return fmt.Errorf("holding %s: %w", key, ErrVersionConflict)
		}
	}

	// All checks passed; commit the whole set.
	newBalance := *cs.Balance
	newBalance.Version++
	s.balances[newBalance.Username] = &newBalance

	if cs.Holding != nil {
		newHolding := *cs.Holding
		newHolding.Version++
		s.holdings[holdingMapKey(newHolding.Username, newHolding.AssetID)] = &newHolding
	}

	s.transactions = append(s.transactions, *cs.Transaction)
	return nil
}
