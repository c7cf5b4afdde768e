package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cnop/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, username string) (*model.CashBalance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(username)).Bytes()
	if err == nil {
		var b model.CashBalance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, username)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceKey(username), data, s.ttl)
	}
	return b, nil
}

func (s *CachedStore) GetHolding(ctx context.Context, username, assetID string) (*model.AssetHolding, error) {
	data, err := s.rdb.Get(ctx, holdingKey(username, assetID)).Bytes()
	if err == nil {
		var h model.AssetHolding
		if json.Unmarshal(data, &h) == nil {
			return &h, nil
		}
	}

	h, err := s.primary.GetHolding(ctx, username, assetID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(h); err == nil {
		s.rdb.Set(ctx, holdingKey(username, assetID), data, s.ttl)
	}
	return h, nil
}

func (s *CachedStore) ListHoldings(ctx context.Context, username string, includeZero bool) ([]model.AssetHolding, error) {
	data, err := s.rdb.Get(ctx, holdingsKey(username, includeZero)).Bytes()
	if err == nil {
		var holdings []model.AssetHolding
		if json.Unmarshal(data, &holdings) == nil {
			return holdings, nil
		}
	}

	holdings, err := s.primary.ListHoldings(ctx, username, includeZero)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(holdings); err == nil {
		s.rdb.Set(ctx, holdingsKey(username, includeZero), data, s.ttl)
	}
	return holdings, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTransactions(ctx context.Context, username string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, username)
}

// --- Atomic commit (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, cs ChangeSet) error {
	if err := s.primary.Apply(ctx, cs); err != nil {
		return err
	}

	// Invalidate everything the change set touched; next read re-populates.
	keys := []string{
		balanceKey(cs.Balance.Username),
		holdingsKey(cs.Balance.Username, false),
		holdingsKey(cs.Balance.Username, true),
	}
	if cs.Holding != nil {
		keys = append(keys, holdingKey(cs.Holding.Username, cs.Holding.AssetID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Cache keys ---

func balanceKey(username string) string { return fmt.Sprintf("balance:%s", username) }

func holdingKey(username, assetID string) string {
	return fmt.Sprintf("holding:%s:%s", username, assetID)
}

func holdingsKey(username string, includeZero bool) string {
	if includeZero {
		return fmt.Sprintf("holdings:%s:all", username)
	}
	return fmt.Sprintf("holdings:%s", username)
}
