// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/cnop/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by Apply when a record changed after
	// the caller read it. The caller re-reads and retries.
	ErrVersionConflict = errors.New("store: version conflict")
)

// ChangeSet is the unit of durability for one ledger mutation: the new
// cash balance, the new asset holding (nil for deposits and withdrawals),
// and the transaction recording the change. Apply persists all of it or
// none of it.
//
// Balance.Version and Holding.Version carry the version the caller
// observed when it read the records (0 for a record that did not exist).
// Apply writes the new state with version+1, or fails with
// ErrVersionConflict if the stored version no longer matches.
type ChangeSet struct {
	Balance     *model.CashBalance
	Holding     *model.AssetHolding
	Transaction *model.Transaction
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Reads ---

	// GetBalance returns the user's cash balance. Users with no balance
	// row get a zero balance with Version 0, not an error.
	GetBalance(ctx context.Context, username string) (*model.CashBalance, error)

	// GetHolding returns one asset holding, or ErrNotFound.
	GetHolding(ctx context.Context, username, assetID string) (*model.AssetHolding, error)

	// ListHoldings returns the user's holdings sorted by asset ID.
	// Zero-quantity rows are skipped unless includeZero is set.
	ListHoldings(ctx context.Context, username string, includeZero bool) ([]model.AssetHolding, error)

	// ListTransactions returns the user's transaction history, oldest first.
	ListTransactions(ctx context.Context, username string) ([]model.Transaction, error)

	// --- Atomic commit ---

	// Apply persists a change set as a single atomic unit under the
	// version check described on ChangeSet.
	Apply(ctx context.Context, cs ChangeSet) error
}
