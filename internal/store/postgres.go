package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cnop/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Tables:
//
//	cash_balances  (username PK, amount NUMERIC, version BIGINT, updated_at)
//	asset_holdings (username, asset_id, quantity NUMERIC, version BIGINT,
//	                updated_at, PRIMARY KEY (username, asset_id))
//	transactions   (seq BIGSERIAL, transaction_id PK, username, asset_id,
//	                type, quantity NUMERIC, unit_price NUMERIC,
//	                total_amount NUMERIC, status, created_at)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetBalance(ctx context.Context, username string) (*model.CashBalance, error) {
	var b model.CashBalance
	var amount string

	err := s.pool.QueryRow(ctx,
		`SELECT username, amount::TEXT, version, updated_at
		 FROM cash_balances WHERE username = $1`, username).
		Scan(&b.Username, &amount, &b.Version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Unknown users have an implicit zero balance at version 0.
		return &model.CashBalance{Username: username, Amount: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", username, err)
	}

	b.Amount, err = parseDecimal("amount", amount)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, username, assetID string) (*model.AssetHolding, error) {
	var h model.AssetHolding
	var quantity string

	err := s.pool.QueryRow(ctx,
		`SELECT username, asset_id, quantity::TEXT, version, updated_at
		 FROM asset_holdings WHERE username = $1 AND asset_id = $2`,
		username, assetID).
		Scan(&h.Username, &h.AssetID, &quantity, &h.Version, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("holding %s/%s: %w", username, assetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", username, assetID, err)
	}

	h.Quantity, err = parseDecimal("quantity", quantity)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, username string, includeZero bool) ([]model.AssetHolding, error) {
	query := `SELECT username, asset_id, quantity::TEXT, version, updated_at
	          FROM asset_holdings WHERE username = $1`
	if !includeZero {
		query += ` AND quantity <> 0`
	}
	query += ` ORDER BY asset_id`

	rows, err := s.pool.Query(ctx, query, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.AssetHolding
	for rows.Next() {
		var h model.AssetHolding
		var quantity string
		if err := rows.Scan(&h.Username, &h.AssetID, &quantity, &h.Version, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Quantity, err = parseDecimal("quantity", quantity)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, username string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id, username, asset_id, type,
		        quantity::TEXT, unit_price::TEXT, total_amount::TEXT,
		        status, created_at
		 FROM transactions WHERE username = $1 ORDER BY seq`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var quantity, unitPrice, total string

		if err := rows.Scan(&tx.TransactionID, &tx.Username, &tx.AssetID, &tx.Type,
			&quantity, &unitPrice, &total, &tx.Status, &tx.CreatedAt); err != nil {
			return nil, err
		}

		if tx.Quantity, err = parseDecimal("quantity", quantity); err != nil {
			return nil, err
		}
		if tx.UnitPrice, err = parseDecimal("unit_price", unitPrice); err != nil {
			return nil, err
		}
		if tx.TotalAmount, err = parseDecimal("total_amount", total); err != nil {
			return nil, err
		}

		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// Apply runs the whole change set in one database transaction. Version
// checks ride on the upserts: an UPDATE guarded by the observed version
// affects zero rows on conflict, which rolls the transaction back.
func (s *PostgresStore) Apply(ctx context.Context, cs ChangeSet) error {
	if cs.Balance == nil || cs.Transaction == nil {
		return fmt.Errorf("store: change set requires balance and transaction")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := applyBalance(ctx, tx, cs.Balance); err != nil {
		return err
	}
	if cs.Holding != nil {
		if err := applyHolding(ctx, tx, cs.Holding); err != nil {
			return err
		}
	}

	t := cs.Transaction
	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (transaction_id, username, asset_id, type, quantity, unit_price, total_amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		t.TransactionID, t.Username, t.AssetID, t.Type,
		t.Quantity.String(), t.UnitPrice.String(), t.TotalAmount.String(),
		t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.TransactionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}
	committed = true
	return nil
}

func applyBalance(ctx context.Context, tx pgx.Tx, b *model.CashBalance) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO cash_balances (username, amount, version, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (username) DO UPDATE
		 SET amount = EXCLUDED.amount, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		 WHERE cash_balances.version = $5`,
		b.Username, b.Amount.String(), b.Version+1, b.UpdatedAt, b.Version,
	)
	if err != nil {
		return fmt.Errorf("apply balance %s: %w", b.Username, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance %s: %w", b.Username, ErrVersionConflict)
	}
	return nil
}

func applyHolding(ctx context.Context, tx pgx.Tx, h *model.AssetHolding) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO asset_holdings (username, asset_id, quantity, version, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (username, asset_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		 WHERE asset_holdings.version = $6`,
		h.Username, h.AssetID, h.Quantity.String(), h.Version+1, h.UpdatedAt, h.Version,
	)
	if err != nil {
		return fmt.Errorf("apply holding %s/%s: %w", h.Username, h.AssetID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("holding %s/%s: %w", h.Username, h.AssetID, ErrVersionConflict)
	}
	return nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return d, nil
}
