// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType identifies the kind of ledger mutation a transaction records.
type TransactionType string

// Supported transaction types. Market orders move cash against an asset
// holding; deposits and withdrawals move cash only.
const (
	TypeMarketBuy  TransactionType = "market_buy"
	TypeMarketSell TransactionType = "market_sell"
	TypeDeposit    TransactionType = "deposit"
	TypeWithdraw   TransactionType = "withdraw"
)

// IsMarketOrder reports whether the type trades an asset against cash.
func (t TransactionType) IsMarketOrder() bool {
	return t == TypeMarketBuy || t == TypeMarketSell
}

// TransactionStatus is the lifecycle state of a recorded transaction.
// Rejected orders never reach the ledger, so every stored transaction
// is completed.
type TransactionStatus string

// StatusCompleted marks a transaction whose balance and holding effects
// are durable.
const StatusCompleted TransactionStatus = "completed"

// CashBalance is a user's spendable cash position in the ledger currency.
// Version increments on every committed mutation and backs optimistic
// concurrency control in the store.
type CashBalance struct {
	Username  string          `json:"username" db:"username"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Version   int64           `json:"version" db:"version"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// AssetHolding is the quantity of one asset a user owns. A holding row is
// kept once created, even at zero quantity, so the version history of the
// position survives full sells.
type AssetHolding struct {
	Username  string          `json:"username" db:"username"`
	AssetID   string          `json:"asset_id" db:"asset_id"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Version   int64           `json:"version" db:"version"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of a committed ledger mutation.
// Once created, these are never modified or deleted.
// TotalAmount always equals Quantity × UnitPrice rounded to the currency's
// minor unit; for deposits and withdrawals UnitPrice is 1.
type Transaction struct {
	TransactionID string            `json:"transaction_id" db:"transaction_id"`
	Username      string            `json:"username" db:"username"`
	AssetID       string            `json:"asset_id" db:"asset_id"`
	Type          TransactionType   `json:"type" db:"type"`
	Quantity      decimal.Decimal   `json:"quantity" db:"quantity"`
	UnitPrice     decimal.Decimal   `json:"unit_price" db:"unit_price"`
	TotalAmount   decimal.Decimal   `json:"total_amount" db:"total_amount"`
	Status        TransactionStatus `json:"status" db:"status"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// HoldingValue is one asset line in a portfolio summary, marked to the
// price observed at projection time.
type HoldingValue struct {
	AssetID       string          `json:"asset_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	AllocationPct decimal.Decimal `json:"allocation_pct"` // % of total portfolio value
}

// PortfolioSummary aggregates a user's cash and holdings into one view.
// TotalValue = CashBalance + Σ MarketValue over all holdings.
type PortfolioSummary struct {
	Username    string          `json:"username"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Holdings    []HoldingValue  `json:"holdings"`
	AssetCount  int             `json:"asset_count"`
	TotalValue  decimal.Decimal `json:"total_value"`
}
