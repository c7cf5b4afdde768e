// Package ledger implements the transactional core of the order
// processor: validated orders become atomic cash and holding updates with
// an immutable transaction trail. Mutations for one user are serialized
// on a per-user lock; persistence conflicts are retried with backoff.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cnop/ledger-engine/internal/model"
	"github.com/cnop/ledger-engine/internal/oracle"
	"github.com/cnop/ledger-engine/internal/order"
	"github.com/cnop/ledger-engine/internal/store"
)

var (
	// ErrPriceUnavailable is returned when the price oracle cannot produce
	// a price. The order had no effect and may be retried.
	ErrPriceUnavailable = errors.New("ledger: price unavailable")

	// ErrPersistence is returned when the store fails or version conflicts
	// persist past the retry budget. The order had no effect.
	ErrPersistence = errors.New("ledger: persistence failure")

	// ErrLockTimeout is returned when the per-user lock could not be
	// acquired within the configured timeout.
	ErrLockTimeout = errors.New("ledger: timed out waiting for user lock")

	// ErrInvariantViolation is returned when a computed post-state would
	// be negative despite passing the sufficiency check. Nothing is
	// committed; this indicates a bug, not a user error.
	ErrInvariantViolation = errors.New("ledger: balance invariant violated")
)

// RejectionReason classifies terminal business rejections.
type RejectionReason string

const (
	ReasonInsufficientFunds    RejectionReason = "insufficient_funds"
	ReasonInsufficientHoldings RejectionReason = "insufficient_holdings"
)

// Result is the outcome of a ledger mutation: either a committed
// transaction or a terminal business rejection. Exactly one of
// Transaction and Reason is set. Transient infrastructure failures are
// returned as errors instead, so callers never confuse "retry this" with
// "the user cannot afford this".
type Result struct {
	Transaction *model.Transaction
	Reason      RejectionReason
	Message     string
}

// Committed reports whether the mutation was durably applied.
func (r Result) Committed() bool { return r.Transaction != nil }

func rejected(reason RejectionReason, format string, args ...any) Result {
	return Result{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Options tunes engine behavior. The zero value selects USD, a 5s lock
// timeout, and 3 conflict retries.
type Options struct {
	Currency     string        // ISO 4217 code of the cash ledger
	LockTimeout  time.Duration // max wait for the per-user lock
	ApplyRetries uint64        // version-conflict retries per mutation
}

// Engine executes ledger mutations. All methods are safe for concurrent
// use; mutations for the same user are serialized internally.
type Engine struct {
	store  store.Store
	oracle oracle.PriceOracle
	locks  *userLocks

	currency    string
	unitPlaces  int32
	lockTimeout time.Duration
	maxRetries  uint64
}

// NewEngine creates an engine over the given store and price oracle.
func NewEngine(st store.Store, po oracle.PriceOracle, opts Options) *Engine {
	currency := opts.Currency
	if currency == "" {
		currency = "USD"
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	maxRetries := opts.ApplyRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &Engine{
		store:       st,
		oracle:      po,
		locks:       newUserLocks(),
		currency:    currency,
		unitPlaces:  currencyPlaces(currency),
		lockTimeout: lockTimeout,
		maxRetries:  maxRetries,
	}
}

// currencyPlaces looks up the minor-unit count for an ISO currency code,
// falling back to 2 for codes go-money does not know.
func currencyPlaces(code string) int32 {
	if c := money.GetCurrency(code); c != nil {
		return int32(c.Fraction)
	}
	return 2
}

// --- Order execution ---

// ApplyOrder executes a validated market order. The unit price is
// captured once up front and reused for the sufficiency check, the
// balance and holding deltas, and the recorded transaction, so one order
// always sees one price. Business rejections come back in the Result;
// transient failures (price lookup, persistence, lock wait) come back as
// errors with the ledger unchanged.
func (e *Engine) ApplyOrder(ctx context.Context, ord order.Validated) (Result, error) {
	if !ord.Type.IsMarketOrder() {
		return Result{}, fmt.Errorf("ledger: %q is not a market order type", ord.Type)
	}

	price, err := e.oracle.GetPrice(ctx, ord.AssetID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, ord.AssetID, err)
	}
	total := ord.Quantity.Mul(price).RoundBank(e.unitPlaces)

	return e.mutate(ctx, ord.Username, func(ctx context.Context) (Result, error) {
		return e.applyOrderOnce(ctx, ord, price, total)
	})
}

// applyOrderOnce runs one read-check-apply pass. A version conflict from
// the store surfaces unwrapped so mutate can retry with fresh reads.
func (e *Engine) applyOrderOnce(ctx context.Context, ord order.Validated, price, total decimal.Decimal) (Result, error) {
	balance, err := e.store.GetBalance(ctx, ord.Username)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read balance: %v", ErrPersistence, err)
	}

	holding, err := e.store.GetHolding(ctx, ord.Username, ord.AssetID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: read holding: %v", ErrPersistence, err)
		}
		holding = &model.AssetHolding{Username: ord.Username, AssetID: ord.AssetID, Quantity: decimal.Zero}
	}

	var newAmount, newQuantity decimal.Decimal
	switch ord.Type {
	case model.TypeMarketBuy:
		// Spending the entire balance is allowed; only a shortfall rejects.
		if balance.Amount.LessThan(total) {
			return rejected(ReasonInsufficientFunds,
				"balance %s is less than required %s", balance.Amount, total), nil
		}
		newAmount = balance.Amount.Sub(total)
		newQuantity = holding.Quantity.Add(ord.Quantity)
	case model.TypeMarketSell:
		if holding.Quantity.LessThan(ord.Quantity) {
			return rejected(ReasonInsufficientHoldings,
				"%s holding %s is less than requested %s", ord.AssetID, holding.Quantity, ord.Quantity), nil
		}
		newQuantity = holding.Quantity.Sub(ord.Quantity)
		newAmount = balance.Amount.Add(total)
	default:
		return Result{}, fmt.Errorf("ledger: unsupported order type %q", ord.Type)
	}

	if newAmount.IsNegative() || newQuantity.IsNegative() {
		slog.Error("refusing to commit negative ledger state",
			"user", ord.Username,
			"asset", ord.AssetID,
			"new_balance", newAmount.String(),
			"new_quantity", newQuantity.String(),
		)
		return Result{}, fmt.Errorf("%w: user %s asset %s", ErrInvariantViolation, ord.Username, ord.AssetID)
	}

	now := time.Now().UTC()
	tx := &model.Transaction{
		TransactionID: uuid.New().String(),
		Username:      ord.Username,
		AssetID:       ord.AssetID,
		Type:          ord.Type,
		Quantity:      ord.Quantity,
		UnitPrice:     price,
		TotalAmount:   total,
		Status:        model.StatusCompleted,
		CreatedAt:     now,
	}

	cs := store.ChangeSet{
		Balance: &model.CashBalance{
			Username:  ord.Username,
			Amount:    newAmount,
			Version:   balance.Version,
			UpdatedAt: now,
		},
		Holding: &model.AssetHolding{
			Username:  ord.Username,
			AssetID:   ord.AssetID,
			Quantity:  newQuantity,
			Version:   holding.Version,
			UpdatedAt: now,
		},
		Transaction: tx,
	}

	if err := e.store.Apply(ctx, cs); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: apply order: %v", ErrPersistence, err)
	}

	slog.Info("order committed",
		"transaction_id", tx.TransactionID,
		"user", ord.Username,
		"asset", ord.AssetID,
		"type", string(ord.Type),
		"qty", ord.Quantity.String(),
		"unit_price", price.String(),
		"total", total.String(),
		"new_balance", newAmount.String(),
	)
	return Result{Transaction: tx}, nil
}

// --- Funding operations ---

// Deposit credits cash to the user's balance and records a deposit
// transaction. The amount is rounded to the currency's minor unit first.
func (e *Engine) Deposit(ctx context.Context, username string, amount decimal.Decimal) (Result, error) {
	return e.applyFunding(ctx, model.TypeDeposit, username, amount)
}

// Withdraw debits cash from the user's balance. Withdrawing more than
// the current balance is rejected with ReasonInsufficientFunds.
func (e *Engine) Withdraw(ctx context.Context, username string, amount decimal.Decimal) (Result, error) {
	return e.applyFunding(ctx, model.TypeWithdraw, username, amount)
}

func (e *Engine) applyFunding(ctx context.Context, typ model.TransactionType, username string, amount decimal.Decimal) (Result, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Result{}, &order.ValidationError{Field: "username", Message: "must not be empty"}
	}
	amount = amount.RoundBank(e.unitPlaces)
	if !amount.IsPositive() {
		return Result{}, &order.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("must be positive after rounding to %s precision", e.currency),
		}
	}

	return e.mutate(ctx, username, func(ctx context.Context) (Result, error) {
		return e.applyFundingOnce(ctx, typ, username, amount)
	})
}

func (e *Engine) applyFundingOnce(ctx context.Context, typ model.TransactionType, username string, amount decimal.Decimal) (Result, error) {
	balance, err := e.store.GetBalance(ctx, username)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read balance: %v", ErrPersistence, err)
	}

	var newAmount decimal.Decimal
	switch typ {
	case model.TypeDeposit:
		newAmount = balance.Amount.Add(amount)
	case model.TypeWithdraw:
		if balance.Amount.LessThan(amount) {
			return rejected(ReasonInsufficientFunds,
				"balance %s is less than requested %s", balance.Amount, amount), nil
		}
		newAmount = balance.Amount.Sub(amount)
	default:
		return Result{}, fmt.Errorf("ledger: unsupported funding type %q", typ)
	}

	now := time.Now().UTC()
	tx := &model.Transaction{
		TransactionID: uuid.New().String(),
		Username:      username,
		AssetID:       e.currency,
		Type:          typ,
		Quantity:      amount,
		UnitPrice:     decimal.NewFromInt(1),
		TotalAmount:   amount,
		Status:        model.StatusCompleted,
		CreatedAt:     now,
	}

	cs := store.ChangeSet{
		Balance: &model.CashBalance{
			Username:  username,
			Amount:    newAmount,
			Version:   balance.Version,
			UpdatedAt: now,
		},
		Transaction: tx,
	}

	if err := e.store.Apply(ctx, cs); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: apply %s: %v", ErrPersistence, typ, err)
	}

	slog.Info("funding committed",
		"transaction_id", tx.TransactionID,
		"user", username,
		"type", string(typ),
		"amount", amount.String(),
		"new_balance", newAmount.String(),
	)
	return Result{Transaction: tx}, nil
}

// --- Serialization and retries ---

// mutate runs attempt under the user's exclusive lock, retrying version
// conflicts with backoff. Conflicts are expected only when another
// engine instance writes the same user concurrently.
func (e *Engine) mutate(ctx context.Context, username string, attempt func(context.Context) (Result, error)) (Result, error) {
	release, err := e.lockUser(ctx, username)
	if err != nil {
		return Result{}, err
	}
	defer release()

	var result Result
	operation := func() error {
		res, err := attempt(ctx)
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				slog.Warn("ledger apply conflicted, retrying", "user", username)
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, e.maxRetries), ctx))
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return Result{}, fmt.Errorf("%w: version conflicts persisted after %d retries", ErrPersistence, e.maxRetries)
		}
		return Result{}, err
	}
	return result, nil
}

// lockUser acquires the per-user lock within the configured timeout.
// A parent context cancellation propagates as-is; only our own deadline
// maps to ErrLockTimeout.
func (e *Engine) lockUser(ctx context.Context, username string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	release, err := e.locks.acquire(lockCtx, username)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, username)
		}
		return nil, err
	}
	return release, nil
}

// --- Reads ---

// Balance returns the user's cash balance; unknown users read as zero.
func (e *Engine) Balance(ctx context.Context, username string) (*model.CashBalance, error) {
	return e.store.GetBalance(ctx, username)
}

// Holding returns one asset holding, or store.ErrNotFound.
func (e *Engine) Holding(ctx context.Context, username, assetID string) (*model.AssetHolding, error) {
	return e.store.GetHolding(ctx, username, assetID)
}

// Holdings returns the user's holdings, skipping zero-quantity rows
// unless includeZero is set.
func (e *Engine) Holdings(ctx context.Context, username string, includeZero bool) ([]model.AssetHolding, error) {
	return e.store.ListHoldings(ctx, username, includeZero)
}

// Transactions returns the user's transaction history, oldest first.
func (e *Engine) Transactions(ctx context.Context, username string) ([]model.Transaction, error) {
	return e.store.ListTransactions(ctx, username)
}
