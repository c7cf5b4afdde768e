package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cnop/ledger-engine/internal/model"
	"github.com/cnop/ledger-engine/internal/oracle"
	"github.com/cnop/ledger-engine/internal/order"
	"github.com/cnop/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEngine wires an engine over the in-memory store and a static
// price oracle (BTC at 50000, ETH at 3000).
func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *oracle.StaticOracle) {
	t.Helper()
	ms := store.NewMemoryStore()
	po := oracle.NewStaticOracle(map[string]decimal.Decimal{
		"BTC": d(50000),
		"ETH": d(3000),
	})
	return NewEngine(ms, po, Options{}), ms, po
}

func seedBalance(t *testing.T, e *Engine, username string, amount float64) {
	t.Helper()
	res, err := e.Deposit(context.Background(), username, d(amount))
	if err != nil {
		t.Fatalf("seed deposit for %s: %v", username, err)
	}
	if !res.Committed() {
		t.Fatalf("seed deposit for %s rejected: %s", username, res.Message)
	}
}

func buyOrder(username, assetID string, qty float64) order.Validated {
	return order.Validated{Username: username, AssetID: assetID, Type: model.TypeMarketBuy, Quantity: d(qty)}
}

func sellOrder(username, assetID string, qty float64) order.Validated {
	return order.Validated{Username: username, AssetID: assetID, Type: model.TypeMarketSell, Quantity: d(qty)}
}

// --- Order execution ---

func TestApplyOrder_BuyCommits(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 1000)

	res, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.01))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Committed() {
		t.Fatalf("expected commit, got rejection %s: %s", res.Reason, res.Message)
	}

	tx := res.Transaction
	if tx.Type != model.TypeMarketBuy {
		t.Errorf("expected type=market_buy, got %s", tx.Type)
	}
	if !tx.UnitPrice.Equal(d(50000)) {
		t.Errorf("expected unit_price=50000, got %s", tx.UnitPrice)
	}
	if !tx.TotalAmount.Equal(d(500)) {
		t.Errorf("expected total=500, got %s", tx.TotalAmount)
	}
	if tx.Status != model.StatusCompleted {
		t.Errorf("expected status=completed, got %s", tx.Status)
	}

	balance, err := e.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !balance.Amount.Equal(d(500)) {
		t.Errorf("expected balance=500 after buy, got %s", balance.Amount)
	}

	holding, err := e.Holding(ctx, "alice", "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !holding.Quantity.Equal(d(0.01)) {
		t.Errorf("expected holding=0.01, got %s", holding.Quantity)
	}

	txs, err := e.Transactions(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txs) != 2 { // seed deposit + buy
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[1].TransactionID != tx.TransactionID {
		t.Error("committed transaction missing from history")
	}
}

func TestApplyOrder_InsufficientFunds(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 100)

	res, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.01)) // needs 500
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if res.Committed() {
		t.Fatal("expected rejection, got commit")
	}
	if res.Reason != ReasonInsufficientFunds {
		t.Errorf("expected reason=insufficient_funds, got %s", res.Reason)
	}

	// The rejection left no trace.
	balance, _ := e.Balance(ctx, "alice")
	if !balance.Amount.Equal(d(100)) {
		t.Errorf("balance must be unchanged, got %s", balance.Amount)
	}
	if _, err := e.Holding(ctx, "alice", "BTC"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("no holding may be created, got %v", err)
	}
	txs, _ := e.Transactions(ctx, "alice")
	if len(txs) != 1 { // only the seed deposit
		t.Errorf("rejected order must not be recorded, got %d transactions", len(txs))
	}
}

func TestApplyOrder_ExactBalanceAllowed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 500)

	res, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.01)) // costs exactly 500
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Committed() {
		t.Fatalf("buy costing the full balance must commit, got %s: %s", res.Reason, res.Message)
	}

	balance, _ := e.Balance(ctx, "alice")
	if !balance.Amount.IsZero() {
		t.Errorf("expected zero balance, got %s", balance.Amount)
	}
}

func TestApplyOrder_InsufficientHoldings(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 10000)

	if _, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.02)); err != nil {
		t.Fatalf("setup buy failed: %v", err)
	}

	res, err := e.ApplyOrder(ctx, sellOrder("alice", "BTC", 0.03))
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if res.Committed() {
		t.Fatal("expected rejection, got commit")
	}
	if res.Reason != ReasonInsufficientHoldings {
		t.Errorf("expected reason=insufficient_holdings, got %s", res.Reason)
	}

	holding, _ := e.Holding(ctx, "alice", "BTC")
	if !holding.Quantity.Equal(d(0.02)) {
		t.Errorf("holding must be unchanged, got %s", holding.Quantity)
	}
}

func TestApplyOrder_SellNeverOwned(t *testing.T) {
	e, _, _ := newTestEngine(t)
	seedBalance(t, e, "alice", 1000)

	res, err := e.ApplyOrder(context.Background(), sellOrder("alice", "ETH", 1))
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if res.Reason != ReasonInsufficientHoldings {
		t.Errorf("selling a never-owned asset must reject, got %s", res.Reason)
	}
}

func TestApplyOrder_SellToZeroKeepsRow(t *testing.T) {
	e, _, po := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 1000)

	if _, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.02)); err != nil {
		t.Fatalf("setup buy failed: %v", err)
	}

	// Price moved down before the sell.
	po.SetPrice("BTC", d(40000))

	res, err := e.ApplyOrder(ctx, sellOrder("alice", "BTC", 0.02))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Committed() {
		t.Fatalf("expected commit, got %s: %s", res.Reason, res.Message)
	}
	if !res.Transaction.TotalAmount.Equal(d(800)) {
		t.Errorf("expected sell proceeds 800, got %s", res.Transaction.TotalAmount)
	}

	balance, _ := e.Balance(ctx, "alice")
	if !balance.Amount.Equal(d(800)) { // 1000 - 1000 + 800
		t.Errorf("expected balance=800, got %s", balance.Amount)
	}

	// The zero row survives but is hidden from default listings.
	holding, err := e.Holding(ctx, "alice", "BTC")
	if err != nil {
		t.Fatalf("zero holding must remain readable: %v", err)
	}
	if !holding.Quantity.IsZero() {
		t.Errorf("expected zero quantity, got %s", holding.Quantity)
	}

	visible, _ := e.Holdings(ctx, "alice", false)
	if len(visible) != 0 {
		t.Errorf("zero holdings must be hidden by default, got %d", len(visible))
	}
	all, _ := e.Holdings(ctx, "alice", true)
	if len(all) != 1 {
		t.Errorf("expected 1 holding with zero rows included, got %d", len(all))
	}
}

func TestApplyOrder_RepurchaseAfterSellout(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 10000)

	if _, err := e.ApplyOrder(ctx, buyOrder("alice", "ETH", 1)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := e.ApplyOrder(ctx, sellOrder("alice", "ETH", 1)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	res, err := e.ApplyOrder(ctx, buyOrder("alice", "ETH", 2))
	if err != nil {
		t.Fatalf("repurchase failed: %v", err)
	}
	if !res.Committed() {
		t.Fatalf("expected commit, got %s", res.Reason)
	}

	holding, _ := e.Holding(ctx, "alice", "ETH")
	if !holding.Quantity.Equal(d(2)) {
		t.Errorf("expected quantity=2, got %s", holding.Quantity)
	}
}

func TestApplyOrder_BankersRounding(t *testing.T) {
	e, _, po := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 100)

	// 1 × 2.245 = 2.245: the half-cent rounds to the even cent, 2.24.
	po.SetPrice("BTC", decimal.RequireFromString("2.245"))
	res, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Transaction.TotalAmount.Equal(decimal.RequireFromString("2.24")) {
		t.Errorf("expected total=2.24, got %s", res.Transaction.TotalAmount)
	}

	// 1 × 2.255 = 2.255: rounds up to the even cent, 2.26.
	po.SetPrice("BTC", decimal.RequireFromString("2.255"))
	res, err = e.ApplyOrder(ctx, buyOrder("alice", "BTC", 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Transaction.TotalAmount.Equal(decimal.RequireFromString("2.26")) {
		t.Errorf("expected total=2.26, got %s", res.Transaction.TotalAmount)
	}
}

func TestApplyOrder_PriceUnavailable(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 1000)

	_, err := e.ApplyOrder(ctx, buyOrder("alice", "DOGE", 1))
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}

	balance, _ := e.Balance(ctx, "alice")
	if !balance.Amount.Equal(d(1000)) {
		t.Errorf("failed order must leave balance unchanged, got %s", balance.Amount)
	}
}

func TestApplyOrder_RejectsNonMarketType(t *testing.T) {
	e, _, _ := newTestEngine(t)

	ord := order.Validated{Username: "alice", AssetID: "BTC", Type: model.TypeDeposit, Quantity: d(1)}
	if _, err := e.ApplyOrder(context.Background(), ord); err == nil {
		t.Fatal("expected error for non-market order type")
	}
}

// --- Concurrency ---

func TestApplyOrder_ConcurrentBuysExactlyOneCommits(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 600) // each buy costs 500, both would need 1000

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.01))
		}(i)
	}
	wg.Wait()

	committed, refused := 0, 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("unexpected error: %v", errs[i])
		}
		if results[i].Committed() {
			committed++
		} else if results[i].Reason == ReasonInsufficientFunds {
			refused++
		}
	}
	if committed != 1 || refused != 1 {
		t.Fatalf("expected exactly one commit and one rejection, got %d commits, %d rejections", committed, refused)
	}

	balance, _ := e.Balance(ctx, "alice")
	if !balance.Amount.Equal(d(100)) {
		t.Errorf("expected balance=100, got %s", balance.Amount)
	}
	holding, _ := e.Holding(ctx, "alice", "BTC")
	if !holding.Quantity.Equal(d(0.01)) {
		t.Errorf("expected holding=0.01, got %s", holding.Quantity)
	}
}

func TestApplyOrder_DifferentUsersRunInParallel(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	users := []string{"alice", "bob", "carol", "dave"}
	for _, u := range users {
		seedBalance(t, e, u, 1000)
	}

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				if _, err := e.ApplyOrder(ctx, buyOrder(u, "BTC", 0.001)); err != nil {
					t.Errorf("order for %s: %v", u, err)
				}
			}(u)
		}
	}
	wg.Wait()

	for _, u := range users {
		balance, _ := e.Balance(ctx, u)
		if !balance.Amount.Equal(d(750)) { // 1000 - 5×50
			t.Errorf("%s: expected balance=750, got %s", u, balance.Amount)
		}
		holding, _ := e.Holding(ctx, u, "BTC")
		if !holding.Quantity.Equal(d(0.005)) {
			t.Errorf("%s: expected holding=0.005, got %s", u, holding.Quantity)
		}
	}
}

func TestApplyOrder_LockTimeout(t *testing.T) {
	ms := store.NewMemoryStore()
	po := oracle.NewStaticOracle(map[string]decimal.Decimal{"BTC": d(50000)})
	e := NewEngine(ms, po, Options{LockTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	seedBalance(t, e, "alice", 1000)

	// Hold alice's lock so the order cannot enter its critical section.
	release, err := e.locks.acquire(ctx, "alice")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.01))
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	release()

	// With the lock free the same order commits.
	res, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.01))
	if err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
	if !res.Committed() {
		t.Fatalf("expected commit, got %s", res.Reason)
	}
}

// --- Store failure handling ---

// faultStore fails Apply with a fixed error a set number of times, then
// delegates to the wrapped store.
type faultStore struct {
	store.Store
	err       error
	failCount int
}

func (f *faultStore) Apply(ctx context.Context, cs store.ChangeSet) error {
	if f.failCount != 0 {
		if f.failCount > 0 {
			f.failCount--
		}
		return f.err
	}
	return f.Store.Apply(ctx, cs)
}

func TestApplyOrder_PersistenceFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	po := oracle.NewStaticOracle(map[string]decimal.Decimal{"BTC": d(50000)})
	fs := &faultStore{Store: ms, err: errors.New("connection reset"), failCount: -1}
	e := NewEngine(fs, po, Options{})
	ctx := context.Background()

	// Seed the underlying store directly since Apply always fails.
	seedEngine := NewEngine(ms, po, Options{})
	seedBalance(t, seedEngine, "alice", 1000)

	_, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.01))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	// Nothing may have been committed by the failed attempt.
	balance, _ := ms.GetBalance(ctx, "alice")
	if !balance.Amount.Equal(d(1000)) {
		t.Errorf("balance must be unchanged, got %s", balance.Amount)
	}
	txs, _ := ms.ListTransactions(ctx, "alice")
	if len(txs) != 1 {
		t.Errorf("expected only the seed transaction, got %d", len(txs))
	}
}

func TestApplyOrder_RetriesVersionConflicts(t *testing.T) {
	ms := store.NewMemoryStore()
	po := oracle.NewStaticOracle(map[string]decimal.Decimal{"BTC": d(50000)})
	fs := &faultStore{Store: ms, err: store.ErrVersionConflict, failCount: 2}
	e := NewEngine(fs, po, Options{})
	ctx := context.Background()

	seedEngine := NewEngine(ms, po, Options{})
	seedBalance(t, seedEngine, "alice", 1000)

	res, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.01))
	if err != nil {
		t.Fatalf("expected retries to absorb two conflicts, got %v", err)
	}
	if !res.Committed() {
		t.Fatalf("expected commit, got %s", res.Reason)
	}
}

func TestApplyOrder_ConflictRetriesExhausted(t *testing.T) {
	ms := store.NewMemoryStore()
	po := oracle.NewStaticOracle(map[string]decimal.Decimal{"BTC": d(50000)})
	fs := &faultStore{Store: ms, err: store.ErrVersionConflict, failCount: -1}
	e := NewEngine(fs, po, Options{ApplyRetries: 2})
	ctx := context.Background()

	seedEngine := NewEngine(ms, po, Options{})
	seedBalance(t, seedEngine, "alice", 1000)

	_, err := e.ApplyOrder(ctx, buyOrder("alice", "BTC", 0.01))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence after exhausted retries, got %v", err)
	}
}

// --- Funding operations ---

func TestDeposit_CreatesBalanceAndTransaction(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Deposit(ctx, "alice", d(250.50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Committed() {
		t.Fatalf("expected commit, got %s", res.Reason)
	}

	tx := res.Transaction
	if tx.Type != model.TypeDeposit {
		t.Errorf("expected type=deposit, got %s", tx.Type)
	}
	if tx.AssetID != "USD" {
		t.Errorf("expected asset=USD for funding, got %s", tx.AssetID)
	}
	if !tx.UnitPrice.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected unit_price=1, got %s", tx.UnitPrice)
	}

	balance, _ := e.Balance(ctx, "alice")
	if !balance.Amount.Equal(d(250.50)) {
		t.Errorf("expected balance=250.50, got %s", balance.Amount)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedBalance(t, e, "alice", 100)

	res, err := e.Withdraw(ctx, "alice", d(100.01))
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if res.Committed() {
		t.Fatal("expected rejection")
	}
	if res.Reason != ReasonInsufficientFunds {
		t.Errorf("expected reason=insufficient_funds, got %s", res.Reason)
	}

	// Withdrawing the full balance is fine.
	res, err = e.Withdraw(ctx, "alice", d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Committed() {
		t.Fatalf("full-balance withdrawal must commit, got %s", res.Reason)
	}
	balance, _ := e.Balance(ctx, "alice")
	if !balance.Amount.IsZero() {
		t.Errorf("expected zero balance, got %s", balance.Amount)
	}
}

func TestFunding_RejectsBadAmounts(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		amount decimal.Decimal
	}{
		{"zero", decimal.Zero},
		{"negative", d(-10)},
		{"rounds to zero", decimal.RequireFromString("0.004")},
	}
	for _, tt := range tests {
		_, err := e.Deposit(ctx, "alice", tt.amount)
		var verr *order.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %v", tt.name, err)
		}
	}

	_, err := e.Deposit(ctx, "  ", d(10))
	var verr *order.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("blank username: expected ValidationError, got %v", err)
	}
}
