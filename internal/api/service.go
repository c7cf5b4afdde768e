// Package api provides the HTTP handlers for placing orders, funding
// accounts, and querying balances, holdings, and portfolios.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cnop/ledger-engine/internal/asset"
	"github.com/cnop/ledger-engine/internal/ledger"
	"github.com/cnop/ledger-engine/internal/metrics"
	"github.com/cnop/ledger-engine/internal/model"
	"github.com/cnop/ledger-engine/internal/order"
	"github.com/cnop/ledger-engine/internal/store"
)

// Service handles ledger API operations. Serialization and retry policy
// live in the engine; handlers only translate outcomes to HTTP.
type Service struct {
	validator *order.Validator
	engine    *ledger.Engine
	projector *ledger.Projector
	wsHub     *WSHub // optional WebSocket hub for transaction broadcasts
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(v *order.Validator, eng *ledger.Engine, proj *ledger.Projector, hub *WSHub) *Service {
	return &Service{
		validator: v,
		engine:    eng,
		projector: proj,
		wsHub:     hub,
	}
}

// --- Request/Response types ---

// FundingRequest is the JSON body for deposits and withdrawals.
type FundingRequest struct {
	Username string          `json:"username"`
	Amount   decimal.Decimal `json:"amount"`
}

// --- HTTP Handlers ---

// PlaceOrder handles POST /api/v1/orders
// Validates the order, executes it against the ledger, and returns the
// committed transaction or the rejection reason.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	validated, err := s.validator.Validate(req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	res, err := s.engine.ApplyOrder(r.Context(), validated)
	metrics.OrderLatency.WithLabelValues(string(validated.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.OrdersTotal.WithLabelValues(string(validated.Type), "failed").Inc()
		writeLedgerError(w, err)
		return
	}
	if !res.Committed() {
		metrics.OrdersTotal.WithLabelValues(string(validated.Type), "rejected").Inc()
		metrics.RejectionsTotal.WithLabelValues(string(res.Reason)).Inc()
		writeRejection(w, res)
		return
	}
	metrics.OrdersTotal.WithLabelValues(string(validated.Type), "committed").Inc()

	// Broadcast the committed transaction via WebSocket.
	if s.wsHub != nil {
		s.wsHub.Broadcast(transactionMessage(res.Transaction))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res.Transaction)
}

// Deposit handles POST /api/v1/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.engine.Deposit, "deposit")
}

// Withdraw handles POST /api/v1/withdrawals
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFunding(w, r, s.engine.Withdraw, "withdraw")
}

type fundingFunc func(ctx context.Context, username string, amount decimal.Decimal) (ledger.Result, error)

func (s *Service) handleFunding(w http.ResponseWriter, r *http.Request, apply fundingFunc, kind string) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := apply(r.Context(), req.Username, req.Amount)
	if err != nil {
		metrics.FundingTotal.WithLabelValues(kind, "failed").Inc()
		writeLedgerError(w, err)
		return
	}
	if !res.Committed() {
		metrics.FundingTotal.WithLabelValues(kind, "rejected").Inc()
		metrics.RejectionsTotal.WithLabelValues(string(res.Reason)).Inc()
		writeRejection(w, res)
		return
	}
	metrics.FundingTotal.WithLabelValues(kind, "committed").Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(transactionMessage(res.Transaction))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res.Transaction)
}

// GetBalance handles GET /api/v1/users/{username}/balance
// Unknown users read as a zero balance.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	balance, err := s.engine.Balance(r.Context(), username)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balance)
}

// ListHoldings handles GET /api/v1/users/{username}/holdings
// Zero-quantity rows are hidden unless ?include_zero=true is set.
func (s *Service) ListHoldings(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	includeZero := r.URL.Query().Get("include_zero") == "true"

	holdings, err := s.engine.Holdings(r.Context(), username, includeZero)
	if err != nil {
		writeError(w, "failed to list holdings", http.StatusInternalServerError)
		return
	}
	if holdings == nil {
		holdings = []model.AssetHolding{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(holdings)
}

// GetHolding handles GET /api/v1/users/{username}/holdings/{assetID}
func (s *Service) GetHolding(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	assetID, err := asset.Normalize(chi.URLParam(r, "assetID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	holding, err := s.engine.Holding(r.Context(), username, assetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "holding not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load holding", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(holding)
}

// ListTransactions handles GET /api/v1/users/{username}/transactions
// Returns the user's immutable transaction history, oldest first.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	txs, err := s.engine.Transactions(r.Context(), username)
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(txs)
}

// GetPortfolio handles GET /api/v1/users/{username}/portfolio
// Returns cash, holdings valued at current prices, and allocations.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	summary, err := s.projector.Portfolio(r.Context(), username)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// --- Error mapping ---

// writeLedgerError maps engine errors to HTTP statuses. Transient
// failures get 503 with Retry-After so clients know the order may
// succeed on resubmission.
func writeLedgerError(w http.ResponseWriter, err error) {
	var verr *order.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrPriceUnavailable),
		errors.Is(err, ledger.ErrPersistence),
		errors.Is(err, ledger.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvariantViolation):
		writeError(w, "internal ledger error", http.StatusInternalServerError)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeRejection writes a business rejection as 409 with the reason.
func writeRejection(w http.ResponseWriter, res ledger.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  res.Message,
		"reason": string(res.Reason),
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
