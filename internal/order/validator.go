// Package order validates raw order requests before they reach the ledger
// engine. Validation is purely structural: it never consults balances,
// holdings, or prices, so a validated order can still be rejected at
// execution time for insufficient funds.
package order

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cnop/ledger-engine/internal/asset"
	"github.com/cnop/ledger-engine/internal/model"
)

// Request is an unvalidated order intent as received from a client.
// Quantity arrives as a decimal string on the wire; non-numeric input is
// rejected during JSON decoding before it ever reaches the validator.
type Request struct {
	Username string          `json:"username"`
	AssetID  string          `json:"asset_id"`
	Type     string          `json:"type"` // "market_buy" or "market_sell"
	Quantity decimal.Decimal `json:"quantity"`
}

// Validated is an order that passed all structural checks. AssetID is in
// canonical form and Type is one of the market order types.
type Validated struct {
	Username string
	AssetID  string
	Type     model.TransactionType
	Quantity decimal.Decimal
}

// ValidationError reports the first request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order: invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validator checks order requests against structural rules and the
// configured trading limits.
type Validator struct {
	maxQuantity decimal.Decimal // non-positive → no cap
	allowed     *asset.List     // nil → all well-formed assets tradable
}

// NewValidator creates a validator. maxQuantity caps the per-order
// quantity; pass zero to disable the cap. allowed restricts tradable
// assets; pass nil to allow any well-formed identifier.
func NewValidator(maxQuantity decimal.Decimal, allowed *asset.List) *Validator {
	return &Validator{
		maxQuantity: maxQuantity,
		allowed:     allowed,
	}
}

// Validate checks fields in a fixed order (username, asset, type,
// quantity) and reports the first failure, so equivalent bad requests
// always produce the same error.
func (v *Validator) Validate(req Request) (Validated, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return Validated{}, invalid("username", "must not be empty")
	}

	assetID, err := asset.Normalize(req.AssetID)
	if err != nil {
		return Validated{}, invalid("asset_id", "%v", err)
	}
	if err := v.allowed.Check(assetID); err != nil {
		return Validated{}, invalid("asset_id", "%v", err)
	}

	var orderType model.TransactionType
	switch model.TransactionType(req.Type) {
	case model.TypeMarketBuy:
		orderType = model.TypeMarketBuy
	case model.TypeMarketSell:
		orderType = model.TypeMarketSell
	default:
		return Validated{}, invalid("type", "must be %s or %s, got %q",
			model.TypeMarketBuy, model.TypeMarketSell, req.Type)
	}

	if !req.Quantity.IsPositive() {
		return Validated{}, invalid("quantity", "must be positive, got %s", req.Quantity)
	}
	if v.maxQuantity.IsPositive() && req.Quantity.GreaterThan(v.maxQuantity) {
		return Validated{}, invalid("quantity", "exceeds maximum %s", v.maxQuantity)
	}

	return Validated{
		Username: username,
		AssetID:  assetID,
		Type:     orderType,
		Quantity: req.Quantity,
	}, nil
}
