package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cnop/ledger-engine/internal/model"
	"github.com/cnop/ledger-engine/internal/oracle"
	"github.com/cnop/ledger-engine/internal/store"
)

// Projector builds read-only portfolio summaries by joining ledger
// holdings with oracle prices. It never mutates state and does not take
// the user lock, so a summary can interleave with concurrent trades and
// reflects whatever committed state its reads observed.
type Projector struct {
	store      store.Store
	oracle     oracle.PriceOracle
	unitPlaces int32
}

// NewProjector creates a projector valuing holdings in the given
// currency. Empty currency selects USD.
func NewProjector(st store.Store, po oracle.PriceOracle, currency string) *Projector {
	if currency == "" {
		currency = "USD"
	}
	return &Projector{
		store:      st,
		oracle:     po,
		unitPlaces: currencyPlaces(currency),
	}
}

// Portfolio values the user's cash and non-zero holdings at current
// oracle prices. Unknown users get an all-zero summary. A price failure
// for any held asset fails the whole projection with ErrPriceUnavailable;
// with a CachedOracle in front, short outages are absorbed by stale
// prices before that happens.
func (p *Projector) Portfolio(ctx context.Context, username string) (*model.PortfolioSummary, error) {
	balance, err := p.store.GetBalance(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: read balance: %v", ErrPersistence, err)
	}
	holdings, err := p.store.ListHoldings(ctx, username, false)
	if err != nil {
		return nil, fmt.Errorf("%w: read holdings: %v", ErrPersistence, err)
	}

	total := balance.Amount
	values := make([]model.HoldingValue, 0, len(holdings))
	for _, h := range holdings {
		price, err := p.oracle.GetPrice(ctx, h.AssetID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, h.AssetID, err)
		}
		value := h.Quantity.Mul(price).RoundBank(p.unitPlaces)
		total = total.Add(value)
		values = append(values, model.HoldingValue{
			AssetID:     h.AssetID,
			Quantity:    h.Quantity,
			UnitPrice:   price,
			MarketValue: value,
		})
	}

	// Allocation needs the final total, so percentages come in a second
	// pass. An empty portfolio keeps every percentage at zero.
	hundred := decimal.NewFromInt(100)
	for i := range values {
		if total.IsPositive() {
			values[i].AllocationPct = values[i].MarketValue.Div(total).Mul(hundred).Round(2)
		}
	}

	return &model.PortfolioSummary{
		Username:    username,
		CashBalance: balance.Amount,
		Holdings:    values,
		AssetCount:  len(values),
		TotalValue:  total,
	}, nil
}
