// Package oracle provides current USD asset prices to the ledger engine.
// The HTTP client talks to an external price service; CachedOracle adds a
// TTL cache with stale fallback so transient outages degrade gracefully.
package oracle

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no price can be produced for an asset,
// either because the upstream has never heard of it or because the
// upstream is unreachable and no cached value exists.
var ErrUnavailable = errors.New("oracle: price unavailable")

// PriceOracle returns the current USD unit price for an asset. The
// identifier must already be in canonical form. Implementations never
// return a non-positive price with a nil error.
type PriceOracle interface {
	GetPrice(ctx context.Context, assetID string) (decimal.Decimal, error)
}
