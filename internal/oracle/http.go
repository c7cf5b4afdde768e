package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// HTTPOracle fetches prices from an external price service over HTTP.
// Expected endpoint: GET {baseURL}/v1/prices/{assetID} returning
// {"asset_id":"BTC","price_usd":"50000.00"}. Prices travel as decimal
// strings to avoid float rounding on the wire.
type HTTPOracle struct {
	baseURL    string
	client     *http.Client
	maxElapsed time.Duration
}

// priceResponse is the upstream wire format.
type priceResponse struct {
	AssetID  string `json:"asset_id"`
	PriceUSD string `json:"price_usd"`
}

// NewHTTPOracle creates an HTTP price client. maxElapsed bounds the total
// time spent on retries per lookup; zero selects a 5s default.
func NewHTTPOracle(baseURL string, maxElapsed time.Duration) *HTTPOracle {
	if maxElapsed <= 0 {
		maxElapsed = 5 * time.Second
	}
	return &HTTPOracle{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxElapsed: maxElapsed,
	}
}

// GetPrice looks up the current USD price for assetID. Network failures
// and 5xx/429 responses are retried with exponential backoff; a 404 is
// permanent and maps to ErrUnavailable.
func (o *HTTPOracle) GetPrice(ctx context.Context, assetID string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/v1/prices/%s", o.baseURL, url.PathEscape(assetID))

	var price decimal.Decimal
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("price service request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			// Parsed below.
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: unknown asset %s", ErrUnavailable, assetID))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("price service status %d", resp.StatusCode)
		default:
			body, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body)))
		}

		var pr priceResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			return backoff.Permanent(fmt.Errorf("decode price response: %w", err))
		}

		p, err := decimal.NewFromString(pr.PriceUSD)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("parse price %q: %w", pr.PriceUSD, err))
		}
		if !p.IsPositive() {
			return backoff.Permanent(fmt.Errorf("%w: non-positive price %s for %s", ErrUnavailable, p, assetID))
		}

		price = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = o.maxElapsed
	b.RandomizationFactor = 0.5 // jitter to prevent thundering herd

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return decimal.Decimal{}, fmt.Errorf("get price for %s: %w", assetID, err)
	}
	return price, nil
}
