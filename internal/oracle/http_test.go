package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func priceHandler(assetID, price string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"asset_id":%q,"price_usd":%q}`, assetID, price)
	}
}

func TestHTTPOracle_GetPrice(t *testing.T) {
	srv := httptest.NewServer(priceHandler("BTC", "50000.00"))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 2*time.Second)
	price, err := o.GetPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("50000.00")) {
		t.Errorf("expected price=50000.00, got %s", price)
	}
}

func TestHTTPOracle_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		priceHandler("ETH", "3000").ServeHTTP(w, r)
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 10*time.Second)
	price, err := o.GetPrice(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if !price.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("expected price=3000, got %s", price)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPOracle_UnknownAssetIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 10*time.Second)
	_, err := o.GetPrice(context.Background(), "NOPE")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 should not be retried, got %d attempts", calls.Load())
	}
}

func TestHTTPOracle_RejectsBadPrice(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not a number", `{"asset_id":"BTC","price_usd":"fifty"}`},
		{"zero", `{"asset_id":"BTC","price_usd":"0"}`},
		{"negative", `{"asset_id":"BTC","price_usd":"-1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			o := NewHTTPOracle(srv.URL, 2*time.Second)
			if _, err := o.GetPrice(context.Background(), "BTC"); err == nil {
				t.Error("expected error for bad price payload")
			}
		})
	}
}

func TestHTTPOracle_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError) // always retryable
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	o := NewHTTPOracle(srv.URL, time.Minute)
	start := time.Now()
	_, err := o.GetPrice(ctx, "BTC")
	if err == nil {
		t.Fatal("expected error after context timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("lookup should stop promptly when the context ends")
	}
}
