package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cnop/ledger-engine/internal/api"
	"github.com/cnop/ledger-engine/internal/asset"
	"github.com/cnop/ledger-engine/internal/config"
	"github.com/cnop/ledger-engine/internal/ledger"
	"github.com/cnop/ledger-engine/internal/metrics"
	"github.com/cnop/ledger-engine/internal/oracle"
	"github.com/cnop/ledger-engine/internal/order"
	"github.com/cnop/ledger-engine/internal/store"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "", "Path to environment files")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis.url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var po oracle.PriceOracle
	if cfg.Oracle.BaseURL != "" {
		po = oracle.NewCachedOracle(
			oracle.NewHTTPOracle(cfg.Oracle.BaseURL, cfg.Oracle.MaxElapsed),
			cfg.Oracle.CacheTTL,
		)
		slog.Info("price oracle configured", "base_url", cfg.Oracle.BaseURL)
	} else {
		slog.Warn("oracle.base_url not set, using static development prices")
		po = oracle.NewStaticOracle(map[string]decimal.Decimal{
			"BTC": decimal.NewFromInt(50000),
			"ETH": decimal.NewFromInt(3000),
			"SOL": decimal.NewFromInt(150),
		})
	}

	// --- Order validation ---
	maxQty, err := decimal.NewFromString(cfg.Ledger.MaxOrderQuantity)
	if err != nil {
		slog.Error("invalid ledger.max_order_quantity", "err", err)
		os.Exit(1)
	}
	var allowed *asset.List
	if len(cfg.Ledger.Assets) > 0 {
		allowed, err = asset.NewList(cfg.Ledger.Assets)
		if err != nil {
			slog.Error("invalid ledger.assets", "err", err)
			os.Exit(1)
		}
	}
	validator := order.NewValidator(maxQty, allowed)

	// --- Ledger engine ---
	eng := ledger.NewEngine(st, po, ledger.Options{
		Currency:     cfg.Ledger.Currency,
		LockTimeout:  cfg.Ledger.LockTimeout,
		ApplyRetries: cfg.Ledger.ApplyRetries,
	})
	projector := ledger.NewProjector(st, po, cfg.Ledger.Currency)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- API service ---
	svc := api.NewService(validator, eng, projector, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time transaction updates.
		r.Get("/ws", wsHub.HandleWS)

		// Order execution and funding.
		r.Post("/orders", svc.PlaceOrder)
		r.Post("/deposits", svc.Deposit)
		r.Post("/withdrawals", svc.Withdraw)

		// Account queries.
		r.Route("/users/{username}", func(r chi.Router) {
			r.Get("/balance", svc.GetBalance)
			r.Get("/holdings", svc.ListHoldings)
			r.Get("/holdings/{assetID}", svc.GetHolding)
			r.Get("/transactions", svc.ListTransactions)
			r.Get("/portfolio", svc.GetPortfolio)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
