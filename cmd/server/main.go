package main

import (
	"context"
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

	"github.com/veilhedge/ledger-engine/internal/gateway"
	"github.com/veilhedge/ledger-engine/internal/ledger"
	"github.com/veilhedge/ledger-engine/internal/manifest"
	"github.com/veilhedge/ledger-engine/internal/metrics"
	"github.com/veilhedge/ledger-engine/internal/price"
	"github.com/veilhedge/ledger-engine/internal/reconcile"
	"github.com/veilhedge/ledger-engine/internal/relay"
	"github.com/veilhedge/ledger-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	rpcURL := os.Getenv("RPC_URL")
	contractAddr := os.Getenv("CONTRACT_ADDRESS")
	if rpcURL == "" || contractAddr == "" {
		slog.Error("RPC_URL and CONTRACT_ADDRESS are required")
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger gateway ---
	gw := gateway.New(gateway.DefaultConfig(), logger)
	reader := ledger.NewClient(ledger.Config{
		RPCURL:          rpcURL,
		ContractAddress: contractAddr,
	})

	// --- Static fallback manifest ---
	manifestPairs, err := manifest.Load(os.Getenv("MANIFEST_PATH"))
	if err != nil {
		slog.Error("manifest load failed", "err", err)
		os.Exit(1)
	}
	if len(manifestPairs) > 0 {
		slog.Info("fallback manifest loaded", "pairs", len(manifestPairs))
	}

	// --- Price feed ---
	feedURL := os.Getenv("PRICE_FEED_URL")
	var feed price.Feed
	if feedURL != "" {
		feed = price.NewHTTPFeed(feedURL, 10*time.Second)
	} else {
		slog.Warn("PRICE_FEED_URL not set, active hedges will use static reference prices")
		feed = price.Unavailable{}
	}

	// --- Reconciliation pipeline ---
	cfg := reconcile.DefaultConfig()
	cfg.RelayerAddress = os.Getenv("RELAYER_ADDRESS")
	pipeline := reconcile.New(cfg, gw, reader, st, feed, manifestPairs, logger)

	// --- WebSocket hub ---
	hub := relay.NewHub()
	go hub.Run()

	// --- Relay boundary service ---
	svc := relay.NewService(pipeline, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		// WebSocket endpoint for real-time settlement updates.
		r.Get("/ws", hub.HandleWS)

		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", port, "contract", contractAddr)
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

	// Let in-flight cache writebacks finish.
	pipeline.Drain()
	fmt.Println("ledger-engine stopped")
}
