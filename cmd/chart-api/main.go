// Package main provides the chart API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/smilecare/toothchart/internal/api/handlers"
	"github.com/smilecare/toothchart/internal/api/middleware"
	"github.com/smilecare/toothchart/internal/config"
	"github.com/smilecare/toothchart/internal/infrastructure/postgres"
	"github.com/smilecare/toothchart/internal/infrastructure/sqlite"
	"github.com/smilecare/toothchart/internal/observability/metrics"
	"github.com/smilecare/toothchart/internal/observability/tracing"
	"github.com/smilecare/toothchart/internal/persistence"
	"github.com/smilecare/toothchart/internal/session"
	"github.com/smilecare/toothchart/pkg/circuitbreaker"
	"github.com/smilecare/toothchart/pkg/idempotency"
)

func main() {
	configPath := flag.String("config", "", "directory containing toothchart.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tcfg := tracing.DefaultConfig("api")
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.OTLPEndpoint = cfg.Tracing.Endpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tcfg.Environment = cfg.Server.Environment
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	m := metrics.New()

	// Chart store
	var (
		store    persistence.ChartStore
		pool     *pgxpool.Pool
		pgStore  *postgres.ChartStore
		breaker  *circuitbreaker.CircuitBreaker
		checkers []readiness
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err = openPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()
		logger.Info("connected to database")

		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("schema setup failed", zap.Error(err))
		}

		bcfg := circuitbreaker.DefaultConfig("chart-store")
		bcfg.FailureThreshold = cfg.Breaker.FailureThreshold
		bcfg.Timeout = cfg.Breaker.OpenTimeout
		bcfg.IsSuccessful = persistence.IsBreakerSuccess
		breaker, err = circuitbreaker.New(bcfg, logger)
		if err != nil {
			logger.Fatal("circuit breaker setup failed", zap.Error(err))
		}
		breaker.OnStateChange(func(name string, to circuitbreaker.State) {
			m.BreakerState(name, string(to))
		})
		m.BreakerState(breaker.Name(), string(breaker.GetState()))

		pgStore = postgres.NewChartStore(pool, logger)
		store = persistence.NewResilient(pgStore, breaker, cfg.Storage.Timeout)
		checkers = append(checkers, readiness{"database", pgStore.Ping})
	default:
		logger.Warn("using in-memory chart store; saved charts do not survive a restart")
		store = persistence.NewResilient(persistence.NewMemoryStore(), nil, cfg.Storage.Timeout)
	}

	// Session cache
	opts := []session.Option{session.WithMetrics(m)}
	if cfg.Cache.Path != "" {
		cache, err := sqlite.Open(cfg.Cache.Path, logger)
		if err != nil {
			logger.Fatal("session cache open failed", zap.Error(err))
		}
		defer cache.Close()
		opts = append(opts, session.WithCache(cache))
		checkers = append(checkers, readiness{"session_cache", cache.Ping})
		logger.Info("session cache opened", zap.String("path", cache.Path()))
	}
	registry := session.NewRegistry(store, logger, opts...)

	// Idempotency
	var inbox *idempotency.Inbox
	if cfg.Idempotency.Enabled {
		icfg := idempotency.DefaultConfig()
		icfg.TTL = cfg.Idempotency.TTL
		var istore idempotency.Store = idempotency.NewMemoryStore()
		if pool != nil {
			istore = idempotency.NewPostgresStore(pool)
		}
		inbox = idempotency.NewInbox(istore, icfg, logger)
		inbox.StartCleanup(ctx)
		defer inbox.Stop()
	}

	users, _ := cfg.Auth.Users()
	chartHandler := handlers.NewChartHandler(registry, inbox, logger)
	if pgStore != nil {
		chartHandler.WithAuditHistory(pgStore)
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("chart-api"))

	// Operational endpoints (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(checkers, breaker))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if len(users) > 0 {
			r.Use(middleware.APIKeyAuth(users))
		} else {
			logger.Warn("no API keys configured; audit entries are recorded as the system user")
		}
		r.Mount("/", chartHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		// unsaved edits stay in the local cache; they are never saved implicitly
		if err := registry.CheckpointAll(shutdownCtx); err != nil {
			logger.Error("session checkpoint failed", zap.Error(err))
		}
	}()

	logger.Info("starting chart API",
		zap.String("addr", server.Addr),
		zap.String("storage", cfg.Storage.Driver))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	<-drained
	logger.Info("server stopped", zap.Int("sessions", registry.Len()))
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

type readiness struct {
	name  string
	check func(ctx context.Context) error
}

func readyHandler(checks []readiness, breaker *circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		resp := map[string]any{}
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				resp[c.name] = err.Error()
				continue
			}
			resp[c.name] = "ok"
		}
		if breaker != nil {
			h := breaker.Health()
			if !h.Healthy {
				status = http.StatusServiceUnavailable
			}
			resp["circuit_breaker"] = h
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"chart-api","version":"1.0.0"}`)
}
