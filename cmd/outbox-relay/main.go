// Package main provides the outbox relay service entry point.
// It publishes committed chart audit events to Redpanda.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/smilecare/toothchart/internal/config"
	"github.com/smilecare/toothchart/internal/infrastructure/postgres"
	"github.com/smilecare/toothchart/internal/infrastructure/redpanda"
	"github.com/smilecare/toothchart/internal/observability/metrics"
	"github.com/smilecare/toothchart/internal/observability/tracing"
)

const (
	maintenanceInterval = time.Minute
	processedRetention  = 7 * 24 * time.Hour
	metricsAddr         = ":9091"
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

	if cfg.Database.URL == "" {
		logger.Fatal("database.url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("outbox-relay")
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.OTLPEndpoint = cfg.Tracing.Endpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tcfg.Environment = cfg.Server.Environment
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New()

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Topics
	if err := redpanda.HealthCheck(ctx, cfg.Kafka.Brokers); err != nil {
		logger.Fatal("redpanda unreachable", zap.Error(err))
	}
	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	if topics, err := admin.ListTopics(ctx); err == nil {
		logger.Debug("topics available", zap.Strings("topics", topics))
	}
	admin.Close()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers

	producer, err := redpanda.NewProducer(producerCfg, logger, m)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = cfg.Outbox.PollInterval
	outboxCfg.BatchSize = cfg.Outbox.BatchSize
	outboxCfg.MaxRetries = cfg.Outbox.MaxRetries
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)

	outbox.Start(ctx)
	logger.Info("outbox relay started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := producer.Ping(pingCtx); err != nil {
			http.Error(w, "redpanda unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(pingCtx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			outbox.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			metricsServer.Shutdown(shutdownCtx)
			cancel()
			logger.Info("outbox relay stopped", zap.Any("producer", producer.Stats()))
			return
		case <-ticker.C:
			maintain(ctx, outbox, m, logger)
		}
	}
}

// maintain dead-letters exhausted entries, trims the processed backlog and
// reports the pending count
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	if moved, err := outbox.MoveToDeadLetter(ctx); err != nil {
		logger.Error("dead letter move failed", zap.Error(err))
	} else if moved > 0 {
		logger.Warn("outbox entries dead-lettered", zap.Int64("count", moved))
	}

	if removed, err := outbox.CleanupProcessed(ctx, processedRetention); err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
	} else if removed > 0 {
		logger.Info("processed outbox entries removed", zap.Int64("count", removed))
	}

	stats, err := outbox.GetStats(ctx)
	if err != nil {
		logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	m.OutboxPending.Set(float64(stats.Pending))
	if stats.Failed > 0 {
		logger.Warn("outbox entries exhausted retries", zap.Int64("failed", stats.Failed))
	}
}
