// Command worker leases jobs from the queue and drives orders through the
// lifecycle state machine against the simulated venues.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	busredpanda "github.com/flowtrade/order-engine/internal/adapter/bus/redpanda"
	"github.com/flowtrade/order-engine/internal/adapter/queue/redisq"
	"github.com/flowtrade/order-engine/internal/adapter/repo/postgres"
	"github.com/flowtrade/order-engine/internal/adapter/venue/mock"
	"github.com/flowtrade/order-engine/internal/config"
	"github.com/flowtrade/order-engine/internal/observability"
	"github.com/flowtrade/order-engine/internal/service/router"
	"github.com/flowtrade/order-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()

	queue := redisq.New(rdb, redisq.Config{
		MaxRetries:        cfg.MaxRetries,
		RatePerMin:        cfg.QueueRatePerMin,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	orderRepo := postgres.NewOrderRepo(pool)

	producer, err := busredpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("status producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	seed := cfg.MockSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	//nolint:gosec // Simulation randomness, not security sensitive.
	rt := router.New(
		mock.New("dex-alpha", rand.New(rand.NewSource(seed)), mock.WithFee(decimal.NewFromFloat(0.003))),
		mock.New("dex-beta", rand.New(rand.NewSource(seed+1)), mock.WithFee(decimal.NewFromFloat(0.002))),
	)

	hostname, _ := os.Hostname()
	w := &worker.Worker{
		ID:          fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		Queue:       queue,
		Repo:        orderRepo,
		Router:      rt,
		Bus:         producer,
		Concurrency: cfg.QueueConcurrency,
		MaxRetries:  cfg.MaxRetries,
		JobDeadline: cfg.JobDeadline,
	}

	go queue.RunReaper(ctx, cfg.VisibilityTimeout/4)
	go w.ReportDepth(ctx, 10*time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker error", slog.Any("error", err))
		}
	}

	// Cancel the lease loop; Run drains in-flight jobs to their next
	// persisted boundary before returning.
	stop()
	select {
	case <-errCh:
	case <-time.After(cfg.ServerShutdownTimeout):
		slog.Warn("worker drain timed out")
	}
	slog.Info("worker stopped")
}
