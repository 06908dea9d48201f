// Command server starts the order execution HTTP edge: admission, polling
// reads and the WebSocket status stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowtrade/order-engine/internal/adapter/bus"
	busredpanda "github.com/flowtrade/order-engine/internal/adapter/bus/redpanda"
	httpserver "github.com/flowtrade/order-engine/internal/adapter/httpserver"
	"github.com/flowtrade/order-engine/internal/adapter/queue/redisq"
	"github.com/flowtrade/order-engine/internal/adapter/repo/postgres"
	"github.com/flowtrade/order-engine/internal/app"
	"github.com/flowtrade/order-engine/internal/config"
	"github.com/flowtrade/order-engine/internal/observability"
	"github.com/flowtrade/order-engine/internal/service/idempotency"
	"github.com/flowtrade/order-engine/internal/service/ratelimiter"
	"github.com/flowtrade/order-engine/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Infra: DB pool.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Infra: Redis for the queue, rate limiter and idempotency store.
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()

	orderRepo := postgres.NewOrderRepo(pool)
	queue := redisq.New(rdb, redisq.Config{
		MaxRetries:        cfg.MaxRetries,
		RatePerMin:        cfg.QueueRatePerMin,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	limiter := ratelimiter.New(rdb, cfg.RateLimit, time.Minute)
	idem := idempotency.New(rdb, cfg.IdempotencyTTL)

	submitSvc := usecase.NewSubmitService(orderRepo, queue, limiter, idem, cfg.QueueFullThreshold)
	orderSvc := usecase.NewOrderService(orderRepo)

	// Event fan-out: Redpanda tail feeding the in-process hub.
	hub := bus.NewHub()
	consumer, err := busredpanda.NewConsumer(cfg.KafkaBrokers, hub)
	if err != nil {
		slog.Error("status consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("status consumer stopped", slog.Any("error", err))
		}
	}()

	// Janitor for pending rows whose enqueue never happened.
	if janitor := app.NewJanitor(orderRepo, queue, cfg.JanitorGracePeriod, cfg.JanitorInterval); janitor != nil {
		go janitor.Run(ctx)
	}

	stream := httpserver.NewStreamHandler(orderSvc, hub, cfg.PingInterval(), cfg.PongTimeout(), cfg.MaxSubsPerKey)
	srv := httpserver.NewServer(submitSvc, orderSvc, queue, pool, stream)
	handler := app.BuildRouter(srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Stop accepting new submissions first, then tear down background loops
	// and connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	stopBackground()
}
