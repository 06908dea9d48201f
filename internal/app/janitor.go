package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flowtrade/order-engine/internal/domain"
)

// Janitor re-enqueues pending orders whose enqueue never happened: the row
// was created but the process died (or the queue errored) before the job was
// accepted. Enqueue is idempotent by order id, so sweeping an order that does
// have a job is harmless.
type Janitor struct {
	repo        domain.OrderRepository
	queue       domain.Queue
	gracePeriod time.Duration
	interval    time.Duration
}

// NewJanitor constructs a Janitor; zero durations fall back to defaults.
func NewJanitor(repo domain.OrderRepository, queue domain.Queue, gracePeriod, interval time.Duration) *Janitor {
	if repo == nil || queue == nil {
		return nil
	}
	if gracePeriod <= 0 {
		gracePeriod = time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{repo: repo, queue: queue, gracePeriod: gracePeriod, interval: interval}
}

// Run sweeps until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopping")
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("janitor")
	ctx, span := tracer.Start(ctx, "Janitor.sweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := time.Now().Add(-j.gracePeriod)
	span.SetAttributes(attribute.Float64("janitor.grace_period_seconds", j.gracePeriod.Seconds()))

	stale, err := j.repo.FindStalePending(ctx, cutoff, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("janitor failed to list stale pending orders", slog.Any("error", err))
		return
	}
	requeued := 0
	for _, o := range stale {
		_, err := j.queue.Enqueue(ctx, o.ID, domain.JobPayload{
			Type:     string(o.Type),
			TokenIn:  o.TokenIn,
			TokenOut: o.TokenOut,
			AmountIn: o.AmountIn.String(),
			Slippage: o.Slippage.String(),
		})
		if err != nil {
			slog.Error("janitor re-enqueue failed",
				slog.String("order_id", o.ID), slog.Any("error", err))
			continue
		}
		requeued++
	}
	span.SetAttributes(
		attribute.Int("janitor.stale_found", len(stale)),
		attribute.Int("janitor.requeued", requeued),
	)
	if requeued > 0 {
		slog.Warn("janitor re-enqueued stale pending orders", slog.Int("count", requeued))
	}
}
