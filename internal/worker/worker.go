// Package worker drives leased jobs through the order lifecycle.
//
// The worker is safe under at-least-once delivery: before each stage it reads
// the persisted status and skips forward past stages a previous delivery
// already completed. Every persisted transition is followed by a best-effort
// publish on the order's topic.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/observability"
	"github.com/flowtrade/order-engine/internal/service/router"
)

const defaultPollInterval = 250 * time.Millisecond

// Worker leases jobs and runs the lifecycle state machine.
type Worker struct {
	ID     string
	Queue  domain.Queue
	Repo   domain.OrderRepository
	Router *router.Router
	Bus    domain.EventPublisher

	Concurrency  int
	MaxRetries   int
	JobDeadline  time.Duration
	PollInterval time.Duration
}

// Run leases and processes jobs until ctx is done, then waits for in-flight
// jobs to reach their next persisted boundary.
func (w *Worker) Run(ctx context.Context) error {
	poll := w.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	sem := make(chan struct{}, w.Concurrency)
	var wg sync.WaitGroup

	slog.Info("worker started",
		slog.String("worker_id", w.ID),
		slog.Int("concurrency", w.Concurrency))

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("worker drained", slog.String("worker_id", w.ID))
			return ctx.Err()
		case sem <- struct{}{}:
		}

		job, err := w.Queue.Lease(ctx, w.ID, w.Concurrency)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			slog.Error("lease failed", slog.Any("error", err))
			time.Sleep(poll)
			continue
		}
		if job == nil {
			<-sem
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		}

		wg.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.Process(ctx, job)
		}(job)
	}
}

// Process runs one leased job to its next terminal or retry decision.
func (w *Worker) Process(ctx context.Context, job *domain.Job) {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "worker.Process")
	defer span.End()

	ctx = observability.ContextWithRequestID(ctx, job.CorrelationID)
	log := slog.Default().With(
		slog.String("job_id", job.ID),
		slog.String("order_id", job.OrderID),
		slog.Int("attempt", job.Attempt))
	ctx = observability.ContextWithLogger(ctx, log)

	deadline := w.JobDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	jctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	err := w.advance(jctx, job)
	observability.JobDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		observability.JobAttemptsTotal.WithLabelValues("succeeded").Inc()
		if ackErr := w.Queue.Ack(ctx, job.ID); ackErr != nil {
			log.Error("ack failed", slog.Any("error", ackErr))
		}
	case !domain.IsRetriable(err):
		observability.JobAttemptsTotal.WithLabelValues("failed").Inc()
		w.failOrder(ctx, job, err)
		// The order failed but the job's handling is complete.
		if ackErr := w.Queue.Ack(ctx, job.ID); ackErr != nil {
			log.Error("ack failed", slog.Any("error", ackErr))
		}
	default:
		w.retryOrFail(ctx, job, err)
	}
}

// advance loops the state machine until terminal status, resuming from the
// persisted status on every iteration. It returns nil once the order is
// terminal and the stage error otherwise.
func (w *Worker) advance(ctx context.Context, job *domain.Job) error {
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("op=worker.advance: %w", domain.ErrDeadlineExceeded)
		}
		o, err := w.Repo.Get(ctx, job.OrderID)
		if err != nil {
			return fmt.Errorf("op=worker.advance: %w", err)
		}
		if o.Status.Terminal() {
			return nil
		}
		if err := w.runStage(ctx, job, o); err != nil {
			if errors.Is(err, domain.ErrStaleTransition) {
				// Duplicate delivery raced us; re-read and resume.
				observability.ImpossibleTransitionsTotal.Inc()
				continue
			}
			return err
		}
	}
}

func (w *Worker) runStage(ctx context.Context, job *domain.Job, o domain.Order) error {
	switch o.Status {
	case domain.OrderPending:
		return w.beginRouting(ctx, job, o)
	case domain.OrderRouting:
		return w.routeOrder(ctx, job, o)
	case domain.OrderBuilding:
		return w.submitOrder(ctx, o)
	case domain.OrderSubmitted:
		return w.settleOrder(ctx, o)
	default:
		return fmt.Errorf("op=worker.stage status=%s: %w", o.Status, domain.ErrInternal)
	}
}

func (w *Worker) beginRouting(ctx context.Context, job *domain.Job, o domain.Order) error {
	entry := domain.LogEntry{
		Stage:     string(domain.OrderRouting),
		Timestamp: time.Now().UTC(),
		Fields:    map[string]any{"attempt": job.Attempt},
	}
	if err := w.Repo.Transition(ctx, o.ID, domain.OrderPending, domain.OrderRouting, domain.OrderUpdate{}, entry); err != nil {
		return err
	}
	w.publish(ctx, domain.StatusEvent{
		Kind:      domain.EventStatusUpdate,
		OrderID:   o.ID,
		Status:    domain.OrderRouting,
		Timestamp: entry.Timestamp,
	})
	return nil
}

func (w *Worker) routeOrder(ctx context.Context, job *domain.Job, o domain.Order) error {
	quotes, err := w.Router.GetQuotes(ctx, o.TokenIn, o.TokenOut, o.AmountIn)
	if err != nil {
		return err
	}
	best, quote, err := router.SelectBest(quotes)
	if err != nil {
		return err
	}
	netPrices := make(map[string]string, len(quotes))
	for id, q := range quotes {
		netPrices[id] = q.NetPrice().String()
	}
	expected := quote.Price
	entry := domain.LogEntry{
		Stage:     string(domain.OrderBuilding),
		Timestamp: time.Now().UTC(),
		Fields: map[string]any{
			"attempt":        job.Attempt,
			"quotes":         netPrices,
			"dex_used":       best,
			"expected_price": expected.String(),
		},
	}
	upd := domain.OrderUpdate{
		Quotes:        netPrices,
		DexUsed:       &best,
		ExpectedPrice: &expected,
	}
	if err := w.Repo.Transition(ctx, o.ID, domain.OrderRouting, domain.OrderBuilding, upd, entry); err != nil {
		return err
	}
	w.publish(ctx, domain.StatusEvent{
		Kind:      domain.EventStatusUpdate,
		OrderID:   o.ID,
		Status:    domain.OrderBuilding,
		Timestamp: entry.Timestamp,
		Quotes:    netPrices,
		DexUsed:   best,
	})
	return nil
}

func (w *Worker) submitOrder(ctx context.Context, o domain.Order) error {
	if o.DexUsed == "" || o.ExpectedPrice == nil {
		return fmt.Errorf("op=worker.submit order=%s missing routing outcome: %w", o.ID, domain.ErrInternal)
	}
	res, err := w.Router.Execute(ctx, o.DexUsed, domain.ExecutionRequest{
		TokenIn:       o.TokenIn,
		TokenOut:      o.TokenOut,
		Amount:        o.AmountIn,
		ExpectedPrice: *o.ExpectedPrice,
		Slippage:      o.Slippage,
	})
	if err != nil {
		return err
	}
	executed := res.ExecutedPrice
	entry := domain.LogEntry{
		Stage:     string(domain.OrderSubmitted),
		Timestamp: time.Now().UTC(),
		Fields: map[string]any{
			"tx_hash":        res.TxHash,
			"executed_price": executed.String(),
		},
	}
	upd := domain.OrderUpdate{
		TxHash:        &res.TxHash,
		ExecutedPrice: &executed,
	}
	if err := w.Repo.Transition(ctx, o.ID, domain.OrderBuilding, domain.OrderSubmitted, upd, entry); err != nil {
		return err
	}
	w.publish(ctx, domain.StatusEvent{
		Kind:      domain.EventStatusUpdate,
		OrderID:   o.ID,
		Status:    domain.OrderSubmitted,
		Timestamp: entry.Timestamp,
		TxHash:    res.TxHash,
	})
	return nil
}

func (w *Worker) settleOrder(ctx context.Context, o domain.Order) error {
	if o.ExpectedPrice == nil || o.ExecutedPrice == nil {
		return fmt.Errorf("op=worker.settle order=%s missing execution outcome: %w", o.ID, domain.ErrInternal)
	}
	if !router.CheckSlippage(*o.ExpectedPrice, *o.ExecutedPrice, o.Slippage) {
		return fmt.Errorf("op=worker.settle expected=%s executed=%s max=%s: %w",
			o.ExpectedPrice, o.ExecutedPrice, o.Slippage, domain.ErrSlippageExceeded)
	}
	amountOut := o.AmountIn.Mul(*o.ExecutedPrice)
	entry := domain.LogEntry{
		Stage:     string(domain.OrderConfirmed),
		Timestamp: time.Now().UTC(),
		Fields:    map[string]any{"amount_out": amountOut.String()},
	}
	upd := domain.OrderUpdate{AmountOut: &amountOut}
	if err := w.Repo.Transition(ctx, o.ID, domain.OrderSubmitted, domain.OrderConfirmed, upd, entry); err != nil {
		return err
	}
	w.publish(ctx, domain.StatusEvent{
		Kind:      domain.EventStatusUpdate,
		OrderID:   o.ID,
		Status:    domain.OrderConfirmed,
		Timestamp: entry.Timestamp,
		TxHash:    o.TxHash,
		AmountOut: amountOut.String(),
	})
	return nil
}

// retryOrFail nacks the job; the queue decides between retry and terminal
// failure based on the attempt budget.
func (w *Worker) retryOrFail(ctx context.Context, job *domain.Job, cause error) {
	log := observability.LoggerFromContext(ctx)
	res, err := w.Queue.Nack(ctx, job.ID, cause.Error())
	if err != nil {
		// The lease will expire and the job will be redelivered.
		log.Error("nack failed", slog.Any("error", err))
		return
	}
	if res.Terminal {
		observability.JobAttemptsTotal.WithLabelValues("failed").Inc()
		w.failOrder(ctx, job, cause)
		return
	}

	observability.JobAttemptsTotal.WithLabelValues("retried").Inc()
	now := time.Now().UTC()
	entry := domain.LogEntry{
		Stage:     domain.EventRetryScheduled,
		Timestamp: now,
		Fields: map[string]any{
			"attempt":     res.Attempt,
			"reason":      cause.Error(),
			"next_run_at": res.NextRunAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := w.Repo.AppendLog(ctx, job.OrderID, entry); err != nil {
		log.Error("retry log append failed", slog.Any("error", err))
	}
	nextRun := res.NextRunAt.UTC()
	status := w.currentStatus(ctx, job.OrderID)
	w.publish(ctx, domain.StatusEvent{
		Kind:          domain.EventRetryScheduled,
		OrderID:       job.OrderID,
		Status:        status,
		Timestamp:     now,
		FailureReason: cause.Error(),
		Attempt:       res.Attempt,
		MaxAttempts:   w.MaxRetries,
		NextRunAt:     &nextRun,
	})
	log.Warn("retry scheduled",
		slog.Int("attempt", res.Attempt),
		slog.Time("next_run_at", nextRun),
		slog.Any("cause", cause))
}

// failOrder persists the terminal failed status from whatever non-terminal
// status the order is in now.
func (w *Worker) failOrder(ctx context.Context, job *domain.Job, cause error) {
	log := observability.LoggerFromContext(ctx)
	reason := failureReason(cause)
	for {
		o, err := w.Repo.Get(ctx, job.OrderID)
		if err != nil {
			log.Error("failed-order read failed", slog.Any("error", err))
			return
		}
		if o.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		entry := domain.LogEntry{
			Stage:     string(domain.OrderFailed),
			Timestamp: now,
			Fields: map[string]any{
				"reason":  reason,
				"attempt": job.Attempt,
			},
		}
		err = w.Repo.Transition(ctx, o.ID, o.Status, domain.OrderFailed,
			domain.OrderUpdate{FailureReason: &reason}, entry)
		if errors.Is(err, domain.ErrStaleTransition) {
			observability.ImpossibleTransitionsTotal.Inc()
			continue
		}
		if err != nil {
			log.Error("failed transition did not persist", slog.Any("error", err))
			return
		}
		w.publish(ctx, domain.StatusEvent{
			Kind:          domain.EventStatusUpdate,
			OrderID:       o.ID,
			Status:        domain.OrderFailed,
			Timestamp:     now,
			FailureReason: reason,
		})
		log.Warn("order failed", slog.String("reason", reason))
		return
	}
}

func (w *Worker) currentStatus(ctx context.Context, orderID string) domain.OrderStatus {
	o, err := w.Repo.Get(ctx, orderID)
	if err != nil {
		return ""
	}
	return o.Status
}

// publish is best-effort: the database write already happened, subscribers
// recover missed events via backfill.
func (w *Worker) publish(ctx context.Context, ev domain.StatusEvent) {
	if w.Bus == nil {
		return
	}
	if err := w.Bus.PublishStatus(ctx, ev); err != nil {
		observability.LoggerFromContext(ctx).Error("event publish failed",
			slog.String("order_id", ev.OrderID),
			slog.String("status", string(ev.Status)),
			slog.Any("error", err))
	}
}

func failureReason(cause error) string {
	if errors.Is(cause, domain.ErrDeadlineExceeded) {
		return "timeout"
	}
	return cause.Error()
}

// ReportDepth copies the queue census into the depth gauges until ctx is
// done.
func (w *Worker) ReportDepth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d, err := w.Queue.Depth(ctx)
			if err != nil {
				slog.Error("queue depth read failed", slog.Any("error", err))
				continue
			}
			observability.QueueDepth.WithLabelValues(string(domain.JobWaiting)).Set(float64(d.Waiting))
			observability.QueueDepth.WithLabelValues(string(domain.JobActive)).Set(float64(d.Active))
			observability.QueueDepth.WithLabelValues(string(domain.JobRetryScheduled)).Set(float64(d.Retrying))
			observability.QueueDepth.WithLabelValues(string(domain.JobFailedTerminal)).Set(float64(d.FailedTerminal))
		}
	}
}
