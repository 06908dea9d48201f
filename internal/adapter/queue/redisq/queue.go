// Package redisq implements the durable at-least-once job queue on Redis.
//
// Jobs are hashes; runnable jobs live in a ZSET scored by next_run_at and
// leased jobs in a ZSET scored by their lease deadline. A reaper returns
// expired leases to the runnable set, which is the only way a job can be
// delivered twice.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/observability"
)

const defaultPrefix = "q:"

// Queue is a Redis-backed domain.Queue.
type Queue struct {
	redis      redis.Scripter
	prefix     string
	maxRetries int
	ratePerMin int
	visibility time.Duration
	now        func() time.Time

	enqueue *redis.Script
	lease   *redis.Script
	ack     *redis.Script
	nack    *redis.Script
	reap    *redis.Script
	cmd     redis.Cmdable
}

// Config tunes queue behavior; zero values fall back to defaults.
type Config struct {
	Prefix            string
	MaxRetries        int
	RatePerMin        int
	VisibilityTimeout time.Duration
	Now               func() time.Time
}

// New constructs a Queue on the given Redis client.
func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 100
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		redis:      rdb,
		cmd:        rdb,
		prefix:     cfg.Prefix,
		maxRetries: cfg.MaxRetries,
		ratePerMin: cfg.RatePerMin,
		visibility: cfg.VisibilityTimeout,
		now:        cfg.Now,
		enqueue:    redis.NewScript(luaEnqueue),
		lease:      redis.NewScript(luaLease),
		ack:        redis.NewScript(luaAck),
		nack:       redis.NewScript(luaNack),
		reap:       redis.NewScript(luaReap),
	}
}

// Enqueue creates a job for the order, or returns the id of the existing
// non-terminal job (idempotent by order id).
func (q *Queue) Enqueue(ctx domain.Context, orderID string, payload domain.JobPayload) (string, error) {
	tracer := otel.Tracer("queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	jobID := uuid.NewString()
	corr := observability.RequestIDFromContext(ctx)
	res, err := q.enqueue.Run(ctx, q.redis, nil,
		q.prefix, jobID, orderID, b, corr, q.now().UnixMilli(),
	).Result()
	if err == redis.Nil || res == false {
		return jobID, nil
	}
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	if existing, ok := res.(string); ok {
		return existing, nil
	}
	return jobID, nil
}

// Lease claims one due job for workerID, or returns nil when nothing is due
// or a cap is hit.
func (q *Queue) Lease(ctx domain.Context, workerID string, maxConcurrent int) (*domain.Job, error) {
	res, err := q.lease.Run(ctx, q.redis, nil,
		q.prefix, q.now().UnixMilli(), workerID, maxConcurrent, q.ratePerMin, q.visibility.Milliseconds(),
	).Result()
	if err == redis.Nil || res == false {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.lease: %w", err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) == 0 {
		return nil, nil
	}
	job, err := jobFromFields(fields)
	if err != nil {
		return nil, fmt.Errorf("op=queue.lease: %w", err)
	}
	return job, nil
}

// Ack marks terminal success.
func (q *Queue) Ack(ctx domain.Context, jobID string) error {
	if err := q.ack.Run(ctx, q.redis, nil, q.prefix, jobID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("op=queue.ack: %w", err)
	}
	return nil
}

// Nack schedules a retry with backoff 2^attempt seconds, or dead-letters the
// job once the retry budget is spent.
func (q *Queue) Nack(ctx domain.Context, jobID string, reason string) (domain.NackResult, error) {
	res, err := q.nack.Run(ctx, q.redis, nil,
		q.prefix, jobID, q.now().UnixMilli(), q.maxRetries, reason,
	).Int64Slice()
	if err != nil {
		return domain.NackResult{}, fmt.Errorf("op=queue.nack: %w", err)
	}
	if len(res) < 3 {
		return domain.NackResult{}, fmt.Errorf("op=queue.nack: unexpected script result %v", res)
	}
	out := domain.NackResult{
		Terminal: res[0] == 1,
		Attempt:  int(res[1]),
	}
	if !out.Terminal {
		out.NextRunAt = time.UnixMilli(res[2])
	}
	return out, nil
}

// Depth returns the queue census; the waiting figure feeds backpressure.
func (q *Queue) Depth(ctx domain.Context) (domain.QueueDepth, error) {
	pipe := q.cmd.Pipeline()
	waitingCmd := pipe.ZCard(ctx, q.prefix+"waiting")
	activeCmd := pipe.ZCard(ctx, q.prefix+"active")
	retryCmd := pipe.Get(ctx, q.prefix+"retrying")
	failedCmd := pipe.SCard(ctx, q.prefix+"failed")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.QueueDepth{}, fmt.Errorf("op=queue.depth: %w", err)
	}
	retrying, _ := retryCmd.Int64()
	d := domain.QueueDepth{
		Waiting:        waitingCmd.Val() - retrying,
		Active:         activeCmd.Val(),
		Retrying:       retrying,
		FailedTerminal: failedCmd.Val(),
	}
	if d.Waiting < 0 {
		d.Waiting = 0
	}
	return d, nil
}

// Reap returns expired leases to the runnable set and reports how many were
// recovered.
func (q *Queue) Reap(ctx domain.Context) (int64, error) {
	n, err := q.reap.Run(ctx, q.redis, nil, q.prefix, q.now().UnixMilli()).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("op=queue.reap: %w", err)
	}
	return n, nil
}

// RunReaper periodically recovers expired leases until ctx is done.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("queue reaper stopping")
			return
		case <-ticker.C:
			if n, err := q.Reap(ctx); err != nil {
				slog.Error("queue reap failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Warn("recovered expired leases", slog.Int64("count", n))
			}
		}
	}
}

// jobFromFields decodes the flat field/value array HGETALL returns to Lua.
func jobFromFields(fields []interface{}) (*domain.Job, error) {
	m := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		k, kok := fields[i].(string)
		v, vok := fields[i+1].(string)
		if kok && vok {
			m[k] = v
		}
	}
	var payload domain.JobPayload
	if raw := m["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	attempt, _ := strconv.Atoi(m["attempt"])
	nextRunMS, _ := strconv.ParseInt(m["next_run_at"], 10, 64)
	return &domain.Job{
		ID:            m["id"],
		OrderID:       m["order_id"],
		Payload:       payload,
		CorrelationID: m["correlation_id"],
		Attempt:       attempt,
		NextRunAt:     time.UnixMilli(nextRunMS),
		State:         domain.JobState(m["state"]),
	}, nil
}
