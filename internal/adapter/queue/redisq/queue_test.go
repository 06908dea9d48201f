package redisq_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrade/order-engine/internal/adapter/queue/redisq"
	"github.com/flowtrade/order-engine/internal/domain"
)

var testPayload = domain.JobPayload{
	Type:     "market",
	TokenIn:  "SOL",
	TokenOut: "USDC",
	AmountIn: "1.5",
	Slippage: "0.01",
}

func newQueue(t *testing.T, cfg redisq.Config) (*redisq.Queue, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Unix(1700000000, 0)
	cfg.Now = func() time.Time { return now }
	return redisq.New(rdb, cfg), &now
}

func TestEnqueue_IdempotentByOrderID(t *testing.T) {
	q, _ := newQueue(t, redisq.Config{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-enqueue must return the existing job id")

	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Waiting)
}

func TestLease_ReturnsDueJob(t *testing.T) {
	q, _ := newQueue(t, redisq.Config{})
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "order-1", job.OrderID)
	assert.Equal(t, testPayload, job.Payload)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, domain.JobActive, job.State)
}

func TestLease_EmptyQueue(t *testing.T) {
	q, _ := newQueue(t, redisq.Config{})
	job, err := q.Lease(context.Background(), "w1", 10)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestLease_HonorsConcurrencyCap(t *testing.T) {
	q, _ := newQueue(t, redisq.Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "order-2", testPayload)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.NotNil(t, job)

	blocked, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Nil(t, blocked, "worker at its cap must not lease")

	other, err := q.Lease(ctx, "w2", 1)
	require.NoError(t, err)
	assert.NotNil(t, other, "a different worker has its own cap")
}

func TestLease_HonorsGlobalRate(t *testing.T) {
	q, _ := newQueue(t, redisq.Config{RatePerMin: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "order-2", testPayload)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, job)

	blocked, err := q.Lease(ctx, "w2", 10)
	require.NoError(t, err)
	assert.Nil(t, blocked, "global per-minute ceiling reached")
}

func TestNack_BackoffSchedule(t *testing.T) {
	q, now := newQueue(t, redisq.Config{MaxRetries: 3})
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)

	// Attempts 1..3 fail and are rescheduled with 2s, 4s, 8s backoff.
	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, backoff := range expected {
		job, err := q.Lease(ctx, "w1", 10)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d should lease", i+1)
		assert.Equal(t, i+1, job.Attempt)

		res, err := q.Nack(ctx, jobID, "venue unavailable")
		require.NoError(t, err)
		assert.False(t, res.Terminal)
		assert.Equal(t, i+1, res.Attempt)
		assert.True(t, res.NextRunAt.Equal(now.Add(backoff)),
			"next run %s, want %s", res.NextRunAt, now.Add(backoff))

		// Not due yet.
		early, err := q.Lease(ctx, "w1", 10)
		require.NoError(t, err)
		assert.Nil(t, early, "retry must not be leasable before its backoff")

		*now = now.Add(backoff)
	}

	// Fourth attempt exhausts the budget.
	job, err := q.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 4, job.Attempt)

	res, err := q.Nack(ctx, jobID, "venue unavailable")
	require.NoError(t, err)
	assert.True(t, res.Terminal)

	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.FailedTerminal)
	assert.Equal(t, int64(0), d.Waiting)
	assert.Equal(t, int64(0), d.Active)
}

func TestNack_TerminalFreesDedupSlot(t *testing.T) {
	q, now := newQueue(t, redisq.Config{MaxRetries: 1})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, job)

	res, err := q.Nack(ctx, first, "boom")
	require.NoError(t, err)
	require.False(t, res.Terminal)

	*now = now.Add(3 * time.Second)
	job, err = q.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, job)

	res, err = q.Nack(ctx, first, "boom")
	require.NoError(t, err)
	require.True(t, res.Terminal)

	second, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "a terminal job must not block re-enqueue")
}

func TestAck_CompletesAndFreesDedup(t *testing.T) {
	q, _ := newQueue(t, redisq.Config{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Ack(ctx, first))

	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Waiting)
	assert.Equal(t, int64(0), d.Active)

	// The worker slot is free again.
	_, err = q.Enqueue(ctx, "order-2", testPayload)
	require.NoError(t, err)
	next, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestReap_RecoversExpiredLeases(t *testing.T) {
	q, now := newQueue(t, redisq.Config{VisibilityTimeout: 30 * time.Second})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Before the lease deadline nothing is reaped.
	n, err := q.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(31 * time.Second)
	n, err = q.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The job is deliverable again; this is the at-least-once duplicate.
	again, err := q.Lease(ctx, "w2", 10)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 2, again.Attempt)
}

func TestDepth_CountsStates(t *testing.T) {
	q, _ := newQueue(t, redisq.Config{MaxRetries: 3})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "order-1", testPayload)
	require.NoError(t, err)
	jobID, err := q.Enqueue(ctx, "order-2", testPayload)
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, job)

	// order-2 might not be the leased one; nack whichever was leased.
	_, err = q.Nack(ctx, job.ID, "transient")
	require.NoError(t, err)
	_ = jobID

	d, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Waiting, "one job still waiting")
	assert.Equal(t, int64(1), d.Retrying)
	assert.Equal(t, int64(0), d.Active)
	assert.Equal(t, int64(0), d.FailedTerminal)
}
