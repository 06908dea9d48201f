package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtrade/order-engine/internal/domain"
)

type staleRepo struct {
	mu    sync.Mutex
	stale []domain.Order
	calls int
}

func (r *staleRepo) Create(domain.Context, domain.Order, domain.LogEntry) error { return nil }
func (r *staleRepo) Get(domain.Context, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}
func (r *staleRepo) Transition(domain.Context, string, domain.OrderStatus, domain.OrderStatus, domain.OrderUpdate, domain.LogEntry) error {
	return nil
}
func (r *staleRepo) AppendLog(domain.Context, string, domain.LogEntry) error { return nil }

func (r *staleRepo) FindStalePending(_ domain.Context, _ time.Time, _ int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	out := r.stale
	r.stale = nil
	return out, nil
}

type recordingQueue struct {
	mu       sync.Mutex
	enqueued []string
	payloads []domain.JobPayload
}

func (q *recordingQueue) Enqueue(_ domain.Context, orderID string, p domain.JobPayload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, orderID)
	q.payloads = append(q.payloads, p)
	return "job-" + orderID, nil
}

func (q *recordingQueue) Lease(domain.Context, string, int) (*domain.Job, error) { return nil, nil }
func (q *recordingQueue) Ack(domain.Context, string) error                       { return nil }
func (q *recordingQueue) Nack(domain.Context, string, string) (domain.NackResult, error) {
	return domain.NackResult{}, nil
}
func (q *recordingQueue) Depth(domain.Context) (domain.QueueDepth, error) {
	return domain.QueueDepth{}, nil
}

func TestJanitor_RequeuesStalePending(t *testing.T) {
	repo := &staleRepo{stale: []domain.Order{{
		ID:       "order-1",
		Type:     domain.OrderTypeMarket,
		TokenIn:  "SOL",
		TokenOut: "USDC",
		AmountIn: decimal.RequireFromString("1.5"),
		Slippage: decimal.RequireFromString("0.01"),
		Status:   domain.OrderPending,
	}}}
	q := &recordingQueue{}

	j := NewJanitor(repo, q, time.Minute, time.Hour)
	require.NotNil(t, j)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx)
	}()

	// The initial sweep runs before the first tick.
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.enqueued) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"order-1"}, q.enqueued)
	require.Len(t, q.payloads, 1)
	assert.Equal(t, "1.5", q.payloads[0].AmountIn)
	assert.Equal(t, "market", q.payloads[0].Type)
}

func TestNewJanitor_NilDependencies(t *testing.T) {
	assert.Nil(t, NewJanitor(nil, &recordingQueue{}, 0, 0))
	assert.Nil(t, NewJanitor(&staleRepo{}, nil, 0, 0))

	// A nil janitor is safe to run.
	var j *Janitor
	j.Run(context.Background())
}
