package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Context is an alias so ports read uniformly; adapters pass
// context.Context straight through.
type Context = context.Context

// OrderRepository persists order rows and their append-only log history.
// Transition is the only mutation after Create and must be atomic: the
// status guard, column updates and log append happen in a single statement.
type OrderRepository interface {
	Create(ctx Context, o Order, entry LogEntry) error
	Get(ctx Context, id string) (Order, error)
	// Transition compare-and-swaps status from->to, applies upd and appends
	// entry. Returns ErrStaleTransition when the row is not in from, which
	// callers treat as a duplicate delivery signal and re-read.
	Transition(ctx Context, id string, from, to OrderStatus, upd OrderUpdate, entry LogEntry) error
	// AppendLog records an entry without a status change; retry attempts use
	// this so the history shows every failed execution.
	AppendLog(ctx Context, id string, entry LogEntry) error
	// FindStalePending returns pending orders untouched since cutoff; the
	// janitor re-enqueues them to recover from enqueue-after-create crashes.
	FindStalePending(ctx Context, cutoff time.Time, limit int) ([]Order, error)
}

// Queue is the durable at-least-once job queue backing order execution.
type Queue interface {
	// Enqueue is idempotent by order id: if a non-terminal job already
	// exists for the order the existing job id is returned.
	Enqueue(ctx Context, orderID string, payload JobPayload) (string, error)
	// Lease atomically claims a due waiting job for workerID, bounded by
	// maxConcurrent in-flight jobs per worker and the global throughput
	// ceiling. Returns nil when nothing is due.
	Lease(ctx Context, workerID string, maxConcurrent int) (*Job, error)
	Ack(ctx Context, jobID string) error
	// Nack schedules a retry with exponential backoff or dead-letters the
	// job once retries are exhausted.
	Nack(ctx Context, jobID string, reason string) (NackResult, error)
	Depth(ctx Context) (QueueDepth, error)
}

// EventPublisher is the worker-side half of the event bus.
type EventPublisher interface {
	PublishStatus(ctx Context, ev StatusEvent) error
}

// EventStream is the edge-side half: a refcounted per-order subscription.
// Close the returned cancel func to release the subscription.
type EventStream interface {
	Subscribe(orderID string) (<-chan StatusEvent, func())
}

// Venue is an execution provider. Implementations must respect the context
// deadline; the router enforces 5s for quotes and 10s for execution.
type Venue interface {
	ID() string
	GetQuote(ctx Context, tokenIn, tokenOut string, amount decimal.Decimal) (Quote, error)
	Execute(ctx Context, req ExecutionRequest) (ExecutionResult, error)
}

// RateLimitDecision is the outcome of one admission check, including the
// header values surfaced on every response.
type RateLimitDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// RateLimiter admits or rejects a request for a client key (IP) under a
// sliding window.
type RateLimiter interface {
	Allow(ctx Context, key string) (RateLimitDecision, error)
}

// IdempotencyRecord maps a client key to the fingerprint of the body it was
// first used with and the order that submission produced.
type IdempotencyRecord struct {
	Fingerprint string `json:"fingerprint"`
	OrderID     string `json:"order_id"`
}

// IdempotencyStore provides atomic set-if-absent reservations with TTL.
// Reserve returns (existing, false) when the key was already taken.
type IdempotencyStore interface {
	Reserve(ctx Context, key string, rec IdempotencyRecord) (IdempotencyRecord, bool, error)
	// Release drops a reservation whose submission failed after reserving.
	Release(ctx Context, key string) error
}
