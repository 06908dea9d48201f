package domain

import "time"

// Event kinds carried on the status topic.
const (
	EventStatusUpdate   = "status_update"
	EventRetryScheduled = "retry_scheduled"
)

// StatusEvent is published on the order's topic after every persisted state
// change. The bus is best-effort: every event reflects state that is already
// durable, so a lost event is recovered by backfill on reconnect.
type StatusEvent struct {
	Kind      string      `json:"type"`
	OrderID   string      `json:"orderId"`
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`

	// Stage-specific fields, omitted when empty.
	Quotes        map[string]string `json:"quotes,omitempty"`
	DexUsed       string            `json:"dexUsed,omitempty"`
	TxHash        string            `json:"txHash,omitempty"`
	AmountOut     string            `json:"amountOut,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`

	// Retry fields, set on retry_scheduled events only.
	Attempt     int        `json:"attempt,omitempty"`
	MaxAttempts int        `json:"maxAttempts,omitempty"`
	NextRunAt   *time.Time `json:"nextRunAt,omitempty"`
}
