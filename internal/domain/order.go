// Package domain holds the core entities, ports and error taxonomy of the
// order execution engine. It has no dependencies on adapters; usecases and
// adapters depend on it, never the other way around.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType enumerates supported order types.
type OrderType string

// OrderTypeMarket is the only supported order type: execute immediately at
// the best available venue price.
const OrderTypeMarket OrderType = "market"

// OrderStatus is a stage in the order lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderRouting   OrderStatus = "routing"
	OrderBuilding  OrderStatus = "building"
	OrderSubmitted OrderStatus = "submitted"
	OrderConfirmed OrderStatus = "confirmed"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderConfirmed || s == OrderFailed
}

// nextOf encodes the lifecycle DAG: each status maps to its single forward
// successor. failed is reachable from any non-terminal status and is handled
// separately in CanTransition.
var nextOf = map[OrderStatus]OrderStatus{
	OrderPending:   OrderRouting,
	OrderRouting:   OrderBuilding,
	OrderBuilding:  OrderSubmitted,
	OrderSubmitted: OrderConfirmed,
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == OrderFailed {
		return true
	}
	return nextOf[from] == to
}

// MaxLogEntries bounds the per-order log history; the repository drops the
// oldest entries beyond this cap and backfill reports the truncation.
const MaxLogEntries = 100

// LogEntryTruncated is the stage name of the synthetic marker entry placed at
// the head of a truncated log history.
const LogEntryTruncated = "logs_truncated"

// LogEntry is one immutable record in an order's history. Fields carries
// stage-specific data: quotes for routing, tx_hash for submitted, reason and
// attempt for failures.
type LogEntry struct {
	Stage     string         `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Order is a client-submitted intent to exchange AmountIn of TokenIn for
// TokenOut at the best available venue price subject to Slippage.
//
// Invariants: status transitions follow the lifecycle DAG; TxHash is set iff
// status is submitted or confirmed; FailureReason is set iff status is
// failed; UpdatedAt is monotone non-decreasing.
type Order struct {
	ID       string
	Type     OrderType
	TokenIn  string
	TokenOut string
	AmountIn decimal.Decimal
	Slippage decimal.Decimal

	Status OrderStatus

	// Populated as the lifecycle advances.
	AmountOut     *decimal.Decimal
	DexUsed       string
	TxHash        string
	FailureReason string

	// Quotes maps venue id to the last observed net-of-fee price string.
	// Observability only; routing decisions are recomputed per attempt.
	Quotes map[string]string

	// ExpectedPrice and ExecutedPrice persist routing/execution outcomes so
	// that a redelivered job can resume mid-lifecycle.
	ExpectedPrice *decimal.Decimal
	ExecutedPrice *decimal.Decimal

	Logs []LogEntry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderUpdate carries the optional columns written together with a status
// transition. Nil fields are left untouched.
type OrderUpdate struct {
	Quotes        map[string]string
	DexUsed       *string
	TxHash        *string
	FailureReason *string
	ExpectedPrice *decimal.Decimal
	ExecutedPrice *decimal.Decimal
	AmountOut     *decimal.Decimal
}

// Quote is a venue's offer for a pair: gross price and proportional fee.
type Quote struct {
	Price decimal.Decimal
	Fee   decimal.Decimal
}

// NetPrice returns price * (1 - fee), the comparable net-of-fee price.
func (q Quote) NetPrice() decimal.Decimal {
	return q.Price.Mul(decimal.NewFromInt(1).Sub(q.Fee))
}

// ExecutionRequest is the input to a venue execution.
type ExecutionRequest struct {
	TokenIn       string
	TokenOut      string
	Amount        decimal.Decimal
	ExpectedPrice decimal.Decimal
	Slippage      decimal.Decimal
}

// ExecutionResult is a venue's report of a completed execution.
type ExecutionResult struct {
	TxHash        string
	ExecutedPrice decimal.Decimal
}
