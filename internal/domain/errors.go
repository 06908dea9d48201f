package domain

import "errors"

// Error taxonomy (sentinels). Adapters translate lower-layer failures into
// these kinds; the HTTP layer maps them to status codes and the worker maps
// them to retry decisions.
var (
	// Client-caused, recoverable.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")

	// System pressure, transient.
	ErrQueueFull          = errors.New("queue full")
	ErrServiceUnavailable = errors.New("service unavailable")

	// Execution, retriable.
	ErrQuoteUnavailable = errors.New("quote unavailable")
	ErrVenueUnavailable = errors.New("venue unavailable")

	// Execution, non-retriable.
	ErrSlippageExceeded = errors.New("slippage exceeded")
	ErrDeadlineExceeded = errors.New("job deadline exceeded")

	// Fatal, operator-visible: an impossible lifecycle transition was
	// attempted. The repository rejects it and leaves the row untouched.
	ErrStaleTransition = errors.New("stale status transition")

	ErrInternal = errors.New("internal error")
)

// IsRetriable classifies a worker-side failure: transient venue and
// infrastructure errors are retried by the queue, everything the client or
// the market caused terminates the order.
func IsRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrDeadlineExceeded),
		errors.Is(err, ErrNotFound):
		return false
	}
	return true
}
