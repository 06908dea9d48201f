package domain

import "time"

// JobState is the queue-side state of a job envelope.
type JobState string

const (
	JobWaiting        JobState = "waiting"
	JobActive         JobState = "active"
	JobSucceeded      JobState = "succeeded"
	JobFailedTerminal JobState = "failed-terminal"
	JobRetryScheduled JobState = "retry-scheduled"
)

// JobPayload is the client request frozen at admission time; the worker
// re-derives everything else from the order row.
type JobPayload struct {
	Type     string `json:"type"`
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	AmountIn string `json:"amount_in"`
	Slippage string `json:"slippage"`
}

// Job is the queue-owned envelope around one order execution. Workers consume
// it while leased and never mutate it except through the queue API.
type Job struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	Payload       JobPayload `json:"payload"`
	CorrelationID string     `json:"correlation_id"`
	Attempt       int        `json:"attempt"`
	NextRunAt     time.Time  `json:"next_run_at"`
	State         JobState   `json:"state"`
}

// NackResult reports what the queue decided after a failed attempt.
type NackResult struct {
	Terminal  bool
	Attempt   int
	NextRunAt time.Time
}

// QueueDepth is a point-in-time census of job states; waiting depth feeds the
// admission backpressure check.
type QueueDepth struct {
	Waiting        int64 `json:"waiting"`
	Active         int64 `json:"active"`
	Retrying       int64 `json:"retrying"`
	FailedTerminal int64 `json:"failed_terminal"`
}
