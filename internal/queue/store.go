package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFailed is returned by RetryJob when the job is not in the failed
// state.
var ErrNotFailed = errors.New("job is not in failed state")

// ErrNotFound is returned for operations on unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Store is the durable queue backend. Redis is the production
// implementation; the memory store backs tests and redis-less development.
// All methods are safe for concurrent use across goroutines and, for the
// Redis store, across processes.
type Store interface {
	// Enqueue persists the job and pushes it onto the waiting list.
	// maxAttempts <= 0 uses the queue default. Returns the new job ID.
	Enqueue(ctx context.Context, p Payload, maxAttempts int) (string, error)

	// Lease blocks up to block for a waiting job, moves it to active and
	// stamps processedOn. Returns (nil, nil) when the wait times out.
	Lease(ctx context.Context, consumer string, block time.Duration) (*Job, error)

	// Complete finishes a leased job successfully.
	Complete(ctx context.Context, id string, result map[string]any) error

	// Fail records a failed attempt. When attempts remain the job is moved
	// to delayed with exponential backoff and retry=true is returned;
	// otherwise the job is terminally failed.
	Fail(ctx context.Context, id, reason string) (retry bool, err error)

	// PromoteDue moves delayed jobs whose run-at time has passed back to
	// waiting, FIFO by due time. Returns the number promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// RequeueStalled returns active jobs that exceeded the stall window to
	// the waiting list. Detection is two-tick: a job must be seen stalled on
	// two consecutive calls before it is requeued.
	RequeueStalled(ctx context.Context, now time.Time) (int, error)

	// Cleanup applies the retention policy: completed jobs older than
	// CompletedAge or beyond CompletedKeep, failed jobs older than
	// FailedAge. Returns the number of jobs removed.
	Cleanup(ctx context.Context, now time.Time) (int, error)

	// RetryJob promotes a terminally failed job back to waiting, preserving
	// attemptsMade.
	RetryJob(ctx context.Context, id string) error

	GetJob(ctx context.Context, id string) (*Job, bool, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
