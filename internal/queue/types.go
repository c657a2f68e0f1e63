package queue

import "time"

// Job states mirror the lifecycle stored in Redis. Transitions are monotone
// except failed/delayed -> waiting on retry.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateDelayed   = "delayed"
)

// Event types emitted on the lifecycle stream.
const (
	EventWaiting   = "waiting"
	EventActive    = "active"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventDelayed   = "delayed"
	EventStalled   = "stalled"
	EventRetried   = "retried"
)

// Payload is the caller-supplied report request carried by a job.
type Payload struct {
	UseCase   string            `json:"useCase"`
	Recipient string            `json:"recipient"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// Job is the full job view handed to the processor and to introspection.
// Zero time values mean "not set yet".
type Job struct {
	ID           string
	Payload      Payload
	AttemptsMade int
	MaxAttempts  int
	State        string
	CreatedAt    time.Time
	ProcessedOn  time.Time
	FinishedOn   time.Time
	Result       map[string]any
	FailedReason string
}

// Options are the queue-wide job defaults. Enqueue may override MaxAttempts
// per job; everything else is fixed per queue.
type Options struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	CompletedAge   time.Duration
	CompletedKeep  int
	FailedAge      time.Duration
	StallWindow    time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		BackoffCeiling: 30 * time.Second,
		CompletedAge:   24 * time.Hour,
		CompletedKeep:  1000,
		FailedAge:      7 * 24 * time.Hour,
		StallWindow:    30 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffCeiling <= 0 {
		o.BackoffCeiling = d.BackoffCeiling
	}
	if o.CompletedAge <= 0 {
		o.CompletedAge = d.CompletedAge
	}
	if o.CompletedKeep <= 0 {
		o.CompletedKeep = d.CompletedKeep
	}
	if o.FailedAge <= 0 {
		o.FailedAge = d.FailedAge
	}
	if o.StallWindow <= 0 {
		o.StallWindow = d.StallWindow
	}
	return o
}

// Backoff returns the delay before the next attempt after attemptsMade
// failures (1-indexed): base * 2^(n-1), capped at the ceiling.
func (o Options) Backoff(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	d := o.BackoffBase
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d >= o.BackoffCeiling {
			return o.BackoffCeiling
		}
	}
	if d > o.BackoffCeiling {
		return o.BackoffCeiling
	}
	return d
}

// Stats is the queue introspection snapshot.
type Stats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

func (s Stats) Total() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
}

// Event is one lifecycle stream entry.
type Event struct {
	Type   string
	JobID  string
	Reason string
	At     time.Time
}
