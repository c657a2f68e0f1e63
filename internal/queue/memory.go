package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/observability"
)

// MemoryStore mirrors the Redis store semantics in process memory. It backs
// unit tests and redis-less development runs; it is not durable.
type MemoryStore struct {
	mu      sync.Mutex
	opts    Options
	seq     int64
	jobs    map[string]*Job
	waiting []string
	active  map[string]struct{}
	// run-at / finished-at scores, unix ms, mirroring the Redis zsets.
	delayed      map[string]int64
	completed    map[string]int64
	failed       map[string]int64
	stalledCheck map[string]struct{}
	events       []Event

	// Now is the clock; tests override it to drive retention and backoff
	// assertions deterministically.
	Now func() time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:         opts.withDefaults(),
		jobs:         make(map[string]*Job),
		active:       make(map[string]struct{}),
		delayed:      make(map[string]int64),
		completed:    make(map[string]int64),
		failed:       make(map[string]int64),
		stalledCheck: make(map[string]struct{}),
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) labels() map[string]string {
	return map[string]string{"queue_backend": "memory"}
}

func (s *MemoryStore) emit(event, jobID, reason string) {
	s.events = append(s.events, Event{Type: event, JobID: jobID, Reason: reason, At: s.Now()})
	if len(s.events) > 1000 {
		s.events = s.events[len(s.events)-1000:]
	}
}

// Events returns a copy of the lifecycle stream, oldest first.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) Enqueue(_ context.Context, p Payload, maxAttempts int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}
	s.seq++
	id := strconv.FormatInt(s.seq, 10)
	filters := make(map[string]string, len(p.Filters))
	for k, v := range p.Filters {
		filters[k] = v
	}
	p.Filters = filters
	s.jobs[id] = &Job{
		ID:          id,
		Payload:     p,
		MaxAttempts: maxAttempts,
		State:       StateWaiting,
		CreatedAt:   s.Now(),
	}
	s.waiting = append(s.waiting, id)
	s.emit(EventWaiting, id, "")
	observability.Default.IncCounter(observability.MetricJobsEnqueued, s.labels(), 1)
	return id, nil
}

func (s *MemoryStore) Lease(ctx context.Context, consumer string, block time.Duration) (*Job, error) {
	if block <= 0 {
		block = time.Second
	}
	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		if len(s.waiting) > 0 {
			id := s.waiting[0]
			s.waiting = s.waiting[1:]
			job := s.jobs[id]
			if job == nil {
				s.mu.Unlock()
				continue
			}
			job.State = StateActive
			job.ProcessedOn = s.Now()
			s.active[id] = struct{}{}
			s.emit(EventActive, id, "")
			view := *job
			s.mu.Unlock()
			return &view, nil
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *MemoryStore) Complete(_ context.Context, id string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := s.Now()
	job.State = StateCompleted
	job.FinishedOn = now
	job.Result = result
	delete(s.active, id)
	delete(s.stalledCheck, id)
	s.completed[id] = now.UnixMilli()
	s.emit(EventCompleted, id, "")
	observability.Default.IncCounter(observability.MetricJobsCompleted, s.labels(), 1)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if job.AttemptsMade < job.MaxAttempts {
		job.AttemptsMade++
	}
	job.FailedReason = reason
	delete(s.active, id)
	delete(s.stalledCheck, id)

	now := s.Now()
	if job.AttemptsMade < job.MaxAttempts {
		job.State = StateDelayed
		s.delayed[id] = now.Add(s.opts.Backoff(job.AttemptsMade)).UnixMilli()
		s.emit(EventDelayed, id, reason)
		observability.Default.IncCounter(observability.MetricJobsRetried, s.labels(), 1)
		return true, nil
	}
	job.State = StateFailed
	job.FinishedOn = now
	s.failed[id] = now.UnixMilli()
	s.emit(EventFailed, id, reason)
	observability.Default.IncCounter(observability.MetricJobsFailed, s.labels(), 1)
	return false, nil
}

func (s *MemoryStore) PromoteDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]string, 0)
	for id, runAt := range s.delayed {
		if runAt <= now.UnixMilli() {
			due = append(due, id)
		}
	}
	// FIFO by due time, matching the zset score order.
	sort.Slice(due, func(i, j int) bool { return s.delayed[due[i]] < s.delayed[due[j]] })
	for _, id := range due {
		delete(s.delayed, id)
		if job, ok := s.jobs[id]; ok {
			job.State = StateWaiting
			s.waiting = append(s.waiting, id)
			s.emit(EventWaiting, id, "promoted")
		}
	}
	return len(due), nil
}

func (s *MemoryStore) RequeueStalled(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requeued := 0
	for id := range s.active {
		job, ok := s.jobs[id]
		if !ok {
			delete(s.active, id)
			continue
		}
		if now.Sub(job.ProcessedOn) < s.opts.StallWindow {
			delete(s.stalledCheck, id)
			continue
		}
		if _, seen := s.stalledCheck[id]; !seen {
			s.stalledCheck[id] = struct{}{}
			continue
		}
		delete(s.active, id)
		delete(s.stalledCheck, id)
		job.State = StateWaiting
		s.waiting = append(s.waiting, id)
		s.emit(EventStalled, id, "stall window exceeded")
		requeued++
	}
	return requeued, nil
}

func (s *MemoryStore) Cleanup(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0

	ageCut := now.Add(-s.opts.CompletedAge).UnixMilli()
	for id, finished := range s.completed {
		if finished <= ageCut {
			delete(s.completed, id)
			delete(s.jobs, id)
			removed++
		}
	}
	if over := len(s.completed) - s.opts.CompletedKeep; over > 0 {
		ids := make([]string, 0, len(s.completed))
		for id := range s.completed {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return s.completed[ids[i]] < s.completed[ids[j]] })
		for _, id := range ids[:over] {
			delete(s.completed, id)
			delete(s.jobs, id)
			removed++
		}
	}

	failedCut := now.Add(-s.opts.FailedAge).UnixMilli()
	for id, finished := range s.failed {
		if finished <= failedCut {
			delete(s.failed, id)
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) RetryJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State != StateFailed {
		return ErrNotFailed
	}
	delete(s.failed, id)
	job.State = StateWaiting
	job.FinishedOn = time.Time{}
	s.waiting = append(s.waiting, id)
	s.emit(EventRetried, id, "")
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	view := *job
	return &view, true, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Waiting:   int64(len(s.waiting)),
		Active:    int64(len(s.active)),
		Completed: int64(len(s.completed)),
		Failed:    int64(len(s.failed)),
		Delayed:   int64(len(s.delayed)),
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
