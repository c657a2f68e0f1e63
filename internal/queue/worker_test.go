package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubProcessor struct {
	mu        sync.Mutex
	fail      func(job *Job) error
	inFlight  atomic.Int64
	maxSeen   atomic.Int64
	processed atomic.Int64
	notified  []string
	block     time.Duration
}

func (p *stubProcessor) Process(_ context.Context, job *Job) (map[string]any, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		max := p.maxSeen.Load()
		if cur <= max || p.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if p.block > 0 {
		time.Sleep(p.block)
	}
	p.processed.Add(1)
	if p.fail != nil {
		if err := p.fail(job); err != nil {
			return nil, err
		}
	}
	return map[string]any{"success": true}, nil
}

func (p *stubProcessor) NotifyFailure(_ context.Context, job *Job, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notified = append(p.notified, job.ID+":"+reason)
}

func (p *stubProcessor) notifications() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.notified))
	copy(out, p.notified)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	s := NewMemoryStore(Options{})
	proc := &stubProcessor{}
	w := NewWorker(s, proc, WorkerConfig{Concurrency: 2, LeaseBlock: 50 * time.Millisecond})
	w.Start(context.Background())
	defer w.Stop(time.Second)

	id, err := s.Enqueue(context.Background(), Payload{UseCase: "X", Recipient: "a@b.co"}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		job, ok, _ := s.GetJob(context.Background(), id)
		return ok && job.State == StateCompleted
	})
	job, _, _ := s.GetJob(context.Background(), id)
	if job.Result["success"] != true {
		t.Fatalf("result = %v", job.Result)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	s := NewMemoryStore(Options{BackoffBase: 10 * time.Millisecond, BackoffCeiling: 20 * time.Millisecond})
	var failures atomic.Int64
	proc := &stubProcessor{fail: func(_ *Job) error {
		if failures.Add(1) == 1 {
			return errors.New("email gateway unavailable")
		}
		return nil
	}}
	w := NewWorker(s, proc, WorkerConfig{Concurrency: 1, LeaseBlock: 50 * time.Millisecond, PromoteInterval: 10 * time.Millisecond})
	w.Start(context.Background())
	defer w.Stop(time.Second)

	id, _ := s.Enqueue(context.Background(), Payload{UseCase: "X"}, 0)
	waitFor(t, 3*time.Second, func() bool {
		job, ok, _ := s.GetJob(context.Background(), id)
		return ok && job.State == StateCompleted
	})
	job, _, _ := s.GetJob(context.Background(), id)
	if job.AttemptsMade != 1 {
		t.Fatalf("attemptsMade = %d, want 1 recorded failure", job.AttemptsMade)
	}
	if len(proc.notifications()) != 0 {
		t.Fatalf("unexpected failure notifications: %v", proc.notifications())
	}
}

func TestWorkerTerminalFailureNotifies(t *testing.T) {
	s := NewMemoryStore(Options{MaxAttempts: 2, BackoffBase: 10 * time.Millisecond, BackoffCeiling: 20 * time.Millisecond})
	proc := &stubProcessor{fail: func(_ *Job) error { return errors.New("no view data") }}
	w := NewWorker(s, proc, WorkerConfig{Concurrency: 1, LeaseBlock: 50 * time.Millisecond, PromoteInterval: 10 * time.Millisecond})
	w.Start(context.Background())
	defer w.Stop(time.Second)

	id, _ := s.Enqueue(context.Background(), Payload{UseCase: "X", Recipient: "a@b.co"}, 0)
	waitFor(t, 3*time.Second, func() bool {
		job, ok, _ := s.GetJob(context.Background(), id)
		return ok && job.State == StateFailed
	})
	waitFor(t, time.Second, func() bool { return len(proc.notifications()) == 1 })
	got := proc.notifications()[0]
	if got != id+":no view data" {
		t.Fatalf("notification = %q", got)
	}
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	s := NewMemoryStore(Options{})
	proc := &stubProcessor{block: 100 * time.Millisecond}
	w := NewWorker(s, proc, WorkerConfig{Concurrency: 3, LeaseBlock: 20 * time.Millisecond})
	w.Start(context.Background())
	defer w.Stop(2 * time.Second)

	for i := 0; i < 10; i++ {
		if _, err := s.Enqueue(context.Background(), Payload{UseCase: "X"}, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, 5*time.Second, func() bool { return proc.processed.Load() == 10 })
	if max := proc.maxSeen.Load(); max > 3 {
		t.Fatalf("in-flight peak = %d, want <= 3", max)
	}
}

func TestWorkerDrainWaitsForInflight(t *testing.T) {
	s := NewMemoryStore(Options{})
	proc := &stubProcessor{block: 200 * time.Millisecond}
	w := NewWorker(s, proc, WorkerConfig{Concurrency: 1, LeaseBlock: 20 * time.Millisecond})
	w.Start(context.Background())

	id, _ := s.Enqueue(context.Background(), Payload{UseCase: "X"}, 0)
	waitFor(t, time.Second, func() bool {
		job, ok, _ := s.GetJob(context.Background(), id)
		return ok && job.State == StateActive
	})
	if err := w.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	job, _, _ := s.GetJob(context.Background(), id)
	if job.State != StateCompleted {
		t.Fatalf("state after drain = %s, want completed", job.State)
	}
}

func TestWorkerDrainTimeout(t *testing.T) {
	s := NewMemoryStore(Options{})
	proc := &stubProcessor{block: 2 * time.Second}
	w := NewWorker(s, proc, WorkerConfig{Concurrency: 1, LeaseBlock: 20 * time.Millisecond})
	w.Start(context.Background())

	id, _ := s.Enqueue(context.Background(), Payload{UseCase: "X"}, 0)
	waitFor(t, time.Second, func() bool {
		job, ok, _ := s.GetJob(context.Background(), id)
		return ok && job.State == StateActive
	})
	if err := w.Stop(50 * time.Millisecond); err != ErrDrainTimeout {
		t.Fatalf("stop = %v, want ErrDrainTimeout", err)
	}
}
