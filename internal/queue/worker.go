package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/observability"
)

// Processor executes one job. Process errors drive the retry machinery;
// NotifyFailure runs once per terminal failure and must not matter if it
// fails itself.
type Processor interface {
	Process(ctx context.Context, job *Job) (map[string]any, error)
	NotifyFailure(ctx context.Context, job *Job, reason string)
}

// ErrDrainTimeout is returned by Stop when in-flight jobs outlive the drain
// timeout.
var ErrDrainTimeout = errors.New("worker drain timed out")

type WorkerConfig struct {
	Concurrency     int
	LeaseBlock      time.Duration
	PromoteInterval time.Duration
	MaintainEvery   time.Duration
}

// Worker leases jobs from the store and runs them through the processor
// with a bounded in-flight count. Several workers may share one store; the
// waiting list is the arbiter.
type Worker struct {
	store    Store
	proc     Processor
	cfg      WorkerConfig
	consumer string

	jobCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	slots   chan struct{}
	running atomic.Bool
}

func NewWorker(store Store, proc Processor, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.LeaseBlock <= 0 {
		cfg.LeaseBlock = 2 * time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	if cfg.MaintainEvery <= 0 {
		cfg.MaintainEvery = 30 * time.Second
	}
	return &Worker{
		store:    store,
		proc:     proc,
		cfg:      cfg,
		consumer: "worker-" + uuid.NewString(),
		slots:    make(chan struct{}, cfg.Concurrency),
	}
}

func (w *Worker) Concurrency() int {
	return w.cfg.Concurrency
}

func (w *Worker) Running() bool {
	return w.running.Load()
}

func (w *Worker) Start(ctx context.Context) {
	// In-flight jobs run on the parent context so a drain does not cancel
	// them; only the lease and maintenance loops observe Stop.
	w.jobCtx = ctx
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running.Store(true)
	w.wg.Add(2)
	go w.leaseLoop(loopCtx)
	go w.maintenanceLoop(loopCtx)
	log.Printf("worker %s started (concurrency=%d)", w.consumer, w.cfg.Concurrency)
}

// Stop ceases leasing and waits for in-flight jobs up to timeout.
func (w *Worker) Stop(timeout time.Duration) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.running.Store(false)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("worker %s stopped", w.consumer)
		return nil
	case <-time.After(timeout):
		return ErrDrainTimeout
	}
}

func (w *Worker) leaseLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w.slots <- struct{}{}:
		}

		job, err := w.store.Lease(ctx, w.consumer, w.cfg.LeaseBlock)
		if err != nil {
			<-w.slots
			if ctx.Err() != nil {
				return
			}
			log.Printf("lease error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			<-w.slots
			continue
		}

		w.wg.Add(1)
		go func(job *Job) {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.execute(w.jobCtx, job)
		}(job)
	}
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	ctx, span := observability.StartSpan(ctx, "job.process")
	defer span.End()

	log.Printf("processing job %s (useCase=%s attempt=%d/%d)", job.ID, job.Payload.UseCase, job.AttemptsMade+1, job.MaxAttempts)
	start := time.Now()
	result, err := w.proc.Process(ctx, job)
	if err == nil {
		if cerr := w.store.Complete(ctx, job.ID, result); cerr != nil {
			log.Printf("complete job %s: %v", job.ID, cerr)
			return
		}
		log.Printf("job %s completed in %s", job.ID, time.Since(start).Round(time.Millisecond))
		return
	}

	reason := err.Error()
	retry, ferr := w.store.Fail(ctx, job.ID, reason)
	if ferr != nil {
		log.Printf("fail job %s: %v", job.ID, ferr)
		return
	}
	if retry {
		log.Printf("job %s failed, scheduled for retry: %v", job.ID, err)
		return
	}
	log.Printf("job %s terminally failed: %v", job.ID, err)
	w.notifyFailure(ctx, job, reason)
}

// notifyFailure shields the queue from the notification path: a panic or
// error there must not mask the job's original failure.
func (w *Worker) notifyFailure(ctx context.Context, job *Job, reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("failure notification for job %s panicked: %v", job.ID, r)
		}
	}()
	w.proc.NotifyFailure(ctx, job, reason)
}

func (w *Worker) maintenanceLoop(ctx context.Context) {
	defer w.wg.Done()
	promote := time.NewTicker(w.cfg.PromoteInterval)
	defer promote.Stop()
	maintain := time.NewTicker(w.cfg.MaintainEvery)
	defer maintain.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := w.store.PromoteDue(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				log.Printf("promote delayed jobs: %v", err)
			}
		case <-maintain.C:
			now := time.Now().UTC()
			if n, err := w.store.RequeueStalled(ctx, now); err != nil && ctx.Err() == nil {
				log.Printf("requeue stalled jobs: %v", err)
			} else if n > 0 {
				log.Printf("requeued %d stalled jobs", n)
			}
			if n, err := w.store.Cleanup(ctx, now); err != nil && ctx.Err() == nil {
				log.Printf("cleanup expired jobs: %v", err)
			} else if n > 0 {
				log.Printf("cleaned up %d expired jobs", n)
			}
		}
	}
}

// RequeueStalledNow is the manual cleanup hook exposed over HTTP.
func (w *Worker) RequeueStalledNow(ctx context.Context) (int, error) {
	n, err := w.store.RequeueStalled(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stalled: %w", err)
	}
	return n, nil
}
