package queue

import (
	"context"
	"testing"
	"time"
)

func testStore(t *testing.T, opts Options) (*MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(opts)
	s.Now = func() time.Time { return now }
	return s, &now
}

func mustEnqueue(t *testing.T, s *MemoryStore, useCase string) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), Payload{UseCase: useCase, Recipient: "a@b.co"}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestLifecycleHappyPath(t *testing.T) {
	s, _ := testStore(t, Options{})
	ctx := context.Background()

	id := mustEnqueue(t, s, "POLITICAL_SNAPSHOT")
	job, ok, err := s.GetJob(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if job.State != StateWaiting || job.MaxAttempts != 3 {
		t.Fatalf("fresh job = %+v", job)
	}

	leased, err := s.Lease(ctx, "w1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased == nil || leased.ID != id {
		t.Fatalf("leased = %+v", leased)
	}
	if leased.State != StateActive || leased.ProcessedOn.IsZero() {
		t.Fatalf("active invariant violated: %+v", leased)
	}

	if err := s.Complete(ctx, id, map[string]any{"success": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	job, _, _ = s.GetJob(ctx, id)
	if job.State != StateCompleted {
		t.Fatalf("state = %s, want completed", job.State)
	}
	if job.FinishedOn.Before(job.ProcessedOn) {
		t.Fatalf("finishedOn %v before processedOn %v", job.FinishedOn, job.ProcessedOn)
	}
}

func TestLeaseTimesOutOnEmptyQueue(t *testing.T) {
	s, _ := testStore(t, Options{})
	job, err := s.Lease(context.Background(), "w1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}
}

func TestLeaseIsFIFO(t *testing.T) {
	s, _ := testStore(t, Options{})
	ctx := context.Background()
	first := mustEnqueue(t, s, "A")
	second := mustEnqueue(t, s, "B")

	j1, _ := s.Lease(ctx, "w1", 50*time.Millisecond)
	j2, _ := s.Lease(ctx, "w1", 50*time.Millisecond)
	if j1.ID != first || j2.ID != second {
		t.Fatalf("lease order = %s, %s; want %s, %s", j1.ID, j2.ID, first, second)
	}
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	s, now := testStore(t, Options{})
	ctx := context.Background()
	id := mustEnqueue(t, s, "X")
	if _, err := s.Lease(ctx, "w1", 50*time.Millisecond); err != nil {
		t.Fatalf("lease: %v", err)
	}

	retry, err := s.Fail(ctx, id, "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !retry {
		t.Fatal("first failure should schedule a retry")
	}
	job, _, _ := s.GetJob(ctx, id)
	if job.State != StateDelayed || job.AttemptsMade != 1 {
		t.Fatalf("after first failure: %+v", job)
	}

	// Not due before the 1s backoff elapses.
	if n, _ := s.PromoteDue(ctx, now.Add(500*time.Millisecond)); n != 0 {
		t.Fatalf("promoted %d jobs before backoff elapsed", n)
	}
	if n, _ := s.PromoteDue(ctx, now.Add(1100*time.Millisecond)); n != 1 {
		t.Fatalf("promoted %d jobs after backoff, want 1", n)
	}
	job, _, _ = s.GetJob(ctx, id)
	if job.State != StateWaiting {
		t.Fatalf("state after promotion = %s", job.State)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	opts := DefaultOptions()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := opts.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestTerminalFailureAfterMaxAttempts(t *testing.T) {
	s, now := testStore(t, Options{MaxAttempts: 2})
	ctx := context.Background()
	id := mustEnqueue(t, s, "X")

	if _, err := s.Lease(ctx, "w1", 50*time.Millisecond); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if retry, _ := s.Fail(ctx, id, "first"); !retry {
		t.Fatal("first failure should retry")
	}
	if _, err := s.PromoteDue(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := s.Lease(ctx, "w1", 50*time.Millisecond); err != nil {
		t.Fatalf("second lease: %v", err)
	}
	retry, err := s.Fail(ctx, id, "second")
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if retry {
		t.Fatal("second failure should be terminal")
	}
	job, _, _ := s.GetJob(ctx, id)
	if job.State != StateFailed || job.FailedReason != "second" {
		t.Fatalf("terminal job = %+v", job)
	}
	if job.AttemptsMade > job.MaxAttempts {
		t.Fatalf("attemptsMade %d exceeds maxAttempts %d", job.AttemptsMade, job.MaxAttempts)
	}
}

func TestRetryJobOnlyFromFailedState(t *testing.T) {
	s, _ := testStore(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	id := mustEnqueue(t, s, "X")

	if err := s.RetryJob(ctx, id); err != ErrNotFailed {
		t.Fatalf("retry of waiting job: %v, want ErrNotFailed", err)
	}

	if _, err := s.Lease(ctx, "w1", 50*time.Millisecond); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := s.Fail(ctx, id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.RetryJob(ctx, id); err != nil {
		t.Fatalf("retry of failed job: %v", err)
	}
	job, _, _ := s.GetJob(ctx, id)
	if job.State != StateWaiting {
		t.Fatalf("state = %s, want waiting", job.State)
	}
	if job.AttemptsMade != 1 {
		t.Fatalf("attemptsMade = %d, want preserved 1", job.AttemptsMade)
	}
}

func TestCleanupRetentionDisjunction(t *testing.T) {
	s, now := testStore(t, Options{CompletedKeep: 2, CompletedAge: 24 * time.Hour, FailedAge: 7 * 24 * time.Hour})
	ctx := context.Background()

	// Three completed jobs: one old enough to age out, two fresh; the keep
	// cap of 2 then trims nothing further once age removed one.
	base := *now
	for i := 0; i < 3; i++ {
		id := mustEnqueue(t, s, "X")
		if _, err := s.Lease(ctx, "w1", 50*time.Millisecond); err != nil {
			t.Fatalf("lease: %v", err)
		}
		*now = base.Add(time.Duration(2*i) * time.Hour)
		if err := s.Complete(ctx, id, nil); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	removed, err := s.Cleanup(ctx, base.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 aged-out job", removed)
	}

	// Overflow beyond the count cap is removed even when young.
	*now = base.Add(30 * time.Hour)
	for i := 0; i < 3; i++ {
		id := mustEnqueue(t, s, "X")
		if _, err := s.Lease(ctx, "w1", 50*time.Millisecond); err != nil {
			t.Fatalf("lease: %v", err)
		}
		if err := s.Complete(ctx, id, nil); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	removed, err = s.Cleanup(ctx, base.Add(30*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3 over-cap jobs", removed)
	}
	stats, _ := s.Stats(ctx)
	if stats.Completed != 2 {
		t.Fatalf("completed count after cleanup = %d, want 2", stats.Completed)
	}
}

func TestStalledRequeueNeedsTwoTicks(t *testing.T) {
	s, now := testStore(t, Options{StallWindow: time.Minute})
	ctx := context.Background()
	id := mustEnqueue(t, s, "X")
	if _, err := s.Lease(ctx, "w1", 50*time.Millisecond); err != nil {
		t.Fatalf("lease: %v", err)
	}

	late := now.Add(2 * time.Minute)
	if n, _ := s.RequeueStalled(ctx, late); n != 0 {
		t.Fatalf("first tick requeued %d, want 0", n)
	}
	if n, _ := s.RequeueStalled(ctx, late); n != 1 {
		t.Fatalf("second tick requeued %d, want 1", n)
	}
	job, _, _ := s.GetJob(ctx, id)
	if job.State != StateWaiting {
		t.Fatalf("state = %s, want waiting", job.State)
	}
}

func TestCompletedJobNeverReturnsToWaiting(t *testing.T) {
	s, now := testStore(t, Options{StallWindow: time.Minute})
	ctx := context.Background()
	id := mustEnqueue(t, s, "X")
	if _, err := s.Lease(ctx, "w1", 50*time.Millisecond); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := s.Complete(ctx, id, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.RetryJob(ctx, id); err != ErrNotFailed {
		t.Fatalf("retry of completed job: %v, want ErrNotFailed", err)
	}
	late := now.Add(time.Hour)
	s.RequeueStalled(ctx, late)
	s.RequeueStalled(ctx, late)
	job, _, _ := s.GetJob(ctx, id)
	if job.State != StateCompleted {
		t.Fatalf("completed job moved to %s", job.State)
	}
}

func TestEventsStreamRecordsLifecycle(t *testing.T) {
	s, _ := testStore(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	id := mustEnqueue(t, s, "X")
	if _, err := s.Lease(ctx, "w1", 50*time.Millisecond); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := s.Fail(ctx, id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	types := make([]string, 0)
	for _, e := range s.Events() {
		if e.JobID == id {
			types = append(types, e.Type)
		}
	}
	want := []string{EventWaiting, EventActive, EventFailed}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}
