package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/observability"
)

// RedisStoreConfig configures the Redis-backed queue.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Queue    string
	Options  Options
}

// RedisStore keeps all job state in the bull-compatible keyspace:
//
//	bull:<q>:<id>          job hash
//	bull:<q>:id            id counter
//	bull:<q>:waiting       list (LPUSH in, BRPOP out)
//	bull:<q>:active        set of leased IDs
//	bull:<q>:completed     zset scored by completion time
//	bull:<q>:failed        zset scored by failure time
//	bull:<q>:delayed       zset scored by earliest run time (unix ms)
//	bull:<q>:stalled-check set used by two-tick stall detection
//	bull:<q>:events        capped lifecycle stream
type RedisStore struct {
	rdb  *redis.Client
	cfg  RedisStoreConfig
	opts Options
}

func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	if cfg.Queue == "" {
		cfg.Queue = "report-export"
	}
	opts := cfg.Options.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{rdb: rdb, cfg: cfg, opts: opts}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) key(parts ...string) string {
	k := "bull:" + s.cfg.Queue
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) jobKey(id string) string { return s.key(id) }
func (s *RedisStore) idKey() string           { return s.key("id") }
func (s *RedisStore) waitingKey() string      { return s.key("waiting") }
func (s *RedisStore) activeKey() string       { return s.key("active") }
func (s *RedisStore) completedKey() string    { return s.key("completed") }
func (s *RedisStore) failedKey() string       { return s.key("failed") }
func (s *RedisStore) delayedKey() string      { return s.key("delayed") }
func (s *RedisStore) stalledCheckKey() string { return s.key("stalled-check") }
func (s *RedisStore) eventsKey() string       { return s.key("events") }

func (s *RedisStore) labels() map[string]string {
	return map[string]string{"queue": s.cfg.Queue, "queue_backend": "redis"}
}

func (s *RedisStore) emit(ctx context.Context, event, jobID, reason string) {
	values := map[string]any{
		"event": event,
		"jobId": jobID,
		"ts":    strconv.FormatInt(time.Now().UTC().UnixMilli(), 10),
	}
	if reason != "" {
		values["reason"] = reason
	}
	// Stream writes are advisory; a lost event never blocks the job path.
	_ = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.eventsKey(),
		MaxLen: 1000,
		Approx: true,
		Values: values,
	}).Err()
}

func (s *RedisStore) Enqueue(ctx context.Context, p Payload, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}
	seq, err := s.rdb.Incr(ctx, s.idKey()).Result()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)

	filters, err := json.Marshal(p.Filters)
	if err != nil {
		return "", fmt.Errorf("marshal filters: %w", err)
	}
	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.jobKey(id), map[string]any{
		"useCase":      p.UseCase,
		"recipient":    p.Recipient,
		"filters":      string(filters),
		"attemptsMade": 0,
		"maxAttempts":  maxAttempts,
		"state":        StateWaiting,
		"createdAt":    now.UnixMilli(),
	})
	pipe.LPush(ctx, s.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}
	s.emit(ctx, EventWaiting, id, "")
	observability.Default.IncCounter(observability.MetricJobsEnqueued, s.labels(), 1)
	return id, nil
}

func (s *RedisStore) Lease(ctx context.Context, consumer string, block time.Duration) (*Job, error) {
	if block <= 0 {
		block = time.Second
	}
	res, err := s.rdb.BRPop(ctx, block, s.waitingKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("lease: unexpected BRPOP reply length %d", len(res))
	}
	id := res[1]

	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, s.activeKey(), id)
	pipe.HSet(ctx, s.jobKey(id), map[string]any{
		"state":       StateActive,
		"processedOn": now.UnixMilli(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}

	job, ok, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Hash trimmed between pop and read; drop the orphan ID.
		_ = s.rdb.SRem(ctx, s.activeKey(), id).Err()
		return nil, nil
	}
	s.emit(ctx, EventActive, id, "")
	observability.Default.IncCounter(observability.MetricJobsLeased, map[string]string{"queue": s.cfg.Queue, "queue_backend": "redis", "consumer": consumer}, 1)
	return job, nil
}

func (s *RedisStore) Complete(ctx context.Context, id string, result map[string]any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.jobKey(id), map[string]any{
		"state":      StateCompleted,
		"finishedOn": now.UnixMilli(),
		"result":     string(raw),
	})
	pipe.SRem(ctx, s.activeKey(), id)
	pipe.SRem(ctx, s.stalledCheckKey(), id)
	pipe.ZAdd(ctx, s.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	s.emit(ctx, EventCompleted, id, "")
	observability.Default.IncCounter(observability.MetricJobsCompleted, s.labels(), 1)
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, id, reason string) (bool, error) {
	maxAttempts, err := s.rdb.HGet(ctx, s.jobKey(id), "maxAttempts").Int()
	if err == redis.Nil {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read maxAttempts for %s: %w", id, err)
	}
	attempts, err := s.rdb.HIncrBy(ctx, s.jobKey(id), "attemptsMade", 1).Result()
	if err != nil {
		return false, fmt.Errorf("increment attempts for %s: %w", id, err)
	}
	if attempts > int64(maxAttempts) {
		attempts = int64(maxAttempts)
		_ = s.rdb.HSet(ctx, s.jobKey(id), "attemptsMade", attempts).Err()
	}

	now := time.Now().UTC()
	if int(attempts) < maxAttempts {
		delay := s.opts.Backoff(int(attempts))
		runAt := now.Add(delay)
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, s.jobKey(id), map[string]any{
			"state":        StateDelayed,
			"failedReason": reason,
		})
		pipe.SRem(ctx, s.activeKey(), id)
		pipe.SRem(ctx, s.stalledCheckKey(), id)
		pipe.ZAdd(ctx, s.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("delay job %s: %w", id, err)
		}
		s.emit(ctx, EventDelayed, id, reason)
		observability.Default.IncCounter(observability.MetricJobsRetried, s.labels(), 1)
		return true, nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.jobKey(id), map[string]any{
		"state":        StateFailed,
		"finishedOn":   now.UnixMilli(),
		"failedReason": reason,
	})
	pipe.SRem(ctx, s.activeKey(), id)
	pipe.SRem(ctx, s.stalledCheckKey(), id)
	pipe.ZAdd(ctx, s.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	s.emit(ctx, EventFailed, id, reason)
	observability.Default.IncCounter(observability.MetricJobsFailed, s.labels(), 1)
	return false, nil
}

func (s *RedisStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.rdb.ZRangeByScore(ctx, s.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due delayed jobs: %w", err)
	}
	promoted := 0
	for _, id := range due {
		removed, err := s.rdb.ZRem(ctx, s.delayedKey(), id).Result()
		if err != nil {
			return promoted, fmt.Errorf("promote job %s: %w", id, err)
		}
		if removed == 0 {
			// Another worker won the promotion race.
			continue
		}
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, s.jobKey(id), "state", StateWaiting)
		pipe.LPush(ctx, s.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("requeue promoted job %s: %w", id, err)
		}
		s.emit(ctx, EventWaiting, id, "promoted")
		promoted++
	}
	if promoted > 0 {
		observability.Default.IncCounter(observability.MetricJobsPromoted, s.labels(), float64(promoted))
	}
	return promoted, nil
}

func (s *RedisStore) RequeueStalled(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.rdb.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	requeued := 0
	for _, id := range ids {
		processedOn, err := s.rdb.HGet(ctx, s.jobKey(id), "processedOn").Int64()
		if err == redis.Nil {
			_ = s.rdb.SRem(ctx, s.activeKey(), id).Err()
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("read processedOn for %s: %w", id, err)
		}
		if now.Sub(time.UnixMilli(processedOn)) < s.opts.StallWindow {
			_ = s.rdb.SRem(ctx, s.stalledCheckKey(), id).Err()
			continue
		}
		seen, err := s.rdb.SIsMember(ctx, s.stalledCheckKey(), id).Result()
		if err != nil {
			return requeued, fmt.Errorf("stall check for %s: %w", id, err)
		}
		if !seen {
			_ = s.rdb.SAdd(ctx, s.stalledCheckKey(), id).Err()
			continue
		}
		pipe := s.rdb.TxPipeline()
		pipe.SRem(ctx, s.activeKey(), id)
		pipe.SRem(ctx, s.stalledCheckKey(), id)
		pipe.HSet(ctx, s.jobKey(id), "state", StateWaiting)
		pipe.LPush(ctx, s.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("requeue stalled job %s: %w", id, err)
		}
		s.emit(ctx, EventStalled, id, "stall window exceeded")
		requeued++
	}
	if requeued > 0 {
		observability.Default.IncCounter(observability.MetricJobsStalled, s.labels(), float64(requeued))
	}
	return requeued, nil
}

func (s *RedisStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	removed := 0

	// Completed: drop by age, then enforce the count cap on what remains.
	ageCut := strconv.FormatInt(now.Add(-s.opts.CompletedAge).UnixMilli(), 10)
	old, err := s.rdb.ZRangeByScore(ctx, s.completedKey(), &redis.ZRangeBy{Min: "-inf", Max: ageCut}).Result()
	if err != nil {
		return 0, fmt.Errorf("list aged completed jobs: %w", err)
	}
	n, err := s.dropJobs(ctx, s.completedKey(), old)
	if err != nil {
		return removed, err
	}
	removed += n
	count, err := s.rdb.ZCard(ctx, s.completedKey()).Result()
	if err != nil {
		return removed, fmt.Errorf("count completed jobs: %w", err)
	}
	if over := count - int64(s.opts.CompletedKeep); over > 0 {
		oldest, err := s.rdb.ZRange(ctx, s.completedKey(), 0, over-1).Result()
		if err != nil {
			return removed, fmt.Errorf("list overflow completed jobs: %w", err)
		}
		n, err := s.dropJobs(ctx, s.completedKey(), oldest)
		if err != nil {
			return removed, err
		}
		removed += n
	}

	// Failed: age only.
	failedCut := strconv.FormatInt(now.Add(-s.opts.FailedAge).UnixMilli(), 10)
	oldFailed, err := s.rdb.ZRangeByScore(ctx, s.failedKey(), &redis.ZRangeBy{Min: "-inf", Max: failedCut}).Result()
	if err != nil {
		return removed, fmt.Errorf("list aged failed jobs: %w", err)
	}
	n, err = s.dropJobs(ctx, s.failedKey(), oldFailed)
	if err != nil {
		return removed, err
	}
	removed += n

	if removed > 0 {
		observability.Default.IncCounter(observability.MetricJobsCleaned, s.labels(), float64(removed))
	}
	return removed, nil
}

func (s *RedisStore) dropJobs(ctx context.Context, zsetKey string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, zsetKey, id)
		pipe.Del(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("drop %d jobs: %w", len(ids), err)
	}
	return len(ids), nil
}

func (s *RedisStore) RetryJob(ctx context.Context, id string) error {
	state, err := s.rdb.HGet(ctx, s.jobKey(id), "state").Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read state for %s: %w", id, err)
	}
	if state != StateFailed {
		return ErrNotFailed
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.failedKey(), id)
	pipe.HSet(ctx, s.jobKey(id), "state", StateWaiting)
	pipe.HDel(ctx, s.jobKey(id), "finishedOn")
	pipe.LPush(ctx, s.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	s.emit(ctx, EventRetried, id, "")
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*Job, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	job, err := jobFromHash(id, fields)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	pipe := s.rdb.Pipeline()
	waiting := pipe.LLen(ctx, s.waitingKey())
	active := pipe.SCard(ctx, s.activeKey())
	completed := pipe.ZCard(ctx, s.completedKey())
	failed := pipe.ZCard(ctx, s.failedKey())
	delayed := pipe.ZCard(ctx, s.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	stats := Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	observability.Default.SetGauge(observability.MetricQueueWaiting, s.labels(), float64(stats.Waiting))
	observability.Default.SetGauge(observability.MetricQueueActive, s.labels(), float64(stats.Active))
	observability.Default.SetGauge(observability.MetricQueueDelayed, s.labels(), float64(stats.Delayed))
	return stats, nil
}

func jobFromHash(id string, fields map[string]string) (*Job, error) {
	job := &Job{
		ID: id,
		Payload: Payload{
			UseCase:   fields["useCase"],
			Recipient: fields["recipient"],
		},
		State:        fields["state"],
		FailedReason: fields["failedReason"],
	}
	if raw := fields["filters"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &job.Payload.Filters); err != nil {
			return nil, fmt.Errorf("job %s: parse filters: %w", id, err)
		}
	}
	if raw := fields["result"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &job.Result); err != nil {
			return nil, fmt.Errorf("job %s: parse result: %w", id, err)
		}
	}
	var err error
	if job.AttemptsMade, err = atoiField(fields, "attemptsMade"); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	if job.MaxAttempts, err = atoiField(fields, "maxAttempts"); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	job.CreatedAt = msField(fields, "createdAt")
	job.ProcessedOn = msField(fields, "processedOn")
	job.FinishedOn = msField(fields, "finishedOn")
	return job, nil
}

func atoiField(fields map[string]string, key string) (int, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func msField(fields map[string]string, key string) time.Time {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
