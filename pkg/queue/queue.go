package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/hookrelay/hookrelay/pkg/observability"
)

// Retention caps for settled jobs. Jobs beyond the cap are trimmed and
// their envelopes deleted.
const (
	DefaultCompletedRetention = 100
	DefaultFailedRetention    = 500
)

// Config holds queue-wide defaults applied to jobs added without
// explicit options.
type Config struct {
	DefaultAttempts    int
	DefaultBackoffBase time.Duration
	CompletedRetention int
	FailedRetention    int
}

// DefaultConfig returns the standard queue configuration: 3 attempts
// with a 2s exponential backoff base, retaining the last 100 completed
// and 500 failed jobs.
func DefaultConfig() Config {
	return Config{
		DefaultAttempts:    3,
		DefaultBackoffBase: 2 * time.Second,
		CompletedRetention: DefaultCompletedRetention,
		FailedRetention:    DefaultFailedRetention,
	}
}

// Queue is one named, durable job queue backed by redis.
type Queue struct {
	name    string
	client  *redis.Client
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a queue. The redis client is shared with the caller and
// not closed by the queue.
func New(name string, client *redis.Client, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	if cfg.DefaultAttempts <= 0 {
		cfg.DefaultAttempts = DefaultConfig().DefaultAttempts
	}
	if cfg.DefaultBackoffBase <= 0 {
		cfg.DefaultBackoffBase = DefaultConfig().DefaultBackoffBase
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = DefaultCompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = DefaultFailedRetention
	}
	return &Queue{
		name:    name,
		client:  client,
		cfg:     cfg,
		logger:  logger.WithField("queue", name),
		metrics: metrics,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("queue:%s:%s", q.name, suffix)
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

// Add enqueues a payload. A nil opts uses the queue defaults. Jobs with
// a positive Delay land in the delayed set and become runnable once the
// delay elapses.
func (q *Queue) Add(ctx context.Context, payload Payload, opts *Options) (*Job, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	resolved := Options{
		Attempts:    q.cfg.DefaultAttempts,
		BackoffBase: q.cfg.DefaultBackoffBase,
	}
	if opts != nil {
		resolved.Priority = opts.Priority
		resolved.Delay = opts.Delay
		if opts.Attempts > 0 {
			resolved.Attempts = opts.Attempts
		}
		if opts.BackoffBase > 0 {
			resolved.BackoffBase = opts.BackoffBase
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", payload.Kind(), err)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Queue:     q.name,
		Kind:      payload.Kind(),
		Payload:   raw,
		Options:   resolved,
		DedupeID:  uuid.New().String(),
		State:     StateWaiting,
		CreatedAt: time.Now().UTC(),
	}
	if resolved.Delay > 0 {
		job.State = StateDelayed
	}

	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}

	if resolved.Delay > 0 {
		readyAt := float64(time.Now().Add(resolved.Delay).UnixMilli())
		if err := q.client.ZAdd(ctx, q.key("delayed"), &redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
			return nil, fmt.Errorf("failed to schedule delayed job: %w", err)
		}
	} else if err := q.pushWaiting(ctx, job); err != nil {
		return nil, err
	}

	if q.metrics != nil {
		q.metrics.JobsEnqueuedTotal.WithLabelValues(q.name).Inc()
	}
	q.logger.WithFields(map[string]interface{}{
		"job_id": job.ID,
		"kind":   job.Kind,
		"delay":  resolved.Delay.String(),
	}).Debug("Job enqueued")

	return job, nil
}

// pushWaiting places a job id on the waiting list. Workers pop from the
// right, so priority jobs go right and normal jobs go left.
func (q *Queue) pushWaiting(ctx context.Context, job *Job) error {
	var err error
	if job.Options.Priority > 0 {
		err = q.client.RPush(ctx, q.key("waiting"), job.ID).Err()
	} else {
		err = q.client.LPush(ctx, q.key("waiting"), job.ID).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// PromoteDelayed moves jobs whose delay elapsed onto the waiting list.
// Called by the worker loop before each pop.
func (q *Queue) PromoteDelayed(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("failed to promote job %s: %w", id, err)
		}
		if removed == 0 {
			// Another worker promoted it first.
			continue
		}

		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.logger.WithError(err).WithField("job_id", id).Warn("Dropping delayed job with missing envelope")
			continue
		}
		job.State = StateWaiting
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}
		if err := q.pushWaiting(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// GetJob loads a job envelope by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	return nil
}

// settle records a terminal state, appends the job to the matching
// retention list, and prunes envelopes trimmed off the end.
func (q *Queue) settle(ctx context.Context, job *Job, state JobState) error {
	now := time.Now().UTC()
	job.State = state
	job.FinishedAt = &now
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	list, keep := q.key("completed"), q.cfg.CompletedRetention
	if state == StateFailed {
		list, keep = q.key("failed"), q.cfg.FailedRetention
	}

	if err := q.client.LPush(ctx, list, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to record settled job %s: %w", job.ID, err)
	}

	evicted, err := q.client.LRange(ctx, list, int64(keep), -1).Result()
	if err != nil {
		return fmt.Errorf("failed to inspect retention list: %w", err)
	}
	if err := q.client.LTrim(ctx, list, 0, int64(keep-1)).Err(); err != nil {
		return fmt.Errorf("failed to trim retention list: %w", err)
	}
	for _, id := range evicted {
		if err := q.client.Del(ctx, q.jobKey(id)).Err(); err != nil {
			q.logger.WithError(err).WithField("job_id", id).Warn("Failed to prune evicted job envelope")
		}
	}
	return nil
}

// Counts reports the number of jobs in each state, for introspection
// endpoints and tests.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts returns the per-state job counts for this queue.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Waiting, err = q.client.LLen(ctx, q.key("waiting")).Result(); err != nil {
		return c, fmt.Errorf("failed to count waiting jobs: %w", err)
	}
	if c.Active, err = q.client.LLen(ctx, q.key("active")).Result(); err != nil {
		return c, fmt.Errorf("failed to count active jobs: %w", err)
	}
	if c.Delayed, err = q.client.ZCard(ctx, q.key("delayed")).Result(); err != nil {
		return c, fmt.Errorf("failed to count delayed jobs: %w", err)
	}
	if c.Completed, err = q.client.LLen(ctx, q.key("completed")).Result(); err != nil {
		return c, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	if c.Failed, err = q.client.LLen(ctx, q.key("failed")).Result(); err != nil {
		return c, fmt.Errorf("failed to count failed jobs: %w", err)
	}
	return c, nil
}

// ListSettled returns up to limit most recent job envelopes from the
// completed or failed retention list.
func (q *Queue) ListSettled(ctx context.Context, state JobState, limit int64) ([]*Job, error) {
	var list string
	switch state {
	case StateCompleted:
		list = q.key("completed")
	case StateFailed:
		list = q.key("failed")
	default:
		return nil, fmt.Errorf("state %s has no retention list", state)
	}
	if limit <= 0 {
		limit = 50
	}

	ids, err := q.client.LRange(ctx, list, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list settled jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
