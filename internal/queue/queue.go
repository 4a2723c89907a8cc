// Package queue implements the durable job queue on Redis lists: a
// pending list per queue name, a processing list each consumer claims into
// via BRPOPLPUSH, and a JSON job record per job id carrying
// payload/attempt bookkeeping. A claimed job only leaves the processing list on Ack; if a
// worker dies mid-job, RecoverExpired finds it past its visibility
// deadline and moves it back to pending for another worker to pick up.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/runflow/controlplane/internal/metrics"
	"github.com/runflow/controlplane/internal/types"
)

// Job is one unit of work dequeued from a named queue.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	ClaimedAt  time.Time       `json:"claimed_at,omitempty"`
	Attempts   int             `json:"attempts"`
}

// Queue is a durable, Redis-backed FIFO job queue supporting multiple
// named queues (per-user queues plus the legacy global execute-run and
// destroy-browser queues).
type Queue struct {
	rdb          *redis.Client
	visibility   time.Duration
	retention    time.Duration
}

// New creates a Queue against the given Redis client.
func New(rdb *redis.Client, visibilityTimeout, jobRetention time.Duration) *Queue {
	return &Queue{rdb: rdb, visibility: visibilityTimeout, retention: jobRetention}
}

func pendingKey(queue string) string    { return "queue:" + queue + ":pending" }
func processingKey(queue string) string { return "queue:" + queue + ":processing" }
func jobKey(id string) string           { return "queue:job:" + id }

// registryKey holds the set of queue names a worker should poll. Per-user
// queues are created ad hoc by Enqueue, so the registry is how a worker
// discovers them without scanning Redis keyspace.
const registryKey = "queue:registry"

// Enqueue appends a job to the named queue and returns its id.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	job := Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Payload:    raw,
		EnqueuedAt: time.Now(),
	}
	jobRaw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), jobRaw, 0)
	pipe.LPush(ctx, pendingKey(queueName), job.ID)
	pipe.SAdd(ctx, registryKey, queueName)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", types.Classify(types.KindQueueError, "failed to enqueue job", err)
	}
	if depth, derr := q.Depth(ctx, queueName); derr == nil {
		metrics.UpdateQueueDepth(queueName, depth)
	}
	return job.ID, nil
}

// ListQueues returns every queue name a job has ever been enqueued to, so
// a worker can discover what to poll. A legacy global queue is listed only
// once a job has been enqueued to it.
func (q *Queue) ListQueues(ctx context.Context) ([]string, error) {
	names, err := q.rdb.SMembers(ctx, registryKey).Result()
	if err != nil {
		return nil, types.Classify(types.KindQueueError, "failed to list registered queues", err)
	}
	return names, nil
}

// Claim blocks (up to timeout) for the next job on queueName, atomically
// moving it from pending to processing. Returns (nil, nil) on timeout with
// no job available.
func (q *Queue) Claim(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	jobID, err := q.rdb.BRPopLPush(ctx, pendingKey(queueName), processingKey(queueName), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Classify(types.KindQueueError, "failed to claim job", err)
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.ClaimedAt = time.Now()
	job.Attempts++
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if depth, derr := q.Depth(ctx, queueName); derr == nil {
		metrics.UpdateQueueDepth(queueName, depth)
	}
	return job, nil
}

func (q *Queue) loadJob(ctx context.Context, jobID string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrJobNotFound
	}
	if err != nil {
		return nil, types.Classify(types.KindQueueError, "failed to load job record", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.rdb.Set(ctx, jobKey(job.ID), raw, 0).Err(); err != nil {
		return types.Classify(types.KindQueueError, "failed to persist job record", err)
	}
	return nil
}

// Ack removes a completed job from its processing list and lets the job
// record expire after the retention window (kept briefly for status
// queries, not forever).
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
	if q.retention > 0 {
		pipe.Expire(ctx, jobKey(job.ID), q.retention)
	} else {
		pipe.Del(ctx, jobKey(job.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.Classify(types.KindQueueError, "failed to ack job", err)
	}
	return nil
}

// Nack moves a job back to pending for retry, removing it from processing.
func (q *Queue) Nack(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
	pipe.LPush(ctx, pendingKey(job.Queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.Classify(types.KindQueueError, "failed to requeue job", err)
	}
	return nil
}

// RecoverExpired scans queueName's processing list for jobs whose
// visibility deadline has passed (their owning worker likely died) and
// moves them back to pending. Returns the ids recovered.
func (q *Queue) RecoverExpired(ctx context.Context, queueName string) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, processingKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, types.Classify(types.KindQueueError, "failed to scan processing list", err)
	}

	var recovered []string
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrJobNotFound) {
				// Job record is gone (expired retention); drop the orphaned processing entry.
				q.rdb.LRem(ctx, processingKey(queueName), 1, id)
				continue
			}
			log.Warn().Err(err).Str("job_id", id).Msg("failed to load job during expiry scan")
			continue
		}
		if time.Since(job.ClaimedAt) < q.visibility {
			continue
		}
		if err := q.Nack(ctx, job); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("failed to recover expired job")
			continue
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// Depth returns the number of jobs waiting in queueName's pending list.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	n, err := q.rdb.LLen(ctx, pendingKey(queueName)).Result()
	if err != nil {
		return 0, types.Classify(types.KindQueueError, "failed to read queue depth", err)
	}
	return n, nil
}

// Legacy global queue names kept alongside per-user queues; see DESIGN.md
// "Open question decisions".
const (
	LegacyExecuteRunQueue     = "execute-run"
	LegacyDestroyBrowserQueue = "destroy-browser"
)

// UserQueueName returns the per-user queue name for a given purpose.
func UserQueueName(userID, purpose string) string {
	return "user:" + userID + ":" + purpose
}
