package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/storeflow/storeflow-sync-server/internal/errs"
)

const (
	// dequeueBlock is how long Dequeue blocks waiting for work before
	// reporting an empty queue.
	dequeueBlock = 1 * time.Second
)

// redisQueue is the production queue substrate. Waiting jobs live on a list,
// active jobs on a second list, and job bodies in a hash, so waiting and
// active jobs survive process restarts. A crash mid-job leaves the job on the
// active list with a stale heartbeat for the staleness sweep to reclaim.
type redisQueue struct {
	name string
	rdb  redis.UniversalClient
}

// NewRedis creates a redis-backed queue factory sharing one client.
func NewRedis(rdb redis.UniversalClient) Factory {
	return func(name string) Queue {
		return &redisQueue{name: name, rdb: rdb}
	}
}

func (q *redisQueue) Name() string { return q.name }

func (q *redisQueue) waitingKey() string   { return q.name + ":waiting" }
func (q *redisQueue) activeKey() string    { return q.name + ":active" }
func (q *redisQueue) jobsKey() string      { return q.name + ":jobs" }
func (q *redisQueue) pausedKey() string    { return q.name + ":paused" }
func (q *redisQueue) cancelledKey() string { return q.name + ":cancelled" }
func (q *redisQueue) completedKey() string { return q.name + ":completed" }
func (q *redisQueue) failedKey() string    { return q.name + ":failed" }

func (q *redisQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Queue = q.name
	job.EnqueuedAt = time.Now().UTC()
	job.ProgressAt = job.EnqueuedAt

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobsKey(), job.ID, body)
	pipe.LPush(ctx, q.waitingKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue on %s: %w", q.name, err)
	}
	return job.ID, nil
}

func (q *redisQueue) Dequeue(ctx context.Context) (*Job, error) {
	paused, err := q.Paused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	id, err := q.rdb.BLMove(ctx, q.waitingKey(), q.activeKey(), "RIGHT", "LEFT", dequeueBlock).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", q.name, err)
	}

	job, err := q.getJob(ctx, id)
	if err != nil {
		// Body vanished (e.g. cancel raced the move); drop the orphan id.
		q.rdb.LRem(ctx, q.activeKey(), 0, id)
		return nil, nil
	}

	now := time.Now().UTC()
	job.StartedAt = &now
	job.ProgressAt = now
	if err := q.putJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *redisQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	return q.getJob(ctx, jobID)
}

func (q *redisQueue) ListActive(ctx context.Context) ([]Job, error) {
	ids, err := q.rdb.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list active on %s: %w", q.name, err)
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.getJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (q *redisQueue) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Progress = percent
	job.ProgressAt = time.Now().UTC()
	return q.putJob(ctx, job)
}

func (q *redisQueue) Complete(ctx context.Context, jobID string, failed bool) error {
	counter := q.completedKey()
	if failed {
		counter = q.failedKey()
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, jobID)
	pipe.LRem(ctx, q.waitingKey(), 0, jobID)
	pipe.HDel(ctx, q.jobsKey(), jobID)
	pipe.SRem(ctx, q.cancelledKey(), jobID)
	pipe.Incr(ctx, counter)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, q.pausedKey(), "1", 0).Err()
}

func (q *redisQueue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.pausedKey()).Err()
}

func (q *redisQueue) Paused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *redisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	exists, err := q.rdb.HExists(ctx, q.jobsKey(), jobID).Result()
	if err != nil {
		return false, err
	}
	if !exists {
		return false, errs.NewNotFound("no job %s on queue %s", jobID, q.name)
	}

	// Waiting job: remove it before a worker ever sees it.
	removed, err := q.rdb.LRem(ctx, q.waitingKey(), 0, jobID).Result()
	if err != nil {
		return false, err
	}
	if removed > 0 {
		q.rdb.HDel(ctx, q.jobsKey(), jobID)
		return true, nil
	}

	// Active job: flag it and let the worker exit at its next safe point.
	if err := q.rdb.SAdd(ctx, q.cancelledKey(), jobID).Err(); err != nil {
		return false, err
	}
	return false, nil
}

func (q *redisQueue) Cancelled(ctx context.Context, jobID string) (bool, error) {
	return q.rdb.SIsMember(ctx, q.cancelledKey(), jobID).Result()
}

func (q *redisQueue) Counts(ctx context.Context) (Counts, error) {
	var counts Counts

	waiting, err := q.rdb.LLen(ctx, q.waitingKey()).Result()
	if err != nil {
		return counts, err
	}
	active, err := q.rdb.LLen(ctx, q.activeKey()).Result()
	if err != nil {
		return counts, err
	}
	completed, _ := q.rdb.Get(ctx, q.completedKey()).Int64()
	failed, _ := q.rdb.Get(ctx, q.failedKey()).Int64()

	counts.Waiting = waiting
	counts.Active = active
	counts.Completed = completed
	counts.Failed = failed
	return counts, nil
}

func (q *redisQueue) getJob(ctx context.Context, id string) (*Job, error) {
	body, err := q.rdb.HGet(ctx, q.jobsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errs.NewNotFound("no job %s on queue %s", id, q.name)
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (q *redisQueue) putJob(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, q.jobsKey(), job.ID, body).Err()
}
