package jobtracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix     = "testpulse:job:"
	logKeyPrefix     = "testpulse:joblog:"
	droppedKeyPrefix = "testpulse:jobdropped:"
)

// redisTracker keeps job state in redis so every worker process sees
// the same jobs and queues. TTLs ride on the redis keys themselves.
type redisTracker struct {
	client *redis.Client
}

// NewRedis builds the shared tracker from a redis URL.
func NewRedis(redisURL string) (Tracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &redisTracker{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wires an existing client; used by tests.
func NewRedisFromClient(client *redis.Client) Tracker {
	return &redisTracker{client: client}
}

func (t *redisTracker) Create(ctx context.Context, kind Kind) (string, error) {
	id := uuid.NewString()
	job := Job{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
	if err := t.store(ctx, &job); err != nil {
		return "", err
	}
	return id, nil
}

func (t *redisTracker) SetStatus(ctx context.Context, id string, status Status, jobErr, result string) error {
	job, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	job.Status = status
	job.Error = jobErr
	job.Result = result
	if status == StatusCompleted || status == StatusFailed {
		completed := time.Now()
		job.CompletedAt = &completed
	}
	return t.store(ctx, job)
}

func (t *redisTracker) Get(ctx context.Context, id string) (*Job, error) {
	payload, err := t.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("could not decode job %s: %w", id, err)
	}
	return &job, nil
}

func (t *redisTracker) List(ctx context.Context) ([]Job, error) {
	var jobs []Job
	iter := t.client.Scan(ctx, 0, jobKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		job, err := t.Get(ctx, iter.Val()[len(jobKeyPrefix):])
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })
	return jobs, nil
}

func (t *redisTracker) PushLog(ctx context.Context, id, line string) error {
	if _, err := t.Get(ctx, id); err != nil {
		return err
	}
	logKey := logKeyPrefix + id
	pipe := t.client.TxPipeline()
	pushed := pipe.RPush(ctx, logKey, line)
	pipe.Expire(ctx, logKey, LogTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("could not push log line of job %s: %w", id, err)
	}
	// Bound the queue: shed the oldest line and count it for the
	// overflow sentinel.
	if pushed.Val() > LogQueueCapacity {
		pipe := t.client.TxPipeline()
		pipe.LPop(ctx, logKey)
		pipe.Incr(ctx, droppedKeyPrefix+id)
		pipe.Expire(ctx, droppedKeyPrefix+id, LogTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("could not trim log queue of job %s: %w", id, err)
		}
	}
	return nil
}

func (t *redisTracker) PopLog(ctx context.Context, id string, timeout time.Duration) (string, bool, error) {
	if _, err := t.Get(ctx, id); err != nil {
		return "", false, err
	}
	// Overflow sentinel first, so readers learn lines went missing in
	// the order it happened.
	dropped, err := t.client.GetDel(ctx, droppedKeyPrefix+id).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("could not read drop counter of job %s: %w", id, err)
	}
	if dropped > 0 {
		return DroppedSentinel(dropped), true, nil
	}

	lines, err := t.client.BLPop(ctx, timeout, logKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("could not pop log line of job %s: %w", id, err)
	}
	// BLPop returns [key, value].
	return lines[1], true, nil
}

func (t *redisTracker) FailRunning(ctx context.Context, reason string) error {
	iter := t.client.Scan(ctx, 0, jobKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(jobKeyPrefix):]
		job, err := t.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if job.Status != StatusPending && job.Status != StatusRunning {
			continue
		}
		if err := t.SetStatus(ctx, id, StatusFailed, reason, ""); err != nil && !errors.Is(err, ErrJobNotFound) {
			return err
		}
	}
	return iter.Err()
}

func (t *redisTracker) store(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("could not encode job %s: %w", job.ID, err)
	}
	// The key TTL carries the 24h job lifetime; rewrites shrink it to
	// whatever remains so updates never extend a job's life.
	remaining := JobTTL - time.Since(job.StartedAt)
	if remaining <= 0 {
		return ErrJobNotFound
	}
	if err := t.client.Set(ctx, jobKeyPrefix+job.ID, payload, remaining).Err(); err != nil {
		return fmt.Errorf("could not store job %s: %w", job.ID, err)
	}
	return nil
}
