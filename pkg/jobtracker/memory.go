package jobtracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryTracker keeps job state in process-local maps. Fine for a
// single worker; anything multi-process needs the redis tracker.
type memoryTracker struct {
	mu   sync.Mutex
	jobs map[string]*memoryJob
	now  func() time.Time
}

type memoryJob struct {
	job Job

	logMu      sync.Mutex
	logCond    *sync.Cond
	logLines   []string
	dropped    int64
	logExpires time.Time
}

// NewMemory builds the in-process tracker.
func NewMemory() Tracker {
	return &memoryTracker{
		jobs: map[string]*memoryJob{},
		now:  time.Now,
	}
}

func (t *memoryTracker) Create(ctx context.Context, kind Kind) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reapLocked()

	id := uuid.NewString()
	entry := &memoryJob{
		job: Job{
			ID:        id,
			Kind:      kind,
			Status:    StatusPending,
			StartedAt: t.now(),
		},
		logExpires: t.now().Add(LogTTL),
	}
	entry.logCond = sync.NewCond(&entry.logMu)
	t.jobs[id] = entry
	return id, nil
}

func (t *memoryTracker) SetStatus(ctx context.Context, id string, status Status, jobErr, result string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.liveLocked(id)
	if !ok {
		return ErrJobNotFound
	}
	entry.job.Status = status
	entry.job.Error = jobErr
	entry.job.Result = result
	if status == StatusCompleted || status == StatusFailed {
		completed := t.now()
		entry.job.CompletedAt = &completed
	}
	return nil
}

func (t *memoryTracker) Get(ctx context.Context, id string) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.liveLocked(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := entry.job
	if entry.job.CompletedAt != nil {
		completed := *entry.job.CompletedAt
		snapshot.CompletedAt = &completed
	}
	return &snapshot, nil
}

func (t *memoryTracker) List(ctx context.Context) ([]Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reapLocked()
	jobs := make([]Job, 0, len(t.jobs))
	for _, entry := range t.jobs {
		jobs = append(jobs, entry.job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })
	return jobs, nil
}

func (t *memoryTracker) PushLog(ctx context.Context, id, line string) error {
	t.mu.Lock()
	entry, ok := t.liveLocked(id)
	t.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	entry.logMu.Lock()
	defer entry.logMu.Unlock()
	if len(entry.logLines) >= LogQueueCapacity {
		entry.logLines = entry.logLines[1:]
		entry.dropped++
	}
	entry.logLines = append(entry.logLines, line)
	entry.logExpires = t.now().Add(LogTTL)
	entry.logCond.Broadcast()
	return nil
}

func (t *memoryTracker) PopLog(ctx context.Context, id string, timeout time.Duration) (string, bool, error) {
	t.mu.Lock()
	entry, ok := t.liveLocked(id)
	t.mu.Unlock()
	if !ok {
		return "", false, ErrJobNotFound
	}

	deadline := t.now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		entry.logMu.Lock()
		entry.logCond.Broadcast()
		entry.logMu.Unlock()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		entry.logMu.Lock()
		entry.logCond.Broadcast()
		entry.logMu.Unlock()
	})
	defer stop()

	entry.logMu.Lock()
	defer entry.logMu.Unlock()
	for {
		// Log queues live shorter than their jobs; past the 1h TTL the
		// remaining lines are gone even though the job is still visible.
		if t.now().After(entry.logExpires) {
			entry.logLines = nil
			entry.dropped = 0
			return "", false, nil
		}
		if entry.dropped > 0 {
			line := DroppedSentinel(entry.dropped)
			entry.dropped = 0
			return line, true, nil
		}
		if len(entry.logLines) > 0 {
			line := entry.logLines[0]
			entry.logLines = entry.logLines[1:]
			return line, true, nil
		}
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		if !t.now().Before(deadline) {
			return "", false, nil
		}
		entry.logCond.Wait()
	}
}

func (t *memoryTracker) FailRunning(ctx context.Context, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	completed := t.now()
	for _, entry := range t.jobs {
		if entry.job.Status == StatusPending || entry.job.Status == StatusRunning {
			entry.job.Status = StatusFailed
			entry.job.Error = reason
			entry.job.CompletedAt = &completed
		}
	}
	return nil
}

// liveLocked returns the entry for id unless its 24h lifetime lapsed.
func (t *memoryTracker) liveLocked(id string) (*memoryJob, bool) {
	entry, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	if t.now().Sub(entry.job.StartedAt) > JobTTL {
		delete(t.jobs, id)
		return nil, false
	}
	return entry, true
}

func (t *memoryTracker) reapLocked() {
	cutoff := t.now().Add(-JobTTL)
	for id, entry := range t.jobs {
		if entry.job.StartedAt.Before(cutoff) {
			delete(t.jobs, id)
			continue
		}
		entry.logMu.Lock()
		if t.now().After(entry.logExpires) {
			entry.logLines = nil
			entry.dropped = 0
		}
		entry.logMu.Unlock()
	}
}
