// Package jobtracker owns the state of background jobs (imports,
// metadata syncs, bug updates) and their streaming log queues. Two
// backends implement the same contract: an in-process tracker for
// single-worker deployments and a redis tracker for shared ones;
// selection is a startup choice based on configuration.
package jobtracker

import (
	"context"
	"fmt"
	"time"
)

// Kind names the work a background job performs.
type Kind string

const (
	KindImport       Kind = "import"
	KindMetadataSync Kind = "metadata_sync"
	KindBugUpdate    Kind = "bug_update"
)

// Status is the lifecycle state of a background job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	// JobTTL caps how long job state stays observable.
	JobTTL = 24 * time.Hour
	// LogTTL caps how long per-job log queues stay observable.
	LogTTL = time.Hour
	// LogQueueCapacity bounds one job's log queue; on overflow the
	// oldest lines are dropped and a sentinel reports the count.
	LogQueueCapacity = 1000

	// ShutdownReason marks jobs failed by process shutdown.
	ShutdownReason = "shutdown"
)

// DroppedSentinel renders the line emitted after queue overflow.
func DroppedSentinel(n int64) string {
	return fmt.Sprintf("...(%d lines dropped)", n)
}

// Job is a point-in-time snapshot of one background job.
type Job struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// ErrJobNotFound is returned for unknown or expired job ids.
var ErrJobNotFound = fmt.Errorf("job not found")

// Tracker is the shared store of background job state. Only the tracker
// mutates job state; every other component consumes snapshots.
type Tracker interface {
	// Create registers a new pending job and returns its id.
	Create(ctx context.Context, kind Kind) (string, error)
	// SetStatus atomically moves a job to status, recording an error
	// or result payload alongside terminal states.
	SetStatus(ctx context.Context, id string, status Status, jobErr, result string) error
	// Get returns a snapshot of the job.
	Get(ctx context.Context, id string) (*Job, error)
	// List returns snapshots of all unexpired jobs, newest first.
	List(ctx context.Context) ([]Job, error)
	// PushLog appends one line to the job's bounded log queue.
	PushLog(ctx context.Context, id, line string) error
	// PopLog blocks up to timeout for the next log line. The second
	// return is false when the timeout elapsed with no line.
	PopLog(ctx context.Context, id string, timeout time.Duration) (string, bool, error)
	// FailRunning marks every pending or running job failed with the
	// given reason; called on graceful-shutdown expiry.
	FailRunning(ctx context.Context, reason string) error
}
