package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openshift-eng/testpulse/pkg/jobtracker"
)

func startPool(t *testing.T, size, queueCapacity int) (*Pool, jobtracker.Tracker) {
	t.Helper()
	tracker := jobtracker.NewMemory()
	pool := NewPool(tracker, Options{
		Size:          size,
		QueueCapacity: queueCapacity,
		DrainTimeout:  200 * time.Millisecond,
	}, logrus.NewEntry(logrus.New()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return pool, tracker
}

func awaitStatus(t *testing.T, tracker jobtracker.Tracker, id string, want jobtracker.Status) *jobtracker.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := tracker.Get(context.Background(), id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	pool, tracker := startPool(t, 1, 4)

	id, err := pool.Submit(context.Background(), jobtracker.KindImport, func(_ context.Context, log func(string)) (string, error) {
		log("step one")
		return `{"imported":3}`, nil
	})
	require.NoError(t, err)

	job := awaitStatus(t, tracker, id, jobtracker.StatusCompleted)
	require.Equal(t, `{"imported":3}`, job.Result)
	require.NotNil(t, job.CompletedAt)

	line, ok, err := tracker.PopLog(context.Background(), id, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "step one", line)
}

func TestSubmitRecordsFailure(t *testing.T) {
	pool, tracker := startPool(t, 1, 4)

	id, err := pool.Submit(context.Background(), jobtracker.KindMetadataSync, func(_ context.Context, _ func(string)) (string, error) {
		return "", fmt.Errorf("clone failed")
	})
	require.NoError(t, err)

	job := awaitStatus(t, tracker, id, jobtracker.StatusFailed)
	require.Equal(t, "clone failed", job.Error)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	pool, tracker := startPool(t, 1, 1)

	blocker := make(chan struct{})
	_, err := pool.Submit(context.Background(), jobtracker.KindImport, func(_ context.Context, _ func(string)) (string, error) {
		<-blocker
		return "", nil
	})
	require.NoError(t, err)

	// Wait for the worker to pick the first job up, then fill the
	// queue slot.
	require.Eventually(t, func() bool {
		jobs, err := tracker.List(context.Background())
		require.NoError(t, err)
		return len(jobs) == 1 && jobs[0].Status == jobtracker.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	_, err = pool.Submit(context.Background(), jobtracker.KindImport, func(_ context.Context, _ func(string)) (string, error) {
		<-blocker
		return "", nil
	})
	require.NoError(t, err)

	rejectedID, err := pool.Submit(context.Background(), jobtracker.KindImport, func(_ context.Context, _ func(string)) (string, error) {
		return "", nil
	})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Empty(t, rejectedID)
	close(blocker)
}

func TestShutdownGivesJobsDrainBudget(t *testing.T) {
	tracker := jobtracker.NewMemory()
	pool := NewPool(tracker, Options{Size: 1, QueueCapacity: 4, DrainTimeout: 5 * time.Second}, logrus.NewEntry(logrus.New()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	release := make(chan struct{})
	id, err := pool.Submit(context.Background(), jobtracker.KindImport, func(jobCtx context.Context, _ func(string)) (string, error) {
		select {
		case <-jobCtx.Done():
			return "", jobCtx.Err()
		case <-release:
			return "finished", nil
		}
	})
	require.NoError(t, err)
	awaitStatus(t, tracker, id, jobtracker.StatusRunning)

	// Cancelling the run context stops intake but must not reach the
	// in-flight job within the drain budget.
	cancel()
	close(release)
	job := awaitStatus(t, tracker, id, jobtracker.StatusCompleted)
	require.Equal(t, "finished", job.Result)
	<-done
}

func TestShutdownCancelsJobsPastDrainBudget(t *testing.T) {
	tracker := jobtracker.NewMemory()
	pool := NewPool(tracker, Options{Size: 1, QueueCapacity: 4, DrainTimeout: 50 * time.Millisecond}, logrus.NewEntry(logrus.New()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	id, err := pool.Submit(context.Background(), jobtracker.KindImport, func(jobCtx context.Context, _ func(string)) (string, error) {
		<-jobCtx.Done()
		return "", jobCtx.Err()
	})
	require.NoError(t, err)
	awaitStatus(t, tracker, id, jobtracker.StatusRunning)

	cancel()
	job := awaitStatus(t, tracker, id, jobtracker.StatusFailed)
	require.Equal(t, jobtracker.ShutdownReason, job.Error)
	<-done
}

func TestJobPanicIsContained(t *testing.T) {
	pool, tracker := startPool(t, 1, 4)

	id, err := pool.Submit(context.Background(), jobtracker.KindBugUpdate, func(_ context.Context, _ func(string)) (string, error) {
		panic("boom")
	})
	require.NoError(t, err)

	job := awaitStatus(t, tracker, id, jobtracker.StatusFailed)
	require.Contains(t, job.Error, "boom")

	// The worker survived and keeps serving.
	followupID, err := pool.Submit(context.Background(), jobtracker.KindImport, func(_ context.Context, _ func(string)) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	awaitStatus(t, tracker, followupID, jobtracker.StatusCompleted)
}
