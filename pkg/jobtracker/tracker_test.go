package jobtracker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Both backends must satisfy the same contract; every test runs against
// each of them.
func trackers(t *testing.T) map[string]Tracker {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Tracker{
		"memory": NewMemory(),
		"redis":  NewRedisFromClient(client),
	}
}

func TestLifecycle(t *testing.T) {
	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := tracker.Create(ctx, KindImport)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			job, err := tracker.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, StatusPending, job.Status)
			require.Equal(t, KindImport, job.Kind)
			require.Nil(t, job.CompletedAt)

			require.NoError(t, tracker.SetStatus(ctx, id, StatusRunning, "", ""))
			job, err = tracker.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, StatusRunning, job.Status)

			require.NoError(t, tracker.SetStatus(ctx, id, StatusCompleted, "", `{"imported":3}`))
			job, err = tracker.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, job.Status)
			require.Equal(t, `{"imported":3}`, job.Result)
			require.NotNil(t, job.CompletedAt)

			_, err = tracker.Get(ctx, "no-such-job")
			require.ErrorIs(t, err, ErrJobNotFound)
		})
	}
}

func TestLogQueue(t *testing.T) {
	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := tracker.Create(ctx, KindMetadataSync)
			require.NoError(t, err)

			require.NoError(t, tracker.PushLog(ctx, id, "cloning repository"))
			require.NoError(t, tracker.PushLog(ctx, id, "scanning 120 files"))

			line, ok, err := tracker.PopLog(ctx, id, time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "cloning repository", line)

			line, ok, err = tracker.PopLog(ctx, id, time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "scanning 120 files", line)

			// Empty queue: the pop times out without a line.
			start := time.Now()
			_, ok, err = tracker.PopLog(ctx, id, 50*time.Millisecond)
			require.NoError(t, err)
			require.False(t, ok)
			require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		})
	}
}

func TestLogQueueOverflow(t *testing.T) {
	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := tracker.Create(ctx, KindImport)
			require.NoError(t, err)

			for i := 0; i < LogQueueCapacity+3; i++ {
				require.NoError(t, tracker.PushLog(ctx, id, fmt.Sprintf("line %d", i)))
			}

			line, ok, err := tracker.PopLog(ctx, id, time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, DroppedSentinel(3), line)

			line, ok, err = tracker.PopLog(ctx, id, time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "line 3", line, "oldest surviving line follows the sentinel")
		})
	}
}

func TestFailRunning(t *testing.T) {
	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			running, err := tracker.Create(ctx, KindImport)
			require.NoError(t, err)
			require.NoError(t, tracker.SetStatus(ctx, running, StatusRunning, "", ""))
			done, err := tracker.Create(ctx, KindImport)
			require.NoError(t, err)
			require.NoError(t, tracker.SetStatus(ctx, done, StatusCompleted, "", ""))

			require.NoError(t, tracker.FailRunning(ctx, ShutdownReason))

			job, err := tracker.Get(ctx, running)
			require.NoError(t, err)
			require.Equal(t, StatusFailed, job.Status)
			require.Equal(t, ShutdownReason, job.Error)

			job, err = tracker.Get(ctx, done)
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, job.Status, "terminal jobs stay untouched")
		})
	}
}

func TestList(t *testing.T) {
	for name, tracker := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := tracker.Create(ctx, KindImport)
			require.NoError(t, err)
			second, err := tracker.Create(ctx, KindMetadataSync)
			require.NoError(t, err)
			require.NoError(t, tracker.SetStatus(ctx, second, StatusRunning, "", ""))

			jobs, err := tracker.List(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
			byID := map[string]Job{}
			for _, job := range jobs {
				byID[job.ID] = job
			}
			require.Equal(t, StatusPending, byID[first].Status)
			require.Equal(t, StatusRunning, byID[second].Status)
		})
	}
}

func TestMemoryJobExpiry(t *testing.T) {
	tracker := NewMemory().(*memoryTracker)
	current := time.Now()
	tracker.now = func() time.Time { return current }

	ctx := context.Background()
	id, err := tracker.Create(ctx, KindImport)
	require.NoError(t, err)

	current = current.Add(JobTTL + time.Minute)
	_, err = tracker.Get(ctx, id)
	require.ErrorIs(t, err, ErrJobNotFound, "jobs must not be observable past their 24h lifetime")
}

func TestMemoryLogExpiry(t *testing.T) {
	tracker := NewMemory().(*memoryTracker)
	current := time.Now()
	tracker.now = func() time.Time { return current }

	ctx := context.Background()
	id, err := tracker.Create(ctx, KindImport)
	require.NoError(t, err)
	require.NoError(t, tracker.PushLog(ctx, id, "cloning repository"))

	// Logs expire an hour after the last push; the job itself lives on.
	current = current.Add(LogTTL + time.Minute)
	_, ok, err := tracker.PopLog(ctx, id, 0)
	require.NoError(t, err)
	require.False(t, ok, "expired log queues must not serve lines")

	job, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, job.Status)
}
