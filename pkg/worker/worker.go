// Package worker runs background jobs (imports, metadata syncs, bug
// updates) off a bounded queue. Handlers submit and return immediately;
// job state and logs flow through the tracker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openshift-eng/testpulse/pkg/errkind"
	"github.com/openshift-eng/testpulse/pkg/jobtracker"
)

const (
	// DefaultPoolSize is how many jobs run concurrently.
	DefaultPoolSize = 2
	// DefaultQueueCapacity bounds pending submissions.
	DefaultQueueCapacity = 64
	// DefaultDrainTimeout is how long shutdown waits for in-flight jobs
	// before cancelling their context.
	DefaultDrainTimeout = 5 * time.Minute
)

// ErrQueueFull is returned when the pending queue cannot take another
// job.
var ErrQueueFull = errors.New("background job queue is full")

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "testpulse_background_jobs_total",
		Help: "number of background jobs by kind and result",
	},
	[]string{"kind", "result"},
)

func init() {
	prometheus.MustRegister(jobsTotal)
}

// Fn is the body of one background job. It reports progress through
// log and returns an optional result payload for the job snapshot.
type Fn func(ctx context.Context, log func(line string)) (result string, err error)

type task struct {
	id   string
	kind jobtracker.Kind
	run  Fn
}

// Options configure a pool; zero values fall back to the defaults.
type Options struct {
	Size          int
	QueueCapacity int
	// DrainTimeout bounds how long Run lets in-flight jobs finish after
	// its context is cancelled.
	DrainTimeout time.Duration
}

// Pool runs submitted jobs with bounded concurrency.
type Pool struct {
	tracker jobtracker.Tracker
	queue   chan task
	size    int
	drain   time.Duration
	logger  *logrus.Entry
}

// NewPool builds a pool.
func NewPool(tracker jobtracker.Tracker, opts Options, logger *logrus.Entry) *Pool {
	if opts.Size <= 0 {
		opts.Size = DefaultPoolSize
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Pool{
		tracker: tracker,
		queue:   make(chan task, opts.QueueCapacity),
		size:    opts.Size,
		drain:   opts.DrainTimeout,
		logger:  logger,
	}
}

// Run blocks processing jobs until ctx is cancelled. Cancellation stops
// intake immediately but in-flight jobs keep their own work context for
// the drain budget; only past it are they hard-cancelled. Jobs still
// queued or running afterwards are failed with the shutdown reason by
// the caller via the tracker.
func (p *Pool) Run(ctx context.Context) {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.queue:
					p.execute(workCtx, job)
				}
			}
		}()
	}

	<-ctx.Done()
	idle := make(chan struct{})
	go func() {
		wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(p.drain):
		p.logger.Warn("drain budget expired, cancelling in-flight jobs")
		cancelWork()
	}
	<-idle
}

// Submit registers a job with the tracker, queues it and returns its
// id. A full queue fails fast with ErrQueueFull and no tracker entry
// is left pending.
func (p *Pool) Submit(ctx context.Context, kind jobtracker.Kind, run Fn) (string, error) {
	id, err := p.tracker.Create(ctx, kind)
	if err != nil {
		return "", err
	}
	select {
	case p.queue <- task{id: id, kind: kind, run: run}:
		return id, nil
	default:
		if err := p.tracker.SetStatus(ctx, id, jobtracker.StatusFailed, ErrQueueFull.Error(), ""); err != nil {
			p.logger.WithError(err).Warn("could not fail rejected job")
		}
		return "", ErrQueueFull
	}
}

func (p *Pool) execute(ctx context.Context, job task) {
	logger := p.logger.WithFields(logrus.Fields{"job": job.id, "kind": job.kind})
	if err := p.tracker.SetStatus(ctx, job.id, jobtracker.StatusRunning, "", ""); err != nil {
		logger.WithError(err).Error("could not mark job running")
		return
	}

	log := func(line string) {
		if err := p.tracker.PushLog(ctx, job.id, line); err != nil {
			logger.WithError(err).Debug("could not push job log line")
		}
	}

	result, err := p.run(ctx, job, log)
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = jobtracker.ShutdownReason
		}
		// The job may outlive a cancelled worker context just long
		// enough to record its fate.
		if statusErr := p.tracker.SetStatus(context.WithoutCancel(ctx), job.id, jobtracker.StatusFailed, reason, ""); statusErr != nil {
			logger.WithError(statusErr).Error("could not mark job failed")
		}
		jobsTotal.WithLabelValues(string(job.kind), "failed").Inc()
		logger.WithError(err).WithField("reason", errkind.ReasonFor(err)).Error("background job failed")
		return
	}

	if err := p.tracker.SetStatus(ctx, job.id, jobtracker.StatusCompleted, "", result); err != nil {
		logger.WithError(err).Error("could not mark job completed")
	}
	jobsTotal.WithLabelValues(string(job.kind), "completed").Inc()
	logger.Info("background job completed")
}

// run isolates panics of one job body.
func (p *Pool) run(ctx context.Context, job task, log func(string)) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.run(ctx, log)
}
