// Package metadata synchronizes curated test metadata out of a git
// repository into the store. Discovery reads decorators off the python
// AST without executing anything; reconciliation maintains one global
// baseline row per test plus release overrides that exist only while
// they differ from the baseline.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/errkind"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

var syncsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "testpulse_metadata_syncs_total",
		Help: "number of metadata sync invocations by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(syncsTotal)
}

const (
	// Abort thresholds: a sync gives up when failures are both
	// proportionally and absolutely significant.
	fileFailureRate   = 0.10
	fileFailureFloor  = 5
	batchFailureRate  = 0.10
	batchFailureFloor = 2
)

// ErrSyncInProgress is returned when a trigger races a running sync.
var ErrSyncInProgress = errors.New("metadata sync already in progress")

// Checkouter serves branch checkouts of the metadata repository.
type Checkouter interface {
	EnsureCheckout(ctx context.Context, branch string) (string, error)
}

// Options tune the synchronizer.
type Options struct {
	// TestBase is the test-discovery directory, relative to the
	// repository root.
	TestBase string
	// StagingFile is the staging_tests ini, relative to the repository
	// root.
	StagingFile string
	// RetryAttempts bounds retries of transient git and IO failures.
	RetryAttempts int
	// RetryInitialDelay is the first backoff; doubles per retry.
	RetryInitialDelay time.Duration
	// BatchSize bounds how many tests one write transaction reconciles.
	BatchSize int
}

// Report summarizes one sync invocation.
type Report struct {
	SyncLogID      int64       `json:"sync_log_id"`
	FilesScanned   int64       `json:"files_scanned"`
	FilesFailed    int64       `json:"files_failed"`
	TestsUpserted  int64       `json:"tests_upserted"`
	TestsUnchanged int64       `json:"tests_unchanged"`
	FileErrors     []FileError `json:"file_errors,omitempty"`
}

// Synchronizer runs the metadata pipeline. At most one sync is in
// flight per process; concurrent triggers get ErrSyncInProgress.
type Synchronizer struct {
	database   *db.DB
	checkouter Checkouter
	discoverer *Discoverer
	options    Options
	logger     *logrus.Entry

	inProgress atomic.Bool
}

// New builds a synchronizer.
func New(database *db.DB, checkouter Checkouter, options Options, logger *logrus.Entry) *Synchronizer {
	if options.RetryAttempts <= 0 {
		options.RetryAttempts = 3
	}
	if options.RetryInitialDelay <= 0 {
		options.RetryInitialDelay = time.Minute
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 200
	}
	return &Synchronizer{
		database:   database,
		checkouter: checkouter,
		discoverer: NewDiscoverer(),
		options:    options,
		logger:     logger,
	}
}

// InProgress reports whether a sync is currently running.
func (s *Synchronizer) InProgress() bool {
	return s.inProgress.Load()
}

// TryBegin reserves the synchronizer for one run; callers serialize
// SyncAll/SyncRelease through it. On success the returned done must be
// called when the run ends; until then every other caller gets
// ErrSyncInProgress. Reserving before any work is queued keeps a losing
// trigger from ever observing a job that fails on the conflict.
func (s *Synchronizer) TryBegin() (done func(), err error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	return func() { s.inProgress.Store(false) }, nil
}

// SyncAll syncs every active release that has a git branch configured.
// The caller holds the TryBegin reservation.
func (s *Synchronizer) SyncAll(ctx context.Context) error {
	releases, err := db.ListActiveReleases(ctx, s.database.Reader())
	if err != nil {
		return err
	}
	var errs []error
	for i := range releases {
		if !releases[i].GitBranch.Valid {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.syncRelease(ctx, &releases[i]); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", releases[i].Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d releases failed to sync: %v", len(errs), len(releases), errs)
	}
	return nil
}

// SyncRelease syncs one release by id. The caller holds the TryBegin
// reservation.
func (s *Synchronizer) SyncRelease(ctx context.Context, releaseID int64) (*Report, error) {
	release, err := db.GetReleaseByID(ctx, s.database.Reader(), releaseID)
	if err != nil {
		return nil, err
	}
	return s.syncRelease(ctx, release)
}

func (s *Synchronizer) syncRelease(ctx context.Context, release *testpulseapi.ReleaseRow) (*Report, error) {
	if !release.GitBranch.Valid {
		return nil, fmt.Errorf("release %s has no git branch configured", release.Name)
	}
	logger := s.logger.WithFields(logrus.Fields{"release": release.Name, "branch": release.GitBranch.String})

	report := &Report{}
	if err := s.database.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		id, err := db.CreateSyncLog(ctx, tx, sql.NullInt64{Int64: release.ID, Valid: true})
		report.SyncLogID = id
		return err
	}); err != nil {
		return nil, err
	}

	err := s.run(ctx, release, report, logger)
	status := "completed"
	if err != nil {
		status = "failed"
	}
	syncsTotal.WithLabelValues(status).Inc()

	details := ""
	if len(report.FileErrors) > 0 {
		if payload, marshalErr := json.Marshal(report.FileErrors); marshalErr == nil {
			details = string(payload)
		}
	}
	if finishErr := s.database.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		return db.FinishSyncLog(ctx, tx, report.SyncLogID, status,
			report.FilesScanned, report.FilesFailed, report.TestsUpserted, report.TestsUnchanged, details)
	}); finishErr != nil {
		logger.WithError(finishErr).Error("could not finish sync log")
	}
	if err != nil {
		logger.WithError(err).Error("metadata sync failed")
		return report, err
	}
	logger.WithFields(logrus.Fields{
		"files_scanned":   report.FilesScanned,
		"files_failed":    report.FilesFailed,
		"tests_upserted":  report.TestsUpserted,
		"tests_unchanged": report.TestsUnchanged,
	}).Info("metadata sync completed")
	return report, nil
}

func (s *Synchronizer) run(ctx context.Context, release *testpulseapi.ReleaseRow, report *Report, logger *logrus.Entry) error {
	var repoDir string
	if err := s.withRetry(ctx, logger, "checkout", func() error {
		dir, err := s.checkouter.EnsureCheckout(ctx, release.GitBranch.String)
		repoDir = dir
		return err
	}); err != nil {
		return err
	}

	staging, err := LoadStagingSet(filepath.Join(repoDir, s.options.StagingFile))
	if err != nil {
		return err
	}

	var discovery *Discovery
	if err := s.withRetry(ctx, logger, "discovery", func() error {
		discovery, err = s.discoverer.Discover(ctx, filepath.Join(repoDir, s.options.TestBase), staging)
		return err
	}); err != nil {
		return err
	}
	report.FilesScanned = discovery.FilesScanned
	report.FilesFailed = int64(len(discovery.FileErrors))
	report.FileErrors = discovery.FileErrors

	if tooManyFileFailures(discovery) {
		return fmt.Errorf("aborting sync: %d of %d files failed discovery", report.FilesFailed, report.FilesScanned)
	}

	return s.reconcile(ctx, release.ID, discovery.Tests, report, logger)
}

// reconcile upserts discovered tests in bounded batches: create missing
// baselines, then keep an override row iff the discovered values differ
// from the baseline. Single batch failures are tolerated up to the
// abort threshold.
func (s *Synchronizer) reconcile(ctx context.Context, releaseID int64, tests []testpulseapi.DiscoveredTest, report *Report, logger *logrus.Entry) error {
	var totalBatches, failedBatches int64
	for start := 0; start < len(tests); start += s.options.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + s.options.BatchSize
		if end > len(tests) {
			end = len(tests)
		}
		totalBatches++

		var upserted, unchanged int64
		err := s.database.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
			upserted, unchanged = 0, 0
			for i := start; i < end; i++ {
				up, err := s.reconcileTest(ctx, tx, releaseID, &tests[i])
				if err != nil {
					return err
				}
				if up {
					upserted++
				} else {
					unchanged++
				}
			}
			return nil
		})
		if err != nil {
			failedBatches++
			logger.WithError(err).WithField("batch", totalBatches).Error("metadata batch failed")
			if float64(failedBatches)/float64(totalBatches) > batchFailureRate && failedBatches > batchFailureFloor {
				return fmt.Errorf("aborting sync: %d of %d batches failed, last error: %w", failedBatches, totalBatches, err)
			}
			continue
		}
		report.TestsUpserted += upserted
		report.TestsUnchanged += unchanged
	}
	return nil
}

// reconcileTest returns whether the test changed any row.
func (s *Synchronizer) reconcileTest(ctx context.Context, tx *sqlx.Tx, releaseID int64, test *testpulseapi.DiscoveredTest) (bool, error) {
	baseline, err := db.GetBaselineMetadata(ctx, tx, test.TestcaseName)
	if errors.Is(err, db.ErrNotFound) {
		row := rowFromDiscovered(test, sql.NullInt64{})
		if err := db.UpsertMetadata(ctx, tx, row); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	discovered := rowFromDiscovered(test, sql.NullInt64{Int64: releaseID, Valid: true})
	if contentEquals(discovered, baseline) {
		// No divergence: an override, if any, is stale. Baseline rows
		// are never deleted for vanished tests, only overrides shrink.
		if err := db.DeleteOverrideMetadata(ctx, tx, test.TestcaseName, releaseID); err != nil {
			return false, err
		}
		return false, nil
	}

	existing, err := db.GetOverrideMetadata(ctx, tx, test.TestcaseName, releaseID)
	if err == nil && contentEquals(discovered, existing) {
		return false, nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return false, err
	}
	if err := db.UpsertMetadata(ctx, tx, discovered); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Synchronizer) withRetry(ctx context.Context, logger *logrus.Entry, step string, op func() error) error {
	delay := s.options.RetryInitialDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !errkind.IsTransient(err) || attempt >= s.options.RetryAttempts {
			return err
		}
		logger.WithError(err).WithFields(logrus.Fields{"step": step, "attempt": attempt + 1}).
			Warn("transient failure, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func tooManyFileFailures(discovery *Discovery) bool {
	failed := int64(len(discovery.FileErrors))
	if discovery.FilesScanned == 0 {
		return failed > 0
	}
	return float64(failed)/float64(discovery.FilesScanned) > fileFailureRate && failed > fileFailureFloor
}

func rowFromDiscovered(test *testpulseapi.DiscoveredTest, releaseID sql.NullInt64) *testpulseapi.TestcaseMetadataRow {
	row := &testpulseapi.TestcaseMetadataRow{
		TestcaseName: test.TestcaseName,
		ReleaseID:    releaseID,
		TestState:    test.TestState,
	}
	row.TestClassName = nullable(test.TestClassName)
	row.Module = nullable(test.Module)
	row.Topology = nullable(test.Topology)
	row.TestCaseID = nullable(test.TestCaseID)
	row.TestrailID = nullable(test.TestrailID)
	row.Priority = nullable(test.Priority)
	row.TestPath = nullable(test.TestPath)
	return row
}

func nullable(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

// contentEquals compares the curated columns, ignoring identity and
// bookkeeping.
func contentEquals(a, b *testpulseapi.TestcaseMetadataRow) bool {
	return a.TestClassName == b.TestClassName &&
		a.Module == b.Module &&
		a.Topology == b.Topology &&
		a.TestState == b.TestState &&
		a.TestCaseID == b.TestCaseID &&
		a.TestrailID == b.TestrailID &&
		a.Priority == b.Priority &&
		a.TestPath == b.TestPath
}
