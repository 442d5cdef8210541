package importer

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/errkind"
	"github.com/openshift-eng/testpulse/pkg/junit"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

// insertBatchSize bounds how many parsed outcomes are buffered between
// the streaming parser and the database, keeping import memory O(batch)
// rather than O(artifact).
const insertBatchSize = 5000

// Result reports what one import did.
type Result struct {
	JobRowID int64
	Summary  testpulseapi.Summary
	Skipped  bool
}

// Versioner is the hook the importer uses to invalidate cached
// analytics after a successful import.
type Versioner interface {
	BumpRelease(releaseName string)
}

// Importer persists one (release, module, build) artifact into the
// store. Safe for concurrent use; the storage layer's write permit
// serializes the transactions.
type Importer struct {
	database  *db.DB
	parser    *junit.Parser
	versioner Versioner
	logger    *logrus.Entry
}

// New builds an importer. versioner may be nil when no cache is wired.
func New(database *db.DB, parser *junit.Parser, versioner Versioner, logger *logrus.Entry) *Importer {
	return &Importer{
		database:  database,
		parser:    parser,
		versioner: versioner,
		logger:    logger,
	}
}

// IsImported reports whether (release, module, moduleBuild) already has
// a job row, letting the poller skip the artifact download entirely.
func (i *Importer) IsImported(ctx context.Context, releaseName, moduleName string, moduleBuild int64) (bool, error) {
	release, err := db.GetReleaseByName(ctx, i.database.Reader(), releaseName)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	module, err := db.GetModuleByName(ctx, i.database.Reader(), release.ID, moduleName)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = db.GetJob(ctx, i.database.Reader(), module.ID, strconv.FormatInt(moduleBuild, 10))
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ImportJob ingests one artifact in a single transaction:
// release/module upsert, job upsert with write-through, delete-then-
// insert of test results in bounded batches, then recomputed counts.
// The operation is idempotent on (release, module, moduleBuild);
// re-running with identical artifact content leaves the store
// unchanged. Any failure rolls the whole build back.
func (i *Importer) ImportJob(ctx context.Context, releaseName, moduleName string, parentBuild, moduleBuild int64, artifact io.Reader, version, jenkinsURL string) (*Result, error) {
	logger := i.logger.WithFields(logrus.Fields{
		"release":      releaseName,
		"module":       moduleName,
		"parent_build": parentBuild,
		"module_build": moduleBuild,
	})

	result := &Result{}
	err := i.database.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		release, err := db.EnsureRelease(ctx, tx, releaseName)
		if err != nil {
			return errkind.ForReason(errkind.ReasonContract).ForError(err)
		}
		module, err := db.EnsureModule(ctx, tx, release.ID, moduleName)
		if err != nil {
			return errkind.ForReason(errkind.ReasonContract).ForError(err)
		}
		job, err := db.UpsertJob(ctx, tx, module.ID, strconv.FormatInt(moduleBuild, 10), strconv.FormatInt(parentBuild, 10), jenkinsURL, version)
		if err != nil {
			return errkind.ForReason(errkind.ReasonContract).ForError(err)
		}
		result.JobRowID = job.ID

		// Effective priorities are cached onto the rows at import
		// time so analytics does not re-join per query.
		priorities, err := db.LoadPriorityMap(ctx, tx, release.ID)
		if err != nil {
			return errkind.ForReason(errkind.ReasonContract).ForError(err)
		}

		if err := db.DeleteTestResults(ctx, tx, job.ID); err != nil {
			return errkind.ForReason(errkind.ReasonContract).ForError(err)
		}

		batch := make([]testpulseapi.TestResultRow, 0, insertBatchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := db.InsertTestResults(ctx, tx, job.ID, batch); err != nil {
				return errkind.ForReason(errkind.ReasonContract).ForError(err)
			}
			batch = batch[:0]
			return nil
		}

		summary, err := i.parser.Parse(artifact, func(outcome testpulseapi.TestOutcome) error {
			batch = append(batch, toRow(job.ID, outcome, priorities))
			if len(batch) >= insertBatchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			var parseErr *junit.ArtifactParseError
			if errors.As(err, &parseErr) {
				// The parse error's text carries the byte offset and
				// excerpt; keep it in the surfaced message so tracker
				// logs and job snapshots show where the artifact broke.
				return errkind.ForReason(errkind.ReasonSourceDefect).WithError(err).Errorf("artifact of build %d is malformed: %v", moduleBuild, err)
			}
			return err
		}
		if err := flush(); err != nil {
			return err
		}
		result.Summary = summary

		if err := db.RecomputeJobCounts(ctx, tx, job.ID); err != nil {
			return errkind.ForReason(errkind.ReasonContract).ForError(err)
		}
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("import failed, rolled back")
		return nil, err
	}

	if i.versioner != nil {
		i.versioner.BumpRelease(releaseName)
	}
	logger.WithFields(logrus.Fields{
		"total":  result.Summary.Total,
		"failed": result.Summary.Failed,
	}).Info("imported build")
	return result, nil
}

func toRow(jobRowID int64, outcome testpulseapi.TestOutcome, priorities map[string]string) testpulseapi.TestResultRow {
	row := testpulseapi.TestResultRow{
		JobID:    jobRowID,
		TestName: outcome.TestName,
		Status:   outcome.Status,
	}
	if outcome.FilePath != "" {
		row.FilePath = sql.NullString{String: outcome.FilePath, Valid: true}
	}
	if outcome.HasDuration {
		row.DurationSec = sql.NullFloat64{Float64: outcome.DurationSec, Valid: true}
	}
	if outcome.Message != "" {
		row.Message = sql.NullString{String: outcome.Message, Valid: true}
	}
	if outcome.StackTrace != "" {
		row.StackTrace = sql.NullString{String: outcome.StackTrace, Valid: true}
	}
	if outcome.TestcaseModule != "" {
		row.TestcaseModule = sql.NullString{String: outcome.TestcaseModule, Valid: true}
	}
	if priority, ok := priorities[outcome.TestName]; ok && priority != "" {
		row.Priority = sql.NullString{String: priority, Valid: true}
	}
	return row
}
