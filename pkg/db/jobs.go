package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

// insertChunkRows bounds one multi-row INSERT statement. Each row binds
// ten variables and SQLite caps bound variables per statement, so large
// result sets are written in chunks inside the caller's transaction.
const insertChunkRows = 500

// EnsureModule returns the module named name under the release,
// creating it lazily on first encounter.
func EnsureModule(ctx context.Context, tx *sqlx.Tx, releaseID int64, name string) (*testpulseapi.ModuleRow, error) {
	var module testpulseapi.ModuleRow
	err := sqlx.GetContext(ctx, tx, &module, `SELECT * FROM modules WHERE release_id = ? AND name = ?`, releaseID, name)
	if err == nil {
		return &module, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("could not load module %q of release %d: %w", name, releaseID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO modules (release_id, name) VALUES (?, ?)`, releaseID, name); err != nil {
		return nil, fmt.Errorf("could not create module %q of release %d: %w", name, releaseID, err)
	}
	if err := sqlx.GetContext(ctx, tx, &module, `SELECT * FROM modules WHERE release_id = ? AND name = ?`, releaseID, name); err != nil {
		return nil, fmt.Errorf("could not reload module %q of release %d: %w", name, releaseID, err)
	}
	return &module, nil
}

// GetModuleByName looks a module up within a release.
func GetModuleByName(ctx context.Context, q sqlx.QueryerContext, releaseID int64, name string) (*testpulseapi.ModuleRow, error) {
	var module testpulseapi.ModuleRow
	err := sqlx.GetContext(ctx, q, &module, `SELECT * FROM modules WHERE release_id = ? AND name = ?`, releaseID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load module %q of release %d: %w", name, releaseID, err)
	}
	return &module, nil
}

// GetJob looks a job up by its unique (module, job_id) key.
func GetJob(ctx context.Context, q sqlx.QueryerContext, moduleID int64, jobID string) (*testpulseapi.JobRow, error) {
	var job testpulseapi.JobRow
	err := sqlx.GetContext(ctx, q, &job, `SELECT * FROM jobs WHERE module_id = ? AND job_id = ?`, moduleID, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load job %s of module %d: %w", jobID, moduleID, err)
	}
	return &job, nil
}

// UpsertJob creates the job row for (module, jobID) or, when it exists,
// writes through parent/version/url fields that were still NULL.
func UpsertJob(ctx context.Context, tx *sqlx.Tx, moduleID int64, jobID, parentJobID, jenkinsURL, version string) (*testpulseapi.JobRow, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (module_id, job_id, parent_job_id, jenkins_url, version)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))
		ON CONFLICT (module_id, job_id) DO UPDATE SET
			parent_job_id = COALESCE(jobs.parent_job_id, excluded.parent_job_id),
			jenkins_url   = COALESCE(jobs.jenkins_url, excluded.jenkins_url),
			version       = COALESCE(jobs.version, excluded.version)`,
		moduleID, jobID, parentJobID, jenkinsURL, version)
	if err != nil {
		return nil, fmt.Errorf("could not upsert job %s of module %d: %w", jobID, moduleID, err)
	}
	return GetJob(ctx, tx, moduleID, jobID)
}

// DeleteTestResults removes all results of one job ahead of a fresh
// bulk insert.
func DeleteTestResults(ctx context.Context, tx *sqlx.Tx, jobID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM test_results WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("could not delete test results of job %d: %w", jobID, err)
	}
	return nil
}

// InsertTestResults bulk-inserts outcomes for one job in bounded
// chunks. Priorities come pre-resolved by the caller.
func InsertTestResults(ctx context.Context, tx *sqlx.Tx, jobID int64, outcomes []testpulseapi.TestResultRow) error {
	for start := 0; start < len(outcomes); start += insertChunkRows {
		end := start + insertChunkRows
		if end > len(outcomes) {
			end = len(outcomes)
		}
		batch := outcomes[start:end]
		rows := make([]map[string]interface{}, 0, len(batch))
		for _, outcome := range batch {
			rows = append(rows, map[string]interface{}{
				"job_id":          jobID,
				"test_name":       outcome.TestName,
				"file_path":       outcome.FilePath,
				"status":          outcome.Status,
				"duration_sec":    outcome.DurationSec,
				"message":         outcome.Message,
				"stack_trace":     outcome.StackTrace,
				"testcase_module": outcome.TestcaseModule,
				"priority":        outcome.Priority,
				"bug":             outcome.Bug,
			})
		}
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO test_results (job_id, test_name, file_path, status, duration_sec, message, stack_trace, testcase_module, priority, bug)
			VALUES (:job_id, :test_name, :file_path, :status, :duration_sec, :message, :stack_trace, :testcase_module, :priority, :bug)`,
			rows)
		if err != nil {
			return fmt.Errorf("could not insert test results of job %d: %w", jobID, err)
		}
	}
	return nil
}

// RecomputeJobCounts derives the job's status counts from its stored
// rows, keeping the total = passed+failed+skipped+error invariant.
func RecomputeJobCounts(ctx context.Context, tx *sqlx.Tx, jobID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			total   = (SELECT COUNT(*) FROM test_results WHERE job_id = ?),
			passed  = (SELECT COUNT(*) FROM test_results WHERE job_id = ? AND status = 'PASSED'),
			failed  = (SELECT COUNT(*) FROM test_results WHERE job_id = ? AND status = 'FAILED'),
			skipped = (SELECT COUNT(*) FROM test_results WHERE job_id = ? AND status = 'SKIPPED'),
			error   = (SELECT COUNT(*) FROM test_results WHERE job_id = ? AND status = 'ERROR')
		WHERE id = ?`,
		jobID, jobID, jobID, jobID, jobID, jobID)
	if err != nil {
		return fmt.Errorf("could not recompute counts of job %d: %w", jobID, err)
	}
	return nil
}

// ListTestResults returns all results of one job, ordered by name.
func ListTestResults(ctx context.Context, q sqlx.QueryerContext, jobID int64) ([]testpulseapi.TestResultRow, error) {
	var results []testpulseapi.TestResultRow
	if err := sqlx.SelectContext(ctx, q, &results, `SELECT * FROM test_results WHERE job_id = ? ORDER BY test_name`, jobID); err != nil {
		return nil, fmt.Errorf("could not list test results of job %d: %w", jobID, err)
	}
	return results, nil
}

// GetTestResult looks one result row up by primary key and resolves the
// release it belongs to.
func GetTestResult(ctx context.Context, q sqlx.QueryerContext, id int64) (*testpulseapi.TestResultRow, int64, error) {
	var row struct {
		testpulseapi.TestResultRow
		ReleaseID int64 `db:"release_id"`
	}
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT test_results.*, modules.release_id AS release_id
		FROM test_results
		JOIN jobs ON jobs.id = test_results.job_id
		JOIN modules ON modules.id = jobs.module_id
		WHERE test_results.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("could not load test result %d: %w", id, err)
	}
	return &row.TestResultRow, row.ReleaseID, nil
}

// SetBugLink points one result row at a bug.
func SetBugLink(ctx context.Context, tx *sqlx.Tx, id int64, bug string) error {
	result, err := tx.ExecContext(ctx, `UPDATE test_results SET bug = NULLIF(?, '') WHERE id = ?`, bug, id)
	if err != nil {
		return fmt.Errorf("could not update bug link of result %d: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBugLink points all results of the given test under the release
// at a bug. Used by bug_update background jobs.
func UpdateBugLink(ctx context.Context, tx *sqlx.Tx, releaseID int64, testName, bug string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE test_results SET bug = NULLIF(?, '')
		WHERE test_name = ? AND job_id IN (
			SELECT jobs.id FROM jobs
			JOIN modules ON modules.id = jobs.module_id
			WHERE modules.release_id = ?)`,
		bug, testName, releaseID)
	if err != nil {
		return 0, fmt.Errorf("could not update bug link of %q in release %d: %w", testName, releaseID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}
