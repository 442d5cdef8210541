package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

// GetBaselineMetadata returns the global (release-independent) metadata
// row of a testcase.
func GetBaselineMetadata(ctx context.Context, q sqlx.QueryerContext, testcaseName string) (*testpulseapi.TestcaseMetadataRow, error) {
	var row testpulseapi.TestcaseMetadataRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM testcase_metadata WHERE testcase_name = ? AND release_id IS NULL`, testcaseName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load baseline metadata of %q: %w", testcaseName, err)
	}
	return &row, nil
}

// GetOverrideMetadata returns the release-specific override row of a
// testcase, if one exists.
func GetOverrideMetadata(ctx context.Context, q sqlx.QueryerContext, testcaseName string, releaseID int64) (*testpulseapi.TestcaseMetadataRow, error) {
	var row testpulseapi.TestcaseMetadataRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM testcase_metadata WHERE testcase_name = ? AND release_id = ?`, testcaseName, releaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load override metadata of %q for release %d: %w", testcaseName, releaseID, err)
	}
	return &row, nil
}

// UpsertMetadata writes one baseline or override row. ReleaseID decides
// which of the two unique keys applies.
func UpsertMetadata(ctx context.Context, tx *sqlx.Tx, row *testpulseapi.TestcaseMetadataRow) error {
	var err error
	if row.ReleaseID.Valid {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO testcase_metadata (testcase_name, release_id, test_class_name, module, topology, test_state, test_case_id, testrail_id, priority, test_path, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (testcase_name, release_id) DO UPDATE SET
				test_class_name = excluded.test_class_name,
				module          = excluded.module,
				topology        = excluded.topology,
				test_state      = excluded.test_state,
				test_case_id    = excluded.test_case_id,
				testrail_id     = excluded.testrail_id,
				priority        = excluded.priority,
				test_path       = excluded.test_path,
				updated_at      = CURRENT_TIMESTAMP`,
			row.TestcaseName, row.ReleaseID, row.TestClassName, row.Module, row.Topology, row.TestState, row.TestCaseID, row.TestrailID, row.Priority, row.TestPath)
	} else {
		// The baseline uniqueness lives in a partial index, which
		// ON CONFLICT must name by its expression.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO testcase_metadata (testcase_name, release_id, test_class_name, module, topology, test_state, test_case_id, testrail_id, priority, test_path, updated_at)
			VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (testcase_name) WHERE release_id IS NULL DO UPDATE SET
				test_class_name = excluded.test_class_name,
				module          = excluded.module,
				topology        = excluded.topology,
				test_state      = excluded.test_state,
				test_case_id    = excluded.test_case_id,
				testrail_id     = excluded.testrail_id,
				priority        = excluded.priority,
				test_path       = excluded.test_path,
				updated_at      = CURRENT_TIMESTAMP`,
			row.TestcaseName, row.TestClassName, row.Module, row.Topology, row.TestState, row.TestCaseID, row.TestrailID, row.Priority, row.TestPath)
	}
	if err != nil {
		return fmt.Errorf("could not upsert metadata of %q: %w", row.TestcaseName, err)
	}
	return nil
}

// DeleteOverrideMetadata prunes the override row of (testcase, release),
// used when a sync finds the override now matches the baseline.
func DeleteOverrideMetadata(ctx context.Context, tx *sqlx.Tx, testcaseName string, releaseID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM testcase_metadata WHERE testcase_name = ? AND release_id = ?`, testcaseName, releaseID)
	if err != nil {
		return fmt.Errorf("could not delete override metadata of %q for release %d: %w", testcaseName, releaseID, err)
	}
	return nil
}

// CreateSyncLog opens a metadata sync log row and returns its id.
func CreateSyncLog(ctx context.Context, tx *sqlx.Tx, releaseID sql.NullInt64) (int64, error) {
	result, err := tx.ExecContext(ctx, `INSERT INTO metadata_sync_logs (release_id, status) VALUES (?, 'running')`, releaseID)
	if err != nil {
		return 0, fmt.Errorf("could not create sync log: %w", err)
	}
	return result.LastInsertId()
}

// FinishSyncLog closes a metadata sync log row with its final counters.
func FinishSyncLog(ctx context.Context, tx *sqlx.Tx, id int64, status string, filesScanned, filesFailed, testsUpserted, testsUnchanged int64, errorDetails string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE metadata_sync_logs SET
			finished_at     = CURRENT_TIMESTAMP,
			status          = ?,
			files_scanned   = ?,
			files_failed    = ?,
			tests_upserted  = ?,
			tests_unchanged = ?,
			error_details   = NULLIF(?, '')
		WHERE id = ?`,
		status, filesScanned, filesFailed, testsUpserted, testsUnchanged, errorDetails, id)
	if err != nil {
		return fmt.Errorf("could not finish sync log %d: %w", id, err)
	}
	return nil
}

// ListSyncLogs returns the most recent sync logs, newest first.
func ListSyncLogs(ctx context.Context, q sqlx.QueryerContext, limit int) ([]testpulseapi.MetadataSyncLogRow, error) {
	var logs []testpulseapi.MetadataSyncLogRow
	if err := sqlx.SelectContext(ctx, q, &logs, `SELECT * FROM metadata_sync_logs ORDER BY started_at DESC, id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("could not list sync logs: %w", err)
	}
	return logs, nil
}

// ResolvePriority returns the effective priority of a testcase for a
// release: the override when present, else the baseline, else "".
func ResolvePriority(ctx context.Context, q sqlx.QueryerContext, testcaseName string, releaseID int64) (string, error) {
	var priority sql.NullString
	err := sqlx.GetContext(ctx, q, &priority, `
		SELECT priority FROM testcase_metadata
		WHERE testcase_name = ? AND (release_id = ? OR release_id IS NULL)
		ORDER BY release_id IS NULL LIMIT 1`,
		testcaseName, releaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("could not resolve priority of %q: %w", testcaseName, err)
	}
	return priority.String, nil
}

// LoadPriorityMap returns the effective priorities of every testcase
// with metadata visible to the release, overrides layered over the
// baseline. Importers cache this for the duration of one artifact.
func LoadPriorityMap(ctx context.Context, q sqlx.QueryerContext, releaseID int64) (map[string]string, error) {
	var rows []struct {
		TestcaseName string         `db:"testcase_name"`
		ReleaseID    sql.NullInt64  `db:"release_id"`
		Priority     sql.NullString `db:"priority"`
	}
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT testcase_name, release_id, priority FROM testcase_metadata
		WHERE release_id = ? OR release_id IS NULL
		ORDER BY release_id IS NULL DESC`,
		releaseID)
	if err != nil {
		return nil, fmt.Errorf("could not load priority map for release %d: %w", releaseID, err)
	}
	// Baseline rows come first, override rows overwrite them.
	priorities := make(map[string]string, len(rows))
	for _, row := range rows {
		if row.Priority.Valid {
			priorities[row.TestcaseName] = row.Priority.String
		}
	}
	return priorities, nil
}
