package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

// GetReleaseByName looks a release up by its unique name.
func GetReleaseByName(ctx context.Context, q sqlx.QueryerContext, name string) (*testpulseapi.ReleaseRow, error) {
	var release testpulseapi.ReleaseRow
	err := sqlx.GetContext(ctx, q, &release, `SELECT * FROM releases WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load release %q: %w", name, err)
	}
	return &release, nil
}

// GetReleaseByID looks a release up by primary key.
func GetReleaseByID(ctx context.Context, q sqlx.QueryerContext, id int64) (*testpulseapi.ReleaseRow, error) {
	var release testpulseapi.ReleaseRow
	err := sqlx.GetContext(ctx, q, &release, `SELECT * FROM releases WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load release %d: %w", id, err)
	}
	return &release, nil
}

// ListActiveReleases returns all releases the poller should track.
func ListActiveReleases(ctx context.Context, q sqlx.QueryerContext) ([]testpulseapi.ReleaseRow, error) {
	var releases []testpulseapi.ReleaseRow
	if err := sqlx.SelectContext(ctx, q, &releases, `SELECT * FROM releases WHERE is_active ORDER BY name`); err != nil {
		return nil, fmt.Errorf("could not list active releases: %w", err)
	}
	return releases, nil
}

// CreateRelease inserts a new release row.
func CreateRelease(ctx context.Context, tx *sqlx.Tx, name, jenkinsJobURL, gitBranch string) (*testpulseapi.ReleaseRow, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO releases (name, jenkins_job_url, git_branch) VALUES (?, NULLIF(?, ''), NULLIF(?, ''))`,
		name, jenkinsJobURL, gitBranch)
	if err != nil {
		return nil, fmt.Errorf("could not create release %q: %w", name, err)
	}
	return GetReleaseByName(ctx, tx, name)
}

// EnsureRelease returns the release named name, creating it lazily on
// first encounter during import.
func EnsureRelease(ctx context.Context, tx *sqlx.Tx, name string) (*testpulseapi.ReleaseRow, error) {
	release, err := GetReleaseByName(ctx, tx, name)
	if err == nil {
		return release, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO releases (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("could not create release %q: %w", name, err)
	}
	return GetReleaseByName(ctx, tx, name)
}

// SetReleaseActive toggles whether the poller tracks the release.
func SetReleaseActive(ctx context.Context, tx *sqlx.Tx, id int64, active bool) error {
	result, err := tx.ExecContext(ctx, `UPDATE releases SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("could not update release %d: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceWatermark moves last_processed_build forward to build. The
// watermark is monotonic: a stale update below the current value is a
// no-op, never a rollback.
func AdvanceWatermark(ctx context.Context, tx *sqlx.Tx, releaseID int64, build int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE releases SET last_processed_build = ? WHERE id = ? AND last_processed_build < ?`,
		build, releaseID, build)
	if err != nil {
		return fmt.Errorf("could not advance watermark of release %d to %d: %w", releaseID, build, err)
	}
	return nil
}
