// Package analytics serves aggregated views over imported test
// results: summaries with deltas, module and priority breakdowns,
// pass-rate trends, flaky-test classification and failure clustering.
// Every query family is a pure function over storage, memoized by the
// TTL cache.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openshift-eng/testpulse/pkg/cache"
	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

// FlakyWindow is the number of most recent jobs of one (release,
// module) considered when classifying a test as flaky.
const FlakyWindow = 5

// ErrNotFound is returned when the requested release, module or job
// does not exist.
var ErrNotFound = errors.New("not found")

// Engine answers the analytics query families.
type Engine struct {
	database *db.DB
	cache    *cache.Cache
	logger   *logrus.Entry
}

// New builds an engine over the given store and cache.
func New(database *db.DB, memo *cache.Cache, logger *logrus.Entry) *Engine {
	return &Engine{
		database: database,
		cache:    memo,
		logger:   logger,
	}
}

// Counts aggregates test outcomes. PassRate is passed over
// passed+failed+skipped: skipped tests count against the rate, a
// deliberate and documented choice that queries must not silently
// deviate from.
type Counts struct {
	Total    int64   `json:"total"`
	Passed   int64   `json:"passed"`
	Failed   int64   `json:"failed"`
	Skipped  int64   `json:"skipped"`
	Error    int64   `json:"error"`
	PassRate float64 `json:"pass_rate"`
}

func (c *Counts) finalize() {
	denominator := c.Passed + c.Failed + c.Skipped
	if denominator > 0 {
		c.PassRate = float64(c.Passed) / float64(denominator)
	}
}

// dropFlakyPasses removes flaky passes from the passed numerator while
// keeping them in the pass-rate denominator.
func dropFlakyPasses(c *Counts, excluded int64) {
	denominator := c.Passed + c.Failed + c.Skipped
	c.Passed -= excluded
	if denominator > 0 {
		c.PassRate = float64(c.Passed) / float64(denominator)
	}
}

// normalizedPriorityExpr normalizes stored priorities at query time:
// only P0..P3 are recognized, everything else becomes UNKNOWN.
const normalizedPriorityExpr = `CASE WHEN test_results.priority IN ('P0','P1','P2','P3') THEN test_results.priority ELSE 'UNKNOWN' END`

// priorityFilter renders an optional IN clause over normalized
// priorities. An empty set means no filtering.
func priorityFilter(priorities []string) (string, []interface{}) {
	if len(priorities) == 0 {
		return "", nil
	}
	placeholders := make([]string, 0, len(priorities))
	args := make([]interface{}, 0, len(priorities))
	for _, priority := range priorities {
		placeholders = append(placeholders, "?")
		args = append(args, testpulseapi.NormalizePriority(priority))
	}
	return fmt.Sprintf(" AND %s IN (%s)", normalizedPriorityExpr, strings.Join(placeholders, ",")), args
}

// releaseID resolves a release name, mapping absence to ErrNotFound.
func (e *Engine) releaseID(ctx context.Context, releaseName string) (int64, error) {
	release, err := db.GetReleaseByName(ctx, e.database.Reader(), releaseName)
	if errors.Is(err, db.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return release.ID, nil
}

// previousParentBuild resolves the parent build with the largest value
// strictly less than current within the release, in one query.
func (e *Engine) previousParentBuild(ctx context.Context, releaseID, current int64) (int64, bool, error) {
	var previous int64
	err := e.database.Reader().GetContext(ctx, &previous, `
		SELECT CAST(jobs.parent_job_id AS INTEGER) FROM jobs
		JOIN modules ON modules.id = jobs.module_id
		WHERE modules.release_id = ?
		  AND jobs.parent_job_id IS NOT NULL
		  AND CAST(jobs.parent_job_id AS INTEGER) < ?
		ORDER BY CAST(jobs.parent_job_id AS INTEGER) DESC
		LIMIT 1`,
		releaseID, current)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("could not resolve previous parent build: %w", err)
	}
	return previous, true, nil
}

// previousJob resolves the job of the same module with the numerically
// largest job_id strictly less than current, in one query.
func (e *Engine) previousJob(ctx context.Context, moduleID int64, currentJobID string) (*testpulseapi.JobRow, error) {
	var job testpulseapi.JobRow
	err := e.database.Reader().GetContext(ctx, &job, `
		SELECT * FROM jobs
		WHERE module_id = ? AND CAST(job_id AS INTEGER) < CAST(? AS INTEGER)
		ORDER BY CAST(job_id AS INTEGER) DESC
		LIMIT 1`,
		moduleID, currentJobID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not resolve previous job: %w", err)
	}
	return &job, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// sortedCopy returns the priorities normalized, deduplicated and
// sorted, for stable cache keys.
func sortedCopy(priorities []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, priority := range priorities {
		normalized := testpulseapi.NormalizePriority(priority)
		if !seen[normalized] {
			seen[normalized] = true
			out = append(out, normalized)
		}
	}
	sort.Strings(out)
	return out
}
