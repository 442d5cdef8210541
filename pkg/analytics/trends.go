package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openshift-eng/testpulse/pkg/cache"
)

// DefaultTrendLimit bounds the series when the caller does not ask for
// a specific number of parent builds.
const DefaultTrendLimit = 20

// TrendPoint is one parent build's aggregate in a trend series.
type TrendPoint struct {
	ParentBuild int64 `json:"parent_build"`
	Counts
}

// TrendsRequest defines one trend query; every field keys the cache.
type TrendsRequest struct {
	Release      string
	JobLimit     int
	Priorities   []string
	ExcludeFlaky bool
}

// Trends returns a time-ordered series over the last N parent builds
// of a release: per-build counts and pass rate, optionally filtered by
// priority. With ExcludeFlaky, passes of currently-flaky tests do not
// count toward the passed numerator.
func (e *Engine) Trends(ctx context.Context, req TrendsRequest) ([]TrendPoint, error) {
	if req.JobLimit <= 0 {
		req.JobLimit = DefaultTrendLimit
	}
	priorities := sortedCopy(req.Priorities)
	key := e.cache.Key(req.Release, "trends",
		"job_limit="+strconv.Itoa(req.JobLimit),
		"priorities="+strings.Join(priorities, ","),
		"exclude_flaky="+strconv.FormatBool(req.ExcludeFlaky))

	value, err := e.cache.GetOrFill(key, cache.DefaultTTL, func() (interface{}, error) {
		return e.trends(ctx, req, priorities)
	})
	if err != nil {
		return nil, err
	}
	return value.([]TrendPoint), nil
}

func (e *Engine) trends(ctx context.Context, req TrendsRequest, priorities []string) ([]TrendPoint, error) {
	releaseID, err := e.releaseID(ctx, req.Release)
	if err != nil {
		return nil, err
	}

	parentBuilds, err := e.recentParentBuilds(ctx, releaseID, req.JobLimit)
	if err != nil {
		return nil, err
	}

	series := make([]TrendPoint, 0, len(parentBuilds))
	for _, parentBuild := range parentBuilds {
		counts, _, err := e.parentBuildCounts(ctx, releaseID, parentBuild, priorities)
		if err != nil {
			return nil, err
		}
		if req.ExcludeFlaky {
			excluded, err := e.flakyPassedCount(ctx, releaseID, parentBuild, priorities)
			if err != nil {
				return nil, err
			}
			dropFlakyPasses(&counts, excluded)
		}
		series = append(series, TrendPoint{ParentBuild: parentBuild, Counts: counts})
	}
	return series, nil
}

// recentParentBuilds returns the last limit parent builds of a
// release, ascending.
func (e *Engine) recentParentBuilds(ctx context.Context, releaseID int64, limit int) ([]int64, error) {
	var builds []int64
	err := e.database.Reader().SelectContext(ctx, &builds, `
		SELECT parent_build FROM (
			SELECT DISTINCT CAST(jobs.parent_job_id AS INTEGER) AS parent_build
			FROM jobs
			JOIN modules ON modules.id = jobs.module_id
			WHERE modules.release_id = ? AND jobs.parent_job_id IS NOT NULL
			ORDER BY parent_build DESC
			LIMIT ?)
		ORDER BY parent_build ASC`,
		releaseID, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list recent parent builds of release %d: %w", releaseID, err)
	}
	return builds, nil
}
