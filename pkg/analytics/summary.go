package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openshift-eng/testpulse/pkg/cache"
)

// SummaryRequest defines one summary query. Every field participates
// in the cache key.
type SummaryRequest struct {
	Release      string
	ParentBuild  int64
	Priorities   []string
	Compare      bool
	ExcludeFlaky bool
}

// PreviousSummary carries the prior parent build's counts for deltas.
type PreviousSummary struct {
	ParentBuild int64  `json:"parent_build"`
	Counts      Counts `json:"counts"`
}

// SummaryResponse is the aggregate of one parent build of a release.
type SummaryResponse struct {
	Release     string            `json:"release"`
	ParentBuild int64             `json:"parent_build"`
	Counts      Counts            `json:"counts"`
	ByPriority  map[string]Counts `json:"by_priority"`
	Previous    *PreviousSummary  `json:"previous,omitempty"`
}

// Summary aggregates all jobs under one parent build: overall counts,
// the per-priority breakdown and, when requested, the previous parent
// build's counts for deltas.
func (e *Engine) Summary(ctx context.Context, req SummaryRequest) (*SummaryResponse, error) {
	priorities := sortedCopy(req.Priorities)
	key := e.cache.Key(req.Release, "summary",
		strconv.FormatInt(req.ParentBuild, 10),
		"priorities="+strings.Join(priorities, ","),
		"compare="+strconv.FormatBool(req.Compare),
		"exclude_flaky="+strconv.FormatBool(req.ExcludeFlaky))

	value, err := e.cache.GetOrFill(key, cache.DefaultTTL, func() (interface{}, error) {
		return e.summary(ctx, req, priorities)
	})
	if err != nil {
		return nil, err
	}
	return value.(*SummaryResponse), nil
}

func (e *Engine) summary(ctx context.Context, req SummaryRequest, priorities []string) (*SummaryResponse, error) {
	releaseID, err := e.releaseID(ctx, req.Release)
	if err != nil {
		return nil, err
	}

	counts, byPriority, err := e.parentBuildCounts(ctx, releaseID, req.ParentBuild, priorities)
	if err != nil {
		return nil, err
	}
	if counts.Total == 0 {
		return nil, ErrNotFound
	}

	if req.ExcludeFlaky {
		excluded, err := e.flakyPassedCount(ctx, releaseID, req.ParentBuild, priorities)
		if err != nil {
			return nil, err
		}
		dropFlakyPasses(&counts, excluded)
	}

	response := &SummaryResponse{
		Release:     req.Release,
		ParentBuild: req.ParentBuild,
		Counts:      counts,
		ByPriority:  byPriority,
	}

	if req.Compare {
		previousBuild, ok, err := e.previousParentBuild(ctx, releaseID, req.ParentBuild)
		if err != nil {
			return nil, err
		}
		if ok {
			previousCounts, _, err := e.parentBuildCounts(ctx, releaseID, previousBuild, priorities)
			if err != nil {
				return nil, err
			}
			response.Previous = &PreviousSummary{ParentBuild: previousBuild, Counts: previousCounts}
		}
	}
	return response, nil
}

// parentBuildCounts aggregates all test results under one parent build
// of a release, overall and per normalized priority.
func (e *Engine) parentBuildCounts(ctx context.Context, releaseID, parentBuild int64, priorities []string) (Counts, map[string]Counts, error) {
	filter, filterArgs := priorityFilter(priorities)
	query := `
		SELECT ` + normalizedPriorityExpr + ` AS priority,
		       test_results.status AS status,
		       COUNT(*) AS n
		FROM test_results
		JOIN jobs ON jobs.id = test_results.job_id
		JOIN modules ON modules.id = jobs.module_id
		WHERE modules.release_id = ? AND jobs.parent_job_id = ?` + filter + `
		GROUP BY 1, 2`
	args := append([]interface{}{releaseID, strconv.FormatInt(parentBuild, 10)}, filterArgs...)

	var rows []struct {
		Priority string `db:"priority"`
		Status   string `db:"status"`
		N        int64  `db:"n"`
	}
	if err := e.database.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return Counts{}, nil, fmt.Errorf("could not aggregate parent build %d: %w", parentBuild, err)
	}

	var counts Counts
	byPriority := map[string]Counts{}
	for _, row := range rows {
		bucket := byPriority[row.Priority]
		addCount(&counts, row.Status, row.N)
		addCount(&bucket, row.Status, row.N)
		byPriority[row.Priority] = bucket
	}
	counts.finalize()
	for priority, bucket := range byPriority {
		bucket.finalize()
		byPriority[priority] = bucket
	}
	return counts, byPriority, nil
}

func addCount(counts *Counts, status string, n int64) {
	counts.Total += n
	switch status {
	case "PASSED":
		counts.Passed += n
	case "FAILED":
		counts.Failed += n
	case "SKIPPED":
		counts.Skipped += n
	case "ERROR":
		counts.Error += n
	}
}

// flakyPassedCount counts tests under the parent build that passed but
// are classified flaky in their module's current window.
func (e *Engine) flakyPassedCount(ctx context.Context, releaseID, parentBuild int64, priorities []string) (int64, error) {
	modules, err := e.modulesOfParentBuild(ctx, releaseID, parentBuild)
	if err != nil {
		return 0, err
	}
	var excluded int64
	for _, moduleID := range modules {
		flaky, err := e.flakyTestNames(ctx, moduleID)
		if err != nil {
			return 0, err
		}
		if len(flaky) == 0 {
			continue
		}
		n, err := e.passedAmong(ctx, moduleID, parentBuild, flaky, priorities)
		if err != nil {
			return 0, err
		}
		excluded += n
	}
	return excluded, nil
}

func (e *Engine) modulesOfParentBuild(ctx context.Context, releaseID, parentBuild int64) ([]int64, error) {
	var modules []int64
	err := e.database.Reader().SelectContext(ctx, &modules, `
		SELECT DISTINCT jobs.module_id FROM jobs
		JOIN modules ON modules.id = jobs.module_id
		WHERE modules.release_id = ? AND jobs.parent_job_id = ?`,
		releaseID, strconv.FormatInt(parentBuild, 10))
	if err != nil {
		return nil, fmt.Errorf("could not list modules of parent build %d: %w", parentBuild, err)
	}
	return modules, nil
}

// passedAmong counts PASSED results of the named tests within one
// module's job under the parent build.
func (e *Engine) passedAmong(ctx context.Context, moduleID, parentBuild int64, testNames []string, priorities []string) (int64, error) {
	filter, filterArgs := priorityFilter(priorities)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(testNames)), ",")
	args := []interface{}{moduleID, strconv.FormatInt(parentBuild, 10)}
	for _, name := range testNames {
		args = append(args, name)
	}
	args = append(args, filterArgs...)

	var n int64
	err := e.database.Reader().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM test_results
		JOIN jobs ON jobs.id = test_results.job_id
		WHERE jobs.module_id = ? AND jobs.parent_job_id = ?
		  AND test_results.status = 'PASSED'
		  AND test_results.test_name IN (`+placeholders+`)`+filter,
		args...)
	if err != nil {
		return 0, fmt.Errorf("could not count flaky passes: %w", err)
	}
	return n, nil
}
