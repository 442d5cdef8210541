package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/openshift-eng/testpulse/pkg/cache"
)

// ModuleBreakdownRow is one path-derived module's aggregate under a
// parent build.
type ModuleBreakdownRow struct {
	Module string `json:"module"`
	Counts
}

// ModuleBreakdown aggregates every job under the parent build, grouped
// by path-derived testcase module, optionally filtered to a priority
// set. Tests whose file path did not match the test root carry no
// module and are excluded from path-based aggregation.
func (e *Engine) ModuleBreakdown(ctx context.Context, releaseName string, parentBuild int64, priorities []string) ([]ModuleBreakdownRow, error) {
	normalized := sortedCopy(priorities)
	key := e.cache.Key(releaseName, "module-breakdown",
		strconv.FormatInt(parentBuild, 10),
		"priorities="+strings.Join(normalized, ","))

	value, err := e.cache.GetOrFill(key, cache.DefaultTTL, func() (interface{}, error) {
		return e.moduleBreakdown(ctx, releaseName, parentBuild, normalized)
	})
	if err != nil {
		return nil, err
	}
	return value.([]ModuleBreakdownRow), nil
}

func (e *Engine) moduleBreakdown(ctx context.Context, releaseName string, parentBuild int64, priorities []string) ([]ModuleBreakdownRow, error) {
	releaseID, err := e.releaseID(ctx, releaseName)
	if err != nil {
		return nil, err
	}

	filter, filterArgs := priorityFilter(priorities)
	query := `
		SELECT test_results.testcase_module AS module,
		       test_results.status AS status,
		       COUNT(*) AS n
		FROM test_results
		JOIN jobs ON jobs.id = test_results.job_id
		JOIN modules ON modules.id = jobs.module_id
		WHERE modules.release_id = ? AND jobs.parent_job_id = ?
		  AND test_results.testcase_module IS NOT NULL` + filter + `
		GROUP BY 1, 2
		ORDER BY 1`
	args := append([]interface{}{releaseID, strconv.FormatInt(parentBuild, 10)}, filterArgs...)

	var rows []struct {
		Module string `db:"module"`
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := e.database.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("could not build module breakdown of parent build %d: %w", parentBuild, err)
	}

	var breakdown []ModuleBreakdownRow
	for _, row := range rows {
		if len(breakdown) == 0 || breakdown[len(breakdown)-1].Module != row.Module {
			breakdown = append(breakdown, ModuleBreakdownRow{Module: row.Module})
		}
		addCount(&breakdown[len(breakdown)-1].Counts, row.Status, row.N)
	}
	for i := range breakdown {
		breakdown[i].finalize()
	}
	return breakdown, nil
}

// ModuleList returns the distinct path-derived modules ever observed
// for a release, sorted.
func (e *Engine) ModuleList(ctx context.Context, releaseName string) ([]string, error) {
	key := e.cache.Key(releaseName, "module-list")
	value, err := e.cache.GetOrFill(key, cache.DefaultTTL, func() (interface{}, error) {
		releaseID, err := e.releaseID(ctx, releaseName)
		if err != nil {
			return nil, err
		}
		var modules []string
		err = e.database.Reader().SelectContext(ctx, &modules, `
			SELECT DISTINCT test_results.testcase_module FROM test_results
			JOIN jobs ON jobs.id = test_results.job_id
			JOIN modules ON modules.id = jobs.module_id
			WHERE modules.release_id = ? AND test_results.testcase_module IS NOT NULL
			ORDER BY 1`,
			releaseID)
		if err != nil {
			return nil, fmt.Errorf("could not list modules of release %s: %w", releaseName, err)
		}
		return modules, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]string), nil
}
