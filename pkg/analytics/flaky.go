package analytics

import (
	"context"
	"fmt"

	"github.com/openshift-eng/testpulse/pkg/cache"
	"github.com/openshift-eng/testpulse/pkg/db"
)

// FlakyTest is one test observed both passing and failing within the
// window.
type FlakyTest struct {
	TestName string `db:"test_name" json:"test_name"`
	Passes   int64  `db:"passes" json:"passes"`
	Failures int64  `db:"failures" json:"failures"`
}

// FlakyTests classifies tests of one (release, module): a test is
// flaky iff both PASSED and FAILED appear among its results in the
// module's FlakyWindow most recent jobs.
func (e *Engine) FlakyTests(ctx context.Context, releaseName, moduleName string) ([]FlakyTest, error) {
	key := e.cache.Key(releaseName, "flaky", moduleName)
	value, err := e.cache.GetOrFill(key, cache.DefaultTTL, func() (interface{}, error) {
		releaseID, err := e.releaseID(ctx, releaseName)
		if err != nil {
			return nil, err
		}
		module, err := db.GetModuleByName(ctx, e.database.Reader(), releaseID, moduleName)
		if err != nil {
			if err == db.ErrNotFound {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return e.flakyTests(ctx, module.ID)
	})
	if err != nil {
		return nil, err
	}
	return value.([]FlakyTest), nil
}

func (e *Engine) flakyTests(ctx context.Context, moduleID int64) ([]FlakyTest, error) {
	var rows []FlakyTest
	err := e.database.Reader().SelectContext(ctx, &rows, `
		SELECT test_name,
		       SUM(status = 'PASSED') AS passes,
		       SUM(status = 'FAILED') AS failures
		FROM test_results
		WHERE job_id IN (
			SELECT id FROM jobs WHERE module_id = ?
			ORDER BY CAST(job_id AS INTEGER) DESC LIMIT ?)
		GROUP BY test_name
		HAVING passes > 0 AND failures > 0
		ORDER BY failures DESC, test_name`,
		moduleID, FlakyWindow)
	if err != nil {
		return nil, fmt.Errorf("could not classify flaky tests of module %d: %w", moduleID, err)
	}
	return rows, nil
}

// flakyTestNames returns just the names, for exclusion joins.
func (e *Engine) flakyTestNames(ctx context.Context, moduleID int64) ([]string, error) {
	flaky, err := e.flakyTests(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(flaky))
	for _, test := range flaky {
		names = append(names, test.TestName)
	}
	return names, nil
}
