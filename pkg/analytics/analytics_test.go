package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openshift-eng/testpulse/pkg/cache"
	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/importer"
	"github.com/openshift-eng/testpulse/pkg/junit"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

type fixture struct {
	engine   *Engine
	database *db.DB
	importer *importer.Importer
	cache    *cache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.WithField("component", "analytics-test")
	database, err := db.Open(filepath.Join(t.TempDir(), "testpulse.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	memo := cache.New()
	return &fixture{
		engine:   New(database, memo, logger),
		database: database,
		importer: importer.New(database, junit.NewParser("tests"), memo, logger),
		cache:    memo,
	}
}

// testcaseSpec renders one <testcase> element.
type testcaseSpec struct {
	name   string
	module string
	status testpulseapi.TestStatus
	trace  string
}

func artifact(cases ...testcaseSpec) string {
	var b strings.Builder
	b.WriteString("<testsuites><testsuite name=\"nightly\">\n")
	for _, c := range cases {
		file := ""
		if c.module != "" {
			file = fmt.Sprintf(` file="tests/%s/test_file.py"`, c.module)
		}
		switch c.status {
		case testpulseapi.StatusFailed:
			fmt.Fprintf(&b, `<testcase name=%q%s time="1"><failure message="boom">%s</failure></testcase>`+"\n", c.name, file, c.trace)
		case testpulseapi.StatusSkipped:
			fmt.Fprintf(&b, `<testcase name=%q%s time="0"><skipped message="skip"/></testcase>`+"\n", c.name, file)
		case testpulseapi.StatusError:
			fmt.Fprintf(&b, `<testcase name=%q%s time="1"><error message="err">%s</error></testcase>`+"\n", c.name, file, c.trace)
		default:
			fmt.Fprintf(&b, `<testcase name=%q%s time="1"/>`+"\n", c.name, file)
		}
	}
	b.WriteString("</testsuite></testsuites>")
	return b.String()
}

func (f *fixture) importBuild(t *testing.T, release, module string, parentBuild, moduleBuild int64, cases ...testcaseSpec) {
	t.Helper()
	_, err := f.importer.ImportJob(context.Background(), release, module, parentBuild, moduleBuild, strings.NewReader(artifact(cases...)), "", "")
	require.NoError(t, err)
}

func (f *fixture) setPriority(t *testing.T, testName, priority string) {
	t.Helper()
	require.NoError(t, f.database.WithWriteTx(context.Background(), func(tx *sqlx.Tx) error {
		return db.UpsertMetadata(context.Background(), tx, &testpulseapi.TestcaseMetadataRow{
			TestcaseName: testName,
			TestState:    testpulseapi.TestStateProd,
			Priority:     sql.NullString{String: priority, Valid: priority != ""},
		})
	}))
}

func TestSummaryPassRate(t *testing.T) {
	f := newFixture(t)
	var cases []testcaseSpec
	for i := 0; i < 95; i++ {
		cases = append(cases, testcaseSpec{name: fmt.Sprintf("test_%d", i), module: "compute", status: testpulseapi.StatusPassed})
	}
	for i := 95; i < 100; i++ {
		cases = append(cases, testcaseSpec{name: fmt.Sprintf("test_%d", i), module: "compute", status: testpulseapi.StatusFailed, trace: "boom"})
	}
	f.importBuild(t, "4.19.0", "compute", 11, 5, cases...)

	summary, err := f.engine.Summary(context.Background(), SummaryRequest{Release: "4.19.0", ParentBuild: 11})
	require.NoError(t, err)
	require.Equal(t, int64(100), summary.Counts.Total)
	require.Equal(t, int64(95), summary.Counts.Passed)
	require.InDelta(t, 0.95, summary.Counts.PassRate, 1e-9)
}

func TestSummaryCompare(t *testing.T) {
	f := newFixture(t)
	f.importBuild(t, "4.19.0", "compute", 11, 5,
		testcaseSpec{name: "test_a", module: "compute", status: testpulseapi.StatusPassed},
		testcaseSpec{name: "test_b", module: "compute", status: testpulseapi.StatusFailed, trace: "boom"})
	f.importBuild(t, "4.19.0", "compute", 12, 6,
		testcaseSpec{name: "test_a", module: "compute", status: testpulseapi.StatusPassed},
		testcaseSpec{name: "test_b", module: "compute", status: testpulseapi.StatusPassed})

	summary, err := f.engine.Summary(context.Background(), SummaryRequest{Release: "4.19.0", ParentBuild: 12, Compare: true})
	require.NoError(t, err)
	require.NotNil(t, summary.Previous)
	require.Equal(t, int64(11), summary.Previous.ParentBuild)
	require.Equal(t, int64(1), summary.Previous.Counts.Failed)
}

// Literal scenario: {P0: 10 pass, P1: 20 pass / 2 fail, P2: 5 skip},
// queried with priorities=P0,P1.
func TestPriorityFilteredBreakdown(t *testing.T) {
	f := newFixture(t)
	var cases []testcaseSpec
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("test_p0_%d", i)
		f.setPriority(t, name, "P0")
		cases = append(cases, testcaseSpec{name: name, module: "compute", status: testpulseapi.StatusPassed})
	}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("test_p1_pass_%d", i)
		f.setPriority(t, name, "P1")
		cases = append(cases, testcaseSpec{name: name, module: "compute", status: testpulseapi.StatusPassed})
	}
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("test_p1_fail_%d", i)
		f.setPriority(t, name, "P1")
		cases = append(cases, testcaseSpec{name: name, module: "compute", status: testpulseapi.StatusFailed, trace: "boom"})
	}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("test_p2_%d", i)
		f.setPriority(t, name, "P2")
		cases = append(cases, testcaseSpec{name: name, module: "compute", status: testpulseapi.StatusSkipped})
	}
	f.importBuild(t, "4.19.0", "compute", 11, 5, cases...)

	summary, err := f.engine.Summary(context.Background(), SummaryRequest{Release: "4.19.0", ParentBuild: 11, Priorities: []string{"P0", "P1"}})
	require.NoError(t, err)
	require.Equal(t, int64(32), summary.Counts.Total)
	require.Equal(t, int64(30), summary.Counts.Passed)
	require.Equal(t, int64(2), summary.Counts.Failed)
	require.Equal(t, int64(0), summary.Counts.Skipped)
	require.InDelta(t, 0.9375, summary.Counts.PassRate, 1e-9)

	breakdown, err := f.engine.ModuleBreakdown(context.Background(), "4.19.0", 11, []string{"P0", "P1"})
	require.NoError(t, err)
	require.Len(t, breakdown, 1)
	require.Equal(t, "compute", breakdown[0].Module)
	require.Equal(t, int64(32), breakdown[0].Total)
}

func TestModuleBreakdownGroupsByPath(t *testing.T) {
	f := newFixture(t)
	f.importBuild(t, "4.19.0", "ci-job", 11, 5,
		testcaseSpec{name: "test_a", module: "auth", status: testpulseapi.StatusPassed},
		testcaseSpec{name: "test_b", module: "auth", status: testpulseapi.StatusFailed, trace: "boom"},
		testcaseSpec{name: "test_c", module: "billing", status: testpulseapi.StatusPassed},
		testcaseSpec{name: "test_d", status: testpulseapi.StatusPassed}) // no file path

	breakdown, err := f.engine.ModuleBreakdown(context.Background(), "4.19.0", 11, nil)
	require.NoError(t, err)
	require.Len(t, breakdown, 2, "pathless tests are excluded from path-based aggregation")
	require.Equal(t, "auth", breakdown[0].Module)
	require.InDelta(t, 0.5, breakdown[0].PassRate, 1e-9)
	require.Equal(t, "billing", breakdown[1].Module)

	modules, err := f.engine.ModuleList(context.Background(), "4.19.0")
	require.NoError(t, err)
	require.Equal(t, []string{"auth", "billing"}, modules)
}

func TestFlakyClassification(t *testing.T) {
	f := newFixture(t)
	// Test T flips within the window; test S is stable.
	statuses := []testpulseapi.TestStatus{
		testpulseapi.StatusPassed, testpulseapi.StatusFailed, testpulseapi.StatusPassed,
		testpulseapi.StatusPassed, testpulseapi.StatusPassed,
	}
	for i, status := range statuses {
		f.importBuild(t, "4.19.0", "compute", int64(11+i), int64(5+i),
			testcaseSpec{name: "test_t", module: "compute", status: status, trace: "boom"},
			testcaseSpec{name: "test_s", module: "compute", status: testpulseapi.StatusPassed})
	}

	flaky, err := f.engine.FlakyTests(context.Background(), "4.19.0", "compute")
	require.NoError(t, err)
	require.Len(t, flaky, 1)
	require.Equal(t, "test_t", flaky[0].TestName)
	require.Equal(t, int64(4), flaky[0].Passes)
	require.Equal(t, int64(1), flaky[0].Failures)
}

func TestFlakyWindowSlides(t *testing.T) {
	f := newFixture(t)
	// The lone failure sits six jobs back, outside the window of 5.
	statuses := []testpulseapi.TestStatus{
		testpulseapi.StatusFailed, testpulseapi.StatusPassed, testpulseapi.StatusPassed,
		testpulseapi.StatusPassed, testpulseapi.StatusPassed, testpulseapi.StatusPassed,
	}
	for i, status := range statuses {
		f.importBuild(t, "4.19.0", "compute", int64(11+i), int64(5+i),
			testcaseSpec{name: "test_t", module: "compute", status: status, trace: "boom"})
	}

	flaky, err := f.engine.FlakyTests(context.Background(), "4.19.0", "compute")
	require.NoError(t, err)
	require.Empty(t, flaky)
}

func TestTrendsExcludeFlaky(t *testing.T) {
	f := newFixture(t)
	// T: [PASSED, FAILED, PASSED, PASSED, PASSED] over five builds.
	statuses := []testpulseapi.TestStatus{
		testpulseapi.StatusPassed, testpulseapi.StatusFailed, testpulseapi.StatusPassed,
		testpulseapi.StatusPassed, testpulseapi.StatusPassed,
	}
	for i, status := range statuses {
		f.importBuild(t, "4.19.0", "compute", int64(11+i), int64(5+i),
			testcaseSpec{name: "test_t", module: "compute", status: status, trace: "boom"},
			testcaseSpec{name: "test_s", module: "compute", status: testpulseapi.StatusPassed})
	}

	series, err := f.engine.Trends(context.Background(), TrendsRequest{Release: "4.19.0", JobLimit: 5, ExcludeFlaky: true})
	require.NoError(t, err)
	require.Len(t, series, 5)
	latest := series[4]
	require.Equal(t, int64(15), latest.ParentBuild)
	// T's latest PASS is not counted toward the passed numerator.
	require.Equal(t, int64(1), latest.Passed)
	require.Equal(t, int64(2), latest.Total)

	// Without the exclusion both passes count.
	series, err = f.engine.Trends(context.Background(), TrendsRequest{Release: "4.19.0", JobLimit: 5})
	require.NoError(t, err)
	require.Equal(t, int64(2), series[4].Passed)
}

// Literal scenario: five failures whose first stack lines mask to two
// fingerprints of sizes 3 and 2.
func TestFailureClustering(t *testing.T) {
	f := newFixture(t)
	f.importBuild(t, "4.19.0", "compute", 11, 5,
		testcaseSpec{name: "test_1", module: "compute", status: testpulseapi.StatusFailed, trace: "at x.py:12 0xABCD"},
		testcaseSpec{name: "test_2", module: "compute", status: testpulseapi.StatusFailed, trace: "at x.py:34 0x1234"},
		testcaseSpec{name: "test_3", module: "compute", status: testpulseapi.StatusFailed, trace: "at y.py:7 0xBEEF"},
		testcaseSpec{name: "test_4", module: "compute", status: testpulseapi.StatusFailed, trace: "at x.py:12 0x5555"},
		testcaseSpec{name: "test_5", module: "compute", status: testpulseapi.StatusFailed, trace: "at y.py:7 0xDEAD"})

	response, err := f.engine.ClusteredFailures(context.Background(), ClustersRequest{Release: "4.19.0", Module: "compute", JobID: "5"})
	require.NoError(t, err)
	require.Equal(t, int64(5), response.TotalFailed)
	require.Len(t, response.Clusters, 2)
	require.Equal(t, 3, response.Clusters[0].Size)
	require.Equal(t, "at x.py:N 0xN", response.Clusters[0].Fingerprint)
	require.Equal(t, 2, response.Clusters[1].Size)
	require.Equal(t, "at y.py:N 0xN", response.Clusters[1].Fingerprint)

	// Cluster coverage: sizes sum to the job's failed count.
	total := 0
	for _, cluster := range response.Clusters {
		total += cluster.Size
	}
	require.Equal(t, int(response.TotalFailed), total)

	// min_cluster_size and pagination.
	response, err = f.engine.ClusteredFailures(context.Background(), ClustersRequest{Release: "4.19.0", Module: "compute", JobID: "5", MinClusterSize: 3})
	require.NoError(t, err)
	require.Len(t, response.Clusters, 1)

	response, err = f.engine.ClusteredFailures(context.Background(), ClustersRequest{Release: "4.19.0", Module: "compute", JobID: "5", Limit: 1, Skip: 1})
	require.NoError(t, err)
	require.Len(t, response.Clusters, 1)
	require.Equal(t, 2, response.Clusters[0].Size)
}

func TestFingerprintMasks(t *testing.T) {
	for trace, expected := range map[string]string{
		"at x.py:12 0xABCD":            "at x.py:N 0xN",
		"\n\n  at y.py:7 0xBEEF\nmore": "at y.py:N 0xN",
		"":                             "",
		"   \n  ":                      "",
		"plain assertion failed":       "plain assertion failed",
	} {
		require.Equal(t, expected, Fingerprint(trace), "trace %q", trace)
	}
}

func TestJobSummaryPreviousJob(t *testing.T) {
	f := newFixture(t)
	// Module builds 9, 10, 11: numeric ordering matters (a string sort
	// would put "10" before "9").
	f.importBuild(t, "4.19.0", "compute", 11, 9, testcaseSpec{name: "test_a", module: "compute", status: testpulseapi.StatusPassed})
	f.importBuild(t, "4.19.0", "compute", 12, 10, testcaseSpec{name: "test_a", module: "compute", status: testpulseapi.StatusFailed, trace: "boom"})
	f.importBuild(t, "4.19.0", "compute", 13, 11, testcaseSpec{name: "test_a", module: "compute", status: testpulseapi.StatusPassed})

	summary, err := f.engine.JobSummary(context.Background(), "4.19.0", "compute", "11")
	require.NoError(t, err)
	require.Equal(t, "10", summary.PreviousJobID)
	require.NotNil(t, summary.Previous)
	require.Equal(t, int64(1), summary.Previous.Failed)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Summary(context.Background(), SummaryRequest{Release: "no-such-release", ParentBuild: 1})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.ClusteredFailures(context.Background(), ClustersRequest{Release: "no-such-release", Module: "m", JobID: "1"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCacheInvalidationOnImport(t *testing.T) {
	f := newFixture(t)
	f.importBuild(t, "4.19.0", "compute", 11, 5, testcaseSpec{name: "test_a", module: "compute", status: testpulseapi.StatusPassed})

	summary, err := f.engine.Summary(context.Background(), SummaryRequest{Release: "4.19.0", ParentBuild: 11})
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Counts.Total)

	// A new import bumps the release version; the next query misses
	// the stale entry and sees the fresh rows.
	f.importBuild(t, "4.19.0", "compute", 11, 5,
		testcaseSpec{name: "test_a", module: "compute", status: testpulseapi.StatusPassed},
		testcaseSpec{name: "test_b", module: "compute", status: testpulseapi.StatusPassed})

	summary, err = f.engine.Summary(context.Background(), SummaryRequest{Release: "4.19.0", ParentBuild: 11})
	require.NoError(t, err)
	require.Equal(t, int64(2), summary.Counts.Total)
}
