package importer

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/errkind"
	"github.com/openshift-eng/testpulse/pkg/junit"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

const artifactXML = `<testsuites>
<testsuite tests="4" failures="1" name="nightly">
<testcase name="test_login" file="tests/auth/test_login.py" time="1.25"/>
<testcase name="test_quota" file="tests/billing/test_quota.py" time="3.5">
<failure message="quota exceeded">Traceback: boom</failure>
</testcase>
<testcase name="test_bond" file="tests/networking/test_bond.py" time="0.4"/>
<testcase name="test_legacy" file="attic/test_legacy.py"><skipped message="deprecated"/></testcase>
</testsuite>
</testsuites>`

type countingVersioner struct {
	bumps map[string]int
}

func (v *countingVersioner) BumpRelease(releaseName string) {
	if v.bumps == nil {
		v.bumps = map[string]int{}
	}
	v.bumps[releaseName]++
}

func testImporter(t *testing.T) (*Importer, *db.DB, *countingVersioner) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "testpulse.db"), logrus.WithField("component", "db-test"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	versioner := &countingVersioner{}
	imp := New(database, junit.NewParser("tests"), versioner, logrus.WithField("component", "importer-test"))
	return imp, database, versioner
}

func TestImportJob(t *testing.T) {
	imp, database, versioner := testImporter(t)
	ctx := context.Background()

	result, err := imp.ImportJob(ctx, "4.19.0", "compute", 42, 17, strings.NewReader(artifactXML), "4.19.3.7", "")
	require.NoError(t, err)
	require.Equal(t, testpulseapi.Summary{Total: 4, Passed: 2, Failed: 1, Skipped: 1}, result.Summary)
	require.Equal(t, 1, versioner.bumps["4.19.0"])

	release, err := db.GetReleaseByName(ctx, database.Reader(), "4.19.0")
	require.NoError(t, err)
	module, err := db.GetModuleByName(ctx, database.Reader(), release.ID, "compute")
	require.NoError(t, err)
	job, err := db.GetJob(ctx, database.Reader(), module.ID, "17")
	require.NoError(t, err)
	require.Equal(t, "42", job.ParentJobID.String)
	require.Equal(t, "4.19.3.7", job.Version.String)
	require.Equal(t, int64(4), job.Total)
	require.Equal(t, int64(2), job.Passed)
	require.Equal(t, int64(1), job.Failed)
	require.Equal(t, int64(1), job.Skipped)

	results, err := db.ListTestResults(ctx, database.Reader(), job.ID)
	require.NoError(t, err)
	require.Len(t, results, 4)
	byName := map[string]testpulseapi.TestResultRow{}
	for _, row := range results {
		byName[row.TestName] = row
	}
	require.Equal(t, "auth", byName["test_login"].TestcaseModule.String)
	require.False(t, byName["test_legacy"].TestcaseModule.Valid, "path outside the test root must yield NULL module")
	require.Equal(t, "Traceback: boom", byName["test_quota"].StackTrace.String)
}

func TestImportJobIsIdempotent(t *testing.T) {
	imp, database, _ := testImporter(t)
	ctx := context.Background()

	_, err := imp.ImportJob(ctx, "4.19.0", "compute", 42, 17, strings.NewReader(artifactXML), "", "")
	require.NoError(t, err)
	first := dumpResults(t, database)

	_, err = imp.ImportJob(ctx, "4.19.0", "compute", 42, 17, strings.NewReader(artifactXML), "", "")
	require.NoError(t, err)
	second := dumpResults(t, database)

	require.Equal(t, first, second, "re-running an import with the same artifact must leave the store unchanged")

	imported, err := imp.IsImported(ctx, "4.19.0", "compute", 17)
	require.NoError(t, err)
	require.True(t, imported)
	imported, err = imp.IsImported(ctx, "4.19.0", "compute", 18)
	require.NoError(t, err)
	require.False(t, imported)
}

func TestImportJobRollsBackOnMalformedArtifact(t *testing.T) {
	imp, database, versioner := testImporter(t)
	ctx := context.Background()

	broken := artifactXML[:len(artifactXML)/2] + "<<<"
	_, err := imp.ImportJob(ctx, "4.19.0", "compute", 42, 17, strings.NewReader(broken), "", "")
	require.Error(t, err)
	require.Equal(t, errkind.ReasonSourceDefect, errkind.ReasonFor(err))
	require.Contains(t, err.Error(), "at byte", "the surfaced message must say where the artifact broke")
	require.Zero(t, versioner.bumps["4.19.0"])

	var jobs int
	require.NoError(t, database.Reader().Get(&jobs, `SELECT COUNT(*) FROM jobs`))
	require.Zero(t, jobs, "a failed import must not leave a partial job row")
}

func TestImportJobKeepsZeroDuration(t *testing.T) {
	imp, database, _ := testImporter(t)
	ctx := context.Background()

	artifact := `<testsuites><testsuite tests="2" name="nightly">
<testcase name="test_instant" file="tests/auth/test_instant.py" time="0.0"/>
<testcase name="test_untimed" file="tests/auth/test_untimed.py"/>
</testsuite></testsuites>`
	_, err := imp.ImportJob(ctx, "4.19.0", "compute", 42, 17, strings.NewReader(artifact), "", "")
	require.NoError(t, err)

	var instant sql.NullFloat64
	require.NoError(t, database.Reader().Get(&instant, `SELECT duration_sec FROM test_results WHERE test_name = 'test_instant'`))
	require.True(t, instant.Valid, "a recorded time of 0.0 must be stored, not nulled")
	require.Zero(t, instant.Float64)

	var untimed sql.NullFloat64
	require.NoError(t, database.Reader().Get(&untimed, `SELECT duration_sec FROM test_results WHERE test_name = 'test_untimed'`))
	require.False(t, untimed.Valid)
}

func TestImportJobCachesPriorities(t *testing.T) {
	imp, database, _ := testImporter(t)
	ctx := context.Background()

	require.NoError(t, database.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := db.EnsureRelease(ctx, tx, "4.19.0"); err != nil {
			return err
		}
		return db.UpsertMetadata(ctx, tx, &testpulseapi.TestcaseMetadataRow{
			TestcaseName: "test_quota",
			TestState:    testpulseapi.TestStateProd,
			Priority:     sql.NullString{String: "P0", Valid: true},
		})
	}))

	_, err := imp.ImportJob(ctx, "4.19.0", "compute", 42, 17, strings.NewReader(artifactXML), "", "")
	require.NoError(t, err)

	var priority sql.NullString
	require.NoError(t, database.Reader().Get(&priority, `SELECT priority FROM test_results WHERE test_name = 'test_quota'`))
	require.Equal(t, "P0", priority.String)
	require.NoError(t, database.Reader().Get(&priority, `SELECT priority FROM test_results WHERE test_name = 'test_login'`))
	require.False(t, priority.Valid)
}

// dumpResults snapshots the row sets that the idempotence invariant
// covers.
func dumpResults(t *testing.T, database *db.DB) []testpulseapi.TestResultRow {
	t.Helper()
	var rows []testpulseapi.TestResultRow
	require.NoError(t, database.Reader().Select(&rows, `SELECT job_id, test_name, file_path, status, duration_sec, message, stack_trace, testcase_module, priority, bug FROM test_results ORDER BY test_name`))
	return rows
}
