package poller

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/importer"
	"github.com/openshift-eng/testpulse/pkg/jobtracker"
	"github.com/openshift-eng/testpulse/pkg/junit"
)

type fakeCI struct {
	builds       []int64
	buildMaps    map[int64]map[string]int64
	artifacts    map[int64]string
	displayNames map[int64]string

	buildMapErr    map[int64]error
	artifactErr    map[int64]error
	displayNameErr error

	artifactFetches []int64
}

func (f *fakeCI) ListBuilds(_ context.Context, _ string, minBuild int64) ([]int64, error) {
	var out []int64
	for _, build := range f.builds {
		if build > minBuild {
			out = append(out, build)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeCI) GetBuildMap(_ context.Context, _ string, buildNumber int64) (map[string]int64, error) {
	if err := f.buildMapErr[buildNumber]; err != nil {
		return nil, err
	}
	buildMap, ok := f.buildMaps[buildNumber]
	if !ok {
		return nil, fmt.Errorf("no build map for %d", buildNumber)
	}
	return buildMap, nil
}

func (f *fakeCI) GetArtifact(_ context.Context, _ string, buildNumber int64) (io.ReadCloser, error) {
	f.artifactFetches = append(f.artifactFetches, buildNumber)
	if err := f.artifactErr[buildNumber]; err != nil {
		return nil, err
	}
	artifact, ok := f.artifacts[buildNumber]
	if !ok {
		return nil, fmt.Errorf("no artifact for %d", buildNumber)
	}
	return io.NopCloser(strings.NewReader(artifact)), nil
}

func (f *fakeCI) GetDisplayName(_ context.Context, _ string, buildNumber int64) (string, error) {
	if f.displayNameErr != nil {
		return "", f.displayNameErr
	}
	return f.displayNames[buildNumber], nil
}

func artifact(cases string) string {
	return `<?xml version="1.0"?><testsuites><testsuite name="pytest">` + cases + `</testsuite></testsuites>`
}

func passing(name, file string) string {
	return fmt.Sprintf(`<testcase name=%q file=%q time="0.1"/>`, name, file)
}

type fixture struct {
	database *db.DB
	poller   *Poller
	tracker  jobtracker.Tracker
	ci       *fakeCI
}

func newFixture(t *testing.T, ci *fakeCI) *fixture {
	t.Helper()
	logger := logrus.NewEntry(logrus.New())
	database, err := db.Open(filepath.Join(t.TempDir(), "testpulse.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	imports := importer.New(database, junit.NewParser("tests"), nil, logger)
	tracker := jobtracker.NewMemory()
	p := New(database, ci, imports, tracker, Options{Interval: time.Hour}, logger)
	return &fixture{database: database, poller: p, tracker: tracker, ci: ci}
}

func (f *fixture) createRelease(t *testing.T, name, jobURL string, watermark int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.database.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		release, err := db.CreateRelease(ctx, tx, name, jobURL, "")
		if err != nil {
			return err
		}
		if watermark > 0 {
			return db.AdvanceWatermark(ctx, tx, release.ID, watermark)
		}
		return nil
	}))
}

func (f *fixture) watermark(t *testing.T, name string) int64 {
	t.Helper()
	release, err := db.GetReleaseByName(context.Background(), f.database.Reader(), name)
	require.NoError(t, err)
	return release.LastProcessedBuild
}

func TestPollImportsNewBuildsInOrder(t *testing.T) {
	ci := &fakeCI{
		builds: []int64{98, 100, 101},
		buildMaps: map[int64]map[string]int64{
			100: {"platform": 2001, "billing": 2002},
			101: {"platform": 2101},
		},
		artifacts: map[int64]string{
			2001: artifact(passing("test_a", "tests/platform/test_a.py")),
			2002: artifact(passing("test_b", "tests/billing/test_b.py")),
			2101: artifact(passing("test_a", "tests/platform/test_a.py")),
		},
		displayNames: map[int64]string{100: "#100 5.2.1.9", 101: "#101 5.2.1.10"},
	}
	f := newFixture(t, ci)
	f.createRelease(t, "5.2", "https://jenkins/job/release-5.2", 99)

	require.NoError(t, f.poller.PollRelease(context.Background(), "5.2"))

	// Build 98 is below the watermark and was never touched.
	require.Equal(t, int64(101), f.watermark(t, "5.2"))

	var jobs []string
	require.NoError(t, f.database.Reader().Select(&jobs, `SELECT job_id FROM jobs ORDER BY CAST(job_id AS INTEGER)`))
	require.Equal(t, []string{"2001", "2002", "2101"}, jobs)

	var versions []string
	require.NoError(t, f.database.Reader().Select(&versions, `SELECT DISTINCT version FROM jobs WHERE version IS NOT NULL ORDER BY version`))
	require.Equal(t, []string{"5.2.1.10", "5.2.1.9"}, versions)
}

func TestPollBuildMapFailureHaltsWatermark(t *testing.T) {
	ci := &fakeCI{
		builds: []int64{100, 101},
		buildMaps: map[int64]map[string]int64{
			101: {"platform": 2101},
		},
		buildMapErr: map[int64]error{100: fmt.Errorf("artifact build_map.json missing")},
		artifacts: map[int64]string{
			2101: artifact(passing("test_a", "tests/platform/test_a.py")),
		},
		displayNames: map[int64]string{},
	}
	f := newFixture(t, ci)
	f.createRelease(t, "5.2", "https://jenkins/job/release-5.2", 99)

	err := f.poller.PollRelease(context.Background(), "5.2")
	require.Error(t, err)

	// The watermark stays put and build 101 was not attempted either,
	// so the next poll retries 100 first.
	require.Equal(t, int64(99), f.watermark(t, "5.2"))
	require.Empty(t, ci.artifactFetches)
}

func TestPollModuleFailureDoesNotBlockOthers(t *testing.T) {
	ci := &fakeCI{
		builds: []int64{100},
		buildMaps: map[int64]map[string]int64{
			100: {"platform": 2001, "billing": 2002},
		},
		artifacts: map[int64]string{
			2001: artifact(passing("test_a", "tests/platform/test_a.py")),
			2002: `<testsuites><testsuite><testcase name="broken"`,
		},
		displayNames: map[int64]string{},
	}
	f := newFixture(t, ci)
	f.createRelease(t, "5.2", "https://jenkins/job/release-5.2", 0)

	require.NoError(t, f.poller.PollRelease(context.Background(), "5.2"))

	// The healthy module landed, the malformed one rolled back, and
	// the watermark still advanced past the build.
	var jobs []string
	require.NoError(t, f.database.Reader().Select(&jobs, `SELECT job_id FROM jobs`))
	require.Equal(t, []string{"2001"}, jobs)
	require.Equal(t, int64(100), f.watermark(t, "5.2"))

	// The tracker job of the parent build records where the malformed
	// artifact broke.
	tracked := trackerJobs(t, f.tracker)
	require.Len(t, tracked, 1)
	var logged []string
	for {
		line, ok, err := f.tracker.PopLog(context.Background(), tracked[0].ID, 10*time.Millisecond)
		require.NoError(t, err)
		if !ok {
			break
		}
		logged = append(logged, line)
	}
	require.Contains(t, strings.Join(logged, "\n"), "at byte")
}

func TestPollSkipsAlreadyImportedModules(t *testing.T) {
	ci := &fakeCI{
		builds: []int64{100},
		buildMaps: map[int64]map[string]int64{
			100: {"platform": 2001},
		},
		artifacts: map[int64]string{
			2001: artifact(passing("test_a", "tests/platform/test_a.py")),
		},
		displayNames: map[int64]string{},
	}
	f := newFixture(t, ci)
	f.createRelease(t, "5.2", "https://jenkins/job/release-5.2", 0)

	require.NoError(t, f.poller.PollRelease(context.Background(), "5.2"))
	require.Len(t, ci.artifactFetches, 1)

	// Reset the watermark to force rediscovery of build 100; the
	// module build is recognized as imported and not refetched.
	require.NoError(t, f.database.WithWriteTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE releases SET last_processed_build = 0`)
		return err
	}))
	require.NoError(t, f.poller.PollRelease(context.Background(), "5.2"))
	require.Len(t, ci.artifactFetches, 1)
}

func TestPollRecordsTrackerJob(t *testing.T) {
	ci := &fakeCI{
		builds: []int64{100},
		buildMaps: map[int64]map[string]int64{
			100: {"platform": 2001},
		},
		artifacts: map[int64]string{
			2001: artifact(passing("test_a", "tests/platform/test_a.py")),
		},
		displayNames: map[int64]string{},
	}
	f := newFixture(t, ci)
	f.createRelease(t, "5.2", "https://jenkins/job/release-5.2", 0)

	require.NoError(t, f.poller.PollRelease(context.Background(), "5.2"))

	// Exactly one background job, completed, with a result payload.
	jobs := trackerJobs(t, f.tracker)
	require.Len(t, jobs, 1)
	require.Equal(t, jobtracker.KindImport, jobs[0].Kind)
	require.Equal(t, jobtracker.StatusCompleted, jobs[0].Status)
	require.Contains(t, jobs[0].Result, `"imported":1`)
}

func trackerJobs(t *testing.T, tracker jobtracker.Tracker) []jobtracker.Job {
	t.Helper()
	jobs, err := tracker.List(context.Background())
	require.NoError(t, err)
	return jobs
}

func TestPollDisplayNameFailureIsNotFatal(t *testing.T) {
	ci := &fakeCI{
		builds: []int64{100},
		buildMaps: map[int64]map[string]int64{
			100: {"platform": 2001},
		},
		artifacts: map[int64]string{
			2001: artifact(passing("test_a", "tests/platform/test_a.py")),
		},
		displayNameErr: fmt.Errorf("jenkins 500"),
	}
	f := newFixture(t, ci)
	f.createRelease(t, "5.2", "https://jenkins/job/release-5.2", 0)

	require.NoError(t, f.poller.PollRelease(context.Background(), "5.2"))
	require.Equal(t, int64(100), f.watermark(t, "5.2"))

	var version *string
	require.NoError(t, f.database.Reader().Get(&version, `SELECT version FROM jobs WHERE job_id = '2001'`))
	require.Nil(t, version)
}
