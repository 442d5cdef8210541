package testpulseapi

import (
	"database/sql"
	"time"
)

// TestStatus is the normalized outcome of one test case execution.
type TestStatus string

const (
	StatusPassed  TestStatus = "PASSED"
	StatusFailed  TestStatus = "FAILED"
	StatusSkipped TestStatus = "SKIPPED"
	StatusError   TestStatus = "ERROR"
)

// Priority buckets recognized by analytics. Anything else, including
// unset, is normalized to PriorityUnknown at query time; stored values
// are never rewritten.
const (
	PriorityP0      = "P0"
	PriorityP1      = "P1"
	PriorityP2      = "P2"
	PriorityP3      = "P3"
	PriorityUnknown = "UNKNOWN"
)

// NormalizePriority maps a raw priority value to one of the recognized
// buckets.
func NormalizePriority(raw string) string {
	switch raw {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return raw
	default:
		return PriorityUnknown
	}
}

// TestState classifies where a test is expected to run.
type TestState string

const (
	TestStateProd    TestState = "PROD"
	TestStateStaging TestState = "STAGING"
)

// ReleaseRow is one tracked release. LastProcessedBuild is the poller
// watermark: the largest parent build whose ingestion is durably complete.
type ReleaseRow struct {
	ID                 int64          `db:"id"`
	Name               string         `db:"name"`
	JenkinsJobURL      sql.NullString `db:"jenkins_job_url"`
	GitBranch          sql.NullString `db:"git_branch"`
	IsActive           bool           `db:"is_active"`
	LastProcessedBuild int64          `db:"last_processed_build"`
	CreatedAt          time.Time      `db:"created_at"`
}

// ModuleRow is one CI module under a release, created lazily on first
// import and never deleted.
type ModuleRow struct {
	ID        int64     `db:"id"`
	ReleaseID int64     `db:"release_id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// JobRow is one module's outcome for one parent build. JobID is the CI
// build number of the module build; ParentJobID is the main-job build
// number that fanned it out. Both are kept as strings because Jenkins
// reports them that way; numeric ordering casts at query time.
type JobRow struct {
	ID          int64          `db:"id"`
	ModuleID    int64          `db:"module_id"`
	JobID       string         `db:"job_id"`
	ParentJobID sql.NullString `db:"parent_job_id"`
	JenkinsURL  sql.NullString `db:"jenkins_url"`
	Version     sql.NullString `db:"version"`
	Total       int64          `db:"total"`
	Passed      int64          `db:"passed"`
	Failed      int64          `db:"failed"`
	Skipped     int64          `db:"skipped"`
	Error       int64          `db:"error"`
	Timestamp   time.Time      `db:"timestamp"`
	CreatedAt   time.Time      `db:"created_at"`
}

// TestResultRow is one test outcome within a job. TestcaseModule is
// derived from FilePath at import time; analytics joins group on it.
type TestResultRow struct {
	ID             int64           `db:"id"`
	JobID          int64           `db:"job_id"`
	TestName       string          `db:"test_name"`
	FilePath       sql.NullString  `db:"file_path"`
	Status         TestStatus      `db:"status"`
	DurationSec    sql.NullFloat64 `db:"duration_sec"`
	Message        sql.NullString  `db:"message"`
	StackTrace     sql.NullString  `db:"stack_trace"`
	TestcaseModule sql.NullString  `db:"testcase_module"`
	Priority       sql.NullString  `db:"priority"`
	Bug            sql.NullString  `db:"bug"`
}

// TestcaseMetadataRow holds curated test metadata. A row with a NULL
// ReleaseID is the global baseline; a row with a release set is an
// override that exists only while it differs from the baseline.
type TestcaseMetadataRow struct {
	ID            int64          `db:"id"`
	TestcaseName  string         `db:"testcase_name"`
	ReleaseID     sql.NullInt64  `db:"release_id"`
	TestClassName sql.NullString `db:"test_class_name"`
	Module        sql.NullString `db:"module"`
	Topology      sql.NullString `db:"topology"`
	TestState     TestState      `db:"test_state"`
	TestCaseID    sql.NullString `db:"test_case_id"`
	TestrailID    sql.NullString `db:"testrail_id"`
	Priority      sql.NullString `db:"priority"`
	TestPath      sql.NullString `db:"test_path"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// MetadataSyncLogRow records one metadata sync invocation. ErrorDetails
// is JSON: a list of {path, reason} for files that failed to parse.
type MetadataSyncLogRow struct {
	ID             int64          `db:"id"`
	ReleaseID      sql.NullInt64  `db:"release_id"`
	StartedAt      time.Time      `db:"started_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
	Status         string         `db:"status"`
	FilesScanned   int64          `db:"files_scanned"`
	FilesFailed    int64          `db:"files_failed"`
	TestsUpserted  int64          `db:"tests_upserted"`
	TestsUnchanged int64          `db:"tests_unchanged"`
	ErrorDetails   sql.NullString `db:"error_details"`
}

// TestOutcome is one parsed entry from a JUnit artifact, before it is
// persisted as a TestResultRow.
type TestOutcome struct {
	TestName    string
	FilePath    string
	Status      TestStatus
	DurationSec float64
	// HasDuration distinguishes a recorded time="0.0" from a missing
	// time attribute.
	HasDuration    bool
	Message        string
	StackTrace     string
	TestcaseModule string
}

// Summary holds the per-status counts of one artifact or one job.
type Summary struct {
	Total   int64 `json:"total"`
	Passed  int64 `json:"passed"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
	Error   int64 `json:"error"`
}

// Add accumulates one outcome into the summary.
func (s *Summary) Add(status TestStatus) {
	s.Total++
	switch status {
	case StatusPassed:
		s.Passed++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	case StatusError:
		s.Error++
	}
}

// DiscoveredTest is one test found by AST discovery in the metadata
// repository, before baseline/override reconciliation.
type DiscoveredTest struct {
	TestcaseName  string
	TestClassName string
	Module        string
	Topology      string
	TestState     TestState
	TestCaseID    string
	TestrailID    string
	Priority      string
	TestPath      string
}
