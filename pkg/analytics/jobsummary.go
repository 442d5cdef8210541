package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/openshift-eng/testpulse/pkg/cache"
	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

// JobSummaryResponse is one module job's counts with the previous
// job's counts for deltas and a per-priority breakdown.
type JobSummaryResponse struct {
	Release       string            `json:"release"`
	Module        string            `json:"module"`
	JobID         string            `json:"job_id"`
	ParentJobID   string            `json:"parent_job_id,omitempty"`
	Version       string            `json:"version,omitempty"`
	Counts        Counts            `json:"counts"`
	ByPriority    map[string]Counts `json:"by_priority"`
	PreviousJobID string            `json:"previous_job_id,omitempty"`
	Previous      *Counts           `json:"previous,omitempty"`
}

// JobSummary reports one module job: its counts, per-priority
// breakdown, and the counts of the previous job of the same module,
// meaning the job with the largest job_id strictly below this one.
func (e *Engine) JobSummary(ctx context.Context, releaseName, moduleName, jobID string) (*JobSummaryResponse, error) {
	key := e.cache.Key(releaseName, "job-summary", moduleName, jobID)
	value, err := e.cache.GetOrFill(key, cache.DefaultTTL, func() (interface{}, error) {
		return e.jobSummary(ctx, releaseName, moduleName, jobID)
	})
	if err != nil {
		return nil, err
	}
	return value.(*JobSummaryResponse), nil
}

func (e *Engine) jobSummary(ctx context.Context, releaseName, moduleName, jobID string) (*JobSummaryResponse, error) {
	releaseID, err := e.releaseID(ctx, releaseName)
	if err != nil {
		return nil, err
	}
	module, err := db.GetModuleByName(ctx, e.database.Reader(), releaseID, moduleName)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job, err := db.GetJob(ctx, e.database.Reader(), module.ID, jobID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	response := &JobSummaryResponse{
		Release:     releaseName,
		Module:      moduleName,
		JobID:       jobID,
		ParentJobID: job.ParentJobID.String,
		Version:     job.Version.String,
		Counts:      countsOfJob(job),
	}

	byPriority, err := e.jobPriorityBreakdown(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	response.ByPriority = byPriority

	previous, err := e.previousJob(ctx, module.ID, jobID)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		previousCounts := countsOfJob(previous)
		response.PreviousJobID = previous.JobID
		response.Previous = &previousCounts
	}
	return response, nil
}

func countsOfJob(job *testpulseapi.JobRow) Counts {
	counts := Counts{
		Total:   job.Total,
		Passed:  job.Passed,
		Failed:  job.Failed,
		Skipped: job.Skipped,
		Error:   job.Error,
	}
	counts.finalize()
	return counts
}

func (e *Engine) jobPriorityBreakdown(ctx context.Context, jobRowID int64) (map[string]Counts, error) {
	var rows []struct {
		Priority string `db:"priority"`
		Status   string `db:"status"`
		N        int64  `db:"n"`
	}
	err := e.database.Reader().SelectContext(ctx, &rows, `
		SELECT `+normalizedPriorityExpr+` AS priority,
		       test_results.status AS status,
		       COUNT(*) AS n
		FROM test_results
		WHERE job_id = ?
		GROUP BY 1, 2`,
		jobRowID)
	if err != nil {
		return nil, fmt.Errorf("could not build priority breakdown of job %d: %w", jobRowID, err)
	}
	byPriority := map[string]Counts{}
	for _, row := range rows {
		bucket := byPriority[row.Priority]
		addCount(&bucket, row.Status, row.N)
		byPriority[row.Priority] = bucket
	}
	for priority, bucket := range byPriority {
		bucket.finalize()
		byPriority[priority] = bucket
	}
	return byPriority, nil
}
