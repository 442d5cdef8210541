package analytics

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/openshift-eng/testpulse/pkg/cache"
	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

var (
	hexMask = regexp.MustCompile(`0[xX][0-9a-fA-F]+`)
	numMask = regexp.MustCompile(`\d+`)
)

// Fingerprint normalizes a stack trace into its cluster bucket key:
// the first non-blank line with hex addresses and file:line numerics
// masked. An absent stack trace maps to the empty fingerprint, so
// trace-less runners collapse into a single bucket.
func Fingerprint(stackTrace string) string {
	var firstLine string
	for _, line := range strings.Split(stackTrace, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			firstLine = trimmed
			break
		}
	}
	if firstLine == "" {
		return ""
	}
	masked := hexMask.ReplaceAllString(firstLine, "0xN")
	return numMask.ReplaceAllString(masked, "N")
}

// FailureCluster groups a job's failed tests sharing one fingerprint.
type FailureCluster struct {
	Fingerprint string   `json:"fingerprint"`
	Size        int      `json:"size"`
	TestNames   []string `json:"test_names"`
}

// ClustersRequest defines one clustering query.
type ClustersRequest struct {
	Release        string
	Module         string
	JobID          string
	MinClusterSize int
	Limit          int
	Skip           int
}

// ClustersResponse carries the clusters plus the total failure count
// they cover before pagination.
type ClustersResponse struct {
	TotalFailed   int64            `json:"total_failed"`
	TotalClusters int              `json:"total_clusters"`
	Clusters      []FailureCluster `json:"clusters"`
}

// ClusteredFailures groups the FAILED tests of one job by normalized
// error fingerprint, sorted by cluster size descending. The sum of all
// cluster sizes (before min-size filtering) equals the job's failed
// count.
func (e *Engine) ClusteredFailures(ctx context.Context, req ClustersRequest) (*ClustersResponse, error) {
	key := e.cache.Key(req.Release, "clusters", req.Module, req.JobID,
		"min="+strconv.Itoa(req.MinClusterSize),
		"limit="+strconv.Itoa(req.Limit),
		"skip="+strconv.Itoa(req.Skip))

	value, err := e.cache.GetOrFill(key, cache.DefaultTTL, func() (interface{}, error) {
		return e.clusteredFailures(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return value.(*ClustersResponse), nil
}

func (e *Engine) clusteredFailures(ctx context.Context, req ClustersRequest) (*ClustersResponse, error) {
	releaseID, err := e.releaseID(ctx, req.Release)
	if err != nil {
		return nil, err
	}
	module, err := db.GetModuleByName(ctx, e.database.Reader(), releaseID, req.Module)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job, err := db.GetJob(ctx, e.database.Reader(), module.ID, req.JobID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var failed []testpulseapi.TestResultRow
	err = e.database.Reader().SelectContext(ctx, &failed, `
		SELECT test_name, stack_trace FROM test_results
		WHERE job_id = ? AND status = 'FAILED'
		ORDER BY test_name`,
		job.ID)
	if err != nil {
		return nil, fmt.Errorf("could not load failures of job %s: %w", req.JobID, err)
	}

	buckets := map[string]*FailureCluster{}
	for _, row := range failed {
		fingerprint := Fingerprint(row.StackTrace.String)
		bucket, ok := buckets[fingerprint]
		if !ok {
			bucket = &FailureCluster{Fingerprint: fingerprint}
			buckets[fingerprint] = bucket
		}
		bucket.Size++
		bucket.TestNames = append(bucket.TestNames, row.TestName)
	}

	clusters := make([]FailureCluster, 0, len(buckets))
	for _, bucket := range buckets {
		if req.MinClusterSize > 0 && bucket.Size < req.MinClusterSize {
			continue
		}
		clusters = append(clusters, *bucket)
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].Fingerprint < clusters[j].Fingerprint
	})

	response := &ClustersResponse{
		TotalFailed:   int64(len(failed)),
		TotalClusters: len(clusters),
	}
	start := req.Skip
	if start > len(clusters) {
		start = len(clusters)
	}
	end := len(clusters)
	if req.Limit > 0 && start+req.Limit < end {
		end = start + req.Limit
	}
	response.Clusters = clusters[start:end]
	return response, nil
}
