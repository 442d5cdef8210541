package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/blang/semver"
	"github.com/jmoiron/sqlx"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/jenkins"
	"github.com/openshift-eng/testpulse/pkg/jobtracker"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

// streamPollInterval paces the SSE loop's blocking log pops; between
// pops the handler re-checks job state and client liveness.
const streamPollInterval = 2 * time.Second

type importRequest struct {
	Release     string `json:"release"`
	ParentBuild int64  `json:"parent_build"`
	Module      string `json:"module,omitempty"`
	ModuleBuild int64  `json:"module_build,omitempty"`
}

func (s *Server) handleImport(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.ci == nil {
		writeError(w, http.StatusServiceUnavailable, "jenkins is not configured")
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Release == "" || req.ParentBuild <= 0 {
		writeError(w, http.StatusBadRequest, "release and parent_build are required")
		return
	}
	if req.Module != "" && req.ModuleBuild <= 0 {
		writeError(w, http.StatusBadRequest, "module_build is required with module")
		return
	}

	release, err := db.GetReleaseByName(r.Context(), s.database.Reader(), req.Release)
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	if !release.JenkinsJobURL.Valid {
		writeError(w, http.StatusBadRequest, "release has no jenkins job URL")
		return
	}
	jobURL := release.JenkinsJobURL.String

	jobID, err := s.pool.Submit(r.Context(), jobtracker.KindImport, func(ctx context.Context, log func(string)) (string, error) {
		return s.runImport(ctx, req, jobURL, log)
	})
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

// runImport is the background body of a manual import: one module when
// named, the whole build map otherwise. Manual imports never move the
// poller watermark.
func (s *Server) runImport(ctx context.Context, req importRequest, jobURL string, log func(string)) (string, error) {
	version := ""
	if displayName, err := s.ci.GetDisplayName(ctx, jobURL, req.ParentBuild); err == nil {
		version = jenkins.VersionFromDisplayName(displayName)
	}

	buildMap := map[string]int64{req.Module: req.ModuleBuild}
	if req.Module == "" {
		fetched, err := s.ci.GetBuildMap(ctx, jobURL, req.ParentBuild)
		if err != nil {
			return "", fmt.Errorf("could not fetch build map of parent build %d: %w", req.ParentBuild, err)
		}
		buildMap = fetched
	}

	imported, failed := 0, 0
	for moduleName, moduleBuild := range buildMap {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		artifact, err := s.ci.GetArtifact(ctx, jobURL, moduleBuild)
		if err != nil {
			failed++
			log(fmt.Sprintf("module %s build %d: artifact fetch failed: %v", moduleName, moduleBuild, err))
			continue
		}
		result, err := s.imports.ImportJob(ctx, req.Release, moduleName, req.ParentBuild, moduleBuild, artifact, version, jobURL)
		artifact.Close()
		if err != nil {
			failed++
			log(fmt.Sprintf("module %s build %d: import failed: %v", moduleName, moduleBuild, err))
			continue
		}
		imported++
		log(fmt.Sprintf("module %s build %d: imported %d results", moduleName, moduleBuild, result.Summary.Total))
	}
	if imported == 0 && failed > 0 {
		return "", fmt.Errorf("all %d modules failed to import", failed)
	}
	payload, _ := json.Marshal(map[string]int{"imported": imported, "failed": failed})
	return string(payload), nil
}

func (s *Server) handleJobList(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	jobs, err := s.tracker.List(r.Context())
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobSnapshot(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	job, err := s.tracker.Get(r.Context(), p.ByName("job_id"))
	if errors.Is(err, jobtracker.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobStream serves the job's log queue as Server-Sent Events. The
// stream ends when the job reaches a terminal state and its queue is
// drained, or when the client goes away.
func (s *Server) handleJobStream(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	jobID := p.ByName("job_id")
	if _, err := s.tracker.Get(r.Context(), jobID); err != nil {
		if errors.Is(err, jobtracker.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeDomainError(logger, w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		line, got, err := s.tracker.PopLog(r.Context(), jobID, streamPollInterval)
		if err != nil {
			return
		}
		if got {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
			continue
		}
		job, err := s.tracker.Get(r.Context(), jobID)
		if err != nil {
			return
		}
		if job.Status == jobtracker.StatusCompleted || job.Status == jobtracker.StatusFailed {
			fmt.Fprintf(w, "event: end\ndata: %s\n\n", job.Status)
			flusher.Flush()
			return
		}
	}
}

func (s *Server) handleSyncTrigger(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "metadata sync is not configured")
		return
	}
	var releaseID int64
	if raw := p.ByName("release_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "release_id must be an integer")
			return
		}
		if _, err := db.GetReleaseByID(r.Context(), s.database.Reader(), parsed); err != nil {
			writeDomainError(logger, w, err)
			return
		}
		releaseID = parsed
	}

	// Reserving here, not inside the job, means a losing concurrent
	// trigger gets the conflict instead of a doomed job id.
	done, err := s.sync.TryBegin()
	if err != nil {
		writeError(w, http.StatusConflict, "metadata sync already in progress")
		return
	}

	jobID, err := s.pool.Submit(r.Context(), jobtracker.KindMetadataSync, func(ctx context.Context, log func(string)) (string, error) {
		defer done()
		if releaseID == 0 {
			log("syncing metadata of all active releases")
			return "", s.sync.SyncAll(ctx)
		}
		log(fmt.Sprintf("syncing metadata of release %d", releaseID))
		report, err := s.sync.SyncRelease(ctx, releaseID)
		if err != nil {
			return "", err
		}
		payload, _ := json.Marshal(report)
		return string(payload), nil
	})
	if err != nil {
		done()
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

type syncLogPayload struct {
	ID             int64           `json:"id"`
	ReleaseID      *int64          `json:"release_id,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Status         string          `json:"status"`
	FilesScanned   int64           `json:"files_scanned"`
	FilesFailed    int64           `json:"files_failed"`
	TestsUpserted  int64           `json:"tests_upserted"`
	TestsUnchanged int64           `json:"tests_unchanged"`
	ErrorDetails   json.RawMessage `json:"error_details,omitempty"`
}

func (s *Server) handleSyncHistory(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit, err := parseIntParam(r, "limit", 20)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	logs, err := db.ListSyncLogs(r.Context(), s.database.Reader(), limit)
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}

	payload := make([]syncLogPayload, 0, len(logs))
	for _, row := range logs {
		entry := syncLogPayload{
			ID:             row.ID,
			StartedAt:      row.StartedAt,
			Status:         row.Status,
			FilesScanned:   row.FilesScanned,
			FilesFailed:    row.FilesFailed,
			TestsUpserted:  row.TestsUpserted,
			TestsUnchanged: row.TestsUnchanged,
		}
		if row.ReleaseID.Valid {
			entry.ReleaseID = &row.ReleaseID.Int64
		}
		if row.FinishedAt.Valid {
			entry.FinishedAt = &row.FinishedAt.Time
		}
		if row.ErrorDetails.Valid {
			entry.ErrorDetails = json.RawMessage(row.ErrorDetails.String)
		}
		payload = append(payload, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"syncs": payload})
}

type releasePayload struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	JenkinsJobURL      string `json:"jenkins_job_url,omitempty"`
	GitBranch          string `json:"git_branch,omitempty"`
	IsActive           bool   `json:"is_active"`
	LastProcessedBuild int64  `json:"last_processed_build"`
}

func toReleasePayload(release *testpulseapi.ReleaseRow) releasePayload {
	return releasePayload{
		ID:                 release.ID,
		Name:               release.Name,
		JenkinsJobURL:      release.JenkinsJobURL.String,
		GitBranch:          release.GitBranch.String,
		IsActive:           release.IsActive,
		LastProcessedBuild: release.LastProcessedBuild,
	}
}

func (s *Server) handleCreateRelease(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name          string `json:"name"`
		JenkinsJobURL string `json:"jenkins_job_url"`
		GitBranch     string `json:"git_branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if _, err := semver.ParseTolerant(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, "name must be semver-like")
		return
	}
	if _, err := db.GetReleaseByName(r.Context(), s.database.Reader(), req.Name); err == nil {
		writeError(w, http.StatusConflict, "release already exists")
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		writeDomainError(logger, w, err)
		return
	}

	var release *testpulseapi.ReleaseRow
	err := s.database.WithWriteTx(r.Context(), func(tx *sqlx.Tx) error {
		created, err := db.CreateRelease(r.Context(), tx, req.Name, req.JenkinsJobURL, req.GitBranch)
		release = created
		return err
	})
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReleasePayload(release))
}

func (s *Server) handleSetReleaseActive(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	release, err := db.GetReleaseByName(r.Context(), s.database.Reader(), p.ByName("name"))
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	if err := s.database.WithWriteTx(r.Context(), func(tx *sqlx.Tx) error {
		return db.SetReleaseActive(r.Context(), tx, release.ID, req.Active)
	}); err != nil {
		writeDomainError(logger, w, err)
		return
	}
	release.IsActive = req.Active
	writeJSON(w, http.StatusOK, toReleasePayload(release))
}

// handleBugLink sets the bug of one result row, then re-applies the
// link to every row of the same (test_name, release) in the background.
func (s *Server) handleBugLink(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, err := strconv.ParseInt(p.ByName("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	var req struct {
		Bug string `json:"bug"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, releaseID, err := db.GetTestResult(r.Context(), s.database.Reader(), id)
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	if err := s.database.WithWriteTx(r.Context(), func(tx *sqlx.Tx) error {
		return db.SetBugLink(r.Context(), tx, id, req.Bug)
	}); err != nil {
		writeDomainError(logger, w, err)
		return
	}

	testName, bug := result.TestName, req.Bug
	jobID, err := s.pool.Submit(r.Context(), jobtracker.KindBugUpdate, func(ctx context.Context, log func(string)) (string, error) {
		var affected int64
		err := s.database.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
			n, err := db.UpdateBugLink(ctx, tx, releaseID, testName, bug)
			affected = n
			return err
		})
		if err != nil {
			return "", err
		}
		log(fmt.Sprintf("bug link applied to %d rows of %s", affected, testName))
		payload, _ := json.Marshal(map[string]int64{"updated": affected})
		return string(payload), nil
	})
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}
