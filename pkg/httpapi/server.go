// Package httpapi exposes the analytics queries and the operator admin
// surface over HTTP. Handlers stay thin: they parse, delegate and
// translate errors; all domain logic lives behind them.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/openshift-eng/testpulse/pkg/analytics"
	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/importer"
	"github.com/openshift-eng/testpulse/pkg/jobtracker"
	"github.com/openshift-eng/testpulse/pkg/metadata"
	"github.com/openshift-eng/testpulse/pkg/poller"
	"github.com/openshift-eng/testpulse/pkg/worker"
)

// Syncer is the slice of the metadata synchronizer the admin surface
// consumes.
type Syncer interface {
	// TryBegin reserves the single sync slot; done releases it.
	TryBegin() (done func(), err error)
	SyncAll(ctx context.Context) error
	SyncRelease(ctx context.Context, releaseID int64) (*metadata.Report, error)
}

// Options wires the server's collaborators.
type Options struct {
	Database     *db.DB
	Engine       *analytics.Engine
	Tracker      jobtracker.Tracker
	Pool         *worker.Pool
	Importer     *importer.Importer
	CI           poller.CIClient
	Syncer       Syncer
	AdminPINHash string
}

// Server serves the query and admin surfaces.
type Server struct {
	database     *db.DB
	engine       *analytics.Engine
	tracker      jobtracker.Tracker
	pool         *worker.Pool
	imports      *importer.Importer
	ci           poller.CIClient
	sync         Syncer
	adminPINHash string
	logger       *logrus.Entry
}

// New builds a server.
func New(opts Options, logger *logrus.Entry) *Server {
	return &Server{
		database:     opts.Database,
		engine:       opts.Engine,
		tracker:      opts.Tracker,
		pool:         opts.Pool,
		imports:      opts.Importer,
		ci:           opts.CI,
		sync:         opts.Syncer,
		adminPINHash: opts.AdminPINHash,
		logger:       logger,
	}
}

// Handler returns the routed HTTP surface.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	get := func(route string, handle func(*logrus.Entry, http.ResponseWriter, *http.Request, httprouter.Params)) {
		router.GET(route, s.loggingWrapper(route, handle))
	}
	admin := func(method, route string, handle func(*logrus.Entry, http.ResponseWriter, *http.Request, httprouter.Params)) {
		router.Handle(method, route, s.loggingWrapper(route, s.adminWrapper(handle)))
	}

	get("/summary/:release/:parent_build", s.handleSummary)
	get("/modules/:release", s.handleModuleList)
	get("/modules/:release/:parent_build", s.handleModuleBreakdown)
	get("/trends/:release", s.handleTrends)
	get("/flaky/:release/:module", s.handleFlaky)
	get("/jobs/:release/:module/:job_id", s.handleJobSummary)
	get("/jobs/:release/:module/:job_id/failures/clustered", s.handleClusters)

	admin(http.MethodPost, "/admin/import", s.handleImport)
	admin(http.MethodGet, "/admin/jobs", s.handleJobList)
	admin(http.MethodGet, "/admin/jobs/:job_id", s.handleJobSnapshot)
	admin(http.MethodGet, "/admin/jobs/:job_id/stream", s.handleJobStream)
	admin(http.MethodPost, "/admin/metadata-sync/trigger", s.handleSyncTrigger)
	admin(http.MethodPost, "/admin/metadata-sync/trigger/:release_id", s.handleSyncTrigger)
	admin(http.MethodGet, "/admin/metadata-sync/history", s.handleSyncHistory)
	admin(http.MethodPost, "/admin/releases", s.handleCreateRelease)
	admin(http.MethodPost, "/admin/releases/:name/active", s.handleSetReleaseActive)
	admin(http.MethodPost, "/admin/test-results/:id/bug", s.handleBugLink)

	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
	router.GET("/readyz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := s.database.Reader().PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return router
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Debug("could not encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain failures onto status codes: absence is
// 404, everything else 500 with the detail kept in the logs.
func writeDomainError(logger *logrus.Entry, w http.ResponseWriter, err error) {
	if errors.Is(err, analytics.ErrNotFound) || errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	logger.WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parsePriorities(r *http.Request) []string {
	raw := r.URL.Query().Get("priorities")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func parseBoolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func parseIntParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
