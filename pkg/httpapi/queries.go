package httpapi

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/openshift-eng/testpulse/pkg/analytics"
)

func (s *Server) handleSummary(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	parentBuild, err := strconv.ParseInt(p.ByName("parent_build"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parent_build must be an integer")
		return
	}
	compare, err := parseBoolParam(r, "compare")
	if err != nil {
		writeError(w, http.StatusBadRequest, "compare must be a boolean")
		return
	}
	excludeFlaky, err := parseBoolParam(r, "exclude_flaky")
	if err != nil {
		writeError(w, http.StatusBadRequest, "exclude_flaky must be a boolean")
		return
	}

	summary, err := s.engine.Summary(r.Context(), analytics.SummaryRequest{
		Release:      p.ByName("release"),
		ParentBuild:  parentBuild,
		Priorities:   parsePriorities(r),
		Compare:      compare,
		ExcludeFlaky: excludeFlaky,
	})
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleModuleList(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	modules, err := s.engine.ModuleList(r.Context(), p.ByName("release"))
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"modules": modules})
}

func (s *Server) handleModuleBreakdown(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	parentBuild, err := strconv.ParseInt(p.ByName("parent_build"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parent_build must be an integer")
		return
	}
	breakdown, err := s.engine.ModuleBreakdown(r.Context(), p.ByName("release"), parentBuild, parsePriorities(r))
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"modules": breakdown})
}

func (s *Server) handleTrends(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	jobLimit, err := parseIntParam(r, "job_limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "job_limit must be an integer")
		return
	}
	excludeFlaky, err := parseBoolParam(r, "exclude_flaky")
	if err != nil {
		writeError(w, http.StatusBadRequest, "exclude_flaky must be a boolean")
		return
	}

	trends, err := s.engine.Trends(r.Context(), analytics.TrendsRequest{
		Release:      p.ByName("release"),
		JobLimit:     jobLimit,
		Priorities:   parsePriorities(r),
		ExcludeFlaky: excludeFlaky,
	})
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trends": trends})
}

func (s *Server) handleFlaky(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	flaky, err := s.engine.FlakyTests(r.Context(), p.ByName("release"), p.ByName("module"))
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flaky_tests": flaky})
}

func (s *Server) handleJobSummary(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	summary, err := s.engine.JobSummary(r.Context(), p.ByName("release"), p.ByName("module"), p.ByName("job_id"))
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleClusters(logger *logrus.Entry, w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	minClusterSize, err := parseIntParam(r, "min_cluster_size", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "min_cluster_size must be an integer")
		return
	}
	limit, err := parseIntParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	skip, err := parseIntParam(r, "skip", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "skip must be an integer")
		return
	}

	clusters, err := s.engine.ClusteredFailures(r.Context(), analytics.ClustersRequest{
		Release:        p.ByName("release"),
		Module:         p.ByName("module"),
		JobID:          p.ByName("job_id"),
		MinClusterSize: minClusterSize,
		Limit:          limit,
		Skip:           skip,
	})
	if err != nil {
		writeDomainError(logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}
