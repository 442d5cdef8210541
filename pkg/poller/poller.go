// Package poller discovers new parent builds per active release on a
// fixed interval and drives their import in strictly ascending order.
// Only the poller advances a release's last_processed_build watermark.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/importer"
	"github.com/openshift-eng/testpulse/pkg/jenkins"
	"github.com/openshift-eng/testpulse/pkg/jobtracker"
	"github.com/openshift-eng/testpulse/pkg/testpulseapi"
)

var (
	buildsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testpulse_parent_builds_processed_total",
			Help: "number of parent builds whose ingestion completed, by release",
		},
		[]string{"release"},
	)
	moduleImports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testpulse_module_imports_total",
			Help: "number of module imports, by release and result",
		},
		[]string{"release", "result"},
	)
)

func init() {
	prometheus.MustRegister(buildsProcessed, moduleImports)
}

// CIClient is the slice of the Jenkins client the poller consumes.
type CIClient interface {
	ListBuilds(ctx context.Context, jobURL string, minBuild int64) ([]int64, error)
	GetBuildMap(ctx context.Context, jobURL string, buildNumber int64) (map[string]int64, error)
	GetArtifact(ctx context.Context, jobURL string, buildNumber int64) (io.ReadCloser, error)
	GetDisplayName(ctx context.Context, jobURL string, buildNumber int64) (string, error)
}

// Options tune the poller.
type Options struct {
	// Interval between discovery ticks per release.
	Interval time.Duration
	// ModuleFanOut bounds parallel module imports within one parent
	// build.
	ModuleFanOut int
	// DrainTimeout bounds how long shutdown waits for in-flight
	// builds before cancelling their IO.
	DrainTimeout time.Duration
}

// Poller runs one discovery loop per active release.
type Poller struct {
	database *db.DB
	ci       CIClient
	imports  *importer.Importer
	tracker  jobtracker.Tracker
	options  Options
	logger   *logrus.Entry
}

// New builds a poller.
func New(database *db.DB, ci CIClient, imports *importer.Importer, tracker jobtracker.Tracker, options Options, logger *logrus.Entry) *Poller {
	if options.ModuleFanOut <= 0 {
		options.ModuleFanOut = 2
	}
	if options.DrainTimeout <= 0 {
		options.DrainTimeout = time.Minute
	}
	return &Poller{
		database: database,
		ci:       ci,
		imports:  imports,
		tracker:  tracker,
		options:  options,
		logger:   logger,
	}
}

// Run starts one ticker per active release and blocks until ctx is
// cancelled, then waits up to DrainTimeout for in-flight work.
func (p *Poller) Run(ctx context.Context) error {
	releases, err := db.ListActiveReleases(ctx, p.database.Reader())
	if err != nil {
		return err
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := range releases {
		release := releases[i]
		if !release.JenkinsJobURL.Valid {
			p.logger.WithField("release", release.Name).Warn("release has no jenkins job URL, not polling")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runRelease(ctx, workCtx, release.Name)
		}()
	}

	<-ctx.Done()

	// Graceful drain: tickers already saw ctx; in-flight builds get
	// DrainTimeout before their IO is hard-cancelled.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.options.DrainTimeout):
		p.logger.Warn("drain timeout expired, cancelling in-flight imports")
	}
	cancelWork()
	wg.Wait()
	return nil
}

// runRelease ticks one release until tickCtx is cancelled. workCtx
// outlives tickCtx by the drain timeout so an in-flight build can
// finish.
func (p *Poller) runRelease(tickCtx, workCtx context.Context, releaseName string) {
	logger := p.logger.WithField("release", releaseName)
	ticker := time.NewTicker(p.options.Interval)
	defer ticker.Stop()

	// One poll at startup, then on every tick.
	if err := p.PollRelease(workCtx, releaseName); err != nil {
		logger.WithError(err).Error("poll failed")
	}
	for {
		select {
		case <-tickCtx.Done():
			return
		case <-ticker.C:
			if err := p.PollRelease(workCtx, releaseName); err != nil {
				logger.WithError(err).Error("poll failed")
			}
		}
	}
}

// PollRelease performs one discovery pass: list builds above the
// watermark and ingest each in ascending order. The watermark never
// advances past a build whose build map could not be fetched; later
// builds are not attempted once one fails.
func (p *Poller) PollRelease(ctx context.Context, releaseName string) error {
	release, err := db.GetReleaseByName(ctx, p.database.Reader(), releaseName)
	if err != nil {
		return err
	}
	if !release.JenkinsJobURL.Valid {
		return fmt.Errorf("release %s has no jenkins job URL", releaseName)
	}
	jobURL := release.JenkinsJobURL.String
	logger := p.logger.WithField("release", releaseName)

	builds, err := p.ci.ListBuilds(ctx, jobURL, release.LastProcessedBuild)
	if err != nil {
		return fmt.Errorf("could not list builds of %s: %w", releaseName, err)
	}
	if len(builds) == 0 {
		logger.Debug("no new builds")
		return nil
	}
	logger.WithField("builds", builds).Info("discovered new parent builds")

	for _, parentBuild := range builds {
		// The stop signal is consulted between builds.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.processParentBuild(ctx, release, jobURL, parentBuild); err != nil {
			logger.WithError(err).WithField("parent_build", parentBuild).
				Error("parent build failed, watermark not advanced")
			return err
		}
		buildsProcessed.WithLabelValues(releaseName).Inc()
	}
	return nil
}

// processParentBuild ingests one parent build: version lookup
// (best-effort), build map (fatal on failure), per-module imports
// (individually fallible), then the watermark update. A tracker job
// records per-module progress for operators.
func (p *Poller) processParentBuild(ctx context.Context, release *testpulseapi.ReleaseRow, jobURL string, parentBuild int64) error {
	logger := p.logger.WithFields(logrus.Fields{"release": release.Name, "parent_build": parentBuild})

	trackerID, err := p.tracker.Create(ctx, jobtracker.KindImport)
	if err != nil {
		return err
	}
	if err := p.tracker.SetStatus(ctx, trackerID, jobtracker.StatusRunning, "", ""); err != nil {
		return err
	}
	p.pushLog(ctx, trackerID, fmt.Sprintf("importing parent build %d of %s", parentBuild, release.Name))

	version := ""
	if displayName, err := p.ci.GetDisplayName(ctx, jobURL, parentBuild); err != nil {
		logger.WithError(err).Warn("could not fetch display name, version will be empty")
	} else {
		version = jenkins.VersionFromDisplayName(displayName)
	}

	buildMap, err := p.ci.GetBuildMap(ctx, jobURL, parentBuild)
	if err != nil {
		failure := fmt.Sprintf("could not fetch build map of parent build %d: %v", parentBuild, err)
		p.pushLog(ctx, trackerID, failure)
		if trackerErr := p.tracker.SetStatus(ctx, trackerID, jobtracker.StatusFailed, failure, ""); trackerErr != nil {
			logger.WithError(trackerErr).Warn("could not update tracker job")
		}
		return fmt.Errorf("build map of %d: %w", parentBuild, err)
	}

	var mu sync.Mutex
	imported, skipped, failed := 0, 0, 0
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.options.ModuleFanOut)
	for moduleName, moduleBuild := range buildMap {
		moduleName, moduleBuild := moduleName, moduleBuild
		group.Go(func() error {
			outcome := p.importModule(groupCtx, release.Name, jobURL, moduleName, parentBuild, moduleBuild, version, trackerID)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case moduleImported:
				imported++
			case moduleSkipped:
				skipped++
			case moduleFailed:
				failed++
			}
			return nil
		})
	}
	// Module failures are counted, not propagated: one broken module
	// must not block the release forever.
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		if trackerErr := p.tracker.SetStatus(ctx, trackerID, jobtracker.StatusFailed, jobtracker.ShutdownReason, ""); trackerErr != nil {
			logger.WithError(trackerErr).Warn("could not update tracker job")
		}
		return err
	}

	if err := p.database.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		return db.AdvanceWatermark(ctx, tx, release.ID, parentBuild)
	}); err != nil {
		return err
	}

	result, _ := json.Marshal(map[string]int{"imported": imported, "skipped": skipped, "failed": failed})
	status := jobtracker.StatusCompleted
	if err := p.tracker.SetStatus(ctx, trackerID, status, "", string(result)); err != nil {
		logger.WithError(err).Warn("could not update tracker job")
	}
	logger.WithFields(logrus.Fields{"imported": imported, "skipped": skipped, "failed": failed}).
		Info("parent build ingested")
	return nil
}

type moduleOutcome int

const (
	moduleImported moduleOutcome = iota
	moduleSkipped
	moduleFailed
)

func (p *Poller) importModule(ctx context.Context, releaseName, jobURL, moduleName string, parentBuild, moduleBuild int64, version, trackerID string) moduleOutcome {
	logger := p.logger.WithFields(logrus.Fields{
		"release":      releaseName,
		"module":       moduleName,
		"parent_build": parentBuild,
		"module_build": moduleBuild,
	})

	alreadyImported, err := p.imports.IsImported(ctx, releaseName, moduleName, moduleBuild)
	if err != nil {
		logger.WithError(err).Error("could not check import state")
		moduleImports.WithLabelValues(releaseName, "failed").Inc()
		return moduleFailed
	}
	if alreadyImported {
		p.pushLog(ctx, trackerID, fmt.Sprintf("module %s build %d already imported, skipping", moduleName, moduleBuild))
		moduleImports.WithLabelValues(releaseName, "skipped").Inc()
		return moduleSkipped
	}

	artifact, err := p.ci.GetArtifact(ctx, jobURL, moduleBuild)
	if err != nil {
		logger.WithError(err).Error("could not fetch artifact")
		p.pushLog(ctx, trackerID, fmt.Sprintf("module %s build %d: artifact fetch failed: %v", moduleName, moduleBuild, err))
		moduleImports.WithLabelValues(releaseName, "failed").Inc()
		return moduleFailed
	}
	defer artifact.Close()

	result, err := p.imports.ImportJob(ctx, releaseName, moduleName, parentBuild, moduleBuild, artifact, version, jobURL)
	if err != nil {
		p.pushLog(ctx, trackerID, fmt.Sprintf("module %s build %d: import failed: %v", moduleName, moduleBuild, err))
		moduleImports.WithLabelValues(releaseName, "failed").Inc()
		return moduleFailed
	}
	p.pushLog(ctx, trackerID, fmt.Sprintf("module %s build %d: imported %d results", moduleName, moduleBuild, result.Summary.Total))
	moduleImports.WithLabelValues(releaseName, "imported").Inc()
	return moduleImported
}

func (p *Poller) pushLog(ctx context.Context, trackerID, line string) {
	if err := p.tracker.PushLog(ctx, trackerID, line); err != nil {
		p.logger.WithError(err).Debug("could not push tracker log line")
	}
}
