package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"

	"github.com/openshift-eng/testpulse/pkg/analytics"
	"github.com/openshift-eng/testpulse/pkg/cache"
	"github.com/openshift-eng/testpulse/pkg/config"
	"github.com/openshift-eng/testpulse/pkg/db"
	"github.com/openshift-eng/testpulse/pkg/httpapi"
	"github.com/openshift-eng/testpulse/pkg/importer"
	"github.com/openshift-eng/testpulse/pkg/jenkins"
	"github.com/openshift-eng/testpulse/pkg/jobtracker"
	"github.com/openshift-eng/testpulse/pkg/junit"
	"github.com/openshift-eng/testpulse/pkg/metadata"
	"github.com/openshift-eng/testpulse/pkg/poller"
	"github.com/openshift-eng/testpulse/pkg/worker"
)

const (
	// testRoot is the path prefix under which testcase modules are
	// derived from artifact file paths.
	testRoot = "tests"
	// importDrainTimeout bounds how long shutdown waits for in-flight
	// imports.
	importDrainTimeout = 5 * time.Minute
)

type options struct {
	logLevel    string
	address     string
	gracePeriod time.Duration
}

func gatherOptions() (options, error) {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&o.logLevel, "log-level", "info", "Level at which to log output.")
	fs.StringVar(&o.address, "address", ":8080", "Address to run server on")
	fs.DurationVar(&o.gracePeriod, "gracePeriod", time.Second*60, "Grace period for server shutdown")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return o, fmt.Errorf("failed to parse flags: %w", err)
	}
	return o, nil
}

func validateOptions(o options) error {
	_, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	return nil
}

func main() {
	o, err := gatherOptions()
	if err != nil {
		log.WithError(err).Fatal("failed to gather options")
	}
	if err := validateOptions(o); err != nil {
		log.WithError(err).Fatal("invalid options")
	}
	level, _ := log.ParseLevel(o.logLevel)
	log.SetLevel(level)
	logger := log.NewEntry(log.StandardLogger())

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DatabaseURL, logger.WithField("component", "db"))
	if err != nil {
		logger.WithError(err).Fatal("could not open database")
	}
	defer database.Close()

	memo := cache.New()
	go memo.RunExpirer(ctx, time.Minute)

	var tracker jobtracker.Tracker
	if cfg.RedisURL != "" {
		tracker, err = jobtracker.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("could not build redis job tracker")
		}
		logger.Info("job tracker backed by redis")
	} else {
		tracker = jobtracker.NewMemory()
		logger.Info("job tracker in process memory")
	}

	imports := importer.New(database, junit.NewParser(testRoot), memo, logger.WithField("component", "importer"))
	engine := analytics.New(database, memo, logger.WithField("component", "analytics"))

	pool := worker.NewPool(tracker, worker.Options{DrainTimeout: importDrainTimeout}, logger.WithField("component", "worker"))
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	var ci *jenkins.Client
	if cfg.JenkinsURL != "" {
		ci = jenkins.NewClient(cfg.JenkinsUser, cfg.JenkinsAPIToken, logger.WithField("component", "jenkins"))
	}

	pollerDone := make(chan struct{})
	if cfg.AutoUpdateEnabled && ci != nil {
		p := poller.New(database, ci, imports, tracker, poller.Options{
			Interval:     cfg.PollingInterval,
			DrainTimeout: importDrainTimeout,
		}, logger.WithField("component", "poller"))
		go func() {
			if err := p.Run(ctx); err != nil {
				logger.WithError(err).Error("poller stopped")
			}
			close(pollerDone)
		}()
	} else {
		close(pollerDone)
		logger.Info("build polling disabled")
	}

	var syncer httpapi.Syncer
	if cfg.MetadataSyncEnabled && cfg.GitRepoURL != "" {
		mirror, err := metadata.NewMirror(cfg.GitRepoURL, cfg.GitRepoLocalPath, cfg.GitRepoSSHKeyPath, logger.WithField("component", "git"))
		if err != nil {
			// A broken metadata configuration disables the subsystem
			// without taking the rest of the process down.
			logger.WithError(err).Error("metadata sync disabled")
		} else {
			sync := metadata.New(database, mirror, metadata.Options{
				TestBase:    cfg.TestDiscoveryBasePath,
				StagingFile: cfg.TestDiscoveryStagingConfig,
			}, logger.WithField("component", "metadata"))
			syncer = sync

			cronner := cron.New()
			if _, err := cronner.AddFunc(fmt.Sprintf("@every %s", cfg.MetadataSyncInterval), func() {
				done, err := sync.TryBegin()
				if err != nil {
					logger.Debug("skipping scheduled metadata sync, one is already running")
					return
				}
				defer done()
				if err := sync.SyncAll(ctx); err != nil {
					logger.WithError(err).Error("scheduled metadata sync failed")
				}
			}); err != nil {
				logger.WithError(err).Error("could not schedule metadata sync")
			} else {
				cronner.Start()
				defer cronner.Stop()
			}
		}
	}

	serverOpts := httpapi.Options{
		Database:     database,
		Engine:       engine,
		Tracker:      tracker,
		Pool:         pool,
		Importer:     imports,
		Syncer:       syncer,
		AdminPINHash: cfg.AdminPINHash,
	}
	if ci != nil {
		serverOpts.CI = ci
	}
	server := httpapi.New(serverOpts, logger.WithField("component", "http"))

	httpServer := &http.Server{Addr: o.address, Handler: server.Handler()}
	go func() {
		logger.WithField("address", o.address).Info("serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.gracePeriod)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("could not drain HTTP server")
	}
	cancel()

	// In-flight imports get their drain budget before jobs are failed.
	select {
	case <-pollerDone:
	case <-time.After(importDrainTimeout):
		logger.Warn("import drain timeout expired")
	}
	select {
	case <-poolDone:
	case <-time.After(importDrainTimeout):
		logger.Warn("background job drain timeout expired")
	}
	if err := tracker.FailRunning(context.Background(), jobtracker.ShutdownReason); err != nil {
		logger.WithError(err).Error("could not fail running jobs")
	}
	logger.Info("shutdown complete")
}
