// Command gas-annotator runs the annotator worker (C4) standalone: it
// consumes JobSubmitted, runs the annotation pipeline, and publishes
// JobCompleted / schedules ArchiveScheduled. It builds its own in-memory bus
// and never sees messages published by a separate gas-webserver process —
// see cmd/webserver's package doc for why. This binary exists for running
// and exercising the annotator in isolation during development.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/uc-gas/gas/internal/annotator"
	"github.com/uc-gas/gas/internal/appconfig"
	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/metrics"
	"github.com/uc-gas/gas/internal/objectstore"
	"github.com/uc-gas/gas/internal/store"
)

const topicSubmitted = "job-submitted"

type config struct {
	dbDriver      string
	dbDSN         string
	logLevel      string
	resultsBucket string
	resultsTenant string
	annotatorBin  string
	workDir       string
	archiveDelay  time.Duration
	metricsAddr   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}
	root := &cobra.Command{
		Use:   "gas-annotator",
		Short: "GAS annotator worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&cfg.dbDriver, "db-driver", appconfig.EnvOrDefault("GAS_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", appconfig.EnvOrDefault("GAS_DB_DSN", "./gas.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.logLevel, "log-level", appconfig.EnvOrDefault("GAS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.resultsBucket, "results-bucket", appconfig.EnvOrDefault("GAS_RESULTS_BUCKET", "gas-results"), "Physical results bucket")
	f.StringVar(&cfg.resultsTenant, "results-tenant", appconfig.EnvOrDefault("GAS_RESULTS_TENANT", "tenant"), "Tenant segment used in result object keys")
	f.StringVar(&cfg.annotatorBin, "annotator-bin", appconfig.EnvOrDefault("GAS_ANNOTATOR_BIN", "gas-annotate"), "Annotation pipeline binary invoked per job")
	f.StringVar(&cfg.workDir, "work-dir", appconfig.EnvOrDefault("GAS_WORK_DIR", "./work"), "Root directory for per-job working directories")
	f.DurationVar(&cfg.archiveDelay, "archive-delay", 24*time.Hour, "Delay between JobCompleted and ArchiveScheduled")
	f.StringVar(&cfg.metricsAddr, "metrics-addr", appconfig.EnvOrDefault("GAS_ANNOTATOR_METRICS_ADDR", ":9091"), "Listen address for the Prometheus /metrics endpoint")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := appconfig.BuildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gas annotator worker")

	db, err := store.Open(store.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger, LogLevel: gormlogger.Warn})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	jobs := store.NewJobStore(db)

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create object storage client: %w", err)
	}
	defer gcsClient.Close()

	gateway := objectstore.New(gcsClient, objectstore.Config{ResultsBucket: cfg.resultsBucket})

	b := bus.New(logger)
	b.DeclareQueue(topicSubmitted)
	if err := b.Subscribe(topicSubmitted, topicSubmitted); err != nil {
		return fmt.Errorf("failed to wire submit queue: %w", err)
	}

	sched, err := bus.NewScheduler(b, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	pipeline := annotator.NewPipeline(cfg.annotatorBin, logger)
	worker := annotator.New(b.Queue(topicSubmitted), jobs, gateway, pipeline, b, sched, annotator.Config{
		ResultsTenant: cfg.resultsTenant,
		ResultsBucket: cfg.resultsBucket,
		WorkDir:       cfg.workDir,
		ArchiveDelay:  cfg.archiveDelay,
	}, logger)

	reg := prometheus.NewRegistry()
	gasMetrics := metrics.NewRegistry(reg, "annotator")
	go gasMetrics.WatchCPU(ctx, 15*time.Second, logger)

	metricsSrv := &http.Server{Addr: cfg.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server error", zap.Error(err))
		}
	}()
	defer metricsSrv.Close() //nolint:errcheck

	logger.Info("annotator worker running")
	err = worker.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("annotator worker stopped")
		return nil
	}
	return err
}
