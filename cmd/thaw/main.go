// Command gas-thaw runs the thaw half of C8 standalone: an HTTP endpoint
// that schedules retrieval of a user's archived jobs, and a worker that
// consumes ThawRequested and initiates the cold-storage retrieval. See
// cmd/webserver's package doc for why this binary cannot exchange messages
// with a separate gas-webserver process; it exists for isolated development
// runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/uc-gas/gas/internal/appconfig"
	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/coldstorage"
	"github.com/uc-gas/gas/internal/httpapi"
	"github.com/uc-gas/gas/internal/store"
	"github.com/uc-gas/gas/internal/thaw"
)

const (
	topicThaw    = "thaw-requested"
	topicRestore = "restore-ready"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	logLevel      string
	vaultBucket   string
	expeditedFail float64
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
		Use:   "gas-thaw",
		Short: "GAS thaw producer and worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", appconfig.EnvOrDefault("GAS_THAW_HTTP_ADDR", ":8081"), "HTTP listen address for the internal thaw endpoint")
	f.StringVar(&cfg.dbDriver, "db-driver", appconfig.EnvOrDefault("GAS_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", appconfig.EnvOrDefault("GAS_DB_DSN", "./gas.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.logLevel, "log-level", appconfig.EnvOrDefault("GAS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.vaultBucket, "vault-bucket", appconfig.EnvOrDefault("GAS_VAULT_BUCKET", "gas-vault"), "Cold-storage bucket archived results move into")
	f.Float64Var(&cfg.expeditedFail, "expedited-failure-rate", 0, "Fraction of expedited retrievals to simulate as capacity-exhausted")

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

	logger.Info("starting gas thaw service")

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

	b := bus.New(logger)
	for _, topic := range []string{topicThaw, topicRestore} {
		b.DeclareQueue(topic)
		if err := b.Subscribe(topic, topic); err != nil {
			return fmt.Errorf("failed to wire queue %s: %w", topic, err)
		}
	}

	vault := coldstorage.New(gcsClient, b, coldstorage.Config{
		VaultBucket:          cfg.vaultBucket,
		RestoreTopic:         topicRestore,
		ExpeditedFailureRate: cfg.expeditedFail,
	})

	producer := thaw.NewProducer(jobs, b, logger)
	handler := thaw.NewHandler(producer, logger)
	worker := thaw.NewWorker(b.Queue(topicThaw), vault, logger)

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("thaw worker stopped with error", zap.Error(err))
		}
	}()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(httpapi.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Post("/internal/users/{user_id}/thaw", handler.Thaw)

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("thaw http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("thaw http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gas thaw service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("thaw http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("gas thaw service stopped")
	return nil
}
