// Command gas-restore runs the restore half of C8 standalone: it consumes
// RestoreReady and rehydrates a job's result back into hot object storage.
// See cmd/webserver's package doc for why this binary cannot receive
// messages published by a separate gas-webserver process; it exists for
// isolated development runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	gormlogger "gorm.io/gorm/logger"

	"github.com/uc-gas/gas/internal/appconfig"
	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/coldstorage"
	"github.com/uc-gas/gas/internal/objectstore"
	"github.com/uc-gas/gas/internal/restorer"
	"github.com/uc-gas/gas/internal/store"
)

const topicRestore = "restore-ready"

type config struct {
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
		Use:   "gas-restore",
		Short: "GAS restore worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := root.PersistentFlags()
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

	logger.Info("starting gas restore worker")

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

	gateway := objectstore.New(gcsClient, objectstore.Config{})

	b := bus.New(logger)
	b.DeclareQueue(topicRestore)
	if err := b.Subscribe(topicRestore, topicRestore); err != nil {
		return fmt.Errorf("failed to wire restore queue: %w", err)
	}

	vault := coldstorage.New(gcsClient, b, coldstorage.Config{
		VaultBucket:          cfg.vaultBucket,
		RestoreTopic:         topicRestore,
		ExpeditedFailureRate: cfg.expeditedFail,
	})

	worker := restorer.New(b.Queue(topicRestore), jobs, gateway, vault, logger)

	logger.Info("restore worker running")
	err = worker.Run(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		logger.Info("restore worker stopped")
		return nil
	}
	return err
}
