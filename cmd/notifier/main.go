// Command gas-notifier runs the notifier (C6) standalone: it consumes
// JobCompleted and emails the owning user. See cmd/webserver's package doc
// for why this binary cannot receive messages published by a separate
// gas-webserver process; it exists for isolated development runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/uc-gas/gas/internal/appconfig"
	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/identity"
	"github.com/uc-gas/gas/internal/notifier"
)

const topicCompleted = "job-completed"

type config struct {
	logLevel string
	smtpHost string
	smtpPort int
	smtpUser string
	smtpPass string
	smtpFrom string
	smtpTLS  bool
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
		Use:   "gas-notifier",
		Short: "GAS notifier worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&cfg.logLevel, "log-level", appconfig.EnvOrDefault("GAS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.smtpHost, "smtp-host", appconfig.EnvOrDefault("GAS_SMTP_HOST", "localhost"), "SMTP host for completion emails")
	f.IntVar(&cfg.smtpPort, "smtp-port", 587, "SMTP port")
	f.StringVar(&cfg.smtpUser, "smtp-user", appconfig.EnvOrDefault("GAS_SMTP_USER", ""), "SMTP username")
	f.StringVar(&cfg.smtpPass, "smtp-pass", appconfig.EnvOrDefault("GAS_SMTP_PASS", ""), "SMTP password")
	f.StringVar(&cfg.smtpFrom, "smtp-from", appconfig.EnvOrDefault("GAS_SMTP_FROM", "no-reply@example.com"), "From address for completion emails")
	f.BoolVar(&cfg.smtpTLS, "smtp-tls", true, "Use implicit TLS (SMTPS) rather than plaintext/STARTTLS")

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

	logger.Info("starting gas notifier worker")

	b := bus.New(logger)
	b.DeclareQueue(topicCompleted)
	if err := b.Subscribe(topicCompleted, topicCompleted); err != nil {
		return fmt.Errorf("failed to wire completed queue: %w", err)
	}

	idp := identity.NewInMemory()

	service := notifier.New(b.Queue(topicCompleted), idp, notifier.StaticConfig(notifier.SMTPConfig{
		Host:     cfg.smtpHost,
		Port:     cfg.smtpPort,
		Username: cfg.smtpUser,
		Password: cfg.smtpPass,
		From:     cfg.smtpFrom,
		TLS:      cfg.smtpTLS,
	}), nil, logger)

	logger.Info("notifier worker running")
	err = service.Run(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		logger.Info("notifier worker stopped")
		return nil
	}
	return err
}
