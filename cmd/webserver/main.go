// Command gas-webserver is the single deployable process for the genomic
// annotation service: it serves the HTTP intake and read API surfaces and
// runs every background worker (annotator, notifier, archiver, thaw, restore)
// as goroutines against one shared in-memory bus and database connection —
// the same single-process shape the teacher's cmd/server uses to run its
// gRPC server, HTTP API, and scheduler side by side. The bus has no
// networked broker underneath it (see internal/bus's package doc), so
// splitting these workers across separate OS processes would silently stop
// delivering messages between them; the standalone binaries under the other
// cmd/ directories exist for isolated development runs of one worker, not
// for a multi-process production topology.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/uc-gas/gas/internal/annotator"
	"github.com/uc-gas/gas/internal/appconfig"
	"github.com/uc-gas/gas/internal/archiver"
	"github.com/uc-gas/gas/internal/auth"
	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/coldstorage"
	"github.com/uc-gas/gas/internal/httpapi"
	"github.com/uc-gas/gas/internal/identity"
	"github.com/uc-gas/gas/internal/intake"
	"github.com/uc-gas/gas/internal/metrics"
	"github.com/uc-gas/gas/internal/notifier"
	"github.com/uc-gas/gas/internal/objectstore"
	"github.com/uc-gas/gas/internal/readapi"
	"github.com/uc-gas/gas/internal/restorer"
	"github.com/uc-gas/gas/internal/store"
	"github.com/uc-gas/gas/internal/thaw"
)

var (
	version = "dev"
	commit  = "none"
)

const (
	topicSubmitted = "job-submitted"
	topicCompleted = "job-completed"
	topicArchive   = "archive-scheduled"
	topicThaw      = "thaw-requested"
	topicRestore   = "restore-ready"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	logLevel      string
	inputsBucket  string
	resultsBucket string
	vaultBucket   string
	inputPrefix   string
	resultsTenant string
	jwtIssuer     string
	gcsSAEmail    string
	gcsKeyPath    string
	annotatorBin  string
	workDir       string
	archiveDelay  time.Duration
	expeditedFail float64
	smtpHost      string
	smtpPort      int
	smtpUser      string
	smtpPass      string
	smtpFrom      string
	smtpTLS       bool
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
		Use:   "gas-webserver",
		Short: "GAS web server — request intake, read API, and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", appconfig.EnvOrDefault("GAS_HTTP_ADDR", ":8080"), "HTTP listen address")
	f.StringVar(&cfg.dbDriver, "db-driver", appconfig.EnvOrDefault("GAS_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", appconfig.EnvOrDefault("GAS_DB_DSN", "./gas.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.logLevel, "log-level", appconfig.EnvOrDefault("GAS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.inputsBucket, "inputs-bucket", appconfig.EnvOrDefault("GAS_INPUTS_BUCKET", "gas-inputs"), "Hot bucket input objects land in")
	f.StringVar(&cfg.resultsBucket, "results-bucket", appconfig.EnvOrDefault("GAS_RESULTS_BUCKET", "gas-results"), "Hot bucket result objects are served from")
	f.StringVar(&cfg.vaultBucket, "vault-bucket", appconfig.EnvOrDefault("GAS_VAULT_BUCKET", "gas-vault"), "Cold-storage bucket archived results move into")
	f.StringVar(&cfg.inputPrefix, "input-prefix", appconfig.EnvOrDefault("GAS_INPUT_PREFIX", "inputs"), "Key prefix minted input objects are placed under")
	f.StringVar(&cfg.resultsTenant, "results-tenant", appconfig.EnvOrDefault("GAS_RESULTS_TENANT", "tenant"), "Tenant segment used in result object keys")
	f.StringVar(&cfg.jwtIssuer, "jwt-issuer", appconfig.EnvOrDefault("GAS_JWT_ISSUER", "gas"), "Expected JWT issuer claim")
	f.StringVar(&cfg.gcsSAEmail, "gcs-sa-email", appconfig.EnvOrDefault("GAS_GCS_SA_EMAIL", ""), "Service account email used to sign presigned URLs")
	f.StringVar(&cfg.gcsKeyPath, "gcs-private-key-path", appconfig.EnvOrDefault("GAS_GCS_PRIVATE_KEY_PATH", ""), "Path to the PEM private key used to sign presigned URLs")
	f.StringVar(&cfg.annotatorBin, "annotator-bin", appconfig.EnvOrDefault("GAS_ANNOTATOR_BIN", "gas-annotate"), "Annotation pipeline binary invoked per job")
	f.StringVar(&cfg.workDir, "work-dir", appconfig.EnvOrDefault("GAS_WORK_DIR", "./work"), "Root directory for per-job working directories")
	f.DurationVar(&cfg.archiveDelay, "archive-delay", 24*time.Hour, "Delay between JobCompleted and ArchiveScheduled")
	f.Float64Var(&cfg.expeditedFail, "expedited-failure-rate", 0, "Fraction of expedited retrievals to simulate as capacity-exhausted")
	f.StringVar(&cfg.smtpHost, "smtp-host", appconfig.EnvOrDefault("GAS_SMTP_HOST", "localhost"), "SMTP host for completion emails")
	f.IntVar(&cfg.smtpPort, "smtp-port", 587, "SMTP port")
	f.StringVar(&cfg.smtpUser, "smtp-user", appconfig.EnvOrDefault("GAS_SMTP_USER", ""), "SMTP username")
	f.StringVar(&cfg.smtpPass, "smtp-pass", appconfig.EnvOrDefault("GAS_SMTP_PASS", ""), "SMTP password")
	f.StringVar(&cfg.smtpFrom, "smtp-from", appconfig.EnvOrDefault("GAS_SMTP_FROM", "no-reply@example.com"), "From address for completion emails")
	f.BoolVar(&cfg.smtpTLS, "smtp-tls", true, "Use implicit TLS (SMTPS) rather than plaintext/STARTTLS")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gas-webserver %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := appconfig.BuildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gas webserver", zap.String("version", version), zap.String("http_addr", cfg.httpAddr))

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

	var privateKey []byte
	if cfg.gcsKeyPath != "" {
		privateKey, err = os.ReadFile(cfg.gcsKeyPath)
		if err != nil {
			return fmt.Errorf("failed to read GCS signing key: %w", err)
		}
	}

	gateway := objectstore.New(gcsClient, objectstore.Config{
		InputsBucket:        cfg.inputsBucket,
		ResultsBucket:       cfg.resultsBucket,
		PresignTTL:          15 * time.Minute,
		ServiceAccountEmail: cfg.gcsSAEmail,
		PrivateKey:          privateKey,
	})

	b := bus.New(logger)
	for _, topic := range []string{topicSubmitted, topicCompleted, topicArchive, topicThaw, topicRestore} {
		b.DeclareQueue(topic)
		if err := b.Subscribe(topic, topic); err != nil {
			return fmt.Errorf("failed to wire queue %s: %w", topic, err)
		}
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

	vault := coldstorage.New(gcsClient, b, coldstorage.Config{
		VaultBucket:          cfg.vaultBucket,
		RestoreTopic:         topicRestore,
		ExpeditedFailureRate: cfg.expeditedFail,
	})

	idp := identity.NewInMemory()

	jwtMgr, err := buildJWTManager(cfg.jwtIssuer)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	intakeHandlers := intake.New(gateway, jobs, b, intake.Config{InputPrefix: cfg.inputPrefix, SubmitTopic: topicSubmitted}, logger)
	readHandlers := readapi.New(jobs, idp, gateway, logger)
	thawProducer := thaw.NewProducer(jobs, b, logger)
	thawHandler := thaw.NewHandler(thawProducer, logger)

	reg := prometheus.NewRegistry()
	gasMetrics := metrics.NewRegistry(reg, "webserver")
	go gasMetrics.WatchCPU(ctx, 15*time.Second, logger)

	pipeline := annotator.NewPipeline(cfg.annotatorBin, logger)
	annotatorWorker := annotator.New(b.Queue(topicSubmitted), jobs, gateway, pipeline, b, sched, annotator.Config{
		ResultsTenant: cfg.resultsTenant,
		ResultsBucket: cfg.resultsBucket,
		WorkDir:       cfg.workDir,
		ArchiveDelay:  cfg.archiveDelay,
	}, logger)

	notifierService := notifier.New(b.Queue(topicCompleted), idp, notifier.StaticConfig(notifier.SMTPConfig{
		Host:     cfg.smtpHost,
		Port:     cfg.smtpPort,
		Username: cfg.smtpUser,
		Password: cfg.smtpPass,
		From:     cfg.smtpFrom,
		TLS:      cfg.smtpTLS,
	}), time.UTC, logger)

	archiverWorker := archiver.New(b.Queue(topicArchive), jobs, gateway, vault, idp, archiver.Config{ResultsBucket: cfg.resultsBucket}, logger)
	thawWorker := thaw.NewWorker(b.Queue(topicThaw), vault, logger)
	restoreWorker := restorer.New(b.Queue(topicRestore), jobs, gateway, vault, logger)

	runBackground(ctx, logger, "annotator", annotatorWorker.Run)
	runBackground(ctx, logger, "notifier", notifierService.Run)
	runBackground(ctx, logger, "archiver", archiverWorker.Run)
	runBackground(ctx, logger, "thaw", thawWorker.Run)
	runBackground(ctx, logger, "restorer", restoreWorker.Run)

	router := newRouter(jwtMgr, intakeHandlers, readHandlers, thawHandler, reg, logger)

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gas webserver")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("gas webserver stopped")
	return nil
}

// runBackground runs a worker's Run(ctx) loop in a goroutine, logging
// anything other than a clean context cancellation.
func runBackground(ctx context.Context, logger *zap.Logger, name string, fn func(context.Context) error) {
	go func() {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("background worker stopped with error", zap.String("worker", name), zap.Error(err))
		}
	}()
}

func newRouter(jwtMgr *auth.JWTManager, in *intake.Handlers, read *readapi.Handlers, thawH *thaw.Handler, reg *prometheus.Registry, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(httpapi.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(httpapi.Authenticate(jwtMgr))

		r.Get("/annotate", in.MintUpload)
		r.Get("/annotate/job", in.IngestRedirect)

		r.Get("/annotations", read.List)
		r.Get("/annotations/{job_id}", read.Get)
		r.Get("/annotations/{job_id}/log", read.Log)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Post("/users/{user_id}/thaw", thawH.Thaw)
	})

	return r
}

// buildJWTManager loads RS256 keys from GAS_JWT_PRIVATE_KEY_PATH /
// GAS_JWT_PUBLIC_KEY_PATH if set, otherwise generates an ephemeral key pair —
// the identity collaborator that issues tokens is external to this service,
// so persistent key material is its concern, not this binary's.
func buildJWTManager(issuer string) (*auth.JWTManager, error) {
	privPath := appconfig.EnvOrDefault("GAS_JWT_PRIVATE_KEY_PATH", "")
	pubPath := appconfig.EnvOrDefault("GAS_JWT_PUBLIC_KEY_PATH", "")
	if privPath != "" && pubPath != "" {
		return auth.NewJWTManagerFromFiles(privPath, pubPath, issuer)
	}
	return auth.NewJWTManagerGenerated(issuer)
}
