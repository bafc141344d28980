package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	tc "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"gorm.io/gorm"

	"github.com/stanstork/ledgersync/internal/checkpoint"
	"github.com/stanstork/ledgersync/internal/config"
	"github.com/stanstork/ledgersync/internal/handlers"
	"github.com/stanstork/ledgersync/internal/lease"
	"github.com/stanstork/ledgersync/internal/logging"
	"github.com/stanstork/ledgersync/internal/middleware"
	"github.com/stanstork/ledgersync/internal/migration"
	"github.com/stanstork/ledgersync/internal/models"
	"github.com/stanstork/ledgersync/internal/notification"
	"github.com/stanstork/ledgersync/internal/ratelimit"
	"github.com/stanstork/ledgersync/internal/repository"
	"github.com/stanstork/ledgersync/internal/routes"
	"github.com/stanstork/ledgersync/internal/syncer"
	"github.com/stanstork/ledgersync/internal/temporal"
	"github.com/stanstork/ledgersync/internal/temporal/activities"
	"github.com/stanstork/ledgersync/internal/temporal/workflows"
	"github.com/stanstork/ledgersync/internal/utils"
	"github.com/stanstork/ledgersync/internal/xero"
)

type application struct {
	config         *config.Config
	db             *sql.DB
	gorm           *gorm.DB
	temporalClient tc.Client
	logger         zerolog.Logger
	notifications  notification.Service
	sealer         *utils.Sealer
}

var configDir string

func main() {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Historical Xero sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "directory containing config.yaml")
	root.AddCommand(serveCmd(), workerCmd(), migrateCmd(), syncCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(true)
			if err != nil {
				return err
			}
			defer app.close()

			temporalWorker, err := app.startTemporalWorker()
			if err != nil {
				return err
			}

			router := app.initRouter()
			loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
			corsHandler := h.CORS(
				h.AllowedOrigins(app.config.CORS.AllowedOrigins),
				h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
				h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
				h.AllowCredentials(),
			)(loggedRouter)

			app.startServer(corsHandler, temporalWorker)
			app.logger.Info().Msg("Application terminated.")
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the sync worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(true)
			if err != nil {
				return err
			}
			defer app.close()

			temporalWorker, err := app.startTemporalWorker()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			app.logger.Info().Msg("Stopping Temporal worker...")
			temporalWorker.Stop()
			app.logger.Info().Msg("Temporal worker stopped.")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPaths()...)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log)
			db, err := openDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return migration.RunMigrations(db, logger)
		},
	}
}

func configPaths() []string {
	if configDir == "" {
		return nil
	}
	return []string{configDir}
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// newApplication loads config, connects to Postgres and Temporal and applies
// migrations.
func newApplication(migrate bool) (*application, error) {
	cfg, err := config.Load(configPaths()...)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireSecrets(); err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log)

	sealer, err := utils.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := migration.RunMigrations(db, logger); err != nil {
			db.Close()
			return nil, err
		}
	}
	gdb, err := repository.OpenGorm(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	temporalClient, err := tc.Dial(tc.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    temporal.NewTemporalAdapter(logger),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}

	var notifiers []notification.Notifier
	if cfg.Email.SMTPHost != "" {
		emailNotifier, err := notification.NewEmailNotifier(cfg.Email, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("email notifier disabled")
		} else {
			notifiers = append(notifiers, emailNotifier)
		}
	}

	return &application{
		config:         cfg,
		db:             db,
		gorm:           gdb,
		temporalClient: temporalClient,
		logger:         logger,
		notifications:  notification.NewService(repository.NewNotificationRepository(db), logger, notifiers...),
		sealer:         sealer,
	}, nil
}

func (app *application) close() {
	app.temporalClient.Close()
	app.db.Close()
}

func (app *application) queue() *temporal.Queue {
	return temporal.NewQueue(app.temporalClient, temporal.QueueOptions{
		TaskQueue:        app.config.Temporal.TaskQueue,
		HeartbeatTimeout: app.config.Sync.HeartbeatTimeout,
		MaxAttempts:      app.config.Sync.MaxAttempts,
	})
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	syncLogs := repository.NewSyncLogRepository(app.db)
	progressRepo := repository.NewProgressRepository(app.db)

	return routes.NewRouter(routes.Handlers{
		Auth: handlers.NewAuthHandler(app.config.JWTSecret, app.logger),
		Syncs: handlers.NewSyncHandler(syncLogs, progressRepo, app.queue(), app.sealer, app.notifications,
			handlers.SyncHandlerOptions{AllowedOrigins: app.config.CORS.AllowedOrigins}, app.logger),
		Notifications: handlers.NewNotificationHandler(app.notifications, app.logger),
		Health:        handlers.HealthCheck(app.db),
	})
}

func (app *application) startTemporalWorker() (worker.Worker, error) {
	cfg := app.config
	limiter := ratelimit.New(ratelimit.Config{
		MaxConcurrent: cfg.Xero.RateLimit.MaxConcurrent,
		MaxCalls:      cfg.Xero.RateLimit.MaxCalls,
		Per:           cfg.Xero.RateLimit.Per,
		MinInterval:   cfg.Xero.RateLimit.MinInterval,
		MaxRetries:    cfg.Xero.RateLimit.MaxRetries,
	}, app.logger)
	xeroCfg := xero.Config{
		BaseURL:      cfg.Xero.BaseURL,
		TokenURL:     cfg.Xero.TokenURL,
		ClientID:     cfg.Xero.ClientID,
		ClientSecret: cfg.Xero.ClientSecret,
	}

	syncLogs := repository.NewSyncLogRepository(app.db)
	orchestrator := syncer.New(syncer.Deps{
		Entities:    repository.NewEntityRepository(app.gorm),
		Checkpoints: checkpoint.NewSQLStore(app.db, cfg.Sync.CheckpointTTL),
		Progress:    repository.NewProgressRepository(app.db),
		SyncLogs:    syncLogs,
	}, syncer.Options{
		PageSize:  cfg.Sync.PageSize,
		BatchSize: cfg.Sync.BatchSize,
		PageDelay: cfg.Sync.PageDelay,
		Heartbeat: activities.Heartbeat,
	}, app.logger)

	activityImpl := &activities.Activities{
		Credentials: app.sealer,
		NewSource: func(ctx context.Context, creds models.XeroCredentials) syncer.Source {
			return xero.NewClient(ctx, xeroCfg, creds, limiter, app.logger)
		},
		Runner:        orchestrator,
		SyncLogs:      syncLogs,
		Notifications: app.notifications,
		Lock:          lease.NewSQLLock(app.db, lease.HistoricalSync, cfg.Sync.LeaseTTL),
		LockPoll:      cfg.Sync.LeasePoll,
	}

	// One activity slot per process; the lease serializes across processes.
	w := worker.New(app.temporalClient, cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 1,
	})
	w.RegisterWorkflowWithOptions(workflows.HistoricalSyncWorkflow, workflow.RegisterOptions{Name: temporal.SyncWorkflowName})
	w.RegisterActivity(activityImpl)

	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("unable to start worker: %w", err)
	}
	app.logger.Info().Str("task_queue", cfg.Temporal.TaskQueue).Msg("Temporal worker started")
	return w, nil
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, temporalWorker worker.Worker) {
	logger := app.logger
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	logger.Info().Msg("Stopping Temporal worker...")
	temporalWorker.Stop()
	logger.Info().Msg("Temporal worker stopped.")
}
