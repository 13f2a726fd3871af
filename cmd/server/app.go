package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/issuewatch/issuewatch-api/internal/config"
	"github.com/issuewatch/issuewatch-api/internal/platform/email"
	"github.com/issuewatch/issuewatch-api/internal/platform/gemini"
	"github.com/issuewatch/issuewatch-api/internal/platform/github"
	"github.com/issuewatch/issuewatch-api/internal/platform/postgres"
	"github.com/issuewatch/issuewatch-api/internal/service"
	"github.com/issuewatch/issuewatch-api/internal/store"
	"github.com/issuewatch/issuewatch-api/internal/worker"
)

// application holds the shared application dependencies to simplify
// wiring and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	reportStore    store.ReportStore
	taskStore      store.TaskStore
	rateLimitStore store.RateLimitStore
	lockStore      store.LockStore

	reportService service.ReportService

	limiter   *worker.RateLimiter
	ticker    *worker.Ticker
	scheduler *worker.Scheduler
	jobs      *cron.Cron
}

// newApplication creates an application instance with all dependencies
// initialized. The database connection must already be established.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	app.reportStore = postgres.NewPostgresReportStore(db, logger)
	app.taskStore = postgres.NewPostgresTaskStore(db, logger, postgres.SelectionLimits{
		MaxRunningPerOwner:      cfg.Worker.PerOwnerMaxRunning,
		MaxPerSelectionPerOwner: cfg.Worker.PerOwnerMaxPerSelection,
	}, cfg.Worker.MaxAttempts)
	app.rateLimitStore = postgres.NewPostgresRateLimitStore(db, logger)
	app.lockStore = postgres.NewPostgresLockStore(db, logger)

	issueSource := github.NewClient(cfg.GitHub.Token, logger)

	analyzer, err := gemini.NewGeminiAnalyzer(ctx, logger.With("component", "analyzer"), cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize issue analyzer: %w", err)
	}
	logger.Info("Issue analyzer initialized", "model", cfg.LLM.ModelName)

	var sender email.Sender
	if cfg.Email.Disabled {
		sender = email.NewNoopSender(logger)
		logger.Info("Email delivery disabled, using noop sender")
	} else {
		sender = email.NewHTTPSender(cfg.Email.APIURL, cfg.Email.APIKey, cfg.Email.From, logger)
	}

	app.limiter = worker.NewRateLimiter(app.rateLimitStore, cfg.RateLimit, logger)
	lock := worker.NewLeaseLock(app.lockStore, lockOwner(), logger)

	// The scheduler is created after the ticker, so wakes go through a
	// closure over the application.
	wake := func(delay time.Duration) {
		if app.scheduler != nil {
			app.scheduler.Wake(delay)
		}
	}

	notifier := worker.NewNotifier(app.reportStore, sender, logger)
	paginator := worker.NewPaginator(app.reportStore, app.taskStore, issueSource, cfg.GitHub, wake, logger)
	notifier.SetPager(paginator)
	paginator.SetMailer(notifier)

	app.ticker = worker.NewTicker(
		app.reportStore,
		app.taskStore,
		app.limiter,
		lock,
		analyzer,
		notifier,
		paginator,
		wake,
		cfg.Worker,
		cfg.LLM,
		cfg.RateLimit,
		logger,
	)

	app.scheduler = worker.NewScheduler(func() {
		if err := app.ticker.Tick(context.Background()); err != nil {
			logger.Error("Tick failed", "error", err)
		}
	})

	app.reportService, err = service.NewReportService(
		db,
		app.reportStore,
		app.taskStore,
		paginator,
		wake,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create report service: %w", err)
	}

	if err := app.setupJobs(); err != nil {
		return nil, fmt.Errorf("failed to schedule maintenance jobs: %w", err)
	}

	logger.Info("Application initialized successfully")
	return app, nil
}

// setupJobs registers the periodic maintenance jobs: terminal task
// vacuum, stale rate bucket vacuum, and a rescue wake that lets the
// tick loop pick up reports stalled by a crashed process.
func (app *application) setupJobs() error {
	c := cron.New()

	retention := time.Duration(app.config.Worker.TaskRetentionHours) * time.Hour
	if _, err := c.AddFunc("@every 12h", func() {
		n, err := app.taskStore.VacuumTerminal(context.Background(), retention)
		if err != nil {
			app.logger.Error("Task vacuum failed", "error", err)
			return
		}
		if n > 0 {
			app.logger.Info("Vacuumed terminal tasks", "deleted", n)
		}
	}); err != nil {
		return err
	}

	// The limiter owns the bucket retention window, so the vacuum goes
	// through it rather than the store.
	if _, err := c.AddFunc("@every 10m", func() {
		if _, err := app.limiter.Vacuum(context.Background()); err != nil {
			app.logger.Error("Rate bucket vacuum failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if _, err := c.AddFunc("@every 1m", func() {
		app.scheduler.Wake(0)
	}); err != nil {
		return err
	}

	app.jobs = c
	return nil
}

// Run starts the maintenance jobs, kicks the tick loop once, and serves
// HTTP until shutdown.
func (app *application) Run(ctx context.Context) error {
	app.jobs.Start()
	app.scheduler.Wake(0)

	router := app.setupRouter()
	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.jobs != nil {
		<-app.jobs.Stop().Done()
	}
	if app.scheduler != nil {
		app.scheduler.Stop()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}
	app.logger.Info("Application shutdown completed")
}

// lockOwner builds a lease owner identity unique to this process.
func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
