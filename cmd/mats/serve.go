package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/mats/internal/artifact"
	"github.com/jonathan/mats/internal/config"
	"github.com/jonathan/mats/internal/db"
	"github.com/jonathan/mats/internal/events"
	"github.com/jonathan/mats/internal/jobs"
	"github.com/jonathan/mats/internal/observability"
	"github.com/jonathan/mats/internal/pipeline"
	"github.com/jonathan/mats/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that accepts APK uploads and runs analysis jobs in the background.

A Postgres job archive is enabled when database.url (or DATABASE_URL) is set, and job
events are published to NATS when events.nats_url (or NATS_URL) is set.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := observability.InitTracing(ctx, logger, observability.TracingConfig{
		ServiceName:      "mats",
		ServiceVersion:   version,
		ExporterEndpoint: cfg.Tracing.Endpoint,
		Probability:      cfg.Tracing.SampleRatio,
		Insecure:         cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())
	tracer := tp.Tracer("github.com/jonathan/mats")

	store, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	catalog := newCatalog(cfg, logger)
	registry := jobs.NewRegistry()
	metrics := observability.NewMetrics()

	opts := pipeline.Options{
		MaxConcurrentJobs: cfg.Orchestrator.MaxConcurrentJobs,
		Metrics:           metrics,
		Tracer:            tracer,
		Logger:            logger,
	}

	var database *db.DB
	if cfg.Database.URL != "" {
		database, err = db.ConnectWithRetry(ctx, cfg.Database.URL, cfg.Database.ConnectTimeout, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		database = database.WithTracer(tracer)

		if cfg.Database.Migrate {
			if err := database.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("Database migrations applied")
		}
		opts.Archive = database
	}

	var publisher eventPublisher = events.Noop{}
	if cfg.Events.NATSURL != "" {
		nc, err := events.Connect(events.Options{
			URL:           cfg.Events.NATSURL,
			ClientName:    "mats-" + version,
			SubjectPrefix: cfg.Events.SubjectPrefix,
		}, logger)
		if err != nil {
			return err
		}
		publisher = nc
	}
	defer publisher.Close()
	opts.Events = publisher

	orch := pipeline.New(registry, store, catalog, opts)

	deps := server.Deps{
		Store:        store,
		Catalog:      catalog,
		Registry:     registry,
		Orchestrator: orch,
		Metrics:      metrics,
		Logger:       logger,
		Version:      version,
	}
	if database != nil {
		deps.Archive = database
	}
	srv, err := server.New(*cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		registry.RunJanitor(gctx, cfg.Registry.EvictionInterval, cfg.Registry.Retention, logger)
		return nil
	})
	g.Go(func() error {
		var archive archivePruner
		if database != nil {
			archive = database
		}
		runRetention(gctx, store, archive, cfg.Storage, logger)
		return nil
	})
	serveErr := g.Wait()

	logger.Info("Waiting for running jobs to finish...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Running jobs were interrupted")
	}
	return serveErr
}

type eventPublisher interface {
	pipeline.EventPublisher
	Close()
}

// archivePruner deletes archived jobs older than a cutoff.
type archivePruner interface {
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// runRetention deletes expired artifacts, their results and archived jobs
// every cleanup interval until ctx is done.
func runRetention(ctx context.Context, store *artifact.Store, archive archivePruner, cfg config.StorageConfig, logger logrus.FieldLogger) {
	if cfg.Retention <= 0 || cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneOnce(ctx, store, archive, cfg.Retention, logger)
		}
	}
}

func pruneOnce(ctx context.Context, store *artifact.Store, archive archivePruner, retention time.Duration, logger logrus.FieldLogger) {
	removed, err := store.Cleanup(retention)
	if err != nil {
		logger.WithError(err).Warn("Artifact cleanup failed")
	} else if removed > 0 {
		logger.WithField("count", removed).Info("Removed expired artifacts")
	}

	if archive == nil {
		return
	}
	deleted, err := archive.DeleteJobsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.WithError(err).Warn("Archive cleanup failed")
	} else if deleted > 0 {
		logger.WithField("count", deleted).Info("Deleted expired archived jobs")
	}
}
