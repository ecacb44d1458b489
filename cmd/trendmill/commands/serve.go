package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trendmill/trendmill/config"
	"github.com/trendmill/trendmill/errors"
	"github.com/trendmill/trendmill/logger"
	"github.com/trendmill/trendmill/pipeline"
	"github.com/trendmill/trendmill/server"
	"github.com/trendmill/trendmill/trends"
)

// ServeCmd starts the full daemon: broker consumers, scheduler, and the API
// server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline daemon and API server",
	Long: `Start the trendmill daemon.

Runs the four pipeline stage consumers, the recurring-job scheduler, and the
HTTP/WebSocket API server under one lifecycle. Shuts down cleanly on SIGINT
or SIGTERM; in-flight stage handlers finish or leave their entries pending
for redelivery.`,
	RunE: runServe,
}

// cleanupRetention is how long persisted signals are kept before the daily
// cleanup job removes them.
const cleanupRetention = 30 * 24 * time.Hour

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	log := logger.Named("serve")

	database, err := openDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close()

	b := buildBroker(cfg, database, logger.Named("broker"))
	defer b.Close()

	coordinator, err := buildCoordinator(cfg, database, b, logger.Named("trends"))
	if err != nil {
		return err
	}
	store := trends.NewTrendStore(database)

	stageClient := pipeline.NewStageClient(time.Duration(cfg.Pipeline.StageTimeoutSeconds) * time.Second)
	notifier := pipeline.NewNotifier(stageClient, cfg.Pipeline.NotificationsURL, logger.Named("notify"))

	scheduler := pipeline.NewScheduler(pipeline.SchedulerConfig{
		TrendInterval:   time.Duration(cfg.Pipeline.TrendIntervalSeconds) * time.Second,
		RestockInterval: time.Duration(cfg.Pipeline.RestockIntervalSeconds) * time.Second,
		CleanupInterval: time.Duration(cfg.Pipeline.CleanupIntervalSeconds) * time.Second,
	}, pipeline.RefresherFunc(func(ctx context.Context) error {
		_, err := coordinator.Refresh(ctx)
		return err
	}), notifier, logger.Named("scheduler")).
		WithCleanup(func(ctx context.Context) error {
			deleted, err := store.Cleanup(ctx, time.Now().Add(-cleanupRetention))
			if err != nil {
				return err
			}
			log.Infow("Expired signals removed", "deleted", deleted)
			return nil
		})

	orchestrator := pipeline.NewOrchestrator(b, stageClient, notifier, scheduler,
		pipeline.OrchestratorConfig{
			Collaborators: pipeline.CollaboratorURLs{
				Ideation: cfg.Pipeline.IdeationURL,
				Image:    cfg.Pipeline.ImageURL,
				Product:  cfg.Pipeline.ProductURL,
				Listing:  cfg.Pipeline.ListingURL,
			},
			StageTimeout: time.Duration(cfg.Pipeline.StageTimeoutSeconds) * time.Second,
		}, logger.Named("pipeline"))

	// The server hooks the coordinator's signal feed into the websocket hub,
	// so it must exist before the scheduler can trigger a refresh.
	port := cfg.Server.Port
	if port == 0 {
		port = config.DefaultServerPort
	}
	srv := server.New(server.Config{
		Port:           port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, coordinator, store, b, logger.Named("server"))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := orchestrator.Start(ctx); err != nil {
		return err
	}
	defer orchestrator.Stop()

	// Hot-reload source overrides when the config file changes.
	if watcher := startConfigWatcher(coordinator, log); watcher != nil {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// startConfigWatcher wires sources-file hot reload. Returns nil when no
// config file is in use.
func startConfigWatcher(coordinator *trends.Coordinator, log *zap.SugaredLogger) *config.Watcher {
	path := config.GetViper().ConfigFileUsed()
	if path == "" {
		return nil
	}

	watcher, err := config.NewWatcher(path, logger.Named("config"))
	if err != nil {
		log.Warnw("Config watcher unavailable", "path", path, "error", err)
		return nil
	}

	watcher.OnReload(func(cfg *config.Config) error {
		registry, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		coordinator.UpdateRegistry(registry)
		return nil
	})
	watcher.Start()
	log.Infow("Watching config for source overrides", "path", path)
	return watcher
}
