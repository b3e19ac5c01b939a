package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pulp/pulp-rust/internal/config"
	"github.com/pulp/pulp-rust/internal/handler"
	"github.com/pulp/pulp-rust/internal/logger"
	"github.com/pulp/pulp-rust/internal/service"
	"github.com/pulp/pulp-rust/internal/store"
	"github.com/pulp/pulp-rust/internal/task"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.InitLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Open the metadata store
	st, err := store.NewSQLiteStore(cfg.Storage.Path, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	// Start the task pool
	pool := task.NewPool(cfg.Tasks.Workers, cfg.Tasks.Backlog, log)
	defer pool.Close()

	// Initialize sync service
	syncService := service.NewSyncService(cfg, log, st, pool)

	// Initialize API handler
	api := handler.NewAPI(cfg, log, st, syncService, pool)
	defer api.Close()

	// Create router
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	// Create server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	// Start server in a goroutine
	go func() {
		log.Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Start periodic sync if a schedule is configured
	scheduler := cron.New()
	if cfg.Sync.Schedule != "" && len(cfg.Sync.Repositories) > 0 {
		_, err := scheduler.AddFunc(cfg.Sync.Schedule, func() {
			syncAll(cfg, log, st, syncService)
		})
		if err != nil {
			log.Fatal("invalid sync schedule", zap.String("schedule", cfg.Sync.Schedule), zap.Error(err))
		}
		scheduler.Start()
		log.Info("periodic sync scheduled",
			zap.String("schedule", cfg.Sync.Schedule),
			zap.Strings("repositories", cfg.Sync.Repositories))
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	log.Info("shutting down server...")
	scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited properly")
}

// syncAll dispatches a sync task for each configured repository against its
// bound remote and waits for the batch to settle.
func syncAll(cfg *config.Config, log *zap.Logger, st *store.SQLiteStore, syncService *service.SyncService) {
	tasks := make([]*task.Task, 0, len(cfg.Sync.Repositories))
	for _, name := range cfg.Sync.Repositories {
		repo, err := st.GetRepositoryByName(cfg.Domain, name)
		if err != nil {
			log.Error("periodic sync: repository lookup failed", zap.String("repository", name), zap.Error(err))
			continue
		}
		remote, err := syncService.ResolveRemote(repo, "")
		if err != nil {
			log.Error("periodic sync: no remote for repository", zap.String("repository", name), zap.Error(err))
			continue
		}
		tasks = append(tasks, syncService.DispatchSync(repo, remote, cfg.Sync.Mirror))
	}
	for _, t := range tasks {
		t.Wait()
		if err := t.Err(); err != nil {
			log.Error("periodic sync failed", zap.String("task", t.Name), zap.Error(err))
		}
	}
	log.Info("periodic sync completed", zap.Int("repositories", len(tasks)))
}
