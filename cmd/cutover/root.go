package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/cutover/internal/alert"
	"github.com/hyperengineering/cutover/internal/api"
	"github.com/hyperengineering/cutover/internal/archive"
	"github.com/hyperengineering/cutover/internal/breaker"
	"github.com/hyperengineering/cutover/internal/cache"
	"github.com/hyperengineering/cutover/internal/config"
	"github.com/hyperengineering/cutover/internal/conflict"
	"github.com/hyperengineering/cutover/internal/driver"
	"github.com/hyperengineering/cutover/internal/mode"
	"github.com/hyperengineering/cutover/internal/outbox"
	"github.com/hyperengineering/cutover/internal/router"
	"github.com/hyperengineering/cutover/internal/shadow"
	"github.com/hyperengineering/cutover/internal/store"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "cutover",
	Short: "Cutover - Zero-Downtime Datastore Migration Service",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Resolve migration modes (fail-closed on invalid values)
	modes, modeErrs := mode.Resolve(cfg.Migration.BackendMode, cfg.Migration.WriteMode)
	for _, merr := range modeErrs {
		slog.Warn("mode resolution fell back to default", "error", merr)
	}
	slog.Info("modes resolved",
		"backend_mode", modes.Backend, "write_mode", modes.Write)

	// 5. Initialize control-plane store (migrations, WAL mode)
	control, err := store.NewSQLiteStore(cfg.Database.ControlPath)
	if err != nil {
		return err
	}
	slog.Info("control store initialized", "path", cfg.Database.ControlPath)

	// 6. Initialize record stores
	legacy, err := driver.NewSQLiteDriver("legacy", cfg.Database.LegacyPath)
	if err != nil {
		return err
	}
	target, err := driver.NewSQLiteDriver("target", cfg.Database.TargetPath)
	if err != nil {
		return err
	}
	slog.Info("record stores initialized",
		"legacy", cfg.Database.LegacyPath, "target", cfg.Database.TargetPath)

	// 7. Wire the migration plumbing
	alerts := alert.LogSink{}
	producer := outbox.NewProducer(control, cfg.Outbox.MaxRetries)

	applyBreaker := breaker.New(cfg.Breaker.Threshold, time.Duration(cfg.Breaker.Cooldown))
	drainWorker := outbox.NewWorker(control, target, applyBreaker, alerts, outbox.WorkerConfig{
		ApplyTimeout:  time.Duration(cfg.Outbox.ApplyTimeout),
		Lease:         time.Duration(cfg.Outbox.Lease),
		BaseBackoff:   time.Duration(cfg.Outbox.BaseBackoff),
		MaxBackoff:    time.Duration(cfg.Outbox.MaxBackoff),
		DrainInterval: time.Duration(cfg.Outbox.DrainInterval),
		DrainLimit:    cfg.Outbox.DrainLimit,
	})

	comparator := shadow.NewComparator(target, control, alerts, shadow.Config{
		QueueDepth:  cfg.Shadow.QueueDepth,
		ReadTimeout: time.Duration(cfg.Shadow.ReadTimeout),
	})

	recordRouter := router.New(modes, legacy, target, producer, alerts, comparator)
	resolver := conflict.NewResolver(control, legacy, target, producer)

	// 8. Read cache
	cacheBreaker := breaker.New(cfg.Breaker.Threshold, time.Duration(cfg.Breaker.Cooldown))
	backend := cache.NewSturdycBackend(cache.SturdycConfig{
		Capacity:           cfg.Cache.Capacity,
		NumShards:          cfg.Cache.NumShards,
		MaxTTL:             time.Duration(cfg.Cache.MaxTTL),
		EvictionPercentage: cfg.Cache.EvictionPercentage,
	})
	readCache := cache.NewService(backend, cacheBreaker)

	// 9. Dead-letter export uploader (Noop when no bucket configured)
	uploader, err := archive.NewUploader(archive.Config{
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Bucket:    cfg.Archive.Bucket,
		Region:    cfg.Archive.Region,
		UseSSL:    cfg.Archive.UseSSL,
		URLExpiry: time.Duration(cfg.Archive.URLExpiry),
	})
	if err != nil {
		return err
	}

	// 10. Initialize HTTP router
	handler := api.NewHandler(api.HandlerConfig{
		Router:   recordRouter,
		Cache:    readCache,
		Drainer:  drainWorker,
		Resolver: resolver,
		Control:  control,
		Uploader: uploader,
		APIKey:   cfg.Auth.APIKey,
		Version:  Version,
		ReadTTL:  time.Duration(cfg.Cache.ReadTTL),
	})
	httpRouter := api.NewRouter(handler)
	slog.Info("router initialized")

	// 11. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpRouter,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 12. Background workers
	var wg sync.WaitGroup
	if modes.Dual() && time.Duration(cfg.Outbox.DrainInterval) > 0 {
		startWorker(ctx, &wg, "outbox-drain", drainWorker.Run)
	}
	if modes.Shadow() {
		startWorker(ctx, &wg, "shadow-comparator", comparator.Run)
	}

	// 13. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 14. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 15. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 15a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 15b. Wait for workers to complete
	wg.Wait()

	// 15c. Close stores
	if err := legacy.Close(); err != nil {
		slog.Error("legacy store close error", "error", err)
	}
	if err := target.Close(); err != nil {
		slog.Error("target store close error", "error", err)
	}
	if err := control.Close(); err != nil {
		slog.Error("control store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
