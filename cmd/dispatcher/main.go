package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"github.com/mcpbuild/mcpbuild/internal/common/tracing"
	"github.com/mcpbuild/mcpbuild/internal/config"
	"github.com/mcpbuild/mcpbuild/internal/dispatcher"
	"github.com/mcpbuild/mcpbuild/internal/dispatcher/api"
	"github.com/mcpbuild/mcpbuild/internal/preview"
	"github.com/mcpbuild/mcpbuild/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting build dispatcher...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Store client. The dispatcher needs its own credentials for the
	// reaper and the registry rebuild; per-build requests carry theirs.
	if cfg.Store.URL == "" {
		log.Fatal("STORE_URL is required")
	}
	st, err := store.NewClient(store.Credentials{
		URL:         cfg.Store.URL,
		AnonKey:     cfg.Store.AnonKey,
		ServiceKey:  cfg.Store.ServiceKey,
		AccessToken: cfg.Store.AccessToken,
	}, cfg.Store.RequestTimeout(), log)
	if err != nil {
		log.Fatal("Failed to create store client", zap.Error(err))
	}

	// 5. Preview manager
	portStart, portEnd, err := cfg.Preview.PortBounds()
	if err != nil {
		log.Fatal("Invalid preview port range", zap.Error(err))
	}
	pool, err := preview.NewPortPool(portStart, portEnd)
	if err != nil {
		log.Fatal("Failed to create port pool", zap.Error(err))
	}
	previewMgr := preview.NewManager(pool, cfg.Preview.Command,
		time.Duration(cfg.Preview.StopGrace)*time.Second, log)

	// 6. Registry, spawner, and the dispatcher service
	reg := dispatcher.NewRegistry(cfg.Builds.MaxConcurrent)
	spawner := dispatcher.NewSpawner(cfg.Builds.WorkerBinary, log)
	svc := dispatcher.NewService(cfg, reg, spawner, previewMgr, st, log)

	// 7. Reconcile store state left over from a previous run, then start
	// the periodic reaper.
	svc.Rebuild(ctx)
	svc.StartReaper(ctx)

	// 8. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	handler := api.NewHandler(svc, previewMgr, cfg, log)
	api.SetupRoutes(router, handler, cfg.Server.APIKey, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 9. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down dispatcher...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop previews before the reaper so their ports are released cleanly.
	previewMgr.StopAll(shutdownCtx)
	svc.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Dispatcher stopped")
}
