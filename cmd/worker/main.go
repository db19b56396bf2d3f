package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbuild/mcpbuild/internal/agent"
	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"github.com/mcpbuild/mcpbuild/internal/common/tracing"
	"github.com/mcpbuild/mcpbuild/internal/config"
	"github.com/mcpbuild/mcpbuild/internal/runner"
	"github.com/mcpbuild/mcpbuild/internal/store"
	"github.com/mcpbuild/mcpbuild/internal/workspace"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 when the build completed or was
// cancelled, 1 when it failed.
func run() int {
	// 1. Load configuration. Build id and store credentials arrive through
	// the environment from the dispatcher's spawner.
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load worker configuration: %v\n", err)
		return 1
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	log = log.WithBuildID(cfg.BuildID)

	log.Info("Worker starting")

	// 3. SIGTERM/SIGINT cancel the root context; the runner treats that as
	// an external cancellation and finishes the build as cancelled.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 4. Store client
	st, err := store.NewClient(store.Credentials{
		URL:         cfg.Store.URL,
		AnonKey:     cfg.Store.AnonKey,
		ServiceKey:  cfg.Store.ServiceKey,
		AccessToken: cfg.Store.AccessToken,
	}, cfg.Store.RequestTimeout(), log)
	if err != nil {
		log.Error("Failed to create store client", zap.Error(err))
		return 1
	}

	// 5. Workspace
	dir, err := workspace.Ensure(cfg.Builds.WorkspaceRoot, cfg.BuildID)
	if err != nil {
		log.Error("Failed to prepare workspace", zap.Error(err))
		if ferr := st.FailBuild(ctx, cfg.BuildID, "workspace setup failed"); ferr != nil {
			log.Error("Failed to mark build failed", zap.Error(ferr))
		}
		return 1
	}
	log.Info("Workspace ready", zap.String("dir", dir))

	// 6. Agent invoker and runner
	invoker := agent.NewInvoker(
		cfg.Agent.Command,
		cfg.Agent.ArgList(),
		dir,
		cfg.Retry.StepTimeout(),
		time.Duration(cfg.Agent.KillGraceSec)*time.Second,
		log,
	)
	r := runner.New(runner.Config{
		BuildID:           cfg.BuildID,
		HeartbeatInterval: cfg.Heartbeat.Interval(),
		RetryBase:         cfg.Retry.Base(),
		RetryMax:          cfg.Retry.Max(),
		MaxRetries:        cfg.Retry.MaxRetries,
	}, st, invoker, log)

	// 7. Run the build to a terminal status
	err = r.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		log.Error("Tracing shutdown error", zap.Error(terr))
	}

	switch {
	case err == nil:
		log.Info("Build completed")
		return 0
	case errors.Is(err, runner.ErrCancelled):
		log.Info("Build cancelled")
		return 0
	default:
		log.Error("Build failed", zap.Error(err))
		return 1
	}
}
