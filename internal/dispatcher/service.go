// Package dispatcher is the host-level supervisor: it accepts build-start
// requests, enforces the concurrency cap, spawns one worker process per
// build, tracks active builds, and reaps whatever crashes.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/mcpbuild/mcpbuild/internal/common/errors"
	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"github.com/mcpbuild/mcpbuild/internal/config"
	"github.com/mcpbuild/mcpbuild/internal/preview"
	"github.com/mcpbuild/mcpbuild/internal/store"
	"go.uber.org/zap"
)

// StartBuildParams is a validated build-start request.
type StartBuildParams struct {
	BuildID     string
	Credentials store.Credentials
}

// BuildInfo is one active build as reported by the listing endpoint.
type BuildInfo struct {
	BuildID     string
	PID         int
	StartedAt   time.Time
	PreviewPort *int
	CurrentStep *int
}

// Service wires the registry, spawner, preview manager, and the dispatcher's
// own store client together.
type Service struct {
	cfg      *config.Config
	registry *Registry
	spawner  *Spawner
	preview  *preview.Manager
	store    *store.Client
	logger   *logger.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewService creates the dispatcher service.
func NewService(cfg *config.Config, reg *Registry, sp *Spawner, pv *preview.Manager, st *store.Client, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		registry: reg,
		spawner:  sp,
		preview:  pv,
		store:    st,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
		stopCh:   make(chan struct{}),
	}
}

// StartBuild registers the build and spawns its worker. Re-delivery for an
// already-registered build is a no-op returning success. Returns a Busy
// error when the concurrency cap is reached.
func (s *Service) StartBuild(ctx context.Context, params StartBuildParams) error {
	workerStore, err := store.NewClient(params.Credentials, s.cfg.Store.RequestTimeout(), s.logger)
	if err != nil {
		return apperrors.BadRequest(err.Error())
	}

	already, err := s.registry.Register(params.BuildID, workerStore)
	if err != nil {
		if errors.Is(err, ErrAtCapacity) {
			return apperrors.Busy("build concurrency cap reached")
		}
		return apperrors.InternalError("failed to register build", err)
	}
	if already {
		s.logger.Info("start request for registered build, ignoring",
			zap.String("build_id", params.BuildID))
		return nil
	}

	pid, err := s.spawner.Spawn(SpawnRequest{
		BuildID:     params.BuildID,
		Credentials: params.Credentials,
	}, s.onWorkerExit)
	if err != nil {
		s.registry.Remove(params.BuildID)
		failCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if ferr := workerStore.FailBuild(failCtx, params.BuildID, "worker spawn failed"); ferr != nil {
			s.logger.Error("failed to mark build failed after spawn failure",
				zap.String("build_id", params.BuildID), zap.Error(ferr))
		}
		return apperrors.InternalError("failed to spawn worker", err)
	}

	if err := s.registry.SetPID(params.BuildID, pid); err != nil {
		s.logger.Warn("worker exited before pid was recorded",
			zap.String("build_id", params.BuildID))
	}
	return nil
}

// onWorkerExit is installed as the spawner's exit watch.
func (s *Service) onWorkerExit(buildID string, exitCode int) {
	s.registry.Remove(buildID)
	s.logger.Info("active build entry removed",
		zap.String("build_id", buildID),
		zap.Int("exit_code", exitCode))
}

// ListActive returns the active builds with their preview port and current
// step ordinal where known.
func (s *Service) ListActive(ctx context.Context) []BuildInfo {
	entries := s.registry.List()
	out := make([]BuildInfo, 0, len(entries))
	for _, entry := range entries {
		info := BuildInfo{
			BuildID:   entry.BuildID,
			PID:       entry.PID,
			StartedAt: entry.StartedAt,
		}
		if pe, ok := s.preview.Get(entry.BuildID); ok {
			port := pe.Port
			info.PreviewPort = &port
		}
		if steps, err := entry.Store.ListSteps(ctx, entry.BuildID); err == nil && len(steps) > 0 {
			ordinal := steps[len(steps)-1].Ordinal
			info.CurrentStep = &ordinal
		}
		out = append(out, info)
	}
	return out
}

// ActiveCount returns the number of active builds.
func (s *Service) ActiveCount() int {
	return s.registry.Count()
}

// BuildStore returns the store client to use for a build: the per-build
// client while the build is active, the dispatcher's own client otherwise.
func (s *Service) BuildStore(buildID string) *store.Client {
	if entry, ok := s.registry.Get(buildID); ok {
		return entry.Store
	}
	return s.store
}

// Rebuild scans the store for non-terminal builds after a restart. Workers
// did not survive the restart, so anything with a stale heartbeat is marked
// failed immediately; the rest go stale within the liveness threshold and
// the reaper collects them.
func (s *Service) Rebuild(ctx context.Context) {
	builds, err := s.store.ListActiveBuilds(ctx)
	if err != nil {
		s.logger.Warn("registry rebuild scan failed", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	for i := range builds {
		b := &builds[i]
		if store.HeartbeatStale(b, s.cfg.Heartbeat.Timeout(), now) {
			s.logger.Warn("marking stale build failed on startup",
				zap.String("build_id", b.ID))
			if err := s.store.FailBuild(ctx, b.ID, "lost_worker"); err != nil && !errors.Is(err, store.ErrStatusConflict) {
				s.logger.Error("failed to fail stale build", zap.String("build_id", b.ID), zap.Error(err))
			}
		}
	}
}

// Stop halts the reaper and waits for it to finish.
func (s *Service) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
