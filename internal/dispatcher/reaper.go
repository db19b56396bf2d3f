package dispatcher

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/mcpbuild/mcpbuild/internal/store"
	"go.uber.org/zap"
)

// StartReaper launches the periodic cleanup loop: it reaps workers whose
// exit was missed, fails builds whose heartbeat went stale, and releases
// ports whose owners no longer exist.
func (s *Service) StartReaper(ctx context.Context) {
	interval := time.Duration(s.cfg.Builds.ReaperInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Info("reaper started", zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.reapTick(ctx)
			}
		}
	}()
}

func (s *Service) reapTick(ctx context.Context) {
	s.reapDeadWorkers()
	s.reapStaleHeartbeats(ctx)
	if n := s.preview.ReapDead(); n > 0 {
		s.logger.Info("released ports from dead previews", zap.Int("count", n))
	}
}

// reapDeadWorkers drops registry entries whose worker process is gone. The
// exit watch normally removes entries first; this covers missed exits.
func (s *Service) reapDeadWorkers() {
	for _, entry := range s.registry.List() {
		if entry.PID == 0 {
			continue
		}
		// Signal 0 probes process existence without side effects.
		if err := syscall.Kill(entry.PID, 0); err != nil {
			s.logger.Warn("reaping entry for dead worker",
				zap.String("build_id", entry.BuildID),
				zap.Int("pid", entry.PID))
			s.registry.Remove(entry.BuildID)
		}
	}
}

// reapStaleHeartbeats fails builds whose last heartbeat exceeds the liveness
// threshold. The conditional store update keeps a racing terminal write safe.
func (s *Service) reapStaleHeartbeats(ctx context.Context) {
	builds, err := s.store.ListActiveBuilds(ctx)
	if err != nil {
		s.logger.Warn("heartbeat scan failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	threshold := s.cfg.Heartbeat.Timeout()
	for i := range builds {
		b := &builds[i]
		if !store.HeartbeatStale(b, threshold, now) {
			continue
		}
		s.logger.Warn("build heartbeat stale, marking failed",
			zap.String("build_id", b.ID),
			zap.Timep("last_heartbeat", b.LastHeartbeat))
		if err := s.store.FailBuild(ctx, b.ID, "lost_worker"); err != nil && !errors.Is(err, store.ErrStatusConflict) {
			s.logger.Error("failed to mark lost build failed",
				zap.String("build_id", b.ID), zap.Error(err))
		}
		s.registry.Remove(b.ID)
	}
}
