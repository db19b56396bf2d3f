package api

import (
	stderrors "errors"
	"net/http"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mcpbuild/mcpbuild/internal/common/errors"
	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"github.com/mcpbuild/mcpbuild/internal/config"
	"github.com/mcpbuild/mcpbuild/internal/dispatcher"
	"github.com/mcpbuild/mcpbuild/internal/preview"
	"github.com/mcpbuild/mcpbuild/internal/store"
	"github.com/mcpbuild/mcpbuild/internal/workspace"
)

// Handler contains the HTTP handlers for the dispatcher API.
type Handler struct {
	svc       *dispatcher.Service
	preview   *preview.Manager
	cfg       *config.Config
	logger    *logger.Logger
	startedAt time.Time
}

// NewHandler creates a new API handler.
func NewHandler(svc *dispatcher.Service, pv *preview.Manager, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		svc:       svc,
		preview:   pv,
		cfg:       cfg,
		logger:    log,
		startedAt: time.Now(),
	}
}

// StartBuild accepts a build-start request.
// POST /api/start-build
func (h *Handler) StartBuild(c *gin.Context) {
	var req StartBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("missing required fields"))
		return
	}

	err := h.svc.StartBuild(c.Request.Context(), dispatcher.StartBuildParams{
		BuildID: req.BuildID,
		Credentials: store.Credentials{
			URL:         req.StoreURL,
			AnonKey:     req.AnonKey,
			ServiceKey:  req.ServiceKey,
			AccessToken: req.AccessToken,
		},
	})
	if err != nil {
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) && appErr.Code == errors.ErrCodeBusy {
			c.JSON(appErr.HTTPStatus, gin.H{"error": "busy"})
			return
		}
		h.logger.Error("failed to start build",
			zap.String("build_id", req.BuildID), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// Health reports process liveness and capacity.
// GET /api/health
func (h *Handler) Health(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		MemoryBytes:   mem.Alloc,
		DiskFreeBytes: diskFree(h.cfg.Builds.WorkspaceRoot),
		ActiveBuilds:  h.svc.ActiveCount(),
	}
	c.JSON(http.StatusOK, resp)
}

// ListBuilds lists active builds.
// GET /api/builds
func (h *Handler) ListBuilds(c *gin.Context) {
	infos := h.svc.ListActive(c.Request.Context())
	builds := make([]BuildResponse, 0, len(infos))
	for _, info := range infos {
		builds = append(builds, BuildResponse{
			BuildID:     info.BuildID,
			PID:         info.PID,
			Port:        info.PreviewPort,
			StartedAt:   info.StartedAt,
			CurrentStep: info.CurrentStep,
		})
	}
	c.JSON(http.StatusOK, gin.H{"builds": builds})
}

// StartPreview starts a dev server for a build.
// POST /api/builds/:id/preview
func (h *Handler) StartPreview(c *gin.Context) {
	buildID := c.Param("id")

	st := h.svc.BuildStore(buildID)
	if _, err := st.GetBuild(c.Request.Context(), buildID); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			respondError(c, errors.NotFound("build", buildID))
			return
		}
		h.logger.Error("build lookup failed", zap.String("build_id", buildID), zap.Error(err))
		respondError(c, errors.ServiceUnavailable("store unavailable"))
		return
	}

	dir := workspace.Dir(h.cfg.Builds.WorkspaceRoot, buildID)
	entry, err := h.preview.Start(c.Request.Context(), buildID, dir)
	if err != nil {
		switch {
		case stderrors.Is(err, preview.ErrAlreadyRunning):
			respondError(c, errors.Conflict("already running"))
		case stderrors.Is(err, preview.ErrNoPortsAvailable):
			respondError(c, errors.ServiceUnavailable("no ports available"))
		default:
			h.logger.Error("failed to start preview", zap.String("build_id", buildID), zap.Error(err))
			respondError(c, errors.InternalError("failed to start preview", err))
		}
		return
	}

	c.JSON(http.StatusOK, PreviewResponse{Port: entry.Port, PID: entry.PID})
}

// StopPreview stops a build's dev server.
// DELETE /api/builds/:id/preview
func (h *Handler) StopPreview(c *gin.Context) {
	buildID := c.Param("id")

	if err := h.preview.Stop(c.Request.Context(), buildID); err != nil {
		if stderrors.Is(err, preview.ErrNotFound) {
			respondError(c, errors.NotFound("preview", buildID))
			return
		}
		h.logger.Error("failed to stop preview", zap.String("build_id", buildID), zap.Error(err))
		respondError(c, errors.InternalError("failed to stop preview", err))
		return
	}

	c.Status(http.StatusNoContent)
}

// respondError maps an error onto its HTTP status via the AppError taxonomy.
// Non-AppErrors are treated as internal.
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("internal error", err)
	}
	c.JSON(errors.GetHTTPStatus(appErr), gin.H{"error": appErr.Message})
}

func diskFree(path string) uint64 {
	if path == "" {
		path = "/"
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		if err := syscall.Statfs("/", &stat); err != nil {
			return 0
		}
	}
	return stat.Bavail * uint64(stat.Bsize)
}
