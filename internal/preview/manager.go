// Package preview starts and stops dev-server child processes for completed
// builds, binding each to a port from a configured pool.
package preview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned when a preview already exists for the build.
	ErrAlreadyRunning = errors.New("preview: already running for build")
	// ErrNotFound is returned when no preview exists for the build.
	ErrNotFound = errors.New("preview: not found")
)

// Entry describes one live dev-server child.
type Entry struct {
	BuildID   string    `json:"build_id"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

type previewProc struct {
	entry  Entry
	cmd    *exec.Cmd
	exited chan struct{}
	dead   bool
}

// Manager supervises dev-server children and owns the port pool.
type Manager struct {
	mu        sync.Mutex
	procs     map[string]*previewProc
	pool      *PortPool
	command   string // shell command template; $PORT is substituted
	stopGrace time.Duration
	logger    *logger.Logger
}

// NewManager creates a Manager over the given pool. command is the
// externally configured dev-server invocation with a $PORT placeholder.
func NewManager(pool *PortPool, command string, stopGrace time.Duration, log *logger.Logger) *Manager {
	if stopGrace <= 0 {
		stopGrace = 5 * time.Second
	}
	return &Manager{
		procs:     make(map[string]*previewProc),
		pool:      pool,
		command:   command,
		stopGrace: stopGrace,
		logger:    log.WithFields(zap.String("component", "preview")),
	}
}

// Start spawns a dev server for the build's workspace and records the entry
// before returning. Fails with ErrAlreadyRunning when an entry exists and
// ErrNoPortsAvailable when the pool is exhausted.
func (m *Manager) Start(ctx context.Context, buildID, workspaceDir string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.procs[buildID]; exists {
		return nil, ErrAlreadyRunning
	}

	port, err := m.pool.Allocate(buildID)
	if err != nil {
		return nil, err
	}

	command := strings.ReplaceAll(m.command, "${PORT}", strconv.Itoa(port))
	command = strings.ReplaceAll(command, "$PORT", strconv.Itoa(port))

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workspaceDir
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(port))
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	if err := cmd.Start(); err != nil {
		m.pool.Release(port)
		return nil, fmt.Errorf("preview: start dev server: %w", err)
	}

	proc := &previewProc{
		entry: Entry{
			BuildID:   buildID,
			PID:       cmd.Process.Pid,
			Port:      port,
			StartedAt: time.Now().UTC(),
		},
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	m.procs[buildID] = proc

	go m.monitorExit(proc)

	m.logger.Info("preview started",
		zap.String("build_id", buildID),
		zap.Int("pid", proc.entry.PID),
		zap.Int("port", port))

	entry := proc.entry
	return &entry, nil
}

// Stop terminates the build's dev server: SIGTERM, grace window, SIGKILL.
// The entry is removed and the port released.
func (m *Manager) Stop(ctx context.Context, buildID string) error {
	m.mu.Lock()
	proc, ok := m.procs[buildID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.procs, buildID)
	m.mu.Unlock()

	pid := proc.entry.PID
	m.logger.Info("stopping preview", zap.String("build_id", buildID), zap.Int("pid", pid))

	select {
	case <-proc.exited:
	default:
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-proc.exited:
		case <-time.After(m.stopGrace):
			m.logger.Warn("preview did not exit within grace window, sending SIGKILL",
				zap.String("build_id", buildID), zap.Int("pid", pid))
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-proc.exited
		case <-ctx.Done():
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}

	m.pool.Release(proc.entry.Port)
	return nil
}

// Get returns the entry for a build, if a preview is live.
func (m *Manager) Get(buildID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc, ok := m.procs[buildID]
	if !ok {
		return nil, false
	}
	entry := proc.entry
	return &entry, true
}

// List returns all live preview entries.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.procs))
	for _, proc := range m.procs {
		out = append(out, proc.entry)
	}
	return out
}

// ReapDead removes entries whose children exited on their own and releases
// their ports. Called from the dispatcher's reaper tick.
func (m *Manager) ReapDead() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for buildID, proc := range m.procs {
		if proc.dead {
			delete(m.procs, buildID)
			m.pool.Release(proc.entry.Port)
			m.logger.Info("reaped dead preview",
				zap.String("build_id", buildID),
				zap.Int("port", proc.entry.Port))
			reaped++
		}
	}
	return reaped
}

// StopAll terminates every live preview. Used on dispatcher shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for buildID := range m.procs {
		ids = append(ids, buildID)
	}
	m.mu.Unlock()

	for _, buildID := range ids {
		if err := m.Stop(ctx, buildID); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("failed to stop preview", zap.String("build_id", buildID), zap.Error(err))
		}
	}
}

// monitorExit waits for the child and flags the entry dead so the reaper can
// reclaim its port. Entries removed by Stop are already gone from the map.
func (m *Manager) monitorExit(proc *previewProc) {
	err := proc.cmd.Wait()
	close(proc.exited)

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.procs[proc.entry.BuildID]; ok && current == proc {
		proc.dead = true
		if err != nil {
			m.logger.Warn("preview exited unexpectedly",
				zap.String("build_id", proc.entry.BuildID),
				zap.Error(err))
		} else {
			m.logger.Info("preview exited",
				zap.String("build_id", proc.entry.BuildID))
		}
	}
}
