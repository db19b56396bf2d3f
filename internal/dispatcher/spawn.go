package dispatcher

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"github.com/mcpbuild/mcpbuild/internal/store"
	"go.uber.org/zap"
)

// Spawner starts worker processes, one per build. Credentials travel to the
// worker through environment variables only, never command-line arguments.
type Spawner struct {
	binaryPath string
	logger     *logger.Logger
}

// NewSpawner creates a Spawner. When binaryPath is empty the worker binary
// is auto-detected next to the current executable, then on PATH.
func NewSpawner(binaryPath string, log *logger.Logger) *Spawner {
	if binaryPath == "" {
		binaryPath = findWorkerBinary()
	}
	return &Spawner{
		binaryPath: binaryPath,
		logger:     log.WithFields(zap.String("component", "spawner")),
	}
}

// findWorkerBinary attempts to locate the worker binary.
func findWorkerBinary() string {
	// 1. Check same directory as current executable
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "mcp-worker")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	// 2. Check PATH
	if path, err := exec.LookPath("mcp-worker"); err == nil {
		return path
	}

	// 3. Check common development locations
	candidates := []string{
		"./bin/mcp-worker",
		"./mcp-worker",
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			if abs, err := filepath.Abs(candidate); err == nil {
				return abs
			}
			return candidate
		}
	}

	return "mcp-worker" // fall back to PATH lookup at runtime
}

// SpawnRequest carries what a worker needs to run one build.
type SpawnRequest struct {
	BuildID     string
	Credentials store.Credentials
}

// Spawn starts a fresh worker process for the build and watches its exit in
// the background. onExit is called exactly once with the worker's exit code.
func (s *Spawner) Spawn(req SpawnRequest, onExit func(buildID string, exitCode int)) (int, error) {
	cmd := exec.Command(s.binaryPath)

	cmd.Env = append(os.Environ(),
		"MCP_BUILD_ID="+req.BuildID,
		"STORE_URL="+req.Credentials.URL,
		"STORE_ANON_KEY="+req.Credentials.AnonKey,
		"STORE_SERVICE_KEY="+req.Credentials.ServiceKey,
		"STORE_ACCESS_TOKEN="+req.Credentials.AccessToken,
	)

	// Pdeathsig: the kernel terminates orphaned workers if the dispatcher
	// dies. Setpgid: worker signals do not propagate to the dispatcher's
	// process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("spawner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("spawner: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawner: start worker for build %s: %w", req.BuildID, err)
	}
	pid := cmd.Process.Pid

	log := s.logger.WithBuildID(req.BuildID).WithFields(zap.Int("pid", pid))
	log.Info("worker started")

	go pipeOutput(log, "stdout", bufio.NewScanner(stdout))
	go pipeOutput(log, "stderr", bufio.NewScanner(stderr))

	go func() {
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		if err != nil && code != 1 {
			log.Warn("worker exited abnormally", zap.Int("exit_code", code), zap.Error(err))
		} else {
			log.Info("worker exited", zap.Int("exit_code", code))
		}
		onExit(req.BuildID, code)
	}()

	return pid, nil
}

// pipeOutput forwards a worker stream into the dispatcher's log.
func pipeOutput(log *logger.Logger, name string, scanner *bufio.Scanner) {
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug(scanner.Text(), zap.String("stream", name))
	}
}
