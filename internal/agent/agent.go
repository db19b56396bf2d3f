// Package agent invokes the external code-generation CLI as a subprocess.
// The agent reads one prompt from stdin and writes artifacts into the build
// workspace; this package only supervises the process and captures output.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"go.uber.org/zap"
)

// Streams named in captured log rows.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogSink receives every captured output line. Implementations append the
// line to the build's log rows; they must not block for long.
type LogSink func(stream, line string)

// Result describes one finished agent attempt.
type Result struct {
	ExitCode   int
	TimedOut   bool
	StdoutTail string
	StderrTail string
	Duration   time.Duration
}

// Invoker runs the agent binary once per prompt.
type Invoker struct {
	Command   string
	Args      []string
	WorkDir   string
	Timeout   time.Duration
	KillGrace time.Duration

	logger *logger.Logger
}

// NewInvoker creates an Invoker for the given agent command.
func NewInvoker(command string, args []string, workDir string, timeout, killGrace time.Duration, log *logger.Logger) *Invoker {
	if killGrace <= 0 {
		killGrace = 10 * time.Second
	}
	return &Invoker{
		Command:   command,
		Args:      args,
		WorkDir:   workDir,
		Timeout:   timeout,
		KillGrace: killGrace,
		logger:    log.WithFields(zap.String("component", "agent")),
	}
}

// Run feeds the prompt to a fresh agent process and waits for it to exit,
// the per-step timeout to elapse, or ctx to be cancelled. Output lines are
// streamed to sink; the last 8 KiB of each stream is kept in the Result.
//
// On timeout the result is returned with TimedOut set and a nil error. On
// ctx cancellation the context error is returned so the caller can tell
// cancellation apart from an agent failure.
func (inv *Invoker) Run(ctx context.Context, prompt string, sink LogSink) (*Result, error) {
	start := time.Now()

	// Not CommandContext: context cancellation must go through the graceful
	// SIGTERM window, not an immediate SIGKILL.
	cmd := exec.Command(inv.Command, inv.Args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: start %s: %w", inv.Command, err)
	}
	pid := cmd.Process.Pid
	inv.logger.Debug("agent process started", zap.Int("pid", pid))

	go func() {
		defer stdin.Close()
		_, _ = io.WriteString(stdin, prompt)
	}()

	outTail := newTailBuffer(defaultTailLimit)
	errTail := newTailBuffer(defaultTailLimit)

	var wg sync.WaitGroup
	wg.Add(2)
	go inv.pump(StreamStdout, stdout, outTail, sink, &wg)
	go inv.pump(StreamStderr, stderr, errTail, sink, &wg)

	exited := make(chan error, 1)
	go func() {
		wg.Wait()
		exited <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	res := &Result{}
	var waitErr error
	select {
	case waitErr = <-exited:
	case <-timeoutCh:
		res.TimedOut = true
		inv.logger.Warn("agent exceeded step timeout, terminating",
			zap.Int("pid", pid),
			zap.Duration("timeout", inv.Timeout))
		inv.terminate(pid)
		waitErr = <-exited
	case <-ctx.Done():
		inv.terminate(pid)
		<-exited
		res.Duration = time.Since(start)
		res.StdoutTail = outTail.String()
		res.StderrTail = errTail.String()
		res.ExitCode = exitCode(cmd, nil)
		return res, ctx.Err()
	}

	res.Duration = time.Since(start)
	res.StdoutTail = outTail.String()
	res.StderrTail = errTail.String()
	res.ExitCode = exitCode(cmd, waitErr)
	return res, nil
}

// pump copies one stream line-by-line into the sink and the tail buffer.
func (inv *Invoker) pump(stream string, r io.Reader, tail *tailBuffer, sink LogSink, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail.WriteLine(line)
		if sink != nil {
			sink(stream, line)
		}
	}
}

// terminate sends SIGTERM to the agent's process group, waits out the grace
// window, then SIGKILLs whatever is left.
func (inv *Invoker) terminate(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return
	}

	deadline := time.Now().Add(inv.KillGrace)
	for time.Now().Before(deadline) {
		// Signal 0 probes whether the group still exists.
		if err := syscall.Kill(-pid, 0); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	inv.logger.Warn("agent did not exit within grace window, sending SIGKILL", zap.Int("pid", pid))
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			return ee.ExitCode()
		}
		return -1
	}
	return 0
}
