// Package runner executes one build end-to-end inside a worker process: it
// drains the build's prompt queue, invokes the agent per prompt, persists
// step lifecycle to the store, heartbeats liveness, absorbs externally
// injected prompts, and retries transient agent failures with backoff.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcpbuild/mcpbuild/internal/agent"
	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"github.com/mcpbuild/mcpbuild/internal/common/tracing"
	"github.com/mcpbuild/mcpbuild/internal/store"
)

// Terminal outcomes of a run.
var (
	// ErrCancelled means the build was cancelled externally (signal or
	// status flip). The worker exits 0 on cancellation.
	ErrCancelled = errors.New("build cancelled")
	// ErrStepFailed means a step exhausted its attempts or hit a fatal
	// classification. The worker exits 1.
	ErrStepFailed = errors.New("step failed permanently")
)

// Store is the slice of the persistence client the runner needs.
type Store interface {
	GetBuild(ctx context.Context, buildID string) (*store.Build, error)
	SetBuildStatus(ctx context.Context, buildID string, status store.BuildStatus) error
	FailBuild(ctx context.Context, buildID, reason string) error
	Heartbeat(ctx context.Context, buildID string) error
	ListPlannedPrompts(ctx context.Context, buildID string) ([]store.PlannedPrompt, error)
	CreateStep(ctx context.Context, step *store.Step) error
	UpdateStep(ctx context.Context, step *store.Step) error
	ListPendingCustomPrompts(ctx context.Context, buildID string) ([]store.CustomPrompt, error)
	SetCustomPromptStatus(ctx context.Context, promptID string, status store.CustomPromptStatus) error
	SkipOpenCustomPrompts(ctx context.Context, buildID string) error
	AppendLog(ctx context.Context, row *store.LogRow) error
}

// Agent is the subprocess invoker the runner drives once per attempt.
type Agent interface {
	Run(ctx context.Context, prompt string, sink agent.LogSink) (*agent.Result, error)
}

// Config holds the runner's tunables.
type Config struct {
	BuildID           string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration // custom-prompt and cancellation poll cadence
	RetryBase         time.Duration
	RetryMax          time.Duration
	MaxRetries        int // retries per step beyond the first attempt
}

// Runner owns one build's execution.
type Runner struct {
	cfg    Config
	store  Store
	agent  Agent
	queue  *PromptQueue
	logger *logger.Logger
}

// New creates a Runner for one build.
func New(cfg Config, st Store, ag Agent, log *logger.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Runner{
		cfg:    cfg,
		store:  st,
		agent:  ag,
		queue:  NewPromptQueue(),
		logger: log.WithBuildID(cfg.BuildID),
	}
}

// Run executes the build to a terminal status. It returns nil when the build
// completed, ErrCancelled when it was cancelled, and ErrStepFailed (wrapped)
// when a step failed permanently. ctx cancellation (worker SIGTERM) is
// treated as an external cancel.
func (r *Runner) Run(ctx context.Context) error {
	prompts, err := r.store.ListPlannedPrompts(ctx, r.cfg.BuildID)
	if err != nil {
		r.failBuild("failed to load prompt plan: " + err.Error())
		return fmt.Errorf("load prompt plan: %w", err)
	}
	for _, p := range prompts {
		r.queue.Append(p.Prompt)
	}
	r.logger.Info("prompt queue loaded", zap.Int("planned", r.queue.Len()))

	if err := r.store.SetBuildStatus(ctx, r.cfg.BuildID, store.BuildStatusRunning); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			r.logger.Warn("build already terminal, nothing to do")
			return nil
		}
		r.failBuild("failed to mark build running: " + err.Error())
		return fmt.Errorf("mark running: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error { return r.cancelWatch(gctx, cancel) })
	g.Go(func() error {
		defer cancel(nil)
		return r.execLoop(gctx)
	})

	err = g.Wait()
	r.finish(err)
	return err
}

// finish writes the build's terminal status with a fresh context, since the
// run context is already cancelled by the time a terminal outcome is known.
func (r *Runner) finish(runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch {
	case runErr == nil:
		if err := r.store.SetBuildStatus(ctx, r.cfg.BuildID, store.BuildStatusCompleted); err != nil && !errors.Is(err, store.ErrStatusConflict) {
			r.logger.Error("failed to mark build completed", zap.Error(err))
		}
		r.logger.Info("build completed")
	case errors.Is(runErr, ErrCancelled):
		if err := r.store.SetBuildStatus(ctx, r.cfg.BuildID, store.BuildStatusCancelled); err != nil && !errors.Is(err, store.ErrStatusConflict) {
			r.logger.Error("failed to mark build cancelled", zap.Error(err))
		}
		if err := r.store.SkipOpenCustomPrompts(ctx, r.cfg.BuildID); err != nil {
			r.logger.Warn("failed to skip open custom prompts", zap.Error(err))
		}
		r.logger.Info("build cancelled")
	default:
		r.failBuild(runErr.Error())
		ctx2, cancel2 := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel2()
		if err := r.store.SkipOpenCustomPrompts(ctx2, r.cfg.BuildID); err != nil {
			r.logger.Warn("failed to skip open custom prompts", zap.Error(err))
		}
		r.logger.Error("build failed", zap.Error(runErr))
	}
}

func (r *Runner) failBuild(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.store.FailBuild(ctx, r.cfg.BuildID, reason); err != nil && !errors.Is(err, store.ErrStatusConflict) {
		r.logger.Error("failed to mark build failed", zap.Error(err))
	}
}

// heartbeatLoop writes liveness every HeartbeatInterval until the run ends.
// It runs independently of agent execution and backoff sleeps.
func (r *Runner) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	r.writeHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.writeHeartbeat(ctx)
		}
	}
}

func (r *Runner) writeHeartbeat(ctx context.Context) {
	if err := r.store.Heartbeat(ctx, r.cfg.BuildID); err != nil && ctx.Err() == nil {
		r.logger.Warn("heartbeat write failed", zap.Error(err))
	}
}

// cancelWatch polls the build row for an external status flip to cancelled.
func (r *Runner) cancelWatch(ctx context.Context, cancel context.CancelCauseFunc) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			build, err := r.store.GetBuild(ctx, r.cfg.BuildID)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("cancellation poll failed", zap.Error(err))
				}
				continue
			}
			if build.Status == store.BuildStatusCancelled {
				r.logger.Info("external cancellation observed")
				cancel(ErrCancelled)
				return ErrCancelled
			}
		}
	}
}

// execLoop drains the queue, absorbing custom prompts before each item.
func (r *Runner) execLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return r.cancelError(ctx)
		}
		r.absorbCustomPrompts(ctx)

		item, ok := r.queue.Pop()
		if !ok {
			return nil
		}
		if err := r.executeItem(ctx, item); err != nil {
			return err
		}
	}
}

// absorbCustomPrompts splices newly observed pending custom prompts into the
// queue in discovery order and marks them injected. Injected prompts run
// before the remaining planned prompts. Store errors here are tolerated; the
// next tick retries.
func (r *Runner) absorbCustomPrompts(ctx context.Context) {
	pending, err := r.store.ListPendingCustomPrompts(ctx, r.cfg.BuildID)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("custom prompt poll failed", zap.Error(err))
		}
		return
	}
	for _, cp := range pending {
		if err := r.store.SetCustomPromptStatus(ctx, cp.ID, store.CustomPromptInjected); err != nil {
			r.logger.Warn("failed to mark custom prompt injected",
				zap.String("custom_prompt_id", cp.ID),
				zap.Error(err))
			continue
		}
		r.queue.Inject(cp.Prompt, cp.ID)
		r.logger.Info("custom prompt injected",
			zap.String("custom_prompt_id", cp.ID))
	}
}

// executeItem runs one queue item through the attempt loop: create the step
// row, invoke the agent, classify, retry with backoff, and record the
// terminal step status.
func (r *Runner) executeItem(ctx context.Context, item PromptQueueItem) error {
	tracer := tracing.Tracer("runner")
	ctx, span := tracer.Start(ctx, "build.step")
	span.SetAttributes(
		attribute.Int("step.ordinal", item.Ordinal),
		attribute.String("step.origin", string(item.Origin)),
	)
	defer span.End()

	now := nowUTC()
	step := &store.Step{
		BuildID:   r.cfg.BuildID,
		Ordinal:   item.Ordinal,
		Prompt:    item.Prompt,
		Status:    store.StepStatusRunning,
		Attempt:   1,
		StartedAt: &now,
	}
	// The step row must exist before the agent is invoked.
	if err := r.store.CreateStep(ctx, step); err != nil {
		if ctx.Err() != nil {
			return r.cancelError(ctx)
		}
		span.SetStatus(codes.Error, "step row create failed")
		return fmt.Errorf("%w: create step %d: %v", ErrStepFailed, item.Ordinal, err)
	}

	sink := func(stream, line string) {
		row := &store.LogRow{
			BuildID: r.cfg.BuildID,
			StepID:  step.ID,
			Stream:  stream,
			Content: line,
		}
		if err := r.store.AppendLog(ctx, row); err != nil && ctx.Err() == nil {
			r.logger.Debug("log append failed", zap.Error(err))
		}
	}

	bo := r.newBackoff()
	for {
		r.logger.Info("invoking agent",
			zap.Int("ordinal", item.Ordinal),
			zap.Int("attempt", step.Attempt))

		res, err := r.agent.Run(ctx, item.Prompt, sink)
		if err != nil {
			// Context cancellation surfaced through the agent.
			r.markStepFailed(step, "cancelled")
			return r.cancelError(ctx)
		}

		outcome := agent.Classify(res)
		span.SetAttributes(attribute.String("step.outcome", outcome.String()))

		switch outcome {
		case agent.OutcomeSuccess:
			end := nowUTC()
			step.Status = store.StepStatusSucceeded
			step.EndedAt = &end
			if err := r.updateStep(ctx, step); err != nil {
				return err
			}
			if item.Origin == OriginCustom {
				if err := r.store.SetCustomPromptStatus(ctx, item.CustomPromptID, store.CustomPromptExecuted); err != nil {
					r.logger.Warn("failed to mark custom prompt executed",
						zap.String("custom_prompt_id", item.CustomPromptID),
						zap.Error(err))
				}
			}
			r.logger.Info("step succeeded",
				zap.Int("ordinal", item.Ordinal),
				zap.Int("attempt", step.Attempt),
				zap.Duration("duration", res.Duration))
			return nil

		case agent.OutcomeTransient:
			reason := attemptFailureReason(res)
			r.appendSystemLog(ctx, step, fmt.Sprintf("attempt %d classified transient: %s", step.Attempt, reason))

			if step.Attempt > r.cfg.MaxRetries {
				r.markStepFailed(step, reason)
				span.SetStatus(codes.Error, "attempts exhausted")
				return fmt.Errorf("%w: step %d exhausted %d attempts: %s", ErrStepFailed, item.Ordinal, step.Attempt, reason)
			}

			step.Status = store.StepStatusRetrying
			step.ErrorMessage = reason
			if err := r.updateStep(ctx, step); err != nil {
				return err
			}

			wait := bo.NextBackOff()
			r.logger.Warn("transient step failure, backing off",
				zap.Int("ordinal", item.Ordinal),
				zap.Int("attempt", step.Attempt),
				zap.Duration("backoff", wait),
				zap.String("reason", reason))
			if !sleepCtx(ctx, wait) {
				r.markStepFailed(step, "cancelled")
				return r.cancelError(ctx)
			}

			step.Attempt++
			step.Status = store.StepStatusRunning
			if err := r.updateStep(ctx, step); err != nil {
				return err
			}

		case agent.OutcomeFatal:
			reason := attemptFailureReason(res)
			r.markStepFailed(step, reason)
			span.SetStatus(codes.Error, "fatal agent failure")
			return fmt.Errorf("%w: step %d fatal: %s", ErrStepFailed, item.Ordinal, reason)
		}
	}
}

// updateStep persists a step transition; a failure here terminates the build
// unless the run was cancelled underneath it.
func (r *Runner) updateStep(ctx context.Context, step *store.Step) error {
	if err := r.store.UpdateStep(ctx, step); err != nil {
		if ctx.Err() != nil {
			return r.cancelError(ctx)
		}
		return fmt.Errorf("%w: persist step %d: %v", ErrStepFailed, step.Ordinal, err)
	}
	return nil
}

// markStepFailed records the step's terminal failure with a fresh context.
func (r *Runner) markStepFailed(step *store.Step, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	end := nowUTC()
	step.Status = store.StepStatusFailed
	step.EndedAt = &end
	step.ErrorMessage = reason
	if err := r.store.UpdateStep(ctx, step); err != nil {
		r.logger.Error("failed to persist step failure",
			zap.Int("ordinal", step.Ordinal),
			zap.Error(err))
	}
}

func (r *Runner) appendSystemLog(ctx context.Context, step *store.Step, msg string) {
	row := &store.LogRow{
		BuildID: r.cfg.BuildID,
		StepID:  step.ID,
		Stream:  "system",
		Content: msg,
	}
	if err := r.store.AppendLog(ctx, row); err != nil && ctx.Err() == nil {
		r.logger.Debug("system log append failed", zap.Error(err))
	}
}

// cancelError maps a dead context onto the run's terminal error.
func (r *Runner) cancelError(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	// A worker SIGTERM cancels the root context; that is an external cancel
	// too.
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	return ctx.Err()
}

// newBackoff builds the per-step backoff schedule: base doubling up to the
// cap, with ±25% jitter.
func (r *Runner) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryBase
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxInterval = r.cfg.RetryMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func attemptFailureReason(res *agent.Result) string {
	if res.TimedOut {
		return "agent timed out"
	}
	tail := lastLine(res.StderrTail)
	if tail == "" {
		tail = lastLine(res.StdoutTail)
	}
	if tail == "" {
		return fmt.Sprintf("agent exited with code %d", res.ExitCode)
	}
	return fmt.Sprintf("agent exited with code %d: %s", res.ExitCode, tail)
}

func lastLine(s string) string {
	lines := splitNonEmpty(s)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if line := s[start:i]; line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	return out
}

// sleepCtx sleeps for d unless ctx ends first; reports whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
