package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbuild/mcpbuild/internal/agent"
	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"github.com/mcpbuild/mcpbuild/internal/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

// fakeStore is an in-memory stand-in for the persistence client. It enforces
// the same terminal-status guard the real client gets from its conditional
// updates.
type fakeStore struct {
	mu         sync.Mutex
	build      store.Build
	planned    []store.PlannedPrompt
	steps      []*store.Step
	customs    []*store.CustomPrompt
	logs           []store.LogRow
	heartbeats     int
	heartbeatTimes []time.Time
	nextStepID     int
}

func newFakeStore(buildID string, prompts ...string) *fakeStore {
	fs := &fakeStore{
		build: store.Build{ID: buildID, Status: store.BuildStatusQueued},
	}
	for i, p := range prompts {
		fs.planned = append(fs.planned, store.PlannedPrompt{
			ID:      fmt.Sprintf("bp-%d", i),
			BuildID: buildID,
			Ordinal: i,
			Prompt:  p,
		})
	}
	return fs
}

func (f *fakeStore) GetBuild(ctx context.Context, buildID string) (*store.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.build
	return &b, nil
}

func (f *fakeStore) SetBuildStatus(ctx context.Context, buildID string, status store.BuildStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.build.Status.Terminal() {
		return store.ErrStatusConflict
	}
	f.build.Status = status
	return nil
}

func (f *fakeStore) FailBuild(ctx context.Context, buildID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.build.Status.Terminal() {
		return store.ErrStatusConflict
	}
	f.build.Status = store.BuildStatusFailed
	f.build.ErrorMessage = reason
	return nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.build.Status.Terminal() {
		return store.ErrStatusConflict
	}
	now := time.Now().UTC()
	f.build.LastHeartbeat = &now
	f.heartbeats++
	f.heartbeatTimes = append(f.heartbeatTimes, now)
	return nil
}

func (f *fakeStore) ListPlannedPrompts(ctx context.Context, buildID string) ([]store.PlannedPrompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.PlannedPrompt(nil), f.planned...), nil
}

func (f *fakeStore) CreateStep(ctx context.Context, step *store.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextStepID++
	step.ID = fmt.Sprintf("step-%d", f.nextStepID)
	cp := *step
	f.steps = append(f.steps, &cp)
	return nil
}

func (f *fakeStore) UpdateStep(ctx context.Context, step *store.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.steps {
		if s.ID == step.ID {
			cp := *step
			f.steps[i] = &cp
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) ListPendingCustomPrompts(ctx context.Context, buildID string) ([]store.CustomPrompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.CustomPrompt
	for _, cp := range f.customs {
		if cp.Status == store.CustomPromptPending {
			out = append(out, *cp)
		}
	}
	return out, nil
}

func (f *fakeStore) SetCustomPromptStatus(ctx context.Context, promptID string, status store.CustomPromptStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cp := range f.customs {
		if cp.ID == promptID {
			cp.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) SkipOpenCustomPrompts(ctx context.Context, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cp := range f.customs {
		if cp.Status == store.CustomPromptPending || cp.Status == store.CustomPromptInjected {
			cp.Status = store.CustomPromptSkipped
		}
	}
	return nil
}

func (f *fakeStore) AppendLog(ctx context.Context, row *store.LogRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, *row)
	return nil
}

func (f *fakeStore) addCustomPrompt(id, prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customs = append(f.customs, &store.CustomPrompt{
		ID:        id,
		BuildID:   f.build.ID,
		Prompt:    prompt,
		Status:    store.CustomPromptPending,
		CreatedAt: time.Now().UTC(),
	})
}

func (f *fakeStore) status() store.BuildStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.build.Status
}

func (f *fakeStore) setStatus(s store.BuildStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.build.Status = s
}

func (f *fakeStore) stepSnapshot() []store.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Step, 0, len(f.steps))
	for _, s := range f.steps {
		out = append(out, *s)
	}
	return out
}

func (f *fakeStore) heartbeatSnapshot() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.heartbeatTimes...)
}

func (f *fakeStore) systemLogs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, row := range f.logs {
		if row.Stream == "system" {
			out = append(out, row.Content)
		}
	}
	return out
}

// fakeAgent replays a scripted result per invocation. A nil entry blocks
// until the context ends. onCall, when set, fires at the start of each
// invocation with the 1-based call number.
type fakeAgent struct {
	mu      sync.Mutex
	results []*agent.Result
	calls   int
	prompts []string
	onCall  func(n int)
}

func (f *fakeAgent) Run(ctx context.Context, prompt string, sink agent.LogSink) (*agent.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.prompts = append(f.prompts, prompt)
	var res *agent.Result
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	} else {
		res = &agent.Result{ExitCode: 0}
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	if res == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if sink != nil {
		sink(agent.StreamStdout, "output for: "+prompt)
	}
	return res, nil
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(buildID string) Config {
	return Config{
		BuildID:           buildID,
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		RetryBase:         time.Millisecond,
		RetryMax:          5 * time.Millisecond,
		MaxRetries:        2,
	}
}

func TestRunHappyPath(t *testing.T) {
	fs := newFakeStore("b1", "scaffold", "add routes", "polish")
	ag := &fakeAgent{}
	r := New(testConfig("b1"), fs, ag, testLogger(t))

	err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, store.BuildStatusCompleted, fs.status())
	assert.Equal(t, 3, ag.callCount())

	steps := fs.stepSnapshot()
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i, s.Ordinal)
		assert.Equal(t, store.StepStatusSucceeded, s.Status)
		assert.Equal(t, 1, s.Attempt)
		assert.NotNil(t, s.EndedAt)
	}
	assert.GreaterOrEqual(t, fs.heartbeats, 1)
}

func TestRunZeroPrompts(t *testing.T) {
	fs := newFakeStore("b1")
	ag := &fakeAgent{}
	r := New(testConfig("b1"), fs, ag, testLogger(t))

	err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.BuildStatusCompleted, fs.status())
	assert.Equal(t, 0, ag.callCount())
}

func TestRunAlreadyTerminal(t *testing.T) {
	fs := newFakeStore("b1", "scaffold")
	fs.setStatus(store.BuildStatusCompleted)
	ag := &fakeAgent{}
	r := New(testConfig("b1"), fs, ag, testLogger(t))

	err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.BuildStatusCompleted, fs.status())
	assert.Equal(t, 0, ag.callCount())
}

func TestRunTransientThenSuccess(t *testing.T) {
	fs := newFakeStore("b1", "scaffold")
	ag := &fakeAgent{results: []*agent.Result{
		{ExitCode: 1, StderrTail: "connection reset by peer\n"},
		{ExitCode: 0},
	}}
	r := New(testConfig("b1"), fs, ag, testLogger(t))

	err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, store.BuildStatusCompleted, fs.status())
	assert.Equal(t, 2, ag.callCount())

	steps := fs.stepSnapshot()
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepStatusSucceeded, steps[0].Status)
	assert.Equal(t, 2, steps[0].Attempt)

	sys := fs.systemLogs()
	require.Len(t, sys, 1)
	assert.Contains(t, sys[0], "attempt 1 classified transient")
	assert.Contains(t, sys[0], "connection reset by peer")
}

func TestRunRetriesExhausted(t *testing.T) {
	fs := newFakeStore("b1", "scaffold", "never reached")
	cfg := testConfig("b1")
	cfg.MaxRetries = 1
	ag := &fakeAgent{results: []*agent.Result{
		{ExitCode: 1, StderrTail: "timeout waiting for upstream\n"},
		{ExitCode: 1, StderrTail: "timeout waiting for upstream\n"},
	}}
	r := New(cfg, fs, ag, testLogger(t))

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrStepFailed)

	assert.Equal(t, store.BuildStatusFailed, fs.status())
	assert.Contains(t, fs.build.ErrorMessage, "exhausted 2 attempts")
	// Second planned prompt never ran.
	assert.Equal(t, 2, ag.callCount())

	steps := fs.stepSnapshot()
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepStatusFailed, steps[0].Status)
	assert.Equal(t, 2, steps[0].Attempt)
	assert.NotEmpty(t, steps[0].ErrorMessage)
}

// With a retry budget of zero, the first transient failure is terminal.
func TestRunZeroRetryBudget(t *testing.T) {
	fs := newFakeStore("b1", "scaffold", "never reached")
	cfg := testConfig("b1")
	cfg.MaxRetries = 0
	ag := &fakeAgent{results: []*agent.Result{
		{ExitCode: 1, StderrTail: "connection reset by peer\n"},
	}}
	r := New(cfg, fs, ag, testLogger(t))

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrStepFailed)

	assert.Equal(t, store.BuildStatusFailed, fs.status())
	assert.Contains(t, fs.build.ErrorMessage, "exhausted 1 attempt")
	assert.Equal(t, 1, ag.callCount(), "no retry when the budget is zero")

	steps := fs.stepSnapshot()
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepStatusFailed, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempt)
}

// The heartbeat loop keeps ticking while a step blocks, so the gap between
// consecutive heartbeats stays well under the staleness threshold.
func TestRunHeartbeatCadence(t *testing.T) {
	fs := newFakeStore("b1", "scaffold")
	ag := &fakeAgent{results: []*agent.Result{nil}} // step blocks until cancel
	cfg := testConfig("b1")
	cfg.HeartbeatInterval = 20 * time.Millisecond
	r := New(cfg, fs, ag, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fs.heartbeatSnapshot()) >= 5
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	beats := fs.heartbeatSnapshot()
	require.GreaterOrEqual(t, len(beats), 5)
	for i := 1; i < len(beats); i++ {
		gap := beats[i].Sub(beats[i-1])
		assert.Less(t, gap, 10*cfg.HeartbeatInterval,
			"heartbeat gap %v at index %d", gap, i)
	}
}

func TestRunFatalFailsImmediately(t *testing.T) {
	fs := newFakeStore("b1", "scaffold")
	ag := &fakeAgent{results: []*agent.Result{
		{ExitCode: 1, StderrTail: "ERROR: authentication failed for agent\n"},
	}}
	r := New(testConfig("b1"), fs, ag, testLogger(t))

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrStepFailed)

	assert.Equal(t, store.BuildStatusFailed, fs.status())
	assert.Equal(t, 1, ag.callCount(), "fatal outcomes must not be retried")

	steps := fs.stepSnapshot()
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepStatusFailed, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempt)
}

// A custom prompt arriving after the first step runs before the remaining
// plan, at the next free ordinal.
func TestRunCustomPromptInjection(t *testing.T) {
	fs := newFakeStore("b1", "scaffold", "add routes")
	ag := &fakeAgent{}
	ag.onCall = func(n int) {
		if n == 1 {
			fs.addCustomPrompt("cp-1", "make the header blue")
		}
	}
	r := New(testConfig("b1"), fs, ag, testLogger(t))

	err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, store.BuildStatusCompleted, fs.status())
	require.Equal(t, []string{"scaffold", "make the header blue", "add routes"}, ag.prompts)

	steps := fs.stepSnapshot()
	require.Len(t, steps, 3)
	assert.Equal(t, 1, steps[1].Ordinal)
	assert.Equal(t, "make the header blue", steps[1].Prompt)
	assert.Equal(t, 2, steps[2].Ordinal)
	assert.Equal(t, "add routes", steps[2].Prompt)

	require.Len(t, fs.customs, 1)
	assert.Equal(t, store.CustomPromptExecuted, fs.customs[0].Status)
}

func TestRunExternalCancellation(t *testing.T) {
	fs := newFakeStore("b1", "scaffold", "add routes")
	// First prompt succeeds; the second blocks until the run is cancelled.
	// A custom prompt lands mid-flight and is never consumed.
	ag := &fakeAgent{results: []*agent.Result{
		{ExitCode: 0},
		nil,
	}}
	ag.onCall = func(n int) {
		if n == 2 {
			fs.addCustomPrompt("cp-1", "never runs")
		}
	}
	r := New(testConfig("b1"), fs, ag, testLogger(t))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	// Wait for the first step to finish, then flip the row to cancelled.
	require.Eventually(t, func() bool {
		return ag.callCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	fs.setStatus(store.BuildStatusCancelled)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation")
	}

	assert.Equal(t, store.BuildStatusCancelled, fs.status())
	// Open custom prompts are resolved to skipped on cancellation.
	for _, cp := range fs.customs {
		assert.Equal(t, store.CustomPromptSkipped, cp.Status)
	}
}

func TestRunWorkerSignalIsCancellation(t *testing.T) {
	fs := newFakeStore("b1", "scaffold")
	ag := &fakeAgent{results: []*agent.Result{nil}}
	r := New(testConfig("b1"), fs, ag, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return ag.callCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe context cancellation")
	}
	assert.Equal(t, store.BuildStatusCancelled, fs.status())
}

func TestBackoffScheduleBounds(t *testing.T) {
	r := New(Config{
		BuildID:   "b1",
		RetryBase: 2 * time.Second,
		RetryMax:  30 * time.Second,
	}, newFakeStore("b1"), &fakeAgent{}, testLogger(t))

	// First delay is base +/- 25% jitter.
	for i := 0; i < 50; i++ {
		bo := r.newBackoff()
		first := bo.NextBackOff()
		assert.GreaterOrEqual(t, first, 1500*time.Millisecond)
		assert.LessOrEqual(t, first, 2500*time.Millisecond)
	}

	// Delays never exceed the cap plus jitter.
	bo := r.newBackoff()
	for i := 0; i < 20; i++ {
		d := bo.NextBackOff()
		assert.LessOrEqual(t, d, time.Duration(float64(30*time.Second)*1.25))
	}
}

func TestAttemptFailureReason(t *testing.T) {
	assert.Equal(t, "agent timed out", attemptFailureReason(&agent.Result{TimedOut: true}))
	assert.Equal(t, "agent exited with code 3",
		attemptFailureReason(&agent.Result{ExitCode: 3}))

	res := &agent.Result{
		ExitCode:   1,
		StderrTail: "warming up\nsocket closed\n",
	}
	reason := attemptFailureReason(res)
	assert.True(t, strings.HasSuffix(reason, "socket closed"), reason)
}
