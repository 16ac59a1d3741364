package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syedahafsa12/minihafsa/agent"
	"github.com/syedahafsa12/minihafsa/approval"
	"github.com/syedahafsa12/minihafsa/dashboard"
	"github.com/syedahafsa12/minihafsa/dispatch"
	"github.com/syedahafsa12/minihafsa/events"
	"github.com/syedahafsa12/minihafsa/model"
	"github.com/syedahafsa12/minihafsa/retry"
	"github.com/syedahafsa12/minihafsa/schedule"
	"github.com/syedahafsa12/minihafsa/vault"
)

// stubAgent counts executions and runs a configurable handler.
type stubAgent struct {
	*agent.Base

	execute func(ctx context.Context, t model.Task) model.Result
	calls   atomic.Int32

	cur, peak atomic.Int32
}

var _ agent.Agent = (*stubAgent)(nil)

func newStub(taskTypes ...string) *stubAgent {
	caps := make([]model.Capability, len(taskTypes))
	for i, tt := range taskTypes {
		caps[i] = model.NewCapability(tt, "stub capability")
	}
	return &stubAgent{Base: agent.NewBase("stub", "1.0.0", nil, caps...)}
}

func (s *stubAgent) Execute(ctx context.Context, t model.Task) model.Result {
	s.calls.Add(1)
	cur := s.cur.Add(1)
	for {
		peak := s.peak.Load()
		if cur <= peak || s.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer s.cur.Add(-1)

	if s.execute != nil {
		return s.execute(ctx, t)
	}
	return model.NewSuccess(map[string]any{"ok": true})
}

// eventRecorder captures synchronous bus emissions.
type eventRecorder struct {
	mu     sync.Mutex
	topics []string
	data   []map[string]any
}

func (r *eventRecorder) handler(topic string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.data = append(r.data, data)
}

// byTopic returns payloads for one topic in emission order.
func (r *eventRecorder) byTopic(topic string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for i, tp := range r.topics {
		if tp == topic {
			out = append(out, r.data[i])
		}
	}
	return out
}

// cycleActions returns the loop:cycle action strings in order.
func (r *eventRecorder) cycleActions() []string {
	var out []string
	for _, d := range r.byTopic(events.TopicLoopCycle) {
		if a, ok := d["action"].(string); ok {
			out = append(out, a)
		}
	}
	return out
}

func (r *eventRecorder) countAction(action string) int {
	n := 0
	for _, a := range r.cycleActions() {
		if a == action {
			n++
		}
	}
	return n
}

// order returns the emission index of the first event matching topic and
// task id, or -1.
func (r *eventRecorder) order(topic, taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, tp := range r.topics {
		if tp == topic && r.data[i]["taskId"] == taskID {
			return i
		}
	}
	return -1
}

type fixture struct {
	cfg   Config
	vault *vault.Vault
	bus   *events.Bus
	disp  *dispatch.Dispatcher
	wf    *approval.Workflow
	loop  *Loop
	rec   *eventRecorder
	stub  *stubAgent
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CycleIntervalMS = 20
	cfg.RetryBackoffMS = 5
	cfg.VaultPath = t.TempDir()
	cfg.DashboardPath = filepath.Join(t.TempDir(), "Dashboard.md")
	return cfg
}

func newFixture(t *testing.T, cfg Config, stub *stubAgent) *fixture {
	t.Helper()

	v, err := vault.New(cfg.VaultPath, nil)
	require.NoError(t, err)

	bus := events.New(nil)
	rec := &eventRecorder{}
	for _, pattern := range []string{"task:*", "approval:*", "loop:cycle", "dashboard:update"} {
		bus.On(pattern, rec.handler)
	}

	exec := retry.New(retry.Config{Attempts: cfg.RetryAttempts, BackoffMS: cfg.RetryBackoffMS}, nil)
	disp, err := dispatch.New(dispatch.DefaultConfig(), dispatch.Deps{Bus: bus, Executor: exec})
	require.NoError(t, err)
	if stub != nil {
		require.NoError(t, disp.Register(context.Background(), stub))
	}

	wf, err := approval.New(approval.Deps{Vault: v, Bus: bus})
	require.NoError(t, err)

	dash, err := dashboard.New(dashboard.Config{Path: cfg.DashboardPath, HistorySize: 10}, dashboard.Deps{Bus: bus})
	require.NoError(t, err)

	l, err := New(cfg, Deps{
		Vault:      v,
		Scheduler:  schedule.New(schedule.DefaultConfig()),
		Dispatcher: disp,
		Approvals:  wf,
		Dashboard:  dash,
		Bus:        bus,
	})
	require.NoError(t, err)

	return &fixture{cfg: cfg, vault: v, bus: bus, disp: disp, wf: wf, loop: l, rec: rec, stub: stub}
}

func (f *fixture) place(t *testing.T, task model.Task) {
	t.Helper()
	doc, err := task.Document()
	require.NoError(t, err)
	_, err = f.vault.Create(vault.FolderNeedsAction, task.ID, doc)
	require.NoError(t, err)
}

func fetchTask(id string) model.Task {
	t := model.NewTask("calendar:fetch", map[string]any{}, "u")
	if id != "" {
		t.ID = id
	}
	t.Status = model.StatusQueued
	return t
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig(t)
	v, err := vault.New(cfg.VaultPath, nil)
	require.NoError(t, err)
	sched := schedule.New(schedule.DefaultConfig())
	disp, err := dispatch.New(dispatch.DefaultConfig(), dispatch.Deps{
		Executor: retry.New(retry.DefaultConfig(), nil),
	})
	require.NoError(t, err)

	_, err = New(Config{}, Deps{Vault: v, Scheduler: sched, Dispatcher: disp})
	assert.ErrorContains(t, err, "cycle_interval_ms")

	_, err = New(cfg, Deps{Scheduler: sched, Dispatcher: disp})
	assert.ErrorContains(t, err, "vault")

	_, err = New(cfg, Deps{Vault: v, Dispatcher: disp})
	assert.ErrorContains(t, err, "scheduler")

	_, err = New(cfg, Deps{Vault: v, Scheduler: sched})
	assert.ErrorContains(t, err, "dispatcher")
}

func TestRunCycle_EmptyVault(t *testing.T) {
	f := newFixture(t, testConfig(t), newStub("calendar:fetch"))

	stats, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cycle)
	assert.Zero(t, stats.TasksExecuted)

	state := f.loop.State()
	assert.Equal(t, PhaseIdle, state.Phase)
	assert.Equal(t, 1, state.CycleNumber)
	assert.Empty(t, state.Err)
	assert.False(t, state.LastCycleTime.IsZero())

	cycles := f.rec.byTopic(events.TopicLoopCycle)
	require.Len(t, cycles, 1)
	assert.Equal(t, "cycleComplete", cycles[0]["action"])
	assert.Equal(t, 0, cycles[0]["tasksExecuted"])

	_, err = os.Stat(f.cfg.DashboardPath)
	assert.NoError(t, err, "dashboard must be written every cycle")
}

// Two idle cycles against an empty vault, then a clean stop.
func TestLoop_TwoIdleCycles(t *testing.T) {
	f := newFixture(t, testConfig(t), newStub("calendar:fetch"))

	require.NoError(t, f.loop.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.rec.countAction("cycleComplete") >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.loop.Stop())

	for _, d := range f.rec.byTopic(events.TopicLoopCycle) {
		if d["action"] == "cycleComplete" {
			assert.Equal(t, 0, d["tasksExecuted"])
		}
	}
	assert.GreaterOrEqual(t, f.rec.countAction("cycleComplete"), 2)
	assert.Equal(t, 1, f.rec.countAction("started"))
	assert.Equal(t, 1, f.rec.countAction("stopped"))

	state := f.loop.State()
	assert.Equal(t, StatusStopped, state.Status)
	assert.Empty(t, state.Err)

	data, err := os.ReadFile(f.cfg.DashboardPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Mini Hafsa Dashboard")
}

func TestRunCycle_ExecutesTask(t *testing.T) {
	stub := newStub("calendar:fetch")
	stub.execute = func(ctx context.Context, task model.Task) model.Result {
		return model.NewSuccess(map[string]any{"events": []any{}})
	}
	f := newFixture(t, testConfig(t), stub)
	f.place(t, fetchTask("t1"))

	stats, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TasksExecuted)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Failed)

	_, err = f.vault.Read(vault.FolderNeedsAction, "t1")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	doc, err := f.vault.Read(vault.FolderDone, "t1")
	require.NoError(t, err)
	assert.Equal(t, "completed", doc.Content["status"])
	assert.Contains(t, doc.Content, "completed_at")
	result, ok := doc.Content["result"].(map[string]any)
	require.True(t, ok, "result must be recorded on the document")
	assert.Equal(t, []any{}, result["events"])

	// task:started precedes task:completed for the same id.
	started := f.rec.order(events.TopicTaskStarted, "t1")
	completed := f.rec.order(events.TopicTaskCompleted, "t1")
	require.NotEqual(t, -1, started)
	require.NotEqual(t, -1, completed)
	assert.Less(t, started, completed)

	payloads := f.rec.byTopic(events.TopicTaskCompleted)
	require.Len(t, payloads, 1)
	assert.Equal(t, true, payloads[0]["success"])

	state := f.loop.State()
	assert.Equal(t, 1, state.CompletedTotal)
	assert.Zero(t, state.FailedTotal)
}

func TestRunCycle_RetryExhausted(t *testing.T) {
	stub := newStub("calendar:fetch")
	stub.execute = func(ctx context.Context, task model.Task) model.Result {
		return model.NewFailure(&model.ErrorInfo{Code: "HTTP_503", Message: "upstream down", Recoverable: true})
	}
	f := newFixture(t, testConfig(t), stub)
	f.place(t, fetchTask("t1"))

	stats, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	assert.Equal(t, int32(3), stub.calls.Load(), "recoverable failure retries up to the attempt budget")

	failures := f.rec.byTopic(events.TopicTaskFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "t1", failures[0]["taskId"])
	assert.Equal(t, model.CodeRetryExhausted, failures[0]["error"])

	// Exhaustion is terminal: the document is stamped failed in place
	// and later cycles leave it alone.
	doc, err := f.vault.Read(vault.FolderNeedsAction, "t1")
	require.NoError(t, err)
	assert.Equal(t, "failed", doc.Content["status"])
	assert.Contains(t, doc.Content, "failed_at")
	_, err = f.vault.Read(vault.FolderDone, "t1")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	stats, err = f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TasksExecuted, "a failed document must not re-execute")
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestRunCycle_NonRecoverableFailsFast(t *testing.T) {
	stub := newStub("calendar:fetch")
	stub.execute = func(ctx context.Context, task model.Task) model.Result {
		return model.NewFailure(&model.ErrorInfo{Code: "BAD_INPUT", Message: "payload rejected", Recoverable: false})
	}
	f := newFixture(t, testConfig(t), stub)
	f.place(t, fetchTask("t1"))

	_, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), stub.calls.Load(), "non-recoverable failure must not retry")
	failures := f.rec.byTopic(events.TopicTaskFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "BAD_INPUT", failures[0]["error"])

	doc, err := f.vault.Read(vault.FolderNeedsAction, "t1")
	require.NoError(t, err)
	assert.Equal(t, "failed", doc.Content["status"])
	errInfo, ok := doc.Content["error"].(map[string]any)
	require.True(t, ok, "failure details must be recorded on the document")
	assert.Equal(t, "BAD_INPUT", errInfo["code"])

	stats, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TasksExecuted)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestRunCycle_NoAgentLeavesTaskQueued(t *testing.T) {
	// The only registered agent handles a different task type, so
	// dispatch fails recoverably. The document must stay queued and
	// re-execute once a capable agent appears on a later cycle.
	stub := newStub("email:send")
	f := newFixture(t, testConfig(t), stub)
	f.place(t, fetchTask("t1"))

	stats, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	doc, err := f.vault.Read(vault.FolderNeedsAction, "t1")
	require.NoError(t, err)
	assert.Equal(t, "queued", doc.Content["status"])

	late := &stubAgent{Base: agent.NewBase("late", "1.0.0", nil,
		model.NewCapability("calendar:fetch", "stub capability"))}
	require.NoError(t, f.disp.Register(context.Background(), late))

	stats, err = f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	_, err = f.vault.Read(vault.FolderDone, "t1")
	assert.NoError(t, err)
}

func TestRunCycle_GatesApprovalTasks(t *testing.T) {
	stub := newStub("email:send")
	f := newFixture(t, testConfig(t), stub)

	task := model.NewTask("email:send", map[string]any{"to": "x"}, "u1")
	task.ID = "t1"
	task.Status = model.StatusQueued
	task.RequiresApproval = true
	f.place(t, task)

	stats, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Gated)
	assert.Zero(t, stats.TasksExecuted)
	assert.Zero(t, stub.calls.Load())

	doc, err := f.vault.Read(vault.FolderPendingApproval, "t1")
	require.NoError(t, err)
	assert.Equal(t, string(model.StatusAwaitingApproval), doc.Content["status"])
	require.Len(t, f.rec.byTopic(events.TopicApprovalPending), 1)

	// Approval releases the task; the next cycle executes it.
	_, err = f.wf.Approve(context.Background(), "t1", "admin", "")
	require.NoError(t, err)

	stats, err = f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TasksExecuted)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, int32(1), stub.calls.Load())

	doc, err = f.vault.Read(vault.FolderDone, "t1")
	require.NoError(t, err)
	assert.Equal(t, "completed", doc.Content["status"])
}

func TestRunCycle_SkipsMalformedDocuments(t *testing.T) {
	stub := newStub("calendar:fetch")
	f := newFixture(t, testConfig(t), stub)

	_, err := f.vault.Create(vault.FolderNeedsAction, "broken", map[string]any{
		"priority": "medium",
	})
	require.NoError(t, err)
	f.place(t, fetchTask("good"))

	stats, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TasksExecuted)
	assert.Equal(t, 1, stats.Completed)

	// The malformed document stays put and never reaches an agent.
	_, err = f.vault.Read(vault.FolderNeedsAction, "broken")
	assert.NoError(t, err)
	_, err = f.vault.Read(vault.FolderDone, "good")
	assert.NoError(t, err)
}

func TestRunCycle_ConcurrencyBound(t *testing.T) {
	stub := newStub("calendar:fetch")
	stub.execute = func(ctx context.Context, task model.Task) model.Result {
		time.Sleep(30 * time.Millisecond)
		return model.NewSuccess(nil)
	}
	f := newFixture(t, testConfig(t), stub)
	for i := 0; i < 6; i++ {
		f.place(t, fetchTask(fmt.Sprintf("t%d", i)))
	}

	stats, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TasksExecuted, "batch is capped at max_concurrent_tasks")
	assert.LessOrEqual(t, stub.peak.Load(), int32(3))
	assert.Equal(t, 3, f.loop.State().PendingQueueSize)

	// The next cycle drains the remainder.
	stats, err = f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TasksExecuted)
	assert.Zero(t, f.loop.State().PendingQueueSize)
	assert.Equal(t, 6, f.loop.State().CompletedTotal)
}

func TestRunCycle_DefaultsTaskTimeout(t *testing.T) {
	var seen atomic.Int64
	stub := newStub("calendar:fetch")
	stub.execute = func(ctx context.Context, task model.Task) model.Result {
		seen.Store(int64(task.TimeoutMS))
		return model.NewSuccess(nil)
	}
	cfg := testConfig(t)
	cfg.TaskTimeoutMS = 1234
	f := newFixture(t, cfg, stub)

	// Written without timeout_ms: the configured default applies.
	_, err := f.vault.Create(vault.FolderNeedsAction, "t1", map[string]any{
		"id": "t1", "type": "calendar:fetch", "priority": "medium", "status": "queued",
	})
	require.NoError(t, err)
	_, err = f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), seen.Load())

	// An explicit document timeout wins.
	task := fetchTask("t2")
	task.TimeoutMS = 777
	f.place(t, task)
	_, err = f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(777), seen.Load())
}

func TestLoop_PauseResume(t *testing.T) {
	f := newFixture(t, testConfig(t), newStub("calendar:fetch"))

	require.NoError(t, f.loop.Start(context.Background()))
	require.Eventually(t, func() bool {
		return f.rec.countAction("cycleComplete") >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.loop.Pause())
	assert.Equal(t, StatusPaused, f.loop.State().Status)
	assert.Error(t, f.loop.Pause(), "pausing twice must fail")

	settled := f.rec.countAction("cycleComplete") + 1 // one cycle may already be in flight
	time.Sleep(5 * time.Duration(f.cfg.CycleIntervalMS) * time.Millisecond)
	assert.LessOrEqual(t, f.rec.countAction("cycleComplete"), settled)

	require.NoError(t, f.loop.Resume())
	require.Eventually(t, func() bool {
		return f.rec.countAction("cycleComplete") > settled
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.loop.Stop())
	assert.Equal(t, 1, f.rec.countAction("paused"))
	assert.Equal(t, 1, f.rec.countAction("resumed"))
}

func TestLoop_LifecycleErrors(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)

	assert.Error(t, f.loop.Stop(), "stopping a stopped loop must fail")
	assert.Error(t, f.loop.Resume(), "resuming a stopped loop must fail")

	require.NoError(t, f.loop.Start(context.Background()))
	assert.Error(t, f.loop.Start(context.Background()), "starting twice must fail")
	require.NoError(t, f.loop.Stop())

	// The loop restarts cleanly after a stop.
	require.NoError(t, f.loop.Start(context.Background()))
	require.NoError(t, f.loop.Stop())
}

func TestLoop_StopCancelsInFlight(t *testing.T) {
	release := make(chan struct{})
	stub := newStub("calendar:fetch")
	stub.execute = func(ctx context.Context, task model.Task) model.Result {
		select {
		case <-ctx.Done():
			return model.NewError(model.CodeTimeout, "cancelled", true)
		case <-release:
			return model.NewSuccess(nil)
		}
	}
	f := newFixture(t, testConfig(t), stub)
	f.place(t, fetchTask("t1"))

	require.NoError(t, f.loop.Start(context.Background()))
	require.Eventually(t, func() bool { return stub.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- f.loop.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return; executor cancellation is broken")
	}
	close(release)

	assert.Equal(t, StatusStopped, f.loop.State().Status)
}

func TestSubmit_FilesTaskForNextScan(t *testing.T) {
	f := newFixture(t, testConfig(t), newStub("calendar:fetch"))

	task := model.NewTask("calendar:fetch", map[string]any{"range": "today"}, "u1")
	require.NoError(t, f.loop.Submit(context.Background(), task))

	queued := f.rec.byTopic(events.TopicTaskQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, task.ID, queued[0]["taskId"])

	doc, err := f.vault.Read(vault.FolderNeedsAction, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", doc.Content["status"])

	stats, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

func TestSubmit_RejectsInvalidTask(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)

	task := model.NewTask("", nil, "u1")
	err := f.loop.Submit(context.Background(), task)
	require.Error(t, err)
}

func TestLoop_WatcherShortCircuitsIdle(t *testing.T) {
	stub := newStub("calendar:fetch")
	cfg := testConfig(t)
	cfg.CycleIntervalMS = 60000 // polling alone would be far too slow

	v, err := vault.New(cfg.VaultPath, nil)
	require.NoError(t, err)
	bus := events.New(nil)
	rec := &eventRecorder{}
	bus.On("task:*", rec.handler)

	exec := retry.New(retry.Config{Attempts: 3, BackoffMS: 5}, nil)
	disp, err := dispatch.New(dispatch.DefaultConfig(), dispatch.Deps{Bus: bus, Executor: exec})
	require.NoError(t, err)
	require.NoError(t, disp.Register(context.Background(), stub))

	changes := make(chan vault.Change, 1)
	l, err := New(cfg, Deps{
		Vault:      v,
		Scheduler:  schedule.New(schedule.DefaultConfig()),
		Dispatcher: disp,
		Bus:        bus,
		Changes:    changes,
	})
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	defer func() { require.NoError(t, l.Stop()) }()

	// First cycle runs immediately; afterwards the driver is idle.
	require.Eventually(t, func() bool {
		return l.State().CycleNumber >= 1
	}, 2*time.Second, 5*time.Millisecond)

	task := fetchTask("t1")
	doc, err := task.Document()
	require.NoError(t, err)
	_, err = v.Create(vault.FolderNeedsAction, task.ID, doc)
	require.NoError(t, err)
	changes <- vault.Change{Folder: vault.FolderNeedsAction, ID: task.ID, Op: "create"}

	require.Eventually(t, func() bool {
		return len(rec.byTopic(events.TopicTaskCompleted)) == 1
	}, 2*time.Second, 5*time.Millisecond, "a vault change must trigger a cycle well before the interval")
}

// The process-wide bus singleton works in place of an injected bus.
func TestLoop_GlobalBus(t *testing.T) {
	events.ResetGlobal()
	t.Cleanup(events.ResetGlobal)

	rec := &eventRecorder{}
	events.Global().On("loop:cycle", rec.handler)

	cfg := testConfig(t)
	v, err := vault.New(cfg.VaultPath, nil)
	require.NoError(t, err)
	disp, err := dispatch.New(dispatch.DefaultConfig(), dispatch.Deps{
		Executor: retry.New(retry.DefaultConfig(), nil),
	})
	require.NoError(t, err)

	l, err := New(cfg, Deps{
		Vault:      v,
		Scheduler:  schedule.New(schedule.DefaultConfig()),
		Dispatcher: disp,
		Bus:        events.Global(),
	})
	require.NoError(t, err)

	_, err = l.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.countAction("cycleComplete"))
}
