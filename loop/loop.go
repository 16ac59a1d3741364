// Package loop drives the orchestration cycle: scan the vault for work,
// prioritise it, execute a bounded batch through the dispatcher, then
// refresh health and the dashboard. One driver goroutine owns the cycle
// state machine; executor goroutines fan out inside a cycle and rejoin
// before the next one begins.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syedahafsa12/minihafsa/approval"
	"github.com/syedahafsa12/minihafsa/dashboard"
	"github.com/syedahafsa12/minihafsa/dispatch"
	"github.com/syedahafsa12/minihafsa/events"
	"github.com/syedahafsa12/minihafsa/logging"
	"github.com/syedahafsa12/minihafsa/metrics"
	"github.com/syedahafsa12/minihafsa/model"
	"github.com/syedahafsa12/minihafsa/schedule"
	"github.com/syedahafsa12/minihafsa/vault"
)

// stopJoinTimeout bounds how long Stop waits for in-flight executors.
const stopJoinTimeout = 10 * time.Second

// Deps are the loop's collaborators. Vault, Scheduler and Dispatcher are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Vault      *vault.Vault
	Scheduler  *schedule.Scheduler
	Dispatcher *dispatch.Dispatcher
	Approvals  *approval.Workflow
	Dashboard  *dashboard.Projector
	Bus        *events.Bus
	Activity   *logging.Logger
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// Changes short-circuits the idle wait when the vault watcher sees
	// new work. Polling at the cycle interval continues regardless.
	Changes <-chan vault.Change
}

// Loop is the orchestration driver.
type Loop struct {
	config Config

	vault     *vault.Vault
	queue     *schedule.Queue
	disp      *dispatch.Dispatcher
	approvals *approval.Workflow
	dash      *dashboard.Projector
	bus       *events.Bus
	activity  *logging.SourceLogger
	metrics   *metrics.Metrics
	logger    *slog.Logger
	changes   <-chan vault.Change

	// mu guards state and the lifecycle fields below.
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	resume chan struct{}

	// cycleMu keeps cycles strictly serial even when RunCycle is called
	// directly while the driver is running.
	cycleMu  sync.Mutex
	inFlight atomic.Int32
}

// New builds a loop.
func New(cfg Config, deps Deps) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config: %w", err)
	}
	if deps.Vault == nil {
		return nil, fmt.Errorf("loop requires a vault")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("loop requires a scheduler")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("loop requires a dispatcher")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loop{
		config:    cfg,
		vault:     deps.Vault,
		queue:     schedule.NewQueue(deps.Scheduler),
		disp:      deps.Dispatcher,
		approvals: deps.Approvals,
		dash:      deps.Dashboard,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    logger,
		changes:   deps.Changes,
		state:     State{Status: StatusStopped, Phase: PhaseIdle},
	}
	if deps.Activity != nil {
		l.activity = deps.Activity.Source("loop:orchestrator")
	}
	return l, nil
}

// State returns an observable snapshot.
func (l *Loop) State() State {
	l.mu.Lock()
	s := l.state
	l.mu.Unlock()
	s.TasksInFlight = int(l.inFlight.Load())
	s.PendingQueueSize = l.queue.Size()
	return s
}

// Start launches the driver goroutine. The loop runs until Stop is
// called or ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Status != StatusStopped {
		status := l.state.Status
		l.mu.Unlock()
		return fmt.Errorf("loop is already %s", status)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.resume = nil
	l.state.Status = StatusRunning
	l.state.Phase = PhaseIdle
	l.state.Err = ""
	cycle := l.state.CycleNumber
	l.mu.Unlock()

	l.logger.Info("loop starting",
		"cycle_interval_ms", l.config.CycleIntervalMS,
		"max_concurrent_tasks", l.config.MaxConcurrentTasks,
	)
	if l.activity != nil {
		l.activity.Info(ctx, "loop_start", &logging.Data{
			Input: map[string]any{"cycle_interval_ms": l.config.CycleIntervalMS},
		})
	}
	l.emitCycleAction("started", cycle)

	go l.run(runCtx, done)
	return nil
}

// Stop cancels the driver and joins in-flight executors, abandoning them
// after stopJoinTimeout.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.state.Status == StatusStopped {
		l.mu.Unlock()
		return fmt.Errorf("loop is not running")
	}
	l.state.Status = StatusStopped
	l.state.Phase = PhaseIdle
	cancel := l.cancel
	done := l.done
	cycle := l.state.CycleNumber
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopJoinTimeout):
			l.logger.Warn("loop executors did not finish before the join deadline",
				"timeout", stopJoinTimeout)
		}
	}

	l.logger.Info("loop stopped", "cycles", cycle)
	if l.activity != nil {
		l.activity.Info(context.Background(), "loop_stop", &logging.Data{
			Output: map[string]any{"cycles": cycle},
		})
	}
	l.emitCycleAction("stopped", cycle)
	return nil
}

// Pause holds the driver between cycles. The cycle in progress finishes.
func (l *Loop) Pause() error {
	l.mu.Lock()
	if l.state.Status != StatusRunning {
		status := l.state.Status
		l.mu.Unlock()
		return fmt.Errorf("loop is %s, cannot pause", status)
	}
	l.state.Status = StatusPaused
	l.resume = make(chan struct{})
	cycle := l.state.CycleNumber
	l.mu.Unlock()

	l.logger.Info("loop paused", "cycle", cycle)
	l.emitCycleAction("paused", cycle)
	return nil
}

// Resume releases a paused driver.
func (l *Loop) Resume() error {
	l.mu.Lock()
	if l.state.Status != StatusPaused {
		status := l.state.Status
		l.mu.Unlock()
		return fmt.Errorf("loop is %s, cannot resume", status)
	}
	l.state.Status = StatusRunning
	close(l.resume)
	l.resume = nil
	cycle := l.state.CycleNumber
	l.mu.Unlock()

	l.logger.Info("loop resumed", "cycle", cycle)
	l.emitCycleAction("resumed", cycle)
	return nil
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if !l.awaitResume(ctx) {
			return
		}
		if _, err := l.RunCycle(ctx); err != nil {
			l.logger.Error("cycle failed", "error", err)
		}
		if !l.waitIdle(ctx) {
			return
		}
	}
}

// awaitResume blocks while the loop is paused. Returns false on cancel.
func (l *Loop) awaitResume(ctx context.Context) bool {
	l.mu.Lock()
	resume := l.resume
	l.mu.Unlock()

	if resume == nil {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-resume:
		return true
	}
}

// waitIdle sleeps until the next cycle is due, a relevant vault change
// arrives, or the loop is cancelled.
func (l *Loop) waitIdle(ctx context.Context) bool {
	timer := time.NewTimer(time.Duration(l.config.CycleIntervalMS) * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case change, ok := <-l.changes:
			if !ok {
				l.changes = nil
				continue
			}
			if change.Folder == vault.FolderNeedsAction || change.Folder == vault.FolderApproved {
				l.logger.Debug("vault change, cycling early",
					"folder", change.Folder, "id", change.ID, "op", change.Op)
				return true
			}
		}
	}
}

// RunCycle executes exactly one cycle: scan, prioritise, execute,
// update. Cycles are strictly serial; a slow cycle delays the next one
// rather than overlapping it.
func (l *Loop) RunCycle(ctx context.Context) (CycleStats, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	start := time.Now()
	cycle := l.beginCycle()

	l.setPhase(PhaseScanning)
	tasks, origins, gated, err := l.scan(ctx)
	if err != nil {
		l.failCycle(err)
		return CycleStats{Cycle: cycle}, err
	}

	l.setPhase(PhaseDispatching)
	l.queue.Clear()
	for _, t := range tasks {
		l.queue.Enqueue(t)
	}
	batch := l.queue.Dequeue(l.config.MaxConcurrentTasks)

	l.setPhase(PhaseExecuting)
	completed, failed := l.executeBatch(ctx, batch, origins)

	l.setPhase(PhaseUpdating)
	l.update(ctx)

	l.finishCycle()
	stats := CycleStats{
		Cycle:         cycle,
		TasksExecuted: len(batch),
		Completed:     completed,
		Failed:        failed,
		Gated:         gated,
		DurationMS:    time.Since(start).Milliseconds(),
	}

	l.metrics.CycleCompleted()
	l.emit(events.TopicLoopCycle, map[string]any{
		"action":        "cycleComplete",
		"cycleNumber":   cycle,
		"tasksExecuted": stats.TasksExecuted,
		"completed":     completed,
		"failed":        failed,
		"durationMs":    stats.DurationMS,
	})
	if l.activity != nil {
		l.activity.Info(ctx, "cycle_complete", &logging.Data{
			Output: map[string]any{
				"cycle":          cycle,
				"tasks_executed": stats.TasksExecuted,
				"completed":      completed,
				"failed":         failed,
			},
			DurationMS: stats.DurationMS,
		})
	}
	l.logger.Debug("cycle complete",
		"cycle", cycle, "tasks", stats.TasksExecuted, "duration_ms", stats.DurationMS)
	return stats, nil
}

// Submit validates a task and files it into Needs_Action for the next
// scan.
func (l *Loop) Submit(ctx context.Context, t model.Task) error {
	if t.Status == "" || t.Status == model.StatusCreated {
		t.Status = model.StatusQueued
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	doc, err := t.Document()
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	if _, err := l.vault.Create(vault.FolderNeedsAction, t.ID, doc); err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	if l.activity != nil {
		l.activity.Info(ctx, "task_queued", &logging.Data{
			Input: map[string]any{"task_id": t.ID, "type": t.Type, "priority": string(t.Priority)},
		})
	}
	l.emit(events.TopicTaskQueued, map[string]any{
		"taskId":   t.ID,
		"type":     t.Type,
		"priority": string(t.Priority),
	})
	return nil
}

// scan collects executable tasks from Needs_Action and Approved. Tasks
// requiring approval are routed to the workflow instead of returned.
func (l *Loop) scan(ctx context.Context) ([]model.Task, map[string]string, int, error) {
	var tasks []model.Task
	origins := make(map[string]string)
	gated := 0

	ids, err := l.vault.List(vault.FolderNeedsAction)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("scan %s: %w", vault.FolderNeedsAction, err)
	}
	for _, id := range ids {
		t, ok := l.loadTask(ctx, vault.FolderNeedsAction, id)
		if !ok {
			continue
		}
		if t.Status.Terminal() || t.Status == model.StatusAwaitingApproval {
			l.logger.Debug("skipping task", "task_id", t.ID, "status", string(t.Status))
			continue
		}
		if t.RequiresApproval && t.Status != model.StatusApproved {
			if l.gateTask(ctx, t) {
				gated++
			}
			continue
		}
		tasks = append(tasks, t)
		origins[t.ID] = vault.FolderNeedsAction
	}

	// Approved tasks re-enter execution from the Approved folder. The
	// folder also holds resolved approval requests, which carry no task
	// type and are not work.
	ids, err = l.vault.List(vault.FolderApproved)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("scan %s: %w", vault.FolderApproved, err)
	}
	for _, id := range ids {
		doc, err := l.vault.Read(vault.FolderApproved, id)
		if err != nil {
			if !errors.Is(err, vault.ErrNotFound) {
				l.logger.Warn("failed to read approved document", "id", id, "error", err)
			}
			continue
		}
		if _, isTask := doc.Content["type"]; !isTask {
			continue
		}
		t, ok := l.parseTask(ctx, vault.FolderApproved, id, doc.Content)
		if !ok || t.Status != model.StatusApproved {
			continue
		}
		tasks = append(tasks, t)
		origins[t.ID] = vault.FolderApproved
	}

	return tasks, origins, gated, nil
}

// loadTask reads and parses one task document. Parse failures are logged
// and reported as a miss so the cycle continues.
func (l *Loop) loadTask(ctx context.Context, folder, id string) (model.Task, bool) {
	doc, err := l.vault.Read(folder, id)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			l.logger.Warn("failed to read task document", "folder", folder, "id", id, "error", err)
		}
		return model.Task{}, false
	}
	return l.parseTask(ctx, folder, id, doc.Content)
}

func (l *Loop) parseTask(ctx context.Context, folder, id string, content map[string]any) (model.Task, bool) {
	t, err := model.TaskFromDocument(id, content)
	if err != nil {
		if l.activity != nil {
			l.activity.Error(ctx, "parse_task", err, &logging.Data{
				Input: map[string]any{"folder": folder, "id": id},
			})
		} else {
			l.logger.Warn("skipping malformed task document", "folder", folder, "id", id, "error", err)
		}
		return model.Task{}, false
	}
	// Documents without their own timeout run under the configured one.
	if _, ok := content["timeout_ms"]; !ok {
		t.TimeoutMS = l.config.TaskTimeoutMS
	}
	return t, true
}

// gateTask hands a task to the approval workflow. Returns true when the
// document moved to Pending_Approval.
func (l *Loop) gateTask(ctx context.Context, t model.Task) bool {
	if l.approvals == nil {
		l.logger.Warn("task requires approval but no workflow is wired; leaving in place",
			"task_id", t.ID, "type", t.Type)
		return false
	}
	ctx = logging.WithCorrelation(ctx, t.CorrelationID, t.UserID)
	if _, err := l.approvals.GateTask(ctx, t); err != nil {
		l.logger.Error("failed to gate task for approval", "task_id", t.ID, "error", err)
		return false
	}
	return true
}

// executeBatch fans the batch out to executor goroutines bounded by the
// semaphore and barriers on their completion.
func (l *Loop) executeBatch(ctx context.Context, batch []model.Task, origins map[string]string) (completed, failed int) {
	if len(batch) == 0 {
		return 0, 0
	}

	sem := make(chan struct{}, l.config.MaxConcurrentTasks)
	var wg sync.WaitGroup
	var done, failures atomic.Int64

	for _, t := range batch {
		wg.Add(1)
		go func(t model.Task) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			if l.executeTask(ctx, t, origins[t.ID]) {
				done.Add(1)
			} else {
				failures.Add(1)
			}
		}(t)
	}
	wg.Wait()

	return int(done.Load()), int(failures.Load())
}

// executeTask dispatches one task and settles its document. Returns true
// on success.
func (l *Loop) executeTask(ctx context.Context, t model.Task, origin string) bool {
	if origin == "" {
		origin = vault.FolderNeedsAction
	}
	ctx = logging.WithCorrelation(ctx, t.CorrelationID, t.UserID)

	l.inFlight.Add(1)
	l.metrics.TaskStarted()
	defer l.inFlight.Add(-1)

	l.emit(events.TopicTaskStarted, map[string]any{"taskId": t.ID, "type": t.Type})

	res := l.disp.Dispatch(ctx, t)
	l.metrics.TaskFinished(res.Success)

	if res.Success {
		l.completeTask(ctx, t, origin, res)
		l.mu.Lock()
		l.state.CompletedTotal++
		l.mu.Unlock()
		return true
	}

	code := model.CodeExecutionError
	message := ""
	recoverable := false
	if res.Error != nil {
		code = res.Error.Code
		message = res.Error.Message
		recoverable = res.Error.Recoverable
	}
	// Recoverable failures (no agent yet, cancellation) leave the document
	// untouched so a later cycle picks it up again. Anything else is
	// stamped failed in place, which the scan skips from then on.
	if !recoverable {
		l.failTask(t, origin, code, message)
	}
	l.emit(events.TopicTaskFailed, map[string]any{"taskId": t.ID, "error": code})
	if l.activity != nil {
		l.activity.Warn(ctx, "task_failed", &logging.Data{
			Input:  map[string]any{"task_id": t.ID, "type": t.Type},
			Output: map[string]any{"error": code, "message": message},
		})
	}
	l.logger.Warn("task failed", "task_id", t.ID, "type", t.Type, "error_code", code)
	l.mu.Lock()
	l.state.FailedTotal++
	l.mu.Unlock()
	return false
}

// failTask records a non-recoverable failure on the document where it
// sits.
func (l *Loop) failTask(t model.Task, origin, code, message string) {
	patch := map[string]any{
		"status":    string(model.StatusFailed),
		"error":     map[string]any{"code": code, "message": message},
		"failed_at": time.Now(),
	}
	if _, err := l.vault.Patch(origin, t.ID, patch); err != nil {
		l.logger.Error("failed to record task failure",
			"task_id", t.ID, "folder", origin, "error", err)
	}
}

// completeTask archives a successful task into Done.
func (l *Loop) completeTask(ctx context.Context, t model.Task, origin string, res model.Result) {
	patch := map[string]any{
		"status":       string(model.StatusCompleted),
		"result":       res.Data,
		"completed_at": time.Now(),
	}
	if res.ExecutionTimeMS > 0 {
		patch["execution_time_ms"] = res.ExecutionTimeMS
	}
	if _, err := l.vault.Move(t.ID, origin, vault.FolderDone, patch); err != nil {
		// Execution succeeded; only the archive move lost a race.
		l.logger.Error("failed to archive completed task",
			"task_id", t.ID, "from", origin, "error", err)
		l.setErr(fmt.Errorf("archive %s: %w", t.ID, err))
	}
	l.emit(events.TopicTaskCompleted, map[string]any{
		"taskId":  t.ID,
		"success": true,
		"data":    res.Data,
	})
}

// update refreshes agent health, approval gauges and the dashboard.
func (l *Loop) update(ctx context.Context) {
	l.disp.RefreshHealth(ctx)
	l.metrics.SetAgentsRegistered(l.disp.Count())

	var pending []approval.Request
	if l.approvals != nil {
		var err error
		pending, err = l.approvals.List(ctx, approval.ListQuery{Status: approval.StatusPending})
		if err != nil {
			l.logger.Warn("failed to list pending approvals", "error", err)
		}
		l.metrics.SetApprovalsPending(len(pending))
	}

	if l.dash == nil {
		return
	}
	in := dashboard.Input{
		Loop:      l.loopInfo(),
		Agents:    l.disp.Agents(),
		Approvals: pending,
		Now:       time.Now(),
	}
	if err := l.dash.Update(ctx, in); err != nil {
		l.logger.Warn("dashboard update failed", "error", err)
		if l.activity != nil {
			l.activity.Error(ctx, "write_dashboard", err, nil)
		}
	}
}

func (l *Loop) loopInfo() dashboard.LoopInfo {
	s := l.State()
	return dashboard.LoopInfo{
		Status:           string(s.Status),
		CycleNumber:      s.CycleNumber,
		TasksInFlight:    s.TasksInFlight,
		PendingQueueSize: s.PendingQueueSize,
		CompletedTotal:   s.CompletedTotal,
		FailedTotal:      s.FailedTotal,
	}
}

func (l *Loop) beginCycle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.CycleNumber++
	l.state.Err = ""
	return l.state.CycleNumber
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.state.Phase = p
	l.mu.Unlock()
}

func (l *Loop) finishCycle() {
	l.mu.Lock()
	l.state.Phase = PhaseIdle
	l.state.LastCycleTime = time.Now()
	l.mu.Unlock()
}

func (l *Loop) failCycle(err error) {
	l.mu.Lock()
	l.state.Phase = PhaseIdle
	l.state.Err = err.Error()
	l.mu.Unlock()
}

func (l *Loop) setErr(err error) {
	l.mu.Lock()
	l.state.Err = err.Error()
	l.mu.Unlock()
}

func (l *Loop) emit(topic string, data map[string]any) {
	if l.bus != nil {
		l.bus.Emit(topic, data)
	}
}

func (l *Loop) emitCycleAction(action string, cycle int) {
	l.emit(events.TopicLoopCycle, map[string]any{
		"action":      action,
		"cycleNumber": cycle,
	})
}
