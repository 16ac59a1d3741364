package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syedahafsa12/minihafsa/logging"
	"github.com/syedahafsa12/minihafsa/model"
)

// Base carries the parts of the Agent contract that are the same for
// every worker. Embed it and implement Execute, typically by delegating
// to Run.
type Base struct {
	name         string
	version      string
	capabilities []model.Capability
	activity     *logging.SourceLogger

	mu         sync.RWMutex
	lastHealth model.Health
}

// NewBase builds the embeddable base. activity may be nil; the agent
// then runs without activity logging.
func NewBase(name, version string, activity *logging.Logger, capabilities ...model.Capability) *Base {
	b := &Base{
		name:         name,
		version:      version,
		capabilities: capabilities,
		lastHealth:   model.HealthyNow(),
	}
	if activity != nil {
		b.activity = activity.Source("agent:" + name)
	}
	return b
}

func (b *Base) Name() string    { return b.name }
func (b *Base) Version() string { return b.version }

// Capabilities returns a copy; callers cannot mutate the advertised set.
func (b *Base) Capabilities() []model.Capability {
	out := make([]model.Capability, len(b.capabilities))
	copy(out, b.capabilities)
	return out
}

func (b *Base) Initialize(ctx context.Context) error { return nil }
func (b *Base) Shutdown(ctx context.Context) error   { return nil }

// HealthCheck reports healthy and records the check time.
func (b *Base) HealthCheck(ctx context.Context) (model.Health, error) {
	h := model.HealthyNow()
	h.Details = map[string]any{"agent": b.name}
	b.mu.Lock()
	b.lastHealth = h
	b.mu.Unlock()
	return h, nil
}

// LastHealth returns the most recent health the agent recorded.
func (b *Base) LastHealth() model.Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastHealth
}

// RecordHealth overwrites the stored health. Agents with their own
// HealthCheck call this to keep LastHealth current.
func (b *Base) RecordHealth(h model.Health) {
	b.mu.Lock()
	b.lastHealth = h
	b.mu.Unlock()
}

// CanHandle matches the task type against the capability names.
func (b *Base) CanHandle(task model.Task) bool {
	for _, c := range b.capabilities {
		if c.Name == task.Type {
			return true
		}
	}
	return false
}

// Run executes fn with panic recovery, execution timing, and activity
// logging. A panic becomes a recoverable EXECUTION_ERROR result, so one
// broken task can never take down the loop.
func (b *Base) Run(ctx context.Context, task model.Task, fn func(context.Context, model.Task) (map[string]any, error)) (res model.Result) {
	start := time.Now()
	if b.activity != nil {
		b.activity.Info(ctx, "execute_start", &logging.Data{
			Input: map[string]any{"task_id": task.ID, "type": task.Type},
		})
	}

	defer func() {
		if r := recover(); r != nil {
			res = model.NewError(model.CodeExecutionError,
				fmt.Sprintf("agent %s panicked: %v", b.name, r), true)
		}
		res.ExecutionTimeMS = time.Since(start).Milliseconds()
		b.logFinish(ctx, task, res)
	}()

	data, err := fn(ctx, task)
	if err != nil {
		return model.NewFailure(errorInfo(err))
	}
	return model.NewSuccess(data)
}

func (b *Base) logFinish(ctx context.Context, task model.Task, res model.Result) {
	if b.activity == nil {
		return
	}
	data := &logging.Data{
		Input:      map[string]any{"task_id": task.ID},
		DurationMS: res.ExecutionTimeMS,
	}
	if res.Success {
		data.Output = res.Data
		b.activity.Info(ctx, "execute_complete", data)
		return
	}
	b.activity.Error(ctx, "execute_failed", resultError(res), data)
}

// errorInfo classifies an execution error. Typed agent errors keep their
// code and retry hints; anything else is a recoverable EXECUTION_ERROR.
func errorInfo(err error) *model.ErrorInfo {
	var aerr *Error
	if errors.As(err, &aerr) {
		return &model.ErrorInfo{
			Code:         aerr.Code,
			Message:      aerr.Message,
			Recoverable:  aerr.Recoverable,
			RetryAfterMS: aerr.RetryAfterMS,
		}
	}
	return &model.ErrorInfo{
		Code:        model.CodeExecutionError,
		Message:     err.Error(),
		Recoverable: true,
	}
}

// codedError carries the error code through to the activity logger,
// which probes for a Code method.
type codedError struct {
	code string
	msg  string
}

func (e codedError) Error() string { return e.msg }
func (e codedError) Code() string  { return e.code }

// resultError adapts a failed Result back into an error for logging.
func resultError(res model.Result) error {
	if res.Error == nil {
		return errors.New("execution failed")
	}
	return codedError{code: res.Error.Code, msg: res.Error.Message}
}
