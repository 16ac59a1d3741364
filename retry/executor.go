// Package retry executes a task against an agent with bounded attempts,
// exponential backoff and per-attempt deadlines. Worker failures never
// escape as panics; every outcome is a Result.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/syedahafsa12/minihafsa/agent"
	"github.com/syedahafsa12/minihafsa/model"
)

// Config holds retry tuning.
type Config struct {
	// Attempts is the maximum number of executions per dispatch.
	Attempts int `json:"attempts" yaml:"attempts"`
	// BackoffMS is the initial sleep between attempts; it doubles each
	// retry.
	BackoffMS int `json:"backoff_ms" yaml:"backoff_ms"`
}

// DefaultConfig returns three attempts with a one second initial backoff.
func DefaultConfig() Config {
	return Config{Attempts: 3, BackoffMS: 1000}
}

// Validate checks the retry configuration.
func (c *Config) Validate() error {
	if c.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1, got %d", c.Attempts)
	}
	if c.BackoffMS < 1 {
		return fmt.Errorf("backoff_ms must be positive, got %d", c.BackoffMS)
	}
	return nil
}

// Executor runs tasks with retries.
type Executor struct {
	config Config
	logger *slog.Logger
}

// New builds an executor. Non-positive attempts or backoff fall back to
// the defaults so a zero Config still retries sanely.
func New(config Config, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if config.Attempts < 1 {
		config.Attempts = def.Attempts
	}
	if config.BackoffMS < 1 {
		config.BackoffMS = def.BackoffMS
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{config: config, logger: logger}
}

// Execute runs the task against the agent until it succeeds, fails
// non-recoverably, or the attempts are exhausted. Exhaustion yields a
// non-recoverable RETRY_EXHAUSTED failure carrying the last message. A
// cancelled context interrupts the backoff sleep and returns the last
// observed failure.
func (e *Executor) Execute(ctx context.Context, a agent.Agent, t model.Task) model.Result {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(e.config.BackoffMS) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	lastMsg := "unknown error"
	for attempt := 1; attempt <= e.config.Attempts; attempt++ {
		res := e.attempt(ctx, a, t)
		if res.Success {
			return res
		}
		if res.Error != nil && !res.Error.Recoverable {
			return res
		}
		if res.Error != nil {
			lastMsg = res.Error.Message
		}
		if attempt == e.config.Attempts {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = bo.InitialInterval
		}
		if res.Error != nil && res.Error.RetryAfterMS > 0 {
			if after := time.Duration(res.Error.RetryAfterMS) * time.Millisecond; after > wait {
				wait = after
			}
		}

		e.logger.Warn("retrying task",
			"task_id", t.ID,
			"agent", a.Name(),
			"attempt", attempt,
			"backoff", wait,
			"error", lastMsg)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Warn("retry backoff interrupted", "task_id", t.ID, "attempt", attempt)
			return res
		case <-timer.C:
		}
	}

	return model.NewFailure(&model.ErrorInfo{
		Code:        model.CodeRetryExhausted,
		Message:     fmt.Sprintf("failed after %d attempts: %s", e.config.Attempts, lastMsg),
		Recoverable: false,
	})
}

// attempt runs one execution under the task's timeout. The agent runs in
// its own goroutine so a deadline fires even against an agent that
// ignores its context; a panic becomes a recoverable DISPATCH_ERROR.
func (e *Executor) attempt(ctx context.Context, a agent.Agent, t model.Task) model.Result {
	attemptCtx, cancel := context.WithTimeout(ctx, t.Timeout())
	defer cancel()

	done := make(chan model.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.NewError(model.CodeDispatchError,
					fmt.Sprintf("panic escaped agent %s: %v", a.Name(), r), true)
			}
		}()
		done <- a.Execute(attemptCtx, t)
	}()

	select {
	case res := <-done:
		return res
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return model.NewError(model.CodeTimeout, "execution canceled", true)
		}
		return model.NewError(model.CodeTimeout,
			fmt.Sprintf("task timed out after %dms", t.TimeoutMS), true)
	}
}
