// Package agent defines the contract between the control plane and the
// workers that execute tasks, plus an embeddable base implementation.
package agent

import (
	"context"

	"github.com/syedahafsa12/minihafsa/model"
)

// Agent is the worker contract. The dispatcher only talks to this
// interface; implementations embed Base for the common parts.
type Agent interface {
	// Name identifies the agent. Names are unique within a dispatcher.
	Name() string
	Version() string
	// Capabilities lists the task types the agent advertises.
	Capabilities() []model.Capability
	// Initialize is called once at registration.
	Initialize(ctx context.Context) error
	// Execute runs one task. Implementations return a failed Result
	// rather than panicking; the dispatch path still guards against
	// panics.
	Execute(ctx context.Context, task model.Task) model.Result
	// Shutdown is called at unregistration or process stop.
	Shutdown(ctx context.Context) error
	// HealthCheck reports current health. Called periodically by the
	// dispatcher under a deadline.
	HealthCheck(ctx context.Context) (model.Health, error)
	// CanHandle reports whether the agent accepts the task. The default
	// matches the task type against the capability names.
	CanHandle(task model.Task) bool
}

// Error is a typed failure agents return to control the error code and
// retry classification of the resulting ErrorInfo.
type Error struct {
	Code         string
	Message      string
	Recoverable  bool
	RetryAfterMS int
}

func (e *Error) Error() string {
	return e.Message
}
