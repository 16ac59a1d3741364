// Package model defines the shared data types of the orchestration core:
// tasks, execution results, agent capabilities, and health snapshots.
// Components exchange these values; mutation happens only through explicit
// status transitions mediated by the vault.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority is the scheduling priority of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid checks if a priority string is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}

// ParsePriority converts a string to a Priority. Unknown values fall back
// to PriorityMedium so malformed documents still schedule.
func ParsePriority(s string) Priority {
	p := Priority(s)
	if p.IsValid() {
		return p
	}
	return PriorityMedium
}

// Status is the lifecycle status of a task.
type Status string

const (
	StatusCreated          Status = "created"
	StatusQueued           Status = "queued"
	StatusDispatched       Status = "dispatched"
	StatusExecuting        Status = "executing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// transitions encodes the legal status state machine.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusQueued},
	StatusQueued:           {StatusDispatched, StatusAwaitingApproval},
	StatusDispatched:       {StatusExecuting},
	StatusExecuting:        {StatusCompleted, StatusFailed},
	StatusAwaitingApproval: {StatusApproved, StatusRejected},
	StatusApproved:         {StatusExecuting},
}

// IsValid checks if a status string is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusQueued, StatusDispatched, StatusExecuting,
		StatusAwaitingApproval, StatusApproved, StatusRejected,
		StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// CanTransition reports whether next is a legal successor of s.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// DefaultTimeoutMS bounds a single execution attempt when the task does not
// carry its own timeout.
const DefaultTimeoutMS = 30000

// Task is the unit of work flowing through the loop. The id is immutable;
// everything else travels with the document between vault folders.
type Task struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Payload          map[string]any `json:"payload,omitempty"`
	Priority         Priority       `json:"priority"`
	TimeoutMS        int            `json:"timeout_ms,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	UserID           string         `json:"user_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Status           Status         `json:"status"`
}

// NewTask builds a task with generated identifiers and default scheduling
// attributes. The type uses the "domain:action" form, e.g. "calendar:fetch".
func NewTask(taskType string, payload map[string]any, userID string) Task {
	return Task{
		ID:            uuid.NewString(),
		Type:          taskType,
		Payload:       payload,
		Priority:      PriorityMedium,
		TimeoutMS:     DefaultTimeoutMS,
		CorrelationID: uuid.NewString(),
		UserID:        userID,
		CreatedAt:     time.Now(),
		Status:        StatusCreated,
	}
}

// TaskFromDocument decodes a vault document into a Task. Unknown keys,
// including the vault metadata prefix, are ignored. Missing fields take the
// same defaults a freshly created task would: the document id, medium
// priority, the default timeout, queued status, creation time now.
func TaskFromDocument(id string, doc map[string]any) (Task, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return Task{}, fmt.Errorf("encode document %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	if t.ID == "" {
		t.ID = id
	}
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (t *Task) applyDefaults() {
	if !t.Priority.IsValid() {
		t.Priority = PriorityMedium
	}
	if t.TimeoutMS <= 0 {
		t.TimeoutMS = DefaultTimeoutMS
	}
	if t.CorrelationID == "" {
		t.CorrelationID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
}

// Validate checks the structural invariants of a task.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id must not be empty")
	}
	if t.Type == "" {
		return fmt.Errorf("task %s: type must not be empty", t.ID)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
	}
	if t.TimeoutMS <= 0 {
		return fmt.Errorf("task %s: timeout_ms must be positive, got %d", t.ID, t.TimeoutMS)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
	}
	return nil
}

// Timeout returns the per-attempt execution deadline.
func (t Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// Age returns how long the task has been waiting relative to now.
func (t Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// Document converts the task to a generic map for vault persistence.
func (t Task) Document() (map[string]any, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", t.ID, err)
	}
	return doc, nil
}
