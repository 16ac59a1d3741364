package loop

import "time"

// Status is the lifecycle state of the loop.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
)

// Phase is where inside a cycle the driver currently is.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScanning    Phase = "scanning"
	PhaseDispatching Phase = "dispatching"
	PhaseExecuting   Phase = "executing"
	PhaseUpdating    Phase = "updating"
)

// State is an observable snapshot of the loop.
type State struct {
	Status           Status    `json:"status"`
	Phase            Phase     `json:"phase"`
	CycleNumber      int       `json:"cycle_number"`
	LastCycleTime    time.Time `json:"last_cycle_time"`
	TasksInFlight    int       `json:"tasks_in_flight"`
	PendingQueueSize int       `json:"pending_queue_size"`
	CompletedTotal   int       `json:"completed_total"`
	FailedTotal      int       `json:"failed_total"`
	Err              string    `json:"error,omitempty"`
}

// CycleStats summarises one finished cycle.
type CycleStats struct {
	Cycle         int   `json:"cycle"`
	TasksExecuted int   `json:"tasks_executed"`
	Completed     int   `json:"completed"`
	Failed        int   `json:"failed"`
	Gated         int   `json:"gated"`
	DurationMS    int64 `json:"duration_ms"`
}
