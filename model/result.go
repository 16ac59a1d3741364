package model

import "fmt"

// Error codes surfaced by the core. Agents may add their own codes; the
// retry executor only inspects Recoverable.
const (
	CodeUnknownTaskType  = "UNKNOWN_TASK_TYPE"
	CodeNoAgentAvailable = "NO_AGENT_AVAILABLE"
	CodeNotFound         = "NOT_FOUND"
	CodeExecutionError   = "EXECUTION_ERROR"
	CodeRetryExhausted   = "RETRY_EXHAUSTED"
	CodeDispatchError    = "DISPATCH_ERROR"
	CodeTimeout          = "TIMEOUT"
)

// ErrorInfo describes a failed execution attempt. It travels as a value,
// never as a Go error: agent failures become failed Results at the retry
// executor boundary.
type ErrorInfo struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Recoverable  bool   `json:"recoverable"`
	RetryAfterMS int    `json:"retry_after_ms,omitempty"`
}

// HTTPCode formats a transport status into the HTTP_<code> error code.
func HTTPCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// NewHTTPError classifies a transport failure: server-side statuses are
// worth retrying, client-side statuses are not.
func NewHTTPError(status int, message string) *ErrorInfo {
	return &ErrorInfo{
		Code:        HTTPCode(status),
		Message:     message,
		Recoverable: status >= 500,
	}
}

// Result is the outcome of one task execution.
type Result struct {
	Success         bool           `json:"success"`
	Data            map[string]any `json:"data,omitempty"`
	Error           *ErrorInfo     `json:"error,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms,omitempty"`
	ApprovalID      string         `json:"approval_id,omitempty"`
}

// NewSuccess builds a successful result carrying the agent's output data.
func NewSuccess(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// NewFailure builds a failed result from error details.
func NewFailure(err *ErrorInfo) Result {
	return Result{Success: false, Error: err}
}

// NewError builds a failed result from its parts.
func NewError(code, message string, recoverable bool) Result {
	return NewFailure(&ErrorInfo{Code: code, Message: message, Recoverable: recoverable})
}

// Document converts the result to a generic map, as patched into a task
// document when it moves to Done.
func (r Result) Document() map[string]any {
	doc := map[string]any{"success": r.Success}
	if r.Data != nil {
		doc["data"] = r.Data
	}
	if r.Error != nil {
		errDoc := map[string]any{
			"code":        r.Error.Code,
			"message":     r.Error.Message,
			"recoverable": r.Error.Recoverable,
		}
		if r.Error.RetryAfterMS > 0 {
			errDoc["retry_after_ms"] = r.Error.RetryAfterMS
		}
		doc["error"] = errDoc
	}
	if r.ExecutionTimeMS > 0 {
		doc["execution_time_ms"] = r.ExecutionTimeMS
	}
	if r.ApprovalID != "" {
		doc["approval_id"] = r.ApprovalID
	}
	return doc
}
