// Package approval implements the human-in-the-loop workflow over the
// vault's approval folders. A request waits in Pending_Approval until a
// person moves it to Approved or Rejected. Every decision is a vault
// move, so a request can only ever be resolved once; the second decision
// finds nothing to move.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/syedahafsa12/minihafsa/events"
	"github.com/syedahafsa12/minihafsa/logging"
	"github.com/syedahafsa12/minihafsa/model"
	"github.com/syedahafsa12/minihafsa/vault"
)

// Status of an approval request. The folder holding the document is the
// authoritative status; the content field mirrors it.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// IsValid checks if a status string is a known approval status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Folder returns the vault folder holding requests with this status.
func (s Status) Folder() (string, error) {
	switch s {
	case StatusPending:
		return vault.FolderPendingApproval, nil
	case StatusApproved:
		return vault.FolderApproved, nil
	case StatusRejected:
		return vault.FolderRejected, nil
	}
	return "", fmt.Errorf("unknown approval status %q", s)
}

// Risk grades how dangerous the gated action is. It is advisory: the
// workflow records it so approvers can triage, nothing branches on it.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// IsValid checks if a risk string is a known risk level.
func (r Risk) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ParseRisk converts a string to a Risk, defaulting unknown values to
// medium.
func ParseRisk(s string) Risk {
	r := Risk(s)
	if r.IsValid() {
		return r
	}
	return RiskMedium
}

// Request is one approval document as stored in the vault.
type Request struct {
	ID            string         `json:"id"`
	ActionType    string         `json:"action_type"`
	ActionData    map[string]any `json:"action_data,omitempty"`
	Summary       string         `json:"summary"`
	UserID        string         `json:"user_id,omitempty"`
	AgentName     string         `json:"agent_name,omitempty"`
	RiskLevel     Risk           `json:"risk_level"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	CorrelationID string         `json:"correlation_id,omitempty"`

	ApprovedAt time.Time `json:"approved_at,omitzero"`
	ApproverID string    `json:"approver_id,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	RejectedAt time.Time `json:"rejected_at,omitzero"`
	RejectorID string    `json:"rejector_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// requestFromDocument decodes a vault document into a Request. Unknown
// keys are ignored; a missing id falls back to the document id.
func requestFromDocument(doc *vault.Document) (Request, error) {
	raw, err := json.Marshal(doc.Content)
	if err != nil {
		return Request{}, fmt.Errorf("encode approval %s: %w", doc.ID, err)
	}
	var r Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return Request{}, fmt.Errorf("decode approval %s: %w", doc.ID, err)
	}
	if r.ID == "" {
		r.ID = doc.ID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = doc.CreatedAt
	}
	return r, nil
}

// NewID generates an approval id.
func NewID() string {
	id := uuid.New()
	return fmt.Sprintf("approval_%x", id[:6])
}

// CreateRequest carries the inputs for a new approval request.
type CreateRequest struct {
	ActionType    string
	ActionData    map[string]any
	Summary       string
	RiskLevel     Risk
	UserID        string
	AgentName     string
	CorrelationID string
}

// ListQuery filters List.
type ListQuery struct {
	// Status selects the folder to read; empty means pending.
	Status Status
	// UserID filters to one owner when non-empty.
	UserID string
	// Limit caps the result; 0 takes the default of 20.
	Limit int
}

// defaultListLimit caps List when the query does not set one.
const defaultListLimit = 20

// Deps are the workflow's collaborators. Bus and Activity may be nil.
type Deps struct {
	Vault    *vault.Vault
	Bus      *events.Bus
	Activity *logging.Logger
	Logger   *slog.Logger
}

// Workflow drives approval requests through the vault folders.
type Workflow struct {
	vault    *vault.Vault
	bus      *events.Bus
	activity *logging.SourceLogger
	logger   *slog.Logger
}

// New builds a workflow. deps.Vault is required.
func New(deps Deps) (*Workflow, error) {
	if deps.Vault == nil {
		return nil, fmt.Errorf("approval workflow requires a vault")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workflow{
		vault:  deps.Vault,
		bus:    deps.Bus,
		logger: logger,
	}
	if deps.Activity != nil {
		w.activity = deps.Activity.Source("approval:workflow")
	}
	return w, nil
}

// Create writes a new request into Pending_Approval and announces it.
func (w *Workflow) Create(ctx context.Context, req CreateRequest) (Request, error) {
	if req.ActionType == "" {
		return Request{}, fmt.Errorf("approval action_type must not be empty")
	}
	if req.Summary == "" {
		return Request{}, fmt.Errorf("approval summary must not be empty")
	}
	if req.RiskLevel == "" {
		req.RiskLevel = RiskMedium
	}
	if !req.RiskLevel.IsValid() {
		return Request{}, fmt.Errorf("invalid risk level %q", req.RiskLevel)
	}
	if req.CorrelationID == "" {
		req.CorrelationID, _ = logging.CorrelationFrom(ctx)
	}

	r := Request{
		ID:            NewID(),
		ActionType:    req.ActionType,
		ActionData:    req.ActionData,
		Summary:       req.Summary,
		UserID:        req.UserID,
		AgentName:     req.AgentName,
		RiskLevel:     req.RiskLevel,
		Status:        string(StatusPending),
		CreatedAt:     time.Now(),
		CorrelationID: req.CorrelationID,
	}

	content := map[string]any{
		"id":          r.ID,
		"action_type": r.ActionType,
		"action_data": r.ActionData,
		"summary":     r.Summary,
		"user_id":     r.UserID,
		"agent_name":  r.AgentName,
		"risk_level":  string(r.RiskLevel),
		"status":      r.Status,
		"created_at":  r.CreatedAt,
	}
	if r.CorrelationID != "" {
		content["correlation_id"] = r.CorrelationID
	}

	if _, err := w.vault.Create(vault.FolderPendingApproval, r.ID, content); err != nil {
		return Request{}, fmt.Errorf("create approval: %w", err)
	}

	if w.activity != nil {
		w.activity.Info(ctx, "create_approval", &logging.Data{
			Output: map[string]any{"approval_id": r.ID, "action_type": r.ActionType},
		})
	}
	w.emit(events.TopicApprovalPending, map[string]any{
		"id":         r.ID,
		"actionType": r.ActionType,
		"summary":    r.Summary,
		"riskLevel":  string(r.RiskLevel),
		"userId":     r.UserID,
	})
	return r, nil
}

// GateTask moves a task document from Needs_Action into Pending_Approval,
// marking it awaiting_approval. The task document itself becomes the
// approval request; approving it moves it onward so the loop can execute
// it from the Approved folder.
func (w *Workflow) GateTask(ctx context.Context, t model.Task) (Request, error) {
	summary := fmt.Sprintf("Task %s (%s) requires approval before execution", t.ID, t.Type)
	patch := map[string]any{
		"status":                string(model.StatusAwaitingApproval),
		"summary":               summary,
		"action_type":           t.Type,
		"risk_level":            string(riskForPriority(t.Priority)),
		"approval_requested_at": time.Now(),
	}

	doc, err := w.vault.Move(t.ID, vault.FolderNeedsAction, vault.FolderPendingApproval, patch)
	if err != nil {
		return Request{}, fmt.Errorf("gate task %s: %w", t.ID, err)
	}

	r, err := requestFromDocument(doc)
	if err != nil {
		return Request{}, err
	}
	if w.activity != nil {
		w.activity.Info(ctx, "gate_task", &logging.Data{
			Input: map[string]any{"task_id": t.ID, "type": t.Type},
		})
	}
	w.emit(events.TopicApprovalPending, map[string]any{
		"id":         t.ID,
		"actionType": t.Type,
		"summary":    summary,
		"riskLevel":  string(riskForPriority(t.Priority)),
		"userId":     t.UserID,
	})
	return r, nil
}

// riskForPriority grades a gated task by its scheduling priority.
func riskForPriority(p model.Priority) Risk {
	switch p {
	case model.PriorityCritical, model.PriorityHigh:
		return RiskHigh
	case model.PriorityLow:
		return RiskLow
	default:
		return RiskMedium
	}
}

// Approve moves a pending request into Approved. A request that is not
// pending, including one already decided, yields vault.ErrNotFound.
func (w *Workflow) Approve(ctx context.Context, id, approverID, notes string) (Request, error) {
	now := time.Now()
	patch := map[string]any{
		"status":      string(StatusApproved),
		"approved_at": now,
		"approver_id": approverID,
	}
	if notes != "" {
		patch["notes"] = notes
	}

	doc, err := w.vault.Move(id, vault.FolderPendingApproval, vault.FolderApproved, patch)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) && w.activity != nil {
			w.activity.Warn(ctx, "approve:not_found", &logging.Data{
				Input: map[string]any{"approval_id": id},
			})
		}
		return Request{}, fmt.Errorf("approve %s: %w", id, err)
	}

	r, err := requestFromDocument(doc)
	if err != nil {
		return Request{}, err
	}
	if w.activity != nil {
		w.activity.Info(ctx, "approve", &logging.Data{
			Output: map[string]any{"approval_id": id, "approver_id": approverID},
		})
	}
	w.emit(events.TopicApprovalResolved, map[string]any{
		"id":         id,
		"status":     string(StatusApproved),
		"approverId": approverID,
	})
	return r, nil
}

// Reject moves a pending request into Rejected. The reason is required;
// rejections without a stated reason help nobody downstream.
func (w *Workflow) Reject(ctx context.Context, id, rejectorID, reason string) (Request, error) {
	if reason == "" {
		return Request{}, fmt.Errorf("rejection reason must not be empty")
	}

	now := time.Now()
	patch := map[string]any{
		"status":      string(StatusRejected),
		"rejected_at": now,
		"rejector_id": rejectorID,
		"reason":      reason,
	}

	doc, err := w.vault.Move(id, vault.FolderPendingApproval, vault.FolderRejected, patch)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) && w.activity != nil {
			w.activity.Warn(ctx, "reject:not_found", &logging.Data{
				Input: map[string]any{"approval_id": id},
			})
		}
		return Request{}, fmt.Errorf("reject %s: %w", id, err)
	}

	r, err := requestFromDocument(doc)
	if err != nil {
		return Request{}, err
	}
	if w.activity != nil {
		w.activity.Info(ctx, "reject", &logging.Data{
			Output: map[string]any{"approval_id": id, "rejector_id": rejectorID, "reason": reason},
		})
	}
	w.emit(events.TopicApprovalResolved, map[string]any{
		"id":         id,
		"status":     string(StatusRejected),
		"rejectorId": rejectorID,
		"reason":     reason,
	})
	return r, nil
}

// List reads the folder for the queried status and returns up to Limit
// requests, optionally filtered by owner. Documents that vanish between
// the listing and the read are skipped.
func (w *Workflow) List(ctx context.Context, q ListQuery) ([]Request, error) {
	status := q.Status
	if status == "" {
		status = StatusPending
	}
	folder, err := status.Folder()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	ids, err := w.vault.List(folder)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}

	out := make([]Request, 0, min(limit, len(ids)))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		doc, err := w.vault.Read(folder, id)
		if errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r, err := requestFromDocument(doc)
		if err != nil {
			w.logger.Warn("skipping malformed approval document", "folder", folder, "id", id, "error", err)
			continue
		}
		if q.UserID != "" && r.UserID != q.UserID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Get probes the pending, approved and rejected folders in order and
// returns the first hit, or vault.ErrNotFound.
func (w *Workflow) Get(ctx context.Context, id string) (Request, error) {
	folders := []string{vault.FolderPendingApproval, vault.FolderApproved, vault.FolderRejected}
	for _, folder := range folders {
		doc, err := w.vault.Read(folder, id)
		if errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if err != nil {
			return Request{}, err
		}
		return requestFromDocument(doc)
	}
	return Request{}, fmt.Errorf("approval %s: %w", id, vault.ErrNotFound)
}

// PendingCount returns how many requests await a decision.
func (w *Workflow) PendingCount() (int, error) {
	ids, err := w.vault.List(vault.FolderPendingApproval)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return len(ids), nil
}

func (w *Workflow) emit(topic string, data map[string]any) {
	if w.bus != nil {
		w.bus.Emit(topic, data)
	}
}
