package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syedahafsa12/minihafsa/agent"
	"github.com/syedahafsa12/minihafsa/logging"
	"github.com/syedahafsa12/minihafsa/model"
	"github.com/syedahafsa12/minihafsa/vault"
)

// Agent exposes the workflow through the task pipeline, so approval
// operations can be scheduled and dispatched like any other work.
type Agent struct {
	*agent.Base
	workflow *Workflow
}

var _ agent.Agent = (*Agent)(nil)

// NewAgent wraps a workflow as a dispatchable agent.
func NewAgent(w *Workflow, activity *logging.Logger) *Agent {
	caps := []model.Capability{
		model.NewCapability("approval:create", "Create an approval request"),
		model.NewCapability("approval:approve", "Approve a pending request"),
		model.NewCapability("approval:reject", "Reject a pending request"),
		model.NewCapability("approval:list", "List approval requests"),
		model.NewCapability("approval:get", "Fetch one approval request"),
	}
	return &Agent{
		Base:     agent.NewBase("approval", "1.0.0", activity, caps...),
		workflow: w,
	}
}

func (a *Agent) Execute(ctx context.Context, t model.Task) model.Result {
	return a.Run(ctx, t, func(ctx context.Context, t model.Task) (map[string]any, error) {
		switch t.Type {
		case "approval:create":
			return a.create(ctx, t)
		case "approval:approve":
			return a.approve(ctx, t)
		case "approval:reject":
			return a.reject(ctx, t)
		case "approval:list":
			return a.list(ctx, t)
		case "approval:get":
			return a.get(ctx, t)
		default:
			return nil, &agent.Error{
				Code:    model.CodeUnknownTaskType,
				Message: fmt.Sprintf("approval agent cannot handle task type %s", t.Type),
			}
		}
	})
}

func (a *Agent) create(ctx context.Context, t model.Task) (map[string]any, error) {
	actionType, ok := stringField(t.Payload, "action_type")
	if !ok {
		return nil, invalidPayload("action_type is required")
	}
	summary, ok := stringField(t.Payload, "summary")
	if !ok {
		return nil, invalidPayload("summary is required")
	}
	userID, _ := stringField(t.Payload, "user_id")
	if userID == "" {
		userID = t.UserID
	}
	agentName, _ := stringField(t.Payload, "agent_name")
	risk, _ := stringField(t.Payload, "risk_level")

	data, _ := t.Payload["action_data"].(map[string]any)
	r, err := a.workflow.Create(ctx, CreateRequest{
		ActionType:    actionType,
		ActionData:    data,
		Summary:       summary,
		RiskLevel:     ParseRisk(risk),
		UserID:        userID,
		AgentName:     agentName,
		CorrelationID: t.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	return requestData(r), nil
}

func (a *Agent) approve(ctx context.Context, t model.Task) (map[string]any, error) {
	id, ok := stringField(t.Payload, "approval_id")
	if !ok {
		return nil, invalidPayload("approval_id is required")
	}
	approver, _ := stringField(t.Payload, "approver_id")
	if approver == "" {
		approver = t.UserID
	}
	notes, _ := stringField(t.Payload, "notes")

	r, err := a.workflow.Approve(ctx, id, approver, notes)
	if err != nil {
		return nil, mapNotFound(id, err)
	}
	return map[string]any{
		"approval_id": r.ID,
		"status":      r.Status,
		"approved_at": r.ApprovedAt.Format(time.RFC3339),
	}, nil
}

func (a *Agent) reject(ctx context.Context, t model.Task) (map[string]any, error) {
	id, ok := stringField(t.Payload, "approval_id")
	if !ok {
		return nil, invalidPayload("approval_id is required")
	}
	reason, ok := stringField(t.Payload, "reason")
	if !ok {
		return nil, invalidPayload("reason is required")
	}
	rejector, _ := stringField(t.Payload, "rejector_id")
	if rejector == "" {
		rejector = t.UserID
	}

	r, err := a.workflow.Reject(ctx, id, rejector, reason)
	if err != nil {
		return nil, mapNotFound(id, err)
	}
	return map[string]any{
		"approval_id": r.ID,
		"status":      r.Status,
		"rejected_at": r.RejectedAt.Format(time.RFC3339),
	}, nil
}

func (a *Agent) list(ctx context.Context, t model.Task) (map[string]any, error) {
	q := ListQuery{}
	if s, ok := stringField(t.Payload, "status"); ok {
		status := Status(s)
		if !status.IsValid() {
			return nil, invalidPayload(fmt.Sprintf("unknown status %q", s))
		}
		q.Status = status
	}
	q.UserID, _ = stringField(t.Payload, "user_id")
	q.Limit = intField(t.Payload, "limit")

	requests, err := a.workflow.List(ctx, q)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, len(requests))
	for i, r := range requests {
		items[i] = requestData(r)
	}
	return map[string]any{"approvals": items, "count": len(items)}, nil
}

func (a *Agent) get(ctx context.Context, t model.Task) (map[string]any, error) {
	id, ok := stringField(t.Payload, "approval_id")
	if !ok {
		return nil, invalidPayload("approval_id is required")
	}
	r, err := a.workflow.Get(ctx, id)
	if err != nil {
		return nil, mapNotFound(id, err)
	}
	return requestData(r), nil
}

// requestData flattens a Request into result data, leaving out the
// resolution fields that were never set.
func requestData(r Request) map[string]any {
	data := map[string]any{
		"approval_id": r.ID,
		"action_type": r.ActionType,
		"summary":     r.Summary,
		"risk_level":  string(r.RiskLevel),
		"status":      r.Status,
		"created_at":  r.CreatedAt.Format(time.RFC3339),
	}
	if r.UserID != "" {
		data["user_id"] = r.UserID
	}
	if r.AgentName != "" {
		data["agent_name"] = r.AgentName
	}
	if !r.ApprovedAt.IsZero() {
		data["approved_at"] = r.ApprovedAt.Format(time.RFC3339)
		data["approver_id"] = r.ApproverID
	}
	if !r.RejectedAt.IsZero() {
		data["rejected_at"] = r.RejectedAt.Format(time.RFC3339)
		data["rejector_id"] = r.RejectorID
		data["reason"] = r.Reason
	}
	return data
}

// mapNotFound converts a vault miss into the non-recoverable NOT_FOUND
// agent error; retrying a lookup for a document that is not there cannot
// help.
func mapNotFound(id string, err error) error {
	if errors.Is(err, vault.ErrNotFound) {
		return &agent.Error{
			Code:    model.CodeNotFound,
			Message: fmt.Sprintf("approval %s not found", id),
		}
	}
	return err
}

func invalidPayload(msg string) error {
	return &agent.Error{Code: "INVALID_PAYLOAD", Message: msg}
}

func stringField(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// intField reads a numeric payload field, tolerating the float64 that
// JSON decoding produces.
func intField(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
