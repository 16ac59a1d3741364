// Package dashboard projects loop, agent and approval state into the
// Markdown dashboard file people read alongside the vault. The projection
// is pure; only Write touches the filesystem, atomically.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syedahafsa12/minihafsa/approval"
	"github.com/syedahafsa12/minihafsa/dispatch"
	"github.com/syedahafsa12/minihafsa/events"
	"github.com/syedahafsa12/minihafsa/logging"
)

// Config controls where and how the dashboard is written.
type Config struct {
	// Path is the Markdown file to write, e.g. <vault>/Dashboard.md.
	Path string `json:"path" yaml:"path"`
	// HistorySize caps the recent-activity list.
	HistorySize int `json:"history_size" yaml:"history_size"`
	// RefreshDebounceMS is how long after the last observed event the
	// dashboard is re-rendered between cycles. Zero refreshes without
	// delay.
	RefreshDebounceMS int `json:"refresh_debounce_ms" yaml:"refresh_debounce_ms"`
}

// DefaultConfig returns the dashboard defaults. Path is deployment
// specific and stays empty.
func DefaultConfig() Config {
	return Config{HistorySize: 10, RefreshDebounceMS: 500}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("dashboard path must not be empty")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("dashboard history_size must be positive, got %d", c.HistorySize)
	}
	if c.RefreshDebounceMS < 0 {
		return fmt.Errorf("dashboard refresh_debounce_ms must not be negative, got %d", c.RefreshDebounceMS)
	}
	return nil
}

// Deps are the projector's collaborators. All are optional.
type Deps struct {
	Bus      *events.Bus
	Activity *logging.Logger
	Logger   *slog.Logger
}

// LoopInfo is the slice of loop state the dashboard shows. Defined here
// so the loop package can depend on dashboard, not the other way around.
type LoopInfo struct {
	Status           string
	CycleNumber      int
	TasksInFlight    int
	PendingQueueSize int
	CompletedTotal   int
	FailedTotal      int
}

// Input is everything one projection reads.
type Input struct {
	Loop      LoopInfo
	Agents    []dispatch.AgentSnapshot
	Approvals []approval.Request
	Now       time.Time
}

// ApprovalSummary is one pending request as shown on the dashboard.
type ApprovalSummary struct {
	ID          string `json:"id"`
	ActionType  string `json:"action_type"`
	Summary     string `json:"summary"`
	UserID      string `json:"user_id"`
	RiskLevel   string `json:"risk_level"`
	RequestedAt string `json:"requested_at"`
}

// ActivityEntry is one line of the recent-activity feed.
type ActivityEntry struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Action  string    `json:"action"`
	Result  string    `json:"result"`
	Details string    `json:"details,omitempty"`
}

// AgentHealth is one row of the agent table.
type AgentHealth struct {
	Name           string `json:"name"`
	Status         string `json:"status"`
	LastActivity   string `json:"last_activity"`
	TasksCompleted int    `json:"tasks_completed"`
}

// TaskStats summarises the task pipeline.
type TaskStats struct {
	Pending        int `json:"pending"`
	InProgress     int `json:"in_progress"`
	CompletedToday int `json:"completed_today"`
	FailedToday    int `json:"failed_today"`
}

// Model is the flat record the template renders.
type Model struct {
	LoopStatus       string            `json:"loop_status"`
	ActiveAgents     int               `json:"active_agents"`
	TotalAgents      int               `json:"total_agents"`
	CycleNumber      int               `json:"cycle_number"`
	PendingApprovals []ApprovalSummary `json:"pending_approvals"`
	RecentActivity   []ActivityEntry   `json:"recent_activity"`
	TaskStats        TaskStats         `json:"task_stats"`
	AgentHealth      []AgentHealth     `json:"agent_health"`
	LastUpdated      time.Time         `json:"last_updated"`
}

// Projector builds and writes the dashboard. Safe for concurrent use.
type Projector struct {
	config   Config
	bus      *events.Bus
	activity *logging.SourceLogger
	logger   *slog.Logger

	mu        sync.Mutex
	recent    []ActivityEntry // newest first
	observed  *events.Bus
	subIDs    map[string]int
	lastInput *Input
	stop      chan struct{}

	dirty     chan struct{}
	refreshWG sync.WaitGroup
}

// New creates a projector.
func New(cfg Config, deps Deps) (*Projector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Projector{
		config: cfg,
		bus:    deps.Bus,
		logger: logger,
		subIDs: make(map[string]int),
		dirty:  make(chan struct{}, 1),
	}
	if deps.Activity != nil {
		p.activity = deps.Activity.Source("loop:dashboard")
	}
	return p, nil
}

// observedPatterns are the bus subscriptions feeding the activity list.
var observedPatterns = []string{"task:*", "approval:*", "agent:status"}

// Observe feeds the recent-activity list from bus traffic and starts the
// debounced refresher that keeps the file current between cycles. Call at
// most once; Close unsubscribes and stops the refresher.
func (p *Projector) Observe(bus *events.Bus) {
	if bus == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pattern := range observedPatterns {
		if _, ok := p.subIDs[pattern]; ok {
			continue
		}
		p.subIDs[pattern] = bus.On(pattern, p.record)
	}
	p.observed = bus

	if p.stop == nil {
		p.stop = make(chan struct{})
		p.refreshWG.Add(1)
		go p.refreshLoop(p.stop)
	}
}

// Close removes the Observe subscriptions and waits out the refresher.
func (p *Projector) Close() {
	p.mu.Lock()
	if p.observed != nil {
		for pattern, id := range p.subIDs {
			p.observed.Off(pattern, id)
			delete(p.subIDs, pattern)
		}
		p.observed = nil
	}
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		p.refreshWG.Wait()
	}
}

// refreshLoop re-renders the dashboard a debounce interval after the
// first event of a burst. Further events during the wait coalesce into
// the same render.
func (p *Projector) refreshLoop(stop chan struct{}) {
	defer p.refreshWG.Done()
	debounce := time.Duration(p.config.RefreshDebounceMS) * time.Millisecond
	for {
		select {
		case <-stop:
			return
		case <-p.dirty:
		}
		timer := time.NewTimer(debounce)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		p.refresh()
	}
}

// refresh re-renders from the last projected input with the activity list
// and timestamp brought current. Before the first Update there is nothing
// to render against.
func (p *Projector) refresh() {
	p.mu.Lock()
	in := p.lastInput
	p.mu.Unlock()
	if in == nil {
		return
	}
	snap := *in
	snap.Now = time.Now()
	if err := p.Write(p.Build(snap)); err != nil {
		p.logger.Warn("dashboard refresh failed", "error", err)
	}
}

// record converts a bus event into an activity entry.
func (p *Projector) record(topic string, data map[string]any) {
	entry := ActivityEntry{
		Time:   time.Now(),
		Source: sourceForTopic(topic),
		Action: topic,
		Result: resultForEvent(topic, data),
	}
	if id, ok := data["taskId"].(string); ok {
		entry.Details = id
	} else if id, ok := data["id"].(string); ok {
		entry.Details = id
	} else if name, ok := data["name"].(string); ok {
		entry.Details = name
	}

	p.mu.Lock()
	p.recent = append([]ActivityEntry{entry}, p.recent...)
	if len(p.recent) > p.config.HistorySize {
		p.recent = p.recent[:p.config.HistorySize]
	}
	p.mu.Unlock()

	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

func sourceForTopic(topic string) string {
	prefix, _, _ := strings.Cut(topic, ":")
	switch prefix {
	case "task":
		return "loop"
	case "approval":
		return "approval"
	case "agent":
		return "dispatcher"
	}
	return prefix
}

func resultForEvent(topic string, data map[string]any) string {
	switch topic {
	case events.TopicTaskCompleted:
		return "success"
	case events.TopicTaskFailed:
		if code, ok := data["error"].(string); ok {
			return code
		}
		return "failed"
	case events.TopicApprovalResolved:
		if status, ok := data["status"].(string); ok {
			return status
		}
	case events.TopicAgentStatus:
		if action, ok := data["action"].(string); ok {
			return action
		}
	}
	_, suffix, found := strings.Cut(topic, ":")
	if found {
		return suffix
	}
	return topic
}

// Build projects the input into the flat dashboard model. Pure.
func (p *Projector) Build(in Input) Model {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	active := 0
	health := make([]AgentHealth, len(in.Agents))
	for i, a := range in.Agents {
		status := "UNHEALTHY"
		if a.Health.Healthy {
			status = "HEALTHY"
			active++
		}
		health[i] = AgentHealth{
			Name:           a.Name,
			Status:         status,
			LastActivity:   relativeTime(now, a.Stats.LastDispatch),
			TasksCompleted: a.Stats.TasksCompleted,
		}
	}

	approvals := make([]ApprovalSummary, len(in.Approvals))
	for i, r := range in.Approvals {
		approvals[i] = ApprovalSummary{
			ID:          r.ID,
			ActionType:  r.ActionType,
			Summary:     r.Summary,
			UserID:      r.UserID,
			RiskLevel:   string(r.RiskLevel),
			RequestedAt: r.CreatedAt.Format("2006-01-02 15:04"),
		}
	}

	p.mu.Lock()
	recent := make([]ActivityEntry, len(p.recent))
	copy(recent, p.recent)
	p.mu.Unlock()

	return Model{
		LoopStatus:       strings.ToUpper(in.Loop.Status),
		ActiveAgents:     active,
		TotalAgents:      len(in.Agents),
		CycleNumber:      in.Loop.CycleNumber,
		PendingApprovals: approvals,
		RecentActivity:   recent,
		TaskStats: TaskStats{
			Pending:        in.Loop.PendingQueueSize,
			InProgress:     in.Loop.TasksInFlight,
			CompletedToday: in.Loop.CompletedTotal,
			FailedToday:    in.Loop.FailedTotal,
		},
		AgentHealth: health,
		LastUpdated: now,
	}
}

// Render produces the Markdown document for a model.
func (p *Projector) Render(m Model) string {
	var b strings.Builder

	b.WriteString("# Mini Hafsa Dashboard\n")
	b.WriteString(fmt.Sprintf("> Auto-generated at %s\n\n", m.LastUpdated.Format("2006-01-02 15:04:05")))

	b.WriteString("## System Status\n")
	b.WriteString(fmt.Sprintf("- **Loop**: %s\n", m.LoopStatus))
	b.WriteString(fmt.Sprintf("- **Active Agents**: %d/%d\n", m.ActiveAgents, m.TotalAgents))
	b.WriteString(fmt.Sprintf("- **Current Cycle**: #%d\n\n", m.CycleNumber))

	b.WriteString("## Agent Health\n")
	if len(m.AgentHealth) == 0 {
		b.WriteString("*No agents registered*\n\n")
	} else {
		b.WriteString("| Agent | Status | Last Activity | Tasks Completed |\n")
		b.WriteString("|-------|--------|---------------|------------------|\n")
		for _, a := range m.AgentHealth {
			b.WriteString(fmt.Sprintf("| %s | %s | %s | %d |\n",
				a.Name, a.Status, a.LastActivity, a.TasksCompleted))
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("## Pending Approvals (%d)\n", len(m.PendingApprovals)))
	if len(m.PendingApprovals) == 0 {
		b.WriteString("*No pending approvals*\n\n")
	} else {
		for _, a := range m.PendingApprovals {
			b.WriteString(fmt.Sprintf("### %s\n", a.ActionType))
			b.WriteString(fmt.Sprintf("- **ID**: `%s`\n", a.ID))
			b.WriteString(fmt.Sprintf("- **Requested**: %s\n", a.RequestedAt))
			b.WriteString(fmt.Sprintf("- **User**: %s\n", a.UserID))
			b.WriteString(fmt.Sprintf("- **Risk**: %s\n", a.RiskLevel))
			b.WriteString(fmt.Sprintf("- **Details**: %s\n\n", a.Summary))
		}
	}

	b.WriteString("## Recent Activity\n")
	if len(m.RecentActivity) == 0 {
		b.WriteString("*No recent activity*\n\n")
	} else {
		for _, e := range m.RecentActivity {
			line := fmt.Sprintf("- [%s] **%s**: %s - %s",
				e.Time.Format("15:04:05"), e.Source, e.Action, e.Result)
			if e.Details != "" {
				line += fmt.Sprintf(" (%s)", e.Details)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Task Queue\n")
	b.WriteString(fmt.Sprintf("- **Pending**: %d\n", m.TaskStats.Pending))
	b.WriteString(fmt.Sprintf("- **In Progress**: %d\n", m.TaskStats.InProgress))
	b.WriteString(fmt.Sprintf("- **Completed Today**: %d\n", m.TaskStats.CompletedToday))
	b.WriteString(fmt.Sprintf("- **Failed Today**: %d\n\n", m.TaskStats.FailedToday))

	b.WriteString("---\n")
	b.WriteString(fmt.Sprintf("*Last updated: %s*\n", m.LastUpdated.Format("2006-01-02 15:04:05")))

	return b.String()
}

// Write renders the model and replaces the dashboard file atomically, so
// a reader never sees a half-written document.
func (p *Projector) Write(m Model) error {
	text := p.Render(m)

	dir := filepath.Dir(p.config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dashboard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dashboard-*.md")
	if err != nil {
		return fmt.Errorf("create dashboard temp file: %w", err)
	}
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write dashboard: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close dashboard temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.config.Path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace dashboard: %w", err)
	}
	return nil
}

// Update projects, writes, and announces the refresh. Failures are the
// caller's to log; the loop treats them as non-fatal.
func (p *Projector) Update(ctx context.Context, in Input) error {
	snap := in
	p.mu.Lock()
	p.lastInput = &snap
	p.mu.Unlock()

	m := p.Build(in)
	if err := p.Write(m); err != nil {
		return err
	}

	if p.activity != nil {
		p.activity.Debug(ctx, "write_dashboard", &logging.Data{
			Output: map[string]any{"cycle": m.CycleNumber, "path": p.config.Path},
		})
	}
	if p.bus != nil {
		p.bus.Emit(events.TopicDashboardUpdate, map[string]any{
			"cycleNumber":      m.CycleNumber,
			"activeAgents":     m.ActiveAgents,
			"totalAgents":      m.TotalAgents,
			"pendingApprovals": len(m.PendingApprovals),
		})
	}
	return nil
}

// relativeTime renders how long ago t was, dashboard style.
func relativeTime(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
