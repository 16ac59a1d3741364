// Package dispatch routes tasks to registered agents. It owns the
// per-agent statistics and health records and picks candidates by score:
// healthy, lightly loaded, historically fast agents win.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/syedahafsa12/minihafsa/agent"
	"github.com/syedahafsa12/minihafsa/events"
	"github.com/syedahafsa12/minihafsa/logging"
	"github.com/syedahafsa12/minihafsa/metrics"
	"github.com/syedahafsa12/minihafsa/model"
	"github.com/syedahafsa12/minihafsa/retry"
)

// healthCheckTimeout bounds one agent's HealthCheck during a refresh.
const healthCheckTimeout = 5 * time.Second

// Config holds dispatcher tuning.
type Config struct {
	// PreferHealthyAgents penalises agents last seen unhealthy.
	PreferHealthyAgents bool `json:"prefer_healthy_agents" yaml:"prefer_healthy_agents"`
	// LoadBalance spreads work away from loaded agents and caps
	// per-agent concurrency at MaxAgentLoad.
	LoadBalance bool `json:"load_balance" yaml:"load_balance"`
	// MaxAgentLoad is the per-agent concurrent task ceiling.
	MaxAgentLoad int `json:"max_agent_load" yaml:"max_agent_load"`
}

// DefaultConfig returns the standard dispatcher settings.
func DefaultConfig() Config {
	return Config{
		PreferHealthyAgents: true,
		LoadBalance:         true,
		MaxAgentLoad:        3,
	}
}

// Validate checks the dispatcher configuration.
func (c *Config) Validate() error {
	if c.MaxAgentLoad < 1 {
		return fmt.Errorf("max_agent_load must be at least 1, got %d", c.MaxAgentLoad)
	}
	return nil
}

// Deps are the dispatcher's collaborators. Bus, Activity and Metrics may
// be nil.
type Deps struct {
	Bus      *events.Bus
	Activity *logging.Logger
	Executor *retry.Executor
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// AgentStats tracks one agent's dispatch history.
type AgentStats struct {
	TasksDispatched    int       `json:"tasks_dispatched"`
	TasksCompleted     int       `json:"tasks_completed"`
	TasksFailed        int       `json:"tasks_failed"`
	CurrentLoad        int       `json:"current_load"`
	AvgExecutionTimeMS float64   `json:"avg_execution_time_ms"`
	LastDispatch       time.Time `json:"last_dispatch"`
}

// AgentSnapshot is a point-in-time copy of one registration.
type AgentSnapshot struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities []string     `json:"capabilities"`
	Health       model.Health `json:"health"`
	Stats        AgentStats   `json:"stats"`
}

type registration struct {
	agent agent.Agent

	// Guards stats and health against concurrent dispatches of the
	// same agent.
	mu     sync.Mutex
	stats  AgentStats
	health model.Health
}

// Dispatcher routes tasks to agents.
type Dispatcher struct {
	config   Config
	bus      *events.Bus
	activity *logging.SourceLogger
	executor *retry.Executor
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	order  []string
	agents map[string]*registration
}

// New builds a dispatcher. deps.Executor is required.
func New(config Config, deps Deps) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("dispatcher requires an executor")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		config:   config,
		bus:      deps.Bus,
		executor: deps.Executor,
		logger:   logger,
		metrics:  deps.Metrics,
		agents:   make(map[string]*registration),
	}
	if deps.Activity != nil {
		d.activity = deps.Activity.Source("dispatcher")
	}
	return d, nil
}

// Register adds an agent, initialises it, and seeds its stats and
// health. Registering a name twice fails.
func (d *Dispatcher) Register(ctx context.Context, a agent.Agent) error {
	name := a.Name()

	d.mu.RLock()
	_, exists := d.agents[name]
	d.mu.RUnlock()
	if exists {
		return fmt.Errorf("agent %q: %w", name, ErrAgentExists)
	}

	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize agent %q: %w", name, err)
	}

	d.mu.Lock()
	if _, exists := d.agents[name]; exists {
		d.mu.Unlock()
		return fmt.Errorf("agent %q: %w", name, ErrAgentExists)
	}
	d.agents[name] = &registration{agent: a, health: model.HealthyNow()}
	d.order = append(d.order, name)
	count := len(d.agents)
	d.mu.Unlock()

	d.metrics.SetAgentsRegistered(count)

	caps := capabilityNames(a)
	if d.activity != nil {
		d.activity.Info(ctx, "register_agent", &logging.Data{
			Input: map[string]any{"name": name, "version": a.Version(), "capabilities": caps},
		})
	}
	d.emit(events.TopicAgentStatus, map[string]any{
		"action":       "registered",
		"name":         name,
		"capabilities": caps,
	})
	return nil
}

// Unregister removes an agent and shuts it down.
func (d *Dispatcher) Unregister(ctx context.Context, name string) error {
	d.mu.Lock()
	reg, ok := d.agents[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("agent %q: %w", name, ErrAgentNotFound)
	}
	delete(d.agents, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	count := len(d.agents)
	d.mu.Unlock()

	if err := reg.agent.Shutdown(ctx); err != nil {
		d.logger.Warn("agent shutdown failed", "agent", name, "error", err)
	}

	d.metrics.SetAgentsRegistered(count)
	if d.activity != nil {
		d.activity.Info(ctx, "unregister_agent", &logging.Data{
			Input: map[string]any{"name": name},
		})
	}
	d.emit(events.TopicAgentStatus, map[string]any{
		"action": "unregistered",
		"name":   name,
	})
	return nil
}

// FindAgent picks the best-scoring agent that can handle the task.
// Ties go to the earliest registration. This is a read-only preview;
// Dispatch reserves its slot through acquire, which re-checks the load
// cap under the registration lock.
func (d *Dispatcher) FindAgent(t model.Task) (agent.Agent, bool) {
	var best agent.Agent
	bestScore := 0.0
	for _, c := range d.candidates(t) {
		if best == nil || c.score > bestScore {
			best = c.reg.agent
			bestScore = c.score
		}
	}
	return best, best != nil
}

type candidate struct {
	reg   *registration
	score float64
}

// candidates returns the scored registrations that can handle the task,
// in registration order.
func (d *Dispatcher) candidates(t model.Task) []candidate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []candidate
	for _, name := range d.order {
		reg := d.agents[name]
		if !reg.agent.CanHandle(t) {
			continue
		}
		score := d.score(reg)
		if score <= 0 {
			continue
		}
		out = append(out, candidate{reg: reg, score: score})
	}
	return out
}

// acquire picks the best candidate and reserves a load slot on it in one
// critical section. Scoring alone is not enough: concurrent dispatches
// that scored the same agent race to the reservation, and the cap must
// hold at the moment the slot is taken, so it is re-checked under the
// registration lock before the increment. Losers fall through to the
// next candidate.
func (d *Dispatcher) acquire(t model.Task) (*registration, bool) {
	cands := d.candidates(t)
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	for _, c := range cands {
		c.reg.mu.Lock()
		if d.config.LoadBalance && c.reg.stats.CurrentLoad >= d.config.MaxAgentLoad {
			c.reg.mu.Unlock()
			continue
		}
		c.reg.stats.TasksDispatched++
		c.reg.stats.CurrentLoad++
		c.reg.stats.LastDispatch = time.Now()
		c.reg.mu.Unlock()
		return c.reg, true
	}
	return nil, false
}

// score rates one agent for selection. Zero means unusable.
func (d *Dispatcher) score(reg *registration) float64 {
	reg.mu.Lock()
	stats := reg.stats
	health := reg.health
	reg.mu.Unlock()

	score := 100.0
	if d.config.PreferHealthyAgents && !health.Healthy {
		score -= 50
	}
	if d.config.LoadBalance {
		if stats.CurrentLoad >= d.config.MaxAgentLoad {
			return 0
		}
		score -= float64(stats.CurrentLoad) * 10
	}
	if stats.TasksDispatched > 0 {
		rate := float64(stats.TasksCompleted) / float64(stats.TasksDispatched)
		score += rate * 20
	}
	if stats.AvgExecutionTimeMS > 0 {
		if bonus := 10 - stats.AvgExecutionTimeMS/1000; bonus > 0 {
			score += bonus
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// Dispatch routes the task through the retry executor and records the
// outcome in the selected agent's stats.
func (d *Dispatcher) Dispatch(ctx context.Context, t model.Task) model.Result {
	reg, ok := d.acquire(t)
	if !ok {
		if d.activity != nil {
			d.activity.Error(ctx, "dispatch_task:no_agent",
				&agent.Error{Code: model.CodeNoAgentAvailable, Message: "no candidate agent"},
				&logging.Data{Input: map[string]any{"task_id": t.ID, "type": t.Type}})
		}
		return model.NewFailure(&model.ErrorInfo{
			Code:        model.CodeNoAgentAvailable,
			Message:     fmt.Sprintf("no agent available for task type: %s", t.Type),
			Recoverable: true,
		})
	}

	a := reg.agent
	name := a.Name()

	if d.activity != nil {
		d.activity.Info(ctx, "dispatch_task", &logging.Data{
			Input: map[string]any{"task_id": t.ID, "type": t.Type, "agent": name},
		})
	}

	start := time.Now()
	res := d.executor.Execute(ctx, a, t)
	elapsed := time.Since(start)

	reg.mu.Lock()
	reg.stats.CurrentLoad--
	if res.Success {
		reg.stats.TasksCompleted++
	} else {
		reg.stats.TasksFailed++
	}
	total := reg.stats.TasksCompleted + reg.stats.TasksFailed
	if total > 0 {
		reg.stats.AvgExecutionTimeMS = (reg.stats.AvgExecutionTimeMS*float64(total-1) +
			float64(elapsed.Milliseconds())) / float64(total)
	}
	reg.mu.Unlock()

	d.metrics.ObserveDispatch(name, elapsed, res.Success)
	if res.ExecutionTimeMS == 0 {
		res.ExecutionTimeMS = elapsed.Milliseconds()
	}
	return res
}

// RefreshHealth re-checks every agent under a bounded deadline. A panic
// or error marks the agent unhealthy with the captured message.
func (d *Dispatcher) RefreshHealth(ctx context.Context) {
	d.mu.RLock()
	names := make([]string, len(d.order))
	copy(names, d.order)
	regs := make(map[string]*registration, len(d.agents))
	for name, reg := range d.agents {
		regs[name] = reg
	}
	d.mu.RUnlock()

	for _, name := range names {
		reg := regs[name]
		health, err := checkHealth(ctx, reg.agent)
		if err != nil {
			health = model.Unhealthy(err.Error())
			if d.activity != nil {
				d.activity.Error(ctx, "refresh_health:error", err,
					&logging.Data{Input: map[string]any{"agent": name}})
			}
		}

		reg.mu.Lock()
		reg.health = health
		reg.mu.Unlock()

		d.emit(events.TopicAgentStatus, map[string]any{
			"action":  "health",
			"name":    name,
			"healthy": health.Healthy,
			"details": health.Details,
		})
	}
}

// checkHealth runs one HealthCheck in its own goroutine so the deadline
// holds even against an agent that ignores its context.
func checkHealth(ctx context.Context, a agent.Agent) (model.Health, error) {
	hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	type outcome struct {
		health model.Health
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("health check panicked: %v", r)}
			}
		}()
		h, err := a.HealthCheck(hctx)
		done <- outcome{health: h, err: err}
	}()

	select {
	case out := <-done:
		return out.health, out.err
	case <-hctx.Done():
		return model.Health{}, fmt.Errorf("health check timed out after %s", healthCheckTimeout)
	}
}

// Agents returns snapshots in registration order.
func (d *Dispatcher) Agents() []AgentSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]AgentSnapshot, 0, len(d.order))
	for _, name := range d.order {
		reg := d.agents[name]
		reg.mu.Lock()
		snapshot := AgentSnapshot{
			Name:         name,
			Version:      reg.agent.Version(),
			Capabilities: capabilityNames(reg.agent),
			Health:       reg.health,
			Stats:        reg.stats,
		}
		reg.mu.Unlock()
		out = append(out, snapshot)
	}
	return out
}

// Stats returns a copy of one agent's statistics.
func (d *Dispatcher) Stats(name string) (AgentStats, bool) {
	d.mu.RLock()
	reg, ok := d.agents[name]
	d.mu.RUnlock()
	if !ok {
		return AgentStats{}, false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.stats, true
}

// Count returns the number of registered agents.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}

func (d *Dispatcher) emit(topic string, data map[string]any) {
	if d.bus != nil {
		d.bus.Emit(topic, data)
	}
}

func capabilityNames(a agent.Agent) []string {
	caps := a.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name
	}
	return names
}
