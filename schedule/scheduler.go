// Package schedule scores and orders task batches for the loop. The
// scheduler is stateless; callers pass the clock so ordering is
// reproducible.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/syedahafsa12/minihafsa/model"
)

// fallbackWeight is used for priorities missing from the weight map.
const fallbackWeight = 25.0

// Config holds scheduler tuning.
type Config struct {
	// PriorityWeights is the base score per priority.
	PriorityWeights map[model.Priority]float64 `json:"priority_weights" yaml:"priority_weights"`
	// AgeWeight is the score added per second of task age.
	AgeWeight float64 `json:"age_weight" yaml:"age_weight"`
	// StarvationThresholdMS is the age past which low and medium
	// priority tasks accrue an extra boost.
	StarvationThresholdMS int `json:"starvation_threshold_ms" yaml:"starvation_threshold_ms"`
	// MaxBatchSize caps NextBatch; 0 means unlimited.
	MaxBatchSize int `json:"max_batch_size" yaml:"max_batch_size"`
}

// DefaultConfig returns the standard weights and thresholds.
func DefaultConfig() Config {
	return Config{
		PriorityWeights: map[model.Priority]float64{
			model.PriorityCritical: 100,
			model.PriorityHigh:     50,
			model.PriorityMedium:   25,
			model.PriorityLow:      10,
		},
		AgeWeight:             0.1,
		StarvationThresholdMS: 60000,
		MaxBatchSize:          10,
	}
}

// Validate checks the scheduler configuration.
func (c *Config) Validate() error {
	if c.AgeWeight < 0 {
		return fmt.Errorf("age_weight must not be negative, got %v", c.AgeWeight)
	}
	if c.StarvationThresholdMS <= 0 {
		return fmt.Errorf("starvation_threshold_ms must be positive, got %d", c.StarvationThresholdMS)
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("max_batch_size must not be negative, got %d", c.MaxBatchSize)
	}
	for p, w := range c.PriorityWeights {
		if !p.IsValid() {
			return fmt.Errorf("priority_weights: unknown priority %q", p)
		}
		if w < 0 {
			return fmt.Errorf("priority_weights[%s] must not be negative, got %v", p, w)
		}
	}
	return nil
}

// Scheduler orders tasks by score.
type Scheduler struct {
	config Config
}

// New builds a scheduler. A nil weight map takes the defaults.
func New(config Config) *Scheduler {
	if config.PriorityWeights == nil {
		config.PriorityWeights = DefaultConfig().PriorityWeights
	}
	return &Scheduler{config: config}
}

// Score computes the priority score of a task at the given instant:
// base priority weight, plus an age bonus, plus a starvation boost for
// low and medium priority tasks waiting past the threshold.
func (s *Scheduler) Score(t model.Task, now time.Time) float64 {
	weight, ok := s.config.PriorityWeights[t.Priority]
	if !ok {
		weight = fallbackWeight
	}

	ageSeconds := now.Sub(t.CreatedAt).Seconds()
	score := weight + s.config.AgeWeight*ageSeconds

	if t.Priority == model.PriorityLow || t.Priority == model.PriorityMedium {
		ageMS := ageSeconds * 1000
		threshold := float64(s.config.StarvationThresholdMS)
		if ageMS > threshold {
			score += 5.0 * (ageMS - threshold) / 1000
		}
	}
	return score
}

// Prioritize returns the tasks in descending score order. Ties go to the
// older task, then to the smaller ID, so the order is total and
// reproducible. The input slice is not mutated.
func (s *Scheduler) Prioritize(tasks []model.Task, now time.Time) []model.Task {
	type scored struct {
		task  model.Task
		score float64
	}
	items := make([]scored, len(tasks))
	for i, t := range tasks {
		items[i] = scored{task: t, score: s.Score(t, now)}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		if !items[i].task.CreatedAt.Equal(items[j].task.CreatedAt) {
			return items[i].task.CreatedAt.Before(items[j].task.CreatedAt)
		}
		return items[i].task.ID < items[j].task.ID
	})

	out := make([]model.Task, len(items))
	for i, it := range items {
		out[i] = it.task
	}
	return out
}

// NextBatch filters, prioritizes and caps the tasks to execute this
// cycle. A nil filter admits everything.
func (s *Scheduler) NextBatch(tasks []model.Task, now time.Time, filter func(model.Task) bool) []model.Task {
	eligible := tasks
	if filter != nil {
		eligible = make([]model.Task, 0, len(tasks))
		for _, t := range tasks {
			if filter(t) {
				eligible = append(eligible, t)
			}
		}
	}

	out := s.Prioritize(eligible, now)
	if s.config.MaxBatchSize > 0 && len(out) > s.config.MaxBatchSize {
		out = out[:s.config.MaxBatchSize]
	}
	return out
}

// ShouldExecuteNow reports whether the task skips queueing. Critical and
// high priority tasks are fast-tracked; the loop still enforces its
// concurrency limit.
func (s *Scheduler) ShouldExecuteNow(t model.Task) bool {
	return t.Priority == model.PriorityCritical || t.Priority == model.PriorityHigh
}

// waitFactors scale the baseline five seconds per queued task ahead.
var waitFactors = map[model.Priority]float64{
	model.PriorityCritical: 0.1,
	model.PriorityHigh:     0.5,
	model.PriorityMedium:   1.0,
	model.PriorityLow:      1.5,
}

// EstimateWait estimates how long a task at the given queue position
// waits before execution. Position 0 is next.
func (s *Scheduler) EstimateWait(t model.Task, queuePosition int) time.Duration {
	if queuePosition <= 0 {
		return 0
	}
	factor, ok := waitFactors[t.Priority]
	if !ok {
		factor = 1.0
	}
	base := time.Duration(queuePosition) * 5 * time.Second
	return time.Duration(float64(base) * factor)
}
