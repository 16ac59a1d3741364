package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/syedahafsa12/minihafsa/model"
)

func taskAged(id string, p model.Priority, age time.Duration, now time.Time) model.Task {
	t := model.NewTask("work", nil, "")
	t.ID = id
	t.Priority = p
	t.CreatedAt = now.Add(-age)
	return t
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults valid", mutate: func(*Config) {}},
		{
			name:    "negative age weight",
			mutate:  func(c *Config) { c.AgeWeight = -1 },
			wantErr: "age_weight",
		},
		{
			name:    "zero starvation threshold",
			mutate:  func(c *Config) { c.StarvationThresholdMS = 0 },
			wantErr: "starvation_threshold_ms",
		},
		{
			name:    "negative batch size",
			mutate:  func(c *Config) { c.MaxBatchSize = -1 },
			wantErr: "max_batch_size",
		},
		{
			name:    "unknown priority weight",
			mutate:  func(c *Config) { c.PriorityWeights["urgent"] = 1 },
			wantErr: "unknown priority",
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.PriorityWeights[model.PriorityLow] = -5 },
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScore_ExactValues(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	tests := []struct {
		name     string
		priority model.Priority
		age      time.Duration
		want     float64
	}{
		{name: "fresh critical", priority: model.PriorityCritical, age: 0, want: 100},
		{name: "fresh medium", priority: model.PriorityMedium, age: 0, want: 25},
		{name: "aged high has no starvation boost", priority: model.PriorityHigh, age: 120 * time.Second, want: 62},
		{name: "starved low", priority: model.PriorityLow, age: 120 * time.Second, want: 322},
		{name: "medium just past threshold", priority: model.PriorityMedium, age: 61 * time.Second, want: 36.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := taskAged("t", tt.priority, tt.age, now)
			assert.InDelta(t, tt.want, s.Score(task, now), 0.001)
		})
	}
}

func TestPrioritize_CriticalBeforeFreshLow(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	t1 := taskAged("t1", model.PriorityCritical, 0, now)
	t2 := taskAged("t2", model.PriorityLow, 0, now)

	got := s.Prioritize([]model.Task{t1, t2}, now)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)

	got = s.Prioritize([]model.Task{t2, t1}, now)
	assert.Equal(t, "t1", got[0].ID, "order holds regardless of input order")
}

func TestPrioritize_StarvedLowOvertakesFreshMedium(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	starved := taskAged("old-low", model.PriorityLow, 120*time.Second, now)
	fresh := taskAged("new-medium", model.PriorityMedium, 0, now)

	got := s.Prioritize([]model.Task{fresh, starved}, now)
	assert.Equal(t, "old-low", got[0].ID)
}

func TestScore_StarvationStrictlyIncreases(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	before := s.Score(taskAged("t", model.PriorityLow, 61*time.Second, now), now)
	after := s.Score(taskAged("t", model.PriorityLow, 62*time.Second, now), now)
	assert.Greater(t, after, before)
}

func TestPrioritize_TieBreak(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	a := taskAged("b-task", model.PriorityMedium, time.Minute/2, now)
	b := taskAged("a-task", model.PriorityMedium, time.Minute/2, now)
	got := s.Prioritize([]model.Task{a, b}, now)
	assert.Equal(t, "a-task", got[0].ID, "equal score and age ties by id")

	older := taskAged("z-task", model.PriorityMedium, time.Minute/2, now)
	newer := taskAged("a-task", model.PriorityMedium, 0, now)
	got = s.Prioritize([]model.Task{newer, older}, now)
	assert.Equal(t, "z-task", got[0].ID, "older task scores higher")
}

func TestPrioritize_InputNotMutated(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	input := []model.Task{
		taskAged("low", model.PriorityLow, 0, now),
		taskAged("critical", model.PriorityCritical, 0, now),
	}
	_ = s.Prioritize(input, now)

	assert.Equal(t, "low", input[0].ID)
	assert.Equal(t, "critical", input[1].ID)
}

func TestNextBatch_CapsAndFilters(t *testing.T) {
	s := New(DefaultConfig())
	now := time.Now()

	var tasks []model.Task
	for i := 0; i < 15; i++ {
		tasks = append(tasks, taskAged(fmt.Sprintf("t%02d", i), model.PriorityMedium, 0, now))
	}

	got := s.NextBatch(tasks, now, nil)
	assert.Len(t, got, 10, "default batch size caps the cycle")

	got = s.NextBatch(tasks, now, func(t model.Task) bool { return t.ID < "t05" })
	assert.Len(t, got, 5)
}

func TestShouldExecuteNow(t *testing.T) {
	s := New(DefaultConfig())

	tests := []struct {
		priority model.Priority
		want     bool
	}{
		{model.PriorityCritical, true},
		{model.PriorityHigh, true},
		{model.PriorityMedium, false},
		{model.PriorityLow, false},
	}
	for _, tt := range tests {
		task := model.NewTask("work", nil, "")
		task.Priority = tt.priority
		assert.Equal(t, tt.want, s.ShouldExecuteNow(task), "priority %s", tt.priority)
	}
}

func TestEstimateWait(t *testing.T) {
	s := New(DefaultConfig())

	tests := []struct {
		priority model.Priority
		position int
		want     time.Duration
	}{
		{model.PriorityMedium, 2, 10 * time.Second},
		{model.PriorityCritical, 2, 1 * time.Second},
		{model.PriorityHigh, 4, 10 * time.Second},
		{model.PriorityLow, 2, 15 * time.Second},
		{model.PriorityMedium, 0, 0},
	}
	for _, tt := range tests {
		task := model.NewTask("work", nil, "")
		task.Priority = tt.priority
		got := s.EstimateWait(task, tt.position)
		assert.Equal(t, tt.want, got, "%s at position %d", tt.priority, tt.position)
	}
}

func TestPrioritize_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := New(DefaultConfig())
		now := time.Now()
		priorities := []model.Priority{
			model.PriorityLow, model.PriorityMedium,
			model.PriorityHigh, model.PriorityCritical,
		}

		n := rapid.IntRange(0, 40).Draw(t, "n")
		input := make([]model.Task, n)
		for i := range input {
			p := priorities[rapid.IntRange(0, 3).Draw(t, "priority")]
			ageSec := rapid.IntRange(0, 300).Draw(t, "ageSec")
			input[i] = taskAged(fmt.Sprintf("task-%03d", i), p, time.Duration(ageSec)*time.Second, now)
		}

		got := s.Prioritize(input, now)

		if len(got) != len(input) {
			t.Fatalf("length changed: %d != %d", len(got), len(input))
		}
		seen := make(map[string]int)
		for _, task := range got {
			seen[task.ID]++
		}
		for _, task := range input {
			seen[task.ID]--
		}
		for id, count := range seen {
			if count != 0 {
				t.Fatalf("output is not a permutation of input: %s", id)
			}
		}
		for i := 1; i < len(got); i++ {
			if s.Score(got[i], now) > s.Score(got[i-1], now) {
				t.Fatalf("scores not non-increasing at %d", i)
			}
		}
	})
}
