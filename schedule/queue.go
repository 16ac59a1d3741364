package schedule

import (
	"sync"
	"time"

	"github.com/syedahafsa12/minihafsa/model"
)

// Queue is a mutex-guarded task queue kept in priority order. The loop
// fills it from the workspace scan each cycle and drains it in batches.
type Queue struct {
	scheduler *Scheduler

	mu    sync.Mutex
	tasks []model.Task
}

// QueueStats summarises queue contents.
type QueueStats struct {
	Total      int                    `json:"total"`
	ByPriority map[model.Priority]int `json:"by_priority"`
}

// NewQueue builds a queue ordered by the given scheduler.
func NewQueue(scheduler *Scheduler) *Queue {
	return &Queue{scheduler: scheduler}
}

// Enqueue adds a task, reorders the queue, and returns the task's new
// position (0 is next).
func (q *Queue) Enqueue(t model.Task) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, t)
	q.tasks = q.scheduler.Prioritize(q.tasks, time.Now())

	for i, queued := range q.tasks {
		if queued.ID == t.ID {
			return i
		}
	}
	return len(q.tasks) - 1
}

// Dequeue removes and returns up to n tasks from the front.
func (q *Queue) Dequeue(n int) []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.tasks) {
		n = len(q.tasks)
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Task, n)
	copy(out, q.tasks[:n])
	q.tasks = q.tasks[n:]
	return out
}

// Peek returns up to n tasks from the front without removing them.
func (q *Queue) Peek(n int) []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.tasks) {
		n = len(q.tasks)
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Task, n)
	copy(out, q.tasks[:n])
	return out
}

// Remove deletes the task with the given id. Returns false when absent.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Position returns the queue position of a task, or false when absent.
func (q *Queue) Position(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.tasks {
		if t.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Size returns the number of queued tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Clear empties the queue and returns how many tasks were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.tasks)
	q.tasks = nil
	return n
}

// Stats returns per-priority counts.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Total:      len(q.tasks),
		ByPriority: make(map[model.Priority]int),
	}
	for _, t := range q.tasks {
		stats.ByPriority[t.Priority]++
	}
	return stats
}
