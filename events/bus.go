// Package events provides the in-process pub/sub bus that fans out
// lifecycle notifications between the loop, the dispatcher, the approval
// workflow, and any observer such as the dashboard or the relay.
//
// Topics follow the "component:event" form. A subscription pattern ending
// in "*" matches every topic it prefixes, so "task:*" receives
// "task:started" and "task:completed" alike.
package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Topic names emitted by the core. The set is closed; components must not
// invent further topics.
const (
	TopicAgentStatus      = "agent:status"
	TopicTaskQueued       = "task:queued"
	TopicTaskStarted      = "task:started"
	TopicTaskCompleted    = "task:completed"
	TopicTaskFailed       = "task:failed"
	TopicApprovalPending  = "approval:pending"
	TopicApprovalResolved = "approval:resolved"
	TopicLogEntry         = "log:entry"
	TopicDashboardUpdate  = "dashboard:update"
	TopicLoopCycle        = "loop:cycle"
)

// Handler is a synchronous subscriber. It receives the concrete topic the
// emitter used, never the pattern it subscribed with.
type Handler func(topic string, data map[string]any)

// AsyncHandler is an awaited subscriber run on its own goroutine by
// EmitAsync. Returned errors are logged and swallowed.
type AsyncHandler func(ctx context.Context, topic string, data map[string]any) error

type subscriber struct {
	id    int
	fn    Handler
	async AsyncHandler
}

// Bus is a topic-keyed fanout. Handler failures never reach the emitter:
// panics are recovered and errors logged, and sibling handlers still run.
type Bus struct {
	mu     sync.RWMutex
	logger *slog.Logger
	nextID int
	subs   map[string][]subscriber
}

// New creates an empty bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[string][]subscriber),
	}
}

// On registers a synchronous handler for a topic or wildcard pattern and
// returns the id used to unsubscribe.
func (b *Bus) On(pattern string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[pattern] = append(b.subs[pattern], subscriber{id: b.nextID, fn: h})
	return b.nextID
}

// OnAsync registers an awaited handler for a topic or wildcard pattern.
func (b *Bus) OnAsync(pattern string, h AsyncHandler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[pattern] = append(b.subs[pattern], subscriber{id: b.nextID, async: h})
	return b.nextID
}

// Off removes the subscription with the given id from a pattern.
func (b *Bus) Off(pattern string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[pattern]
	for i, sub := range list {
		if sub.id == id {
			b.subs[pattern] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[pattern]) == 0 {
		delete(b.subs, pattern)
	}
}

// Clear drops every subscription. Intended for tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscriber)
}

// Emit delivers data to every matching synchronous subscriber, inline on
// the caller's goroutine. Async subscribers are skipped; use EmitAsync to
// reach them.
func (b *Bus) Emit(topic string, data map[string]any) {
	for _, sub := range b.matching(topic) {
		if sub.fn != nil {
			b.safeCall(sub.fn, topic, data)
		}
	}
}

// EmitAsync delivers to synchronous subscribers inline, then runs every
// matching async subscriber on its own goroutine and waits for all of them.
func (b *Bus) EmitAsync(ctx context.Context, topic string, data map[string]any) {
	matched := b.matching(topic)
	for _, sub := range matched {
		if sub.fn != nil {
			b.safeCall(sub.fn, topic, data)
		}
	}

	var wg sync.WaitGroup
	for _, sub := range matched {
		if sub.async == nil {
			continue
		}
		wg.Add(1)
		go func(h AsyncHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("async event handler panicked", "topic", topic, "panic", r)
				}
			}()
			if err := h(ctx, topic, data); err != nil {
				b.logger.Error("async event handler failed", "topic", topic, "error", err)
			}
		}(sub.async)
	}
	wg.Wait()
}

// matching snapshots the subscribers for a topic so handlers can
// subscribe or unsubscribe reentrantly without deadlocking.
func (b *Bus) matching(topic string) []subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []subscriber
	if exact, ok := b.subs[topic]; ok {
		matched = append(matched, exact...)
	}
	for pattern, list := range b.subs {
		if pattern == topic {
			continue
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*")) {
			matched = append(matched, list...)
		}
	}
	return matched
}

func (b *Bus) safeCall(h Handler, topic string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(topic, data)
}
