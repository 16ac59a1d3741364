package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syedahafsa12/minihafsa/events"
)

type pubCall struct {
	subject string
	data    []byte
}

// fakePublisher records publishes. started (if set) receives the subject
// before the call blocks on gate (if set); ch (if set) receives the call
// once recorded.
type fakePublisher struct {
	mu      sync.Mutex
	calls   []pubCall
	err     error
	gate    chan struct{}
	started chan string
	ch      chan pubCall
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.started != nil {
		p.started <- subject
	}
	if p.gate != nil {
		<-p.gate
	}

	call := pubCall{subject: subject, data: append([]byte(nil), data...)}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()

	if p.ch != nil {
		p.ch <- call
	}
	return p.err
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.subject
	}
	return out
}

func TestRelayForwardsEvents(t *testing.T) {
	bus := events.New(nil)
	pub := &fakePublisher{ch: make(chan pubCall, 4)}

	r, err := New(Config{}, bus, pub, nil)
	require.NoError(t, err)
	defer r.Close()

	bus.Emit(events.TopicTaskCompleted, map[string]any{
		"taskId": "task-1",
		"agent":  "echo",
	})

	var call pubCall
	select {
	case call = <-pub.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}

	assert.Equal(t, "minihafsa.events.task.completed", call.subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(call.data, &env))
	assert.Equal(t, events.TopicTaskCompleted, env.Topic)
	assert.Equal(t, "task-1", env.Data["taskId"])
	assert.Equal(t, "echo", env.Data["agent"])
	assert.False(t, env.Time.IsZero())

	r.Close()
	assert.Equal(t, uint64(1), r.Stats().Published)
}

func TestRelaySubjects(t *testing.T) {
	bus := events.New(nil)
	r, err := New(Config{SubjectPrefix: "hafsa.ev"}, bus, &fakePublisher{}, nil)
	require.NoError(t, err)
	defer r.Close()

	tests := []struct {
		topic string
		want  string
	}{
		{"task:queued", "hafsa.ev.task.queued"},
		{"approval:pending", "hafsa.ev.approval.pending"},
		{"loop:cycle", "hafsa.ev.loop.cycle"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Subject(tt.topic))
	}
}

func TestRelayCloseDrainsQueue(t *testing.T) {
	bus := events.New(nil)
	pub := &fakePublisher{
		gate:    make(chan struct{}),
		started: make(chan string, 1),
	}

	r, err := New(Config{}, bus, pub, nil)
	require.NoError(t, err)

	bus.Emit(events.TopicTaskStarted, map[string]any{"n": 1})
	// Wait until the worker holds the first event so the next two queue
	// up behind it.
	select {
	case <-pub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first event")
	}
	pub.started = nil
	bus.Emit(events.TopicTaskCompleted, map[string]any{"n": 2})
	bus.Emit(events.TopicLoopCycle, map[string]any{"n": 3})

	close(pub.gate)
	r.Close()

	assert.Equal(t, []string{
		"minihafsa.events.task.started",
		"minihafsa.events.task.completed",
		"minihafsa.events.loop.cycle",
	}, pub.subjects())
	assert.Equal(t, uint64(3), r.Stats().Published)
	assert.Equal(t, uint64(0), r.Stats().Dropped)
}

func TestRelayNeverBlocksEmitter(t *testing.T) {
	bus := events.New(nil)
	pub := &fakePublisher{
		gate:    make(chan struct{}),
		started: make(chan string, 1),
	}

	r, err := New(Config{Buffer: 1}, bus, pub, nil)
	require.NoError(t, err)

	bus.Emit(events.TopicTaskStarted, map[string]any{"n": 1})
	select {
	case <-pub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first event")
	}
	pub.started = nil

	// The worker is parked in Publish, so the queue holds one event and
	// everything past it is dropped without blocking this goroutine.
	bus.Emit(events.TopicTaskCompleted, map[string]any{"n": 2})
	bus.Emit(events.TopicTaskFailed, map[string]any{"n": 3})
	bus.Emit(events.TopicLoopCycle, map[string]any{"n": 4})

	assert.Equal(t, uint64(2), r.Stats().Dropped)

	close(pub.gate)
	r.Close()

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(2), stats.Dropped)
}

func TestRelayCountsPublishFailures(t *testing.T) {
	bus := events.New(nil)
	pub := &fakePublisher{
		err: assert.AnError,
		ch:  make(chan pubCall, 1),
	}

	r, err := New(Config{}, bus, pub, nil)
	require.NoError(t, err)

	bus.Emit(events.TopicAgentStatus, map[string]any{"agent": "echo"})

	select {
	case <-pub.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish attempt")
	}

	r.Close()
	stats := r.Stats()
	assert.Equal(t, uint64(0), stats.Published)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestRelayCloseIdempotent(t *testing.T) {
	bus := events.New(nil)
	r, err := New(Config{}, bus, &fakePublisher{}, nil)
	require.NoError(t, err)

	r.Close()
	r.Close()

	// Events emitted after Close are not forwarded.
	bus.Emit(events.TopicTaskQueued, map[string]any{"n": 1})
	assert.Equal(t, uint64(0), r.Stats().Published)
}

func TestNewRelayValidation(t *testing.T) {
	bus := events.New(nil)

	_, err := New(Config{}, nil, &fakePublisher{}, nil)
	assert.Error(t, err)

	_, err = New(Config{}, bus, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Buffer: -1}, bus, &fakePublisher{}, nil)
	assert.Error(t, err)
}
