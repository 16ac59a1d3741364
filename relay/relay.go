// Package relay bridges the in-process event bus onto NATS subjects so
// external consumers can follow a run without linking the process.
//
// Every bus topic is mirrored to <prefix>.<topic> with the ":" separator
// rewritten to ".", e.g. "task:completed" becomes
// "minihafsa.events.task.completed". Forwarding is asynchronous: the bus
// handler only enqueues, so emitters never wait on the network.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/syedahafsa12/minihafsa/events"
)

// Publisher is the transport seam. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config controls the relay.
type Config struct {
	// SubjectPrefix is prepended to every relayed subject.
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	// Buffer is the outbound queue capacity. Events beyond it are
	// dropped and counted rather than blocking an emitter.
	Buffer int `json:"buffer" yaml:"buffer"`
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "minihafsa.events",
		Buffer:        256,
	}
}

// Validate checks the relay configuration.
func (c *Config) Validate() error {
	if c.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix must not be empty")
	}
	if c.Buffer <= 0 {
		return fmt.Errorf("buffer must be positive, got %d", c.Buffer)
	}
	return nil
}

// Envelope is the wire form of one bus event.
type Envelope struct {
	Topic string         `json:"topic"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data"`
}

// Stats are the relay's forwarding counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Relay subscribes to every bus topic and forwards the events to a
// Publisher from a single worker goroutine.
type Relay struct {
	config Config
	bus    *events.Bus
	pub    Publisher
	logger *slog.Logger

	queue chan Envelope
	subID int
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a relay, attaches it to the bus and starts forwarding.
// Call Close to detach; the caller keeps ownership of the Publisher.
func New(cfg Config, bus *events.Bus, pub Publisher, logger *slog.Logger) (*Relay, error) {
	defaults := DefaultConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.Buffer == 0 {
		cfg.Buffer = defaults.Buffer
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	if bus == nil {
		return nil, fmt.Errorf("relay requires an event bus")
	}
	if pub == nil {
		return nil, fmt.Errorf("relay requires a publisher")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Relay{
		config: cfg,
		bus:    bus,
		pub:    pub,
		logger: logger,
		queue:  make(chan Envelope, cfg.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	r.subID = bus.On("*", r.enqueue)
	go r.run()

	logger.Info("event relay started", "subject_prefix", cfg.SubjectPrefix)
	return r, nil
}

// Close detaches the relay from the bus, forwards what is already
// queued, and stops the worker. Safe to call more than once.
func (r *Relay) Close() {
	r.once.Do(func() {
		r.bus.Off("*", r.subID)
		close(r.stop)
		<-r.done

		stats := r.Stats()
		r.logger.Info("event relay stopped",
			"published", stats.Published,
			"dropped", stats.Dropped,
			"failed", stats.Failed)
	})
}

// Stats returns the forwarding counters so far.
func (r *Relay) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

// enqueue is the bus handler. It never blocks: when the queue is full
// the event is dropped and counted.
func (r *Relay) enqueue(topic string, data map[string]any) {
	env := Envelope{
		Topic: topic,
		Time:  time.Now().UTC(),
		Data:  data,
	}
	select {
	case r.queue <- env:
	default:
		r.dropped.Add(1)
		r.logger.Warn("relay queue full, event dropped", "topic", topic)
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for {
		select {
		case env := <-r.queue:
			r.forward(env)
		case <-r.stop:
			// Drain what was queued before Close, then exit.
			for {
				select {
				case env := <-r.queue:
					r.forward(env)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) forward(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.failed.Add(1)
		r.logger.Error("relay failed to encode event", "topic", env.Topic, "error", err)
		return
	}

	subject := r.Subject(env.Topic)
	if err := r.pub.Publish(subject, payload); err != nil {
		r.failed.Add(1)
		r.logger.Error("relay publish failed", "subject", subject, "error", err)
		return
	}
	r.published.Add(1)
}

// Subject returns the NATS subject a topic is relayed to.
func (r *Relay) Subject(topic string) string {
	return r.config.SubjectPrefix + "." + strings.ReplaceAll(topic, ":", ".")
}

// Dial connects to a NATS server with settings suited to a long-lived
// process: unlimited reconnects and a client name for server-side
// monitoring.
func Dial(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("minihafsa"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}
