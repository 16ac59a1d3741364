// Package logging implements the structured activity log shared by every
// component. Records carry a source, an action, and the correlation pair
// from the request context; they are appended as JSONL day files under the
// vault's Logs folder, mirrored to slog, and announced on the event bus.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
)

// Level is the severity of an activity record.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// slogLevel maps activity levels onto slog for the console mirror.
func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Data is the structured payload of a record.
type Data struct {
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// ErrorDetail describes a failure attached to an error-level record.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Record is one activity log line.
type Record struct {
	Timestamp     time.Time    `json:"timestamp"`
	Level         Level        `json:"level"`
	Source        string       `json:"source"`
	Action        string       `json:"action"`
	CorrelationID string       `json:"correlationId"`
	UserID        string       `json:"userId,omitempty"`
	Data          Data         `json:"data"`
	Error         *ErrorDetail `json:"error,omitempty"`
}

// Config controls where records are persisted.
type Config struct {
	// Path is the log root, normally <vault>/Logs. Empty disables
	// persistence; records still mirror to slog and the bus.
	Path string `json:"path" yaml:"path"`
	// Console mirrors records to slog when true.
	Console bool `json:"console" yaml:"console"`
}

// DefaultConfig returns the logging defaults.
func DefaultConfig() Config {
	return Config{Console: true}
}

// Emitter is the bus surface the logger needs. Satisfied by *events.Bus.
type Emitter interface {
	Emit(topic string, data map[string]any)
}

// Logger fans records out to the JSONL store, the slog mirror, and the
// event bus. Create one per process and derive SourceLoggers from it.
type Logger struct {
	cfg     Config
	store   *Store
	bus     Emitter
	slogger *slog.Logger
}

// New creates a logger. bus may be nil (no log:entry events) and slogger
// may be nil (slog.Default() is used).
func New(cfg Config, bus Emitter, slogger *slog.Logger) (*Logger, error) {
	if slogger == nil {
		slogger = slog.Default()
	}
	var store *Store
	if cfg.Path != "" {
		s, err := NewStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open log store: %w", err)
		}
		store = s
	}
	return &Logger{cfg: cfg, store: store, bus: bus, slogger: slogger}, nil
}

// Source returns a logger scoped to one source, e.g. "agent:approval" or
// "loop:orchestrator".
func (l *Logger) Source(source string) *SourceLogger {
	return &SourceLogger{parent: l, source: source}
}

// Query reads persisted records back. Returns nothing when persistence is
// disabled.
func (l *Logger) Query(q Query) ([]Record, error) {
	if l.store == nil {
		return nil, nil
	}
	return l.store.Query(q)
}

// Cleanup removes day files older than the horizon and reports how many
// were unlinked.
func (l *Logger) Cleanup(olderThan time.Duration) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	return l.store.Cleanup(olderThan)
}

// Close flushes and closes the underlying store.
func (l *Logger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

func (l *Logger) write(rec Record) {
	if l.cfg.Console {
		args := []any{"source", rec.Source, "action", rec.Action}
		if rec.CorrelationID != "" {
			args = append(args, "correlation_id", rec.CorrelationID)
		}
		if rec.Error != nil {
			args = append(args, "error_code", rec.Error.Code, "error", rec.Error.Message)
		}
		l.slogger.Log(context.Background(), rec.Level.slogLevel(), "activity", args...)
	}

	if l.store != nil {
		if err := l.store.Append(rec); err != nil {
			l.slogger.Error("failed to persist log record", "source", rec.Source, "action", rec.Action, "error", err)
		}
	}

	if l.bus != nil {
		l.bus.Emit("log:entry", map[string]any{
			"level":         string(rec.Level),
			"source":        rec.Source,
			"action":        rec.Action,
			"correlationId": rec.CorrelationID,
		})
	}
}

// SourceLogger writes records for one source.
type SourceLogger struct {
	parent *Logger
	source string
}

// Debug writes a debug-level record. data may be nil.
func (sl *SourceLogger) Debug(ctx context.Context, action string, data *Data) {
	sl.log(ctx, LevelDebug, action, data, nil)
}

// Info writes an info-level record. data may be nil.
func (sl *SourceLogger) Info(ctx context.Context, action string, data *Data) {
	sl.log(ctx, LevelInfo, action, data, nil)
}

// Warn writes a warn-level record. data may be nil.
func (sl *SourceLogger) Warn(ctx context.Context, action string, data *Data) {
	sl.log(ctx, LevelWarn, action, data, nil)
}

// Error writes an error-level record with the failure attached. The call
// site's stack is captured so the record stands alone.
func (sl *SourceLogger) Error(ctx context.Context, action string, err error, data *Data) {
	detail := &ErrorDetail{
		Code:    errorCode(err),
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
	sl.log(ctx, LevelError, action, data, detail)
}

func (sl *SourceLogger) log(ctx context.Context, level Level, action string, data *Data, detail *ErrorDetail) {
	correlationID, userID := CorrelationFrom(ctx)
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	rec := Record{
		Timestamp:     time.Now(),
		Level:         level,
		Source:        sl.source,
		Action:        action,
		CorrelationID: correlationID,
		UserID:        userID,
		Error:         detail,
	}
	if data != nil {
		rec.Data = *data
	}
	sl.parent.write(rec)
}

// errorCode prefers a code carried by the error itself over the generic
// fallback.
func errorCode(err error) string {
	type coder interface{ Code() string }
	if c, ok := err.(coder); ok {
		return c.Code()
	}
	return "ERROR"
}

// Category maps a record source to its day-file directory. Sources of the
// form "agent:<name>" group under agents, the loop under loop, everything
// else under system.
func Category(source string) string {
	prefix, _, found := strings.Cut(source, ":")
	if !found {
		return "system"
	}
	switch prefix {
	case "agent", "agents":
		return "agents"
	case "loop":
		return "loop"
	default:
		return "system"
	}
}
