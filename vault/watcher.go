package vault

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Change ops reported by the watcher.
const (
	OpCreated  = "created"
	OpModified = "modified"
	OpMoved    = "moved"
	OpDeleted  = "deleted"
)

// Change is one coalesced document change. Polling the folders gives the
// same information; the watcher only shortens the latency.
type Change struct {
	Folder string
	ID     string
	Op     string
}

// WatcherConfig controls debouncing and path filtering.
type WatcherConfig struct {
	// DebounceMS is how long raw filesystem events are coalesced before
	// a Change is delivered.
	DebounceMS int `json:"debounce_ms" yaml:"debounce_ms"`
	// Include globs select paths relative to the vault root.
	Include []string `json:"include" yaml:"include"`
	// Exclude globs are checked after Include and win on conflict.
	Exclude []string `json:"exclude" yaml:"exclude"`
	// Buffer is the Change channel capacity. Changes beyond it are
	// dropped and logged.
	Buffer int `json:"buffer" yaml:"buffer"`
}

// DefaultWatcherConfig returns the watcher defaults: JSON documents only,
// temp files, hidden files and the Logs tree excluded.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		DebounceMS: 500,
		Include:    []string{"**/*.json"},
		Exclude:    []string{"**/*.tmp", "**/.*", "Logs/**"},
		Buffer:     64,
	}
}

// Validate checks the watcher configuration.
func (c *WatcherConfig) Validate() error {
	if c.DebounceMS <= 0 {
		return fmt.Errorf("debounce_ms must be positive, got %d", c.DebounceMS)
	}
	if c.Buffer <= 0 {
		return fmt.Errorf("buffer must be positive, got %d", c.Buffer)
	}
	return nil
}

// Watcher pushes document change notifications for a vault. It watches
// the document folders with fsnotify and coalesces bursts of raw events
// per file inside a debounce window.
type Watcher struct {
	vault  *Vault
	config WatcherConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	changes chan Change
}

// NewWatcher creates a watcher for the vault's document folders. Zero
// config fields take defaults.
func NewWatcher(v *Vault, config WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	defaults := DefaultWatcherConfig()
	if config.DebounceMS == 0 {
		config.DebounceMS = defaults.DebounceMS
	}
	if config.Include == nil {
		config.Include = defaults.Include
	}
	if config.Exclude == nil {
		config.Exclude = defaults.Exclude
	}
	if config.Buffer == 0 {
		config.Buffer = defaults.Buffer
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid watcher config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		vault:   v,
		config:  config,
		logger:  logger,
		pending: make(map[string]fsnotify.Op),
		changes: make(chan Change, config.Buffer),
	}, nil
}

// Changes returns the channel change notifications are delivered on.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Start begins watching. It fails if the watcher is already running or
// the folders cannot be watched.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, folder := range DocumentFolders() {
		if err := fsw.Add(filepath.Join(w.vault.Path(), folder)); err != nil {
			fsw.Close()
			return fmt.Errorf("watch folder %s: %w", folder, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(runCtx, fsw)

	w.logger.Info("vault watcher started",
		"root", w.vault.Path(),
		"debounce_ms", w.config.DebounceMS)
	return nil
}

// Stop cancels the watch loop and waits for it to drain.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.cancel()
	<-w.done
	w.running = false
	w.logger.Info("vault watcher stopped")
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	ticker := time.NewTicker(time.Duration(w.config.DebounceMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.matches(event.Name) {
				continue
			}
			w.pendingMu.Lock()
			w.pending[event.Name] |= event.Op
			w.pendingMu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("vault watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// matches applies the include and exclude globs to a path relative to the
// vault root.
func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.vault.Path(), path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)

	included := false
	for _, pattern := range w.config.Include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range w.config.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	return true
}

// flush converts the pending raw events into Changes and delivers them.
func (w *Watcher) flush() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path, op := range pending {
		folder := filepath.Base(filepath.Dir(path))
		id := strings.TrimSuffix(filepath.Base(path), ".json")

		change := Change{Folder: folder, ID: id, Op: opName(op)}
		select {
		case w.changes <- change:
		default:
			w.logger.Warn("change notification dropped",
				"folder", folder, "id", id, "op", change.Op)
		}
	}
}

// opName collapses a coalesced fsnotify op set into one Change op.
// Removal wins over everything: whatever else happened, the file is gone.
func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Remove):
		return OpDeleted
	case op.Has(fsnotify.Rename):
		return OpMoved
	case op.Has(fsnotify.Create):
		return OpCreated
	default:
		return OpModified
	}
}
