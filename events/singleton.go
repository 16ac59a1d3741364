package events

import "sync"

// Global bus instance and initialization guard.
var (
	globalBus  *Bus
	globalOnce sync.Once
)

// Global returns the process-wide bus, creating it on first use. Prefer
// constructor injection; this exists for wiring at the process edge.
func Global() *Bus {
	globalOnce.Do(func() {
		globalBus = New(nil)
	})
	return globalBus
}

// InitGlobal installs a custom bus as the process-wide instance. Only the
// first call, including the first Global() call, has any effect.
func InitGlobal(b *Bus) {
	globalOnce.Do(func() {
		globalBus = b
	})
}

// ResetGlobal resets the global bus for testing purposes. Not thread-safe.
func ResetGlobal() {
	globalOnce = sync.Once{}
	globalBus = nil
}
