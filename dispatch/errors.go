package dispatch

import "errors"

var (
	// ErrAgentExists is returned when registering a name twice.
	ErrAgentExists = errors.New("agent already registered")
	// ErrAgentNotFound is returned for operations on unknown agents.
	ErrAgentNotFound = errors.New("agent not registered")
)
