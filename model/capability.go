package model

// Capability describes one action an agent can perform. The name matches
// the task type it handles ("domain:action"). Schemas are opaque blobs
// validated by outer layers, never by the core.
type Capability struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	DefaultPriority  Priority       `json:"default_priority,omitempty"`
	DefaultTimeoutMS int            `json:"default_timeout_ms,omitempty"`
	InputSchema      map[string]any `json:"input_schema,omitempty"`
	OutputSchema     map[string]any `json:"output_schema,omitempty"`
}

// NewCapability builds a capability with the default priority and timeout.
func NewCapability(name, description string) Capability {
	return Capability{
		Name:             name,
		Description:      description,
		DefaultPriority:  PriorityMedium,
		DefaultTimeoutMS: DefaultTimeoutMS,
	}
}
