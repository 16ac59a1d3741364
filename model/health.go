package model

import "time"

// Health is a point-in-time health snapshot of an agent, refreshed by the
// dispatcher on its health schedule.
type Health struct {
	Healthy   bool           `json:"healthy"`
	LastCheck time.Time      `json:"last_check"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// HealthyNow builds a passing snapshot stamped now.
func HealthyNow() Health {
	return Health{Healthy: true, LastCheck: time.Now()}
}

// Unhealthy builds a failing snapshot carrying the failure message.
func Unhealthy(msg string) Health {
	return Health{Healthy: false, LastCheck: time.Now(), Error: msg}
}
