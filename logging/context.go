package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const correlationKey contextKey = iota

type correlation struct {
	correlationID string
	userID        string
}

// WithCorrelation returns a context carrying the correlation pair. Every
// record written under this context is tagged with both values, which is
// how one logical request stays traceable across the loop, the dispatcher,
// and the executing agent.
func WithCorrelation(ctx context.Context, correlationID, userID string) context.Context {
	return context.WithValue(ctx, correlationKey, correlation{
		correlationID: correlationID,
		userID:        userID,
	})
}

// CorrelationFrom extracts the correlation pair from a context. Both values
// are empty when the context carries none.
func CorrelationFrom(ctx context.Context) (correlationID, userID string) {
	if ctx == nil {
		return "", ""
	}
	if c, ok := ctx.Value(correlationKey).(correlation); ok {
		return c.correlationID, c.userID
	}
	return "", ""
}

// NewCorrelationID generates a fresh correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}
