package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syedahafsa12/minihafsa/logging"
	"github.com/syedahafsa12/minihafsa/model"
)

func testBase() *Base {
	return NewBase("echo", "1.0.0", nil,
		model.NewCapability("echo", "returns its payload"))
}

func TestBase_CanHandle(t *testing.T) {
	b := testBase()

	assert.True(t, b.CanHandle(model.NewTask("echo", nil, "")))
	assert.False(t, b.CanHandle(model.NewTask("summarize", nil, "")))
}

func TestBase_CapabilitiesReturnsCopy(t *testing.T) {
	b := testBase()

	caps := b.Capabilities()
	caps[0].Name = "mutated"

	assert.Equal(t, "echo", b.Capabilities()[0].Name)
}

func TestBase_RunSuccess(t *testing.T) {
	b := testBase()
	task := model.NewTask("echo", map[string]any{"text": "hi"}, "")

	res := b.Run(context.Background(), task, func(_ context.Context, t model.Task) (map[string]any, error) {
		return map[string]any{"text": t.Payload["text"]}, nil
	})

	require.True(t, res.Success)
	assert.Equal(t, "hi", res.Data["text"])
	assert.GreaterOrEqual(t, res.ExecutionTimeMS, int64(0))
	assert.Nil(t, res.Error)
}

func TestBase_RunRecoversPanic(t *testing.T) {
	b := testBase()

	res := b.Run(context.Background(), model.NewTask("echo", nil, ""),
		func(context.Context, model.Task) (map[string]any, error) {
			panic("boom")
		})

	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.CodeExecutionError, res.Error.Code)
	assert.True(t, res.Error.Recoverable)
	assert.Contains(t, res.Error.Message, "panicked")
	assert.Contains(t, res.Error.Message, "boom")
}

func TestBase_RunTypedError(t *testing.T) {
	b := testBase()

	res := b.Run(context.Background(), model.NewTask("echo", nil, ""),
		func(context.Context, model.Task) (map[string]any, error) {
			return nil, &Error{
				Code:         "HTTP_503",
				Message:      "upstream busy",
				Recoverable:  true,
				RetryAfterMS: 250,
			}
		})

	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "HTTP_503", res.Error.Code)
	assert.True(t, res.Error.Recoverable)
	assert.Equal(t, 250, res.Error.RetryAfterMS)
}

func TestBase_RunGenericError(t *testing.T) {
	b := testBase()

	res := b.Run(context.Background(), model.NewTask("echo", nil, ""),
		func(context.Context, model.Task) (map[string]any, error) {
			return nil, errors.New("something broke")
		})

	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.CodeExecutionError, res.Error.Code)
	assert.True(t, res.Error.Recoverable)
}

func TestBase_HealthCheckRecords(t *testing.T) {
	b := testBase()

	h, err := b.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.False(t, h.LastCheck.IsZero())
	assert.Equal(t, h, b.LastHealth())
}

func TestBase_RecordHealth(t *testing.T) {
	b := testBase()

	b.RecordHealth(model.Unhealthy("dependency down"))

	got := b.LastHealth()
	assert.False(t, got.Healthy)
	assert.Equal(t, "dependency down", got.Error)
}

func TestBase_RunLogsActivity(t *testing.T) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	activity, err := logging.New(logging.Config{Path: t.TempDir()}, nil, discard)
	require.NoError(t, err)
	defer activity.Close()

	b := NewBase("echo", "1.0.0", activity,
		model.NewCapability("echo", "returns its payload"))

	b.Run(context.Background(), model.NewTask("echo", nil, ""),
		func(context.Context, model.Task) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})
	b.Run(context.Background(), model.NewTask("echo", nil, ""),
		func(context.Context, model.Task) (map[string]any, error) {
			return nil, &Error{Code: "HTTP_500", Message: "boom", Recoverable: true}
		})

	records, err := activity.Query(logging.Query{Category: "agents"})
	require.NoError(t, err)

	actions := map[string]bool{}
	var failCode string
	for _, rec := range records {
		actions[rec.Action] = true
		if rec.Action == "execute_failed" && rec.Error != nil {
			failCode = rec.Error.Code
		}
		assert.Equal(t, "agent:echo", rec.Source)
	}
	assert.True(t, actions["execute_start"])
	assert.True(t, actions["execute_complete"])
	assert.True(t, actions["execute_failed"])
	assert.Equal(t, "HTTP_500", failCode)
}
