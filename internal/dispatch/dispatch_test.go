package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfleet/internal/apperr"
)

type usageCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (u *usageCounter) RecordToolUse(_ context.Context, tool string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[tool]++
}

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Returns its parameters",
		Parameters: map[string]Param{
			"b":     {Type: "string", Required: true},
			"a":     {Type: "string", Required: true},
			"count": {Type: "integer"},
			"mode":  {Type: "string", Enum: []string{"fast", "slow"}},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return params, nil
		},
	}
}

func TestCall_UnknownTool(t *testing.T) {
	e := NewEngine("test", nil)
	env := e.Call(context.Background(), "nope", nil)
	assert.False(t, env.Success)
	assert.Equal(t, "Tool 'nope' not found", env.Error)
	assert.Equal(t, CodeNotFound, env.Code)
	assert.False(t, env.Timestamp.IsZero())
}

func TestCall_MissingParamsListedTogether(t *testing.T) {
	e := NewEngine("test", nil)
	e.MustRegister(echoTool())

	env := e.Call(context.Background(), "echo", map[string]any{"count": 1})
	assert.False(t, env.Success)
	assert.Equal(t, "Missing required parameters: a, b", env.Error)
	assert.Equal(t, CodeValidation, env.Code)

	env = e.Call(context.Background(), "echo", map[string]any{"a": "x", "b": nil})
	assert.Equal(t, "Missing required parameters: b", env.Error)
}

func TestCall_TypeAndEnumValidation(t *testing.T) {
	e := NewEngine("test", nil)
	e.MustRegister(echoTool())

	env := e.Call(context.Background(), "echo", map[string]any{"a": "x", "b": "y", "count": "three"})
	assert.False(t, env.Success)
	assert.Equal(t, CodeValidation, env.Code)
	assert.Contains(t, env.Error, "count")

	env = e.Call(context.Background(), "echo", map[string]any{"a": "x", "b": "y", "mode": "medium"})
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "mode")
}

func TestCall_SuccessPassesExtraParams(t *testing.T) {
	usage := &usageCounter{counts: map[string]int{}}
	e := NewEngine("test", usage)
	e.MustRegister(echoTool())

	params := map[string]any{"a": "x", "b": "y", "count": 3, "extra": true}
	env := e.Call(context.Background(), "echo", params)
	require.True(t, env.Success, env.Error)
	assert.Equal(t, params, env.Data)
	assert.Empty(t, env.Code)
	assert.Equal(t, 1, usage.counts["echo"])
}

func TestCall_HandlerErrorsAndPanics(t *testing.T) {
	e := NewEngine("test", nil)
	e.MustRegister(
		Tool{Name: "missing", Handler: func(context.Context, map[string]any) (any, error) {
			return nil, apperr.NotFound("get_certificate", "certificate c1 not found")
		}},
		Tool{Name: "plain", Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		}},
		Tool{Name: "panics", Handler: func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		}},
	)
	ctx := context.Background()

	env := e.Call(ctx, "missing", nil)
	assert.Equal(t, "not_found", env.Code)
	assert.Contains(t, env.Error, "certificate c1 not found")

	env = e.Call(ctx, "plain", nil)
	assert.Equal(t, "internal", env.Code)
	assert.Equal(t, "boom", env.Error)

	env = e.Call(ctx, "panics", nil)
	assert.False(t, env.Success)
	assert.Equal(t, "internal", env.Code)
	assert.Contains(t, env.Error, "kaboom")
}

func TestRegisterAndList(t *testing.T) {
	e := NewEngine("pki-mcp-server", nil)
	require.NoError(t, e.Register(echoTool()))
	assert.Error(t, e.Register(echoTool()), "duplicate name")
	assert.Error(t, e.Register(Tool{Name: "nohandler"}))

	tools := e.List()
	require.Len(t, tools, 1)
	schema := tools[0].InputSchema
	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"a", "b"}, schema.Required)
	assert.Equal(t, []string{"fast", "slow"}, schema.Properties["mode"].Enum)

	info := e.Initialize()
	assert.Equal(t, ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, "pki-mcp-server", info.ServerInfo.Name)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, info.SessionID, e.Initialize().SessionID)
}

func TestCaller(t *testing.T) {
	ctx := WithCaller(context.Background(), "alice")
	assert.Equal(t, "alice", CallerFrom(ctx))
	assert.Empty(t, CallerFrom(context.Background()))
}
