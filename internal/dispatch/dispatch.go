// Package dispatch routes named tool calls to handlers. It checks required parameters,
// validates declared types against a JSON schema and wraps every outcome in an Envelope.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/metrics"
)

var logger *zap.Logger

func init() {
	var err error
	logger, err = zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = logger.With(zap.String("package", "dispatch"))
}

const (
	ProtocolVersion = "2024-11-05"
	ServerVersion   = "1.0.0"
)

// Code values carried in failed envelopes besides the apperr kinds.
const (
	CodeNotFound   = string(apperr.KindNotFound)
	CodeValidation = string(apperr.KindValidation)
	CodeInternal   = string(apperr.KindInternal)
)

// Param declares one tool parameter.
type Param struct {
	Type        string   `json:"type"` // string, integer, number, boolean, object, array
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"-"`
	Enum        []string `json:"enum,omitempty"`
}

// Handler runs a tool. params are the caller's parameters, already validated.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Tool is a named operation exposed through the engine.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]Param
	Handler     Handler
}

// Envelope is the uniform result of Call.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InputSchema is the JSON schema rendering of a tool's parameters.
type InputSchema struct {
	Type       string           `json:"type"`
	Properties map[string]Param `json:"properties"`
	Required   []string         `json:"required"`
}

// ToolInfo describes a tool for listing.
type ToolInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// SessionInfo is returned by Initialize.
type SessionInfo struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	SessionID       string         `json:"sessionId"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// UsageRecorder counts tool invocations. The cache satisfies it through an adapter in the tools package.
type UsageRecorder interface {
	RecordToolUse(ctx context.Context, tool string)
}

type registered struct {
	tool   Tool
	info   ToolInfo
	schema *gojsonschema.Schema
}

// Engine holds the tool registry.
type Engine struct {
	name      string
	sessionID string
	usage     UsageRecorder

	mu    sync.RWMutex
	tools map[string]*registered
	order []string // Registration order, used by List
}

// NewEngine creates an engine. usage may be nil.
func NewEngine(name string, usage UsageRecorder) *Engine {
	return &Engine{
		name:      name,
		sessionID: uuid.NewString(),
		usage:     usage,
		tools:     make(map[string]*registered),
	}
}

// Initialize returns the session handshake.
func (e *Engine) Initialize() SessionInfo {
	return SessionInfo{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{"listChanged": true}},
		ServerInfo:      ServerInfo{Name: e.name, Version: ServerVersion},
		SessionID:       e.sessionID,
	}
}

// renderSchema builds the listing schema for a parameter set.
func renderSchema(params map[string]Param) InputSchema {
	s := InputSchema{Type: "object", Properties: make(map[string]Param, len(params)), Required: []string{}}
	for name, p := range params {
		s.Properties[name] = p
		if p.Required {
			s.Required = append(s.Required, name)
		}
	}
	sort.Strings(s.Required)
	return s
}

// compileSchema turns the declared types into a gojsonschema validator. Required-ness is checked
// separately so that every missing parameter can be reported at once.
func compileSchema(params map[string]Param) (*gojsonschema.Schema, error) {
	props := make(map[string]any, len(params))
	for name, p := range params {
		prop := map[string]any{}
		if p.Type != "" {
			prop["type"] = p.Type
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		props[name] = prop
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": true,
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
}

// Register adds a tool. Names are unique.
func (e *Engine) Register(tool Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return errors.New("dispatch: tool needs a name and a handler")
	}
	schema, err := compileSchema(tool.Parameters)
	if err != nil {
		return fmt.Errorf("dispatch: invalid parameter schema for tool '%s': %w", tool.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[tool.Name]; exists {
		return fmt.Errorf("dispatch: tool '%s' already registered", tool.Name)
	}
	e.tools[tool.Name] = &registered{
		tool:   tool,
		info:   ToolInfo{Name: tool.Name, Description: tool.Description, InputSchema: renderSchema(tool.Parameters)},
		schema: schema,
	}
	e.order = append(e.order, tool.Name)
	logger.Info("Registered tool", zap.String("tool", tool.Name))
	return nil
}

// MustRegister is Register for static tool tables.
func (e *Engine) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := e.Register(t); err != nil {
			panic(err)
		}
	}
}

// List returns every tool in registration order.
func (e *Engine) List() []ToolInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ToolInfo, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.tools[name].info)
	}
	return out
}

func (e *Engine) lookup(name string) (*registered, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.tools[name]
	return r, ok
}

func fail(code, msg string) Envelope {
	return Envelope{Success: false, Error: msg, Code: code, Timestamp: time.Now().UTC()}
}

// missingParams lists required parameters that are absent or null, sorted by name.
func missingParams(params map[string]any, declared map[string]Param) []string {
	var missing []string
	for name, p := range declared {
		if !p.Required {
			continue
		}
		if v, ok := params[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Call runs a tool and never returns an error; every failure is an envelope.
func (e *Engine) Call(ctx context.Context, name string, params map[string]any) (env Envelope) {
	start := time.Now()
	reg, ok := e.lookup(name)
	if !ok {
		metrics.ToolCalls.WithLabelValues("unknown", CodeNotFound).Inc()
		return fail(CodeNotFound, fmt.Sprintf("Tool '%s' not found", name))
	}
	defer func() {
		code := env.Code
		if env.Success {
			code = "ok"
		}
		metrics.ToolCalls.WithLabelValues(name, code).Inc()
		metrics.ToolLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	if e.usage != nil {
		e.usage.RecordToolUse(ctx, name)
	}
	if params == nil {
		params = map[string]any{}
	}

	if missing := missingParams(params, reg.tool.Parameters); len(missing) > 0 {
		return fail(CodeValidation, "Missing required parameters: "+strings.Join(missing, ", "))
	}
	result, err := reg.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fail(CodeValidation, fmt.Sprintf("Invalid parameters: %v", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		sort.Strings(msgs)
		return fail(CodeValidation, "Invalid parameters: "+strings.Join(msgs, "; "))
	}

	return e.run(ctx, reg.tool, params)
}

// run invokes the handler, converting panics and errors into envelopes.
func (e *Engine) run(ctx context.Context, tool Tool, params map[string]any) (env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Tool handler panicked", zap.String("tool", tool.Name), zap.Any("panic", r), zap.Stack("stack"))
			env = fail(CodeInternal, fmt.Sprintf("Tool execution failed: %v", r))
		}
	}()
	data, err := tool.Handler(ctx, params)
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindInternal || kind == apperr.KindStore {
			logger.Error("Tool failed", zap.String("tool", tool.Name), zap.String("code", string(kind)), zap.Error(err))
		} else {
			logger.Info("Tool returned an error", zap.String("tool", tool.Name), zap.String("code", string(kind)), zap.Error(err))
		}
		return fail(string(kind), err.Error())
	}
	return Envelope{Success: true, Data: data, Timestamp: time.Now().UTC()}
}

type callerKey struct{}

// WithCaller records who is calling, for audit rows.
func WithCaller(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, callerKey{}, who)
}

// CallerFrom returns the caller recorded by WithCaller, or "".
func CallerFrom(ctx context.Context) string {
	who, _ := ctx.Value(callerKey{}).(string)
	return who
}
