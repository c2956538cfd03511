package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fieldline/courier/internal/observability"
	"github.com/fieldline/courier/pkg/models"
)

// Argument limits to prevent resource exhaustion from a misbehaving engine.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of the argument mapping (1MB).
	MaxToolArgsSize = 1 << 20
)

// defaultDispatchTimeout bounds a single tool dispatch. Every dispatch crosses
// a network boundary and must never be left to hang.
const defaultDispatchTimeout = 30 * time.Second

// Registry maps tool names to handlers with thread-safe registration and
// lookup. Dispatch is pure routing: it validates, times out, and converts
// handler failures into typed error observations; it never retries.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*registeredTool

	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

type registeredTool struct {
	handler Handler
	schema  *jsonschema.Schema
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithDispatchTimeout overrides the per-dispatch timeout.
func WithDispatchTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRegistryLogger configures the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryMetrics configures dispatch metrics.
func WithRegistryMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string]*registeredTool),
		timeout:  defaultDispatchTimeout,
		logger:   slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler, compiling its argument schema. A handler with a
// malformed schema is rejected; an existing handler with the same name is
// replaced.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return errors.New("handler is nil")
	}
	name := h.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(h.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = &registeredTool{handler: h, schema: schema}
	return nil
}

// MustRegister registers a handler and panics on schema errors. Intended for
// wiring at startup where a bad schema is a programming error.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Get returns a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// Specs returns the registered tool specs, sorted by name so the engine
// prompt is deterministic.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.handlers))
	for _, reg := range r.handlers {
		specs = append(specs, ToolSpec{
			Name:        reg.handler.Name(),
			Description: reg.handler.Description(),
			Schema:      reg.handler.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Validate checks a call against the tool's declared schema without
// dispatching. Returns a *ValidationError on failure.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	if len(name) > MaxToolNameLength {
		return &ValidationError{ToolName: name, Cause: errors.New("tool name too long")}
	}
	if len(args) > MaxToolArgsSize {
		return &ValidationError{ToolName: name, Cause: fmt.Errorf("arguments exceed %d bytes", MaxToolArgsSize)}
	}
	r.mu.RLock()
	reg, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return &ValidationError{ToolName: name, Cause: errors.New("unknown tool")}
	}

	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return &ValidationError{ToolName: name, Cause: err}
	}
	if err := reg.schema.Validate(payload); err != nil {
		return &ValidationError{ToolName: name, Cause: err}
	}
	return nil
}

// IdempotencyKey derives the idempotency key for an irreversible tool call.
// Returns false when the tool does not declare one.
func (r *Registry) IdempotencyKey(name string, args json.RawMessage) (string, bool) {
	h, ok := r.Get(name)
	if !ok {
		return "", false
	}
	keyer, ok := h.(IdempotencyKeyer)
	if !ok {
		return "", false
	}
	return keyer.IdempotencyKey(args), true
}

// Dispatch validates and executes a tool call, returning the recorded
// observation. Invalid calls are never dispatched; handler errors and
// timeouts become typed error observations. Dispatch itself never returns
// a Go error; every enumerated failure is recorded as result state.
func (r *Registry) Dispatch(ctx context.Context, call models.ToolCall) models.ToolResult {
	if err := r.Validate(call.Name, call.Args); err != nil {
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    err.Error(),
			IsError:    true,
			ErrorKind:  KindValidation,
		}
	}

	h, _ := r.Get(call.Name)

	ctx, span := observability.StartToolSpan(ctx, call.Name, string(h.Class()))
	defer span.End()

	start := time.Now()
	obs, timedOut := r.executeWithTimeout(ctx, h, call)
	r.metrics.ObserveDispatch(call.Name, string(h.Class()), !obs.IsError, time.Since(start))

	if obs.IsError {
		span.RecordError(errors.New(obs.Content))
		r.logger.Warn("tool dispatch failed",
			"tool", call.Name,
			"kind", obs.Kind,
			"timed_out", timedOut,
		)
	}

	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    obs.Content,
		IsError:    obs.IsError,
		ErrorKind:  obs.Kind,
	}
}

// executeWithTimeout runs the handler under the per-dispatch timeout. The
// handler goroutine may outlive the deadline; its result is then discarded.
func (r *Registry) executeWithTimeout(ctx context.Context, h Handler, call models.ToolCall) (Observation, bool) {
	type execResult struct {
		obs *Observation
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultChan := make(chan execResult, 1)
	go func() {
		obs, err := h.Execute(ctx, call.Args)
		select {
		case resultChan <- execResult{obs: obs, err: err}:
		default:
			r.logger.Warn("tool completed after timeout, result discarded",
				"tool", call.Name, "tool_call_id", call.ID)
		}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Observation{
				Content: fmt.Sprintf("tool %s timed out after %v", call.Name, r.timeout),
				IsError: true,
				Kind:    KindTimeout,
			}, true
		}
		return Observation{
			Content: "tool dispatch canceled",
			IsError: true,
			Kind:    KindTransient,
		}, false
	case res := <-resultChan:
		if res.err != nil {
			return Observation{
				Content: (&ToolError{
					Kind:     classifyError(res.err),
					ToolName: call.Name,
					Cause:    res.err,
				}).Error(),
				IsError: true,
				Kind:    classifyError(res.err),
			}, false
		}
		if res.obs == nil {
			return Observation{Content: "tool returned no observation", IsError: true, Kind: KindPermanent}, false
		}
		if res.obs.IsError && res.obs.Kind == "" {
			res.obs.Kind = KindPermanent
		}
		return *res.obs, false
	}
}
