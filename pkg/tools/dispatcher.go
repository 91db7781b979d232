package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/teslashibe/go-parley/internal/log"
)

// Registry holds tools in registration order with unique names.
type Registry struct {
	mu     sync.RWMutex
	tools  []*Tool
	byName map[string]*Tool
}

// NewRegistry registers every tool, failing on the first invalid or duplicate one.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names are matched exactly.
func (r *Registry) Register(t Tool) error {
	if err := t.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools = append(r.tools, &t)
	r.byName[t.Name] = &t
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, len(r.tools))
	for i, t := range r.tools {
		out[i] = *t
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Call is one tool invocation requested by the model.
type Call struct {
	// ID correlates the result with the request.
	ID string

	// Name is the tool being invoked.
	Name string

	// Arguments is the raw JSON argument string produced by the model.
	Arguments string
}

// Result is the outcome of a Call.
type Result struct {
	CallID   string
	Name     string
	Success  bool
	Output   any
	Err      error
	Duration time.Duration
}

// JSON renders the payload sent back to the model:
// {"success":true,"result":...} or {"success":false,"error":"..."}.
func (r Result) JSON() string {
	payload := map[string]any{"success": r.Success}
	if r.Success {
		payload["result"] = r.Output
	} else if r.Err != nil {
		payload["error"] = r.Err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Output was not serializable; report that instead of the value.
		data, _ = json.Marshal(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("tools: %s returned an unserializable result: %v", r.Name, err),
		})
	}
	return string(data)
}

// ResultSink receives serialized results, tagged with the call id. The sink
// is responsible for asking the model to continue after the result.
type ResultSink interface {
	SubmitToolResult(callID, output string) error
}

// Dispatcher routes calls to registered tools.
type Dispatcher struct {
	registry *Registry
	sink     ResultSink
	timeout  time.Duration
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each handler invocation. Zero means no limit.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(d2 *Dispatcher) {
		d2.timeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over registry that forwards results to sink.
func NewDispatcher(registry *Registry, sink ResultSink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, sink: sink}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.Or(d.logger).With("component", "tools")
	return d
}

// Dispatch runs the named tool and always returns a Result. Unknown names,
// bad arguments, handler errors and handler panics all become failed results.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (res Result) {
	start := time.Now()
	res = Result{CallID: call.ID, Name: call.Name}
	defer func() {
		res.Duration = time.Since(start)
		if res.Success {
			d.logger.Info("tool call succeeded", "tool", call.Name, "call_id", call.ID, "duration", res.Duration)
		} else {
			d.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", res.Err)
		}
	}()

	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		res.Err = fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
		return res
	}

	args, err := tool.parseArguments(call.Arguments)
	if err != nil {
		res.Err = &ExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
		return res
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	out, err := d.invoke(ctx, tool, args)
	if err != nil {
		res.Err = &ExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
		return res
	}
	res.Success = true
	res.Output = out
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, tool Tool, args json.RawMessage) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("tool handler panicked", "tool", tool.Name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return tool.Handler(ctx, args)
}

// Forward sends a result to the sink.
func (d *Dispatcher) Forward(res Result) error {
	if d.sink == nil {
		return fmt.Errorf("tools: no result sink configured")
	}
	if err := d.sink.SubmitToolResult(res.CallID, res.JSON()); err != nil {
		return fmt.Errorf("tools: forward result for %s: %w", res.CallID, err)
	}
	return nil
}

// Handle dispatches the call and forwards the result.
func (d *Dispatcher) Handle(ctx context.Context, call Call) (Result, error) {
	res := d.Dispatch(ctx, call)
	return res, d.Forward(res)
}
