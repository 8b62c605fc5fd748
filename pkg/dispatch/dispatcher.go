// Package dispatch accumulates streamed tool-call argument fragments from
// the model peer, invokes the matching registered handler, and reports the
// result back - including recognizing a handful of result shapes that
// should end the call.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds how long a handler may run before the dispatcher
// gives up and reports a timeout error to the model.
const DefaultTimeout = 30 * time.Second

// DefaultHangupDelay is how long the dispatcher waits after a hang-up
// trigger before actually closing the call, giving a farewell response
// time to play out.
const DefaultHangupDelay = 8 * time.Second

// hangupFunctionNames are handler names whose success is itself a signal
// to wind the call down, independent of what their result payload says.
var hangupFunctionNames = map[string]bool{
	"wrap_up":           true,
	"transfer_to_human": true,
	"hang_up":           true,
}

// Handler implements one named tool. It may block; the dispatcher runs
// each invocation on its own goroutine so a slow handler never stalls the
// bridge's message pumps.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ToolSchema describes one registered function's calling convention, kept
// here (rather than importing the realtime peer's own ToolSchema type) so
// the registry has no dependency on how any particular model peer wants it
// shaped; the bridge core converts between the two when it configures a
// session.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Registry is a process-wide, read-mostly map of tool name to Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  map[string]ToolSchema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler), schemas: make(map[string]ToolSchema)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterTool adds or replaces both the handler and the calling-convention
// schema for name, so the bridge core can advertise it to the model peer.
func (r *Registry) RegisterTool(schema ToolSchema, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[schema.Name] = h
	r.schemas[schema.Name] = schema
}

// Schemas returns every schema registered via RegisterTool, in no
// particular order.
func (r *Registry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	return out
}

// Lookup returns the handler for name, if any.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// ModelSender is the narrow capability the dispatcher needs from the
// bridge core to talk back to the model peer, so the two packages don't
// need to import each other.
type ModelSender interface {
	SendFunctionResult(callID, outputItemID string, output interface{}) error
	RequestResponse()
}

// HangupScheduler lets the dispatcher ask the bridge core to wind the call
// down after delay, without the dispatcher owning call lifecycle itself.
type HangupScheduler interface {
	ScheduleHangup(delay time.Duration, reason string)
}

type pendingCall struct {
	name         string
	argsBuf      string
	outputItemID string
}

// Dispatcher accumulates per-call_id argument fragments and, once a call is
// finalized, invokes its handler and reports the outcome.
type Dispatcher struct {
	registry    *Registry
	sender      ModelSender
	hangup      HangupScheduler
	timeout     time.Duration
	hangupDelay time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// New creates a Dispatcher. timeout <= 0 uses DefaultTimeout;
// hangupDelay <= 0 uses DefaultHangupDelay.
func New(registry *Registry, sender ModelSender, hangup HangupScheduler, timeout, hangupDelay time.Duration, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if hangupDelay <= 0 {
		hangupDelay = DefaultHangupDelay
	}
	return &Dispatcher{
		registry:    registry,
		sender:      sender,
		hangup:      hangup,
		timeout:     timeout,
		hangupDelay: hangupDelay,
		log:         log,
		pending:     make(map[string]*pendingCall),
	}
}

// HandleArgsDelta folds one argument-fragment delta into the buffer for
// callID, recording name the first time it's seen.
func (d *Dispatcher) HandleArgsDelta(callID, name, delta string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pc, ok := d.pending[callID]
	if !ok {
		pc = &pendingCall{}
		d.pending[callID] = pc
	}
	if name != "" {
		pc.name = name
	}
	pc.argsBuf += delta
}

// HandleArgsDone finalizes callID: it parses the accumulated (or directly
// supplied) arguments, invokes the registered handler on its own goroutine,
// and reports the result back through sender once the handler returns.
func (d *Dispatcher) HandleArgsDone(callID, arguments, outputItemID string) {
	d.mu.Lock()
	pc, ok := d.pending[callID]
	if !ok {
		pc = &pendingCall{}
	}
	if arguments != "" {
		pc.argsBuf = arguments
	}
	pc.outputItemID = outputItemID
	delete(d.pending, callID)
	d.mu.Unlock()

	go d.invoke(callID, pc)
}

func (d *Dispatcher) invoke(callID string, pc *pendingCall) {
	var args map[string]interface{}
	if pc.argsBuf != "" {
		if err := json.Unmarshal([]byte(pc.argsBuf), &args); err != nil {
			d.reportError(callID, pc.outputItemID, fmt.Errorf("invalid function arguments: %w", err))
			return
		}
	}

	handler, ok := d.registry.Lookup(pc.name)
	if !ok {
		d.reportError(callID, pc.outputItemID, fmt.Errorf("Function '%s' not implemented.", pc.name))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	done := make(chan error, 1)
	var result interface{}
	go func() {
		r, err := handler(ctx, args)
		result = r
		done <- err
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("function %q timed out: %w", pc.name, ctx.Err())
	}
	if err != nil {
		d.reportError(callID, pc.outputItemID, err)
		return
	}

	if err := d.sender.SendFunctionResult(callID, pc.outputItemID, result); err != nil {
		d.log.Warn().Err(err).Str("call_id", callID).Msg("failed to send function_call_output")
		return
	}
	d.sender.RequestResponse()

	d.maybeScheduleHangup(pc.name, result)
}

func (d *Dispatcher) reportError(callID, outputItemID string, err error) {
	payload := map[string]string{"error": err.Error()}
	if sendErr := d.sender.SendFunctionResult(callID, outputItemID, payload); sendErr != nil {
		d.log.Warn().Err(sendErr).Str("call_id", callID).Msg("failed to send function error output")
		return
	}
	d.sender.RequestResponse()
}

func (d *Dispatcher) maybeScheduleHangup(name string, result interface{}) {
	if m, ok := result.(map[string]interface{}); ok {
		if action, _ := m["next_action"].(string); action == "end_call" {
			d.hangup.ScheduleHangup(d.hangupDelay, "Call completed successfully - all tasks finished")
			return
		}
	}
	if hangupFunctionNames[name] {
		d.hangup.ScheduleHangup(d.hangupDelay, fmt.Sprintf("function %q completed", name))
	}
}
