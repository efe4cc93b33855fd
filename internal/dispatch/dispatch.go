// Package dispatch executes single requests against their targets. A
// dispatcher is selected by the definition's protocol tag; execution happens
// inside the calling worker's goroutine and never blocks other dispatches.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradualhq/gradual/internal/plan"
	"github.com/gradualhq/gradual/internal/tracing"
)

// Outcome is the structured result of one dispatched request. Success is
// the absence of an error; Code carries the protocol-level status where the
// protocol has one.
type Outcome struct {
	Code int
	Err  error
}

// OK reports whether the request counts as a success.
func (o Outcome) OK() bool { return o.Err == nil }

// Dispatcher executes one request definition. Implementations must be safe
// for concurrent use by many workers.
type Dispatcher interface {
	Execute(ctx context.Context, def *plan.RequestDefinition) Outcome
}

// ConfigError marks a request whose protocol has no usable dispatcher, such
// as a custom definition with no registered handler. It is fatal for the
// owning scenario but leaves sibling scenarios untouched.
type ConfigError struct {
	Request  string
	Protocol plan.Protocol
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("request %q: no dispatcher for protocol %q: %s",
		e.Request, e.Protocol, e.Reason)
}

// Table routes definitions to protocol dispatchers.
type Table struct {
	http     Dispatcher
	ws       Dispatcher
	registry *Registry
	tracer   trace.Tracer
}

// Options configure a dispatch table.
type Options struct {
	// HTTPClient is shared across all HTTP dispatches. Required for plans
	// with HTTP requests.
	HTTPClient *http.Client

	// Registry resolves custom request handlers. Required for plans with
	// custom requests.
	Registry *Registry

	// HandshakeTimeout bounds WebSocket dials.
	HandshakeTimeout time.Duration

	// Tracer, when set, wraps every dispatch in a client span.
	Tracer trace.Tracer
}

// NewTable builds the dispatch table for a run.
func NewTable(opts Options) *Table {
	t := &Table{
		registry: opts.Registry,
		tracer:   opts.Tracer,
	}
	if opts.HTTPClient != nil {
		t.http = &httpDispatcher{client: opts.HTTPClient}
	}
	t.ws = &websocketDispatcher{handshakeTimeout: opts.HandshakeTimeout}
	return t
}

// Check verifies that the definition can be dispatched. Scenario executors
// call this before spawning any worker so misconfiguration surfaces as a
// scenario-level failure, not a per-request error storm.
func (t *Table) Check(def *plan.RequestDefinition) error {
	_, err := t.resolve(def)
	return err
}

func (t *Table) resolve(def *plan.RequestDefinition) (Dispatcher, error) {
	switch def.Protocol {
	case plan.ProtocolHTTP:
		if t.http == nil {
			return nil, &ConfigError{Request: def.Name, Protocol: def.Protocol, Reason: "no HTTP client configured"}
		}
		return t.http, nil
	case plan.ProtocolWebSocket:
		return t.ws, nil
	case plan.ProtocolCustom:
		if t.registry == nil {
			return nil, &ConfigError{Request: def.Name, Protocol: def.Protocol, Reason: "no handler registry configured"}
		}
		handler, ok := t.registry.Handler(def.Name)
		if !ok {
			return nil, &ConfigError{Request: def.Name, Protocol: def.Protocol, Reason: "no handler registered"}
		}
		return &customDispatcher{handler: handler}, nil
	default:
		return nil, &ConfigError{Request: def.Name, Protocol: def.Protocol, Reason: "unknown protocol"}
	}
}

// Execute routes and runs one request. Unresolvable definitions yield a
// failed outcome carrying the ConfigError.
func (t *Table) Execute(ctx context.Context, def *plan.RequestDefinition) Outcome {
	d, err := t.resolve(def)
	if err != nil {
		return Outcome{Err: err}
	}

	if t.tracer == nil {
		return d.Execute(ctx, def)
	}

	ctx, span := tracing.StartRequestSpan(ctx, t.tracer, string(def.Protocol), def.Name)
	out := d.Execute(ctx, def)
	tracing.EndSpan(span, out.Err, attribute.Int("gradual.status_code", out.Code))
	return out
}

// Completed reports a finished request to the registry's completion
// callback, if one exists for the definition. Fire-and-forget: the worker
// does not wait for the callback.
func (t *Table) Completed(def *plan.RequestDefinition) {
	if t.registry == nil {
		return
	}
	t.registry.notifyCompletion(def.Name)
}
