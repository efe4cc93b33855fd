package dispatch

import (
	"context"
	"sync"

	"github.com/gradualhq/gradual/internal/plan"
)

// HandlerFunc is a user-supplied execution function for a custom request
// definition. A returned error marks the request as failed; the worker's
// loop continues regardless.
type HandlerFunc func(ctx context.Context, def *plan.RequestDefinition) error

// Registry maps custom request names to handlers and optional completion
// callbacks. Registration is an explicit step performed by the config layer
// before the run starts; the core never discovers handlers dynamically.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	completions map[string]func()
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:    make(map[string]HandlerFunc),
		completions: make(map[string]func()),
	}
}

// Register binds a handler to a request name, replacing any previous one.
func (r *Registry) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// OnCompletion binds a callback invoked once per completed request for the
// named definition, after its result has been recorded.
func (r *Registry) OnCompletion(name string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions[name] = fn
}

// Handler looks up the handler for a request name.
func (r *Registry) Handler(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) notifyCompletion(name string) {
	r.mu.RLock()
	fn := r.completions[name]
	r.mu.RUnlock()
	if fn != nil {
		go fn()
	}
}

type customDispatcher struct {
	handler HandlerFunc
}

func (d *customDispatcher) Execute(ctx context.Context, def *plan.RequestDefinition) Outcome {
	if err := d.handler(ctx, def); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{}
}
