package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler runs one delivery of a job.
type Handler func(ctx context.Context, job *Job) error

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain wraps h so the first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Registry maps handler names to handlers. Jobs reference handlers by name
// so any worker process with the same registrations can run them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h wrapped in mws. Registering a name twice panics.
func (r *Registry) Register(name string, h Handler, mws ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("queue: handler %q registered twice", name))
	}
	r.handlers[name] = Chain(h, mws...)
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered handlers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
