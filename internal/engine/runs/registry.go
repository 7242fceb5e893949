package runs

import (
	"context"
	"sync"
)

// Result is what a node handler produces. Sparks may be non-zero even when
// the handler also returns an error: partial work still consumes budget and
// must be billed.
type Result struct {
	Output map[string]interface{}
	Sparks int
}

// Handler executes one node given its config and the outputs of its upstream
// dependencies. Upstream outputs are keyed by node id; the run's input payload
// is available under InputKey. Handlers should honor ctx cancellation; a
// handler that overruns its deadline is recorded as a node failure.
type Handler interface {
	Execute(ctx context.Context, config map[string]interface{}, upstream map[string]interface{}) (Result, error)
}

type HandlerFunc func(ctx context.Context, config map[string]interface{}, upstream map[string]interface{}) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, config map[string]interface{}, upstream map[string]interface{}) (Result, error) {
	return f(ctx, config, upstream)
}

// InputKey is the upstream-outputs key holding the run's input payload.
const InputKey = "__input__"

// Registry maps node type tags to handlers. New node types are additive:
// register a handler, no engine changes required.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(nodeType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = h
}

func (r *Registry) Get(nodeType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[nodeType]
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
