package handlers

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
)

// Handler executes one task.
type Handler interface {
	Handle(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return f(ctx, data)
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Default returns a registry with the built-in handlers. io_operation is
// confined to ioRoot.
func Default(ioRoot string) *Registry {
	r := NewRegistry()
	r.Register(TypeComputation, HandlerFunc(Computation))
	r.Register(TypeDataProcessing, HandlerFunc(DataProcessing))
	r.Register(TypeIOOperation, NewFileIO(ioRoot))
	return r
}

// Register installs h for taskType, replacing any previous handler.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Lookup returns the handler for taskType.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// Restrict returns a registry holding only the given types that r has.
func (r *Registry) Restrict(types []string) *Registry {
	out := NewRegistry()
	for _, t := range types {
		if h, ok := r.Lookup(t); ok {
			out.Register(t, h)
		}
	}
	return out
}
