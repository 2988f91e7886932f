package inbound

import (
	"context"
	"sync"

	"github.com/xraph/hookrelay/event"
)

// Handler processes a canonical inbound event. The returned value is passed
// back to the caller of Process; errors are recorded but never exposed.
type Handler interface {
	Handle(ctx context.Context, evt *event.Event) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt *event.Event) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, evt *event.Event) (any, error) {
	return f(ctx, evt)
}

// Registry maps canonical types, or whole families, to handlers.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]Handler
	byFamily map[event.Family]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:   make(map[string]Handler),
		byFamily: make(map[event.Family]Handler),
	}
}

// Register binds h to one canonical type.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[eventType] = h
}

// RegisterFamily binds h to every type of a family.
func (r *Registry) RegisterFamily(f event.Family, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byFamily[f] = h
}

// Resolve returns the handler for eventType. A type-specific handler wins
// over the family handler.
func (r *Registry) Resolve(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.byType[eventType]; ok {
		return h, true
	}
	h, ok := r.byFamily[event.FamilyOf(eventType)]
	return h, ok
}
