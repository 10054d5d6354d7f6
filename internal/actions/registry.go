package actions

import (
	"sort"
	"sync"

	"github.com/rendis/crmflow/pkg/schema"
)

// Registry is the concrete thread-safe HandlerRegistry implementation.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.StepType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.StepType]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate step type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", t)
	}

	r.handlers[t] = h
	return nil
}

// Get retrieves the handler for a step type.
func (r *Registry) Get(t schema.StepType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerMissing, "no handler registered for step type %q", t)
	}
	return h, nil
}

// List returns the registered step types, sorted.
func (r *Registry) List() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Has checks if a handler is registered for t.
func (r *Registry) Has(t schema.StepType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

var _ HandlerRegistry = (*Registry)(nil)
