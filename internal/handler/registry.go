// Package handler implements the automatic-task dispatch seam: a registry
// mapping handler names declared in workflow definitions to registered
// capabilities. Handlers carry the business-specific bodies (create a user,
// record a donation, send an email) and are registered at startup.
package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opsdesk/conveyor/model"
)

// Task is the read-only view of a workflow task passed to a handler.
type Task struct {
	ID        string
	TaskID    string
	Name      string
	Checklist []string
}

// Handler executes one automatic task. It receives the task view, the
// opaque request payload the workflow was created with, and the workflow
// definition. Returned result data is attached to the completed task; a
// returned error fails the task with the error's message as the reason.
type Handler interface {
	// Name returns the unique handler name used in task definitions.
	Name() string
	// Handle executes the task.
	Handle(ctx context.Context, task Task, requestData map[string]any, def model.WorkflowDefinition) (map[string]any, error)
}

// Registry stores named handlers and provides lookup by exact name.
// It is safe for concurrent use after initial registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a new empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler to the registry under its Name(). Panics if a
// handler with the same name is already registered, since this indicates a
// wiring mistake at startup.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		panic(fmt.Sprintf("handler: %q already registered", h.Name()))
	}
	r.handlers[h.Name()] = h
}

// Resolve returns the handler registered under the given name, or false if
// not found. An unresolvable name on a definition is a configuration error
// surfaced by the caller, never retried.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered handler names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func adapts a plain function into a Handler.
type Func struct {
	HandlerName string
	Fn          func(ctx context.Context, task Task, requestData map[string]any, def model.WorkflowDefinition) (map[string]any, error)
}

// Name returns the handler name.
func (f Func) Name() string { return f.HandlerName }

// Handle delegates to the wrapped function.
func (f Func) Handle(ctx context.Context, task Task, requestData map[string]any, def model.WorkflowDefinition) (map[string]any, error) {
	return f.Fn(ctx, task, requestData, def)
}
