package workflow

import (
	"context"
	"sync"
)

// Domain event names.
const (
	EventWorkflowCreated   = "workflow.created"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventWorkflowCancelled = "workflow.cancelled"
	EventStepStarted       = "workflow.step.started"
	EventTaskCompleted     = "workflow.task.completed"
)

// Event is a typed signal raised by the aggregate during a transition.
// Events are buffered on the instance and flushed by the service only after
// a successful persist; they are never emitted for a write that failed.
type Event interface {
	EventName() string
}

// WorkflowCreated is raised when a new instance is built from a definition.
type WorkflowCreated struct {
	InstanceID string
	Type       string
}

func (WorkflowCreated) EventName() string { return EventWorkflowCreated }

// StepStarted is the continuation signal: the named step is now current and
// its tasks must be materialized asynchronously.
type StepStarted struct {
	InstanceID string
	StepID     string
}

func (StepStarted) EventName() string { return EventStepStarted }

// TaskCompleted is raised when a task reaches COMPLETED.
type TaskCompleted struct {
	InstanceID  string
	StepID      string
	TaskID      string
	CompletedBy string
}

func (TaskCompleted) EventName() string { return EventTaskCompleted }

// WorkflowCompleted is raised when the instance reaches COMPLETED.
type WorkflowCompleted struct {
	InstanceID string
}

func (WorkflowCompleted) EventName() string { return EventWorkflowCompleted }

// WorkflowFailed is raised when the instance reaches FAILED.
type WorkflowFailed struct {
	InstanceID string
	Reason     string
}

func (WorkflowFailed) EventName() string { return EventWorkflowFailed }

// WorkflowCancelled is raised when the instance is cancelled.
type WorkflowCancelled struct {
	InstanceID string
	Reason     string
}

func (WorkflowCancelled) EventName() string { return EventWorkflowCancelled }

// Listener reacts to a dispatched domain event.
type Listener func(ctx context.Context, event Event)

// Dispatcher fans domain events out to subscribed listeners in-process.
// Subscription is by event name; listeners subscribed to the empty name
// receive every event.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewDispatcher creates an empty event dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[string][]Listener)}
}

// Subscribe registers a listener for the given event name. An empty name
// subscribes to all events.
func (d *Dispatcher) Subscribe(eventName string, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[eventName] = append(d.listeners[eventName], l)
}

// Dispatch delivers each event to its subscribers synchronously, in order.
func (d *Dispatcher) Dispatch(ctx context.Context, events []Event) {
	for _, evt := range events {
		d.mu.RLock()
		subs := append([]Listener(nil), d.listeners[evt.EventName()]...)
		subs = append(subs, d.listeners[""]...)
		d.mu.RUnlock()

		for _, l := range subs {
			l(ctx, evt)
		}
	}
}
