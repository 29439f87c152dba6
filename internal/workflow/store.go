package workflow

import (
	"context"
)

// InstanceStore persists workflow instances as whole aggregates: every
// write carries the full step/task/assignment graph.
type InstanceStore interface {
	// Create persists a new workflow instance. Returns CONFLICT if an
	// instance with the same ID already exists.
	Create(ctx context.Context, instance *WorkflowInstance) error

	// Get retrieves an instance with its full graph by its code.
	// Returns WORKFLOW_NOT_FOUND if no such instance exists.
	Get(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// Update persists an updated instance with optimistic locking. The
	// version must match the stored version; on success the stored version
	// is incremented. Returns CONFLICT if the version has changed.
	Update(ctx context.Context, instance *WorkflowInstance) error

	// List returns instances matching the filters, newest first.
	List(ctx context.Context, filters ListFilters) ([]*WorkflowInstance, error)
}

// ListFilters are optional filters for listing workflow instances.
type ListFilters struct {
	Type        string
	Status      string
	InitiatedBy string
	Limit       int
	Offset      int
}
