package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opsdesk/conveyor/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for testing. It stores
// deep copies so callers can never mutate persisted state without going
// through Update.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*WorkflowInstance // key: instance code
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]*WorkflowInstance),
	}
}

// Create persists a new workflow instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// Get retrieves an instance with its full graph by its code.
func (s *MemoryInstanceStore) Get(_ context.Context, instanceID string) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return nil, model.NewWorkflowNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// Update persists an updated instance with optimistic locking. On success
// the instance's Version is incremented in place so the caller's aggregate
// stays aligned with the stored row.
func (s *MemoryInstanceStore) Update(_ context.Context, inst *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewWorkflowNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// List returns instances matching the filters, newest first.
func (s *MemoryInstanceStore) List(_ context.Context, filters ListFilters) ([]*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*WorkflowInstance, 0)
	for _, inst := range s.instances {
		if filters.Type != "" && inst.Type != filters.Type {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.InitiatedBy != "" && inst.InitiatedBy != filters.InitiatedBy {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	// Sort by created_at descending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []*WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance deep-copies an instance and its step/task/assignment graph.
// Buffered events are deliberately not copied; they belong to the live
// aggregate, not to persistence.
func cloneInstance(inst *WorkflowInstance) *WorkflowInstance {
	c := *inst
	c.events = nil
	c.RequestData = cloneMap(inst.RequestData)
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		c.CompletedAt = &t
	}
	c.Steps = make([]WorkflowStep, len(inst.Steps))
	for i := range inst.Steps {
		c.Steps[i] = cloneStep(&inst.Steps[i])
	}
	return &c
}

func cloneStep(step *WorkflowStep) WorkflowStep {
	c := *step
	c.StartedAt = cloneTime(step.StartedAt)
	c.CompletedAt = cloneTime(step.CompletedAt)
	c.Tasks = make([]WorkflowTask, len(step.Tasks))
	for i := range step.Tasks {
		c.Tasks[i] = cloneTask(&step.Tasks[i])
	}
	return c
}

func cloneTask(task *WorkflowTask) WorkflowTask {
	c := *task
	c.Checklist = append([]string(nil), task.Checklist...)
	c.ResultData = cloneMap(task.ResultData)
	c.CompletedAt = cloneTime(task.CompletedAt)
	c.Assignments = make([]TaskAssignment, len(task.Assignments))
	for i := range task.Assignments {
		a := task.Assignments[i]
		a.AcceptedAt = cloneTime(a.AcceptedAt)
		a.CompletedAt = cloneTime(a.CompletedAt)
		c.Assignments[i] = a
	}
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
