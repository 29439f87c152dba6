package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/opsdesk/conveyor/internal/observability"
	"github.com/opsdesk/conveyor/model"
)

// conflictAttempts bounds the reload-and-reapply loop on version conflicts.
const conflictAttempts = 3

// DefinitionProvider resolves workflow definitions by type.
type DefinitionProvider interface {
	FindByType(workflowType string) (model.WorkflowDefinition, bool)
}

// Enqueuer pushes step continuation jobs onto the durable queue.
type Enqueuer interface {
	EnqueueStepStart(ctx context.Context, instanceID, stepID string) error
}

// Service drives workflow instances through their lifecycle: it loads the
// aggregate, applies exactly one domain operation, persists, and only then
// flushes the buffered events to the continuation queue and the in-process
// dispatcher. Events are never emitted for a write that did not land.
type Service struct {
	defs         DefinitionProvider
	store        InstanceStore
	materializer *Materializer
	dispatcher   *Dispatcher
	queue        Enqueuer
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// NewService creates the workflow application service.
func NewService(
	defs DefinitionProvider,
	store InstanceStore,
	materializer *Materializer,
	dispatcher *Dispatcher,
	queue Enqueuer,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		defs:         defs,
		store:        store,
		materializer: materializer,
		dispatcher:   dispatcher,
		queue:        queue,
		metrics:      metrics,
		logger:       logger,
	}
}

// Create builds a new instance from the named definition, starts it, and
// persists it. The initial step's materialization happens asynchronously via
// the continuation job enqueued during the event flush.
func (s *Service) Create(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowType string,
	data map[string]any,
	initiatedFor string,
) (*WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		attribute.String("workflow.type", workflowType),
	)
	defer span.End()

	def, ok := s.defs.FindByType(workflowType)
	if !ok {
		return nil, model.NewDefinitionNotFoundError(
			fmt.Sprintf("workflow definition %q not found", workflowType),
		)
	}

	inst, err := NewInstance(def, rctx.SubjectID, data, initiatedFor)
	if err != nil {
		return nil, err
	}
	if err := inst.Start(); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, inst); err != nil {
		return nil, err
	}

	s.metrics.RecordWorkflowStart(workflowType)
	s.logger.Info("workflow created",
		zap.String("workflow_id", inst.ID),
		zap.String("type", inst.Type),
		zap.String("initiated_by", inst.InitiatedBy),
	)

	s.flushEvents(ctx, inst)
	return inst, nil
}

// Get retrieves an instance with its full graph.
func (s *Service) Get(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	return s.store.Get(ctx, instanceID)
}

// List returns instances matching the filters, newest first. A zero limit
// defaults to 20.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]*WorkflowInstance, error) {
	if filters.Limit <= 0 {
		filters.Limit = 20
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	return s.store.List(ctx, filters)
}

// UpdateTask advances one task in the instance's current step on behalf of
// the acting user. A concurrent write is retried by reloading the aggregate
// and reapplying the operation against fresh state.
func (s *Service) UpdateTask(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	taskID string,
	newStatus string,
	remarks string,
	resultData map[string]any,
) (*WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.update_task",
		attribute.String("workflow.id", instanceID),
		attribute.String("task.id", taskID),
	)
	defer span.End()

	inst, err := s.mutate(ctx, instanceID, func(inst *WorkflowInstance, def model.WorkflowDefinition) error {
		return inst.UpdateTask(def, taskID, newStatus, rctx.SubjectID, remarks, resultData)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTaskTransition(inst.Type, newStatus)
	s.recordTerminal(inst)
	s.flushEvents(ctx, inst)
	return inst, nil
}

// AssignTask assigns or reassigns the named task's human assignments.
func (s *Service) AssignTask(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	taskID string,
	assignees []Assignee,
	reassign bool,
) (*WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.assign_task",
		attribute.String("workflow.id", instanceID),
		attribute.String("task.id", taskID),
	)
	defer span.End()

	inst, err := s.mutate(ctx, instanceID, func(inst *WorkflowInstance, _ model.WorkflowDefinition) error {
		return inst.AssignTask(taskID, assignees, reassign)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task assigned",
		zap.String("workflow_id", instanceID),
		zap.String("task", taskID),
		zap.Int("assignees", len(assignees)),
		zap.Bool("reassign", reassign),
	)
	s.flushEvents(ctx, inst)
	return inst, nil
}

// Cancel cancels a non-terminal instance on behalf of its initiator or
// beneficiary.
func (s *Service) Cancel(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	reason string,
) (*WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		attribute.String("workflow.id", instanceID),
	)
	defer span.End()

	inst, err := s.mutate(ctx, instanceID, func(inst *WorkflowInstance, _ model.WorkflowDefinition) error {
		return inst.Cancel(reason, rctx.SubjectID)
	})
	if err != nil {
		return nil, err
	}

	s.recordTerminal(inst)
	s.flushEvents(ctx, inst)
	return inst, nil
}

// MaterializeStep is the continuation entry point called by the queue
// worker. It reloads the aggregate, re-resolves the definition, materializes
// the identified step, and persists. Terminal instances no-op; version
// conflicts surface to the worker for redelivery.
func (s *Service) MaterializeStep(ctx context.Context, instanceID, stepID string) error {
	ctx, span := observability.StartSpan(ctx, "workflow.materialize_step",
		attribute.String("workflow.id", instanceID),
		attribute.String("step.id", stepID),
	)
	defer span.End()

	inst, err := s.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.IsTerminal() {
		s.logger.Info("continuation for terminal workflow ignored",
			zap.String("workflow_id", instanceID),
			zap.String("status", inst.Status),
		)
		return nil
	}

	def, ok := s.defs.FindByType(inst.Type)
	if !ok {
		return model.NewDefinitionNotFoundError(
			fmt.Sprintf("workflow definition %q not found", inst.Type),
		)
	}

	if err := s.materializer.MaterializeStep(ctx, inst, def, stepID); err != nil {
		return err
	}
	if err := s.store.Update(ctx, inst); err != nil {
		return err
	}

	s.metrics.RecordStepMaterialization(inst.Type)
	s.recordTerminal(inst)
	s.flushEvents(ctx, inst)
	return nil
}

// mutate loads the aggregate, applies op, and persists. On a version
// conflict the aggregate is reloaded and op reapplied, up to
// conflictAttempts; a business error from op aborts immediately with
// nothing written.
func (s *Service) mutate(
	ctx context.Context,
	instanceID string,
	op func(inst *WorkflowInstance, def model.WorkflowDefinition) error,
) (*WorkflowInstance, error) {
	var lastErr error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		inst, err := s.store.Get(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		def, ok := s.defs.FindByType(inst.Type)
		if !ok {
			return nil, model.NewDefinitionNotFoundError(
				fmt.Sprintf("workflow definition %q not found", inst.Type),
			)
		}

		if err := op(inst, def); err != nil {
			return nil, err
		}

		err = s.store.Update(ctx, inst)
		if err == nil {
			return inst, nil
		}
		if env, ok := err.(*model.ErrorEnvelope); !ok || env.Code != model.ErrConflict {
			return nil, err
		}
		lastErr = err
		s.logger.Warn("version conflict, retrying",
			zap.String("workflow_id", instanceID),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, lastErr
}

// flushEvents drains the aggregate's buffered events: StepStarted events
// become durable continuation jobs, everything is handed to the in-process
// dispatcher. Enqueue failures are logged, not returned; the write already
// landed and a stalled step can be re-driven.
func (s *Service) flushEvents(ctx context.Context, inst *WorkflowInstance) {
	events := inst.Events()
	if len(events) == 0 {
		return
	}

	for _, evt := range events {
		started, ok := evt.(StepStarted)
		if !ok {
			continue
		}
		if err := s.queue.EnqueueStepStart(ctx, started.InstanceID, started.StepID); err != nil {
			s.logger.Error("enqueue step continuation failed",
				zap.String("workflow_id", started.InstanceID),
				zap.String("step_id", started.StepID),
				zap.Error(err),
			)
		}
	}

	s.dispatcher.Dispatch(ctx, events)
	inst.ClearEvents()
}

// recordTerminal updates completion metrics when the instance has just
// reached a terminal status.
func (s *Service) recordTerminal(inst *WorkflowInstance) {
	for _, evt := range inst.Events() {
		switch evt.(type) {
		case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
			s.metrics.RecordWorkflowCompletion(inst.Type, inst.Status)
		}
	}
}
