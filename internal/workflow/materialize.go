package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opsdesk/conveyor/internal/directory"
	"github.com/opsdesk/conveyor/internal/handler"
	"github.com/opsdesk/conveyor/internal/observability"
	"github.com/opsdesk/conveyor/model"
)

// SystemActor is recorded as the completing actor of automatic tasks.
const SystemActor = "system"

// Materializer turns a started step shell into live tasks: automatic tasks
// are dispatched to their handlers immediately, human tasks get one PENDING
// assignment per resolved user. It mutates the aggregate only; the caller
// persists and flushes events afterwards.
type Materializer struct {
	handlers *handler.Registry
	resolver directory.Resolver
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewMaterializer creates a materializer over the given handler registry and
// directory resolver.
func NewMaterializer(
	handlers *handler.Registry,
	resolver directory.Resolver,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Materializer {
	return &Materializer{
		handlers: handlers,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger,
	}
}

// MaterializeStep materializes tasks for the identified step and, once the
// automatic tasks have run, settles the step so an all-automatic step can
// advance the instance in the same pass.
//
// The operation is idempotent: a terminal instance, a terminal step, or a
// step that already owns tasks is a no-op, so redelivered continuation jobs
// are harmless.
func (m *Materializer) MaterializeStep(
	ctx context.Context,
	inst *WorkflowInstance,
	def model.WorkflowDefinition,
	stepID string,
) error {
	if inst.IsTerminal() {
		m.logger.Info("skipping materialization for terminal workflow",
			zap.String("workflow_id", inst.ID),
			zap.String("status", inst.Status),
		)
		return nil
	}

	step := inst.StepByID(stepID)
	if step == nil {
		return model.NewStepNotFoundError(
			fmt.Sprintf("step %q not found in workflow %q", stepID, inst.ID),
		)
	}
	if step.IsTerminal() {
		m.logger.Info("skipping materialization for terminal step",
			zap.String("workflow_id", inst.ID),
			zap.String("step", step.StepID),
			zap.String("status", step.Status),
		)
		return nil
	}
	if len(step.Tasks) > 0 {
		// Already materialized by an earlier delivery of the same job.
		m.logger.Info("step already materialized",
			zap.String("workflow_id", inst.ID),
			zap.String("step", step.StepID),
		)
		return nil
	}

	stepDef, ok := def.FindStep(step.StepID)
	if !ok {
		return model.NewStepNotFoundError(
			fmt.Sprintf("step %q not found in definition %q", step.StepID, def.Type),
		)
	}

	for _, taskDef := range stepDef.Tasks {
		step.Tasks = append(step.Tasks, newTask(taskDef))
	}

	for i := range step.Tasks {
		task := &step.Tasks[i]
		if task.IsAutomatic() {
			m.runAutomatic(ctx, inst, task, def)
			continue
		}
		if err := m.assignByRoles(ctx, inst, task, stepDef); err != nil {
			return err
		}
	}

	return inst.settleCurrentStep(def)
}

// runAutomatic dispatches one automatic task to its handler. Handler errors
// and unregistered handler names fail the task, never the engine; the step's
// failure path takes over from there.
func (m *Materializer) runAutomatic(
	ctx context.Context,
	inst *WorkflowInstance,
	task *WorkflowTask,
	def model.WorkflowDefinition,
) {
	h, ok := m.handlers.Resolve(task.Handler)
	if !ok {
		err := model.NewHandlerNotRegisteredError(task.Handler)
		m.logger.Error("automatic task handler not registered",
			zap.String("workflow_id", inst.ID),
			zap.String("task", task.TaskID),
			zap.String("handler", task.Handler),
		)
		m.metrics.RecordHandlerExecution(task.Handler, "unregistered", 0)
		_ = task.Fail(err.Error())
		return
	}

	view := handler.Task{
		ID:        task.ID,
		TaskID:    task.TaskID,
		Name:      task.Name,
		Checklist: task.Checklist,
	}

	start := time.Now()
	result, err := h.Handle(ctx, view, inst.RequestData, def)
	if err != nil {
		m.logger.Warn("automatic task handler failed",
			zap.String("workflow_id", inst.ID),
			zap.String("task", task.TaskID),
			zap.String("handler", task.Handler),
			zap.Error(err),
		)
		m.metrics.RecordHandlerExecution(task.Handler, "failed", time.Since(start))
		_ = task.Fail(err.Error())
		return
	}
	m.metrics.RecordHandlerExecution(task.Handler, "completed", time.Since(start))

	_ = task.Complete(SystemActor, result)
	inst.record(TaskCompleted{
		InstanceID:  inst.ID,
		StepID:      inst.CurrentStepID,
		TaskID:      task.ID,
		CompletedBy: SystemActor,
	})
}

// assignByRoles creates one PENDING assignment per active user holding any
// of the task's roles. Zero matches stalls the task with a warning; someone
// must assign it by hand.
func (m *Materializer) assignByRoles(
	ctx context.Context,
	inst *WorkflowInstance,
	task *WorkflowTask,
	stepDef model.StepDefinition,
) error {
	var roles []string
	for _, td := range stepDef.Tasks {
		if td.TaskID == task.TaskID {
			roles = td.AssignedToRoles
			break
		}
	}
	if len(roles) == 0 {
		m.logger.Warn("manual task has no assignable roles",
			zap.String("workflow_id", inst.ID),
			zap.String("task", task.TaskID),
		)
		return nil
	}

	users, err := m.resolver.FindUsersByRoles(ctx, roles, true)
	if err != nil {
		return fmt.Errorf("resolve users for task %q: %w", task.TaskID, err)
	}
	if len(users) == 0 {
		m.logger.Warn("no active users for task roles, task stalls unassigned",
			zap.String("workflow_id", inst.ID),
			zap.String("task", task.TaskID),
			zap.Strings("roles", roles),
		)
		return nil
	}

	for _, u := range users {
		role := firstMatchingRole(u, roles)
		task.Assignments = append(task.Assignments, newAssignment(task.ID, u.ID, role))
	}
	return nil
}

// firstMatchingRole returns the first of the task's roles the user holds.
func firstMatchingRole(u model.User, roles []string) string {
	for _, r := range roles {
		for _, ur := range u.Roles {
			if r == ur {
				return r
			}
		}
	}
	return ""
}
