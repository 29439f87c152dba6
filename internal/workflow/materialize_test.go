package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/opsdesk/conveyor/internal/directory"
	"github.com/opsdesk/conveyor/internal/handler"
	"github.com/opsdesk/conveyor/internal/observability"
	"github.com/opsdesk/conveyor/model"
)

func testMaterializer(t *testing.T, handlers *handler.Registry, users []model.User) *Materializer {
	t.Helper()
	if handlers == nil {
		handlers = handler.NewRegistry()
	}
	resolver := directory.NewStaticResolver(users, time.Minute)
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return NewMaterializer(handlers, resolver, metrics, zap.NewNop())
}

func okHandler(name string, result map[string]any) handler.Handler {
	return handler.Func{
		HandlerName: name,
		Fn: func(_ context.Context, _ handler.Task, _ map[string]any, _ model.WorkflowDefinition) (map[string]any, error) {
			return result, nil
		},
	}
}

func failingHandler(name, msg string) handler.Handler {
	return handler.Func{
		HandlerName: name,
		Fn: func(_ context.Context, _ handler.Task, _ map[string]any, _ model.WorkflowDefinition) (map[string]any, error) {
			return nil, errors.New(msg)
		},
	}
}

// autoThenReviewDef has an automatic first step feeding a human review step.
func autoThenReviewDef() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Type: "members.onboarding",
		Name: "Member Onboarding",
		Steps: []model.StepDefinition{
			{
				StepID:     "validate",
				OrderIndex: 0,
				Tasks: []model.TaskDefinition{
					{TaskID: "check-input", Type: model.TaskTypeAutomatic, Handler: "check_input"},
				},
				Transitions: model.TransitionTargets{OnSuccess: "review"},
			},
			{
				StepID:     "review",
				OrderIndex: 1,
				Tasks: []model.TaskDefinition{
					{TaskID: "approve", Type: model.TaskTypeApproval, AssignedToRoles: []string{"reviewer"}},
				},
			},
		},
	}
}

func TestMaterializeStep_automatic_success_advances(t *testing.T) {
	def := autoThenReviewDef()
	handlers := handler.NewRegistry()
	handlers.Register(okHandler("check_input", map[string]any{"checked": true}))
	m := testMaterializer(t, handlers, []model.User{
		{ID: "user-rita", Roles: []string{"reviewer"}, Active: true},
	})

	inst, _ := NewInstance(def, "user-alice", map[string]any{"name": "x"}, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	inst.ClearEvents()

	if err := m.MaterializeStep(context.Background(), inst, def, inst.CurrentStepID); err != nil {
		t.Fatalf("MaterializeStep() error = %v", err)
	}

	validate := inst.Steps[0]
	if validate.Status != StepStatusCompleted {
		t.Errorf("validate step = %q, want COMPLETED", validate.Status)
	}
	task := validate.Tasks[0]
	if task.Status != TaskStatusCompleted || task.CompletedBy != SystemActor {
		t.Errorf("task = %q by %q, want COMPLETED by system", task.Status, task.CompletedBy)
	}
	if task.ResultData["checked"] != true {
		t.Errorf("ResultData = %v, want handler result attached", task.ResultData)
	}

	cur := inst.CurrentStep()
	if cur == nil || cur.StepID != "review" {
		t.Fatalf("current step = %v, want review", cur)
	}
	if !hasEvent(inst.Events(), EventTaskCompleted) || !hasEvent(inst.Events(), EventStepStarted) {
		t.Errorf("events = %v, want task.completed and step.started", eventNames(inst.Events()))
	}
}

func TestMaterializeStep_handler_error_fails_task_not_engine(t *testing.T) {
	def := autoThenReviewDef()
	def.Steps[0].Transitions.OnFailure = ""
	handlers := handler.NewRegistry()
	handlers.Register(failingHandler("check_input", "name is required"))
	m := testMaterializer(t, handlers, nil)

	inst, _ := NewInstance(def, "user-alice", nil, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.MaterializeStep(context.Background(), inst, def, inst.CurrentStepID); err != nil {
		t.Fatalf("MaterializeStep() error = %v, handler failures must not surface", err)
	}

	task := inst.Steps[0].Tasks[0]
	if task.Status != TaskStatusFailed {
		t.Errorf("task status = %q, want FAILED", task.Status)
	}
	if task.FailureReason != "name is required" {
		t.Errorf("FailureReason = %q, want handler message", task.FailureReason)
	}
	if inst.Status != WorkflowStatusFailed {
		t.Errorf("instance status = %q, want FAILED via the step failure path", inst.Status)
	}
}

func TestMaterializeStep_unregistered_handler_fails_task(t *testing.T) {
	def := autoThenReviewDef()
	def.Steps[0].Transitions.OnFailure = ""
	m := testMaterializer(t, handler.NewRegistry(), nil)

	inst, _ := NewInstance(def, "user-alice", nil, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.MaterializeStep(context.Background(), inst, def, inst.CurrentStepID); err != nil {
		t.Fatalf("MaterializeStep() error = %v, unregistered handlers must not surface", err)
	}

	task := inst.Steps[0].Tasks[0]
	if task.Status != TaskStatusFailed {
		t.Errorf("task status = %q, want FAILED", task.Status)
	}
	if task.FailureReason == "" {
		t.Error("FailureReason should name the missing handler")
	}
	if inst.Status != WorkflowStatusFailed {
		t.Errorf("instance status = %q, want FAILED", inst.Status)
	}
}

func TestMaterializeStep_manual_task_assigned_by_role(t *testing.T) {
	def := reviewDef()
	m := testMaterializer(t, nil, []model.User{
		{ID: "user-carol", Roles: []string{"finance-officer"}, Active: true},
		{ID: "user-dave", Roles: []string{"finance-officer"}, Active: true},
		{ID: "user-erin", Roles: []string{"finance-officer"}, Active: false},
		{ID: "user-frank", Roles: []string{"janitor"}, Active: true},
	})

	inst, _ := NewInstance(def, "user-alice", nil, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.MaterializeStep(context.Background(), inst, def, inst.CurrentStepID); err != nil {
		t.Fatalf("MaterializeStep() error = %v", err)
	}

	task := inst.Steps[0].Tasks[0]
	if task.Status != TaskStatusPending {
		t.Errorf("task status = %q, want PENDING awaiting humans", task.Status)
	}
	if len(task.Assignments) != 2 {
		t.Fatalf("assignments = %d, want 2 active role holders", len(task.Assignments))
	}
	for _, a := range task.Assignments {
		if a.Status != AssignmentStatusPending || a.RoleName != "finance-officer" {
			t.Errorf("assignment = %q/%q, want PENDING finance-officer", a.Status, a.RoleName)
		}
	}
	if inst.Status != WorkflowStatusInProgress {
		t.Errorf("instance status = %q, want IN_PROGRESS", inst.Status)
	}
}

func TestMaterializeStep_zero_role_holders_stalls(t *testing.T) {
	def := reviewDef()
	m := testMaterializer(t, nil, nil)

	inst, _ := NewInstance(def, "user-alice", nil, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.MaterializeStep(context.Background(), inst, def, inst.CurrentStepID); err != nil {
		t.Fatalf("MaterializeStep() error = %v, empty directory must not fail", err)
	}

	task := inst.Steps[0].Tasks[0]
	if task.Status != TaskStatusPending || len(task.Assignments) != 0 {
		t.Errorf("task = %q with %d assignments, want PENDING unassigned stall",
			task.Status, len(task.Assignments))
	}
}

func TestMaterializeStep_redelivery_is_noop(t *testing.T) {
	def := reviewDef()
	m := testMaterializer(t, nil, []model.User{
		{ID: "user-carol", Roles: []string{"finance-officer"}, Active: true},
	})

	inst, _ := NewInstance(def, "user-alice", nil, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stepID := inst.CurrentStepID

	if err := m.MaterializeStep(context.Background(), inst, def, stepID); err != nil {
		t.Fatalf("first MaterializeStep() error = %v", err)
	}
	if err := m.MaterializeStep(context.Background(), inst, def, stepID); err != nil {
		t.Fatalf("redelivered MaterializeStep() error = %v", err)
	}

	task := inst.Steps[0].Tasks
	if len(task) != 1 {
		t.Errorf("tasks = %d, want 1 after redelivery", len(task))
	}
	if len(task[0].Assignments) != 1 {
		t.Errorf("assignments = %d, want 1 after redelivery", len(task[0].Assignments))
	}
}

func TestMaterializeStep_terminal_instance_is_noop(t *testing.T) {
	def := reviewDef()
	m := testMaterializer(t, nil, nil)

	inst, _ := NewInstance(def, "user-alice", nil, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stepID := inst.CurrentStepID
	if err := inst.Cancel("raced with cancel", "user-alice"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if err := m.MaterializeStep(context.Background(), inst, def, stepID); err != nil {
		t.Fatalf("MaterializeStep() on cancelled instance error = %v", err)
	}
	if got := len(inst.Steps[0].Tasks); got != 0 {
		t.Errorf("tasks = %d, want 0 on terminal instance", got)
	}
}

func TestMaterializeStep_unknown_step(t *testing.T) {
	def := reviewDef()
	m := testMaterializer(t, nil, nil)

	inst, _ := NewInstance(def, "user-alice", nil, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := m.MaterializeStep(context.Background(), inst, def, "no-such-step")
	if err == nil {
		t.Fatal("MaterializeStep() with unknown step should fail")
	}
	if code := errCode(t, err); code != model.ErrStepNotFound {
		t.Errorf("code = %q, want STEP_NOT_FOUND", code)
	}
}

func TestMaterializeStep_chained_automatic_steps(t *testing.T) {
	def := model.WorkflowDefinition{
		Type: "reports.nightly",
		Steps: []model.StepDefinition{
			{
				StepID:     "extract",
				OrderIndex: 0,
				Tasks: []model.TaskDefinition{
					{TaskID: "pull", Type: model.TaskTypeAutomatic, Handler: "pull_data"},
				},
				Transitions: model.TransitionTargets{OnSuccess: "publish"},
			},
			{
				StepID:     "publish",
				OrderIndex: 1,
				Tasks: []model.TaskDefinition{
					{TaskID: "push", Type: model.TaskTypeAutomatic, Handler: "push_report"},
				},
			},
		},
	}
	handlers := handler.NewRegistry()
	handlers.Register(okHandler("pull_data", nil))
	handlers.Register(okHandler("push_report", nil))
	m := testMaterializer(t, handlers, nil)

	inst, _ := NewInstance(def, "scheduler", nil, "")
	if err := inst.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Each continuation delivery materializes one step; the follow-on step
	// is driven by the next StepStarted job, mirroring the worker loop.
	for inst.Status == WorkflowStatusInProgress {
		if err := m.MaterializeStep(context.Background(), inst, def, inst.CurrentStepID); err != nil {
			t.Fatalf("MaterializeStep() error = %v", err)
		}
	}

	if inst.Status != WorkflowStatusCompleted {
		t.Errorf("status = %q, want COMPLETED after both automatic steps", inst.Status)
	}
	for _, s := range inst.Steps {
		if s.Status != StepStatusCompleted {
			t.Errorf("step %q = %q, want COMPLETED", s.StepID, s.Status)
		}
	}
}
