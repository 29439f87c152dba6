package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdesk/conveyor/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5. The
// aggregate is the unit of write: every Create and Update runs in a single
// transaction covering the instance row and its entire step/task/assignment
// graph. Children are delete-and-reinsert on update; only the instance row
// carries the optimistic version column.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// Pool exposes the underlying connection pool so other components, such as
// the directory resolver, can share it.
func (s *PgInstanceStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Create inserts a new workflow instance with its full graph.
func (s *PgInstanceStore) Create(ctx context.Context, inst *WorkflowInstance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	dataJSON, err := json.Marshal(inst.RequestData)
	if err != nil {
		return fmt.Errorf("marshal request data: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, type, status, current_step_id, request_data,
			initiated_by, initiated_for, remarks, version,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12
		)`,
		inst.ID, inst.Type, inst.Status, nullable(inst.CurrentStepID), dataJSON,
		inst.InitiatedBy, inst.InitiatedFor, inst.Remarks, inst.Version,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}

	if err := s.insertChildren(ctx, tx, inst); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	return nil
}

// Get retrieves an instance with its full graph by its code.
func (s *PgInstanceStore) Get(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	inst, err := s.queryInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking. The instance
// row is version-checked; the child graph is deleted and reinserted inside
// the same transaction. On success the instance's Version is incremented in
// place.
func (s *PgInstanceStore) Update(ctx context.Context, inst *WorkflowInstance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	dataJSON, err := json.Marshal(inst.RequestData)
	if err != nil {
		return fmt.Errorf("marshal request data: %w", err)
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_step_id = $2,
			request_data = $3,
			remarks = $4,
			version = $5,
			updated_at = $6,
			completed_at = $7
		WHERE id = $8 AND version = $9`,
		inst.Status, nullable(inst.CurrentStepID), dataJSON,
		inst.Remarks, inst.Version+1, now, inst.CompletedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}

	// The aggregate is replaced wholesale below the instance row.
	_, err = tx.Exec(ctx, `
		DELETE FROM task_assignments WHERE task_row_id IN (
			SELECT t.id FROM workflow_tasks t
			JOIN workflow_steps s ON t.step_row_id = s.id
			WHERE s.instance_id = $1
		)`, inst.ID)
	if err != nil {
		return fmt.Errorf("delete task assignments: %w", err)
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM workflow_tasks WHERE step_row_id IN (
			SELECT id FROM workflow_steps WHERE instance_id = $1
		)`, inst.ID)
	if err != nil {
		return fmt.Errorf("delete workflow tasks: %w", err)
	}
	_, err = tx.Exec(ctx, `DELETE FROM workflow_steps WHERE instance_id = $1`, inst.ID)
	if err != nil {
		return fmt.Errorf("delete workflow steps: %w", err)
	}

	if err := s.insertChildren(ctx, tx, inst); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update tx: %w", err)
	}

	inst.Version++
	inst.UpdatedAt = now
	return nil
}

// List returns instances matching the filters, newest first. Child graphs
// are not loaded; listings surface instance-level fields only.
func (s *PgInstanceStore) List(ctx context.Context, filters ListFilters) ([]*WorkflowInstance, error) {
	query := `SELECT id, type, status, current_step_id, request_data,
	                 initiated_by, initiated_for, remarks, version,
	                 created_at, updated_at, completed_at
	          FROM workflow_instances
	          WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filters.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filters.Type)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.InitiatedBy != "" {
		query += fmt.Sprintf(" AND initiated_by = $%d", argIdx)
		args = append(args, filters.InitiatedBy)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []*WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// HealthCheck verifies database connectivity.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// queryInstance loads the instance row without children.
func (s *PgInstanceStore) queryInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, status, current_step_id, request_data,
		       initiated_by, initiated_for, remarks, version,
		       created_at, updated_at, completed_at
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewWorkflowNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// loadChildren populates the step/task/assignment graph for an instance.
func (s *PgInstanceStore) loadChildren(ctx context.Context, inst *WorkflowInstance) error {
	stepRows, err := s.pool.Query(ctx, `
		SELECT id, step_id, order_index, name, status,
		       on_success_step_id, on_failure_step_id,
		       started_at, completed_at, failure_reason
		FROM workflow_steps
		WHERE instance_id = $1
		ORDER BY created_seq ASC`,
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("query workflow steps: %w", err)
	}
	defer stepRows.Close()

	stepIndex := make(map[string]int)
	for stepRows.Next() {
		var st WorkflowStep
		var onSuccess, onFailure, failureReason *string
		if err := stepRows.Scan(
			&st.ID, &st.StepID, &st.OrderIndex, &st.Name, &st.Status,
			&onSuccess, &onFailure,
			&st.StartedAt, &st.CompletedAt, &failureReason,
		); err != nil {
			return fmt.Errorf("scan workflow step: %w", err)
		}
		st.OnSuccessStepID = deref(onSuccess)
		st.OnFailureStepID = deref(onFailure)
		st.FailureReason = deref(failureReason)
		stepIndex[st.ID] = len(inst.Steps)
		inst.Steps = append(inst.Steps, st)
	}
	if err := stepRows.Err(); err != nil {
		return fmt.Errorf("iterate workflow steps: %w", err)
	}

	taskRows, err := s.pool.Query(ctx, `
		SELECT t.id, t.step_row_id, t.task_id, t.name, t.type, t.handler,
		       t.checklist, t.status, t.result_data,
		       t.completed_at, t.completed_by, t.failure_reason, t.created_at
		FROM workflow_tasks t
		JOIN workflow_steps s ON t.step_row_id = s.id
		WHERE s.instance_id = $1
		ORDER BY t.created_seq ASC`,
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("query workflow tasks: %w", err)
	}
	defer taskRows.Close()

	taskStep := make(map[string]string)
	for taskRows.Next() {
		var tk WorkflowTask
		var stepRowID string
		var handler, completedBy, failureReason *string
		var checklistJSON, resultJSON []byte
		if err := taskRows.Scan(
			&tk.ID, &stepRowID, &tk.TaskID, &tk.Name, &tk.Type, &handler,
			&checklistJSON, &tk.Status, &resultJSON,
			&tk.CompletedAt, &completedBy, &failureReason, &tk.CreatedAt,
		); err != nil {
			return fmt.Errorf("scan workflow task: %w", err)
		}
		tk.Handler = deref(handler)
		tk.CompletedBy = deref(completedBy)
		tk.FailureReason = deref(failureReason)
		if checklistJSON != nil {
			if err := json.Unmarshal(checklistJSON, &tk.Checklist); err != nil {
				return fmt.Errorf("unmarshal task checklist: %w", err)
			}
		}
		if resultJSON != nil {
			if err := json.Unmarshal(resultJSON, &tk.ResultData); err != nil {
				return fmt.Errorf("unmarshal task result data: %w", err)
			}
		}
		idx, ok := stepIndex[stepRowID]
		if !ok {
			return fmt.Errorf("task %q references unknown step row %q", tk.ID, stepRowID)
		}
		inst.Steps[idx].Tasks = append(inst.Steps[idx].Tasks, tk)
		taskStep[tk.ID] = stepRowID
	}
	if err := taskRows.Err(); err != nil {
		return fmt.Errorf("iterate workflow tasks: %w", err)
	}

	assignRows, err := s.pool.Query(ctx, `
		SELECT a.id, a.task_row_id, a.assigned_to, a.role_name, a.status,
		       a.accepted_at, a.completed_at, a.notes, a.created_at
		FROM task_assignments a
		JOIN workflow_tasks t ON a.task_row_id = t.id
		JOIN workflow_steps s ON t.step_row_id = s.id
		WHERE s.instance_id = $1
		ORDER BY a.created_seq ASC`,
		inst.ID,
	)
	if err != nil {
		return fmt.Errorf("query task assignments: %w", err)
	}
	defer assignRows.Close()

	for assignRows.Next() {
		var as TaskAssignment
		var taskRowID string
		var roleName, notes *string
		if err := assignRows.Scan(
			&as.ID, &taskRowID, &as.AssignedTo, &roleName, &as.Status,
			&as.AcceptedAt, &as.CompletedAt, &notes, &as.CreatedAt,
		); err != nil {
			return fmt.Errorf("scan task assignment: %w", err)
		}
		as.TaskID = taskRowID
		as.RoleName = deref(roleName)
		as.Notes = deref(notes)

		stepRowID, ok := taskStep[taskRowID]
		if !ok {
			return fmt.Errorf("assignment %q references unknown task row %q", as.ID, taskRowID)
		}
		idx := stepIndex[stepRowID]
		tasks := inst.Steps[idx].Tasks
		for i := range tasks {
			if tasks[i].ID == taskRowID {
				tasks[i].Assignments = append(tasks[i].Assignments, as)
				break
			}
		}
	}
	return assignRows.Err()
}

// insertChildren writes the full step/task/assignment graph inside tx.
func (s *PgInstanceStore) insertChildren(ctx context.Context, tx pgx.Tx, inst *WorkflowInstance) error {
	for seq, st := range inst.Steps {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_steps (
				id, instance_id, step_id, order_index, name, status,
				on_success_step_id, on_failure_step_id,
				started_at, completed_at, failure_reason, created_seq
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			st.ID, inst.ID, st.StepID, st.OrderIndex, st.Name, st.Status,
			nullable(st.OnSuccessStepID), nullable(st.OnFailureStepID),
			st.StartedAt, st.CompletedAt, nullable(st.FailureReason), seq,
		)
		if err != nil {
			return fmt.Errorf("insert workflow step: %w", err)
		}

		for taskSeq, tk := range st.Tasks {
			checklistJSON, err := json.Marshal(tk.Checklist)
			if err != nil {
				return fmt.Errorf("marshal task checklist: %w", err)
			}
			resultJSON, err := json.Marshal(tk.ResultData)
			if err != nil {
				return fmt.Errorf("marshal task result data: %w", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO workflow_tasks (
					id, step_row_id, task_id, name, type, handler,
					checklist, status, result_data,
					completed_at, completed_by, failure_reason, created_at, created_seq
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				tk.ID, st.ID, tk.TaskID, tk.Name, tk.Type, nullable(tk.Handler),
				checklistJSON, tk.Status, resultJSON,
				tk.CompletedAt, nullable(tk.CompletedBy), nullable(tk.FailureReason), tk.CreatedAt, taskSeq,
			)
			if err != nil {
				return fmt.Errorf("insert workflow task: %w", err)
			}

			for assignSeq, as := range tk.Assignments {
				_, err = tx.Exec(ctx, `
					INSERT INTO task_assignments (
						id, task_row_id, assigned_to, role_name, status,
						accepted_at, completed_at, notes, created_at, created_seq
					) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
					as.ID, tk.ID, as.AssignedTo, nullable(as.RoleName), as.Status,
					as.AcceptedAt, as.CompletedAt, nullable(as.Notes), as.CreatedAt, assignSeq,
				)
				if err != nil {
					return fmt.Errorf("insert task assignment: %w", err)
				}
			}
		}
	}
	return nil
}

// scanInstance scans one workflow_instances row.
func scanInstance(row pgx.Row) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	var currentStepID, initiatedFor, remarks *string
	var dataJSON []byte

	err := row.Scan(
		&inst.ID, &inst.Type, &inst.Status, &currentStepID, &dataJSON,
		&inst.InitiatedBy, &initiatedFor, &remarks, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan workflow instance: %w", err)
	}

	inst.CurrentStepID = deref(currentStepID)
	inst.InitiatedFor = deref(initiatedFor)
	inst.Remarks = deref(remarks)
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &inst.RequestData); err != nil {
			return nil, fmt.Errorf("unmarshal request data: %w", err)
		}
	}
	return &inst, nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
