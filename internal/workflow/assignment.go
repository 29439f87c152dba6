package workflow

import (
	"fmt"
	"time"

	"github.com/opsdesk/conveyor/model"
)

// Task assignment status constants.
const (
	AssignmentStatusPending  = "PENDING"
	AssignmentStatusAccepted = "ACCEPTED"
	AssignmentStatusRejected = "REJECTED"
	AssignmentStatusRemoved  = "REMOVED"
)

// TaskAssignment is a single user's claim on a human task. RoleName records
// the role under which the assignment was made; it is empty for direct
// assignment.
type TaskAssignment struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	AssignedTo  string     `json:"assigned_to"`
	RoleName    string     `json:"role_name,omitempty"`
	Status      string     `json:"status"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// newAssignment creates a PENDING assignment for the given task and user.
func newAssignment(taskID, userID, roleName string) TaskAssignment {
	return TaskAssignment{
		ID:         newID(),
		TaskID:     taskID,
		AssignedTo: userID,
		RoleName:   roleName,
		Status:     AssignmentStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// IsActive reports whether the assignment still represents a live claim.
func (a *TaskAssignment) IsActive() bool {
	return a.Status == AssignmentStatusPending || a.Status == AssignmentStatusAccepted
}

// Accept transitions the assignment to ACCEPTED.
func (a *TaskAssignment) Accept() error {
	if a.Status != AssignmentStatusPending {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("assignment %q is %s, cannot accept", a.ID, a.Status),
		)
	}
	now := time.Now().UTC()
	a.Status = AssignmentStatusAccepted
	a.AcceptedAt = &now
	return nil
}

// Reject transitions the assignment to REJECTED with optional notes.
func (a *TaskAssignment) Reject(notes string) error {
	if !a.IsActive() {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("assignment %q is %s, cannot reject", a.ID, a.Status),
		)
	}
	now := time.Now().UTC()
	a.Status = AssignmentStatusRejected
	a.CompletedAt = &now
	a.Notes = notes
	return nil
}

// remove supersedes the assignment during reassignment. Removing an already
// terminal assignment is a no-op.
func (a *TaskAssignment) remove() {
	if !a.IsActive() {
		return
	}
	now := time.Now().UTC()
	a.Status = AssignmentStatusRemoved
	a.CompletedAt = &now
}
