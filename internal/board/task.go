// Package board holds the task model and the task store implementations the
// agent supervisor and metrics aggregator read from.
package board

import (
	"context"
	"errors"
	"time"
)

// Task statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in-progress"
	StatusBlocked    = "blocked"
	StatusReview     = "review"
	StatusDone       = "done"
)

// Task types. Only code tasks can run agents.
const (
	TypeCode = "code"
)

// Attempt statuses.
const (
	AttemptRunning  = "running"
	AttemptComplete = "complete"
	AttemptFailed   = "failed"
	AttemptError    = "error"
)

// ErrNotFound is returned by Store.Get and Store.Update for an unknown task id.
var ErrNotFound = errors.New("task not found")

// Attempt is one supervised agent run against a task. A task carries at most
// one attempt record; the supervisor overwrites it on each start.
type Attempt struct {
	ID       string     `json:"id"`
	Agent    string     `json:"agent"`
	Status   string     `json:"status"`
	Started  time.Time  `json:"started"`
	Ended    *time.Time `json:"ended,omitempty"`
	ExitCode *int       `json:"exitCode,omitempty"`
}

// BlockedReason explains why a task is blocked. Category feeds the blocked
// breakdown in task metrics.
type BlockedReason struct {
	Category string `json:"category,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Task is a board card. Created and mostly mutated elsewhere; the supervisor
// only touches Status and Attempt.
type Task struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	Project       string         `json:"project,omitempty"`
	Sprint        string         `json:"sprint,omitempty"`
	WorktreePath  string         `json:"worktreePath,omitempty"`
	Attempt       *Attempt       `json:"attempt,omitempty"`
	BlockedBy     []string       `json:"blockedBy,omitempty"`
	BlockedReason *BlockedReason `json:"blockedReason,omitempty"`
	Archived      bool           `json:"archived,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Status        *string
	Attempt       *Attempt
	ClearAttempt  bool
	Title         *string
	Description   *string
	Sprint        *string
	WorktreePath  *string
	BlockedReason *BlockedReason
	Archived      *bool
}

// Store is the task persistence interface consumed by the supervisor and the
// metrics aggregator.
type Store interface {
	Get(ctx context.Context, id string) (Task, error)
	Update(ctx context.Context, id string, patch TaskPatch) (Task, error)
	List(ctx context.Context) ([]Task, error)
	ListArchived(ctx context.Context) ([]Task, error)
	Create(ctx context.Context, t Task) error
}

func applyPatch(t *Task, patch TaskPatch) {
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.ClearAttempt {
		t.Attempt = nil
	} else if patch.Attempt != nil {
		a := *patch.Attempt
		t.Attempt = &a
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Sprint != nil {
		t.Sprint = *patch.Sprint
	}
	if patch.WorktreePath != nil {
		t.WorktreePath = *patch.WorktreePath
	}
	if patch.BlockedReason != nil {
		r := *patch.BlockedReason
		t.BlockedReason = &r
	}
	if patch.Archived != nil {
		t.Archived = *patch.Archived
	}
	t.UpdatedAt = time.Now().UTC()
}
