package taskqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusQueued tasks are waiting for an eligible worker.
	StatusQueued Status = "queued"

	// StatusAssigned tasks have been handed to a worker that has not yet
	// acknowledged them.
	StatusAssigned Status = "assigned"

	// StatusRunning tasks are executing on their assigned worker.
	StatusRunning Status = "running"

	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// HoldsWorker reports whether a task in this state must have an assignee.
func (s Status) HoldsWorker() bool {
	return s == StatusAssigned || s == StatusRunning
}

// ParseStatus validates a user-supplied status string.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusQueued, StatusAssigned, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, true
	}
	return "", false
}

// Task is a unit of work. Values returned by the registry are copies; mutating
// them has no effect on registry state.
type Task struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority"`
	Status   Status          `json:"status"`
	Progress int             `json:"progress"`

	// AssignedWorker is set if and only if Status is assigned or running.
	AssignedWorker string `json:"assigned_worker,omitempty"`

	// Result is only set when Status is completed.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is only set when Status is failed.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// seq orders tasks with identical CreatedAt readings.
	seq uint64
}

// CheckInvariant returns an error if the task's fields contradict its status.
func (t *Task) CheckInvariant() error {
	if t.Status.HoldsWorker() != (t.AssignedWorker != "") {
		return fmt.Errorf("task %s: status %s with assigned_worker %q", t.ID, t.Status, t.AssignedWorker)
	}
	if t.Result != nil && t.Status != StatusCompleted {
		return fmt.Errorf("task %s: result set in status %s", t.ID, t.Status)
	}
	if t.Error != "" && t.Status != StatusFailed {
		return fmt.Errorf("task %s: error set in status %s", t.ID, t.Status)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("task %s: progress %d out of range", t.ID, t.Progress)
	}
	return nil
}

func (t *Task) clone() *Task {
	cp := *t
	return &cp
}

// Counts is a snapshot of how many tasks are in each state.
type Counts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Filter selects tasks for List. Zero-valued fields match everything.
type Filter struct {
	Status Status
	Type   string
	Worker string
	Limit  int
}

func (f Filter) matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Worker != "" && t.AssignedWorker != f.Worker {
		return false
	}
	return true
}
