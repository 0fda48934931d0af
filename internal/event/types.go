package event

import (
	"encoding/json"
	"time"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "task.completed".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// Task lifecycle event types.
const (
	TaskSubmitted = "task.submitted"
	TaskAssigned  = "task.assigned"
	TaskStarted   = "task.started"
	TaskProgress  = "task.progress"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
	TaskRequeued  = "task.requeued"
)

// Worker event types.
const (
	WorkerRegistered   = "worker.registered"
	WorkerUnreachable  = "worker.unreachable"
	WorkerDisconnected = "worker.disconnected"
	WorkerRevived      = "worker.revived"
)

// Session event types.
const (
	AuthSucceeded  = "auth.succeeded"
	AuthFailed     = "auth.failed"
	SessionRevoked = "session.revoked"
)

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskEvent describes a task after a state transition. The snapshot is taken
// while the task lock is held, so subscribers see a consistent view even
// though delivery happens after the lock is released.
type TaskEvent struct {
	baseEvent
	TaskID   string
	TaskType string
	Status   string
	Previous string // status before the transition; empty on submit
	Progress int
	WorkerID string          // assignee after the transition, or the released worker on terminal/requeue events
	Priority int
	Result   json.RawMessage // set on task.completed
	Error    string          // set on task.failed
	Reason   string          // requeue or cancellation reason
}

// NewTaskEvent creates a TaskEvent of the given type. The timestamp is set here;
// callers fill the rest.
func NewTaskEvent(eventType string, e TaskEvent) TaskEvent {
	e.baseEvent = newBaseEvent(eventType)
	return e
}

// Terminal reports whether the event moved the task into a terminal state.
func (e TaskEvent) Terminal() bool {
	switch e.EventType() {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Worker Events
// -----------------------------------------------------------------------------

// WorkerEvent is emitted when a worker's registration or liveness changes.
type WorkerEvent struct {
	baseEvent
	WorkerID     string
	Capabilities []string
	TaskID       string // task held at the time of the event, if any
	Reason       string
}

// NewWorkerEvent creates a WorkerEvent.
func NewWorkerEvent(eventType, workerID string, capabilities []string, taskID, reason string) WorkerEvent {
	return WorkerEvent{
		baseEvent:    newBaseEvent(eventType),
		WorkerID:     workerID,
		Capabilities: capabilities,
		TaskID:       taskID,
		Reason:       reason,
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionEvent records authentication outcomes and revocations.
type SessionEvent struct {
	baseEvent
	Subject string
	Role    string
}

// NewSessionEvent creates a SessionEvent.
func NewSessionEvent(eventType, subject, role string) SessionEvent {
	return SessionEvent{
		baseEvent: newBaseEvent(eventType),
		Subject:   subject,
		Role:      role,
	}
}
