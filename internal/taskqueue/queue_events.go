package taskqueue

import "github.com/Iron-Ham/taskmesh/internal/event"

func (r *Registry) publish(eventType string, t *Task, prev Status, reason string) {
	r.publishTransition(eventType, t, prev, "", reason)
}

// publishTransition emits a TaskEvent for the snapshot t. released names the
// worker that lost the task in this transition, if any; it is reported as the
// event's WorkerID when the task itself no longer has one.
func (r *Registry) publishTransition(eventType string, t *Task, prev Status, released, reason string) {
	if r.bus == nil {
		return
	}
	worker := t.AssignedWorker
	if worker == "" {
		worker = released
	}
	r.bus.Publish(event.NewTaskEvent(eventType, event.TaskEvent{
		TaskID:   t.ID,
		TaskType: t.Type,
		Status:   string(t.Status),
		Previous: string(prev),
		Progress: t.Progress,
		WorkerID: worker,
		Priority: t.Priority,
		Result:   t.Result,
		Error:    t.Error,
		Reason:   reason,
	}))
}

// Ensure TaskEvent satisfies the Event interface at compile time.
var _ event.Event = event.TaskEvent{}
