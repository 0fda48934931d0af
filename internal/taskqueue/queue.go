package taskqueue

import (
	"cmp"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

type entry struct {
	// pub is held from before a transition until its event is published, so
	// events for one task reach the bus in transition order. Taken before mu.
	pub  sync.Mutex
	mu   sync.Mutex
	task Task
}

// Registry owns the task table. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*entry

	seq       atomic.Uint64
	bus       *event.Bus
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
	retention time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus publishes a TaskEvent for every transition.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithLogger sets the logger used for anomalies and invariant violations.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides the task ID source. Defaults to random UUIDs.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithRetention sets how long terminal tasks are kept before PruneTerminal
// removes them. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks:  make(map[string]*entry),
		logger: logging.NopLogger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TransitionOption qualifies a transition request.
type TransitionOption func(*transitionOpts)

type transitionOpts struct {
	worker string
	reason string
}

// FromWorker rejects the transition with ErrNotAssignee unless workerID is
// the task's current assignee. Used for reports arriving from workers, so a
// late report from a worker whose task was requeued cannot touch the new
// assignment.
func FromWorker(workerID string) TransitionOption {
	return func(o *transitionOpts) { o.worker = workerID }
}

// WithReason attaches a human-readable reason to the published event.
func WithReason(reason string) TransitionOption {
	return func(o *transitionOpts) { o.reason = reason }
}

// Submit creates a task in the queued state and returns its ID. Submission
// always succeeds.
func (r *Registry) Submit(taskType string, payload json.RawMessage, priority int) string {
	now := r.now()
	t := Task{
		ID:        r.newID(),
		Type:      taskType,
		Payload:   payload,
		Priority:  priority,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		seq:       r.seq.Add(1),
	}

	e := &entry{task: t}
	e.pub.Lock()
	defer e.pub.Unlock()

	r.mu.Lock()
	for r.tasks[t.ID] != nil {
		t.ID = r.newID()
	}
	e.task.ID = t.ID
	r.tasks[t.ID] = e
	r.mu.Unlock()

	r.publish(event.TaskSubmitted, &t, "", "")
	return t.ID
}

// Assign moves a queued task to assigned. Of any number of concurrent
// callers for the same task, at most one succeeds; the rest get a
// TransitionError.
func (r *Registry) Assign(id, workerID string) error {
	if workerID == "" {
		return errors.NewValidationError("worker id is required").WithField("worker_id")
	}
	return r.transition(id, StatusAssigned, event.TaskAssigned, nil, func(t *Task) error {
		if t.Status != StatusQueued || t.AssignedWorker != "" {
			return errors.NewTransitionError(id, string(t.Status), string(StatusAssigned))
		}
		t.Status = StatusAssigned
		t.AssignedWorker = workerID
		t.Progress = 0
		return nil
	})
}

// Start moves an assigned task to running once its worker acknowledges it.
func (r *Registry) Start(id string, opts ...TransitionOption) error {
	return r.transition(id, StatusRunning, event.TaskStarted, opts, func(t *Task) error {
		if t.Status != StatusAssigned {
			return errors.NewTransitionError(id, string(t.Status), string(StatusRunning))
		}
		t.Status = StatusRunning
		return nil
	})
}

// ReportProgress records progress for a running task. Values are clamped to
// 0..100. A value lower than the previous report is accepted and logged.
func (r *Registry) ReportProgress(id string, percent int, opts ...TransitionOption) error {
	percent = min(max(percent, 0), 100)
	return r.transition(id, StatusRunning, event.TaskProgress, opts, func(t *Task) error {
		if t.Status != StatusRunning {
			return errors.NewTransitionError(id, string(t.Status), "progress")
		}
		if percent < t.Progress {
			r.logger.WithTask(id).Warn("progress went backwards",
				"previous", t.Progress, "reported", percent, "worker_id", t.AssignedWorker)
		}
		t.Progress = percent
		return nil
	})
}

// Complete moves a running task to completed and stores its result.
func (r *Registry) Complete(id string, result json.RawMessage, opts ...TransitionOption) error {
	if result == nil {
		result = json.RawMessage("null")
	}
	return r.transition(id, StatusCompleted, event.TaskCompleted, opts, func(t *Task) error {
		if t.Status != StatusRunning {
			return errors.NewTransitionError(id, string(t.Status), string(StatusCompleted))
		}
		t.Status = StatusCompleted
		t.Progress = 100
		t.Result = result
		t.AssignedWorker = ""
		return nil
	})
}

// Fail moves an assigned or running task to failed.
func (r *Registry) Fail(id, message string, opts ...TransitionOption) error {
	if message == "" {
		message = "task failed"
	}
	return r.transition(id, StatusFailed, event.TaskFailed, opts, func(t *Task) error {
		if !t.Status.HoldsWorker() {
			return errors.NewTransitionError(id, string(t.Status), string(StatusFailed))
		}
		t.Status = StatusFailed
		t.Error = message
		t.AssignedWorker = ""
		return nil
	})
}

// Cancel moves a non-terminal task to cancelled. It returns the worker that
// held the task, if any, so the caller can notify it.
func (r *Registry) Cancel(id string, opts ...TransitionOption) (string, error) {
	var prev string
	err := r.transition(id, StatusCancelled, event.TaskCancelled, opts, func(t *Task) error {
		prev = t.AssignedWorker
		t.Status = StatusCancelled
		t.AssignedWorker = ""
		return nil
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

// Requeue returns an assigned or running task to queued, clearing its
// assignee and progress. Used when the assignee is lost.
func (r *Registry) Requeue(id string, opts ...TransitionOption) error {
	return r.transition(id, StatusQueued, event.TaskRequeued, opts, func(t *Task) error {
		if !t.Status.HoldsWorker() {
			return errors.NewTransitionError(id, string(t.Status), string(StatusQueued))
		}
		t.Status = StatusQueued
		t.AssignedWorker = ""
		t.Progress = 0
		return nil
	})
}

// transition runs apply under the task's lock. Terminal tasks and reports from
// a non-assignee are rejected before apply sees the task. If apply leaves the
// task violating its invariant the change is rolled back.
//
// Transitions on one task publish in the order they were applied. A bus
// handler must not transition the task whose event it is handling.
func (r *Registry) transition(id string, to Status, eventType string, opts []TransitionOption, apply func(*Task) error) error {
	var o transitionOpts
	for _, opt := range opts {
		opt(&o)
	}

	e := r.lookup(id)
	if e == nil {
		return errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}

	e.pub.Lock()
	defer e.pub.Unlock()
	e.mu.Lock()
	t := &e.task
	if t.Status.IsTerminal() {
		from := t.Status
		e.mu.Unlock()
		return errors.NewTransitionError(id, string(from), string(to)).WithCause(errors.ErrAlreadyTerminal)
	}
	if o.worker != "" && t.AssignedWorker != o.worker {
		holder := t.AssignedWorker
		e.mu.Unlock()
		return errors.Wrapf(errors.ErrNotAssignee, "task %s held by %q, report from %q", id, holder, o.worker)
	}

	prev := *t
	if err := apply(t); err != nil {
		e.mu.Unlock()
		return err
	}
	t.UpdatedAt = r.now()
	if err := t.CheckInvariant(); err != nil {
		*t = prev
		e.mu.Unlock()
		r.logger.WithTask(id).Error("task invariant violated, transition rolled back", "error", err)
		return errors.NewTransitionError(id, string(prev.Status), string(to)).WithCause(err)
	}
	snap := *t
	e.mu.Unlock()

	released := ""
	if prev.AssignedWorker != "" && snap.AssignedWorker == "" {
		released = prev.AssignedWorker
	}
	r.publishTransition(eventType, &snap, prev.Status, released, o.reason)
	return nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id]
}

// Status returns a copy of the task, or false if it does not exist.
func (r *Registry) Status(id string) (*Task, bool) {
	e := r.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.clone(), true
}

// snapshot copies every task. Task locks are taken one at a time, so the
// result is per-task consistent but not a global point-in-time view.
func (r *Registry) snapshot() []*Task {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task.clone())
		e.mu.Unlock()
	}
	return out
}

// List returns copies of tasks matching f, oldest first.
func (r *Registry) List(f Filter) []*Task {
	all := r.snapshot()
	out := all[:0]
	for _, t := range all {
		if f.matches(t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *Task) int {
		return compareSeq(a, b)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Queued returns copies of all queued tasks in dispatch order: highest
// priority first, then earliest submission.
func (r *Registry) Queued() []*Task {
	out := r.List(Filter{Status: StatusQueued})
	slices.SortStableFunc(out, func(a, b *Task) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return compareSeq(a, b)
	})
	return out
}

func compareSeq(a, b *Task) int {
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// Counts returns the number of tasks in each state.
func (r *Registry) Counts() Counts {
	var c Counts
	for _, t := range r.snapshot() {
		c.Total++
		switch t.Status {
		case StatusQueued:
			c.Queued++
		case StatusAssigned:
			c.Assigned++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// PruneTerminal removes terminal tasks last updated more than the retention
// window before now. Returns the number removed.
func (r *Registry) PruneTerminal(now time.Time) int {
	if r.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.tasks {
		e.mu.Lock()
		expired := e.task.Status.IsTerminal() && e.task.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(r.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("pruned terminal tasks", "count", removed, "retention", r.retention.String())
	}
	return removed
}
