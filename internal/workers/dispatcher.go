package workers

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
)

// Requeue and eviction reasons.
const (
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonDisconnected     = "connection closed"
	ReasonReregistered     = "worker re-registered"
	ReasonTaskLost         = "worker stopped reporting the task"
	ReasonNeverStarted     = "assignment not acknowledged"
)

// DefaultAssignGrace is how long an assigned task may wait for its worker's
// acknowledgement while the worker heartbeats as idle.
const DefaultAssignGrace = 30 * time.Second

// Dispatcher matches queued tasks to idle workers and handles worker
// failure. All exported methods are safe for concurrent use.
type Dispatcher struct {
	mu      sync.Mutex // registry-level lock spanning tasks and workers
	tasks   *taskqueue.Registry
	workers *Registry
	bus     *event.Bus
	logger  *logging.Logger
	now     func() time.Time

	assignGrace time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBus publishes worker events.
func WithBus(bus *event.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithAssignGrace overrides DefaultAssignGrace.
func WithAssignGrace(grace time.Duration) Option {
	return func(d *Dispatcher) { d.assignGrace = grace }
}

// NewDispatcher creates a Dispatcher over the given registries.
func NewDispatcher(tasks *taskqueue.Registry, workers *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tasks:   tasks,
		workers: workers,
		logger:  logging.NopLogger(),
		now:     time.Now,

		assignGrace: DefaultAssignGrace,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Workers returns the worker registry.
func (d *Dispatcher) Workers() *Registry {
	return d.workers
}

// Register adds or refreshes a worker. Registration is idempotent: the
// capability set is replaced, the worker is marked alive and its heartbeat
// reset. If the worker still held a task, that task is requeued, since a
// re-registering worker has lost whatever it was doing. Returns the requeued
// task id, if any.
func (d *Dispatcher) Register(info Info) (string, error) {
	if info.ID == "" {
		return "", errors.NewValidationError("worker id is required").WithField("worker_info.id")
	}
	caps, err := compileCapabilities(info.Capabilities)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	e, created := d.workers.upsert(info.ID)
	e.mu.Lock()
	held := e.w.CurrentTask
	e.w.Capabilities = slices.Clone(info.Capabilities)
	e.w.caps = caps
	e.w.Hostname = info.Hostname
	e.w.Version = info.Version
	e.w.Status = StatusAlive
	e.w.CurrentTask = ""
	e.w.LastHeartbeat = now
	if created {
		e.w.RegisteredAt = now
	}
	e.mu.Unlock()

	log := d.logger.WithWorker(info.ID)
	requeued := ""
	if held != "" {
		if d.requeue(held, info.ID, ReasonReregistered) {
			requeued = held
		}
	}
	log.Info("worker registered", "capabilities", info.Capabilities, "new", created, "requeued_task", requeued)
	d.publish(event.NewWorkerEvent(event.WorkerRegistered, info.ID, slices.Clone(info.Capabilities), requeued, ""))
	return requeued, nil
}

// Heartbeat records a liveness report. currentTask is the task the worker
// says it is executing, empty when idle.
//
// The report is cross-checked against the registry. A worker that reports no
// task while the registry records one has either finished without saying so
// or lost the task: a terminal or reassigned task reference is dropped, a task
// still in assigned state is left alone for a grace period because the
// assignment may be in flight, and a running task is requeued. None of these
// are errors.
func (d *Dispatcher) Heartbeat(workerID, currentTask string, stats *Stats) (HeartbeatResult, error) {
	var res HeartbeatResult
	e := d.workers.lookup(workerID)
	if e == nil {
		return res, errors.NewNotFoundError("worker", workerID).WithCause(errors.ErrWorkerNotFound)
	}

	now := d.now()
	e.mu.Lock()
	e.w.LastHeartbeat = now
	if stats != nil {
		s := *stats
		e.w.Stats = &s
	}
	status, held := e.w.Status, e.w.CurrentTask
	e.mu.Unlock()

	if status == StatusAlive && held == currentTask {
		return res, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Re-read under the dispatch lock; a dispatch may have run in between.
	e.mu.Lock()
	status, held = e.w.Status, e.w.CurrentTask
	e.mu.Unlock()
	log := d.logger.WithWorker(workerID)

	if status == StatusUnreachable {
		if currentTask != "" {
			log.Debug("unreachable worker still busy with a reclaimed task", "task_id", currentTask)
			return res, nil
		}
		e.mu.Lock()
		e.w.Status = StatusAlive
		e.mu.Unlock()
		log.Info("worker revived")
		d.publish(event.NewWorkerEvent(event.WorkerRevived, workerID, nil, "", ""))
		res.Revived, res.Dispatch = true, true
		return res, nil
	}

	switch {
	case held == currentTask:
		return res, nil
	case held == "":
		log.Warn("worker reports a task the registry did not assign to it", "task_id", currentTask)
		return res, nil
	case currentTask != "":
		log.Warn("worker reports a different task than assigned", "reported", currentTask, "assigned", held)
		return res, nil
	}

	// Worker idle, registry says busy.
	t, ok := d.tasks.Status(held)
	switch {
	case !ok || t.Status.IsTerminal() || t.AssignedWorker != workerID:
		d.clearTask(e, held)
		res.Cleared, res.Dispatch = held, true
		log.Debug("dropped stale task reference", "task_id", held)
	case t.Status == taskqueue.StatusAssigned && now.Sub(t.UpdatedAt) < d.assignGrace:
		// Assignment in flight.
	default:
		reason := ReasonTaskLost
		if t.Status == taskqueue.StatusAssigned {
			reason = ReasonNeverStarted
		}
		log.Warn("worker does not report its task, requeueing", "task_id", held, "task_status", t.Status, "reason", reason)
		d.clearTask(e, held)
		res.Dispatch = true
		if d.requeue(held, workerID, reason) {
			res.Requeued = held
		}
	}
	return res, nil
}

// Release frees workerID after it reported taskID finished. Reports about a
// task the worker no longer holds are ignored.
func (d *Dispatcher) Release(workerID, taskID string) bool {
	e := d.workers.lookup(workerID)
	if e == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearTask(e, taskID)
}

func (d *Dispatcher) clearTask(e *entry, taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w.CurrentTask != taskID {
		return false
	}
	e.w.CurrentTask = ""
	return true
}

// MarkUnreachableIfStale marks every alive worker whose last heartbeat is at
// least timeout before now as unreachable and requeues the task it held.
func (d *Dispatcher) MarkUnreachableIfStale(now time.Time, timeout time.Duration) []Eviction {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Eviction
	for _, e := range d.workers.entries() {
		e.mu.Lock()
		stale := e.w.Status == StatusAlive && now.Sub(e.w.LastHeartbeat) >= timeout
		e.mu.Unlock()
		if stale {
			out = append(out, d.evict(e, ReasonHeartbeatTimeout, event.WorkerUnreachable))
		}
	}
	slices.SortFunc(out, func(a, b Eviction) int { return cmp.Compare(a.WorkerID, b.WorkerID) })
	return out
}

// ForgetUnreachable removes unreachable workers silent for at least after and
// returns their ids, sorted. A forgotten worker that
// comes back must register again.
func (d *Dispatcher) ForgetUnreachable(now time.Time, after time.Duration) []string {
	if after <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string
	for _, e := range d.workers.entries() {
		e.mu.Lock()
		id := e.w.ID
		gone := e.w.Status == StatusUnreachable && now.Sub(e.w.LastHeartbeat) >= after
		e.mu.Unlock()
		if gone && d.workers.Remove(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Disconnect handles a worker whose connection closed. It takes the same path
// as a heartbeat timeout.
func (d *Dispatcher) Disconnect(workerID string) (Eviction, bool) {
	e := d.workers.lookup(workerID)
	if e == nil {
		return Eviction{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	e.mu.Lock()
	alive := e.w.Status == StatusAlive
	e.mu.Unlock()
	if !alive {
		return Eviction{}, false
	}
	return d.evict(e, ReasonDisconnected, event.WorkerDisconnected), true
}

func (d *Dispatcher) evict(e *entry, reason, eventType string) Eviction {
	e.mu.Lock()
	id, held := e.w.ID, e.w.CurrentTask
	e.w.Status = StatusUnreachable
	e.w.CurrentTask = ""
	e.mu.Unlock()

	ev := Eviction{WorkerID: id, Reason: reason}
	if held != "" && d.requeue(held, id, reason) {
		ev.TaskID = held
	}
	d.logger.WithWorker(id).Warn("worker marked unreachable", "reason", reason, "requeued_task", ev.TaskID)
	d.publish(event.NewWorkerEvent(eventType, id, nil, ev.TaskID, reason))
	return ev
}

// requeue returns taskID to the queue if workerID still holds it. Tasks that
// already finished or moved on are left alone.
func (d *Dispatcher) requeue(taskID, workerID, reason string) bool {
	err := d.tasks.Requeue(taskID, taskqueue.FromWorker(workerID), taskqueue.WithReason(reason))
	if err == nil {
		return true
	}
	if !errors.Is(err, errors.ErrAlreadyTerminal) && !errors.Is(err, errors.ErrNotAssignee) && !errors.Is(err, errors.ErrTaskNotFound) {
		d.logger.WithTask(taskID).Error("requeue failed", "worker_id", workerID, "error", err)
	}
	return false
}

// DispatchNext assigns the highest-priority queued task, earliest first
// within a priority, to an idle worker declaring its type. Among eligible
// workers the one assigned least recently wins. Returns false when no
// eligible pair exists; unmatched tasks simply stay queued.
func (d *Dispatcher) DispatchNext() (Assignment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchLocked()
}

// DispatchAll runs DispatchNext until nothing more can be assigned.
func (d *Dispatcher) DispatchAll() []Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Assignment
	for {
		a, ok := d.dispatchLocked()
		if !ok {
			return out
		}
		out = append(out, a)
	}
}

func (d *Dispatcher) dispatchLocked() (Assignment, bool) {
	idle := d.idleWorkers()
	if len(idle) == 0 {
		return Assignment{}, false
	}

	for _, t := range d.tasks.Queued() {
		for _, e := range idle {
			if !d.reserve(e, t.Type, t.ID) {
				continue
			}
			if err := d.tasks.Assign(t.ID, e.w.ID); err != nil {
				// Cancelled between the snapshot and now.
				d.clearTask(e, t.ID)
				d.logger.WithTask(t.ID).Debug("assign lost race", "error", err)
				break
			}
			e.mu.Lock()
			e.w.LastAssigned = d.now()
			e.mu.Unlock()
			return Assignment{
				TaskID:   t.ID,
				WorkerID: e.w.ID,
				Type:     t.Type,
				Payload:  t.Payload,
				Priority: t.Priority,
			}, true
		}
	}
	return Assignment{}, false
}

// reserve marks e busy with taskID if it is idle and supports taskType.
func (d *Dispatcher) reserve(e *entry, taskType, taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.w.Idle() || !e.w.Supports(taskType) {
		return false
	}
	e.w.CurrentTask = taskID
	return true
}

// idleWorkers returns idle workers, least recently assigned first.
func (d *Dispatcher) idleWorkers() []*entry {
	type candidate struct {
		e    *entry
		last time.Time
	}
	var cs []candidate
	for _, e := range d.workers.entries() {
		e.mu.Lock()
		if e.w.Idle() {
			cs = append(cs, candidate{e, e.w.LastAssigned})
		}
		e.mu.Unlock()
	}
	slices.SortFunc(cs, func(a, b candidate) int {
		if c := a.last.Compare(b.last); c != 0 {
			return c
		}
		return cmp.Compare(a.e.w.ID, b.e.w.ID)
	})
	out := make([]*entry, len(cs))
	for i, c := range cs {
		out[i] = c.e
	}
	return out
}

func (d *Dispatcher) publish(e event.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}
