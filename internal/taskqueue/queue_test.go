package taskqueue

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
)

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("t-%d", n.Add(1)) }
}

func newTestRegistry(opts ...Option) *Registry {
	return NewRegistry(append([]Option{WithIDGenerator(sequentialIDs())}, opts...)...)
}

func mustStatus(t *testing.T, r *Registry, id string) *Task {
	t.Helper()
	task, ok := r.Status(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	if err := task.CheckInvariant(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
	return task
}

func TestSubmit(t *testing.T) {
	r := newTestRegistry()

	id := r.Submit("computation", json.RawMessage(`{"operation":"sum"}`), 3)
	if id != "t-1" {
		t.Errorf("id = %q, want t-1", id)
	}

	task := mustStatus(t, r, id)
	if task.Status != StatusQueued {
		t.Errorf("Status = %s, want queued", task.Status)
	}
	if task.Priority != 3 || task.Type != "computation" {
		t.Errorf("unexpected task: %+v", task)
	}
	if task.CreatedAt.IsZero() || !task.CreatedAt.Equal(task.UpdatedAt) {
		t.Errorf("timestamps not initialised: %v / %v", task.CreatedAt, task.UpdatedAt)
	}

	if other := r.Submit("computation", nil, 0); other == id {
		t.Error("Submit must return fresh ids")
	}
}

func TestSubmit_RegeneratesCollidingIDs(t *testing.T) {
	ids := []string{"dup", "dup", "fresh"}
	i := 0
	r := NewRegistry(WithIDGenerator(func() string {
		id := ids[i]
		i++
		return id
	}))

	first := r.Submit("x", nil, 0)
	second := r.Submit("x", nil, 0)
	if first != "dup" || second != "fresh" {
		t.Errorf("ids = %q, %q; want dup, fresh", first, second)
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	r := newTestRegistry()
	id := r.Submit("computation", nil, 1)

	steps := []struct {
		name   string
		do     func() error
		status Status
		worker string
	}{
		{"assign", func() error { return r.Assign(id, "w-1") }, StatusAssigned, "w-1"},
		{"start", func() error { return r.Start(id, FromWorker("w-1")) }, StatusRunning, "w-1"},
		{"progress", func() error { return r.ReportProgress(id, 40, FromWorker("w-1")) }, StatusRunning, "w-1"},
		{"complete", func() error { return r.Complete(id, json.RawMessage("15"), FromWorker("w-1")) }, StatusCompleted, ""},
	}

	for _, step := range steps {
		if err := step.do(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		task := mustStatus(t, r, id)
		if task.Status != step.status {
			t.Errorf("%s: Status = %s, want %s", step.name, task.Status, step.status)
		}
		if task.AssignedWorker != step.worker {
			t.Errorf("%s: AssignedWorker = %q, want %q", step.name, task.AssignedWorker, step.worker)
		}
	}

	task := mustStatus(t, r, id)
	if string(task.Result) != "15" {
		t.Errorf("Result = %s, want 15", task.Result)
	}
	if task.Progress != 100 {
		t.Errorf("Progress = %d, want 100", task.Progress)
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *Registry, id string)
		op    func(r *Registry, id string) error
	}{
		{
			name:  "start queued task",
			setup: func(*Registry, string) {},
			op:    func(r *Registry, id string) error { return r.Start(id) },
		},
		{
			name:  "complete assigned task",
			setup: func(r *Registry, id string) { _ = r.Assign(id, "w") },
			op:    func(r *Registry, id string) error { return r.Complete(id, nil) },
		},
		{
			name:  "progress on assigned task",
			setup: func(r *Registry, id string) { _ = r.Assign(id, "w") },
			op:    func(r *Registry, id string) error { return r.ReportProgress(id, 10) },
		},
		{
			name:  "fail queued task",
			setup: func(*Registry, string) {},
			op:    func(r *Registry, id string) error { return r.Fail(id, "x") },
		},
		{
			name:  "assign twice",
			setup: func(r *Registry, id string) { _ = r.Assign(id, "w-1") },
			op:    func(r *Registry, id string) error { return r.Assign(id, "w-2") },
		},
		{
			name:  "requeue queued task",
			setup: func(*Registry, string) {},
			op:    func(r *Registry, id string) error { return r.Requeue(id) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			id := r.Submit("computation", nil, 0)
			tt.setup(r, id)
			before := mustStatus(t, r, id)

			err := tt.op(r, id)
			if !errors.Is(err, errors.ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}

			after := mustStatus(t, r, id)
			if after.Status != before.Status || after.AssignedWorker != before.AssignedWorker {
				t.Errorf("state changed on rejected transition: %+v -> %+v", before, after)
			}
		})
	}
}

func TestUnknownTask(t *testing.T) {
	r := newTestRegistry()

	if _, ok := r.Status("missing"); ok {
		t.Error("Status of unknown task should report false")
	}
	if err := r.Assign("missing", "w"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("Assign err = %v, want ErrTaskNotFound", err)
	}
	if _, err := r.Cancel("missing"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("Cancel err = %v, want ErrTaskNotFound", err)
	}
}

func TestCancel(t *testing.T) {
	t.Run("queued task has no worker to notify", func(t *testing.T) {
		r := newTestRegistry()
		id := r.Submit("computation", nil, 0)

		prev, err := r.Cancel(id)
		if err != nil {
			t.Fatal(err)
		}
		if prev != "" {
			t.Errorf("prev worker = %q, want empty", prev)
		}
		if got := mustStatus(t, r, id).Status; got != StatusCancelled {
			t.Errorf("Status = %s", got)
		}
	})

	t.Run("running task is sticky after cancel", func(t *testing.T) {
		r := newTestRegistry()
		id := r.Submit("computation", nil, 0)
		_ = r.Assign(id, "w-1")
		_ = r.Start(id)

		prev, err := r.Cancel(id)
		if err != nil {
			t.Fatal(err)
		}
		if prev != "w-1" {
			t.Errorf("prev worker = %q, want w-1", prev)
		}

		err = r.Complete(id, json.RawMessage("1"), FromWorker("w-1"))
		if !errors.Is(err, errors.ErrAlreadyTerminal) {
			t.Errorf("Complete after cancel err = %v, want ErrAlreadyTerminal", err)
		}
		err = r.Fail(id, "late", FromWorker("w-1"))
		if !errors.Is(err, errors.ErrAlreadyTerminal) {
			t.Errorf("Fail after cancel err = %v, want ErrAlreadyTerminal", err)
		}
		if _, err := r.Cancel(id); !errors.Is(err, errors.ErrAlreadyTerminal) {
			t.Errorf("second Cancel err = %v, want ErrAlreadyTerminal", err)
		}

		task := mustStatus(t, r, id)
		if task.Status != StatusCancelled || task.Result != nil || task.Error != "" {
			t.Errorf("terminal task mutated: %+v", task)
		}
	})
}

func TestFromWorker(t *testing.T) {
	r := newTestRegistry()
	id := r.Submit("computation", nil, 0)
	_ = r.Assign(id, "w-1")
	_ = r.Start(id)

	// w-1 is lost and the task moves to w-2.
	if err := r.Requeue(id, WithReason("worker unreachable")); err != nil {
		t.Fatal(err)
	}
	_ = r.Assign(id, "w-2")

	if err := r.Complete(id, nil, FromWorker("w-1")); !errors.Is(err, errors.ErrNotAssignee) {
		t.Errorf("stale report err = %v, want ErrNotAssignee", err)
	}
	if err := r.Start(id, FromWorker("w-2")); err != nil {
		t.Errorf("assignee Start: %v", err)
	}
}

func TestFail(t *testing.T) {
	for _, from := range []Status{StatusAssigned, StatusRunning} {
		t.Run(string(from), func(t *testing.T) {
			r := newTestRegistry()
			id := r.Submit("computation", nil, 0)
			_ = r.Assign(id, "w-1")
			if from == StatusRunning {
				_ = r.Start(id)
			}

			if err := r.Fail(id, "division by zero"); err != nil {
				t.Fatal(err)
			}
			task := mustStatus(t, r, id)
			if task.Status != StatusFailed || task.Error != "division by zero" {
				t.Errorf("unexpected task: %+v", task)
			}
		})
	}
}

func TestReportProgress(t *testing.T) {
	r := newTestRegistry()
	id := r.Submit("computation", nil, 0)
	_ = r.Assign(id, "w-1")
	_ = r.Start(id)

	tests := []struct {
		report int
		want   int
	}{
		{30, 30},
		{150, 100},
		{20, 20}, // backwards is accepted
		{-5, 0},
	}
	for _, tt := range tests {
		if err := r.ReportProgress(id, tt.report); err != nil {
			t.Fatalf("ReportProgress(%d): %v", tt.report, err)
		}
		if got := mustStatus(t, r, id).Progress; got != tt.want {
			t.Errorf("after report %d: Progress = %d, want %d", tt.report, got, tt.want)
		}
	}
}

func TestRequeue(t *testing.T) {
	r := newTestRegistry()
	id := r.Submit("computation", nil, 0)
	_ = r.Assign(id, "w-1")
	_ = r.Start(id)
	_ = r.ReportProgress(id, 60)

	if err := r.Requeue(id); err != nil {
		t.Fatal(err)
	}
	task := mustStatus(t, r, id)
	if task.Status != StatusQueued || task.AssignedWorker != "" || task.Progress != 0 {
		t.Errorf("requeued task = %+v", task)
	}
	if err := r.Assign(id, "w-2"); err != nil {
		t.Errorf("requeued task should be assignable: %v", err)
	}
}

func TestConcurrentAssign_SingleWinner(t *testing.T) {
	r := newTestRegistry()
	id := r.Submit("computation", nil, 0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			if err := r.Assign(id, fmt.Sprintf("w-%d", i)); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, errors.ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
	mustStatus(t, r, id)
}

func TestConcurrentTasksDoNotInterfere(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			worker := fmt.Sprintf("w-%d", i)
			id := r.Submit("computation", nil, i%3)
			if err := r.Assign(id, worker); err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			_ = r.Start(id, FromWorker(worker))
			for p := 10; p <= 100; p += 10 {
				_ = r.ReportProgress(id, p, FromWorker(worker))
			}
			if err := r.Complete(id, json.RawMessage(`"ok"`), FromWorker(worker)); err != nil {
				t.Errorf("complete: %v", err)
			}
		})
	}
	wg.Wait()

	c := r.Counts()
	if c.Total != 50 || c.Completed != 50 {
		t.Errorf("Counts = %+v, want 50 completed", c)
	}
}

func TestQueuedOrder(t *testing.T) {
	r := newTestRegistry()
	low := r.Submit("a", nil, 0)
	highOld := r.Submit("a", nil, 5)
	mid := r.Submit("a", nil, 2)
	highNew := r.Submit("a", nil, 5)
	assigned := r.Submit("a", nil, 9)
	_ = r.Assign(assigned, "w")

	got := r.Queued()
	want := []string{highOld, highNew, mid, low}
	if len(got) != len(want) {
		t.Fatalf("Queued() returned %d tasks, want %d", len(got), len(want))
	}
	for i, task := range got {
		if task.ID != want[i] {
			t.Errorf("Queued()[%d] = %s, want %s", i, task.ID, want[i])
		}
	}
}

func TestQueuedOrder_ExtremePriorities(t *testing.T) {
	r := newTestRegistry()
	lowest := r.Submit("a", nil, math.MinInt)
	highest := r.Submit("a", nil, math.MaxInt)
	zero := r.Submit("a", nil, 0)

	got := r.Queued()
	want := []string{highest, zero, lowest}
	if len(got) != len(want) {
		t.Fatalf("Queued() returned %d tasks, want %d", len(got), len(want))
	}
	for i, task := range got {
		if task.ID != want[i] {
			t.Errorf("Queued()[%d] = %s (priority %d), want %s", i, task.ID, task.Priority, want[i])
		}
	}
}

func TestListAndCounts(t *testing.T) {
	r := newTestRegistry()
	a := r.Submit("computation", nil, 0)
	b := r.Submit("io_operation", nil, 0)
	r.Submit("computation", nil, 0)
	_ = r.Assign(a, "w-1")
	_, _ = r.Cancel(b)

	if got := r.List(Filter{Type: "computation"}); len(got) != 2 {
		t.Errorf("List(type=computation) = %d tasks, want 2", len(got))
	}
	if got := r.List(Filter{Worker: "w-1"}); len(got) != 1 || got[0].ID != a {
		t.Errorf("List(worker=w-1) = %v", got)
	}
	if got := r.List(Filter{Limit: 1}); len(got) != 1 || got[0].ID != a {
		t.Errorf("List(limit=1) should return the oldest task")
	}

	want := Counts{Total: 3, Queued: 1, Assigned: 1, Cancelled: 1}
	if got := r.Counts(); got != want {
		t.Errorf("Counts() = %+v, want %+v", got, want)
	}
}

func TestStatusReturnsCopy(t *testing.T) {
	r := newTestRegistry()
	id := r.Submit("computation", nil, 0)

	task, _ := r.Status(id)
	task.Status = StatusCompleted
	task.AssignedWorker = "intruder"

	if got := mustStatus(t, r, id); got.Status != StatusQueued {
		t.Errorf("external mutation leaked into registry: %+v", got)
	}
}

func TestPruneTerminal(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := newTestRegistry(WithClock(clock), WithRetention(time.Hour))

	done := r.Submit("a", nil, 0)
	_, _ = r.Cancel(done)
	live := r.Submit("a", nil, 0)

	if n := r.PruneTerminal(now.Add(30 * time.Minute)); n != 0 {
		t.Errorf("pruned %d tasks inside retention window", n)
	}
	if n := r.PruneTerminal(now.Add(2 * time.Hour)); n != 1 {
		t.Errorf("pruned %d tasks, want 1", n)
	}
	if _, ok := r.Status(done); ok {
		t.Error("terminal task should be pruned")
	}
	if _, ok := r.Status(live); !ok {
		t.Error("queued task must never be pruned")
	}

	forever := newTestRegistry(WithClock(clock))
	id := forever.Submit("a", nil, 0)
	_, _ = forever.Cancel(id)
	if n := forever.PruneTerminal(now.Add(1000 * time.Hour)); n != 0 {
		t.Error("zero retention keeps tasks forever")
	}
}

func TestEventsPublished(t *testing.T) {
	bus := event.NewBus()
	var got []event.TaskEvent
	bus.Subscribe("task.*", func(e event.Event) {
		got = append(got, e.(event.TaskEvent))
	})

	r := newTestRegistry(WithBus(bus))
	id := r.Submit("computation", nil, 2)
	_ = r.Assign(id, "w-1")
	_ = r.Start(id)
	_ = r.ReportProgress(id, 50)
	_ = r.Requeue(id, WithReason("heartbeat timeout"))
	_ = r.Assign(id, "w-2")
	_ = r.Start(id)
	_ = r.Complete(id, json.RawMessage("15"))
	_ = r.Complete(id, json.RawMessage("16")) // rejected, no event

	wantTypes := []string{
		event.TaskSubmitted, event.TaskAssigned, event.TaskStarted, event.TaskProgress,
		event.TaskRequeued, event.TaskAssigned, event.TaskStarted, event.TaskCompleted,
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(got), len(wantTypes))
	}
	for i, e := range got {
		if e.EventType() != wantTypes[i] {
			t.Errorf("event %d = %s, want %s", i, e.EventType(), wantTypes[i])
		}
	}

	requeued := got[4]
	if requeued.WorkerID != "w-1" || requeued.Reason != "heartbeat timeout" || requeued.Previous != "running" {
		t.Errorf("requeue event = %+v", requeued)
	}
	completed := got[7]
	if completed.WorkerID != "w-2" || string(completed.Result) != "15" || completed.Progress != 100 {
		t.Errorf("completion event = %+v", completed)
	}
}

func TestEventsPublishedInTransitionOrder(t *testing.T) {
	bus := event.NewBus()
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	bus.Subscribe("task.*", func(e event.Event) {
		if e.EventType() == event.TaskStarted {
			close(entered)
			<-release
		}
		mu.Lock()
		order = append(order, e.EventType())
		mu.Unlock()
	})

	r := newTestRegistry(WithBus(bus))
	id := r.Submit("computation", nil, 0)
	if err := r.Assign(id, "w-1"); err != nil {
		t.Fatal(err)
	}

	started := make(chan error, 1)
	go func() { started <- r.Start(id, FromWorker("w-1")) }()
	<-entered

	cancelled := make(chan error, 1)
	go func() {
		_, err := r.Cancel(id)
		cancelled <- err
	}()

	select {
	case err := <-cancelled:
		t.Fatalf("Cancel returned (%v) while the start event was still being published", err)
	case <-time.After(50 * time.Millisecond):
	}
	if task := mustStatus(t, r, id); task.Status != StatusRunning {
		t.Errorf("status while start event is published = %s, want running", task.Status)
	}

	close(release)
	if err := <-started; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := <-cancelled; err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{event.TaskSubmitted, event.TaskAssigned, event.TaskStarted, event.TaskCancelled}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("published order = %v, want %v", order, want)
	}
	if task := mustStatus(t, r, id); task.Status != StatusCancelled {
		t.Errorf("final status = %s, want cancelled", task.Status)
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus("running"); !ok || s != StatusRunning {
		t.Errorf("ParseStatus(running) = %q, %v", s, ok)
	}
	if _, ok := ParseStatus("pending"); ok {
		t.Error("pending is folded into queued and must not parse")
	}
}
