package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

func TestExecuteReportsProgress(t *testing.T) {
	e := NewExecutor(Default(t.TempDir()))

	var reports []int
	out, err := e.Execute(context.Background(), "t-1", TypeComputation,
		json.RawMessage(`{"operation":"sum","numbers":[1,2,3,4,5]}`),
		func(p int) { reports = append(reports, p) })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `{"result":15}` {
		t.Errorf("out = %s", out)
	}

	want := []int{10, 20, 30, 40, 50, 60, 70, 80, 90}
	if len(reports) != len(want) {
		t.Fatalf("progress = %v, want %v", reports, want)
	}
	for i := range want {
		if reports[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, reports[i], want[i])
		}
	}
}

func TestExecuteUnknownType(t *testing.T) {
	e := NewExecutor(NewRegistry())
	_, err := e.Execute(context.Background(), "t-1", "render", nil, nil)
	if !errors.Is(err, errors.ErrCapabilityMismatch) {
		t.Errorf("err = %v, want ErrCapabilityMismatch", err)
	}
}

func TestExecuteWrapsFailures(t *testing.T) {
	r := NewRegistry()
	r.Register("plain", HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("disk on fire")
	}))
	r.Register("panics", HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	}))
	r.Register("nil", HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))
	e := NewExecutor(r)

	for _, taskType := range []string{"plain", "panics"} {
		t.Run(taskType, func(t *testing.T) {
			_, err := e.Execute(context.Background(), "t-9", taskType, nil, nil)
			var execErr *errors.ExecutionError
			if !errors.As(err, &execErr) {
				t.Fatalf("err = %v, want ExecutionError", err)
			}
			if execErr.TaskID != "t-9" || execErr.TaskType != taskType {
				t.Errorf("context = %s/%s", execErr.TaskID, execErr.TaskType)
			}
		})
	}

	out, err := e.Execute(context.Background(), "t-9", "nil", nil, nil)
	if err != nil || string(out) != "null" {
		t.Errorf("nil result = %s, %v", out, err)
	}
}

func TestExecuteCancellation(t *testing.T) {
	r := NewRegistry()
	var called bool
	r.Register("slow", HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		called = true
		return nil, nil
	}))
	e := NewExecutor(r, WithStepDelay(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var reports []int
	_, err := e.Execute(ctx, "t-1", "slow", nil, func(p int) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, p)
		if p == 30 {
			cancel()
		}
	})
	if !errors.Is(err, errors.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if called {
		t.Error("handler ran after cancellation")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 3 {
		t.Errorf("progress = %v, want stop after 30", reports)
	}
}

func TestWithSteps(t *testing.T) {
	r := NewRegistry()
	r.Register("x", HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`1`), nil }))

	var reports []int
	e := NewExecutor(r, WithSteps(4))
	if _, err := e.Execute(context.Background(), "t", "x", nil, func(p int) { reports = append(reports, p) }); err != nil {
		t.Fatal(err)
	}
	if len(reports) != 3 || reports[0] != 25 || reports[2] != 75 {
		t.Errorf("progress = %v", reports)
	}
}
