package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

// DefaultSteps is the number of progress increments per task.
const DefaultSteps = 10

// Progress receives a completion percentage.
type Progress func(percent int)

// Executor runs handlers with progress reporting, cooperative cancellation
// and panic capture.
type Executor struct {
	handlers  *Registry
	steps     int
	stepDelay time.Duration
	logger    *logging.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStepDelay sets the pause between progress reports.
func WithStepDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stepDelay = d }
}

// WithSteps sets the number of progress increments.
func WithSteps(n int) ExecutorOption {
	return func(e *Executor) { e.steps = max(n, 1) }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an Executor over handlers.
func NewExecutor(handlers *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		handlers: handlers,
		steps:    DefaultSteps,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Capabilities returns the task types this executor can run.
func (e *Executor) Capabilities() []string {
	return e.handlers.Types()
}

// Execute runs the handler for taskType. Progress is reported in equal steps
// before the handler runs; the final step is implied by completion. A
// cancelled ctx stops execution at the next step boundary. Handler failures,
// including panics, are returned as ExecutionErrors; an unknown type yields a
// CapabilityError.
func (e *Executor) Execute(ctx context.Context, taskID, taskType string, data json.RawMessage, progress Progress) (json.RawMessage, error) {
	h, ok := e.handlers.Lookup(taskType)
	if !ok {
		return nil, errors.NewCapabilityError(taskType)
	}
	if progress == nil {
		progress = func(int) {}
	}

	for step := 1; step < e.steps; step++ {
		if err := e.pause(ctx); err != nil {
			return nil, err
		}
		progress(step * 100 / e.steps)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(errors.ErrCanceled, err)
	}

	var (
		out json.RawMessage
		err error
		pc  panics.Catcher
	)
	pc.Try(func() { out, err = h.Handle(ctx, data) })
	if r := pc.Recovered(); r != nil {
		e.logger.WithTask(taskID).Error("handler panicked", "task_type", taskType, "panic", r.Value, "stack", string(r.Stack))
		return nil, errors.NewExecutionError("handler panicked", r.AsError()).WithTask(taskID, taskType)
	}
	if err != nil {
		var execErr *errors.ExecutionError
		if errors.As(err, &execErr) {
			return nil, execErr.WithTask(taskID, taskType)
		}
		if errors.Is(err, context.Canceled) {
			return nil, errors.Join(errors.ErrCanceled, err)
		}
		return nil, errors.NewExecutionError(err.Error(), err).WithTask(taskID, taskType)
	}
	if out == nil {
		out = json.RawMessage("null")
	}
	return out, nil
}

func (e *Executor) pause(ctx context.Context) error {
	if e.stepDelay <= 0 {
		if err := ctx.Err(); err != nil {
			return errors.Join(errors.ErrCanceled, err)
		}
		return nil
	}
	t := time.NewTimer(e.stepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(errors.ErrCanceled, ctx.Err())
	case <-t.C:
		return nil
	}
}
