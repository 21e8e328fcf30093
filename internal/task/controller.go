package task

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Backend is the external execution service that runs commands and emits
// their events on the bus. Defined at the consumer side per Go conventions.
type Backend interface {
	StartTask(ctx context.Context, taskID, target, command string) error
	CancelTask(ctx context.Context, taskID string) error
}

// InputBackend is implemented by backends that can feed a running task's
// standard input.
type InputBackend interface {
	SendInput(ctx context.Context, taskID string, data []byte) error
	CloseInput(ctx context.Context, taskID string) error
}

// State is a step of the task lifecycle.
type State string

const (
	StateCreated    State = "created"
	StateRegistered State = "registered"
	StateStarted    State = "started"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Result is the terminal outcome of a task.
type Result struct {
	TaskID   string
	State    State
	ExitCode int // -1 when the backend never reported one
	Err      error
}

// abortCancelTimeout bounds the best-effort cancel sent when a deadline
// tears a task down.
const abortCancelTimeout = 5 * time.Second

// Controller runs tasks: it generates an id, registers the task's listeners,
// asks the backend to start, and resolves the task on its terminal event.
type Controller struct {
	bus       Subscriber
	backend   Backend
	ids       IDGenerator
	onRelease func(taskID string)
}

// NewController creates a Controller.
func NewController(bus Subscriber, backend Backend, ids IDGenerator) *Controller {
	return &Controller{
		bus:     bus,
		backend: backend,
		ids:     ids,
	}
}

// SetReleaseHook sets a function called once per task, right after its
// listeners are released.
func (c *Controller) SetReleaseHook(fn func(taskID string)) {
	c.onRelease = fn
}

// Run submits command for execution on target.
//
// Listeners are registered before the start request is sent. If the backend
// refuses the request the listeners are released and a *BackendError
// (matching ErrBackendUnavailable) is returned without a handle.
//
// ctx bounds the whole task: when it ends before a terminal event, the task
// is cancelled on the backend on a best-effort basis and resolved as
// cancelled with ErrTimedOut or context.Canceled.
func (c *Controller) Run(ctx context.Context, target, command string, h Handlers) (*Handle, error) {
	id := c.ids.NewID()
	hd := newHandle(id, c, h)

	hd.listeners = Register(c.bus, id, Handlers{
		OnProgress: hd.handleProgress,
		OnStdout:   hd.handleStdout,
		OnDone:     hd.handleDone,
	})
	hd.transition(StateCreated, StateRegistered)

	slog.Debug("task listeners registered", "task_id", id)

	if err := c.backend.StartTask(ctx, id, target, command); err != nil {
		berr := &BackendError{TaskID: id, Op: "start", Err: err}
		hd.finish(Result{State: StateFailed, ExitCode: -1, Err: berr})
		slog.Warn("task start failed",
			"task_id", id,
			"target", target,
			"error", err)
		return nil, berr
	}

	hd.transition(StateRegistered, StateStarted)
	slog.Info("task started",
		"task_id", id,
		"target", target)

	if ctx.Done() != nil {
		go hd.watch(ctx)
	}
	return hd, nil
}

// watch enforces the caller's deadline.
func (h *Handle) watch(ctx context.Context) {
	select {
	case <-h.terminal:
		return
	case <-ctx.Done():
	}

	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimedOut
	}
	slog.Warn("task deadline reached", "task_id", h.id, "error", err)
	h.Abort(err)
}
