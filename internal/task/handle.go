package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/btouchard/nethopper/internal/event"
)

// Handle is the caller's view of one running task. It carries the task id
// and is the cancellation capability for that task.
type Handle struct {
	id        string
	ctrl      *Controller
	user      Handlers
	listeners *Listeners

	mu              sync.Mutex
	state           State
	cancelRequested bool
	result          Result

	terminal chan struct{} // closed on the terminal transition
	done     chan struct{} // closed once listeners are drained
}

func newHandle(id string, ctrl *Controller, user Handlers) *Handle {
	return &Handle{
		id:       id,
		ctrl:     ctrl,
		user:     user,
		state:    StateCreated,
		terminal: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the task id.
func (h *Handle) ID() string {
	return h.id
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done returns a channel closed when the task has reached a terminal state
// and every event delivered before it has been handed to the callbacks.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal result, or false if the task is still live.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
	default:
		return Result{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, true
}

// Wait blocks until the task resolves or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		res, _ := h.Result()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel asks the backend to cancel the task. The task stays live until the
// backend confirms with a terminal event. Calling Cancel again, or after the
// task ended, is a no-op.
//
// If the request cannot be delivered no terminal event can be expected, so
// the task fails with a *BackendError and its listeners are released.
func (h *Handle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	if h.state.IsTerminal() || h.cancelRequested {
		h.mu.Unlock()
		return nil
	}
	h.cancelRequested = true
	h.mu.Unlock()

	slog.Info("cancelling task", "task_id", h.id)

	if err := h.ctrl.backend.CancelTask(ctx, h.id); err != nil {
		berr := &BackendError{TaskID: h.id, Op: "cancel", Err: err}
		if h.finish(Result{State: StateFailed, ExitCode: -1, Err: berr}) {
			return berr
		}
	}
	return nil
}

// SendInput forwards data to the task's standard input, then closes it when
// eof is set. An empty data with eof only closes the input.
func (h *Handle) SendInput(ctx context.Context, data []byte, eof bool) error {
	if h.State().IsTerminal() {
		return fmt.Errorf("task %s: %w", h.id, ErrTaskFinished)
	}
	in, ok := h.ctrl.backend.(InputBackend)
	if !ok {
		return ErrInputUnsupported
	}

	if len(data) > 0 {
		if err := in.SendInput(ctx, h.id, data); err != nil {
			return fmt.Errorf("sending input to task %s: %w", h.id, err)
		}
	}
	if eof {
		if err := in.CloseInput(ctx, h.id); err != nil {
			return fmt.Errorf("closing input of task %s: %w", h.id, err)
		}
	}
	return nil
}

// Abort tears the task down without waiting for the backend: a best-effort
// cancel is sent and the task resolves as cancelled with err.
func (h *Handle) Abort(err error) {
	if !h.finish(Result{State: StateCancelled, ExitCode: -1, Err: err}) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), abortCancelTimeout)
	defer cancel()
	if cerr := h.ctrl.backend.CancelTask(ctx, h.id); cerr != nil {
		slog.Debug("best-effort cancel failed", "task_id", h.id, "error", cerr)
	}
}

func (h *Handle) handleProgress(p event.Progress) {
	var res Result
	switch p.Status {
	case event.StatusError:
		res = Result{State: StateFailed, ExitCode: -1, Err: ErrRemoteExecution}
	case event.StatusCancelled:
		res = Result{State: StateCancelled, ExitCode: -1, Err: ErrCancelled}
	default:
		if h.user.OnProgress != nil {
			h.user.OnProgress(p)
		}
		return
	}

	if h.finish(res) && h.user.OnProgress != nil {
		h.user.OnProgress(p)
	}
}

func (h *Handle) handleStdout(s event.Stdout) {
	if h.user.OnStdout != nil {
		h.user.OnStdout(s)
	}
}

func (h *Handle) handleDone(d event.Done) {
	h.mu.Lock()
	res := Result{State: StateCompleted, ExitCode: d.ExitCode}
	if h.cancelRequested {
		res.State = StateCancelled
		res.Err = ErrCancelled
	}
	h.mu.Unlock()

	if h.finish(res) && h.user.OnDone != nil {
		h.user.OnDone(d)
	}
}

// transition moves from one non-terminal state to the next. It does nothing
// if the task has moved on already.
func (h *Handle) transition(from, to State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == from {
		h.state = to
	}
}

// finish performs the terminal transition. Only the first caller wins; it
// releases the listeners and reports true.
func (h *Handle) finish(res Result) bool {
	h.mu.Lock()
	if h.state.IsTerminal() {
		h.mu.Unlock()
		return false
	}
	res.TaskID = h.id
	h.state = res.State
	h.result = res
	h.mu.Unlock()

	close(h.terminal)

	if h.listeners.Release() {
		slog.Debug("task listeners released", "task_id", h.id, "state", string(res.State))
		if h.ctrl.onRelease != nil {
			h.ctrl.onRelease(h.id)
		}
	}
	go func() {
		<-h.listeners.Drained()
		close(h.done)
	}()

	slog.Info("task finished",
		"task_id", h.id,
		"state", string(res.State),
		"exit_code", res.ExitCode)
	return true
}
