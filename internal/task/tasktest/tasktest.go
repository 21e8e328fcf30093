// Package tasktest provides a scripted execution backend for tests of
// packages built on top of task.Manager.
package tasktest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btouchard/nethopper/internal/event"
	"github.com/btouchard/nethopper/internal/task"
)

// ErrUnknownHost is returned by StartTask for targets listed in Unknown.
var ErrUnknownHost = errors.New("unknown host")

// Backend plays a fixed script for every started task: progress running,
// one stdout event per Output entry, then done with ExitCode. When Hold is
// set the script stops after the output and the task only ends on cancel.
type Backend struct {
	Bus      *event.Bus
	Output   []string
	ExitCode int
	Hold     bool
	Unknown  []string

	mu        sync.Mutex
	started   []string
	cancelled []string
	inputs    map[string]string
	closed    map[string]bool
}

func (b *Backend) StartTask(_ context.Context, taskID, target, _ string) error {
	for _, u := range b.Unknown {
		if u == target {
			return ErrUnknownHost
		}
	}

	b.mu.Lock()
	b.started = append(b.started, taskID)
	b.mu.Unlock()

	go func() {
		b.Bus.Publish(event.Progress{TaskID: taskID, Status: event.StatusRunning})
		for _, chunk := range b.Output {
			b.Bus.Publish(event.Stdout{TaskID: taskID, Chunk: chunk})
		}
		if !b.Hold {
			b.Bus.Publish(event.Done{TaskID: taskID, ExitCode: b.ExitCode})
		}
	}()
	return nil
}

func (b *Backend) CancelTask(_ context.Context, taskID string) error {
	b.mu.Lock()
	b.cancelled = append(b.cancelled, taskID)
	b.mu.Unlock()

	go func() {
		b.Bus.Publish(event.Progress{TaskID: taskID, Status: event.StatusCancelled})
		b.Bus.Publish(event.Done{TaskID: taskID, ExitCode: -1})
	}()
	return nil
}

func (b *Backend) SendInput(_ context.Context, taskID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inputs == nil {
		b.inputs = make(map[string]string)
	}
	b.inputs[taskID] += string(data)
	return nil
}

func (b *Backend) CloseInput(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed == nil {
		b.closed = make(map[string]bool)
	}
	b.closed[taskID] = true
	return nil
}

// Input returns what was sent to a task's input and whether it was closed.
func (b *Backend) Input(taskID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inputs[taskID], b.closed[taskID]
}

// Cancelled returns the ids the backend was asked to cancel.
func (b *Backend) Cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

// NewManager wires a Manager to b over a fresh bus. The bus is closed when
// the test ends.
func NewManager(tb testing.TB, b *Backend, maxConcurrent int) *task.Manager {
	tb.Helper()
	if b.Bus == nil {
		b.Bus = event.NewBus()
	}
	tb.Cleanup(b.Bus.Close)

	ctrl := task.NewController(b.Bus, b, task.NewIDGenerator(nil))
	return task.NewManager(ctrl, b.Bus, maxConcurrent, time.Hour)
}

// WaitTerminal blocks until the task ends, failing the test after five
// seconds.
func WaitTerminal(tb testing.TB, m *task.Manager, id string) task.TaskSnapshot {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := m.Wait(ctx, id)
	if err != nil {
		tb.Fatalf("task %s did not finish: %v", id, err)
	}
	return snap
}
