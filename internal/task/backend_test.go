package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btouchard/nethopper/internal/event"
)

// fakeBackend records requests and lets each test script the events the
// backend emits on the shared bus.
type fakeBackend struct {
	bus *event.Bus

	startErr  error
	cancelErr error
	onStart   func(taskID, target, command string)
	onCancel  func(taskID string)

	mu      sync.Mutex
	started []string
	cancels []string
	input   map[string]string
	eof     map[string]bool
}

func (b *fakeBackend) StartTask(_ context.Context, taskID, target, command string) error {
	b.mu.Lock()
	b.started = append(b.started, taskID)
	b.mu.Unlock()

	if b.startErr != nil {
		return b.startErr
	}
	if b.onStart != nil {
		b.onStart(taskID, target, command)
	}
	return nil
}

func (b *fakeBackend) CancelTask(_ context.Context, taskID string) error {
	b.mu.Lock()
	b.cancels = append(b.cancels, taskID)
	b.mu.Unlock()

	if b.cancelErr != nil {
		return b.cancelErr
	}
	if b.onCancel != nil {
		b.onCancel(taskID)
	}
	return nil
}

func (b *fakeBackend) SendInput(_ context.Context, taskID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.input == nil {
		b.input = make(map[string]string)
	}
	b.input[taskID] += string(data)
	return nil
}

func (b *fakeBackend) CloseInput(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eof == nil {
		b.eof = make(map[string]bool)
	}
	b.eof[taskID] = true
	return nil
}

func (b *fakeBackend) inputOf(taskID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.input[taskID], b.eof[taskID]
}

func (b *fakeBackend) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cancels)
}

// releaseCounter counts listener releases per task id.
type releaseCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *releaseCounter) hook(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[taskID]++
}

func (r *releaseCounter) count(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[taskID]
}

// recorder collects the callbacks a caller receives.
type recorder struct {
	mu       sync.Mutex
	progress []event.Progress
	stdout   []string
	done     []event.Done
	terminal atomic.Int32
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnProgress: func(p event.Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, p)
			r.mu.Unlock()
			if p.Status != event.StatusRunning {
				r.terminal.Add(1)
			}
		},
		OnStdout: func(s event.Stdout) {
			r.mu.Lock()
			r.stdout = append(r.stdout, s.Chunk)
			r.mu.Unlock()
		},
		OnDone: func(d event.Done) {
			r.mu.Lock()
			r.done = append(r.done, d)
			r.mu.Unlock()
			r.terminal.Add(1)
		},
	}
}

func (r *recorder) stdoutChunks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.stdout))
	copy(out, r.stdout)
	return out
}

func (r *recorder) doneEvents() []event.Done {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Done, len(r.done))
	copy(out, r.done)
	return out
}

func (r *recorder) progressEvents() []event.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Progress, len(r.progress))
	copy(out, r.progress)
	return out
}

func newTestController(backend *fakeBackend) (*Controller, *releaseCounter) {
	ctrl := NewController(backend.bus, backend, NewIDGenerator(nil))
	rc := &releaseCounter{}
	ctrl.SetReleaseHook(rc.hook)
	return ctrl, rc
}

func waitResult(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("task %s did not resolve: %v", h.ID(), err)
	}
	return res
}
