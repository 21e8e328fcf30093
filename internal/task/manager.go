package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/btouchard/nethopper/internal/event"
	"github.com/btouchard/nethopper/internal/store"
)

// TaskEvent represents a task state change for notification dispatch.
type TaskEvent struct {
	Type         string // "task.started", "task.progress", "task.completed", "task.failed", "task.cancelled"
	TaskID       string
	Target       string
	Message      string
	MCPSessionID string
}

// NotifyFunc is called when a task lifecycle event occurs.
type NotifyFunc func(TaskEvent)

// Recorder persists task records and their audit trail.
// Defined at the consumer side per Go conventions.
type Recorder interface {
	CreateTask(t *store.TaskRecord) error
	UpdateTask(t *store.TaskRecord) error
	AddEvent(e *store.TaskEvent) error
}

// Request describes a command submission.
type Request struct {
	Target       string
	Command      string
	Timeout      time.Duration
	MCPSessionID string
}

// Manager keeps a record of every submitted command on top of the
// Controller: it buffers output, enforces concurrency and timeout limits,
// persists results and emits lifecycle notifications.
type Manager struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	handles  map[string]*Handle
	starting int // submissions holding a slot while the backend starts them

	ctrl           *Controller
	bus            Subscriber
	maxConcurrent  int
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	maxOutputSize  int
	recorder       Recorder
	onNotify       NotifyFunc
}

// NewManager creates a new task Manager.
func NewManager(ctrl *Controller, bus Subscriber, maxConcurrent int, maxTimeout time.Duration) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 3
	}
	if maxTimeout <= 0 {
		maxTimeout = 2 * time.Hour
	}
	return &Manager{
		tasks:          make(map[string]*Task),
		handles:        make(map[string]*Handle),
		ctrl:           ctrl,
		bus:            bus,
		maxConcurrent:  maxConcurrent,
		defaultTimeout: 30 * time.Minute,
		maxTimeout:     maxTimeout,
		maxOutputSize:  1048576, // 1MB default
	}
}

// SetMaxOutputSize sets the maximum output buffer size per task.
func (m *Manager) SetMaxOutputSize(size int) {
	m.maxOutputSize = size
}

// SetDefaultTimeout sets the timeout used when a request carries none.
func (m *Manager) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		m.defaultTimeout = d
	}
}

// SetRecorder sets the persistence backend for task records.
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

// SetNotifyFunc sets the callback for task lifecycle events.
func (m *Manager) SetNotifyFunc(fn NotifyFunc) {
	m.onNotify = fn
}

// Submit starts req on the backend and returns its record.
// Returns an error if the concurrency limit is reached or the backend
// refuses the request; refused requests are still recorded as failed.
func (m *Manager) Submit(_ context.Context, req Request) (*Task, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	if req.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}

	if err := m.reserve(); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	if timeout > m.maxTimeout {
		slog.Warn("task timeout clamped to max",
			"requested", timeout,
			"max", m.maxTimeout)
		timeout = m.maxTimeout
	}

	t := newTask(req.Target, req.Command, timeout, m.maxOutputSize)
	t.MCPSessionID = req.MCPSessionID
	t.SetStatus(StatusRunning)

	// Tasks outlive the request that submitted them.
	taskCtx, cancel := context.WithTimeout(context.Background(), timeout)

	hd, err := m.ctrl.Run(taskCtx, req.Target, req.Command, Handlers{
		OnProgress: func(p event.Progress) { m.onProgress(t, p) },
		OnStdout:   func(s event.Stdout) { m.onStdout(t, s) },
		OnDone:     func(d event.Done) { t.SetExitCode(d.ExitCode) },
	})
	if err != nil {
		cancel()
		if berr, ok := errors.AsType[*BackendError](err); ok {
			t.setID(berr.TaskID)
			t.SetError(berr.Err.Error())
			t.SetStatus(StatusFailed)
			m.mu.Lock()
			m.tasks[t.ID] = t
			m.starting--
			m.mu.Unlock()
			m.record(t, true)
			m.emit(t, "task.failed", berr.Err.Error())
		} else {
			m.mu.Lock()
			m.starting--
			m.mu.Unlock()
		}
		return nil, fmt.Errorf("starting task: %w", err)
	}

	t.setID(hd.ID())
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.handles[t.ID] = hd
	m.starting--
	m.mu.Unlock()

	m.record(t, true)
	m.emit(t, "task.started", "task execution started")

	go m.track(cancel, t, hd)
	return t, nil
}

// reserve takes a concurrency slot for a submission about to start. The
// slot becomes the task's running status once it is stored.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	busy := m.runningLocked() + m.starting
	if busy >= m.maxConcurrent {
		return fmt.Errorf("%w (%d/%d)", ErrConcurrencyLimit, busy, m.maxConcurrent)
	}
	m.starting++
	return nil
}

func (m *Manager) onProgress(t *Task, p event.Progress) {
	t.bindID(p.TaskID)
	t.SetProgress(string(p.Status))
	m.addEvent(p.TaskID, "progress", string(p.Status))
	if p.Status == event.StatusRunning {
		m.emit(t, "task.progress", "running")
	}
}

func (m *Manager) onStdout(t *Task, s event.Stdout) {
	t.bindID(s.TaskID)
	t.AppendOutput(s.Chunk)
	if line := lastLine(s.Chunk); line != "" {
		m.emit(t, "task.progress", line)
	}
}

// track waits for the task to resolve and records the outcome.
func (m *Manager) track(cancel context.CancelFunc, t *Task, hd *Handle) {
	defer cancel()
	<-hd.Done()

	res, _ := hd.Result()
	if res.ExitCode != -1 {
		t.SetExitCode(res.ExitCode)
	}
	if res.Err != nil && res.State != StateCompleted {
		t.SetError(res.Err.Error())
	}
	t.SetStatus(statusFor(res.State))

	m.record(t, false)

	switch res.State {
	case StateCompleted:
		m.emit(t, "task.completed", fmt.Sprintf("exit code %d", res.ExitCode))
	case StateCancelled:
		m.emit(t, "task.cancelled", "task cancelled")
	default:
		msg := "task failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		m.emit(t, "task.failed", msg)
	}
}

// Get returns a task by ID.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return t, nil
}

// Filter specifies criteria for listing tasks.
type Filter struct {
	Status string
	Target string
	Limit  int
	Since  time.Time
}

// List returns tasks matching the given filter, newest first.
func (m *Manager) List(filter Filter) []TaskSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []TaskSnapshot
	for _, t := range m.tasks {
		snap := t.Snapshot()

		if filter.Status != "" && filter.Status != "all" && snap.Status != Status(filter.Status) {
			continue
		}
		if filter.Target != "" && snap.Target != filter.Target {
			continue
		}
		if !filter.Since.IsZero() && snap.CreatedAt.Before(filter.Since) {
			continue
		}

		results = append(results, snap)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}

	return results
}

// Cancel requests cancellation of a task. Cancelling a finished task is a
// no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.RLock()
	t, ok := m.tasks[id]
	hd := m.handles[id]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	if t.IsTerminal() || hd == nil {
		return nil
	}
	return hd.Cancel(ctx)
}

// SendInput writes data to the standard input of a running task and, when
// eof is set, closes it afterwards.
func (m *Manager) SendInput(ctx context.Context, id string, data []byte, eof bool) error {
	m.mu.RLock()
	t, ok := m.tasks[id]
	hd := m.handles[id]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	if t.IsTerminal() || hd == nil {
		return fmt.Errorf("task %q: %w", id, ErrTaskFinished)
	}
	if err := hd.SendInput(ctx, data, eof); err != nil {
		return err
	}

	msg := fmt.Sprintf("%d bytes", len(data))
	if eof {
		msg += ", eof"
	}
	m.addEvent(id, "input", msg)
	return nil
}

// Wait blocks until the task ends or ctx is done and returns its snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (TaskSnapshot, error) {
	t, err := m.Get(id)
	if err != nil {
		return TaskSnapshot{}, err
	}
	select {
	case <-t.Done():
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

// Watch registers live listeners for a running task. Nothing emitted before
// the call is replayed. The caller must Release the returned listeners.
func (m *Manager) Watch(id string, h Handlers) (*Listeners, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, fmt.Errorf("task %q is already %s", id, t.Snapshot().Status)
	}
	return Register(m.bus, id, h), nil
}

// RunningCount returns the number of currently running tasks.
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() int {
	count := 0
	for _, t := range m.tasks {
		t.mu.RLock()
		if t.Status == StatusRunning {
			count++
		}
		t.mu.RUnlock()
	}
	return count
}

// record persists the task; create selects insert over update.
func (m *Manager) record(t *Task, create bool) {
	if m.recorder == nil {
		return
	}
	rec := toRecord(t.Snapshot())

	var err error
	if create {
		err = m.recorder.CreateTask(rec)
	} else {
		err = m.recorder.UpdateTask(rec)
	}
	if err != nil {
		slog.Warn("failed to persist task", "task_id", rec.ID, "error", err)
	}
}

func (m *Manager) addEvent(taskID, eventType, message string) {
	if m.recorder == nil {
		return
	}
	err := m.recorder.AddEvent(&store.TaskEvent{
		TaskID:    taskID,
		EventType: eventType,
		Message:   message,
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Debug("failed to record task event", "task_id", taskID, "error", err)
	}
}

// emit sends a task event to the notify callback if one is set.
func (m *Manager) emit(t *Task, eventType, message string) {
	snap := t.Snapshot()
	if eventType != "task.progress" {
		m.addEvent(snap.ID, eventType, message)
	}
	if m.onNotify == nil {
		return
	}

	m.onNotify(TaskEvent{
		Type:         eventType,
		TaskID:       snap.ID,
		Target:       snap.Target,
		Message:      message,
		MCPSessionID: snap.MCPSessionID,
	})
}

func toRecord(s TaskSnapshot) *store.TaskRecord {
	return &store.TaskRecord{
		ID:             s.ID,
		Target:         s.Target,
		Command:        s.Command,
		Status:         string(s.Status),
		ExitCode:       s.ExitCode,
		Output:         s.Output,
		Progress:       s.Progress,
		Error:          s.Error,
		TimeoutSeconds: int(s.Timeout.Seconds()),
		CreatedAt:      s.CreatedAt,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
	}
}

const maxProgressLine = 200

// lastLine returns the last non-empty line of a chunk, shortened for
// progress messages.
func lastLine(chunk string) string {
	lines := strings.Split(strings.TrimRight(chunk, "\r\n"), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > maxProgressLine {
		cut := maxProgressLine
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + "..."
	}
	return line
}
