package task

import (
	"fmt"
	"sync"
	"time"
)

// Status is the caller-facing status of a submitted command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// statusFor maps a terminal lifecycle state to the record status.
func statusFor(s State) Status {
	switch s {
	case StateCompleted:
		return StatusCompleted
	case StateCancelled:
		return StatusCancelled
	case StateFailed:
		return StatusFailed
	default:
		return StatusRunning
	}
}

// Task is the record the Manager keeps for one submitted command: what was
// run where, its buffered output and its outcome.
type Task struct {
	mu sync.RWMutex

	ID           string
	Target       string
	Command      string
	Status       Status
	MCPSessionID string // MCP client session for push notifications (runtime-only)

	output        []byte
	maxOutputSize int
	outputTotal   int
	chunks        int
	Progress      string
	Error         string
	ExitCode      int

	Timeout time.Duration

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	done chan struct{}
}

func newTask(target, command string, timeout time.Duration, maxOutputSize int) *Task {
	return &Task{
		Target:        target,
		Command:       command,
		Status:        StatusPending,
		ExitCode:      -1,
		Timeout:       timeout,
		maxOutputSize: maxOutputSize,
		CreatedAt:     time.Now(),
		done:          make(chan struct{}),
	}
}

// Done returns a channel that is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// IsTerminal returns true if the task is in a final state.
func (t *Task) IsTerminal() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}

func (t *Task) setID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ID = id
}

// bindID adopts id when events arrive before Submit has stored it.
func (t *Task) bindID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ID == "" {
		t.ID = id
	}
}

// SetStatus updates the task status and timestamps.
func (t *Task) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Status = s
	switch s {
	case StatusRunning:
		t.StartedAt = time.Now()
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.CompletedAt = time.Now()
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
}

// SetProgress updates the last progress message.
func (t *Task) SetProgress(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Progress = msg
}

// SetError records an error message.
func (t *Task) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Error = msg
}

// SetExitCode records the exit code reported by the backend.
func (t *Task) SetExitCode(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ExitCode = code
}

// AppendOutput appends a chunk to the bounded output buffer.
// When maxOutputSize > 0, only the last maxOutputSize bytes are kept in memory.
func (t *Task) AppendOutput(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outputTotal += len(chunk)
	t.chunks++
	t.output = append(t.output, chunk...)

	if t.maxOutputSize > 0 && len(t.output) > t.maxOutputSize {
		excess := len(t.output) - t.maxOutputSize
		t.output = t.output[excess:]
	}
}

// Output returns the current output buffer contents.
func (t *Task) Output() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return string(t.output)
}

// OutputTotalBytes returns the total bytes received (before truncation).
func (t *Task) OutputTotalBytes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.outputTotal
}

// Snapshot returns a read-consistent copy of key fields.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return TaskSnapshot{
		ID:           t.ID,
		Target:       t.Target,
		Command:      t.Command,
		Status:       t.Status,
		MCPSessionID: t.MCPSessionID,
		Output:       string(t.output),
		OutputTotal:  t.outputTotal,
		Chunks:       t.chunks,
		Progress:     t.Progress,
		Error:        t.Error,
		ExitCode:     t.ExitCode,
		Timeout:      t.Timeout,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

// TaskSnapshot is a read-only copy of a Task's state at a point in time.
type TaskSnapshot struct {
	ID           string
	Target       string
	Command      string
	Status       Status
	MCPSessionID string
	Output       string
	OutputTotal  int
	Chunks       int
	Progress     string
	Error        string
	ExitCode     int
	Timeout      time.Duration
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// IsTerminal reports whether the snapshot was taken after the task ended.
func (s TaskSnapshot) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusCancelled
}

// Truncated reports whether older output was dropped from the buffer.
func (s TaskSnapshot) Truncated() bool {
	return s.OutputTotal > len(s.Output)
}

// Duration returns the elapsed time from start to completion (or now if still running).
func (s TaskSnapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// FormatDuration returns a human-readable duration string.
func (s TaskSnapshot) FormatDuration() string {
	d := s.Duration()
	if d < time.Second {
		return "< 1s"
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
