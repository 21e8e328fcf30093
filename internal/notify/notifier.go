package notify

import (
	"context"
	"log/slog"
)

// Event represents a task lifecycle notification.
type Event struct {
	Type    string // "task.started", "task.progress", "task.completed", "task.failed", "task.cancelled"
	TaskID  string
	Target  string
	Message string

	// MCPSessionID targets a specific MCP client session.
	// Empty means broadcast to all.
	MCPSessionID string
}

// IsTerminal reports whether the event ends the task.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case "task.completed", "task.failed", "task.cancelled":
		return true
	}
	return false
}

// Notifier sends task lifecycle notifications.
type Notifier interface {
	Notify(event Event)
}

// Hub dispatches events to multiple notifiers.
type Hub struct {
	notifiers []Notifier
}

// NewHub creates a Hub with the given notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{notifiers: notifiers}
}

// Len returns the number of registered notifiers.
func (h *Hub) Len() int {
	return len(h.notifiers)
}

// Notify sends an event to all registered notifiers.
func (h *Hub) Notify(event Event) {
	for _, n := range h.notifiers {
		go n.Notify(event)
	}
}

// LogNotifier writes lifecycle events to the structured log. Progress
// events are logged at debug level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier; a nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(event Event) {
	level := slog.LevelInfo
	switch event.Type {
	case "task.progress":
		level = slog.LevelDebug
	case "task.failed":
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, "task event",
		"type", event.Type,
		"task_id", event.TaskID,
		"target", event.Target,
		"message", event.Message)
}
