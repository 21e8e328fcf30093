package notify

import (
	"log/slog"
	"sync"
	"time"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
	SendNotificationToAllClients(method string, params map[string]any)
}

// levels maps lifecycle events to MCP log levels.
var levels = map[string]string{
	"task.started":   "info",
	"task.completed": "info",
	"task.failed":    "error",
	"task.cancelled": "warning",
}

// progressState tracks progress notifications sent for one task.
type progressState struct {
	lastSent time.Time
	count    int
}

// MCPNotifier pushes task updates to the submitting MCP client. Output
// progress is debounced per task; lifecycle messages are sent at once.
type MCPNotifier struct {
	sender   MCPSender
	debounce time.Duration

	mu    sync.Mutex
	tasks map[string]*progressState
}

// NewMCPNotifier creates an MCPNotifier with the given debounce interval
// for progress events.
func NewMCPNotifier(sender MCPSender, debounce time.Duration) *MCPNotifier {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &MCPNotifier{
		sender:   sender,
		debounce: debounce,
		tasks:    make(map[string]*progressState),
	}
}

// Notify sends an MCP notification for the given event.
func (n *MCPNotifier) Notify(event Event) {
	if event.Type == "task.progress" {
		n.sendProgress(event)
		return
	}

	level, ok := levels[event.Type]
	if !ok {
		slog.Debug("mcp notifier: unknown event type", "type", event.Type)
		return
	}
	if event.IsTerminal() {
		n.forget(event.TaskID)
	}
	n.sendMessage(event, level)
}

// sendProgress sends notifications/progress at most once per debounce
// interval. The progress value increases with every notification sent.
func (n *MCPNotifier) sendProgress(event Event) {
	n.mu.Lock()
	st, ok := n.tasks[event.TaskID]
	if !ok {
		st = &progressState{}
		n.tasks[event.TaskID] = st
	}
	if !st.lastSent.IsZero() && time.Since(st.lastSent) < n.debounce {
		n.mu.Unlock()
		return
	}
	st.lastSent = time.Now()
	st.count++
	progress := st.count
	n.mu.Unlock()

	n.send(event.MCPSessionID, "notifications/progress", map[string]any{
		"progressToken": event.TaskID,
		"progress":      progress,
		"message":       event.Message,
	})
}

// sendMessage sends notifications/message for lifecycle events.
func (n *MCPNotifier) sendMessage(event Event, level string) {
	n.send(event.MCPSessionID, "notifications/message", map[string]any{
		"level":  level,
		"logger": "nethopper",
		"data": map[string]any{
			"type":    event.Type,
			"task_id": event.TaskID,
			"target":  event.Target,
			"message": event.Message,
		},
	})
}

// send dispatches to a specific client or broadcasts.
func (n *MCPNotifier) send(mcpSessionID, method string, params map[string]any) {
	if mcpSessionID == "" {
		n.sender.SendNotificationToAllClients(method, params)
		return
	}
	if err := n.sender.SendNotificationToSpecificClient(mcpSessionID, method, params); err != nil {
		slog.Debug("mcp notification failed, falling back to broadcast",
			"session_id", mcpSessionID,
			"method", method,
			"error", err)
		n.sender.SendNotificationToAllClients(method, params)
	}
}

func (n *MCPNotifier) forget(taskID string) {
	n.mu.Lock()
	delete(n.tasks, taskID)
	n.mu.Unlock()
}

// Tracked returns the number of tasks with debounce state.
func (n *MCPNotifier) Tracked() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.tasks)
}
