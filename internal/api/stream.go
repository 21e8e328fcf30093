package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/btouchard/nethopper/internal/event"
	"github.com/btouchard/nethopper/internal/task"
)

const (
	streamWriteWait = 10 * time.Second
	// KindSubscribed is the first frame, sent once live events are wired.
	KindSubscribed event.Kind = "subscribed"
	// KindResult is the final frame of a stream, carrying the task record.
	KindResult event.Kind = "result"
	// KindError reports a stream that could not be opened.
	KindError event.Kind = "error"
)

// frame is one websocket message. Event frames reuse event.Envelope.
type frame struct {
	Kind    event.Kind `json:"kind"`
	Payload any        `json:"payload"`
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(streamWriteWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

// streamTask upgrades to a websocket and forwards the task's live events.
// The stream opens with a subscribed frame; nothing emitted before it is
// replayed. It ends with a result frame once the task is terminal.
func (h *Handler) streamTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.tasks.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	conn := &wsConn{conn: raw}

	ready := make(chan struct{})
	forward := func(e event.Event) {
		<-ready
		if err := conn.send(event.Wrap(e)); err != nil {
			slog.Debug("stream write failed", "task_id", id, "error", err)
		}
	}

	var listeners *task.Listeners
	if !t.IsTerminal() {
		listeners, err = h.tasks.Watch(id, task.Handlers{
			OnProgress: func(p event.Progress) { forward(p) },
			OnStdout:   func(s event.Stdout) { forward(s) },
			OnDone:     func(d event.Done) { forward(d) },
		})
		if err != nil && !t.IsTerminal() {
			_ = conn.send(frame{Kind: KindError, Payload: errorBody{Error: err.Error()}})
			conn.close(websocket.CloseInternalServerErr, "watch failed")
			return
		}
	}

	err = conn.send(frame{Kind: KindSubscribed, Payload: fromSnapshot(t.Snapshot(), false)})
	close(ready)
	if err != nil {
		slog.Debug("stream write failed", "task_id", id, "error", err)
	}
	slog.Debug("task stream opened", "task_id", id)

	// The client never sends data; reading detects when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := raw.NextReader(); err != nil {
				return
			}
		}
	}()

	select {
	case <-t.Done():
	case <-gone:
	}

	if listeners != nil {
		listeners.Release()
		<-listeners.Drained()
	}

	select {
	case <-gone:
		slog.Debug("task stream closed by client", "task_id", id)
		_ = raw.Close()
	default:
		if err := conn.send(frame{Kind: KindResult, Payload: fromSnapshot(t.Snapshot(), false)}); err != nil {
			slog.Debug("stream write failed", "task_id", id, "error", err)
		}
		conn.close(websocket.CloseNormalClosure, "task finished")
		slog.Debug("task stream finished", "task_id", id)
	}
}
