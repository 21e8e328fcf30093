package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/nethopper/internal/store"
	"github.com/btouchard/nethopper/internal/task"
)

// taskJSON is the wire form of a task, live or historical.
type taskJSON struct {
	ID             string      `json:"id"`
	Target         string      `json:"target"`
	Command        string      `json:"command"`
	Status         string      `json:"status"`
	ExitCode       int         `json:"exit_code"`
	Progress       string      `json:"progress,omitempty"`
	Error          string      `json:"error,omitempty"`
	Output         string      `json:"output,omitempty"`
	OutputTotal    int         `json:"output_total_bytes,omitempty"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Events         []eventJSON `json:"events,omitempty"`
}

type eventJSON struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromSnapshot(s task.TaskSnapshot, withOutput bool) taskJSON {
	out := taskJSON{
		ID:             s.ID,
		Target:         s.Target,
		Command:        s.Command,
		Status:         string(s.Status),
		ExitCode:       s.ExitCode,
		Progress:       s.Progress,
		Error:          s.Error,
		OutputTotal:    s.OutputTotal,
		TimeoutSeconds: int(s.Timeout.Seconds()),
		CreatedAt:      s.CreatedAt,
		StartedAt:      optionalTime(s.StartedAt),
		CompletedAt:    optionalTime(s.CompletedAt),
	}
	if withOutput {
		out.Output = s.Output
	}
	return out
}

func fromRecord(r store.TaskRecord, withOutput bool) taskJSON {
	out := taskJSON{
		ID:             r.ID,
		Target:         r.Target,
		Command:        r.Command,
		Status:         r.Status,
		ExitCode:       r.ExitCode,
		Progress:       r.Progress,
		Error:          r.Error,
		TimeoutSeconds: r.TimeoutSeconds,
		CreatedAt:      r.CreatedAt,
		StartedAt:      optionalTime(r.StartedAt),
		CompletedAt:    optionalTime(r.CompletedAt),
	}
	if withOutput {
		out.Output = r.Output
	}
	return out
}

type submitRequest struct {
	Target         string `json:"target"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	submit := task.Request{Target: req.Target, Command: req.Command}
	if req.TimeoutSeconds > 0 {
		submit.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	t, err := h.tasks.Submit(r.Context(), submit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Location", "/api/tasks/"+t.ID)
	writeJSON(w, http.StatusAccepted, fromSnapshot(t.Snapshot(), false))
}

// listTasks serves live tasks from the manager, or persisted history with
// ?history=true.
func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = ts
	}

	out := []taskJSON{}
	if q.Get("history") == "true" {
		records, err := h.inv.ListTasks(store.TaskFilter{
			Status: q.Get("status"),
			Target: q.Get("target"),
			Limit:  limit,
			Since:  since,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		for _, rec := range records {
			out = append(out, fromRecord(rec, false))
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	for _, snap := range h.tasks.List(task.Filter{
		Status: q.Get("status"),
		Target: q.Get("target"),
		Limit:  limit,
		Since:  since,
	}) {
		out = append(out, fromSnapshot(snap, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// getTask returns a live task, falling back to the persisted record for
// tasks from earlier runs. The audit trail is attached when available.
func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var out taskJSON
	if t, err := h.tasks.Get(id); err == nil {
		out = fromSnapshot(t.Snapshot(), true)
	} else {
		rec, err := h.inv.GetTask(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out = fromRecord(*rec, true)
	}

	events, err := h.inv.GetEvents(id, 100)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeStoreError(w, err)
		return
	}
	for _, e := range events {
		out.Events = append(out.Events, eventJSON{Type: e.EventType, Message: e.Message, CreatedAt: e.CreatedAt})
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.tasks.Cancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	t, err := h.tasks.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, fromSnapshot(t.Snapshot(), false))
}

type inputRequest struct {
	Data string `json:"data"`
	EOF  bool   `json:"eof"`
}

// sendInput feeds a running task's standard input. With eof set the input
// is closed after data is written.
func (h *Handler) sendInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req inputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Data == "" && !req.EOF {
		writeError(w, http.StatusBadRequest, "data or eof is required")
		return
	}

	if err := h.tasks.SendInput(r.Context(), id, []byte(req.Data), req.EOF); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
