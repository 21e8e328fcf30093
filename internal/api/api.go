// Package api is the HTTP surface of nethopper: host inventory, command
// submission and live task streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/btouchard/nethopper/internal/executor"
	"github.com/btouchard/nethopper/internal/store"
	"github.com/btouchard/nethopper/internal/task"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// Inventory is the part of the store the API serves.
// Defined at the consumer side per Go conventions.
type Inventory interface {
	ListGroups(parentID *int64) ([]store.Group, error)
	GetGroup(id int64) (*store.Group, error)
	CreateGroup(g *store.Group) error
	UpdateGroup(g *store.Group) error
	DeleteGroup(id int64) error

	ListHosts(groupID *int64) ([]store.Host, error)
	GetHost(id int64) (*store.Host, error)
	CreateHost(h *store.Host) error
	UpdateHost(h *store.Host) error
	DeleteHost(id int64) error

	GetTask(id string) (*store.TaskRecord, error)
	ListTasks(f store.TaskFilter) ([]store.TaskRecord, error)
	GetEvents(taskID string, limit int) ([]store.TaskEvent, error)
}

// Execer runs a command synchronously.
type Execer interface {
	Exec(ctx context.Context, target, command string) (*executor.ExecResult, error)
}

// Options tune the API.
type Options struct {
	// ExecTimeout applies to /api/exec requests without timeout_seconds.
	ExecTimeout time.Duration
	// MaxTimeout caps every requested timeout.
	MaxTimeout time.Duration
}

// Handler serves the /api routes.
type Handler struct {
	tasks    *task.Manager
	inv      Inventory
	exec     Execer
	opts     Options
	upgrader websocket.Upgrader
}

// New creates the API handler.
func New(tasks *task.Manager, inv Inventory, exec Execer, opts Options) *Handler {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 2 * time.Hour
	}
	return &Handler{
		tasks: tasks,
		inv:   inv,
		exec:  exec,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Routes returns the router to mount under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/groups", func(r chi.Router) {
		r.Get("/", h.listGroups)
		r.Post("/", h.createGroup)
		r.Get("/{id}", h.getGroup)
		r.Put("/{id}", h.updateGroup)
		r.Delete("/{id}", h.deleteGroup)
	})

	r.Route("/hosts", func(r chi.Router) {
		r.Get("/", h.listHosts)
		r.Post("/", h.createHost)
		r.Get("/{id}", h.getHost)
		r.Put("/{id}", h.updateHost)
		r.Delete("/{id}", h.deleteHost)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.listTasks)
		r.Post("/", h.submitTask)
		r.Get("/{id}", h.getTask)
		r.Post("/{id}/cancel", h.cancelTask)
		r.Post("/{id}/input", h.sendInput)
		r.Get("/{id}/stream", h.streamTask)
	})

	r.Post("/exec", h.execCommand)

	return r
}

// writeJSON serialises payload as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeStoreError maps store and task errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalid), errors.Is(err, task.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrGroupNotEmpty), errors.Is(err, store.ErrConflict),
		errors.Is(err, task.ErrTaskFinished), errors.Is(err, executor.ErrNoInput):
		status = http.StatusConflict
	case errors.Is(err, task.ErrInputUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, task.ErrConcurrencyLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, task.ErrBackendUnavailable):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// queryID parses an optional numeric query parameter.
func queryID(w http.ResponseWriter, r *http.Request, name string) (*int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return nil, false
	}
	return &id, true
}

// clampTimeout turns timeout_seconds into a duration bounded by MaxTimeout.
func (h *Handler) clampTimeout(seconds int, fallback time.Duration) time.Duration {
	d := fallback
	if seconds > 0 {
		d = time.Duration(seconds) * time.Second
	}
	if d > h.opts.MaxTimeout {
		d = h.opts.MaxTimeout
	}
	return d
}
