package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrGroupNotEmpty is returned when deleting a group that still has
	// sub-groups or hosts.
	ErrGroupNotEmpty = errors.New("group is not empty")
	// ErrInvalid is returned when a record fails validation.
	ErrInvalid = errors.New("invalid")
	// ErrConflict is returned when a write violates a uniqueness or
	// reference constraint.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence interface for nethopper.
// Defined at the consumer side per Go conventions.
type Store interface {
	// Groups
	ListGroups(parentID *int64) ([]Group, error)
	GetGroup(id int64) (*Group, error)
	CreateGroup(g *Group) error
	UpdateGroup(g *Group) error
	DeleteGroup(id int64) error

	// Hosts
	ListHosts(groupID *int64) ([]Host, error)
	GetHost(id int64) (*Host, error)
	ResolveHost(ref string) (*Host, error)
	CreateHost(h *Host) error
	UpdateHost(h *Host) error
	DeleteHost(id int64) error

	// Tasks
	CreateTask(t *TaskRecord) error
	GetTask(id string) (*TaskRecord, error)
	UpdateTask(t *TaskRecord) error
	ListTasks(f TaskFilter) ([]TaskRecord, error)

	// Task events
	AddEvent(e *TaskEvent) error
	GetEvents(taskID string, limit int) ([]TaskEvent, error)

	// Maintenance
	Cleanup(retention time.Duration) (int64, error)
	Close() error
}

// Group is a folder of hosts. Groups nest through ParentID; a nil ParentID
// is a top-level group.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	ParentID  *int64    `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Host auth types.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Host is a remote machine commands can be run on.
type Host struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	AuthType  string    `json:"auth_type"`
	Password  string    `json:"password,omitempty"`
	KeyPath   string    `json:"key_path,omitempty"`
	GroupID   *int64    `json:"group_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Redacted returns a copy without the stored password.
func (h Host) Redacted() Host {
	h.Password = ""
	return h
}

// TaskRecord represents a persisted task.
type TaskRecord struct {
	ID             string
	Target         string
	Command        string
	Status         string
	ExitCode       int
	Output         string
	Progress       string
	Error          string
	TimeoutSeconds int
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status string
	Target string
	Limit  int
	Since  time.Time
}

// TaskEvent represents a timestamped event for audit trail.
type TaskEvent struct {
	ID        int64
	TaskID    string
	EventType string
	Message   string
	CreatedAt time.Time
}
