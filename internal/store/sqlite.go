package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat has a fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

const memoryPath = ":memory:"

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != memoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		// Pre-create the file with restrictive permissions if it doesn't exist
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	// Ensure schema_version table exists
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Groups ---

func (s *SQLiteStore) ListGroups(parentID *int64) ([]Group, error) {
	query := "SELECT id, name, parent_id, created_at FROM groups WHERE parent_id IS NULL ORDER BY name"
	var args []any
	if parentID != nil {
		query = "SELECT id, name, parent_id, created_at FROM groups WHERE parent_id = ? ORDER BY name"
		args = append(args, *parentID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) GetGroup(id int64) (*Group, error) {
	row := s.db.QueryRow("SELECT id, name, parent_id, created_at FROM groups WHERE id = ?", id)
	g, err := scanGroup(row)
	if err != nil {
		return nil, fmt.Errorf("group %d: %w", id, err)
	}
	return g, nil
}

func (s *SQLiteStore) CreateGroup(g *Group) error {
	if g.Name == "" {
		return fmt.Errorf("%w: group name is required", ErrInvalid)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	res, err := s.db.Exec("INSERT INTO groups (name, parent_id, created_at) VALUES (?, ?, ?)",
		g.Name, nullInt(g.ParentID), formatTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting group: %w", constraintErr(err))
	}
	g.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading group id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateGroup(g *Group) error {
	if g.Name == "" {
		return fmt.Errorf("%w: group name is required", ErrInvalid)
	}
	if g.ParentID != nil && *g.ParentID == g.ID {
		return fmt.Errorf("%w: group %d cannot be its own parent", ErrInvalid, g.ID)
	}
	res, err := s.db.Exec("UPDATE groups SET name = ?, parent_id = ? WHERE id = ?",
		g.Name, nullInt(g.ParentID), g.ID)
	if err != nil {
		return fmt.Errorf("updating group: %w", constraintErr(err))
	}
	return expectOne(res, fmt.Sprintf("group %d", g.ID))
}

// DeleteGroup removes an empty group. Groups that still hold sub-groups or
// hosts are refused with ErrGroupNotEmpty.
func (s *SQLiteStore) DeleteGroup(id int64) error {
	var children int
	err := s.db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM groups WHERE parent_id = ?) +
		(SELECT COUNT(*) FROM hosts WHERE group_id = ?)`, id, id).Scan(&children)
	if err != nil {
		return fmt.Errorf("counting group members: %w", err)
	}
	if children > 0 {
		return fmt.Errorf("group %d: %w", id, ErrGroupNotEmpty)
	}

	res, err := s.db.Exec("DELETE FROM groups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	return expectOne(res, fmt.Sprintf("group %d", id))
}

// --- Hosts ---

const hostColumns = "id, name, host, port, username, auth_type, password, key_path, group_id, created_at, updated_at"

func (s *SQLiteStore) ListHosts(groupID *int64) ([]Host, error) {
	query := "SELECT " + hostColumns + " FROM hosts ORDER BY name"
	var args []any
	if groupID != nil {
		query = "SELECT " + hostColumns + " FROM hosts WHERE group_id = ? ORDER BY name"
		args = append(args, *groupID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

func (s *SQLiteStore) GetHost(id int64) (*Host, error) {
	h, err := scanHost(s.db.QueryRow("SELECT "+hostColumns+" FROM hosts WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("host %d: %w", id, err)
	}
	return h, nil
}

// ResolveHost looks a host up by name, falling back to a numeric id.
func (s *SQLiteStore) ResolveHost(ref string) (*Host, error) {
	h, err := scanHost(s.db.QueryRow("SELECT "+hostColumns+" FROM hosts WHERE name = ?", ref))
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("host %q: %w", ref, err)
	}
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		return s.GetHost(id)
	}
	return nil, fmt.Errorf("host %q: %w", ref, ErrNotFound)
}

func (s *SQLiteStore) CreateHost(h *Host) error {
	if err := validateHost(h); err != nil {
		return err
	}
	now := time.Now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now

	res, err := s.db.Exec(`INSERT INTO hosts (name, host, port, username, auth_type, password,
		key_path, group_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.Name, h.Address, h.Port, h.Username, h.AuthType, h.Password,
		h.KeyPath, nullInt(h.GroupID), formatTime(h.CreatedAt), formatTime(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting host: %w", constraintErr(err))
	}
	h.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading host id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateHost(h *Host) error {
	if err := validateHost(h); err != nil {
		return err
	}
	h.UpdatedAt = time.Now()

	res, err := s.db.Exec(`UPDATE hosts SET
		name = ?, host = ?, port = ?, username = ?, auth_type = ?, password = ?,
		key_path = ?, group_id = ?, updated_at = ?
		WHERE id = ?`,
		h.Name, h.Address, h.Port, h.Username, h.AuthType, h.Password,
		h.KeyPath, nullInt(h.GroupID), formatTime(h.UpdatedAt),
		h.ID)
	if err != nil {
		return fmt.Errorf("updating host: %w", constraintErr(err))
	}
	return expectOne(res, fmt.Sprintf("host %d", h.ID))
}

func (s *SQLiteStore) DeleteHost(id int64) error {
	res, err := s.db.Exec("DELETE FROM hosts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting host: %w", err)
	}
	return expectOne(res, fmt.Sprintf("host %d", id))
}

// validateHost fills defaults and checks required fields.
func validateHost(h *Host) error {
	if h.Name == "" {
		return fmt.Errorf("%w: host name is required", ErrInvalid)
	}
	if h.Address == "" {
		return fmt.Errorf("%w: host address is required", ErrInvalid)
	}
	if h.Username == "" {
		return fmt.Errorf("%w: host username is required", ErrInvalid)
	}
	if h.Port == 0 {
		h.Port = 22
	}
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("%w: host port %d out of range", ErrInvalid, h.Port)
	}
	switch h.AuthType {
	case "":
		h.AuthType = AuthPassword
	case AuthPassword, AuthKey:
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrInvalid, h.AuthType)
	}
	return nil
}

// --- Tasks ---

const taskColumns = "id, target, command, status, exit_code, output, progress, error, timeout_seconds, created_at, started_at, completed_at"

func (s *SQLiteStore) CreateTask(t *TaskRecord) error {
	_, err := s.db.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Target, t.Command, t.Status, t.ExitCode, t.Output, t.Progress, t.Error,
		t.TimeoutSeconds,
		formatTime(t.CreatedAt), formatTime(t.StartedAt), formatTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(id string) (*TaskRecord, error) {
	t, err := scanTask(s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTask(t *TaskRecord) error {
	_, err := s.db.Exec(`UPDATE tasks SET
		status = ?, exit_code = ?, output = ?, progress = ?, error = ?,
		timeout_seconds = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		t.Status, t.ExitCode, t.Output, t.Progress, t.Error,
		t.TimeoutSeconds, formatTime(t.StartedAt), formatTime(t.CompletedAt),
		t.ID)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTasks(f TaskFilter) ([]TaskRecord, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
	var args []any

	if f.Status != "" && f.Status != "all" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Target != "" {
		query += " AND target = ?"
		args = append(args, f.Target)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(f.Since))
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// --- Task Events ---

func (s *SQLiteStore) AddEvent(e *TaskEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO task_events (task_id, event_type, message, created_at) VALUES (?, ?, ?, ?)`,
		e.TaskID, e.EventType, e.Message, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding event: %w", err)
	}
	return nil
}

// GetEvents returns the audit trail of a task, newest first.
func (s *SQLiteStore) GetEvents(taskID string, limit int) ([]TaskEvent, error) {
	query := "SELECT id, task_id, event_type, message, created_at FROM task_events WHERE task_id = ? ORDER BY created_at DESC, id DESC"
	args := []any{taskID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Maintenance ---

// Cleanup deletes finished tasks and their events older than retention.
// It returns the number of task records removed.
func (s *SQLiteStore) Cleanup(retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-retention))

	if _, err := s.db.Exec(`DELETE FROM task_events WHERE task_id IN (
		SELECT id FROM tasks WHERE completed_at != '' AND completed_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleaning task events: %w", err)
	}
	res, err := s.db.Exec("DELETE FROM tasks WHERE completed_at != '' AND completed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Helpers ---

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (*Group, error) {
	var g Group
	var parent sql.NullInt64
	var createdAt string

	if err := row.Scan(&g.ID, &g.Name, &parent, &createdAt); err != nil {
		return nil, scanErr("group", err)
	}
	if parent.Valid {
		g.ParentID = &parent.Int64
	}
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}

func scanHost(row scanner) (*Host, error) {
	var h Host
	var group sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(&h.ID, &h.Name, &h.Address, &h.Port, &h.Username, &h.AuthType,
		&h.Password, &h.KeyPath, &group, &createdAt, &updatedAt)
	if err != nil {
		return nil, scanErr("host", err)
	}
	if group.Valid {
		h.GroupID = &group.Int64
	}
	h.CreatedAt = parseTime(createdAt)
	h.UpdatedAt = parseTime(updatedAt)
	return &h, nil
}

func scanTask(row scanner) (*TaskRecord, error) {
	var t TaskRecord
	var createdAt, startedAt, completedAt string

	err := row.Scan(&t.ID, &t.Target, &t.Command, &t.Status, &t.ExitCode,
		&t.Output, &t.Progress, &t.Error, &t.TimeoutSeconds,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, scanErr("task", err)
	}

	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)

	return &t, nil
}

func scanErr(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("scanning %s: %w", what, err)
}

// constraintErr marks unique and foreign key violations as ErrConflict.
func constraintErr(err error) error {
	if strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}
