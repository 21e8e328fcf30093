package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/nethopper/internal/executor"
	"github.com/btouchard/nethopper/internal/store"
	"github.com/btouchard/nethopper/internal/task"
	"github.com/btouchard/nethopper/internal/task/tasktest"
)

type fakeExec struct {
	mu       sync.Mutex
	res      *executor.ExecResult
	err      error
	target   string
	deadline time.Time
}

func (f *fakeExec) Exec(ctx context.Context, target, _ string) (*executor.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = target
	f.deadline, _ = ctx.Deadline()
	return f.res, f.err
}

func (f *fakeExec) set(res *executor.ExecResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res, f.err = res, err
}

func (f *fakeExec) last() (string, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, f.deadline
}

type testAPI struct {
	srv     *httptest.Server
	store   *store.SQLiteStore
	tasks   *task.Manager
	backend *tasktest.Backend
	exec    *fakeExec
}

func newTestAPI(t *testing.T, b *tasktest.Backend, maxConcurrent int) *testAPI {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tm := tasktest.NewManager(t, b, maxConcurrent)
	tm.SetRecorder(st)

	fx := &fakeExec{res: &executor.ExecResult{}}
	srv := httptest.NewServer(New(tm, st, fx, Options{ExecTimeout: 5 * time.Second, MaxTimeout: time.Minute}).Routes())
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, store: st, tasks: tm, backend: b, exec: fx}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestAPI_Groups(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{}, 4)

	code, body := a.do(t, http.MethodPost, "/groups", map[string]any{"name": "prod"})
	require.Equal(t, http.StatusCreated, code, string(body))
	prod := decode[store.Group](t, body)
	assert.NotZero(t, prod.ID)

	code, body = a.do(t, http.MethodPost, "/groups", map[string]any{"name": "web", "parent_id": prod.ID})
	require.Equal(t, http.StatusCreated, code, string(body))
	web := decode[store.Group](t, body)

	code, body = a.do(t, http.MethodGet, "/groups", nil)
	require.Equal(t, http.StatusOK, code)
	top := decode[[]store.Group](t, body)
	require.Len(t, top, 1)
	assert.Equal(t, "prod", top[0].Name)

	code, body = a.do(t, http.MethodGet, "/groups?parent_id=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]store.Group](t, body), 1)

	code, body = a.do(t, http.MethodDelete, "/groups/1", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, string(body), "not empty")

	code, body = a.do(t, http.MethodPut, "/groups/2", map[string]any{"name": "frontend", "parent_id": prod.ID})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "frontend", decode[store.Group](t, body).Name)

	code, _ = a.do(t, http.MethodDelete, "/groups/2", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = a.do(t, http.MethodGet, "/groups/2", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotZero(t, web.ID)
}

func TestAPI_Groups_Validation(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{}, 4)

	code, _ := a.do(t, http.MethodPost, "/groups", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPost, "/groups", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/groups/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/groups?parent_id=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPut, "/groups/99", map[string]any{"name": "ghost"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_Hosts(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{}, 4)

	code, body := a.do(t, http.MethodPost, "/hosts", map[string]any{
		"name":     "web-1",
		"host":     "10.0.0.1",
		"username": "ops",
		"password": "hunter2",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	assert.NotContains(t, string(body), "hunter2")
	created := decode[store.Host](t, body)
	assert.Equal(t, 22, created.Port)
	assert.Equal(t, store.AuthPassword, created.AuthType)

	code, body = a.do(t, http.MethodGet, "/hosts", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, string(body), "hunter2")
	assert.Len(t, decode[[]store.Host](t, body), 1)

	// An update without a password keeps the stored one.
	code, body = a.do(t, http.MethodPut, "/hosts/1", map[string]any{
		"name":     "web-1",
		"host":     "10.0.0.11",
		"port":     2222,
		"username": "ops",
	})
	require.Equal(t, http.StatusOK, code, string(body))
	stored, err := a.store.GetHost(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", stored.Password)
	assert.Equal(t, "10.0.0.11", stored.Address)
	assert.Equal(t, 2222, stored.Port)

	code, _ = a.do(t, http.MethodPost, "/hosts", map[string]any{"name": "web-1", "host": "x", "username": "u"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = a.do(t, http.MethodPost, "/hosts", map[string]any{"name": "web-2", "host": "x", "username": "u", "port": 70000})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPost, "/hosts", map[string]any{"name": "web-2", "address": "x"})
	assert.Equal(t, http.StatusBadRequest, code, "unknown fields are rejected")

	code, _ = a.do(t, http.MethodDelete, "/hosts/1", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = a.do(t, http.MethodDelete, "/hosts/1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_SubmitAndGetTask(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{Output: []string{"hi\n"}}, 4)

	code, body := a.do(t, http.MethodPost, "/tasks", map[string]any{"target": "web-1", "command": "echo hi"})
	require.Equal(t, http.StatusAccepted, code, string(body))
	submitted := decode[taskJSON](t, body)
	assert.True(t, strings.HasPrefix(submitted.ID, task.IDPrefix))
	assert.Equal(t, "web-1", submitted.Target)

	tasktest.WaitTerminal(t, a.tasks, submitted.ID)

	require.Eventually(t, func() bool {
		code, body := a.do(t, http.MethodGet, "/tasks/"+submitted.ID, nil)
		if code != http.StatusOK {
			return false
		}
		got := decode[taskJSON](t, body)
		for _, e := range got.Events {
			if e.Type == "task.completed" {
				return got.Status == "completed" && got.Output == "hi\n" && got.ExitCode == 0
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAPI_SubmitTask_Errors(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{Unknown: []string{"ghost"}}, 4)

	code, _ := a.do(t, http.MethodPost, "/tasks", map[string]any{"target": "web-1"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := a.do(t, http.MethodPost, "/tasks", map[string]any{"target": "ghost", "command": "uptime"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, string(body), "unknown host")
}

func TestAPI_SubmitTask_ConcurrencyLimit(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{Hold: true}, 1)

	code, _ := a.do(t, http.MethodPost, "/tasks", map[string]any{"target": "web-1", "command": "sleep 100"})
	require.Equal(t, http.StatusAccepted, code)

	code, body := a.do(t, http.MethodPost, "/tasks", map[string]any{"target": "web-1", "command": "sleep 100"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Contains(t, string(body), "concurrency limit")
}

func TestAPI_ListTasks(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{}, 4)

	for _, target := range []string{"web-1", "db-1"} {
		code, body := a.do(t, http.MethodPost, "/tasks", map[string]any{"target": target, "command": "uptime"})
		require.Equal(t, http.StatusAccepted, code)
		tasktest.WaitTerminal(t, a.tasks, decode[taskJSON](t, body).ID)
	}

	code, body := a.do(t, http.MethodGet, "/tasks?target=db-1", nil)
	require.Equal(t, http.StatusOK, code)
	live := decode[[]taskJSON](t, body)
	require.Len(t, live, 1)
	assert.Equal(t, "db-1", live[0].Target)

	require.Eventually(t, func() bool {
		code, body := a.do(t, http.MethodGet, "/tasks?history=true&status=completed", nil)
		return code == http.StatusOK && len(decode[[]taskJSON](t, body)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	code, _ = a.do(t, http.MethodGet, "/tasks?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = a.do(t, http.MethodGet, "/tasks?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_GetTask_FallsBackToHistory(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{}, 4)

	rec := &store.TaskRecord{
		ID:          "ssh-from-earlier-run",
		Target:      "web-1",
		Command:     "uptime",
		Status:      "completed",
		Output:      "up 3 days\n",
		CreatedAt:   time.Now().Add(-time.Hour),
		CompletedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, a.store.CreateTask(rec))

	code, body := a.do(t, http.MethodGet, "/tasks/ssh-from-earlier-run", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	got := decode[taskJSON](t, body)
	assert.Equal(t, "up 3 days\n", got.Output)
	assert.Nil(t, got.StartedAt)

	code, _ = a.do(t, http.MethodGet, "/tasks/ssh-missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_CancelTask(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{Hold: true}, 4)

	code, body := a.do(t, http.MethodPost, "/tasks", map[string]any{"target": "web-1", "command": "sleep 100"})
	require.Equal(t, http.StatusAccepted, code)
	id := decode[taskJSON](t, body).ID

	code, _ = a.do(t, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, code)

	snap := tasktest.WaitTerminal(t, a.tasks, id)
	assert.Equal(t, task.StatusCancelled, snap.Status)
	assert.Equal(t, []string{id}, a.backend.Cancelled())

	code, _ = a.do(t, http.MethodPost, "/tasks/ssh-missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_SendInput(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{Hold: true}, 4)

	code, body := a.do(t, http.MethodPost, "/tasks", map[string]any{"target": "web-1", "command": "read name"})
	require.Equal(t, http.StatusAccepted, code)
	id := decode[taskJSON](t, body).ID

	code, body = a.do(t, http.MethodPost, "/tasks/"+id+"/input", map[string]any{"data": "ada\n", "eof": true})
	require.Equal(t, http.StatusAccepted, code, string(body))
	got, closed := a.backend.Input(id)
	assert.Equal(t, "ada\n", got)
	assert.True(t, closed)

	code, _ = a.do(t, http.MethodPost, "/tasks/"+id+"/input", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = a.do(t, http.MethodPost, "/tasks/ssh-missing/input", map[string]any{"data": "x"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodPost, "/tasks/"+id+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, code)
	tasktest.WaitTerminal(t, a.tasks, id)

	code, body = a.do(t, http.MethodPost, "/tasks/"+id+"/input", map[string]any{"data": "late\n"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, string(body), "already finished")
}

func TestAPI_Exec(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{}, 4)
	a.exec.set(&executor.ExecResult{ExitCode: 0, Stdout: "ok\n"}, nil)

	code, body := a.do(t, http.MethodPost, "/exec", map[string]any{"target": "web-1", "command": "echo ok"})
	require.Equal(t, http.StatusOK, code, string(body))
	resp := decode[execResponse](t, body)
	assert.True(t, resp.OK)
	require.NotNil(t, resp.Data)
	assert.True(t, resp.Data.Success)
	assert.Equal(t, "ok\n", resp.Data.Stdout)
	target, deadline := a.exec.last()
	assert.Equal(t, "web-1", target)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), deadline, 2*time.Second)
}

func TestAPI_Exec_NonZeroExitIsNotAnError(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{}, 4)
	a.exec.set(&executor.ExecResult{ExitCode: 2}, nil)

	code, body := a.do(t, http.MethodPost, "/exec", map[string]any{"target": "web-1", "command": "false", "timeout_seconds": 3600})
	require.Equal(t, http.StatusOK, code)
	resp := decode[execResponse](t, body)
	assert.True(t, resp.OK)
	assert.False(t, resp.Data.Success)
	assert.Equal(t, 2, resp.Data.ExitCode)
	_, deadline := a.exec.last()
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 2*time.Second, "timeout is clamped")
}

func TestAPI_Exec_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code int
		kind executor.ErrorKind
	}{
		{"network", &executor.ExecError{Kind: executor.KindNetwork, Err: executor.ErrConnect}, http.StatusBadGateway, executor.KindNetwork},
		{"auth", &executor.ExecError{Kind: executor.KindAuth, Err: executor.ErrAuth}, http.StatusBadGateway, executor.KindAuth},
		{"timeout", &executor.ExecError{Kind: executor.KindTimeout, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, executor.KindTimeout},
		{"unknown host", &executor.ExecError{Kind: executor.KindInternal, Err: store.ErrNotFound}, http.StatusNotFound, executor.KindInternal},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, executor.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAPI(t, &tasktest.Backend{}, 4)
			a.exec.set(nil, tt.err)

			code, body := a.do(t, http.MethodPost, "/exec", map[string]any{"target": "web-1", "command": "uptime"})
			assert.Equal(t, tt.code, code)
			resp := decode[execResponse](t, body)
			assert.False(t, resp.OK)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Error.Kind)
		})
	}
}

func TestAPI_Exec_MissingFields(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, &tasktest.Backend{}, 4)

	code, body := a.do(t, http.MethodPost, "/exec", map[string]any{"target": "web-1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "required")
}
