package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoall/internal/model"
	"autoall/internal/session"
	"autoall/internal/transport"
)

type call struct {
	method string
	path   string
	query  string
	body   string
	auth   string
}

func newTestAPI(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) (*transport.Client, *[]call) {
	t.Helper()
	calls := &[]call{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		*calls = append(*calls, call{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   string(b),
			auth:   r.Header.Get("Authorization"),
		})
		w.Header().Set("Content-Type", "application/json")
		respond(w, r)
	}))
	t.Cleanup(srv.Close)
	c := transport.New(transport.Options{
		BaseURL: srv.URL + "/api/v1",
		Timeout: 5 * time.Second,
		QPS:     1000,
		Burst:   100,
		Session: session.New(nil),
	})
	return c, calls
}

func TestCreateTask(t *testing.T) {
	c, calls := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 0, "message": "ok", "data": {"id": 42, "status": "pending", "total_count": 3}}`))
	})
	tasks := NewTasks(c, "/google/")

	task, err := tasks.Create(context.Background(), CreateTaskRequest{
		AccountIDs: []model.ID{"1", "2", "3"},
		Config:     model.BindCardConfig{CardsPerAccount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ID("42"), task.ID)
	assert.Equal(t, model.TaskPending, task.Status)

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/v1/google/tasks/", got.path)
	assert.JSONEq(t, `{"task_type": "bind_card", "account_ids": [1, 2, 3], "config": {"cards_per_account": 1}}`, got.body)
}

func TestCreateTaskWithoutIDFails(t *testing.T) {
	c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "pending"}`))
	})
	_, err := NewTasks(c, "google").Create(context.Background(), CreateTaskRequest{
		AccountIDs: []model.ID{"1"},
		Config:     model.LoginConfig{},
	})
	assert.Error(t, err)
}

func TestReadEndpoints(t *testing.T) {
	c, calls := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/google/tasks/":
			_, _ = w.Write([]byte(`{"count": 1, "results": [{"id": 42, "status": "running"}]}`))
		case "/api/v1/google/tasks/42/":
			_, _ = w.Write([]byte(`{"id": 42, "status": "running", "total_count": 3, "success_count": 1, "started_at": "2026-10-15T08:00:00Z"}`))
		case "/api/v1/google/task-accounts/":
			_, _ = w.Write([]byte(`{"code": 0, "data": [{"id": 7, "task_id": 42, "account_id": 3, "status": "failed"}]}`))
		case "/api/v1/google/tasks/42/log/":
			_, _ = w.Write([]byte(`{"content": "2026-10-15 08:00:05,120 - INFO - started\n[2026-10-15 08:00:09] [ERROR] card declined\nplain line\n"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()
	tasks := NewTasks(c, "google")

	list, err := tasks.List(ctx, ListTasksOptions{Page: 2, PageSize: 20, Ordering: "-created_at"})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "ordering=-created_at&page=2&page_size=20", (*calls)[0].query)

	task, err := tasks.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, task.SuccessCount)
	assert.True(t, task.StartedAt.Valid())

	subs, err := tasks.ListAccountTasks(ctx, "42", AccountTaskFilter{Status: model.AccountTaskFailed})
	require.NoError(t, err)
	require.Len(t, subs.Results, 1)
	assert.Equal(t, model.ID("3"), subs.Results[0].AccountID)
	assert.Equal(t, "status=failed&task_id=42", (*calls)[2].query)

	logs, err := tasks.Log(ctx, "42", LogQuery{Tail: 100})
	require.NoError(t, err)
	require.Len(t, logs.Results, 3)
	assert.Equal(t, model.LogInfo, logs.Results[0].Level)
	assert.Equal(t, "started", logs.Results[0].Message)
	assert.True(t, logs.Results[0].Timestamp.Valid())
	assert.Equal(t, model.LogError, logs.Results[1].Level)
	assert.Equal(t, "card declined", logs.Results[1].Message)
	assert.Equal(t, "plain line", logs.Results[2].Message)
	assert.Equal(t, "tail=100", (*calls)[3].query)
}

func TestStructuredLog(t *testing.T) {
	c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"count": 1, "results": [{"timestamp": "2026-10-15T08:00:00Z", "level": "WARNING", "message": "slow", "account_email": "a@example.com"}]}`))
	})
	logs, err := NewTasks(c, "google").Log(context.Background(), "42", LogQuery{Filename: "task_42.log"})
	require.NoError(t, err)
	require.Len(t, logs.Results, 1)
	assert.Equal(t, model.LogWarning, logs.Results[0].Level)
	assert.Equal(t, "a@example.com", logs.Results[0].AccountEmail)
}

func TestCancelAndRetry(t *testing.T) {
	c, calls := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": 0, "message": "ok", "data": null}`))
	})
	ctx := context.Background()
	tasks := NewTasks(c, "google")

	require.NoError(t, tasks.Cancel(ctx, "42"))
	require.NoError(t, tasks.Retry(ctx, "42", []model.ID{"3", "9"}))

	require.Len(t, *calls, 2)
	assert.Equal(t, "/api/v1/google/tasks/42/cancel/", (*calls)[0].path)
	assert.Equal(t, "/api/v1/google/tasks/42/retry/", (*calls)[1].path)
	assert.JSONEq(t, `{"account_ids": [3, 9]}`, (*calls)[1].body)
}

func TestAuthLifecycle(t *testing.T) {
	c, calls := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login/":
			_, _ = w.Write([]byte(`{"code": 0, "data": {"access": "tok-1"}}`))
		case "/api/v1/auth/refresh/":
			_, _ = w.Write([]byte(`{"token": "tok-2"}`))
		case "/api/v1/auth/logout/":
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	ctx := context.Background()
	auth := NewAuth(c)

	require.Error(t, auth.Login(ctx, "", "x"))
	require.NoError(t, auth.Login(ctx, "admin", "secret"))
	assert.Equal(t, "tok-1", c.Session().Get().Token)
	assert.JSONEq(t, `{"username": "admin", "password": "secret"}`, (*calls)[0].body)

	require.NoError(t, auth.Refresh(ctx))
	assert.Equal(t, "tok-2", c.Session().Get().Token)
	assert.Equal(t, "Bearer tok-1", (*calls)[1].auth)

	require.NoError(t, auth.Logout(ctx))
	assert.False(t, c.Session().Get().Present())
}
