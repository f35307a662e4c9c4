// Package api wraps the backend endpoints of one automation plugin.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"autoall/internal/model"
	"autoall/internal/transport"
)

// Tasks talks to /{plugin}/tasks/ and /{plugin}/task-accounts/.
type Tasks struct {
	c      *transport.Client
	plugin string
	quiet  bool
}

func NewTasks(c *transport.Client, plugin string) *Tasks {
	return &Tasks{c: c, plugin: strings.Trim(plugin, "/")}
}

func (t *Tasks) Plugin() string { return t.plugin }

// Quiet returns a view of t whose failures are not shown to the user.
func (t *Tasks) Quiet() *Tasks {
	cp := *t
	cp.quiet = true
	return &cp
}

type CreateTaskRequest struct {
	AccountIDs []model.ID
	Config     model.TaskConfig
}

func (r CreateTaskRequest) MarshalJSON() ([]byte, error) {
	if r.Config == nil {
		return nil, errors.New("task config is required")
	}
	return json.Marshal(struct {
		TaskType   model.TaskType   `json:"task_type"`
		AccountIDs []model.ID       `json:"account_ids"`
		Config     model.TaskConfig `json:"config"`
	}{r.Config.TaskType(), r.AccountIDs, r.Config})
}

type ListTasksOptions struct {
	Page     int
	PageSize int
	Ordering string
	Status   model.TaskStatus
	TaskType model.TaskType
}

func (o ListTasksOptions) values() url.Values {
	v := url.Values{}
	setInt(v, "page", o.Page)
	setInt(v, "page_size", o.PageSize)
	setString(v, "ordering", o.Ordering)
	setString(v, "status", string(o.Status))
	setString(v, "task_type", string(o.TaskType))
	return v
}

type AccountTaskFilter struct {
	Status   model.AccountTaskStatus
	Page     int
	PageSize int
}

type LogQuery struct {
	Tail     int
	Filename string
}

func (t *Tasks) path(parts ...string) string {
	return "/" + t.plugin + "/" + strings.Join(parts, "/") + "/"
}

func (t *Tasks) do(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	return t.c.Do(ctx, method, path, transport.Request{Params: params, Body: body, Quiet: t.quiet}, out)
}

func (t *Tasks) Create(ctx context.Context, req CreateTaskRequest) (model.Task, error) {
	var task model.Task
	if err := t.do(ctx, http.MethodPost, t.path("tasks"), nil, req, &task); err != nil {
		return model.Task{}, err
	}
	if task.ID.IsZero() {
		return model.Task{}, errors.New("create task: response carries no task id")
	}
	return task, nil
}

func (t *Tasks) List(ctx context.Context, opts ListTasksOptions) (model.Page[model.Task], error) {
	var page model.Page[model.Task]
	err := t.do(ctx, http.MethodGet, t.path("tasks"), opts.values(), nil, &page)
	return page, err
}

func (t *Tasks) Get(ctx context.Context, id model.ID) (model.Task, error) {
	var task model.Task
	err := t.do(ctx, http.MethodGet, t.path("tasks", url.PathEscape(id.String())), nil, nil, &task)
	return task, err
}

func (t *Tasks) Cancel(ctx context.Context, id model.ID) error {
	return t.do(ctx, http.MethodPost, t.path("tasks", url.PathEscape(id.String()), "cancel"), nil, nil, nil)
}

func (t *Tasks) ListAccountTasks(ctx context.Context, taskID model.ID, f AccountTaskFilter) (model.Page[model.AccountTask], error) {
	v := url.Values{}
	v.Set("task_id", taskID.String())
	setString(v, "status", string(f.Status))
	setInt(v, "page", f.Page)
	setInt(v, "page_size", f.PageSize)

	var page model.Page[model.AccountTask]
	err := t.do(ctx, http.MethodGet, t.path("task-accounts"), v, nil, &page)
	return page, err
}

// Retry resubmits the given accounts inside task id. No new task is created.
func (t *Tasks) Retry(ctx context.Context, id model.ID, accountIDs []model.ID) error {
	body := struct {
		AccountIDs []model.ID `json:"account_ids"`
	}{accountIDs}
	return t.do(ctx, http.MethodPost, t.path("tasks", url.PathEscape(id.String()), "retry"), nil, body, nil)
}

func (t *Tasks) Log(ctx context.Context, id model.ID, q LogQuery) (model.Page[model.TaskLogEntry], error) {
	v := url.Values{}
	setInt(v, "tail", q.Tail)
	setString(v, "filename", q.Filename)

	var raw json.RawMessage
	if err := t.do(ctx, http.MethodGet, t.path("tasks", url.PathEscape(id.String()), "log"), v, nil, &raw); err != nil {
		return model.Page[model.TaskLogEntry]{}, err
	}
	return parseLog(raw)
}

func setInt(v url.Values, key string, n int) {
	if n > 0 {
		v.Set(key, strconv.Itoa(n))
	}
}

func setString(v url.Values, key, s string) {
	if s = strings.TrimSpace(s); s != "" {
		v.Set(key, s)
	}
}
