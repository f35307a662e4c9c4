// Package tracker follows server-side automation tasks: it creates them,
// polls their state, and issues cancel and retry requests.
package tracker

import (
	"context"
	"errors"

	"autoall/internal/api"
	"autoall/internal/model"
)

var (
	ErrNoAccounts     = errors.New("select at least one account")
	ErrNoConfig       = errors.New("task config is required")
	ErrNotRunning     = errors.New("task is not running")
	ErrNothingToRetry = errors.New("no failed sub-tasks selected")
	ErrNotStarted     = errors.New("poller has not loaded the task yet")
)

// TaskAPI is the slice of the backend the tracker depends on.
type TaskAPI interface {
	Create(ctx context.Context, req api.CreateTaskRequest) (model.Task, error)
	List(ctx context.Context, opts api.ListTasksOptions) (model.Page[model.Task], error)
	Get(ctx context.Context, id model.ID) (model.Task, error)
	Cancel(ctx context.Context, id model.ID) error
	ListAccountTasks(ctx context.Context, taskID model.ID, f api.AccountTaskFilter) (model.Page[model.AccountTask], error)
	Retry(ctx context.Context, id model.ID, accountIDs []model.ID) error
	Log(ctx context.Context, id model.ID, q api.LogQuery) (model.Page[model.TaskLogEntry], error)
}

var _ TaskAPI = (*api.Tasks)(nil)

// Create validates the submission locally and creates the task. Nothing is
// sent when validation fails.
func Create(ctx context.Context, tasks TaskAPI, accountIDs []model.ID, cfg model.TaskConfig) (model.Task, error) {
	ids := uniqueIDs(accountIDs)
	if len(ids) == 0 {
		return model.Task{}, ErrNoAccounts
	}
	if cfg == nil {
		return model.Task{}, ErrNoConfig
	}
	if err := cfg.Validate(); err != nil {
		return model.Task{}, err
	}
	return tasks.Create(ctx, api.CreateTaskRequest{AccountIDs: ids, Config: cfg})
}

func uniqueIDs(in []model.ID) []model.ID {
	seen := make(map[model.ID]struct{}, len(in))
	out := make([]model.ID, 0, len(in))
	for _, id := range in {
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
