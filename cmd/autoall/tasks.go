package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"autoall/internal/api"
	"autoall/internal/model"
	"autoall/internal/tracker"
)

func setupTasks(rootCmd *cobra.Command) {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Create, inspect and control automation tasks",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task for a set of accounts",
		RunE:  run(createTask),
	}
	createCmd.Flags().String("type", "", "task type (login, get_link, verify, bind_card, one_click, auto_all, ...)")
	createCmd.Flags().StringSlice("accounts", nil, "account ids")
	createCmd.Flags().String("config", "", "task config as inline JSON")
	createCmd.Flags().String("config-file", "", "read the task config from a JSON file")
	createCmd.Flags().Bool("watch", false, "follow the task after creating it")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  run(listTasks),
	}
	listCmd.Flags().Int("page", 1, "page number")
	listCmd.Flags().Int("page-size", 0, "page size (defaults to poll.pageSize)")
	listCmd.Flags().String("status", "", "filter by status")
	listCmd.Flags().String("type", "", "filter by task type")
	listCmd.Flags().String("ordering", "-created_at", "ordering")
	listCmd.Flags().Bool("watch", false, "refresh on the list cadence until interrupted")

	getCmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task and its sub-tasks",
		Args:  cobra.ExactArgs(1),
		RunE:  run(getTask),
	}
	getCmd.Flags().String("status", "", "only sub-tasks in this status")

	cancelCmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE:  run(cancelTask),
	}

	retryCmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Retry failed sub-tasks",
		Args:  cobra.ExactArgs(1),
		RunE:  run(retryTask),
	}
	retryCmd.Flags().StringSlice("ids", nil, "sub-task ids to retry (defaults to every failed one)")

	logCmd := &cobra.Command{
		Use:   "log <task-id>",
		Short: "Print the task log",
		Args:  cobra.ExactArgs(1),
		RunE:  run(taskLog),
	}
	logCmd.Flags().Int("tail", 0, "last N lines (defaults to poll.logTail)")
	logCmd.Flags().String("file", "", "log file name")

	watchCmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow a task until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  run(watchTask),
	}
	watchCmd.Flags().Bool("logs", false, "also poll the task log")

	lastCmd := &cobra.Command{
		Use:   "last <task-id>",
		Short: "Print the last stored snapshot of a watched task",
		Args:  cobra.ExactArgs(1),
		RunE:  run(lastSnapshot),
	}

	tasksCmd.AddCommand(createCmd, listCmd, getCmd, cancelCmd, retryCmd, logCmd, watchCmd, lastCmd)
	rootCmd.AddCommand(tasksCmd)
}

func createTask(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	taskType, _ := cmd.Flags().GetString("type")
	accounts, _ := cmd.Flags().GetStringSlice("accounts")
	inline, _ := cmd.Flags().GetString("config")
	file, _ := cmd.Flags().GetString("config-file")
	follow, _ := cmd.Flags().GetBool("watch")

	if strings.TrimSpace(taskType) == "" {
		return errors.New("--type is required")
	}
	raw := []byte(inline)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		raw = b
	}
	cfg, err := model.DecodeTaskConfig(model.TaskType(taskType), raw)
	if err != nil {
		return fmt.Errorf("parse task config: %w", err)
	}

	task, err := tracker.Create(ctx, a.tasks, model.ParseIDs(accounts), cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Created task %s (%s) for %d account(s)\n", task.ID, cfg.TaskType(), task.TotalCount)
	if !follow {
		return nil
	}
	return followTask(ctx, a, task.ID, false)
}

func listTasks(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")
	status, _ := cmd.Flags().GetString("status")
	taskType, _ := cmd.Flags().GetString("type")
	ordering, _ := cmd.Flags().GetString("ordering")
	follow, _ := cmd.Flags().GetBool("watch")
	if pageSize <= 0 {
		pageSize = a.cfg.Poll.PageSize
	}
	opts := api.ListTasksOptions{
		Page:     page,
		PageSize: pageSize,
		Ordering: ordering,
		Status:   model.TaskStatus(status),
		TaskType: model.TaskType(taskType),
	}

	if !follow {
		tasks, err := a.tasks.List(ctx, opts)
		if err != nil {
			return err
		}
		printTaskPage(os.Stdout, tasks, time.Now())
		return nil
	}

	lp := tracker.NewListPoller(a.tasks, a.tasks.Quiet(), tracker.ListConfig{
		Options:  opts,
		Interval: a.cfg.Poll.ListInterval(),
		OnPage: func(p model.Page[model.Task]) {
			printTaskPage(os.Stdout, p, time.Now())
		},
		Bus: a.bus,
	})
	if err := lp.Start(ctx); err != nil {
		return err
	}
	select {
	case <-lp.Done():
	case <-ctx.Done():
		lp.Teardown()
		<-lp.Done()
	}
	return lp.Err()
}

func getTask(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	p := tracker.NewTaskPoller(a.tasks, nil, tracker.PollerConfig{
		TaskID: model.ID(args[0]),
		Once:   true,
		Filter: api.AccountTaskFilter{Status: model.AccountTaskStatus(status), PageSize: a.cfg.Poll.PageSize},
		Bus:    a.bus,
	})
	if err := p.Start(ctx); err != nil {
		return err
	}
	snap, _ := p.Snapshot()
	printSnapshot(os.Stdout, snap, true)
	return nil
}

// load mounts a poller without scheduling ticks, for one-shot actions.
func load(ctx context.Context, a *app, id string) (*tracker.TaskPoller, error) {
	p := tracker.NewTaskPoller(a.tasks, nil, tracker.PollerConfig{
		TaskID: model.ID(id),
		Once:   true,
		Filter: api.AccountTaskFilter{PageSize: a.cfg.Poll.PageSize},
		Bus:    a.bus,
	})
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func cancelTask(ctx context.Context, a *app, _ *cobra.Command, args []string) error {
	p, err := load(ctx, a, args[0])
	if err != nil {
		return err
	}
	if err := p.Cancel(ctx); err != nil {
		return err
	}
	snap, _ := p.Snapshot()
	fmt.Fprintf(os.Stdout, "Cancel requested; task %s is now %s\n", snap.Task.ID, snap.Task.Status)
	return nil
}

func retryTask(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	ids, _ := cmd.Flags().GetStringSlice("ids")
	p, err := load(ctx, a, args[0])
	if err != nil {
		return err
	}

	selected := model.ParseIDs(ids)
	if len(selected) == 0 {
		snap, _ := p.Snapshot()
		selected = tracker.FailedIDs(snap.AccountTasks.Results)
	}
	retried, err := p.Retry(ctx, selected)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Retrying %d sub-task(s): %s\n", len(retried), joinIDs(retried))
	return nil
}

func taskLog(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	tail, _ := cmd.Flags().GetInt("tail")
	file, _ := cmd.Flags().GetString("file")
	if tail <= 0 {
		tail = a.cfg.Poll.LogTail
	}
	logs, err := a.tasks.Log(ctx, model.ID(args[0]), api.LogQuery{Tail: tail, Filename: file})
	if err != nil {
		return err
	}
	printLogs(os.Stdout, logs.Results)
	return nil
}

func watchTask(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	withLogs, _ := cmd.Flags().GetBool("logs")
	return followTask(ctx, a, model.ID(args[0]), withLogs)
}

// followTask polls a task on the detail cadence, printing and storing every
// snapshot, until it finishes, the session expires or ctx ends.
func followTask(ctx context.Context, a *app, id model.ID, withLogs bool) error {
	cfg := tracker.PollerConfig{
		TaskID:   id,
		Interval: a.cfg.Poll.DetailInterval(),
		Filter:   api.AccountTaskFilter{PageSize: a.cfg.Poll.PageSize},
		Bus:      a.bus,
	}
	if withLogs {
		cfg.Logs = &api.LogQuery{Tail: a.cfg.Poll.LogTail}
	}
	seen := make(map[string]struct{})
	cfg.OnSnapshot = func(s tracker.Snapshot) {
		printSnapshot(os.Stdout, s, false)
		if s.Logs != nil {
			printNewLogs(os.Stdout, s.Logs.Results, seen)
		}
		if err := a.store.SaveSnapshot(context.Background(), a.cfg.API.Plugin, id.String(), string(s.Task.Status), s); err != nil {
			a.bus.Warn("saving snapshot failed", map[string]any{"taskId": id.String(), "error": err.Error()})
		}
	}

	p := tracker.NewTaskPoller(a.tasks, a.tasks.Quiet(), cfg)
	if err := p.Start(ctx); err != nil {
		return err
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Teardown()
		<-p.Done()
	}
	return p.Err()
}

func lastSnapshot(ctx context.Context, a *app, _ *cobra.Command, args []string) error {
	rec, err := a.store.GetSnapshot(ctx, a.cfg.API.Plugin, args[0])
	if err != nil {
		return fmt.Errorf("no stored snapshot for task %s: %w", args[0], err)
	}
	var snap tracker.Snapshot
	if err := json.Unmarshal(rec.Snapshot, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	fmt.Fprintf(os.Stdout, "Stored %s\n", rec.UpdatedAt.Format(time.RFC3339))
	printSnapshot(os.Stdout, snap, true)
	return nil
}
