package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoall/internal/api"
	"autoall/internal/logbus"
	"autoall/internal/model"
	"autoall/internal/notify"
	"autoall/internal/tracker"
	"autoall/internal/transport"
)

type fakeTasks struct {
	mu      sync.Mutex
	task    model.Task
	getErr  error
	subs    []model.AccountTask
	retried [][]model.ID
}

func (f *fakeTasks) set(t model.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task = t
}

func (f *fakeTasks) Create(context.Context, api.CreateTaskRequest) (model.Task, error) {
	return model.Task{}, errors.New("not used")
}

func (f *fakeTasks) List(context.Context, api.ListTasksOptions) (model.Page[model.Task], error) {
	return model.Page[model.Task]{}, nil
}

func (f *fakeTasks) Get(_ context.Context, id model.ID) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.task
	t.ID = id
	return t, f.getErr
}

func (f *fakeTasks) Cancel(context.Context, model.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task.Status = model.TaskCancelled
	return nil
}

func (f *fakeTasks) ListAccountTasks(context.Context, model.ID, api.AccountTaskFilter) (model.Page[model.AccountTask], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Page[model.AccountTask]{Count: len(f.subs), Results: append([]model.AccountTask(nil), f.subs...)}, nil
}

func (f *fakeTasks) Retry(_ context.Context, _ model.ID, accountIDs []model.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, accountIDs)
	return nil
}

func (f *fakeTasks) Log(context.Context, model.ID, api.LogQuery) (model.Page[model.TaskLogEntry], error) {
	return model.Page[model.TaskLogEntry]{}, nil
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]string
}

func (s *memStore) SaveSnapshot(_ context.Context, plugin, taskID, status string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]string)
	}
	s.saved[plugin+"/"+taskID] = status
	return nil
}

func (s *memStore) status(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[key]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.TaskFinishedEvent
}

func (n *recordingNotifier) NotifyTaskFinished(_ context.Context, evt notify.TaskFinishedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) all() []notify.TaskFinishedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.TaskFinishedEvent(nil), n.events...)
}

func newManager(tasks *fakeTasks) (*Manager, *memStore, *recordingNotifier, *logbus.Bus) {
	store := &memStore{}
	notifier := &recordingNotifier{}
	bus := logbus.New(200)
	m := New(Options{
		Plugin:   "google",
		Tasks:    tasks,
		Interval: 5 * time.Millisecond,
		Store:    store,
		Notifier: notifier,
		Bus:      bus,
	})
	return m, store, notifier, bus
}

func busTypes(bus *logbus.Bus) map[string]int {
	out := make(map[string]int)
	for _, msg := range bus.Snapshot() {
		out[msg.Type]++
	}
	return out
}

func TestWatchFollowsTaskToCompletion(t *testing.T) {
	tasks := &fakeTasks{task: model.Task{Status: model.TaskRunning, TotalCount: 2}}
	m, store, notifier, bus := newManager(tasks)
	defer m.StopAll(context.Background())

	info, err := m.Start(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, info.Polling)
	assert.Equal(t, model.TaskRunning, info.Status)
	assert.Equal(t, "running", store.status("google/42"))

	again, err := m.Start(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID)
	assert.Len(t, m.List(), 1)

	tasks.set(model.Task{Status: model.TaskCompleted, TotalCount: 2, SuccessCount: 1, FailedCount: 1, TaskType: model.TaskTypeVerify})
	require.Eventually(t, func() bool { return len(notifier.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	evt := notifier.all()[0]
	assert.Equal(t, "42", evt.TaskID)
	assert.Equal(t, "completed", evt.Status)
	assert.Equal(t, "verify", evt.TaskType)
	assert.Equal(t, 100, evt.Progress)
	assert.Equal(t, "completed", store.status("google/42"))

	got, snap, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, snap.Task.Status)
	require.Eventually(t, func() bool {
		got, _, _ = m.Get(info.ID)
		return !got.Polling
	}, time.Second, 5*time.Millisecond)

	types := busTypes(bus)
	assert.GreaterOrEqual(t, types[logbus.TypeSnapshot], 2)
	assert.Equal(t, 2, types[logbus.TypeWatch])

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, notifier.all(), 1)
}

func TestWatchCancelAndRetry(t *testing.T) {
	tasks := &fakeTasks{
		task: model.Task{Status: model.TaskRunning, TotalCount: 3, FailedCount: 2},
		subs: []model.AccountTask{
			{ID: "s1", AccountID: "1", Status: model.AccountTaskFailed},
			{ID: "s2", AccountID: "2", Status: model.AccountTaskCompleted},
			{ID: "s3", AccountID: "3", Status: model.AccountTaskFailed},
		},
	}
	m, _, notifier, _ := newManager(tasks)
	m.opts.Interval = time.Hour
	defer m.StopAll(context.Background())

	info, err := m.Start(context.Background(), "9")
	require.NoError(t, err)

	retried, err := m.Retry(context.Background(), info.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.ID{"s1", "s3"}, retried)
	assert.Equal(t, [][]model.ID{{"1", "3"}}, tasks.retried)

	_, err = m.Retry(context.Background(), info.ID, []model.ID{"s2"})
	assert.ErrorIs(t, err, tracker.ErrNothingToRetry)

	after, err := m.Cancel(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, after.Status)
	assert.False(t, after.Polling)
	require.Len(t, notifier.all(), 1)

	_, err = m.Cancel(context.Background(), info.ID)
	assert.ErrorIs(t, err, tracker.ErrNotRunning)
}

func TestWatchStop(t *testing.T) {
	tasks := &fakeTasks{task: model.Task{Status: model.TaskPending}}
	m, _, _, bus := newManager(tasks)

	info, err := m.Start(context.Background(), "5")
	require.NoError(t, err)
	require.NoError(t, m.Stop(info.ID))
	assert.ErrorIs(t, m.Stop(info.ID), ErrNotFound)
	_, _, err = m.Get(info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.List())

	second, err := m.Start(context.Background(), "5")
	require.NoError(t, err)
	assert.NotEqual(t, info.ID, second.ID)

	require.NoError(t, m.StopAll(context.Background()))
	assert.Empty(t, m.List())
	_, err = m.Start(context.Background(), "6")
	assert.Error(t, err)
	assert.Equal(t, 3, busTypes(bus)[logbus.TypeWatch])
}

func TestWatchStartFailureIsForgotten(t *testing.T) {
	tasks := &fakeTasks{getErr: errors.New("not found")}
	m, store, _, _ := newManager(tasks)

	_, err := m.Start(context.Background(), "404")
	require.Error(t, err)
	assert.Empty(t, m.List())
	assert.Empty(t, store.status("google/404"))

	_, err = m.Start(context.Background(), "")
	assert.Error(t, err)
}

func TestWatchHaltsWhenSessionExpires(t *testing.T) {
	tasks := &fakeTasks{task: model.Task{Status: model.TaskRunning, TotalCount: 2}}
	m, _, notifier, bus := newManager(tasks)
	info, err := m.Start(context.Background(), "42")
	require.NoError(t, err)

	tasks.mu.Lock()
	tasks.getErr = &transport.APIError{Kind: transport.KindAuthExpired, Status: 401}
	tasks.mu.Unlock()

	require.Eventually(t, func() bool {
		for _, msg := range bus.Snapshot() {
			if evt, ok := msg.Data.(LifecycleEvent); ok && evt.Event == "halted" {
				return evt.WatchID == info.ID
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	got, _, err := m.Get(info.ID)
	require.NoError(t, err)
	assert.False(t, got.Polling)
	assert.NotEmpty(t, got.Error)
	assert.Empty(t, notifier.all())
	require.NoError(t, m.StopAll(context.Background()))
}
