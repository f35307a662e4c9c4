// Package watch runs task pollers on behalf of a long-lived process: each
// watch keeps one task fresh, publishes its snapshots on the bus, persists
// the latest one and sends a notification when the task finishes.
package watch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autoall/internal/api"
	"autoall/internal/logbus"
	"autoall/internal/model"
	"autoall/internal/notify"
	"autoall/internal/tracker"
)

var ErrNotFound = errors.New("watch not found")

// SnapshotStore persists the last snapshot of each watched task.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, plugin, taskID, status string, snapshot any) error
}

type Options struct {
	Plugin string
	// Tasks serves user actions, Poll serves scheduled ticks. Poll may be nil.
	Tasks    tracker.TaskAPI
	Poll     tracker.TaskAPI
	Interval time.Duration
	Logs     *api.LogQuery

	Store    SnapshotStore
	Notifier notify.Notifier
	Bus      *logbus.Bus
}

// Info is the externally visible state of one watch.
type Info struct {
	ID          string           `json:"id"`
	TaskID      model.ID         `json:"taskId"`
	StartedAtMs int64            `json:"startedAtMs"`
	Polling     bool             `json:"polling"`
	Status      model.TaskStatus `json:"status,omitempty"`
	Progress    int              `json:"progress"`
	Duration    string           `json:"duration,omitempty"`
	// Error is set when polling halted on a failure, e.g. an expired session.
	Error       string           `json:"error,omitempty"`
}

// SnapshotEvent is published with type logbus.TypeSnapshot.
type SnapshotEvent struct {
	WatchID  string           `json:"watchId"`
	Plugin   string           `json:"plugin"`
	Snapshot tracker.Snapshot `json:"snapshot"`
}

// LifecycleEvent is published with type logbus.TypeWatch.
type LifecycleEvent struct {
	WatchID string   `json:"watchId"`
	TaskID  model.ID `json:"taskId"`
	Event   string   `json:"event"`
}

type entry struct {
	id        string
	taskID    model.ID
	startedAt time.Time
	poller    *tracker.TaskPoller
	notified  bool
}

type Manager struct {
	opts Options

	mu      sync.Mutex
	closed  bool
	watches map[string]*entry
	byTask  map[model.ID]string
}

func New(opts Options) *Manager {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	return &Manager{
		opts:    opts,
		watches: make(map[string]*entry),
		byTask:  make(map[model.ID]string),
	}
}

// Start begins watching taskID. A task that is already watched returns the
// existing watch.
func (m *Manager) Start(ctx context.Context, taskID model.ID) (Info, error) {
	if taskID.IsZero() {
		return Info{}, errors.New("task id is required")
	}
	e := &entry{id: uuid.NewString(), taskID: taskID, startedAt: time.Now()}
	e.poller = tracker.NewTaskPoller(m.opts.Tasks, m.opts.Poll, tracker.PollerConfig{
		TaskID:   taskID,
		Interval: m.opts.Interval,
		Logs:     m.opts.Logs,
		OnSnapshot: func(s tracker.Snapshot) {
			m.onSnapshot(e, s)
		},
		Bus: m.opts.Bus,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Info{}, errors.New("watch manager is closed")
	}
	if id, ok := m.byTask[taskID]; ok {
		existing := m.watches[id]
		m.mu.Unlock()
		return existing.info(), nil
	}
	m.watches[e.id] = e
	m.byTask[taskID] = e.id
	m.mu.Unlock()

	if err := e.poller.Start(ctx); err != nil {
		m.remove(e)
		return Info{}, err
	}

	m.opts.Bus.Info("watch started", map[string]any{"watchId": e.id, "taskId": taskID.String()})
	m.opts.Bus.Publish(logbus.TypeWatch, LifecycleEvent{WatchID: e.id, TaskID: taskID, Event: "started"})
	go m.await(e)
	return e.info(), nil
}

// await reports a poller that stopped on a failure rather than on a
// terminal status or a teardown.
func (m *Manager) await(e *entry) {
	<-e.poller.Done()
	err := e.poller.Err()
	if err == nil {
		return
	}
	m.opts.Bus.Warn("watch halted", map[string]any{"watchId": e.id, "taskId": e.taskID.String(), "error": err.Error()})
	m.opts.Bus.Publish(logbus.TypeWatch, LifecycleEvent{WatchID: e.id, TaskID: e.taskID, Event: "halted"})
}

func (m *Manager) onSnapshot(e *entry, s tracker.Snapshot) {
	m.opts.Bus.Publish(logbus.TypeSnapshot, SnapshotEvent{WatchID: e.id, Plugin: m.opts.Plugin, Snapshot: s})

	if m.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.opts.Store.SaveSnapshot(ctx, m.opts.Plugin, e.taskID.String(), string(s.Task.Status), s)
		cancel()
		if err != nil {
			m.opts.Bus.Warn("saving snapshot failed", map[string]any{"taskId": e.taskID.String(), "error": err.Error()})
		}
	}

	if !s.Task.Status.Terminal() {
		return
	}
	m.mu.Lock()
	first := !e.notified
	e.notified = true
	m.mu.Unlock()
	if !first {
		return
	}
	m.opts.Bus.Publish(logbus.TypeWatch, LifecycleEvent{WatchID: e.id, TaskID: e.taskID, Event: "finished"})
	m.opts.Notifier.NotifyTaskFinished(context.Background(), notify.TaskFinishedEvent{
		At:           time.Now().UnixMilli(),
		Plugin:       m.opts.Plugin,
		TaskID:       e.taskID.String(),
		TaskType:     string(s.Task.TaskType),
		Status:       string(s.Task.Status),
		TotalCount:   s.Task.TotalCount,
		SuccessCount: s.Task.SuccessCount,
		FailedCount:  s.Task.FailedCount,
		Progress:     s.Progress,
		Duration:     s.Duration,
		Message:      s.Task.ErrorMessage,
	})
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.watches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, e.id)
	if m.byTask[e.taskID] == e.id {
		delete(m.byTask, e.taskID)
	}
}

// Get returns a watch and its latest snapshot.
func (m *Manager) Get(id string) (Info, tracker.Snapshot, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Info{}, tracker.Snapshot{}, err
	}
	snap, _ := e.poller.Snapshot()
	return e.info(), snap, nil
}

func (m *Manager) List() []Info {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.watches))
	for _, e := range m.watches {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAtMs != out[j].StartedAtMs {
			return out[i].StartedAtMs < out[j].StartedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) Cancel(ctx context.Context, id string) (Info, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	if err := e.poller.Cancel(ctx); err != nil {
		return e.info(), err
	}
	return e.info(), nil
}

func (m *Manager) Retry(ctx context.Context, id string, accountTaskIDs []model.ID) ([]model.ID, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if len(accountTaskIDs) == 0 {
		snap, _ := e.poller.Snapshot()
		accountTaskIDs = tracker.FailedIDs(snap.AccountTasks.Results)
	}
	return e.poller.Retry(ctx, accountTaskIDs)
}

// Stop tears the watch down and forgets it.
func (m *Manager) Stop(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.poller.Teardown()
	m.remove(e)
	m.opts.Bus.Publish(logbus.TypeWatch, LifecycleEvent{WatchID: e.id, TaskID: e.taskID, Event: "stopped"})
	return nil
}

// StopAll tears every watch down and waits for their pollers to exit.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.watches))
	for _, e := range m.watches {
		entries = append(entries, e)
	}
	m.watches = make(map[string]*entry)
	m.byTask = make(map[model.ID]string)
	m.mu.Unlock()

	for _, e := range entries {
		e.poller.Teardown()
	}
	for _, e := range entries {
		select {
		case <-e.poller.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(entries) > 0 {
		m.opts.Bus.Info("all watches stopped", map[string]any{"count": len(entries)})
	}
	return nil
}

func (e *entry) info() Info {
	out := Info{
		ID:          e.id,
		TaskID:      e.taskID,
		StartedAtMs: e.startedAt.UnixMilli(),
	}
	out.Polling = e.poller.Polling()
	if err := e.poller.Err(); err != nil {
		out.Error = err.Error()
	}
	if snap, ok := e.poller.Snapshot(); ok {
		out.Status = snap.Task.Status
		out.Progress = snap.Progress
		out.Duration = snap.Duration
	}
	return out
}
