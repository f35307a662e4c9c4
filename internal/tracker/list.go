package tracker

import (
	"context"
	"sync"
	"time"

	"autoall/internal/api"
	"autoall/internal/logbus"
	"autoall/internal/model"
	"autoall/internal/transport"
)

type ListConfig struct {
	Options  api.ListTasksOptions
	Interval time.Duration
	OnPage   func(model.Page[model.Task])
	Bus      *logbus.Bus
}

// ListPoller refreshes a task list page, as dashboards do, until torn down.
type ListPoller struct {
	tasks TaskAPI
	poll  TaskAPI
	cfg   ListConfig

	mu       sync.Mutex
	seq      uint64
	applied  uint64
	last     model.Page[model.Task]
	started  bool
	tornDown bool
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewListPoller(tasks, poll TaskAPI, cfg ListConfig) *ListPoller {
	if poll == nil {
		poll = tasks
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &ListPoller{tasks: tasks, poll: poll, cfg: cfg, done: make(chan struct{})}
}

func (l *ListPoller) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started || l.tornDown {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	page, err := l.tasks.List(ctx, l.cfg.Options)
	if err != nil {
		l.mu.Lock()
		l.tornDown = true
		cancel()
		l.mu.Unlock()
		close(l.done)
		return err
	}
	l.offer(seq, page)
	go l.loop(runCtx)
	return nil
}

func (l *ListPoller) loop(ctx context.Context) {
	defer close(l.done)

	var ticks sync.WaitGroup
	defer ticks.Wait()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.seq++
			seq := l.seq
			l.mu.Unlock()

			ticks.Add(1)
			go func() {
				defer ticks.Done()
				page, err := l.poll.List(ctx, l.cfg.Options)
				if err != nil {
					switch {
					case ctx.Err() != nil:
					case transport.IsKind(err, transport.KindAuthExpired):
						l.halt(err)
					default:
						l.cfg.Bus.Warn("task list refresh failed", map[string]any{"seq": seq, "error": err.Error()})
					}
					return
				}
				l.offer(seq, page)
			}()
		}
	}
}

func (l *ListPoller) offer(seq uint64, page model.Page[model.Task]) {
	l.mu.Lock()
	if l.tornDown || l.err != nil || seq <= l.applied {
		l.mu.Unlock()
		return
	}
	l.applied = seq
	l.last = page
	l.mu.Unlock()
	if l.cfg.OnPage != nil {
		l.cfg.OnPage(page)
	}
}

func (l *ListPoller) Page() model.Page[model.Task] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *ListPoller) halt(err error) {
	l.mu.Lock()
	if l.tornDown || l.err != nil {
		l.mu.Unlock()
		return
	}
	l.err = err
	l.cancel()
	l.mu.Unlock()
	l.cfg.Bus.Warn("session expired, list refresh stopped", nil)
}

// Err returns the failure that halted refreshing, if any.
func (l *ListPoller) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *ListPoller) Done() <-chan struct{} { return l.done }

// Teardown is idempotent.
func (l *ListPoller) Teardown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tornDown {
		return
	}
	l.tornDown = true
	if l.cancel != nil {
		l.cancel()
	}
	if !l.started {
		l.started = true
		close(l.done)
	}
}
