package tracker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"autoall/internal/api"
	"autoall/internal/logbus"
	"autoall/internal/model"
	"autoall/internal/transport"
)

// Snapshot is everything a detail view shows for one task at one instant.
type Snapshot struct {
	Seq          uint64                          `json:"seq"`
	Task         model.Task                      `json:"task"`
	AccountTasks model.Page[model.AccountTask]   `json:"accountTasks"`
	Logs         *model.Page[model.TaskLogEntry] `json:"logs,omitempty"`
	Progress     int                             `json:"progress"`
	Duration     string                          `json:"duration"`
	FetchedAt    time.Time                       `json:"fetchedAt"`
}

type PollerConfig struct {
	TaskID   model.ID
	Interval time.Duration
	Filter   api.AccountTaskFilter
	// Logs enables log polling when non-nil.
	Logs *api.LogQuery
	// Once loads the first snapshot and schedules no ticks. Cancel and
	// Retry still work on the loaded snapshot.
	Once bool

	// OnSnapshot receives every applied snapshot in sequence order. It may
	// call Teardown but must not call Cancel or Retry.
	OnSnapshot func(Snapshot)
	// ShouldStop decides when polling ends. Defaults to terminal status.
	ShouldStop func(model.TaskStatus) bool

	Bus *logbus.Bus
	Now func() time.Time
}

// TaskPoller keeps one task's snapshot fresh while the task is live.
//
// Ticks run independently: a slow tick never delays the next one. Each
// tick carries a sequence number and a response older than the last applied
// one is discarded. Failed ticks are logged and polling carries on at the
// same cadence, except that an expired session halts polling.
type TaskPoller struct {
	tasks TaskAPI
	poll  TaskAPI
	cfg   PollerConfig

	mu        sync.Mutex
	seq       uint64
	applied   uint64
	last      Snapshot
	loaded    bool
	stopped   bool
	tornDown  bool
	started   bool
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
	deliverMu sync.Mutex
	delivered uint64
}

// NewTaskPoller builds a poller. tasks serves user-initiated calls whose
// failures reach the user; poll serves scheduled ticks and should be a quiet
// view of the same API. poll may be nil to reuse tasks.
func NewTaskPoller(tasks, poll TaskAPI, cfg PollerConfig) *TaskPoller {
	if poll == nil {
		poll = tasks
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ShouldStop == nil {
		cfg.ShouldStop = model.TaskStatus.Terminal
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TaskPoller{
		tasks: tasks,
		poll:  poll,
		cfg:   cfg,
		done:  make(chan struct{}),
	}
}

func (p *TaskPoller) TaskID() model.ID { return p.cfg.TaskID }

// Start loads the first snapshot, fetching task, sub-tasks and logs
// concurrently, then schedules ticks unless the task is already finished.
// The returned error is the first failed mount fetch.
func (p *TaskPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.tornDown {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	seq := p.nextSeqLocked()
	p.mu.Unlock()

	snap, err := p.fetch(ctx, p.tasks, seq)
	if err != nil {
		p.mu.Lock()
		p.tornDown = true
		p.stopLocked()
		p.mu.Unlock()
		close(p.done)
		return err
	}
	p.offer(snap, false)

	p.mu.Lock()
	if p.cfg.Once && !p.stopped {
		p.stopLocked()
	}
	finished := p.stopped || p.tornDown
	p.mu.Unlock()
	if finished {
		close(p.done)
		return nil
	}
	go p.loop(runCtx)
	return nil
}

func (p *TaskPoller) loop(ctx context.Context) {
	defer close(p.done)

	var ticks sync.WaitGroup
	defer ticks.Wait()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.stopped {
				p.mu.Unlock()
				return
			}
			seq := p.nextSeqLocked()
			p.mu.Unlock()

			ticks.Add(1)
			go func() {
				defer ticks.Done()
				p.tick(ctx, seq)
			}()
		}
	}
}

func (p *TaskPoller) tick(ctx context.Context, seq uint64) {
	snap, err := p.fetch(ctx, p.poll, seq)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if transport.IsKind(err, transport.KindAuthExpired) {
			p.halt(err)
			return
		}
		p.cfg.Bus.Warn("poll tick failed", map[string]any{
			"taskId": p.cfg.TaskID.String(),
			"seq":    seq,
			"error":  err.Error(),
		})
		return
	}
	p.offer(snap, true)
}

// halt stops polling for good after a tick failure that retrying cannot fix.
func (p *TaskPoller) halt(err error) {
	p.mu.Lock()
	if p.stopped || p.tornDown {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.stopLocked()
	p.mu.Unlock()
	p.cfg.Bus.Warn("session expired, polling stopped", map[string]any{
		"taskId": p.cfg.TaskID.String(),
	})
}

func (p *TaskPoller) fetch(ctx context.Context, tasks TaskAPI, seq uint64) (Snapshot, error) {
	snap := Snapshot{Seq: seq}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		task, err := tasks.Get(gctx, p.cfg.TaskID)
		snap.Task = task
		return err
	})
	g.Go(func() error {
		page, err := tasks.ListAccountTasks(gctx, p.cfg.TaskID, p.cfg.Filter)
		snap.AccountTasks = page
		return err
	})
	if p.cfg.Logs != nil {
		q := *p.cfg.Logs
		g.Go(func() error {
			logs, err := tasks.Log(gctx, p.cfg.TaskID, q)
			snap.Logs = &logs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	p.decorate(&snap)
	return snap, nil
}

func (p *TaskPoller) decorate(snap *Snapshot) {
	now := p.cfg.Now()
	snap.FetchedAt = now
	snap.Progress = Percent(snap.Task)
	snap.Duration = Duration(snap.Task, now)
}

// offer applies snap if it is the freshest known state and hands it to
// OnSnapshot. Tick results are dropped once polling stopped; results of user
// actions are only dropped after teardown.
func (p *TaskPoller) offer(snap Snapshot, fromTick bool) bool {
	p.mu.Lock()
	if p.tornDown || (fromTick && p.stopped) || snap.Seq <= p.applied {
		p.mu.Unlock()
		return false
	}
	if p.loaded && !p.last.Task.Status.CanTransition(snap.Task.Status) {
		prev := p.last.Task.Status
		p.mu.Unlock()
		p.cfg.Bus.Warn("ignoring status regression", map[string]any{
			"taskId": p.cfg.TaskID.String(),
			"from":   string(prev),
			"to":     string(snap.Task.Status),
		})
		return false
	}
	p.applied = snap.Seq
	p.last = snap
	p.loaded = true
	if !p.stopped && p.cfg.ShouldStop(snap.Task.Status) {
		p.stopLocked()
		p.cfg.Bus.Info("task finished, polling stopped", map[string]any{
			"taskId": p.cfg.TaskID.String(),
			"status": string(snap.Task.Status),
		})
	}
	p.mu.Unlock()

	p.deliver(snap)
	return true
}

func (p *TaskPoller) deliver(snap Snapshot) {
	if p.cfg.OnSnapshot == nil {
		return
	}
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	p.mu.Lock()
	skip := p.tornDown || snap.Seq <= p.delivered
	if !skip {
		p.delivered = snap.Seq
	}
	p.mu.Unlock()
	if skip {
		return
	}
	p.cfg.OnSnapshot(snap)
}

func (p *TaskPoller) nextSeqLocked() uint64 {
	p.seq++
	return p.seq
}

func (p *TaskPoller) stopLocked() {
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
}

// Snapshot returns the last applied snapshot.
func (p *TaskPoller) Snapshot() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.loaded
}

// Polling reports whether ticks are still scheduled.
func (p *TaskPoller) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// Err returns the failure that halted polling, or nil when polling ended
// normally or is still running.
func (p *TaskPoller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once the tick loop and its in-flight ticks have exited.
func (p *TaskPoller) Done() <-chan struct{} { return p.done }

// Teardown stops polling. Once it returns no tick is scheduled and only a
// delivery already under way may still reach OnSnapshot. It is safe to call
// more than once and from within OnSnapshot.
func (p *TaskPoller) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tornDown {
		return
	}
	p.tornDown = true
	p.stopLocked()
	if !p.started {
		p.started = true
		close(p.done)
	}
}

// Cancel asks the server to cancel a running task and then re-reads the
// task. The local status is never changed optimistically.
func (p *TaskPoller) Cancel(ctx context.Context) error {
	p.mu.Lock()
	last, loaded := p.last, p.loaded
	p.mu.Unlock()
	if !loaded {
		return ErrNotStarted
	}
	if last.Task.Status != model.TaskRunning {
		return ErrNotRunning
	}
	if err := p.tasks.Cancel(ctx, p.cfg.TaskID); err != nil {
		return err
	}
	return p.refreshTask(ctx)
}

func (p *TaskPoller) refreshTask(ctx context.Context) error {
	p.mu.Lock()
	seq := p.nextSeqLocked()
	p.mu.Unlock()

	task, err := p.tasks.Get(ctx, p.cfg.TaskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	snap := p.last
	p.mu.Unlock()
	snap.Seq = seq
	snap.Task = task
	p.decorate(&snap)
	p.offer(snap, false)
	return nil
}

// Retry resubmits the failed sub-tasks among accountTaskIDs and re-reads the
// sub-task page. Ids that are unknown or not failed in the current snapshot
// are skipped. It returns the sub-task ids that were resubmitted.
func (p *TaskPoller) Retry(ctx context.Context, accountTaskIDs []model.ID) ([]model.ID, error) {
	p.mu.Lock()
	last, loaded := p.last, p.loaded
	p.mu.Unlock()
	if !loaded {
		return nil, ErrNotStarted
	}

	selected, accounts := RetryTargets(last.AccountTasks.Results, accountTaskIDs)
	if len(selected) == 0 {
		return nil, ErrNothingToRetry
	}
	if err := p.tasks.Retry(ctx, p.cfg.TaskID, accounts); err != nil {
		return nil, err
	}

	p.mu.Lock()
	seq := p.nextSeqLocked()
	p.mu.Unlock()
	page, err := p.tasks.ListAccountTasks(ctx, p.cfg.TaskID, p.cfg.Filter)
	if err != nil {
		return selected, err
	}
	p.mu.Lock()
	snap := p.last
	p.mu.Unlock()
	snap.Seq = seq
	snap.AccountTasks = page
	p.decorate(&snap)
	p.offer(snap, false)
	return selected, nil
}

// RetryTargets picks the failed sub-tasks named by ids and returns their ids
// together with the account ids the retry endpoint expects.
func RetryTargets(items []model.AccountTask, ids []model.ID) (selected, accounts []model.ID) {
	want := make(map[model.ID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, it := range items {
		if _, ok := want[it.ID]; !ok || !it.Status.Retryable() {
			continue
		}
		selected = append(selected, it.ID)
		account := it.AccountID
		if account.IsZero() {
			account = it.ID
		}
		accounts = append(accounts, account)
	}
	return selected, accounts
}

// FailedIDs lists the ids of failed sub-tasks, i.e. everything retryable.
func FailedIDs(items []model.AccountTask) []model.ID {
	var out []model.ID
	for _, it := range items {
		if it.Status.Retryable() {
			out = append(out, it.ID)
		}
	}
	return out
}
