// Package orchestrator implements the brain's event loop. It scans open
// events, runs at most one task per event, and drives each task through
// the reasoning engine and the agent dispatcher until the event has nothing
// left to read.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"opsbrain/pkg/dispatcher"
	"opsbrain/pkg/fanout"
	"opsbrain/pkg/journal"
	"opsbrain/pkg/protocol"
	"opsbrain/pkg/reasoning"
	"opsbrain/pkg/store"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// Dispatcher routes prompts to agents. *dispatcher.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventID string, agents []protocol.Actor, prompt string) ([]dispatcher.Outcome, error)
}

// State is the loop's run state.
type State string

// Loop states.
const (
	StateRunning State = "running"
	StatePaused  State = "paused" // after an emergency stop; scans do nothing
)

// Limits are the tunables of the loop. They can be replaced at runtime
// with SetLimits; MaxConcurrentDispatch is read once at construction.
type Limits struct {
	ScanInterval  time.Duration // Max wait on the new-event queue (default 2s).
	IdleSleep     time.Duration // Min gap between scans (default 250ms).
	StaleThinkAge time.Duration // Age after which an unanswered think is re-run (default 2m).

	MaxTurns          int           // Auto-close above this many turns (default 60).
	MaxDuration       time.Duration // Auto-close this long after the first turn (default 6h).
	MaxReasoningCalls int           // Decide calls per task (default 8).
	MaxRoutingDepth   int           // Route turns since the last user turn (default 6).

	CorrelationWindow     time.Duration // Ingest dedup window (default 10m).
	BusyRetryDelay        time.Duration // Deferral when every agent was busy (default 1m).
	StaleEventAge         time.Duration // Idle open events older than this are swept (default 24h).
	MaxConcurrentDispatch int           // Concurrent tasks (default 16).

	DecideRetries int           // Retries of a transient engine error (default 3).
	DecideBackoff store.Backoff // Delay between those retries.
}

func (l *Limits) withDefaults() Limits {
	out := *l
	if out.ScanInterval <= 0 {
		out.ScanInterval = 2 * time.Second
	}
	if out.IdleSleep <= 0 {
		out.IdleSleep = 250 * time.Millisecond
	}
	if out.StaleThinkAge <= 0 {
		out.StaleThinkAge = 2 * time.Minute
	}
	if out.MaxTurns <= 0 {
		out.MaxTurns = 60
	}
	if out.MaxDuration <= 0 {
		out.MaxDuration = 6 * time.Hour
	}
	if out.MaxReasoningCalls <= 0 {
		out.MaxReasoningCalls = 8
	}
	if out.MaxRoutingDepth <= 0 {
		out.MaxRoutingDepth = 6
	}
	if out.CorrelationWindow <= 0 {
		out.CorrelationWindow = 10 * time.Minute
	}
	if out.BusyRetryDelay <= 0 {
		out.BusyRetryDelay = time.Minute
	}
	if out.StaleEventAge <= 0 {
		out.StaleEventAge = 24 * time.Hour
	}
	if out.MaxConcurrentDispatch <= 0 {
		out.MaxConcurrentDispatch = 16
	}
	if out.DecideRetries <= 0 {
		out.DecideRetries = 3
	}
	if out.DecideBackoff == (store.Backoff{}) {
		out.DecideBackoff = store.Backoff{InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	return out
}

// Config holds Orchestrator configuration.
type Config struct {
	Limits
	MaintenanceSchedule string // cron schedule for the stale sweep (default "@every 10m").
	QueueSize           int    // new-event queue capacity (default 256).
}

// task is one running evaluation of an event.
type task struct {
	eventID   string
	cancel    context.CancelFunc
	watermark atomic.Int64 // highest turn number the task has consumed
	rescan    atomic.Bool  // inbound turn landed while running
	cancelled atomic.Bool  // emergency stop or force close
}

// Orchestrator owns the scan loop and the active task set.
type Orchestrator struct {
	store    *store.Store
	dispatch Dispatcher
	engine   reasoning.Engine
	journal  *journal.Writer
	hub      *fanout.Hub
	log      *slog.Logger

	limits   atomic.Pointer[Limits]
	schedule string
	sem      *semaphore.Weighted
	queue    chan string

	active       sync.Map // event id -> *task
	serviceLocks sync.Map // service -> *sync.Mutex

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	cron   *cron.Cron
	wg     sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an Orchestrator. It does nothing until Start is called, but
// Ingest and HandleControl work immediately.
func New(cfg Config, s *store.Store, d Dispatcher, engine reasoning.Engine, j *journal.Writer, hub *fanout.Hub, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	limits := cfg.Limits.withDefaults()
	if cfg.MaintenanceSchedule == "" {
		cfg.MaintenanceSchedule = "@every 10m"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	o := &Orchestrator{
		store:    s,
		dispatch: d,
		engine:   engine,
		journal:  j,
		hub:      hub,
		log:      log.With("component", "orchestrator"),
		schedule: cfg.MaintenanceSchedule,
		sem:      semaphore.NewWeighted(int64(limits.MaxConcurrentDispatch)),
		queue:    make(chan string, cfg.QueueSize),
		state:    StateRunning,
		nowFunc:  time.Now,
	}
	o.limits.Store(&limits)
	return o
}

// Limits returns the limits currently in force.
func (o *Orchestrator) Limits() Limits {
	return *o.limits.Load()
}

// SetLimits replaces the limits for subsequent scans and task steps.
func (o *Orchestrator) SetLimits(l Limits) {
	resolved := l.withDefaults()
	o.limits.Store(&resolved)
	o.log.Info("limits updated", "max_turns", resolved.MaxTurns, "max_duration", resolved.MaxDuration)
}

// GetState returns the current loop state.
func (o *Orchestrator) GetState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// Start runs the startup stale sweep, schedules it on cron and starts the
// scan loop. It returns once the loop is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	if n, err := o.SweepStale(runCtx); err != nil {
		o.log.Error("startup sweep", "error", err)
	} else if n > 0 {
		o.log.Info("startup sweep closed stale events", "count", n)
	}

	c := cron.New()
	if _, err := c.AddFunc(o.schedule, func() {
		if _, err := o.SweepStale(runCtx); err != nil {
			o.log.Error("scheduled sweep", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("maintenance schedule %q: %w", o.schedule, err)
	}
	c.Start()
	o.mu.Lock()
	o.cron = c
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx)
	o.log.Info("started", "schedule", o.schedule)
	return nil
}

// Stop cancels the loop and every task and waits for them to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, c := o.cancel, o.cron
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	o.wg.Wait()
}

// enqueue wakes the loop for id. A full queue is fine: the next scan finds it.
func (o *Orchestrator) enqueue(id string) {
	select {
	case o.queue <- id:
	default:
	}
}

// run is the scan loop: dequeue with a bounded wait, scan, throttle.
func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		lim := o.Limits()
		timer := time.NewTimer(lim.ScanInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-o.queue:
			timer.Stop()
			o.drainQueue()
		case <-timer.C:
		}

		o.scanOnce(ctx)

		idle := time.NewTimer(lim.IdleSleep)
		select {
		case <-ctx.Done():
			idle.Stop()
			return
		case <-idle.C:
		}
	}
}

func (o *Orchestrator) drainQueue() {
	for {
		select {
		case <-o.queue:
		default:
			return
		}
	}
}

// scanOnce walks every open event once. Events with a running task get the
// light check; the rest get a task if they need attention.
func (o *Orchestrator) scanOnce(ctx context.Context) {
	if o.GetState() != StateRunning {
		return
	}
	events, malformed, err := o.store.ListOpen(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Warn("scan failed", "error", err)
		}
		return
	}
	defer o.closeMalformed(ctx, malformed)
	lim := o.Limits()
	now := o.nowFunc()
	for _, ev := range events {
		if v, ok := o.active.Load(ev.ID); ok {
			t := v.(*task) //nolint:forcetypeassert // only *task is stored
			if hasDeliveredAfter(ev, int(t.watermark.Load())) {
				t.rescan.Store(true)
			}
			continue
		}
		if needsAttention(ev, now, lim) || tripped(ev, now, lim, 0) != "" {
			o.spawn(ctx, ev.ID)
		}
	}
}

// spawn starts a task for id unless one is already running or the
// concurrency bound is reached. It reports whether a task was started.
func (o *Orchestrator) spawn(ctx context.Context, id string) bool {
	if !o.sem.TryAcquire(1) {
		o.log.Debug("dispatch slots full", "event_id", id)
		return false
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{eventID: id, cancel: cancel}
	if _, loaded := o.active.LoadOrStore(id, t); loaded {
		cancel()
		o.sem.Release(1)
		return false
	}
	o.wg.Add(1)
	go o.runTask(taskCtx, t)
	return true
}

// ActiveTasks returns the number of running tasks.
func (o *Orchestrator) ActiveTasks() int {
	n := 0
	o.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// IsActive reports whether a task is running for the event.
func (o *Orchestrator) IsActive(eventID string) bool {
	_, ok := o.active.Load(eventID)
	return ok
}

// closeMalformed closes events whose documents cannot be read. It returns
// how many it closed.
func (o *Orchestrator) closeMalformed(ctx context.Context, ids []string) int {
	closed := 0
	for _, id := range ids {
		if o.IsActive(id) {
			continue
		}
		if o.closeEvent(ctx, id, "unreadable event document", journal.OriginError) {
			closed++
		}
	}
	return closed
}

// closeEvent funnels a close through the journal writer and logs failures.
func (o *Orchestrator) closeEvent(ctx context.Context, id, reason string, origin journal.Origin) bool {
	closed, err := o.journal.Close(ctx, id, reason, origin)
	if err != nil {
		o.log.Error("close failed", "event_id", id, "origin", origin, "error", err)
		return false
	}
	return closed
}
