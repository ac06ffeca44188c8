package orchestrator //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opsbrain/pkg/dispatcher"
	"opsbrain/pkg/fanout"
	"opsbrain/pkg/journal"
	"opsbrain/pkg/protocol"
	"opsbrain/pkg/reasoning"
	"opsbrain/pkg/store"
	"opsbrain/pkg/store/memstore"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond) // short poll inside helper is OK
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Fakes ---

// fakeDispatcher runs fn for every Dispatch call and counts calls.
type fakeDispatcher struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	fn       func(ctx context.Context, eventID string, agents []protocol.Actor, prompt string) ([]dispatcher.Outcome, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, eventID string, agents []protocol.Actor, prompt string) ([]dispatcher.Outcome, error) {
	f.calls.Add(1)
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if f.fn == nil {
		out := make([]dispatcher.Outcome, len(agents))
		for i, role := range agents {
			out[i] = dispatcher.Outcome{Role: role, Status: dispatcher.OutcomeCompleted}
		}
		return out, nil
	}
	return f.fn(ctx, eventID, agents, prompt)
}

// countingEngine counts Decide calls and delegates to fn.
type countingEngine struct {
	calls atomic.Int32
	fn    func(ev *protocol.Event, call int) (reasoning.Action, error)
}

func (e *countingEngine) Decide(_ context.Context, ev *protocol.Event) (reasoning.Action, error) {
	n := int(e.calls.Add(1))
	return e.fn(ev, n)
}

func respondEngine() *countingEngine {
	return &countingEngine{fn: func(*protocol.Event, int) (reasoning.Action, error) {
		return reasoning.Respond{Text: "ack"}, nil
	}}
}

// --- Environment ---

type testEnv struct {
	o       *Orchestrator
	store   *store.Store
	hub     *fanout.Hub
	journal *journal.Writer
	disp    *fakeDispatcher
	engine  *countingEngine
	clock   *testClock
}

func newTestEnv(t *testing.T, limits Limits, engine *countingEngine) *testEnv {
	t.Helper()
	return newTestEnvWithBackend(t, memstore.New(), limits, engine)
}

func newTestEnvWithBackend(t *testing.T, backend store.Backend, limits Limits, engine *countingEngine) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	s := store.New(backend, store.Options{MaxRetries: 20, Now: clock.Now})
	hub := fanout.New(nil)
	j := journal.NewWriter(s, nil)
	disp := &fakeDispatcher{}
	if engine == nil {
		engine = respondEngine()
	}
	if limits.DecideBackoff == (store.Backoff{}) {
		limits.DecideBackoff = store.Backoff{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	}
	o := New(Config{Limits: limits}, s, disp, engine, j, hub, nil)
	o.nowFunc = clock.Now
	return &testEnv{o: o, store: s, hub: hub, journal: j, disp: disp, engine: engine, clock: clock}
}

func (e *testEnv) ingest(t *testing.T, service string) string {
	t.Helper()
	res, err := e.o.Ingest(context.Background(), store.NewEvent{
		Service:  service,
		Source:   protocol.SourceTelemetry,
		Evidence: protocol.TextEvidence("error rate above 5%"),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return res.EventID
}

func (e *testEnv) event(t *testing.T, id string) *protocol.Event {
	t.Helper()
	ev, err := e.store.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	return ev
}

// scan runs one scan and waits for every task it started to finish.
func (e *testEnv) scan(t *testing.T) {
	t.Helper()
	e.o.scanOnce(context.Background())
	e.settle(t)
}

func (e *testEnv) settle(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool { return e.o.ActiveTasks() == 0 }, 5*time.Second)
	e.o.wg.Wait()
}

func (e *testEnv) journalEntries(t *testing.T, service string) []protocol.JournalEntry {
	t.Helper()
	entries, err := e.store.Backend().Journal(context.Background(), service)
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	return entries
}

func countTurns(ev *protocol.Event, action string) int {
	n := 0
	for _, turn := range ev.Conversation {
		if turn.Action == action {
			n++
		}
	}
	return n
}
