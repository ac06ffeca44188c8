package dispatcher //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"opsbrain/pkg/fanout"
	"opsbrain/pkg/protocol"
	"opsbrain/pkg/store"
	"opsbrain/pkg/store/memstore"
)

// waitFor polls condition every tick until it returns true or timeout expires.
// This replaces time.Sleep in tests to provide proper synchronization.
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

// testClock is a settable time source for the store.
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

type testEnv struct {
	d     *Dispatcher
	store *store.Store
	hub   *fanout.Hub
	clock *testClock
}

func newTestDispatcher(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	s := store.New(memstore.New(), store.Options{MaxRetries: 20, Now: clock.Now})
	hub := fanout.New(nil)

	// Use short path for UDS; macOS limits to 104 chars.
	cfg.SocketPath = fmt.Sprintf("/tmp/opsbrain-test-%d.sock", time.Now().UnixNano())
	t.Cleanup(func() { _ = os.Remove(cfg.SocketPath) })
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 5 * time.Second
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 5 * time.Second
	}
	return &testEnv{d: New(cfg, s, hub, nil), store: s, hub: hub, clock: clock}
}

// startDispatcher starts the dispatcher in the background and returns a cancel func.
func startDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.listener != nil
	}, 2*time.Second)

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
		}
	})
	return cancel
}

func (e *testEnv) newEvent(t *testing.T) *protocol.Event {
	t.Helper()
	ev, err := e.store.CreateEvent(context.Background(), store.NewEvent{
		Service:  "inventory",
		Source:   protocol.SourceTelemetry,
		Evidence: protocol.TextEvidence("queue depth climbing"),
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return ev
}

func (e *testEnv) event(t *testing.T, id string) *protocol.Event {
	t.Helper()
	ev, err := e.store.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	return ev
}

// fakeAgent is a scripted agent connection.
type fakeAgent struct {
	t      *testing.T
	id     string
	role   protocol.Actor
	conn   net.Conn
	reader *bufio.Reader
}

func dialAgent(t *testing.T, socketPath, id string, role protocol.Actor) *fakeAgent {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("connect to dispatcher: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	a := &fakeAgent{t: t, id: id, role: role, conn: conn, reader: bufio.NewReader(conn)}
	a.send(protocol.Message{Type: protocol.MsgRegister, Register: &protocol.RegisterPayload{AgentID: id, Role: role}})
	return a
}

// connectAgent dials, registers and waits until the dispatcher tracks the agent.
func (e *testEnv) connectAgent(t *testing.T, id string, role protocol.Actor) *fakeAgent {
	t.Helper()
	a := dialAgent(t, e.d.cfg.SocketPath, id, role)
	waitFor(t, func() bool {
		e.d.mu.Lock()
		defer e.d.mu.Unlock()
		ag, ok := e.d.agents[id]
		return ok && !ag.disconnected
	}, 2*time.Second)
	return a
}

func (a *fakeAgent) send(msg protocol.Message) {
	a.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		a.t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := a.conn.Write(data); err != nil {
		a.t.Fatalf("write: %v", err)
	}
}

func (a *fakeAgent) read(timeout time.Duration) (protocol.Message, bool) {
	a.t.Helper()
	_ = a.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := a.reader.ReadBytes('\n')
	if err != nil {
		return protocol.Message{}, false
	}
	var msg protocol.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		a.t.Fatalf("unmarshal: %v", err)
	}
	return msg, true
}

func (a *fakeAgent) expect(typ protocol.MessageType) protocol.Message {
	a.t.Helper()
	msg, ok := a.read(2 * time.Second)
	if !ok {
		a.t.Fatalf("agent %s: no %s message", a.id, typ)
	}
	if msg.Type != typ {
		a.t.Fatalf("agent %s: got %s, want %s", a.id, msg.Type, typ)
	}
	return msg
}

func (a *fakeAgent) progress(eventID, text string) {
	a.send(protocol.Message{Type: protocol.MsgProgress, Progress: &protocol.ProgressPayload{EventID: eventID, Actor: a.role, Message: text}})
}

func (a *fakeAgent) result(eventID, text string) {
	a.send(protocol.Message{Type: protocol.MsgResult, Result: &protocol.ResultPayload{EventID: eventID, Actor: a.role, Result: text}})
}

// dispatchAsync runs Dispatch in the background.
func (e *testEnv) dispatchAsync(ctx context.Context, eventID string, roles ...protocol.Actor) <-chan []Outcome {
	ch := make(chan []Outcome, 1)
	go func() {
		out, _ := e.d.Dispatch(ctx, eventID, roles, "look into it")
		ch <- out
	}()
	return ch
}

func awaitOutcomes(t *testing.T, ch <-chan []Outcome) []Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("Dispatch did not return")
		return nil
	}
}
