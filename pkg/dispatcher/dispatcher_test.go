package dispatcher //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"opsbrain/pkg/protocol"
)

func TestSocketPermissions(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	startDispatcher(t, env.d)

	info, err := os.Stat(env.d.cfg.SocketPath)
	if err != nil {
		t.Fatalf("socket file does not exist: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("socket permissions = %#o, want %#o", mode, 0o600)
	}
}

func TestRegister_RejectsNonAgentRole(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	startDispatcher(t, env.d)

	a := dialAgent(t, env.d.cfg.SocketPath, "impostor", protocol.ActorBrain)
	if _, ok := a.read(500 * time.Millisecond); ok {
		t.Fatal("expected connection to be closed")
	}
	if env.d.ConnectedAgents() != 0 {
		t.Errorf("connected agents = %d, want 0", env.d.ConnectedAgents())
	}
}

// An architect streams three progress lines and then a result: the routing
// turn is delivered exactly once (first progress) and one result turn lands.
func TestDispatch_ProgressThenResult(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)
	agent := env.connectAgent(t, "arch-1", protocol.ActorArchitect)

	done := env.dispatchAsync(context.Background(), ev.ID, protocol.ActorArchitect)
	task := agent.expect(protocol.MsgTask).Task
	if task.EventID != ev.ID || task.Role != protocol.ActorArchitect {
		t.Fatalf("task = %+v", task)
	}

	firstProgressAt := env.clock.Now()
	agent.progress(ev.ID, "reading dashboards")
	waitFor(t, func() bool {
		route, _ := env.event(t, ev.ID).TurnByNumber(task.Turn)
		return route.Status == protocol.TurnDelivered
	}, 2*time.Second)

	env.clock.Advance(time.Minute)
	agent.progress(ev.ID, "found slow query")
	agent.progress(ev.ID, "drafting plan")
	agent.result(ev.ID, "add index on orders.sku")

	out := awaitOutcomes(t, done)
	if len(out) != 1 || out[0].Status != OutcomeCompleted || out[0].AgentID != "arch-1" {
		t.Fatalf("outcomes = %+v", out)
	}

	got := env.event(t, ev.ID)
	route, _ := got.TurnByNumber(task.Turn)
	if route.Status != protocol.TurnEvaluated {
		t.Errorf("route status = %s, want evaluated", route.Status)
	}
	if at := route.StatusAt[protocol.TurnDelivered]; !at.Equal(firstProgressAt) {
		t.Errorf("delivered at %v, want first progress time %v", at, firstProgressAt)
	}
	results := 0
	for _, turn := range got.Conversation {
		if turn.Actor == protocol.ActorArchitect && turn.Action == protocol.ActionResult {
			results++
			if turn.Status != protocol.TurnDelivered {
				t.Errorf("result turn status = %s, want delivered", turn.Status)
			}
		}
	}
	if results != 1 {
		t.Errorf("result turns = %d, want 1", results)
	}
	if agents := env.d.Agents(); agents[0].Busy {
		t.Error("agent still busy after result")
	}
}

func TestDispatch_NoAgentRecordsBusy(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)

	out, err := env.d.Dispatch(context.Background(), ev.ID, []protocol.Actor{protocol.ActorSysadmin}, "restart")
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Status != OutcomeUnavailable || !AllBusy(out) {
		t.Fatalf("outcomes = %+v", out)
	}

	got := env.event(t, ev.ID)
	route, _ := got.TurnByNumber(out[0].RouteTurn)
	if route.Status != protocol.TurnSent {
		t.Errorf("route status = %s, want sent", route.Status)
	}
	busy := got.LastTurn()
	if busy.Action != protocol.ActionBusy || busy.Status != protocol.TurnEvaluated {
		t.Errorf("last turn = %s/%s, want busy/evaluated", busy.Action, busy.Status)
	}
}

func TestDispatch_BusyReply(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)
	agent := env.connectAgent(t, "sys-1", protocol.ActorSysadmin)

	done := env.dispatchAsync(context.Background(), ev.ID, protocol.ActorSysadmin)
	task := agent.expect(protocol.MsgTask).Task
	agent.send(protocol.Message{Type: protocol.MsgBusy, Busy: &protocol.BusyPayload{EventID: ev.ID, Actor: protocol.ActorSysadmin}})

	out := awaitOutcomes(t, done)
	if out[0].Status != OutcomeBusy {
		t.Fatalf("outcome = %+v", out[0])
	}
	route, _ := env.event(t, ev.ID).TurnByNumber(task.Turn)
	if route.Status != protocol.TurnSent {
		t.Errorf("route status = %s, want sent", route.Status)
	}
}

func TestDispatch_OneTaskPerEventAndRole(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)
	agent := env.connectAgent(t, "dev-1", protocol.ActorDeveloper)
	env.connectAgent(t, "dev-2", protocol.ActorDeveloper)

	first := env.dispatchAsync(context.Background(), ev.ID, protocol.ActorDeveloper)
	agent.expect(protocol.MsgTask)

	second, err := env.d.Dispatch(context.Background(), ev.ID, []protocol.Actor{protocol.ActorDeveloper}, "again")
	if err != nil {
		t.Fatal(err)
	}
	if second[0].Status != OutcomeUnavailable {
		t.Errorf("second dispatch = %+v, want unavailable", second[0])
	}

	agent.result(ev.ID, "patched")
	if out := awaitOutcomes(t, first); out[0].Status != OutcomeCompleted {
		t.Errorf("first dispatch = %+v", out[0])
	}
}

func TestDispatch_TimeoutCancelsAgent(t *testing.T) {
	env := newTestDispatcher(t, Config{TaskTimeout: 150 * time.Millisecond})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)
	agent := env.connectAgent(t, "sys-1", protocol.ActorSysadmin)

	done := env.dispatchAsync(context.Background(), ev.ID, protocol.ActorSysadmin)
	task := agent.expect(protocol.MsgTask).Task
	cancel := agent.expect(protocol.MsgCancel).Cancel
	if cancel.EventID != ev.ID {
		t.Errorf("cancel = %+v", cancel)
	}

	out := awaitOutcomes(t, done)
	if out[0].Status != OutcomeTimeout || out[0].ResultTurn == 0 {
		t.Fatalf("outcome = %+v", out[0])
	}
	got := env.event(t, ev.ID)
	route, _ := got.TurnByNumber(task.Turn)
	errTurn, _ := got.TurnByNumber(out[0].ResultTurn)
	if route.Status != protocol.TurnEvaluated {
		t.Errorf("route status = %s, want evaluated", route.Status)
	}
	if errTurn.Action != protocol.ActionError || errTurn.Status != protocol.TurnDelivered {
		t.Errorf("error turn = %s/%s", errTurn.Action, errTurn.Status)
	}
}

func TestDispatch_ContextCancel(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)
	agent := env.connectAgent(t, "arch-1", protocol.ActorArchitect)

	ctx, cancel := context.WithCancel(context.Background())
	done := env.dispatchAsync(ctx, ev.ID, protocol.ActorArchitect)
	agent.expect(protocol.MsgTask)
	cancel()

	agent.expect(protocol.MsgCancel)
	out := awaitOutcomes(t, done)
	if out[0].Status != OutcomeCancelled {
		t.Fatalf("outcome = %+v", out[0])
	}
	if env.d.Agents()[0].Busy {
		t.Error("agent should be released after cancel")
	}
}

func TestDispatch_DisconnectWithoutReturnFails(t *testing.T) {
	env := newTestDispatcher(t, Config{DisconnectGrace: 100 * time.Millisecond})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)
	agent := env.connectAgent(t, "sys-1", protocol.ActorSysadmin)

	done := env.dispatchAsync(context.Background(), ev.ID, protocol.ActorSysadmin)
	agent.expect(protocol.MsgTask)
	_ = agent.conn.Close()

	out := awaitOutcomes(t, done)
	if out[0].Status != OutcomeFailed || out[0].ResultTurn == 0 {
		t.Fatalf("outcome = %+v", out[0])
	}
	waitFor(t, func() bool { return env.d.ConnectedAgents() == 0 }, time.Second)
}

func TestDispatch_ReconnectWithinGraceKeepsTask(t *testing.T) {
	env := newTestDispatcher(t, Config{DisconnectGrace: 2 * time.Second})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)
	agent := env.connectAgent(t, "sys-1", protocol.ActorSysadmin)

	done := env.dispatchAsync(context.Background(), ev.ID, protocol.ActorSysadmin)
	agent.expect(protocol.MsgTask)
	_ = agent.conn.Close()
	waitFor(t, func() bool {
		env.d.mu.Lock()
		defer env.d.mu.Unlock()
		return env.d.agents["sys-1"].disconnected
	}, time.Second)

	back := env.connectAgent(t, "sys-1", protocol.ActorSysadmin)
	back.result(ev.ID, "service restarted")

	out := awaitOutcomes(t, done)
	if out[0].Status != OutcomeCompleted {
		t.Fatalf("outcome = %+v", out[0])
	}
}

func TestDispatch_ParallelRoles(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)
	arch := env.connectAgent(t, "arch-1", protocol.ActorArchitect)
	sys := env.connectAgent(t, "sys-1", protocol.ActorSysadmin)

	done := env.dispatchAsync(context.Background(), ev.ID, protocol.ActorArchitect, protocol.ActorSysadmin)
	arch.expect(protocol.MsgTask)
	sys.expect(protocol.MsgTask)
	sys.result(ev.ID, "disk cleaned")
	arch.send(protocol.Message{Type: protocol.MsgResult, Result: &protocol.ResultPayload{EventID: ev.ID, Error: "no access to metrics"}})

	out := awaitOutcomes(t, done)
	if out[0].Role != protocol.ActorArchitect || out[0].Status != OutcomeFailed {
		t.Errorf("architect outcome = %+v", out[0])
	}
	if out[1].Role != protocol.ActorSysadmin || out[1].Status != OutcomeCompleted {
		t.Errorf("sysadmin outcome = %+v", out[1])
	}
	if AllBusy(out) {
		t.Error("AllBusy should be false when agents answered")
	}
}

type stubControl struct {
	mu  sync.Mutex
	got protocol.ControlRequest
}

func (s *stubControl) HandleControl(_ context.Context, req protocol.ControlRequest) protocol.ControlResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = req
	return protocol.ControlResponse{OK: true, Detail: "handled"}
}

func (s *stubControl) last() protocol.ControlRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got
}

func sendControl(t *testing.T, socketPath string, req protocol.ControlRequest) protocol.ControlResponse {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	a := &fakeAgent{t: t, id: "operator", conn: conn, reader: bufio.NewReader(conn)}
	a.send(protocol.Message{Type: protocol.MsgControl, Control: &req})
	return *a.expect(protocol.MsgACK).ACK
}

func TestControl_DelegatesAndListsAgents(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	stub := &stubControl{}
	env.d.SetControlHandler(stub)
	startDispatcher(t, env.d)
	env.connectAgent(t, "aligner-1", protocol.ActorAligner)

	resp := sendControl(t, env.d.cfg.SocketPath, protocol.ControlRequest{Op: protocol.OpForceClose, EventID: "e9", Text: "dup"})
	if !resp.OK || stub.last().EventID != "e9" {
		t.Errorf("force_close: resp=%+v got=%+v", resp, stub.last())
	}

	resp = sendControl(t, env.d.cfg.SocketPath, protocol.ControlRequest{Op: protocol.OpListAgents})
	var agents []protocol.AgentConnection
	if err := json.Unmarshal(resp.Data, &agents); err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].Role != protocol.ActorAligner {
		t.Errorf("agents = %+v", agents)
	}

	resp = sendControl(t, env.d.cfg.SocketPath, protocol.ControlRequest{Op: "reboot"})
	if resp.OK {
		t.Error("unknown op should be rejected")
	}
}

func TestSubscribe_StreamsProgress(t *testing.T) {
	env := newTestDispatcher(t, Config{})
	startDispatcher(t, env.d)
	ev := env.newEvent(t)

	conn, err := net.Dial("unix", env.d.cfg.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	observer := &fakeAgent{t: t, id: "observer", conn: conn, reader: bufio.NewReader(conn)}
	observer.send(protocol.Message{Type: protocol.MsgSubscribe})
	observer.expect(protocol.MsgACK)
	waitFor(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second)

	agent := env.connectAgent(t, "arch-1", protocol.ActorArchitect)
	done := env.dispatchAsync(context.Background(), ev.ID, protocol.ActorArchitect)
	agent.expect(protocol.MsgTask)
	agent.progress(ev.ID, "checking replicas")

	msg := observer.expect(protocol.MsgProgress)
	if msg.Progress.Message != "checking replicas" || msg.Progress.Actor != protocol.ActorArchitect {
		t.Errorf("progress = %+v", msg.Progress)
	}
	agent.result(ev.ID, "replicas healthy")
	awaitOutcomes(t, done)
}

func TestHeartbeatTimeoutDropsIdleAgent(t *testing.T) {
	env := newTestDispatcher(t, Config{HeartbeatTimeout: 150 * time.Millisecond})
	startDispatcher(t, env.d)
	env.connectAgent(t, "quiet", protocol.ActorAligner)

	waitFor(t, func() bool { return env.d.ConnectedAgents() == 0 }, 2*time.Second)
}
