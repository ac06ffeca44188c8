package orchestrator //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"opsbrain/pkg/dispatcher"
	"opsbrain/pkg/protocol"
	"opsbrain/pkg/reasoning"
	"opsbrain/pkg/store"
)

func TestTask_LeavesNoDeliveredTurns(t *testing.T) {
	engine := &countingEngine{fn: func(_ *protocol.Event, call int) (reasoning.Action, error) {
		if call == 1 {
			return reasoning.Dispatch{Agents: []protocol.Actor{protocol.ActorArchitect}, Prompt: "investigate"}, nil
		}
		return reasoning.Respond{Text: "architect says it is fine"}, nil
	}}
	env := newTestEnv(t, Limits{}, engine)
	env.disp.fn = func(ctx context.Context, eventID string, agents []protocol.Actor, _ string) ([]dispatcher.Outcome, error) {
		turn, err := env.store.AppendInbound(ctx, eventID, store.TurnBuilder{
			Actor:  protocol.ActorArchitect,
			Action: protocol.ActionResult,
			Result: "cache hit ratio normal",
		})
		if err != nil {
			return nil, err
		}
		return []dispatcher.Outcome{{Role: agents[0], Status: dispatcher.OutcomeCompleted, ResultTurn: turn.Turn}}, nil
	}
	id := env.ingest(t, "cache")

	env.scan(t)

	ev := env.event(t, id)
	if got := ev.TurnsWithStatus(protocol.TurnDelivered); len(got) != 0 {
		t.Errorf("delivered turns after task = %v, want none", got)
	}
	if ev.Status != protocol.EventActive {
		t.Errorf("status = %s, want active", ev.Status)
	}
	if n := engine.calls.Load(); n != 2 {
		t.Errorf("Decide calls = %d, want 2", n)
	}
	for _, turn := range ev.Conversation {
		if turn.Action == protocol.ActionThink && turn.Status != protocol.TurnEvaluated {
			t.Errorf("think turn %d left %s", turn.Turn, turn.Status)
		}
	}
}

func TestIngest_DedupWithinWindow(t *testing.T) {
	env := newTestEnv(t, Limits{CorrelationWindow: 10 * time.Minute}, nil)
	ctx := context.Background()

	first := env.ingest(t, "payments")
	res, err := env.o.Ingest(ctx, store.NewEvent{
		Service:  "payments",
		Source:   protocol.SourceChat,
		Evidence: protocol.TextEvidence("users report failed checkouts"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.EventID != first || !res.Deduplicated || res.Turn != 2 {
		t.Fatalf("second ingest = %+v, want dedup onto %s turn 2", res, first)
	}
	turn, _ := env.event(t, first).TurnByNumber(2)
	if turn.Actor != protocol.ActorUser || turn.Status != protocol.TurnDelivered {
		t.Errorf("correlated turn = %s/%s", turn.Actor, turn.Status)
	}

	env.clock.Advance(11 * time.Minute)
	if later := env.ingest(t, "payments"); later == first {
		t.Error("signal outside the correlation window reused the old event")
	}
}

func TestIngest_ConcurrentSignalsShareOneEvent(t *testing.T) {
	env := newTestEnv(t, Limits{}, nil)
	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.o.Ingest(context.Background(), store.NewEvent{
				Service:  "search",
				Source:   protocol.SourceTelemetry,
				Evidence: protocol.TextEvidence("p99 latency"),
			})
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			ids[i] = res.EventID
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("ids = %v, want all equal", ids)
		}
	}
	if n := len(env.event(t, ids[0]).Conversation); n != 8 {
		t.Errorf("turns = %d, want 8", n)
	}
}

func TestClose_EveryTerminalPathJournalsOnce(t *testing.T) {
	t.Run("policy", func(t *testing.T) {
		engine := &countingEngine{fn: func(*protocol.Event, int) (reasoning.Action, error) {
			return reasoning.Close{Reason: "false alarm", Resolved: true}, nil
		}}
		env := newTestEnv(t, Limits{}, engine)
		id := env.ingest(t, "billing")

		env.scan(t)
		env.scan(t)

		ev := env.event(t, id)
		if ev.Status != protocol.EventClosed || ev.CloseReason != "false alarm" {
			t.Errorf("event = %s %q", ev.Status, ev.CloseReason)
		}
		entries := env.journalEntries(t, "billing")
		if len(entries) != 1 || entries[0].Origin != "policy" {
			t.Errorf("journal = %+v, want one policy entry", entries)
		}
	})

	t.Run("operator", func(t *testing.T) {
		env := newTestEnv(t, Limits{}, nil)
		id := env.ingest(t, "billing")
		ctx := context.Background()

		first, err := env.o.ForceClose(ctx, id, "duplicate of INC-7")
		if err != nil || !first {
			t.Fatalf("first ForceClose = %v, %v", first, err)
		}
		again, err := env.o.ForceClose(ctx, id, "again")
		if err != nil || again {
			t.Fatalf("second ForceClose = %v, %v", again, err)
		}
		entries := env.journalEntries(t, "billing")
		if len(entries) != 1 || entries[0].Origin != "operator" {
			t.Errorf("journal = %+v, want one operator entry", entries)
		}
		if got := env.event(t, id).TurnsWithStatus(protocol.TurnDelivered); len(got) != 0 {
			t.Errorf("delivered turns on closed event = %v", got)
		}
	})

	t.Run("startup cleanup", func(t *testing.T) {
		env := newTestEnv(t, Limits{StaleEventAge: 24 * time.Hour}, nil)
		id := env.ingest(t, "billing")
		env.clock.Advance(25 * time.Hour)
		ctx := context.Background()

		n, err := env.o.SweepStale(ctx)
		if err != nil || n != 1 {
			t.Fatalf("first sweep = %d, %v", n, err)
		}
		n, err = env.o.SweepStale(ctx)
		if err != nil || n != 0 {
			t.Fatalf("second sweep = %d, %v", n, err)
		}
		if env.event(t, id).Status != protocol.EventClosed {
			t.Error("stale event not closed")
		}
		entries := env.journalEntries(t, "billing")
		if len(entries) != 1 || entries[0].Origin != "startup_cleanup" {
			t.Errorf("journal = %+v, want one startup_cleanup entry", entries)
		}
	})
}

func TestMaxTurns_AutoClosesOnce(t *testing.T) {
	env := newTestEnv(t, Limits{MaxTurns: 4}, nil)
	id := env.ingest(t, "queue")
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := env.store.AppendRecord(ctx, id, store.TurnBuilder{Actor: protocol.ActorAligner, Action: "note"}); err != nil {
			t.Fatal(err)
		}
	}

	env.scan(t)
	env.scan(t)

	ev := env.event(t, id)
	if ev.Status != protocol.EventClosed || !strings.HasPrefix(ev.CloseReason, "turn limit reached") {
		t.Fatalf("event = %s %q", ev.Status, ev.CloseReason)
	}
	if n := countTurns(ev, protocol.ActionClose); n != 1 {
		t.Errorf("close turns = %d, want 1", n)
	}
	if n := env.engine.calls.Load(); n != 0 {
		t.Errorf("Decide calls = %d, want 0", n)
	}
	if n := env.disp.calls.Load(); n != 0 {
		t.Errorf("Dispatch calls = %d, want 0", n)
	}
	if entries := env.journalEntries(t, "queue"); len(entries) != 1 || entries[0].Origin != "circuit_breaker" {
		t.Errorf("journal = %+v", entries)
	}
}

func TestMaxReasoningCalls_ClosesRunawayTask(t *testing.T) {
	var env *testEnv
	engine := &countingEngine{fn: func(ev *protocol.Event, _ int) (reasoning.Action, error) {
		// Every decision provokes another inbound turn.
		_, err := env.store.AppendInbound(context.Background(), ev.ID, store.TurnBuilder{
			Actor:  protocol.ActorAligner,
			Action: protocol.ActionSignal,
			Result: "still failing",
		})
		return reasoning.Respond{Text: "looking"}, err
	}}
	env = newTestEnv(t, Limits{MaxReasoningCalls: 3}, engine)
	id := env.ingest(t, "dns")

	env.scan(t)

	ev := env.event(t, id)
	if ev.Status != protocol.EventClosed || !strings.HasPrefix(ev.CloseReason, "reasoning call limit") {
		t.Fatalf("event = %s %q", ev.Status, ev.CloseReason)
	}
	if n := engine.calls.Load(); n != 3 {
		t.Errorf("Decide calls = %d, want 3", n)
	}
}

func TestRoutingDepth_ClosesBeforeDispatch(t *testing.T) {
	engine := &countingEngine{fn: func(*protocol.Event, int) (reasoning.Action, error) {
		return reasoning.Dispatch{Agents: []protocol.Actor{protocol.ActorSysadmin}, Prompt: "again"}, nil
	}}
	env := newTestEnv(t, Limits{MaxRoutingDepth: 2}, engine)
	id := env.ingest(t, "api")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := env.store.AppendTurn(ctx, id, store.TurnBuilder{Actor: protocol.ActorBrain, Action: protocol.ActionRoute}); err != nil {
			t.Fatal(err)
		}
	}

	env.scan(t)

	ev := env.event(t, id)
	if ev.Status != protocol.EventClosed || !strings.HasPrefix(ev.CloseReason, "routing depth limit") {
		t.Fatalf("event = %s %q", ev.Status, ev.CloseReason)
	}
	if n := env.disp.calls.Load(); n != 0 {
		t.Errorf("Dispatch calls = %d, want 0", n)
	}
}

func TestEmergencyStop_CancelsActiveTasks(t *testing.T) {
	engine := &countingEngine{fn: func(*protocol.Event, int) (reasoning.Action, error) {
		return reasoning.Dispatch{Agents: []protocol.Actor{protocol.ActorArchitect}, Prompt: "dig in"}, nil
	}}
	env := newTestEnv(t, Limits{}, engine)
	env.disp.fn = func(ctx context.Context, _ string, agents []protocol.Actor, _ string) ([]dispatcher.Outcome, error) {
		<-ctx.Done()
		return []dispatcher.Outcome{{Role: agents[0], Status: dispatcher.OutcomeCancelled}}, nil
	}
	a := env.ingest(t, "orders")
	b := env.ingest(t, "inventory")

	env.o.scanOnce(context.Background())
	waitFor(t, func() bool { return env.disp.inFlight.Load() == 2 }, 2*time.Second)

	if n := env.o.EmergencyStop(context.Background()); n != 2 {
		t.Fatalf("cancelled = %d, want 2", n)
	}
	env.settle(t)

	for _, id := range []string{a, b} {
		ev := env.event(t, id)
		if n := countTurns(ev, protocol.ActionCancelled); n != 1 {
			t.Errorf("event %s: cancelled turns = %d, want 1", id, n)
		}
		if got := ev.TurnsWithStatus(protocol.TurnDelivered); len(got) != 0 {
			t.Errorf("event %s: delivered turns = %v", id, got)
		}
	}
	if env.o.GetState() != StatePaused {
		t.Errorf("state = %s, want paused", env.o.GetState())
	}

	// Paused: new input is recorded but not processed.
	if _, err := env.o.Post(context.Background(), a, "status?"); err != nil {
		t.Fatal(err)
	}
	env.scan(t)
	if n := engine.calls.Load(); n != 2 {
		t.Errorf("Decide calls while paused = %d, want 2", n)
	}

	env.o.Resume()
	if env.o.GetState() != StateRunning {
		t.Errorf("state after resume = %s", env.o.GetState())
	}
}

func TestStaleThink_RetriggersOnce(t *testing.T) {
	env := newTestEnv(t, Limits{StaleThinkAge: 2 * time.Minute}, nil)
	ctx := context.Background()
	ev, err := env.store.CreateEvent(ctx, store.NewEvent{
		Service:  "ledger",
		Source:   protocol.SourceTelemetry,
		Evidence: protocol.TextEvidence("replica lag"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Transition(ctx, ev.ID, protocol.EventActive, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.MarkTurnsStatus(ctx, ev.ID, []int{1}, protocol.TurnEvaluated); err != nil {
		t.Fatal(err)
	}
	// A think note left behind by a crash mid-reasoning.
	if _, err := env.store.AppendTurn(ctx, ev.ID, store.TurnBuilder{Actor: protocol.ActorBrain, Action: protocol.ActionThink}); err != nil {
		t.Fatal(err)
	}

	env.scan(t)
	if n := env.engine.calls.Load(); n != 0 {
		t.Fatalf("fresh think retriggered: %d calls", n)
	}

	env.clock.Advance(3 * time.Minute)
	env.scan(t)
	env.scan(t)
	if n := env.engine.calls.Load(); n != 1 {
		t.Errorf("Decide calls = %d, want exactly 1", n)
	}
	got := env.event(t, ev.ID)
	if turn, _ := got.TurnByNumber(2); turn.Status != protocol.TurnEvaluated {
		t.Errorf("stale think status = %s, want evaluated", turn.Status)
	}
}

func TestAllBusy_DefersThenWakes(t *testing.T) {
	engine := &countingEngine{fn: func(*protocol.Event, int) (reasoning.Action, error) {
		return reasoning.Dispatch{Agents: []protocol.Actor{protocol.ActorSysadmin}, Prompt: "restart"}, nil
	}}
	env := newTestEnv(t, Limits{BusyRetryDelay: time.Minute}, engine)
	var mu sync.Mutex
	status := dispatcher.OutcomeUnavailable
	env.disp.fn = func(_ context.Context, _ string, agents []protocol.Actor, _ string) ([]dispatcher.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		return []dispatcher.Outcome{{Role: agents[0], Status: status}}, nil
	}
	id := env.ingest(t, "web")

	env.scan(t)
	ev := env.event(t, id)
	if ev.Status != protocol.EventDeferred || ev.WakeAt == nil || !ev.WakeAt.Equal(env.clock.Now().Add(time.Minute)) {
		t.Fatalf("event = %s wake %v", ev.Status, ev.WakeAt)
	}
	if got := ev.TurnsWithStatus(protocol.TurnDelivered); len(got) != 0 {
		t.Errorf("delivered turns = %v", got)
	}
	turnsBefore := len(ev.Conversation)

	env.scan(t)
	if n := engine.calls.Load(); n != 1 {
		t.Fatalf("deferred event processed early: %d calls", n)
	}

	mu.Lock()
	status = dispatcher.OutcomeCompleted
	mu.Unlock()
	env.clock.Advance(2 * time.Minute)
	env.scan(t)

	ev = env.event(t, id)
	if n := engine.calls.Load(); n != 2 {
		t.Errorf("Decide calls after wake = %d, want 2", n)
	}
	if ev.Status != protocol.EventActive || ev.WakeAt != nil {
		t.Errorf("woken event = %s wake %v", ev.Status, ev.WakeAt)
	}
	for _, turn := range ev.Conversation[turnsBefore:] {
		if turn.Actor != protocol.ActorBrain {
			t.Errorf("wake added non-brain turn %d (%s)", turn.Turn, turn.Actor)
		}
	}
}

func TestDecide_TransientErrorRetriesAndReports(t *testing.T) {
	engine := &countingEngine{fn: func(_ *protocol.Event, call int) (reasoning.Action, error) {
		if call == 1 {
			return nil, reasoning.Transient(errors.New("rate limited"))
		}
		return reasoning.Respond{Text: "ok"}, nil
	}}
	env := newTestEnv(t, Limits{}, engine)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := env.hub.Subscribe(ctx, 8)
	id := env.ingest(t, "auth")

	env.scan(t)

	if n := engine.calls.Load(); n != 2 {
		t.Errorf("Decide calls = %d, want 2", n)
	}
	if n := countTurns(env.event(t, id), protocol.ActionRespond); n != 1 {
		t.Errorf("respond turns = %d, want 1", n)
	}
	sawRetry := false
	for !sawRetry {
		select {
		case msg := <-sub:
			if msg.Type == protocol.MsgMessageStatus && strings.HasPrefix(msg.Status.Note, "retrying") {
				sawRetry = true
			}
		case <-time.After(time.Second):
			t.Fatal("no retrying status published")
		}
	}
}

func TestDecide_FatalErrorClosesEvent(t *testing.T) {
	engine := &countingEngine{fn: func(*protocol.Event, int) (reasoning.Action, error) {
		return nil, errors.New("policy crashed")
	}}
	env := newTestEnv(t, Limits{}, engine)
	id := env.ingest(t, "mail")

	env.scan(t)

	ev := env.event(t, id)
	if ev.Status != protocol.EventClosed || !strings.Contains(ev.CloseReason, "policy crashed") {
		t.Fatalf("event = %s %q", ev.Status, ev.CloseReason)
	}
	if entries := env.journalEntries(t, "mail"); len(entries) != 1 || entries[0].Origin != "error" {
		t.Errorf("journal = %+v", entries)
	}
}

func TestScan_OneTaskPerEventAndRescan(t *testing.T) {
	release := make(chan struct{})
	engine := &countingEngine{fn: func(_ *protocol.Event, call int) (reasoning.Action, error) {
		if call == 1 {
			<-release
		}
		return reasoning.Respond{Text: "seen"}, nil
	}}
	env := newTestEnv(t, Limits{}, engine)
	id := env.ingest(t, "cdn")
	ctx := context.Background()

	env.o.scanOnce(ctx)
	waitFor(t, func() bool { return engine.calls.Load() == 1 }, 2*time.Second)
	if _, err := env.o.Post(ctx, id, "any update?"); err != nil {
		t.Fatal(err)
	}
	env.o.scanOnce(ctx)
	env.o.scanOnce(ctx)
	if n := env.o.ActiveTasks(); n != 1 {
		t.Fatalf("active tasks = %d, want 1", n)
	}

	close(release)
	env.settle(t)

	if n := engine.calls.Load(); n != 2 {
		t.Errorf("Decide calls = %d, want 2 (initial + message)", n)
	}
	if got := env.event(t, id).TurnsWithStatus(protocol.TurnDelivered); len(got) != 0 {
		t.Errorf("delivered turns = %v", got)
	}
}

func TestApprovalFlow(t *testing.T) {
	engine := &countingEngine{fn: func(_ *protocol.Event, call int) (reasoning.Action, error) {
		if call == 1 {
			return reasoning.RequestApproval{Plan: "fail over to the secondary"}, nil
		}
		return reasoning.Close{Reason: "failed over", Resolved: true}, nil
	}}
	env := newTestEnv(t, Limits{}, engine)
	id := env.ingest(t, "db")
	ctx := context.Background()

	env.scan(t)
	ev := env.event(t, id)
	if ev.Status != protocol.EventWaitingApproval {
		t.Fatalf("status = %s, want waiting_approval", ev.Status)
	}
	if last := ev.LastTurn(); last.Action != protocol.ActionRequestApproval || !last.PendingApproval {
		t.Fatalf("last turn = %+v", last)
	}

	resp := env.o.HandleControl(ctx, protocol.ControlRequest{Op: protocol.OpApprove, EventID: id, Text: "go"})
	if !resp.OK {
		t.Fatalf("approve: %s", resp.Detail)
	}
	ev = env.event(t, id)
	if ev.Status != protocol.EventActive {
		t.Errorf("status after approve = %s", ev.Status)
	}
	for _, turn := range ev.Conversation {
		if turn.PendingApproval {
			t.Errorf("turn %d still pending approval", turn.Turn)
		}
	}

	env.scan(t)
	if env.event(t, id).Status != protocol.EventClosed {
		t.Error("event not closed after approved plan")
	}
	if resp := env.o.HandleControl(ctx, protocol.ControlRequest{Op: protocol.OpApprove, EventID: id}); resp.OK {
		t.Error("approving a closed event should fail")
	}
}

func TestStart_SweepsAndProcessesQueue(t *testing.T) {
	env := newTestEnv(t, Limits{ScanInterval: 50 * time.Millisecond, IdleSleep: 5 * time.Millisecond}, nil)
	stale := env.ingest(t, "legacy")
	env.clock.Advance(48 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := env.o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer env.o.Stop()
	if err := env.o.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	if env.event(t, stale).Status != protocol.EventClosed {
		t.Error("startup sweep did not close the stale event")
	}

	fresh := env.ingest(t, "frontend")
	waitFor(t, func() bool {
		return countTurns(env.event(t, fresh), protocol.ActionRespond) == 1
	}, 3*time.Second)
}

func TestSetLimits_AppliesDefaults(t *testing.T) {
	env := newTestEnv(t, Limits{}, nil)
	env.o.SetLimits(Limits{MaxTurns: 10})
	got := env.o.Limits()
	if got.MaxTurns != 10 || got.MaxDuration != 6*time.Hour || got.StaleThinkAge != 2*time.Minute {
		t.Errorf("limits = %+v", got)
	}
}
