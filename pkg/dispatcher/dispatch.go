package dispatcher

import (
	"context"
	"fmt"
	"time"

	"opsbrain/pkg/protocol"
	"opsbrain/pkg/store"

	"golang.org/x/sync/errgroup"
)

// OutcomeStatus classifies how one agent task ended.
type OutcomeStatus string

// Outcome statuses.
const (
	OutcomeCompleted   OutcomeStatus = "completed"   // agent sent a result
	OutcomeFailed      OutcomeStatus = "failed"      // agent sent an error, or was lost
	OutcomeBusy        OutcomeStatus = "busy"        // agent replied busy
	OutcomeUnavailable OutcomeStatus = "unavailable" // no idle agent of the role
	OutcomeTimeout     OutcomeStatus = "timeout"     // no result within TaskTimeout
	OutcomeCancelled   OutcomeStatus = "cancelled"   // caller's context ended
)

// Outcome is the result of routing a prompt to one role.
type Outcome struct {
	Role       protocol.Actor
	AgentID    string
	Status     OutcomeStatus
	RouteTurn  int // brain route turn
	ResultTurn int // inbound result/error turn, 0 if none
	Detail     string
}

// AllBusy reports whether no outcome reached an agent that did the work.
func AllBusy(outcomes []Outcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	for _, o := range outcomes {
		if o.Status != OutcomeBusy && o.Status != OutcomeUnavailable {
			return false
		}
	}
	return true
}

type taskKey struct {
	eventID string
	role    protocol.Actor
}

// pendingTask is an outstanding (event, role) assignment.
type pendingTask struct {
	key        taskKey
	agentID    string
	turn       int
	progressed bool
	done       chan Outcome
}

func (t *pendingTask) finish(o Outcome) {
	o.Role = t.key.role
	o.AgentID = t.agentID
	o.RouteTurn = t.turn
	t.done <- o
}

// Dispatch routes prompt to one agent of each role concurrently and waits
// for every outcome. Per-agent failures are reported in the outcomes; the
// error is non-nil only when the store rejected a routing turn.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID string, agents []protocol.Actor, prompt string) ([]Outcome, error) {
	outcomes := make([]Outcome, len(agents))
	var g errgroup.Group
	for i, role := range agents {
		g.Go(func() error {
			o, err := d.dispatchOne(ctx, eventID, role, prompt)
			outcomes[i] = o
			return err
		})
	}
	err := g.Wait()
	return outcomes, err
}

func (d *Dispatcher) dispatchOne(ctx context.Context, eventID string, role protocol.Actor, prompt string) (Outcome, error) {
	route, err := d.store.AppendTurn(ctx, eventID, store.TurnBuilder{
		Actor:      protocol.ActorBrain,
		Action:     protocol.ActionRoute,
		Thoughts:   prompt,
		WaitingFor: string(role),
	})
	if err != nil {
		return Outcome{Role: role, Status: OutcomeFailed, Detail: err.Error()}, fmt.Errorf("route to %s: %w", role, err)
	}

	task, writer, detail := d.reserve(eventID, role, route.Turn)
	if task == nil {
		d.recordBusy(ctx, eventID, role, detail)
		return Outcome{Role: role, Status: OutcomeUnavailable, RouteTurn: route.Turn, Detail: detail}, nil
	}
	log := d.log.With("event_id", eventID, "agent_id", task.agentID, "role", role)

	sendErr := writer.send(protocol.Message{
		Type: protocol.MsgTask,
		Task: &protocol.TaskPayload{EventID: eventID, Role: role, Prompt: prompt, Turn: route.Turn},
	})
	if sendErr != nil && d.takeTask(task) {
		d.releaseAgent(task.agentID)
		unreachable := &protocol.AgentUnreachableError{AgentID: task.agentID, EventID: eventID, Reason: sendErr.Error()}
		d.failTask(ctx, task, OutcomeFailed, unreachable.Error())
	} else if sendErr == nil {
		log.Info("task sent", "turn", route.Turn)
	}

	timer := time.NewTimer(d.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case o := <-task.done:
		return o, nil
	case <-timer.C:
		if d.takeTask(task) {
			d.releaseAgent(task.agentID)
			d.sendCancel(task)
			log.Warn("task timed out", "timeout", d.cfg.TaskTimeout)
			d.failTask(ctx, task, OutcomeTimeout, fmt.Sprintf("no result from %s within %s", task.agentID, d.cfg.TaskTimeout))
		}
	case <-ctx.Done():
		if d.takeTask(task) {
			d.releaseAgent(task.agentID)
			d.sendCancel(task)
			log.Info("task cancelled")
			task.finish(Outcome{Status: OutcomeCancelled, Detail: ctx.Err().Error()})
		}
	}
	// Whoever took the task delivers exactly one outcome.
	return <-task.done, nil
}

// reserve atomically claims an idle agent of role for the event. On failure
// it returns a nil task and the reason.
func (d *Dispatcher) reserve(eventID string, role protocol.Actor, turn int) (*pendingTask, *connWriter, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := taskKey{eventID: eventID, role: role}
	if _, exists := d.tasks[key]; exists {
		return nil, nil, fmt.Sprintf("a %s task is already outstanding for this event", role)
	}

	var pick *trackedAgent
	for _, a := range d.agents {
		if a.role != role || a.busy || a.disconnected || a.writer == nil {
			continue
		}
		if pick == nil || a.connectedAt.Before(pick.connectedAt) ||
			(a.connectedAt.Equal(pick.connectedAt) && a.id < pick.id) {
			pick = a
		}
	}
	if pick == nil {
		return nil, nil, fmt.Sprintf("no idle %s agent", role)
	}

	pick.busy = true
	pick.eventID = eventID
	task := &pendingTask{key: key, agentID: pick.id, turn: turn, done: make(chan Outcome, 1)}
	d.tasks[key] = task
	return task, pick.writer, ""
}

// takeTask removes task if it is still outstanding. Only the caller that
// gets true may finish it.
func (d *Dispatcher) takeTask(task *pendingTask) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tasks[task.key] != task {
		return false
	}
	delete(d.tasks, task.key)
	return true
}

func (d *Dispatcher) releaseAgent(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseAgentLocked(agentID)
}

func (d *Dispatcher) releaseAgentLocked(agentID string) {
	if a, ok := d.agents[agentID]; ok {
		a.busy = false
		a.eventID = ""
	}
}

// taskForAgentLocked returns the agent's outstanding task. Caller must hold d.mu.
func (d *Dispatcher) taskForAgentLocked(agentID string) *pendingTask {
	for _, t := range d.tasks {
		if t.agentID == agentID {
			return t
		}
	}
	return nil
}

// lookupTaskLocked finds the outstanding task of agentID for eventID.
// Caller must hold d.mu.
func (d *Dispatcher) lookupTaskLocked(agentID, eventID string) *pendingTask {
	a, ok := d.agents[agentID]
	if !ok {
		return nil
	}
	t, ok := d.tasks[taskKey{eventID: eventID, role: a.role}]
	if !ok || t.agentID != agentID {
		return nil
	}
	return t
}

func (d *Dispatcher) sendCancel(task *pendingTask) {
	d.mu.Lock()
	a, ok := d.agents[task.agentID]
	var w *connWriter
	if ok {
		w = a.writer
	}
	d.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.send(protocol.Message{
		Type:   protocol.MsgCancel,
		Cancel: &protocol.CancelPayload{EventID: task.key.eventID, Role: task.key.role},
	}); err != nil {
		d.log.Debug("cancel not delivered", "agent_id", task.agentID, "error", err)
	}
}

// failTask records an inbound error turn, closes out the routing turn and
// finishes the task.
func (d *Dispatcher) failTask(ctx context.Context, task *pendingTask, status OutcomeStatus, reason string) {
	o := Outcome{Status: status, Detail: reason}
	turn, err := d.store.AppendInbound(ctx, task.key.eventID, store.TurnBuilder{
		Actor:  task.key.role,
		Action: protocol.ActionError,
		Result: reason,
	})
	if err != nil {
		d.log.Error("append error turn", "event_id", task.key.eventID, "error", err)
	} else {
		o.ResultTurn = turn.Turn
	}
	d.markRoute(ctx, task, protocol.TurnEvaluated)
	task.finish(o)
}

func (d *Dispatcher) markRoute(ctx context.Context, task *pendingTask, status protocol.TurnStatus) {
	if _, err := d.store.MarkTurnsStatus(ctx, task.key.eventID, []int{task.turn}, status); err != nil {
		d.log.Error("mark routing turn", "event_id", task.key.eventID, "turn", task.turn, "status", status, "error", err)
	}
}

func (d *Dispatcher) recordBusy(ctx context.Context, eventID string, role protocol.Actor, detail string) {
	if _, err := d.store.AppendRecord(ctx, eventID, store.TurnBuilder{
		Actor:    role,
		Action:   protocol.ActionBusy,
		Thoughts: detail,
	}); err != nil {
		d.log.Error("append busy turn", "event_id", eventID, "error", err)
	}
}

// --- Agent replies ---

// handleProgress marks the routing turn delivered on the first progress
// line of a task and forwards every line to observers.
func (d *Dispatcher) handleProgress(ctx context.Context, agentID string, p *protocol.ProgressPayload) {
	if p == nil {
		return
	}
	d.mu.Lock()
	task := d.lookupTaskLocked(agentID, p.EventID)
	first := false
	var role protocol.Actor
	if task != nil {
		role = task.key.role
		if !task.progressed {
			task.progressed = true
			first = true
		}
	}
	d.mu.Unlock()

	if task == nil {
		d.log.Debug("progress for unknown task", "agent_id", agentID, "event_id", p.EventID)
		return
	}
	if first {
		d.markRoute(ctx, task, protocol.TurnDelivered)
	}
	if d.hub != nil {
		d.hub.PublishProgress(p.EventID, role, p.Message)
	}
}

// handleResult appends the agent's answer as an inbound turn and closes
// out the routing turn.
func (d *Dispatcher) handleResult(ctx context.Context, agentID string, p *protocol.ResultPayload) {
	if p == nil {
		return
	}
	d.mu.Lock()
	task := d.lookupTaskLocked(agentID, p.EventID)
	if task != nil {
		delete(d.tasks, task.key)
		d.releaseAgentLocked(agentID)
	}
	d.mu.Unlock()
	if task == nil {
		d.log.Warn("result for unknown task", "agent_id", agentID, "event_id", p.EventID)
		return
	}

	b := store.TurnBuilder{Actor: task.key.role, Action: protocol.ActionResult, Result: p.Result}
	status := OutcomeCompleted
	if p.Error != "" {
		b.Action = protocol.ActionError
		b.Result = p.Error
		status = OutcomeFailed
	}
	o := Outcome{Status: status, Detail: b.Result}
	turn, err := d.store.AppendInbound(ctx, p.EventID, b)
	if err != nil {
		d.log.Error("append result turn", "event_id", p.EventID, "error", err)
	} else {
		o.ResultTurn = turn.Turn
	}
	d.markRoute(ctx, task, protocol.TurnEvaluated)
	d.log.Info("task finished", "event_id", p.EventID, "agent_id", agentID, "status", status)
	task.finish(o)
}

// handleBusy records the refusal; the routing turn stays sent.
func (d *Dispatcher) handleBusy(ctx context.Context, agentID string, p *protocol.BusyPayload) {
	if p == nil {
		return
	}
	d.mu.Lock()
	task := d.lookupTaskLocked(agentID, p.EventID)
	if task != nil {
		delete(d.tasks, task.key)
		d.releaseAgentLocked(agentID)
	}
	d.mu.Unlock()
	if task == nil {
		return
	}
	detail := fmt.Sprintf("agent %s is busy", agentID)
	d.recordBusy(ctx, p.EventID, task.key.role, detail)
	task.finish(Outcome{Status: OutcomeBusy, Detail: detail})
}
