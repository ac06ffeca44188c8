package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"opsbrain/pkg/dispatcher"
	"opsbrain/pkg/journal"
	"opsbrain/pkg/protocol"
	"opsbrain/pkg/reasoning"
	"opsbrain/pkg/store"
)

// errFatal marks failures that end the event instead of waiting for the
// next scan.
var errFatal = errors.New("fatal")

// runTask evaluates one event until nothing is left to read, the event
// parks (deferred, waiting for approval) or closes, or the task is cancelled.
func (o *Orchestrator) runTask(ctx context.Context, t *task) {
	log := o.log.With("event_id", t.eventID)
	defer func() {
		o.active.CompareAndDelete(t.eventID, t)
		o.sem.Release(1)
		t.cancel()
		if t.rescan.Load() && !t.cancelled.Load() {
			o.enqueue(t.eventID)
		}
		o.wg.Done()
	}()

	calls := 0
	recall := ""
	for first := true; ; first = false {
		if ctx.Err() != nil {
			return
		}
		ev, err := o.store.GetEvent(ctx, t.eventID)
		if err != nil {
			o.fail(ctx, log, t.eventID, err)
			return
		}
		if !ev.Status.Open() {
			return
		}
		lim := o.Limits()
		now := o.nowFunc()
		if reason := tripped(ev, now, lim, calls); reason != "" {
			log.Warn("circuit breaker", "reason", reason)
			o.settleAndClose(ctx, ev.ID, reason, journal.OriginCircuitBreaker)
			return
		}
		if ev.Status == protocol.EventResolved {
			reason := ev.CloseReason
			if reason == "" {
				reason = "resolved"
			}
			o.settleAndClose(ctx, ev.ID, reason, journal.OriginPolicy)
			return
		}
		t.rescan.Store(false)
		if !first && !needsAttention(ev, now, lim) {
			return
		}
		if err := ev.Validate(); err != nil {
			o.fail(ctx, log, t.eventID, err)
			return
		}
		if first {
			recall = o.recallNote(ctx, ev.Service)
		}

		calls++
		done, err := o.step(ctx, t, ev, recall, log)
		if err != nil {
			o.fail(ctx, log, t.eventID, err)
			return
		}
		if done {
			return
		}
	}
}

// step runs one think/decide/apply round. It reports done when the task
// should stop regardless of what is left to read.
func (o *Orchestrator) step(ctx context.Context, t *task, ev *protocol.Event, recall string, log *slog.Logger) (bool, error) {
	watermark := len(ev.Conversation)
	t.watermark.Store(int64(watermark))
	consumed := consumedTurns(ev, watermark)

	switch ev.Status {
	case protocol.EventNew, protocol.EventDeferred:
		if _, err := o.store.Transition(ctx, ev.ID, protocol.EventActive, nil); err != nil {
			return false, err
		}
		ev.Status = protocol.EventActive
	}

	think, err := o.store.AppendTurn(ctx, ev.ID, store.TurnBuilder{
		Actor:    protocol.ActorBrain,
		Action:   protocol.ActionThink,
		Thoughts: thinkNote(ev, consumed, recall),
	})
	if err != nil {
		return false, err
	}
	ev.Conversation = append(ev.Conversation, think)
	consumed = append(consumed, think.Turn)

	action, err := o.decide(ctx, ev, think.Turn, log)
	if err != nil {
		return false, err
	}
	log.Info("decided", "action", action.Kind(), "turn", think.Turn)

	if c, ok := action.(reasoning.Close); ok {
		if c.Resolved {
			if _, err := o.store.Transition(ctx, ev.ID, protocol.EventResolved, nil); err != nil {
				return false, err
			}
		}
		o.settleAndClose(ctx, ev.ID, c.Reason, journal.OriginPolicy)
		return true, nil
	}

	done, err := o.apply(ctx, ev, action, log)
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return true, nil
	}
	if _, err := o.store.MarkTurnsStatus(ctx, ev.ID, consumed, protocol.TurnEvaluated); err != nil {
		return false, err
	}
	return done, nil
}

// decide calls the engine, retrying transient failures and telling
// observers about each retry.
func (o *Orchestrator) decide(ctx context.Context, ev *protocol.Event, thinkTurn int, log *slog.Logger) (reasoning.Action, error) {
	lim := o.Limits()
	for attempt := 0; ; attempt++ {
		action, err := o.engine.Decide(ctx, ev)
		if err == nil {
			if verr := reasoning.Validate(action); verr != nil {
				return nil, fmt.Errorf("%w: engine returned invalid action: %v", errFatal, verr)
			}
			return action, nil
		}
		if !reasoning.IsTransient(err) {
			return nil, fmt.Errorf("%w: decide: %v", errFatal, err)
		}
		if attempt >= lim.DecideRetries {
			return nil, fmt.Errorf("decide: %d attempts: %w", attempt+1, err)
		}
		delay := lim.DecideBackoff.NextDelay(attempt + 1)
		log.Warn("engine unavailable, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		o.publishRetrying(ev.ID, thinkTurn, err)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// apply executes every action except Close. done is true when the event
// parked and the task should stop.
func (o *Orchestrator) apply(ctx context.Context, ev *protocol.Event, action reasoning.Action, log *slog.Logger) (bool, error) {
	switch act := action.(type) {
	case reasoning.Respond:
		_, err := o.store.AppendTurn(ctx, ev.ID, store.TurnBuilder{
			Actor:  protocol.ActorBrain,
			Action: protocol.ActionRespond,
			Result: act.Text,
		})
		return false, err

	case reasoning.RequestApproval:
		_, err := o.store.Transition(ctx, ev.ID, protocol.EventWaitingApproval, &store.TurnBuilder{
			Actor:           protocol.ActorBrain,
			Action:          protocol.ActionRequestApproval,
			Plan:            act.Plan,
			PendingApproval: true,
			WaitingFor:      string(protocol.ActorUser),
		})
		return true, err

	case reasoning.Defer:
		_, err := o.store.Defer(ctx, ev.ID, act.Until, act.Reason)
		return true, err

	case reasoning.Dispatch:
		return o.applyDispatch(ctx, ev, act, log)
	}
	return false, fmt.Errorf("%w: unsupported action %T", errFatal, action)
}

func (o *Orchestrator) applyDispatch(ctx context.Context, ev *protocol.Event, act reasoning.Dispatch, log *slog.Logger) (bool, error) {
	lim := o.Limits()
	if depth := ev.RoutingDepth(); depth >= lim.MaxRoutingDepth {
		reason := fmt.Sprintf("routing depth limit reached (%d route turns since the last user turn)", depth)
		log.Warn("circuit breaker", "reason", reason)
		o.settleAndClose(ctx, ev.ID, reason, journal.OriginCircuitBreaker)
		return true, nil
	}
	if ev.Status != protocol.EventActive {
		if _, err := o.store.Transition(ctx, ev.ID, protocol.EventActive, nil); err != nil {
			return false, err
		}
	}

	outcomes, err := o.dispatch.Dispatch(ctx, ev.ID, act.Agents, act.Prompt)
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return true, nil
	}
	if dispatcher.AllBusy(outcomes) {
		until := o.nowFunc().Add(lim.BusyRetryDelay)
		log.Info("all agents busy, deferring", "until", until)
		if _, err := o.store.Defer(ctx, ev.ID, until, "all agents busy: "+outcomeSummary(outcomes)); err != nil {
			return false, err
		}
		return true, nil
	}
	for _, out := range outcomes {
		log.Info("dispatch outcome", "role", out.Role, "agent_id", out.AgentID, "status", out.Status)
	}
	return false, nil
}

// settleAndClose answers everything still delivered and closes the event.
func (o *Orchestrator) settleAndClose(ctx context.Context, id, reason string, origin journal.Origin) bool {
	if _, err := o.store.MarkTurnsStatus(ctx, id, nil, protocol.TurnEvaluated); err != nil {
		o.log.Warn("settle before close", "event_id", id, "error", err)
	}
	return o.closeEvent(ctx, id, reason, origin)
}

// fail classifies a task error. Conflicts and transient failures leave the
// event for the next scan; anything else closes it with an error turn.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, id string, err error) {
	switch {
	case ctx.Err() != nil:
		log.Debug("task cancelled", "error", err)
	case errors.Is(err, store.ErrConcurrencyExhausted):
		log.Warn("skipping event this cycle", "error", err)
	case errors.Is(err, protocol.ErrNotFound):
		log.Warn("event vanished", "error", err)
	case protocol.IsRetryable(err) && !errors.Is(err, errFatal):
		log.Warn("transient failure, will retry on next scan", "error", err)
	default:
		log.Error("fatal task error", "error", err)
		o.settleAndClose(ctx, id, "error: "+err.Error(), journal.OriginError)
	}
}

func (o *Orchestrator) recallNote(ctx context.Context, service string) string {
	r, err := o.journal.Recall(ctx, service)
	if err != nil {
		o.log.Debug("journal recall", "service", service, "error", err)
		return ""
	}
	return r.Note(3)
}

func (o *Orchestrator) publishRetrying(eventID string, turn int, err error) {
	if o.hub == nil {
		return
	}
	status := protocol.NewStatusPayload(eventID, protocol.TurnSent, []int{turn})
	status.Note = "retrying: " + err.Error()
	o.hub.Publish(protocol.Message{Type: protocol.MsgMessageStatus, Status: status})
}

func thinkNote(ev *protocol.Event, consumed []int, recall string) string {
	var b strings.Builder
	if len(consumed) == 0 {
		fmt.Fprintf(&b, "re-evaluating %s (%s)", ev.Service, ev.Status)
	} else {
		fmt.Fprintf(&b, "evaluating turns %v on %s", consumed, ev.Service)
	}
	if recall != "" {
		b.WriteString("; ")
		b.WriteString(recall)
	}
	return b.String()
}

func outcomeSummary(outcomes []dispatcher.Outcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%s %s", o.Role, o.Status))
	}
	return strings.Join(parts, ", ")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
