package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsbrain/pkg/journal"
	"opsbrain/pkg/protocol"
	"opsbrain/pkg/store"
)

// --- Operator controls ---

// EmergencyStop cancels every running task, appends one cancelled turn per
// affected event and pauses the loop until Resume. The cancelled turn is
// written with Store.Settle, so the event's delivered turns become evaluated
// and it does not need attention after a resume. It returns the number of
// cancelled turns written; a task whose turn could not be written is still
// cancelled but not counted.
func (o *Orchestrator) EmergencyStop(ctx context.Context) int {
	o.setState(StatePaused)
	count := 0
	o.active.Range(func(_, v any) bool {
		t := v.(*task) //nolint:forcetypeassert // only *task is stored
		if !t.cancelled.CompareAndSwap(false, true) {
			return true
		}
		t.cancel()
		if _, err := o.store.Settle(ctx, t.eventID, store.TurnBuilder{
			Actor:    protocol.ActorBrain,
			Action:   protocol.ActionCancelled,
			Thoughts: "emergency stop",
		}); err != nil {
			o.log.Error("record cancellation", "event_id", t.eventID, "error", err)
			return true
		}
		count++
		return true
	})
	o.log.Warn("emergency stop", "cancelled", count)
	return count
}

// Resume leaves the paused state.
func (o *Orchestrator) Resume() {
	o.setState(StateRunning)
	o.log.Info("resumed")
}

// ForceClose closes an event on operator request, cancelling its task if
// one is running. It reports whether this call closed the event.
func (o *Orchestrator) ForceClose(ctx context.Context, id, reason string) (bool, error) {
	if reason == "" {
		reason = "closed by operator"
	}
	if v, ok := o.active.Load(id); ok {
		t := v.(*task) //nolint:forcetypeassert // only *task is stored
		t.cancelled.Store(true)
		t.cancel()
	}
	if _, err := o.store.MarkTurnsStatus(ctx, id, nil, protocol.TurnEvaluated); err != nil {
		return false, err
	}
	return o.journal.Close(ctx, id, reason, journal.OriginOperator)
}

// Approve answers a pending plan with a user approval turn.
func (o *Orchestrator) Approve(ctx context.Context, id, note string) (protocol.Turn, error) {
	return o.answer(ctx, id, protocol.ActionApprove, note)
}

// Reject answers a pending plan with a user rejection turn.
func (o *Orchestrator) Reject(ctx context.Context, id, note string) (protocol.Turn, error) {
	return o.answer(ctx, id, protocol.ActionReject, note)
}

func (o *Orchestrator) answer(ctx context.Context, id, action, note string) (protocol.Turn, error) {
	turn, err := o.store.AnswerApproval(ctx, id, store.TurnBuilder{
		Actor:    protocol.ActorUser,
		Action:   action,
		Thoughts: note,
	})
	if err != nil {
		return protocol.Turn{}, err
	}
	o.enqueue(id)
	return turn, nil
}

// Post appends a user message to an open event.
func (o *Orchestrator) Post(ctx context.Context, id, text string) (protocol.Turn, error) {
	if text == "" {
		return protocol.Turn{}, errors.New("post: empty message")
	}
	ev, err := o.store.GetEvent(ctx, id)
	if err != nil {
		return protocol.Turn{}, err
	}
	if !ev.Status.Open() {
		return protocol.Turn{}, fmt.Errorf("post: event %s is closed", id)
	}
	turn, err := o.store.AppendInbound(ctx, id, store.TurnBuilder{
		Actor:    protocol.ActorUser,
		Action:   protocol.ActionMessage,
		Thoughts: text,
	})
	if err != nil {
		return protocol.Turn{}, err
	}
	o.enqueue(id)
	return turn, nil
}

// --- Control socket handler ---

// HandleControl implements dispatcher.ControlHandler.
func (o *Orchestrator) HandleControl(ctx context.Context, req protocol.ControlRequest) protocol.ControlResponse {
	switch req.Op {
	case protocol.OpForceClose:
		closed, err := o.ForceClose(ctx, req.EventID, req.Text)
		if err != nil {
			return failure(err)
		}
		if !closed {
			return protocol.ControlResponse{OK: true, Detail: "already closed"}
		}
		return protocol.ControlResponse{OK: true, Detail: "closed"}

	case protocol.OpEmergencyStop:
		n := o.EmergencyStop(ctx)
		return success(fmt.Sprintf("cancelled %d tasks; loop paused", n), map[string]int{"cancelled": n})

	case protocol.OpResume:
		o.Resume()
		return protocol.ControlResponse{OK: true, Detail: string(StateRunning)}

	case protocol.OpApprove, protocol.OpReject:
		answer := o.Approve
		if req.Op == protocol.OpReject {
			answer = o.Reject
		}
		turn, err := answer(ctx, req.EventID, req.Text)
		if err != nil {
			return failure(err)
		}
		return success(fmt.Sprintf("turn %d", turn.Turn), turn)

	case protocol.OpPost:
		turn, err := o.Post(ctx, req.EventID, req.Text)
		if err != nil {
			return failure(err)
		}
		return success(fmt.Sprintf("turn %d", turn.Turn), turn)

	case protocol.OpIngest:
		in := store.NewEvent{Service: req.Service, Source: req.Source}
		switch {
		case req.Evidence != nil:
			in.Evidence = *req.Evidence
		case req.Text != "":
			in.Evidence = protocol.TextEvidence(req.Text)
		}
		res, err := o.Ingest(ctx, in)
		if err != nil {
			return failure(err)
		}
		return success(res.EventID, res)

	case protocol.OpListActive:
		events, _, err := o.store.ListOpen(ctx)
		if err != nil {
			return failure(err)
		}
		return success(fmt.Sprintf("%d open events", len(events)), events)

	case protocol.OpListClosed:
		window := 24 * time.Hour
		if req.Window != "" {
			d, err := time.ParseDuration(req.Window)
			if err != nil {
				return failure(fmt.Errorf("window: %w", err))
			}
			window = d
		}
		closed, err := o.store.RecentClosedForService(ctx, req.Service, window)
		if err != nil {
			return failure(err)
		}
		return success(fmt.Sprintf("%d closed events", len(closed)), closed)

	case protocol.OpGetEvent:
		ev, err := o.store.GetEvent(ctx, req.EventID)
		if err != nil {
			return failure(err)
		}
		return success(string(ev.Status), ev)

	case protocol.OpGetJournal:
		entries, err := o.store.Journal(ctx, req.Service)
		if err != nil {
			return failure(err)
		}
		return success(fmt.Sprintf("%d entries", len(entries)), entries)
	}
	return protocol.ControlResponse{Detail: fmt.Sprintf("unsupported op %q", req.Op)}
}

func success(detail string, v any) protocol.ControlResponse {
	data, err := json.Marshal(v)
	if err != nil {
		return failure(err)
	}
	return protocol.ControlResponse{OK: true, Detail: detail, Data: data}
}

func failure(err error) protocol.ControlResponse {
	return protocol.ControlResponse{Detail: err.Error()}
}
