package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsbrain/pkg/protocol"
)

// TurnBuilder carries the fields of a turn before the store assigns its
// number and timestamp.
type TurnBuilder struct {
	Actor           protocol.Actor
	Action          string
	Thoughts        string
	Result          string
	Plan            string
	Evidence        *protocol.Evidence
	PendingApproval bool
	WaitingFor      string
}

func (b TurnBuilder) validate() error {
	if !b.Actor.Valid() {
		return fmt.Errorf("turn: invalid actor %q", b.Actor)
	}
	if b.Action == "" {
		return errors.New("turn: action is required")
	}
	if b.Evidence != nil {
		if err := b.Evidence.Validate(); err != nil {
			return fmt.Errorf("turn: %w", err)
		}
	}
	return nil
}

// build returns the turn as it will be stored, at status sent.
func (b TurnBuilder) build(number int, now time.Time) protocol.Turn {
	t := protocol.Turn{
		Turn:            number,
		Actor:           b.Actor,
		Action:          b.Action,
		Timestamp:       now,
		Status:          protocol.TurnSent,
		StatusAt:        map[protocol.TurnStatus]time.Time{protocol.TurnSent: now},
		Thoughts:        b.Thoughts,
		Result:          b.Result,
		Plan:            b.Plan,
		PendingApproval: b.PendingApproval,
		WaitingFor:      b.WaitingFor,
	}
	if b.Evidence != nil {
		ev := *b.Evidence
		t.Evidence = &ev
	}
	return t
}

// AppendTurn appends a turn with status sent and returns it with its
// assigned number. Concurrent appends to one event always produce dense,
// distinct numbers. Appending to a closed event is allowed so that nothing
// racing a close is lost.
func (s *Store) AppendTurn(ctx context.Context, id string, b TurnBuilder) (protocol.Turn, error) {
	return s.appendAt(ctx, id, b, protocol.TurnSent)
}

// AppendInbound appends a turn that is addressed to the orchestrator and
// advances it to delivered in the same write, so the event needs attention
// as soon as the append lands.
func (s *Store) AppendInbound(ctx context.Context, id string, b TurnBuilder) (protocol.Turn, error) {
	return s.appendAt(ctx, id, b, protocol.TurnDelivered)
}

// AppendRecord appends a turn that nobody has to act on. It is stored
// already evaluated and does not make the event need attention.
func (s *Store) AppendRecord(ctx context.Context, id string, b TurnBuilder) (protocol.Turn, error) {
	return s.appendAt(ctx, id, b, protocol.TurnEvaluated)
}

func (s *Store) appendAt(ctx context.Context, id string, b TurnBuilder, status protocol.TurnStatus) (protocol.Turn, error) {
	if err := b.validate(); err != nil {
		return protocol.Turn{}, err
	}
	var appended protocol.Turn
	_, err := s.Mutate(ctx, id, func(ev *protocol.Event) error {
		now := s.opts.Now()
		t := b.build(ev.NextTurnNumber(), now)
		t.Advance(status, now)
		ev.Conversation = append(ev.Conversation, t)
		appended = t
		return nil
	})
	if err != nil {
		return protocol.Turn{}, fmt.Errorf("append turn to %s: %w", id, err)
	}
	if status != protocol.TurnSent {
		s.notify(id, status, []int{appended.Turn})
	}
	return appended, nil
}

// MarkTurnsStatus advances the named turns to status. A nil turns slice
// applies to every turn. Turns already at or past status are left alone, so
// marks never regress and repeating a mark never moves its timestamp. It
// returns the numbers of the turns that actually changed.
func (s *Store) MarkTurnsStatus(ctx context.Context, id string, turns []int, status protocol.TurnStatus) ([]int, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("mark turns: invalid status %q", status)
	}
	var changed []int
	_, err := s.Mutate(ctx, id, func(ev *protocol.Event) error {
		changed = nil
		now := s.opts.Now()
		if turns == nil {
			for i := range ev.Conversation {
				if ev.Conversation[i].Advance(status, now) {
					changed = append(changed, ev.Conversation[i].Turn)
				}
			}
		} else {
			for _, n := range turns {
				t, ok := ev.TurnByNumber(n)
				if !ok {
					return fmt.Errorf("%w: event %s turn %d", ErrUnknownTurn, ev.ID, n)
				}
				if t.Advance(status, now) {
					changed = append(changed, n)
				}
			}
		}
		if len(changed) == 0 {
			return ErrNoChange
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark turns on %s: %w", id, err)
	}
	if len(changed) > 0 {
		if turns == nil {
			s.notify(id, status, nil)
		} else {
			s.notify(id, status, changed)
		}
	}
	return changed, nil
}

// Settle appends b as an evaluated record and, in the same write, advances
// every delivered turn to evaluated. The event no longer needs attention
// afterwards.
func (s *Store) Settle(ctx context.Context, id string, b TurnBuilder) (protocol.Turn, error) {
	if err := b.validate(); err != nil {
		return protocol.Turn{}, err
	}
	var appended protocol.Turn
	_, err := s.Mutate(ctx, id, func(ev *protocol.Event) error {
		now := s.opts.Now()
		for i := range ev.Conversation {
			if ev.Conversation[i].Status == protocol.TurnDelivered {
				ev.Conversation[i].Advance(protocol.TurnEvaluated, now)
			}
		}
		t := b.build(ev.NextTurnNumber(), now)
		t.Advance(protocol.TurnEvaluated, now)
		ev.Conversation = append(ev.Conversation, t)
		appended = t
		return nil
	})
	if err != nil {
		return protocol.Turn{}, fmt.Errorf("settle %s: %w", id, err)
	}
	s.notify(id, protocol.TurnEvaluated, nil)
	return appended, nil
}
