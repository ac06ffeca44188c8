package orchestrator

import (
	"fmt"
	"time"

	"opsbrain/pkg/protocol"
)

// needsAttention reports whether an event with no running task should get
// one. That is the case when a turn is delivered and unanswered, when the
// newest turn is a think note nobody finished within StaleThinkAge, or when
// a deferred event's wake time has passed. A resolved event always needs
// attention until it is closed.
func needsAttention(ev *protocol.Event, now time.Time, lim Limits) bool {
	switch ev.Status {
	case protocol.EventClosed:
		return false
	case protocol.EventResolved:
		return true
	case protocol.EventDeferred:
		return ev.WakeAt == nil || !now.Before(*ev.WakeAt)
	}
	if !ev.Status.Scannable() {
		return false
	}
	if len(ev.TurnsWithStatus(protocol.TurnDelivered)) > 0 {
		return true
	}
	return staleThink(ev, now, lim.StaleThinkAge)
}

// staleThink reports whether the newest turn is an unevaluated brain think
// older than age. A fresh think never qualifies, so a task cannot retrigger
// itself.
func staleThink(ev *protocol.Event, now time.Time, age time.Duration) bool {
	last := ev.LastTurn()
	if last == nil || last.Actor != protocol.ActorBrain || last.Action != protocol.ActionThink {
		return false
	}
	if last.Status == protocol.TurnEvaluated {
		return false
	}
	return now.Sub(last.Timestamp) > age
}

// hasDeliveredAfter reports whether a delivered turn is newer than watermark.
func hasDeliveredAfter(ev *protocol.Event, watermark int) bool {
	for i := len(ev.Conversation) - 1; i >= 0 && ev.Conversation[i].Turn > watermark; i-- {
		if ev.Conversation[i].Status == protocol.TurnDelivered {
			return true
		}
	}
	return false
}

// tripped returns the reason a circuit breaker closes the event, or "".
// calls is the number of Decide calls the current task already made.
func tripped(ev *protocol.Event, now time.Time, lim Limits, calls int) string {
	if !ev.Status.Open() {
		return ""
	}
	if n := len(ev.Conversation); n > lim.MaxTurns {
		return fmt.Sprintf("turn limit reached (%d > %d)", n, lim.MaxTurns)
	}
	if age := now.Sub(ev.FirstTurnAt()); age > lim.MaxDuration {
		return fmt.Sprintf("duration limit reached (%s > %s)", age.Round(time.Second), lim.MaxDuration)
	}
	if calls >= lim.MaxReasoningCalls {
		return fmt.Sprintf("reasoning call limit reached (%d in one task)", calls)
	}
	return ""
}

// consumedTurns lists what a task step answers: every delivered turn up to
// watermark plus any unevaluated think notes left by an earlier run.
func consumedTurns(ev *protocol.Event, watermark int) []int {
	var out []int
	for _, t := range ev.Conversation {
		if t.Turn > watermark {
			break
		}
		switch {
		case t.Status == protocol.TurnDelivered:
			out = append(out, t.Turn)
		case t.Actor == protocol.ActorBrain && t.Action == protocol.ActionThink && t.Status != protocol.TurnEvaluated:
			out = append(out, t.Turn)
		}
	}
	return out
}
