// Package reasoning defines the decision contract between the orchestrator
// and whatever policy chooses the next step for an event.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsbrain/pkg/protocol"
)

// Engine decides the next action for an event. Decide must not mutate ev.
type Engine interface {
	Decide(ctx context.Context, ev *protocol.Event) (Action, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, ev *protocol.Event) (Action, error)

// Decide calls f.
func (f EngineFunc) Decide(ctx context.Context, ev *protocol.Event) (Action, error) {
	return f(ctx, ev)
}

// Action is the sealed set of decisions: Respond, Dispatch, RequestApproval,
// Defer and Close.
type Action interface {
	// Kind names the action for logs.
	Kind() string
	action()
}

// Respond answers the user with a brain turn.
type Respond struct {
	Text string
}

// Dispatch routes prompt to one agent of each listed role.
type Dispatch struct {
	Agents []protocol.Actor
	Prompt string
}

// RequestApproval parks the event until a user approves or rejects Plan.
type RequestApproval struct {
	Plan string
}

// Defer parks the event until Until.
type Defer struct {
	Until  time.Time
	Reason string
}

// Close ends the event. Resolved marks it resolved before closing.
type Close struct {
	Reason   string
	Resolved bool
}

func (Respond) Kind() string         { return "respond" }
func (Dispatch) Kind() string        { return "dispatch" }
func (RequestApproval) Kind() string { return "request_approval" }
func (Defer) Kind() string           { return "defer" }
func (Close) Kind() string           { return "close" }

func (Respond) action()         {}
func (Dispatch) action()        {}
func (RequestApproval) action() {}
func (Defer) action()           {}
func (Close) action()           {}

// Validate rejects actions the orchestrator cannot apply.
func Validate(a Action) error {
	switch act := a.(type) {
	case nil:
		return errors.New("nil action")
	case Respond:
		if act.Text == "" {
			return errors.New("respond: empty text")
		}
	case Dispatch:
		if len(act.Agents) == 0 {
			return errors.New("dispatch: no agents")
		}
		for _, role := range act.Agents {
			if !role.IsAgent() {
				return fmt.Errorf("dispatch: %q is not an agent role", role)
			}
		}
	case RequestApproval:
		if act.Plan == "" {
			return errors.New("request_approval: empty plan")
		}
	case Defer:
		if act.Until.IsZero() {
			return errors.New("defer: zero wake time")
		}
	case Close:
		if act.Reason == "" {
			return errors.New("close: empty reason")
		}
	}
	return nil
}

// TransientError marks an engine failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Retryable reports true; see protocol.IsRetryable.
func (e *TransientError) Retryable() bool {
	return true
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err, or anything it wraps, is retryable.
func IsTransient(err error) bool {
	return protocol.IsRetryable(err)
}
