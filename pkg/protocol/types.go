package protocol

import (
	"fmt"
	"time"
)

// Actor identifies who contributed a turn.
type Actor string

// Actor constants. Everyone except ActorUser and ActorBrain is a remote agent role.
const (
	ActorUser      Actor = "user"
	ActorBrain     Actor = "brain"
	ActorArchitect Actor = "architect" // planning
	ActorSysadmin  Actor = "sysadmin"  // execution
	ActorDeveloper Actor = "developer" // execution (code changes)
	ActorAligner   Actor = "aligner"   // observation
)

// Valid reports whether a is one of the known actors.
func (a Actor) Valid() bool {
	switch a {
	case ActorUser, ActorBrain, ActorArchitect, ActorSysadmin, ActorDeveloper, ActorAligner:
		return true
	default:
		return false
	}
}

// IsAgent reports whether a is a role served by a connected worker agent.
func (a Actor) IsAgent() bool {
	switch a {
	case ActorArchitect, ActorSysadmin, ActorDeveloper, ActorAligner:
		return true
	default:
		return false
	}
}

// Source identifies the ingestion channel that created an event.
type Source string

// Source constants.
const (
	SourceTelemetry Source = "telemetry"
	SourceChat      Source = "chat"
	SourceTicket    Source = "ticket"
	SourceObserver  Source = "observer"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceTelemetry, SourceChat, SourceTicket, SourceObserver:
		return true
	default:
		return false
	}
}

// Actor returns the actor credited with signals from this source.
func (s Source) Actor() Actor {
	switch s {
	case SourceTelemetry, SourceObserver:
		return ActorAligner
	default:
		return ActorUser
	}
}

// Turn actions. Action is a free-form tag; these are the ones the core writes or reads.
const (
	ActionSignal          = "signal"
	ActionMessage         = "message"
	ActionThink           = "think"
	ActionRoute           = "route"
	ActionRespond         = "respond"
	ActionResult          = "result"
	ActionError           = "error"
	ActionBusy            = "busy"
	ActionApprove         = "approve"
	ActionReject          = "reject"
	ActionRequestApproval = "request_approval"
	ActionDefer           = "defer"
	ActionClose           = "close"
	ActionCancelled       = "cancelled"
)

// Turn is one actor's contribution to an event's conversation.
type Turn struct {
	Turn            int                      `json:"turn"`
	Actor           Actor                    `json:"actor"`
	Action          string                   `json:"action"`
	Timestamp       time.Time                `json:"timestamp"`
	Status          TurnStatus               `json:"status"`
	StatusAt        map[TurnStatus]time.Time `json:"status_at,omitempty"`
	Thoughts        string                   `json:"thoughts,omitempty"`
	Result          string                   `json:"result,omitempty"`
	Plan            string                   `json:"plan,omitempty"`
	Evidence        *Evidence                `json:"evidence,omitempty"`
	PendingApproval bool                     `json:"pending_approval,omitempty"`
	WaitingFor      string                   `json:"waiting_for,omitempty"`
}

// Advance moves the turn forward to status at time now. It returns false when
// the turn is already at or past status; turns never move backward.
func (t *Turn) Advance(status TurnStatus, now time.Time) bool {
	if !t.Status.Before(status) {
		return false
	}
	if t.StatusAt == nil {
		t.StatusAt = make(map[TurnStatus]time.Time, 3)
	}
	t.StatusAt[status] = now
	t.Status = status
	return true
}

// Text returns the most descriptive free-text field of the turn.
func (t Turn) Text() string {
	switch {
	case t.Result != "":
		return t.Result
	case t.Thoughts != "":
		return t.Thoughts
	case t.Plan != "":
		return t.Plan
	case t.Evidence != nil:
		return t.Evidence.Summary()
	default:
		return ""
	}
}

// Event is one unit of remediation work and its full conversation.
type Event struct {
	ID           string      `json:"id"`
	Service      string      `json:"service"`
	Source       Source      `json:"source"`
	Status       EventStatus `json:"status"`
	Evidence     Evidence    `json:"evidence"`
	Conversation []Turn      `json:"conversation"`
	Version      int64       `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	WakeAt       *time.Time  `json:"wake_at,omitempty"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	CloseReason  string      `json:"close_reason,omitempty"`
	Summary      string      `json:"summary,omitempty"`
}

// Clone returns a deep copy so a caller can mutate it without touching shared state.
func (e *Event) Clone() *Event {
	out := *e
	out.Evidence = e.Evidence.clone()
	out.Conversation = make([]Turn, len(e.Conversation))
	for i, t := range e.Conversation {
		out.Conversation[i] = t.clone()
	}
	if e.WakeAt != nil {
		w := *e.WakeAt
		out.WakeAt = &w
	}
	if e.ClosedAt != nil {
		c := *e.ClosedAt
		out.ClosedAt = &c
	}
	return &out
}

func (t Turn) clone() Turn {
	if t.StatusAt != nil {
		m := make(map[TurnStatus]time.Time, len(t.StatusAt))
		for k, v := range t.StatusAt {
			m[k] = v
		}
		t.StatusAt = m
	}
	if t.Evidence != nil {
		ev := t.Evidence.clone()
		t.Evidence = &ev
	}
	return t
}

// LastTurn returns the most recent turn, or nil for an empty conversation.
func (e *Event) LastTurn() *Turn {
	if len(e.Conversation) == 0 {
		return nil
	}
	return &e.Conversation[len(e.Conversation)-1]
}

// TurnByNumber returns the turn with the given sequence number.
func (e *Event) TurnByNumber(n int) (*Turn, bool) {
	// Turn numbers are dense and 1-based, so the index is n-1.
	if n < 1 || n > len(e.Conversation) {
		return nil, false
	}
	t := &e.Conversation[n-1]
	if t.Turn != n {
		return nil, false
	}
	return t, true
}

// NextTurnNumber returns the number the next appended turn will receive.
func (e *Event) NextTurnNumber() int {
	return len(e.Conversation) + 1
}

// TurnsWithStatus returns the numbers of all turns currently at status.
func (e *Event) TurnsWithStatus(status TurnStatus) []int {
	var out []int
	for _, t := range e.Conversation {
		if t.Status == status {
			out = append(out, t.Turn)
		}
	}
	return out
}

// FirstTurnAt returns the timestamp of turn 1, falling back to CreatedAt.
func (e *Event) FirstTurnAt() time.Time {
	if len(e.Conversation) > 0 {
		return e.Conversation[0].Timestamp
	}
	return e.CreatedAt
}

// RoutingDepth counts brain routing turns since the most recent user turn.
func (e *Event) RoutingDepth() int {
	depth := 0
	for i := len(e.Conversation) - 1; i >= 0; i-- {
		t := e.Conversation[i]
		if t.Actor == ActorUser {
			break
		}
		if t.Actor == ActorBrain && t.Action == ActionRoute {
			depth++
		}
	}
	return depth
}

// Validate checks the structural invariants of an event document.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	if e.Service == "" {
		return fmt.Errorf("%w: event %s has no service", ErrMalformedEvent, e.ID)
	}
	if err := ValidateEventStatus(e.Status); err != nil {
		return fmt.Errorf("%w: event %s: %v", ErrMalformedEvent, e.ID, err)
	}
	for i, t := range e.Conversation {
		if t.Turn != i+1 {
			return fmt.Errorf("%w: event %s turn %d at position %d", ErrMalformedEvent, e.ID, t.Turn, i+1)
		}
		if !t.Status.Valid() {
			return fmt.Errorf("%w: event %s turn %d has status %q", ErrMalformedEvent, e.ID, t.Turn, t.Status)
		}
	}
	return nil
}

// JournalEntry is an append-only per-service note used for cross-event recall.
type JournalEntry struct {
	Service   string    `json:"service"`
	EventID   string    `json:"event_id,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ClosedSummary is one row of the recently-closed index.
type ClosedSummary struct {
	ID       string    `json:"id"`
	Service  string    `json:"service"`
	ClosedAt time.Time `json:"closed_at"`
	Summary  string    `json:"summary"`
}

// AgentConnection describes a live worker session as seen by the dispatcher.
type AgentConnection struct {
	AgentID        string    `json:"agent_id"`
	Role           Actor     `json:"role"`
	Busy           bool      `json:"busy"`
	CurrentEventID string    `json:"current_event_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastSeen       time.Time `json:"last_seen"`
}
