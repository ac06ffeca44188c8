package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the payload carried by a Message.
type MessageType string

// Message types exchanged over the dispatcher socket as line-delimited JSON.
const (
	MsgRegister      MessageType = "register"       // agent -> brain
	MsgHeartbeat     MessageType = "heartbeat"      // agent -> brain
	MsgTask          MessageType = "task"           // brain -> agent
	MsgCancel        MessageType = "cancel"         // brain -> agent
	MsgProgress      MessageType = "progress"       // agent -> brain, brain -> observers
	MsgResult        MessageType = "result"         // agent -> brain
	MsgBusy          MessageType = "busy"           // agent -> brain
	MsgMessageStatus MessageType = "message_status" // brain -> observers
	MsgSubscribe     MessageType = "subscribe"      // observer -> brain
	MsgControl       MessageType = "control"        // operator -> brain
	MsgACK           MessageType = "ack"            // brain -> operator
)

// Message is the envelope for every wire message. Exactly one payload pointer
// is set, matching Type.
type Message struct {
	Type      MessageType       `json:"type"`
	Register  *RegisterPayload  `json:"register,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
	Task      *TaskPayload      `json:"task,omitempty"`
	Cancel    *CancelPayload    `json:"cancel,omitempty"`
	Progress  *ProgressPayload  `json:"progress,omitempty"`
	Result    *ResultPayload    `json:"result,omitempty"`
	Busy      *BusyPayload      `json:"busy,omitempty"`
	Status    *StatusPayload    `json:"status,omitempty"`
	Control   *ControlRequest   `json:"control,omitempty"`
	ACK       *ControlResponse  `json:"ack,omitempty"`
}

// RegisterPayload is the first message an agent sends after connecting.
type RegisterPayload struct {
	AgentID string `json:"agent_id"`
	Role    Actor  `json:"role"`
}

// HeartbeatPayload keeps an agent connection alive.
type HeartbeatPayload struct {
	AgentID string `json:"agent_id"`
}

// TaskPayload asks an agent to work on an event.
type TaskPayload struct {
	EventID string `json:"event_id"`
	Role    Actor  `json:"role"`
	Prompt  string `json:"prompt"`
	Turn    int    `json:"turn"` // routing turn number
}

// CancelPayload tells an agent to abandon its task for an event.
type CancelPayload struct {
	EventID string `json:"event_id"`
	Role    Actor  `json:"role"`
}

// ProgressPayload carries one streamed progress line.
type ProgressPayload struct {
	EventID string `json:"event_id"`
	Actor   Actor  `json:"actor"`
	Message string `json:"message"`
}

// ResultPayload is an agent's terminal response. Error non-empty means failure.
type ResultPayload struct {
	EventID string `json:"event_id"`
	Actor   Actor  `json:"actor"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BusyPayload rejects a task because the agent is occupied.
type BusyPayload struct {
	EventID string `json:"event_id"`
	Actor   Actor  `json:"actor"`
}

// StatusPayload is fanned out to observers when turn statuses change.
// Turns is either a JSON array of turn numbers or the string "all".
type StatusPayload struct {
	EventID string          `json:"event_id"`
	Status  TurnStatus      `json:"status"`
	Turns   json.RawMessage `json:"turns"`
	Note    string          `json:"note,omitempty"`
}

// NewStatusPayload builds a status payload; nil turns encodes as "all".
func NewStatusPayload(eventID string, status TurnStatus, turns []int) *StatusPayload {
	var raw json.RawMessage
	if turns == nil {
		raw = json.RawMessage(`"all"`)
	} else {
		data, err := json.Marshal(turns)
		if err != nil {
			data = []byte(`[]`)
		}
		raw = data
	}
	return &StatusPayload{EventID: eventID, Status: status, Turns: raw}
}

// TurnNumbers decodes Turns; all is true when the payload said "all".
func (p *StatusPayload) TurnNumbers() (turns []int, all bool, err error) {
	var s string
	if err := json.Unmarshal(p.Turns, &s); err == nil {
		if s == "all" {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("unexpected turns value %q", s)
	}
	if err := json.Unmarshal(p.Turns, &turns); err != nil {
		return nil, false, fmt.Errorf("decode turns: %w", err)
	}
	return turns, false, nil
}
