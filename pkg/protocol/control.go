package protocol

import "encoding/json"

// ControlOp is an operator-issued instruction or read request.
type ControlOp string

// Operator controls and read API.
const (
	OpForceClose    ControlOp = "force_close"    // Close one event now.
	OpEmergencyStop ControlOp = "emergency_stop" // Cancel every active dispatch and pause.
	OpResume        ControlOp = "resume"         // Leave the paused state.
	OpApprove       ControlOp = "approve"        // Approve a pending plan.
	OpReject        ControlOp = "reject"         // Reject a pending plan.
	OpPost          ControlOp = "post"           // Append a user message.
	OpIngest        ControlOp = "ingest"         // Submit an external signal.
	OpListActive    ControlOp = "list_active"
	OpListClosed    ControlOp = "list_closed"
	OpGetEvent      ControlOp = "get_event"
	OpGetJournal    ControlOp = "get_journal"
	OpListAgents    ControlOp = "list_agents"
)

// Valid reports whether op is a known control operation.
func (op ControlOp) Valid() bool {
	switch op {
	case OpForceClose, OpEmergencyStop, OpResume, OpApprove, OpReject, OpPost,
		OpIngest, OpListActive, OpListClosed, OpGetEvent, OpGetJournal, OpListAgents:
		return true
	default:
		return false
	}
}

// ControlRequest is sent by operator tooling on a short-lived connection.
type ControlRequest struct {
	Op       ControlOp `json:"op"`
	EventID  string    `json:"event_id,omitempty"`
	Service  string    `json:"service,omitempty"`
	Source   Source    `json:"source,omitempty"`
	Evidence *Evidence `json:"evidence,omitempty"`
	Text     string    `json:"text,omitempty"`   // reason, note or message body
	Window   string    `json:"window,omitempty"` // duration string for list_closed
}

// ControlResponse is the ACK for a ControlRequest. Data holds the op-specific
// result (event, list, journal, counts).
type ControlResponse struct {
	OK     bool            `json:"ok"`
	Detail string          `json:"detail,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
