package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the store, dispatcher and orchestrator.
var (
	// ErrNotFound is returned when an event id does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrVersionConflict is returned by a backend when a compare-and-swap write
	// finds a different version than the caller read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrMalformedEvent marks a stored document that cannot be decoded or fails
	// structural validation. It is fatal for that event only.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrInvalidTransition is returned for a disallowed event status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidEvidence is returned when an evidence payload does not match its kind.
	ErrInvalidEvidence = errors.New("invalid evidence")
)

// StoreError wraps a storage backend failure. Callers treat it as transient.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Retryable reports that storage failures are worth retrying.
func (e *StoreError) Retryable() bool {
	return true
}

// AgentUnreachableError represents a failed send to, or lost connection with, an agent.
type AgentUnreachableError struct {
	AgentID string
	EventID string
	Reason  string // Human-readable failure reason (e.g., "write timeout").
}

func (e *AgentUnreachableError) Error() string {
	return fmt.Sprintf("agent %s unreachable (event %s): %s", e.AgentID, e.EventID, e.Reason)
}

// Retryable reports that a lost agent can be retried on the next dispatch.
func (e *AgentUnreachableError) Retryable() bool {
	return true
}

// IsRetryable reports whether any error in err's chain declares itself retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
