// Package journal is the single funnel through which events are closed.
//
// Every close path (policy decisions, circuit breakers, operator force
// close, startup cleanup, fatal errors) calls Writer.Close, which writes
// exactly one journal entry per event that actually transitioned to closed.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"opsbrain/pkg/protocol"
	"opsbrain/pkg/store"
)

// Origin names the path that closed an event.
type Origin string

// Close origins.
const (
	OriginPolicy         Origin = "policy"
	OriginCircuitBreaker Origin = "circuit_breaker"
	OriginOperator       Origin = "operator"
	OriginStartupCleanup Origin = "startup_cleanup"
	OriginError          Origin = "error"
)

// closeAttempts bounds retries of a close that failed with a retryable error.
const closeAttempts = 4

// Writer closes events and records them in the per-service journal.
type Writer struct {
	store   *store.Store
	log     *slog.Logger
	backoff store.Backoff
}

// NewWriter creates a Writer over s.
func NewWriter(s *store.Store, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: s, log: log.With("component", "journal"), backoff: store.DefaultBackoff()}
}

// Close closes the event and, only if this call performed the transition,
// appends one journal entry in the same store write. It reports whether the
// event was closed by this call. Retryable store failures are retried; an
// event whose document cannot be decoded is closed by id instead.
func (w *Writer) Close(ctx context.Context, id, reason string, origin Origin) (bool, error) {
	for attempt := 1; ; attempt++ {
		closed, err := w.close(ctx, id, reason, origin)
		switch {
		case err == nil:
			return closed, nil
		case errors.Is(err, protocol.ErrMalformedEvent):
			w.log.Warn("closing unreadable event", "event_id", id, "error", err)
			return w.closeMalformed(ctx, id, reason, origin)
		case !protocol.IsRetryable(err) || attempt == closeAttempts:
			return false, fmt.Errorf("close %s: %w", id, err)
		}
		w.log.Warn("close failed, retrying", "event_id", id, "attempt", attempt, "error", err)
		timer := time.NewTimer(w.backoff.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, fmt.Errorf("close %s: %w", id, ctx.Err())
		case <-timer.C:
		}
	}
}

func (w *Writer) close(ctx context.Context, id, reason string, origin Origin) (bool, error) {
	ev, transitioned, err := w.store.CloseWithJournal(ctx, id, reason, func(ev *protocol.Event) protocol.JournalEntry {
		entry := protocol.JournalEntry{
			Service: ev.Service,
			EventID: ev.ID,
			Origin:  string(origin),
			Text:    FormatEntry(ev, reason, origin),
		}
		if ev.ClosedAt != nil {
			entry.Timestamp = *ev.ClosedAt
		}
		return entry
	})
	if err != nil || !transitioned {
		return false, err
	}
	w.log.Info("event closed", "event_id", id, "service", ev.Service, "origin", origin, "reason", reason)
	return true, nil
}

func (w *Writer) closeMalformed(ctx context.Context, id, reason string, origin Origin) (bool, error) {
	service, transitioned, err := w.store.CloseMalformed(ctx, id, protocol.JournalEntry{
		EventID: id,
		Origin:  string(origin),
		Text:    fmt.Sprintf("[%s] event %s: %s (unreadable document)", origin, id, reason),
	})
	if err != nil {
		return false, err
	}
	if transitioned {
		w.log.Info("event closed", "event_id", id, "service", service, "origin", origin, "reason", reason)
	}
	return transitioned, nil
}

// FormatEntry renders the journal line for a closed event.
func FormatEntry(ev *protocol.Event, reason string, origin Origin) string {
	end := ev.UpdatedAt
	if ev.ClosedAt != nil {
		end = *ev.ClosedAt
	}
	took := end.Sub(ev.FirstTurnAt()).Round(time.Second)
	return fmt.Sprintf("[%s] event %s: %s (%d turns, %s)", origin, ev.ID, reason, len(ev.Conversation), took)
}

// Recall is what the journal knows about a service.
type Recall struct {
	Entries []protocol.JournalEntry
	// Recurrences counts entries that closed an earlier event.
	Recurrences int
}

// Recall returns the service's journal and how many earlier events it records.
func (w *Writer) Recall(ctx context.Context, service string) (Recall, error) {
	entries, err := w.store.Journal(ctx, service)
	if err != nil {
		return Recall{}, err
	}
	r := Recall{Entries: entries}
	for _, e := range entries {
		if e.EventID != "" {
			r.Recurrences++
		}
	}
	return r, nil
}

// Note renders the recall as a short context line, or "" when there is nothing to say.
func (r Recall) Note(limit int) string {
	if len(r.Entries) == 0 {
		return ""
	}
	if limit <= 0 || limit > len(r.Entries) {
		limit = len(r.Entries)
	}
	recent := r.Entries[len(r.Entries)-limit:]
	lines := make([]string, 0, len(recent))
	for _, e := range recent {
		lines = append(lines, e.Text)
	}
	return fmt.Sprintf("%d earlier events on record; latest: %s", r.Recurrences, strings.Join(lines, " | "))
}
