// Package memstore is an in-process store.Backend used by tests and by
// `store.backend: memory` configurations.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"opsbrain/pkg/protocol"
	"opsbrain/pkg/store"
)

var _ store.Backend = (*Store)(nil)

type closedRow struct {
	id       string
	service  string
	closedAt time.Time
}

// Store keeps events, the closed index and journals in maps guarded by one mutex.
type Store struct {
	mu      sync.RWMutex
	events  map[string]*protocol.Event
	closed  map[string]closedRow
	journal map[string][]protocol.JournalEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:  make(map[string]*protocol.Event),
		closed:  make(map[string]closedRow),
		journal: make(map[string][]protocol.JournalEntry),
	}
}

// Insert stores a new event.
func (s *Store) Insert(_ context.Context, ev *protocol.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return fmt.Errorf("insert %s: duplicate id", ev.ID)
	}
	s.events[ev.ID] = ev.Clone()
	return nil
}

// Load returns a copy of the stored event.
func (s *Store) Load(_ context.Context, id string) (*protocol.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, protocol.ErrNotFound)
	}
	return ev.Clone(), nil
}

// CompareAndSwap replaces the event if the stored version equals expected.
func (s *Store) CompareAndSwap(_ context.Context, ev *protocol.Event, expected int64) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked(ev, expected)
}

// CloseWithJournal swaps in the closed event and appends entry under one lock.
func (s *Store) CloseWithJournal(_ context.Context, ev *protocol.Event, expected int64, entry protocol.JournalEntry, limit int) error {
	if ev.Status != protocol.EventClosed {
		return fmt.Errorf("close %s: status is %s", ev.ID, ev.Status)
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.swapLocked(ev, expected); err != nil {
		return err
	}
	s.appendJournalLocked(entry, limit)
	return nil
}

// CloseMalformed marks the stored event closed without touching its
// conversation.
func (s *Store) CloseMalformed(_ context.Context, id string, entry protocol.JournalEntry, limit int) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return "", false, fmt.Errorf("event %s: %w", id, protocol.ErrNotFound)
	}
	if ev.Status == protocol.EventClosed {
		return ev.Service, false, nil
	}
	closedAt := entry.Timestamp
	ev.Status = protocol.EventClosed
	ev.Version++
	ev.UpdatedAt = closedAt
	ev.ClosedAt = &closedAt
	s.closed[id] = closedRow{id: id, service: ev.Service, closedAt: closedAt}
	entry.Service = ev.Service
	s.appendJournalLocked(entry, limit)
	return ev.Service, true, nil
}

func (s *Store) swapLocked(ev *protocol.Event, expected int64) error {
	cur, ok := s.events[ev.ID]
	if !ok {
		return fmt.Errorf("event %s: %w", ev.ID, protocol.ErrNotFound)
	}
	if cur.Version != expected {
		return fmt.Errorf("event %s at version %d, expected %d: %w", ev.ID, cur.Version, expected, protocol.ErrVersionConflict)
	}
	s.events[ev.ID] = ev.Clone()
	if ev.Status == protocol.EventClosed && ev.ClosedAt != nil {
		if _, indexed := s.closed[ev.ID]; !indexed {
			s.closed[ev.ID] = closedRow{id: ev.ID, service: ev.Service, closedAt: *ev.ClosedAt}
		}
	}
	return nil
}

// ListByStatus returns copies of events in any of the given statuses, oldest first.
func (s *Store) ListByStatus(_ context.Context, statuses ...protocol.EventStatus) ([]*protocol.Event, []string, error) {
	want := make(map[protocol.EventStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*protocol.Event
	for _, ev := range s.events {
		if want[ev.Status] {
			out = append(out, ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil, nil
}

// FindOpenForService returns the most recently updated matching open event.
func (s *Store) FindOpenForService(_ context.Context, service string, since time.Time) (*protocol.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *protocol.Event
	for _, ev := range s.events {
		if ev.Service != service || !ev.Status.Open() || ev.UpdatedAt.Before(since) {
			continue
		}
		if best == nil || ev.UpdatedAt.After(best.UpdatedAt) {
			best = ev
		}
	}
	if best == nil {
		return nil, fmt.Errorf("open event for %s: %w", service, protocol.ErrNotFound)
	}
	return best.Clone(), nil
}

// RecentClosed returns the service's events closed at or after since, newest first.
func (s *Store) RecentClosed(_ context.Context, service string, since time.Time) ([]protocol.ClosedSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protocol.ClosedSummary
	for _, row := range s.closed {
		if row.service != service || row.closedAt.Before(since) {
			continue
		}
		summary := protocol.ClosedSummary{ID: row.id, Service: row.service, ClosedAt: row.closedAt}
		if ev, ok := s.events[row.id]; ok {
			summary.Summary = ev.Summary
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	return out, nil
}

// AppendJournal appends entry and drops the oldest entries beyond limit.
func (s *Store) AppendJournal(_ context.Context, entry protocol.JournalEntry, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendJournalLocked(entry, limit)
	return nil
}

func (s *Store) appendJournalLocked(entry protocol.JournalEntry, limit int) {
	entries := append(s.journal[entry.Service], entry)
	if limit > 0 && len(entries) > limit {
		entries = append([]protocol.JournalEntry(nil), entries[len(entries)-limit:]...)
	}
	s.journal[entry.Service] = entries
}

// Journal returns a copy of the service's entries, oldest first.
func (s *Store) Journal(_ context.Context, service string) ([]protocol.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.journal[service]
	if len(entries) == 0 {
		return nil, nil
	}
	return append([]protocol.JournalEntry(nil), entries...), nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
