// Package store implements the versioned event store. Every mutation of an
// event goes through Mutate, a read-copy-conditional-write loop over a
// Backend that supports compare-and-swap on a per-event version. Backends
// live in the memstore, sqlitestore and pgstore subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opsbrain/pkg/protocol"

	"github.com/google/uuid"
)

// --- Errors ---

// ErrConcurrencyExhausted is matched by errors.Is on a ConcurrencyExhaustedError.
var ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")

// ErrNoChange is returned by a mutation func to skip the write. Mutate then
// returns the current event and a nil error.
var ErrNoChange = errors.New("no change")

// ErrUnknownTurn is returned when a status mark names a turn the event does not have.
var ErrUnknownTurn = errors.New("unknown turn")

// ErrNotAwaitingApproval is returned when an approval answer reaches an
// event that is not waiting for one.
var ErrNotAwaitingApproval = errors.New("event is not waiting for approval")

// ConcurrencyExhaustedError reports that every CAS attempt lost to a
// concurrent writer. The event itself is intact; callers may skip it and
// retry on a later cycle.
type ConcurrencyExhaustedError struct {
	EventID  string
	Attempts int
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("event %s: %d CAS attempts lost to concurrent writers", e.EventID, e.Attempts)
}

func (e *ConcurrencyExhaustedError) Unwrap() error {
	return ErrConcurrencyExhausted
}

// --- Backend ---

// Backend is the storage contract. Implementations must be safe for
// concurrent use and must return protocol.ErrNotFound for unknown ids and
// protocol.ErrVersionConflict when a CAS write loses.
type Backend interface {
	// Insert stores a brand-new event document.
	Insert(ctx context.Context, ev *protocol.Event) error

	// Load returns the stored event, including its version.
	Load(ctx context.Context, id string) (*protocol.Event, error)

	// CompareAndSwap replaces the stored event if its version still equals
	// expected. ev.Version is already expected+1. When ev.Status is closed the
	// backend records ev in the closed index within the same atomic write.
	CompareAndSwap(ctx context.Context, ev *protocol.Event, expected int64) error

	// ListByStatus returns every event whose status is one of statuses. Rows
	// whose document cannot be decoded are left out of events and reported by
	// id in malformed.
	ListByStatus(ctx context.Context, statuses ...protocol.EventStatus) (events []*protocol.Event, malformed []string, err error)

	// CloseWithJournal is CompareAndSwap for a close (ev.Status is closed)
	// that also appends entry to the service journal, trimmed to limit, in
	// the same atomic write.
	CloseWithJournal(ctx context.Context, ev *protocol.Event, expected int64, entry protocol.JournalEntry, limit int) error

	// CloseMalformed closes an event without decoding its document: the
	// stored status becomes closed, the version advances, the closed index
	// gets a row and entry is journaled under the row's service, all in one
	// atomic write. transitioned is false when the row was already closed.
	CloseMalformed(ctx context.Context, id string, entry protocol.JournalEntry, limit int) (service string, transitioned bool, err error)

	// FindOpenForService returns the most recently updated open event for
	// service whose last update is at or after since.
	FindOpenForService(ctx context.Context, service string, since time.Time) (*protocol.Event, error)

	// RecentClosed returns events of service closed at or after since, newest
	// first, using one ranged index read plus one batched fetch.
	RecentClosed(ctx context.Context, service string, since time.Time) ([]protocol.ClosedSummary, error)

	// AppendJournal appends an entry and keeps only the newest limit entries.
	AppendJournal(ctx context.Context, entry protocol.JournalEntry, limit int) error

	// Journal returns the service's entries, oldest first.
	Journal(ctx context.Context, service string) ([]protocol.JournalEntry, error)

	// Close releases backend resources.
	Close() error
}

// --- Store ---

// Options configures a Store.
type Options struct {
	MaxRetries      int           // CAS retries after the first attempt (default 5).
	Backoff         Backoff       // Delay between CAS retries (default DefaultBackoff).
	JournalLimit    int           // Entries kept per service (default 50).
	JournalMaxLen   int           // Max runes per entry (default 500).
	JournalCacheTTL time.Duration // Journal read cache TTL (default 5s).
	Logger          *slog.Logger
	Now             func() time.Time
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxRetries <= 0 {
		out.MaxRetries = 5
	}
	if out.Backoff == (Backoff{}) {
		out.Backoff = DefaultBackoff()
	}
	if out.JournalLimit <= 0 {
		out.JournalLimit = 50
	}
	if out.JournalMaxLen <= 0 {
		out.JournalMaxLen = 500
	}
	if out.JournalCacheTTL <= 0 {
		out.JournalCacheTTL = 5 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// StatusListener is called after turn statuses change. A nil turns slice
// means the mark applied to all turns.
type StatusListener func(eventID string, status protocol.TurnStatus, turns []int)

// Store is the transactional API over a Backend.
type Store struct {
	backend Backend
	opts    Options
	log     *slog.Logger
	journal *journalCache

	mu        sync.RWMutex
	listeners []StatusListener
}

// New creates a Store over backend.
func New(backend Backend, opts Options) *Store {
	resolved := opts.withDefaults()
	return &Store{
		backend: backend,
		opts:    resolved,
		log:     resolved.Logger.With("component", "store"),
		journal: newJournalCache(resolved.JournalCacheTTL, resolved.Now),
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// OnStatusChange registers fn to be called after every successful status mark.
func (s *Store) OnStatusChange(fn StatusListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(eventID string, status protocol.TurnStatus, turns []int) {
	s.mu.RLock()
	listeners := append([]StatusListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(eventID, status, turns)
	}
}

// Mutate applies fn to a private copy of the event and writes it back with
// compare-and-swap. On a version conflict it re-reads and re-applies fn, up
// to MaxRetries times with jittered backoff. fn may run more than once and
// must only touch the event it is given and its own captured results.
func (s *Store) Mutate(ctx context.Context, id string, fn func(ev *protocol.Event) error) (*protocol.Event, error) {
	return s.mutate(ctx, id, fn, s.backend.CompareAndSwap)
}

// commitFunc writes next if the stored version is still expected.
type commitFunc func(ctx context.Context, next *protocol.Event, expected int64) error

func (s *Store) mutate(ctx context.Context, id string, fn func(ev *protocol.Event) error, commit commitFunc) (*protocol.Event, error) {
	attempts := s.opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.opts.Backoff.NextDelay(attempt)); err != nil {
				return nil, err
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		cur, err := s.backend.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return cur, nil
			}
			return nil, err
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = s.opts.Now()

		err = commit(ctx, next, cur.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, protocol.ErrVersionConflict) {
			return nil, err
		}
		s.log.Debug("cas conflict", "event_id", id, "attempt", attempt+1)
	}
	return nil, &ConcurrencyExhaustedError{EventID: id, Attempts: attempts}
}

// --- Events ---

// NewEvent carries the ingestion fields of create_event.
type NewEvent struct {
	Service  string
	Source   protocol.Source
	Evidence protocol.Evidence
}

// CreateEvent stores a new event with status new and version 0. Its first
// turn carries the signal and is already delivered to the orchestrator.
func (s *Store) CreateEvent(ctx context.Context, in NewEvent) (*protocol.Event, error) {
	if in.Service == "" {
		return nil, errors.New("create event: service is required")
	}
	if !in.Source.Valid() {
		return nil, fmt.Errorf("create event: invalid source %q", in.Source)
	}
	if err := in.Evidence.Validate(); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	now := s.opts.Now()
	evidence := in.Evidence
	first := TurnBuilder{
		Actor:    in.Source.Actor(),
		Action:   protocol.ActionSignal,
		Evidence: &evidence,
	}.build(1, now)
	first.Advance(protocol.TurnDelivered, now)

	ev := &protocol.Event{
		ID:           uuid.NewString(),
		Service:      in.Service,
		Source:       in.Source,
		Status:       protocol.EventNew,
		Evidence:     in.Evidence,
		Conversation: []protocol.Turn{first},
		Version:      0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.backend.Insert(ctx, ev); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	s.notify(ev.ID, protocol.TurnDelivered, []int{1})
	return ev, nil
}

// GetEvent returns the event or protocol.ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (*protocol.Event, error) {
	return s.backend.Load(ctx, id)
}

// ListOpen returns every event that is not closed, plus the ids of open
// rows whose documents cannot be decoded.
func (s *Store) ListOpen(ctx context.Context) ([]*protocol.Event, []string, error) {
	events, malformed, err := s.backend.ListByStatus(ctx, protocol.OpenStatuses...)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range malformed {
		s.log.Warn("unreadable event document", "event_id", id)
	}
	return events, malformed, nil
}

// FindOpenForService returns the open event for service with activity since
// the given time, or protocol.ErrNotFound.
func (s *Store) FindOpenForService(ctx context.Context, service string, since time.Time) (*protocol.Event, error) {
	return s.backend.FindOpenForService(ctx, service, since)
}

// RecentClosedForService returns events of service closed within window.
func (s *Store) RecentClosedForService(ctx context.Context, service string, window time.Duration) ([]protocol.ClosedSummary, error) {
	return s.backend.RecentClosed(ctx, service, s.opts.Now().Add(-window))
}

// setStatus validates and applies a status change on ev.
func setStatus(ev *protocol.Event, to protocol.EventStatus) error {
	if err := protocol.ValidateTransition(ev.Status, to); err != nil {
		return fmt.Errorf("event %s: %w", ev.ID, err)
	}
	ev.Status = to
	if to != protocol.EventDeferred {
		ev.WakeAt = nil
	}
	return nil
}

// Transition moves the event to status to. If note is non-nil its turn is
// appended (status sent) in the same write. Moving to the current status
// without a note is a no-op.
func (s *Store) Transition(ctx context.Context, id string, to protocol.EventStatus, note *TurnBuilder) (*protocol.Event, error) {
	if note != nil {
		if err := note.validate(); err != nil {
			return nil, err
		}
	}
	return s.Mutate(ctx, id, func(ev *protocol.Event) error {
		if ev.Status == to && note == nil {
			return ErrNoChange
		}
		if err := setStatus(ev, to); err != nil {
			return err
		}
		if note != nil {
			ev.Conversation = append(ev.Conversation, note.build(ev.NextTurnNumber(), s.opts.Now()))
		}
		return nil
	})
}

// Defer parks the event until the given time with a brain note explaining why.
func (s *Store) Defer(ctx context.Context, id string, until time.Time, note string) (*protocol.Event, error) {
	return s.Mutate(ctx, id, func(ev *protocol.Event) error {
		if err := setStatus(ev, protocol.EventDeferred); err != nil {
			return err
		}
		wake := until
		ev.WakeAt = &wake
		ev.Conversation = append(ev.Conversation, TurnBuilder{
			Actor:    protocol.ActorBrain,
			Action:   protocol.ActionDefer,
			Thoughts: note,
		}.build(ev.NextTurnNumber(), s.opts.Now()))
		return nil
	})
}

// AnswerApproval records the user's answer to a pending plan. In one write
// it clears pending_approval on earlier turns, appends b as a delivered
// inbound turn and moves the event back to active.
func (s *Store) AnswerApproval(ctx context.Context, id string, b TurnBuilder) (protocol.Turn, error) {
	if err := b.validate(); err != nil {
		return protocol.Turn{}, err
	}
	var appended protocol.Turn
	_, err := s.Mutate(ctx, id, func(ev *protocol.Event) error {
		if ev.Status != protocol.EventWaitingApproval {
			return fmt.Errorf("%w: %s is %s", ErrNotAwaitingApproval, ev.ID, ev.Status)
		}
		for i := range ev.Conversation {
			ev.Conversation[i].PendingApproval = false
		}
		if err := setStatus(ev, protocol.EventActive); err != nil {
			return err
		}
		now := s.opts.Now()
		t := b.build(ev.NextTurnNumber(), now)
		t.Advance(protocol.TurnDelivered, now)
		ev.Conversation = append(ev.Conversation, t)
		appended = t
		return nil
	})
	if err != nil {
		return protocol.Turn{}, fmt.Errorf("answer approval on %s: %w", id, err)
	}
	s.notify(id, protocol.TurnDelivered, []int{appended.Turn})
	return appended, nil
}

// CloseEvent appends a final human-readable close turn and sets the event
// closed in one CAS write. transitioned is false when the event was already
// closed, in which case nothing is written.
func (s *Store) CloseEvent(ctx context.Context, id, reason string) (ev *protocol.Event, transitioned bool, err error) {
	return s.closeEvent(ctx, id, reason, s.backend.CompareAndSwap)
}

// JournalFunc builds the journal entry for an event about to be closed.
type JournalFunc func(closed *protocol.Event) protocol.JournalEntry

// CloseWithJournal is CloseEvent plus a journal entry built by entry, written
// in the same atomic write as the close. Either both are stored or neither.
func (s *Store) CloseWithJournal(ctx context.Context, id, reason string, entry JournalFunc) (*protocol.Event, bool, error) {
	var service string
	ev, transitioned, err := s.closeEvent(ctx, id, reason, func(ctx context.Context, next *protocol.Event, expected int64) error {
		e, err := s.prepareEntry(entry(next))
		if err != nil {
			return err
		}
		if e.Service == "" {
			e.Service = next.Service
		}
		service = e.Service
		return s.backend.CloseWithJournal(ctx, next, expected, e, s.opts.JournalLimit)
	})
	if transitioned {
		s.journal.invalidate(service)
	}
	return ev, transitioned, err
}

// CloseMalformed closes an event whose stored document cannot be decoded and
// journals entry under the row's service in the same write. It returns the
// service and whether this call closed the event.
func (s *Store) CloseMalformed(ctx context.Context, id string, entry protocol.JournalEntry) (string, bool, error) {
	e, err := s.prepareEntry(entry)
	if err != nil {
		return "", false, err
	}
	if e.EventID == "" {
		e.EventID = id
	}
	service, transitioned, err := s.backend.CloseMalformed(ctx, id, e, s.opts.JournalLimit)
	if err != nil {
		return "", false, fmt.Errorf("close malformed %s: %w", id, err)
	}
	if transitioned {
		s.journal.invalidate(service)
	}
	return service, transitioned, nil
}

func (s *Store) closeEvent(ctx context.Context, id, reason string, commit commitFunc) (ev *protocol.Event, transitioned bool, err error) {
	ev, err = s.mutate(ctx, id, func(ev *protocol.Event) error {
		transitioned = false
		if ev.Status == protocol.EventClosed {
			return ErrNoChange
		}
		if err := setStatus(ev, protocol.EventClosed); err != nil {
			return err
		}
		now := s.opts.Now()
		final := TurnBuilder{
			Actor:    protocol.ActorBrain,
			Action:   protocol.ActionClose,
			Thoughts: reason,
		}.build(ev.NextTurnNumber(), now)
		final.Advance(protocol.TurnEvaluated, now)
		ev.Conversation = append(ev.Conversation, final)
		ev.ClosedAt = &now
		ev.CloseReason = reason
		ev.Summary = summarize(ev, reason)
		transitioned = true
		return nil
	}, commit)
	if err != nil {
		return nil, false, err
	}
	return ev, transitioned, nil
}

// summarize builds the one-line summary kept in the closed index.
func summarize(ev *protocol.Event, reason string) string {
	summary := fmt.Sprintf("%s (%d turns)", reason, len(ev.Conversation))
	for i := len(ev.Conversation) - 1; i >= 0; i-- {
		t := ev.Conversation[i]
		if t.Actor.IsAgent() && t.Action == protocol.ActionResult {
			return summary + "; last result: " + truncate(t.Result, 200)
		}
	}
	return summary
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
