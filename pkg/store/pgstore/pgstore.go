// Package pgstore provides a PostgreSQL store.Backend for deployments where
// several brains share one event store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsbrain/pkg/protocol"
	"opsbrain/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ store.Backend = (*Store)(nil)

// Store implements store.Backend with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. Call Migrate before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and applies the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, protocol.PostgresSchemaDDL); err != nil {
		return wrap("migrate", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func wrap(op string, err error) error {
	return &protocol.StoreError{Op: op, Err: err}
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Events ---

// Insert stores a new event document.
func (s *Store) Insert(ctx context.Context, ev *protocol.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO opsbrain_events (id, service, status, version, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.Service, string(ev.Status), ev.Version, string(doc), ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return wrap("insert", err)
	}
	return nil
}

// Load reads one event document.
func (s *Store) Load(ctx context.Context, id string) (*protocol.Event, error) {
	evs, malformed, err := s.queryEvents(ctx, s.pool, `SELECT id, doc, version FROM opsbrain_events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(malformed) > 0 {
		return nil, fmt.Errorf("event %s: %w", id, protocol.ErrMalformedEvent)
	}
	if len(evs) == 0 {
		return nil, fmt.Errorf("event %s: %w", id, protocol.ErrNotFound)
	}
	return evs[0], nil
}

// CompareAndSwap updates the row only if it is still at version expected,
// and indexes a close in the same transaction.
func (s *Store) CompareAndSwap(ctx context.Context, ev *protocol.Event, expected int64) error {
	doc, err := encode(ev)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return swap(ctx, tx, ev, doc, expected)
	})
}

// CloseWithJournal swaps in the closed event and journals entry in one transaction.
func (s *Store) CloseWithJournal(ctx context.Context, ev *protocol.Event, expected int64, entry protocol.JournalEntry, limit int) error {
	if ev.Status != protocol.EventClosed {
		return fmt.Errorf("close %s: status is %s", ev.ID, ev.Status)
	}
	doc, err := encode(ev)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := swap(ctx, tx, ev, doc, expected); err != nil {
			return err
		}
		return appendJournal(ctx, tx, entry, limit)
	})
}

// CloseMalformed closes the row by its columns alone, leaving doc untouched.
func (s *Store) CloseMalformed(ctx context.Context, id string, entry protocol.JournalEntry, limit int) (string, bool, error) {
	var (
		service      string
		transitioned bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT service, status FROM opsbrain_events WHERE id = $1 FOR UPDATE`, id).Scan(&service, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("event %s: %w", id, protocol.ErrNotFound)
		}
		if err != nil {
			return wrap("load row", err)
		}
		if status == string(protocol.EventClosed) {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE opsbrain_events SET status = $1, version = version + 1, updated_at = $2
			WHERE id = $3
		`, string(protocol.EventClosed), entry.Timestamp, id); err != nil {
			return wrap("close row", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO opsbrain_closed_events (id, service, closed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, id, service, entry.Timestamp); err != nil {
			return wrap("index closed", err)
		}
		entry.Service = service
		if err := appendJournal(ctx, tx, entry, limit); err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return service, transitioned, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit", err)
	}
	return nil
}

func encode(ev *protocol.Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return string(doc), nil
}

// swap is the conditional UPDATE behind every CAS write.
func swap(ctx context.Context, tx pgx.Tx, ev *protocol.Event, doc string, expected int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE opsbrain_events SET status = $1, version = $2, doc = $3, updated_at = $4
		WHERE id = $5 AND version = $6
	`, string(ev.Status), ev.Version, doc, ev.UpdatedAt, ev.ID, expected)
	if err != nil {
		return wrap("cas", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM opsbrain_events WHERE id = $1`, ev.ID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("event %s: %w", ev.ID, protocol.ErrNotFound)
		}
		if err != nil {
			return wrap("cas exists", err)
		}
		return fmt.Errorf("event %s expected version %d: %w", ev.ID, expected, protocol.ErrVersionConflict)
	}

	if ev.Status == protocol.EventClosed && ev.ClosedAt != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO opsbrain_closed_events (id, service, closed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, ev.ID, ev.Service, *ev.ClosedAt); err != nil {
			return wrap("index closed", err)
		}
	}
	return nil
}

// ListByStatus returns events in any of statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...protocol.EventStatus) ([]*protocol.Event, []string, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.queryEvents(ctx, s.pool, `
		SELECT id, doc, version FROM opsbrain_events
		WHERE status = ANY($1)
		ORDER BY created_at
	`, names)
}

// FindOpenForService returns the newest open event for service updated at or after since.
func (s *Store) FindOpenForService(ctx context.Context, service string, since time.Time) (*protocol.Event, error) {
	evs, _, err := s.queryEvents(ctx, s.pool, `
		SELECT id, doc, version FROM opsbrain_events
		WHERE service = $1 AND status <> $2 AND updated_at >= $3
		ORDER BY updated_at DESC
	`, service, string(protocol.EventClosed), since)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, fmt.Errorf("open event for %s: %w", service, protocol.ErrNotFound)
	}
	return evs[0], nil
}

// queryEvents runs a query selecting (id, doc, version). Rows whose JSON
// does not decode into an event are skipped and their ids returned in malformed.
func (s *Store) queryEvents(ctx context.Context, q querier, sql string, args ...any) (events []*protocol.Event, malformed []string, err error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, wrap("query events", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			doc     []byte
			version int64
		)
		if err := rows.Scan(&id, &doc, &version); err != nil {
			return nil, nil, wrap("scan event", err)
		}
		var ev protocol.Event
		if err := json.Unmarshal(doc, &ev); err != nil {
			malformed = append(malformed, id)
			continue
		}
		ev.Version = version
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrap("iterate events", err)
	}
	return events, malformed, nil
}

// RecentClosed reads the closed index for service, then pipelines one
// summary lookup per event in a single batch round trip.
func (s *Store) RecentClosed(ctx context.Context, service string, since time.Time) ([]protocol.ClosedSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, closed_at FROM opsbrain_closed_events
		WHERE service = $1 AND closed_at >= $2
		ORDER BY closed_at DESC
	`, service, since)
	if err != nil {
		return nil, wrap("query closed", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (protocol.ClosedSummary, error) {
		c := protocol.ClosedSummary{Service: service}
		err := row.Scan(&c.ID, &c.ClosedAt)
		return c, err
	})
	if err != nil {
		return nil, wrap("scan closed", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, c := range out {
		batch.Queue(`SELECT COALESCE(doc->>'summary', '') FROM opsbrain_events WHERE id = $1`, c.ID)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range out {
		err := results.QueryRow().Scan(&out[i].Summary)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, wrap("batch summary", err)
		}
	}
	return out, nil
}

// --- Journal ---

// AppendJournal inserts entry and trims the service to its newest limit rows.
func (s *Store) AppendJournal(ctx context.Context, entry protocol.JournalEntry, limit int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return appendJournal(ctx, tx, entry, limit)
	})
}

func appendJournal(ctx context.Context, tx pgx.Tx, entry protocol.JournalEntry, limit int) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO opsbrain_journal (service, event_id, origin, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.Service, entry.EventID, entry.Origin, entry.Text, entry.Timestamp); err != nil {
		return wrap("journal insert", err)
	}
	if limit > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM opsbrain_journal
			WHERE service = $1 AND id NOT IN (
				SELECT id FROM opsbrain_journal WHERE service = $1 ORDER BY id DESC LIMIT $2
			)
		`, entry.Service, limit); err != nil {
			return wrap("journal trim", err)
		}
	}
	return nil
}

// Journal returns the service's entries, oldest first.
func (s *Store) Journal(ctx context.Context, service string) ([]protocol.JournalEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(event_id, ''), COALESCE(origin, ''), text, created_at
		FROM opsbrain_journal
		WHERE service = $1
		ORDER BY id
	`, service)
	if err != nil {
		return nil, wrap("query journal", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (protocol.JournalEntry, error) {
		e := protocol.JournalEntry{Service: service}
		err := row.Scan(&e.EventID, &e.Origin, &e.Text, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, wrap("scan journal", err)
	}
	return entries, nil
}
