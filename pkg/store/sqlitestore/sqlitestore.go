// Package sqlitestore is the default store.Backend, an embedded SQLite
// database (modernc.org/sqlite, no cgo). Each event is one JSON document
// row carrying a version column; CAS is a conditional UPDATE.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsbrain/pkg/protocol"
	"opsbrain/pkg/store"

	_ "modernc.org/sqlite"
)

var _ store.Backend = (*Store)(nil)

// Store implements store.Backend on a *sql.DB.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path with WAL journaling and a
// 5-second busy timeout, and applies the schema. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func wrap(op string, err error) error {
	return &protocol.StoreError{Op: op, Err: err}
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func decode(doc string) (*protocol.Event, error) {
	var ev protocol.Event
	if err := json.Unmarshal([]byte(doc), &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedEvent, err)
	}
	return &ev, nil
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, service, status, version, doc, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Service, string(ev.Status), ev.Version, string(doc),
		millis(ev.CreatedAt), millis(ev.UpdatedAt),
	)
	if err != nil {
		return wrap("insert", err)
	}
	return nil
}

// Load reads one event document.
func (s *Store) Load(ctx context.Context, id string) (*protocol.Event, error) {
	var (
		doc     string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT doc, version FROM events WHERE id = ?`, id).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, protocol.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("load", err)
	}
	ev, err := decode(doc)
	if err != nil {
		return nil, err
	}
	ev.Version = version
	return ev, nil
}

// CompareAndSwap writes ev if the row is still at version expected. A close
// also inserts the closed-index row in the same transaction.
func (s *Store) CompareAndSwap(ctx context.Context, ev *protocol.Event, expected int64) error {
	doc, err := encode(ev)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT service, status FROM events WHERE id = ?`, id).Scan(&service, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %s: %w", id, protocol.ErrNotFound)
		}
		if err != nil {
			return wrap("load row", err)
		}
		if status == string(protocol.EventClosed) {
			return nil
		}
		closedAt := millis(entry.Timestamp)
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			string(protocol.EventClosed), closedAt, id,
		); err != nil {
			return wrap("close row", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO closed_events (id, service, closed_at) VALUES (?, ?, ?)`,
			id, service, closedAt,
		); err != nil {
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

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
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
func swap(ctx context.Context, tx *sql.Tx, ev *protocol.Event, doc string, expected int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE events SET status = ?, version = ?, doc = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(ev.Status), ev.Version, doc, millis(ev.UpdatedAt), ev.ID, expected,
	)
	if err != nil {
		return wrap("cas", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("cas rows", err)
	}
	if n == 0 {
		var exists int
		scanErr := tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, ev.ID).Scan(&exists)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("event %s: %w", ev.ID, protocol.ErrNotFound)
		}
		if scanErr != nil {
			return wrap("cas exists", scanErr)
		}
		return fmt.Errorf("event %s expected version %d: %w", ev.ID, expected, protocol.ErrVersionConflict)
	}

	if ev.Status == protocol.EventClosed && ev.ClosedAt != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO closed_events (id, service, closed_at) VALUES (?, ?, ?)`,
			ev.ID, ev.Service, millis(*ev.ClosedAt),
		); err != nil {
			return wrap("index closed", err)
		}
	}
	return nil
}

// ListByStatus returns events in any of statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...protocol.EventStatus) ([]*protocol.Event, []string, error) {
	if len(statuses) == 0 {
		return nil, nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	query := `SELECT id, doc, version FROM events WHERE status IN (` + placeholders(len(args)) + `) ORDER BY created_at`
	return s.queryEvents(ctx, query, args...)
}

// FindOpenForService returns the newest open event for service updated at or after since.
func (s *Store) FindOpenForService(ctx context.Context, service string, since time.Time) (*protocol.Event, error) {
	evs, _, err := s.queryEvents(ctx,
		`SELECT id, doc, version FROM events
		 WHERE service = ? AND status != ? AND updated_at >= ?
		 ORDER BY updated_at DESC`,
		service, string(protocol.EventClosed), millis(since),
	)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, fmt.Errorf("open event for %s: %w", service, protocol.ErrNotFound)
	}
	return evs[0], nil
}

// queryEvents runs a query selecting (id, doc, version). Rows that fail to
// decode are skipped and their ids returned in malformed.
func (s *Store) queryEvents(ctx context.Context, query string, args ...any) (events []*protocol.Event, malformed []string, err error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, wrap("query events", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			doc     string
			version int64
		)
		if err := rows.Scan(&id, &doc, &version); err != nil {
			return nil, nil, wrap("scan event", err)
		}
		ev, err := decode(doc)
		if err != nil {
			malformed = append(malformed, id)
			continue
		}
		ev.Version = version
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrap("iterate events", err)
	}
	return events, malformed, nil
}

// RecentClosed reads the closed index for service since the given time,
// then fetches all matching documents in one IN query.
func (s *Store) RecentClosed(ctx context.Context, service string, since time.Time) ([]protocol.ClosedSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, closed_at FROM closed_events
		 WHERE service = ? AND closed_at >= ?
		 ORDER BY closed_at DESC`,
		service, millis(since),
	)
	if err != nil {
		return nil, wrap("query closed", err)
	}
	var out []protocol.ClosedSummary
	for rows.Next() {
		var (
			id       string
			closedAt int64
		)
		if err := rows.Scan(&id, &closedAt); err != nil {
			rows.Close()
			return nil, wrap("scan closed", err)
		}
		out = append(out, protocol.ClosedSummary{ID: id, Service: service, ClosedAt: fromMillis(closedAt)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate closed", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	args := make([]any, len(out))
	for i, row := range out {
		args[i] = row.ID
	}
	evs, _, err := s.queryEvents(ctx, `SELECT id, doc, version FROM events WHERE id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, err
	}
	summaries := make(map[string]string, len(evs))
	for _, ev := range evs {
		summaries[ev.ID] = ev.Summary
	}
	for i := range out {
		out[i].Summary = summaries[out[i].ID]
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// --- Journal ---

// AppendJournal inserts entry and trims the service to its newest limit rows.
func (s *Store) AppendJournal(ctx context.Context, entry protocol.JournalEntry, limit int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendJournal(ctx, tx, entry, limit)
	})
}

func appendJournal(ctx context.Context, tx *sql.Tx, entry protocol.JournalEntry, limit int) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO journal (service, event_id, origin, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.Service, entry.EventID, entry.Origin, entry.Text, millis(entry.Timestamp),
	); err != nil {
		return wrap("journal insert", err)
	}
	if limit > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM journal WHERE service = ? AND id NOT IN (
			   SELECT id FROM journal WHERE service = ? ORDER BY id DESC LIMIT ?)`,
			entry.Service, entry.Service, limit,
		); err != nil {
			return wrap("journal trim", err)
		}
	}
	return nil
}

// Journal returns the service's entries, oldest first.
func (s *Store) Journal(ctx context.Context, service string) ([]protocol.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, origin, text, created_at FROM journal WHERE service = ? ORDER BY id`,
		service,
	)
	if err != nil {
		return nil, wrap("query journal", err)
	}
	defer rows.Close()

	var out []protocol.JournalEntry
	for rows.Next() {
		var (
			eventID, origin sql.NullString
			text            string
			createdAt       int64
		)
		if err := rows.Scan(&eventID, &origin, &text, &createdAt); err != nil {
			return nil, wrap("scan journal", err)
		}
		out = append(out, protocol.JournalEntry{
			Service:   service,
			EventID:   eventID.String,
			Origin:    origin.String,
			Text:      text,
			Timestamp: fromMillis(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate journal", err)
	}
	return out, nil
}
