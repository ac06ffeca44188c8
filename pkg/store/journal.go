package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"opsbrain/pkg/protocol"
)

// AppendJournal records a note for entry.Service. Text is truncated to
// JournalMaxLen runes and only the newest JournalLimit entries are kept.
func (s *Store) AppendJournal(ctx context.Context, entry protocol.JournalEntry) error {
	if entry.Service == "" {
		return errors.New("append journal: service is required")
	}
	entry, err := s.prepareEntry(entry)
	if err != nil {
		return err
	}
	s.journal.invalidate(entry.Service)
	if err := s.backend.AppendJournal(ctx, entry, s.opts.JournalLimit); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	s.journal.invalidate(entry.Service)
	return nil
}

// prepareEntry trims and bounds entry text and stamps it with the current
// time when it has none.
func (s *Store) prepareEntry(entry protocol.JournalEntry) (protocol.JournalEntry, error) {
	entry.Text = strings.TrimSpace(entry.Text)
	if entry.Text == "" {
		return entry, errors.New("append journal: text is required")
	}
	entry.Text = truncate(entry.Text, s.opts.JournalMaxLen)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.opts.Now()
	}
	return entry, nil
}

// Journal returns the service's entries, oldest first. Reads are served from
// a short-lived cache that every append for the service invalidates.
func (s *Store) Journal(ctx context.Context, service string) ([]protocol.JournalEntry, error) {
	cached, gen, ok := s.journal.get(service)
	if ok {
		return cached, nil
	}
	entries, err := s.backend.Journal(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	s.journal.put(service, entries, gen)
	return copyEntries(entries), nil
}

// --- Cache ---

type journalCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cachedJournal
	gens    map[string]uint64
}

type cachedJournal struct {
	entries []protocol.JournalEntry
	expires time.Time
}

func newJournalCache(ttl time.Duration, now func() time.Time) *journalCache {
	return &journalCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cachedJournal),
		gens:    make(map[string]uint64),
	}
}

// get returns a copy of the cached entries, or the current generation to
// pass to put after a miss.
func (c *journalCache) get(service string) ([]protocol.JournalEntry, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hit, ok := c.entries[service]
	if ok && c.now().Before(hit.expires) {
		return copyEntries(hit.entries), 0, true
	}
	delete(c.entries, service)
	return nil, c.gens[service], false
}

// put caches entries unless the service was invalidated since gen was read.
func (c *journalCache) put(service string, entries []protocol.JournalEntry, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[service] != gen {
		return
	}
	c.entries[service] = cachedJournal{entries: copyEntries(entries), expires: c.now().Add(c.ttl)}
}

func (c *journalCache) invalidate(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[service]++
	delete(c.entries, service)
}

func copyEntries(in []protocol.JournalEntry) []protocol.JournalEntry {
	if in == nil {
		return nil
	}
	return append([]protocol.JournalEntry(nil), in...)
}
