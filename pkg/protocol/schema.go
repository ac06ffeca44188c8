package protocol

// SchemaDDL defines the SQLite schema for the event store.
// Tables: events (versioned documents), closed_events (time-ordered index), journal.
// Times are stored as Unix milliseconds.
const SchemaDDL = `
-- Event documents. version is the optimistic-concurrency counter.
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    service TEXT NOT NULL,
    status TEXT NOT NULL,
    version INTEGER NOT NULL,
    doc TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_status ON events (status);
CREATE INDEX IF NOT EXISTS idx_events_service ON events (service, status, updated_at);

-- Closed-event index for windowed recency queries.
CREATE TABLE IF NOT EXISTS closed_events (
    id TEXT PRIMARY KEY,
    service TEXT NOT NULL,
    closed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_closed_service ON closed_events (service, closed_at);

-- Per-service bounded journal.
CREATE TABLE IF NOT EXISTS journal (
    id INTEGER PRIMARY KEY,
    service TEXT NOT NULL,
    event_id TEXT,
    origin TEXT,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_service ON journal (service, id);
`

// PostgresSchemaDDL is the PostgreSQL flavour of SchemaDDL.
const PostgresSchemaDDL = `
CREATE TABLE IF NOT EXISTS opsbrain_events (
    id TEXT PRIMARY KEY,
    service TEXT NOT NULL,
    status TEXT NOT NULL,
    version BIGINT NOT NULL,
    doc JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_opsbrain_events_status ON opsbrain_events (status);
CREATE INDEX IF NOT EXISTS idx_opsbrain_events_service ON opsbrain_events (service, status, updated_at);

CREATE TABLE IF NOT EXISTS opsbrain_closed_events (
    id TEXT PRIMARY KEY,
    service TEXT NOT NULL,
    closed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_opsbrain_closed_service ON opsbrain_closed_events (service, closed_at);

CREATE TABLE IF NOT EXISTS opsbrain_journal (
    id BIGSERIAL PRIMARY KEY,
    service TEXT NOT NULL,
    event_id TEXT,
    origin TEXT,
    text TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_opsbrain_journal_service ON opsbrain_journal (service, id);
`
