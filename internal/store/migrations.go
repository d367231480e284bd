package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Timestamps are unix milliseconds so ordering compares integers.
const schema = `
CREATE TABLE IF NOT EXISTS items (
    fingerprint       TEXT PRIMARY KEY,
    kind              TEXT NOT NULL,
    source            TEXT NOT NULL DEFAULT '',
    title             TEXT NOT NULL,
    url               TEXT NOT NULL DEFAULT '',
    published_at      INTEGER,
    fetched_at        INTEGER NOT NULL,
    raw_text          TEXT NOT NULL DEFAULT '',
    authors           TEXT NOT NULL DEFAULT '[]',
    channel           TEXT NOT NULL DEFAULT '',
    thumbnail         TEXT NOT NULL DEFAULT '',
    tags              TEXT NOT NULL DEFAULT '[]',
    summary           TEXT,
    categories        TEXT,
    keywords          TEXT,
    importance_score  INTEGER,
    analyzed_at       INTEGER,
    analysis_attempts INTEGER NOT NULL DEFAULT 0,
    analysis_state    TEXT NOT NULL DEFAULT 'pending',
    last_analysis_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_items_kind ON items(kind);
CREATE INDEX IF NOT EXISTS idx_items_order ON items(COALESCE(published_at, fetched_at), fetched_at);
CREATE INDEX IF NOT EXISTS idx_items_analysis ON items(analysis_state, analysis_attempts);

CREATE TABLE IF NOT EXISTS current_view (
    category     TEXT NOT NULL,
    fingerprint  TEXT NOT NULL REFERENCES items(fingerprint),
    published_at INTEGER,
    fetched_at   INTEGER NOT NULL,
    seq          INTEGER NOT NULL,
    PRIMARY KEY (category, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_current_view_order
    ON current_view(category, COALESCE(published_at, fetched_at), fetched_at, seq);

CREATE TABLE IF NOT EXISTS refresh_runs (
    id          TEXT PRIMARY KEY,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    status      TEXT NOT NULL,
    fetched     INTEGER NOT NULL DEFAULT 0,
    new_items   INTEGER NOT NULL DEFAULT 0,
    duplicates  INTEGER NOT NULL DEFAULT 0,
    annotated   INTEGER NOT NULL DEFAULT 0,
    analysis_failed INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    sources     TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_refresh_runs_started ON refresh_runs(started_at);
`

// addedColumns are columns introduced after the first release. Databases
// created earlier get them through ALTER TABLE.
var addedColumns = []struct {
	table, column, ddl string
}{
	{"items", "last_analysis_at", "ALTER TABLE items ADD COLUMN last_analysis_at INTEGER"},
}

func migrate(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	for _, c := range addedColumns {
		var n int
		err := db.Get(&n, "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", c.table, c.column)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", c.table, err)
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(c.ddl); err != nil {
			return fmt.Errorf("add %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}
