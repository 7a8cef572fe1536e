// Package catalog keeps a sqlite index of recordings for fast listing. The
// recordings directory stays the source of truth; the index is rebuilt from
// it on startup.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one listed recording.
type Entry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Date      string    `json:"date"`
	Duration  string    `json:"duration"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"-"`
}

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	date       TEXT NOT NULL,
	duration   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS recordings_created ON recordings (created_at DESC);
`

// Catalog is a sqlite-backed recording index.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the index at path. ":memory:" gives a private
// in-memory index.
func Open(path string) (*Catalog, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and :memory: is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Upsert inserts or replaces e.
func (c *Catalog) Upsert(ctx context.Context, e Entry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO recordings (id, name, date, duration, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			date = excluded.date,
			duration = excluded.duration,
			status = excluded.status,
			created_at = excluded.created_at
	`, e.ID, e.Name, e.Date, e.Duration, e.Status, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert recording %s: %w", e.ID, err)
	}
	return nil
}

// Delete removes id; deleting an unknown id is not an error.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete recording %s: %w", id, err)
	}
	return nil
}

// List returns entries newest first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, date, duration, status, created_at
		FROM recordings
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.Name, &e.Date, &e.Duration, &e.Status, &created); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Replace swaps the whole index for entries in one transaction.
func (c *Catalog) Replace(ctx context.Context, entries []Entry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reindex: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recordings`); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recordings (id, name, date, duration, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare reindex: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Name, e.Date, e.Duration, e.Status, e.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("index recording %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}
