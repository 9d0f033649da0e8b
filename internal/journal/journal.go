// Package journal keeps a local SQLite record of multipart uploads that were
// initiated but not yet completed or aborted, so they can be listed and
// cleaned up later.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	// SQLite driver.
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS uploads (
	id          TEXT PRIMARY KEY,
	upload_id   TEXT NOT NULL UNIQUE,
	remote_path TEXT NOT NULL,
	local_path  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS uploads_created_at ON uploads (created_at);
`

// Entry is an open multipart upload.
type Entry struct {
	ID       ulid.ULID `json:"id"`
	UploadID string    `json:"upload_id"`
	// RemotePath is the request path the upload was initiated for.
	RemotePath string    `json:"remote_path"`
	LocalPath  string    `json:"local_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Journal is the upload journal.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err = configureSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

func configureSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores an open upload. ID and CreatedAt are filled in when zero.
// Recording an upload id twice replaces the earlier entry.
func (j *Journal) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.UploadID == "" {
		return Entry{}, errors.New("upload id is required")
	}
	if e.ID.IsZero() {
		e.ID = ulid.Make()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Millisecond)

	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO uploads (id, upload_id, remote_path, local_path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ID.String(), e.UploadID, e.RemotePath, e.LocalPath, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to record upload %s: %w", e.UploadID, err)
	}

	return e, nil
}

// Remove deletes the entry of uploadID and reports whether one existed.
func (j *Journal) Remove(ctx context.Context, uploadID string) (bool, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM uploads WHERE upload_id = ?`, uploadID)
	if err != nil {
		return false, fmt.Errorf("failed to remove upload %s: %w", uploadID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns all open uploads, oldest first.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, upload_id, remote_path, local_path, created_at FROM uploads ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			id      string
			created int64
		)
		if err = rows.Scan(&id, &e.UploadID, &e.RemotePath, &e.LocalPath, &created); err != nil {
			return nil, err
		}
		if e.ID, err = ulid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid entry id %q: %w", id, err)
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
