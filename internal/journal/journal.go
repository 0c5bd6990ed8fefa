package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Journal keeps a playback history in SQLite. Writes are best effort and
// live outside every control path; a failed insert never affects playback.
type Journal struct {
	db *sql.DB
}

// Entry is one recorded playback.
type Entry struct {
	ID        int64     `json:"id"`
	File      string    `json:"file"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Position  float64   `json:"position"`
}

// Open creates or opens the history database at dbPath.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS plays (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			reason TEXT,
			position REAL NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_plays_started ON plays(started_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// RecordStart inserts a new play row and returns its id.
func (j *Journal) RecordStart(ctx context.Context, file string) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		"INSERT INTO plays (file, started_at) VALUES (?, ?)",
		file, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert play: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get insert id: %w", err)
	}
	return id, nil
}

// RecordEnd closes a play row with the end reason (stopped, eof, replaced,
// failed) and the last known position.
func (j *Journal) RecordEnd(ctx context.Context, id int64, reason string, position float64) error {
	result, err := j.db.ExecContext(ctx,
		"UPDATE plays SET ended_at = ?, reason = ?, position = ? WHERE id = ?",
		time.Now().Unix(), reason, position, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update play: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("play with id %d not found", id)
	}
	return nil
}

// Recent returns the most recent plays, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, file, started_at, COALESCE(ended_at, 0), COALESCE(reason, ''), position
		FROM plays
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query plays: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var started, ended int64
		if err := rows.Scan(&e.ID, &e.File, &started, &ended, &e.Reason, &e.Position); err != nil {
			return nil, fmt.Errorf("failed to scan play: %w", err)
		}
		e.StartedAt = time.Unix(started, 0)
		if ended > 0 {
			e.EndedAt = time.Unix(ended, 0)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plays: %w", err)
	}
	return entries, nil
}

// Cleanup removes finished plays older than maxAge to prevent unbounded
// growth.
func (j *Journal) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()

	result, err := j.db.ExecContext(ctx,
		"DELETE FROM plays WHERE ended_at IS NOT NULL AND started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old plays: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}
