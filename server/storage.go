// Package server implements the remote service side of the sync contract:
// a JSON-over-HTTP API the engine pushes queued mutations to and pulls the
// authoritative entity listing from.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrExists is returned when a create targets an id the server already
	// holds for that entity type.
	ErrExists = errors.New("record already exists")
	// ErrMissing is returned when an update or delete targets an unknown id.
	ErrMissing = errors.New("record not found")
)

// Record is one server-side entity row.
type Record struct {
	EntityType string          `json:"-"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Storage persists entities in SQLite. The server is the timestamp
// authority: every accepted write stamps updated_at here.
type Storage struct {
	db *sql.DB
}

// NewStorage opens (and if needed creates) the server database.
func NewStorage(db *sql.DB) (*Storage, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			payload      TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}
	return &Storage{db: db}, nil
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Insert stores a new record, rejecting duplicates with ErrExists.
func (s *Storage) Insert(ctx context.Context, entityType, id string, payload json.RawMessage) (time.Time, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (entity_type, entity_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
	`, entityType, id, string(payload), now.Format(timeLayout))
	if err != nil {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM records WHERE entity_type = ? AND entity_id = ?)
		`, entityType, id).Scan(&exists)
		if checkErr == nil && exists {
			return time.Time{}, fmt.Errorf("%s/%s: %w", entityType, id, ErrExists)
		}
		return time.Time{}, fmt.Errorf("failed to insert record: %w", err)
	}
	return now, nil
}

// Update replaces a record's payload, rejecting unknown ids with ErrMissing.
func (s *Storage) Update(ctx context.Context, entityType, id string, payload json.RawMessage) (time.Time, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET payload = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`, string(payload), now.Format(timeLayout), entityType, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return time.Time{}, fmt.Errorf("%s/%s: %w", entityType, id, ErrMissing)
	}
	return now, nil
}

// Delete removes a record. Deleting an absent record reports ErrMissing so
// the client can distinguish a repeat delete from a first one; the engine
// treats the resulting 404 as permanent and surfaces it.
func (s *Storage) Delete(ctx context.Context, entityType, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE entity_type = ? AND entity_id = ?
	`, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", entityType, id, ErrMissing)
	}
	return nil
}

// List returns every record of a type, ordered by id.
func (s *Storage) List(ctx context.Context, entityType string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, payload, updated_at
		FROM records WHERE entity_type = ?
		ORDER BY entity_id
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload, updatedAt string
		if err := rows.Scan(&rec.ID, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		ts, err := time.Parse(timeLayout, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt updated_at for %s/%s: %w", entityType, rec.ID, err)
		}
		rec.EntityType = entityType
		rec.Payload = json.RawMessage(payload)
		rec.UpdatedAt = ts
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}
