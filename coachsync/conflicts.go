package coachsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// recordConflict stores a permanently rejected mutation and flips the entity
// to the conflicted state in one transaction, so a crash between the two
// writes cannot leave the UI without a resolvable record.
func (s *Store) recordConflict(ctx context.Context, c Conflict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin conflict tx: %w", err)
	}
	defer tx.Rollback()
	if err := s.recordConflictOn(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflict tx: %w", err)
	}
	s.notify(StoreEvent{EntityType: c.EntityType, EntityID: c.EntityID})
	return nil
}

// recordConflictOn runs both conflict writes on the caller's transaction.
// Watcher notification is the caller's responsibility, after commit.
func (s *Store) recordConflictOn(ctx context.Context, q dbtx, c Conflict) error {
	var snapshot any
	if c.Snapshot != nil {
		snapshot = string(c.Snapshot)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO conflicts (entity_type, entity_id, kind, snapshot, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			kind = excluded.kind,
			snapshot = excluded.snapshot,
			reason = excluded.reason,
			occurred_at = excluded.occurred_at
	`, c.EntityType, c.EntityID, string(c.Kind), snapshot, c.Reason, c.OccurredAt.UTC().Format(timeLayout))
	if err != nil {
		return storageErr("failed to record conflict", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE entities SET sync_state = 'conflicted'
		WHERE entity_type = ? AND entity_id = ?
	`, c.EntityType, c.EntityID)
	if err != nil {
		return storageErr("failed to mark entity conflicted", err)
	}
	return nil
}

// Conflicts returns every entity awaiting manual resolution, oldest first.
func (s *Store) Conflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, kind, snapshot, reason, occurred_at
		FROM conflicts ORDER BY occurred_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var kind, occurredAt string
		var snapshot sql.NullString
		if err := rows.Scan(&c.EntityType, &c.EntityID, &kind, &snapshot, &c.Reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.Kind = OpKind(kind)
		if snapshot.Valid {
			c.Snapshot = []byte(snapshot.String)
		}
		ts, err := time.Parse(timeLayout, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt occurred_at for %s/%s: %w", c.EntityType, c.EntityID, err)
		}
		c.OccurredAt = ts
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}

// conflictFor returns the conflict record for one entity, or ErrNotFound.
func (s *Store) conflictFor(ctx context.Context, entityType, id string) (Conflict, error) {
	var c Conflict
	var kind, occurredAt string
	var snapshot sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, snapshot, reason, occurred_at
		FROM conflicts WHERE entity_type = ? AND entity_id = ?
	`, entityType, id).Scan(&kind, &snapshot, &c.Reason, &occurredAt)
	if err == sql.ErrNoRows {
		return Conflict{}, fmt.Errorf("conflict %s/%s: %w", entityType, id, ErrNotFound)
	}
	if err != nil {
		return Conflict{}, fmt.Errorf("failed to read conflict: %w", err)
	}
	c.EntityType = entityType
	c.EntityID = id
	c.Kind = OpKind(kind)
	if snapshot.Valid {
		c.Snapshot = []byte(snapshot.String)
	}
	ts, err := time.Parse(timeLayout, occurredAt)
	if err != nil {
		return Conflict{}, fmt.Errorf("corrupt occurred_at: %w", err)
	}
	c.OccurredAt = ts
	return c, nil
}

// clearConflict removes the conflict record for one entity.
func (s *Store) clearConflict(ctx context.Context, entityType, id string) error {
	return s.clearConflictOn(ctx, s.db, entityType, id)
}

func (s *Store) clearConflictOn(ctx context.Context, q dbtx, entityType, id string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM conflicts WHERE entity_type = ? AND entity_id = ?
	`, entityType, id)
	if err != nil {
		return storageErr("failed to clear conflict", err)
	}
	return nil
}

// conflictCount returns the number of entities awaiting resolution.
func (s *Store) conflictCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}
