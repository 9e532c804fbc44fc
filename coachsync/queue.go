package coachsync

import (
	"context"
	"database/sql"
	"fmt"
)

// Queue is the durable log of local mutations not yet confirmed by the
// remote service. Enqueue coalesces so that at most one operation exists per
// entity; the drain order is strictly by op_id, and a failed operation keeps
// its position rather than moving to the back.
type Queue struct {
	db *sql.DB
}

func newQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// EnqueueResult reports what coalescing decided for one local mutation.
type EnqueueResult struct {
	// Dropped is true when a delete cancelled a never-sent create: the
	// entity never existed remotely, so no network operation is needed and
	// the caller should drop the entity locally.
	Dropped bool
	// Coalesced is true when the mutation folded into an existing queue
	// entry instead of appending a new one.
	Coalesced bool
}

// Enqueue records a local mutation, applying the coalescing rules:
//
//   - no existing op for the entity: append a new entry
//   - update over a queued create/update: replace the snapshot in place,
//     keeping the original op id and kind (a create stays a create)
//   - delete over a queued update: the entry becomes the sole delete
//   - delete over a never-attempted create: the entry is removed outright
//     and Dropped is reported
//
// This bounds the queue to one outstanding operation per entity, so the
// remote service only ever sees the final intended state.
func (q *Queue) Enqueue(ctx context.Context, entityType, id string, kind OpKind, snapshot []byte) (EnqueueResult, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	result, err := q.enqueueOn(ctx, tx, entityType, id, kind, snapshot)
	if err != nil {
		return EnqueueResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return result, nil
}

// enqueueOn applies the coalescing rules on the caller's transaction, which
// provides the read-then-write atomicity.
func (q *Queue) enqueueOn(ctx context.Context, db dbtx, entityType, id string, kind OpKind, snapshot []byte) (EnqueueResult, error) {
	var existingKind string
	var attempts int
	err := db.QueryRowContext(ctx, `
		SELECT kind, attempts FROM pending_ops
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, id).Scan(&existingKind, &attempts)

	var snapArg any
	if snapshot != nil {
		snapArg = string(snapshot)
	}

	switch {
	case err == sql.ErrNoRows:
		_, err = db.ExecContext(ctx, `
			INSERT INTO pending_ops (entity_type, entity_id, kind, snapshot)
			VALUES (?, ?, ?, ?)
		`, entityType, id, string(kind), snapArg)
		if err != nil {
			return EnqueueResult{}, storageErr("failed to enqueue operation", err)
		}
		return EnqueueResult{}, nil

	case err != nil:
		return EnqueueResult{}, fmt.Errorf("failed to read queued operation: %w", err)
	}

	if kind == OpDelete {
		if OpKind(existingKind) == OpCreate && attempts == 0 {
			// The create was never sent: the entity never existed remotely.
			_, err = db.ExecContext(ctx, `
				DELETE FROM pending_ops WHERE entity_type = ? AND entity_id = ?
			`, entityType, id)
			if err != nil {
				return EnqueueResult{}, storageErr("failed to cancel queued create", err)
			}
			return EnqueueResult{Dropped: true, Coalesced: true}, nil
		}
		_, err = db.ExecContext(ctx, `
			UPDATE pending_ops SET kind = 'delete', snapshot = NULL, last_error = ''
			WHERE entity_type = ? AND entity_id = ?
		`, entityType, id)
		if err != nil {
			return EnqueueResult{}, storageErr("failed to coalesce delete", err)
		}
		return EnqueueResult{Coalesced: true}, nil
	}

	// Update (or a re-create after a queued delete) folds into the existing
	// entry. A queued create keeps its kind so the server still sees a
	// create; a queued delete followed by a create becomes an update, since
	// the delete may already have been attempted.
	newKind := existingKind
	if OpKind(existingKind) == OpDelete {
		newKind = string(OpUpdate)
	}
	_, err = db.ExecContext(ctx, `
		UPDATE pending_ops SET kind = ?, snapshot = ?, last_error = ''
		WHERE entity_type = ? AND entity_id = ?
	`, newKind, snapArg, entityType, id)
	if err != nil {
		return EnqueueResult{}, storageErr("failed to coalesce update", err)
	}
	return EnqueueResult{Coalesced: true}, nil
}

// List returns every queued operation in drain order.
func (q *Queue) List(ctx context.Context) ([]Op, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT op_id, entity_type, entity_id, kind, snapshot, attempts, last_error
		FROM pending_ops ORDER BY op_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	var out []Op
	for rows.Next() {
		var op Op
		var kind string
		var snapshot sql.NullString
		if err := rows.Scan(&op.OpID, &op.EntityType, &op.EntityID, &kind, &snapshot, &op.Attempts, &op.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		op.Kind = OpKind(kind)
		if snapshot.Valid {
			op.Snapshot = []byte(snapshot.String)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return out, nil
}

// PendingFor returns the queued operation for one entity, if any.
func (q *Queue) PendingFor(ctx context.Context, entityType, id string) (Op, bool, error) {
	var op Op
	var kind string
	var snapshot sql.NullString
	err := q.db.QueryRowContext(ctx, `
		SELECT op_id, kind, snapshot, attempts, last_error
		FROM pending_ops WHERE entity_type = ? AND entity_id = ?
	`, entityType, id).Scan(&op.OpID, &kind, &snapshot, &op.Attempts, &op.LastError)
	if err == sql.ErrNoRows {
		return Op{}, false, nil
	}
	if err != nil {
		return Op{}, false, fmt.Errorf("failed to read pending operation: %w", err)
	}
	op.EntityType = entityType
	op.EntityID = id
	op.Kind = OpKind(kind)
	if snapshot.Valid {
		op.Snapshot = []byte(snapshot.String)
	}
	return op, true, nil
}

// Ack removes an operation after a confirmed remote success, but only if it
// has not been coalesced with a newer snapshot since it was read. It reports
// whether the entry was removed; a false return means a newer local mutation
// is still queued and the entity stays pending.
func (q *Queue) Ack(ctx context.Context, op Op) (bool, error) {
	return q.ackOn(ctx, q.db, op)
}

func (q *Queue) ackOn(ctx context.Context, db dbtx, op Op) (bool, error) {
	var snapArg any
	if op.Snapshot != nil {
		snapArg = string(op.Snapshot)
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM pending_ops
		WHERE op_id = ? AND kind = ? AND snapshot IS ?
	`, op.OpID, string(op.Kind), snapArg)
	if err != nil {
		return false, storageErr("failed to ack operation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read ack result: %w", err)
	}
	return n > 0, nil
}

// Remove deletes an operation unconditionally (permanent failure path).
func (q *Queue) Remove(ctx context.Context, opID int64) error {
	return q.removeOn(ctx, q.db, opID)
}

func (q *Queue) removeOn(ctx context.Context, db dbtx, opID int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM pending_ops WHERE op_id = ?`, opID); err != nil {
		return storageErr("failed to remove operation", err)
	}
	return nil
}

// MarkAttempt records a failed push attempt; the operation keeps its queue
// position so unrelated entities continue to make progress around it.
func (q *Queue) MarkAttempt(ctx context.Context, opID int64, cause string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_ops SET attempts = attempts + 1, last_error = ? WHERE op_id = ?
	`, cause, opID)
	if err != nil {
		return storageErr("failed to record attempt", err)
	}
	return nil
}

// Count returns the number of queued operations.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// MaxAttempts returns the highest attempt count across queued operations,
// used to derive the error status once retries are exhausted.
func (q *Queue) MaxAttempts(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempts), 0) FROM pending_ops`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read max attempts: %w", err)
	}
	return n, nil
}
