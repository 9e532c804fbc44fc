package coachsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is the canonical timestamp encoding for the local database.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// dbtx is satisfied by both *sql.DB and *sql.Tx, so store and queue
// mutations can run standalone or inside a caller's transaction. The engine
// uses the latter to keep paired writes (entity row plus queue entry)
// atomic across crashes.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// initializeDatabase creates the engine's metadata tables and enables WAL
// mode so UI reads never block behind a sync write.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Domain entities. The composite PK is the single-row-per-(type,id)
		// invariant; sync_state tracks the entity's relation to the server.
		`CREATE TABLE IF NOT EXISTS entities (
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			payload      TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			sync_state   TEXT NOT NULL DEFAULT 'confirmed'
				CHECK (sync_state IN ('confirmed','pending','conflicted')),
			PRIMARY KEY (entity_type, entity_id)
		)`,

		// Pending queue (coalesced, at most one row per entity). op_id
		// preserves enqueue order for the FIFO drain.
		`CREATE TABLE IF NOT EXISTS pending_ops (
			op_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			kind         TEXT NOT NULL CHECK (kind IN ('create','update','delete')),
			snapshot     TEXT,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			queued_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE (entity_type, entity_id)
		)`,

		// Permanently rejected mutations awaiting a user decision.
		`CREATE TABLE IF NOT EXISTS conflicts (
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			kind         TEXT NOT NULL,
			snapshot     TEXT,
			reason       TEXT NOT NULL DEFAULT '',
			occurred_at  TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,

		// Engine metadata that must survive restarts (one row).
		`CREATE TABLE IF NOT EXISTS sync_meta (
			meta_id       INTEGER PRIMARY KEY CHECK (meta_id = 1),
			last_sync_at  TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO sync_meta (meta_id, last_sync_at) VALUES (1, '')`); err != nil {
		return fmt.Errorf("failed to seed sync_meta: %w", err)
	}
	return nil
}

// StoreEvent describes one local store change delivered to watchers.
type StoreEvent struct {
	EntityType string
	EntityID   string
	Removed    bool
}

// Store is the durable local copy of domain entities. All operations are
// synchronous and never touch the network; writes fail only on storage
// exhaustion. It is safe for concurrent readers; the engine serializes
// writers.
type Store struct {
	db *sql.DB

	watchMu  sync.Mutex
	watchers map[int]func(StoreEvent)
	nextID   int

	// events holds undelivered watcher notifications; a single dispatch
	// goroutine drains them in order, off the writer's goroutine, so a
	// watcher can call back into the engine without deadlocking.
	events      []StoreEvent
	dispatching bool
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db, watchers: make(map[int]func(StoreEvent))}
}

// Get returns the entity for (entityType, id), or ErrNotFound.
func (s *Store) Get(ctx context.Context, entityType, id string) (Entity, error) {
	var ent Entity
	var payload, updatedAt, state string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, updated_at, sync_state
		FROM entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, id).Scan(&payload, &updatedAt, &state)
	if err == sql.ErrNoRows {
		return Entity{}, fmt.Errorf("%s/%s: %w", entityType, id, ErrNotFound)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("failed to read entity: %w", err)
	}
	ts, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return Entity{}, fmt.Errorf("corrupt updated_at for %s/%s: %w", entityType, id, err)
	}
	ent = Entity{
		Type:      entityType,
		ID:        id,
		Payload:   json.RawMessage(payload),
		UpdatedAt: ts,
		State:     SyncState(state),
	}
	return ent, nil
}

// List returns every entity of the given type, ordered by id for stable
// display. An empty type set is an empty result, never an error.
func (s *Store) List(ctx context.Context, entityType string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, payload, updated_at, sync_state
		FROM entities WHERE entity_type = ?
		ORDER BY entity_id
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var id, payload, updatedAt, state string
		if err := rows.Scan(&id, &payload, &updatedAt, &state); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		ts, err := time.Parse(timeLayout, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt updated_at for %s/%s: %w", entityType, id, err)
		}
		out = append(out, Entity{
			Type:      entityType,
			ID:        id,
			Payload:   json.RawMessage(payload),
			UpdatedAt: ts,
			State:     SyncState(state),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return out, nil
}

// Put inserts or replaces an entity and notifies watchers.
func (s *Store) Put(ctx context.Context, ent Entity) error {
	if err := s.putOn(ctx, s.db, ent); err != nil {
		return err
	}
	s.notify(StoreEvent{EntityType: ent.Type, EntityID: ent.ID})
	return nil
}

func (s *Store) putOn(ctx context.Context, q dbtx, ent Entity) error {
	if ent.State == "" {
		ent.State = StateConfirmed
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, payload, updated_at, sync_state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			sync_state = excluded.sync_state
	`, ent.Type, ent.ID, string(ent.Payload), ent.UpdatedAt.UTC().Format(timeLayout), string(ent.State))
	if err != nil {
		return storageErr("failed to put entity", err)
	}
	return nil
}

// Remove deletes an entity and notifies watchers. Removing an absent entity
// is a no-op.
func (s *Store) Remove(ctx context.Context, entityType, id string) error {
	affected, err := s.removeOn(ctx, s.db, entityType, id)
	if err != nil {
		return err
	}
	if affected {
		s.notify(StoreEvent{EntityType: entityType, EntityID: id, Removed: true})
	}
	return nil
}

func (s *Store) removeOn(ctx context.Context, q dbtx, entityType, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, id)
	if err != nil {
		return false, storageErr("failed to remove entity", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetState updates only an entity's sync state.
func (s *Store) SetState(ctx context.Context, entityType, id string, state SyncState) error {
	if err := s.setStateOn(ctx, s.db, entityType, id, state); err != nil {
		return err
	}
	s.notify(StoreEvent{EntityType: entityType, EntityID: id})
	return nil
}

func (s *Store) setStateOn(ctx context.Context, q dbtx, entityType, id string, state SyncState) error {
	_, err := q.ExecContext(ctx, `
		UPDATE entities SET sync_state = ? WHERE entity_type = ? AND entity_id = ?
	`, string(state), entityType, id)
	if err != nil {
		return storageErr("failed to set sync state", err)
	}
	return nil
}

// Confirm marks an entity confirmed and stamps the server-assigned
// timestamp. The server is the timestamp authority on confirmation.
func (s *Store) Confirm(ctx context.Context, entityType, id string, serverUpdatedAt time.Time) error {
	if err := s.confirmOn(ctx, s.db, entityType, id, serverUpdatedAt); err != nil {
		return err
	}
	s.notify(StoreEvent{EntityType: entityType, EntityID: id})
	return nil
}

func (s *Store) confirmOn(ctx context.Context, q dbtx, entityType, id string, serverUpdatedAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE entities SET sync_state = 'confirmed', updated_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`, serverUpdatedAt.UTC().Format(timeLayout), entityType, id)
	if err != nil {
		return storageErr("failed to confirm entity", err)
	}
	return nil
}

// repairStrandedPending resets entities stuck in the pending state with no
// queued operation left to confirm them. Such rows can only come from a
// database written outside a transaction boundary; resetting them with an
// epoch timestamp lets the next pull's last-write-wins merge restore the
// server version.
func (s *Store) repairStrandedPending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET sync_state = 'confirmed', updated_at = ?
		WHERE sync_state = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM pending_ops p
			WHERE p.entity_type = entities.entity_type
			  AND p.entity_id = entities.entity_id
		  )
	`, time.Time{}.UTC().Format(timeLayout))
	if err != nil {
		return 0, storageErr("failed to repair stranded entities", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read repair result: %w", err)
	}
	return n, nil
}

// Watch registers a callback invoked after every store change so displayed
// lists stay current without polling. Events are delivered asynchronously,
// in order, off the writer's goroutine; a watcher may call back into the
// engine. The returned cancel func removes the subscription.
func (s *Store) Watch(fn func(StoreEvent)) (cancel func()) {
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.watchMu.Unlock()
	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

func (s *Store) notify(ev StoreEvent) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.events = append(s.events, ev)
	if !s.dispatching {
		s.dispatching = true
		go s.dispatch()
	}
}

// dispatch delivers queued events one at a time, in write order. Watchers
// run outside every lock.
func (s *Store) dispatch() {
	for {
		s.watchMu.Lock()
		if len(s.events) == 0 {
			s.dispatching = false
			s.watchMu.Unlock()
			return
		}
		ev := s.events[0]
		s.events = s.events[1:]
		fns := make([]func(StoreEvent), 0, len(s.watchers))
		for _, fn := range s.watchers {
			fns = append(fns, fn)
		}
		s.watchMu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// LastSync returns the timestamp of the most recent fully successful cycle,
// or the zero time if none has completed yet.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT last_sync_at FROM sync_meta WHERE meta_id = 1`).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync: %w", err)
	}
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt last_sync_at: %w", err)
	}
	return ts, nil
}

// SetLastSync persists the last fully successful cycle timestamp so it
// survives restarts.
func (s *Store) SetLastSync(ctx context.Context, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_meta SET last_sync_at = ? WHERE meta_id = 1
	`, ts.UTC().Format(timeLayout))
	if err != nil {
		return storageErr("failed to persist last sync", err)
	}
	return nil
}
