package coachsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned for calls made after the engine has been torn down.
var ErrClosed = errors.New("sync engine closed")

// Engine owns the local store, the pending operation queue and the
// reconciliation cycle. The UI mutates through Create/Update/Delete, which
// write the store synchronously and queue the change; cycles run in the
// background on connectivity edges, a timer, or TriggerSync.
type Engine struct {
	db      *sql.DB
	store   *Store
	queue   *Queue
	remote  RemoteClient
	monitor *Monitor
	status  *statusPublisher
	cfg     *Config
	logger  *slog.Logger

	// writeMu serializes local mutations with cycle result application so
	// an acked push can never race a concurrent edit to the same entity.
	writeMu sync.Mutex

	// cycleMu enforces the at-most-one-cycle rule; trigger is a buffered
	// single-slot channel, so triggers arriving mid-cycle coalesce into
	// exactly one follow-up cycle.
	cycleMu sync.Mutex
	trigger chan struct{}

	// fromCache is true when the last cycle's pull phase did not complete,
	// so reads are serving the last-known-good snapshot.
	fromCache atomic.Bool

	waitMu  sync.Mutex
	waiters []chan error

	started       atomic.Bool
	closed        atomic.Bool
	done          chan struct{}
	cancelMonitor func()
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewEngine initializes the engine over db. The schema is created if absent;
// queued operations and conflicts from a previous run are picked up as-is,
// so nothing is lost across restarts.
func NewEngine(db *sql.DB, remote RemoteClient, monitor *Monitor, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	monitor.setDebounce(cfg.DebounceWindow)

	store := newStore(db)
	lastSync, err := store.LastSync(context.Background())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		db:      db,
		store:   store,
		queue:   newQueue(db),
		remote:  remote,
		monitor: monitor,
		status:  newStatusPublisher(monitor.Online(), lastSync),
		cfg:     cfg,
		logger:  slog.Default(),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	e.fromCache.Store(true)
	if n, err := store.repairStrandedPending(context.Background()); err != nil {
		return nil, err
	} else if n > 0 {
		e.logger.Warn("reset stranded pending entities", "count", n)
	}
	e.refreshQueueState(context.Background())
	return e, nil
}

// withTx runs fn inside one transaction. Mutations that pair an entity write
// with a queue write go through here so a crash can never separate them.
func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

// Start subscribes to connectivity transitions and launches the background
// cycle loop. An offline-to-online edge and the periodic timer both request
// a cycle; requests are coalesced, never stacked.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.cancelMonitor = e.monitor.Subscribe(func(online bool) {
		e.status.setOnline(online)
		if online {
			e.requestSync()
		}
	})
	e.wg.Add(1)
	go e.loop(ctx)
	if e.monitor.Online() {
		e.requestSync()
	}
	return nil
}

// Close tears the engine down deterministically: the monitor subscription is
// released, timers stop, and any in-flight cycle finishes naturally.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if e.cancelMonitor != nil {
			e.cancelMonitor()
		}
		close(e.done)
		e.wg.Wait()
		e.monitor.Close()
		e.failWaiters(ErrClosed)
	})
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.failWaiters(ctx.Err())
			return
		case <-e.done:
			return
		case <-e.trigger:
			if err := e.runCycle(ctx); err != nil {
				e.logger.Error("sync cycle failed", "error", err)
			}
		case <-ticker.C:
			if e.monitor.Online() {
				e.requestSync()
			}
		}
	}
}

// requestSync schedules a cycle. The single-slot buffer makes the call
// idempotent: any number of requests during a running cycle collapse into
// one follow-up.
func (e *Engine) requestSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// TriggerSync requests a cycle and waits for the cycle that observes the
// request to complete. Requesting sync while one is already running only
// schedules the coalesced follow-up, never a duplicate network burst.
func (e *Engine) TriggerSync(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.Load() {
		return e.runCycle(ctx)
	}
	w := make(chan error, 1)
	e.waitMu.Lock()
	e.waiters = append(e.waiters, w)
	e.waitMu.Unlock()
	e.requestSync()
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) takeWaiters() []chan error {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	ws := e.waiters
	e.waiters = nil
	return ws
}

func (e *Engine) failWaiters(err error) {
	for _, w := range e.takeWaiters() {
		w <- err
	}
}

// runCycle performs one push-then-pull reconciliation. Transient remote
// failures are absorbed here and only ever reflected in the published
// status; the returned error is reserved for local storage faults.
func (e *Engine) runCycle(ctx context.Context) (err error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	waiters := e.takeWaiters()
	defer func() {
		for _, w := range waiters {
			w <- err
		}
	}()

	if !e.monitor.Online() {
		// The queue drains when connectivity returns.
		return nil
	}

	e.status.setSyncing(true)
	defer e.status.setSyncing(false)

	session := syncSession{startedAt: time.Now()}
	degraded, err := e.pushPhase(ctx, &session)
	if err != nil {
		return err
	}

	if degraded {
		// The service is unreachable or failing; skip the pull and keep
		// serving the last-known-good snapshot.
		e.fromCache.Store(true)
		return nil
	}

	if pullErr := e.pullPhase(ctx); pullErr != nil {
		if isLocalFault(pullErr) {
			return pullErr
		}
		e.logger.Warn("pull phase incomplete, serving cached data", "error", pullErr)
		e.fromCache.Store(true)
		return nil
	}
	e.fromCache.Store(false)

	// Fully successful cycle: every queued op confirmed and the pull
	// converged. Only then does lastSync advance.
	if session.failures == 0 {
		now := time.Now().UTC()
		if err := e.store.SetLastSync(ctx, now); err != nil {
			return err
		}
		e.status.setLastSync(now)
	}
	e.logger.Debug("sync cycle complete",
		"pushed", session.pushed,
		"failures", session.failures,
		"elapsed", time.Since(session.startedAt))
	return nil
}

// syncSession is one run of the reconciliation engine.
type syncSession struct {
	startedAt time.Time
	pushed    int
	failures  int
}

// pushPhase drains the queue in FIFO order. It reports degraded=true when
// the cycle should stop early: either connectivity dropped mid-cycle, or the
// configured number of consecutive transient failures was reached and
// hammering a degraded service would do more harm than good.
func (e *Engine) pushPhase(ctx context.Context, session *syncSession) (degraded bool, err error) {
	ops, err := e.queue.List(ctx)
	if err != nil {
		return false, err
	}

	consecutive := 0
	for _, op := range ops {
		if !e.monitor.Online() {
			// Going offline mid-cycle freezes the attempt; in-flight
			// requests finished naturally, no new ones start.
			return true, nil
		}

		result, pushErr := e.pushOp(ctx, op)
		if pushErr == nil {
			consecutive = 0
			session.pushed++
			if err := e.applyPushSuccess(ctx, op, result); err != nil {
				return false, err
			}
			continue
		}

		session.failures++
		switch Classify(pushErr) {
		case FailureTransient:
			if err := e.queue.MarkAttempt(ctx, op.OpID, pushErr.Error()); err != nil {
				return false, err
			}
			e.refreshQueueState(ctx)
			consecutive++
			if consecutive >= e.cfg.MaxConsecutive {
				e.logger.Warn("pausing push after consecutive transient failures",
					"failures", consecutive, "table", op.EntityType, "pk", op.EntityID)
				return true, nil
			}
		default:
			// Permanent rejection: out of the active queue, surfaced for
			// user resolution. This is the only path needing a decision.
			if err := e.applyPushRejection(ctx, op, pushErr); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (e *Engine) pushOp(ctx context.Context, op Op) (PushResult, error) {
	switch op.Kind {
	case OpCreate:
		return e.remote.PushCreate(ctx, op.EntityType, op.EntityID, op.Snapshot)
	case OpUpdate:
		return e.remote.PushUpdate(ctx, op.EntityType, op.EntityID, op.Snapshot)
	case OpDelete:
		return PushResult{}, e.remote.PushDelete(ctx, op.EntityType, op.EntityID)
	default:
		return PushResult{}, fmt.Errorf("unknown operation kind: %s", op.Kind)
	}
}

// applyPushSuccess confirms an acked operation. The ack is conditional: if a
// newer local mutation coalesced into the queue entry while the request was
// in flight, the entry survives and the entity stays pending for the next
// cycle.
func (e *Engine) applyPushSuccess(ctx context.Context, op Op, result PushResult) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var removed, affected bool
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = e.queue.ackOn(ctx, tx, op)
		if err != nil || !removed {
			return err
		}
		if op.Kind == OpDelete {
			affected, err = e.store.removeOn(ctx, tx, op.EntityType, op.EntityID)
			return err
		}
		affected = true
		return e.store.confirmOn(ctx, tx, op.EntityType, op.EntityID, result.UpdatedAt)
	})
	if err != nil {
		return err
	}
	if !removed {
		e.logger.Debug("push acked but superseded by newer local change",
			"table", op.EntityType, "pk", op.EntityID)
		return nil
	}
	if affected {
		e.store.notify(StoreEvent{EntityType: op.EntityType, EntityID: op.EntityID, Removed: op.Kind == OpDelete})
	}
	e.refreshQueueState(ctx)
	return nil
}

func (e *Engine) applyPushRejection(ctx context.Context, op Op, pushErr error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if Classify(pushErr) == FailureUnauthorized {
		e.logger.Warn("remote rejected credentials; re-authentication required",
			"table", op.EntityType, "pk", op.EntityID)
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.queue.removeOn(ctx, tx, op.OpID); err != nil {
			return err
		}
		return e.store.recordConflictOn(ctx, tx, Conflict{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Kind:       op.Kind,
			Snapshot:   op.Snapshot,
			Reason:     pushErr.Error(),
			OccurredAt: time.Now(),
		})
	})
	if err != nil {
		return err
	}
	e.store.notify(StoreEvent{EntityType: op.EntityType, EntityID: op.EntityID})
	e.refreshQueueState(ctx)
	return nil
}

// pullPhase fetches the remote listing per entity type and merges it. A
// pending local change is never overwritten by a pull; its own push, once it
// succeeds, is what reconciles the timestamps.
func (e *Engine) pullPhase(ctx context.Context) error {
	for _, entityType := range e.cfg.EntityTypes {
		rows, err := e.remote.PullAll(ctx, entityType)
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", entityType, err)
		}
		if err := e.mergePull(ctx, entityType, rows); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) mergePull(ctx context.Context, entityType string, rows []RemoteEntity) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		seen[row.ID] = struct{}{}
		local, err := e.store.Get(ctx, entityType, row.ID)
		if errors.Is(err, ErrNotFound) {
			// Created elsewhere (or initial load): insert as confirmed.
			if err := e.store.Put(ctx, Entity{
				Type:      entityType,
				ID:        row.ID,
				Payload:   row.Payload,
				UpdatedAt: row.UpdatedAt,
				State:     StateConfirmed,
			}); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if local.State != StateConfirmed {
			// Pending or conflicted local change wins until resolved.
			continue
		}
		if row.UpdatedAt.After(local.UpdatedAt) {
			if err := e.store.Put(ctx, Entity{
				Type:      entityType,
				ID:        row.ID,
				Payload:   row.Payload,
				UpdatedAt: row.UpdatedAt,
				State:     StateConfirmed,
			}); err != nil {
				return err
			}
		}
	}

	// Confirmed locally but gone remotely: deleted elsewhere, remove.
	locals, err := e.store.List(ctx, entityType)
	if err != nil {
		return err
	}
	for _, local := range locals {
		if _, ok := seen[local.ID]; ok {
			continue
		}
		if local.State != StateConfirmed {
			continue
		}
		if err := e.store.Remove(ctx, entityType, local.ID); err != nil {
			return err
		}
	}
	return nil
}

// isLocalFault distinguishes local storage errors, which must surface, from
// remote failures, which the engine absorbs.
func isLocalFault(err error) bool {
	var re *RemoteError
	return !errors.As(err, &re)
}

func (e *Engine) refreshQueueState(ctx context.Context) {
	pending, err := e.queue.Count(ctx)
	if err != nil {
		e.logger.Error("failed to read queue depth", "error", err)
		return
	}
	conflicts, err := e.store.conflictCount(ctx)
	if err != nil {
		e.logger.Error("failed to read conflict count", "error", err)
		return
	}
	maxAttempts, err := e.queue.MaxAttempts(ctx)
	if err != nil {
		e.logger.Error("failed to read attempt counts", "error", err)
		return
	}
	e.status.setQueueState(pending, conflicts, maxAttempts >= e.cfg.MaxAttempts)
}

// --- UI-facing surface ---

// Create writes a new entity to the local store immediately and queues the
// create for the next cycle. The id is generated client-side so creation
// works offline.
func (e *Engine) Create(ctx context.Context, entityType string, payload json.RawMessage) (Entity, error) {
	if e.closed.Load() {
		return Entity{}, ErrClosed
	}
	e.writeMu.Lock()
	ent := Entity{
		Type:      entityType,
		ID:        uuid.NewString(),
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
		State:     StatePending,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.putOn(ctx, tx, ent); err != nil {
			return err
		}
		_, err := e.queue.enqueueOn(ctx, tx, entityType, ent.ID, OpCreate, payload)
		return err
	})
	if err != nil {
		e.writeMu.Unlock()
		return Entity{}, err
	}
	e.store.notify(StoreEvent{EntityType: entityType, EntityID: ent.ID})
	e.refreshQueueState(ctx)
	e.writeMu.Unlock()
	e.requestSync()
	return ent, nil
}

// Update replaces an entity's payload locally and coalesces into any queued
// operation for it, so the remote only ever sees the final intended state.
func (e *Engine) Update(ctx context.Context, entityType, id string, payload json.RawMessage) (Entity, error) {
	if e.closed.Load() {
		return Entity{}, ErrClosed
	}
	e.writeMu.Lock()
	if _, err := e.store.Get(ctx, entityType, id); err != nil {
		e.writeMu.Unlock()
		return Entity{}, err
	}
	ent := Entity{
		Type:      entityType,
		ID:        id,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
		State:     StatePending,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.putOn(ctx, tx, ent); err != nil {
			return err
		}
		if _, err := e.queue.enqueueOn(ctx, tx, entityType, id, OpUpdate, payload); err != nil {
			return err
		}
		// Editing a conflicted entity supersedes the old rejected snapshot.
		return e.store.clearConflictOn(ctx, tx, entityType, id)
	})
	if err != nil {
		e.writeMu.Unlock()
		return Entity{}, err
	}
	e.store.notify(StoreEvent{EntityType: entityType, EntityID: id})
	e.refreshQueueState(ctx)
	e.writeMu.Unlock()
	e.requestSync()
	return ent, nil
}

// Delete queues a delete. If it cancels a never-sent create the entity is
// dropped locally with no network operation at all; otherwise the entity
// stays in the store, pending, until the remote confirms the delete.
func (e *Engine) Delete(ctx context.Context, entityType, id string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.writeMu.Lock()
	if _, err := e.store.Get(ctx, entityType, id); err != nil {
		e.writeMu.Unlock()
		return err
	}
	var result EnqueueResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = e.queue.enqueueOn(ctx, tx, entityType, id, OpDelete, nil)
		if err != nil {
			return err
		}
		if result.Dropped {
			_, err = e.store.removeOn(ctx, tx, entityType, id)
		} else {
			err = e.store.setStateOn(ctx, tx, entityType, id, StatePending)
		}
		if err != nil {
			return err
		}
		return e.store.clearConflictOn(ctx, tx, entityType, id)
	})
	if err != nil {
		e.writeMu.Unlock()
		return err
	}
	e.store.notify(StoreEvent{EntityType: entityType, EntityID: id, Removed: result.Dropped})
	e.refreshQueueState(ctx)
	e.writeMu.Unlock()
	e.requestSync()
	return nil
}

// Get reads one entity from the local store; it never touches the network.
func (e *Engine) Get(ctx context.Context, entityType, id string) (Entity, error) {
	return e.store.Get(ctx, entityType, id)
}

// List reads all entities of a type from the local store. fromCache is true
// when the last cycle's pull did not complete, meaning the listing is the
// last-known-good snapshot rather than a fresh remote view.
func (e *Engine) List(ctx context.Context, entityType string) (entities []Entity, fromCache bool, err error) {
	entities, err = e.store.List(ctx, entityType)
	return entities, e.fromCache.Load(), err
}

// SyncStatus returns the current derived status snapshot.
func (e *Engine) SyncStatus() StatusSnapshot {
	return e.status.Snapshot()
}

// SubscribeStatus registers a callback for status changes. The current
// snapshot is delivered immediately.
func (e *Engine) SubscribeStatus(fn func(StatusSnapshot)) (cancel func()) {
	return e.status.Subscribe(fn)
}

// WatchStore registers a callback for local store changes so UI lists stay
// current without polling.
func (e *Engine) WatchStore(fn func(StoreEvent)) (cancel func()) {
	return e.store.Watch(fn)
}

// Conflicts returns every entity awaiting manual resolution.
func (e *Engine) Conflicts(ctx context.Context) ([]Conflict, error) {
	return e.store.Conflicts(ctx)
}

// Resolve applies a user decision to a conflicted entity.
func (e *Engine) Resolve(ctx context.Context, entityType, id string, resolution Resolution) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.writeMu.Lock()
	c, err := e.store.conflictFor(ctx, entityType, id)
	if err != nil {
		e.writeMu.Unlock()
		return err
	}

	current, getErr := e.store.Get(ctx, entityType, id)
	entityExists := getErr == nil
	if getErr != nil && !errors.Is(getErr, ErrNotFound) {
		e.writeMu.Unlock()
		return getErr
	}

	var removedLocally bool
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		switch resolution {
		case ResolutionKeepLocal:
			// Push the entity's current local payload again.
			snapshot := c.Snapshot
			if entityExists {
				snapshot = current.Payload
			}
			if err := e.requeueResolvedOn(ctx, tx, entityType, id, c.Kind, snapshot, entityExists); err != nil {
				return err
			}

		case ResolutionRetry:
			// Push the originally rejected snapshot unchanged.
			if err := e.requeueResolvedOn(ctx, tx, entityType, id, c.Kind, c.Snapshot, entityExists); err != nil {
				return err
			}

		case ResolutionDiscardLocal:
			if c.Kind == OpCreate {
				// The entity never existed remotely; discard means drop it.
				affected, err := e.store.removeOn(ctx, tx, entityType, id)
				if err != nil {
					return err
				}
				removedLocally = affected
			} else {
				// Reset to confirmed with an epoch timestamp so the next
				// pull's last-write-wins merge restores the remote version.
				if err := e.store.confirmOn(ctx, tx, entityType, id, time.Time{}); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("unknown resolution: %d", resolution)
		}
		return e.store.clearConflictOn(ctx, tx, entityType, id)
	})
	if err != nil {
		e.writeMu.Unlock()
		return err
	}
	e.store.notify(StoreEvent{EntityType: entityType, EntityID: id, Removed: removedLocally})
	e.refreshQueueState(ctx)
	e.writeMu.Unlock()
	e.requestSync()
	return nil
}

func (e *Engine) requeueResolvedOn(ctx context.Context, tx *sql.Tx, entityType, id string, kind OpKind, snapshot json.RawMessage, entityExists bool) error {
	if kind == OpDelete {
		snapshot = nil
	}
	if _, err := e.queue.enqueueOn(ctx, tx, entityType, id, kind, snapshot); err != nil {
		return err
	}
	if entityExists {
		return e.store.setStateOn(ctx, tx, entityType, id, StatePending)
	}
	return nil
}
