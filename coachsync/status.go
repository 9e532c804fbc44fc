package coachsync

import (
	"sync"
	"time"
)

// Status is the single observable sync state consumed by UI indicators.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusSyncing Status = "syncing"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// StatusSnapshot is the derived view published after every queue or
// connectivity change.
type StatusSnapshot struct {
	Status       Status    `json:"status"`
	PendingCount int       `json:"pending_count"`
	Online       bool      `json:"online"`
	LastSync     time.Time `json:"last_sync"`
}

// statusPublisher derives the observable status from connectivity, cycle
// progress, queue depth and conflict state. Derivation is pure; inputs are
// fed by the engine and a recompute notifies subscribers only on change.
type statusPublisher struct {
	mu        sync.Mutex
	online    bool
	syncing   bool
	pending   int
	conflicts int
	exhausted bool // some queued op has exhausted its retries
	lastSync  time.Time

	last   *StatusSnapshot
	subs   map[int]func(StatusSnapshot)
	nextID int
}

func newStatusPublisher(initialOnline bool, lastSync time.Time) *statusPublisher {
	return &statusPublisher{
		online:   initialOnline,
		lastSync: lastSync,
		subs:     make(map[int]func(StatusSnapshot)),
	}
}

// deriveLocked computes the status per the precedence rules: offline beats
// everything, an in-progress cycle beats error, error beats synced.
func (p *statusPublisher) deriveLocked() StatusSnapshot {
	status := StatusSynced
	switch {
	case !p.online:
		status = StatusOffline
	case p.syncing:
		status = StatusSyncing
	case p.conflicts > 0 || p.exhausted:
		status = StatusError
	case p.pending > 0:
		// Online with work still queued but no cycle running; the next
		// trigger will drain it. Surface as syncing rather than synced so
		// the indicator never claims a clean state with a non-empty queue.
		status = StatusSyncing
	}
	return StatusSnapshot{
		Status:       status,
		PendingCount: p.pending,
		Online:       p.online,
		LastSync:     p.lastSync,
	}
}

// Snapshot returns the current derived view.
func (p *statusPublisher) Snapshot() StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deriveLocked()
}

// Subscribe registers a callback invoked whenever the derived snapshot
// changes. The current snapshot is delivered immediately.
func (p *statusPublisher) Subscribe(fn func(StatusSnapshot)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	snap := p.deriveLocked()
	p.mu.Unlock()
	fn(snap)
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// update applies a mutation to the inputs and notifies on change.
func (p *statusPublisher) update(mutate func(*statusPublisher)) {
	p.mu.Lock()
	mutate(p)
	snap := p.deriveLocked()
	if p.last != nil && *p.last == snap {
		p.mu.Unlock()
		return
	}
	p.last = &snap
	fns := make([]func(StatusSnapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (p *statusPublisher) setOnline(online bool) {
	p.update(func(p *statusPublisher) { p.online = online })
}

func (p *statusPublisher) setSyncing(syncing bool) {
	p.update(func(p *statusPublisher) { p.syncing = syncing })
}

func (p *statusPublisher) setQueueState(pending, conflicts int, exhausted bool) {
	p.update(func(p *statusPublisher) {
		p.pending = pending
		p.conflicts = conflicts
		p.exhausted = exhausted
	})
}

func (p *statusPublisher) setLastSync(ts time.Time) {
	p.update(func(p *statusPublisher) { p.lastSync = ts })
}
