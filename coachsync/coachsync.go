// Package coachsync implements an offline-first synchronization engine for
// coach-observation data (sessions, coach profiles, reflection templates).
//
// The local SQLite database is the read source of truth for the UI at all
// times. Local mutations are applied to the store immediately and queued as
// pending operations; a reconciliation cycle later pushes queued operations
// to the remote service and pulls the authoritative entity listing back,
// converging both sides without losing or duplicating writes.
package coachsync

import (
	"encoding/json"
	"time"
)

// Entity types known to the engine. Payloads are opaque JSON blobs; the
// engine never inspects them beyond validity at the remote boundary.
const (
	TypeSessions  = "sessions"
	TypeCoaches   = "coaches"
	TypeTemplates = "templates"
)

// SyncState describes how an entity relates to the remote service.
type SyncState string

const (
	// StateConfirmed means the remote service has acknowledged this exact
	// version of the entity. An entity with no pending operation is confirmed.
	StateConfirmed SyncState = "confirmed"
	// StatePending means a local mutation is queued but not yet acknowledged.
	StatePending SyncState = "pending"
	// StateConflicted means the last push was permanently rejected and the
	// entity is waiting for a user decision (see Engine.Resolve).
	StateConflicted SyncState = "conflicted"
)

// Entity is one domain record held in the local store.
type Entity struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
	State     SyncState       `json:"sync_state"`
}

// OpKind is the kind of a queued mutation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one queued, not-yet-confirmed mutation against the remote service.
// At most one Op exists per entity: newer local mutations coalesce into the
// existing queue entry instead of appending behind it.
type Op struct {
	OpID       int64
	EntityType string
	EntityID   string
	Kind       OpKind
	Snapshot   json.RawMessage // payload at enqueue time; nil for deletes
	Attempts   int
	LastError  string
}

// Conflict is a permanently rejected mutation surfaced for manual resolution.
type Conflict struct {
	EntityType string
	EntityID   string
	Kind       OpKind
	Snapshot   json.RawMessage // the rejected payload; nil for deletes
	Reason     string
	OccurredAt time.Time
}

// Resolution is a user decision on a conflicted entity.
type Resolution int

const (
	// ResolutionKeepLocal re-pushes the entity's current local payload.
	ResolutionKeepLocal Resolution = iota
	// ResolutionDiscardLocal drops the local change; the next pull restores
	// the remote version.
	ResolutionDiscardLocal
	// ResolutionRetry re-queues the original rejected snapshot unchanged.
	ResolutionRetry
)

// Config holds tuning knobs for the engine.
type Config struct {
	EntityTypes    []string      // entity types to reconcile, in pull order
	SyncInterval   time.Duration // periodic cycle interval while online
	DebounceWindow time.Duration // connectivity flap collapse window
	MaxConsecutive int           // consecutive transient failures before the push phase pauses for the cycle
	MaxAttempts    int           // attempt count at which an op is surfaced as errored
}

// DefaultConfig returns the configuration used by the production app.
func DefaultConfig() *Config {
	return &Config{
		EntityTypes:    []string{TypeSessions, TypeCoaches, TypeTemplates},
		SyncInterval:   30 * time.Second,
		DebounceWindow: 2 * time.Second,
		MaxConsecutive: 3,
		MaxAttempts:    3,
	}
}
