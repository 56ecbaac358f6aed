package syncengine

import (
	"encoding/json"
	"time"
)

// MutationQueue is the durable, tenant-scoped record of pending writes.
// Implementations enforce the one-active-record-per-entity invariant by
// superseding in place rather than appending duplicates.
type MutationQueue interface {
	// Enqueue inserts a pending record, or supersedes the active record for
	// the same (tenant, entityType, entityId). When a queued create is
	// cancelled by a delete the pair collapses to nothing and the returned
	// record has an empty ID.
	Enqueue(rec MutationRecord) (MutationRecord, error)

	// DequeueBatch returns up to limit pending records whose retry delay has
	// elapsed, oldest first, and atomically marks them in_flight. Two
	// concurrent drains never receive overlapping sets.
	DequeueBatch(tenantID string, limit int, now time.Time) ([]MutationRecord, error)

	// MarkCompleted finalizes an in_flight record. It is a no-op if the
	// record was superseded back to pending while the push was in flight:
	// the newer payload still needs its own push.
	MarkCompleted(id string) error

	// MarkFailed records a failed attempt. The record returns to pending
	// with retryCount incremented and the next attempt gated on retryAt,
	// unless fatal is set or the retry budget is exhausted, in which case it
	// becomes dead. Like MarkCompleted it ignores superseded records.
	MarkFailed(id, errText string, fatal bool, retryAt time.Time) (MutationRecord, error)

	// ActiveRecord reports the pending or in_flight record occupying the
	// entity's slot, if any. This is the single arbitration point for the
	// local-edit-wins precedence rule.
	ActiveRecord(tenantID, entityType, entityID string) (MutationRecord, bool)

	StatusCounts(tenantID string) (StatusCounts, error)
	DeadRecords(tenantID string) ([]MutationRecord, error)
	ClearDead(tenantID string) (int, error)
}

// LocalStore holds the client-resident copy of remote entities.
type LocalStore interface {
	UpsertEntity(tenantID, entityType, entityID string, payload json.RawMessage, updatedAt time.Time) error
	DeleteEntity(tenantID, entityType, entityID string, updatedAt time.Time) error
	// EntityVersion returns the stored updatedAt for an entity. The second
	// return is false when the entity is unknown locally. Deleted entities
	// keep a tombstone version so stale resurrect events can be detected.
	EntityVersion(tenantID, entityType, entityID string) (time.Time, bool, error)
	ReadEntity(tenantID, entityType, entityID string) (RemoteRecord, error)
}

// CursorStore persists the per-tenant pull bookmark.
type CursorStore interface {
	Cursor(tenantID string) (time.Time, error)
	// AdvanceCursor moves the cursor forward to at most "to" and returns the
	// effective value. A regression attempt is ignored, keeping the cursor
	// monotonically non-decreasing.
	AdvanceCursor(tenantID string, to time.Time) (time.Time, error)
}

// ConflictLog is the append-only conflict audit trail.
type ConflictLog interface {
	RecordConflict(rec ConflictRecord) error
	Conflicts(tenantID string, limit int) ([]ConflictRecord, error)
}

// Backend bundles all engine state behind one durable implementation.
type Backend interface {
	MutationQueue
	LocalStore
	CursorStore
	ConflictLog
	Close() error
}

// BackendOptions tune limits shared by all backend implementations.
type BackendOptions struct {
	// MaxDeadRecords caps retained dead mutations per tenant; the oldest are
	// evicted first. Zero means the default of 200.
	MaxDeadRecords int
	// MaxRetries is the retry budget per record before MarkFailed turns a
	// retryable failure into a dead record. Zero means the default of 5.
	MaxRetries int
}

const (
	defaultMaxDeadRecords = 200
	defaultMaxRetries     = 5
)

func (o BackendOptions) maxDead() int {
	if o.MaxDeadRecords <= 0 {
		return defaultMaxDeadRecords
	}
	return o.MaxDeadRecords
}

func (o BackendOptions) maxRetries() int {
	if o.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return o.MaxRetries
}

func entityKey(tenantID, entityType, entityID string) string {
	return tenantID + "|" + entityType + "|" + entityID
}

// mergeMutation folds a new local intent into the still-active record for
// the same entity. drop reports that the two intents cancel out (a queued
// create followed by a delete: the entity never reached the server).
func mergeMutation(active, next MutationRecord) (merged MutationRecord, drop bool) {
	if active.Action == ActionCreate && next.Action == ActionDelete {
		return MutationRecord{}, true
	}
	merged = active
	merged.UserID = next.UserID
	merged.Payload = next.Payload
	merged.Status = StatusPending
	merged.RetryCount = 0
	merged.LastError = ""
	merged.NextAttemptAt = time.Time{}
	switch {
	case active.Action == ActionCreate && next.Action == ActionUpdate:
		merged.Action = ActionCreate
	case active.Action == ActionUpdate && next.Action == ActionDelete:
		merged.Action = ActionDelete
		merged.Payload = nil
	default:
		merged.Action = next.Action
		if next.Action == ActionDelete {
			merged.Payload = nil
		}
	}
	return merged, false
}
