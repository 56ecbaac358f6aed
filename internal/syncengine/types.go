package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrTenantMismatch = errors.New("tenant mismatch")
	ErrSyncInFlight   = errors.New("sync already in flight")
	ErrNotImplemented = errors.New("not implemented")
)

// HTTPError is a non-2xx response from the authoritative store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// MutationRecord is one intended write against one entity. The ID is
// client-generated and stable across retries so that replays after a crash
// hit the authoritative store as idempotent upserts.
type MutationRecord struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	UserID        string          `json:"userId"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Action        Action          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retryCount"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastAttemptAt time.Time       `json:"lastAttemptAt"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
}

// Active reports whether the record still occupies the per-entity slot.
func (m MutationRecord) Active() bool {
	return m.Status == StatusPending || m.Status == StatusInFlight
}

// StatusCounts summarizes a tenant's queue. Failed counts pending records
// that have at least one failed attempt behind them (they remain pending
// until the retry budget is exhausted, at which point they become dead).
type StatusCounts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"inFlight"`
	Failed   int `json:"failed"`
	Dead     int `json:"dead"`
}

type ConflictResolution string

const (
	ResolutionLocalKept    ConflictResolution = "local_kept"
	ResolutionStaleIgnored ConflictResolution = "stale_ignored"
)

// ConflictRecord is an audit-trail entry. Conflicts are never errors; they
// record which side won and why, and are retained for diagnostics.
type ConflictRecord struct {
	TenantID      string             `json:"tenantId"`
	EntityType    string             `json:"entityType"`
	EntityID      string             `json:"entityId"`
	LocalVersion  time.Time          `json:"localVersion"`
	RemoteVersion time.Time          `json:"remoteVersion"`
	Resolution    ConflictResolution `json:"resolution"`
	Detail        string             `json:"detail,omitempty"`
	Origin        string             `json:"origin"`
	DetectedAt    time.Time          `json:"detectedAt"`
}

// RemoteRecord is an entity version fetched from the authoritative store,
// either via an incremental pull or a change-propagation event.
type RemoteRecord struct {
	TenantID   string          `json:"tenantId,omitempty"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// EntityChange notifies subscribers that the local store changed.
type EntityChange struct {
	TenantID   string `json:"tenantId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Action     Action `json:"action"`
	Origin     string `json:"origin"`
}

const (
	OriginPull     = "pull"
	OriginRealtime = "realtime"
)

// ConnectionState is the single source of truth for reachability of the
// authoritative store. Mutated only by the connectivity monitor.
type ConnectionState struct {
	IsOnline            bool      `json:"isOnline"`
	LastCheckedAt       time.Time `json:"lastCheckedAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Logger is the minimal logging seam used across the engine.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
