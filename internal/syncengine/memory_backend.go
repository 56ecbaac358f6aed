package syncengine

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type storedEntity struct {
	payload   json.RawMessage
	updatedAt time.Time
	deleted   bool
}

type memoryBackend struct {
	mu         sync.Mutex
	maxDead    int
	maxRetries int
	records    map[string]*MutationRecord // record ID -> record
	active     map[string]string          // entityKey -> active record ID
	dead       map[string][]string        // tenant -> dead record IDs, oldest first
	counts     map[string]*StatusCounts   // tenant -> live counters
	entities   map[string]*storedEntity   // entityKey -> local copy
	cursors    map[string]time.Time
	conflicts  map[string][]ConflictRecord
}

// NewMemoryBackend returns a Backend that keeps all state in process
// memory. It backs tests and the memory:// DSN profile.
func NewMemoryBackend(opts BackendOptions) Backend {
	return &memoryBackend{
		maxDead:    opts.maxDead(),
		maxRetries: opts.maxRetries(),
		records:    map[string]*MutationRecord{},
		active:     map[string]string{},
		dead:       map[string][]string{},
		counts:     map[string]*StatusCounts{},
		entities:   map[string]*storedEntity{},
		cursors:    map[string]time.Time{},
		conflicts:  map[string][]ConflictRecord{},
	}
}

func (b *memoryBackend) countsFor(tenantID string) *StatusCounts {
	c, ok := b.counts[tenantID]
	if !ok {
		c = &StatusCounts{}
		b.counts[tenantID] = c
	}
	return c
}

func (b *memoryBackend) Enqueue(rec MutationRecord) (MutationRecord, error) {
	if rec.ID == "" || rec.TenantID == "" || rec.EntityType == "" || rec.EntityID == "" || !rec.Action.Valid() {
		return MutationRecord{}, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := entityKey(rec.TenantID, rec.EntityType, rec.EntityID)
	counts := b.countsFor(rec.TenantID)
	if activeID, ok := b.active[key]; ok {
		existing := b.records[activeID]
		merged, drop := mergeMutation(*existing, rec)
		if drop {
			if existing.Status == StatusPending {
				counts.Pending--
				if existing.RetryCount > 0 {
					counts.Failed--
				}
			} else {
				counts.InFlight--
			}
			delete(b.records, activeID)
			delete(b.active, key)
			return MutationRecord{}, nil
		}
		if existing.Status == StatusInFlight {
			counts.InFlight--
			counts.Pending++
		} else if existing.RetryCount > 0 {
			counts.Failed--
		}
		*existing = merged
		return merged, nil
	}

	rec.Status = StatusPending
	rec.RetryCount = 0
	rec.LastError = ""
	stored := rec
	b.records[rec.ID] = &stored
	b.active[key] = rec.ID
	counts.Pending++
	return stored, nil
}

func (b *memoryBackend) DequeueBatch(tenantID string, limit int, now time.Time) ([]MutationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	eligible := make([]*MutationRecord, 0, limit)
	for _, rec := range b.records {
		if rec.TenantID != tenantID || rec.Status != StatusPending {
			continue
		}
		if !rec.NextAttemptAt.IsZero() && rec.NextAttemptAt.After(now) {
			continue
		}
		eligible = append(eligible, rec)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	counts := b.countsFor(tenantID)
	out := make([]MutationRecord, 0, len(eligible))
	for _, rec := range eligible {
		rec.Status = StatusInFlight
		rec.LastAttemptAt = now
		counts.Pending--
		counts.InFlight++
		if rec.RetryCount > 0 {
			counts.Failed--
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (b *memoryBackend) MarkCompleted(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusInFlight {
		// Superseded mid-flight; the newer payload keeps the slot.
		return nil
	}
	key := entityKey(rec.TenantID, rec.EntityType, rec.EntityID)
	counts := b.countsFor(rec.TenantID)
	counts.InFlight--
	delete(b.records, id)
	if b.active[key] == id {
		delete(b.active, key)
	}
	return nil
}

func (b *memoryBackend) MarkFailed(id, errText string, fatal bool, retryAt time.Time) (MutationRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok {
		return MutationRecord{}, ErrNotFound
	}
	if rec.Status != StatusInFlight {
		return *rec, nil
	}
	counts := b.countsFor(rec.TenantID)
	counts.InFlight--
	rec.RetryCount++
	rec.LastError = errText

	if fatal || rec.RetryCount > b.maxRetries {
		rec.Status = StatusDead
		rec.NextAttemptAt = time.Time{}
		counts.Dead++
		key := entityKey(rec.TenantID, rec.EntityType, rec.EntityID)
		if b.active[key] == id {
			delete(b.active, key)
		}
		b.dead[rec.TenantID] = append(b.dead[rec.TenantID], id)
		b.evictDeadLocked(rec.TenantID, counts)
		return *rec, nil
	}

	rec.Status = StatusPending
	rec.NextAttemptAt = retryAt
	counts.Pending++
	counts.Failed++
	return *rec, nil
}

func (b *memoryBackend) evictDeadLocked(tenantID string, counts *StatusCounts) {
	ids := b.dead[tenantID]
	for len(ids) > b.maxDead {
		delete(b.records, ids[0])
		ids = ids[1:]
		counts.Dead--
	}
	b.dead[tenantID] = ids
}

func (b *memoryBackend) ActiveRecord(tenantID, entityType, entityID string) (MutationRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.active[entityKey(tenantID, entityType, entityID)]
	if !ok {
		return MutationRecord{}, false
	}
	rec, ok := b.records[id]
	if !ok {
		return MutationRecord{}, false
	}
	return *rec, true
}

func (b *memoryBackend) StatusCounts(tenantID string) (StatusCounts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.counts[tenantID]; ok {
		return *c, nil
	}
	return StatusCounts{}, nil
}

func (b *memoryBackend) DeadRecords(tenantID string) ([]MutationRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.dead[tenantID]
	out := make([]MutationRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := b.records[id]; ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (b *memoryBackend) ClearDead(tenantID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.dead[tenantID]
	for _, id := range ids {
		delete(b.records, id)
	}
	cleared := len(ids)
	delete(b.dead, tenantID)
	if c, ok := b.counts[tenantID]; ok {
		c.Dead = 0
	}
	return cleared, nil
}

func (b *memoryBackend) UpsertEntity(tenantID, entityType, entityID string, payload json.RawMessage, updatedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities[entityKey(tenantID, entityType, entityID)] = &storedEntity{
		payload:   append(json.RawMessage(nil), payload...),
		updatedAt: updatedAt,
	}
	return nil
}

func (b *memoryBackend) DeleteEntity(tenantID, entityType, entityID string, updatedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities[entityKey(tenantID, entityType, entityID)] = &storedEntity{
		updatedAt: updatedAt,
		deleted:   true,
	}
	return nil
}

func (b *memoryBackend) EntityVersion(tenantID, entityType, entityID string) (time.Time, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ent, ok := b.entities[entityKey(tenantID, entityType, entityID)]
	if !ok {
		return time.Time{}, false, nil
	}
	return ent.updatedAt, true, nil
}

func (b *memoryBackend) ReadEntity(tenantID, entityType, entityID string) (RemoteRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ent, ok := b.entities[entityKey(tenantID, entityType, entityID)]
	if !ok || ent.deleted {
		return RemoteRecord{}, ErrNotFound
	}
	return RemoteRecord{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    append(json.RawMessage(nil), ent.payload...),
		UpdatedAt:  ent.updatedAt,
	}, nil
}

func (b *memoryBackend) Cursor(tenantID string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursors[tenantID], nil
}

func (b *memoryBackend) AdvanceCursor(tenantID string, to time.Time) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.cursors[tenantID]
	if to.After(current) {
		b.cursors[tenantID] = to
		return to, nil
	}
	return current, nil
}

func (b *memoryBackend) RecordConflict(rec ConflictRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conflicts[rec.TenantID] = append(b.conflicts[rec.TenantID], rec)
	return nil
}

func (b *memoryBackend) Conflicts(tenantID string, limit int) ([]ConflictRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.conflicts[tenantID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]ConflictRecord, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (b *memoryBackend) Close() error {
	return nil
}

type persistedEntity struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted,omitempty"`
}

type backendSnapshot struct {
	Records   []MutationRecord            `json:"records"`
	DeadOrder map[string][]string         `json:"deadOrder,omitempty"`
	Entities  map[string]persistedEntity  `json:"entities,omitempty"`
	Cursors   map[string]time.Time        `json:"cursors,omitempty"`
	Conflicts map[string][]ConflictRecord `json:"conflicts,omitempty"`
}

func (b *memoryBackend) snapshot() backendSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := backendSnapshot{
		Records:   make([]MutationRecord, 0, len(b.records)),
		DeadOrder: map[string][]string{},
		Entities:  map[string]persistedEntity{},
		Cursors:   map[string]time.Time{},
		Conflicts: map[string][]ConflictRecord{},
	}
	for _, rec := range b.records {
		snap.Records = append(snap.Records, *rec)
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })
	for tenant, ids := range b.dead {
		snap.DeadOrder[tenant] = append([]string(nil), ids...)
	}
	for key, ent := range b.entities {
		snap.Entities[key] = persistedEntity{Payload: ent.payload, UpdatedAt: ent.updatedAt, Deleted: ent.deleted}
	}
	for tenant, at := range b.cursors {
		snap.Cursors[tenant] = at
	}
	for tenant, recs := range b.conflicts {
		snap.Conflicts[tenant] = append([]ConflictRecord(nil), recs...)
	}
	return snap
}

func (b *memoryBackend) restore(snap backendSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = map[string]*MutationRecord{}
	b.active = map[string]string{}
	b.dead = map[string][]string{}
	b.counts = map[string]*StatusCounts{}
	b.entities = map[string]*storedEntity{}
	b.cursors = map[string]time.Time{}
	b.conflicts = map[string][]ConflictRecord{}

	for i := range snap.Records {
		rec := snap.Records[i]
		// A crash while in_flight leaves the outcome unknown; re-push is safe
		// because remote application is idempotent by natural key.
		if rec.Status == StatusInFlight {
			rec.Status = StatusPending
		}
		stored := rec
		b.records[rec.ID] = &stored
		counts := b.countsFor(rec.TenantID)
		switch rec.Status {
		case StatusPending:
			counts.Pending++
			if rec.RetryCount > 0 {
				counts.Failed++
			}
			b.active[entityKey(rec.TenantID, rec.EntityType, rec.EntityID)] = rec.ID
		case StatusDead:
			counts.Dead++
		}
	}
	for tenant, ids := range snap.DeadOrder {
		kept := make([]string, 0, len(ids))
		for _, id := range ids {
			if rec, ok := b.records[id]; ok && rec.Status == StatusDead {
				kept = append(kept, id)
			}
		}
		b.dead[tenant] = kept
	}
	for key, ent := range snap.Entities {
		b.entities[key] = &storedEntity{
			payload:   append(json.RawMessage(nil), ent.Payload...),
			updatedAt: ent.UpdatedAt,
			deleted:   ent.Deleted,
		}
	}
	for tenant, at := range snap.Cursors {
		b.cursors[tenant] = at
	}
	for tenant, recs := range snap.Conflicts {
		b.conflicts[tenant] = append([]ConflictRecord(nil), recs...)
	}
}
