package syncengine

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func TestFileBackendPersistsQueueAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := NewFileBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	base := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := backend.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionCreate, `{"name":"one"}`, base)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	active, ok := reopened.ActiveRecord("t1", "account", "a1")
	if !ok {
		t.Fatalf("expected queued record to survive reopen")
	}
	if active.ID != "m1" || active.Action != ActionCreate {
		t.Fatalf("unexpected restored record: %+v", active)
	}
}

func TestFileBackendRestoresInFlightAsPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := NewFileBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	base := time.Now().UTC()
	if _, err := backend.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	batch, err := backend.DequeueBatch("t1", 1, base.Add(time.Second))
	if err != nil || len(batch) != 1 {
		t.Fatalf("dequeue failed: %v (%d records)", err, len(batch))
	}
	// Simulate a crash before the outcome was recorded.
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	counts, err := reopened.StatusCounts("t1")
	if err != nil {
		t.Fatalf("status counts failed: %v", err)
	}
	if counts.InFlight != 0 || counts.Pending != 1 {
		t.Fatalf("in-flight record must restore as pending, got %+v", counts)
	}
}

func TestFileBackendPersistsEntitiesCursorsAndConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := NewFileBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	version := time.Now().UTC().Truncate(time.Millisecond)
	if err := backend.UpsertEntity("t1", "account", "a1", json.RawMessage(`{"name":"one"}`), version); err != nil {
		t.Fatalf("upsert entity failed: %v", err)
	}
	if _, err := backend.AdvanceCursor("t1", version); err != nil {
		t.Fatalf("advance cursor failed: %v", err)
	}
	conflict := ConflictRecord{
		TenantID:   "t1",
		EntityType: "account",
		EntityID:   "a1",
		Resolution: ResolutionLocalKept,
		DetectedAt: version,
	}
	if err := backend.RecordConflict(conflict); err != nil {
		t.Fatalf("record conflict failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	entity, err := reopened.ReadEntity("t1", "account", "a1")
	if err != nil {
		t.Fatalf("read entity failed: %v", err)
	}
	if string(entity.Payload) != `{"name":"one"}` || !entity.UpdatedAt.Equal(version) {
		t.Fatalf("unexpected restored entity: %+v", entity)
	}
	cursor, err := reopened.Cursor("t1")
	if err != nil || !cursor.Equal(version) {
		t.Fatalf("expected restored cursor %s, got %s (%v)", version, cursor, err)
	}
	conflicts, err := reopened.Conflicts("t1", 10)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("expected one restored conflict, got %d (%v)", len(conflicts), err)
	}
	if conflicts[0].Resolution != ResolutionLocalKept {
		t.Fatalf("unexpected conflict resolution: %s", conflicts[0].Resolution)
	}
}

func TestFileBackendDeletedEntityKeepsTombstoneVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := NewFileBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	version := time.Now().UTC().Truncate(time.Millisecond)
	if err := backend.DeleteEntity("t1", "account", "a1", version); err != nil {
		t.Fatalf("delete entity failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, exists, err := reopened.EntityVersion("t1", "account", "a1")
	if err != nil {
		t.Fatalf("entity version failed: %v", err)
	}
	if !exists || !got.Equal(version) {
		t.Fatalf("tombstone version must survive reopen, got exists=%v at=%s", exists, got)
	}
	if _, err := reopened.ReadEntity("t1", "account", "a1"); err == nil {
		t.Fatalf("deleted entity must not read back")
	}
}
