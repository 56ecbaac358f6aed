package syncengine

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteTestBackend(t *testing.T) Backend {
	t.Helper()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "sync.db"), BackendOptions{})
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestSQLiteBackendQueueRoundTrip(t *testing.T) {
	backend := newSQLiteTestBackend(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := backend.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionCreate, `{"name":"one"}`, base)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	batch, err := backend.DequeueBatch("t1", 10, base.Add(time.Second))
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != "m1" || batch[0].Status != StatusInFlight {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if string(batch[0].Payload) != `{"name":"one"}` {
		t.Fatalf("payload lost in round trip: %s", batch[0].Payload)
	}
	if err := backend.MarkCompleted("m1"); err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}
	counts, err := backend.StatusCounts("t1")
	if err != nil {
		t.Fatalf("status counts failed: %v", err)
	}
	if counts.Pending != 0 || counts.InFlight != 0 {
		t.Fatalf("expected empty queue, got %+v", counts)
	}
}

func TestSQLiteBackendSupersession(t *testing.T) {
	backend := newSQLiteTestBackend(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := backend.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionCreate, `{"v":1}`, base)); err != nil {
		t.Fatalf("enqueue create failed: %v", err)
	}
	merged, err := backend.Enqueue(newTestRecord("m2", "t1", "account", "a1", ActionUpdate, `{"v":2}`, base.Add(time.Second)))
	if err != nil {
		t.Fatalf("enqueue update failed: %v", err)
	}
	if merged.ID != "m1" || merged.Action != ActionCreate || string(merged.Payload) != `{"v":2}` {
		t.Fatalf("unexpected merged record: %+v", merged)
	}

	out, err := backend.Enqueue(newTestRecord("m3", "t1", "account", "a1", ActionDelete, "", base.Add(2*time.Second)))
	if err != nil {
		t.Fatalf("enqueue delete failed: %v", err)
	}
	if out.ID != "" {
		t.Fatalf("create+delete should cancel out, got %+v", out)
	}
	if _, ok := backend.ActiveRecord("t1", "account", "a1"); ok {
		t.Fatalf("expected no active record after cancellation")
	}
}

func TestSQLiteBackendFailureLifecycle(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "sync.db"), BackendOptions{MaxRetries: 1})
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	base := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := backend.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := backend.DequeueBatch("t1", 1, base.Add(time.Second)); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	rec, err := backend.MarkFailed("m1", "timeout", false, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if rec.Status != StatusPending || rec.RetryCount != 1 {
		t.Fatalf("expected pending with one retry, got %+v", rec)
	}

	if _, err := backend.DequeueBatch("t1", 1, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("second dequeue failed: %v", err)
	}
	rec, err = backend.MarkFailed("m1", "timeout again", false, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("second mark failed: %v", err)
	}
	if rec.Status != StatusDead {
		t.Fatalf("retry budget of 1 should dead-letter on second failure, got %+v", rec)
	}
	dead, err := backend.DeadRecords("t1")
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected one dead record, got %d (%v)", len(dead), err)
	}
	cleared, err := backend.ClearDead("t1")
	if err != nil || cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d (%v)", cleared, err)
	}
}

func TestSQLiteBackendEntityStoreAndCursor(t *testing.T) {
	backend := newSQLiteTestBackend(t)
	version := time.Now().UTC().Truncate(time.Millisecond)

	if err := backend.UpsertEntity("t1", "account", "a1", json.RawMessage(`{"name":"one"}`), version); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	entity, err := backend.ReadEntity("t1", "account", "a1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(entity.Payload) != `{"name":"one"}` || !entity.UpdatedAt.Equal(version) {
		t.Fatalf("unexpected entity: %+v", entity)
	}

	newer := version.Add(time.Minute)
	if err := backend.DeleteEntity("t1", "account", "a1", newer); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := backend.ReadEntity("t1", "account", "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted entity should not read back, got %v", err)
	}
	got, exists, err := backend.EntityVersion("t1", "account", "a1")
	if err != nil || !exists || !got.Equal(newer) {
		t.Fatalf("tombstone version lost: exists=%v at=%s (%v)", exists, got, err)
	}

	if _, err := backend.AdvanceCursor("t1", version); err != nil {
		t.Fatalf("advance cursor failed: %v", err)
	}
	at, err := backend.AdvanceCursor("t1", version.Add(-time.Hour))
	if err != nil || !at.Equal(version) {
		t.Fatalf("cursor regressed: %s (%v)", at, err)
	}
}

func TestSQLiteBackendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	backend, err := NewSQLiteBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("new sqlite backend failed: %v", err)
	}
	base := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := backend.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionCreate, `{}`, base)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteBackend(path, BackendOptions{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	active, ok := reopened.ActiveRecord("t1", "account", "a1")
	if !ok || active.ID != "m1" {
		t.Fatalf("queued record lost across reopen: %+v (ok=%v)", active, ok)
	}
}

func TestSQLiteBackendConflictLog(t *testing.T) {
	backend := newSQLiteTestBackend(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 3; i++ {
		err := backend.RecordConflict(ConflictRecord{
			TenantID:   "t1",
			EntityType: "account",
			EntityID:   "a1",
			Resolution: ResolutionLocalKept,
			Origin:     OriginPull,
			DetectedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("record conflict failed: %v", err)
		}
	}
	conflicts, err := backend.Conflicts("t1", 2)
	if err != nil {
		t.Fatalf("conflicts failed: %v", err)
	}
	if len(conflicts) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(conflicts))
	}
	if !conflicts[0].DetectedAt.After(conflicts[1].DetectedAt) {
		t.Fatalf("conflicts must return newest first")
	}
	if other, _ := backend.Conflicts("t2", 10); len(other) != 0 {
		t.Fatalf("conflict log must be tenant scoped, got %d", len(other))
	}
}
