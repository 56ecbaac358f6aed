package syncengine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestRecord(id, tenantID, entityType, entityID string, action Action, payload string, createdAt time.Time) MutationRecord {
	rec := MutationRecord{
		ID:         id,
		TenantID:   tenantID,
		UserID:     "user_1",
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		CreatedAt:  createdAt,
	}
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	return rec
}

func TestEnqueueSupersedesPendingUpdate(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	first, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{"name":"one"}`, base))
	if err != nil {
		t.Fatalf("enqueue first failed: %v", err)
	}
	second, err := q.Enqueue(newTestRecord("m2", "t1", "account", "a1", ActionUpdate, `{"name":"two"}`, base.Add(time.Second)))
	if err != nil {
		t.Fatalf("enqueue second failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected supersession to keep record id %s, got %s", first.ID, second.ID)
	}
	if string(second.Payload) != `{"name":"two"}` {
		t.Fatalf("expected newest payload after supersession, got %s", second.Payload)
	}
	counts, err := q.StatusCounts("t1")
	if err != nil {
		t.Fatalf("status counts failed: %v", err)
	}
	if counts.Pending != 1 {
		t.Fatalf("expected exactly one pending record, got %+v", counts)
	}
}

func TestEnqueueCreateThenUpdateStaysCreate(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionCreate, `{"name":"one"}`, base)); err != nil {
		t.Fatalf("enqueue create failed: %v", err)
	}
	merged, err := q.Enqueue(newTestRecord("m2", "t1", "account", "a1", ActionUpdate, `{"name":"two"}`, base.Add(time.Second)))
	if err != nil {
		t.Fatalf("enqueue update failed: %v", err)
	}
	if merged.Action != ActionCreate {
		t.Fatalf("create followed by update must remain create, got %s", merged.Action)
	}
	if string(merged.Payload) != `{"name":"two"}` {
		t.Fatalf("merged create should carry newest payload, got %s", merged.Payload)
	}
}

func TestEnqueueCreateThenDeleteCancelsOut(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionCreate, `{"name":"one"}`, base)); err != nil {
		t.Fatalf("enqueue create failed: %v", err)
	}
	out, err := q.Enqueue(newTestRecord("m2", "t1", "account", "a1", ActionDelete, "", base.Add(time.Second)))
	if err != nil {
		t.Fatalf("enqueue delete failed: %v", err)
	}
	if out.ID != "" {
		t.Fatalf("create+delete should collapse to nothing, got record %s", out.ID)
	}
	if _, ok := q.ActiveRecord("t1", "account", "a1"); ok {
		t.Fatalf("expected no active record after cancellation")
	}
	counts, _ := q.StatusCounts("t1")
	if counts.Pending != 0 || counts.InFlight != 0 {
		t.Fatalf("expected empty queue after cancellation, got %+v", counts)
	}
}

func TestEnqueueUpdateThenDeleteBecomesDelete(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{"name":"one"}`, base)); err != nil {
		t.Fatalf("enqueue update failed: %v", err)
	}
	merged, err := q.Enqueue(newTestRecord("m2", "t1", "account", "a1", ActionDelete, "", base.Add(time.Second)))
	if err != nil {
		t.Fatalf("enqueue delete failed: %v", err)
	}
	if merged.Action != ActionDelete {
		t.Fatalf("update followed by delete must become delete, got %s", merged.Action)
	}
	if merged.Payload != nil {
		t.Fatalf("delete record must not carry a payload, got %s", merged.Payload)
	}
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	_, err := q.Enqueue(MutationRecord{ID: "m1", TenantID: "t1", EntityType: "account"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDequeueBatchOrdersOldestFirstAndRespectsRetryGate(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue m1 failed: %v", err)
	}
	if _, err := q.Enqueue(newTestRecord("m2", "t1", "account", "a2", ActionUpdate, `{}`, base.Add(time.Second))); err != nil {
		t.Fatalf("enqueue m2 failed: %v", err)
	}
	if _, err := q.Enqueue(newTestRecord("m3", "t1", "account", "a3", ActionUpdate, `{}`, base.Add(2*time.Second))); err != nil {
		t.Fatalf("enqueue m3 failed: %v", err)
	}

	batch, err := q.DequeueBatch("t1", 10, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 records, got %d", len(batch))
	}
	if batch[0].ID != "m1" || batch[1].ID != "m2" || batch[2].ID != "m3" {
		t.Fatalf("expected creation order m1,m2,m3, got %s,%s,%s", batch[0].ID, batch[1].ID, batch[2].ID)
	}
	for _, rec := range batch {
		if rec.Status != StatusInFlight {
			t.Fatalf("dequeued record %s should be in_flight, got %s", rec.ID, rec.Status)
		}
	}

	// Fail m1 with a retry gate in the future; it must not come back yet.
	retryAt := base.Add(time.Hour)
	if _, err := q.MarkFailed("m1", "timeout", false, retryAt); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	again, err := q.DequeueBatch("t1", 10, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("second dequeue failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("record gated on future retryAt must not dequeue, got %d records", len(again))
	}
	late, err := q.DequeueBatch("t1", 10, retryAt.Add(time.Second))
	if err != nil {
		t.Fatalf("third dequeue failed: %v", err)
	}
	if len(late) != 1 || late[0].ID != "m1" {
		t.Fatalf("expected m1 eligible after retryAt, got %+v", late)
	}
}

func TestDequeueBatchIsTenantScoped(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue t1 failed: %v", err)
	}
	if _, err := q.Enqueue(newTestRecord("m2", "t2", "account", "a1", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue t2 failed: %v", err)
	}
	batch, err := q.DequeueBatch("t1", 10, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(batch) != 1 || batch[0].TenantID != "t1" {
		t.Fatalf("dequeue must only return the requested tenant's records, got %+v", batch)
	}
}

func TestSupersedeWhileInFlightKeepsNewerIntent(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{"v":1}`, base)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	batch, err := q.DequeueBatch("t1", 1, base.Add(time.Second))
	if err != nil || len(batch) != 1 {
		t.Fatalf("dequeue failed: %v (%d records)", err, len(batch))
	}

	// A second local edit lands while the first push is in flight.
	merged, err := q.Enqueue(newTestRecord("m2", "t1", "account", "a1", ActionUpdate, `{"v":2}`, base.Add(time.Second)))
	if err != nil {
		t.Fatalf("supersede failed: %v", err)
	}
	if merged.Status != StatusPending {
		t.Fatalf("superseded record must return to pending, got %s", merged.Status)
	}

	// The stale push succeeds; completion must not discard the newer edit.
	if err := q.MarkCompleted(batch[0].ID); err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}
	active, ok := q.ActiveRecord("t1", "account", "a1")
	if !ok {
		t.Fatalf("expected the newer intent to stay queued")
	}
	if string(active.Payload) != `{"v":2}` {
		t.Fatalf("expected newest payload to survive, got %s", active.Payload)
	}
}

func TestMarkFailedFatalGoesStraightToDead(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.DequeueBatch("t1", 1, base.Add(time.Second)); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	rec, err := q.MarkFailed("m1", "validation rejected", true, time.Time{})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if rec.Status != StatusDead {
		t.Fatalf("fatal failure must go straight to dead, got %s", rec.Status)
	}
	if _, ok := q.ActiveRecord("t1", "account", "a1"); ok {
		t.Fatalf("dead record must release the entity slot")
	}
	dead, err := q.DeadRecords("t1")
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected one dead record, got %d (%v)", len(dead), err)
	}
	if dead[0].LastError != "validation rejected" {
		t.Fatalf("dead record should carry the last error, got %q", dead[0].LastError)
	}
}

func TestMarkFailedExhaustsRetryBudget(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{MaxRetries: 2})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	now := base
	for attempt := 1; ; attempt++ {
		now = now.Add(time.Minute)
		batch, err := q.DequeueBatch("t1", 1, now)
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("attempt %d: expected record eligible, got none", attempt)
		}
		rec, err := q.MarkFailed("m1", "500", false, now.Add(time.Second))
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if rec.Status == StatusDead {
			if rec.RetryCount != 3 {
				t.Fatalf("budget of 2 retries should die on attempt 3, got retryCount=%d", rec.RetryCount)
			}
			break
		}
		if attempt > 5 {
			t.Fatalf("record never exhausted its retry budget")
		}
	}
}

func TestDeadRecordCapEvictsOldest(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{MaxDeadRecords: 2})
	base := time.Now().UTC()

	for i, id := range []string{"m1", "m2", "m3"} {
		entityID := "a" + id
		if _, err := q.Enqueue(newTestRecord(id, "t1", "account", entityID, ActionUpdate, `{}`, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
		if _, err := q.DequeueBatch("t1", 10, base.Add(time.Minute)); err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if _, err := q.MarkFailed(id, "bad request", true, time.Time{}); err != nil {
			t.Fatalf("mark failed %s: %v", id, err)
		}
	}
	dead, err := q.DeadRecords("t1")
	if err != nil {
		t.Fatalf("dead records failed: %v", err)
	}
	if len(dead) != 2 {
		t.Fatalf("expected dead cap of 2, got %d", len(dead))
	}
	if dead[0].ID != "m2" || dead[1].ID != "m3" {
		t.Fatalf("expected oldest dead record evicted, kept %s,%s", dead[0].ID, dead[1].ID)
	}
}

func TestClearDeadRemovesOnlyDeadRecords(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue m1 failed: %v", err)
	}
	if _, err := q.Enqueue(newTestRecord("m2", "t1", "account", "a2", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue m2 failed: %v", err)
	}
	if _, err := q.DequeueBatch("t1", 1, base.Add(time.Second)); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if _, err := q.MarkFailed("m1", "gone", true, time.Time{}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	cleared, err := q.ClearDead("t1")
	if err != nil {
		t.Fatalf("clear dead failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared record, got %d", cleared)
	}
	counts, _ := q.StatusCounts("t1")
	if counts.Dead != 0 || counts.Pending != 1 {
		t.Fatalf("clear dead must leave pending work untouched, got %+v", counts)
	}
}

func TestStatusCountsTrackFailedPending(t *testing.T) {
	q := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	if _, err := q.Enqueue(newTestRecord("m1", "t1", "account", "a1", ActionUpdate, `{}`, base)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.DequeueBatch("t1", 1, base.Add(time.Second)); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if _, err := q.MarkFailed("m1", "timeout", false, base.Add(time.Minute)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	counts, err := q.StatusCounts("t1")
	if err != nil {
		t.Fatalf("status counts failed: %v", err)
	}
	if counts.Pending != 1 || counts.Failed != 1 || counts.InFlight != 0 || counts.Dead != 0 {
		t.Fatalf("expected one failed-pending record, got %+v", counts)
	}
}

func TestCursorIsMonotonic(t *testing.T) {
	b := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()

	at, err := b.AdvanceCursor("t1", base)
	if err != nil || !at.Equal(base) {
		t.Fatalf("advance failed: %v (at=%s)", err, at)
	}
	at, err = b.AdvanceCursor("t1", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("regression advance failed: %v", err)
	}
	if !at.Equal(base) {
		t.Fatalf("cursor must never move backwards, got %s", at)
	}
}
