package syncengine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestHandleEventAppliesEmbeddedPayload(t *testing.T) {
	backend := NewMemoryBackend(BackendOptions{})
	var notified atomic.Int32
	client := NewRealtimeClient(backend, func(EntityChange) { notified.Add(1) }, nil, RealtimeOptions{BaseURL: "ws://unused"})

	client.handleEvent("t1", ChangeEvent{
		EntityType: "account",
		EntityID:   "a1",
		Action:     ActionCreate,
		Payload:    json.RawMessage(`{"name":"one"}`),
		UpdatedAt:  time.Now().UTC(),
	})
	entity, err := backend.ReadEntity("t1", "account", "a1")
	if err != nil {
		t.Fatalf("event not applied: %v", err)
	}
	if string(entity.Payload) != `{"name":"one"}` {
		t.Fatalf("unexpected stored payload: %s", entity.Payload)
	}
	if notified.Load() != 1 {
		t.Fatalf("expected one change notification, got %d", notified.Load())
	}
}

func TestHandleEventRejectsCrossTenant(t *testing.T) {
	backend := NewMemoryBackend(BackendOptions{})
	client := NewRealtimeClient(backend, nil, nil, RealtimeOptions{BaseURL: "ws://unused"})

	client.handleEvent("t1", ChangeEvent{
		TenantID:   "t2",
		EntityType: "account",
		EntityID:   "a1",
		Action:     ActionCreate,
		Payload:    json.RawMessage(`{}`),
		UpdatedAt:  time.Now().UTC(),
	})
	if _, err := backend.ReadEntity("t1", "account", "a1"); err == nil {
		t.Fatalf("cross-tenant event must not apply")
	}
	if _, err := backend.ReadEntity("t2", "account", "a1"); err == nil {
		t.Fatalf("cross-tenant event must not apply under the foreign tenant")
	}
}

func TestHandleEventWithoutPayloadFallsBackToPull(t *testing.T) {
	backend := NewMemoryBackend(BackendOptions{})
	var pulls atomic.Int32
	client := NewRealtimeClient(backend, nil, func(string) { pulls.Add(1) }, RealtimeOptions{BaseURL: "ws://unused"})

	client.handleEvent("t1", ChangeEvent{
		EntityType: "account",
		EntityID:   "a1",
		Action:     ActionUpdate,
		UpdatedAt:  time.Now().UTC(),
	})
	if pulls.Load() != 1 {
		t.Fatalf("summary-only event must request a pull, got %d requests", pulls.Load())
	}
	if _, err := backend.ReadEntity("t1", "account", "a1"); err == nil {
		t.Fatalf("summary-only event must not write a partial record")
	}
}

func TestHandleEventAppliesDelete(t *testing.T) {
	backend := NewMemoryBackend(BackendOptions{})
	base := time.Now().UTC()
	if err := backend.UpsertEntity("t1", "account", "a1", json.RawMessage(`{}`), base); err != nil {
		t.Fatalf("seed entity failed: %v", err)
	}
	client := NewRealtimeClient(backend, nil, nil, RealtimeOptions{BaseURL: "ws://unused"})

	client.handleEvent("t1", ChangeEvent{
		EntityType: "account",
		EntityID:   "a1",
		Action:     ActionDelete,
		UpdatedAt:  base.Add(time.Minute),
	})
	if _, err := backend.ReadEntity("t1", "account", "a1"); err == nil {
		t.Fatalf("delete event must remove the entity")
	}
}

func TestRunLoopConsumesFeedAndTriggersGapFill(t *testing.T) {
	backend := NewMemoryBackend(BackendOptions{})
	version := time.Now().UTC()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/tenants/t1/events") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		event := ChangeEvent{
			EntityType: "account",
			EntityID:   "a1",
			Action:     ActionCreate,
			Payload:    json.RawMessage(`{"name":"live"}`),
			UpdatedAt:  version,
		}
		if err := wsjson.Write(r.Context(), conn, event); err != nil {
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	var pulls atomic.Int32
	client := NewRealtimeClient(backend, nil, func(string) { pulls.Add(1) }, RealtimeOptions{
		BaseURL: srv.URL,
	})
	closed := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.RunLoop("t1", closed)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := backend.ReadEntity("t1", "account", "a1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event from feed never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pulls.Load() < 1 {
		t.Fatalf("connect must trigger a gap-fill pull")
	}
	close(closed)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("run loop did not stop on close")
	}
}
