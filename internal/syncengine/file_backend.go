package syncengine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileBackend is the durable-local profile: full memory semantics with a
// JSON snapshot rewritten after every mutation, loaded on open. Suitable
// for small queues; larger installs use the sqlite backend.
type fileBackend struct {
	*memoryBackend
	path   string
	saveMu sync.Mutex
}

func NewFileBackend(path string, opts BackendOptions) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	mem := NewMemoryBackend(opts).(*memoryBackend)
	b := &fileBackend{memoryBackend: mem, path: path}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *fileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snap backendSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	b.memoryBackend.restore(snap)
	return nil
}

func (b *fileBackend) save() error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	data, err := json.Marshal(b.memoryBackend.snapshot())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *fileBackend) Enqueue(rec MutationRecord) (MutationRecord, error) {
	out, err := b.memoryBackend.Enqueue(rec)
	if err != nil {
		return out, err
	}
	return out, b.save()
}

func (b *fileBackend) DequeueBatch(tenantID string, limit int, now time.Time) ([]MutationRecord, error) {
	out, err := b.memoryBackend.DequeueBatch(tenantID, limit, now)
	if err != nil || len(out) == 0 {
		return out, err
	}
	return out, b.save()
}

func (b *fileBackend) MarkCompleted(id string) error {
	if err := b.memoryBackend.MarkCompleted(id); err != nil {
		return err
	}
	return b.save()
}

func (b *fileBackend) MarkFailed(id, errText string, fatal bool, retryAt time.Time) (MutationRecord, error) {
	out, err := b.memoryBackend.MarkFailed(id, errText, fatal, retryAt)
	if err != nil {
		return out, err
	}
	return out, b.save()
}

func (b *fileBackend) ClearDead(tenantID string) (int, error) {
	n, err := b.memoryBackend.ClearDead(tenantID)
	if err != nil {
		return n, err
	}
	return n, b.save()
}

func (b *fileBackend) UpsertEntity(tenantID, entityType, entityID string, payload json.RawMessage, updatedAt time.Time) error {
	if err := b.memoryBackend.UpsertEntity(tenantID, entityType, entityID, payload, updatedAt); err != nil {
		return err
	}
	return b.save()
}

func (b *fileBackend) DeleteEntity(tenantID, entityType, entityID string, updatedAt time.Time) error {
	if err := b.memoryBackend.DeleteEntity(tenantID, entityType, entityID, updatedAt); err != nil {
		return err
	}
	return b.save()
}

func (b *fileBackend) AdvanceCursor(tenantID string, to time.Time) (time.Time, error) {
	at, err := b.memoryBackend.AdvanceCursor(tenantID, to)
	if err != nil {
		return at, err
	}
	return at, b.save()
}

func (b *fileBackend) RecordConflict(rec ConflictRecord) error {
	if err := b.memoryBackend.RecordConflict(rec); err != nil {
		return err
	}
	return b.save()
}

func (b *fileBackend) Close() error {
	return b.save()
}
