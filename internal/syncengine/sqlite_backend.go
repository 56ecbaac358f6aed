package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqlOperationTimeout = 5 * time.Second

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_mutations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_attempt_at TEXT NOT NULL DEFAULT '',
		next_attempt_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sync_mutations_active_idx
		ON sync_mutations (tenant_id, entity_type, entity_id)
		WHERE status IN ('pending', 'in_flight')`,
	`CREATE INDEX IF NOT EXISTS sync_mutations_drain_idx
		ON sync_mutations (tenant_id, status, created_at)`,
	`CREATE TABLE IF NOT EXISTS sync_entities (
		tenant_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, entity_type, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		tenant_id TEXT PRIMARY KEY,
		last_pulled_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_conflicts (
		tenant_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		local_version TEXT NOT NULL DEFAULT '',
		remote_version TEXT NOT NULL DEFAULT '',
		resolution TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		detected_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sync_conflicts_tenant_idx
		ON sync_conflicts (tenant_id, detected_at)`,
}

// sqlBackend implements Backend on database/sql. The sqlite and postgres
// constructors differ only in driver, placeholder style and setup
// statements.
type sqlBackend struct {
	db     *sql.DB
	rebind func(query string) string
	// lockSuffix is appended to the dequeue SELECT so postgres can claim
	// rows with FOR UPDATE SKIP LOCKED. sqlite serializes writers already.
	lockSuffix string
	maxDead    int
	maxRetries int
}

// NewSQLiteBackend opens (or creates) the embedded store at path. WAL mode
// allows the pull/merge reader to proceed while the queue writes; a
// single-connection pool sidesteps SQLITE_BUSY between writers.
func NewSQLiteBackend(path string, opts BackendOptions) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite backend: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	b := &sqlBackend{
		db:         db,
		rebind:     func(q string) string { return q },
		maxDead:    opts.maxDead(),
		maxRetries: opts.maxRetries(),
	}
	if err := b.ensureSchema(ctx, sqlSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqlBackend) ensureSchema(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

const mutationColumns = "id, tenant_id, user_id, entity_type, entity_id, action, payload, status, retry_count, last_error, created_at, last_attempt_at, next_attempt_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (MutationRecord, error) {
	var rec MutationRecord
	var payload sql.NullString
	var action, status, createdAt, lastAttemptAt, nextAttemptAt string
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &rec.EntityType, &rec.EntityID,
		&action, &payload, &status, &rec.RetryCount, &rec.LastError,
		&createdAt, &lastAttemptAt, &nextAttemptAt)
	if err != nil {
		return MutationRecord{}, err
	}
	rec.Action = Action(action)
	rec.Status = Status(status)
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.LastAttemptAt = parseTime(lastAttemptAt)
	rec.NextAttemptAt = parseTime(nextAttemptAt)
	return rec, nil
}

func payloadArg(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func (b *sqlBackend) Enqueue(rec MutationRecord) (MutationRecord, error) {
	if rec.ID == "" || rec.TenantID == "" || rec.EntityType == "" || rec.EntityID == "" || !rec.Action.Valid() {
		return MutationRecord{}, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return MutationRecord{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, b.rebind(
		"SELECT "+mutationColumns+" FROM sync_mutations WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND status IN ('pending', 'in_flight')"),
		rec.TenantID, rec.EntityType, rec.EntityID)
	active, err := scanMutation(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec.Status = StatusPending
		rec.RetryCount = 0
		rec.LastError = ""
		_, err = tx.ExecContext(ctx, b.rebind(
			"INSERT INTO sync_mutations ("+mutationColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
			rec.ID, rec.TenantID, rec.UserID, rec.EntityType, rec.EntityID, string(rec.Action),
			payloadArg(rec.Payload), string(rec.Status), rec.RetryCount, rec.LastError,
			fmtTime(rec.CreatedAt), fmtTime(rec.LastAttemptAt), fmtTime(rec.NextAttemptAt))
		if err != nil {
			return MutationRecord{}, err
		}
		if err := tx.Commit(); err != nil {
			return MutationRecord{}, err
		}
		committed = true
		return rec, nil
	case err != nil:
		return MutationRecord{}, err
	}

	merged, drop := mergeMutation(active, rec)
	if drop {
		if _, err := tx.ExecContext(ctx, b.rebind("DELETE FROM sync_mutations WHERE id = ?"), active.ID); err != nil {
			return MutationRecord{}, err
		}
		if err := tx.Commit(); err != nil {
			return MutationRecord{}, err
		}
		committed = true
		return MutationRecord{}, nil
	}
	_, err = tx.ExecContext(ctx, b.rebind(
		"UPDATE sync_mutations SET user_id = ?, action = ?, payload = ?, status = ?, retry_count = ?, last_error = ?, next_attempt_at = ? WHERE id = ?"),
		merged.UserID, string(merged.Action), payloadArg(merged.Payload), string(merged.Status),
		merged.RetryCount, merged.LastError, fmtTime(merged.NextAttemptAt), merged.ID)
	if err != nil {
		return MutationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return MutationRecord{}, err
	}
	committed = true
	return merged, nil
}

func (b *sqlBackend) DequeueBatch(tenantID string, limit int, now time.Time) ([]MutationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, b.rebind(
		"SELECT "+mutationColumns+" FROM sync_mutations WHERE tenant_id = ? AND status = 'pending' AND next_attempt_at <= ? ORDER BY created_at ASC, id ASC LIMIT ?"+b.lockSuffix),
		tenantID, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	batch := make([]MutationRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanMutation(rows)
		if scanErr != nil {
			_ = rows.Close()
			return nil, scanErr
		}
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(batch) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		committed = true
		return nil, nil
	}

	for i := range batch {
		batch[i].Status = StatusInFlight
		batch[i].LastAttemptAt = now
		res, err := tx.ExecContext(ctx, b.rebind(
			"UPDATE sync_mutations SET status = 'in_flight', last_attempt_at = ? WHERE id = ? AND status = 'pending'"),
			fmtTime(now), batch[i].ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Claimed by a concurrent drain between SELECT and UPDATE; the
			// unique-claim guarantee holds by dropping it from this batch.
			batch = append(batch[:i], batch[i+1:]...)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return batch, nil
}

func (b *sqlBackend) MarkCompleted(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	res, err := b.db.ExecContext(ctx, b.rebind(
		"DELETE FROM sync_mutations WHERE id = ? AND status = 'in_flight'"), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		row := b.db.QueryRowContext(ctx, b.rebind("SELECT 1 FROM sync_mutations WHERE id = ?"), id)
		if scanErr := row.Scan(&exists); errors.Is(scanErr, sql.ErrNoRows) {
			return ErrNotFound
		}
		// Superseded back to pending while in flight: keep the newer intent.
	}
	return nil
}

func (b *sqlBackend) MarkFailed(id, errText string, fatal bool, retryAt time.Time) (MutationRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return MutationRecord{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, b.rebind(
		"SELECT "+mutationColumns+" FROM sync_mutations WHERE id = ?"), id)
	rec, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MutationRecord{}, ErrNotFound
	}
	if err != nil {
		return MutationRecord{}, err
	}
	if rec.Status != StatusInFlight {
		if err := tx.Commit(); err != nil {
			return MutationRecord{}, err
		}
		committed = true
		return rec, nil
	}

	rec.RetryCount++
	rec.LastError = errText
	if fatal || rec.RetryCount > b.maxRetries {
		rec.Status = StatusDead
		rec.NextAttemptAt = time.Time{}
	} else {
		rec.Status = StatusPending
		rec.NextAttemptAt = retryAt
	}
	_, err = tx.ExecContext(ctx, b.rebind(
		"UPDATE sync_mutations SET status = ?, retry_count = ?, last_error = ?, next_attempt_at = ? WHERE id = ?"),
		string(rec.Status), rec.RetryCount, rec.LastError, fmtTime(rec.NextAttemptAt), rec.ID)
	if err != nil {
		return MutationRecord{}, err
	}
	if rec.Status == StatusDead {
		if err := b.evictDeadTx(ctx, tx, rec.TenantID); err != nil {
			return MutationRecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return MutationRecord{}, err
	}
	committed = true
	return rec, nil
}

func (b *sqlBackend) evictDeadTx(ctx context.Context, tx *sql.Tx, tenantID string) error {
	row := tx.QueryRowContext(ctx, b.rebind(
		"SELECT COUNT(*) FROM sync_mutations WHERE tenant_id = ? AND status = 'dead'"), tenantID)
	var count int
	if err := row.Scan(&count); err != nil {
		return err
	}
	if count <= b.maxDead {
		return nil
	}
	_, err := tx.ExecContext(ctx, b.rebind(
		`DELETE FROM sync_mutations WHERE id IN (
			SELECT id FROM sync_mutations WHERE tenant_id = ? AND status = 'dead'
			ORDER BY created_at ASC, id ASC LIMIT ?)`),
		tenantID, count-b.maxDead)
	return err
}

func (b *sqlBackend) ActiveRecord(tenantID, entityType, entityID string) (MutationRecord, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	row := b.db.QueryRowContext(ctx, b.rebind(
		"SELECT "+mutationColumns+" FROM sync_mutations WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND status IN ('pending', 'in_flight')"),
		tenantID, entityType, entityID)
	rec, err := scanMutation(row)
	if err != nil {
		return MutationRecord{}, false
	}
	return rec, true
}

func (b *sqlBackend) StatusCounts(tenantID string) (StatusCounts, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	var counts StatusCounts
	rows, err := b.db.QueryContext(ctx, b.rebind(
		"SELECT status, COUNT(*) FROM sync_mutations WHERE tenant_id = ? GROUP BY status"), tenantID)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch Status(status) {
		case StatusPending:
			counts.Pending = n
		case StatusInFlight:
			counts.InFlight = n
		case StatusDead:
			counts.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}
	row := b.db.QueryRowContext(ctx, b.rebind(
		"SELECT COUNT(*) FROM sync_mutations WHERE tenant_id = ? AND status = 'pending' AND retry_count > 0"), tenantID)
	if err := row.Scan(&counts.Failed); err != nil {
		return counts, err
	}
	return counts, nil
}

func (b *sqlBackend) DeadRecords(tenantID string) ([]MutationRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx, b.rebind(
		"SELECT "+mutationColumns+" FROM sync_mutations WHERE tenant_id = ? AND status = 'dead' ORDER BY created_at ASC, id ASC"), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []MutationRecord{}
	for rows.Next() {
		rec, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *sqlBackend) ClearDead(tenantID string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	res, err := b.db.ExecContext(ctx, b.rebind(
		"DELETE FROM sync_mutations WHERE tenant_id = ? AND status = 'dead'"), tenantID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *sqlBackend) UpsertEntity(tenantID, entityType, entityID string, payload json.RawMessage, updatedAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO sync_entities (tenant_id, entity_type, entity_id, payload, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT (tenant_id, entity_type, entity_id)
		DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at, deleted = 0`),
		tenantID, entityType, entityID, payloadArg(payload), fmtTime(updatedAt))
	return err
}

func (b *sqlBackend) DeleteEntity(tenantID, entityType, entityID string, updatedAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO sync_entities (tenant_id, entity_type, entity_id, payload, updated_at, deleted)
		VALUES (?, ?, ?, NULL, ?, 1)
		ON CONFLICT (tenant_id, entity_type, entity_id)
		DO UPDATE SET payload = NULL, updated_at = excluded.updated_at, deleted = 1`),
		tenantID, entityType, entityID, fmtTime(updatedAt))
	return err
}

func (b *sqlBackend) EntityVersion(tenantID, entityType, entityID string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	row := b.db.QueryRowContext(ctx, b.rebind(
		"SELECT updated_at FROM sync_entities WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?"),
		tenantID, entityType, entityID)
	var updatedAt string
	err := row.Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseTime(updatedAt), true, nil
}

func (b *sqlBackend) ReadEntity(tenantID, entityType, entityID string) (RemoteRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	row := b.db.QueryRowContext(ctx, b.rebind(
		"SELECT payload, updated_at, deleted FROM sync_entities WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?"),
		tenantID, entityType, entityID)
	var payload sql.NullString
	var updatedAt string
	var deleted int
	err := row.Scan(&payload, &updatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return RemoteRecord{}, ErrNotFound
	}
	if err != nil {
		return RemoteRecord{}, err
	}
	if deleted != 0 {
		return RemoteRecord{}, ErrNotFound
	}
	rec := RemoteRecord{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		UpdatedAt:  parseTime(updatedAt),
	}
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	return rec, nil
}

func (b *sqlBackend) Cursor(tenantID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	row := b.db.QueryRowContext(ctx, b.rebind(
		"SELECT last_pulled_at FROM sync_cursors WHERE tenant_id = ?"), tenantID)
	var at string
	err := row.Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(at), nil
}

func (b *sqlBackend) AdvanceCursor(tenantID string, to time.Time) (time.Time, error) {
	current, err := b.Cursor(tenantID)
	if err != nil {
		return time.Time{}, err
	}
	if !to.After(current) {
		return current, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	_, err = b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO sync_cursors (tenant_id, last_pulled_at) VALUES (?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET last_pulled_at = excluded.last_pulled_at`),
		tenantID, fmtTime(to))
	if err != nil {
		return time.Time{}, err
	}
	return to, nil
}

func (b *sqlBackend) RecordConflict(rec ConflictRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO sync_conflicts (tenant_id, entity_type, entity_id, local_version, remote_version, resolution, detail, origin, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TenantID, rec.EntityType, rec.EntityID, fmtTime(rec.LocalVersion), fmtTime(rec.RemoteVersion),
		string(rec.Resolution), rec.Detail, rec.Origin, fmtTime(rec.DetectedAt))
	return err
}

func (b *sqlBackend) Conflicts(tenantID string, limit int) ([]ConflictRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT tenant_id, entity_type, entity_id, local_version, remote_version, resolution, detail, origin, detected_at
		FROM sync_conflicts WHERE tenant_id = ? ORDER BY detected_at DESC LIMIT ?`),
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ConflictRecord{}
	for rows.Next() {
		var rec ConflictRecord
		var localVersion, remoteVersion, resolution, detectedAt string
		if err := rows.Scan(&rec.TenantID, &rec.EntityType, &rec.EntityID, &localVersion, &remoteVersion,
			&resolution, &rec.Detail, &rec.Origin, &detectedAt); err != nil {
			return nil, err
		}
		rec.LocalVersion = parseTime(localVersion)
		rec.RemoteVersion = parseTime(remoteVersion)
		rec.Resolution = ConflictResolution(resolution)
		rec.DetectedAt = parseTime(detectedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}
