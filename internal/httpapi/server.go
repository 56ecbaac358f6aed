package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fieldline/syncengine/internal/syncengine"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the admin and observability surface of a sync engine process.
// It exposes queue status, dead-letter recovery, the conflict log and
// manual sync triggers, all scoped per tenant and guarded by bearer auth.
type Server struct {
	engine      *syncengine.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *syncengine.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *syncengine.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"online": s.engine.IsOnline(),
		})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "tenants" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	tenantID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_status"
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "refresh" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync_refresh"
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_conflicts"
	case len(parts) == 4 && parts[3] == "ops" && r.Method == http.MethodGet:
		requiredScope = "ops:read"
		route = "ops_list"
	case len(parts) == 5 && parts[3] == "ops" && parts[4] == "clear-dead" && r.Method == http.MethodPost:
		requiredScope = "ops:clear"
		route = "ops_clear_dead"
	case len(parts) == 4 && parts[3] == "mutations" && r.Method == http.MethodPost:
		requiredScope = "sync:write"
		route = "enqueue"
	case len(parts) == 6 && parts[3] == "entities" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "read_entity"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, tenantID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := tenantID + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "sync_status":
		s.handleSyncStatus(w, r, tenantID, correlationID)
	case "sync_refresh":
		s.handleSyncRefresh(w, r, tenantID, correlationID)
	case "sync_conflicts":
		s.handleSyncConflicts(w, r, tenantID, correlationID)
	case "ops_list":
		s.handleOpsList(w, r, tenantID, correlationID)
	case "ops_clear_dead":
		s.handleOpsClearDead(w, r, tenantID, correlationID)
	case "enqueue":
		s.handleEnqueue(w, r, tenantID, correlationID)
	case "read_entity":
		s.handleReadEntity(w, r, tenantID, parts[4], parts[5], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	counts, err := s.engine.QueueStatus(tenantID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	cursor, err := s.engine.SyncCursor(tenantID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	state := s.engine.ConnectionState()
	resp := map[string]any{
		"tenantId":   tenantID,
		"queue":      counts,
		"connection": state,
	}
	if !cursor.IsZero() {
		resp["lastPulledAt"] = cursor.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncRefresh(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	if err := s.engine.ForceSync(r.Context(), tenantID); err != nil {
		if errors.Is(err, syncengine.ErrTenantMismatch) {
			writeError(w, http.StatusConflict, "no_session", "no active session for tenant", correlationID)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "sync_failed", err.Error(), correlationID)
		return
	}
	counts, err := s.engine.QueueStatus(tenantID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId": tenantID,
		"queue":    counts,
	})
}

func (s *Server) handleSyncConflicts(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	conflicts, err := s.engine.Conflicts(tenantID, limit)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":  tenantID,
		"conflicts": conflicts,
	})
}

func (s *Server) handleOpsList(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	dead, err := s.engine.FailedOperations(tenantID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId": tenantID,
		"dead":     dead,
	})
}

func (s *Server) handleOpsClearDead(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	n, err := s.engine.ClearDeadOperations(tenantID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId": tenantID,
		"cleared":  n,
	})
}

type enqueueRequest struct {
	UserID     string          `json:"userId"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var req enqueueRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	rec, err := s.engine.EnqueueMutation(tenantID, req.UserID, req.EntityType, req.EntityID, syncengine.Action(req.Action), req.Payload)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if rec.ID == "" {
		// The new intent cancelled a queued create; nothing remains.
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleReadEntity(w http.ResponseWriter, _ *http.Request, tenantID, entityType, entityID, correlationID string) {
	rec, err := s.engine.ReadEntity(tenantID, entityType, entityID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, syncengine.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, syncengine.ErrInvalidPayload):
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error(), correlationID)
	case errors.Is(err, syncengine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, syncengine.ErrTenantMismatch):
		writeError(w, http.StatusConflict, "no_session", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
