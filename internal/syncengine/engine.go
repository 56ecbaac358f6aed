package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// changeHub fans local-store changes out to UI subscribers. Bursts are
// coalesced: the first event arms a timer and everything arriving before
// it fires is delivered as one batch. Store writes are never debounced,
// only this notification layer.
type changeHub struct {
	debounce time.Duration

	mu        sync.Mutex
	listeners map[int]func([]EntityChange)
	nextID    int
	pending   []EntityChange
	timer     *time.Timer
}

func newChangeHub(debounce time.Duration) *changeHub {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &changeHub{debounce: debounce, listeners: map[int]func([]EntityChange){}}
}

func (h *changeHub) subscribe(listener func([]EntityChange)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = listener
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

func (h *changeHub) publish(change EntityChange) {
	h.mu.Lock()
	h.pending = append(h.pending, change)
	if h.timer == nil {
		h.timer = time.AfterFunc(h.debounce, h.flush)
	}
	h.mu.Unlock()
}

func (h *changeHub) flush() {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.timer = nil
	listeners := make([]func([]EntityChange), 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	for _, listener := range listeners {
		listener(batch)
	}
}

func (h *changeHub) stop() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.pending = nil
	h.mu.Unlock()
}

type EngineOptions struct {
	Backend   Backend
	Client    RemoteClient
	Validator *PayloadValidator

	Connectivity ConnectivityOptions
	Pusher       PusherOptions
	Puller       PullerOptions
	Realtime     RealtimeOptions

	// ChangeDebounce coalesces UI notifications. Default 250ms.
	ChangeDebounce time.Duration
	// AuthFailure is invoked when pushes die on expired or revoked
	// credentials. Defaults to logging.
	AuthFailure func(tenantID string, err error)
	Logger      Logger
}

// Engine is the public surface of the sync engine. One Engine serves one
// client process; tenants attach through sessions, each of which runs its
// own push, pull and realtime loops.
type Engine struct {
	backend   Backend
	client    RemoteClient
	validator *PayloadValidator
	monitor   *ConnectivityMonitor
	pusher    *Pusher
	puller    *Puller
	realtime  *RealtimeClient
	hub       *changeHub
	logger    Logger

	mu       sync.Mutex
	sessions map[string]chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidInput)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: remote client is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	if opts.Connectivity.Logger == nil {
		opts.Connectivity.Logger = logger
	}
	if opts.Pusher.Logger == nil {
		opts.Pusher.Logger = logger
	}
	if opts.Puller.Logger == nil {
		opts.Puller.Logger = logger
	}
	if opts.Realtime.Logger == nil {
		opts.Realtime.Logger = logger
	}

	e := &Engine{
		backend:   opts.Backend,
		client:    opts.Client,
		validator: opts.Validator,
		hub:       newChangeHub(opts.ChangeDebounce),
		logger:    logger,
		sessions:  map[string]chan struct{}{},
	}
	e.monitor = NewConnectivityMonitor(opts.Client.Health, opts.Connectivity)

	authFailure := opts.AuthFailure
	if authFailure == nil {
		authFailure = func(tenantID string, err error) {
			logger.Printf("engine: credentials rejected tenant=%s: %v", tenantID, err)
		}
	}
	opts.Pusher.AuthFailure = authFailure
	// Completed or dead mutations free their entity slots; a reconciling
	// pull picks up any remote versions that were deferred behind them.
	opts.Pusher.Drained = e.requestPull
	e.pusher = NewPusher(opts.Backend, opts.Client, e.monitor, opts.Pusher)
	e.puller = NewPuller(opts.Backend, opts.Client, e.monitor, e.hub.publish, opts.Puller)
	e.realtime = NewRealtimeClient(opts.Backend, e.hub.publish, e.requestPull, opts.Realtime)
	return e, nil
}

// Start launches the connectivity monitor. Sessions are opened separately
// per tenant.
func (e *Engine) Start() {
	e.monitor.Start()
}

// OpenSession attaches a tenant and starts its sync loops. Opening an
// already-open session is a no-op.
func (e *Engine) OpenSession(tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[tenantID]; ok {
		return nil
	}
	closed := make(chan struct{})
	e.sessions[tenantID] = closed

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.pusher.RunLoop(tenantID, closed)
	}()
	go func() {
		defer e.wg.Done()
		e.puller.RunLoop(tenantID, closed)
	}()
	go func() {
		defer e.wg.Done()
		e.realtime.RunLoop(tenantID, closed)
	}()
	e.logger.Printf("engine: session opened tenant=%s", tenantID)
	return nil
}

// CloseSession detaches a tenant. Queued mutations stay durable in the
// backend and resume when the session reopens.
func (e *Engine) CloseSession(tenantID string) {
	e.mu.Lock()
	closed, ok := e.sessions[tenantID]
	if ok {
		delete(e.sessions, tenantID)
	}
	e.mu.Unlock()
	if ok {
		close(closed)
		e.logger.Printf("engine: session closed tenant=%s", tenantID)
	}
}

func (e *Engine) hasSession(tenantID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[tenantID]
	return ok
}

// EnqueueMutation records a local write. It validates, persists and
// returns without touching the network; the push worker picks it up. When
// the new intent cancels a queued create, the returned record has an
// empty ID and nothing remains queued.
func (e *Engine) EnqueueMutation(tenantID, userID, entityType, entityID string, action Action, payload json.RawMessage) (MutationRecord, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || strings.TrimSpace(entityType) == "" || strings.TrimSpace(entityID) == "" || !action.Valid() {
		return MutationRecord{}, ErrInvalidInput
	}
	if !e.hasSession(tenantID) {
		return MutationRecord{}, fmt.Errorf("%w: no active session for tenant %s", ErrTenantMismatch, tenantID)
	}
	if action != ActionDelete {
		if err := e.validator.Validate(entityType, payload); err != nil {
			return MutationRecord{}, err
		}
	}
	rec := MutationRecord{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if action == ActionDelete {
		rec.Payload = nil
	}
	out, err := e.backend.Enqueue(rec)
	if err != nil {
		return MutationRecord{}, err
	}
	if e.monitor.IsOnline() {
		e.pusher.Kick(tenantID)
	}
	return out, nil
}

func (e *Engine) PendingCount(tenantID string) (int, error) {
	counts, err := e.backend.StatusCounts(tenantID)
	if err != nil {
		return 0, err
	}
	return counts.Pending + counts.InFlight, nil
}

func (e *Engine) QueueStatus(tenantID string) (StatusCounts, error) {
	return e.backend.StatusCounts(tenantID)
}

// FailedOperations returns dead mutations for user-visible recovery.
func (e *Engine) FailedOperations(tenantID string) ([]MutationRecord, error) {
	return e.backend.DeadRecords(tenantID)
}

// ClearDeadOperations discards dead mutations. This is the only supported
// way to abandon queued work and is always logged, since it can drop
// un-synced user data.
func (e *Engine) ClearDeadOperations(tenantID string) (int, error) {
	n, err := e.backend.ClearDead(tenantID)
	if err != nil {
		return 0, err
	}
	e.logger.Printf("engine: cleared %d dead operations tenant=%s", n, tenantID)
	return n, nil
}

func (e *Engine) Conflicts(tenantID string, limit int) ([]ConflictRecord, error) {
	return e.backend.Conflicts(tenantID, limit)
}

// SyncCursor reports how far the tenant's pull feed has advanced.
func (e *Engine) SyncCursor(tenantID string) (time.Time, error) {
	return e.backend.Cursor(tenantID)
}

func (e *Engine) ReadEntity(tenantID, entityType, entityID string) (RemoteRecord, error) {
	return e.backend.ReadEntity(tenantID, entityType, entityID)
}

// OnEntityChanged subscribes to local-store change batches. The returned
// function unsubscribes.
func (e *Engine) OnEntityChanged(listener func([]EntityChange)) func() {
	return e.hub.subscribe(listener)
}

func (e *Engine) IsOnline() bool {
	return e.monitor.IsOnline()
}

func (e *Engine) ConnectionState() ConnectionState {
	return e.monitor.State()
}

// ForceCheck probes the authoritative store now and reports reachability.
func (e *Engine) ForceCheck(ctx context.Context) bool {
	return e.monitor.ForceCheck(ctx)
}

// ForceSync probes, drains the queue once and runs one pull cycle. An
// already-running drain or pull for the tenant is not an error; the work
// is happening either way.
func (e *Engine) ForceSync(ctx context.Context, tenantID string) error {
	if !e.hasSession(tenantID) {
		return fmt.Errorf("%w: no active session for tenant %s", ErrTenantMismatch, tenantID)
	}
	if !e.monitor.ForceCheck(ctx) {
		return fmt.Errorf("authoritative store unreachable")
	}
	if _, err := e.pusher.DrainOnce(ctx, tenantID); err != nil && !errors.Is(err, ErrSyncInFlight) {
		return err
	}
	if _, err := e.puller.RunSync(ctx, tenantID); err != nil && !errors.Is(err, ErrSyncInFlight) {
		return err
	}
	return nil
}

func (e *Engine) requestPull(tenantID string) {
	go func() {
		if _, err := e.puller.RunSync(context.Background(), tenantID); err != nil && !errors.Is(err, ErrSyncInFlight) {
			e.logger.Printf("engine: gap-fill pull tenant=%s: %v", tenantID, err)
		}
	}()
}

// Close stops all sessions and loops and closes the backend. Queued
// mutations survive in durable backends and drain on next startup.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		for tenantID, closed := range e.sessions {
			close(closed)
			delete(e.sessions, tenantID)
		}
		e.mu.Unlock()
		e.wg.Wait()
		e.hub.stop()
		_ = e.monitor.Close()
		e.closeErr = e.backend.Close()
	})
	return e.closeErr
}
