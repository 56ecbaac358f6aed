package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type PullerOptions struct {
	// TypeOrder lists entity types in dependency order: reference data
	// before the records that point at it, so the local store never sees a
	// dangling reference mid-sync.
	TypeOrder []string
	// PageLimit bounds records per fetch. Default 200.
	PageLimit int
	// Interval is the periodic safety net covering realtime gaps.
	// Default 5m.
	Interval time.Duration
	// PullTimeout bounds one fetch request. Default 30s.
	PullTimeout time.Duration
	Logger      Logger
}

// Puller fetches authoritative changes since the tenant's cursor and
// reconciles them into the local store.
type Puller struct {
	backend Backend
	client  RemoteClient
	monitor *ConnectivityMonitor
	merge   *merger
	logger  Logger

	typeOrder   []string
	pageLimit   int
	interval    time.Duration
	pullTimeout time.Duration

	mu      sync.Mutex
	pulling map[string]bool
}

func NewPuller(backend Backend, client RemoteClient, monitor *ConnectivityMonitor, notify func(EntityChange), opts PullerOptions) *Puller {
	if opts.PageLimit <= 0 {
		opts.PageLimit = 200
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &Puller{
		backend:     backend,
		client:      client,
		monitor:     monitor,
		merge:       &merger{backend: backend, logger: opts.Logger, notify: notify},
		logger:      opts.Logger,
		typeOrder:   opts.TypeOrder,
		pageLimit:   opts.PageLimit,
		interval:    opts.Interval,
		pullTimeout: opts.PullTimeout,
	}
}

// RunLoop schedules pulls for one tenant: on reconnect and on a periodic
// safety-net interval. On-demand pulls go through RunSync directly.
func (p *Puller) RunLoop(tenantID string, closed <-chan struct{}) {
	events, unsubscribe := p.monitor.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case state := <-events:
			if !state.IsOnline {
				continue
			}
		case <-ticker.C:
			if !p.monitor.IsOnline() {
				continue
			}
		}
		if _, err := p.RunSync(context.Background(), tenantID); err != nil && !errors.Is(err, ErrSyncInFlight) {
			p.logger.Printf("puller: sync tenant=%s: %v", tenantID, err)
		}
	}
}

// RunSync performs one full pull cycle for the tenant: every entity type
// in dependency order, paged from the stored cursor. The cursor advances
// to the authoritative server time only after the whole window has been
// applied or deliberately skipped, so a crash mid-cycle re-fetches the
// same window. Re-application is safe since merging is idempotent.
func (p *Puller) RunSync(ctx context.Context, tenantID string) (applied int, err error) {
	p.mu.Lock()
	if p.pulling == nil {
		p.pulling = map[string]bool{}
	}
	if p.pulling[tenantID] {
		p.mu.Unlock()
		return 0, ErrSyncInFlight
	}
	p.pulling[tenantID] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pulling, tenantID)
		p.mu.Unlock()
		if r := recover(); r != nil {
			p.logger.Printf("puller: recovered sync panic tenant=%s: %v", tenantID, r)
			err = fmt.Errorf("sync panic: %v", r)
		}
	}()

	cursor, err := p.backend.Cursor(tenantID)
	if err != nil {
		return 0, err
	}

	// The cursor target is the smallest server time seen across types: a
	// change committed to an early type while a later type was being paged
	// must still fall inside the next window.
	var cursorTarget time.Time
	for _, entityType := range p.typeOrder {
		serverTime, n, typeErr := p.pullType(ctx, tenantID, entityType, cursor)
		if typeErr != nil {
			return applied, typeErr
		}
		applied += n
		if !serverTime.IsZero() && (cursorTarget.IsZero() || serverTime.Before(cursorTarget)) {
			cursorTarget = serverTime
		}
	}

	if !cursorTarget.IsZero() {
		if _, err := p.backend.AdvanceCursor(tenantID, cursorTarget); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (p *Puller) pullType(ctx context.Context, tenantID, entityType string, since time.Time) (time.Time, int, error) {
	applied := 0
	var serverTime time.Time
	for {
		callCtx, cancel := context.WithTimeout(ctx, p.pullTimeout)
		page, err := p.client.PullEntities(callCtx, tenantID, entityType, since, p.pageLimit)
		cancel()
		if err != nil {
			return time.Time{}, applied, fmt.Errorf("pull %s: %w", entityType, err)
		}
		serverTime = page.ServerTime

		for _, rec := range page.Records {
			if rec.TenantID == "" {
				rec.TenantID = tenantID
			}
			if rec.TenantID != tenantID {
				p.logger.Printf("puller: rejected cross-tenant record %s/%s tenant=%s session=%s", rec.EntityType, rec.EntityID, rec.TenantID, tenantID)
				continue
			}
			if rec.EntityType == "" {
				rec.EntityType = entityType
			}
			ok, applyErr := p.merge.applyRemote(rec, OriginPull)
			if applyErr != nil {
				return time.Time{}, applied, applyErr
			}
			if ok {
				applied++
			}
			if rec.UpdatedAt.After(since) {
				since = rec.UpdatedAt
			}
		}
		if !page.HasMore || len(page.Records) == 0 {
			return serverTime, applied, nil
		}
	}
}
