package syncengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// pushOutcome classifies one push attempt. The queue only ever learns
// "completed" or "failed(fatal?)"; the class decides which.
type pushOutcome int

const (
	outcomeSuccess pushOutcome = iota
	outcomeRetryable
	outcomeFatal
	outcomeAuth
)

// classifyOutcome maps an error from the remote client to an outcome.
// 409 means the write was already applied by an earlier attempt, which is
// success for idempotent upserts. Auth failures are fatal for the record
// and additionally surfaced through the auth-failure hook.
func classifyOutcome(err error) pushOutcome {
	if err == nil {
		return outcomeSuccess
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 409:
			return outcomeSuccess
		case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
			return outcomeAuth
		case httpErr.StatusCode == 429:
			return outcomeRetryable
		case httpErr.StatusCode >= 500:
			return outcomeRetryable
		case httpErr.StatusCode >= 400:
			return outcomeFatal
		}
		return outcomeRetryable
	}
	// Timeouts, connection resets, DNS failures.
	return outcomeRetryable
}

type PusherOptions struct {
	// BatchSize bounds records claimed per drain cycle. Default 20.
	BatchSize int
	// Workers bounds concurrent pushes within a cycle. Default 5.
	Workers int
	// BaseDelay and MaxDelay shape the retry backoff curve. Defaults 1s/30s.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Interval is the idle period between drain cycles while online.
	// Default 5s.
	Interval time.Duration
	// PushTimeout bounds a single network call. Default 20s.
	PushTimeout time.Duration
	// AuthFailure, if set, is called when a push dies on 401/403. The
	// session owner typically refreshes credentials and force-syncs.
	AuthFailure func(tenantID string, err error)
	// Drained, if set, is called after a background drain that processed
	// records. The engine uses it to schedule a reconciling pull, since
	// completed or dead mutations release their entity slots and any
	// deferred remote versions can now apply.
	Drained func(tenantID string)
	Logger  Logger
}

// Pusher drains the mutation queue against the authoritative store. One
// drain cycle per tenant runs at a time; within a cycle pushes fan out
// over a fixed worker pool.
type Pusher struct {
	queue   MutationQueue
	client  RemoteClient
	monitor *ConnectivityMonitor
	logger  Logger

	batchSize   int
	workers     int
	baseDelay   time.Duration
	maxDelay    time.Duration
	interval    time.Duration
	pushTimeout time.Duration
	authFailure func(tenantID string, err error)
	drained     func(tenantID string)

	mu       sync.Mutex
	draining map[string]bool
	kicks    map[string]chan struct{}
}

func NewPusher(queue MutationQueue, client RemoteClient, monitor *ConnectivityMonitor, opts PusherOptions) *Pusher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &Pusher{
		queue:       queue,
		client:      client,
		monitor:     monitor,
		logger:      opts.Logger,
		batchSize:   opts.BatchSize,
		workers:     opts.Workers,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		interval:    opts.Interval,
		pushTimeout: opts.PushTimeout,
		authFailure: opts.AuthFailure,
		drained:     opts.Drained,
		draining:    map[string]bool{},
		kicks:       map[string]chan struct{}{},
	}
}

// Kick requests a drain cycle soon, typically right after an enqueue. It
// never blocks; a pending kick absorbs further ones.
func (p *Pusher) Kick(tenantID string) {
	select {
	case p.kickChan(tenantID) <- struct{}{}:
	default:
	}
}

func (p *Pusher) kickChan(tenantID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.kicks[tenantID]
	if !ok {
		ch = make(chan struct{}, 1)
		p.kicks[tenantID] = ch
	}
	return ch
}

// RunLoop drives drain cycles for one tenant until closed. While offline
// it parks on the connectivity event stream instead of polling.
func (p *Pusher) RunLoop(tenantID string, closed <-chan struct{}) {
	events, unsubscribe := p.monitor.Subscribe()
	defer unsubscribe()
	kick := p.kickChan(tenantID)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if !p.monitor.IsOnline() {
			select {
			case <-closed:
				return
			case state := <-events:
				if !state.IsOnline {
					continue
				}
			}
		}
		p.drainUntilEmpty(tenantID, closed)
		select {
		case <-closed:
			return
		case <-events:
		case <-kick:
		case <-ticker.C:
		}
	}
}

func (p *Pusher) drainUntilEmpty(tenantID string, closed <-chan struct{}) {
	total := 0
	defer func() {
		if total > 0 && p.drained != nil {
			p.drained(tenantID)
		}
	}()
	for {
		select {
		case <-closed:
			return
		default:
		}
		if !p.monitor.IsOnline() {
			return
		}
		n, err := p.DrainOnce(context.Background(), tenantID)
		if err != nil && !errors.Is(err, ErrSyncInFlight) {
			p.logger.Printf("pusher: drain tenant=%s: %v", tenantID, err)
			return
		}
		total += n
		if n < p.batchSize {
			return
		}
	}
}

// DrainOnce claims and pushes at most one batch. It returns the number of
// records claimed, or ErrSyncInFlight when a cycle for the tenant is
// already running. The guard is released even if a push panics, so a bad
// cycle cannot lock the tenant out permanently.
func (p *Pusher) DrainOnce(ctx context.Context, tenantID string) (n int, err error) {
	p.mu.Lock()
	if p.draining[tenantID] {
		p.mu.Unlock()
		return 0, ErrSyncInFlight
	}
	p.draining[tenantID] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.draining, tenantID)
		p.mu.Unlock()
		if r := recover(); r != nil {
			p.logger.Printf("pusher: recovered drain panic tenant=%s: %v", tenantID, r)
			err = fmt.Errorf("drain panic: %v", r)
		}
	}()

	batch, err := p.queue.DequeueBatch(tenantID, p.batchSize, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	for _, rec := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(rec MutationRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			p.pushOne(ctx, rec)
		}(rec)
	}
	wg.Wait()
	return len(batch), nil
}

func (p *Pusher) pushOne(ctx context.Context, rec MutationRecord) {
	callCtx, cancel := context.WithTimeout(ctx, p.pushTimeout)
	defer cancel()

	var err error
	if rec.Action == ActionDelete {
		err = p.client.PushDelete(callCtx, rec)
	} else {
		err = p.client.PushUpsert(callCtx, rec)
	}

	switch classifyOutcome(err) {
	case outcomeSuccess:
		if markErr := p.queue.MarkCompleted(rec.ID); markErr != nil {
			p.logger.Printf("pusher: mark completed id=%s: %v", rec.ID, markErr)
		}
	case outcomeRetryable:
		retryAt := time.Now().UTC().Add(p.backoffDelay(rec.RetryCount))
		if _, markErr := p.queue.MarkFailed(rec.ID, err.Error(), false, retryAt); markErr != nil {
			p.logger.Printf("pusher: mark failed id=%s: %v", rec.ID, markErr)
		}
	case outcomeAuth:
		p.logger.Printf("pusher: auth failure tenant=%s id=%s: %v", rec.TenantID, rec.ID, err)
		if _, markErr := p.queue.MarkFailed(rec.ID, err.Error(), true, time.Time{}); markErr != nil {
			p.logger.Printf("pusher: mark failed id=%s: %v", rec.ID, markErr)
		}
		if p.authFailure != nil {
			p.authFailure(rec.TenantID, err)
		}
	case outcomeFatal:
		p.logger.Printf("pusher: fatal push tenant=%s id=%s: %v", rec.TenantID, rec.ID, err)
		if _, markErr := p.queue.MarkFailed(rec.ID, err.Error(), true, time.Time{}); markErr != nil {
			p.logger.Printf("pusher: mark failed id=%s: %v", rec.ID, markErr)
		}
	}
}

// backoffDelay is exponential in the attempt count, capped, and jittered
// by +-20% so a fleet of reconnecting clients does not retry in lockstep.
func (p *Pusher) backoffDelay(retryCount int) time.Duration {
	delay := p.baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			delay = p.maxDelay
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
