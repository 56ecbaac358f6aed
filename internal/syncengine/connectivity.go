package syncengine

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ProbeFunc checks reachability of the authoritative store. A nil error
// means online.
type ProbeFunc func(ctx context.Context) error

// ConnectivityOptions configure the monitor. Zero values take defaults.
type ConnectivityOptions struct {
	// ProbeInterval is the period between health probes. Default 30s.
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single probe. Default 5s.
	ProbeTimeout time.Duration
	// NetStatePath optionally names a file maintained by a platform network
	// agent (for example a NetworkManager dispatcher hook). Writes to it
	// trigger an immediate recheck, and a body of "down" or "offline" is
	// trusted directly since the local link is gone. The active probe stays
	// authoritative for the online direction: link-up does not mean the
	// remote service is reachable.
	NetStatePath string
	Logger       Logger
}

// ConnectivityMonitor owns the process-wide ConnectionState. Transitions
// are edge triggered: subscribers see one event per flip, never repeats
// while the state holds.
type ConnectivityMonitor struct {
	probe         ProbeFunc
	probeInterval time.Duration
	probeTimeout  time.Duration
	netStatePath  string
	logger        Logger

	mu      sync.Mutex
	state   ConnectionState
	subs    map[int]chan ConnectionState
	nextSub int
	started bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewConnectivityMonitor(probe ProbeFunc, opts ConnectivityOptions) *ConnectivityMonitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &ConnectivityMonitor{
		probe:         probe,
		probeInterval: opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
		netStatePath:  opts.NetStatePath,
		logger:        opts.Logger,
		subs:          map[int]chan ConnectionState{},
		closed:        make(chan struct{}),
	}
}

// Start launches the probe loop and, when configured, the platform signal
// watcher. The first probe runs immediately so callers observe a settled
// state soon after startup.
func (m *ConnectivityMonitor) Start() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop()
	if m.netStatePath != "" {
		m.wg.Add(1)
		go m.watchNetState()
	}
}

func (m *ConnectivityMonitor) probeLoop() {
	defer m.wg.Done()
	m.check()
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *ConnectivityMonitor) watchNetState() {
	defer m.wg.Done()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Printf("connectivity: fsnotify unavailable, probe only: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(m.netStatePath); err != nil {
		m.logger.Printf("connectivity: watch %s: %v", m.netStatePath, err)
		return
	}
	for {
		select {
		case <-m.closed:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if m.linkDownHint() {
				m.setOnline(false)
				continue
			}
			m.check()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Printf("connectivity: watch error: %v", err)
		}
	}
}

func (m *ConnectivityMonitor) linkDownHint() bool {
	data, err := os.ReadFile(m.netStatePath)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "down", "offline", "none":
		return true
	}
	return false
}

func (m *ConnectivityMonitor) check() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()
	err := m.probe(ctx)
	if err != nil {
		m.logger.Printf("connectivity: probe failed: %v", err)
	}
	return m.setOnline(err == nil)
}

func (m *ConnectivityMonitor) setOnline(online bool) bool {
	m.mu.Lock()
	was := m.state.IsOnline
	m.state.LastCheckedAt = time.Now().UTC()
	m.state.IsOnline = online
	if online {
		m.state.ConsecutiveFailures = 0
	} else {
		m.state.ConsecutiveFailures++
	}
	state := m.state
	var subs []chan ConnectionState
	if was != online {
		subs = make([]chan ConnectionState, 0, len(m.subs))
		for _, ch := range m.subs {
			subs = append(subs, ch)
		}
	}
	m.mu.Unlock()

	if was != online {
		m.logger.Printf("connectivity: transition online=%v", online)
		for _, ch := range subs {
			select {
			case ch <- state:
			default:
				// Slow subscriber: drop rather than stall the monitor. The
				// subscriber will observe the current state on its next read.
			}
		}
	}
	return online
}

// State returns a copy of the current connection state.
func (m *ConnectivityMonitor) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectivityMonitor) IsOnline() bool {
	return m.State().IsOnline
}

// Subscribe registers for transition events. Only flips are delivered,
// never repeats of the standing state. The returned function unsubscribes.
func (m *ConnectivityMonitor) Subscribe() (<-chan ConnectionState, func()) {
	ch := make(chan ConnectionState, 4)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// ForceCheck probes synchronously and reports the resulting online state.
// Used by manual "retry now" affordances.
func (m *ConnectivityMonitor) ForceCheck(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	err := m.probe(probeCtx)
	return m.setOnline(err == nil)
}

func (m *ConnectivityMonitor) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() { close(m.closed) })
	m.wg.Wait()
	return nil
}
