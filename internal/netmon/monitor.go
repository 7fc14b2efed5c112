package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vonshlovens/capture-sync/internal/metrics"
)

// DefaultQuietPeriod is how long a connected state must hold before it is reported
const DefaultQuietPeriod = 5 * time.Second

// State is a raw connectivity observation. Reachable is nil when unknown.
type State struct {
	LinkUp    bool
	Reachable *bool
}

// Connected reports link up and not known to be unreachable
func (s State) Connected() bool {
	return s.LinkUp && (s.Reachable == nil || *s.Reachable)
}

// Source produces raw connectivity states
type Source interface {
	Subscribe(fn func(State)) (unsubscribe func(), err error)
	Probe(ctx context.Context) (State, error)
}

// Monitor debounces a Source. Disconnects are reported immediately; a
// connection is reported only once it has been stable for the quiet period.
type Monitor struct {
	source  Source
	quiet   time.Duration
	metrics *metrics.Metrics

	// deliverMu orders deliveries between the source and timer goroutines
	deliverMu sync.Mutex

	mu          sync.Mutex
	listeners   map[int]func(bool)
	nextID      int
	started     bool
	unsubscribe func()
	timer       *time.Timer
	gen         uint64
	connected   bool
	known       bool
}

// Option configures a Monitor
type Option func(*Monitor)

// WithQuietPeriod overrides the online debounce window
func WithQuietPeriod(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.quiet = d
		}
	}
}

// WithMetrics reports the debounced state as a gauge
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// New creates a monitor over source
func New(source Source, opts ...Option) *Monitor {
	m := &Monitor{
		source:    source,
		quiet:     DefaultQuietPeriod,
		listeners: make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to the source. Calling it again is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	unsubscribe, err := m.source.Subscribe(m.handle)
	if err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return fmt.Errorf("failed to subscribe to network source: %w", err)
	}

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	slog.Debug("network monitor started", "quiet_period", m.quiet)
	return nil
}

// Stop unsubscribes from the source and cancels any pending online report
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// AddListener registers fn for debounced state changes
func (m *Monitor) AddListener(fn func(connected bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Connected returns the last reported (debounced) state
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// CurrentState probes the source once, bypassing the debounce
func (m *Monitor) CurrentState(ctx context.Context) (bool, error) {
	state, err := m.source.Probe(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to probe network: %w", err)
	}
	return state.Connected(), nil
}

// handle receives raw states from the source
func (m *Monitor) handle(state State) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}

	// Every raw event cancels a pending online report
	m.gen++
	pending := m.timer != nil
	if pending {
		m.timer.Stop()
		m.timer = nil
	}

	if !state.Connected() {
		// An offline event that cancels a pending online report is always
		// delivered, even when it repeats the last reported state
		changed := m.connected || !m.known || pending
		m.connected = false
		m.known = true
		m.mu.Unlock()

		if changed {
			m.deliver(false)
		}
		return
	}

	if m.connected {
		m.mu.Unlock()
		return
	}

	gen := m.gen
	m.timer = time.AfterFunc(m.quiet, func() {
		m.fire(gen)
	})
	m.mu.Unlock()
}

func (m *Monitor) fire(gen uint64) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || !m.started {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.connected = true
	m.known = true
	m.mu.Unlock()

	m.deliver(true)
}

func (m *Monitor) deliver(connected bool) {
	m.mu.Lock()
	listeners := make([]func(bool), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	m.metrics.SetConnected(connected)
	slog.Info("network state changed", "connected", connected)

	for _, fn := range listeners {
		m.call(fn, connected)
	}
}

func (m *Monitor) call(fn func(bool), connected bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("network listener panicked", "panic", r)
		}
	}()
	fn(connected)
}
