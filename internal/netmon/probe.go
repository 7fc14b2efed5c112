package netmon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultProbeInterval is how often ProbeSource re-checks connectivity
const DefaultProbeInterval = 10 * time.Second

// HealthChecker verifies the sync server is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ProbeSource polls the local interfaces and the server health endpoint
type ProbeSource struct {
	health   HealthChecker
	interval time.Duration
	timeout  time.Duration
	linkUp   func() bool
}

// NewProbeSource creates a polling source. health may be nil, in which case
// reachability is reported as unknown.
func NewProbeSource(health HealthChecker, interval time.Duration) *ProbeSource {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &ProbeSource{
		health:   health,
		interval: interval,
		timeout:  5 * time.Second,
		linkUp:   hasActiveInterface,
	}
}

// Probe takes one observation
func (p *ProbeSource) Probe(ctx context.Context) (State, error) {
	state := State{LinkUp: p.linkUp()}
	if !state.LinkUp || p.health == nil {
		return state, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reachable := true
	if err := p.health.Health(ctx); err != nil {
		slog.Debug("server health check failed", "error", err)
		reachable = false
	}
	state.Reachable = &reachable
	return state, nil
}

// Subscribe starts polling and calls fn with the first observation and then
// on every change
func (p *ProbeSource) Subscribe(fn func(State)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		var last *State
		for {
			state, err := p.Probe(ctx)
			if err == nil && ctx.Err() == nil && (last == nil || !sameState(*last, state)) {
				s := state
				last = &s
				fn(state)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func sameState(a, b State) bool {
	if a.LinkUp != b.LinkUp {
		return false
	}
	if (a.Reachable == nil) != (b.Reachable == nil) {
		return false
	}
	return a.Reachable == nil || *a.Reachable == *b.Reachable
}

// hasActiveInterface reports whether any non-loopback interface is up with an address
func hasActiveInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Debug("failed to list interfaces", "error", err)
		return false
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true
	}
	return false
}
