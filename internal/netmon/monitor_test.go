package netmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu           sync.Mutex
	fn           func(State)
	subscribes   int
	unsubscribed bool
	probe        State
}

func (f *fakeSource) Subscribe(fn func(State)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
	f.subscribes++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed = true
	}, nil
}

func (f *fakeSource) Probe(context.Context) (State, error) {
	return f.probe, nil
}

func (f *fakeSource) emit(s State) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(s)
}

type recorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *recorder) listen(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, connected)
}

func (r *recorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool{}, r.events...)
}

func boolPtr(b bool) *bool { return &b }

var (
	online  = State{LinkUp: true}
	offline = State{LinkUp: false}
)

func TestStateConnected(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  bool
	}{
		{"link down", State{LinkUp: false}, false},
		{"link up unknown reachability", State{LinkUp: true}, true},
		{"link up reachable", State{LinkUp: true, Reachable: boolPtr(true)}, true},
		{"captive portal", State{LinkUp: true, Reachable: boolPtr(false)}, false},
		{"link down reachable", State{LinkUp: false, Reachable: boolPtr(true)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Connected())
		})
	}
}

func TestOfflineDeliveredImmediately(t *testing.T) {
	src := &fakeSource{}
	m := New(src, WithQuietPeriod(time.Hour))
	rec := &recorder{}
	m.AddListener(rec.listen)
	require.NoError(t, m.Start())
	defer m.Stop()

	src.emit(offline)
	assert.Equal(t, []bool{false}, rec.snapshot())
	assert.False(t, m.Connected())

	// Repeated offline is not re-delivered
	src.emit(offline)
	assert.Equal(t, []bool{false}, rec.snapshot())
}

func TestOnlineDeliveredAfterQuietPeriod(t *testing.T) {
	src := &fakeSource{}
	m := New(src, WithQuietPeriod(40*time.Millisecond))
	rec := &recorder{}
	m.AddListener(rec.listen)
	require.NoError(t, m.Start())
	defer m.Stop()

	src.emit(online)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, rec.snapshot())
	assert.True(t, m.Connected())
}

func TestFlappingSettlesOnline(t *testing.T) {
	src := &fakeSource{}
	m := New(src, WithQuietPeriod(50*time.Millisecond))
	rec := &recorder{}
	m.AddListener(rec.listen)
	require.NoError(t, m.Start())
	defer m.Stop()

	for i := 0; i < 5; i++ {
		src.emit(online)
		time.Sleep(5 * time.Millisecond)
		src.emit(offline)
		time.Sleep(5 * time.Millisecond)
	}
	src.emit(online)

	time.Sleep(150 * time.Millisecond)
	// Each offline cancels a pending online report and is delivered itself;
	// the flapping yields a single online report once it settles
	assert.Equal(t, []bool{false, false, false, false, false, true}, rec.snapshot())
}

func TestOfflineDuringQuietWindowIsDelivered(t *testing.T) {
	src := &fakeSource{}
	m := New(src, WithQuietPeriod(30*time.Millisecond))
	rec := &recorder{}
	m.AddListener(rec.listen)
	require.NoError(t, m.Start())
	defer m.Stop()

	src.emit(offline)
	src.emit(online)
	src.emit(offline)
	assert.Equal(t, []bool{false, false}, rec.snapshot())

	// No online report follows once the window has passed
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []bool{false, false}, rec.snapshot())
	assert.False(t, m.Connected())
}

func TestCaptivePortalIsOffline(t *testing.T) {
	src := &fakeSource{}
	m := New(src, WithQuietPeriod(10*time.Millisecond))
	rec := &recorder{}
	m.AddListener(rec.listen)
	require.NoError(t, m.Start())
	defer m.Stop()

	src.emit(State{LinkUp: true, Reachable: boolPtr(false)})
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, []bool{false}, rec.snapshot())
}

func TestListenerPanicIsContained(t *testing.T) {
	src := &fakeSource{}
	m := New(src)
	rec := &recorder{}
	m.AddListener(func(bool) { panic("boom") })
	m.AddListener(rec.listen)
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.NotPanics(t, func() { src.emit(offline) })
	assert.Equal(t, []bool{false}, rec.snapshot())
}

func TestUnsubscribeListener(t *testing.T) {
	src := &fakeSource{}
	m := New(src)
	rec := &recorder{}
	unsubscribe := m.AddListener(rec.listen)
	require.NoError(t, m.Start())
	defer m.Stop()

	unsubscribe()
	src.emit(offline)
	assert.Empty(t, rec.snapshot())
}

func TestStartIdempotentAndStopCancelsTimer(t *testing.T) {
	src := &fakeSource{}
	m := New(src, WithQuietPeriod(20*time.Millisecond))
	rec := &recorder{}
	m.AddListener(rec.listen)

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.Equal(t, 1, src.subscribes)

	src.emit(online)
	m.Stop()
	assert.True(t, src.unsubscribed)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestCurrentState(t *testing.T) {
	src := &fakeSource{probe: State{LinkUp: true, Reachable: boolPtr(true)}}
	m := New(src)

	connected, err := m.CurrentState(context.Background())
	require.NoError(t, err)
	assert.True(t, connected)
}

type fakeHealth struct{ err error }

func (f fakeHealth) Health(context.Context) error { return f.err }

func TestProbeSource(t *testing.T) {
	p := NewProbeSource(fakeHealth{}, time.Hour)
	p.linkUp = func() bool { return true }

	state, err := p.Probe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.Reachable)
	assert.True(t, state.Connected())

	p.health = fakeHealth{err: errors.New("captive")}
	state, err = p.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Connected())

	p.linkUp = func() bool { return false }
	state, err = p.Probe(context.Background())
	require.NoError(t, err)
	assert.Nil(t, state.Reachable)
	assert.False(t, state.Connected())
}

func TestProbeSourceSubscribeEmitsChanges(t *testing.T) {
	var mu sync.Mutex
	up := true
	p := NewProbeSource(nil, 10*time.Millisecond)
	p.linkUp = func() bool {
		mu.Lock()
		defer mu.Unlock()
		return up
	}

	states := make(chan State, 10)
	unsubscribe, err := p.Subscribe(func(s State) { states <- s })
	require.NoError(t, err)
	defer unsubscribe()

	first := <-states
	assert.True(t, first.LinkUp)

	mu.Lock()
	up = false
	mu.Unlock()

	select {
	case s := <-states:
		assert.False(t, s.LinkUp)
	case <-time.After(time.Second):
		t.Fatal("no state change emitted")
	}
}
