package watcher

import (
	"sync"
	"time"
)

// Op is the settled state of a path
type Op int

const (
	// OpWrite means the file exists and has stopped changing
	OpWrite Op = iota
	// OpRemove means the file is gone
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Event is emitted once a path has been quiet for the settle delay
type Event struct {
	Path    string // relative to the watched root, slash separated
	AbsPath string
	Op      Op
	Time    time.Time
}

// Debouncer holds back events for a path until it stops changing. Recorders
// write audio files incrementally, so the last event for a path wins.
type Debouncer struct {
	delay  time.Duration
	output chan Event

	mu      sync.Mutex
	pending map[string]*pendingEvent
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type pendingEvent struct {
	event Event
	timer *time.Timer
}

// NewDebouncer creates a debouncer with the given settle delay
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		output:  make(chan Event, 100),
		pending: make(map[string]*pendingEvent),
		stopCh:  make(chan struct{}),
	}
}

// Events returns the channel of settled events. It is closed by Stop.
func (d *Debouncer) Events() <-chan Event {
	return d.output
}

// Add records an event for path and restarts its settle timer
func (d *Debouncer) Add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if p, ok := d.pending[ev.Path]; ok {
		p.timer.Stop()
		p.event = ev
		p.timer = d.schedule(ev.Path)
		return
	}
	d.pending[ev.Path] = &pendingEvent{event: ev, timer: d.schedule(ev.Path)}
}

func (d *Debouncer) schedule(path string) *time.Timer {
	return time.AfterFunc(d.delay, func() { d.emit(path) })
}

func (d *Debouncer) emit(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	select {
	case d.output <- p.event:
	case <-d.stopCh:
	}
}

// Flush emits every pending event now
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path, p := range d.pending {
		p.timer.Stop()
		paths = append(paths, path)
	}
	d.mu.Unlock()

	for _, path := range paths {
		d.emit(path)
	}
}

// PendingCount returns the number of paths still settling
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop drops pending events and closes the output channel
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	for _, p := range d.pending {
		p.timer.Stop()
	}
	clear(d.pending)
	d.mu.Unlock()

	d.wg.Wait()
	close(d.output)
}
