package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a queued sync is dispatched
const DefaultDebounce = 3 * time.Second

// SyncFunc runs one sync cycle
type SyncFunc func(ctx context.Context, opts Options) *Result

// Trigger debounces sync requests and keeps at most one cycle in flight.
// Requests arriving while a cycle runs are merged into a single follow-up.
type Trigger struct {
	run      SyncFunc
	ctx      context.Context
	debounce time.Duration
	onResult func(*Result)

	mu      sync.Mutex
	enabled bool
	timer   *time.Timer
	gen     uint64
	pending *Options
	running bool
	queued  *Options
	wg      sync.WaitGroup
}

// TriggerOption configures a Trigger
type TriggerOption func(*Trigger)

// WithDebounce sets the debounce window
func WithDebounce(d time.Duration) TriggerOption {
	return func(t *Trigger) {
		if d > 0 {
			t.debounce = d
		}
	}
}

// WithResultCallback registers a callback invoked after every cycle
func WithResultCallback(fn func(*Result)) TriggerOption {
	return func(t *Trigger) {
		t.onResult = fn
	}
}

// WithContext sets the context cycles run under. Cancelling it aborts
// in-flight network requests; pass a context detached from the shutdown
// signal to let a running cycle finish.
func WithContext(ctx context.Context) TriggerOption {
	return func(t *Trigger) {
		t.ctx = ctx
	}
}

// NewTrigger creates an enabled trigger that dispatches to run
func NewTrigger(run SyncFunc, opts ...TriggerOption) *Trigger {
	t := &Trigger{
		run:      run,
		ctx:      context.Background(),
		debounce: DefaultDebounce,
		enabled:  true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MergeOptions combines two requests: differing directions become both,
// differing entities become all, and the higher priority wins
func MergeOptions(a, b Options) Options {
	out := a
	switch {
	case a.Direction == "":
		out.Direction = b.Direction
	case b.Direction == "" || a.Direction == b.Direction:
	default:
		out.Direction = DirectionBoth
	}
	if a.Entity != b.Entity {
		out.Entity = ""
	}
	out.Priority = max(a.Priority, b.Priority)
	if b.Reason != "" {
		out.Reason = b.Reason
	}
	return out
}

func mergeInto(dst **Options, opts Options) {
	if *dst == nil {
		o := opts
		*dst = &o
		return
	}
	merged := MergeOptions(**dst, opts)
	*dst = &merged
}

// QueueSync schedules a sync after the debounce window. Calls within the
// window restart the timer and merge their options.
func (t *Trigger) QueueSync(opts Options) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return
	}

	mergeInto(&t.pending, opts)
	t.stopTimerLocked()

	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.debounce, func() {
		t.fire(gen)
	})
}

// SyncNow cancels any pending timer and dispatches immediately
func (t *Trigger) SyncNow(opts Options) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return
	}

	if t.pending != nil {
		opts = MergeOptions(*t.pending, opts)
		t.pending = nil
	}
	t.stopTimerLocked()
	t.gen++
	t.dispatchLocked(opts)
}

func (t *Trigger) fire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A newer QueueSync/SyncNow superseded this timer
	if gen != t.gen || !t.enabled || t.pending == nil {
		return
	}

	opts := *t.pending
	t.pending = nil
	t.timer = nil
	t.dispatchLocked(opts)
}

func (t *Trigger) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Trigger) dispatchLocked(opts Options) {
	if t.running {
		mergeInto(&t.queued, opts)
		slog.Debug("sync already running, coalescing request", "reason", opts.Reason)
		return
	}

	t.running = true
	t.wg.Add(1)
	go t.loop(opts)
}

func (t *Trigger) loop(opts Options) {
	defer t.wg.Done()

	for {
		res := t.run(t.ctx, opts)
		if res != nil && res.Error != nil {
			slog.Warn("triggered sync failed", "reason", opts.Reason, "error", res.Error)
		}
		if t.onResult != nil && res != nil {
			t.onResult(res)
		}

		t.mu.Lock()
		if t.queued == nil || !t.enabled {
			t.queued = nil
			t.running = false
			t.mu.Unlock()
			return
		}
		opts = *t.queued
		t.queued = nil
		t.mu.Unlock()
	}
}

// SetEnabled turns triggering on or off. Disabling cancels the pending timer
// and any queued follow-up but not a cycle already in flight.
func (t *Trigger) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = enabled
	if !enabled {
		t.stopTimerLocked()
		t.gen++
		t.pending = nil
		t.queued = nil
	}
}

// Enabled reports whether the trigger accepts requests
func (t *Trigger) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Pending reports whether a debounced sync is waiting for its timer
func (t *Trigger) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// Running reports whether a cycle is in flight
func (t *Trigger) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Stop disables the trigger
func (t *Trigger) Stop() {
	t.SetEnabled(false)
}

// Wait blocks until the in-flight cycle, if any, finishes
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// WaitTimeout is Wait bounded by d. It reports whether the cycle finished.
func (t *Trigger) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
