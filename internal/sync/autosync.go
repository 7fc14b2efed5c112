package sync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vonshlovens/capture-sync/internal/model"
)

// NetworkMonitor reports debounced connectivity changes
type NetworkMonitor interface {
	AddListener(fn func(connected bool)) (unsubscribe func())
	Connected() bool
}

// UploadResumer restarts parked uploads
type UploadResumer interface {
	ResumeFailed(ctx context.Context) (int, error)
}

// AutoSync wires connectivity changes, local edits and an optional interval
// to the trigger
type AutoSync struct {
	trigger  *Trigger
	monitor  NetworkMonitor
	uploads  UploadResumer
	interval time.Duration

	mu             sync.Mutex
	online         bool
	started        bool
	offlineChanges map[model.Entity]struct{}
	unsubscribe    func()
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// NewAutoSync creates an orchestrator. uploads may be nil; interval 0
// disables periodic sync.
func NewAutoSync(trigger *Trigger, monitor NetworkMonitor, uploads UploadResumer, interval time.Duration) *AutoSync {
	return &AutoSync{
		trigger:        trigger,
		monitor:        monitor,
		uploads:        uploads,
		interval:       interval,
		offlineChanges: make(map[model.Entity]struct{}),
	}
}

// Start subscribes to the monitor, re-enables the trigger and, when online,
// runs an initial cycle. A stopped AutoSync can be started again.
func (a *AutoSync) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.trigger.SetEnabled(true)
	a.online = a.monitor.Connected()
	online := a.online
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	unsubscribe := a.monitor.AddListener(a.onNetworkChange)
	a.mu.Lock()
	a.unsubscribe = unsubscribe
	a.mu.Unlock()

	if online {
		a.trigger.SyncNow(Options{Direction: DirectionBoth, Reason: "startup"})
	} else {
		slog.Info("starting offline, sync deferred until connectivity returns")
	}

	if a.interval > 0 {
		a.wg.Add(1)
		go a.periodic(ctx)
	}
}

// Stop unsubscribes, stops the interval loop and disables the trigger.
// An in-flight cycle is not cancelled.
func (a *AutoSync) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	cancel := a.cancel
	unsubscribe := a.unsubscribe
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	a.wg.Wait()
	a.trigger.Stop()
}

// Online reports the last connectivity state seen
func (a *AutoSync) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

// PendingOffline returns entities changed while offline, awaiting reconnect
func (a *AutoSync) PendingOffline() []model.Entity {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.Entity, 0, len(a.offlineChanges))
	for e := range a.offlineChanges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NotifyLocalChange queues a push for entity, or remembers it while offline
func (a *AutoSync) NotifyLocalChange(entity model.Entity) {
	a.mu.Lock()
	if !a.online {
		a.offlineChanges[entity] = struct{}{}
		a.mu.Unlock()
		slog.Debug("offline, deferring push", "entity", entity)
		return
	}
	a.mu.Unlock()

	a.trigger.QueueSync(Options{Direction: DirectionPush, Entity: entity, Reason: "local change"})
}

// onNetworkChange runs on the monitor's goroutine and must not block
func (a *AutoSync) onNetworkChange(connected bool) {
	a.mu.Lock()
	// The monitor may still deliver to a listener snapshot taken before Stop
	if !a.started {
		a.mu.Unlock()
		return
	}
	wasOnline := a.online
	a.online = connected
	pending := len(a.offlineChanges)
	if connected {
		clear(a.offlineChanges)
	}
	resume := connected && !wasOnline && a.uploads != nil
	if resume {
		// Added under mu so Stop cannot be waiting yet
		a.wg.Add(1)
	}
	a.mu.Unlock()

	if !connected {
		if wasOnline {
			slog.Info("network lost, automatic sync paused")
		}
		return
	}
	if wasOnline {
		return
	}

	slog.Info("network restored, syncing", "offline_changes", pending)
	// One full cycle flushes everything changed while offline
	a.trigger.SyncNow(Options{Direction: DirectionBoth, Priority: PriorityHigh, Reason: "reconnect"})

	if resume {
		go func() {
			defer a.wg.Done()
			n, err := a.uploads.ResumeFailed(context.Background())
			if err != nil {
				slog.Warn("failed to resume uploads", "error", err)
				return
			}
			if n > 0 {
				slog.Info("resumed failed uploads", "count", n)
			}
		}()
	}
}

func (a *AutoSync) periodic(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.Online() {
				a.trigger.SyncNow(Options{Direction: DirectionBoth, Reason: "interval"})
			}
		}
	}
}
