package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/capture-sync/internal/model"
)

func TestAutoSyncOfflineChangesFlushOnReconnect(t *testing.T) {
	cs := &countingSync{}
	trig := NewTrigger(cs.run, WithDebounce(20*time.Millisecond))
	mon := &fakeMonitor{connected: false}
	resumer := &fakeResumer{}

	auto := NewAutoSync(trig, mon, resumer, 0)
	auto.Start(context.Background())
	defer auto.Stop()

	auto.NotifyLocalChange(model.EntityTodos)
	auto.NotifyLocalChange(model.EntityCaptures)
	auto.NotifyLocalChange(model.EntityTodos)
	assert.Equal(t, []model.Entity{model.EntityCaptures, model.EntityTodos}, auto.PendingOffline())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, cs.snapshot())

	mon.set(true)
	trig.Wait()
	time.Sleep(50 * time.Millisecond)

	calls := cs.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, DirectionBoth, calls[0].Direction)
	assert.Equal(t, "reconnect", calls[0].Reason)
	assert.Empty(t, auto.PendingOffline())
	require.Eventually(t, func() bool { return resumer.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAutoSyncStartsWithCycleWhenOnline(t *testing.T) {
	cs := &countingSync{}
	trig := NewTrigger(cs.run)
	mon := &fakeMonitor{connected: true}

	auto := NewAutoSync(trig, mon, nil, 0)
	auto.Start(context.Background())
	trig.Wait()
	auto.Stop()

	calls := cs.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "startup", calls[0].Reason)
}

func TestAutoSyncLocalChangeQueuesPush(t *testing.T) {
	cs := &countingSync{}
	trig := NewTrigger(cs.run, WithDebounce(10*time.Millisecond))
	mon := &fakeMonitor{connected: true}

	auto := NewAutoSync(trig, mon, nil, 0)
	auto.Start(context.Background())
	defer auto.Stop()
	trig.Wait()

	auto.NotifyLocalChange(model.EntityDigests)
	require.Eventually(t, func() bool { return len(cs.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	trig.Wait()

	last := cs.snapshot()[1]
	assert.Equal(t, DirectionPush, last.Direction)
	assert.Equal(t, model.EntityDigests, last.Entity)
}

func TestAutoSyncRepeatedOnlineEventsDoNotResync(t *testing.T) {
	cs := &countingSync{}
	trig := NewTrigger(cs.run)
	mon := &fakeMonitor{connected: false}

	auto := NewAutoSync(trig, mon, nil, 0)
	auto.Start(context.Background())
	defer auto.Stop()

	mon.set(true)
	trig.Wait()
	mon.set(true)
	trig.Wait()

	assert.Len(t, cs.snapshot(), 1)

	mon.set(false)
	assert.False(t, auto.Online())
}

func TestAutoSyncInterval(t *testing.T) {
	cs := &countingSync{}
	trig := NewTrigger(cs.run)
	mon := &fakeMonitor{connected: false}

	auto := NewAutoSync(trig, mon, nil, 20*time.Millisecond)
	auto.Start(context.Background())

	// Offline: interval ticks are skipped
	time.Sleep(70 * time.Millisecond)
	assert.Empty(t, cs.snapshot())

	mon.set(true)
	require.Eventually(t, func() bool { return len(cs.snapshot()) >= 2 }, time.Second, 5*time.Millisecond)

	auto.Stop()
	trig.Wait()
	assert.False(t, trig.Enabled())
}

func TestAutoSyncRestartReenablesTrigger(t *testing.T) {
	cs := &countingSync{}
	trig := NewTrigger(cs.run, WithDebounce(10*time.Millisecond))
	mon := &fakeMonitor{connected: true}

	auto := NewAutoSync(trig, mon, nil, 0)
	auto.Start(context.Background())
	trig.Wait()
	auto.Stop()
	assert.False(t, trig.Enabled())

	auto.Start(context.Background())
	defer auto.Stop()
	assert.True(t, trig.Enabled())
	trig.Wait()

	auto.NotifyLocalChange(model.EntityTodos)
	require.Eventually(t, func() bool { return len(cs.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	calls := cs.snapshot()
	assert.Equal(t, "startup", calls[1].Reason)
	assert.Equal(t, "local change", calls[2].Reason)
}

func TestAutoSyncIgnoresNetworkChangesAfterStop(t *testing.T) {
	cs := &countingSync{}
	trig := NewTrigger(cs.run)
	mon := &fakeMonitor{connected: false}
	resumer := &fakeResumer{}

	auto := NewAutoSync(trig, mon, resumer, 0)
	auto.Start(context.Background())
	auto.Stop()

	// A delivery racing with Stop reaches the listener directly
	auto.onNetworkChange(true)
	trig.Wait()

	assert.Empty(t, cs.snapshot())
	assert.Equal(t, 0, resumer.count())
	assert.False(t, auto.Online())
}
