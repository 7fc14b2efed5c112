package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/capture-sync/internal/model"
	"github.com/vonshlovens/capture-sync/internal/netmon"
)

// linkSource is a netmon.Source driven by the test
type linkSource struct {
	mu    sync.Mutex
	fn    func(netmon.State)
	state netmon.State
}

func (l *linkSource) Subscribe(fn func(netmon.State)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fn = fn
	return func() {}, nil
}

func (l *linkSource) Probe(context.Context) (netmon.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, nil
}

func (l *linkSource) set(linkUp bool) {
	l.mu.Lock()
	l.state = netmon.State{LinkUp: linkUp}
	fn := l.fn
	l.mu.Unlock()
	fn(netmon.State{LinkUp: linkUp})
}

func TestOfflineCapturesSyncOnceAfterReconnect(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tr := &fakeTransport{}
	svc := newTestService(st, tr, 3)

	var mu sync.Mutex
	var results []*Result
	trig := NewTrigger(svc.Sync,
		WithDebounce(20*time.Millisecond),
		WithResultCallback(func(res *Result) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
		}))
	cycles := func() []*Result {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Result{}, results...)
	}

	src := &linkSource{}
	mon := netmon.New(src, netmon.WithQuietPeriod(30*time.Millisecond))
	require.NoError(t, mon.Start())
	defer mon.Stop()

	auto := NewAutoSync(trig, mon, nil, 0)
	auto.Start(ctx)
	defer auto.Stop()

	src.set(false)
	for i := 0; i < 3; i++ {
		_, err := st.Upsert(ctx, model.EntityCaptures, model.Record{
			ID:   fmt.Sprintf("cap-%d", i),
			Data: map[string]any{model.FieldKind: model.KindText, "title": fmt.Sprintf("note %d", i)},
		})
		require.NoError(t, err)
		auto.NotifyLocalChange(model.EntityCaptures)
	}

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, cycles())
	assert.Equal(t, 0, tr.pushCount())

	src.set(true)
	require.Eventually(t, func() bool { return len(cycles()) == 1 }, 5*time.Second, 5*time.Millisecond)
	trig.Wait()

	// No follow-up cycle once the reconnect flush is done
	time.Sleep(60 * time.Millisecond)
	res := cycles()
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeSuccess, res[0].Outcome)
	assert.Equal(t, "reconnect", res[0].Options.Reason)
	assert.Equal(t, 3, res[0].Pushed)

	dirty, err := st.QueryDirty(ctx, model.EntityCaptures)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	meta, err := st.GetMetadata(ctx, model.EntityCaptures)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, meta.Status)
}
