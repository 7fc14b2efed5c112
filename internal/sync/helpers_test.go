package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/capture-sync/internal/model"
	"github.com/vonshlovens/capture-sync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDirty(t *testing.T, s *store.Store, entity model.Entity, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Upsert(context.Background(), entity, model.Record{
			ID:        fmt.Sprintf("%s-%03d", entity, i),
			Data:      map[string]any{"n": i},
			UpdatedAt: int64(i + 1),
		})
		require.NoError(t, err)
	}
}

func fastRetry(maxAttempts int) RetryPolicy {
	return RetryPolicy{Base: time.Millisecond, MaxAttempts: maxAttempts}
}

type staticTokens string

func (s staticTokens) BearerToken(context.Context) (string, error) {
	return string(s), nil
}

// fakeTransport records requests and replies through optional hooks
type fakeTransport struct {
	mu        sync.Mutex
	clock     int64
	pushes    []*model.PushRequest
	pulls     []*model.PullRequest
	pushErrs  []error
	pullPages []*model.PullResponse
	pullErrs  []error
	onPush    func(req *model.PushRequest)
}

func (f *fakeTransport) Push(_ context.Context, _ string, req *model.PushRequest) (*model.PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushes = append(f.pushes, req)
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.onPush != nil {
		f.onPush(req)
	}
	f.clock += 10
	return &model.PushResponse{Accepted: true, Timestamp: f.clock}, nil
}

func (f *fakeTransport) Pull(_ context.Context, _ string, req *model.PullRequest) (*model.PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pulls = append(f.pulls, req)
	if len(f.pullErrs) > 0 {
		err := f.pullErrs[0]
		f.pullErrs = f.pullErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.pullPages) > 0 {
		page := f.pullPages[0]
		f.pullPages = f.pullPages[1:]
		return page, nil
	}
	return &model.PullResponse{Timestamp: req.LastPulledAt}, nil
}

func (f *fakeTransport) pushBatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sizes []int
	for _, p := range f.pushes {
		for _, set := range p.Changes {
			sizes = append(sizes, set.Len())
		}
	}
	return sizes
}

func (f *fakeTransport) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

// failingApplyStore fails ApplyRemote for selected record ids
type failingApplyStore struct {
	*store.Store
	fail map[string]bool
}

func (f *failingApplyStore) ApplyRemote(ctx context.Context, entity model.Entity, rec model.Record, force bool) (bool, error) {
	if f.fail[rec.ID] {
		return false, fmt.Errorf("disk I/O error")
	}
	return f.Store.ApplyRemote(ctx, entity, rec, force)
}

type fakeMonitor struct {
	mu        sync.Mutex
	connected bool
	listeners []func(bool)
}

func (m *fakeMonitor) AddListener(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
	idx := len(m.listeners) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.listeners[idx] = nil
	}
}

func (m *fakeMonitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *fakeMonitor) set(connected bool) {
	m.mu.Lock()
	m.connected = connected
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		if fn != nil {
			fn(connected)
		}
	}
}

type fakeResumer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeResumer) ResumeFailed(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, nil
}

func (f *fakeResumer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	captures []string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, captureID, filePath string) (*model.UploadTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, captureID)
	return &model.UploadTask{CaptureID: captureID, LocalFilePath: filePath}, nil
}

// countingSync is a SyncFunc that records invocations
type countingSync struct {
	mu    sync.Mutex
	calls []Options
	delay time.Duration
	block chan struct{}
}

func (c *countingSync) run(_ context.Context, opts Options) *Result {
	c.mu.Lock()
	c.calls = append(c.calls, opts)
	block := c.block
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return &Result{Options: opts, Outcome: OutcomeSuccess}
}

func (c *countingSync) snapshot() []Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Options{}, c.calls...)
}
