package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/capture-sync/internal/metrics"
	"github.com/vonshlovens/capture-sync/internal/model"
	"github.com/vonshlovens/capture-sync/internal/store"
	syncer "github.com/vonshlovens/capture-sync/internal/sync"
)

const (
	DefaultChunkSize    = 1 << 20
	DefaultWorkers      = 1
	DefaultPollInterval = 5 * time.Second
)

// Config holds orchestrator tunables
type Config struct {
	ChunkSize    int64
	Workers      int
	PollInterval time.Duration
	Retry        syncer.RetryPolicy
}

// DefaultConfig returns the standard upload configuration
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		Workers:      DefaultWorkers,
		PollInterval: DefaultPollInterval,
		Retry:        syncer.DefaultRetryPolicy(),
	}
}

// Orchestrator owns upload tasks and runs them on a bounded worker pool
type Orchestrator struct {
	store    TaskStore
	uploader *ChunkedUploader
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time

	onComplete func(task *model.UploadTask)

	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. onComplete runs after a task's
// object key has been written to its capture.
func NewOrchestrator(store TaskStore, uploader *ChunkedUploader, m *metrics.Metrics, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}

	return &Orchestrator{
		store:    store,
		uploader: uploader,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]bool),
	}
}

// OnComplete registers the completion hook
func (o *Orchestrator) OnComplete(fn func(task *model.UploadTask)) {
	o.onComplete = fn
}

// OnProgress registers a per-chunk progress hook
func (o *Orchestrator) OnProgress(fn ProgressFunc) {
	o.uploader.onProgress = fn
}

// Enqueue creates a pending upload for a capture. Enqueueing the same capture
// again returns the existing task; a completed one has its object key written
// back to the capture again.
func (o *Orchestrator) Enqueue(ctx context.Context, captureID, filePath string) (*model.UploadTask, error) {
	existing, err := o.store.GetUploadTaskByCapture(ctx, captureID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == model.UploadCompleted && existing.ObjectKey != "" {
			// The capture still asks for an upload, so the key never reached it
			if err := o.store.AttachObject(ctx, captureID, existing.ObjectKey); err != nil {
				return nil, err
			}
			slog.Info("object key re-attached", "capture_id", captureID, "object_key", existing.ObjectKey)
			return existing, nil
		}
		o.notify()
		return existing, nil
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filePath)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s is empty", filePath)
	}

	task, err := o.store.CreateUploadTask(ctx, &model.UploadTask{
		ID:                uuid.NewString(),
		CaptureID:         captureID,
		LocalFilePath:     filePath,
		TotalBytes:        info.Size(),
		ChunkSize:         o.cfg.ChunkSize,
		LastChunkUploaded: -1,
		Status:            model.UploadPending,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("upload enqueued",
		"capture_id", captureID,
		"bytes", task.TotalBytes,
		"chunks", task.TotalChunks())
	o.metrics.UploadTransition(string(model.UploadPending))
	o.notify()
	return task, nil
}

// ResumeFailed makes every failed task immediately eligible again
func (o *Orchestrator) ResumeFailed(ctx context.Context) (int, error) {
	tasks, err := o.store.ListUploadTasks(ctx, model.UploadFailed)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, task := range tasks {
		if o.isInflight(task.ID) {
			continue
		}
		task.Status = model.UploadPending
		task.Attempts = 0
		task.NextAttemptAt = time.Time{}
		if err := o.store.SaveUploadTask(ctx, task); err != nil {
			return resumed, err
		}
		resumed++
	}

	if resumed > 0 {
		o.notify()
	}
	return resumed, nil
}

// Start launches the worker pool
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}

	ctx, o.cancel = context.WithCancel(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
	slog.Debug("upload workers started", "workers", o.cfg.Workers)
}

// Stop cancels in-flight uploads and waits for the workers to exit. Progress
// up to the last completed chunk is kept.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

// ProcessDue runs every task that is due on the calling goroutine and
// returns how many completed
func (o *Orchestrator) ProcessDue(ctx context.Context) (int, error) {
	completed := 0
	for {
		task, err := o.claim(ctx)
		if err != nil {
			return completed, err
		}
		if task == nil {
			return completed, nil
		}
		if o.process(ctx, task) {
			completed++
		}
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
	}
}

func (o *Orchestrator) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		task, err := o.claim(ctx)
		if err != nil {
			slog.Warn("failed to claim upload task", "worker", id, "error", err)
		}
		if task != nil {
			o.process(ctx, task)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) isInflight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[id]
}

// claim picks the oldest due task not already being processed
func (o *Orchestrator) claim(ctx context.Context) (*model.UploadTask, error) {
	if ctx.Err() != nil {
		return nil, nil
	}

	tasks, err := o.store.ListUploadTasks(ctx, model.UploadPending, model.UploadUploading, model.UploadFailed)
	if err != nil {
		return nil, err
	}

	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, task := range tasks {
		if o.inflight[task.ID] || !due(task, now) {
			continue
		}
		o.inflight[task.ID] = true
		return task, nil
	}
	return nil, nil
}

// due reports whether task should run now. Failed tasks without a retry
// time are parked until ResumeFailed.
func due(task *model.UploadTask, now time.Time) bool {
	if task.Status != model.UploadFailed {
		return true
	}
	return !task.NextAttemptAt.IsZero() && !task.NextAttemptAt.After(now)
}

// process runs one task and records its outcome. Returns true on completion.
func (o *Orchestrator) process(ctx context.Context, task *model.UploadTask) bool {
	defer func() {
		o.mu.Lock()
		delete(o.inflight, task.ID)
		o.mu.Unlock()
	}()

	task.Status = model.UploadUploading
	task.LastError = ""
	if err := o.store.SaveUploadTask(ctx, task); err != nil {
		slog.Warn("failed to mark upload in progress", "capture_id", task.CaptureID, "error", err)
		return false
	}

	slog.Info("upload started",
		"capture_id", task.CaptureID,
		"resume_chunk", task.NextChunk(),
		"chunks", task.TotalChunks())

	// A task that already has an object key only lacks the write-back
	key := task.ObjectKey
	if key == "" {
		var err error
		key, err = o.uploader.Upload(ctx, task)
		if err != nil {
			o.fail(ctx, task, err)
			return false
		}
		task.ObjectKey = key
	}

	if err := o.store.AttachObject(ctx, task.CaptureID, key); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.fail(ctx, task, model.StorageError("attach object key", err))
			return false
		}
		slog.Warn("capture removed before its upload finished",
			"capture_id", task.CaptureID,
			"object_key", key)
	}

	task.Status = model.UploadCompleted
	task.ObjectKey = key
	task.Progress = 1
	task.NextAttemptAt = time.Time{}
	if err := o.store.SaveUploadTask(ctx, task); err != nil {
		slog.Warn("failed to save completed upload", "capture_id", task.CaptureID, "error", err)
	}

	o.metrics.UploadTransition(string(model.UploadCompleted))
	slog.Info("upload completed", "capture_id", task.CaptureID, "object_key", key)

	if o.onComplete != nil {
		o.onComplete(task)
	}
	return true
}

func (o *Orchestrator) fail(ctx context.Context, task *model.UploadTask, err error) {
	task.Status = model.UploadFailed
	task.LastError = err.Error()

	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		// Interrupted by shutdown: resume as soon as the process comes back
		task.NextAttemptAt = o.now()
	case o.cfg.Retry.IsRetryable(err) || task.ObjectKey != "":
		// Write-back failures are local and retried on the upload schedule
		task.Attempts++
		if task.Attempts >= o.cfg.Retry.MaxAttempts {
			task.NextAttemptAt = time.Time{}
		} else {
			task.NextAttemptAt = o.now().Add(o.cfg.Retry.DelayFor(task.Attempts))
		}
	default:
		task.Attempts++
		task.NextAttemptAt = time.Time{}
	}

	// The task must be persisted even when ctx is already cancelled
	if serr := o.store.SaveUploadTask(context.WithoutCancel(ctx), task); serr != nil {
		slog.Error("failed to save failed upload", "capture_id", task.CaptureID, "error", serr)
	}

	o.metrics.UploadTransition(string(model.UploadFailed))
	slog.Warn("upload failed",
		"capture_id", task.CaptureID,
		"last_chunk", task.LastChunkUploaded,
		"attempts", task.Attempts,
		"parked", task.NextAttemptAt.IsZero(),
		"error", err)
}
