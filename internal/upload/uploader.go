package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vonshlovens/capture-sync/internal/metrics"
	"github.com/vonshlovens/capture-sync/internal/model"
	"github.com/vonshlovens/capture-sync/internal/transport"
)

// ChunkTransport uploads chunks and finalizes uploads
type ChunkTransport interface {
	UploadChunk(ctx context.Context, token string, chunk transport.Chunk) error
	CompleteUpload(ctx context.Context, token, captureID string, totalChunks int) (string, error)
}

// TokenProvider supplies the bearer token for uploads
type TokenProvider interface {
	BearerToken(ctx context.Context) (string, error)
}

// TaskStore persists upload tasks and writes object keys back to captures
type TaskStore interface {
	CreateUploadTask(ctx context.Context, task *model.UploadTask) (*model.UploadTask, error)
	GetUploadTaskByCapture(ctx context.Context, captureID string) (*model.UploadTask, error)
	SaveUploadTask(ctx context.Context, task *model.UploadTask) error
	ListUploadTasks(ctx context.Context, statuses ...model.UploadStatus) ([]*model.UploadTask, error)
	AttachObject(ctx context.Context, captureID, objectKey string) error
}

// ProgressFunc observes each uploaded chunk
type ProgressFunc func(task *model.UploadTask, chunkBytes int)

// ChunkedUploader uploads one task sequentially chunk by chunk, persisting
// progress after every chunk so an interrupted upload resumes where it stopped
type ChunkedUploader struct {
	transport  ChunkTransport
	tokens     TokenProvider
	store      TaskStore
	metrics    *metrics.Metrics
	onProgress ProgressFunc
}

// NewChunkedUploader creates an uploader
func NewChunkedUploader(tr ChunkTransport, tokens TokenProvider, store TaskStore, m *metrics.Metrics) *ChunkedUploader {
	return &ChunkedUploader{transport: tr, tokens: tokens, store: store, metrics: m}
}

// Upload sends the remaining chunks of task and finalizes it, returning the
// object key. task is updated and saved after each chunk.
func (u *ChunkedUploader) Upload(ctx context.Context, task *model.UploadTask) (string, error) {
	f, err := os.Open(task.LocalFilePath)
	if err != nil {
		return "", model.ValidationError("open upload file", 0, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", model.ValidationError("stat upload file", 0, err)
	}
	if info.Size() == 0 {
		return "", model.ValidationError("upload", 0, errors.New("file is empty"))
	}
	if info.Size() != task.TotalBytes {
		slog.Warn("upload source changed size, restarting upload",
			"capture_id", task.CaptureID,
			"was", task.TotalBytes,
			"now", info.Size())
		task.TotalBytes = info.Size()
		task.LastChunkUploaded = -1
		task.Progress = 0
	}

	token, err := u.tokens.BearerToken(ctx)
	if err == nil && token == "" {
		err = model.ErrNoToken
	}
	if err != nil {
		return "", model.AuthError("token", 0, err)
	}

	total := task.TotalChunks()
	buf := make([]byte, task.ChunkSize)

	for i := task.NextChunk(); i < total; i++ {
		offset := int64(i) * task.ChunkSize
		size := min(task.ChunkSize, task.TotalBytes-offset)

		n, err := f.ReadAt(buf[:size], offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
			return "", model.ValidationError("read chunk", 0, fmt.Errorf("chunk %d: %w", i, err))
		}
		data := buf[:n]
		sum := sha256.Sum256(data)

		chunk := transport.Chunk{
			CaptureID: task.CaptureID,
			Index:     i,
			Data:      data,
			SHA256:    hex.EncodeToString(sum[:]),
		}
		if err := u.transport.UploadChunk(ctx, token, chunk); err != nil {
			return "", fmt.Errorf("failed to upload chunk %d/%d: %w", i+1, total, err)
		}

		task.LastChunkUploaded = i
		task.Progress = float64(i+1) / float64(total)
		// Persist even if ctx was cancelled while the chunk was in flight
		if err := u.store.SaveUploadTask(context.WithoutCancel(ctx), task); err != nil {
			return "", model.StorageError("save upload progress", err)
		}

		u.metrics.AddUploadChunk(n)
		if u.onProgress != nil {
			u.onProgress(task, n)
		}
	}

	key, err := u.transport.CompleteUpload(ctx, token, task.CaptureID, total)
	if err != nil {
		return "", fmt.Errorf("failed to complete upload: %w", err)
	}
	return key, nil
}
