package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vonshlovens/capture-sync/internal/model"
)

const uploadColumns = `id, capture_id, local_file_path, total_bytes, chunk_size,
	last_chunk_uploaded, status, progress, attempts, next_attempt_at,
	object_key, last_error, created_at, updated_at`

func scanUploadTask(row rowScanner) (*model.UploadTask, error) {
	var t model.UploadTask
	var status string
	var nextAttempt, createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.CaptureID, &t.LocalFilePath, &t.TotalBytes, &t.ChunkSize,
		&t.LastChunkUploaded, &status, &t.Progress, &t.Attempts, &nextAttempt,
		&t.ObjectKey, &t.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = model.UploadStatus(status)
	if nextAttempt > 0 {
		t.NextAttemptAt = time.UnixMilli(nextAttempt)
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// CreateUploadTask inserts task unless one already exists for the capture, in
// which case the existing task is returned
func (s *Store) CreateUploadTask(ctx context.Context, task *model.UploadTask) (*model.UploadTask, error) {
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_tasks (`+uploadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (capture_id) DO NOTHING
	`, task.ID, task.CaptureID, task.LocalFilePath, task.TotalBytes, task.ChunkSize,
		task.LastChunkUploaded, string(task.Status), task.Progress, task.Attempts,
		millisOrZero(task.NextAttemptAt), task.ObjectKey, task.LastError,
		task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create upload task for %s: %w", task.CaptureID, err)
	}

	return s.GetUploadTaskByCapture(ctx, task.CaptureID)
}

// GetUploadTask retrieves a task by id. Returns nil if not found.
func (s *Store) GetUploadTask(ctx context.Context, id string) (*model.UploadTask, error) {
	t, err := scanUploadTask(s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM upload_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload task %s: %w", id, err)
	}
	return t, nil
}

// GetUploadTaskByCapture retrieves the task for a capture. Returns nil if not found.
func (s *Store) GetUploadTaskByCapture(ctx context.Context, captureID string) (*model.UploadTask, error) {
	t, err := scanUploadTask(s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM upload_tasks WHERE capture_id = ?`, captureID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload task for capture %s: %w", captureID, err)
	}
	return t, nil
}

// SaveUploadTask persists the mutable fields of task
func (s *Store) SaveUploadTask(ctx context.Context, task *model.UploadTask) error {
	task.UpdatedAt = s.now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE upload_tasks SET
			local_file_path = ?, total_bytes = ?, chunk_size = ?,
			last_chunk_uploaded = ?, status = ?, progress = ?, attempts = ?,
			next_attempt_at = ?, object_key = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, task.LocalFilePath, task.TotalBytes, task.ChunkSize,
		task.LastChunkUploaded, string(task.Status), task.Progress, task.Attempts,
		millisOrZero(task.NextAttemptAt), task.ObjectKey, task.LastError,
		task.UpdatedAt.UnixMilli(), task.ID)
	if err != nil {
		return fmt.Errorf("failed to save upload task %s: %w", task.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("upload task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// ListUploadTasks returns tasks in the given statuses (all when none given),
// oldest first
func (s *Store) ListUploadTasks(ctx context.Context, statuses ...model.UploadStatus) ([]*model.UploadTask, error) {
	query := `SELECT ` + uploadColumns + ` FROM upload_tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.UploadTask
	for rows.Next() {
		t, err := scanUploadTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
