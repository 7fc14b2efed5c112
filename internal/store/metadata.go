package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vonshlovens/capture-sync/internal/model"
)

// GetWatermark returns the last pulled server timestamp for entity (0 if never pulled)
func (s *Store) GetWatermark(ctx context.Context, entity model.Entity) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_pulled_at FROM sync_metadata WHERE entity = ?`, entity,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark for %s: %w", entity, err)
	}
	return ts, nil
}

// SetWatermark advances the pull watermark. It never moves backwards.
func (s *Store) SetWatermark(ctx context.Context, entity model.Entity, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (entity, last_pulled_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (entity) DO UPDATE SET
			last_pulled_at = MAX(sync_metadata.last_pulled_at, excluded.last_pulled_at),
			updated_at = excluded.updated_at
	`, entity, ts, s.nowMillis())
	if err != nil {
		return fmt.Errorf("failed to set watermark for %s: %w", entity, err)
	}
	return nil
}

// GetMetadata returns the sync metadata for entity, idle if none is stored
func (s *Store) GetMetadata(ctx context.Context, entity model.Entity) (*model.SyncMetadata, error) {
	meta := &model.SyncMetadata{Entity: entity, Status: model.StatusIdle}
	var updatedAt int64
	var status string

	err := s.db.QueryRowContext(ctx, `
		SELECT last_pulled_at, last_pushed_at, status, last_error, updated_at
		FROM sync_metadata WHERE entity = ?
	`, entity).Scan(&meta.LastPulledAt, &meta.LastPushedAt, &status, &meta.LastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", entity, err)
	}

	meta.Status = model.SyncStatus(status)
	if updatedAt > 0 {
		meta.UpdatedAt = time.UnixMilli(updatedAt)
	}
	return meta, nil
}

// SetMetadata stores status, error and push time. The pull watermark is only
// ever changed through SetWatermark.
func (s *Store) SetMetadata(ctx context.Context, meta *model.SyncMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (entity, last_pushed_at, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity) DO UPDATE SET
			last_pushed_at = MAX(sync_metadata.last_pushed_at, excluded.last_pushed_at),
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, meta.Entity, meta.LastPushedAt, string(meta.Status), meta.LastError, s.nowMillis())
	if err != nil {
		return fmt.Errorf("failed to set metadata for %s: %w", meta.Entity, err)
	}
	return nil
}

// ListMetadata returns metadata for every entity
func (s *Store) ListMetadata(ctx context.Context) ([]*model.SyncMetadata, error) {
	out := make([]*model.SyncMetadata, 0, len(model.Entities()))
	for _, e := range model.Entities() {
		meta, err := s.GetMetadata(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}
