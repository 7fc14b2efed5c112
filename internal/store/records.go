package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vonshlovens/capture-sync/internal/model"
)

const recordColumns = `id, data, deleted, dirty, version, updated_at, server_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.Record, error) {
	var rec model.Record
	var data string
	if err := row.Scan(&rec.ID, &data, &rec.Deleted, &rec.Dirty, &rec.Version, &rec.UpdatedAt, &rec.ServerUpdatedAt); err != nil {
		return rec, err
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			return rec, fmt.Errorf("failed to unmarshal record %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record data: %w", err)
	}
	return string(b), nil
}

// QueryDirty returns all records of entity with pending local changes
func (s *Store) QueryDirty(ctx context.Context, entity model.Entity) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records WHERE entity = ? AND dirty = 1
		ORDER BY updated_at, id
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty %s: %w", entity, err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListRecords returns live (non-deleted) records of entity
func (s *Store) ListRecords(ctx context.Context, entity model.Entity) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records WHERE entity = ? AND deleted = 0
		ORDER BY updated_at DESC, id
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetRecord retrieves a record by id, including soft-deleted ones.
// Returns nil if the record does not exist.
func (s *Store) GetRecord(ctx context.Context, entity model.Entity, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE entity = ? AND id = ?
	`, entity, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert writes a local change. The record is marked dirty and its version
// incremented so that in-flight acknowledgements of older versions are ignored.
func (s *Store) Upsert(ctx context.Context, entity model.Entity, rec model.Record) (model.Record, error) {
	data, err := marshalData(rec.Data)
	if err != nil {
		return rec, err
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = s.nowMillis()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO records (entity, id, data, deleted, dirty, version, updated_at)
		VALUES (?, ?, ?, ?, 1, 1, ?)
		ON CONFLICT (entity, id) DO UPDATE SET
			data = excluded.data,
			deleted = excluded.deleted,
			dirty = 1,
			version = records.version + 1,
			updated_at = excluded.updated_at
		RETURNING `+recordColumns,
		entity, rec.ID, data, rec.Deleted, rec.UpdatedAt,
	)

	saved, err := scanRecord(row)
	if err != nil {
		return rec, fmt.Errorf("failed to upsert %s/%s: %w", entity, rec.ID, err)
	}
	return saved, nil
}

// Delete soft-deletes a record locally so the deletion is pushed
func (s *Store) Delete(ctx context.Context, entity model.Entity, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET deleted = 1, dirty = 1, version = version + 1, updated_at = ?
		WHERE entity = ? AND id = ?
	`, s.nowMillis(), entity, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", entity, id, err)
	}
	return expectRow(res, entity, id)
}

// MarkDirty flags an existing record for push without changing its data
func (s *Store) MarkDirty(ctx context.Context, entity model.Entity, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET dirty = 1, version = version + 1
		WHERE entity = ? AND id = ?
	`, entity, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s dirty: %w", entity, id, err)
	}
	return expectRow(res, entity, id)
}

// ErrNotFound is returned when a record to modify does not exist
var ErrNotFound = errors.New("record not found")

func expectRow(res sql.Result, entity model.Entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", entity, id, ErrNotFound)
	}
	return nil
}

// ClearDirty clears the dirty flag for exactly the acknowledged versions.
// A record written again after the batch was read keeps its flag. Acknowledged
// deletions are removed physically. Returns the number of records cleared.
func (s *Store) ClearDirty(ctx context.Context, entity model.Entity, refs []model.RecordRef, ackedAt int64) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	clear, err := tx.PrepareContext(ctx, `
		UPDATE records SET dirty = 0, server_updated_at = ?
		WHERE entity = ? AND id = ? AND version = ? AND dirty = 1
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare clear: %w", err)
	}
	defer clear.Close()

	purge, err := tx.PrepareContext(ctx, `
		DELETE FROM records
		WHERE entity = ? AND id = ? AND version = ? AND deleted = 1 AND dirty = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare purge: %w", err)
	}
	defer purge.Close()

	cleared := 0
	for _, ref := range refs {
		res, err := clear.ExecContext(ctx, ackedAt, entity, ref.ID, ref.Version)
		if err != nil {
			return 0, fmt.Errorf("failed to clear dirty %s/%s: %w", entity, ref.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cleared++
		}
		if _, err := purge.ExecContext(ctx, entity, ref.ID, ref.Version); err != nil {
			return 0, fmt.Errorf("failed to purge tombstone %s/%s: %w", entity, ref.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit clear dirty: %w", err)
	}
	return cleared, nil
}

// ApplyRemote stores a server version of a record as clean. Unless force is
// set, a record with unpushed local changes is left alone and false returned.
func (s *Store) ApplyRemote(ctx context.Context, entity model.Entity, rec model.Record, force bool) (bool, error) {
	data, err := marshalData(rec.Data)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO records (entity, id, data, deleted, dirty, version, updated_at, server_updated_at)
		VALUES (?, ?, ?, ?, 0, 1, ?, ?)
		ON CONFLICT (entity, id) DO UPDATE SET
			data = excluded.data,
			deleted = excluded.deleted,
			dirty = 0,
			version = records.version + 1,
			updated_at = excluded.updated_at,
			server_updated_at = excluded.server_updated_at`
	if !force {
		query += ` WHERE records.dirty = 0`
	}

	res, err := s.db.ExecContext(ctx, query,
		entity, rec.ID, data, rec.Deleted, rec.UpdatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply remote %s/%s: %w", entity, rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteRemote removes a record the server reports as deleted. Unless force
// is set, a record with unpushed local changes is kept and false returned.
func (s *Store) DeleteRemote(ctx context.Context, entity model.Entity, id string, force bool) (bool, error) {
	query := `DELETE FROM records WHERE entity = ? AND id = ?`
	if !force {
		query += ` AND dirty = 0`
	}

	res, err := s.db.ExecContext(ctx, query, entity, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete remote %s/%s: %w", entity, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 && !force {
		existing, err := s.GetRecord(ctx, entity, id)
		if err != nil {
			return false, err
		}
		// Nothing to delete counts as applied
		return existing == nil, nil
	}
	return true, nil
}

// AttachObject records the remote object key on a capture as a single dirty
// field change
func (s *Store) AttachObject(ctx context.Context, captureID, objectKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET
			data = json_set(data, '$.`+model.FieldAudioObjectKey+`', ?),
			dirty = 1,
			version = version + 1,
			updated_at = ?
		WHERE entity = ? AND id = ? AND deleted = 0
	`, objectKey, s.nowMillis(), model.EntityCaptures, captureID)
	if err != nil {
		return fmt.Errorf("failed to attach object to capture %s: %w", captureID, err)
	}
	return expectRow(res, model.EntityCaptures, captureID)
}
