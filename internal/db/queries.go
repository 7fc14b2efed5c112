package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/capture-sync/internal/model"
)

const rowColumns = "entity, id, data, deleted, updated_at, device_id, client_updated_at"

func scanRow(row pgx.Row) (*Row, error) {
	var r Row
	var entity string
	if err := row.Scan(&entity, &r.ID, &r.Data, &r.Deleted, &r.UpdatedAt, &r.DeviceID, &r.ClientUpdatedAt); err != nil {
		return nil, err
	}
	r.Entity = model.Entity(entity)
	return &r, nil
}

func entityNames(entities []model.Entity) []string {
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = string(e)
	}
	return names
}

// GetRecord returns the server row, or nil if it has never been written
func (db *DB) GetRecord(ctx context.Context, entity model.Entity, id string) (*Row, error) {
	r, err := scanRow(db.Pool.QueryRow(ctx,
		"SELECT "+rowColumns+" FROM sync_records WHERE entity = $1 AND id = $2",
		string(entity), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", entity, id, err)
	}
	return r, nil
}

// PutRecord inserts or replaces a server row
func (db *DB) PutRecord(ctx context.Context, r *Row) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sync_records (entity, id, data, deleted, updated_at, device_id, client_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity, id) DO UPDATE SET
			data = EXCLUDED.data,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at,
			device_id = EXCLUDED.device_id,
			client_updated_at = EXCLUDED.client_updated_at
	`, string(r.Entity), r.ID, r.Data, r.Deleted, r.UpdatedAt, r.DeviceID, r.ClientUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", r.Entity, r.ID, err)
	}
	return nil
}

// Changes returns rows of the given entities written after since by any
// device other than excludeDevice, oldest first
func (db *DB) Changes(ctx context.Context, entities []model.Entity, since int64, excludeDevice string, limit int) ([]*Row, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+rowColumns+` FROM sync_records
		WHERE updated_at > $1 AND device_id <> $2 AND entity = ANY($3)
		ORDER BY updated_at, entity, id
		LIMIT $4
	`, since, excludeDevice, entityNames(entities), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxUpdatedAt returns the newest server timestamp, used to seed the clock
func (db *DB) MaxUpdatedAt(ctx context.Context) (int64, error) {
	var ts int64
	err := db.Pool.QueryRow(ctx, "SELECT COALESCE(MAX(updated_at), 0) FROM sync_records").Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("failed to read max updated_at: %w", err)
	}
	return ts, nil
}

// QueueConflict stores a conflict for delivery on the device's next pull
func (db *DB) QueueConflict(ctx context.Context, deviceID string, c model.Conflict) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}
	_, err = db.Pool.Exec(ctx,
		"INSERT INTO sync_conflicts (device_id, entity, payload) VALUES ($1, $2, $3)",
		deviceID, string(c.Entity), string(payload))
	if err != nil {
		return fmt.Errorf("failed to queue conflict: %w", err)
	}
	return nil
}

// TakeConflicts removes and returns the device's queued conflicts for the
// given entities in queue order
func (db *DB) TakeConflicts(ctx context.Context, deviceID string, entities []model.Entity) ([]model.Conflict, error) {
	rows, err := db.Pool.Query(ctx, `
		DELETE FROM sync_conflicts
		WHERE device_id = $1 AND entity = ANY($2)
		RETURNING seq, payload
	`, deviceID, entityNames(entities))
	if err != nil {
		return nil, fmt.Errorf("failed to take conflicts: %w", err)
	}
	defer rows.Close()

	type queued struct {
		seq      int64
		conflict model.Conflict
	}
	var items []queued
	for rows.Next() {
		var q queued
		var payload []byte
		if err := rows.Scan(&q.seq, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &q.conflict); err != nil {
			return nil, fmt.Errorf("failed to decode conflict %d: %w", q.seq, err)
		}
		items = append(items, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	conflicts := make([]model.Conflict, len(items))
	for i, q := range items {
		conflicts[i] = q.conflict
	}
	return conflicts, nil
}

// PutChunk stores one upload chunk, replacing a previous copy
func (db *DB) PutChunk(ctx context.Context, captureID string, index int, data []byte) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO upload_chunks (capture_id, idx, data) VALUES ($1, $2, $3)
		ON CONFLICT (capture_id, idx) DO UPDATE SET data = EXCLUDED.data, created_at = NOW()
	`, captureID, index, data)
	if err != nil {
		return fmt.Errorf("failed to store chunk %d of %s: %w", index, captureID, err)
	}
	return nil
}

// CompleteUpload assembles chunks 0..totalChunks-1 into an object. Completing
// an already assembled upload returns the existing object.
func (db *DB) CompleteUpload(ctx context.Context, captureID string, totalChunks int) (*Object, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	key := ObjectKey(captureID)

	rows, err := tx.Query(ctx,
		"SELECT idx, data FROM upload_chunks WHERE capture_id = $1 ORDER BY idx", captureID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	chunks := make(map[int][]byte)
	for rows.Next() {
		var idx int
		var data []byte
		if err := rows.Scan(&idx, &data); err != nil {
			rows.Close()
			return nil, err
		}
		chunks[idx] = data
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(chunks) == 0 {
		obj := &Object{Key: key, CaptureID: captureID}
		err := tx.QueryRow(ctx,
			"SELECT size_bytes, sha256, created_at FROM objects WHERE key = $1", key,
		).Scan(&obj.Size, &obj.SHA256, &obj.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIncompleteUpload
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read object: %w", err)
		}
		return obj, nil
	}

	data, err := Assemble(chunks, totalChunks)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	obj := &Object{Key: key, CaptureID: captureID, Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}

	err = tx.QueryRow(ctx, `
		INSERT INTO objects (key, capture_id, data, size_bytes, sha256) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			data = EXCLUDED.data, size_bytes = EXCLUDED.size_bytes,
			sha256 = EXCLUDED.sha256, created_at = NOW()
		RETURNING created_at
	`, key, captureID, data, obj.Size, obj.SHA256).Scan(&obj.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store object: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM upload_chunks WHERE capture_id = $1", captureID); err != nil {
		return nil, fmt.Errorf("failed to clear chunks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit upload: %w", err)
	}
	return obj, nil
}

// Assemble concatenates chunks 0..total-1, failing if any is missing
func Assemble(chunks map[int][]byte, total int) ([]byte, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: total chunks must be positive", ErrIncompleteUpload)
	}
	size := 0
	for i := 0; i < total; i++ {
		c, ok := chunks[i]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d of %d", ErrIncompleteUpload, i, total)
		}
		size += len(c)
	}

	data := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		data = append(data, chunks[i]...)
	}
	return data, nil
}
