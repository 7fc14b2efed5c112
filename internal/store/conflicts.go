package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vonshlovens/capture-sync/internal/model"
)

func marshalVersion(rec *model.Record) (sql.NullString, error) {
	if rec == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalVersion(s sql.NullString) (*model.Record, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var rec model.Record
	if err := json.Unmarshal([]byte(s.String), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AppendConflict adds an entry to the conflict audit log
func (s *Store) AppendConflict(ctx context.Context, entry *model.ConflictAuditEntry) error {
	serverJSON, err := marshalVersion(entry.ServerVersion)
	if err != nil {
		return fmt.Errorf("failed to marshal server version: %w", err)
	}
	clientJSON, err := marshalVersion(entry.ClientVersion)
	if err != nil {
		return fmt.Errorf("failed to marshal client version: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_log (entity, record_id, resolution, server_version, client_version, applied, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Entity, entry.RecordID, string(entry.Resolution), serverJSON, clientJSON,
		entry.Applied, entry.Error, entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append conflict for %s/%s: %w", entry.Entity, entry.RecordID, err)
	}

	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListConflicts returns the most recent audit entries, newest first
func (s *Store) ListConflicts(ctx context.Context, limit int) ([]*model.ConflictAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, record_id, resolution, server_version, client_version, applied, error, created_at
		FROM conflict_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var entries []*model.ConflictAuditEntry
	for rows.Next() {
		var e model.ConflictAuditEntry
		var entity, resolution string
		var serverJSON, clientJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(&e.ID, &entity, &e.RecordID, &resolution, &serverJSON, &clientJSON,
			&e.Applied, &e.Error, &createdAt); err != nil {
			return nil, err
		}
		e.Entity = model.Entity(entity)
		e.Resolution = model.Resolution(resolution)
		e.CreatedAt = time.UnixMilli(createdAt)

		if e.ServerVersion, err = unmarshalVersion(serverJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal server version: %w", err)
		}
		if e.ClientVersion, err = unmarshalVersion(clientJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client version: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
