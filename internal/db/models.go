package db

import (
	"errors"
	"time"

	"github.com/vonshlovens/capture-sync/internal/model"
)

// ErrIncompleteUpload is returned when completing an upload with missing chunks
var ErrIncompleteUpload = errors.New("upload is missing chunks")

// Row is the server copy of a synced record
type Row struct {
	Entity          model.Entity
	ID              string
	Data            map[string]any
	Deleted         bool
	UpdatedAt       int64 // server clock, ms
	DeviceID        string
	ClientUpdatedAt int64
}

// Record converts the row to its wire form
func (r *Row) Record() model.Record {
	return model.Record{
		ID:        r.ID,
		Data:      r.Data,
		Deleted:   r.Deleted,
		UpdatedAt: r.UpdatedAt,
	}
}

// Object is an assembled upload
type Object struct {
	Key       string
	CaptureID string
	Size      int64
	SHA256    string
	CreatedAt time.Time
}

// ObjectKey returns the storage key for a capture's binary
func ObjectKey(captureID string) string {
	return "captures/" + captureID
}

// Stats summarizes server storage
type Stats struct {
	Records    map[model.Entity]int
	Tombstones int
	Objects    int
	Conflicts  int
}
