package model

import (
	"fmt"
	"time"
)

// Entity identifies a syncable record type
type Entity string

const (
	EntityCaptures Entity = "captures"
	EntityTodos    Entity = "todos"
	EntityDigests  Entity = "digests"
)

// Entities returns all syncable entities in sync order
func Entities() []Entity {
	return []Entity{EntityCaptures, EntityTodos, EntityDigests}
}

// ParseEntity validates an entity name
func ParseEntity(s string) (Entity, error) {
	for _, e := range Entities() {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown entity %q", s)
}

// Capture data fields
const (
	FieldKind           = "kind"
	FieldTitle          = "title"
	FieldBody           = "body"
	FieldTags           = "tags"
	FieldAudioPath      = "audio_path"
	FieldAudioObjectKey = "audio_object_key"
	FieldContentHash    = "content_hash"
	FieldSizeBytes      = "size_bytes"
	FieldCapturedAt     = "captured_at"
	FieldSourcePath     = "source_path"

	KindAudio = "audio"
	KindText  = "text"
)

// Record is a syncable row. Data is the opaque entity payload.
type Record struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	UpdatedAt int64          `json:"updatedAt,omitempty"`

	// Local bookkeeping, never sent over the wire
	Dirty           bool  `json:"-"`
	Version         int64 `json:"-"`
	ServerUpdatedAt int64 `json:"-"`
}

// Ref returns the exact version reference of the record
func (r Record) Ref() RecordRef {
	return RecordRef{ID: r.ID, Version: r.Version}
}

// StringField returns a string data field or ""
func (r Record) StringField(key string) string {
	if r.Data == nil {
		return ""
	}
	s, _ := r.Data[key].(string)
	return s
}

// NeedsUpload reports whether an audio capture still has a local-only binary
func (r Record) NeedsUpload() bool {
	return !r.Deleted &&
		r.StringField(FieldKind) == KindAudio &&
		r.StringField(FieldAudioPath) != "" &&
		r.StringField(FieldAudioObjectKey) == ""
}

// RecordRef identifies one local version of a record
type RecordRef struct {
	ID      string
	Version int64
}

// SyncStatus is the per-entity sync state
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
)

// SyncMetadata tracks watermarks and status for one entity
type SyncMetadata struct {
	Entity       Entity
	LastPulledAt int64
	LastPushedAt int64
	Status       SyncStatus
	LastError    string
	UpdatedAt    time.Time
}

// Resolution is the server-declared outcome of a conflict
type Resolution string

const (
	ServerWins Resolution = "server_wins"
	ClientWins Resolution = "client_wins"
)

// Conflict is produced by the server in a pull response
type Conflict struct {
	Entity        Entity     `json:"entity"`
	RecordID      string     `json:"recordId"`
	Resolution    Resolution `json:"resolution"`
	ServerVersion *Record    `json:"serverVersion,omitempty"`
	ClientVersion *Record    `json:"clientVersion,omitempty"`
}

// ConflictAuditEntry is a persisted conflict for diagnostic review
type ConflictAuditEntry struct {
	ID            int64
	Entity        Entity
	RecordID      string
	Resolution    Resolution
	ServerVersion *Record
	ClientVersion *Record
	Applied       bool
	Error         string
	CreatedAt     time.Time
}

// UploadStatus is the lifecycle state of an upload task
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadFailed    UploadStatus = "failed"
	UploadCompleted UploadStatus = "completed"
)

// UploadTask tracks a resumable chunked upload of one capture binary
type UploadTask struct {
	ID                string
	CaptureID         string
	LocalFilePath     string
	TotalBytes        int64
	ChunkSize         int64
	LastChunkUploaded int // -1 when nothing is uploaded yet
	Status            UploadStatus
	Progress          float64
	Attempts          int
	NextAttemptAt     time.Time
	ObjectKey         string
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TotalChunks returns the number of chunks the file splits into
func (t *UploadTask) TotalChunks() int {
	if t.ChunkSize <= 0 || t.TotalBytes <= 0 {
		return 0
	}
	return int((t.TotalBytes + t.ChunkSize - 1) / t.ChunkSize)
}

// NextChunk returns the chunk index the upload resumes at
func (t *UploadTask) NextChunk() int {
	return t.LastChunkUploaded + 1
}

// NowMillis returns the current time in unix milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
