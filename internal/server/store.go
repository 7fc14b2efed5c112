package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/vonshlovens/capture-sync/internal/db"
	"github.com/vonshlovens/capture-sync/internal/model"
)

// Store is the persistence used by the sync server. *db.DB implements it on
// Postgres and MemoryStore in process.
type Store interface {
	GetRecord(ctx context.Context, entity model.Entity, id string) (*db.Row, error)
	PutRecord(ctx context.Context, r *db.Row) error
	Changes(ctx context.Context, entities []model.Entity, since int64, excludeDevice string, limit int) ([]*db.Row, error)
	MaxUpdatedAt(ctx context.Context) (int64, error)
	QueueConflict(ctx context.Context, deviceID string, c model.Conflict) error
	TakeConflicts(ctx context.Context, deviceID string, entities []model.Entity) ([]model.Conflict, error)
	PutChunk(ctx context.Context, captureID string, index int, data []byte) error
	CompleteUpload(ctx context.Context, captureID string, totalChunks int) (*db.Object, error)
	Ping(ctx context.Context) error
}

var _ Store = (*db.DB)(nil)

type recordKey struct {
	entity model.Entity
	id     string
}

type queuedConflict struct {
	device   string
	conflict model.Conflict
}

// MemoryStore keeps all server state in memory. Used for development and tests.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[recordKey]*db.Row
	conflicts []queuedConflict
	chunks    map[string]map[int][]byte
	objects   map[string]*db.Object
	blobs     map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]*db.Row),
		chunks:  make(map[string]map[int][]byte),
		objects: make(map[string]*db.Object),
		blobs:   make(map[string][]byte),
	}
}

func copyRow(r *db.Row) *db.Row {
	c := *r
	c.Data = maps.Clone(r.Data)
	return &c
}

func (m *MemoryStore) GetRecord(_ context.Context, entity model.Entity, id string) (*db.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordKey{entity, id}]
	if !ok {
		return nil, nil
	}
	return copyRow(r), nil
}

func (m *MemoryStore) PutRecord(_ context.Context, r *db.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[recordKey{r.Entity, r.ID}] = copyRow(r)
	return nil
}

func (m *MemoryStore) Changes(_ context.Context, entities []model.Entity, since int64, excludeDevice string, limit int) ([]*db.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[model.Entity]bool, len(entities))
	for _, e := range entities {
		wanted[e] = true
	}

	var out []*db.Row
	for _, r := range m.records {
		if r.UpdatedAt > since && r.DeviceID != excludeDevice && wanted[r.Entity] {
			out = append(out, copyRow(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt < b.UpdatedAt
		}
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MaxUpdatedAt(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ts int64
	for _, r := range m.records {
		ts = max(ts, r.UpdatedAt)
	}
	return ts, nil
}

func (m *MemoryStore) QueueConflict(_ context.Context, deviceID string, c model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conflicts = append(m.conflicts, queuedConflict{device: deviceID, conflict: c})
	return nil
}

func (m *MemoryStore) TakeConflicts(_ context.Context, deviceID string, entities []model.Entity) ([]model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var taken []model.Conflict
	kept := m.conflicts[:0]
	for _, q := range m.conflicts {
		if q.device == deviceID && containsEntity(entities, q.conflict.Entity) {
			taken = append(taken, q.conflict)
			continue
		}
		kept = append(kept, q)
	}
	m.conflicts = kept
	return taken, nil
}

func (m *MemoryStore) PutChunk(_ context.Context, captureID string, index int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunks, ok := m.chunks[captureID]
	if !ok {
		chunks = make(map[int][]byte)
		m.chunks[captureID] = chunks
	}
	chunks[index] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) CompleteUpload(_ context.Context, captureID string, totalChunks int) (*db.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := db.ObjectKey(captureID)
	chunks := m.chunks[captureID]
	if len(chunks) == 0 {
		obj, ok := m.objects[key]
		if !ok {
			return nil, db.ErrIncompleteUpload
		}
		c := *obj
		return &c, nil
	}

	data, err := db.Assemble(chunks, totalChunks)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	obj := &db.Object{
		Key:       key,
		CaptureID: captureID,
		Size:      int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
		CreatedAt: time.Now(),
	}
	m.objects[key] = obj
	m.blobs[key] = data
	delete(m.chunks, captureID)

	c := *obj
	return &c, nil
}

// Object returns the assembled bytes stored under key
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.blobs[key]
	return data, ok
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func containsEntity(entities []model.Entity, e model.Entity) bool {
	for _, x := range entities {
		if x == e {
			return true
		}
	}
	return false
}
