package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/vonshlovens/capture-sync/internal/db"
	"github.com/vonshlovens/capture-sync/internal/metrics"
	"github.com/vonshlovens/capture-sync/internal/model"
)

const (
	DefaultPullLimit = 500
	MaxPullLimit     = 1000
	// MaxPushRecords bounds one push body; clients send MaxPushBatch
	MaxPushRecords = 10 * model.MaxPushBatch
)

// ErrBadRequest marks client errors that map to 422
var ErrBadRequest = errors.New("invalid request")

// Service implements push and pull over a Store. Writes are serialized so
// the clock order matches commit order.
type Service struct {
	store   Store
	clock   *Clock
	policy  model.Resolution
	metrics *metrics.Metrics

	mu sync.Mutex
}

// NewService seeds the clock from the newest stored row
func NewService(ctx context.Context, store Store, policy model.Resolution, m *metrics.Metrics) (*Service, error) {
	if policy == "" {
		policy = model.ServerWins
	}
	if policy != model.ServerWins && policy != model.ClientWins {
		return nil, fmt.Errorf("unknown conflict policy %q", policy)
	}

	floor, err := store.MaxUpdatedAt(ctx)
	if err != nil {
		return nil, err
	}

	return &Service{
		store:   store,
		clock:   NewClock(floor),
		policy:  policy,
		metrics: m,
	}, nil
}

type change struct {
	entity  model.Entity
	record  model.Record
	deleted bool
}

func flatten(changes map[model.Entity]model.ChangeSet) ([]change, error) {
	var out []change
	for _, entity := range model.Entities() {
		cs, ok := changes[entity]
		if !ok {
			continue
		}
		for _, r := range append(append([]model.Record{}, cs.Created...), cs.Updated...) {
			if r.ID == "" {
				return nil, fmt.Errorf("%w: %s record without id", ErrBadRequest, entity)
			}
			out = append(out, change{entity: entity, record: r})
		}
		for _, r := range cs.Deleted {
			if r.ID == "" {
				return nil, fmt.Errorf("%w: %s deletion without id", ErrBadRequest, entity)
			}
			r.Deleted = true
			out = append(out, change{entity: entity, record: r, deleted: true})
		}
	}

	for entity := range changes {
		if _, err := model.ParseEntity(string(entity)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}
	if len(out) > MaxPushRecords {
		return nil, fmt.Errorf("%w: %d records exceeds limit of %d", ErrBadRequest, len(out), MaxPushRecords)
	}
	return out, nil
}

// Push applies one batch from device. A record whose server row was written
// by another device after lastPulledAt is a conflict and is resolved by the
// configured policy; the outcome is queued for the device's next pull.
func (s *Service) Push(ctx context.Context, device string, req *model.PushRequest) (*model.PushResponse, error) {
	changes, err := flatten(req.Changes)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied, conflicts := 0, 0
	for _, c := range changes {
		ok, conflicted, err := s.apply(ctx, device, req.LastPulledAt, c)
		if err != nil {
			return nil, err
		}
		if ok {
			applied++
		}
		if conflicted {
			conflicts++
		}
	}

	slog.Debug("push applied",
		"device", device,
		"records", len(changes),
		"applied", applied,
		"conflicts", conflicts)

	return &model.PushResponse{
		Accepted:  true,
		Timestamp: s.clock.Current(),
		Conflicts: conflicts,
	}, nil
}

func (s *Service) apply(ctx context.Context, device string, lastPulledAt int64, c change) (applied, conflicted bool, err error) {
	existing, err := s.store.GetRecord(ctx, c.entity, c.record.ID)
	if err != nil {
		return false, false, err
	}

	if c.deleted && (existing == nil || existing.Deleted) {
		return false, false, nil
	}
	if existing != nil && !existing.Deleted && !c.deleted && reflect.DeepEqual(existing.Data, c.record.Data) {
		return false, false, nil
	}

	if existing != nil && existing.DeviceID != device && existing.UpdatedAt > lastPulledAt {
		conflicted = true
		if err := s.queueConflict(ctx, device, existing, c); err != nil {
			return false, true, err
		}
		if s.policy == model.ServerWins {
			return false, true, nil
		}
	}

	row := &db.Row{
		Entity:          c.entity,
		ID:              c.record.ID,
		Data:            c.record.Data,
		Deleted:         c.deleted,
		UpdatedAt:       s.clock.Next(),
		DeviceID:        device,
		ClientUpdatedAt: c.record.UpdatedAt,
	}
	if c.deleted && row.Data == nil && existing != nil {
		row.Data = existing.Data
	}
	if err := s.store.PutRecord(ctx, row); err != nil {
		return false, conflicted, err
	}
	return true, conflicted, nil
}

func (s *Service) queueConflict(ctx context.Context, device string, existing *db.Row, c change) error {
	conflict := model.Conflict{
		Entity:     c.entity,
		RecordID:   c.record.ID,
		Resolution: s.policy,
	}
	if !existing.Deleted {
		server := existing.Record()
		conflict.ServerVersion = &server
	}
	client := c.record
	conflict.ClientVersion = &client

	s.metrics.AddConflict(string(s.policy))
	slog.Info("conflict detected",
		"device", device,
		"entity", c.entity,
		"record_id", c.record.ID,
		"resolution", s.policy,
		"server_updated_at", existing.UpdatedAt,
		"server_device", existing.DeviceID)

	return s.store.QueueConflict(ctx, device, conflict)
}

// Pull returns one page of changes written by other devices after
// LastPulledAt, plus the device's pending conflicts
func (s *Service) Pull(ctx context.Context, device string, req *model.PullRequest) (*model.PullResponse, error) {
	entities := req.Entities
	if len(entities) == 0 {
		entities = model.Entities()
	}
	for _, e := range entities {
		if _, err := model.ParseEntity(string(e)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	limit = min(limit, MaxPullLimit)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.store.Changes(ctx, entities, req.LastPulledAt, device, limit+1)
	if err != nil {
		return nil, err
	}

	resp := &model.PullResponse{Timestamp: s.clock.Current()}
	if len(rows) > limit {
		rows = rows[:limit]
		resp.HasMore = true
		resp.Timestamp = rows[len(rows)-1].UpdatedAt
	}

	if len(rows) > 0 {
		resp.Changes = make(map[model.Entity]model.PullChanges)
	}
	for _, r := range rows {
		pc := resp.Changes[r.Entity]
		if r.Deleted {
			pc.Deleted = append(pc.Deleted, r.ID)
		} else {
			pc.Updated = append(pc.Updated, r.Record())
		}
		resp.Changes[r.Entity] = pc
	}

	resp.Conflicts, err = s.store.TakeConflicts(ctx, device, entities)
	if err != nil {
		return nil, err
	}

	slog.Debug("pull served",
		"device", device,
		"since", req.LastPulledAt,
		"rows", len(rows),
		"conflicts", len(resp.Conflicts),
		"has_more", resp.HasMore)
	return resp, nil
}

// PutChunk stores one upload chunk
func (s *Service) PutChunk(ctx context.Context, captureID string, index int, data []byte) error {
	if captureID == "" || index < 0 {
		return fmt.Errorf("%w: bad chunk address", ErrBadRequest)
	}
	return s.store.PutChunk(ctx, captureID, index, data)
}

// CompleteUpload assembles a capture's chunks into an object
func (s *Service) CompleteUpload(ctx context.Context, captureID string, totalChunks int) (*db.Object, error) {
	if totalChunks <= 0 {
		return nil, fmt.Errorf("%w: totalChunks must be positive", ErrBadRequest)
	}
	obj, err := s.store.CompleteUpload(ctx, captureID, totalChunks)
	if err != nil {
		return nil, err
	}
	slog.Info("upload assembled", "capture_id", captureID, "object_key", obj.Key, "bytes", obj.Size)
	return obj, nil
}
