package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vonshlovens/capture-sync/internal/metrics"
	"github.com/vonshlovens/capture-sync/internal/model"
)

// ChangeStore is the local store the sync service reads dirty records from
// and merges server changes into
type ChangeStore interface {
	ConflictStore
	QueryDirty(ctx context.Context, entity model.Entity) ([]model.Record, error)
	ClearDirty(ctx context.Context, entity model.Entity, refs []model.RecordRef, ackedAt int64) (int, error)
	GetWatermark(ctx context.Context, entity model.Entity) (int64, error)
	SetWatermark(ctx context.Context, entity model.Entity, ts int64) error
	GetMetadata(ctx context.Context, entity model.Entity) (*model.SyncMetadata, error)
	SetMetadata(ctx context.Context, meta *model.SyncMetadata) error
}

// Transport carries push and pull requests to the server
type Transport interface {
	Push(ctx context.Context, token string, req *model.PushRequest) (*model.PushResponse, error)
	Pull(ctx context.Context, token string, req *model.PullRequest) (*model.PullResponse, error)
}

// TokenProvider supplies the bearer token for each cycle
type TokenProvider interface {
	BearerToken(ctx context.Context) (string, error)
}

// UploadEnqueuer accepts capture binaries for background upload
type UploadEnqueuer interface {
	Enqueue(ctx context.Context, captureID, filePath string) (*model.UploadTask, error)
}

// Direction selects the phases of a sync cycle
type Direction string

const (
	DirectionBoth Direction = "both"
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Priority orders trigger requests. Merged requests keep the highest.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Options parameterize one sync cycle. An empty Entity means all entities.
type Options struct {
	Direction Direction
	Priority  Priority
	Entity    model.Entity
	Reason    string
}

func (o Options) push() bool {
	return o.Direction == "" || o.Direction == DirectionBoth || o.Direction == DirectionPush
}

func (o Options) pull() bool {
	return o.Direction == "" || o.Direction == DirectionBoth || o.Direction == DirectionPull
}

func (o Options) entities() []model.Entity {
	if o.Entity != "" {
		return []model.Entity{o.Entity}
	}
	return model.Entities()
}

// Outcome is the terminal state of a sync cycle
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Result describes a finished sync cycle
type Result struct {
	Options   Options
	Outcome   Outcome
	Error     error
	Pushed    int
	Pulled    int
	Conflicts int
	StartedAt time.Time
	Duration  time.Duration
}

// ServiceConfig holds the sync service tunables
type ServiceConfig struct {
	BatchSize int
	PullLimit int
	Retry     RetryPolicy
}

// DefaultServiceConfig returns the standard service configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BatchSize: model.MaxPushBatch,
		PullLimit: 500,
		Retry:     DefaultRetryPolicy(),
	}
}

// Service runs push/pull sync cycles. At most one cycle runs at a time.
type Service struct {
	store     ChangeStore
	transport Transport
	tokens    TokenProvider
	conflicts *ConflictHandler
	uploads   UploadEnqueuer
	metrics   *metrics.Metrics
	cfg       ServiceConfig

	cycleMu sync.Mutex

	stateMu    sync.RWMutex
	running    bool
	lastResult *Result
}

// NewService creates a sync service. uploads and m may be nil.
func NewService(store ChangeStore, transport Transport, tokens TokenProvider, uploads UploadEnqueuer, m *metrics.Metrics, cfg ServiceConfig) *Service {
	if cfg.BatchSize <= 0 || cfg.BatchSize > model.MaxPushBatch {
		cfg.BatchSize = model.MaxPushBatch
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = DefaultServiceConfig().PullLimit
	}

	return &Service{
		store:     store,
		transport: transport,
		tokens:    tokens,
		conflicts: NewConflictHandler(store, m),
		uploads:   uploads,
		metrics:   m,
		cfg:       cfg,
	}
}

// SetUploader sets the upload enqueuer after construction
func (s *Service) SetUploader(u UploadEnqueuer) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.uploads = u
}

// Status returns the overall sync status for display
func (s *Service) Status() model.SyncStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	switch {
	case s.running:
		return model.StatusSyncing
	case s.lastResult == nil:
		return model.StatusIdle
	case s.lastResult.Outcome == OutcomeError:
		return model.StatusError
	default:
		return model.StatusSynced
	}
}

// LastResult returns the result of the most recent finished cycle, or nil
func (s *Service) LastResult() *Result {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastResult
}

func (s *Service) setRunning(running bool, res *Result) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.running = running
	if res != nil {
		s.lastResult = res
	}
}

// Sync runs one cycle. Failures are reported in the result, never returned.
func (s *Service) Sync(ctx context.Context, opts Options) *Result {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	res := &Result{Options: opts, StartedAt: time.Now()}
	s.setRunning(true, nil)

	slog.Info("sync cycle started",
		"direction", opts.Direction,
		"entity", opts.Entity,
		"reason", opts.Reason)

	err := s.run(ctx, opts, res)
	res.Duration = time.Since(res.StartedAt)
	if err != nil {
		res.Outcome = OutcomeError
		res.Error = err
		slog.Error("sync cycle failed",
			"error", err,
			"pushed", res.Pushed,
			"pulled", res.Pulled,
			"duration_ms", res.Duration.Milliseconds())
	} else {
		res.Outcome = OutcomeSuccess
		slog.Info("sync cycle completed",
			"pushed", res.Pushed,
			"pulled", res.Pulled,
			"conflicts", res.Conflicts,
			"duration_ms", res.Duration.Milliseconds())
	}

	s.metrics.ObserveCycle(string(res.Outcome), res.Duration)
	s.setRunning(false, res)
	return res
}

func (s *Service) run(ctx context.Context, opts Options, res *Result) error {
	token, err := s.tokens.BearerToken(ctx)
	if err == nil && token == "" {
		err = model.ErrNoToken
	}
	if err != nil {
		return model.AuthError("token", 0, err)
	}

	entities := opts.entities()
	for _, entity := range entities {
		s.recordStatus(ctx, entity, model.StatusSyncing, nil, 0)
	}

	if opts.push() {
		backoff := s.cfg.Retry.NewBackoff()
		for _, entity := range entities {
			n, err := s.pushEntity(ctx, token, entity, backoff)
			res.Pushed += n
			if err != nil {
				s.failStatuses(ctx, entities, entity, err)
				return err
			}
		}
	}

	if opts.pull() {
		backoff := s.cfg.Retry.NewBackoff()
		for _, entity := range entities {
			pulled, conflicts, err := s.pullEntity(ctx, token, entity, backoff)
			res.Pulled += pulled
			res.Conflicts += conflicts
			if err != nil {
				s.failStatuses(ctx, entities, entity, err)
				return err
			}
		}
	}

	for _, entity := range entities {
		s.recordStatus(ctx, entity, model.StatusSynced, nil, 0)
	}
	return nil
}

// failStatuses marks the failing entity as errored and returns the others to idle
func (s *Service) failStatuses(ctx context.Context, entities []model.Entity, failed model.Entity, err error) {
	for _, entity := range entities {
		if entity == failed {
			s.recordStatus(ctx, entity, model.StatusError, err, 0)
		} else {
			s.recordStatus(ctx, entity, model.StatusIdle, nil, 0)
		}
	}
}

func (s *Service) recordStatus(ctx context.Context, entity model.Entity, status model.SyncStatus, err error, pushedAt int64) {
	meta := &model.SyncMetadata{Entity: entity, Status: status, LastPushedAt: pushedAt}
	if err != nil {
		meta.LastError = err.Error()
	}
	if serr := s.store.SetMetadata(ctx, meta); serr != nil {
		slog.Warn("failed to record sync status", "entity", entity, "error", serr)
	}
}

// pushEntity sends dirty records in sequential batches. Each acknowledged
// batch clears dirty for exactly the versions it contained.
func (s *Service) pushEntity(ctx context.Context, token string, entity model.Entity, backoff *PhaseBackoff) (int, error) {
	records, err := s.store.QueryDirty(ctx, entity)
	if err != nil {
		return 0, model.StorageError("query dirty", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	if entity == model.EntityCaptures {
		s.enqueueUploads(ctx, records)
	}

	batches := Batch(records, s.cfg.BatchSize)
	pushed := 0

	for i, batch := range batches {
		lastPulledAt, err := s.store.GetWatermark(ctx, entity)
		if err != nil {
			return pushed, model.StorageError("read watermark", err)
		}
		req := BuildPushRequest(entity, batch, lastPulledAt)

		var resp *model.PushResponse
		err = s.cfg.Retry.Do(ctx, backoff, "push "+string(entity), func(ctx context.Context) error {
			var perr error
			resp, perr = s.transport.Push(ctx, token, req)
			return perr
		})
		if err != nil {
			return pushed, fmt.Errorf("failed to push %s batch %d/%d: %w", entity, i+1, len(batches), err)
		}
		if !resp.Accepted {
			return pushed, model.ValidationError("push "+string(entity), 0, errors.New("batch not accepted"))
		}

		refs := make([]model.RecordRef, len(batch))
		for j, rec := range batch {
			refs[j] = rec.Ref()
		}
		if _, err := s.store.ClearDirty(ctx, entity, refs, resp.Timestamp); err != nil {
			return pushed, model.StorageError("clear dirty", err)
		}

		pushed += len(batch)
		s.metrics.AddRecords("push", string(entity), len(batch))
		s.recordStatus(ctx, entity, model.StatusSyncing, nil, resp.Timestamp)

		slog.Debug("push batch acknowledged",
			"entity", entity,
			"batch", i+1,
			"of", len(batches),
			"records", len(batch),
			"timestamp", resp.Timestamp)
	}

	return pushed, nil
}

func (s *Service) enqueueUploads(ctx context.Context, records []model.Record) {
	if s.uploads == nil {
		return
	}
	for _, rec := range records {
		if !rec.NeedsUpload() {
			continue
		}
		if _, err := s.uploads.Enqueue(ctx, rec.ID, rec.StringField(model.FieldAudioPath)); err != nil {
			slog.Warn("failed to enqueue capture upload", "capture_id", rec.ID, "error", err)
		}
	}
}

// pullEntity requests server changes page by page, committing the watermark
// after each fully applied page
func (s *Service) pullEntity(ctx context.Context, token string, entity model.Entity, backoff *PhaseBackoff) (int, int, error) {
	since, err := s.store.GetWatermark(ctx, entity)
	if err != nil {
		return 0, 0, model.StorageError("read watermark", err)
	}

	pulled, conflicts := 0, 0
	for page := 1; ; page++ {
		req := &model.PullRequest{
			LastPulledAt: since,
			Entities:     []model.Entity{entity},
			Limit:        s.cfg.PullLimit,
		}

		var resp *model.PullResponse
		err := s.cfg.Retry.Do(ctx, backoff, "pull "+string(entity), func(ctx context.Context) error {
			var perr error
			resp, perr = s.transport.Pull(ctx, token, req)
			return perr
		})
		if err != nil {
			return pulled, conflicts, fmt.Errorf("failed to pull %s page %d: %w", entity, page, err)
		}

		applied, failed := s.applyChanges(ctx, entity, resp.Changes[entity])
		pulled += applied
		s.metrics.AddRecords("pull", string(entity), applied)

		if len(resp.Conflicts) > 0 {
			report := s.conflicts.ApplyConflicts(ctx, resp.Conflicts)
			conflicts += report.Total
		}

		if failed > 0 {
			return pulled, conflicts, model.StorageError("apply pull",
				fmt.Errorf("%d records of %s page %d could not be applied", failed, entity, page))
		}

		if resp.Timestamp > since {
			if err := s.store.SetWatermark(ctx, entity, resp.Timestamp); err != nil {
				return pulled, conflicts, model.StorageError("set watermark", err)
			}
		}

		if !resp.HasMore {
			return pulled, conflicts, nil
		}
		if resp.Timestamp <= since {
			slog.Warn("server reported more changes without advancing timestamp, stopping pull",
				"entity", entity,
				"timestamp", resp.Timestamp)
			return pulled, conflicts, nil
		}
		since = resp.Timestamp
	}
}

// applyChanges merges one page of server changes. Records with unpushed
// local edits are kept; the next push carries them.
func (s *Service) applyChanges(ctx context.Context, entity model.Entity, changes model.PullChanges) (applied, failed int) {
	for _, rec := range changes.Updated {
		ok, err := s.store.ApplyRemote(ctx, entity, rec, false)
		if err != nil {
			failed++
			slog.Error("failed to apply pulled record", "entity", entity, "record_id", rec.ID, "error", err)
			continue
		}
		if ok {
			applied++
		} else {
			slog.Debug("kept local edit over pulled record", "entity", entity, "record_id", rec.ID)
		}
	}

	for _, id := range changes.Deleted {
		ok, err := s.store.DeleteRemote(ctx, entity, id, false)
		if err != nil {
			failed++
			slog.Error("failed to apply pulled deletion", "entity", entity, "record_id", id, "error", err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, failed
}

// BuildPushRequest groups records into created, updated and deleted sets.
// Records the server has never acknowledged are sent as created.
func BuildPushRequest(entity model.Entity, records []model.Record, lastPulledAt int64) *model.PushRequest {
	var set model.ChangeSet
	for _, rec := range records {
		switch {
		case rec.Deleted:
			set.Deleted = append(set.Deleted, rec)
		case rec.ServerUpdatedAt == 0:
			set.Created = append(set.Created, rec)
		default:
			set.Updated = append(set.Updated, rec)
		}
	}
	return &model.PushRequest{
		LastPulledAt: lastPulledAt,
		Changes:      map[model.Entity]model.ChangeSet{entity: set},
	}
}

// Batch splits records into consecutive slices of at most size
func Batch(records []model.Record, size int) [][]model.Record {
	if size <= 0 {
		size = model.MaxPushBatch
	}
	var batches [][]model.Record
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}
