package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vonshlovens/capture-sync/internal/metrics"
	"github.com/vonshlovens/capture-sync/internal/model"
)

// ConflictStore is the subset of the change store the conflict handler writes to
type ConflictStore interface {
	GetRecord(ctx context.Context, entity model.Entity, id string) (*model.Record, error)
	Upsert(ctx context.Context, entity model.Entity, rec model.Record) (model.Record, error)
	MarkDirty(ctx context.Context, entity model.Entity, id string) error
	ApplyRemote(ctx context.Context, entity model.Entity, rec model.Record, force bool) (bool, error)
	DeleteRemote(ctx context.Context, entity model.Entity, id string, force bool) (bool, error)
	AppendConflict(ctx context.Context, entry *model.ConflictAuditEntry) error
}

// ConflictReport summarizes one ApplyConflicts call
type ConflictReport struct {
	Total   int
	Applied int
	Errors  []error
}

// Failed returns the number of conflicts that could not be applied
func (r ConflictReport) Failed() int {
	return len(r.Errors)
}

// ConflictHandler applies server-declared conflict resolutions locally
type ConflictHandler struct {
	store   ConflictStore
	metrics *metrics.Metrics
}

// NewConflictHandler creates a conflict handler
func NewConflictHandler(store ConflictStore, m *metrics.Metrics) *ConflictHandler {
	return &ConflictHandler{store: store, metrics: m}
}

// ApplyConflicts applies each conflict and records it in the audit log.
// A failure on one record does not stop the others.
func (h *ConflictHandler) ApplyConflicts(ctx context.Context, conflicts []model.Conflict) ConflictReport {
	report := ConflictReport{Total: len(conflicts)}

	for _, c := range conflicts {
		err := h.apply(ctx, c)

		entry := &model.ConflictAuditEntry{
			Entity:        c.Entity,
			RecordID:      c.RecordID,
			Resolution:    c.Resolution,
			ServerVersion: c.ServerVersion,
			ClientVersion: c.ClientVersion,
			Applied:       err == nil,
		}
		if err != nil {
			err = model.ConflictApplicationError("apply conflict "+string(c.Entity)+"/"+c.RecordID, err)
			entry.Error = err.Error()
			report.Errors = append(report.Errors, err)
			slog.Error("failed to apply conflict",
				"entity", c.Entity,
				"record_id", c.RecordID,
				"resolution", c.Resolution,
				"error", err)
		} else {
			report.Applied++
			slog.Info("conflict resolved",
				"entity", c.Entity,
				"record_id", c.RecordID,
				"resolution", c.Resolution)
		}
		h.metrics.AddConflict(string(c.Resolution))

		if auditErr := h.store.AppendConflict(ctx, entry); auditErr != nil {
			slog.Warn("failed to record conflict audit entry",
				"entity", c.Entity,
				"record_id", c.RecordID,
				"error", auditErr)
		}
	}

	return report
}

func (h *ConflictHandler) apply(ctx context.Context, c model.Conflict) error {
	if c.RecordID == "" {
		return errors.New("conflict without record id")
	}

	switch c.Resolution {
	case model.ServerWins:
		if c.ServerVersion == nil {
			_, err := h.store.DeleteRemote(ctx, c.Entity, c.RecordID, true)
			return err
		}
		rec := *c.ServerVersion
		rec.ID = c.RecordID
		_, err := h.store.ApplyRemote(ctx, c.Entity, rec, true)
		return err

	case model.ClientWins:
		existing, err := h.store.GetRecord(ctx, c.Entity, c.RecordID)
		if err != nil {
			return err
		}
		if existing != nil {
			return h.store.MarkDirty(ctx, c.Entity, c.RecordID)
		}
		if c.ClientVersion == nil {
			return fmt.Errorf("record %s not found locally and no client version supplied", c.RecordID)
		}
		rec := *c.ClientVersion
		rec.ID = c.RecordID
		_, err = h.store.Upsert(ctx, c.Entity, rec)
		return err

	default:
		return fmt.Errorf("unknown resolution %q", c.Resolution)
	}
}
