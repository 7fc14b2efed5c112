package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vonshlovens/capture-sync/internal/model"
	"github.com/vonshlovens/capture-sync/internal/parser"
	"github.com/vonshlovens/capture-sync/internal/watcher"
)

// namespace for deriving stable capture IDs from file paths
var namespace = uuid.MustParse("6f1c2a8e-5d0b-4c47-9a55-3b8e7f0d2c41")

var (
	audioExts = map[string]bool{".m4a": true, ".wav": true, ".mp3": true, ".ogg": true, ".aac": true, ".flac": true}
	textExts  = map[string]bool{".md": true, ".txt": true}
)

// ErrUnsupported is returned for files that are neither audio nor text
var ErrUnsupported = errors.New("unsupported capture file type")

// DefaultIncludePatterns matches every file type the importer accepts
func DefaultIncludePatterns() []string {
	return []string{"**/*.m4a", "**/*.wav", "**/*.mp3", "**/*.ogg", "**/*.aac", "**/*.flac", "**/*.md", "**/*.txt"}
}

// Store is the local record storage the importer writes captures to
type Store interface {
	GetRecord(ctx context.Context, entity model.Entity, id string) (*model.Record, error)
	Upsert(ctx context.Context, entity model.Entity, rec model.Record) (model.Record, error)
	Delete(ctx context.Context, entity model.Entity, id string) error
}

// Importer turns files into capture records. Audio captures keep a
// reference to the local file until their upload completes.
type Importer struct {
	store    Store
	onChange func(entity model.Entity)
}

// NewImporter creates an importer. onChange is called after every local
// write and may be nil.
func NewImporter(store Store, onChange func(entity model.Entity)) *Importer {
	return &Importer{store: store, onChange: onChange}
}

// CaptureID returns the stable capture ID for an absolute file path
func CaptureID(absPath string) string {
	return uuid.NewSHA1(namespace, []byte(filepath.ToSlash(absPath))).String()
}

// KindOf returns the capture kind for a file name
func KindOf(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case audioExts[ext]:
		return model.KindAudio, nil
	case textExts[ext]:
		return model.KindText, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(path))
	}
}

// Import creates or updates the capture for path. It reports false when
// the file content is unchanged since the last import.
func (i *Importer) Import(ctx context.Context, path string) (*model.Record, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false, err
	}
	kind, err := KindOf(abs)
	if err != nil {
		return nil, false, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return nil, false, fmt.Errorf("%s is not a regular file", abs)
	}
	if info.Size() == 0 {
		return nil, false, model.ValidationError("import", 0, fmt.Errorf("%s is empty", abs))
	}

	id := CaptureID(abs)
	existing, err := i.store.GetRecord(ctx, model.EntityCaptures, id)
	if err != nil {
		return nil, false, err
	}

	var data map[string]any
	switch kind {
	case model.KindAudio:
		data, err = audioData(abs, info)
	default:
		data, err = textData(abs, info)
	}
	if err != nil {
		return nil, false, err
	}

	if existing != nil && !existing.Deleted &&
		existing.StringField(model.FieldContentHash) == data[model.FieldContentHash] {
		return existing, false, nil
	}

	rec, err := i.store.Upsert(ctx, model.EntityCaptures, model.Record{ID: id, Data: data})
	if err != nil {
		return nil, false, err
	}

	slog.Info("capture imported",
		"id", id,
		"kind", kind,
		"path", abs,
		"bytes", info.Size())
	i.changed()
	return &rec, true, nil
}

// Remove soft-deletes the capture for path. It reports false when there
// was nothing to delete.
func (i *Importer) Remove(ctx context.Context, path string) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}

	id := CaptureID(abs)
	existing, err := i.store.GetRecord(ctx, model.EntityCaptures, id)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.Deleted {
		return false, nil
	}
	// Uploaded audio lives on the server; the file is only a local copy
	if existing.StringField(model.FieldAudioObjectKey) != "" {
		return false, nil
	}

	if err := i.store.Delete(ctx, model.EntityCaptures, id); err != nil {
		return false, err
	}
	slog.Info("capture removed", "id", id, "path", abs)
	i.changed()
	return true, nil
}

// ImportAll imports every path, logging and skipping individual failures
func (i *Importer) ImportAll(ctx context.Context, paths []string) (int, error) {
	imported := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		_, changed, err := i.Import(ctx, path)
		if err != nil {
			slog.Warn("failed to import capture", "path", path, "error", err)
			continue
		}
		if changed {
			imported++
		}
	}
	return imported, nil
}

// Run consumes settled watcher events until ctx is done or events closes
func (i *Importer) Run(ctx context.Context, events <-chan watcher.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			i.handle(ctx, ev)
		}
	}
}

func (i *Importer) handle(ctx context.Context, ev watcher.Event) {
	var err error
	switch ev.Op {
	case watcher.OpWrite:
		_, _, err = i.Import(ctx, ev.AbsPath)
		if errors.Is(err, os.ErrNotExist) {
			// Gone again before it settled
			_, err = i.Remove(ctx, ev.AbsPath)
		}
	case watcher.OpRemove:
		_, err = i.Remove(ctx, ev.AbsPath)
	}
	if err != nil {
		slog.Warn("failed to handle inbox event",
			"path", ev.Path,
			"op", ev.Op.String(),
			"error", err)
	}
}

func (i *Importer) changed() {
	if i.onChange != nil {
		i.onChange(model.EntityCaptures)
	}
}

func audioData(abs string, info os.FileInfo) (map[string]any, error) {
	hash, _, err := HashFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", abs, err)
	}
	base := filepath.Base(abs)

	return map[string]any{
		model.FieldKind:        model.KindAudio,
		model.FieldTitle:       strings.TrimSuffix(base, filepath.Ext(base)),
		model.FieldAudioPath:   abs,
		model.FieldSourcePath:  abs,
		model.FieldContentHash: hash,
		model.FieldSizeBytes:   info.Size(),
		model.FieldCapturedAt:  info.ModTime().UnixMilli(),
	}, nil
}

func textData(abs string, info os.FileInfo) (map[string]any, error) {
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", abs, err)
	}
	note, err := parser.ParseNote(content, abs)
	if err != nil {
		return nil, model.ValidationError("import", 0, fmt.Errorf("%s: %w", abs, err))
	}

	capturedAt := info.ModTime()
	if !note.Captured.IsZero() {
		capturedAt = note.Captured
	}

	tags := make([]any, 0, len(note.Tags))
	for _, t := range note.Tags {
		tags = append(tags, t)
	}

	data := map[string]any{
		model.FieldKind:        model.KindText,
		model.FieldTitle:       note.Title,
		model.FieldBody:        note.Body,
		model.FieldTags:        tags,
		model.FieldSourcePath:  abs,
		model.FieldContentHash: HashBytes(content),
		model.FieldSizeBytes:   info.Size(),
		model.FieldCapturedAt:  capturedAt.UnixMilli(),
	}
	for k, v := range note.Extra {
		if _, taken := data[k]; !taken {
			data[k] = v
		}
	}
	return data, nil
}
