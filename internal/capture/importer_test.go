package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/capture-sync/internal/model"
	"github.com/vonshlovens/capture-sync/internal/store"
	"github.com/vonshlovens/capture-sync/internal/watcher"
)

func newImporter(t *testing.T) (*Importer, *store.Store, *[]model.Entity) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "capsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var changes []model.Entity
	imp := NewImporter(st, func(e model.Entity) { changes = append(changes, e) })
	return imp, st, &changes
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		path string
		kind string
		ok   bool
	}{
		{"memo.m4a", model.KindAudio, true},
		{"MEMO.WAV", model.KindAudio, true},
		{"idea.md", model.KindText, true},
		{"list.txt", model.KindText, true},
		{"photo.jpg", "", false},
	}

	for _, tt := range tests {
		kind, err := KindOf(tt.path)
		if tt.ok {
			assert.NoError(t, err, tt.path)
		} else {
			assert.ErrorIs(t, err, ErrUnsupported, tt.path)
		}
		assert.Equal(t, tt.kind, kind, tt.path)
	}
}

func TestCaptureIDIsStable(t *testing.T) {
	assert.Equal(t, CaptureID("/inbox/a.m4a"), CaptureID("/inbox/a.m4a"))
	assert.NotEqual(t, CaptureID("/inbox/a.m4a"), CaptureID("/inbox/b.m4a"))
}

func TestImportAudio(t *testing.T) {
	ctx := context.Background()
	imp, st, changes := newImporter(t)
	path := writeFile(t, t.TempDir(), "standup.m4a", "fake audio bytes")

	rec, changed, err := imp.Import(ctx, path)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []model.Entity{model.EntityCaptures}, *changes)

	assert.Equal(t, CaptureID(path), rec.ID)
	assert.Equal(t, model.KindAudio, rec.StringField(model.FieldKind))
	assert.Equal(t, "standup", rec.StringField(model.FieldTitle))
	assert.Equal(t, path, rec.StringField(model.FieldAudioPath))
	assert.Equal(t, HashBytes([]byte("fake audio bytes")), rec.StringField(model.FieldContentHash))
	assert.True(t, rec.Dirty)
	assert.True(t, rec.NeedsUpload())

	stored, err := st.GetRecord(ctx, model.EntityCaptures, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, rec.Version, stored.Version)
}

func TestImportUnchangedIsNoop(t *testing.T) {
	ctx := context.Background()
	imp, _, changes := newImporter(t)
	path := writeFile(t, t.TempDir(), "idea.md", "# Idea\nship it #work")

	first, changed, err := imp.Import(ctx, path)
	require.NoError(t, err)
	require.True(t, changed)

	again, changed, err := imp.Import(ctx, path)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.Version, again.Version)
	assert.Len(t, *changes, 1)

	require.NoError(t, os.WriteFile(path, []byte("# Idea\nship it tomorrow"), 0644))
	updated, changed, err := imp.Import(ctx, path)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, first.ID, updated.ID)
	assert.Greater(t, updated.Version, first.Version)
}

func TestImportText(t *testing.T) {
	ctx := context.Background()
	imp, _, _ := newImporter(t)
	path := writeFile(t, t.TempDir(), "n.md", "---\ntitle: Standup\ntags: [team]\nproject: apollo\n---\nnotes #release\n")

	rec, _, err := imp.Import(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, model.KindText, rec.StringField(model.FieldKind))
	assert.Equal(t, "Standup", rec.StringField(model.FieldTitle))
	assert.Equal(t, "notes #release", rec.StringField(model.FieldBody))
	assert.Equal(t, []any{"team", "release"}, rec.Data[model.FieldTags])
	assert.Equal(t, "apollo", rec.StringField("project"))
	assert.False(t, rec.NeedsUpload())
}

func TestImportRejects(t *testing.T) {
	ctx := context.Background()
	imp, _, changes := newImporter(t)
	dir := t.TempDir()

	_, _, err := imp.Import(ctx, writeFile(t, dir, "empty.m4a", ""))
	assert.True(t, model.IsKind(err, model.KindValidation))

	_, _, err = imp.Import(ctx, writeFile(t, dir, "photo.jpg", "jpeg"))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, _, err = imp.Import(ctx, writeFile(t, dir, "bin.txt", "\xff\xfe"))
	assert.True(t, model.IsKind(err, model.KindValidation))

	_, _, err = imp.Import(ctx, filepath.Join(dir, "missing.md"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Empty(t, *changes)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	imp, st, _ := newImporter(t)
	path := writeFile(t, t.TempDir(), "idea.md", "hello")

	rec, _, err := imp.Import(ctx, path)
	require.NoError(t, err)

	removed, err := imp.Remove(ctx, path)
	require.NoError(t, err)
	assert.True(t, removed)

	stored, err := st.GetRecord(ctx, model.EntityCaptures, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)
	assert.True(t, stored.Dirty)

	removed, err = imp.Remove(ctx, path)
	require.NoError(t, err)
	assert.False(t, removed)

	// Re-creating the file revives the capture
	rec, changed, err := imp.Import(ctx, path)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, rec.Deleted)
}

func TestRemoveKeepsUploadedAudio(t *testing.T) {
	ctx := context.Background()
	imp, st, _ := newImporter(t)
	path := writeFile(t, t.TempDir(), "memo.m4a", "audio")

	rec, _, err := imp.Import(ctx, path)
	require.NoError(t, err)
	require.NoError(t, st.AttachObject(ctx, rec.ID, "captures/"+rec.ID))

	removed, err := imp.Remove(ctx, path)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestImportAllSkipsFailures(t *testing.T) {
	ctx := context.Background()
	imp, _, _ := newImporter(t)
	dir := t.TempDir()

	paths := []string{
		writeFile(t, dir, "a.md", "one"),
		writeFile(t, dir, "b.m4a", ""),
		writeFile(t, dir, "c.m4a", "audio"),
	}

	n, err := imp.ImportAll(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunHandlesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	imp, st, _ := newImporter(t)
	path := writeFile(t, t.TempDir(), "idea.md", "hello")

	events := make(chan watcher.Event, 2)
	events <- watcher.Event{Path: "idea.md", AbsPath: path, Op: watcher.OpWrite}

	done := make(chan struct{})
	go func() {
		imp.Run(ctx, events)
		close(done)
	}()

	require.Eventually(t, func() bool {
		rec, err := st.GetRecord(ctx, model.EntityCaptures, CaptureID(path))
		return err == nil && rec != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	events <- watcher.Event{Path: "idea.md", AbsPath: path, Op: watcher.OpRemove}
	close(events)
	<-done

	rec, err := st.GetRecord(ctx, model.EntityCaptures, CaptureID(path))
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
}
