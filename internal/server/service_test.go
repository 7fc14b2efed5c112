package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/capture-sync/internal/db"
	"github.com/vonshlovens/capture-sync/internal/model"
)

func newTestService(t *testing.T, policy model.Resolution) (*Service, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	svc, err := NewService(context.Background(), st, policy, nil)
	require.NoError(t, err)
	return svc, st
}

func pushTodos(t *testing.T, svc *Service, device string, lastPulledAt int64, records ...model.Record) *model.PushResponse {
	t.Helper()
	resp, err := svc.Push(context.Background(), device, &model.PushRequest{
		LastPulledAt: lastPulledAt,
		Changes:      map[model.Entity]model.ChangeSet{model.EntityTodos: {Updated: records}},
	})
	require.NoError(t, err)
	return resp
}

func todo(id, title string) model.Record {
	return model.Record{ID: id, Data: map[string]any{"title": title}}
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	c := NewClock(0)
	fixed := time.UnixMilli(1000)
	c.now = func() time.Time { return fixed }

	assert.Equal(t, int64(1000), c.Next())
	assert.Equal(t, int64(1001), c.Next())
	assert.Equal(t, int64(1002), c.Next())
	assert.Equal(t, int64(1002), c.Current())

	seeded := NewClock(5000)
	seeded.now = func() time.Time { return fixed }
	assert.Equal(t, int64(5001), seeded.Next())
}

func TestNewServiceRejectsUnknownPolicy(t *testing.T) {
	_, err := NewService(context.Background(), NewMemoryStore(), "newest_wins", nil)
	assert.Error(t, err)
}

func TestPullExcludesOwnWrites(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, model.ServerWins)

	pushTodos(t, svc, "device-a", 0, todo("t1", "milk"))

	own, err := svc.Pull(ctx, "device-a", &model.PullRequest{})
	require.NoError(t, err)
	assert.Empty(t, own.Changes)

	other, err := svc.Pull(ctx, "device-b", &model.PullRequest{})
	require.NoError(t, err)
	updated := other.Changes[model.EntityTodos].Updated
	require.Len(t, updated, 1)
	assert.Equal(t, "milk", updated[0].StringField("title"))
	assert.GreaterOrEqual(t, other.Timestamp, updated[0].UpdatedAt)
}

func TestPushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, model.ServerWins)

	pushTodos(t, svc, "device-a", 0, todo("t1", "milk"))
	first, err := st.GetRecord(ctx, model.EntityTodos, "t1")
	require.NoError(t, err)

	pushTodos(t, svc, "device-a", 0, todo("t1", "milk"))
	second, err := st.GetRecord(ctx, model.EntityTodos, "t1")
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	// Deleting twice or deleting an unknown record is a no-op
	for i := 0; i < 2; i++ {
		_, err := svc.Push(ctx, "device-a", &model.PushRequest{
			Changes: map[model.Entity]model.ChangeSet{model.EntityTodos: {Deleted: []model.Record{{ID: "t1"}, {ID: "never-existed"}}}},
		})
		require.NoError(t, err)
	}
	gone, err := st.GetRecord(ctx, model.EntityTodos, "t1")
	require.NoError(t, err)
	assert.True(t, gone.Deleted)
	assert.Equal(t, "milk", gone.Data["title"])

	missing, err := st.GetRecord(ctx, model.EntityTodos, "never-existed")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestServerWinsConflict(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, model.ServerWins)

	pushTodos(t, svc, "device-a", 0, todo("t1", "milk"))
	pulled, err := svc.Pull(ctx, "device-b", &model.PullRequest{})
	require.NoError(t, err)
	watermarkB := pulled.Timestamp

	// Device a edits again after b pulled
	pushTodos(t, svc, "device-a", 0, todo("t1", "oat milk"))

	// b edits based on the stale copy
	resp := pushTodos(t, svc, "device-b", watermarkB, todo("t1", "soy milk"))
	assert.True(t, resp.Accepted)
	assert.Equal(t, 1, resp.Conflicts)

	row, err := st.GetRecord(ctx, model.EntityTodos, "t1")
	require.NoError(t, err)
	assert.Equal(t, "oat milk", row.Data["title"])
	assert.Equal(t, "device-a", row.DeviceID)

	next, err := svc.Pull(ctx, "device-b", &model.PullRequest{LastPulledAt: watermarkB})
	require.NoError(t, err)
	require.Len(t, next.Conflicts, 1)
	c := next.Conflicts[0]
	assert.Equal(t, model.ServerWins, c.Resolution)
	require.NotNil(t, c.ServerVersion)
	assert.Equal(t, "oat milk", c.ServerVersion.StringField("title"))
	require.NotNil(t, c.ClientVersion)
	assert.Equal(t, "soy milk", c.ClientVersion.StringField("title"))

	// Conflicts are delivered once
	again, err := svc.Pull(ctx, "device-b", &model.PullRequest{LastPulledAt: next.Timestamp})
	require.NoError(t, err)
	assert.Empty(t, again.Conflicts)
}

func TestServerWinsConflictOnDeletedRecord(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, model.ServerWins)

	pushTodos(t, svc, "device-a", 0, todo("t1", "milk"))
	_, err := svc.Push(ctx, "device-a", &model.PushRequest{
		Changes: map[model.Entity]model.ChangeSet{model.EntityTodos: {Deleted: []model.Record{{ID: "t1", Deleted: true}}}},
	})
	require.NoError(t, err)

	pushTodos(t, svc, "device-b", 0, todo("t1", "soy milk"))

	resp, err := svc.Pull(ctx, "device-b", &model.PullRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Conflicts, 1)
	assert.Nil(t, resp.Conflicts[0].ServerVersion)
	assert.Equal(t, []string{"t1"}, resp.Changes[model.EntityTodos].Deleted)
}

func TestClientWinsConflictAppliesWrite(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, model.ClientWins)

	pushTodos(t, svc, "device-a", 0, todo("t1", "milk"))
	resp := pushTodos(t, svc, "device-b", 0, todo("t1", "soy milk"))
	assert.Equal(t, 1, resp.Conflicts)

	row, err := st.GetRecord(ctx, model.EntityTodos, "t1")
	require.NoError(t, err)
	assert.Equal(t, "soy milk", row.Data["title"])

	pulled, err := svc.Pull(ctx, "device-b", &model.PullRequest{})
	require.NoError(t, err)
	require.Len(t, pulled.Conflicts, 1)
	assert.Equal(t, model.ClientWins, pulled.Conflicts[0].Resolution)
}

func TestPullPagination(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, model.ServerWins)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		pushTodos(t, svc, "device-a", 0, todo(id, id))
	}

	var ids []string
	since := int64(0)
	pages := 0
	for {
		resp, err := svc.Pull(ctx, "device-b", &model.PullRequest{LastPulledAt: since, Limit: 2})
		require.NoError(t, err)
		pages++
		for _, r := range resp.Changes[model.EntityTodos].Updated {
			ids = append(ids, r.ID)
		}
		require.Greater(t, resp.Timestamp, since)
		since = resp.Timestamp
		if !resp.HasMore {
			break
		}
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
}

func TestPullFiltersEntities(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, model.ServerWins)

	_, err := svc.Push(ctx, "device-a", &model.PushRequest{Changes: map[model.Entity]model.ChangeSet{
		model.EntityTodos:    {Created: []model.Record{todo("t1", "milk")}},
		model.EntityCaptures: {Created: []model.Record{{ID: "c1", Data: map[string]any{"kind": "text"}}}},
	}})
	require.NoError(t, err)

	resp, err := svc.Pull(ctx, "device-b", &model.PullRequest{Entities: []model.Entity{model.EntityCaptures}})
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 1)
	assert.Len(t, resp.Changes[model.EntityCaptures].Updated, 1)
}

func TestPushRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, model.ServerWins)

	tests := []struct {
		name    string
		changes map[model.Entity]model.ChangeSet
	}{
		{"unknown entity", map[model.Entity]model.ChangeSet{"notes": {Created: []model.Record{todo("x", "y")}}}},
		{"missing id", map[model.Entity]model.ChangeSet{model.EntityTodos: {Created: []model.Record{{}}}}},
		{"empty deletion", map[model.Entity]model.ChangeSet{model.EntityTodos: {Deleted: []model.Record{{ID: ""}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Push(ctx, "device-a", &model.PushRequest{Changes: tt.changes})
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}
}

func TestMemoryStoreCompleteUpload(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	_, err := st.CompleteUpload(ctx, "cap-1", 2)
	assert.ErrorIs(t, err, db.ErrIncompleteUpload)

	require.NoError(t, st.PutChunk(ctx, "cap-1", 1, []byte("world")))
	_, err = st.CompleteUpload(ctx, "cap-1", 2)
	assert.ErrorIs(t, err, db.ErrIncompleteUpload)

	require.NoError(t, st.PutChunk(ctx, "cap-1", 0, []byte("hello ")))
	obj, err := st.CompleteUpload(ctx, "cap-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "captures/cap-1", obj.Key)
	assert.Equal(t, int64(11), obj.Size)

	data, ok := st.Object(obj.Key)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))

	// Completing again returns the assembled object
	again, err := st.CompleteUpload(ctx, "cap-1", 2)
	require.NoError(t, err)
	assert.Equal(t, obj.SHA256, again.SHA256)
}
