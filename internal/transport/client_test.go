package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/capture-sync/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, 5*time.Second)
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", 0)
	assert.Error(t, err)

	_, err = New("://nope", 0)
	assert.Error(t, err)
}

func TestPushSendsBearerAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync/push", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req model.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(7), req.LastPulledAt)
		assert.Len(t, req.Changes[model.EntityTodos].Created, 1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(model.PushResponse{Accepted: true, Timestamp: 99})
	})

	resp, err := c.Push(context.Background(), "secret", &model.PushRequest{
		LastPulledAt: 7,
		Changes: map[model.Entity]model.ChangeSet{
			model.EntityTodos: {Created: []model.Record{{ID: "a", Data: map[string]any{"x": 1}}}},
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(99), resp.Timestamp)
}

func TestPullDecodesResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/pull", r.URL.Path)
		io.WriteString(w, `{
			"timestamp": 500,
			"hasMore": true,
			"changes": {"captures": {"updated": [{"id": "c1", "data": {"title": "hi"}, "updatedAt": 400}], "deleted": ["c2"]}},
			"conflicts": [{"entity": "captures", "recordId": "c3", "resolution": "server_wins", "serverVersion": null}]
		}`)
	})

	resp, err := c.Pull(context.Background(), "t", &model.PullRequest{LastPulledAt: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(500), resp.Timestamp)
	assert.True(t, resp.HasMore)

	changes := resp.Changes[model.EntityCaptures]
	require.Len(t, changes.Updated, 1)
	assert.Equal(t, "hi", changes.Updated[0].StringField("title"))
	assert.Equal(t, []string{"c2"}, changes.Deleted)

	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, model.ServerWins, resp.Conflicts[0].Resolution)
	assert.Nil(t, resp.Conflicts[0].ServerVersion)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		kind      model.ErrorKind
		retryable bool
		detail    string
	}{
		{http.StatusUnauthorized, `{"title":"Unauthorized","detail":"token expired"}`, model.KindAuth, false, "token expired"},
		{http.StatusForbidden, `{"error":"forbidden"}`, model.KindAuth, false, "forbidden"},
		{http.StatusUnprocessableEntity, `{"detail":"validation failed"}`, model.KindValidation, false, "validation failed"},
		{http.StatusTooManyRequests, `rate limited`, model.KindServer, true, "rate limited"},
		{http.StatusServiceUnavailable, ``, model.KindServer, true, ""},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := c.Push(context.Background(), "t", &model.PushRequest{})
			require.Error(t, err)
			assert.Equal(t, tt.kind, model.KindOf(err))
			assert.Equal(t, tt.retryable, model.IsRetryable(err))
			if tt.detail != "" {
				assert.Contains(t, err.Error(), tt.detail)
			}
		})
	}
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(url, time.Second)
	require.NoError(t, err)

	_, err = c.Pull(context.Background(), "t", &model.PullRequest{})
	require.Error(t, err)
	assert.Equal(t, model.KindNetwork, model.KindOf(err))
	assert.True(t, model.IsRetryable(err))
}

func TestCancelledRequestIsNotRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Pull(ctx, "t", &model.PullRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, model.IsRetryable(err))
}

func TestUploadChunkAndComplete(t *testing.T) {
	var got []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/uploads/cap-1/chunks/3":
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "abc123", r.Header.Get(model.ChunkHashHeader))
			got, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
		case "/uploads/cap-1/complete":
			var req model.CompleteUploadRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 10, req.TotalChunks)
			json.NewEncoder(w).Encode(model.CompleteUploadResponse{ObjectKey: "captures/cap-1"})
		default:
			http.NotFound(w, r)
		}
	})

	err := c.UploadChunk(context.Background(), "t", Chunk{CaptureID: "cap-1", Index: 3, Data: []byte("hello"), SHA256: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	key, err := c.CompleteUpload(context.Background(), "t", "cap-1", 10)
	require.NoError(t, err)
	assert.Equal(t, "captures/cap-1", key)
}

func TestHealth(t *testing.T) {
	ok := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		io.WriteString(w, `{"status":"ok"}`)
	})
	assert.NoError(t, ok.Health(context.Background()))

	portal := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>login</html>`)
	})
	assert.Error(t, portal.Health(context.Background()))
}
