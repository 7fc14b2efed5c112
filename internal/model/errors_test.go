package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusBadRequest, KindValidation, false},
		{http.StatusUnprocessableEntity, KindValidation, false},
		{http.StatusNotFound, KindValidation, false},
		{http.StatusRequestTimeout, KindServer, true},
		{http.StatusTooManyRequests, KindServer, true},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusBadGateway, KindServer, true},
		{http.StatusServiceUnavailable, KindServer, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := ErrorFromStatus("push", tt.status, "")
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.status, err.StatusCode)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", NetworkError("pull", errors.New("connection refused")), true},
		{"wrapped network", fmt.Errorf("failed to push: %w", NetworkError("push", errors.New("reset"))), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"no token", ErrNoToken, false},
		{"auth with no token", AuthError("token", 0, ErrNoToken), false},
		{"storage", StorageError("clear dirty", errors.New("disk full")), false},
		{"conflict application", ConflictApplicationError("apply", errors.New("x")), false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	inner := errors.New("bad gateway")
	err := ServerError("push", 502, inner)

	assert.Equal(t, "push: server error (status 502): bad gateway", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.True(t, IsKind(fmt.Errorf("wrap: %w", err), KindServer))
	assert.Equal(t, ErrorKind(""), KindOf(inner))
}

func TestUploadTaskChunks(t *testing.T) {
	task := &UploadTask{TotalBytes: 10*1024 + 1, ChunkSize: 1024, LastChunkUploaded: -1}
	assert.Equal(t, 11, task.TotalChunks())
	assert.Equal(t, 0, task.NextChunk())

	task.LastChunkUploaded = 2
	assert.Equal(t, 3, task.NextChunk())

	empty := &UploadTask{ChunkSize: 1024}
	assert.Equal(t, 0, empty.TotalChunks())
}

func TestRecordNeedsUpload(t *testing.T) {
	r := Record{ID: "a", Data: map[string]any{FieldKind: KindAudio, FieldAudioPath: "/tmp/a.m4a"}}
	assert.True(t, r.NeedsUpload())

	r.Data[FieldAudioObjectKey] = "captures/a"
	assert.False(t, r.NeedsUpload())

	text := Record{ID: "b", Data: map[string]any{FieldKind: KindText}}
	assert.False(t, text.NeedsUpload())
}
