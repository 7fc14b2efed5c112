package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/vonshlovens/capture-sync/internal/db"
	"github.com/vonshlovens/capture-sync/internal/model"
)

const maxPushBodyBytes = 16 << 20

type healthOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

type pushInput struct {
	Body model.PushRequest
}

type pushOutput struct {
	Body model.PushResponse
}

type pullInput struct {
	Body model.PullRequest
}

type pullOutput struct {
	Body model.PullResponse
}

type completeInput struct {
	CaptureID string `path:"captureID" maxLength:"128"`
	Body      model.CompleteUploadRequest
}

type completeOutput struct {
	Body model.CompleteUploadResponse
}

func (s *Server) registerOperations(api huma.API) {
	authed := huma.Middlewares{s.humaAuth(api)}
	security := []map[string][]string{{"bearer": {}}}

	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Liveness and storage check",
		Tags:        []string{"health"},
	}, s.health)

	huma.Register(api, huma.Operation{
		OperationID:  "sync-push",
		Method:       http.MethodPost,
		Path:         "/sync/push",
		Summary:      "Push a batch of local changes",
		Tags:         []string{"sync"},
		Security:     security,
		MaxBodyBytes: maxPushBodyBytes,
		Middlewares:  authed,
	}, s.push)

	huma.Register(api, huma.Operation{
		OperationID: "sync-pull",
		Method:      http.MethodPost,
		Path:        "/sync/pull",
		Summary:     "Pull changes made by other devices",
		Tags:        []string{"sync"},
		Security:    security,
		Middlewares: authed,
	}, s.pull)

	huma.Register(api, huma.Operation{
		OperationID: "upload-complete",
		Method:      http.MethodPost,
		Path:        "/uploads/{captureID}/complete",
		Summary:     "Assemble uploaded chunks into an object",
		Tags:        []string{"uploads"},
		Security:    security,
		Middlewares: authed,
	}, s.complete)
}

func (s *Server) health(ctx context.Context, _ *struct{}) (*healthOutput, error) {
	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("health check failed", "error", err)
		return nil, huma.Error503ServiceUnavailable("storage unavailable")
	}
	out := &healthOutput{}
	out.Body.Status = "ok"
	return out, nil
}

func (s *Server) push(ctx context.Context, input *pushInput) (*pushOutput, error) {
	device, ok := DeviceFromContext(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("Unauthorized")
	}

	resp, err := s.service.Push(ctx, device, &input.Body)
	if err != nil {
		return nil, httpError("push", err)
	}
	return &pushOutput{Body: *resp}, nil
}

func (s *Server) pull(ctx context.Context, input *pullInput) (*pullOutput, error) {
	device, ok := DeviceFromContext(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized("Unauthorized")
	}

	resp, err := s.service.Pull(ctx, device, &input.Body)
	if err != nil {
		return nil, httpError("pull", err)
	}
	return &pullOutput{Body: *resp}, nil
}

func (s *Server) complete(ctx context.Context, input *completeInput) (*completeOutput, error) {
	obj, err := s.service.CompleteUpload(ctx, input.CaptureID, input.Body.TotalChunks)
	if err != nil {
		return nil, httpError("complete upload", err)
	}
	return &completeOutput{Body: model.CompleteUploadResponse{ObjectKey: obj.Key, Size: obj.Size}}, nil
}

// handleChunk stores one raw chunk body. It lives outside huma so the body
// is read as bytes rather than decoded.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	captureID := chi.URLParam(r, "captureID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeProblem(w, http.StatusUnprocessableEntity, "chunk index must be a non-negative integer")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxChunkBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "chunk exceeds maximum size")
			return
		}
		writeProblem(w, http.StatusBadRequest, "failed to read chunk body")
		return
	}

	if want := r.Header.Get(model.ChunkHashHeader); want != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != want {
			writeProblem(w, http.StatusUnprocessableEntity, "chunk checksum mismatch")
			return
		}
	}

	if err := s.service.PutChunk(r.Context(), captureID, index, data); err != nil {
		if errors.Is(err, ErrBadRequest) {
			writeProblem(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		slog.Error("failed to store chunk", "capture_id", captureID, "index", index, "error", err)
		writeProblem(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// httpError maps service errors onto problem responses
func httpError(op string, err error) error {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, db.ErrIncompleteUpload):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error503ServiceUnavailable("request cancelled")
	default:
		slog.Error("request failed", "op", op, "error", err)
		return huma.Error500InternalServerError("internal error")
	}
}
