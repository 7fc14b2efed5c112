package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vonshlovens/capture-sync/internal/model"
)

const (
	DefaultTimeout = 30 * time.Second
	userAgent      = "capsync/1.0"
	maxErrorBody   = 4096
)

// Client talks to the sync server over HTTP. The bearer token is supplied
// per call.
type Client struct {
	baseURL string
	http    *http.Client
}

// Chunk is one piece of a capture binary
type Chunk struct {
	CaptureID string
	Index     int
	Data      []byte
	SHA256    string
}

// New creates a client for the server at baseURL
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// BaseURL returns the server base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Push sends one batch of local changes
func (c *Client) Push(ctx context.Context, token string, req *model.PushRequest) (*model.PushResponse, error) {
	var resp model.PushResponse
	if err := c.doJSON(ctx, "push", http.MethodPost, "/sync/push", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull requests one page of server changes
func (c *Client) Pull(ctx context.Context, token string, req *model.PullRequest) (*model.PullResponse, error) {
	var resp model.PullResponse
	if err := c.doJSON(ctx, "pull", http.MethodPost, "/sync/pull", token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadChunk uploads one chunk of a capture binary
func (c *Client) UploadChunk(ctx context.Context, token string, chunk Chunk) error {
	path := "/uploads/" + url.PathEscape(chunk.CaptureID) + "/chunks/" + strconv.Itoa(chunk.Index)

	req, err := c.newRequest(ctx, http.MethodPut, path, token, bytes.NewReader(chunk.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if chunk.SHA256 != "" {
		req.Header.Set(model.ChunkHashHeader, chunk.SHA256)
	}
	req.ContentLength = int64(len(chunk.Data))

	return c.do(req, "upload chunk", nil)
}

// CompleteUpload finalizes an upload and returns the remote object key
func (c *Client) CompleteUpload(ctx context.Context, token, captureID string, totalChunks int) (string, error) {
	var resp model.CompleteUploadResponse
	path := "/uploads/" + url.PathEscape(captureID) + "/complete"
	body := model.CompleteUploadRequest{TotalChunks: totalChunks}

	if err := c.doJSON(ctx, "complete upload", http.MethodPost, path, token, body, &resp); err != nil {
		return "", err
	}
	if resp.ObjectKey == "" {
		return "", model.ValidationError("complete upload", 0, errors.New("server returned no object key"))
	}
	return resp.ObjectKey, nil
}

// Health checks that the server answers its health endpoint
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", "", nil)
	if err != nil {
		return err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(req, "health", &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return model.ServerError("health", 0, fmt.Errorf("unexpected health status %q", resp.Status))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := c.newRequest(ctx, method, path, token, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		// Cancellation is not a connectivity problem
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return model.NetworkError(op, err)
	}
	defer resp.Body.Close()

	slog.Debug("sync request",
		"op", op,
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return model.ErrorFromStatus(op, resp.StatusCode, errorDetail(body))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.NetworkError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// errorDetail extracts a message from a problem+json or {"error": ...} body
func errorDetail(body []byte) string {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &problem); err == nil {
		switch {
		case problem.Detail != "":
			return problem.Detail
		case problem.Error != "":
			return problem.Error
		case problem.Title != "":
			return problem.Title
		}
	}
	return strings.TrimSpace(string(body))
}
