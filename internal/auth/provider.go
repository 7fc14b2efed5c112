package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vonshlovens/capture-sync/internal/model"
)

// StaticToken is a token provider with a fixed token
type StaticToken string

// BearerToken returns the token, or model.ErrNoToken when it is empty
func (s StaticToken) BearerToken(context.Context) (string, error) {
	if s == "" {
		return "", model.ErrNoToken
	}
	return string(s), nil
}

// FileToken reads the token from a file on every call so a rotated token
// is picked up without a restart
type FileToken struct {
	Path string
}

// BearerToken returns the trimmed file content
func (f FileToken) BearerToken(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", model.ErrNoToken
		}
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", model.ErrNoToken
	}
	return token, nil
}

// Provider supplies bearer tokens
type Provider interface {
	BearerToken(ctx context.Context) (string, error)
}

// NewProvider prefers an inline token over a token file
func NewProvider(token, tokenFile string) Provider {
	if token != "" || tokenFile == "" {
		return StaticToken(token)
	}
	return FileToken{Path: tokenFile}
}
