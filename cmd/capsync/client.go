package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vonshlovens/capture-sync/internal/auth"
	"github.com/vonshlovens/capture-sync/internal/config"
	"github.com/vonshlovens/capture-sync/internal/metrics"
	"github.com/vonshlovens/capture-sync/internal/store"
	syncer "github.com/vonshlovens/capture-sync/internal/sync"
	"github.com/vonshlovens/capture-sync/internal/transport"
	"github.com/vonshlovens/capture-sync/internal/upload"
)

// client bundles the local store with the sync and upload services
type client struct {
	cfg       *config.Config
	store     *store.Store
	transport *transport.Client
	tokens    auth.Provider
	sync      *syncer.Service
	uploads   *upload.Orchestrator
}

func retryPolicy(cfg *config.Config) syncer.RetryPolicy {
	return syncer.RetryPolicy{
		Base:        time.Duration(cfg.Sync.RetryBaseMs) * time.Millisecond,
		MaxAttempts: cfg.Sync.RetryAttempts,
	}
}

// openClient opens the local store and wires the sync stack. m may be nil.
func openClient(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*client, error) {
	if err := cfg.RequireClient(); err != nil {
		return nil, err
	}

	tr, err := transport.New(cfg.ServerURL, time.Duration(cfg.Sync.RequestTimeout)*time.Second)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	tokens := auth.NewProvider(cfg.Token, cfg.TokenFile)

	uploader := upload.NewChunkedUploader(tr, tokens, st, m)
	uploads := upload.NewOrchestrator(st, uploader, m, upload.Config{
		ChunkSize:    int64(cfg.Upload.ChunkSizeKB) * 1024,
		Workers:      cfg.Upload.Workers,
		PollInterval: time.Duration(cfg.Upload.PollIntervalSec) * time.Second,
		Retry:        retryPolicy(cfg),
	})

	svc := syncer.NewService(st, tr, tokens, uploads, m, syncer.ServiceConfig{
		BatchSize: cfg.Sync.BatchSize,
		PullLimit: cfg.Sync.PullLimit,
		Retry:     retryPolicy(cfg),
	})

	return &client{
		cfg:       cfg,
		store:     st,
		transport: tr,
		tokens:    tokens,
		sync:      svc,
		uploads:   uploads,
	}, nil
}

func (c *client) Close() {
	c.uploads.Stop()
	if err := c.store.Close(); err != nil {
		fmt.Printf("failed to close local store: %v\n", err)
	}
}
