package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/vonshlovens/capture-sync/internal/auth"
	"github.com/vonshlovens/capture-sync/internal/config"
	"github.com/vonshlovens/capture-sync/internal/db"
	"github.com/vonshlovens/capture-sync/internal/metrics"
	"github.com/vonshlovens/capture-sync/internal/model"
	"github.com/vonshlovens/capture-sync/internal/server"
	"github.com/vonshlovens/capture-sync/internal/store"
)

// openServerStore returns the configured server store and a close func
func openServerStore(ctx context.Context, cfg *config.Config, migrate bool) (server.Store, func(), error) {
	if cfg.Server.Storage != "postgres" {
		return server.NewMemoryStore(), func() {}, nil
	}

	database, err := db.New(ctx, &cfg.Server.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if migrate {
		if err := database.RunMigrations(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
	}
	return database, database.Close, nil
}

func serveCmd() *cobra.Command {
	var listen string
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long:  `Serves the push, pull and chunked upload API. State is kept in memory or in Postgres.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interrupted()
			defer stop()

			cfg := appConfig
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is not configured (set CAPSYNC_SERVER_JWT_SECRET)")
			}

			st, closeStore, err := openServerStore(ctx, cfg, migrate)
			if err != nil {
				return err
			}
			defer closeStore()

			m := metrics.New()
			svc, err := server.NewService(ctx, st, model.Resolution(cfg.Server.ConflictPolicy), m)
			if err != nil {
				return err
			}

			srv, err := server.New(svc, st, m, server.Options{
				Listen:        cfg.Server.Listen,
				JWTSecret:     cfg.Server.JWTSecret,
				RateLimit:     cfg.Server.RateLimit,
				RateBurst:     cfg.Server.RateBurst,
				MaxChunkBytes: int64(cfg.Server.MaxChunkMB) << 20,
			})
			if err != nil {
				return err
			}

			if cfg.Server.Storage != "postgres" {
				fmt.Println("Using in-memory storage; all data is lost on exit.")
			}
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending Postgres migrations on start")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Applies pending migrations to the local store and, when server storage is postgres, to the server database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg := appConfig

			st, err := store.Open(ctx, cfg.DatabasePath())
			if err != nil {
				return fmt.Errorf("failed to open local store: %w", err)
			}
			version, err := st.MigrationVersion(ctx)
			st.Close()
			if err != nil {
				return err
			}
			fmt.Printf("Local store %s at version %d\n", cfg.DatabasePath(), version)

			if cfg.Server.Storage != "postgres" {
				return nil
			}

			database, err := db.New(ctx, &cfg.Server.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			if err := database.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			version, err = database.MigrationVersion(ctx)
			if err != nil {
				return err
			}
			stats, err := database.Stats(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Server schema %s at version %d\n", database.Schema, version)
			for _, entity := range model.Entities() {
				fmt.Printf("  %s: %d records\n", entity, stats.Records[entity])
			}
			fmt.Printf("  tombstones: %d, objects: %d, queued conflicts: %d\n",
				stats.Tombstones, stats.Objects, stats.Conflicts)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var deviceName, out string
	var expiry time.Duration

	cmd := &cobra.Command{
		Use:   "token <device>",
		Short: "Issue a device token signed with the server secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := config.SanitizeIdentifier(args[0])
			token, err := auth.GenerateToken(deviceID, deviceName, appConfig.Server.JWTSecret, expiry)
			if err != nil {
				return err
			}

			if out == "" {
				fmt.Println(token)
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(token+"\n"), 0600); err != nil {
				return fmt.Errorf("failed to write token file: %w", err)
			}
			fmt.Printf("Token for device %q written to %s\n", deviceID, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceName, "name", "", "human readable device name")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the token to this file instead of stdout")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "token lifetime (0 = never expires)")
	return cmd
}
