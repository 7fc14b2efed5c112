package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/capture-sync/internal/config"
	"github.com/vonshlovens/capture-sync/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the Postgres store behind the sync server
type DB struct {
	Pool   *pgxpool.Pool
	config *config.DatabaseConfig
	Schema string
}

// New creates a connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"database", cfg.Database,
		"schema", cfg.Schema)

	return &DB{
		Pool:   pool,
		config: cfg,
		Schema: cfg.Schema,
	}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("database connection closed")
	}
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if db.Schema == "" {
		return nil
	}

	_, err := db.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", db.Schema, err)
	}
	return nil
}

// withGoose runs fn against a database/sql handle with goose configured for
// this schema's embedded migrations
func (db *DB) withGoose(fn func(*sql.DB) error) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if db.Schema != "" {
		goose.SetTableName(db.Schema + ".goose_db_version")
	}

	stdDB, err := sql.Open("pgx", db.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open stdlib connection: %w", err)
	}
	defer stdDB.Close()

	return fn(stdDB)
}

// RunMigrations applies all pending migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	err := db.withGoose(func(stdDB *sql.DB) error {
		return goose.UpContext(ctx, stdDB, "migrations")
	})
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("server migrations completed", "schema", db.Schema)
	return nil
}

// MigrationVersion returns the applied schema version
func (db *DB) MigrationVersion(ctx context.Context) (int64, error) {
	var version int64
	err := db.withGoose(func(stdDB *sql.DB) error {
		v, err := goose.GetDBVersionContext(ctx, stdDB)
		version = v
		return err
	})
	return version, err
}

// Stats counts stored records, objects and queued conflicts
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Records: make(map[model.Entity]int)}

	rows, err := db.Pool.Query(ctx, `
		SELECT entity, COUNT(*) FILTER (WHERE NOT deleted), COUNT(*) FILTER (WHERE deleted)
		FROM sync_records GROUP BY entity
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entity string
		var live, dead int
		if err := rows.Scan(&entity, &live, &dead); err != nil {
			return nil, err
		}
		stats.Records[model.Entity(entity)] = live
		stats.Tombstones += dead
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM objects").Scan(&stats.Objects); err != nil {
		return nil, fmt.Errorf("failed to count objects: %w", err)
	}
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM sync_conflicts").Scan(&stats.Conflicts); err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return stats, nil
}
