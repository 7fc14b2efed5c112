package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/capture-sync/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the local SQLite change store
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the database at path and runs migrations
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer keeps SQLite free of SQLITE_BUSY under concurrent goroutines
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("opened local store", "path", path)
	return s, nil
}

// Migrate applies all pending embedded migrations
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the current schema version
func (s *Store) MigrationVersion(ctx context.Context) (int64, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("failed to set dialect: %w", err)
	}
	return goose.GetDBVersionContext(ctx, s.db)
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// EntityCounts summarizes local records for one entity
type EntityCounts struct {
	Total   int
	Dirty   int
	Deleted int
}

// Counts returns per-entity record counts
func (s *Store) Counts(ctx context.Context) (map[model.Entity]EntityCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity, COUNT(*), COALESCE(SUM(dirty), 0), COALESCE(SUM(deleted), 0)
		FROM records GROUP BY entity
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Entity]EntityCounts)
	for rows.Next() {
		var entity string
		var c EntityCounts
		if err := rows.Scan(&entity, &c.Total, &c.Dirty, &c.Deleted); err != nil {
			return nil, err
		}
		counts[model.Entity(entity)] = c
	}
	return counts, rows.Err()
}
