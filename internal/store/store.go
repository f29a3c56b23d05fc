// Package store implements the Job Store (spec.md §4.1): a durable
// key->job mapping with partial updates and an append-only log,
// backed by sqlite the same way the teacher's internal/store backs
// its queue_items table — WAL journal, busy_timeout pragma, and
// golang-migrate-driven schema migrations embedded via go:embed.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/dubcastio/dubcast/internal/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Filter is an optional predicate for ListJobs.
type Filter struct {
	Status domain.Status
}

// Store is the Job Store contract from spec.md §4.1.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	UpdateProgress(ctx context.Context, id string, progress domain.Progress) error
	UpdateStatus(ctx context.Context, id string, status domain.Status, jobErr *domain.JobError) error
	SetOutputFile(ctx context.Context, id string, outputFile string) error
	AppendLog(ctx context.Context, id string, entry domain.LogEntry) error
	List(ctx context.Context, filter Filter, limit, offset int) ([]*domain.Job, bool, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// SQLiteStore is the persistent Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (creating if necessary) a sqlite-backed Job Store at
// dbPath and runs pending migrations.
func New(dbPath string) (*SQLiteStore, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.runMigrations(); err != nil {
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	d, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
