package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/dreamteam/internal/metrics"
	"github.com/aristath/dreamteam/internal/scheduler"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ClaimRequest selects tasks for ClaimNext.
type ClaimRequest struct {
	Role string    // "" matches any role
	Max  int       // Upper bound on returned tasks
	Now  time.Time // Claim instant, used for started_at and the backoff gate
}

// Store defines the persistence interface for tasks and metrics snapshots.
// Implementations must make ClaimNext atomic across processes; every other
// write is a compare-and-swap on Task.Version.
type Store interface {
	scheduler.TaskLookup

	// Task operations
	CreateTasks(ctx context.Context, tasks []*scheduler.Task) error
	GetTask(ctx context.Context, id string) (*scheduler.Task, error)
	Dependents(ctx context.Context, id string) ([]string, error)
	UpdateTask(ctx context.Context, task *scheduler.Task) error
	ClaimNext(ctx context.Context, req ClaimRequest) ([]*scheduler.Task, error)
	CountByStatus(ctx context.Context, role string) (map[scheduler.TaskStatus]int, error)

	// Metrics snapshots
	SaveSnapshot(ctx context.Context, snap *metrics.Snapshot) error
	LatestSnapshot(ctx context.Context, role string) (*metrics.Snapshot, error)
	ListSnapshots(ctx context.Context, role string, since time.Time, limit int) ([]*metrics.Snapshot, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// SQLStore implements Store on database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a store for the named driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", "sqlite":
		if dsn == "" || dsn == ":memory:" {
			return NewMemoryStore(ctx)
		}
		return NewSQLiteStore(ctx, dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and
// busy timeout, and opens write transactions with BEGIN IMMEDIATE so claims
// serialize on the database write lock.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	return newSQLStore(ctx, db, sqliteDialect)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Every call
// gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLStore, error) {
	connStr := fmt.Sprintf("file:dreamteam-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_txlock=immediate", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	// A single connection keeps the shared-cache database alive and avoids
	// table-level lock errors between connections.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	return newSQLStore(ctx, db, sqliteDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	store := &SQLStore{db: db, dialect: d}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Driver returns the dialect name.
func (s *SQLStore) Driver() string {
	return s.dialect.name
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// exec, query and queryRow rebind placeholders for the dialect.
func (s *SQLStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// inTx runs fn in a transaction, committing on success.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
