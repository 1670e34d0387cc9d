// Package persistence keeps a ledger of task loops in SQLite: which rank owned
// which indices and how many of them it got through. The ledger is what lets
// an operator audit a distributed run after the fact.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run ID is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// RankStatus is the state of one rank's share of a run.
type RankStatus string

const (
	StatusRunning   RankStatus = "running"
	StatusCompleted RankStatus = "completed"
	StatusFailed    RankStatus = "failed"
)

// Run describes one distributed task loop.
type Run struct {
	ID        string
	Label     string
	Total     int64 // global task count
	WorldSize int
	CreatedAt time.Time
}

// RankRun is the ledger entry of one rank within a run. The rank owns the
// half-open index range [First, Last).
type RankRun struct {
	RunID     string
	Rank      int
	Node      string
	First     int64
	Last      int64
	Executed  int64
	Status    RankStatus
	Error     string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Share returns the number of indices the rank owns.
func (r RankRun) Share() int64 { return r.Last - r.First }

// Store defines the ledger operations.
type Store interface {
	// Runs
	BeginRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]Run, error)

	// Ranks
	BeginRank(ctx context.Context, rr RankRun) error
	UpdateExecuted(ctx context.Context, runID string, rank int, executed int64) error
	FinishRank(ctx context.Context, runID string, rank int, executed int64, taskErr error) error
	ListRanks(ctx context.Context, runID string) ([]RankRun, error)

	// Audit
	Audit(ctx context.Context, runID string) (*AuditReport, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the ledger at dbPath, creating parent directories and
// the schema if needed. Several ranks may share one ledger file; writers wait
// on each other through the busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory ledger for testing. Each call gets its
// own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:ledger-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Foreign keys are enabled per connection through the DSN pragma.
	// One connection serializes the writers of this process.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
