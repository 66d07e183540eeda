// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for persisting replay runs and their
// output record streams.
type Repository interface {
	// Replay runs
	SaveRun(ctx context.Context, run *ReplayRun) error
	GetRun(ctx context.Context, runID string) (*ReplayRun, error)
	LatestRun(ctx context.Context) (*ReplayRun, error)

	// Evaluated records. seq is the record's position in the run.
	SaveRecord(ctx context.Context, runID string, seq int, rec *Record) error
	SaveRecords(ctx context.Context, runID string, firstSeq int, recs []Record) error
	GetRecord(ctx context.Context, runID string, txID int64) (*Record, error)

	// ListHistory returns the run's records in replay order.
	ListHistory(ctx context.Context, runID string) ([]Record, error)

	// Ad-hoc decisions
	SaveEvaluation(ctx context.Context, eval *Evaluation) error
	GetEvaluation(ctx context.Context, evalID string) (*Evaluation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific. PostgresDSN, when set, overrides the other fields.
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
