// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun inserts a replay run or updates its status and counters.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.ReplayRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}

	var finished sql.NullTime
	if !run.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: run.FinishedAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO replay_runs (
			id, source, status, started_at, finished_at,
			total, approved, denied, rejected, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			total = excluded.total,
			approved = excluded.approved,
			denied = excluded.denied,
			rejected = excluded.rejected,
			error = excluded.error
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.Source, run.Status, run.StartedAt.UTC(), finished,
		run.Total, run.Approved, run.Denied, run.Rejected, run.Error,
	)
	return err
}

const selectRun = `
	SELECT id, source, status, started_at, finished_at,
		   total, approved, denied, rejected, error
	FROM replay_runs
`

// GetRun retrieves a replay run by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.ReplayRun, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}
	row := r.db.QueryRowContext(ctx, r.rebind(selectRun+" WHERE id = ?"), runID)
	return scanRun(row)
}

// LatestRun retrieves the most recently started completed run.
func (r *SQLRepository) LatestRun(ctx context.Context) (*domain.ReplayRun, error) {
	query := selectRun + " WHERE status = ? ORDER BY started_at DESC LIMIT 1"
	row := r.db.QueryRowContext(ctx, r.rebind(query), domain.RunCompleted)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*domain.ReplayRun, error) {
	var run domain.ReplayRun
	var finished sql.NullTime
	var runErr sql.NullString

	err := row.Scan(
		&run.ID, &run.Source, &run.Status, &run.StartedAt, &finished,
		&run.Total, &run.Approved, &run.Denied, &run.Rejected, &runErr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.StartedAt = run.StartedAt.UTC()
	if finished.Valid {
		run.FinishedAt = finished.Time.UTC()
	}
	run.Error = runErr.String
	return &run, nil
}

const insertRecord = `
	INSERT INTO transactions (
		run_id, transaction_id, seq, merchant_id, user_id, card_number,
		device_id, transaction_date, transaction_amount, has_cbk,
		recommendation, deny_case
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// SaveRecord stores one evaluated record of a run.
func (r *SQLRepository) SaveRecord(ctx context.Context, runID string, seq int, rec *domain.Record) error {
	if runID == "" {
		return fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}
	_, err := r.db.ExecContext(ctx, r.rebind(insertRecord), recordArgs(runID, seq, rec)...)
	return err
}

// SaveRecords stores a batch of evaluated records in one transaction.
// Record i is stored with sequence firstSeq+i.
func (r *SQLRepository) SaveRecords(ctx context.Context, runID string, firstSeq int, recs []domain.Record) error {
	if runID == "" {
		return fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(insertRecord))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range recs {
		if _, err := stmt.ExecContext(ctx, recordArgs(runID, firstSeq+i, &recs[i])...); err != nil {
			return fmt.Errorf("failed to save transaction %d: %w", recs[i].TransactionID, err)
		}
	}

	return tx.Commit()
}

func recordArgs(runID string, seq int, rec *domain.Record) []any {
	var device sql.NullInt64
	if rec.DeviceID != nil {
		device = sql.NullInt64{Int64: *rec.DeviceID, Valid: true}
	}
	hasCBK := 0
	if rec.HasCBK {
		hasCBK = 1
	}
	return []any{
		runID, rec.TransactionID, seq, rec.MerchantID, rec.UserID, rec.CardNumber,
		device, rec.TransactionDate.UTC(), rec.TransactionAmount, hasCBK,
		string(rec.Recommendation), rec.DenyCase,
	}
}

const selectRecord = `
	SELECT transaction_id, merchant_id, user_id, card_number,
		   device_id, transaction_date, transaction_amount, has_cbk,
		   recommendation, deny_case
	FROM transactions
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var rec domain.Record
	var device sql.NullInt64
	var hasCBK int
	var recommendation string

	if err := s.Scan(
		&rec.TransactionID, &rec.MerchantID, &rec.UserID, &rec.CardNumber,
		&device, &rec.TransactionDate, &rec.TransactionAmount, &hasCBK,
		&recommendation, &rec.DenyCase,
	); err != nil {
		return nil, err
	}

	if device.Valid {
		id := device.Int64
		rec.DeviceID = &id
	}
	rec.TransactionDate = rec.TransactionDate.UTC()
	rec.HasCBK = hasCBK == 1
	rec.Recommendation = domain.Recommendation(recommendation)
	return &rec, nil
}

// GetRecord retrieves one evaluated record of a run.
func (r *SQLRepository) GetRecord(ctx context.Context, runID string, txID int64) (*domain.Record, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}

	row := r.db.QueryRowContext(ctx,
		r.rebind(selectRecord+" WHERE run_id = ? AND transaction_id = ?"), runID, txID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListHistory returns every record of a run in replay order.
func (r *SQLRepository) ListHistory(ctx context.Context, runID string) ([]domain.Record, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run ID is required", ErrInvalidInput)
	}

	rows, err := r.db.QueryContext(ctx,
		r.rebind(selectRecord+" WHERE run_id = ? ORDER BY seq"), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

// SaveEvaluation stores an ad-hoc decision.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	if eval == nil || eval.ID == "" {
		return fmt.Errorf("%w: evaluation ID is required", ErrInvalidInput)
	}

	metadata, err := json.Marshal(evaluationMetadata{
		RuleName: eval.RuleName,
		Reason:   eval.Reason,
		Metadata: eval.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var runID sql.NullString
	if eval.Metadata.RunID != "" {
		runID = sql.NullString{String: eval.Metadata.RunID, Valid: true}
	}

	query := `
		INSERT INTO evaluations (
			id, run_id, transaction_id, recommendation, deny_case, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, runID, eval.TransactionID, string(eval.Recommendation),
		eval.DenyCase, eval.Timestamp.UTC(), string(metadata),
	)
	return err
}

// GetEvaluation retrieves an ad-hoc decision by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	if evalID == "" {
		return nil, fmt.Errorf("%w: evaluation ID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, transaction_id, recommendation, deny_case, timestamp, metadata
		FROM evaluations
		WHERE id = ?
	`

	var eval domain.Evaluation
	var recommendation, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), evalID).Scan(
		&eval.ID, &eval.TransactionID, &recommendation, &eval.DenyCase, &eval.Timestamp, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var extra evaluationMetadata
	if err := json.Unmarshal([]byte(metadata), &extra); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation metadata: %w", err)
	}
	eval.Recommendation = domain.Recommendation(recommendation)
	eval.RuleName = extra.RuleName
	eval.Reason = extra.Reason
	eval.Metadata = extra.Metadata
	eval.Timestamp = eval.Timestamp.UTC()

	return &eval, nil
}

type evaluationMetadata struct {
	RuleName string                    `json:"ruleName,omitempty"`
	Reason   string                    `json:"reason,omitempty"`
	Metadata domain.EvaluationMetadata `json:"metadata"`
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
