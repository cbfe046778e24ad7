// Package repository persists processed files, job history, and extracted
// indicators against Postgres, idempotently: every write is an upsert, so
// crash-restart replay of an in-flight job produces no duplicate rows.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prohibitedtv/telecap/internal/errs"
	"github.com/prohibitedtv/telecap/internal/model"
)

const defaultOperationTimeout = 10 * time.Second

// indicatorBatchSize bounds how many ExtractedIndicator rows are upserted in
// a single transaction, so a document with a very large IOC hit count does
// not produce one unbounded transaction.
const indicatorBatchSize = 500

// Repository is the persistence boundary the Worker Pool drives. A nil
// *Repository is never valid; construct one with Open.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Open connects to Postgres at dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, errs.Newf(errs.ClassConfigInvalid, "database dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.New(errs.ClassConfigInvalid, fmt.Errorf("parse database dsn: %w", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.New(errs.ClassDBTransient, fmt.Errorf("open database pool: %w", err))
	}
	r := &Repository{pool: pool, timeout: defaultOperationTimeout}
	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Ping verifies connectivity to the backing Postgres instance.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return errs.New(errs.ClassDBTransient, err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
		return errs.New(errs.ClassDBTransient, err)
	}
	return nil
}

func (r *Repository) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, func() {}
}

// IsProcessed reports whether a telegram file id has already been recorded
// as a processed file — the pre-download half of dedup survives restarts
// because this is a durable lookup, not an in-memory set.
func (r *Repository) IsProcessed(ctx context.Context, telegramFileID string) (bool, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM processed_files WHERE telegram_file_id = $1)`, telegramFileID).Scan(&exists)
	if err != nil {
		return false, errs.New(errs.ClassDBTransient, err)
	}
	return exists, nil
}

// BeginJob records a new job in the queued state, or no-ops if the job id
// already exists.
func (r *Repository) BeginJob(ctx context.Context, jobID, telegramFileID string) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
INSERT INTO processing_jobs (job_id, telegram_file_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (job_id) DO NOTHING
`, jobID, telegramFileID, model.JobQueued, now)
	if err != nil {
		return errs.New(errs.ClassDBTransient, err)
	}
	return nil
}

// MarkJob transitions a job's status, recording an error message when the
// status is JobFailed.
func (r *Repository) MarkJob(ctx context.Context, jobID string, status model.JobStatus, jobErr error) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	var errMsg *string
	if jobErr != nil {
		msg := jobErr.Error()
		errMsg = &msg
	}
	_, err := r.pool.Exec(ctx, `
UPDATE processing_jobs SET status = $2, error = $3, updated_at = $4 WHERE job_id = $1
`, jobID, status, errMsg, time.Now().UTC())
	if err != nil {
		return errs.New(errs.ClassDBTransient, err)
	}
	return nil
}

// CompleteJob marks a job completed and upserts its processed-file row in a
// single transaction, so a ProcessedFile row only ever exists alongside a
// completed job.
func (r *Repository) CompleteJob(ctx context.Context, jobID string, file model.ProcessedFile) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errs.New(errs.ClassDBTransient, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
INSERT INTO processed_files (telegram_file_id, channel_id, channel_title, filename, file_hash, storage_path, size_bytes, first_seen_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (telegram_file_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
`, file.TelegramFileID, file.ChannelID, file.ChannelTitle, file.Filename, file.FileHash, file.StoragePath, file.SizeBytes, now); err != nil {
		return errs.New(classifyWriteError(err), fmt.Errorf("upsert processed file: %w", err))
	}

	if _, err := tx.Exec(ctx, `
UPDATE processing_jobs SET status = $2, file_hash = $3, error = NULL, updated_at = $4 WHERE job_id = $1
`, jobID, model.JobCompleted, file.FileHash, now); err != nil {
		return errs.New(errs.ClassDBTransient, fmt.Errorf("mark job completed: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.New(errs.ClassDBTransient, err)
	}
	return nil
}

// UpsertIndicators writes indicators in fixed-size chunks so each
// sub-transaction stays independently idempotent and retry-safe; a later
// chunk failing does not require replaying the ones that already committed.
func (r *Repository) UpsertIndicators(ctx context.Context, fileHash string, channelID int64, indicators []model.ExtractedIndicator) error {
	for start := 0; start < len(indicators); start += indicatorBatchSize {
		end := start + indicatorBatchSize
		if end > len(indicators) {
			end = len(indicators)
		}
		if err := r.upsertIndicatorBatch(ctx, fileHash, channelID, indicators[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) upsertIndicatorBatch(ctx context.Context, fileHash string, channelID int64, batch []model.ExtractedIndicator) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errs.New(errs.ClassDBTransient, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, ind := range batch {
		_, err := tx.Exec(ctx, `
INSERT INTO extracted_indicators (indicator_type, value, source_relative_path, source_file_hash, source_line, channel_id, first_seen_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (indicator_type, value, source_file_hash, source_line) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
`, ind.IndicatorType, ind.Value, ind.SourceRelativePath, fileHash, ind.SourceLine, channelID, now)
		if err != nil {
			return errs.New(classifyWriteError(err), fmt.Errorf("upsert indicator %s=%s: %w", ind.IndicatorType, ind.Value, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.New(errs.ClassDBTransient, err)
	}
	return nil
}

// classifyWriteError distinguishes a constraint violation (a bug in caller
// logic, or a genuine conflict the upsert should have absorbed) from a
// transient connectivity failure, so the error-class policy in internal/errs
// can decide whether the job is worth retrying.
func classifyWriteError(err error) errs.Class {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23" {
		return errs.ClassDBConstraint
	}
	return errs.ClassDBTransient
}
