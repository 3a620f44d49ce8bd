package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookshelf-worker/internal/models"
)

// Store wraps pgxpool for Postgres persistence of job rows.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so the file and book stores can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const jobColumns = `id, external_id, job_type, owner_id, book_id, status, progress, error, created_at, started_at, completed_at`

// AddJob inserts a new job row and returns it with the assigned id.
// Status defaults to queued, the only legal initial state.
func (s *Store) AddJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (external_id, job_type, owner_id, book_id, status, progress, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+jobColumns+`
	`, job.ExternalID, job.JobType, job.OwnerID, job.BookID, job.Status, job.Progress, job.Error, now)
	inserted, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return inserted, nil
}

// GetByExternalID fetches a job by its queue correlation key.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE external_id = $1
	`, externalID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

// TryClaim atomically transitions a job from a pre-claim state to in-progress
// and returns it. A single conditional UPDATE enforces the compare-and-set:
// concurrent claimants race on the WHERE clause and exactly one sees a row.
// Missing jobs and jobs already in-progress or terminal both report ok=false.
func (s *Store) TryClaim(ctx context.Context, externalID string) (models.Job, bool, error) {
	if externalID == "" {
		return models.Job{}, false, nil
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, started_at = NOW()
		WHERE external_id = $1 AND (status = $3 OR status = '' OR status IS NULL)
		RETURNING `+jobColumns+`
	`, externalID, models.StatusInProgress, models.StatusQueued)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// UpdateStatus applies a status change with optional progress and error text.
// Completion forces progress to 100 and stamps completed_at; a move to
// in-progress backfills started_at when it was never set.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status string, progress *int, errMsg string) error {
	if status == models.StatusCompleted {
		hundred := 100
		progress = &hundred
	}
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    progress = COALESCE($3, progress),
		    error = COALESCE($4, error),
		    completed_at = CASE WHEN $2 = $5 THEN NOW() ELSE completed_at END,
		    started_at = CASE WHEN $2 = $6 AND started_at IS NULL THEN NOW() ELSE started_at END
		WHERE id = $1
	`, id, status, progress, errVal, models.StatusCompleted, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// ListByOwner returns the owner's jobs newest first, for the polling UI.
func (s *Store) ListByOwner(ctx context.Context, ownerID int64) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var bookID pgtype.Int8
	var progress pgtype.Int4
	var errText pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.ExternalID, &job.JobType, &job.OwnerID, &bookID,
		&job.Status, &progress, &errText, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}
	if bookID.Valid {
		job.BookID = &bookID.Int64
	}
	if progress.Valid {
		p := int(progress.Int32)
		job.Progress = &p
	}
	if errText.Valid {
		job.Error = &errText.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}
