package store

import (
	"context"
	"fmt"
)

// schema statements run in order; each is idempotent so startup can re-apply.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id BIGSERIAL PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		job_type TEXT NOT NULL,
		owner_id BIGINT NOT NULL,
		book_id BIGINT,
		status TEXT,
		progress INT,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS files (
		id BIGSERIAL PRIMARY KEY,
		sha256 TEXT NOT NULL UNIQUE,
		storage_path TEXT NOT NULL,
		size BIGINT NOT NULL,
		ref_count INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		id BIGSERIAL PRIMARY KEY,
		owner_id BIGINT NOT NULL,
		title TEXT NOT NULL,
		authors TEXT NOT NULL DEFAULT '',
		original_filename TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size BIGINT NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		file_id BIGINT NOT NULL REFERENCES files (id),
		cover_path TEXT,
		cover_file_id BIGINT REFERENCES files (id),
		publisher TEXT,
		isbn TEXT,
		published_at TEXT,
		series TEXT,
		series_index INT,
		tags TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_books_owner ON books (owner_id)`,
	`CREATE TABLE IF NOT EXISTS formats (
		id BIGSERIAL PRIMARY KEY,
		book_id BIGINT NOT NULL REFERENCES books (id),
		format TEXT NOT NULL,
		file_id BIGINT NOT NULL REFERENCES files (id),
		file_path TEXT NOT NULL,
		file_size BIGINT NOT NULL DEFAULT 0
	)`,
}

// EnsureSchema creates the tables this subsystem touches.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement %d: %w", i, err)
		}
	}
	return nil
}
