package books

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookshelf-worker/internal/models"
)

// Store persists book and format rows created by the import and convert
// handlers.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a book row and returns it with the assigned id.
func (s *Store) Create(ctx context.Context, b models.Book) (models.Book, error) {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO books (owner_id, title, authors, original_filename, file_path, file_size,
			mime_type, file_id, cover_path, cover_file_id, publisher, isbn, published_at,
			series, series_index, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id
	`, b.OwnerID, b.Title, b.Authors, b.OriginalFilename, b.FilePath, b.FileSize,
		b.MimeType, b.FileID, b.CoverPath, b.CoverFileID, b.Publisher, b.ISBN, b.PublishedAt,
		b.Series, b.SeriesIndex, b.Tags, b.CreatedAt, b.UpdatedAt).Scan(&b.ID)
	if err != nil {
		return models.Book{}, fmt.Errorf("insert book: %w", err)
	}
	return b, nil
}

// GetByID fetches a book row.
func (s *Store) GetByID(ctx context.Context, id int64) (models.Book, bool, error) {
	var b models.Book
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, authors, original_filename, file_path, file_size,
			mime_type, file_id, cover_path, cover_file_id, publisher, isbn, published_at,
			series, series_index, tags, created_at, updated_at
		FROM books WHERE id = $1
	`, id).Scan(&b.ID, &b.OwnerID, &b.Title, &b.Authors, &b.OriginalFilename, &b.FilePath,
		&b.FileSize, &b.MimeType, &b.FileID, &b.CoverPath, &b.CoverFileID, &b.Publisher,
		&b.ISBN, &b.PublishedAt, &b.Series, &b.SeriesIndex, &b.Tags, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Book{}, false, nil
	}
	if err != nil {
		return models.Book{}, false, fmt.Errorf("query book: %w", err)
	}
	return b, true, nil
}

// OriginalFilenames returns every original filename the owner already has.
// The importer seeds its duplicate-skip set from this once per run.
func (s *Store) OriginalFilenames(ctx context.Context, ownerID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT original_filename FROM books WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list original filenames: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan filename: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AddFormat registers an alternate stored rendition of a book.
func (s *Store) AddFormat(ctx context.Context, f models.Format) (models.Format, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO formats (book_id, format, file_id, file_path, file_size)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, f.BookID, f.Format, f.FileID, f.FilePath, f.FileSize).Scan(&f.ID)
	if err != nil {
		return models.Format{}, fmt.Errorf("insert format: %w", err)
	}
	return f, nil
}
