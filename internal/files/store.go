package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookshelf-worker/internal/models"
)

// Store is the content-addressed file store. The SHA-256 of a file's bytes is
// the dedup key: an upload whose hash already exists increments the existing
// row's reference count instead of storing new bytes.
type Store struct {
	pool *pgxpool.Pool
	blob BlobBackend
}

// NewStore wires the file table onto a shared pgx pool and a blob backend.
func NewStore(pool *pgxpool.Pool, blob BlobBackend) *Store {
	return &Store{pool: pool, blob: blob}
}

// GetOrUpload stores the reader's bytes under prefix/name unless a file with
// the same content hash already exists, in which case the existing stored
// object gains a reference and is returned.
func (s *Store) GetOrUpload(ctx context.Context, r io.Reader, name string, prefix string) (models.StoredFile, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return models.StoredFile{}, fmt.Errorf("read upload: %w", err)
	}
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	if existing, ok, err := s.FindByHash(ctx, hash); err != nil {
		return models.StoredFile{}, err
	} else if ok {
		if err := s.addRef(ctx, existing.ID); err != nil {
			return models.StoredFile{}, err
		}
		existing.RefCount++
		return existing, nil
	}

	key, err := s.blob.Put(ctx, blobKey(prefix, name), body)
	if err != nil {
		return models.StoredFile{}, err
	}

	var f models.StoredFile
	err = s.pool.QueryRow(ctx, `
		INSERT INTO files (sha256, storage_path, size, ref_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (sha256) DO UPDATE SET ref_count = files.ref_count + 1
		RETURNING id, sha256, storage_path, size, ref_count, created_at
	`, hash, key, int64(len(body))).Scan(&f.ID, &f.SHA256, &f.StoragePath, &f.Size, &f.RefCount, &f.CreatedAt)
	if err != nil {
		return models.StoredFile{}, fmt.Errorf("insert file row: %w", err)
	}
	return f, nil
}

// FindByHash looks up a stored file by its content hash.
func (s *Store) FindByHash(ctx context.Context, sha string) (models.StoredFile, bool, error) {
	var f models.StoredFile
	err := s.pool.QueryRow(ctx, `
		SELECT id, sha256, storage_path, size, ref_count, created_at
		FROM files WHERE sha256 = $1
	`, sha).Scan(&f.ID, &f.SHA256, &f.StoragePath, &f.Size, &f.RefCount, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StoredFile{}, false, nil
	}
	if err != nil {
		return models.StoredFile{}, false, fmt.Errorf("query file by hash: %w", err)
	}
	return f, true, nil
}

// GetByID fetches a stored file row.
func (s *Store) GetByID(ctx context.Context, id int64) (models.StoredFile, bool, error) {
	var f models.StoredFile
	err := s.pool.QueryRow(ctx, `
		SELECT id, sha256, storage_path, size, ref_count, created_at
		FROM files WHERE id = $1
	`, id).Scan(&f.ID, &f.SHA256, &f.StoragePath, &f.Size, &f.RefCount, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StoredFile{}, false, nil
	}
	if err != nil {
		return models.StoredFile{}, false, fmt.Errorf("query file: %w", err)
	}
	return f, true, nil
}

// Open streams a stored object's bytes by storage path.
func (s *Store) Open(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	return s.blob.Open(ctx, storagePath)
}

func (s *Store) addRef(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE files SET ref_count = ref_count + 1 WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("increment ref count: %w", err)
	}
	return nil
}

// HashHex computes the dedup key for a byte slice.
func HashHex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
