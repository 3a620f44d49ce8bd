package importer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// indexedBook is one row of the Calibre metadata index.
type indexedBook struct {
	ID          int64
	Title       string
	RelPath     string
	HasCover    bool
	PubDate     *string
	SeriesIndex *int
	ISBN        *string
}

// importFromIndex imports using the Calibre metadata.db for accurate metadata
// and file selection. The index is opened read-only; the library tree itself
// is never modified.
func (im *Importer) importFromIndex(ctx context.Context, indexPath, root string, ownerID int64, opts Options) (imported, skipped int, err error) {
	db, err := sql.Open("sqlite", "file:"+indexPath+"?mode=ro")
	if err != nil {
		return 0, 0, fmt.Errorf("open metadata index: %w", err)
	}
	defer db.Close()

	records, err := readIndexBooks(ctx, db)
	if err != nil {
		return 0, 0, err
	}

	existing, err := im.existingFilenames(ctx, ownerID)
	if err != nil {
		return 0, 0, err
	}

	total := len(records)
	processed := 0

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return imported, skipped, err
		}

		didImport, didSkip := im.importIndexedBook(ctx, db, rec, root, ownerID, existing, opts.ImportCovers)
		if didImport {
			imported++
		}
		if didSkip {
			skipped++
		}
		processed++
		report(opts.OnProgress, processed, total)
	}

	return imported, skipped, nil
}

// importIndexedBook handles one index record. Errors are contained here so a
// bad record never aborts the run.
func (im *Importer) importIndexedBook(ctx context.Context, db *sql.DB, rec indexedBook, root string, ownerID int64, existing map[string]bool, importCovers bool) (didImport, didSkip bool) {
	bookFolder := filepath.Join(root, filepath.FromSlash(rec.RelPath))

	path, ok := im.resolveFormatFile(ctx, db, rec.ID, bookFolder)
	if !ok {
		im.log.Warn("no format file found for indexed book", "book", rec.ID, "folder", bookFolder)
		return false, true
	}

	originalFilename := filepath.Base(path)
	if existing[strings.ToLower(originalFilename)] {
		return false, true
	}

	title := rec.Title
	if strings.TrimSpace(title) == "" {
		title = strings.TrimSuffix(originalFilename, filepath.Ext(originalFilename))
	}
	authors, err := indexAuthors(ctx, db, rec.ID)
	if err != nil {
		im.log.Error("read authors failed", "book", rec.ID, "error", err)
	}

	meta := bookMetadata{
		ISBN:        rec.ISBN,
		PublishedAt: rec.PubDate,
		SeriesIndex: rec.SeriesIndex,
	}
	meta.Publisher = indexLookup(ctx, db, rec.ID,
		`SELECT p.name FROM publishers p JOIN books_publishers_link l ON p.id = l.publisher WHERE l.book = ?`)
	meta.Series = indexLookup(ctx, db, rec.ID,
		`SELECT s.name FROM series s JOIN books_series_link l ON s.id = l.series WHERE l.book = ?`)
	if tags, err := indexTags(ctx, db, rec.ID); err == nil && tags != "" {
		meta.Tags = &tags
	}

	// The index's has_cover flag gates the cover lookup; the convention is
	// cover.jpg at the book folder root, else the first cover.* file.
	var coverPath string
	if importCovers && rec.HasCover {
		coverPath = indexCoverPath(bookFolder)
	}
	if err := im.importFile(ctx, path, ownerID, title, authors, meta, coverPath); err != nil {
		im.log.Error("import indexed book failed", "book", rec.ID, "file", path, "error", err)
		return false, false
	}

	existing[strings.ToLower(originalFilename)] = true
	return true, false
}

// resolveFormatFile picks the preferred format file for an indexed book,
// falling back to the first recognized file in the folder when the listed
// file is absent on disk.
func (im *Importer) resolveFormatFile(ctx context.Context, db *sql.DB, bookID int64, bookFolder string) (string, bool) {
	rows, err := db.QueryContext(ctx, `SELECT format, name FROM data WHERE book = ?`, bookID)
	if err != nil {
		im.log.Error("read formats failed", "book", bookID, "error", err)
		return "", false
	}
	type formatRow struct{ format, name string }
	var formats []formatRow
	for rows.Next() {
		var f formatRow
		if err := rows.Scan(&f.format, &f.name); err != nil {
			rows.Close()
			im.log.Error("scan format row failed", "book", bookID, "error", err)
			return "", false
		}
		formats = append(formats, f)
	}
	rows.Close()

	for _, pref := range preferredFormats {
		for _, f := range formats {
			if !strings.EqualFold(f.format, pref) {
				continue
			}
			candidate := filepath.Join(bookFolder, f.name+"."+strings.ToLower(f.format))
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true
			}
		}
	}

	// Listed file missing on disk: first recognized file in the folder.
	entries, err := os.ReadDir(bookFolder)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		candidate := filepath.Join(bookFolder, e.Name())
		if isBookFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func readIndexBooks(ctx context.Context, db *sql.DB) ([]indexedBook, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, title, path, has_cover, pubdate, series_index, isbn FROM books ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read index books: %w", err)
	}
	defer rows.Close()

	var records []indexedBook
	for rows.Next() {
		var rec indexedBook
		var title, relPath, pubDate, isbn sql.NullString
		var hasCover sql.NullInt64
		var seriesIndex sql.NullFloat64

		if err := rows.Scan(&rec.ID, &title, &relPath, &hasCover, &pubDate, &seriesIndex, &isbn); err != nil {
			return nil, fmt.Errorf("scan index book: %w", err)
		}
		rec.Title = title.String
		rec.RelPath = relPath.String
		rec.HasCover = hasCover.Valid && hasCover.Int64 == 1
		if pubDate.Valid && pubDate.String != "" {
			rec.PubDate = &pubDate.String
		}
		if isbn.Valid && isbn.String != "" {
			rec.ISBN = &isbn.String
		}
		if seriesIndex.Valid {
			idx := int(seriesIndex.Float64)
			rec.SeriesIndex = &idx
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func indexAuthors(ctx context.Context, db *sql.DB, bookID int64) (string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT a.name FROM authors a JOIN books_authors_link l ON a.id = l.author WHERE l.book = ? ORDER BY l.id`, bookID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return "", err
		}
		names = append(names, n)
	}
	return strings.Join(names, ", "), rows.Err()
}

func indexTags(ctx context.Context, db *sql.DB, bookID int64) (string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT t.name FROM tags t JOIN books_tags_link l ON t.id = l.tag WHERE l.book = ?`, bookID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return "", err
		}
		names = append(names, n)
	}
	return strings.Join(names, ","), rows.Err()
}

// indexLookup runs a single-value metadata query, mapping no-rows to nil.
func indexLookup(ctx context.Context, db *sql.DB, bookID int64, query string) *string {
	var v string
	err := db.QueryRowContext(ctx, query, bookID).Scan(&v)
	if err != nil || v == "" {
		return nil
	}
	return &v
}

// indexCoverPath finds the cover file the index convention points at:
// cover.jpg, else the first file named cover.*.
func indexCoverPath(bookFolder string) string {
	standard := filepath.Join(bookFolder, "cover.jpg")
	if _, err := os.Stat(standard); err == nil {
		return standard
	}
	entries, err := os.ReadDir(bookFolder)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(strings.ToLower(e.Name()), "cover.") {
			return filepath.Join(bookFolder, e.Name())
		}
	}
	return ""
}
