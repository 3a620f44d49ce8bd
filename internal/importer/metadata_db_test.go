package importer

import (
	"bytes"
	"context"
	"database/sql"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"
)

// indexFixture creates a Calibre-shaped metadata.db at the root of dir and
// hands the open handle to seed, closing it afterwards.
func indexFixture(t *testing.T, dir string, seed func(t *testing.T, db *sql.DB)) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()

	ddl := []string{
		`CREATE TABLE books (id INTEGER PRIMARY KEY, title TEXT, path TEXT, has_cover INTEGER, pubdate TEXT, series_index REAL, isbn TEXT)`,
		`CREATE TABLE data (book INTEGER, format TEXT, name TEXT)`,
		`CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE books_authors_link (id INTEGER PRIMARY KEY, book INTEGER, author INTEGER)`,
		`CREATE TABLE tags (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE books_tags_link (book INTEGER, tag INTEGER)`,
		`CREATE TABLE series (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE books_series_link (book INTEGER, series INTEGER)`,
		`CREATE TABLE publishers (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE books_publishers_link (book INTEGER, publisher INTEGER)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture ddl: %v", err)
		}
	}
	seed(t, db)
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("fixture exec %q: %v", query, err)
	}
}

func writeJPEG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{B: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	writeFile(t, path, buf.String())
}

func TestIndexedImportReadsMetadata(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	folder := filepath.Join(root, "Frank Herbert", "Dune (1)")
	writeFile(t, filepath.Join(folder, "Dune - Frank Herbert.epub"), "epub-bytes")
	writeJPEG(t, filepath.Join(folder, "cover.jpg"))

	indexFixture(t, root, func(t *testing.T, db *sql.DB) {
		mustExec(t, db, `INSERT INTO books VALUES (1, 'Dune', 'Frank Herbert/Dune (1)', 1, '1965-08-01', 1.0, '9780441013593')`)
		mustExec(t, db, `INSERT INTO data VALUES (1, 'EPUB', 'Dune - Frank Herbert')`)
		mustExec(t, db, `INSERT INTO authors VALUES (1, 'Frank Herbert')`)
		mustExec(t, db, `INSERT INTO books_authors_link VALUES (1, 1, 1)`)
		mustExec(t, db, `INSERT INTO tags VALUES (1, 'science fiction')`)
		mustExec(t, db, `INSERT INTO books_tags_link VALUES (1, 1)`)
		mustExec(t, db, `INSERT INTO series VALUES (1, 'Dune Chronicles')`)
		mustExec(t, db, `INSERT INTO books_series_link VALUES (1, 1)`)
		mustExec(t, db, `INSERT INTO publishers VALUES (1, 'Chilton Books')`)
		mustExec(t, db, `INSERT INTO books_publishers_link VALUES (1, 1)`)
	})

	fs := newFakeFileStore()
	bs := &fakeBookStore{}
	im := testImporter(fs, bs)

	imported, skipped, err := im.ImportFromDirectory(ctx, root, 7, Options{ImportCovers: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 1 || skipped != 0 {
		t.Fatalf("imported=%d skipped=%d", imported, skipped)
	}

	b := bs.created[0]
	if b.Title != "Dune" || b.Authors != "Frank Herbert" {
		t.Fatalf("title=%q authors=%q", b.Title, b.Authors)
	}
	if b.OriginalFilename != "Dune - Frank Herbert.epub" {
		t.Fatalf("original filename: %s", b.OriginalFilename)
	}
	if b.ISBN == nil || *b.ISBN != "9780441013593" {
		t.Fatalf("isbn not carried over: %v", b.ISBN)
	}
	if b.Publisher == nil || *b.Publisher != "Chilton Books" {
		t.Fatalf("publisher not carried over: %v", b.Publisher)
	}
	if b.Series == nil || *b.Series != "Dune Chronicles" {
		t.Fatalf("series not carried over: %v", b.Series)
	}
	if b.SeriesIndex == nil || *b.SeriesIndex != 1 {
		t.Fatalf("series index not carried over: %v", b.SeriesIndex)
	}
	if b.Tags == nil || *b.Tags != "science fiction" {
		t.Fatalf("tags not carried over: %v", b.Tags)
	}
	if b.CoverFileID == nil {
		t.Fatal("cover not attached despite has_cover")
	}
}

func TestIndexedImportPrefersEpub(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	folder := filepath.Join(root, "Author", "Book (1)")
	writeFile(t, filepath.Join(folder, "Book.epub"), "epub-bytes")
	writeFile(t, filepath.Join(folder, "Book.pdf"), "pdf-bytes")

	indexFixture(t, root, func(t *testing.T, db *sql.DB) {
		mustExec(t, db, `INSERT INTO books VALUES (1, 'Book', 'Author/Book (1)', 0, NULL, NULL, NULL)`)
		mustExec(t, db, `INSERT INTO data VALUES (1, 'PDF', 'Book')`)
		mustExec(t, db, `INSERT INTO data VALUES (1, 'EPUB', 'Book')`)
	})

	bs := &fakeBookStore{}
	im := testImporter(newFakeFileStore(), bs)

	if _, _, err := im.ImportFromDirectory(ctx, root, 7, Options{}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := bs.created[0].OriginalFilename; got != "Book.epub" {
		t.Fatalf("expected epub to win format selection, got %s", got)
	}
}

func TestIndexedImportFallsBackToFolderFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	folder := filepath.Join(root, "Author", "Book (1)")
	writeFile(t, filepath.Join(folder, "renamed-copy.mobi"), "mobi-bytes")

	indexFixture(t, root, func(t *testing.T, db *sql.DB) {
		mustExec(t, db, `INSERT INTO books VALUES (1, 'Book', 'Author/Book (1)', 0, NULL, NULL, NULL)`)
		mustExec(t, db, `INSERT INTO data VALUES (1, 'EPUB', 'Book')`)
	})

	bs := &fakeBookStore{}
	im := testImporter(newFakeFileStore(), bs)

	imported, skipped, err := im.ImportFromDirectory(ctx, root, 7, Options{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 1 || skipped != 0 {
		t.Fatalf("imported=%d skipped=%d", imported, skipped)
	}
	if got := bs.created[0].OriginalFilename; got != "renamed-copy.mobi" {
		t.Fatalf("expected fallback to folder file, got %s", got)
	}
}

func TestIndexedImportSkipsBookWithoutFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	indexFixture(t, root, func(t *testing.T, db *sql.DB) {
		mustExec(t, db, `INSERT INTO books VALUES (1, 'Ghost', 'Author/Ghost (1)', 0, NULL, NULL, NULL)`)
		mustExec(t, db, `INSERT INTO data VALUES (1, 'EPUB', 'Ghost')`)
	})

	bs := &fakeBookStore{}
	im := testImporter(newFakeFileStore(), bs)

	imported, skipped, err := im.ImportFromDirectory(ctx, root, 7, Options{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 0 || skipped != 1 {
		t.Fatalf("imported=%d skipped=%d, want missing file counted as skipped", imported, skipped)
	}
	if len(bs.created) != 0 {
		t.Fatalf("no book record expected, got %d", len(bs.created))
	}
}
