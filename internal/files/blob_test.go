package files

import (
	"context"
	"io"
	"testing"

	"bookshelf-worker/internal/config"
)

func TestLocalBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewBlobBackend(ctx, config.Config{BlobDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	key, err := backend.Put(ctx, "originals/1700000000_book.epub", []byte("epub-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if key != "originals/1700000000_book.epub" {
		t.Fatalf("key rewritten: %s", key)
	}

	rc, err := backend.Open(ctx, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "epub-bytes" {
		t.Fatalf("body mismatch: %q", body)
	}
}

func TestLocalBackendOpenMissing(t *testing.T) {
	ctx := context.Background()
	backend, err := NewBlobBackend(ctx, config.Config{BlobDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := backend.Open(ctx, "originals/nope.epub"); err == nil {
		t.Fatal("expected error for missing blob")
	}
}

func TestHashHexIsStable(t *testing.T) {
	a := HashHex([]byte("same bytes"))
	b := HashHex([]byte("same bytes"))
	c := HashHex([]byte("other bytes"))
	if a != b {
		t.Fatalf("hash not deterministic: %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("distinct inputs hashed equal")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(a))
	}
}

func TestBlobKeyNormalizesSeparators(t *testing.T) {
	if got := blobKey("originals", "a/b.epub"); got != "originals/a_b.epub" {
		t.Fatalf("blobKey = %s", got)
	}
}
