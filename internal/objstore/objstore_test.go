package objstore

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestFSPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir(), 1, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	key := ProjectKey("p1", "uploads", "logo.png")
	if err := store.Put(ctx, key, []byte("png-bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(data, []byte("png-bytes")) {
		t.Errorf("get = %q", data)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, key); err == nil {
		t.Error("get after delete should fail")
	}
	// Deleting a missing key is a no-op.
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestFSSizeLimit(t *testing.T) {
	store, err := NewFS(t.TempDir(), 1, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	big := make([]byte, (1<<20)+1)
	err = store.Put(context.Background(), "projects/p1/big.bin", big)
	if err == nil || !strings.Contains(err.Error(), "size limit") {
		t.Fatalf("err = %v, want size limit", err)
	}
}

func TestFSRejectsTraversal(t *testing.T) {
	store, err := NewFS(t.TempDir(), 0, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	for _, key := range []string{"../escape", "/abs/path", "a/../../b", "."} {
		if err := store.Put(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("put %q should fail", key)
		}
	}
}

func TestFSPresign(t *testing.T) {
	ctx := context.Background()

	store, err := NewFS(t.TempDir(), 0, "https://cdn.test/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	url, err := store.Presign(ctx, TemplateKey("modern-stay", 2, "preview/index.html"), time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if url != "https://cdn.test/templates/modern-stay/v2/preview/index.html" {
		t.Errorf("url = %q", url)
	}

	local, err := NewFS(t.TempDir(), 0, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	url, err = local.Presign(ctx, "projects/p1/a.txt", time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Errorf("url = %q, want file:// prefix", url)
	}
}
