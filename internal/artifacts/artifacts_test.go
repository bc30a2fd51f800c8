package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDiskStoreRoundTripAndDelete(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	ctx := context.Background()
	key := ScreenshotKey("check-1")

	if err := store.StoreObject(ctx, key, []byte("png-bytes"), ScreenshotContentType); err != nil {
		t.Fatalf("store object: %v", err)
	}
	payload, contentType, err := store.LoadObject(ctx, key)
	if err != nil {
		t.Fatalf("load object: %v", err)
	}
	if string(payload) != "png-bytes" {
		t.Fatalf("expected stored payload, got %q", payload)
	}
	if contentType != "image/png" {
		t.Fatalf("expected image/png, got %q", contentType)
	}

	if err := store.DeleteObject(ctx, key); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	if _, _, err := store.LoadObject(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDiskStoreRejectsTraversal(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	for _, key := range []string{"../escape.png", "/abs.png", ""} {
		if err := store.StoreObject(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestDiskStorePruneBefore(t *testing.T) {
	root := t.TempDir()
	store, err := NewDiskStore(root)
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	ctx := context.Background()
	if err := store.StoreObject(ctx, ScreenshotKey("old"), []byte("old"), ScreenshotContentType); err != nil {
		t.Fatalf("store old: %v", err)
	}
	if err := store.StoreObject(ctx, ScreenshotKey("new"), []byte("new"), ScreenshotContentType); err != nil {
		t.Fatalf("store new: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(root, "screenshots", "old.png"), past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := store.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed artifact, got %d", removed)
	}
	if _, _, err := store.LoadObject(ctx, ScreenshotKey("new")); err != nil {
		t.Fatalf("expected new screenshot to survive, got %v", err)
	}
}

func TestNoopStoreReportsNotConfigured(t *testing.T) {
	store := NewNoopStore()
	if err := store.StoreObject(context.Background(), "k", nil, ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNormalizeLifecyclePrefixesDeduplicates(t *testing.T) {
	got := normalizeLifecyclePrefixes([]string{" screenshots/ ", "screenshots/"})
	if len(got) != 1 || got[0] != "screenshots/" {
		t.Fatalf("expected single normalized prefix, got %v", got)
	}
	if got := normalizeLifecyclePrefixes(nil); len(got) != 1 || got[0] != "" {
		t.Fatalf("expected bucket-wide prefix, got %v", got)
	}
}
