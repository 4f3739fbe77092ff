package linkage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCachedFallback_PersistsAnswers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identifier_cache.json")

	inner := &fakeFallback{found: true, id: Identifier{Day: 1, Month: 2, Year: 2024, Hour: 9, Minute: 5, Participant: 3}}
	c := &CachedFallback{Inner: inner, Path: path}
	for i := 0; i < 2; i++ {
		id, ok, err := c.ExtractIdentifier(ctx, "participant three")
		if err != nil || !ok || id.String() != "01022024_0905_Participant3" {
			t.Fatalf("ExtractIdentifier=%v,%v,%v", id, ok, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls=%d, want 1", inner.calls)
	}
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh cache over the same file answers without the model.
	offline := &fakeFallback{err: errors.New("offline")}
	reloaded := &CachedFallback{Inner: offline, Path: path}
	id, ok, err := reloaded.ExtractIdentifier(ctx, "participant three")
	if err != nil || !ok || id.String() != "01022024_0905_Participant3" {
		t.Fatalf("reloaded=%v,%v,%v", id, ok, err)
	}
	if offline.calls != 0 || reloaded.Len() != 1 {
		t.Fatalf("offline calls=%d len=%d", offline.calls, reloaded.Len())
	}
}

func TestCachedFallback_NegativeAndErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.json")

	inner := &fakeFallback{}
	c := &CachedFallback{Inner: inner, Path: path}
	if _, ok, err := c.ExtractIdentifier(ctx, "no id here"); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if _, ok, _ := c.ExtractIdentifier(ctx, "no id here"); ok || inner.calls != 1 {
		t.Fatalf("negative answer not cached: ok=%v calls=%d", ok, inner.calls)
	}

	inner.err = errors.New("rate limited")
	if _, _, err := c.ExtractIdentifier(ctx, "another message"); err == nil {
		t.Fatalf("expected error")
	}
	inner.err = nil
	if _, _, err := c.ExtractIdentifier(ctx, "another message"); err != nil || inner.calls != 3 {
		t.Fatalf("error was cached: err=%v calls=%d", err, inner.calls)
	}
}

func TestCachedFallback_SaveOnlyWhenDirty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.json")
	c := &CachedFallback{Inner: &fakeFallback{}, Path: path}
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("clean cache wrote a file: %v", err)
	}
}
