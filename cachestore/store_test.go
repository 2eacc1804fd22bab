package cachestore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreBasicOperations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string](100)

	if err := store.Set(ctx, "key1", "value1", time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	value, ok, err := store.Get(ctx, "key1")
	if err != nil || !ok || value != "value1" {
		t.Fatalf("Get = (%q, %v, %v), want (value1, true, nil)", value, ok, err)
	}

	if _, ok, _ := store.Get(ctx, "missing"); ok {
		t.Error("expected miss for nonexistent key")
	}

	if err := store.Delete(ctx, "key1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "key1"); ok {
		t.Error("key1 should be gone after Delete")
	}
}

func TestMemoryStoreTTLExpiration(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string](100)
	fakeNow := time.Now()
	store.now = func() time.Time { return fakeNow }

	store.Set(ctx, "key1", "value1", 50*time.Millisecond)

	if _, ok, _ := store.Get(ctx, "key1"); !ok {
		t.Fatal("key1 should exist immediately after Set")
	}

	fakeNow = fakeNow.Add(100 * time.Millisecond)

	if _, ok, _ := store.Get(ctx, "key1"); ok {
		t.Error("key1 should be expired")
	}
}

func TestMemoryStoreRemainingTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string](100)
	fakeNow := time.Now()
	store.now = func() time.Time { return fakeNow }

	store.Set(ctx, "key1", "value1", 200*time.Millisecond)
	fakeNow = fakeNow.Add(60 * time.Millisecond)

	entry, ok, err := store.GetEntry(ctx, "key1")
	if err != nil || !ok {
		t.Fatalf("GetEntry = (_, %v, %v)", ok, err)
	}

	remaining := entry.RemainingTTL(fakeNow)
	if remaining > 140*time.Millisecond || remaining < 139*time.Millisecond {
		t.Errorf("remaining TTL = %v, want ~140ms", remaining)
	}
	if entry.Fresh(fakeNow, 50*time.Millisecond) {
		t.Error("entry aged 60ms should not be fresh under a 50ms window")
	}
	if !entry.Fresh(fakeNow, 100*time.Millisecond) {
		t.Error("entry aged 60ms should be fresh under a 100ms window")
	}
}

func TestMemoryStoreLRUEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string](2)

	store.Set(ctx, "a", "1", time.Hour)
	store.Set(ctx, "b", "2", time.Hour)
	store.Get(ctx, "a") // touch a, making b the LRU victim
	store.Set(ctx, "c", "3", time.Hour)

	if _, ok, _ := store.Get(ctx, "b"); ok {
		t.Error("b should have been evicted as least recently used")
	}
	if _, ok, _ := store.Get(ctx, "a"); !ok {
		t.Error("a should still be present")
	}
	if _, ok, _ := store.Get(ctx, "c"); !ok {
		t.Error("c should still be present")
	}
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string](100)

	store.Set(ctx, "3:s:a2:s:u1:g:1", "v1", time.Hour)
	store.Set(ctx, "3:s:a2:s:u1:g:2", "v2", time.Hour)
	store.Set(ctx, "3:s:a2:s:o1:g:1", "v3", time.Hour)

	if err := store.DeletePrefix(ctx, "3:s:a2:s:u"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}

	if _, ok, _ := store.Get(ctx, "3:s:a2:s:u1:g:1"); ok {
		t.Error("expected key under invalidated prefix to be gone")
	}
	if _, ok, _ := store.Get(ctx, "3:s:a2:s:u1:g:2"); ok {
		t.Error("expected key under invalidated prefix to be gone")
	}
	if _, ok, _ := store.Get(ctx, "3:s:a2:s:o1:g:1"); !ok {
		t.Error("sibling prefix should be retained")
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string](100)
	store.Set(ctx, "a", "1", time.Hour)
	store.Set(ctx, "b", "2", time.Hour)

	store.Clear(ctx)

	if store.Size() != 0 {
		t.Errorf("Size after Clear = %d, want 0", store.Size())
	}
}
