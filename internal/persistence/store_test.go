package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-offline/internal/bus"
	"github.com/basket/go-offline/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "offlined.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "cache_stores", "cache_entries", "kv_store", "deferred_actions", "sync_registrations", "notifications"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected schema version 3, got %d", version)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	if err := store.KVSet(context.Background(), "active_version", "v1"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.KVGet(context.Background(), "active_version")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if got != "v1" {
		t.Fatalf("active_version = %q, want v1", got)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "offlined.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatal("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_KVGetMissingReturnsEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	got, err := store.KVGet(context.Background(), "nope")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestStore_CacheEntriesRoundTripAndOverwrite(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureCacheStore(ctx, "app-static-v1", "static", "v1"); err != nil {
		t.Fatalf("ensure store: %v", err)
	}
	// Second ensure must be a no-op.
	if err := store.EnsureCacheStore(ctx, "app-static-v1", "static", "v1"); err != nil {
		t.Fatalf("ensure store again: %v", err)
	}

	entry := persistence.CacheEntry{
		StoreName:  "app-static-v1",
		RequestKey: "GET /assets/app.css",
		Status:     200,
		Header:     http.Header{"Content-Type": []string{"text/css"}},
		Body:       []byte("body{}"),
	}
	if err := store.PutCacheEntries(ctx, []persistence.CacheEntry{entry}); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry.Body = []byte("body{color:red}")
	if err := store.PutCacheEntries(ctx, []persistence.CacheEntry{entry}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := store.GetCacheEntry(ctx, "app-static-v1", "GET /assets/app.css")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Body) != "body{color:red}" {
		t.Fatalf("body = %q", got.Body)
	}
	if got.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("content-type = %q", got.Header.Get("Content-Type"))
	}
	keys, err := store.ListCacheKeys(ctx, "app-static-v1")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys = %v, want exactly one", keys)
	}
}

func TestStore_PutCacheEntriesIsAllOrNothing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.EnsureCacheStore(ctx, "app-static-v1", "static", "v1"); err != nil {
		t.Fatalf("ensure store: %v", err)
	}

	// The second entry targets a store that does not exist and violates the FK.
	err := store.PutCacheEntries(ctx, []persistence.CacheEntry{
		{StoreName: "app-static-v1", RequestKey: "GET /", Status: 200, Body: []byte("<html>")},
		{StoreName: "missing-store", RequestKey: "GET /x", Status: 200},
	})
	if err == nil {
		t.Fatal("expected FK failure")
	}
	keys, err := store.ListCacheKeys(ctx, "app-static-v1")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected rollback, found keys %v", keys)
	}
}

func TestStore_DeleteCacheStoreCascadesAndPublishes(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe("cache.")
	defer eventBus.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "offlined.db"), eventBus)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.EnsureCacheStore(ctx, "app-dynamic-v1", "dynamic", "v1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.PutCacheEntries(ctx, []persistence.CacheEntry{
		{StoreName: "app-dynamic-v1", RequestKey: "GET /api/metrics/summary", Status: 200},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	deleted, err := store.DeleteCacheStore(ctx, "app-dynamic-v1")
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	if n, _ := store.CacheEntryCount(ctx); n != 0 {
		t.Fatalf("entries left = %d", n)
	}
	if _, err := store.GetCacheEntry(ctx, "app-dynamic-v1", "GET /api/metrics/summary"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicCacheStoreDeleted {
			t.Fatalf("topic = %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no store-deleted event")
	}

	again, err := store.DeleteCacheStore(ctx, "app-dynamic-v1")
	if err != nil || again {
		t.Fatalf("second delete = %v, %v; want false, nil", again, err)
	}
}

func TestStore_DeferredFIFOPerTag(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"A", "B"} {
		if _, err := store.EnqueueDeferred(ctx, "outbox", p); err != nil {
			t.Fatalf("enqueue %s: %v", p, err)
		}
	}
	if _, err := store.EnqueueDeferred(ctx, "grades", "X"); err != nil {
		t.Fatalf("enqueue X: %v", err)
	}

	head, err := store.PeekDeferred(ctx, "outbox")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if head.Payload != "A" {
		t.Fatalf("head = %q, want A", head.Payload)
	}
	if err := store.RecordDeferredFailure(ctx, head.ID, "offline"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	again, _ := store.PeekDeferred(ctx, "outbox")
	if again.ID != head.ID || again.Attempts != 1 || again.LastError != "offline" {
		t.Fatalf("after failure head = %+v", again)
	}

	if err := store.DeleteDeferred(ctx, head.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	next, _ := store.PeekDeferred(ctx, "outbox")
	if next.Payload != "B" {
		t.Fatalf("next = %q, want B", next.Payload)
	}
	if depth, _ := store.DeferredDepth(ctx); depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
	if _, err := store.PeekDeferred(ctx, "unknown"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SyncRegistrationsAreUnique(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, tag := range []string{"outbox", "outbox", "grades"} {
		if err := store.RegisterSyncTag(ctx, tag); err != nil {
			t.Fatalf("register %s: %v", tag, err)
		}
	}
	tags, err := store.ListSyncTags(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("tags = %v, want 2 unique", tags)
	}
}

func TestStore_NotificationStatusAndRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := persistence.NotificationRecord{ID: "n1", Title: "Grades posted", Route: "/dashboard", Status: persistence.NotificationShown}
	if err := store.RecordNotification(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.UpdateNotificationStatus(ctx, "n1", persistence.NotificationClicked, "view"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.GetNotification(ctx, "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.NotificationClicked || got.Action != "view" {
		t.Fatalf("notification = %+v", got)
	}
	if err := store.UpdateNotificationStatus(ctx, "missing", persistence.NotificationDismissed, "dismiss"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.DB().Exec(`UPDATE notifications SET created_at = '2000-01-01 00:00:00' WHERE id = 'n1';`); err != nil {
		t.Fatalf("age row: %v", err)
	}
	res, err := store.RunRetention(ctx, 30)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedNotifications != 1 {
		t.Fatalf("purged = %d, want 1", res.PurgedNotifications)
	}
}
