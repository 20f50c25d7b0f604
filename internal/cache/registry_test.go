package cache_test

import (
	"context"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/basket/go-offline/internal/cache"
	"github.com/basket/go-offline/internal/persistence"
)

func newTestRegistry(t *testing.T) *cache.Registry {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "offlined.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return cache.NewRegistry(store)
}

func TestRequestKey_Canonicalizes(t *testing.T) {
	tests := []struct {
		method, url, want string
	}{
		{"get", "/assets/app.css", "GET /assets/app.css"},
		{"GET", "https://school.example/api/metrics/summary#top", "GET /api/metrics/summary"},
		{"GET", "/api/courses?b=2&a=1", "GET /api/courses?a=1&b=2"},
		{"", "", "GET /"},
		{"POST", "/api/assignments", "POST /api/assignments"},
	}
	for _, tt := range tests {
		if got := cache.RequestKey(tt.method, tt.url); got != tt.want {
			t.Errorf("RequestKey(%q, %q) = %q, want %q", tt.method, tt.url, got, tt.want)
		}
	}
}

func TestRegistry_OpenIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := reg.Open(ctx, "app-static-v1", "static", "v1"); err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
	}
	names, err := reg.Names(ctx)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"app-static-v1"}) {
		t.Fatalf("names = %v", names)
	}
}

func TestRegistry_PutTwiceEqualsPutOnce(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	store, _ := reg.Open(ctx, "app-dynamic-v1", "dynamic", "v1")

	resp := &cache.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{"ok":true}`)}
	key := cache.RequestKey(http.MethodGet, "/api/dashboard")

	if err := reg.Put(ctx, store, key, resp); err != nil {
		t.Fatalf("put once: %v", err)
	}
	firstKeys, _ := reg.Keys(ctx, store)
	first, _, _ := reg.Match(ctx, store, key)

	if err := reg.Put(ctx, store, key, resp); err != nil {
		t.Fatalf("put twice: %v", err)
	}
	secondKeys, _ := reg.Keys(ctx, store)
	second, ok, err := reg.Match(ctx, store, key)
	if err != nil || !ok {
		t.Fatalf("match = %v, %v", ok, err)
	}

	if !reflect.DeepEqual(firstKeys, secondKeys) {
		t.Fatalf("keys changed: %v -> %v", firstKeys, secondKeys)
	}
	if first.Status != second.Status || string(first.Body) != string(second.Body) || !reflect.DeepEqual(first.Header, second.Header) {
		t.Fatalf("entry changed: %+v -> %+v", first, second)
	}
}

func TestRegistry_MatchMissReportsNotOK(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	store, _ := reg.Open(ctx, "app-static-v1", "static", "v1")

	resp, ok, err := reg.Match(ctx, store, "GET /nope")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if ok || resp != nil {
		t.Fatalf("expected miss, got %+v", resp)
	}
}

func TestRegistry_DeleteAll(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	for _, name := range []string{"app-static-v1", "app-dynamic-v1"} {
		store, _ := reg.Open(ctx, name, "x", "v1")
		if err := reg.Put(ctx, store, "GET /", &cache.Response{Status: 200}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	deleted, err := reg.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("deleted = %v", deleted)
	}
	names, _ := reg.Names(ctx)
	if len(names) != 0 {
		t.Fatalf("names left = %v", names)
	}
}

func TestResponse_CloneIsDeep(t *testing.T) {
	orig := &cache.Response{Status: 200, Header: http.Header{"X": {"1"}}, Body: []byte("a")}
	c := orig.Clone()
	c.Header.Set("X", "2")
	c.Body[0] = 'b'
	if orig.Header.Get("X") != "1" || string(orig.Body) != "a" {
		t.Fatalf("clone shared state with original: %+v", orig)
	}
}
