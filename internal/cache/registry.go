// Package cache is the registry of named, versioned response stores. Stores
// are addressed by physical name; staleness is controlled by store
// versioning only, so there is no per-entry expiry or eviction.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basket/go-offline/internal/persistence"
	perrors "github.com/jmgilman/go/errors"
)

// Response is an immutable response snapshot. It is the value returned by
// the interceptor whether it came from the network, a store, or was
// synthesized.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy so callers may mutate headers freely.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     body,
		StoredAt: r.StoredAt,
	}
}

// Store is a handle to an opened cache store.
type Store struct {
	Name    string
	Logical string
	Version string
}

// StoreName builds the physical store name for a logical store at a version.
func StoreName(prefix, logical, version string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, logical, version)
}

// RequestKey canonicalizes a request identity: upper-cased method, then the
// path and sorted query. Scheme, host and fragment are dropped because the
// agent fronts exactly one origin.
func RequestKey(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return method + " " + rawURL
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if q := u.Query(); len(q) > 0 {
		return method + " " + path + "?" + q.Encode()
	}
	return method + " " + path
}

// Registry owns the set of stores. It does not filter what gets cached; the
// strategy executors decide cacheability before calling Put.
type Registry struct {
	db  *persistence.Store
	now func() time.Time
}

func NewRegistry(db *persistence.Store) *Registry {
	return &Registry{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Open returns a handle to the named store, creating it if absent.
func (r *Registry) Open(ctx context.Context, name, logical, version string) (Store, error) {
	if err := r.db.EnsureCacheStore(ctx, name, logical, version); err != nil {
		return Store{}, perrors.Wrap(err, perrors.CodeDatabase, "open cache store")
	}
	return Store{Name: name, Logical: logical, Version: version}, nil
}

// Match returns the stored response for key, or ok=false when absent.
func (r *Registry) Match(ctx context.Context, store Store, key string) (*Response, bool, error) {
	entry, err := r.db.GetCacheEntry(ctx, store.Name, key)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, perrors.Wrap(err, perrors.CodeDatabase, "match cache entry")
	}
	return &Response{
		Status:   entry.Status,
		Header:   entry.Header,
		Body:     entry.Body,
		StoredAt: entry.StoredAt,
	}, true, nil
}

// Put overwrites any existing entry for key. Writing the same response twice
// leaves the store in the same observable state as writing it once.
func (r *Registry) Put(ctx context.Context, store Store, key string, resp *Response) error {
	return r.PutAll(ctx, store, map[string]*Response{key: resp})
}

// PutAll writes every entry atomically.
func (r *Registry) PutAll(ctx context.Context, store Store, entries map[string]*Response) error {
	if err := r.db.EnsureCacheStore(ctx, store.Name, store.Logical, store.Version); err != nil {
		return perrors.Wrap(err, perrors.CodeDatabase, "open cache store")
	}
	now := r.now()
	rows := make([]persistence.CacheEntry, 0, len(entries))
	for key, resp := range entries {
		if resp == nil {
			continue
		}
		rows = append(rows, persistence.CacheEntry{
			StoreName:  store.Name,
			RequestKey: key,
			Status:     resp.Status,
			Header:     resp.Header,
			Body:       resp.Body,
			StoredAt:   now,
		})
	}
	if err := r.db.PutCacheEntries(ctx, rows); err != nil {
		return perrors.Wrap(err, perrors.CodeDatabase, "put cache entries")
	}
	return nil
}

func (r *Registry) Keys(ctx context.Context, store Store) ([]string, error) {
	keys, err := r.db.ListCacheKeys(ctx, store.Name)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeDatabase, "list cache keys")
	}
	return keys, nil
}

// Names enumerates every physical store name.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	recs, err := r.db.ListCacheStores(ctx)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeDatabase, "list cache stores")
	}
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		names = append(names, rec.Name)
	}
	return names, nil
}

// DeleteStore removes a whole store. It reports whether a store existed.
func (r *Registry) DeleteStore(ctx context.Context, name string) (bool, error) {
	deleted, err := r.db.DeleteCacheStore(ctx, name)
	if err != nil {
		return false, perrors.Wrap(err, perrors.CodeDatabase, "delete cache store")
	}
	return deleted, nil
}

// DeleteAll removes every store and returns the names it deleted.
func (r *Registry) DeleteAll(ctx context.Context) ([]string, error) {
	names, err := r.Names(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		ok, err := r.DeleteStore(ctx, name)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}
