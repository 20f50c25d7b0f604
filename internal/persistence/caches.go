package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/go-offline/internal/bus"
)

// CacheStoreRecord is a row in cache_stores.
type CacheStoreRecord struct {
	Name      string    `json:"name"`
	Logical   string    `json:"logical"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheEntry is an immutable response snapshot stored under a request key.
type CacheEntry struct {
	StoreName  string      `json:"store_name"`
	RequestKey string      `json:"request_key"`
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// EnsureCacheStore creates the named store if it does not exist. It is a
// no-op for an existing store.
func (s *Store) EnsureCacheStore(ctx context.Context, name, logical, version string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cache_stores(name, logical, version) VALUES(?, ?, ?)
			ON CONFLICT(name) DO NOTHING;
		`, name, logical, version)
		if err != nil {
			return fmt.Errorf("ensure cache store %q: %w", name, err)
		}
		return nil
	})
}

func (s *Store) ListCacheStores(ctx context.Context) ([]CacheStoreRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, logical, version, created_at FROM cache_stores ORDER BY created_at ASC, name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list cache stores: %w", err)
	}
	defer rows.Close()

	var out []CacheStoreRecord
	for rows.Next() {
		var rec CacheStoreRecord
		if err := rows.Scan(&rec.Name, &rec.Logical, &rec.Version, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cache store: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteCacheStore removes a store and, by cascade, all of its entries.
// Deleting a missing store reports false.
func (s *Store) DeleteCacheStore(ctx context.Context, name string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete store tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE store_name = ?;`, name); err != nil {
			return fmt.Errorf("delete entries of %q: %w", name, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?;`, name)
		if err != nil {
			return fmt.Errorf("delete cache store %q: %w", name, err)
		}
		affected, _ = res.RowsAffected()
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if affected > 0 {
		s.publish(bus.TopicCacheStoreDeleted, bus.CacheStoreEvent{StoreName: name})
	}
	return affected > 0, nil
}

// GetCacheEntry returns ErrNotFound when the key is absent.
func (s *Store) GetCacheEntry(ctx context.Context, storeName, requestKey string) (*CacheEntry, error) {
	var (
		entry      CacheEntry
		headerJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT store_name, request_key, status, header_json, body, stored_at
		FROM cache_entries WHERE store_name = ? AND request_key = ?;
	`, storeName, requestKey).Scan(&entry.StoreName, &entry.RequestKey, &entry.Status, &headerJSON, &entry.Body, &entry.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s/%s: %w", storeName, requestKey, err)
	}
	if err := json.Unmarshal([]byte(headerJSON), &entry.Header); err != nil {
		return nil, fmt.Errorf("decode header of %s/%s: %w", storeName, requestKey, err)
	}
	return &entry, nil
}

// PutCacheEntries writes every entry in one transaction. Existing entries
// with the same key are replaced. Either all entries land or none do.
func (s *Store) PutCacheEntries(ctx context.Context, entries []CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin put entries tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cache_entries(store_name, request_key, status, header_json, body, stored_at)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(store_name, request_key) DO UPDATE SET
				status = excluded.status,
				header_json = excluded.header_json,
				body = excluded.body,
				stored_at = excluded.stored_at;
		`)
		if err != nil {
			return fmt.Errorf("prepare put entry: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			header := e.Header
			if header == nil {
				header = http.Header{}
			}
			headerJSON, err := json.Marshal(header)
			if err != nil {
				return fmt.Errorf("encode header of %s: %w", e.RequestKey, err)
			}
			storedAt := e.StoredAt
			if storedAt.IsZero() {
				storedAt = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx, e.StoreName, e.RequestKey, e.Status, string(headerJSON), e.Body, storedAt); err != nil {
				return fmt.Errorf("put cache entry %s/%s: %w", e.StoreName, e.RequestKey, err)
			}
		}
		return tx.Commit()
	})
}

func (s *Store) ListCacheKeys(ctx context.Context, storeName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_key FROM cache_entries WHERE store_name = ? ORDER BY request_key ASC;
	`, storeName)
	if err != nil {
		return nil, fmt.Errorf("list cache keys of %q: %w", storeName, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CacheEntryCount returns the number of entries across all stores.
func (s *Store) CacheEntryCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}
